package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrameFromWireJSON(t *testing.T) {
	data, err := DecodeFrame([]byte(`{"type":"DATA","routeId":10,"streamId":1,"authorization":281474976710656,"payload":"aGVsbG8="}`))
	require.NoError(t, err)

	assert.Equal(t, Data, data.Type)
	assert.Equal(t, uint64(10), data.RouteID)
	assert.Equal(t, uint64(1), data.StreamID)
	assert.Equal(t, []byte("hello"), data.Payload)
}

func TestDecodeFrameUnknownType(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"type":"BOGUS","routeId":1,"streamId":1}`))
	require.NoError(t, err)
	assert.Equal(t, Type(-1), f.Type)
}
