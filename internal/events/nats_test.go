package events

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jwtproxy/nukleus/internal/config"
)

func TestIsValidSubject(t *testing.T) {
	assert.True(t, IsValidSubject("proxy.stream.begun"))
	assert.False(t, IsValidSubject(""))
	assert.False(t, IsValidSubject("bad subject"))
	assert.False(t, IsValidSubject("bad\tsubject"))
}

func TestNilSinkIsNoOp(t *testing.T) {
	sink := NewSink(nil, nil)
	assert.NotPanics(t, func() {
		sink.GrantCreated("affinity", "alice")
		sink.GrantReleased("alice")
	})
}

func TestSinkWithLoggerAndNoPublisher(t *testing.T) {
	sink := NewSink(nil, config.NewLogger("development", "error"))
	assert.NotPanics(t, func() {
		sink.GrantCreated("affinity", "alice")
		sink.GrantReleased("alice")
	})
}
