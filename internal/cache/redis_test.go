package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyKeyStableAndOpaque(t *testing.T) {
	raw := "header.payload.signature"
	k1 := verifyKey(raw)
	k2 := verifyKey(raw)

	assert.Equal(t, k1, k2)
	assert.NotContains(t, k1, raw)
	assert.Contains(t, k1, KeyVerify+":")
}

func TestVerifyKeyDiffersPerToken(t *testing.T) {
	assert.NotEqual(t, verifyKey("a.b.c"), verifyKey("d.e.f"))
}
