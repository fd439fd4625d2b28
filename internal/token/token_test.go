package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwtproxy/nukleus/internal/keyset"
)

const hmacKeySet = `{"keys":[{"kty":"oct","kid":"HS256","alg":"HS256","k":"c2VjcmV0"}]}`

func signHS256(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString([]byte("secret"))
	require.NoError(t, err)
	return signed
}

func TestVerifyHappyPath(t *testing.T) {
	store, err := keyset.Load(hmacKeySet)
	require.NoError(t, err)
	v := New(store, true, "")

	raw := signHS256(t, "HS256", jwt.MapClaims{
		"iss":   "iss1",
		"aud":   "aud1",
		"scope": "read write",
		"exp":   time.Now().Add(60 * time.Second).Unix(),
	})

	claims, ok := v.Verify(raw)
	require.True(t, ok)
	assert.Equal(t, "HS256", claims.Kid())
	assert.Equal(t, "iss1", claims.Issuer())
	assert.Equal(t, "aud1", claims.Audience())
	assert.ElementsMatch(t, []string{"read", "write"}, claims.Scopes())
	assert.False(t, claims.ExpiresAt().IsZero())
}

func TestVerifyExpiredRejected(t *testing.T) {
	store, err := keyset.Load(hmacKeySet)
	require.NoError(t, err)
	v := New(store, true, "")

	raw := signHS256(t, "HS256", jwt.MapClaims{
		"exp": time.Now().Add(-time.Minute).Unix(),
	})

	_, ok := v.Verify(raw)
	assert.False(t, ok)
}

func TestVerifyUnknownKidRejected(t *testing.T) {
	store, err := keyset.Load(hmacKeySet)
	require.NoError(t, err)
	v := New(store, true, "")

	raw := signHS256(t, "no-such-kid", jwt.MapClaims{})
	_, ok := v.Verify(raw)
	assert.False(t, ok)
}

func TestVerifyAlgMismatchRejected(t *testing.T) {
	store, err := keyset.Load(`{"keys":[{"kty":"oct","kid":"HS256","alg":"RS256","k":"c2VjcmV0"}]}`)
	require.NoError(t, err)
	v := New(store, true, "")

	raw := signHS256(t, "HS256", jwt.MapClaims{})
	_, ok := v.Verify(raw)
	assert.False(t, ok)
}

func TestVerifyExpireInFlightRequestsDisabledForcesNever(t *testing.T) {
	store, err := keyset.Load(hmacKeySet)
	require.NoError(t, err)
	v := New(store, false, "")

	raw := signHS256(t, "HS256", jwt.MapClaims{
		"exp": time.Now().Add(60 * time.Second).Unix(),
	})

	claims, ok := v.Verify(raw)
	require.True(t, ok)
	assert.True(t, claims.ExpiresAt().IsZero())
}

func TestVerifyChallengeAfterClaim(t *testing.T) {
	store, err := keyset.Load(hmacKeySet)
	require.NoError(t, err)
	v := New(store, true, "x-")

	ca := time.Now().Add(70 * time.Second)
	raw := signHS256(t, "HS256", jwt.MapClaims{
		"exp":   time.Now().Add(100 * time.Second).Unix(),
		"x-caf": ca.Unix(),
	})

	claims, ok := v.Verify(raw)
	require.True(t, ok)
	assert.WithinDuration(t, ca, claims.ChallengeAfter(), time.Second)
}

func TestExtractBearerHeaderTakesPrecedence(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		headers map[string]string
		want    string
	}{
		{
			name: "path query only",
			path: "/stream?access_token=from-path",
			want: "from-path",
		},
		{
			name:    "header only",
			path:    "/stream",
			headers: map[string]string{"authorization": "Bearer from-header"},
			want:    "from-header",
		},
		{
			name:    "header overrides path",
			path:    "/stream?access_token=from-path",
			headers: map[string]string{"authorization": "Bearer from-header"},
			want:    "from-header",
		},
		{
			name: "neither present",
			path: "/stream",
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractBearer(tt.path, tt.headers)
			assert.Equal(t, tt.want, got)
		})
	}
}
