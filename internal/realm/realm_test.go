package realm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	kid, iss, aud string
	scopes        []string
}

func (f fakeToken) Kid() string      { return f.kid }
func (f fakeToken) Issuer() string   { return f.iss }
func (f fakeToken) Audience() string { return f.aud }
func (f fakeToken) Scopes() []string { return f.scopes }

func TestResolveRealmOnly(t *testing.T) {
	r := NewRegistry()
	auth := r.Resolve("RS256", "", "", nil)
	assert.Equal(t, Authorization(1<<48), auth)
}

func TestResolveScoped(t *testing.T) {
	r := NewRegistry()
	auth := r.Resolve("realm1", "iss1", "aud1", []string{"read", "write"})
	assert.Equal(t, Authorization((1<<48)|1|2), auth)
}

func TestResolvePopcountInvariant(t *testing.T) {
	r := NewRegistry()
	tests := []struct {
		name   string
		realm  string
		scopes []string
	}{
		{"no scopes", "a", nil},
		{"one scope", "b", []string{"x"}},
		{"many scopes", "c", []string{"x", "y", "z"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := r.Resolve(tt.realm, "iss", "aud", tt.scopes)
			require.LessOrEqual(t, popcount(uint64(auth)&RealmMask), 1)
		})
	}
}

func TestLookupIgnoresUnknownScopes(t *testing.T) {
	r := NewRegistry()
	want := r.Resolve("realm1", "iss1", "aud1", []string{"read", "write"})

	got := r.Lookup(fakeToken{kid: "realm1", iss: "iss1", aud: "aud1", scopes: []string{"write", "read", "extra"}})
	assert.Equal(t, want, got)
}

func TestLookupUnknownRealmReturnsZero(t *testing.T) {
	r := NewRegistry()
	r.Resolve("realm1", "iss1", "aud1", []string{"read"})

	got := r.Lookup(fakeToken{kid: "no-such-realm", iss: "iss1", aud: "aud1"})
	assert.Equal(t, Authorization(0), got)
}

func TestLookupUnknownIssuerAudienceReturnsZero(t *testing.T) {
	r := NewRegistry()
	r.Resolve("realm1", "iss1", "aud1", []string{"read"})

	got := r.Lookup(fakeToken{kid: "realm1", iss: "other-iss", aud: "aud1"})
	assert.Equal(t, Authorization(0), got)
}

func TestUnresolveRoundTrip(t *testing.T) {
	r := NewRegistry()
	auth := r.Resolve("realm1", "iss1", "aud1", []string{"read"})

	assert.True(t, r.Unresolve(auth))
	assert.False(t, r.Unresolve(auth))
}

func TestUnresolveMultiRealmBitsRejected(t *testing.T) {
	r := NewRegistry()
	_ = r.Resolve("realm1", "iss1", "aud1", nil)

	twoBits := Authorization((1 << 48) | (1 << 49))
	assert.False(t, r.Unresolve(twoBits))
}

func TestRealmBitSaturation(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < MaxRealms; i++ {
		auth := r.Resolve("realm", "iss", fmt.Sprintf("aud-%d", i), nil)
		assert.NotEqual(t, Authorization(0), auth)
	}

	overflow := r.Resolve("realm", "iss", "aud-overflow", nil)
	assert.Equal(t, Authorization(0), overflow)
}

func TestScopeBudgetSaturation(t *testing.T) {
	r := NewRegistry()
	scopes := make([]string, MaxScopesPerRealm)
	for i := range scopes {
		scopes[i] = fmt.Sprintf("scope-%d", i)
	}
	auth := r.Resolve("realm1", "iss1", "aud1", scopes)
	assert.NotEqual(t, Authorization(0), auth)

	overflow := r.Resolve("realm1", "iss1", "aud1", []string{"one-too-many"})
	assert.Equal(t, Authorization(0), overflow)
}

func TestRealmIndexRoundTrips(t *testing.T) {
	r := NewRegistry()
	auth := r.Resolve("realm1", "iss1", "aud1", nil)

	idx, ok := RealmIndex(auth)
	assert.True(t, ok)
	assert.Equal(t, 0, idx)

	second := r.Resolve("realm2", "iss2", "aud2", nil)
	idx2, ok := RealmIndex(second)
	assert.True(t, ok)
	assert.Equal(t, 1, idx2)
}

func TestRealmIndexUnauthenticated(t *testing.T) {
	_, ok := RealmIndex(Authorization(0))
	assert.False(t, ok)
}

func popcount(x uint64) int {
	n := 0
	for x != 0 {
		n++
		x &= x - 1
	}
	return n
}
