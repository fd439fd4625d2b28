// Package token extracts a bearer JWT from an inbound BEGIN's HTTP
// extension and verifies it against a keyset.Store: key/alg match first,
// then the signature and the time-bound claims, both checked by jwt.Parse.
//
// Any failure along that pipeline — missing kid, alg mismatch, expired,
// not-yet-valid, bad signature, malformed compact serialization — resolves
// to "not verified" rather than a propagated error; the caller is expected
// to fall back to pass-through authorization, never to abort the stream.
package token

import (
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jwtproxy/nukleus/internal/keyset"
)

// pathTokenPattern matches an access_token query parameter on a :path
// header value.
var pathTokenPattern = regexp.MustCompile(`(?:\?|.*?&)access_token=([^&#]+)(?:&.*)?`)

// ExtractBearer extracts a bearer token from a BEGIN's HTTP extension: the
// :path query is checked first, then the authorization header overrides it
// if present (a natural consequence of evaluating it second).
func ExtractBearer(path string, headers map[string]string) string {
	token := ""
	if m := pathTokenPattern.FindStringSubmatch(path); m != nil {
		token = m[1]
	}
	if auth, ok := headerLookup(headers, "authorization"); ok && strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	return token
}

func headerLookup(headers map[string]string, name string) (string, bool) {
	if v, ok := headers[name]; ok {
		return v, true
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// Claims is the subset of a verified token's claims the rest of the proxy
// needs. A zero ExpiresAt means the token (or config) grants NEVER expiry;
// a zero ChallengeAfter means no challenge-after claim was present.
type Claims struct {
	kid            string
	subject        string
	issuer         string
	audience       string
	scopes         []string
	expiresAt      time.Time
	challengeAfter time.Time
}

// Kid satisfies realm.VerifiedToken: the realm name is the same kid used
// to select the verification key.
func (c Claims) Kid() string { return c.kid }

// Subject returns the token's sub claim.
func (c Claims) Subject() string { return c.subject }

// Issuer returns the token's iss claim.
func (c Claims) Issuer() string { return c.issuer }

// Audience returns the token's aud claim (first value if it's a list).
func (c Claims) Audience() string { return c.audience }

// Scopes returns the space-split scope claim, or nil if absent.
func (c Claims) Scopes() []string { return c.scopes }

// ExpiresAt returns the token's exp claim, or the zero Time for NEVER.
func (c Claims) ExpiresAt() time.Time { return c.expiresAt }

// ChallengeAfter returns the <namespace>caf claim, or the zero Time if absent.
func (c Claims) ChallengeAfter() time.Time { return c.challengeAfter }

// FromCached rebuilds Claims from a previously verified and cached result,
// skipping the signature check entirely. Callers must still treat a cache
// hit past its own ExpiresAt as a miss before calling this.
func FromCached(kid, subject, issuer, audience string, scopes []string, expiresAt, challengeAfter time.Time) Claims {
	return Claims{
		kid:            kid,
		subject:        subject,
		issuer:         issuer,
		audience:       audience,
		scopes:         scopes,
		expiresAt:      expiresAt,
		challengeAfter: challengeAfter,
	}
}

// Verifier validates bearer JWTs against a loaded keyset.
type Verifier struct {
	keys                         *keyset.Store
	expireInFlightRequests       bool
	challengeDeltaClaimNamespace string
}

// New builds a Verifier. expireInFlightRequests mirrors the proxy config
// option of the same name: when false, ExpiresAt is always the zero Time
// regardless of the token's own exp. challengeDeltaClaimNamespace is
// prefixed to "caf" to find the challenge-after claim.
func New(keys *keyset.Store, expireInFlightRequests bool, challengeDeltaClaimNamespace string) *Verifier {
	return &Verifier{
		keys:                         keys,
		expireInFlightRequests:       expireInFlightRequests,
		challengeDeltaClaimNamespace: challengeDeltaClaimNamespace,
	}
}

// Verify parses and validates raw as a JWS compact serialization. ok is
// false for any failure in the pipeline — the caller should proceed with
// pass-through authorization, not abort.
func (v *Verifier) Verify(raw string) (claims Claims, ok bool) {
	if raw == "" {
		return Claims{}, false
	}

	parsed, err := jwt.Parse(raw, v.keyFunc)
	if err != nil || !parsed.Valid {
		return Claims{}, false
	}

	mapClaims, isMap := parsed.Claims.(jwt.MapClaims)
	if !isMap {
		return Claims{}, false
	}

	kid, _ := parsed.Header["kid"].(string)
	out := Claims{kid: kid}

	if s, ok := mapClaims["sub"].(string); ok {
		out.subject = s
	}
	if s, ok := mapClaims["iss"].(string); ok {
		out.issuer = s
	}
	out.audience = firstAudience(mapClaims["aud"])
	out.scopes = splitScopes(mapClaims["scope"])

	if v.expireInFlightRequests {
		if expVal, ok := mapClaims["exp"]; ok {
			if t, err := toTime(expVal); err == nil {
				out.expiresAt = t
			}
		}
	}

	cafClaim := v.challengeDeltaClaimNamespace + "caf"
	if cafVal, ok := mapClaims[cafClaim]; ok {
		if t, err := toTime(cafVal); err == nil {
			out.challengeAfter = t
		}
	}

	return out, true
}

func (v *Verifier) keyFunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	alg, _ := t.Header["alg"].(string)
	if kid == "" {
		return nil, errMissingHeader("kid")
	}
	if alg == "" {
		return nil, errMissingHeader("alg")
	}

	key, found := v.keys.Lookup(kid)
	if !found {
		return nil, errNoKey(kid)
	}
	if key.Alg != alg {
		return nil, errAlgMismatch(kid)
	}

	if pub, ok := key.RSAPublicKey(); ok {
		return pub, nil
	}
	if secret, ok := key.HMACSecret(); ok {
		return secret, nil
	}
	return nil, errUnsupportedKey(kid)
}

func firstAudience(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		if len(t) > 0 {
			if s, ok := t[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

func splitScopes(v any) []string {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	return strings.Fields(s)
}

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case float64:
		return time.Unix(int64(t), 0), nil
	case jwt.NumericDate:
		return t.Time, nil
	case *jwt.NumericDate:
		return t.Time, nil
	default:
		return time.Time{}, errBadNumericDate
	}
}
