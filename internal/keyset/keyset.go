// Package keyset parses a JWK set once at startup and indexes keys by kid.
//
// The produced map is immutable and safe for concurrent read; this package
// never re-fetches or rotates keys — that's explicitly out of scope.
package keyset

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
)

// Load failure kinds, matchable with errors.Is.
var (
	ErrMalformedSet = errors.New("malformed JWK set")
	ErrMissingKid   = errors.New("key missing kid")
	ErrMissingAlg   = errors.New("key missing alg")
	ErrDuplicateKid = errors.New("Key with duplicate kid")
)

// Key is an immutable, loaded verification key.
type Key struct {
	Kid      string
	Alg      string
	material any // *rsa.PublicKey or []byte (HMAC secret)
}

// RSAPublicKey returns the key's RSA public key, if it is one.
func (k Key) RSAPublicKey() (*rsa.PublicKey, bool) {
	pub, ok := k.material.(*rsa.PublicKey)
	return pub, ok
}

// HMACSecret returns the key's symmetric secret, if it is one.
func (k Key) HMACSecret() ([]byte, bool) {
	secret, ok := k.material.([]byte)
	return secret, ok
}

// Store is the immutable kid -> Key index produced by Load.
type Store struct {
	keys map[string]Key
}

// Lookup returns the key for kid, if present.
func (s *Store) Lookup(kid string) (Key, bool) {
	k, ok := s.keys[kid]
	return k, ok
}

// Len reports how many keys are loaded.
func (s *Store) Len() int {
	return len(s.keys)
}

type jwkSetDoc struct {
	Keys []jwkDoc `json:"keys"`
}

type jwkDoc struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	K   string `json:"k"`
}

// Load builds a Store from either a literal JWK-set JSON string or a
// filesystem path to one. A missing file is tolerated and yields an empty
// Store; a malformed JWK set, or a key missing kid/alg, or a duplicate kid,
// fails the build.
func Load(jwkSetOrPath string) (*Store, error) {
	data, err := resolveSource(jwkSetOrPath)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return &Store{keys: map[string]Key{}}, nil
	}
	return parse(data)
}

func resolveSource(input string) ([]byte, error) {
	if strings.HasPrefix(strings.TrimSpace(input), "{") {
		return []byte(input), nil
	}

	data, err := os.ReadFile(input)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("keyset: read %s: %w", input, err)
	}
	return data, nil
}

func parse(data []byte) (*Store, error) {
	var doc jwkSetDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("keyset: %w: %v", ErrMalformedSet, err)
	}

	keys := make(map[string]Key, len(doc.Keys))
	for _, jwk := range doc.Keys {
		if jwk.Kid == "" {
			return nil, fmt.Errorf("keyset: %w", ErrMissingKid)
		}
		if jwk.Alg == "" {
			return nil, fmt.Errorf("keyset: %w: %q", ErrMissingAlg, jwk.Kid)
		}
		if _, exists := keys[jwk.Kid]; exists {
			return nil, fmt.Errorf("keyset: %w: %q", ErrDuplicateKid, jwk.Kid)
		}

		material, err := materialize(jwk)
		if err != nil {
			return nil, fmt.Errorf("keyset: key %q: %w", jwk.Kid, err)
		}
		keys[jwk.Kid] = Key{Kid: jwk.Kid, Alg: jwk.Alg, material: material}
	}

	return &Store{keys: keys}, nil
}

func materialize(jwk jwkDoc) (any, error) {
	switch jwk.Kty {
	case "RSA":
		return rsaPublicKey(jwk)
	case "oct":
		secret, err := base64.RawURLEncoding.DecodeString(jwk.K)
		if err != nil {
			return nil, fmt.Errorf("decode oct secret: %w", err)
		}
		return secret, nil
	default:
		// Unknown key types are stored verbatim as raw material; the
		// token verifier rejects them at signature-check time rather
		// than failing the whole set load here.
		return rawJWK(jwk), nil
	}
}

type rawJWK jwkDoc

func rsaPublicKey(jwk jwkDoc) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}
