package token

import (
	"errors"
	"fmt"
)

var errBadNumericDate = errors.New("token: unexpected numeric date representation")

func errMissingHeader(name string) error {
	return fmt.Errorf("token: missing %s header", name)
}

func errNoKey(kid string) error {
	return fmt.Errorf("token: no key for kid %q", kid)
}

func errAlgMismatch(kid string) error {
	return fmt.Errorf("token: alg mismatch for kid %q", kid)
}

func errUnsupportedKey(kid string) error {
	return fmt.Errorf("token: unsupported key material for kid %q", kid)
}
