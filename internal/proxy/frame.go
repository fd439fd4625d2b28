// Package proxy implements the paired half-stream state machine: frame
// forwarding between an accept-side and a connect-side stream, the shared
// AccessGrant, expiry/challenge timer scheduling, and correlated teardown.
package proxy

import (
	"github.com/jwtproxy/nukleus/internal/realm"
	"github.com/jwtproxy/nukleus/internal/signaling"
)

// Bit-layout constants, restated from internal/realm for callers that only
// need the frame-writer glue and shouldn't have to import the realm
// package's bit-allocation machinery.
const (
	RealmMask         = realm.RealmMask
	ScopeMask         = realm.ScopeMask
	MaxRealms         = realm.MaxRealms
	MaxScopesPerRealm = realm.MaxScopesPerRealm
)

// CapabilityChallenge is the only defined bit of the capabilities byte.
const CapabilityChallenge uint8 = 1 << 0

// CanChallenge reports whether caps advertises challenge support.
func CanChallenge(caps uint8) bool {
	return caps&CapabilityChallenge != 0
}

// Type identifies a frame's kind.
type Type int

const (
	Begin Type = iota
	Data
	End
	Abort
	Window
	Reset
	Signal
)

func (t Type) String() string {
	switch t {
	case Begin:
		return "BEGIN"
	case Data:
		return "DATA"
	case End:
		return "END"
	case Abort:
		return "ABORT"
	case Window:
		return "WINDOW"
	case Reset:
		return "RESET"
	case Signal:
		return "SIGNAL"
	default:
		return "UNKNOWN"
	}
}

// Frame is the stream-frame envelope. Not every field is meaningful for
// every Type; unused fields are left zero.
type Frame struct {
	Type          Type
	RouteID       uint64
	StreamID      uint64
	Trace         uint64
	Authorization realm.Authorization
	Affinity      string
	Extension     map[string]string
	Capabilities  uint8

	// DATA / WINDOW
	Padding uint32
	GroupID uint32
	Payload []byte
	Credit  uint32

	// SIGNAL
	SignalID signaling.SignalID
}

// Header extension keys used by the HTTP BEGIN/SIGNAL extensions.
const (
	HeaderPath          = ":path"
	HeaderAuthorization = "authorization"
	HeaderStatus        = ":status"
	HeaderMethod        = ":method"
	HeaderContentType   = "content-type"
)

// newChallengeExtension builds the HTTP SIGNAL extension written on a
// challenge.
func newChallengeExtension() map[string]string {
	return map[string]string{
		HeaderMethod:      "post",
		HeaderContentType: "application/x-challenge-response",
	}
}

// newUnauthorizedExtension builds the HTTP BEGIN extension synthesized
// when a grant expires before the reply BEGIN was ever forwarded.
func newUnauthorizedExtension() map[string]string {
	return map[string]string{
		HeaderStatus: "401",
	}
}
