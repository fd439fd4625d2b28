package proxy

import "time"

// Transport sends frames to one side of a proxy pair. The concrete
// implementation (wsbridge.go) carries them over a gorilla/websocket
// connection; this interface is the seam the surrounding router's frame
// codec would otherwise fill.
type Transport interface {
	Send(Frame) error
}

// Router is the surrounding event-loop/router collaborator this package
// consumes but does not implement: it owns throttle state keyed by
// acceptInitialId.
type Router interface {
	ClearThrottle(acceptInitialID uint64)
}

// EventSink receives proxy pair lifecycle notifications for observability.
// A nil sink is valid; every method on it is skipped.
type EventSink interface {
	StreamBegun(pair *Pair)
	StreamChallenged(pair *Pair)
	StreamExpired(pair *Pair, synthesized401 bool)
}

// Clock abstracts wall-clock reads so tests can drive a Pair's timer logic
// deterministically alongside a signaling.ManualExecutor.
type Clock func() time.Time
