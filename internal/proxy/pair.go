package proxy

import (
	"sync"
	"time"

	"github.com/jwtproxy/nukleus/internal/grant"
	"github.com/jwtproxy/nukleus/internal/realm"
	"github.com/jwtproxy/nukleus/internal/signaling"
)

// Half is one side of a proxy pair: the initial (accept→connect) half is
// active from construction; the reply (connect→accept) half is pending
// until its BEGIN arrives, tracked on the owning Pair via replyBegun rather
// than on the half itself.
type Half struct {
	RouteID   uint64
	StreamID  uint64
	Transport Transport
}

// PairConfig supplies everything NewPair needs to open a connect-side
// BEGIN and register the correlation entry awaiting its reply.
type PairConfig struct {
	AcceptInitialID uint64
	ConnectReplyID  uint64

	InitialRouteID   uint64
	InitialStreamID  uint64
	InitialTransport Transport

	TargetRouteID  uint64
	TargetStreamID uint64
	ReplyTransport Transport

	// ConnectAuthorization is the verifier lookup result when a token was
	// verified, else the inbound pass-through authorization.
	ConnectAuthorization realm.Authorization
	Affinity             string
	Extension            map[string]string
	Capabilities         uint8
	Trace                uint64

	Grant       *grant.AccessGrant
	Executor    signaling.Executor
	Router      Router
	Correlation *CorrelationTable
	Sink        EventSink

	// Now defaults to time.Now; tests inject a clock tied to their
	// signaling.ManualExecutor.
	Now Clock
}

// Pair owns both halves of one logical connection, the shared grant, and
// the single outstanding expiry/challenge timer.
type Pair struct {
	mu sync.Mutex

	acceptInitialID uint64
	connectReplyID  uint64

	initial *Half
	reply   *Half

	capabilities uint8

	grant         *grant.AccessGrant
	grantReleased bool

	executor    signaling.Executor
	router      Router
	correlation *CorrelationTable
	sink        EventSink
	now         Clock

	timerHandle signaling.Handle
	replyBegun  bool
}

// NewPair opens the connect-side BEGIN on cfg.ReplyTransport, registers the
// correlation entry, schedules the reply half's expiry/challenge timer, and
// returns the constructed Pair. Only the reply half ever carries a timer;
// the initial half never schedules one.
func NewPair(cfg PairConfig) *Pair {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	p := &Pair{
		acceptInitialID: cfg.AcceptInitialID,
		connectReplyID:  cfg.ConnectReplyID,
		initial: &Half{
			RouteID:   cfg.InitialRouteID,
			StreamID:  cfg.InitialStreamID,
			Transport: cfg.InitialTransport,
		},
		reply: &Half{
			RouteID:   cfg.TargetRouteID,
			StreamID:  cfg.TargetStreamID,
			Transport: cfg.ReplyTransport,
		},
		capabilities: cfg.Capabilities,
		grant:        cfg.Grant,
		executor:     cfg.Executor,
		router:       cfg.Router,
		correlation:  cfg.Correlation,
		sink:         cfg.Sink,
		now:          now,
	}

	cfg.Grant.Acquire()
	p.correlation.Put(cfg.ConnectReplyID, p)

	p.mu.Lock()
	p.scheduleTimerLocked()
	p.mu.Unlock()

	cfg.ReplyTransport.Send(Frame{
		Type:          Begin,
		RouteID:       cfg.TargetRouteID,
		StreamID:      cfg.TargetStreamID,
		Trace:         cfg.Trace,
		Authorization: cfg.ConnectAuthorization,
		Affinity:      cfg.Affinity,
		Extension:     cfg.Extension,
		Capabilities:  cfg.Capabilities,
	})

	return p
}

// OnReplyBegin handles the downstream BEGIN arriving on the reply half: it
// pops the correlation entry, activates the reply half, and forwards a
// paired doBegin to the accept side carrying the upstream's trace/
// authorization/extension.
func (p *Pair) OnReplyBegin(f Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.detachCorrelationLocked()
	p.replyBegun = true

	p.initial.Transport.Send(Frame{
		Type:          Begin,
		RouteID:       p.initial.RouteID,
		StreamID:      p.initial.StreamID,
		Trace:         f.Trace,
		Authorization: f.Authorization,
		Extension:     f.Extension,
		Capabilities:  f.Capabilities,
	})

	if p.sink != nil {
		p.sink.StreamBegun(p)
	}
}

// HandleData forwards a DATA frame to the twin half verbatim: trace,
// padding, authorization, groupId, payload, and extension all carry
// through unchanged.
func (p *Pair) HandleData(from *Half, f Frame) {
	p.mu.Lock()
	twin := p.twinLocked(from)
	p.mu.Unlock()

	twin.Transport.Send(Frame{
		Type:          Data,
		RouteID:       twin.RouteID,
		StreamID:      twin.StreamID,
		Trace:         f.Trace,
		Authorization: f.Authorization,
		Padding:       f.Padding,
		GroupID:       f.GroupID,
		Payload:       f.Payload,
		Extension:     f.Extension,
	})
}

// HandleEnd forwards the END, cancels the timer, and releases the grant.
func (p *Pair) HandleEnd(from *Half, f Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	twin := p.twinLocked(from)
	twin.Transport.Send(Frame{
		Type:      End,
		RouteID:   twin.RouteID,
		StreamID:  twin.StreamID,
		Extension: f.Extension,
	})

	p.detachCorrelationLocked()
	p.cancelTimerLocked()
	p.releaseGrantLocked()
}

// HandleAbort forwards the ABORT, detaches the correlation if present,
// cancels the timer, and releases the grant.
func (p *Pair) HandleAbort(from *Half, f Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	twin := p.twinLocked(from)
	twin.Transport.Send(Frame{
		Type:     Abort,
		RouteID:  twin.RouteID,
		StreamID: twin.StreamID,
	})

	p.detachCorrelationLocked()
	p.cancelTimerLocked()
	p.releaseGrantLocked()
}

// HandleUnknown emits RESET on the half that received the unrecognized
// frame type and tears the pair down.
func (p *Pair) HandleUnknown(from *Half) {
	p.mu.Lock()
	defer p.mu.Unlock()

	from.Transport.Send(Frame{Type: Reset, RouteID: from.RouteID, StreamID: from.StreamID})
	p.detachCorrelationLocked()
	p.cancelTimerLocked()
	p.releaseGrantLocked()
}

// HandleWindow updates the pair's tracked capabilities and forwards
// credit/padding/groupId to the source.
func (p *Pair) HandleWindow(from *Half, f Frame) {
	p.mu.Lock()
	p.capabilities = f.Capabilities
	source := p.twinLocked(from)
	p.mu.Unlock()

	source.Transport.Send(Frame{
		Type:         Window,
		RouteID:      source.RouteID,
		StreamID:     source.StreamID,
		Credit:       f.Credit,
		Padding:      f.Padding,
		GroupID:      f.GroupID,
		Capabilities: f.Capabilities,
	})
}

// HandleReset forwards the RESET, cleans up the correlation, and cancels
// the timer.
func (p *Pair) HandleReset(from *Half, f Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	twin := p.twinLocked(from)
	twin.Transport.Send(Frame{Type: Reset, RouteID: twin.RouteID, StreamID: twin.StreamID})

	p.detachCorrelationLocked()
	p.cancelTimerLocked()
	p.releaseGrantLocked()
}

func (p *Pair) twinLocked(from *Half) *Half {
	if from == p.initial {
		return p.reply
	}
	return p.initial
}

func (p *Pair) detachCorrelationLocked() {
	if _, ok := p.correlation.Pop(p.connectReplyID); ok {
		p.router.ClearThrottle(p.acceptInitialID)
	}
}

func (p *Pair) cancelTimerLocked() {
	if p.timerHandle != nil {
		p.timerHandle.Cancel()
		p.timerHandle = nil
	}
}

func (p *Pair) releaseGrantLocked() {
	if p.grantReleased {
		return
	}
	p.grantReleased = true
	p.grant.Release()
}

// scheduleTimerLocked runs once at pair construction: challenge-capable
// peers with a non-zero delta get the timer at the challenge-after instant,
// everyone else at the grant's expiry. A zero expiry means the grant never
// expires and no timer is set.
func (p *Pair) scheduleTimerLocked() {
	exp := p.grant.ExpiresAt()
	if exp.IsZero() {
		return
	}

	delta := p.grant.ChallengeDelta()
	if CanChallenge(p.capabilities) && delta > 0 {
		p.scheduleAtLocked(exp.Add(-delta))
		return
	}
	p.scheduleAtLocked(exp)
}

func (p *Pair) scheduleAtLocked(at time.Time) {
	p.timerHandle = p.executor.Schedule(
		at,
		signaling.Target{RouteID: p.reply.RouteID, StreamID: p.reply.StreamID},
		signaling.GrantValidation,
		p.onTimerFire,
	)
}

// onTimerFire decides between challenge, reschedule, and teardown. A grant
// reauthorized under the timer still has remaining > 0 at fire time and only
// ever reschedules; an expired grant resets the source and either
// synthesizes a 401 response (downstream never answered) or aborts the
// target.
func (p *Pair) onTimerFire() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	exp := p.grant.ExpiresAt()
	delta := p.grant.ChallengeDelta()
	remaining := exp.Sub(now)

	if remaining > 0 {
		canChallenge := CanChallenge(p.capabilities)
		if !canChallenge {
			p.scheduleAtLocked(exp)
			return
		}

		ca := exp.Add(-delta)
		switch {
		case !ca.After(now) && now.Before(exp):
			p.initial.Transport.Send(Frame{
				Type:      Signal,
				RouteID:   p.initial.RouteID,
				StreamID:  p.initial.StreamID,
				SignalID:  signaling.GrantValidation,
				Extension: newChallengeExtension(),
			})
			if p.sink != nil {
				p.sink.StreamChallenged(p)
			}
			p.scheduleAtLocked(exp)
		case now.Before(ca):
			p.scheduleAtLocked(ca)
		default:
			p.scheduleAtLocked(exp)
		}
		return
	}

	p.initial.Transport.Send(Frame{Type: Reset, RouteID: p.initial.RouteID, StreamID: p.initial.StreamID})
	p.detachCorrelationLocked()

	synthesized := !p.replyBegun
	if synthesized {
		p.initial.Transport.Send(Frame{
			Type:      Begin,
			RouteID:   p.initial.RouteID,
			StreamID:  p.initial.StreamID,
			Extension: newUnauthorizedExtension(),
		})
		p.initial.Transport.Send(Frame{Type: End, RouteID: p.initial.RouteID, StreamID: p.initial.StreamID})
	} else {
		p.reply.Transport.Send(Frame{Type: Abort, RouteID: p.reply.RouteID, StreamID: p.reply.StreamID})
	}

	p.releaseGrantLocked()
	if p.sink != nil {
		p.sink.StreamExpired(p, synthesized)
	}
}

// Initial returns the pair's initial (accept-side) half.
func (p *Pair) Initial() *Half { return p.initial }

// Reply returns the pair's reply (connect-side) half.
func (p *Pair) Reply() *Half { return p.reply }

// Grant returns the pair's shared AccessGrant, for event sinks that want
// to report its current authorization/expiry alongside a lifecycle event.
func (p *Pair) Grant() *grant.AccessGrant { return p.grant }
