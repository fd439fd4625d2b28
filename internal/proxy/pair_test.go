package proxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwtproxy/nukleus/internal/grant"
	"github.com/jwtproxy/nukleus/internal/realm"
	"github.com/jwtproxy/nukleus/internal/signaling"
)

type recordingTransport struct {
	sent []Frame
}

func (t *recordingTransport) Send(f Frame) error {
	t.sent = append(t.sent, f)
	return nil
}

func (t *recordingTransport) last() Frame {
	return t.sent[len(t.sent)-1]
}

type recordingRouter struct {
	cleared []uint64
}

func (r *recordingRouter) ClearThrottle(acceptInitialID uint64) {
	r.cleared = append(r.cleared, acceptInitialID)
}

func newHarness(t *testing.T, capabilities uint8) (*Pair, *recordingTransport, *recordingTransport, *recordingRouter, *signaling.ManualExecutor, *grant.AccessGrant) {
	t.Helper()

	exec := signaling.NewManualExecutor(time.Unix(1000, 0))
	g := grant.NewTable(nil).Supply(0, "affinity-1", "alice")
	g.Reauthorize(realm.Authorization(1<<48), time.Unix(1060, 0), 0)

	initialTransport := &recordingTransport{}
	replyTransport := &recordingTransport{}
	router := &recordingRouter{}
	correlation := NewCorrelationTable()

	p := NewPair(PairConfig{
		AcceptInitialID:      1,
		ConnectReplyID:       2,
		InitialRouteID:       10,
		InitialStreamID:      1,
		InitialTransport:     initialTransport,
		TargetRouteID:        20,
		TargetStreamID:       2,
		ReplyTransport:       replyTransport,
		ConnectAuthorization: realm.Authorization(1 << 48),
		Capabilities:         capabilities,
		Grant:                g,
		Executor:             exec,
		Router:               router,
		Correlation:          correlation,
		Now:                  exec.Now,
	})

	require.Len(t, replyTransport.sent, 1)
	require.Equal(t, Begin, replyTransport.last().Type)

	return p, initialTransport, replyTransport, router, exec, g
}

func TestNewPairSendsConnectBegin(t *testing.T) {
	_, _, replyTransport, _, _, _ := newHarness(t, 0)

	f := replyTransport.last()
	assert.Equal(t, uint64(20), f.RouteID)
	assert.Equal(t, uint64(2), f.StreamID)
	assert.Equal(t, realm.Authorization(1<<48), f.Authorization)
}

func TestOnReplyBeginForwardsToAcceptSide(t *testing.T) {
	p, initialTransport, _, _, _, _ := newHarness(t, 0)

	p.OnReplyBegin(Frame{
		Type:          Begin,
		RouteID:       20,
		StreamID:      2,
		Authorization: realm.Authorization(1 << 48),
		Trace:         99,
	})

	require.Len(t, initialTransport.sent, 1)
	f := initialTransport.last()
	assert.Equal(t, Begin, f.Type)
	assert.Equal(t, uint64(10), f.RouteID)
	assert.Equal(t, uint64(1), f.StreamID)
	assert.Equal(t, uint64(99), f.Trace)
}

func TestExpiryBeforeReplySynthesizes401(t *testing.T) {
	_, initialTransport, replyTransport, router, exec, g := newHarness(t, 0)

	// Downstream never answers; the timer fires at the token's exp.
	exec.Advance(60 * time.Second)

	require.Len(t, initialTransport.sent, 3)
	assert.Equal(t, Reset, initialTransport.sent[0].Type)
	assert.Equal(t, Begin, initialTransport.sent[1].Type)
	assert.Equal(t, "401", initialTransport.sent[1].Extension[HeaderStatus])
	assert.Equal(t, End, initialTransport.sent[2].Type)

	// Only the connect BEGIN ever went downstream.
	require.Len(t, replyTransport.sent, 1)

	// Detaching the correlation clears the accept-side throttle, and the
	// grant reference is dropped.
	require.Len(t, router.cleared, 1)
	assert.Equal(t, uint64(1), router.cleared[0])
	assert.Equal(t, uint32(0), g.RefCount())
}

func TestExpiryAfterReplyAbortsTarget(t *testing.T) {
	p, initialTransport, replyTransport, _, exec, _ := newHarness(t, 0)
	p.OnReplyBegin(Frame{Type: Begin, RouteID: 20, StreamID: 2, Authorization: realm.Authorization(1 << 48)})

	exec.Advance(60 * time.Second)

	// Forwarded reply BEGIN, then the expiry RESET; no synthesized response.
	require.Len(t, initialTransport.sent, 2)
	assert.Equal(t, Begin, initialTransport.sent[0].Type)
	assert.Equal(t, Reset, initialTransport.sent[1].Type)

	require.Len(t, replyTransport.sent, 2)
	assert.Equal(t, Abort, replyTransport.last().Type)
}

func TestChallengeBeforeExpiryThenAbort(t *testing.T) {
	exec := signaling.NewManualExecutor(time.Unix(1000, 0))
	g := grant.NewTable(nil).Supply(0, "affinity-1", "alice")
	g.Acquire()
	g.Reauthorize(realm.Authorization(1<<48), time.Unix(1100, 0), 30*time.Second)

	initialTransport := &recordingTransport{}
	replyTransport := &recordingTransport{}
	router := &recordingRouter{}
	correlation := NewCorrelationTable()

	p := NewPair(PairConfig{
		AcceptInitialID:      1,
		ConnectReplyID:       2,
		InitialRouteID:       10,
		InitialStreamID:      1,
		InitialTransport:     initialTransport,
		TargetRouteID:        20,
		TargetStreamID:       2,
		ReplyTransport:       replyTransport,
		ConnectAuthorization: realm.Authorization(1 << 48),
		Capabilities:         CapabilityChallenge,
		Grant:                g,
		Executor:             exec,
		Router:               router,
		Correlation:          correlation,
		Now:                  exec.Now,
	})

	p.OnReplyBegin(Frame{Type: Begin, RouteID: 20, StreamID: 2, Authorization: realm.Authorization(1 << 48)})

	exec.Advance(70 * time.Second)
	require.Len(t, initialTransport.sent, 2)
	assert.Equal(t, Signal, initialTransport.sent[1].Type)

	exec.Advance(30 * time.Second)
	require.Len(t, initialTransport.sent, 3)
	assert.Equal(t, Reset, initialTransport.sent[2].Type)

	require.Len(t, replyTransport.sent, 2)
	assert.Equal(t, Abort, replyTransport.sent[1].Type)
}

func TestReauthorizationExtendsTimer(t *testing.T) {
	exec := signaling.NewManualExecutor(time.Unix(1000, 0))
	g := grant.NewTable(nil).Supply(0, "affinity-1", "alice")
	g.Reauthorize(realm.Authorization(1<<48), time.Unix(1060, 0), 0)

	initialTransport := &recordingTransport{}
	replyTransport := &recordingTransport{}
	router := &recordingRouter{}
	correlation := NewCorrelationTable()

	p := NewPair(PairConfig{
		AcceptInitialID:      1,
		ConnectReplyID:       2,
		InitialRouteID:       10,
		InitialStreamID:      1,
		InitialTransport:     initialTransport,
		TargetRouteID:        20,
		TargetStreamID:       2,
		ReplyTransport:       replyTransport,
		ConnectAuthorization: realm.Authorization(1 << 48),
		Grant:                g,
		Executor:             exec,
		Router:               router,
		Correlation:          correlation,
		Now:                  exec.Now,
	})
	p.OnReplyBegin(Frame{Type: Begin, RouteID: 20, StreamID: 2, Authorization: realm.Authorization(1 << 48)})

	ok := g.Reauthorize(realm.Authorization(1<<48), time.Unix(1200, 0), 0)
	require.True(t, ok)

	exec.Advance(60 * time.Second)
	for _, f := range initialTransport.sent {
		assert.NotEqual(t, Reset, f.Type)
	}

	exec.Advance(140 * time.Second)
	var sawReset bool
	for _, f := range initialTransport.sent {
		if f.Type == Reset {
			sawReset = true
		}
	}
	assert.True(t, sawReset)
}

func TestHandleDataForwardsPayload(t *testing.T) {
	p, initialTransport, replyTransport, _, _, _ := newHarness(t, 0)
	p.OnReplyBegin(Frame{Type: Begin, RouteID: 20, StreamID: 2, Authorization: realm.Authorization(1 << 48)})

	p.HandleData(p.Initial(), Frame{Type: Data, Payload: []byte("hello")})
	require.Len(t, replyTransport.sent, 2)
	assert.Equal(t, []byte("hello"), replyTransport.last().Payload)

	p.HandleData(p.Reply(), Frame{Type: Data, Payload: []byte("world")})
	require.Len(t, initialTransport.sent, 2)
	assert.Equal(t, []byte("world"), initialTransport.last().Payload)
}

func TestHandleEndReleasesGrantAndCancelsTimer(t *testing.T) {
	p, initialTransport, replyTransport, _, _, g := newHarness(t, 0)
	p.OnReplyBegin(Frame{Type: Begin, RouteID: 20, StreamID: 2, Authorization: realm.Authorization(1 << 48)})

	require.Equal(t, uint32(1), g.RefCount())
	p.HandleEnd(p.Initial(), Frame{Type: End})
	assert.Equal(t, uint32(0), g.RefCount())

	require.Len(t, replyTransport.sent, 2)
	assert.Equal(t, End, replyTransport.last().Type)
	require.Len(t, initialTransport.sent, 1)
}

func TestHandleAbortBeforeReplyBeginClearsThrottle(t *testing.T) {
	exec := signaling.NewManualExecutor(time.Unix(1000, 0))
	g := grant.NewTable(nil).Supply(0, "affinity-1", "alice")
	g.Reauthorize(realm.Authorization(1<<48), time.Unix(1060, 0), 0)

	initialTransport := &recordingTransport{}
	replyTransport := &recordingTransport{}
	router := &recordingRouter{}
	correlation := NewCorrelationTable()

	p := NewPair(PairConfig{
		AcceptInitialID:      7,
		ConnectReplyID:       8,
		InitialRouteID:       10,
		InitialStreamID:      1,
		InitialTransport:     initialTransport,
		TargetRouteID:        20,
		TargetStreamID:       2,
		ReplyTransport:       replyTransport,
		ConnectAuthorization: realm.Authorization(1 << 48),
		Grant:                g,
		Executor:             exec,
		Router:               router,
		Correlation:          correlation,
		Now:                  exec.Now,
	})

	require.True(t, correlation.Has(8))
	p.HandleAbort(p.Initial(), Frame{Type: Abort})

	assert.False(t, correlation.Has(8))
	require.Len(t, router.cleared, 1)
	assert.Equal(t, uint64(7), router.cleared[0])
}

func TestHandleWindowUpdatesCapabilitiesAndForwards(t *testing.T) {
	p, initialTransport, replyTransport, _, _, _ := newHarness(t, 0)
	p.OnReplyBegin(Frame{Type: Begin, RouteID: 20, StreamID: 2, Authorization: realm.Authorization(1 << 48)})

	p.HandleWindow(p.Reply(), Frame{Type: Window, Credit: 4096, Capabilities: CapabilityChallenge})

	require.Len(t, initialTransport.sent, 2)
	f := initialTransport.last()
	assert.Equal(t, Window, f.Type)
	assert.Equal(t, uint32(4096), f.Credit)

	p.mu.Lock()
	caps := p.capabilities
	p.mu.Unlock()
	assert.True(t, CanChallenge(caps))
	_ = replyTransport
}

func TestHandleUnknownResetsSourceOnly(t *testing.T) {
	p, initialTransport, replyTransport, _, _, _ := newHarness(t, 0)
	p.OnReplyBegin(Frame{Type: Begin, RouteID: 20, StreamID: 2, Authorization: realm.Authorization(1 << 48)})

	p.HandleUnknown(p.Initial())

	require.Len(t, initialTransport.sent, 2)
	assert.Equal(t, Reset, initialTransport.last().Type)
	require.Len(t, replyTransport.sent, 1)
}
