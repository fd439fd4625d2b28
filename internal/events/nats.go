// Package events publishes proxy lifecycle events to NATS: stream begin/
// challenge/expiry and grant create/reauthorize/release. Nothing in the
// proxy's request path waits on a publish — it is fire-and-forget
// observability, not a control-plane signal.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/jwtproxy/nukleus/internal/config"
	"github.com/jwtproxy/nukleus/internal/proxy"
	"github.com/jwtproxy/nukleus/internal/realm"
)

// Event subjects.
const (
	SubjectStreamBegun      = "proxy.stream.begun"
	SubjectStreamChallenged = "proxy.stream.challenged"
	SubjectStreamExpired    = "proxy.stream.expired"
	SubjectGrantCreated     = "proxy.grant.created"
	SubjectGrantReauthed    = "proxy.grant.reauthorized"
	SubjectGrantReleased    = "proxy.grant.released"
)

// Publisher provides NATS publishing functionality.
type Publisher struct {
	conn   *nats.Conn
	logger *slog.Logger
	mu     sync.Mutex
}

// PublisherConfig holds configuration for creating a Publisher.
type PublisherConfig struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Logger        *slog.Logger
}

// NewPublisher creates a new NATS event publisher.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}

	name := cfg.Name
	if name == "" {
		name = "nukleus-proxy"
	}

	maxReconnects := cfg.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = 10
	}

	reconnectWait := cfg.ReconnectWait
	if reconnectWait == 0 {
		reconnectWait = 2 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: failed to connect to NATS: %w", err)
	}

	logger.Info("connected to NATS", slog.String("url", url))

	return &Publisher{conn: nc, logger: logger}, nil
}

// Close closes the NATS connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	return nil
}

// Publish publishes data as JSON to a NATS subject.
func (p *Publisher) Publish(ctx context.Context, subject string, data interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return fmt.Errorf("events: publisher is closed")
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("events: failed to marshal event data: %w", err)
	}

	if err := p.conn.Publish(subject, jsonData); err != nil {
		return fmt.Errorf("events: failed to publish to %s: %w", subject, err)
	}

	p.logger.Debug("published event", slog.String("subject", subject), slog.Int("size", len(jsonData)))
	return nil
}

// StreamBegunEvent is published when a proxy pair's reply half activates.
type StreamBegunEvent struct {
	EventID       string    `json:"event_id"`
	RouteID       uint64    `json:"route_id"`
	StreamID      uint64    `json:"stream_id"`
	Authorization uint64    `json:"authorization"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// StreamChallengedEvent is published when a challenge SIGNAL is emitted.
type StreamChallengedEvent struct {
	EventID    string    `json:"event_id"`
	RouteID    uint64    `json:"route_id"`
	StreamID   uint64    `json:"stream_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// StreamExpiredEvent is published when a grant's timer fires with
// remaining <= 0.
type StreamExpiredEvent struct {
	EventID        string    `json:"event_id"`
	RouteID        uint64    `json:"route_id"`
	StreamID       uint64    `json:"stream_id"`
	Synthesized401 bool      `json:"synthesized_401"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// GrantCreatedEvent is published the first time a subject's grant is
// supplied on a given affinity.
type GrantCreatedEvent struct {
	EventID    string    `json:"event_id"`
	AffinityID string    `json:"affinity_id"`
	Subject    string    `json:"subject"`
	OccurredAt time.Time `json:"occurred_at"`
}

// GrantReauthorizedEvent is published whenever Table.Reauthorize finds the
// grant, regardless of whether the update was accepted. A key with no grant
// publishes nothing, and AccessGrant.Reauthorize called directly publishes
// nothing.
type GrantReauthorizedEvent struct {
	EventID       string    `json:"event_id"`
	Subject       string    `json:"subject"`
	Authorization uint64    `json:"authorization"`
	ExpiresAt     time.Time `json:"expires_at"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// GrantReleasedEvent is published when a grant's refCount reaches zero.
type GrantReleasedEvent struct {
	EventID    string    `json:"event_id"`
	Subject    string    `json:"subject"`
	OccurredAt time.Time `json:"occurred_at"`
}

func generateEventID() string {
	return uuid.NewString()
}

// Sink adapts a Publisher to the grant.EventSink and proxy.EventSink
// interfaces so the proxy and grant table can report lifecycle events
// without importing NATS directly. Alongside publishing, it writes a
// structured log line for each stream lifecycle event.
type Sink struct {
	pub    *Publisher
	logger *config.Logger
}

// NewSink wraps pub as an event sink. pub may be nil, in which case nothing
// is published — a proxy run without NATS configured still works. logger may
// also be nil to disable lifecycle log lines.
func NewSink(pub *Publisher, logger *config.Logger) *Sink {
	return &Sink{pub: pub, logger: logger}
}

func (s *Sink) publish(subject string, data interface{}) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(context.Background(), subject, data); err != nil {
		s.pub.logger.Warn("failed to publish lifecycle event", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

// GrantCreated implements grant.EventSink.
func (s *Sink) GrantCreated(affinityID, subject string) {
	s.publish(SubjectGrantCreated, GrantCreatedEvent{
		EventID:    generateEventID(),
		AffinityID: affinityID,
		Subject:    subject,
		OccurredAt: time.Now(),
	})
}

// GrantReauthorized implements grant.EventSink.
func (s *Sink) GrantReauthorized(subject string, authorization realm.Authorization, expiresAt time.Time) {
	s.publish(SubjectGrantReauthed, GrantReauthorizedEvent{
		EventID:       generateEventID(),
		Subject:       subject,
		Authorization: uint64(authorization),
		ExpiresAt:     expiresAt,
		OccurredAt:    time.Now(),
	})
}

// GrantReleased implements grant.EventSink.
func (s *Sink) GrantReleased(subject string) {
	s.publish(SubjectGrantReleased, GrantReleasedEvent{
		EventID:    generateEventID(),
		Subject:    subject,
		OccurredAt: time.Now(),
	})
}

// StreamBegun implements proxy.EventSink.
func (s *Sink) StreamBegun(pair *proxy.Pair) {
	reply := pair.Reply()
	if s.logger != nil {
		s.logger.LogStreamBegin(context.Background(), reply.RouteID, reply.StreamID, uint64(pair.Grant().Authorization()))
	}
	s.publish(SubjectStreamBegun, StreamBegunEvent{
		EventID:       generateEventID(),
		RouteID:       reply.RouteID,
		StreamID:      reply.StreamID,
		Authorization: uint64(pair.Grant().Authorization()),
		OccurredAt:    time.Now(),
	})
}

// StreamChallenged implements proxy.EventSink.
func (s *Sink) StreamChallenged(pair *proxy.Pair) {
	reply := pair.Reply()
	if s.logger != nil {
		s.logger.LogChallenge(context.Background(), reply.RouteID, reply.StreamID)
	}
	s.publish(SubjectStreamChallenged, StreamChallengedEvent{
		EventID:    generateEventID(),
		RouteID:    reply.RouteID,
		StreamID:   reply.StreamID,
		OccurredAt: time.Now(),
	})
}

// StreamExpired implements proxy.EventSink.
func (s *Sink) StreamExpired(pair *proxy.Pair, synthesized401 bool) {
	reply := pair.Reply()
	if s.logger != nil {
		s.logger.LogStreamExpired(context.Background(), reply.RouteID, reply.StreamID, synthesized401)
	}
	s.publish(SubjectStreamExpired, StreamExpiredEvent{
		EventID:        generateEventID(),
		RouteID:        reply.RouteID,
		StreamID:       reply.StreamID,
		Synthesized401: synthesized401,
		OccurredAt:     time.Now(),
	})
}

// IsValidSubject checks if a subject is valid for publishing.
func IsValidSubject(subject string) bool {
	if subject == "" {
		return false
	}
	for _, c := range subject {
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			return false
		}
	}
	return true
}
