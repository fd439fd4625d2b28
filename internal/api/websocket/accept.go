// Package websocket upgrades an inbound HTTP request to a proxy pair: it
// verifies the bearer JWT, resolves the shared AccessGrant, dials the
// downstream route, and wires both sides together as a proxy.Pair.
//
// The frame codec and the surrounding request router that matches a path
// to a route are external collaborators; this package owns only the
// accept-side mechanics those collaborators would otherwise drive.
package websocket

import (
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jwtproxy/nukleus/internal/cache"
	"github.com/jwtproxy/nukleus/internal/grant"
	"github.com/jwtproxy/nukleus/internal/proxy"
	"github.com/jwtproxy/nukleus/internal/realm"
	"github.com/jwtproxy/nukleus/internal/signaling"
	"github.com/jwtproxy/nukleus/internal/token"
)

// RouteResolver matches a request path to a downstream route. The
// production implementation is api.StaticRouter; tests supply a literal
// map-backed fake.
type RouteResolver interface {
	ResolveUpstream(path string) (routeID uint64, upstreamURL string, ok bool)
}

// Config wires an Accepter to the rest of the proxy's shared state.
type Config struct {
	Verifier    *token.Verifier
	Realms      *realm.Registry
	Grants      *grant.Table
	Executor    signaling.Executor
	Correlation *proxy.CorrelationTable
	Router      interface {
		proxy.Router
		RouteResolver
		Throttle(acceptInitialID uint64)
	}
	Sink  proxy.EventSink
	Cache *cache.Client // nil disables the verification cache

	Upgrader  websocket.Upgrader
	Dialer    *websocket.Dialer
	WriteWait time.Duration

	// DefaultChallengeDelta is used when a verified token carries no
	// challenge-after claim at all.
	DefaultChallengeDelta time.Duration

	// AffinityHeader names the request header carrying the caller's
	// affinity id. Falls back to the verified subject, then to the remote
	// address for an unauthenticated caller.
	AffinityHeader string

	Logger *slog.Logger
}

// Accepter upgrades inbound requests into proxy pairs.
type Accepter struct {
	cfg      Config
	streamID atomic.Uint64
}

// NewAccepter builds an Accepter from cfg, filling in defaults.
func NewAccepter(cfg Config) *Accepter {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.AffinityHeader == "" {
		cfg.AffinityHeader = "X-Affinity-Id"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Accepter{cfg: cfg}
}

// nextStreamPair returns a fresh (initial, reply) stream id pair: the
// initial id is odd, the paired reply id is the even id directly below it,
// matching the glossary's "odd = accept-originated, even = connect-
// originated" convention.
func (a *Accepter) nextStreamPair() (initialID, replyID uint64) {
	n := a.streamID.Add(1)
	return 2*n + 1, 2 * n
}

// ServeHTTP upgrades the request, verifies its bearer token, resolves the
// route and grant, dials downstream, and pumps frames between both sides
// until either closes.
func (a *Accepter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	routeID, upstreamURL, ok := a.cfg.Router.ResolveUpstream(r.URL.Path)
	if !ok {
		// No route match drops the stream before any upgrade: the caller
		// sees no BEGIN, only a plain 404 response.
		http.Error(w, "no route", http.StatusNotFound)
		return
	}

	acceptConn, err := a.cfg.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.cfg.Logger.Warn("accept upgrade failed", slog.String("error", err.Error()))
		return
	}

	claims, verified := a.verify(r)
	connectAuth := realm.Authorization(0)
	subject := ""
	if verified {
		connectAuth = a.cfg.Realms.Lookup(claims)
		subject = claims.Subject()
	}

	affinity := r.Header.Get(a.cfg.AffinityHeader)
	if affinity == "" {
		if subject != "" {
			affinity = subject
		} else {
			affinity = r.RemoteAddr
		}
	}

	realmIndex := 0
	if subject != "" {
		if idx, hasRealm := realm.RealmIndex(connectAuth); hasRealm {
			realmIndex = idx
		}
	}

	g := a.cfg.Grants.Supply(realmIndex, affinity, subject)
	if verified {
		delta := claims.ChallengeAfter().Sub(claims.ExpiresAt())
		if claims.ChallengeAfter().IsZero() {
			delta = a.cfg.DefaultChallengeDelta
		} else if delta < 0 {
			delta = -delta
		}
		g.Reauthorize(connectAuth, claims.ExpiresAt(), delta)
	}

	replyConn, _, err := a.cfg.Dialer.Dial(toWSURL(upstreamURL), nil)
	if err != nil {
		a.cfg.Logger.Warn("downstream dial failed", slog.String("url", upstreamURL), slog.String("error", err.Error()))
		acceptConn.Close()
		g.Release()
		return
	}

	initialID, replyID := a.nextStreamPair()
	initialTransport := proxy.NewWSTransport(proxy.WSTransportConfig{Conn: acceptConn, WriteWait: a.cfg.WriteWait})
	replyTransport := proxy.NewWSTransport(proxy.WSTransportConfig{Conn: replyConn, WriteWait: a.cfg.WriteWait})

	pair := proxy.NewPair(proxy.PairConfig{
		AcceptInitialID:      initialID,
		ConnectReplyID:       replyID,
		InitialRouteID:       routeID,
		InitialStreamID:      initialID,
		InitialTransport:     initialTransport,
		TargetRouteID:        routeID,
		TargetStreamID:       replyID,
		ReplyTransport:       replyTransport,
		ConnectAuthorization: connectAuth,
		Affinity:             affinity,
		Capabilities:         requestedCapabilities(r),
		Grant:                g,
		Executor:             a.cfg.Executor,
		Router:               a.cfg.Router,
		Correlation:          a.cfg.Correlation,
		Sink:                 a.cfg.Sink,
	})

	a.cfg.Router.Throttle(initialID)

	go a.pumpReply(pair, replyConn)
	a.pumpInitial(pair, acceptConn, replyTransport)
}

func (a *Accepter) verify(r *http.Request) (token.Claims, bool) {
	raw := token.ExtractBearer(r.URL.RequestURI(), flattenHeaders(r.Header))
	if raw == "" {
		return token.Claims{}, false
	}

	now := time.Now()
	if a.cfg.Cache != nil {
		if cached, hit := a.cfg.Cache.GetVerified(r.Context(), raw, now); hit {
			return token.FromCached(cached.Kid, cached.Subject, cached.Issuer, cached.Audience, cached.Scopes, cached.ExpiresAt, cached.ChallengeAfter), true
		}
	}

	claims, ok := a.cfg.Verifier.Verify(raw)
	if !ok {
		return token.Claims{}, false
	}

	if a.cfg.Cache != nil {
		_ = a.cfg.Cache.PutVerified(r.Context(), raw, cache.VerifiedResult{
			Kid:            claims.Kid(),
			Subject:        claims.Subject(),
			Issuer:         claims.Issuer(),
			Audience:       claims.Audience(),
			Scopes:         claims.Scopes(),
			ExpiresAt:      claims.ExpiresAt(),
			ChallengeAfter: claims.ChallengeAfter(),
		})
	}
	return claims, true
}

func (a *Accepter) pumpInitial(pair *proxy.Pair, conn *websocket.Conn, twin *proxy.WSTransport) {
	defer conn.Close()
	defer twin.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			pair.HandleAbort(pair.Initial(), proxy.Frame{})
			return
		}

		f, err := proxy.DecodeFrame(data)
		if err != nil {
			pair.HandleUnknown(pair.Initial())
			return
		}

		switch f.Type {
		case proxy.Data:
			pair.HandleData(pair.Initial(), f)
		case proxy.Window:
			pair.HandleWindow(pair.Initial(), f)
		case proxy.End:
			pair.HandleEnd(pair.Initial(), f)
			return
		case proxy.Abort:
			pair.HandleAbort(pair.Initial(), f)
			return
		case proxy.Reset:
			pair.HandleReset(pair.Initial(), f)
			return
		default:
			pair.HandleUnknown(pair.Initial())
			return
		}
	}
}

func (a *Accepter) pumpReply(pair *proxy.Pair, conn *websocket.Conn) {
	defer conn.Close()

	begun := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			// A downstream that dies before its BEGIN still tears the
			// pair down; the accept side sees the ABORT either way.
			pair.HandleAbort(pair.Reply(), proxy.Frame{})
			return
		}

		f, err := proxy.DecodeFrame(data)
		if err != nil {
			pair.HandleUnknown(pair.Reply())
			return
		}

		if !begun {
			if f.Type != proxy.Begin {
				pair.HandleUnknown(pair.Reply())
				return
			}
			begun = true
			pair.OnReplyBegin(f)
			continue
		}

		switch f.Type {
		case proxy.Data:
			pair.HandleData(pair.Reply(), f)
		case proxy.Window:
			pair.HandleWindow(pair.Reply(), f)
		case proxy.End:
			pair.HandleEnd(pair.Reply(), f)
			return
		case proxy.Abort:
			pair.HandleAbort(pair.Reply(), f)
			return
		case proxy.Reset:
			pair.HandleReset(pair.Reply(), f)
			return
		case proxy.Signal:
			// Signals are timer-originated and only ever flow accept-ward;
			// one arriving from downstream is a protocol violation.
			pair.HandleUnknown(pair.Reply())
			return
		default:
			pair.HandleUnknown(pair.Reply())
			return
		}
	}
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func requestedCapabilities(r *http.Request) uint8 {
	if r.URL.Query().Get("challenge") == "1" {
		return proxy.CapabilityChallenge
	}
	return 0
}

func toWSURL(upstreamURL string) string {
	switch {
	case strings.HasPrefix(upstreamURL, "http://"):
		return "ws://" + strings.TrimPrefix(upstreamURL, "http://")
	case strings.HasPrefix(upstreamURL, "https://"):
		return "wss://" + strings.TrimPrefix(upstreamURL, "https://")
	default:
		return upstreamURL
	}
}
