// Package main provides the entry point for the nukleus JWT-authenticating
// stream proxy.
//
// It wires the Key Store, Realm Registry, Token Verifier, Grant Table, and
// signaling executor into an Accepter, mounts that Accepter behind the HTTP
// API server, and runs until an interrupt or the server fails.
//
// Usage:
//
//	go run ./cmd/proxy
//
// Environment variables:
//
//	PROXY_KEYS          - JWK set file location (default: keys.jwk)
//	PROXY_ROUTES        - comma-separated path=routeId:upstreamURL triples
//	SERVER_HOST/PORT    - accepting endpoint bind address
//	REDIS_ENABLED       - enable the verification-result cache
//	NATS_ENABLED        - enable lifecycle-event publishing
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/google/uuid"

	"github.com/jwtproxy/nukleus/internal/api"
	"github.com/jwtproxy/nukleus/internal/api/websocket"
	"github.com/jwtproxy/nukleus/internal/cache"
	"github.com/jwtproxy/nukleus/internal/config"
	"github.com/jwtproxy/nukleus/internal/events"
	"github.com/jwtproxy/nukleus/internal/grant"
	"github.com/jwtproxy/nukleus/internal/keyset"
	"github.com/jwtproxy/nukleus/internal/proxy"
	"github.com/jwtproxy/nukleus/internal/realm"
	"github.com/jwtproxy/nukleus/internal/signaling"
	"github.com/jwtproxy/nukleus/internal/token"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := config.NewLogger(string(cfg.App.Environment), cfg.App.LogLevel)
	slog.SetDefault(logger.Logger)
	cfg.LogConfig(logger.Logger)

	deps, err := initializeDependencies(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize dependencies", slog.Any("error", err))
		os.Exit(1)
	}
	defer deps.Close(logger.Logger)

	server := api.NewServer(cfg, &api.Dependencies{
		Accepter: deps.Accepter,
		Grants:   deps.Grants,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	case err := <-errCh:
		logger.Error("server error", slog.Any("error", err))
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
	}

	logger.Info("proxy stopped")
}

// dependencies holds the wired-together proxy core plus anything that
// owns a connection worth closing on shutdown.
type dependencies struct {
	Accepter http.Handler
	Grants   *grant.Table
	cache    *cache.Client
	events   *events.Publisher
}

func (d *dependencies) Close(logger *slog.Logger) {
	if d.cache != nil {
		if err := d.cache.Close(); err != nil {
			logger.Warn("cache close error", slog.Any("error", err))
		}
	}
	if d.events != nil {
		if err := d.events.Close(); err != nil {
			logger.Warn("events close error", slog.Any("error", err))
		}
	}
}

// initializeDependencies builds the Key Store, Realm Registry, Token
// Verifier, Grant Table, signaling executor, and the Accepter that wires
// them together behind the static route table.
func initializeDependencies(cfg *config.Config, logger *config.Logger) (*dependencies, error) {
	keys, err := keyset.Load(cfg.Proxy.Keys)
	if err != nil {
		return nil, fmt.Errorf("keyset: %w", err)
	}
	logger.Info("key store loaded", slog.Int("keys", keys.Len()))

	verifier := token.New(keys, cfg.Proxy.ExpireInFlightRequests, cfg.Proxy.ChallengeDeltaClaimNamespace)
	realms := realm.NewRegistry()
	correlation := proxy.NewCorrelationTable()
	executor := signaling.NewWallClockExecutor()

	var pub *events.Publisher
	var sink *events.Sink
	if cfg.NATS.Enabled {
		// Each process instance gets its own client name so NATS server
		// logs and connection lists can tell separate proxy processes
		// apart; the name itself carries no semantic meaning.
		instanceName := "nukleus-proxy-" + uuid.NewString()
		pub, err = events.NewPublisher(events.PublisherConfig{
			URL:           cfg.NATS.URL,
			Name:          instanceName,
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait,
			Logger:        logger.Logger,
		})
		if err != nil {
			logger.Warn("NATS publisher not available, lifecycle events disabled", slog.Any("error", err))
		}
	}
	sink = events.NewSink(pub, logger)

	grants := grant.NewTable(sink)

	var cacheClient *cache.Client
	if cfg.Redis.Enabled {
		cacheClient, err = cache.NewClient(cache.ClientConfig{
			Addr:     redisAddr(cfg),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.Database,
			TTL:      cfg.Redis.TTL,
			Logger:   logger.Logger,
		})
		if err != nil {
			logger.Warn("Redis cache not available, verification cache disabled", slog.Any("error", err))
			cacheClient = nil
		}
	}

	router := api.NewStaticRouter(loadRoutes())

	accepter := websocket.NewAccepter(websocket.Config{
		Verifier:              verifier,
		Realms:                realms,
		Grants:                grants,
		Executor:              executor,
		Correlation:           correlation,
		Router:                router,
		Sink:                  sink,
		Cache:                 cacheClient,
		Upgrader:              gorillaws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		WriteWait:             10 * time.Second,
		DefaultChallengeDelta: cfg.Proxy.DefaultChallengeDelta,
		Logger:                logger.Logger,
	})

	return &dependencies{
		Accepter: accepter,
		Grants:   grants,
		cache:    cacheClient,
		events:   pub,
	}, nil
}

func redisAddr(cfg *config.Config) string {
	if cfg.Redis.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
}

// loadRoutes parses PROXY_ROUTES ("path=routeId:upstreamURL,..."). An
// empty or malformed entry is skipped rather than failing startup; a
// missing table just means every stream request 404s until one is
// supplied (the health/ready probes still answer).
func loadRoutes() map[string]api.Route {
	routes := make(map[string]api.Route)

	raw := os.Getenv("PROXY_ROUTES")
	if raw == "" {
		return routes
	}

	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		pathAndRest := strings.SplitN(entry, "=", 2)
		if len(pathAndRest) != 2 {
			continue
		}
		idAndURL := strings.SplitN(pathAndRest[1], ":", 2)
		if len(idAndURL) != 2 {
			continue
		}

		routeID, err := strconv.ParseUint(idAndURL[0], 10, 64)
		if err != nil {
			continue
		}

		routes[pathAndRest[0]] = api.Route{RouteID: routeID, UpstreamURL: idAndURL[1]}
	}

	return routes
}
