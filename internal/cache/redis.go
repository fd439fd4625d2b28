// Package cache provides a Redis-backed cache of token verification
// results, sparing a repeat signature check for a token seen moments ago
// on a sibling stream. It uses go-redis/v9 for Redis operations.
//
// Cache keys follow a naming convention: `verify:<sha256(jws)>`. Every
// entry carries its own short TTL independent of the token's own `exp`;
// a hit is still re-checked against `exp` before being trusted (`nbf` is
// not stored or re-checked); the TTL only bounds how long a stale cache
// entry can survive.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyVerify is the prefix for verification-result cache keys.
const KeyVerify = "verify"

// TTLVerify is the default TTL for a cached verification result.
const TTLVerify = 2 * time.Minute

// Client wraps a Redis connection used to cache verification results.
type Client struct {
	client *redis.Client
	logger *slog.Logger
	ttl    time.Duration
}

// ClientConfig holds configuration for creating a new Redis client.
type ClientConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string

	// Password is the Redis password (optional).
	Password string

	// DB is the Redis database number.
	DB int

	// TTL is the verification-result TTL (defaults to TTLVerify).
	TTL time.Duration

	// Logger is the structured logger.
	Logger *slog.Logger
}

// NewClient creates a new Redis cache client and pings the server once to
// fail fast on a bad address.
func NewClient(cfg ClientConfig) (*Client, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = TTLVerify
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   3,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: failed to connect to Redis: %w", err)
	}

	logger.Info("connected to Redis", slog.String("addr", addr), slog.Int("db", cfg.DB))

	return &Client{client: client, logger: logger, ttl: ttl}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Ping checks if the Redis connection is alive.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// VerifiedResult is the cached shape of a successful token verification,
// enough to reconstruct token.Claims without re-checking the signature.
type VerifiedResult struct {
	Kid            string    `json:"kid"`
	Subject        string    `json:"subject"`
	Issuer         string    `json:"issuer"`
	Audience       string    `json:"audience"`
	Scopes         []string  `json:"scopes"`
	ExpiresAt      time.Time `json:"expires_at"`
	ChallengeAfter time.Time `json:"challenge_after"`
}

// verifyKey hashes the compact JWS so the raw token never appears as a
// cache key.
func verifyKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%s:%s", KeyVerify, hex.EncodeToString(sum[:]))
}

// GetVerified returns a cached verification result for raw, if present and
// not yet past its token's exp at call time; nbf is not re-checked. A cache
// hit past its own token exp (but still within the cache TTL) is treated as
// a miss and deleted.
func (c *Client) GetVerified(ctx context.Context, raw string, now time.Time) (VerifiedResult, bool) {
	key := verifyKey(raw)

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return VerifiedResult{}, false
	}

	var result VerifiedResult
	if err := json.Unmarshal(data, &result); err != nil {
		c.logger.Warn("cache: malformed verification entry", slog.String("error", err.Error()))
		return VerifiedResult{}, false
	}

	if !result.ExpiresAt.IsZero() && !now.Before(result.ExpiresAt) {
		// The token itself has expired; drop the entry now instead of
		// letting it sit until the cache TTL runs out.
		if err := c.InvalidateVerified(ctx, raw); err != nil {
			c.logger.Debug("cache: failed to drop expired entry", slog.String("error", err.Error()))
		}
		return VerifiedResult{}, false
	}

	return result, true
}

// PutVerified caches a verification result for raw under the client's
// configured TTL.
func (c *Client) PutVerified(ctx context.Context, raw string, result VerifiedResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("cache: failed to marshal verification result: %w", err)
	}

	if err := c.client.Set(ctx, verifyKey(raw), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: failed to cache verification result: %w", err)
	}

	return nil
}

// InvalidateVerified removes a cached verification result, e.g. on an
// explicit logout/key-rotation signal.
func (c *Client) InvalidateVerified(ctx context.Context, raw string) error {
	if err := c.client.Del(ctx, verifyKey(raw)).Err(); err != nil {
		return fmt.Errorf("cache: failed to invalidate verification result: %w", err)
	}
	return nil
}
