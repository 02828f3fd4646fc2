package cache

import (
	"context"
	"errors"
	"time"

	"github.com/oriys/qcache/internal/circuitbreaker"
	"github.com/oriys/qcache/internal/logging"
	"github.com/oriys/qcache/internal/metrics"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	Name      string                // backend label for logs and metrics (default "remote")
	OpTimeout time.Duration         // per-operation deadline, zero keeps the caller's context
	Breaker   circuitbreaker.Config // zero value disables the breaker
}

// Client is the operation surface the cache store talks to. Every backend
// failure is logged with the offending key or pattern, counted, and turned
// into the benign default: a miss, false, or zero. While the breaker is open
// calls return the default without reaching the backend.
type Client struct {
	backend Cache
	cfg     ClientConfig
	breaker *circuitbreaker.Breaker
}

// NewClient wraps backend. The client takes ownership: Close closes backend.
func NewClient(backend Cache, cfg ClientConfig) *Client {
	if cfg.Name == "" {
		cfg.Name = "remote"
	}
	c := &Client{backend: backend, cfg: cfg}
	c.breaker = circuitbreaker.New(cfg.Breaker, circuitbreaker.OnStateChange(func(from, to circuitbreaker.State) {
		metrics.SetBreakerState(cfg.Name, int(to))
		metrics.RecordBreakerTransition(to.String())
		logging.Op().Warn("remote store breaker state changed", "backend", cfg.Name, "from", from.String(), "to", to.String())
	}))
	return c
}

// Backend returns the wrapped backend.
func (c *Client) Backend() Cache {
	return c.backend
}

// BreakerState reports the current breaker state.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}

func (c *Client) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.OpTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.OpTimeout)
}

// guard runs fn under the breaker. It returns false when fn was skipped or
// failed; the failure is logged and counted here.
func (c *Client) guard(ctx context.Context, op string, attrs []any, fn func(ctx context.Context) error) bool {
	if !c.breaker.Allow() {
		logging.Op().Debug("remote store call short-circuited", append([]any{"backend", c.cfg.Name, "op", op}, attrs...)...)
		return false
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	if err := fn(opCtx); err != nil {
		c.breaker.RecordFailure()
		metrics.RecordRemoteError(op)
		logging.Op().Warn("remote store operation failed", append([]any{"backend", c.cfg.Name, "op", op, "error", err}, attrs...)...)
		return false
	}
	c.breaker.RecordSuccess()
	return true
}

// Get returns the stored bytes, or false on a miss or failure.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool) {
	var val []byte
	found := false
	c.guard(ctx, "get", []any{"key", key}, func(ctx context.Context) error {
		v, err := c.backend.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		val, found = v, true
		return nil
	})
	return val, found
}

// Set stores value without expiry. It reports whether the backend
// acknowledged the write.
func (c *Client) Set(ctx context.Context, key string, value []byte) bool {
	return c.guard(ctx, "set", []any{"key", key}, func(ctx context.Context) error {
		return c.backend.Set(ctx, key, value, 0)
	})
}

// SetWithExpiry stores value with a backend-side expiration.
func (c *Client) SetWithExpiry(ctx context.Context, key string, value []byte, expiry time.Duration) bool {
	return c.guard(ctx, "set_with_expiry", []any{"key", key, "expiry", expiry}, func(ctx context.Context) error {
		return c.backend.Set(ctx, key, value, expiry)
	})
}

// Exists reports whether key is present; failures report false.
func (c *Client) Exists(ctx context.Context, key string) bool {
	found := false
	c.guard(ctx, "exists", []any{"key", key}, func(ctx context.Context) error {
		ok, err := c.backend.Exists(ctx, key)
		found = ok
		return err
	})
	return found
}

// Delete removes key. It reports whether the backend acknowledged the
// delete, which callers may ignore.
func (c *Client) Delete(ctx context.Context, key string) bool {
	return c.guard(ctx, "delete", []any{"key", key}, func(ctx context.Context) error {
		return c.backend.Delete(ctx, key)
	})
}

// DeleteMatching removes every key containing pattern and returns how many
// were removed before any failure.
func (c *Client) DeleteMatching(ctx context.Context, pattern string) int {
	removed := 0
	c.guard(ctx, "delete_matching", []any{"pattern", pattern}, func(ctx context.Context) error {
		n, err := c.backend.DeleteMatching(ctx, pattern)
		removed = n
		return err
	})
	return removed
}

// Ping checks connectivity without going through the breaker.
func (c *Client) Ping(ctx context.Context) error {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	return c.backend.Ping(opCtx)
}

// Close releases the backend.
func (c *Client) Close() error {
	return c.backend.Close()
}
