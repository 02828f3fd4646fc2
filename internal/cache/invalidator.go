package cache

import (
	"context"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/qcache/internal/logging"
)

// InvalidationChannel is the Redis Pub/Sub channel carrying removal signals.
// Payloads are "key:<name>" for a single key and "pattern:<substring>" for a
// DeleteMatching sweep.
const InvalidationChannel = "qcache:invalidate"

const (
	keyPayloadPrefix     = "key:"
	patternPayloadPrefix = "pattern:"
)

// Invalidator listens for removal signals over Redis Pub/Sub and evicts the
// corresponding keys from the local L1 tier. It also implements Publisher.
type Invalidator struct {
	local  Cache
	client *redis.Client
	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// NewInvalidator creates an invalidator bound to the local tier.
func NewInvalidator(local Cache, client *redis.Client) *Invalidator {
	return &Invalidator{
		local:  local,
		client: client,
	}
}

// Start begins listening for invalidation signals. It blocks until the
// context is cancelled or Close is called.
func (ci *Invalidator) Start(ctx context.Context) {
	subCtx, cancel := context.WithCancel(ctx)
	ci.mu.Lock()
	if ci.closed {
		ci.mu.Unlock()
		cancel()
		return
	}
	ci.cancel = cancel
	ci.mu.Unlock()

	pubsub := ci.client.Subscribe(subCtx, InvalidationChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-subCtx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ci.apply(subCtx, msg.Payload)
		}
	}
}

func (ci *Invalidator) apply(ctx context.Context, payload string) {
	switch {
	case strings.HasPrefix(payload, keyPayloadPrefix):
		_ = ci.local.Delete(ctx, strings.TrimPrefix(payload, keyPayloadPrefix))
	case strings.HasPrefix(payload, patternPayloadPrefix):
		_, _ = ci.local.DeleteMatching(ctx, strings.TrimPrefix(payload, patternPayloadPrefix))
	default:
		logging.Op().Debug("ignoring malformed invalidation payload", "payload", payload)
	}
}

// PublishKey broadcasts the removal of one key.
func (ci *Invalidator) PublishKey(ctx context.Context, key string) error {
	return ci.client.Publish(ctx, InvalidationChannel, keyPayloadPrefix+key).Err()
}

// PublishPattern broadcasts a DeleteMatching sweep.
func (ci *Invalidator) PublishPattern(ctx context.Context, pattern string) error {
	return ci.client.Publish(ctx, InvalidationChannel, patternPayloadPrefix+pattern).Err()
}

// Close stops the invalidation listener.
func (ci *Invalidator) Close() error {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	if ci.closed {
		return nil
	}
	ci.closed = true
	if ci.cancel != nil {
		ci.cancel()
	}
	return nil
}
