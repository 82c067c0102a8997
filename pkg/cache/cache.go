// Package cache defines the pub/sub + key/value collaborator that workflows checkpoint
// into and that deferred jobs use to correlate asynchronous callbacks.
package cache

import (
	"context"
	"fmt"
	"sync"
)

// Handler receives one published message for a channel subscription.
type Handler func(ctx context.Context, channel string, message []byte)

// PubSub is the channel side of the cache.
type PubSub interface {
	// Subscribe registers handler on channel and returns a subscription id
	// unique within the channel.
	Subscribe(ctx context.Context, channel string, handler Handler) (string, error)
	// Unsubscribe removes a subscription. Unknown ids are not an error.
	Unsubscribe(ctx context.Context, channel, subscriptionID string) error
	// Publish delivers message to every current subscriber of channel.
	Publish(ctx context.Context, channel string, message []byte) error
}

// KV is the key/value side of the cache.
type KV interface {
	// Get returns the value stored at key; ok is false if no entry exists.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
}

// Cache aggregates both sides.
type Cache interface {
	PubSub
	KV
	Close() error
}

// Factory constructs a Cache from provider-specific configuration.
type Factory func(ctx context.Context, cfg map[string]any) (Cache, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a Cache factory under a provider name.
func Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("cache: empty provider name")
	}
	if f == nil {
		return fmt.Errorf("cache: nil factory for %q", name)
	}
	regMu.Lock()
	defer regMu.Unlock()
	if _, exists := factories[name]; exists {
		return fmt.Errorf("cache: provider %q already registered", name)
	}
	factories[name] = f
	return nil
}

// Resolve gets a registered factory by name.
func Resolve(name string) (Factory, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// Open resolves the named provider and builds a Cache with it.
func Open(ctx context.Context, name string, cfg map[string]any) (Cache, error) {
	f, ok := Resolve(name)
	if !ok {
		return nil, fmt.Errorf("cache: provider %q not registered", name)
	}
	return f(ctx, cfg)
}
