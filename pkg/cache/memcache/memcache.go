// Package memcache is an in-process Cache used by tests and single-node deployments.
package memcache

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/wilhg/schemeadapter/pkg/cache"
)

func init() {
	_ = cache.Register("memory", func(ctx context.Context, cfg map[string]any) (cache.Cache, error) {
		return New(), nil
	})
}

var errClosed = errors.New("memcache: closed")

// Cache is an in-memory cache.Cache. Publish invokes handlers on their own goroutines,
// mirroring the asynchronous delivery of a networked broker.
type Cache struct {
	mu     sync.RWMutex
	kv     map[string][]byte
	subs   map[string]map[string]cache.Handler // channel -> subscription id -> handler
	closed bool
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		kv:   make(map[string][]byte),
		subs: make(map[string]map[string]cache.Handler),
	}
}

func (c *Cache) Subscribe(ctx context.Context, channel string, handler cache.Handler) (string, error) {
	if handler == nil {
		return "", errors.New("memcache: nil handler")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", errClosed
	}
	bucket, ok := c.subs[channel]
	if !ok {
		bucket = make(map[string]cache.Handler)
		c.subs[channel] = bucket
	}
	id := uuid.NewString()
	bucket[id] = handler
	return id, nil
}

func (c *Cache) Unsubscribe(ctx context.Context, channel, subscriptionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket, ok := c.subs[channel]
	if !ok {
		return nil
	}
	delete(bucket, subscriptionID)
	if len(bucket) == 0 {
		delete(c.subs, channel)
	}
	return nil
}

func (c *Cache) Publish(ctx context.Context, channel string, message []byte) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return errClosed
	}
	handlers := make([]cache.Handler, 0, len(c.subs[channel]))
	for _, h := range c.subs[channel] {
		handlers = append(handlers, h)
	}
	c.mu.RUnlock()

	msg := append([]byte(nil), message...)
	for _, h := range handlers {
		go h(context.WithoutCancel(ctx), channel, msg)
	}
	return nil
}

// Subscribers reports the number of live subscriptions on channel.
func (c *Cache) Subscribers(channel string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs[channel])
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.kv[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	c.kv[key] = append([]byte(nil), value...)
	return nil
}

func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.subs = make(map[string]map[string]cache.Handler)
	return nil
}
