// Package pgcache implements cache.Cache on PostgreSQL: key/value entries live in a
// table and pub/sub rides on LISTEN/NOTIFY, so several adapter processes can share
// callbacks and workflow checkpoints.
//
// All logical channels are multiplexed over one Postgres notification channel; the
// NOTIFY payload limit (8000 bytes by default) bounds the size of a published message.
package pgcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/wilhg/schemeadapter/pkg/cache"
)

// NotifyChannel is the Postgres channel all logical channels are multiplexed on.
const NotifyChannel = "schemeadapter_pubsub"

func init() {
	_ = cache.Register("postgres", func(ctx context.Context, cfg map[string]any) (cache.Cache, error) {
		dsn, _ := cfg["dsn"].(string)
		return Open(ctx, dsn)
	})
}

type envelope struct {
	Channel string          `json:"c"`
	Message json.RawMessage `json:"m"`
}

// Cache is a Postgres-backed cache.Cache.
type Cache struct {
	pool *pgxpool.Pool
	log  *zap.Logger

	mu   sync.RWMutex
	subs map[string]map[string]cache.Handler

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures the Cache.
type Option func(*Cache)

// WithLogger sets the logger used by the listener loop.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.log = l
		}
	}
}

// Open connects to Postgres, ensures the entries table exists and starts listening.
func Open(ctx context.Context, dsn string, opts ...Option) (*Cache, error) {
	if dsn == "" {
		return nil, errors.New("pgcache: dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgcache: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgcache: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		value BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgcache: migrate: %w", err)
	}

	c := &Cache{
		pool: pool,
		log:  zap.NewNop(),
		subs: make(map[string]map[string]cache.Handler),
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgcache: acquire listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		conn.Release()
		pool.Close()
		return nil, fmt.Errorf("pgcache: listen: %w", err)
	}
	lctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.listen(lctx, conn)
	return c, nil
}

func (c *Cache) listen(ctx context.Context, conn *pgxpool.Conn) {
	defer close(c.done)
	defer conn.Release()
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Error("pgcache listener stopped", zap.Error(err))
			}
			return
		}
		var env envelope
		if err := json.Unmarshal([]byte(n.Payload), &env); err != nil {
			c.log.Warn("pgcache dropped malformed notification", zap.Error(err))
			continue
		}
		c.mu.RLock()
		handlers := make([]cache.Handler, 0, len(c.subs[env.Channel]))
		for _, h := range c.subs[env.Channel] {
			handlers = append(handlers, h)
		}
		c.mu.RUnlock()
		for _, h := range handlers {
			go h(context.Background(), env.Channel, []byte(env.Message))
		}
	}
}

func (c *Cache) Subscribe(ctx context.Context, channel string, handler cache.Handler) (string, error) {
	if handler == nil {
		return "", errors.New("pgcache: nil handler")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
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
	if bucket, ok := c.subs[channel]; ok {
		delete(bucket, subscriptionID)
		if len(bucket) == 0 {
			delete(c.subs, channel)
		}
	}
	return nil
}

func (c *Cache) Publish(ctx context.Context, channel string, message []byte) error {
	if !json.Valid(message) {
		return fmt.Errorf("pgcache: message on %q is not JSON", channel)
	}
	payload, err := json.Marshal(envelope{Channel: channel, Message: message})
	if err != nil {
		return err
	}
	_, err = c.pool.Exec(ctx, "SELECT pg_notify($1, $2)", NotifyChannel, string(payload))
	return err
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := c.pool.QueryRow(ctx, "SELECT value FROM cache_entries WHERE key = $1", key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte) error {
	_, err := c.pool.Exec(ctx, `INSERT INTO cache_entries (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`, key, value)
	return err
}

// Close stops the listener and closes the pool.
func (c *Cache) Close() error {
	c.cancel()
	<-c.done
	c.pool.Close()
	return nil
}
