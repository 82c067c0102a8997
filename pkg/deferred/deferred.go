// Package deferred bridges an outbound request to its asynchronous callback.
//
// A Job subscribes to a channel, runs an init action that is expected to cause a
// future publish on that channel (usually an HTTP request whose callback is
// published by the inbound handler), then waits for exactly one message or a timeout.
//
//	err := deferred.New(c, "quotes-q1").
//		Init(func(ctx context.Context, channel, subID string) error { return postQuote(ctx) }).
//		Job(func(ctx context.Context, msg json.RawMessage) error { return store(msg) }).
//		Wait(ctx, 0)
package deferred

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wilhg/schemeadapter/pkg/cache"
	"github.com/wilhg/schemeadapter/pkg/errmodel"
	"github.com/wilhg/schemeadapter/pkg/metrics"
)

// DefaultTimeout applies when neither Wait nor WithDefaultTimeout provide one.
const DefaultTimeout = 2000 * time.Millisecond

var (
	// ErrInitAndJobRequired is returned by Wait when Init or Job was not registered.
	ErrInitAndJobRequired = errmodel.Validation("init_and_job_required", "deferred job requires both init and job", nil)
	// ErrTimeout is matched (errors.Is) by every deferred job timeout.
	ErrTimeout = errmodel.Timeout("deferred_job_timeout", "deferred job timed out", nil)
)

// InitFunc performs the action that should eventually cause a publish on channel.
type InitFunc func(ctx context.Context, channel, subscriptionID string) error

// JobFunc handles the single message received on the channel.
type JobFunc func(ctx context.Context, message json.RawMessage) error

// Job is a one-shot subscribe/act/await primitive. It is not reusable.
type Job struct {
	ps      cache.PubSub
	channel string
	init    InitFunc
	job     JobFunc

	timeout time.Duration
	log     *zap.Logger
	metrics *metrics.Collector
}

// Option configures a Job.
type Option func(*Job)

// WithDefaultTimeout sets the timeout used when Wait is called with zero.
func WithDefaultTimeout(d time.Duration) Option {
	return func(j *Job) {
		if d > 0 {
			j.timeout = d
		}
	}
}

// WithLogger sets the logger for cleanup failures.
func WithLogger(l *zap.Logger) Option {
	return func(j *Job) {
		if l != nil {
			j.log = l
		}
	}
}

// WithMetrics records outcomes on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(j *Job) { j.metrics = c }
}

// New creates a Job bound to channel.
func New(ps cache.PubSub, channel string, opts ...Option) *Job {
	j := &Job{ps: ps, channel: channel, timeout: DefaultTimeout, log: zap.NewNop()}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Channel returns the channel the job listens on.
func (j *Job) Channel() string { return j.channel }

// Init registers the init action.
func (j *Job) Init(fn InitFunc) *Job {
	j.init = fn
	return j
}

// Job registers the message handler.
func (j *Job) Job(fn JobFunc) *Job {
	j.job = fn
	return j
}

// Trigger publishes message, JSON-encoded, on the job's channel.
func (j *Job) Trigger(ctx context.Context, message any) error {
	return Trigger(ctx, j.ps, j.channel, message)
}

// Trigger publishes message, JSON-encoded, on channel. It is the producer side of a
// deferred job and is typically called by an inbound callback handler.
func Trigger(ctx context.Context, ps cache.PubSub, channel string, message any) error {
	var (
		b   []byte
		err error
	)
	switch m := message.(type) {
	case json.RawMessage:
		b = m
	case []byte:
		b = m
	default:
		b, err = json.Marshal(message)
		if err != nil {
			return errmodel.Validation("invalid_message", "message is not JSON serializable", map[string]any{"channel": channel, "error": err.Error()})
		}
	}
	if !json.Valid(b) {
		return errmodel.Validation("invalid_message", "message is not valid JSON", map[string]any{"channel": channel})
	}
	return ps.Publish(ctx, channel, b)
}

// Wait subscribes, runs the init action and blocks until one message was handled,
// the init action failed, or timeout elapsed. A zero timeout uses the job default.
// The subscription is removed on every exit path before Wait returns.
func (j *Job) Wait(ctx context.Context, timeout time.Duration) error {
	if j.init == nil || j.job == nil {
		return ErrInitAndJobRequired
	}
	if timeout <= 0 {
		timeout = j.timeout
	}

	ctx, span := otel.Tracer("deferred").Start(ctx, "deferred.Wait", trace.WithAttributes(
		attribute.String("channel", j.channel),
		attribute.Int64("timeout_ms", timeout.Milliseconds()),
	))
	defer span.End()

	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// cap 1 plus a non-blocking send gives at-most-once delivery into the select below.
	msgs := make(chan []byte, 1)
	subID, err := j.ps.Subscribe(ctx, j.channel, func(_ context.Context, _ string, msg []byte) {
		select {
		case msgs <- msg:
		default:
		}
	})
	if err != nil {
		span.RecordError(err)
		return errmodel.Backend("subscribe_failed", "cannot subscribe to channel", map[string]any{"channel": j.channel}, err)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			if err := j.ps.Unsubscribe(context.WithoutCancel(ctx), j.channel, subID); err != nil {
				j.log.Warn("deferred job unsubscribe failed",
					zap.String("channel", j.channel),
					zap.String("subscriptionId", subID),
					zap.Error(err))
			}
		})
	}
	defer unsubscribe()

	initErr := make(chan error, 1)
	go func() { initErr <- j.init(ctx, j.channel, subID) }()

	for {
		select {
		case msg := <-msgs:
			unsubscribe()
			if !json.Valid(msg) {
				j.metrics.RecordDeferredJob(metrics.OutcomeJobFailed, time.Since(started))
				return errmodel.Validation("invalid_message", "received message is not valid JSON", map[string]any{"channel": j.channel})
			}
			if err := j.job(ctx, json.RawMessage(msg)); err != nil {
				span.RecordError(err)
				j.metrics.RecordDeferredJob(metrics.OutcomeJobFailed, time.Since(started))
				return err
			}
			j.metrics.RecordDeferredJob(metrics.OutcomeSucceeded, time.Since(started))
			return nil
		case err := <-initErr:
			if err == nil {
				// init done; keep waiting for the reply
				initErr = nil
				continue
			}
			unsubscribe()
			span.RecordError(err)
			j.metrics.RecordDeferredJob(metrics.OutcomeInitFailed, time.Since(started))
			return err
		case <-ctx.Done():
			unsubscribe()
			j.metrics.RecordDeferredJob(metrics.OutcomeTimeout, time.Since(started))
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return errmodel.Timeout("deferred_job_timeout", "deferred job timed out", map[string]any{
					"channel":    j.channel,
					"timeout_ms": timeout.Milliseconds(),
				})
			}
			return ctx.Err()
		}
	}
}
