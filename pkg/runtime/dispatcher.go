package runtime

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wilhg/schemeadapter/pkg/bus"
)

// EffectHandler performs the side effects one kind of domain event asks for and
// returns the commands that report the outcome back.
type EffectHandler interface {
	CanHandle(e bus.Event) bool
	Handle(ctx context.Context, e bus.Event) ([]bus.Event, error)
}

// Dispatcher runs effect handlers for domain events with bounded concurrency and
// publishes the commands they return.
type Dispatcher struct {
	handlers []EffectHandler
	pub      bus.Publisher
	opts     options
	sem      chan struct{}
	wg       sync.WaitGroup
}

// NewDispatcher returns a dispatcher publishing commands to bus.CommandsTopic
// unless WithTopic says otherwise.
func NewDispatcher(pub bus.Publisher, handlers []EffectHandler, opts ...Option) *Dispatcher {
	o := buildOptions(bus.CommandsTopic, opts)
	return &Dispatcher{handlers: handlers, pub: pub, opts: o, sem: make(chan struct{}, o.concurrency)}
}

func (d *Dispatcher) findHandler(e bus.Event) EffectHandler {
	for _, h := range d.handlers {
		if h.CanHandle(e) {
			return h
		}
	}
	return nil
}

// Dispatch starts the handler for e and returns once it is running. Events no
// handler claims are ignored. Dispatch blocks while the concurrency bound is reached.
func (d *Dispatcher) Dispatch(ctx context.Context, e bus.Event) error {
	h := d.findHandler(e)
	if h == nil {
		return nil
	}
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	d.wg.Add(1)
	go func() {
		defer func() {
			<-d.sem
			d.wg.Done()
		}()
		d.run(ctx, h, e)
	}()
	return nil
}

func (d *Dispatcher) run(ctx context.Context, h EffectHandler, e bus.Event) {
	ctx, span := otel.Tracer("runtime/dispatcher").Start(ctx, "Dispatcher.Handle", trace.WithAttributes(
		attribute.String("aggregate.id", e.Key),
		attribute.String("event", e.Name),
	))
	defer span.End()

	cmds, err := h.Handle(ctx, e)
	if err != nil {
		span.RecordError(err)
		d.opts.log.Warn("effect failed", zap.String("event", e.Name), zap.String("key", e.Key), zap.Error(err))
		return
	}
	if len(cmds) == 0 {
		return
	}
	for i := range cmds {
		if cmds[i].Key == "" {
			cmds[i].Key = e.Key
		}
	}
	if err := d.pub.Publish(ctx, d.opts.topic, cmds...); err != nil {
		span.RecordError(err)
		d.opts.log.Error("command publish failed", zap.String("event", e.Name), zap.String("key", e.Key), zap.Error(err))
	}
}

// Wait blocks until every dispatched handler returned.
func (d *Dispatcher) Wait() { d.wg.Wait() }
