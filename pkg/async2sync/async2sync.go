// Package async2sync turns one outbound scheme request and its asynchronous
// callback into a single awaitable workflow.
//
// A Strategy names the pub/sub channel of a request, performs the request and
// validates its arguments. NewGenerator wraps a Strategy in a two-state persistent
// state machine (start -> succeeded, any -> errored) whose only transition runs a
// deferred job: the init action issues the request, the job stores the callback.
package async2sync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wilhg/schemeadapter/pkg/cache"
	"github.com/wilhg/schemeadapter/pkg/deferred"
	"github.com/wilhg/schemeadapter/pkg/errmodel"
	"github.com/wilhg/schemeadapter/pkg/metrics"
	"github.com/wilhg/schemeadapter/pkg/peer"
	"github.com/wilhg/schemeadapter/pkg/psm"
)

// Response labels.
const (
	WaitingForAction = "WAITING_FOR_ACTION"
	Completed        = "COMPLETED"
	ErrorOccurred    = "ERROR_OCCURRED"
)

const transitionRequestAction = "requestAction"

// Strategy specializes a generator for one scheme operation.
type Strategy[A any] interface {
	ModelName() string
	ChannelName(args A) string
	RequestAction(ctx context.Context, client peer.Client, args A) (*peer.Ack, error)
	ValidateArgs(args A) error
}

// Data is the persisted workflow data.
type Data[A any] struct {
	Args A `json:"args"`
	// Ack is the transport acknowledgement of the outbound request.
	Ack *peer.Ack `json:"ack,omitempty"`
	// Response is the callback payload; ResponseState the state that received it.
	Response      json.RawMessage `json:"response,omitempty"`
	ResponseState psm.State       `json:"responseState,omitempty"`
}

// Config binds a model to the running process.
type Config struct {
	Cache   cache.Cache
	Peer    peer.Client
	Timeout time.Duration
	Logger  *zap.Logger
	Metrics *metrics.Collector
}

// Deps is the handlers context rebuilt from Config on every construction.
type Deps struct {
	PubSub  cache.PubSub
	Peer    peer.Client
	Timeout time.Duration
	Logger  *zap.Logger
	Metrics *metrics.Collector
}

// Response is what Run returns.
type Response[A any] = psm.Response[Data[A]]

// Generator produces models of one workflow.
type Generator[A any] struct {
	strategy Strategy[A]
	def      *psm.Definition[Data[A], Deps]
}

// NewGenerator builds the state machine definition for s.
func NewGenerator[A any](s Strategy[A]) *Generator[A] {
	g := &Generator[A]{strategy: s}
	g.def = &psm.Definition[Data[A], Deps]{
		Name:     s.ModelName(),
		Initial:  psm.StateStart,
		Terminal: []psm.State{psm.StateSucceeded},
		Transitions: []psm.Transition[Data[A], Deps]{{
			Name:    transitionRequestAction,
			From:    []psm.State{psm.StateStart},
			To:      psm.StateSucceeded,
			Handler: g.requestAction,
		}},
		Steps: map[psm.State]psm.Step{
			psm.StateStart: {Transition: transitionRequestAction, Continue: true},
		},
		StateMap: map[psm.State]string{
			psm.StateStart:     WaitingForAction,
			psm.StateSucceeded: Completed,
			psm.StateErrored:   ErrorOccurred,
		},
		ErroredLabel: ErrorOccurred,
	}
	return g
}

// ModelName returns the strategy name.
func (g *Generator[A]) ModelName() string { return g.strategy.ModelName() }

// ChannelName validates args and returns the pub/sub channel of the request.
func (g *Generator[A]) ChannelName(args A) (string, error) {
	if err := g.strategy.ValidateArgs(args); err != nil {
		return "", err
	}
	return g.strategy.ChannelName(args), nil
}

// GenerateKey returns the cache key of the request's state machine.
func (g *Generator[A]) GenerateKey(args A) (string, error) {
	ch, err := g.ChannelName(args)
	if err != nil {
		return "", err
	}
	return "key-" + ch, nil
}

// TriggerDeferredJob publishes the callback message of the request identified by args.
func (g *Generator[A]) TriggerDeferredJob(ctx context.Context, ps cache.PubSub, message any, args A) error {
	ch, err := g.ChannelName(args)
	if err != nil {
		return err
	}
	return deferred.Trigger(ctx, ps, ch, message)
}

// Create builds a fresh model. An empty key is derived from args.
func (g *Generator[A]) Create(ctx context.Context, args A, key string, cfg Config) (*Model[A], error) {
	if key == "" {
		k, err := g.GenerateKey(args)
		if err != nil {
			return nil, err
		}
		key = k
	} else if err := g.strategy.ValidateArgs(args); err != nil {
		return nil, err
	}
	m, err := g.def.Create(ctx, Data[A]{Args: args}, key, g.psmConfig(cfg))
	if err != nil {
		return nil, err
	}
	return &Model[A]{g: g, m: m}, nil
}

// LoadFromCache resumes a model saved under key.
func (g *Generator[A]) LoadFromCache(ctx context.Context, key string, cfg Config) (*Model[A], error) {
	m, err := g.def.LoadFromCache(ctx, key, g.psmConfig(cfg))
	if err != nil {
		return nil, err
	}
	return &Model[A]{g: g, m: m}, nil
}

func (g *Generator[A]) psmConfig(cfg Config) psm.Config[Deps] {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("model", g.strategy.ModelName()))
	var kv cache.KV
	var ps cache.PubSub
	if cfg.Cache != nil {
		kv, ps = cfg.Cache, cfg.Cache
	}
	return psm.Config[Deps]{
		Cache: kv,
		HandlersContext: Deps{
			PubSub:  ps,
			Peer:    cfg.Peer,
			Timeout: cfg.Timeout,
			Logger:  log,
			Metrics: cfg.Metrics,
		},
		Logger:  log,
		Metrics: cfg.Metrics,
	}
}

func (g *Generator[A]) requestAction(ctx context.Context, d Deps, data Data[A]) (Data[A], error) {
	if d.PubSub == nil || d.Peer == nil {
		return data, errmodel.System("model_not_configured", "model needs a cache and a peer client", map[string]any{"model": g.strategy.ModelName()}, nil)
	}
	channel := g.strategy.ChannelName(data.Args)

	var mu sync.Mutex
	var ack *peer.Ack
	var reply json.RawMessage
	err := deferred.New(d.PubSub, channel,
		deferred.WithDefaultTimeout(d.Timeout),
		deferred.WithLogger(d.Logger),
		deferred.WithMetrics(d.Metrics),
	).
		Init(func(ctx context.Context, _, _ string) error {
			a, err := g.strategy.RequestAction(ctx, d.Peer, data.Args)
			mu.Lock()
			ack = a
			mu.Unlock()
			return err
		}).
		Job(func(ctx context.Context, msg json.RawMessage) error {
			if pe := peer.ErrorFromPayload(msg); pe != nil {
				return pe
			}
			reply = append(json.RawMessage(nil), msg...)
			return nil
		}).
		Wait(ctx, 0)
	if err != nil {
		return data, err
	}
	mu.Lock()
	data.Ack = ack
	mu.Unlock()
	data.Response = reply
	data.ResponseState = psm.StateStart
	return data, nil
}

// Model is one request/await/response workflow instance.
type Model[A any] struct {
	g *Generator[A]
	m *psm.Machine[Data[A], Deps]
}

// Key returns the cache key of the model.
func (m *Model[A]) Key() string { return m.m.Key() }

// State returns the internal state.
func (m *Model[A]) State() psm.State { return m.m.State() }

// Data returns the current workflow data.
func (m *Model[A]) Data() Data[A] { return m.m.Data() }

// Run validates the arguments, performs the request, waits for the callback and
// returns the projected response. A model already in a terminal state returns its
// response without side effects.
func (m *Model[A]) Run(ctx context.Context) (Response[A], error) {
	if err := m.g.strategy.ValidateArgs(m.m.Data().Args); err != nil {
		return m.m.Response(), err
	}
	return m.m.Run(ctx)
}

// Response projects the current state.
func (m *Model[A]) Response() Response[A] { return m.m.Response() }

// SaveToCache persists the model.
func (m *Model[A]) SaveToCache(ctx context.Context) error { return m.m.SaveToCache(ctx) }

// Error moves the model to errored.
func (m *Model[A]) Error(ctx context.Context, cause error) error { return m.m.Error(ctx, cause) }
