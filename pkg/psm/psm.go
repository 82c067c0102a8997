// Package psm implements the persistent state machine that drives every
// request/callback workflow of the adapter.
//
// A Definition declares states and transitions once per workflow. A Machine is one
// running instance whose Record (current state plus workflow data) is checkpointed to
// a cache.KV under a caller-chosen key, so a later process can resume it with
// LoadFromCache. Handler dependencies (peer clients, caches) travel in the handlers
// context, which is rebound on every construction and never serialized.
//
// Transition handlers are explicit state-transition functions: they receive the
// current data and return the next value, which the machine stores only when the
// handler succeeds.
package psm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wilhg/schemeadapter/pkg/cache"
	"github.com/wilhg/schemeadapter/pkg/errmodel"
	"github.com/wilhg/schemeadapter/pkg/metrics"
)

// State is a node of a workflow graph.
type State string

// Well-known states and transitions shared by all workflows.
const (
	StateStart     State = "start"
	StateSucceeded State = "succeeded"
	StateErrored   State = "errored"

	// Any matches every source state in Transition.From.
	Any State = "*"

	// ErrorTransition is the wildcard transition into StateErrored.
	ErrorTransition = "error"
)

var (
	// ErrTransitionInProgress is returned when a non-error transition is fired while
	// another transition of the same instance is still running.
	ErrTransitionInProgress = errmodel.Conflict("transition_in_progress", "another transition is in progress", nil)
	// ErrNotFound is returned by LoadFromCache for a missing key.
	ErrNotFound = errmodel.NotFound("state_not_found", "no cached state machine for key", nil)
)

// Handler is the side-effecting body of a transition. It returns the next data value.
type Handler[D, C any] func(ctx context.Context, hc C, data D) (D, error)

// Transition is an edge of the workflow graph.
type Transition[D, C any] struct {
	Name    string
	From    []State
	To      State
	Handler Handler[D, C]
}

// Step tells Run which transition to fire from a state, and whether Run should keep
// going synchronously once it succeeds instead of returning to the caller.
type Step struct {
	Transition string
	Continue   bool
}

// Definition declares one workflow.
type Definition[D, C any] struct {
	// Name attributes logs, metrics and spans.
	Name        string
	Initial     State
	Terminal    []State
	Transitions []Transition[D, C]
	// Steps maps non-terminal states to the transition Run fires from them.
	Steps map[State]Step
	// Defaults fills workflow-specific fields that are absent (e.g. a generated id).
	Defaults func(D) D
	// StateMap projects internal states to response labels.
	StateMap map[State]string
	// ErroredLabel is used for states missing from StateMap.
	ErroredLabel string
}

// Config carries the per-process dependencies bound to a Machine.
type Config[C any] struct {
	Cache           cache.KV
	HandlersContext C
	Logger          *zap.Logger
	Metrics         *metrics.Collector
}

// Record is the serialized form of an instance.
type Record[D any] struct {
	CurrentState State           `json:"currentState"`
	Data         D               `json:"data"`
	LastError    *errmodel.Error `json:"lastError,omitempty"`
}

// Response is the caller-facing projection of an instance.
type Response[D any] struct {
	CurrentState string          `json:"currentState"`
	Data         D               `json:"data"`
	LastError    *errmodel.Error `json:"lastError,omitempty"`
}

// TransitionError is returned when a handler fails; Response is a deep copy taken
// after the machine moved to errored.
type TransitionError[D any] struct {
	Transition string
	Err        error
	Response   Response[D]
}

func (e *TransitionError[D]) Error() string {
	return fmt.Sprintf("transition %s failed: %v", e.Transition, e.Err)
}

func (e *TransitionError[D]) Unwrap() error { return e.Err }

// Machine is one running instance of a Definition.
type Machine[D, C any] struct {
	def *Definition[D, C]
	key string
	kv  cache.KV
	hc  C
	log *zap.Logger
	met *metrics.Collector

	mu       sync.Mutex
	inFlight string
	rec      Record[D]
}

// Validate checks that the definition is internally consistent.
func (d *Definition[D, C]) Validate() error {
	if d.Initial == "" {
		return fmt.Errorf("psm %s: initial state is empty", d.Name)
	}
	names := make(map[string]bool, len(d.Transitions))
	for _, t := range d.Transitions {
		if t.Name == "" || t.To == "" {
			return fmt.Errorf("psm %s: transition needs a name and a target", d.Name)
		}
		if t.Name == ErrorTransition {
			return fmt.Errorf("psm %s: %q is reserved", d.Name, ErrorTransition)
		}
		names[t.Name] = true
	}
	for st, step := range d.Steps {
		if !names[step.Transition] {
			return fmt.Errorf("psm %s: step from %s references unknown transition %q", d.Name, st, step.Transition)
		}
	}
	return nil
}

// Create builds a fresh instance. Defaults are applied and the state is set to
// Initial; the instance is not persisted until SaveToCache.
func (d *Definition[D, C]) Create(ctx context.Context, data D, key string, cfg Config[C]) (*Machine[D, C], error) {
	if d.Defaults != nil {
		data = d.Defaults(data)
	}
	return d.build(Record[D]{CurrentState: d.Initial, Data: data}, key, cfg)
}

// LoadFromCache resumes an instance saved under key.
func (d *Definition[D, C]) LoadFromCache(ctx context.Context, key string, cfg Config[C]) (*Machine[D, C], error) {
	if cfg.Cache == nil {
		return nil, errmodel.System("no_cache", "state machine has no cache configured", nil, nil)
	}
	raw, ok, err := cfg.Cache.Get(ctx, key)
	if err != nil {
		return nil, errmodel.Backend("cache_get_failed", "cannot read state machine", map[string]any{"key": key}, err)
	}
	if !ok {
		return nil, errmodel.NotFound("state_not_found", "no cached state machine for key", map[string]any{"key": key})
	}
	var rec Record[D]
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errmodel.System("corrupt_state", "cached state machine is not decodable", map[string]any{"key": key}, err)
	}
	if rec.CurrentState == "" {
		rec.CurrentState = d.Initial
	}
	return d.build(rec, key, cfg)
}

func (d *Definition[D, C]) build(rec Record[D], key string, cfg Config[C]) (*Machine[D, C], error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Machine[D, C]{
		def: d,
		key: key,
		kv:  cfg.Cache,
		hc:  cfg.HandlersContext,
		log: log.With(zap.String("workflow", d.Name), zap.String("key", key)),
		met: cfg.Metrics,
		rec: rec,
	}, nil
}

// Key returns the cache key of the instance.
func (m *Machine[D, C]) Key() string { return m.key }

// State returns the current state.
func (m *Machine[D, C]) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.CurrentState
}

// Data returns the current workflow data.
func (m *Machine[D, C]) Data() D {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.Data
}

// Record returns a copy of the serialized form.
func (m *Machine[D, C]) Record() Record[D] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec
}

// IsTerminal reports whether s is absorbing for this workflow.
func (m *Machine[D, C]) IsTerminal(s State) bool {
	if s == StateErrored {
		return true
	}
	for _, t := range m.def.Terminal {
		if t == s {
			return true
		}
	}
	return false
}

func (m *Machine[D, C]) transition(name string) (Transition[D, C], bool) {
	for _, t := range m.def.Transitions {
		if t.Name == name {
			return t, true
		}
	}
	return Transition[D, C]{}, false
}

func allowedFrom(t []State, s State) bool {
	for _, f := range t {
		if f == Any || f == s {
			return true
		}
	}
	return false
}

// Fire runs the named transition. Handler failures move the machine to errored and
// are returned as *TransitionError.
func (m *Machine[D, C]) Fire(ctx context.Context, name string) error {
	if name == ErrorTransition {
		return m.Error(ctx, errmodel.System("error_injected", "error transition fired", nil, nil))
	}
	t, ok := m.transition(name)
	if !ok {
		return errmodel.Validation("unknown_transition", "transition is not defined", map[string]any{"workflow": m.def.Name, "transition": name})
	}

	m.mu.Lock()
	if m.inFlight != "" {
		m.mu.Unlock()
		m.met.RecordTransition(m.def.Name, name, metrics.OutcomeSkipped)
		return errmodel.Conflict("transition_in_progress", "another transition is in progress", map[string]any{
			"workflow":   m.def.Name,
			"transition": name,
			"inFlight":   m.inFlight,
		})
	}
	from := m.rec.CurrentState
	if !allowedFrom(t.From, from) {
		m.mu.Unlock()
		return errmodel.Validation("invalid_transition", "transition not allowed from current state", map[string]any{
			"workflow":   m.def.Name,
			"transition": name,
			"state":      string(from),
		})
	}
	m.inFlight = name
	data := m.rec.Data
	m.mu.Unlock()

	ctx, span := otel.Tracer("psm").Start(ctx, "psm.Fire", trace.WithAttributes(
		attribute.String("workflow", m.def.Name),
		attribute.String("transition", name),
		attribute.String("from", string(from)),
	))
	defer span.End()

	next := data
	var err error
	if t.Handler != nil {
		next, err = t.Handler(ctx, m.hc, data)
	}

	m.mu.Lock()
	m.inFlight = ""
	if m.rec.CurrentState == StateErrored {
		// an error was injected while the handler ran
		lastErr := m.rec.LastError
		m.mu.Unlock()
		m.met.RecordTransition(m.def.Name, name, metrics.OutcomeFailed)
		if err != nil {
			return err
		}
		if lastErr == nil {
			return errmodel.System("error_injected", "state machine errored during transition", map[string]any{"transition": name}, nil)
		}
		return lastErr
	}
	if err == nil {
		m.rec.Data = next
		m.rec.CurrentState = t.To
		m.mu.Unlock()
		m.met.RecordTransition(m.def.Name, name, metrics.OutcomeSucceeded)
		m.log.Debug("transition done", zap.String("transition", name), zap.String("from", string(from)), zap.String("to", string(t.To)))
		return nil
	}
	m.mu.Unlock()

	span.RecordError(err)
	m.met.RecordTransition(m.def.Name, name, metrics.OutcomeFailed)
	m.log.Warn("transition failed", zap.String("transition", name), zap.String("from", string(from)), zap.Error(err))
	_ = m.Error(ctx, err)
	return &TransitionError[D]{Transition: name, Err: err, Response: m.snapshotResponse()}
}

// Error moves the machine to errored, recording cause. It is allowed while another
// transition is in flight and is a no-op in any terminal state.
func (m *Machine[D, C]) Error(ctx context.Context, cause error) error {
	if cause == nil {
		cause = errmodel.System("error_injected", "error transition fired", nil, nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.IsTerminal(m.rec.CurrentState) {
		return nil
	}
	from := m.rec.CurrentState
	m.rec.CurrentState = StateErrored
	m.rec.LastError = errmodel.From(cause)
	m.met.RecordTransition(m.def.Name, ErrorTransition, metrics.OutcomeSucceeded)
	m.log.Info("state machine errored", zap.String("from", string(from)), zap.Error(cause))
	return nil
}

// Response projects the current state through the definition's StateMap.
func (m *Machine[D, C]) Response() Response[D] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.responseLocked()
}

func (m *Machine[D, C]) responseLocked() Response[D] {
	label, ok := m.def.StateMap[m.rec.CurrentState]
	if !ok {
		m.log.Warn("state has no response mapping, reporting as errored", zap.String("state", string(m.rec.CurrentState)))
		label = m.def.ErroredLabel
	}
	return Response[D]{CurrentState: label, Data: m.rec.Data, LastError: m.rec.LastError}
}

// snapshotResponse deep-copies the response so error payloads never alias live data.
func (m *Machine[D, C]) snapshotResponse() Response[D] {
	resp := m.Response()
	b, err := json.Marshal(resp)
	if err != nil {
		return Response[D]{CurrentState: resp.CurrentState, LastError: resp.LastError}
	}
	var out Response[D]
	if err := json.Unmarshal(b, &out); err != nil {
		return Response[D]{CurrentState: resp.CurrentState, LastError: resp.LastError}
	}
	return out
}

// SaveToCache serializes the record under the machine key.
func (m *Machine[D, C]) SaveToCache(ctx context.Context) error {
	if m.kv == nil {
		return errmodel.System("no_cache", "state machine has no cache configured", nil, nil)
	}
	b, err := json.Marshal(m.Record())
	if err != nil {
		return errmodel.System("encode_state", "cannot encode state machine", map[string]any{"key": m.key}, err)
	}
	if err := m.kv.Set(ctx, m.key, b); err != nil {
		return errmodel.Backend("cache_set_failed", "cannot save state machine", map[string]any{"key": m.key}, err)
	}
	return nil
}

// checkpoint saves without blocking the caller; failures are only logged.
func (m *Machine[D, C]) checkpoint(ctx context.Context) {
	go func() {
		if err := m.SaveToCache(context.WithoutCancel(ctx)); err != nil {
			m.log.Warn("checkpoint failed", zap.Error(err))
		}
	}()
}

// Run fires transitions according to Steps until the machine reaches a terminal
// state or a step without Continue. Terminal states are saved before Run returns;
// intermediate stops are checkpointed in the background.
func (m *Machine[D, C]) Run(ctx context.Context) (Response[D], error) {
	for {
		st := m.State()
		if m.IsTerminal(st) {
			break
		}
		step, ok := m.def.Steps[st]
		if !ok {
			err := errmodel.System("no_step", "no step defined for state", map[string]any{"workflow": m.def.Name, "state": string(st)}, nil)
			_ = m.Error(ctx, err)
			m.saveTerminal(ctx)
			return m.snapshotResponse(), err
		}
		if err := m.Fire(ctx, step.Transition); err != nil {
			if m.State() == StateErrored {
				m.saveTerminal(ctx)
			}
			return m.snapshotResponse(), err
		}
		if !step.Continue && !m.IsTerminal(m.State()) {
			m.checkpoint(ctx)
			return m.Response(), nil
		}
	}
	if err := m.SaveToCache(ctx); err != nil {
		return m.Response(), err
	}
	return m.Response(), nil
}

func (m *Machine[D, C]) saveTerminal(ctx context.Context) {
	if err := m.SaveToCache(ctx); err != nil {
		m.log.Error("saving errored state failed", zap.Error(err))
	}
}
