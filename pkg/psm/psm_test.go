package psm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wilhg/schemeadapter/pkg/cache/memcache"
	"github.com/wilhg/schemeadapter/pkg/errmodel"
)

type counterData struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
	Tags  []string
}

type counterDeps struct {
	fail    error
	release chan struct{}
	started chan struct{}
}

const (
	stateWaiting State = "waiting"
)

func counterDefinition() *Definition[counterData, *counterDeps] {
	return &Definition[counterData, *counterDeps]{
		Name:     "counter",
		Initial:  StateStart,
		Terminal: []State{StateSucceeded},
		Transitions: []Transition[counterData, *counterDeps]{
			{
				Name: "begin", From: []State{StateStart}, To: stateWaiting,
				Handler: func(ctx context.Context, hc *counterDeps, d counterData) (counterData, error) {
					if hc.started != nil {
						close(hc.started)
					}
					if hc.release != nil {
						<-hc.release
					}
					d.Count++
					d.Tags = append(d.Tags, "begin")
					return d, hc.fail
				},
			},
			{
				Name: "finish", From: []State{stateWaiting}, To: StateSucceeded,
				Handler: func(ctx context.Context, hc *counterDeps, d counterData) (counterData, error) {
					d.Count++
					return d, nil
				},
			},
		},
		Steps: map[State]Step{
			StateStart:   {Transition: "begin", Continue: true},
			stateWaiting: {Transition: "finish"},
		},
		Defaults: func(d counterData) counterData {
			if d.ID == "" {
				d.ID = "generated"
			}
			return d
		},
		StateMap: map[State]string{
			StateStart:     "WAITING",
			stateWaiting:   "WAITING",
			StateSucceeded: "COMPLETED",
			StateErrored:   "ERROR_OCCURRED",
		},
		ErroredLabel: "ERROR_OCCURRED",
	}
}

func TestCreate_AppliesDefaultsAndInitialState(t *testing.T) {
	def := counterDefinition()
	m, err := def.Create(context.Background(), counterData{}, "k1", Config[*counterDeps]{Cache: memcache.New(), HandlersContext: &counterDeps{}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.State() != StateStart {
		t.Fatalf("state=%s want start", m.State())
	}
	if m.Data().ID != "generated" {
		t.Fatalf("defaults not applied: %+v", m.Data())
	}
}

func TestSaveAndLoad_RoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := memcache.New()
	def := counterDefinition()
	cfg := Config[*counterDeps]{Cache: kv, HandlersContext: &counterDeps{}}

	m, err := def.Create(ctx, counterData{ID: "q1"}, "key-q1", cfg)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Fire(ctx, "begin"); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if err := m.SaveToCache(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := def.LoadFromCache(ctx, "key-q1", cfg)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.State() != stateWaiting {
		t.Fatalf("state=%s want waiting", loaded.State())
	}
	got := loaded.Data()
	if got.ID != "q1" || got.Count != 1 || len(got.Tags) != 1 {
		t.Fatalf("data not preserved: %+v", got)
	}
	if err := loaded.Fire(ctx, "finish"); err != nil {
		t.Fatalf("resume fire: %v", err)
	}
	if loaded.Response().CurrentState != "COMPLETED" {
		t.Fatalf("response=%s", loaded.Response().CurrentState)
	}
}

func TestLoadFromCache_MissingKeyIsNotFound(t *testing.T) {
	_, err := counterDefinition().LoadFromCache(context.Background(), "nope", Config[*counterDeps]{Cache: memcache.New()})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v want not found", err)
	}
}

func TestFire_HandlerFailureMovesToErrored(t *testing.T) {
	ctx := context.Background()
	boom := errmodel.Peer("3204", "party not found", nil)
	m, _ := counterDefinition().Create(ctx, counterData{ID: "x"}, "k", Config[*counterDeps]{Cache: memcache.New(), HandlersContext: &counterDeps{fail: boom}})

	err := m.Fire(ctx, "begin")
	var te *TransitionError[counterData]
	if !errors.As(err, &te) {
		t.Fatalf("err=%T %v want TransitionError", err, err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("cause not wrapped: %v", err)
	}
	if m.State() != StateErrored {
		t.Fatalf("state=%s want errored", m.State())
	}
	if te.Response.CurrentState != "ERROR_OCCURRED" {
		t.Fatalf("response state=%s", te.Response.CurrentState)
	}
	if te.Response.LastError == nil || te.Response.LastError.Code != "3204" {
		t.Fatalf("last error not recorded: %+v", te.Response.LastError)
	}
	// the failed handler's result must not be applied
	if m.Data().Count != 0 {
		t.Fatalf("count=%d want 0", m.Data().Count)
	}
}

func TestTransitionError_ResponseIsDetached(t *testing.T) {
	ctx := context.Background()
	m, _ := counterDefinition().Create(ctx, counterData{ID: "x", Tags: []string{"a"}}, "k", Config[*counterDeps]{Cache: memcache.New(), HandlersContext: &counterDeps{fail: errors.New("boom")}})
	err := m.Fire(ctx, "begin")
	var te *TransitionError[counterData]
	if !errors.As(err, &te) {
		t.Fatalf("want TransitionError, got %v", err)
	}
	te.Response.Data.Tags[0] = "mutated"
	if m.Data().Tags[0] != "a" {
		t.Fatalf("response aliases live data")
	}
}

func TestFire_RejectsConcurrentTransition(t *testing.T) {
	ctx := context.Background()
	deps := &counterDeps{release: make(chan struct{}), started: make(chan struct{})}
	m, _ := counterDefinition().Create(ctx, counterData{}, "k", Config[*counterDeps]{Cache: memcache.New(), HandlersContext: deps})

	done := make(chan error, 1)
	go func() { done <- m.Fire(ctx, "begin") }()
	<-deps.started

	err := m.Fire(ctx, "begin")
	if !errors.Is(err, ErrTransitionInProgress) {
		t.Fatalf("err=%v want transition in progress", err)
	}
	close(deps.release)
	if err := <-done; err != nil {
		t.Fatalf("first fire: %v", err)
	}
	if m.State() != stateWaiting {
		t.Fatalf("state=%s", m.State())
	}
}

func TestError_AllowedDuringTransitionAndIdempotent(t *testing.T) {
	ctx := context.Background()
	deps := &counterDeps{release: make(chan struct{}), started: make(chan struct{})}
	m, _ := counterDefinition().Create(ctx, counterData{}, "k", Config[*counterDeps]{Cache: memcache.New(), HandlersContext: deps})

	done := make(chan error, 1)
	go func() { done <- m.Fire(ctx, "begin") }()
	<-deps.started

	if err := m.Error(ctx, errors.New("callback failed")); err != nil {
		t.Fatalf("error transition: %v", err)
	}
	if err := m.Error(ctx, errors.New("second")); err != nil {
		t.Fatalf("second error transition: %v", err)
	}
	close(deps.release)
	if err := <-done; err == nil {
		t.Fatalf("in-flight transition should report the injected error")
	}
	if m.State() != StateErrored {
		t.Fatalf("state=%s want errored", m.State())
	}
	if m.Record().LastError.Message != "callback failed" {
		t.Fatalf("first error must win: %+v", m.Record().LastError)
	}
}

func TestError_TerminalStateIsAbsorbing(t *testing.T) {
	ctx := context.Background()
	m, _ := counterDefinition().Create(ctx, counterData{}, "k", Config[*counterDeps]{Cache: memcache.New(), HandlersContext: &counterDeps{}})
	if _, err := m.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateSucceeded {
		t.Fatalf("state=%s want succeeded", m.State())
	}

	if err := m.Error(ctx, errors.New("late")); err != nil {
		t.Fatalf("error on terminal: %v", err)
	}
	if err := m.Fire(ctx, ErrorTransition); err != nil {
		t.Fatalf("fire error on terminal: %v", err)
	}
	if m.State() != StateSucceeded || m.Record().LastError != nil {
		t.Fatalf("terminal state changed: %s %+v", m.State(), m.Record().LastError)
	}
	if got := m.Response().CurrentState; got != "COMPLETED" {
		t.Fatalf("label=%s want COMPLETED", got)
	}
}

func TestFire_NilInjectedErrorStillReportsFailure(t *testing.T) {
	ctx := context.Background()
	deps := &counterDeps{release: make(chan struct{}), started: make(chan struct{})}
	m, _ := counterDefinition().Create(ctx, counterData{}, "k", Config[*counterDeps]{Cache: memcache.New(), HandlersContext: deps})

	done := make(chan error, 1)
	go func() { done <- m.Fire(ctx, "begin") }()
	<-deps.started
	if err := m.Error(ctx, nil); err != nil {
		t.Fatal(err)
	}
	close(deps.release)

	err := <-done
	if err == nil {
		t.Fatal("want an error after injected error transition")
	}
	var ce *errmodel.Error
	if !errors.As(err, &ce) || ce == nil || ce.Category != errmodel.CategorySystem {
		t.Fatalf("err=%#v want system error", err)
	}
	if m.Record().LastError == nil {
		t.Fatal("last error not recorded")
	}
}

func TestFire_UnknownAndInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	m, _ := counterDefinition().Create(ctx, counterData{}, "k", Config[*counterDeps]{Cache: memcache.New(), HandlersContext: &counterDeps{}})
	if err := m.Fire(ctx, "nope"); !errmodel.IsCategory(err, errmodel.CategoryValidation) {
		t.Fatalf("unknown transition err=%v", err)
	}
	if err := m.Fire(ctx, "finish"); !errmodel.IsCategory(err, errmodel.CategoryValidation) {
		t.Fatalf("finish from start err=%v", err)
	}
	if m.State() != StateStart {
		t.Fatalf("state changed: %s", m.State())
	}
}

func TestRun_StopsAtNonContinuingStepAndResumes(t *testing.T) {
	ctx := context.Background()
	kv := memcache.New()
	def := counterDefinition()
	cfg := Config[*counterDeps]{Cache: kv, HandlersContext: &counterDeps{}}
	m, _ := def.Create(ctx, counterData{}, "k-run", cfg)

	// begin continues into finish, finish reaches a terminal state
	resp, err := m.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.CurrentState != "COMPLETED" || resp.Data.Count != 2 {
		t.Fatalf("resp=%+v", resp)
	}
	loaded, err := def.LoadFromCache(ctx, "k-run", cfg)
	if err != nil {
		t.Fatalf("terminal state must be saved before Run returns: %v", err)
	}
	if loaded.State() != StateSucceeded {
		t.Fatalf("saved state=%s", loaded.State())
	}
}

func TestRun_CheckpointsIntermediateStop(t *testing.T) {
	ctx := context.Background()
	kv := memcache.New()
	def := counterDefinition()
	def.Steps[StateStart] = Step{Transition: "begin"}
	cfg := Config[*counterDeps]{Cache: kv, HandlersContext: &counterDeps{}}
	m, _ := def.Create(ctx, counterData{}, "k-cp", cfg)

	resp, err := m.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.CurrentState != "WAITING" {
		t.Fatalf("resp state=%s", resp.CurrentState)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok, _ := kv.Get(ctx, "k-cp"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("checkpoint never written")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRun_ErrorIsSavedAndReturned(t *testing.T) {
	ctx := context.Background()
	kv := memcache.New()
	def := counterDefinition()
	cfg := Config[*counterDeps]{Cache: kv, HandlersContext: &counterDeps{fail: errors.New("boom")}}
	m, _ := def.Create(ctx, counterData{}, "k-err", cfg)
	resp, err := m.Run(ctx)
	if err == nil {
		t.Fatalf("expected error")
	}
	if resp.CurrentState != "ERROR_OCCURRED" {
		t.Fatalf("resp state=%s", resp.CurrentState)
	}
	loaded, err := def.LoadFromCache(ctx, "k-err", cfg)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.State() != StateErrored {
		t.Fatalf("saved state=%s", loaded.State())
	}
}

func TestResponse_UnmappedStateReportsErrored(t *testing.T) {
	def := counterDefinition()
	delete(def.StateMap, stateWaiting)
	m, _ := def.Create(context.Background(), counterData{}, "k", Config[*counterDeps]{Cache: memcache.New(), HandlersContext: &counterDeps{}})
	_ = m.Fire(context.Background(), "begin")
	if got := m.Response().CurrentState; got != "ERROR_OCCURRED" {
		t.Fatalf("state label=%s", got)
	}
}
