package bulk

import (
	"encoding/json"

	"github.com/wilhg/schemeadapter/pkg/bus"
	"github.com/wilhg/schemeadapter/pkg/errmodel"
	"github.com/wilhg/schemeadapter/pkg/runtime"
)

// Model adapts the aggregate to runtime.Runner.
type Model struct {
	Decider *Decider
}

// NewModel returns a Model deciding with d.
func NewModel(d *Decider) Model { return Model{Decider: d} }

func (Model) New(id string) *Aggregate { return New(id) }

// Apply decodes a logged state event and folds it into a in place.
func (Model) Apply(a *Aggregate, name string, payload json.RawMessage) (*Aggregate, error) {
	e, err := DecodeStateEvent(name, payload)
	if err != nil {
		return a, err
	}
	if a == nil {
		a = &Aggregate{}
	}
	if err := a.Apply(e); err != nil {
		return a, err
	}
	return a, nil
}

// Decide runs the decider on cmd, whose Key is the bulk id.
func (m Model) Decide(a *Aggregate, cmd bus.Event) ([]runtime.Change, []bus.Event, error) {
	d := m.Decider
	if d == nil {
		d = NewDecider(DefaultMaxItemsPerBatch, nil)
	}
	events, out, err := d.Decide(a, Command{Name: cmd.Name, BulkID: cmd.Key, Payload: cmd.Payload})
	if err != nil {
		return nil, nil, err
	}
	changes := make([]runtime.Change, 0, len(events))
	for _, e := range events {
		raw, err := json.Marshal(e)
		if err != nil {
			return nil, nil, errmodel.System("state_event_encode", "cannot encode state event", map[string]any{"event": e.StateEventName()}, err)
		}
		changes = append(changes, runtime.Change{Name: e.StateEventName(), Payload: raw})
	}
	published := make([]bus.Event, 0, len(out))
	for _, e := range out {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, nil, errmodel.System("domain_event_encode", "cannot encode domain event", map[string]any{"event": e.Name}, err)
		}
		published = append(published, bus.Event{Name: e.Name, Key: cmd.Key, Payload: raw})
	}
	return changes, published, nil
}

// CommandEvent encodes a command for the commands topic.
func CommandEvent(name, bulkID string, payload any) (bus.Event, error) {
	c, err := NewCommand(name, bulkID, payload)
	if err != nil {
		return bus.Event{}, err
	}
	return bus.Event{Name: c.Name, Key: c.BulkID, Payload: c.Payload}, nil
}
