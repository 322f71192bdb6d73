// Package agent holds the agent record model and the lifecycle state
// machine that serializes transitions and emits them on the event bus.
package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/Agent-Gate/agentgate/internal/domain/event"
)

// State of an agent's lifecycle.
type State string

const (
	StateCreated      State = "created"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateRunning      State = "running"
	StatePaused       State = "paused"
	StateError        State = "error"
	StateTerminated   State = "terminated"
)

// LifecycleEvent drives a state transition.
type LifecycleEvent string

const (
	EventInitialize LifecycleEvent = "INITIALIZE"
	EventReady      LifecycleEvent = "READY"
	EventStart      LifecycleEvent = "START"
	EventComplete   LifecycleEvent = "COMPLETE"
	EventPause      LifecycleEvent = "PAUSE"
	EventResume     LifecycleEvent = "RESUME"
	EventFail       LifecycleEvent = "FAIL"
	EventRecover    LifecycleEvent = "RECOVER"
	EventTerminate  LifecycleEvent = "TERMINATE"
)

// ChannelLifecycle is the bus channel lifecycle transitions publish
// on; the event type is "agent.<new_state>".
const ChannelLifecycle = "agent.lifecycle"

// transitions maps event -> allowed source states -> target state.
// TERMINATE is handled separately: it accepts every non-terminal
// source.
var transitions = map[LifecycleEvent]map[State]State{
	EventInitialize: {StateCreated: StateInitializing},
	EventReady:      {StateInitializing: StateReady},
	EventStart:      {StateReady: StateRunning},
	EventComplete:   {StateRunning: StateReady},
	EventPause:      {StateReady: StatePaused, StateRunning: StatePaused},
	EventResume:     {StatePaused: StateReady},
	EventFail:       {StateInitializing: StateError, StateRunning: StateError},
	EventRecover:    {StateError: StateReady},
}

// Transition records one applied lifecycle change.
type Transition struct {
	From      State          `json:"from"`
	To        State          `json:"to"`
	Event     LifecycleEvent `json:"event"`
	Reason    string         `json:"reason,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// TransitionError reports a rejected transition.
type TransitionError struct {
	AgentID string
	From    State
	Event   LifecycleEvent
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("agent %s: event %s not valid in state %s", e.AgentID, e.Event, e.From)
}

// Listener observes applied transitions synchronously, before Apply
// returns.
type Listener func(agentID string, t Transition)

// Machine is the lifecycle state machine for one agent. Transitions
// are serialized under its mutex; no two transitions for the same
// agent ever interleave.
type Machine struct {
	agentID string
	bus     *event.Bus
	clock   func() time.Time

	mu        sync.Mutex
	state     State
	history   []Transition
	listeners []Listener
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithBus publishes every transition on the lifecycle channel.
func WithBus(b *event.Bus) MachineOption {
	return func(m *Machine) { m.bus = b }
}

// WithMachineClock injects a time source for tests.
func WithMachineClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.clock = now }
}

// NewMachine creates a machine in the created state.
func NewMachine(agentID string, opts ...MachineOption) *Machine {
	m := &Machine{
		agentID: agentID,
		state:   StateCreated,
		clock:   time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Terminal reports whether the machine has reached terminated.
func (m *Machine) Terminal() bool {
	return m.State() == StateTerminated
}

// History returns a copy of applied transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// OnTransition registers a synchronous listener.
func (m *Machine) OnTransition(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Can reports whether ev is valid in the current state.
func (m *Machine) Can(ev LifecycleEvent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.nextLocked(ev)
	return ok
}

func (m *Machine) nextLocked(ev LifecycleEvent) (State, bool) {
	if m.state == StateTerminated {
		return "", false
	}
	if ev == EventTerminate {
		return StateTerminated, true
	}
	to, ok := transitions[ev][m.state]
	return to, ok
}

// Apply drives one lifecycle event. Listeners and the bus publication
// run synchronously before Apply returns, outside the transition lock
// so they may call back into the machine.
func (m *Machine) Apply(ev LifecycleEvent, reason string) (Transition, error) {
	m.mu.Lock()
	to, ok := m.nextLocked(ev)
	if !ok {
		from := m.state
		m.mu.Unlock()
		return Transition{}, &TransitionError{AgentID: m.agentID, From: from, Event: ev}
	}

	t := Transition{
		From:      m.state,
		To:        to,
		Event:     ev,
		Reason:    reason,
		Timestamp: m.clock().UTC(),
	}
	m.state = to
	m.history = append(m.history, t)
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		l(m.agentID, t)
	}
	if m.bus != nil {
		m.bus.Publish(event.Event{
			Channel: ChannelLifecycle,
			Type:    "agent." + string(to),
			AgentID: m.agentID,
			Data: map[string]any{
				"from":   string(t.From),
				"to":     string(t.To),
				"event":  string(ev),
				"reason": reason,
			},
		})
	}
	return t, nil
}
