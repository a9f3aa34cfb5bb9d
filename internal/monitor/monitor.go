// Package monitor implements the specification-monitor subsystem of
// spec.md §4.3: a passive observer machine with no inbox, stepped
// synchronously from invoke_monitor (sends are not forwarded to monitors
// by either backend). It reuses
// internal/descriptor's table-building shape (generalized further here: no
// push/pop, an added per-state Temperature) rather than sharing that
// package's Table directly, since monitors and machines are deliberately
// not the same sum type (spec.md §9 keeps `MachineKind` and monitor
// handling separate).
package monitor

import (
	"fmt"

	"github.com/latticefsm/latticefsm/internal/errs"
	"github.com/latticefsm/latticefsm/internal/event"
	"github.com/latticefsm/latticefsm/internal/logctx"
)

// Temperature is a monitor state's liveness annotation.
type Temperature int

const (
	Neutral Temperature = iota
	Hot
	Cold
)

func (t Temperature) String() string {
	switch t {
	case Hot:
		return "hot"
	case Cold:
		return "cold"
	default:
		return "neutral"
	}
}

// Handle is the restricted capability a monitor's actions receive: no
// push/pop (monitors have no state stack, only a current state), no
// send/receive (monitors never own an inbox), per spec.md §4.3.
type Handle interface {
	Goto(target string) error
	Raise(ev event.Event)
	Assert(cond bool, msg string)
	CurrentTemperature() Temperature
}

// ActionFunc is the type of a monitor's entry/exit/do/goto actions.
type ActionFunc func(h Handle, ev event.Event) error

// HandlerKind mirrors descriptor.HandlerKind minus the stack operations.
type HandlerKind int

const (
	HandlerNotFound HandlerKind = iota
	HandlerDoAction
	HandlerGoto
	HandlerGotoWithAction
)

// GotoTransition is a goto handler: target plus optional transition action.
type GotoTransition struct {
	Target string
	Action ActionFunc
}

// Handler is the resolved lookup result for a (state, event kind) pair.
type Handler struct {
	Kind   HandlerKind
	Action ActionFunc
	Target string
}

// StateDescriptor is one monitor state.
type StateDescriptor struct {
	Name        string
	Start       bool
	Temperature Temperature

	OnEntry ActionFunc
	OnExit  ActionFunc

	do   map[event.Kind]ActionFunc
	goTo map[event.Kind]GotoTransition
}

func (s *StateDescriptor) lookupRaw(kind event.Kind) (Handler, bool) {
	if a, ok := s.do[kind]; ok {
		return Handler{Kind: HandlerDoAction, Action: a}, true
	}
	if t, ok := s.goTo[kind]; ok {
		if t.Action != nil {
			return Handler{Kind: HandlerGotoWithAction, Action: t.Action, Target: t.Target}, true
		}
		return Handler{Kind: HandlerGoto, Target: t.Target}, true
	}
	return Handler{}, false
}

// Lookup resolves the handler for kind on this state.
func (s *StateDescriptor) Lookup(kind event.Kind) Handler {
	h, ok := s.lookupRaw(kind)
	if !ok {
		return Handler{Kind: HandlerNotFound}
	}
	return h
}

// Table is the compiled, immutable state table for one monitor type.
type Table struct {
	TypeName string
	Start    string
	States   map[string]*StateDescriptor
}

func (t *Table) State(name string) (*StateDescriptor, error) {
	s, ok := t.States[name]
	if !ok {
		return nil, fmt.Errorf("monitor: unknown state %q for type %q", name, t.TypeName)
	}
	return s, nil
}

type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingGoto
	pendingRaise
)

type pendingTransition struct {
	kind   pendingKind
	target string
	raised event.Event
}

// Monitor is one instance of a registered monitor type. register_monitor
// creates exactly one per type (idempotently, per spec.md §8's testable
// "register_monitor is idempotent per type"); invoke_monitor steps it.
type Monitor struct {
	typeName string
	table    *Table
	current  string

	onAssertFail func(msg string)

	pending *pendingTransition
	raised  []event.Event

	log *logctx.Logger
}

// New constructs a Monitor of the given compiled table. onAssertFail is
// called (by the runtime) when an action's Assert fails; monitors report
// failures the same way machines do, but have no machine id to attach so
// the runtime attaches the monitor's type name instead.
func New(table *Table, onAssertFail func(msg string)) *Monitor {
	return &Monitor{
		typeName:     table.TypeName,
		table:        table,
		current:      table.Start,
		onAssertFail: onAssertFail,
		log:          logctx.NewSubsystemLogger("MON"),
	}
}

// TypeName returns the monitor's registered type name.
func (m *Monitor) TypeName() string { return m.typeName }

// CurrentState returns the monitor's current state name.
func (m *Monitor) CurrentState() string { return m.current }

// CurrentTemperature returns the temperature of the monitor's current
// state, used by the controlled scheduler's liveness checks.
func (m *Monitor) CurrentTemperature() Temperature {
	s, err := m.table.State(m.current)
	if err != nil {
		return Neutral
	}
	return s.Temperature
}

// Activate runs the start state's entry action.
func (m *Monitor) Activate() error {
	s, err := m.table.State(m.current)
	if err != nil {
		return err
	}
	return m.runEntry(s, event.Event{})
}

// ---- monitor.Handle ----

func (m *Monitor) Goto(target string) error {
	m.pending = &pendingTransition{kind: pendingGoto, target: target}
	return nil
}

func (m *Monitor) Raise(ev event.Event) { m.raised = append(m.raised, ev) }

func (m *Monitor) Assert(cond bool, msg string) {
	if !cond && m.onAssertFail != nil {
		m.onAssertFail(msg)
	}
}

// ---- stepping ----

// Step synchronously delivers ev to the monitor, mirroring machine's
// loop_raise: run the handler, apply any pending goto, then drain any
// raised follow-up events before returning. Unlike a machine, there is no
// inbox to fall back to — a monitor with no handler for ev simply ignores
// it (spec.md §4.3 declares no default/ignored/deferred machinery for
// monitors; an unmatched event is a silent no-op by design).
func (m *Monitor) Step(ev event.Event) error {
	for {
		s, err := m.table.State(m.current)
		if err != nil {
			return err
		}
		h := s.Lookup(ev.Kind)
		if h.Kind == HandlerNotFound {
			return nil
		}

		m.pending = nil
		if err := m.dispatch(h, ev); err != nil {
			return err
		}

		if len(m.raised) > 0 {
			ev = m.raised[0]
			m.raised = m.raised[1:]
			continue
		}
		return nil
	}
}

func (m *Monitor) dispatch(h Handler, ev event.Event) error {
	switch h.Kind {
	case HandlerDoAction:
		if err := m.runAction(h.Action, ev); err != nil {
			return err
		}
		return m.applyPending()
	case HandlerGotoWithAction:
		if err := m.runAction(h.Action, ev); err != nil {
			return err
		}
		return m.gotoState(h.Target)
	case HandlerGoto:
		return m.gotoState(h.Target)
	}
	return nil
}

func (m *Monitor) runAction(fn ActionFunc, ev event.Event) error {
	if fn == nil {
		return nil
	}
	return fn(m, ev)
}

func (m *Monitor) applyPending() error {
	p := m.pending
	if p == nil {
		return nil
	}
	switch p.kind {
	case pendingGoto:
		return m.gotoState(p.target)
	}
	return nil
}

func (m *Monitor) runEntry(s *StateDescriptor, ev event.Event) error {
	if s.OnEntry == nil {
		return nil
	}
	return s.OnEntry(m, ev)
}

func (m *Monitor) runExit(s *StateDescriptor, ev event.Event) error {
	if s.OnExit == nil {
		return nil
	}
	return s.OnExit(m, ev)
}

func (m *Monitor) gotoState(target string) error {
	cur, err := m.table.State(m.current)
	if err != nil {
		return err
	}
	prevTemp := cur.Temperature
	if err := m.runExit(cur, event.Event{}); err != nil {
		return err
	}
	next, err := m.table.State(target)
	if err != nil {
		return err
	}
	m.current = target
	if prevTemp == Hot && next.Temperature == Cold {
		m.log.Debugf("monitor %s discharged hot obligation: %s -> %s", m.typeName, cur.Name, next.Name)
	}
	return m.runEntry(next, event.Event{})
}

// AssertionFailureErr builds the taxonomy error for a failed monitor
// assertion, used by the runtime's onAssertFail callback.
func AssertionFailureErr(typeName, msg string) error {
	return errs.AssertionFailure(typeName, "%s", msg)
}
