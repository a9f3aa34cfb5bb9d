// Package machine implements spec.md §4.2's Machine core: the state
// stack, transition primitives (goto/push/pop/raise), the handler-run
// loop, and blocking receive. It is grounded on two teacher shapes: the
// single-goroutine-per-instance event loop of
// comalice/statechartx's internal/core.Machine (Start/Stop/interpret, a
// functional-options constructor), and lnd/protofsm.StateMachine's
// applyEvents loop, which already has the right shape for "process one
// event, then drain any events it raises before looking at the inbox
// again" — the same discipline spec.md's loop_raise label describes.
package machine

import (
	"fmt"

	"github.com/latticefsm/latticefsm/internal/descriptor"
	"github.com/latticefsm/latticefsm/internal/errs"
	"github.com/latticefsm/latticefsm/internal/event"
	"github.com/latticefsm/latticefsm/internal/iface"
	"github.com/latticefsm/latticefsm/internal/inbox"
	"github.com/latticefsm/latticefsm/internal/logctx"
)

// RuntimeLink is the capability a Machine needs from whatever runtime
// backend owns it. Production and controlled backends each implement it
// differently (fire-and-forget goroutine dispatch vs. scheduler-gated
// single-runner dispatch); the Machine itself is backend-agnostic, per
// spec.md §9's "two concrete implementations of a Runtime capability
// trait".
type RuntimeLink interface {
	Send(from event.MachineID, target event.MachineID, ev event.Event, opts iface.SendOptions) error
	SendAndExecute(from event.MachineID, target event.MachineID, ev event.Event, opts iface.SendOptions) (bool, error)
	CreateMachine(typeName string, init *event.Event, opGroupID string) (event.MachineID, error)
	InvokeMonitor(typeName string, ev event.Event)
	Assert(cond bool, msg string, machineID event.MachineID)
	Random(machineID event.MachineID, max int) bool
	RandomInt(machineID event.MachineID, max int) int
	ReportFailure(machineID event.MachineID, err error)
	ReportHalt(machineID event.MachineID)

	// ScheduleDequeue/ScheduleReceive are scheduling points: no-ops under
	// the production backend, real serialization points under the
	// controlled backend (spec.md §4.5's "before each dequeue/receive").
	// An error (always ExecutionCanceled under the controlled backend)
	// must be propagated by the caller, never treated as a user error.
	ScheduleDequeue(machineID event.MachineID) error
	ScheduleReceive(machineID event.MachineID) error
}

type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingGoto
	pendingPush
	pendingPop
	pendingRaise
)

type pendingTransition struct {
	kind    pendingKind
	target  string
	carrier *event.Event
	raised  event.Event
}

// Machine is one running instance of a declared machine type. Exactly one
// goroutine drives its handler loop at a time; this is enforced not by a
// mutex inside Machine (there is deliberately none on the hot path) but by
// the inbox's running flag and the backend's dispatch discipline: only the
// sender that flips EventHandlerNotRunning to Running schedules a runner.
type Machine struct {
	id      event.MachineID
	table   *descriptor.Table
	inbox   *inbox.Inbox
	runtime RuntimeLink
	ext     *ExtState
	log     *logctx.Logger
	cov     CoverageSink

	stack []string

	opGroupID        string
	pc                uint64
	halted            bool
	waitingToReceive  bool
	insideOnExit      bool
	calledTransition  bool
	calledTransOnExit bool // transition attempted while inside on-exit, for error context only

	pending *pendingTransition
	raised  []event.Event
}

// New constructs a Machine bound to id, with table as its compiled state
// descriptor and inbox as its (already allocated) mailbox.
func New(id event.MachineID, table *descriptor.Table, ib *inbox.Inbox, runtime RuntimeLink) *Machine {
	return &Machine{
		id:      id,
		table:   table,
		inbox:   ib,
		runtime: runtime,
		ext:     NewExtState(),
		log:     logctx.NewSubsystemLogger("MACH"),
	}
}

// CoverageSink is the activity-coverage recording capability a backend may
// attach to a Machine; nil by default (no-op) so coverage stays off unless
// a backend's report_activity_coverage option wires a real reporter in.
type CoverageSink interface {
	RecordStateEntry(typeName, state string)
	RecordTransition(typeName string, kind event.Kind)
}

// SetCoverageReporter attaches a coverage sink; pass nil to disable.
func (m *Machine) SetCoverageReporter(cov CoverageSink) { m.cov = cov }

// ID returns the machine's identity.
func (m *Machine) ID() event.MachineID { return m.id }

// Inbox exposes the machine's mailbox to its owning backend (for
// Enqueue/TryDequeue by the scheduler's dispatch code).
func (m *Machine) Inbox() *inbox.Inbox { return m.inbox }

// IsHalted reports whether the machine has halted.
func (m *Machine) IsHalted() bool { return m.halted }

// IsWaitingToReceive reports whether the machine is currently blocked in a
// receive() call — used by the controlled scheduler's enabled-set
// computation.
func (m *Machine) IsWaitingToReceive() bool { return m.waitingToReceive }

// CurrentState returns the name of the top of the state stack.
func (m *Machine) CurrentState() string {
	if len(m.stack) == 0 {
		return ""
	}
	return m.stack[len(m.stack)-1]
}

// ProgramCounter returns the fairness counter (number of events handled).
func (m *Machine) ProgramCounter() uint64 { return m.pc }

// Activate pushes the declared start state and runs its entry action. It
// must be called exactly once, before the machine's handler loop is ever
// scheduled.
func (m *Machine) Activate(initEvent *event.Event) error {
	m.stack = []string{m.table.Start}
	s, err := m.table.State(m.table.Start)
	if err != nil {
		return err
	}
	var carrier event.Event
	if initEvent != nil {
		carrier = *initEvent
		m.opGroupID = initEvent.OperationGroupID
	}
	return m.runEntry(s, carrier)
}

// ---- iface.Handle ----

func (m *Machine) State() iface.ExtState { return m.ext }

func (m *Machine) beginTransition() error {
	if m.insideOnExit {
		return errs.TransitionMisuse(m.id.String(), "transition statement invoked from inside an on-exit handler")
	}
	if m.calledTransition {
		return errs.TransitionMisuse(m.id.String(), "more than one transition statement fired in a single action")
	}
	m.calledTransition = true
	return nil
}

func (m *Machine) Goto(target string, carrier ...event.Event) error {
	if err := m.beginTransition(); err != nil {
		return err
	}
	var c *event.Event
	if len(carrier) > 0 {
		cc := carrier[0]
		c = &cc
	}
	m.pending = &pendingTransition{kind: pendingGoto, target: target, carrier: c}
	return nil
}

func (m *Machine) Push(target string) error {
	if err := m.beginTransition(); err != nil {
		return err
	}
	m.pending = &pendingTransition{kind: pendingPush, target: target}
	return nil
}

func (m *Machine) Pop() error {
	if err := m.beginTransition(); err != nil {
		return err
	}
	if len(m.stack) <= 1 {
		return errs.TransitionMisuse(m.id.String(), "pop from a one-deep state stack")
	}
	m.pending = &pendingTransition{kind: pendingPop}
	return nil
}

func (m *Machine) Raise(ev event.Event) error {
	if err := m.beginTransition(); err != nil {
		return err
	}
	m.pending = &pendingTransition{kind: pendingRaise, raised: ev}
	return nil
}

func (m *Machine) Send(target event.MachineID, ev event.Event, opts iface.SendOptions) error {
	if opts.OperationGroupID == "" {
		opts.OperationGroupID = m.opGroupID
	}
	return m.runtime.Send(m.id, target, ev, opts)
}

func (m *Machine) SendAndExecute(target event.MachineID, ev event.Event, opts iface.SendOptions) (bool, error) {
	if opts.OperationGroupID == "" {
		opts.OperationGroupID = m.opGroupID
	}
	return m.runtime.SendAndExecute(m.id, target, ev, opts)
}

func (m *Machine) Receive(kinds ...event.Kind) (event.Event, error) {
	if err := m.runtime.ScheduleReceive(m.id); err != nil {
		return event.Event{}, err
	}
	m.waitingToReceive = true
	ch := m.inbox.MarkWaitingFor(kinds...)
	ev := <-ch
	m.waitingToReceive = false
	m.opGroupID = ev.OperationGroupID
	return ev, nil
}

func (m *Machine) CreateMachine(typeName string, init *event.Event, opGroupID string) (event.MachineID, error) {
	if opGroupID == "" {
		opGroupID = m.opGroupID
	}
	return m.runtime.CreateMachine(typeName, init, opGroupID)
}

func (m *Machine) InvokeMonitor(typeName string, ev event.Event) { m.runtime.InvokeMonitor(typeName, ev) }

func (m *Machine) Assert(cond bool, msg string) { m.runtime.Assert(cond, msg, m.id) }

func (m *Machine) Random(max int) bool     { return m.runtime.Random(m.id, max) }
func (m *Machine) RandomInt(max int) int   { return m.runtime.RandomInt(m.id, max) }
func (m *Machine) CurrentOperationGroupID() string { return m.opGroupID }

// ---- handler-run loop ----

func (m *Machine) currentDescriptor() (*descriptor.StateDescriptor, error) {
	if len(m.stack) == 0 {
		return nil, fmt.Errorf("machine %s: empty state stack", m.id)
	}
	return m.table.State(m.stack[len(m.stack)-1])
}

// TopDescriptor exposes the current state's compiled descriptor, used by
// the controlled scheduler's enabled-set computation and fingerprinting.
func (m *Machine) TopDescriptor() (*descriptor.StateDescriptor, error) {
	return m.currentDescriptor()
}

// TypeName returns the machine's declared type name.
func (m *Machine) TypeName() string { return m.table.TypeName }

// RunUntilIdleOrHalted drives the handler loop: dequeues and dispatches
// events until the inbox has nothing left to offer (idle) or the machine
// halts. It is called by a production backend's spawned goroutine, or
// directly (synchronously) by a controlled backend's single-runner task.
func (m *Machine) RunUntilIdleOrHalted() error {
	for {
		if m.halted {
			return nil
		}

		if err := m.runtime.ScheduleDequeue(m.id); err != nil {
			return err
		}

		top, err := m.currentDescriptor()
		if err != nil {
			return err
		}
		out := m.inbox.TryDequeue(top, false)

		var ev event.Event
		switch out.Kind {
		case inbox.DequeueEmpty:
			if m.inbox.FinishRun(top) {
				return nil
			}
			continue
		case inbox.DequeueEvent, inbox.DequeueDefaultCandidate:
			ev = out.Event
		}

		m.opGroupID = ev.OperationGroupID
		m.pc++

		if err := m.processEvent(ev); err != nil {
			return err
		}
		if m.halted {
			return nil
		}
	}
}

// processEvent runs the loop_raise sub-loop of spec.md §4.2's pseudocode:
// dispatch the handler for ev, and if the handler raised a new event,
// dispatch that before returning to the inbox.
func (m *Machine) processEvent(ev event.Event) error {
	for {
		if ev.Kind == event.Halt {
			return m.halt()
		}

		top, err := m.currentDescriptor()
		if err != nil {
			return err
		}
		handler := top.Lookup(ev.Kind)

		m.calledTransition = false
		m.pending = nil

		if m.log.DebugEnabled() {
			m.log.Debugf("machine %s dispatching %s in state %s: %v", m.id, ev.Kind, top.Name, logctx.Dump(ev.Payload))
		}
		if m.cov != nil {
			m.cov.RecordTransition(m.table.TypeName, ev.Kind)
		}
		if err := m.dispatch(handler, ev); err != nil {
			return err
		}
		if m.halted {
			return nil
		}

		if len(m.raised) > 0 {
			ev = m.raised[0]
			m.raised = m.raised[1:]
			continue
		}
		return nil
	}
}

func (m *Machine) dispatch(h descriptor.Handler, ev event.Event) error {
	switch h.Kind {
	case descriptor.HandlerDoAction:
		if err := m.runAction(h.Action, ev); err != nil {
			return err
		}
		return m.applyPending()
	case descriptor.HandlerGotoWithAction:
		if err := m.runAction(h.Action, ev); err != nil {
			return err
		}
		return m.gotoState(h.Target, nil)
	case descriptor.HandlerGoto:
		return m.gotoState(h.Target, nil)
	case descriptor.HandlerPush:
		return m.pushState(h.Target)
	case descriptor.HandlerPop:
		return m.popState()
	default:
		return m.popUntilHandledOrFail(ev)
	}
}

func (m *Machine) runAction(fn descriptor.ActionFunc, ev event.Event) error {
	if fn == nil {
		return nil
	}
	return fn(m, ev)
}

// applyPending executes whatever the do-action's Handle calls recorded.
func (m *Machine) applyPending() error {
	p := m.pending
	if p == nil {
		return nil
	}
	switch p.kind {
	case pendingGoto:
		return m.gotoState(p.target, p.carrier)
	case pendingPush:
		return m.pushState(p.target)
	case pendingPop:
		return m.popState()
	case pendingRaise:
		m.raised = append(m.raised, p.raised)
		return nil
	}
	return nil
}

func (m *Machine) runEntry(s *descriptor.StateDescriptor, carrier event.Event) error {
	if m.cov != nil {
		m.cov.RecordStateEntry(m.table.TypeName, s.Name)
	}
	if s.OnEntry == nil {
		return nil
	}
	return s.OnEntry(m, carrier)
}

func (m *Machine) runExit(s *descriptor.StateDescriptor, ev event.Event) error {
	if s.OnExit == nil {
		return nil
	}
	m.insideOnExit = true
	defer func() { m.insideOnExit = false }()
	return s.OnExit(m, ev)
}

func (m *Machine) gotoState(target string, carrier *event.Event) error {
	cur, err := m.currentDescriptor()
	if err != nil {
		return err
	}
	if err := m.runExit(cur, event.Event{}); err != nil {
		return err
	}
	next, err := m.table.State(target)
	if err != nil {
		return err
	}
	m.stack[len(m.stack)-1] = target

	var carrierEv event.Event
	if carrier != nil {
		carrierEv = *carrier
	}
	return m.runEntry(next, carrierEv)
}

func (m *Machine) pushState(target string) error {
	next, err := m.table.State(target)
	if err != nil {
		return err
	}
	m.stack = append(m.stack, target)
	return m.runEntry(next, event.Event{})
}

func (m *Machine) popState() error {
	if len(m.stack) <= 1 {
		return errs.TransitionMisuse(m.id.String(), "pop from a one-deep state stack")
	}
	cur, err := m.currentDescriptor()
	if err != nil {
		return err
	}
	if err := m.runExit(cur, event.Event{}); err != nil {
		return err
	}
	m.stack = m.stack[:len(m.stack)-1]
	return nil
}

// popUntilHandledOrFail implements spec.md's pop_until_handled_or_fail:
// when the top state has no handler for ev, pop the stack (running each
// state's on_exit) looking for an ancestor that does. Exhausting the
// stack is an UnhandledEvent.
func (m *Machine) popUntilHandledOrFail(ev event.Event) error {
	for {
		if len(m.stack) <= 1 {
			return errs.UnhandledEvent(m.id.String(), "no handler for event %q after exhausting the state stack", ev.Kind)
		}
		cur, err := m.currentDescriptor()
		if err != nil {
			return err
		}
		if err := m.runExit(cur, ev); err != nil {
			return err
		}
		m.stack = m.stack[:len(m.stack)-1]

		next, err := m.currentDescriptor()
		if err != nil {
			return err
		}
		h := next.Lookup(ev.Kind)
		if h.Kind != descriptor.HandlerNotFound {
			m.calledTransition = false
			m.pending = nil
			return m.dispatch(h, ev)
		}
	}
}

// halt implements spec.md §4.2's Halt path: assert no must-handle event
// remains queued, mark the machine halted, and notify the runtime so it
// can unregister the machine from its map.
func (m *Machine) halt() error {
	if kind, ok := m.inbox.MustHandlePending(); ok {
		err := errs.MustHandleViolation(m.id.String(), "machine halted with must-handle event %q still enqueued", kind)
		m.halted = true
		return err
	}
	m.halted = true
	m.runtime.ReportHalt(m.id)
	m.log.Debugf("machine %s halted", m.id)
	return nil
}
