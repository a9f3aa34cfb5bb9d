// Package production implements spec.md §4.4: the parallel backend where
// each handler run is dispatched onto the Go scheduler's own goroutine
// pool and per-machine serialization comes entirely from the inbox's
// EventHandlerRunning flag. Grounded on lnd/protofsm.StateMachine's
// driveMachine/applyEvents goroutine-per-machine loop and its
// ErrorReporter-on-uncaught-error convention (internal/htlcswitch-adjacent
// protofsm.go), adapted from a single generic state machine type to the
// registry-driven many-types-many-instances model this runtime needs.
package production

import (
	"math/rand"
	"sync"

	"github.com/latticefsm/latticefsm/internal/coverage"
	"github.com/latticefsm/latticefsm/internal/descriptor"
	"github.com/latticefsm/latticefsm/internal/errs"
	"github.com/latticefsm/latticefsm/internal/event"
	"github.com/latticefsm/latticefsm/internal/iface"
	"github.com/latticefsm/latticefsm/internal/inbox"
	"github.com/latticefsm/latticefsm/internal/logctx"
	"github.com/latticefsm/latticefsm/internal/machine"
	"github.com/latticefsm/latticefsm/internal/monitor"
	"github.com/latticefsm/latticefsm/internal/runtime"
)

// FailureHandler is invoked once per uncaught action error, mirroring the
// teacher's ErrorReporter callback. Spec.md §4.4: "An uncaught exception
// from any action halts the runtime, raises on_failure, and disposes
// resources" — here on_failure is this callback, and "halts the runtime"
// is left to the caller (it may choose to call Runtime.Shutdown from
// inside the callback).
type FailureHandler func(machineID event.MachineID, err error)

// Runtime is the production backend: goroutine-per-handler-run dispatch,
// a single runtime-scoped PRNG for non-deterministic choices (per spec.md
// §9's open-question resolution — NOT freshly seeded per call), and a
// WaitGroup so Shutdown can drain in-flight handler runs.
type Runtime struct {
	core *runtime.Core

	rngMu sync.Mutex
	rng   *rand.Rand

	sendStep runtime.SendStepCounter

	onFailure FailureHandler
	wg        sync.WaitGroup

	cov *coverage.Reporter

	log *logctx.Logger
}

// New constructs a production runtime. seed pins the single runtime-scoped
// PRNG; onFailure may be nil (failures are merely logged then).
func New(seed int64, onFailure FailureHandler) *Runtime {
	return &Runtime{
		core:      runtime.NewCore(1),
		rng:       rand.New(rand.NewSource(seed)),
		onFailure: onFailure,
		log:       logctx.NewSubsystemLogger("PROD"),
	}
}

// EnableActivityCoverage wires a coverage.Reporter into every machine this
// runtime creates from this point on, per spec.md §6's
// report_activity_coverage option (SPEC_FULL.md §7).
func (r *Runtime) EnableActivityCoverage(rep *coverage.Reporter) { r.cov = rep }

// RegisterType compiles and installs a machine type's state table.
func (r *Runtime) RegisterType(table *descriptor.Table) error {
	return r.core.Descriptors.Register(table)
}

// RegisterMonitor installs a monitor instance for typeName, idempotently.
func (r *Runtime) RegisterMonitor(table *monitor.Table) error {
	if _, ok := r.core.Monitor(table.TypeName); ok {
		return nil
	}
	mon := monitor.New(table, func(msg string) {
		r.reportFailure(event.MachineID{TypeName: table.TypeName, Friendly: table.TypeName}, monitor.AssertionFailureErr(table.TypeName, msg))
	})
	if err := r.core.RegisterMonitorType(mon); err != nil {
		return err
	}
	return mon.Activate()
}

// InvokeMonitor synchronously steps the named monitor type with ev.
func (r *Runtime) InvokeMonitor(typeName string, ev event.Event) {
	mon, ok := r.core.Monitor(typeName)
	if !ok {
		r.log.Warnf("invoke_monitor: unregistered type %q", typeName)
		return
	}
	if err := mon.Step(ev); err != nil {
		r.reportFailure(event.MachineID{TypeName: typeName, Friendly: typeName}, err)
	}
}

// CreateMachine allocates an id, binds a new machine instance, runs its
// start state's entry action, and (if init is non-nil) enqueues it —
// spawning a handler-run goroutine since a freshly bound machine is never
// already running.
func (r *Runtime) CreateMachine(typeName string, init *event.Event, opGroupID string) (event.MachineID, error) {
	return r.createMachine(typeName, init, opGroupID, false)
}

// CreateMachineAndExecute is the synchronous-drain variant: it runs the
// start entry and the init event's handler (if any) to quiescence in the
// caller's own goroutine before returning.
func (r *Runtime) CreateMachineAndExecute(typeName string, init *event.Event, opGroupID string) (event.MachineID, error) {
	return r.createMachine(typeName, init, opGroupID, true)
}

// CreateMachineID mints a fresh, unbound id for typeName without
// constructing a machine yet — spec.md §6's two-phase
// create_machine_id/bind pair, for callers that need to hand the id to
// another machine (e.g. as a constructor payload) before the bound
// machine exists.
func (r *Runtime) CreateMachineID(typeName, friendly string) event.MachineID {
	return r.core.NewMachineID(typeName, friendly, "")
}

// Bind attaches a previously minted id to a freshly constructed machine of
// typeName, running its start state's entry action with no init event (a
// separate Send delivers the first real event, if any). Binding to a type
// other than the one the id was minted for is an EventTypeMismatch;
// binding an id that is already bound is a DuplicateMachineId.
func (r *Runtime) Bind(id event.MachineID, typeName string) error {
	if id.TypeName != typeName {
		return errs.EventTypeMismatch(id.String(), "id minted for type %q, bind called with %q", id.TypeName, typeName)
	}
	table, err := r.core.Descriptors.Get(typeName)
	if err != nil {
		return err
	}
	ib := inbox.New()
	m := machine.New(id, table, ib, r)
	if r.cov != nil {
		m.SetCoverageReporter(r.cov)
	}
	if err := r.core.Bind(id, m, ib); err != nil {
		return err
	}
	return m.Activate(nil)
}

func (r *Runtime) createMachine(typeName string, init *event.Event, opGroupID string, synchronous bool) (event.MachineID, error) {
	table, err := r.core.Descriptors.Get(typeName)
	if err != nil {
		return event.MachineID{}, err
	}
	id := r.core.NewMachineID(typeName, "", "")
	ib := inbox.New()
	m := machine.New(id, table, ib, r)
	if r.cov != nil {
		m.SetCoverageReporter(r.cov)
	}
	if err := r.core.Bind(id, m, ib); err != nil {
		return event.MachineID{}, err
	}

	var carrier event.Event
	if init != nil {
		carrier = *init
		if opGroupID != "" {
			carrier.OperationGroupID = opGroupID
		}
	}
	if err := m.Activate(&carrier); err != nil {
		return id, err
	}

	if init == nil {
		return id, nil
	}

	poll := ib.Enqueue(carrier)
	if poll == inbox.EventHandlerNotRunning {
		if synchronous {
			r.runHandlerLoop(m)
		} else {
			r.spawn(m)
		}
	}
	return id, nil
}

func (r *Runtime) spawn(m *machine.Machine) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runHandlerLoop(m)
	}()
}

func (r *Runtime) runHandlerLoop(m *machine.Machine) {
	if err := m.RunUntilIdleOrHalted(); err != nil {
		r.reportFailure(m.ID(), err)
	}
}

// Send enqueues ev for target, stamping sender metadata, and spawns a
// handler-run goroutine if the target was idle. Sending to an unbound or
// already-halted machine logs target_halted=true; a must-handle send in
// that case is an AssertionFailure (spec.md §8's boundary behavior).
func (r *Runtime) Send(from event.MachineID, target event.MachineID, ev event.Event, opts iface.SendOptions) error {
	return r.send(from, target, ev, opts)
}

// SendAndExecute enqueues ev and, if the target was idle, drains its
// handler loop synchronously in the caller's goroutine, returning true.
// If the target was already running (another goroutine owns its loop),
// it returns false: the event was only enqueued.
func (r *Runtime) SendAndExecute(from event.MachineID, target event.MachineID, ev event.Event, opts iface.SendOptions) (bool, error) {
	return r.sendAndReport(from, target, ev, opts)
}

func (r *Runtime) sendAndReport(from event.MachineID, target event.MachineID, ev event.Event, opts iface.SendOptions) (bool, error) {
	entry, ok := r.core.Lookup(target)
	if !ok {
		r.log.Debugf("send: target_halted=true target=%s", target)
		if opts.MustHandle {
			return false, errs.AssertionFailure(target.String(), "must-handle send to halted/unbound machine")
		}
		return false, nil
	}

	stamped := r.stampFor(from, ev, opts)
	poll := entry.Inbox.Enqueue(stamped)
	if poll != inbox.EventHandlerNotRunning {
		return false, nil
	}
	r.runHandlerLoop(entry.Machine)
	return true, nil
}

func (r *Runtime) send(from event.MachineID, target event.MachineID, ev event.Event, opts iface.SendOptions) error {
	entry, ok := r.core.Lookup(target)
	if !ok {
		r.log.Debugf("send: target_halted=true target=%s", target)
		if opts.MustHandle {
			return errs.AssertionFailure(target.String(), "must-handle send to halted/unbound machine")
		}
		return nil
	}

	stamped := r.stampFor(from, ev, opts)
	poll := entry.Inbox.Enqueue(stamped)
	if poll == inbox.EventHandlerNotRunning {
		r.spawn(entry.Machine)
	}
	return nil
}

func (r *Runtime) stampFor(from event.MachineID, ev event.Event, opts iface.SendOptions) event.Event {
	senderState := ""
	if fromEntry, ok := r.core.Lookup(from); ok {
		senderState = fromEntry.Machine.CurrentState()
	}
	id := from
	return runtime.StampEvent(ev, &id, senderState, opts, r.sendStep.Next())
}

// Assert reports an AssertionFailure via the failure handler when cond is
// false, per spec.md §7: "under production bubbles up via on_failure".
func (r *Runtime) Assert(cond bool, msg string, machineID event.MachineID) {
	if cond {
		return
	}
	r.reportFailure(machineID, errs.AssertionFailure(machineID.String(), "%s", msg))
}

// Random/RandomInt draw from the single runtime-scoped PRNG.
func (r *Runtime) Random(machineID event.MachineID, max int) bool {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	if max <= 0 {
		return r.rng.Intn(2) == 0
	}
	return r.rng.Intn(max) == 0
}

func (r *Runtime) RandomInt(machineID event.MachineID, max int) int {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	if max <= 0 {
		return 0
	}
	return r.rng.Intn(max)
}

// ScheduleDequeue/ScheduleReceive are no-ops in production: the only real
// suspension point is the blocking channel receive inside Machine.Receive
// itself (spec.md §5: "Production: the runner suspends only at await
// receive(...)").
func (r *Runtime) ScheduleDequeue(machineID event.MachineID) error { return nil }
func (r *Runtime) ScheduleReceive(machineID event.MachineID) error { return nil }

// ReportFailure routes an uncaught action/assertion error to the failure
// handler.
func (r *Runtime) ReportFailure(machineID event.MachineID, err error) { r.reportFailure(machineID, err) }

func (r *Runtime) reportFailure(machineID event.MachineID, err error) {
	r.log.Errorf("machine %s: %v", machineID, err)
	if r.onFailure != nil {
		r.onFailure(machineID, err)
	}
}

// CurrentState returns the name of the state id is currently in.
func (r *Runtime) CurrentState(id event.MachineID) (string, error) {
	entry, ok := r.core.Lookup(id)
	if !ok {
		return "", errs.AssertionFailure(id.String(), "current_state: unbound machine")
	}
	return entry.Machine.CurrentState(), nil
}

// CurrentOperationGroupID returns the operation-group id the named machine
// is currently running under, per spec.md §4.6's
// get_current_operation_group_id.
func (r *Runtime) CurrentOperationGroupID(id event.MachineID) (string, error) {
	entry, ok := r.core.Lookup(id)
	if !ok {
		return "", errs.AssertionFailure(id.String(), "get_current_operation_group_id: unbound machine")
	}
	return entry.Machine.CurrentOperationGroupID(), nil
}

// ReportHalt unbinds machineID from the live map.
func (r *Runtime) ReportHalt(machineID event.MachineID) {
	r.core.Unbind(machineID)
	r.log.Debugf("machine %s halted, removed from live map", machineID)
}

// Shutdown blocks until all spawned handler-run goroutines have finished.
func (r *Runtime) Shutdown() { r.wg.Wait() }
