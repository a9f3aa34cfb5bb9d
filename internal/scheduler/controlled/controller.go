package controlled

import (
	"fmt"
	"sort"
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

// Config mirrors the scheduling options of spec.md §6's table.
type Config struct {
	MaxSteps                int
	CacheProgramState       bool
	CycleDetection          bool
	LivenessChecking        bool
	MustHandleByDefault     bool
	ReportActivityCoverage  bool
}

type taskEntry struct {
	id        event.MachineID
	m         *machine.Machine
	ib        *inbox.Inbox
	sem       chan struct{}
	started   bool
	halted    bool
	initEvent *event.Event
}

// iterState is the mutable state of a single iteration, discarded and
// rebuilt at the start of each one so that machine ids never alias
// across iterations (the allocator's generation field is bumped too).
type iterState struct {
	mu       sync.Mutex
	tasks    map[event.MachineID]*taskEntry
	monitors map[string]*monitor.Monitor
	alloc    *event.Allocator
	sendStep runtime.SendStepCounter
	trace    *ScheduleTrace
	cycles   *cycleDetector

	stepIndex int
	active    event.MachineID
	hasActive bool

	once    sync.Once
	doneCh  chan struct{}
	verdict Verdict
	err     error
}

func newIterState(generation uint64, maxSteps int) *iterState {
	return &iterState{
		tasks:    make(map[event.MachineID]*taskEntry),
		monitors: make(map[string]*monitor.Monitor),
		alloc:    event.NewAllocator(generation),
		trace:    &ScheduleTrace{},
		cycles:   newCycleDetector(maxSteps),
		doneCh:   make(chan struct{}),
	}
}

func (s *iterState) getTask(id event.MachineID) *taskEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id]
}

func (s *iterState) setActive(id event.MachineID) {
	s.mu.Lock()
	s.active, s.hasActive = id, true
	s.mu.Unlock()
}

func (s *iterState) markHalted(id event.MachineID) {
	s.mu.Lock()
	if te, ok := s.tasks[id]; ok {
		te.halted = true
	}
	s.mu.Unlock()
}

func (s *iterState) markStarted(id event.MachineID) {
	s.mu.Lock()
	if te, ok := s.tasks[id]; ok {
		te.started = true
	}
	s.mu.Unlock()
}

// Controller is the controlled backend: descriptor/monitor tables are
// shared across iterations (compiled once), everything else resets per
// iteration.
type Controller struct {
	descriptors   *descriptor.Registry
	monitorTables map[string]*monitor.Table

	cfg      Config
	strategy Strategy

	generation uint64
	cur        *iterState

	cov *coverage.Reporter

	log *logctx.Logger
}

// New constructs a controller with the given strategy and scheduling
// configuration. When cfg.ReportActivityCoverage is set, a coverage.Reporter
// is created and wired into every machine created across every iteration;
// retrieve it with Coverage().
func New(cfg Config, strategy Strategy) *Controller {
	c := &Controller{
		descriptors:   descriptor.NewRegistry(),
		monitorTables: make(map[string]*monitor.Table),
		cfg:           cfg,
		strategy:      strategy,
		log:           logctx.NewSubsystemLogger("CTRL"),
	}
	if cfg.ReportActivityCoverage {
		c.cov = coverage.NewReporter()
	}
	return c
}

// Coverage returns the controller's activity-coverage reporter, or nil if
// report_activity_coverage was not set.
func (c *Controller) Coverage() *coverage.Reporter { return c.cov }

// RegisterType compiles a machine type's table once, shared across every
// iteration the controller runs.
func (c *Controller) RegisterType(table *descriptor.Table) error {
	return c.descriptors.Register(table)
}

// RegisterMonitorType records a monitor type's compiled table; a fresh
// monitor.Monitor instance is created per iteration from it.
func (c *Controller) RegisterMonitorType(table *monitor.Table) error {
	if existing, ok := c.monitorTables[table.TypeName]; ok && existing != table {
		return fmt.Errorf("controlled: monitor type %q already registered", table.TypeName)
	}
	c.monitorTables[table.TypeName] = table
	return nil
}

// RunIterations runs iterations until the strategy's PrepareForNextIteration
// reports exhaustion. setup is called once per iteration (with no task yet
// active) to create the initial machine(s) and register monitor instances.
func (c *Controller) RunIterations(setup func(*Controller) error) []*IterationResult {
	var results []*IterationResult
	for {
		c.generation++
		c.cur = newIterState(c.generation, c.cfg.MaxSteps)
		for typeName, table := range c.monitorTables {
			mon := monitor.New(table, c.monitorAssertFailHandler(typeName))
			c.cur.monitors[typeName] = mon
			if err := mon.Activate(); err != nil {
				c.cur.err = err
			}
		}

		if err := setup(c); err != nil {
			results = append(results, &IterationResult{Verdict: VerdictBug, Err: err, Trace: c.cur.trace})
		} else {
			results = append(results, c.kickoff())
		}

		if !c.strategy.PrepareForNextIteration() {
			break
		}
	}
	return results
}

func (c *Controller) monitorAssertFailHandler(typeName string) func(string) {
	return func(msg string) {
		c.concludeAssertionFailure(monitor.AssertionFailureErr(typeName, msg))
	}
}

func (c *Controller) kickoff() *IterationResult {
	c.cur.mu.Lock()
	enabled := c.computeEnabledOpsLocked()
	if len(enabled) == 0 {
		c.cur.mu.Unlock()
		c.concludeNormal()
		return c.buildResult()
	}
	next, ok := c.strategy.NextOperation(enabled, event.MachineID{})
	if !ok {
		c.cur.mu.Unlock()
		c.concludeNormal()
		return c.buildResult()
	}
	c.cur.trace.Append(TraceEntry{DecisionKind: next.Kind, ChosenID: next.ID, StepIndex: 0})
	c.cur.mu.Unlock()

	target := c.cur.getTask(next.ID)
	if target == nil {
		c.concludeNormal()
		return c.buildResult()
	}
	target.sem <- struct{}{}
	<-c.cur.doneCh
	return c.buildResult()
}

func (c *Controller) buildResult() *IterationResult {
	return &IterationResult{Verdict: c.cur.verdict, Err: c.cur.err, Trace: c.cur.trace, Steps: c.cur.stepIndex}
}

// CreateMachine allocates and binds a new machine, spawning its task
// goroutine (parked on its own semaphore) and, if a task is currently
// active, routing the creation through a checkpoint so the new task joins
// the enabled set the strategy considers next (spec.md: "Creation is
// observed before the first inbound event of the created machine").
func (c *Controller) CreateMachine(typeName string, init *event.Event, opGroupID string) (event.MachineID, error) {
	table, err := c.descriptors.Get(typeName)
	if err != nil {
		return event.MachineID{}, err
	}
	id := c.cur.alloc.New(typeName, "", "")
	ib := inbox.New()
	m := machine.New(id, table, ib, c)
	if c.cov != nil {
		m.SetCoverageReporter(c.cov)
	}

	te := &taskEntry{id: id, m: m, ib: ib, sem: make(chan struct{}, 1)}
	if init != nil {
		ev := *init
		if opGroupID != "" {
			ev.OperationGroupID = opGroupID
		}
		te.initEvent = &ev
	}

	c.cur.mu.Lock()
	c.cur.tasks[id] = te
	hasActive, active := c.cur.hasActive, c.cur.active
	c.cur.mu.Unlock()

	go c.taskLoop(te)

	if hasActive {
		if err := c.checkpoint(active); err != nil {
			return id, err
		}
	}
	return id, nil
}

// CreateMachineID mints a fresh, unbound id for typeName within the
// current iteration — spec.md §6's two-phase create_machine_id/bind pair.
func (c *Controller) CreateMachineID(typeName, friendly string) event.MachineID {
	return c.cur.alloc.New(typeName, friendly, "")
}

// Bind attaches a previously minted id to a freshly constructed machine,
// spawning its task goroutine and, if a task is currently active, routing
// the bind through a checkpoint exactly as CreateMachine does. Binding to
// a type other than the one the id was minted for is an
// EventTypeMismatch; binding an id already present in this iteration's
// task table is a DuplicateMachineId.
func (c *Controller) Bind(id event.MachineID, typeName string) error {
	if id.TypeName != typeName {
		return errs.EventTypeMismatch(id.String(), "id minted for type %q, bind called with %q", id.TypeName, typeName)
	}
	table, err := c.descriptors.Get(typeName)
	if err != nil {
		return err
	}

	c.cur.mu.Lock()
	if _, exists := c.cur.tasks[id]; exists {
		c.cur.mu.Unlock()
		return errs.DuplicateMachineID(id.String(), "machine id already bound")
	}
	c.cur.mu.Unlock()

	ib := inbox.New()
	m := machine.New(id, table, ib, c)
	if c.cov != nil {
		m.SetCoverageReporter(c.cov)
	}
	te := &taskEntry{id: id, m: m, ib: ib, sem: make(chan struct{}, 1)}

	c.cur.mu.Lock()
	c.cur.tasks[id] = te
	hasActive, active := c.cur.hasActive, c.cur.active
	c.cur.mu.Unlock()

	go c.taskLoop(te)

	if hasActive {
		return c.checkpoint(active)
	}
	return nil
}

func (c *Controller) taskLoop(te *taskEntry) {
	<-te.sem
	c.cur.setActive(te.id)
	c.cur.markStarted(te.id)

	if err := te.m.Activate(te.initEvent); err != nil {
		c.onActionError(te.id, err)
		return
	}
	if te.initEvent != nil {
		te.ib.Enqueue(*te.initEvent)
	}
	c.runMachineLoop(te)
}

func (c *Controller) runMachineLoop(te *taskEntry) {
	for {
		err := te.m.RunUntilIdleOrHalted()
		if err != nil {
			if !errs.IsKind(err, errs.KindExecutionCanceled) {
				c.onActionError(te.id, err)
			}
			return
		}
		if te.m.IsHalted() {
			c.onHalt(te.id)
			_ = c.checkpoint(te.id)
			return
		}
		if err := c.checkpoint(te.id); err != nil {
			return
		}
	}
}

// checkpoint is spec.md §4.5's schedule(): record the step, compute the
// enabled set, detect deadlock/liveness/max-steps termination, ask the
// strategy who runs next, and hand off (or continue) accordingly. The
// trace records the strategy's chosen next operation, not callerID's own
// action — callerID only identifies whose turn it is to block/continue.
func (c *Controller) checkpoint(callerID event.MachineID) error {
	c.cur.mu.Lock()
	c.cur.stepIndex++
	step := c.cur.stepIndex
	if c.cfg.MaxSteps > 0 && step > c.cfg.MaxSteps {
		c.cur.mu.Unlock()
		c.concludeMaxSteps()
		return errs.ExecutionCanceled()
	}

	enabled := c.computeEnabledOpsLocked()

	if c.cfg.CacheProgramState || c.cfg.CycleDetection {
		fp, enabledHash, anyHot := c.computeFingerprintLocked(enabled)
		if c.cfg.CycleDetection && c.cur.cycles.observe(fp, enabledHash, anyHot) {
			c.cur.mu.Unlock()
			c.concludeLivenessBug("cycle detected with a monitor remaining hot across the repeat")
			return errs.ExecutionCanceled()
		}
	}

	if len(enabled) == 0 {
		anyHot := c.anyMonitorHotLocked()
		anyStuck := c.anyTaskStuckWaitingLocked()
		c.cur.mu.Unlock()
		switch {
		case anyHot && c.cfg.LivenessChecking:
			c.concludeLivenessBug("no operation enabled and a monitor remained hot")
		case anyStuck:
			c.concludeDeadlock()
		default:
			c.concludeNormal()
		}
		return errs.ExecutionCanceled()
	}

	next, ok := c.strategy.NextOperation(enabled, callerID)
	if !ok {
		c.cur.mu.Unlock()
		c.concludeNormal()
		return errs.ExecutionCanceled()
	}
	c.cur.trace.Append(TraceEntry{DecisionKind: next.Kind, ChosenID: next.ID, StepIndex: step})
	c.cur.mu.Unlock()

	if replay, isReplay := c.strategy.(*ReplayStrategy); isReplay && replay.Diverged {
		c.concludeDivergence(replay.DivergeAt)
		return errs.ExecutionCanceled()
	}

	if next.ID.Equal(callerID) {
		return nil
	}

	target := c.cur.getTask(next.ID)
	self := c.cur.getTask(callerID)
	if target == nil || self == nil {
		return nil
	}
	target.sem <- struct{}{}
	<-self.sem
	c.cur.setActive(callerID)
	return nil
}

func (c *Controller) computeEnabledOpsLocked() []Operation {
	var ops []Operation
	for id, te := range c.cur.tasks {
		if te.halted {
			continue
		}
		if !te.started {
			ops = append(ops, Operation{Kind: OpCreate, TargetKind: TargetSchedulable, ID: id})
			continue
		}
		if te.m.IsWaitingToReceive() {
			if te.ib.HasMatchingForWait() {
				ops = append(ops, Operation{Kind: OpReceive, TargetKind: TargetSchedulable, ID: id})
			}
			continue
		}
		top, err := te.m.TopDescriptor()
		if err != nil {
			continue
		}
		if te.ib.HasDispatchable(top) {
			ops = append(ops, Operation{Kind: OpSend, TargetKind: TargetSchedulable, ID: id})
		}
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].ID.Value < ops[j].ID.Value })
	return ops
}

func (c *Controller) computeFingerprintLocked(enabled []Operation) (Fingerprint, uint64, bool) {
	kindByID := make(map[event.MachineID]OperationKind, len(enabled))
	for _, op := range enabled {
		kindByID[op.ID] = op.Kind
	}

	var entries []fpEntry
	for id, te := range c.cur.tasks {
		if te.halted || !te.started {
			continue
		}
		stateName := ""
		if top, err := te.m.TopDescriptor(); err == nil {
			stateName = top.Name
		}
		nextKind := OpStop
		if k, ok := kindByID[id]; ok {
			nextKind = k
		}
		entries = append(entries, fpEntry{
			id:     id.String(),
			detail: fmt.Sprintf("%s/%d/%s", stateName, te.ib.Len(), nextKind),
		})
	}
	entries = append(entries, monitorFPEntries(c.monitorsSnapshotLocked())...)
	fp := computeFingerprint(entries)

	var enabledEntries []fpEntry
	for _, op := range enabled {
		enabledEntries = append(enabledEntries, fpEntry{id: op.ID.String(), detail: op.Kind.String()})
	}
	enabledHash := uint64(computeFingerprint(enabledEntries))

	return fp, enabledHash, c.anyMonitorHotLocked()
}

func (c *Controller) monitorsSnapshotLocked() []*monitor.Monitor {
	out := make([]*monitor.Monitor, 0, len(c.cur.monitors))
	for _, m := range c.cur.monitors {
		out = append(out, m)
	}
	return out
}

func (c *Controller) anyMonitorHotLocked() bool {
	for _, m := range c.cur.monitors {
		if m.CurrentTemperature() == monitor.Hot {
			return true
		}
	}
	return false
}

// anyTaskStuckWaitingLocked distinguishes a clean finish (every live task is
// simply idle, with nothing left to do) from a genuine deadlock (a live task
// is blocked in receive() with no matching event ever arriving, so it can
// never become enabled again).
func (c *Controller) anyTaskStuckWaitingLocked() bool {
	for _, te := range c.cur.tasks {
		if te.started && !te.halted && te.m.IsWaitingToReceive() {
			return true
		}
	}
	return false
}

func (c *Controller) onActionError(id event.MachineID, err error) {
	c.log.Errorf("machine %s: %v", id, err)
	c.cur.once.Do(func() {
		c.cur.verdict = VerdictBug
		c.cur.err = err
		close(c.cur.doneCh)
	})
}

func (c *Controller) onHalt(id event.MachineID) {
	c.cur.markHalted(id)
	c.log.Debugf("machine %s halted", id)
}

func (c *Controller) concludeNormal() {
	c.cur.once.Do(func() {
		c.cur.verdict = VerdictCompleted
		close(c.cur.doneCh)
	})
}

func (c *Controller) concludeDeadlock() {
	c.cur.once.Do(func() {
		c.cur.verdict = VerdictDeadlock
		close(c.cur.doneCh)
	})
}

func (c *Controller) concludeMaxSteps() {
	c.cur.once.Do(func() {
		c.cur.verdict = VerdictMaxStepsExceeded
		close(c.cur.doneCh)
	})
}

func (c *Controller) concludeAssertionFailure(err error) {
	c.cur.once.Do(func() {
		c.cur.verdict = VerdictBug
		c.cur.err = err
		close(c.cur.doneCh)
	})
}

func (c *Controller) concludeLivenessBug(msg string) {
	c.cur.once.Do(func() {
		c.cur.verdict = VerdictBug
		c.cur.err = errs.LivenessViolation("", "%s", msg)
		close(c.cur.doneCh)
	})
}

func (c *Controller) concludeDivergence(stepIdx int) {
	c.cur.once.Do(func() {
		c.cur.verdict = VerdictBug
		c.cur.err = errs.AssertionFailure("", "replay diverged at recorded step %d", stepIdx)
		close(c.cur.doneCh)
	})
}

// ---- machine.RuntimeLink ----

func (c *Controller) Send(from event.MachineID, target event.MachineID, ev event.Event, opts iface.SendOptions) error {
	te := c.cur.getTask(target)
	if te == nil || te.halted {
		c.log.Debugf("send: target_halted=true target=%s", target)
		if opts.MustHandle {
			return errs.AssertionFailure(target.String(), "must-handle send to halted/unbound machine")
		}
		return c.checkpoint(from)
	}

	senderState := ""
	if fromTask := c.cur.getTask(from); fromTask != nil {
		senderState = fromTask.m.CurrentState()
	}
	fromID := from
	stamped := runtime.StampEvent(ev, &fromID, senderState, opts, c.cur.sendStep.Next())
	te.ib.Enqueue(stamped)
	return c.checkpoint(from)
}

// SendAndExecute enqueues ev for target and routes the step through the
// same checkpoint handoff as Send, then reports whether target advanced
// (ran at least one action, or halted) by the time callerID is handed
// control back. Since the controlled backend only ever runs one task at a
// time, "executed synchronously" has no separate meaning from "the
// scheduler ran target before returning to the sender" — which is exactly
// what comparing target's program counter before and after the checkpoint
// tells us.
func (c *Controller) SendAndExecute(from event.MachineID, target event.MachineID, ev event.Event, opts iface.SendOptions) (bool, error) {
	te := c.cur.getTask(target)
	if te == nil || te.halted {
		c.log.Debugf("send_and_execute: target_halted=true target=%s", target)
		if opts.MustHandle {
			return false, errs.AssertionFailure(target.String(), "must-handle send to halted/unbound machine")
		}
		return false, c.checkpoint(from)
	}

	pcBefore := te.m.ProgramCounter()

	senderState := ""
	if fromTask := c.cur.getTask(from); fromTask != nil {
		senderState = fromTask.m.CurrentState()
	}
	fromID := from
	stamped := runtime.StampEvent(ev, &fromID, senderState, opts, c.cur.sendStep.Next())
	te.ib.Enqueue(stamped)

	if err := c.checkpoint(from); err != nil {
		return false, err
	}
	return te.halted || te.m.ProgramCounter() > pcBefore, nil
}

func (c *Controller) InvokeMonitor(typeName string, ev event.Event) {
	c.cur.mu.Lock()
	mon, ok := c.cur.monitors[typeName]
	c.cur.mu.Unlock()
	if !ok {
		c.log.Warnf("invoke_monitor: unregistered type %q", typeName)
		return
	}
	if err := mon.Step(ev); err != nil {
		c.onActionError(event.MachineID{TypeName: typeName, Friendly: typeName}, err)
	}
}

func (c *Controller) Assert(cond bool, msg string, machineID event.MachineID) {
	if cond {
		return
	}
	c.onActionError(machineID, errs.AssertionFailure(machineID.String(), "%s", msg))
}

// Random/RandomInt ask the strategy for a value and record it as an
// OpChoice trace entry before passing through the same checkpoint
// suspension every other scheduling point uses (spec.md §5: "before each
// nondeterministic choice"). A ReplayStrategy answers NextBoolean/
// NextInteger by walking its own recorded OpChoice entries rather than
// drawing a fresh value, so a replayed iteration reproduces the exact
// choices made the first time instead of diverging on the first coin
// flip.
func (c *Controller) Random(machineID event.MachineID, max int) bool {
	value := c.strategy.NextBoolean(max)
	iv := 0
	if value {
		iv = 1
	}
	c.recordChoice(machineID, iv)
	_ = c.checkpoint(machineID)
	return value
}

func (c *Controller) RandomInt(machineID event.MachineID, max int) int {
	value := c.strategy.NextInteger(max)
	c.recordChoice(machineID, value)
	_ = c.checkpoint(machineID)
	return value
}

func (c *Controller) recordChoice(machineID event.MachineID, value int) {
	c.cur.mu.Lock()
	c.cur.stepIndex++
	c.cur.trace.Append(TraceEntry{DecisionKind: OpChoice, ChosenID: machineID, StepIndex: c.cur.stepIndex, ChoiceValue: value})
	c.cur.mu.Unlock()
}

// CurrentOperationGroupID returns the operation-group id the named machine
// is currently running under, within the active iteration.
func (c *Controller) CurrentOperationGroupID(id event.MachineID) (string, error) {
	te := c.cur.getTask(id)
	if te == nil {
		return "", errs.AssertionFailure(id.String(), "get_current_operation_group_id: unbound machine")
	}
	return te.m.CurrentOperationGroupID(), nil
}

func (c *Controller) ReportFailure(machineID event.MachineID, err error) { c.onActionError(machineID, err) }

func (c *Controller) ReportHalt(machineID event.MachineID) { c.onHalt(machineID) }

func (c *Controller) ScheduleDequeue(machineID event.MachineID) error {
	return c.checkpoint(machineID)
}

func (c *Controller) ScheduleReceive(machineID event.MachineID) error {
	return c.checkpoint(machineID)
}
