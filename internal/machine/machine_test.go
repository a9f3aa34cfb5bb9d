package machine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticefsm/latticefsm/internal/descriptor"
	"github.com/latticefsm/latticefsm/internal/errs"
	"github.com/latticefsm/latticefsm/internal/event"
	"github.com/latticefsm/latticefsm/internal/iface"
	"github.com/latticefsm/latticefsm/internal/inbox"
	"github.com/latticefsm/latticefsm/internal/machine"
)

// fakeRuntime is a minimal RuntimeLink stub recording what the machine
// asked of its runtime, enough to drive Machine in isolation without a
// scheduler backend.
type fakeRuntime struct {
	sent      []event.Event
	failures  []error
	halted    []event.MachineID
	asserts   []string
	assertOK  bool
}

func (f *fakeRuntime) Send(from, target event.MachineID, ev event.Event, opts iface.SendOptions) error {
	f.sent = append(f.sent, ev)
	return nil
}
func (f *fakeRuntime) SendAndExecute(from, target event.MachineID, ev event.Event, opts iface.SendOptions) (bool, error) {
	f.sent = append(f.sent, ev)
	return true, nil
}
func (f *fakeRuntime) CreateMachine(typeName string, init *event.Event, opGroupID string) (event.MachineID, error) {
	return event.MachineID{TypeName: typeName}, nil
}
func (f *fakeRuntime) InvokeMonitor(typeName string, ev event.Event) {}
func (f *fakeRuntime) Assert(cond bool, msg string, machineID event.MachineID) {
	if !cond {
		f.asserts = append(f.asserts, msg)
	}
}
func (f *fakeRuntime) Random(machineID event.MachineID, max int) bool   { return false }
func (f *fakeRuntime) RandomInt(machineID event.MachineID, max int) int { return 0 }
func (f *fakeRuntime) ReportFailure(machineID event.MachineID, err error) {
	f.failures = append(f.failures, err)
}
func (f *fakeRuntime) ReportHalt(machineID event.MachineID) {
	f.halted = append(f.halted, machineID)
}
func (f *fakeRuntime) ScheduleDequeue(machineID event.MachineID) error { return nil }
func (f *fakeRuntime) ScheduleReceive(machineID event.MachineID) error { return nil }

func newTestMachine(t *testing.T, tbl *descriptor.Table) (*machine.Machine, *fakeRuntime, *inbox.Inbox) {
	t.Helper()
	ib := inbox.New()
	rt := &fakeRuntime{}
	id := event.MachineID{TypeName: tbl.TypeName, Value: 1}
	m := machine.New(id, tbl, ib, rt)
	require.NoError(t, m.Activate(nil))
	return m, rt, ib
}

func TestGotoTransitionChangesState(t *testing.T) {
	b := descriptor.New("Ping")
	b.State("A").Start().OnDo("go", func(h iface.Handle, ev event.Event) error {
		return h.Goto("B")
	})
	b.State("B")
	tbl, err := b.Build()
	require.NoError(t, err)

	m, _, ib := newTestMachine(t, tbl)
	ib.Enqueue(event.New("go", nil))
	require.NoError(t, m.RunUntilIdleOrHalted())
	assert.Equal(t, "B", m.CurrentState())
}

func TestDoubleTransitionInSingleActionIsMisuse(t *testing.T) {
	b := descriptor.New("Bad")
	b.State("A").Start().OnDo("go", func(h iface.Handle, ev event.Event) error {
		if err := h.Goto("B"); err != nil {
			return err
		}
		return h.Goto("A")
	})
	b.State("B")
	tbl, err := b.Build()
	require.NoError(t, err)

	m, _, ib := newTestMachine(t, tbl)
	ib.Enqueue(event.New("go", nil))
	err = m.RunUntilIdleOrHalted()
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindTransitionMisuse))
}

func TestTransitionInsideOnExitIsMisuse(t *testing.T) {
	b := descriptor.New("Bad2")
	b.State("A").Start().
		OnExit(func(h iface.Handle, ev event.Event) error { return h.Goto("A") }).
		OnGoto("go", "B")
	b.State("B")
	tbl, err := b.Build()
	require.NoError(t, err)

	m, _, ib := newTestMachine(t, tbl)
	ib.Enqueue(event.New("go", nil))
	err = m.RunUntilIdleOrHalted()
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindTransitionMisuse))
}

func TestPopFromOneDeepStackIsMisuse(t *testing.T) {
	b := descriptor.New("Bad3")
	b.State("A").Start().OnDo("pop", func(h iface.Handle, ev event.Event) error {
		return h.Pop()
	})
	tbl, err := b.Build()
	require.NoError(t, err)

	m, _, ib := newTestMachine(t, tbl)
	ib.Enqueue(event.New("pop", nil))
	err = m.RunUntilIdleOrHalted()
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindTransitionMisuse))
}

func TestPushThenPopReturnsToParentState(t *testing.T) {
	b := descriptor.New("PushPop")
	b.State("A").Start().OnPush("go", "B")
	b.State("B").OnPop("back")
	tbl, err := b.Build()
	require.NoError(t, err)

	m, _, ib := newTestMachine(t, tbl)
	ib.Enqueue(event.New("go", nil))
	require.NoError(t, m.RunUntilIdleOrHalted())
	assert.Equal(t, "B", m.CurrentState())

	ib.Enqueue(event.New("back", nil))
	require.NoError(t, m.RunUntilIdleOrHalted())
	assert.Equal(t, "A", m.CurrentState())
}

func TestRaiseIsProcessedBeforeInboxDrain(t *testing.T) {
	b := descriptor.New("Raiser")
	var observed []string
	b.State("A").Start().
		OnDo("go", func(h iface.Handle, ev event.Event) error {
			observed = append(observed, "go")
			return h.Raise(event.New("follow-up", nil))
		}).
		OnDo("follow-up", func(h iface.Handle, ev event.Event) error {
			observed = append(observed, "follow-up")
			return nil
		}).
		OnDo("later", func(h iface.Handle, ev event.Event) error {
			observed = append(observed, "later")
			return nil
		})
	tbl, err := b.Build()
	require.NoError(t, err)

	m, _, ib := newTestMachine(t, tbl)
	ib.Enqueue(event.New("go", nil))
	ib.Enqueue(event.New("later", nil))
	require.NoError(t, m.RunUntilIdleOrHalted())
	assert.Equal(t, []string{"go", "follow-up", "later"}, observed)
}

func TestHaltWithMustHandlePendingIsViolation(t *testing.T) {
	b := descriptor.New("Haltable")
	b.State("A").Start().OnDo("go", func(h iface.Handle, ev event.Event) error {
		return h.Raise(event.Event{Kind: event.Halt})
	})
	tbl, err := b.Build()
	require.NoError(t, err)

	m, _, ib := newTestMachine(t, tbl)
	ib.Enqueue(event.New("go", nil))
	ib.Enqueue(event.Event{Kind: "critical", MustHandle: true})
	err = m.RunUntilIdleOrHalted()
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindMustHandleViolation))
	assert.True(t, m.IsHalted())
}

func TestHaltViaRaiseStopsTheMachine(t *testing.T) {
	b := descriptor.New("Haltable2")
	b.State("A").Start().OnDo("go", func(h iface.Handle, ev event.Event) error {
		return h.Raise(event.Event{Kind: event.Halt})
	})
	tbl, err := b.Build()
	require.NoError(t, err)

	m, rt, ib := newTestMachine(t, tbl)
	ib.Enqueue(event.New("go", nil))
	require.NoError(t, m.RunUntilIdleOrHalted())
	assert.True(t, m.IsHalted())
	require.Len(t, rt.halted, 1)
}

func TestUnhandledEventExhaustsStack(t *testing.T) {
	b := descriptor.New("Strict")
	b.State("A").Start()
	tbl, err := b.Build()
	require.NoError(t, err)

	m, _, ib := newTestMachine(t, tbl)
	ib.Enqueue(event.New("unexpected", nil))
	err = m.RunUntilIdleOrHalted()
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindUnhandledEvent))
}

func TestPopUntilHandledOrFailFindsAncestorHandler(t *testing.T) {
	b := descriptor.New("Nested")
	b.State("A").Start().OnPush("descend", "B").OnDo("handled-by-A", func(h iface.Handle, ev event.Event) error {
		return nil
	})
	b.State("B")
	tbl, err := b.Build()
	require.NoError(t, err)

	m, _, ib := newTestMachine(t, tbl)
	ib.Enqueue(event.New("descend", nil))
	require.NoError(t, m.RunUntilIdleOrHalted())
	assert.Equal(t, "B", m.CurrentState())

	ib.Enqueue(event.New("handled-by-A", nil))
	require.NoError(t, m.RunUntilIdleOrHalted())
	assert.Equal(t, "A", m.CurrentState())
}
