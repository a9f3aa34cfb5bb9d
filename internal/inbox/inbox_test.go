package inbox_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticefsm/latticefsm/internal/descriptor"
	"github.com/latticefsm/latticefsm/internal/event"
	"github.com/latticefsm/latticefsm/internal/iface"
	"github.com/latticefsm/latticefsm/internal/inbox"
)

func noop(h iface.Handle, ev event.Event) error { return nil }

func TestEnqueueTogglesRunningFlag(t *testing.T) {
	ib := inbox.New()
	poll := ib.Enqueue(event.New("X", nil))
	assert.Equal(t, inbox.EventHandlerNotRunning, poll)

	poll2 := ib.Enqueue(event.New("X", nil))
	assert.Equal(t, inbox.EventHandlerRunning, poll2)
}

func TestDeferredEventReordering(t *testing.T) {
	// Scenario 3 from spec.md §8: state A defers X, handles Y.
	bA := descriptor.New("M")
	bA.State("A").Start().Defer("X").OnDo("Y", noop)
	bA.State("B").OnGoto("X", "B")
	tbl, err := bA.Build()
	require.NoError(t, err)

	stateA, err := tbl.State("A")
	require.NoError(t, err)
	stateB, err := tbl.State("B")
	require.NoError(t, err)

	ib := inbox.New()
	ib.Enqueue(event.New("X", nil))
	ib.Enqueue(event.New("Y", nil))

	out := ib.TryDequeue(stateA, false)
	require.Equal(t, inbox.DequeueEvent, out.Kind)
	assert.Equal(t, event.Kind("Y"), out.Event.Kind)

	// X is still deferred under A; nothing else dispatchable.
	out2 := ib.TryDequeue(stateA, false)
	assert.Equal(t, inbox.DequeueEmpty, out2.Kind)

	// After transition to B (which handles X), X becomes dispatchable.
	out3 := ib.TryDequeue(stateB, false)
	require.Equal(t, inbox.DequeueEvent, out3.Kind)
	assert.Equal(t, event.Kind("X"), out3.Event.Kind)
}

func TestIgnoredEventsDroppedAtDequeue(t *testing.T) {
	b := descriptor.New("M")
	b.State("A").Start().Ignore("Z").OnDo("Y", noop)
	tbl, err := b.Build()
	require.NoError(t, err)
	a, err := tbl.State("A")
	require.NoError(t, err)

	ib := inbox.New()
	ib.Enqueue(event.New("Z", nil))
	ib.Enqueue(event.New("Y", nil))

	out := ib.TryDequeue(a, false)
	require.Equal(t, inbox.DequeueEvent, out.Kind)
	assert.Equal(t, event.Kind("Y"), out.Event.Kind)
	assert.Equal(t, 0, ib.Len())
}

func TestMustHandleOverridesDefer(t *testing.T) {
	b := descriptor.New("M")
	b.State("A").Start().Defer("X")
	tbl, err := b.Build()
	require.NoError(t, err)
	a, err := tbl.State("A")
	require.NoError(t, err)

	ib := inbox.New()
	ib.Enqueue(event.Event{Kind: "X", MustHandle: true})

	assert.True(t, a.IsDeferred("X", false))
	assert.False(t, a.IsDeferred("X", true))
	assert.True(t, ib.HasDispatchable(a))
}

func TestMustHandlePending(t *testing.T) {
	ib := inbox.New()
	_, ok := ib.MustHandlePending()
	assert.False(t, ok)

	ib.Enqueue(event.Event{Kind: "Critical", MustHandle: true})
	kind, ok := ib.MustHandlePending()
	require.True(t, ok)
	assert.Equal(t, event.Kind("Critical"), kind)
}

func TestReceiveDeliversQueuedEventImmediately(t *testing.T) {
	ib := inbox.New()
	ib.Enqueue(event.New("R", "payload"))

	ch := ib.MarkWaitingFor("R")
	select {
	case ev := <-ch:
		assert.Equal(t, event.Kind("R"), ev.Kind)
	default:
		t.Fatal("expected immediate delivery")
	}
}

func TestReceiveUnblocksOnLaterEnqueue(t *testing.T) {
	ib := inbox.New()
	ch := ib.MarkWaitingFor("R")
	assert.True(t, ib.IsWaitingToReceive())

	poll := ib.Enqueue(event.New("R", nil))
	assert.Equal(t, inbox.EventHandlerRunning, poll)

	select {
	case ev := <-ch:
		assert.Equal(t, event.Kind("R"), ev.Kind)
	default:
		t.Fatal("expected delivery via enqueue")
	}
	assert.False(t, ib.IsWaitingToReceive())
}
