// Package inbox implements the per-machine FIFO described in spec.md
// §4.1: deferred/ignored filtering at dequeue, must-handle tracking, and
// the single-thread-of-control "handler running" flag that production and
// controlled schedulers both build on. It is grounded on the teacher's
// Machine.eventQueue + sync.RWMutex pattern (internal/core/machine.go),
// generalized from a buffered channel (which cannot support scan-ahead
// deferred filtering) to a mutex-guarded slice.
package inbox

import (
	"fmt"

	"github.com/latticefsm/latticefsm/internal/descriptor"
	"github.com/latticefsm/latticefsm/internal/event"
)

import "sync"

// EnqueuePoll reports, atomically with the enqueue, whether the machine
// was already running a handler or must now have one scheduled.
type EnqueuePoll int

const (
	EventHandlerNotRunning EnqueuePoll = iota
	EventHandlerRunning
)

func (p EnqueuePoll) String() string {
	if p == EventHandlerRunning {
		return "EventHandlerRunning"
	}
	return "EventHandlerNotRunning"
}

// DequeueKind classifies the result of TryDequeue.
type DequeueKind int

const (
	DequeueEmpty DequeueKind = iota
	DequeueEvent
	DequeueDefaultCandidate
)

// DequeueOutcome is the result of a dequeue attempt.
type DequeueOutcome struct {
	Kind  DequeueKind
	Event event.Event
}

// receiveWaiter tracks a single outstanding receive() call. Because at
// most one handler run is ever active against an inbox at a time, there is
// at most one waiter.
type receiveWaiter struct {
	kinds map[event.Kind]struct{}
	ch    chan event.Event
}

// Inbox is a per-machine FIFO of events with auxiliary filtering state.
type Inbox struct {
	mu      sync.Mutex
	items   []event.Event
	running bool
	waiter  *receiveWaiter
}

// New creates an empty inbox.
func New() *Inbox {
	return &Inbox{}
}

// Enqueue appends ev (or, if a receive() is outstanding and ev matches its
// predicate, delivers it directly) and returns whether the caller must now
// arrange a handler run.
func (ib *Inbox) Enqueue(ev event.Event) EnqueuePoll {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	if ib.waiter != nil {
		if _, ok := ib.waiter.kinds[ev.Kind]; ok {
			ch := ib.waiter.ch
			ib.waiter = nil
			ch <- ev
			// The machine was already "running" (blocked in receive);
			// the caller has nothing further to schedule.
			return EventHandlerRunning
		}
	}

	ib.items = append(ib.items, ev)

	if !ib.running {
		ib.running = true
		return EventHandlerNotRunning
	}
	return EventHandlerRunning
}

// TryDequeue scans from the head for the first event that `top` neither
// defers nor ignores. Ignored events are dropped along the way (unless
// peekOnly, which must not mutate state — used by the controlled
// scheduler's enabled-set computation). If nothing dispatchable is found
// but `top` declares a default-event handler, DequeueDefaultCandidate is
// returned instead of DequeueEmpty.
func (ib *Inbox) TryDequeue(top *descriptor.StateDescriptor, peekOnly bool) DequeueOutcome {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	kept := ib.items[:0:0]
	found := DequeueOutcome{Kind: DequeueEmpty}
	resolved := false

	for _, ev := range ib.items {
		if resolved {
			kept = append(kept, ev)
			continue
		}
		if top.IsIgnored(ev.Kind) {
			if peekOnly {
				kept = append(kept, ev)
			}
			// dropped: not appended to kept when !peekOnly
			continue
		}
		if top.IsDeferred(ev.Kind, ev.MustHandle) {
			kept = append(kept, ev)
			continue
		}
		// dispatchable candidate
		found = DequeueOutcome{Kind: DequeueEvent, Event: ev}
		resolved = true
		if peekOnly {
			kept = append(kept, ev)
		}
		// when !peekOnly, we simply don't append: it is consumed.
	}

	if !peekOnly {
		ib.items = kept
	}

	if resolved {
		return found
	}
	if top.HasDefault() {
		return DequeueOutcome{Kind: DequeueDefaultCandidate, Event: event.New(event.Default, nil)}
	}
	return DequeueOutcome{Kind: DequeueEmpty}
}

// HasDispatchable reports whether TryDequeue(top, true) would find a real
// event or default candidate, without mutating the inbox — used by the
// controlled scheduler's enabled-set computation. FinishRun applies the
// same test with its own loop.
func (ib *Inbox) HasDispatchable(top *descriptor.StateDescriptor) bool {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	for _, ev := range ib.items {
		if top.IsIgnored(ev.Kind) {
			continue
		}
		if top.IsDeferred(ev.Kind, ev.MustHandle) {
			continue
		}
		return true
	}
	return top.HasDefault()
}

// FinishRun attempts to clear the running flag. It must be called with no
// other dequeue in flight. Returns false if an event arrived (or is now
// dispatchable) that the caller must still process — in which case the
// flag stays set and the caller should loop instead of returning.
func (ib *Inbox) FinishRun(top *descriptor.StateDescriptor) bool {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	for _, ev := range ib.items {
		if top.IsIgnored(ev.Kind) {
			continue
		}
		if top.IsDeferred(ev.Kind, ev.MustHandle) {
			continue
		}
		return false
	}
	if top.HasDefault() {
		return false
	}
	ib.running = false
	return true
}

// MarkWaitingFor registers a blocking receive() for the given kinds. If a
// matching event is already queued it is removed and returned immediately
// (non-blocking) via the returned channel, which will already hold the
// value. Otherwise the channel is fulfilled later by Enqueue.
func (ib *Inbox) MarkWaitingFor(kinds ...event.Kind) <-chan event.Event {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	set := make(map[event.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}

	for i, ev := range ib.items {
		if _, ok := set[ev.Kind]; ok {
			ib.items = append(ib.items[:i], ib.items[i+1:]...)
			ch := make(chan event.Event, 1)
			ch <- ev
			return ch
		}
	}

	ch := make(chan event.Event, 1)
	ib.waiter = &receiveWaiter{kinds: set, ch: ch}
	return ch
}

// HasMatchingForWait reports whether any queued event matches the
// currently outstanding receive() predicate, without consuming it — used
// by the controlled scheduler's enabled-set computation (spec.md §4.5:
// "waiting-to-receive and a matching event is in the inbox").
func (ib *Inbox) HasMatchingForWait() bool {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	if ib.waiter == nil {
		return false
	}
	for _, ev := range ib.items {
		if _, ok := ib.waiter.kinds[ev.Kind]; ok {
			return true
		}
	}
	return false
}

// DeliverIfMatching reports whether an event of kind would satisfy the
// currently outstanding receive(), without enqueuing or delivering
// anything. Enqueue performs the actual delivery; no caller in this module
// uses DeliverIfMatching (the controlled scheduler uses
// HasMatchingForWait).
func (ib *Inbox) DeliverIfMatching(kind event.Kind) bool {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	if ib.waiter == nil {
		return false
	}
	_, ok := ib.waiter.kinds[kind]
	return ok
}

// IsWaitingToReceive reports whether a receive() is currently blocked.
func (ib *Inbox) IsWaitingToReceive() bool {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return ib.waiter != nil
}

// MustHandlePending reports the kind of the first must-handle event still
// queued, used by the halt path to assert spec.md §4.1's invariant (d).
func (ib *Inbox) MustHandlePending() (event.Kind, bool) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	for _, ev := range ib.items {
		if ev.MustHandle {
			return ev.Kind, true
		}
	}
	return "", false
}

// Len returns the number of queued events (for diagnostics/tests).
func (ib *Inbox) Len() int {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return len(ib.items)
}

func (ib *Inbox) String() string {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return fmt.Sprintf("Inbox{len=%d, running=%v, waiting=%v}", len(ib.items), ib.running, ib.waiter != nil)
}
