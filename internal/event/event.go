// Package event defines the value types that flow between machines: the
// opaque typed Event and the globally unique MachineId. Both are immutable
// once constructed, following the teacher's primitives.Event convention of
// exported fields for read-only consumption.
package event

import "fmt"

// Kind is the opaque tag that a sender and receiver agree on out of band.
// It plays the role of the teacher's Event.Type string.
type Kind string

// Default is the synthesized kind a machine's inbox hands back when it is
// otherwise empty and the current state declares a default-event handler.
const Default Kind = "$default"

// Halt is the well-known kind that triggers machine shutdown when raised.
const Halt Kind = "$halt"

// Event is an immutable message: a kind, an optional payload, and the
// metadata needed to preserve ordering and operation-group propagation.
type Event struct {
	Kind    Kind
	Payload any

	// SenderID is the id of the machine that enqueued this event, if any.
	SenderID *MachineID
	// SenderState is the name of the sender's state at send time.
	SenderState string

	// OperationGroupID propagates across causally related sends. See
	// spec.md §4.6 "Operation-group propagation".
	OperationGroupID string

	// SendStep is assigned at enqueue time by the inbox/scheduler and is
	// used to order the schedule trace and for FIFO bookkeeping.
	SendStep uint64

	// MustHandle forbids this event from being dropped (ignored) or left
	// in the inbox when the machine halts.
	MustHandle bool
}

// New constructs an Event with no metadata attached; callers route it
// through the runtime, which stamps metadata before enqueue.
func New(kind Kind, payload any) Event {
	return Event{Kind: kind, Payload: payload}
}

// WithMustHandle returns a copy of the event with MustHandle set.
func (e Event) WithMustHandle(must bool) Event {
	e.MustHandle = must
	return e
}

func (e Event) String() string {
	return fmt.Sprintf("Event{kind=%s, mustHandle=%v, sendStep=%d}", e.Kind, e.MustHandle, e.SendStep)
}

// MachineID is a stable, equality-comparable identity. The (Value,
// Generation) pair is globally unique for the lifetime of a runtime
// instance; Generation distinguishes ids minted by distinct runtime
// instances (e.g. across test iterations) so that a stale id can never
// alias a live machine in a different run.
type MachineID struct {
	Value      uint64
	Generation uint64
	TypeName   string
	Friendly   string
	Endpoint   string
}

// String renders a human-readable identity, preferring the friendly name.
func (m MachineID) String() string {
	name := m.Friendly
	if name == "" {
		name = m.TypeName
	}
	return fmt.Sprintf("%s(%d.%d)", name, m.Value, m.Generation)
}

// Equal reports whether two ids refer to the same bound machine.
func (m MachineID) Equal(other MachineID) bool {
	return m.Value == other.Value && m.Generation == other.Generation
}
