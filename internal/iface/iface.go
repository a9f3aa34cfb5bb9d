// Package iface defines the narrow capability surface that action and
// entry/exit functions receive. It exists to break the import cycle
// between internal/descriptor (which types actions) and internal/machine
// (which implements the handle actions are given) — the same "cross
// referenced runtime/machine" problem spec.md §9 calls out, resolved the
// same way: a capability handed by value instead of a back-reference.
package iface

import "github.com/latticefsm/latticefsm/internal/event"

// SendOptions configures an individual send, mirroring the runtime
// façade's send_event options in spec.md §6.
type SendOptions struct {
	// OperationGroupID overrides propagation when non-empty; otherwise
	// the sender's current operation-group id is used.
	OperationGroupID string
	MustHandle       bool
}

// ExtState is the thread-safe extended-state store threaded through a
// machine's actions, generalized from the teacher's primitives.Context
// (itself a sync.Map wrapper).
type ExtState interface {
	Get(key string) (any, bool)
	Set(key string, val any)
	Delete(key string)
}

// Handle is passed to every entry/exit/do/goto action. It exposes both the
// machine-local transition primitives (Goto/Push/Pop/Raise) and the
// runtime-routed operations (Send/CreateMachine/Assert/Random/
// InvokeMonitor) that spec.md §4.2 says an action may call.
type Handle interface {
	ID() event.MachineID
	State() ExtState

	// Goto records a pending goto transition, optionally carrying an
	// event into the target state's entry action.
	Goto(target string, carrier ...event.Event) error
	// Push records a pending push transition.
	Push(target string) error
	// Pop records a pending pop transition.
	Pop() error
	// Raise injects an event processed before the next inbox dequeue.
	Raise(ev event.Event) error

	// Send forwards to the runtime's enqueue path.
	Send(target event.MachineID, ev event.Event, opts SendOptions) error
	// SendAndExecute forwards to the runtime's drain-to-quiescence path,
	// returning true if target ran synchronously before this call
	// returned, false if the event was only enqueued.
	SendAndExecute(target event.MachineID, ev event.Event, opts SendOptions) (bool, error)
	// Receive suspends until an event of one of the given kinds is
	// available, returning it.
	Receive(kinds ...event.Kind) (event.Event, error)

	// CreateMachine asks the runtime to create a new machine of typeName.
	CreateMachine(typeName string, init *event.Event, opGroupID string) (event.MachineID, error)
	// InvokeMonitor synchronously steps the named monitor type.
	InvokeMonitor(typeName string, ev event.Event)
	// Assert reports an AssertionFailure if cond is false.
	Assert(cond bool, msg string)
	// Random/RandomInt are the controlled non-deterministic choices.
	Random(max int) bool
	RandomInt(max int) int

	// CurrentOperationGroupID returns the machine's current operation
	// group id, inherited from the event most recently dequeued.
	CurrentOperationGroupID() string
}
