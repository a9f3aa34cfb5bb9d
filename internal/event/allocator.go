package event

import "sync/atomic"

// Allocator mints MachineIDs for one runtime instance. Kept stdlib-only
// (sync/atomic) rather than pulling in a dependency: this is a single
// monotonic counter, the kind of thing the teacher itself leaves on the
// standard library (see internal/primitives.Context, also sync-based) and
// no library in the retrieved corpus does this more idiomatically than a
// bare atomic counter would.
type Allocator struct {
	generation uint64
	next       atomic.Uint64
}

// NewAllocator creates an id allocator stamped with the given generation.
// Each runtime instance should use a distinct generation (e.g. derived from
// an iteration counter in the controlled backend) so that ids from a
// previous, torn-down run can never alias a live machine.
func NewAllocator(generation uint64) *Allocator {
	return &Allocator{generation: generation}
}

// New mints a fresh, unbound MachineID for the given type and optional
// friendly name.
func (a *Allocator) New(typeName, friendly, endpoint string) MachineID {
	v := a.next.Add(1)
	return MachineID{
		Value:      v,
		Generation: a.generation,
		TypeName:   typeName,
		Friendly:   friendly,
		Endpoint:   endpoint,
	}
}
