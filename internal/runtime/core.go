// Package runtime holds the descriptor/monitor registries and the live
// machine map used by the production backend, plus the send-step and
// event-stamping helpers both backends share. Grounded on
// spec.md §9's "arena + identifier" reshaping of the cross-referenced
// runtime/machine pair — callers hold a (RuntimeHandle, MachineId), never a
// back-reference cycle. Generalizes the teacher's core.Registry /
// core.Machine ownership split the same way.
package runtime

import (
	"fmt"
	"sync"

	"github.com/latticefsm/latticefsm/internal/descriptor"
	"github.com/latticefsm/latticefsm/internal/errs"
	"github.com/latticefsm/latticefsm/internal/event"
	"github.com/latticefsm/latticefsm/internal/inbox"
	"github.com/latticefsm/latticefsm/internal/machine"
	"github.com/latticefsm/latticefsm/internal/monitor"
)

// MachineEntry bundles the live Machine with its inbox for callers that
// need both (the inbox is also reachable via Machine.Inbox()).
type MachineEntry struct {
	Machine *machine.Machine
	Inbox   *inbox.Inbox
}

// Core is the arena: the registries plus the mid -> machine map. The
// production backend holds one as a field and adds its RuntimeLink/
// scheduling behavior on top; the controlled backend does not use Core.
type Core struct {
	mu sync.RWMutex

	Descriptors *descriptor.Registry
	machines    map[event.MachineID]*MachineEntry
	monitors    map[string]*monitor.Monitor
	alloc       *event.Allocator
}

// NewCore builds an empty arena seeded with the given generation (bump it
// between controlled-scheduler iterations so ids never alias across runs).
func NewCore(generation uint64) *Core {
	return &Core{
		Descriptors: descriptor.NewRegistry(),
		machines:    make(map[event.MachineID]*MachineEntry),
		monitors:    make(map[string]*monitor.Monitor),
		alloc:       event.NewAllocator(generation),
	}
}

// NewMachineID mints a fresh id for typeName.
func (c *Core) NewMachineID(typeName, friendly, endpoint string) event.MachineID {
	return c.alloc.New(typeName, friendly, endpoint)
}

// Bind registers a constructed machine under its id. Duplicate ids are a
// DuplicateMachineId error (spec.md §7).
func (c *Core) Bind(id event.MachineID, m *machine.Machine, ib *inbox.Inbox) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.machines[id]; ok {
		return errs.DuplicateMachineID(id.String(), "machine id already bound")
	}
	c.machines[id] = &MachineEntry{Machine: m, Inbox: ib}
	return nil
}

// Lookup returns the live machine entry for id, or ok=false if unbound or
// halted-and-reaped.
func (c *Core) Lookup(id event.MachineID) (*MachineEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.machines[id]
	return e, ok
}

// Unbind removes id from the live map (called on halt).
func (c *Core) Unbind(id event.MachineID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.machines, id)
}

// LiveMachines returns a snapshot slice of all currently-bound entries, for
// enabled-set computation and fingerprinting.
func (c *Core) LiveMachines() []*MachineEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*MachineEntry, 0, len(c.machines))
	for _, e := range c.machines {
		out = append(out, e)
	}
	return out
}

// RegisterMonitorType installs m under its type name, idempotently (the
// same *monitor.Monitor re-registered is a no-op; a different one under an
// already-used type name is an error), matching spec.md §8's "register_
// monitor is idempotent per type" testable property.
func (c *Core) RegisterMonitorType(m *monitor.Monitor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.monitors[m.TypeName()]; ok {
		if existing == m {
			return nil
		}
		return fmt.Errorf("runtime: monitor type %q already registered", m.TypeName())
	}
	c.monitors[m.TypeName()] = m
	return nil
}

// Monitor returns the registered monitor instance for typeName.
func (c *Core) Monitor(typeName string) (*monitor.Monitor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.monitors[typeName]
	return m, ok
}

// Monitors returns a snapshot of all registered monitors, for liveness
// deadlock checks (spec.md §4.5: "no operation enabled and at least one
// monitor is hot").
func (c *Core) Monitors() []*monitor.Monitor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*monitor.Monitor, 0, len(c.monitors))
	for _, m := range c.monitors {
		out = append(out, m)
	}
	return out
}
