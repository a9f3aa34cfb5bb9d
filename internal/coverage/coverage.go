// Package coverage records which states machines have entered and which
// transitions have fired during a run, per SPEC_FULL.md §7's
// report_activity_coverage option. Grounded on the oasis-core worker
// committee node's prometheus.CounterVec/prometheus.Collector pattern
// (internal/coverage counters mirror its processedEventCount/
// epochTransitionCount vectors, generalized from a single node's metrics
// to per-(machine-type,state) and per-(machine-type,event) label sets).
package coverage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/latticefsm/latticefsm/internal/event"
)

// Reporter accumulates activity coverage for one run. It is safe for
// concurrent use: the production backend's goroutine-per-handler-run
// model and the controlled backend's checkpoint machinery both record
// from multiple goroutines over a run's lifetime.
type Reporter struct {
	stateEntries *prometheus.CounterVec
	transitions  *prometheus.CounterVec

	mu      sync.Mutex
	states  map[string]map[string]uint64
	fires   map[string]map[event.Kind]uint64
}

// NewReporter constructs a Reporter with its own unregistered collectors;
// callers wanting them in the default registry should pass Collectors()
// to prometheus.MustRegister themselves (coverage never registers
// globally on its own, since a process may run many iterations/Reporters
// in sequence and double-registration panics).
func NewReporter() *Reporter {
	return &Reporter{
		stateEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "latticefsm",
			Subsystem: "coverage",
			Name:      "state_entries_total",
			Help:      "Number of times a machine type entered a given state.",
		}, []string{"machine_type", "state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "latticefsm",
			Subsystem: "coverage",
			Name:      "transitions_total",
			Help:      "Number of times a machine type fired a transition for a given event kind.",
		}, []string{"machine_type", "event_kind"}),
		states: make(map[string]map[string]uint64),
		fires:  make(map[string]map[event.Kind]uint64),
	}
}

// RecordStateEntry is called on_entry, once per state activation.
func (r *Reporter) RecordStateEntry(typeName, state string) {
	r.stateEntries.WithLabelValues(typeName, state).Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	byState, ok := r.states[typeName]
	if !ok {
		byState = make(map[string]uint64)
		r.states[typeName] = byState
	}
	byState[state]++
}

// RecordTransition is called whenever a handler dispatches on kind,
// whether or not the dispatch results in a state change (spec.md's
// "transition fired" includes stay-in-state do-actions).
func (r *Reporter) RecordTransition(typeName string, kind event.Kind) {
	r.transitions.WithLabelValues(typeName, string(kind)).Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	byKind, ok := r.fires[typeName]
	if !ok {
		byKind = make(map[event.Kind]uint64)
		r.fires[typeName] = byKind
	}
	byKind[kind]++
}

// Collectors returns the prometheus.Collectors backing this reporter, for
// a caller to register (or not) with whatever registry it chooses.
func (r *Reporter) Collectors() []prometheus.Collector {
	return []prometheus.Collector{r.stateEntries, r.transitions}
}

// Summary is a flattened, sorted view suitable for a CLI table: one row
// per (machine_type, state) with its entry count and, where applicable,
// per (machine_type, event_kind) with its fire count.
type Summary struct {
	StateEntries []StateEntryRow
	Transitions  []TransitionRow
}

type StateEntryRow struct {
	MachineType string
	State       string
	Count       uint64
}

type TransitionRow struct {
	MachineType string
	EventKind   event.Kind
	Count       uint64
}

// Snapshot produces a deterministically ordered Summary of everything
// recorded so far.
func (r *Reporter) Snapshot() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	var sum Summary
	for typeName, byState := range r.states {
		for state, count := range byState {
			sum.StateEntries = append(sum.StateEntries, StateEntryRow{typeName, state, count})
		}
	}
	for typeName, byKind := range r.fires {
		for kind, count := range byKind {
			sum.Transitions = append(sum.Transitions, TransitionRow{typeName, kind, count})
		}
	}
	sort.Slice(sum.StateEntries, func(i, j int) bool {
		a, b := sum.StateEntries[i], sum.StateEntries[j]
		if a.MachineType != b.MachineType {
			return a.MachineType < b.MachineType
		}
		return a.State < b.State
	})
	sort.Slice(sum.Transitions, func(i, j int) bool {
		a, b := sum.Transitions[i], sum.Transitions[j]
		if a.MachineType != b.MachineType {
			return a.MachineType < b.MachineType
		}
		return a.EventKind < b.EventKind
	})
	return sum
}

// String renders the summary as a plain table, for cmd/latticerun's
// end-of-run report_activity_coverage output.
func (s Summary) String() string {
	out := "state coverage:\n"
	for _, row := range s.StateEntries {
		out += fmt.Sprintf("  %-24s %-16s %d\n", row.MachineType, row.State, row.Count)
	}
	out += "transition coverage:\n"
	for _, row := range s.Transitions {
		out += fmt.Sprintf("  %-24s %-16s %d\n", row.MachineType, row.EventKind, row.Count)
	}
	return out
}
