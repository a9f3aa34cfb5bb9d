package controlled

import "github.com/latticefsm/latticefsm/internal/event"

// Strategy is the pluggable exploration policy spec.md §4.5 names:
// next_operation/next_boolean/next_integer/prepare_for_next_iteration.
type Strategy interface {
	// NextOperation picks the next enabled operation to run from enabled.
	// current is the zero MachineID during the initial kickoff pick, else
	// the id of the task that just reached a scheduling point. ok is
	// false if enabled is empty or the strategy ends the iteration here
	// (IDDFS at its depth ceiling, Replay past the end of its trace); the
	// controller then concludes the iteration as completed.
	NextOperation(enabled []Operation, current event.MachineID) (op Operation, ok bool)
	NextBoolean(max int) bool
	NextInteger(max int) int
	// PrepareForNextIteration resets internal state for another pass and
	// reports whether another iteration should run at all.
	PrepareForNextIteration() bool
}
