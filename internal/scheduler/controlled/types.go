// Package controlled implements spec.md §4.5: the cooperative,
// single-runner testing scheduler. A semaphore handoff (plain buffered Go
// channels) stands in for the coroutine-set spec.md §9 describes — "the
// testing backend models them as a single-runner coroutine set gated by
// per-task signals" is implemented here literally with one channel per
// machine task. No pack example implements this exact coordinator shape
// (the closest, comalice's realtime/parallel.go, uses channels purely for
// fan-out/fan-in, not mutual-exclusion handoff); it is original plumbing
// built directly from the spec.md §4.5 contract, noted in DESIGN.md.
package controlled

import "github.com/latticefsm/latticefsm/internal/event"

// OperationKind is the kind of scheduling point a step passes through.
type OperationKind int

const (
	OpCreate OperationKind = iota
	OpSend
	OpReceive
	OpChoice
	OpStop
)

func (k OperationKind) String() string {
	switch k {
	case OpCreate:
		return "Create"
	case OpSend:
		return "Send"
	case OpReceive:
		return "Receive"
	case OpChoice:
		return "Choice"
	case OpStop:
		return "Stop"
	default:
		return "Unknown"
	}
}

// TargetKind names what an Operation's ID field identifies.
type TargetKind int

const (
	TargetSchedulable TargetKind = iota
	TargetInbox
)

// Operation is one candidate in the enabled set offered to a Strategy.
type Operation struct {
	Kind       OperationKind
	TargetKind TargetKind
	ID         event.MachineID
}

// TraceEntry is one recorded scheduling decision. ChoiceValue is only
// meaningful when DecisionKind is OpChoice: the boolean (as 0/1) or
// integer a Random/RandomInt call resolved to, recorded so a Replay
// strategy can reproduce it exactly instead of drawing a fresh value.
type TraceEntry struct {
	DecisionKind OperationKind
	ChosenID     event.MachineID
	StepIndex    int
	ChoiceValue  int
}

// ScheduleTrace is the append-only decision log spec.md §3 calls for,
// sufficient (together with a Replay strategy) to deterministically
// reproduce an iteration.
type ScheduleTrace struct {
	Entries []TraceEntry
}

func (t *ScheduleTrace) Append(e TraceEntry) { t.Entries = append(t.Entries, e) }
func (t *ScheduleTrace) Len() int            { return len(t.Entries) }

// Verdict classifies how an iteration concluded.
type Verdict int

const (
	VerdictCompleted Verdict = iota
	VerdictDeadlock
	VerdictBug
	VerdictMaxStepsExceeded
)

func (v Verdict) String() string {
	switch v {
	case VerdictCompleted:
		return "Completed"
	case VerdictDeadlock:
		return "Deadlock"
	case VerdictBug:
		return "Bug"
	case VerdictMaxStepsExceeded:
		return "MaxStepsExceeded"
	default:
		return "Unknown"
	}
}

// IterationResult is what one iteration of RunIterations produces.
type IterationResult struct {
	Verdict Verdict
	Err     error
	Trace   *ScheduleTrace
	Steps   int
}
