package controlled

import (
	"math/rand"

	"github.com/latticefsm/latticefsm/internal/event"
)

// RandomStrategy picks uniformly among enabled operations each step.
// Grounded on spec.md §4.4's "pseudo-random, not reproducible" choice
// primitive, but seeded (spec.md §9's open question resolution: a single
// runtime/strategy-scoped PRNG, never reseeded per call).
type RandomStrategy struct {
	rng        *rand.Rand
	iterations int
	ran        int
}

func NewRandomStrategy(seed int64, iterations int) *RandomStrategy {
	return &RandomStrategy{rng: rand.New(rand.NewSource(seed)), iterations: iterations}
}

func (s *RandomStrategy) NextOperation(enabled []Operation, current event.MachineID) (Operation, bool) {
	if len(enabled) == 0 {
		return Operation{}, false
	}
	return enabled[s.rng.Intn(len(enabled))], true
}

func (s *RandomStrategy) NextBoolean(max int) bool {
	if max <= 0 {
		return s.rng.Intn(2) == 0
	}
	return s.rng.Intn(max) == 0
}

func (s *RandomStrategy) NextInteger(max int) int {
	if max <= 0 {
		return 0
	}
	return s.rng.Intn(max)
}

func (s *RandomStrategy) PrepareForNextIteration() bool {
	s.ran++
	return s.iterations <= 0 || s.ran < s.iterations
}

// PCTStrategy is priority-based concurrency testing: tasks are assigned a
// total order (priority); at each step the enabled task with the highest
// priority runs. A bounded number of randomly-placed priority-change
// points demote the currently-highest task to lowest priority, which is
// the mechanism PCT uses to probabilistically hit bugs that need exactly
// bugDepth ordering changes to manifest.
type PCTStrategy struct {
	rng        *rand.Rand
	bugDepth   int
	iterations int
	ran        int

	priority        []event.MachineID // index 0 = highest priority
	changePoints    map[int]struct{}
	maxStepsGuess   int
	step            int
}

func NewPCTStrategy(seed int64, bugDepth, maxStepsGuess, iterations int) *PCTStrategy {
	return &PCTStrategy{
		rng:           rand.New(rand.NewSource(seed)),
		bugDepth:      bugDepth,
		iterations:    iterations,
		maxStepsGuess: maxStepsGuess,
	}
}

func (s *PCTStrategy) ensurePriority(enabled []Operation) {
	for _, op := range enabled {
		found := false
		for _, p := range s.priority {
			if p.Equal(op.ID) {
				found = true
				break
			}
		}
		if !found {
			s.priority = append(s.priority, op.ID)
		}
	}
	if s.changePoints == nil {
		s.changePoints = make(map[int]struct{}, s.bugDepth)
		n := s.maxStepsGuess
		if n <= 0 {
			n = 100
		}
		for i := 0; i < s.bugDepth; i++ {
			s.changePoints[s.rng.Intn(n)] = struct{}{}
		}
	}
}

func (s *PCTStrategy) NextOperation(enabled []Operation, current event.MachineID) (Operation, bool) {
	if len(enabled) == 0 {
		return Operation{}, false
	}
	s.ensurePriority(enabled)
	s.step++

	if _, changed := s.changePoints[s.step]; changed && len(s.priority) > 1 {
		top := s.priority[0]
		s.priority = append(s.priority[1:], top)
	}

	for _, id := range s.priority {
		for _, op := range enabled {
			if op.ID.Equal(id) {
				return op, true
			}
		}
	}
	return enabled[0], true
}

func (s *PCTStrategy) NextBoolean(max int) bool {
	if max <= 0 {
		return s.rng.Intn(2) == 0
	}
	return s.rng.Intn(max) == 0
}

func (s *PCTStrategy) NextInteger(max int) int {
	if max <= 0 {
		return 0
	}
	return s.rng.Intn(max)
}

func (s *PCTStrategy) PrepareForNextIteration() bool {
	s.priority = nil
	s.changePoints = nil
	s.step = 0
	s.ran++
	return s.iterations <= 0 || s.ran < s.iterations
}

// FairPCTStrategy is PCTStrategy plus a starvation-weighted adjustment: a
// task skipped too many consecutive steps is promoted, preventing the
// pure-priority scheme from starving a low-priority machine indefinitely.
type FairPCTStrategy struct {
	*PCTStrategy
	starvation     map[event.MachineID]int
	starveLimit    int
}

func NewFairPCTStrategy(seed int64, bugDepth, maxStepsGuess, iterations, starveLimit int) *FairPCTStrategy {
	return &FairPCTStrategy{
		PCTStrategy: NewPCTStrategy(seed, bugDepth, maxStepsGuess, iterations),
		starvation:  make(map[event.MachineID]int),
		starveLimit: starveLimit,
	}
}

func (s *FairPCTStrategy) NextOperation(enabled []Operation, current event.MachineID) (Operation, bool) {
	op, ok := s.PCTStrategy.NextOperation(enabled, current)
	if !ok {
		return op, ok
	}
	for _, cand := range enabled {
		if cand.ID.Equal(op.ID) {
			s.starvation[cand.ID] = 0
		} else {
			s.starvation[cand.ID]++
			if s.starveLimit > 0 && s.starvation[cand.ID] >= s.starveLimit {
				s.promote(cand.ID)
				s.starvation[cand.ID] = 0
			}
		}
	}
	return op, ok
}

func (s *FairPCTStrategy) promote(id event.MachineID) {
	idx := -1
	for i, p := range s.priority {
		if p.Equal(id) {
			idx = i
			break
		}
	}
	if idx <= 0 {
		return
	}
	s.priority = append(s.priority[:idx], s.priority[idx+1:]...)
	s.priority = append([]event.MachineID{id}, s.priority...)
}

// dfsNode is one choice point in DFSStrategy's exploration tree: the
// enabled ids seen (in strategy-stable order) and which index was tried.
type dfsNode struct {
	tried int
	total int
}

// DFSStrategy is systematic depth-first search with backtracking: each
// iteration replays the choices of the previous one up to the last
// unexplored branch, then tries the next untried alternative there,
// exhausting the tree depth-first over many PrepareForNextIteration
// calls. No partial-order reduction is performed: every enabled
// operation at a choice point is a branch, including sends to distinct
// machines that commute.
type DFSStrategy struct {
	path       []dfsNode
	cursor     int
	exhausted  bool
	iterations int
	ran        int
}

func NewDFSStrategy(iterations int) *DFSStrategy {
	return &DFSStrategy{iterations: iterations}
}

func (s *DFSStrategy) NextOperation(enabled []Operation, current event.MachineID) (Operation, bool) {
	if len(enabled) == 0 {
		return Operation{}, false
	}
	idx := 0
	if s.cursor < len(s.path) {
		idx = s.path[s.cursor].tried
		if idx >= len(enabled) {
			idx = len(enabled) - 1
		}
	} else {
		s.path = append(s.path, dfsNode{tried: 0, total: len(enabled)})
	}
	s.cursor++
	return enabled[idx], true
}

func (s *DFSStrategy) NextBoolean(max int) bool { return false }
func (s *DFSStrategy) NextInteger(max int) int  { return 0 }

// PrepareForNextIteration backtracks to the last choice point with an
// untried alternative, incrementing it; if none remains, the tree is
// exhausted.
func (s *DFSStrategy) PrepareForNextIteration() bool {
	s.cursor = 0
	s.ran++
	if s.iterations > 0 && s.ran >= s.iterations {
		return false
	}
	for len(s.path) > 0 {
		last := len(s.path) - 1
		s.path[last].tried++
		if s.path[last].tried < s.path[last].total {
			return true
		}
		s.path = s.path[:last]
	}
	s.exhausted = true
	return false
}

// IDDFSStrategy wraps DFSStrategy with an increasing step-depth ceiling:
// each outer round runs DFS to exhaustion (or iteration budget) at a
// shallow ceiling, then widens it, trading completeness-at-a-depth for
// broader shallow coverage first.
type IDDFSStrategy struct {
	inner        *DFSStrategy
	depth        int
	depthStep    int
	maxDepth     int
	stepsThisRun int
	iterations   int
	ran          int
}

func NewIDDFSStrategy(depthStep, maxDepth, iterations int) *IDDFSStrategy {
	return &IDDFSStrategy{
		inner:      NewDFSStrategy(0),
		depth:      depthStep,
		depthStep:  depthStep,
		maxDepth:   maxDepth,
		iterations: iterations,
	}
}

func (s *IDDFSStrategy) NextOperation(enabled []Operation, current event.MachineID) (Operation, bool) {
	if s.stepsThisRun >= s.depth {
		// Depth ceiling reached: force termination of this iteration by
		// reporting nothing enabled, so the controller concludes cleanly
		// rather than continuing past the current ceiling.
		return Operation{}, false
	}
	s.stepsThisRun++
	return s.inner.NextOperation(enabled, current)
}

func (s *IDDFSStrategy) NextBoolean(max int) bool { return s.inner.NextBoolean(max) }
func (s *IDDFSStrategy) NextInteger(max int) int  { return s.inner.NextInteger(max) }

func (s *IDDFSStrategy) PrepareForNextIteration() bool {
	s.stepsThisRun = 0
	s.ran++
	if s.iterations > 0 && s.ran >= s.iterations {
		return false
	}
	more := s.inner.PrepareForNextIteration()
	if !more {
		if s.maxDepth > 0 && s.depth >= s.maxDepth {
			return false
		}
		s.depth += s.depthStep
		s.inner = NewDFSStrategy(0)
		return true
	}
	return true
}

// PortfolioStrategy round-robins a set of underlying strategies, one per
// iteration, so a single scheduling config run exercises several
// exploration policies.
type PortfolioStrategy struct {
	members []Strategy
	idx     int
}

func NewPortfolioStrategy(members ...Strategy) *PortfolioStrategy {
	return &PortfolioStrategy{members: members}
}

func (s *PortfolioStrategy) current() Strategy { return s.members[s.idx%len(s.members)] }

func (s *PortfolioStrategy) NextOperation(enabled []Operation, current event.MachineID) (Operation, bool) {
	return s.current().NextOperation(enabled, current)
}
func (s *PortfolioStrategy) NextBoolean(max int) bool { return s.current().NextBoolean(max) }
func (s *PortfolioStrategy) NextInteger(max int) int  { return s.current().NextInteger(max) }

func (s *PortfolioStrategy) PrepareForNextIteration() bool {
	more := s.current().PrepareForNextIteration()
	s.idx++
	return more || s.idx < len(s.members)
}

// ReplayStrategy drives an iteration from a previously recorded
// ScheduleTrace, asserting the live enabled set still contains the
// recorded choice at each step; any mismatch is a divergence (a
// non-deterministic test harness), per spec.md §4.5.
type ReplayStrategy struct {
	trace        *ScheduleTrace
	cursor       int
	choiceCursor int
	Diverged     bool
	DivergeAt    int
}

func NewReplayStrategy(trace *ScheduleTrace) *ReplayStrategy {
	return &ReplayStrategy{trace: trace}
}

// NextOperation walks the trace independently of NextBoolean/NextInteger's
// choiceCursor, skipping over any OpChoice entries a Random/RandomInt call
// interleaved — those carry a recorded value, not a next-task-to-run
// decision, and are never candidates here.
func (s *ReplayStrategy) NextOperation(enabled []Operation, current event.MachineID) (Operation, bool) {
	for s.cursor < len(s.trace.Entries) && s.trace.Entries[s.cursor].DecisionKind == OpChoice {
		s.cursor++
	}
	if s.cursor >= len(s.trace.Entries) {
		return Operation{}, false
	}
	want := s.trace.Entries[s.cursor]
	s.cursor++
	for _, op := range enabled {
		if op.ID.Equal(want.ChosenID) {
			return op, true
		}
	}
	s.Diverged = true
	s.DivergeAt = want.StepIndex
	if len(enabled) == 0 {
		return Operation{}, false
	}
	return enabled[0], true
}

// nextChoice scans forward from choiceCursor for the next OpChoice entry,
// skipping any scheduling-decision entries NextOperation interleaved.
func (s *ReplayStrategy) nextChoice() (int, bool) {
	for s.choiceCursor < len(s.trace.Entries) {
		e := s.trace.Entries[s.choiceCursor]
		s.choiceCursor++
		if e.DecisionKind == OpChoice {
			return e.ChoiceValue, true
		}
	}
	return 0, false
}

func (s *ReplayStrategy) NextBoolean(max int) bool {
	v, ok := s.nextChoice()
	return ok && v != 0
}

func (s *ReplayStrategy) NextInteger(max int) int {
	v, _ := s.nextChoice()
	return v
}

func (s *ReplayStrategy) PrepareForNextIteration() bool { return false }
