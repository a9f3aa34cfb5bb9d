package descriptor

import (
	"fmt"

	"github.com/latticefsm/latticefsm/internal/event"
)

// Builder provides a fluent API for constructing a machine type's state
// table, generalizing the teacher's MachineBuilder/StateBuilder pair
// (builder.go) from named hierarchical states to named flat states with
// goto/push/pop transitions.
type Builder struct {
	typeName string
	states   map[string]*StateDescriptor
	order    []string
	err      error
}

// StateBuilder configures a single state, returned by Builder.State so
// calls can be chained fluently: b.State("A").OnDo(...).Defer(...).
type StateBuilder struct {
	b *Builder
	s *StateDescriptor
}

// New starts building the state table for a machine type.
func New(typeName string) *Builder {
	return &Builder{typeName: typeName, states: make(map[string]*StateDescriptor)}
}

// State returns the StateBuilder for name, creating it if this is the
// first reference (so transitions may name not-yet-declared target states
// without ordering constraints, same as the teacher's auto-create of
// forward-referenced parents).
func (b *Builder) State(name string) *StateBuilder {
	s, ok := b.states[name]
	if !ok {
		s = &StateDescriptor{
			Name:     name,
			do:       make(map[event.Kind]ActionFunc),
			goTo:     make(map[event.Kind]GotoTransition),
			push:     make(map[event.Kind]string),
			pop:      make(map[event.Kind]struct{}),
			deferred: make(map[event.Kind]struct{}),
			ignored:  make(map[event.Kind]struct{}),
		}
		b.states[name] = s
		b.order = append(b.order, name)
	}
	return &StateBuilder{b: b, s: s}
}

// Start marks this state as the machine type's initial state.
func (sb *StateBuilder) Start() *StateBuilder {
	sb.s.Start = true
	return sb
}

// OnEntry sets the state's entry action.
func (sb *StateBuilder) OnEntry(fn ActionFunc) *StateBuilder {
	sb.s.OnEntry = fn
	return sb
}

// OnExit sets the state's exit action.
func (sb *StateBuilder) OnExit(fn ActionFunc) *StateBuilder {
	sb.s.OnExit = fn
	return sb
}

// OnDo declares a do-action handler for kind: run the action, then apply
// whatever pending transition (if any) the action recorded on its handle.
func (sb *StateBuilder) OnDo(kind event.Kind, fn ActionFunc) *StateBuilder {
	if err := sb.b.checkFree(sb.s, kind); err != nil {
		sb.b.err = err
		return sb
	}
	sb.s.do[kind] = fn
	return sb
}

// OnGoto declares a goto handler for kind, with an optional transition
// action run before the current state's exit action and the entry into
// target.
func (sb *StateBuilder) OnGoto(kind event.Kind, target string, action ...ActionFunc) *StateBuilder {
	if err := sb.b.checkFree(sb.s, kind); err != nil {
		sb.b.err = err
		return sb
	}
	var a ActionFunc
	if len(action) > 0 {
		a = action[0]
	}
	sb.s.goTo[kind] = GotoTransition{Target: target, Action: a}
	return sb
}

// OnPush declares a push handler for kind.
func (sb *StateBuilder) OnPush(kind event.Kind, target string) *StateBuilder {
	if err := sb.b.checkFree(sb.s, kind); err != nil {
		sb.b.err = err
		return sb
	}
	sb.s.push[kind] = target
	return sb
}

// OnPop declares that kind triggers a pop of the current state.
func (sb *StateBuilder) OnPop(kind event.Kind) *StateBuilder {
	if err := sb.b.checkFree(sb.s, kind); err != nil {
		sb.b.err = err
		return sb
	}
	sb.s.pop[kind] = struct{}{}
	return sb
}

// Defer marks kinds as deferred in this state: the event is skipped (left
// in the inbox) rather than dropped or dispatched, until a state that does
// not defer it is reached.
func (sb *StateBuilder) Defer(kinds ...event.Kind) *StateBuilder {
	for _, k := range kinds {
		sb.s.deferred[k] = struct{}{}
	}
	return sb
}

// Ignore marks kinds as ignored in this state: dropped silently at
// dequeue.
func (sb *StateBuilder) Ignore(kinds ...event.Kind) *StateBuilder {
	for _, k := range kinds {
		sb.s.ignored[k] = struct{}{}
	}
	return sb
}

// State allows chaining back to declare a sibling state.
func (sb *StateBuilder) State(name string) *StateBuilder {
	return sb.b.State(name)
}

func (b *Builder) checkFree(s *StateDescriptor, kind event.Kind) error {
	if _, ok := s.do[kind]; ok {
		return fmt.Errorf("descriptor: state %q already has a handler for %q", s.Name, kind)
	}
	if _, ok := s.goTo[kind]; ok {
		return fmt.Errorf("descriptor: state %q already has a handler for %q", s.Name, kind)
	}
	if _, ok := s.push[kind]; ok {
		return fmt.Errorf("descriptor: state %q already has a handler for %q", s.Name, kind)
	}
	if _, ok := s.pop[kind]; ok {
		return fmt.Errorf("descriptor: state %q already has a handler for %q", s.Name, kind)
	}
	return nil
}

// Build validates and finalizes the state table: exactly one start state,
// no kind both deferred and ignored in the same state, and every goto/push
// target must name a declared state.
func (b *Builder) Build() (*Table, error) {
	if b.err != nil {
		return nil, b.err
	}

	var start string
	for _, name := range b.order {
		s := b.states[name]
		if s.Start {
			if start != "" {
				return nil, fmt.Errorf("descriptor: type %q has multiple start states (%q, %q)", b.typeName, start, name)
			}
			start = name
		}
		for k := range s.deferred {
			if _, ok := s.ignored[k]; ok {
				return nil, fmt.Errorf("descriptor: state %q declares %q as both deferred and ignored", name, k)
			}
		}
	}
	if start == "" {
		return nil, fmt.Errorf("descriptor: type %q has no start state", b.typeName)
	}

	for _, name := range b.order {
		s := b.states[name]
		for _, t := range s.goTo {
			if _, ok := b.states[t.Target]; !ok {
				return nil, fmt.Errorf("descriptor: state %q goto targets unknown state %q", name, t.Target)
			}
		}
		for _, target := range s.push {
			if _, ok := b.states[target]; !ok {
				return nil, fmt.Errorf("descriptor: state %q push targets unknown state %q", name, target)
			}
		}
	}

	return &Table{TypeName: b.typeName, Start: start, States: b.states}, nil
}
