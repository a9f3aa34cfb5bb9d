package monitor

import (
	"fmt"

	"github.com/latticefsm/latticefsm/internal/event"
)

// Builder is monitor's analogue of descriptor.Builder: a fluent state
// table builder, generalized from the same teacher shape minus push/pop
// and plus a per-state temperature mark.
type Builder struct {
	typeName string
	states   map[string]*StateDescriptor
	order    []string
	err      error
}

// StateBuilder configures a single monitor state.
type StateBuilder struct {
	b *Builder
	s *StateDescriptor
}

// NewBuilder starts building a monitor type's state table.
func NewBuilder(typeName string) *Builder {
	return &Builder{typeName: typeName, states: make(map[string]*StateDescriptor)}
}

func (b *Builder) State(name string) *StateBuilder {
	s, ok := b.states[name]
	if !ok {
		s = &StateDescriptor{
			Name: name,
			do:   make(map[event.Kind]ActionFunc),
			goTo: make(map[event.Kind]GotoTransition),
		}
		b.states[name] = s
		b.order = append(b.order, name)
	}
	return &StateBuilder{b: b, s: s}
}

func (sb *StateBuilder) Start() *StateBuilder {
	sb.s.Start = true
	return sb
}

// Hot marks this state as carrying an open liveness obligation.
func (sb *StateBuilder) Hot() *StateBuilder {
	sb.s.Temperature = Hot
	return sb
}

// Cold marks this state as having discharged its liveness obligation.
func (sb *StateBuilder) Cold() *StateBuilder {
	sb.s.Temperature = Cold
	return sb
}

func (sb *StateBuilder) OnEntry(fn ActionFunc) *StateBuilder {
	sb.s.OnEntry = fn
	return sb
}

func (sb *StateBuilder) OnExit(fn ActionFunc) *StateBuilder {
	sb.s.OnExit = fn
	return sb
}

func (sb *StateBuilder) OnDo(kind event.Kind, fn ActionFunc) *StateBuilder {
	if err := sb.b.checkFree(sb.s, kind); err != nil {
		sb.b.err = err
		return sb
	}
	sb.s.do[kind] = fn
	return sb
}

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

func (sb *StateBuilder) State(name string) *StateBuilder {
	return sb.b.State(name)
}

func (b *Builder) checkFree(s *StateDescriptor, kind event.Kind) error {
	if _, ok := s.do[kind]; ok {
		return fmt.Errorf("monitor: state %q already has a handler for %q", s.Name, kind)
	}
	if _, ok := s.goTo[kind]; ok {
		return fmt.Errorf("monitor: state %q already has a handler for %q", s.Name, kind)
	}
	return nil
}

// Build validates and finalizes the monitor type's state table.
func (b *Builder) Build() (*Table, error) {
	if b.err != nil {
		return nil, b.err
	}

	var start string
	for _, name := range b.order {
		s := b.states[name]
		if s.Start {
			if start != "" {
				return nil, fmt.Errorf("monitor: type %q has multiple start states (%q, %q)", b.typeName, start, name)
			}
			start = name
		}
	}
	if start == "" {
		return nil, fmt.Errorf("monitor: type %q has no start state", b.typeName)
	}

	for _, name := range b.order {
		s := b.states[name]
		for _, t := range s.goTo {
			if _, ok := b.states[t.Target]; !ok {
				return nil, fmt.Errorf("monitor: state %q goto targets unknown state %q", name, t.Target)
			}
		}
	}

	return &Table{TypeName: b.typeName, Start: start, States: b.states}, nil
}
