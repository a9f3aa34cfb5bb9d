// Package descriptor implements the per-(machine-type, state) state table:
// spec.md's "State descriptor registry" component. It generalizes the
// teacher's primitives.StateConfig (entry/exit actions, event-to-transition
// maps) from a hierarchical SCXML tree to the flat state-stack model this
// runtime needs (goto/push/pop, no guards, no parallel regions).
package descriptor

import (
	"fmt"

	"github.com/latticefsm/latticefsm/internal/event"
	"github.com/latticefsm/latticefsm/internal/iface"
)

// ActionFunc is the type of entry/exit/do/goto-transition actions. It takes
// the handle the action runs with and the event that triggered it (the
// zero event.Event for OnEntry/OnExit when no carrier was supplied).
type ActionFunc func(h iface.Handle, ev event.Event) error

// HandlerKind is the sum type spec.md §9 asks for in place of the
// teacher's dynamic type-switch dispatch on ActionRef/GuardRef.
type HandlerKind int

const (
	HandlerNotFound HandlerKind = iota
	HandlerDoAction
	HandlerGoto
	HandlerGotoWithAction
	HandlerPush
	HandlerPop
)

func (k HandlerKind) String() string {
	switch k {
	case HandlerDoAction:
		return "DoAction"
	case HandlerGoto:
		return "Goto"
	case HandlerGotoWithAction:
		return "GotoWithAction"
	case HandlerPush:
		return "Push"
	case HandlerPop:
		return "Pop"
	default:
		return "NotFound"
	}
}

// GotoTransition is a goto handler: the target state, and an optional
// transition action run before entering it.
type GotoTransition struct {
	Target string
	Action ActionFunc
}

// Handler is the resolved lookup result for a (state, event kind) pair.
type Handler struct {
	Kind   HandlerKind
	Action ActionFunc
	Target string
}

// StateDescriptor is the immutable, per-state record built by Builder.
type StateDescriptor struct {
	Name  string
	Start bool

	OnEntry ActionFunc
	OnExit  ActionFunc

	do   map[event.Kind]ActionFunc
	goTo map[event.Kind]GotoTransition
	push map[event.Kind]string
	pop  map[event.Kind]struct{}

	deferred map[event.Kind]struct{}
	ignored  map[event.Kind]struct{}
}

// IsDeferred reports whether this state defers the given event kind.
// Per spec.md §4.1 a must-handle event is never deferred, even if the
// state's deferred set names its kind: must-handle overrides defer.
func (s *StateDescriptor) IsDeferred(kind event.Kind, mustHandle bool) bool {
	if mustHandle {
		return false
	}
	_, ok := s.deferred[kind]
	return ok
}

// IsIgnored reports whether this state drops the given event kind at
// dequeue. A must-handle event is never silently ignored either; that
// combination is rejected at handler-run time (see machine package).
func (s *StateDescriptor) IsIgnored(kind event.Kind) bool {
	_, ok := s.ignored[kind]
	return ok
}

// HasDefault reports whether this state declares a handler for the
// synthesized event.Default kind.
func (s *StateDescriptor) HasDefault() bool {
	_, ok := s.lookupRaw(event.Default)
	return ok
}

func (s *StateDescriptor) lookupRaw(kind event.Kind) (Handler, bool) {
	if a, ok := s.do[kind]; ok {
		return Handler{Kind: HandlerDoAction, Action: a}, true
	}
	if t, ok := s.goTo[kind]; ok {
		if t.Action != nil {
			return Handler{Kind: HandlerGotoWithAction, Action: t.Action, Target: t.Target}, true
		}
		return Handler{Kind: HandlerGoto, Target: t.Target}, true
	}
	if target, ok := s.push[kind]; ok {
		return Handler{Kind: HandlerPush, Target: target}, true
	}
	if _, ok := s.pop[kind]; ok {
		return Handler{Kind: HandlerPop}, true
	}
	return Handler{}, false
}

// Lookup resolves the handler for kind on this state, per spec.md §4.2's
// lookup_handler. Returns HandlerNotFound (zero Handler) if none declared.
func (s *StateDescriptor) Lookup(kind event.Kind) Handler {
	h, ok := s.lookupRaw(kind)
	if !ok {
		return Handler{Kind: HandlerNotFound}
	}
	return h
}

// Table is the compiled, immutable state table for one machine type —
// the object the registry caches, built once per type (spec.md §9's
// "one-time build step... constant-time map access; no reflection on hot
// paths").
type Table struct {
	TypeName string
	Start    string
	States   map[string]*StateDescriptor
}

// State looks up a state descriptor by name.
func (t *Table) State(name string) (*StateDescriptor, error) {
	s, ok := t.States[name]
	if !ok {
		return nil, fmt.Errorf("descriptor: unknown state %q for type %q", name, t.TypeName)
	}
	return s, nil
}
