package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/latticefsm/latticefsm/internal/descriptor"
	"github.com/latticefsm/latticefsm/internal/event"
)

// GotoDeclaration is a goto transition: target state plus an optional
// named transition action.
type GotoDeclaration struct {
	Target string `yaml:"target"`
	Action string `yaml:"action,omitempty"`
}

// StateDeclaration mirrors the teacher's StateConfig shape (yaml-tagged,
// builder-friendly), generalized to this runtime's flat goto/push/pop
// handler kinds instead of hierarchical Children/Initial.
type StateDeclaration struct {
	Name    string                     `yaml:"name"`
	Start   bool                       `yaml:"start,omitempty"`
	OnEntry string                     `yaml:"on_entry,omitempty"`
	OnExit  string                     `yaml:"on_exit,omitempty"`
	Do      map[event.Kind]string      `yaml:"do,omitempty"`
	Goto    map[event.Kind]GotoDeclaration `yaml:"goto,omitempty"`
	Push    map[event.Kind]string      `yaml:"push,omitempty"`
	Pop     []event.Kind               `yaml:"pop,omitempty"`
	Defer   []event.Kind               `yaml:"defer,omitempty"`
	Ignore  []event.Kind               `yaml:"ignore,omitempty"`
}

// MachineDeclaration describes a machine type's state table in YAML,
// mirroring the teacher's MachineConfig (ID/Initial/States) with States
// as an ordered list rather than a map so declaration order round-trips.
type MachineDeclaration struct {
	TypeName string              `yaml:"type_name"`
	States   []StateDeclaration  `yaml:"states"`
}

// ActionRegistry resolves the named actions a MachineDeclaration
// references to real descriptor.ActionFunc values; a declaration cannot
// embed Go closures, so callers register the actions its YAML names
// before compiling.
type ActionRegistry map[string]descriptor.ActionFunc

// LoadMachineDeclarationBytes parses a MachineDeclaration from YAML bytes
// already read by the caller.
func LoadMachineDeclarationBytes(raw []byte) (*MachineDeclaration, error) {
	var decl MachineDeclaration
	if err := yaml.Unmarshal(raw, &decl); err != nil {
		return nil, fmt.Errorf("config: parsing machine declaration: %w", err)
	}
	return &decl, nil
}

// FromYAML compiles a MachineDeclaration into a descriptor.Table,
// resolving named actions against actions, generalizing the teacher's
// MachineConfig.Validate() + core.precomputePaths cache-build step into a
// single builder pass (descriptor.Builder already validates start-state
// uniqueness and goto/push target existence at Build()).
func FromYAML(decl *MachineDeclaration, actions ActionRegistry) (*descriptor.Table, error) {
	if decl.TypeName == "" {
		return nil, fmt.Errorf("config: machine declaration missing type_name")
	}
	b := descriptor.New(decl.TypeName)

	resolve := func(name string) (descriptor.ActionFunc, error) {
		if name == "" {
			return nil, nil
		}
		fn, ok := actions[name]
		if !ok {
			return nil, fmt.Errorf("config: type %q references unregistered action %q", decl.TypeName, name)
		}
		return fn, nil
	}

	for _, sd := range decl.States {
		sb := b.State(sd.Name)
		if sd.Start {
			sb.Start()
		}

		entry, err := resolve(sd.OnEntry)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			sb.OnEntry(entry)
		}

		exit, err := resolve(sd.OnExit)
		if err != nil {
			return nil, err
		}
		if exit != nil {
			sb.OnExit(exit)
		}

		for kind, actionName := range sd.Do {
			fn, err := resolve(actionName)
			if err != nil {
				return nil, err
			}
			if fn == nil {
				return nil, fmt.Errorf("config: state %q do-handler %q has no action", sd.Name, kind)
			}
			sb.OnDo(kind, fn)
		}

		for kind, gd := range sd.Goto {
			action, err := resolve(gd.Action)
			if err != nil {
				return nil, err
			}
			if action != nil {
				sb.OnGoto(kind, gd.Target, action)
			} else {
				sb.OnGoto(kind, gd.Target)
			}
		}

		for kind, target := range sd.Push {
			sb.OnPush(kind, target)
		}
		for _, kind := range sd.Pop {
			sb.OnPop(kind)
		}
		if len(sd.Defer) > 0 {
			sb.Defer(sd.Defer...)
		}
		if len(sd.Ignore) > 0 {
			sb.Ignore(sd.Ignore...)
		}
	}

	return b.Build()
}
