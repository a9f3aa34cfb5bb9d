package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticefsm/latticefsm/config"
	"github.com/latticefsm/latticefsm/internal/descriptor"
	"github.com/latticefsm/latticefsm/internal/event"
	"github.com/latticefsm/latticefsm/internal/iface"
)

func TestFromYAMLCompilesPushPopTable(t *testing.T) {
	raw := []byte(`
type_name: Nested
states:
  - name: A
    start: true
    push:
      descend: B
    do:
      handled-by-A: noop
  - name: B
    pop:
      - back
`)
	decl, err := config.LoadMachineDeclarationBytes(raw)
	require.NoError(t, err)

	actions := config.ActionRegistry{
		"noop": func(h iface.Handle, ev event.Event) error { return nil },
	}
	tbl, err := config.FromYAML(decl, actions)
	require.NoError(t, err)
	assert.Equal(t, "Nested", tbl.TypeName)
	assert.Equal(t, "A", tbl.Start)

	a, err := tbl.State("A")
	require.NoError(t, err)
	assert.Equal(t, descriptor.HandlerPush, a.Lookup("descend").Kind)

	b, err := tbl.State("B")
	require.NoError(t, err)
	assert.Equal(t, descriptor.HandlerPop, b.Lookup("back").Kind)
}

func TestFromYAMLRejectsUnregisteredAction(t *testing.T) {
	raw := []byte(`
type_name: Broken
states:
  - name: A
    start: true
    do:
      go: missing
`)
	decl, err := config.LoadMachineDeclarationBytes(raw)
	require.NoError(t, err)

	_, err = config.FromYAML(decl, config.ActionRegistry{})
	require.Error(t, err)
}

func TestFromYAMLRejectsMissingTypeName(t *testing.T) {
	decl := &config.MachineDeclaration{}
	_, err := config.FromYAML(decl, config.ActionRegistry{})
	require.Error(t, err)
}
