package testutil_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticefsm/latticefsm/internal/descriptor"
	"github.com/latticefsm/latticefsm/internal/event"
	"github.com/latticefsm/latticefsm/internal/scheduler/controlled"
	"github.com/latticefsm/latticefsm/testutil"
)

func lightSwitchTable(t *testing.T) *descriptor.Table {
	t.Helper()
	b := descriptor.New("LightSwitch")
	b.State("Off").Start().OnGoto("flip", "On")
	b.State("On").OnGoto("flip", "Off")
	tbl, err := b.Build()
	require.NoError(t, err)
	return tbl
}

func TestProductionHarnessDrivesTrackedMachine(t *testing.T) {
	h := testutil.NewProductionHarness(1, nil)
	require.NoError(t, h.RegisterType(lightSwitchTable(t)))

	_, err := h.Start("LightSwitch", nil)
	require.NoError(t, err)
	require.NoError(t, h.WaitForQuiescence(time.Second))

	state, err := h.CurrentState()
	require.NoError(t, err)
	assert.Equal(t, "Off", state)

	require.NoError(t, h.Send(event.New("flip", nil)))
	require.NoError(t, h.WaitForQuiescence(time.Second))

	state, err = h.CurrentState()
	require.NoError(t, err)
	assert.Equal(t, "On", state)
}

func TestRunScenarioExploresControlledBackend(t *testing.T) {
	results, err := testutil.RunScenario(
		controlled.Config{MaxSteps: 20},
		controlled.NewDFSStrategy(1),
		[]*descriptor.Table{lightSwitchTable(t)},
		func(c *controlled.Controller) error {
			_, err := c.CreateMachine("LightSwitch", &event.Event{Kind: "flip"}, "")
			return err
		},
	)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, controlled.VerdictCompleted, results[0].Verdict)
}
