package production_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticefsm/latticefsm/internal/descriptor"
	"github.com/latticefsm/latticefsm/internal/errs"
	"github.com/latticefsm/latticefsm/internal/event"
	"github.com/latticefsm/latticefsm/internal/iface"
	"github.com/latticefsm/latticefsm/internal/scheduler/production"
)

// TestPingPongScenario implements scenario 1 from spec.md §8: server
// replies Pong to Ping; client should receive exactly one Pong.
func TestPingPongScenario(t *testing.T) {
	var mu sync.Mutex
	var received []event.Kind
	done := make(chan struct{})

	client := descriptor.New("Client")
	client.State("Active").Start().OnDo("Pong", func(h iface.Handle, ev event.Event) error {
		mu.Lock()
		received = append(received, ev.Kind)
		mu.Unlock()
		close(done)
		return nil
	})
	clientTable, err := client.Build()
	require.NoError(t, err)

	var serverID event.MachineID
	server := descriptor.New("Server")
	server.State("Active").Start().OnDo("Ping", func(h iface.Handle, ev event.Event) error {
		sender := ev.SenderID
		require.NotNil(t, sender)
		return h.Send(*sender, event.New("Pong", nil), iface.SendOptions{})
	})
	serverTable, err := server.Build()
	require.NoError(t, err)

	rt := production.New(1, func(machineID event.MachineID, err error) {
		t.Errorf("unexpected failure on %s: %v", machineID, err)
	})
	require.NoError(t, rt.RegisterType(clientTable))
	require.NoError(t, rt.RegisterType(serverTable))

	serverID, err = rt.CreateMachine("Server", nil, "")
	require.NoError(t, err)
	clientID, err := rt.CreateMachine("Client", nil, "")
	require.NoError(t, err)

	require.NoError(t, rt.Send(clientID, serverID, event.New("Ping", nil), iface.SendOptions{}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Pong")
	}
	rt.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []event.Kind{"Pong"}, received)
}

func TestSendToHaltedMachineWithMustHandleAsserts(t *testing.T) {
	rt := production.New(2, nil)

	halted := event.MachineID{TypeName: "Ghost", Value: 99}
	err := rt.Send(event.MachineID{}, halted, event.New("Critical", nil), iface.SendOptions{MustHandle: true})
	require.Error(t, err)
}

func TestSendToUnboundMachineWithoutMustHandleIsSilent(t *testing.T) {
	rt := production.New(3, nil)
	unbound := event.MachineID{TypeName: "Ghost", Value: 100}
	err := rt.Send(event.MachineID{}, unbound, event.New("Whatever", nil), iface.SendOptions{})
	require.NoError(t, err)
}

// TestCreateMachineIDThenBind exercises spec.md §6's two-phase
// create_machine_id/bind pair directly, rather than through the
// single-call CreateMachine convenience.
func TestCreateMachineIDThenBind(t *testing.T) {
	rt := production.New(1, func(machineID event.MachineID, err error) {
		t.Errorf("unexpected failure on %s: %v", machineID, err)
	})

	b := descriptor.New("Lazy")
	b.State("Active").Start()
	tbl, err := b.Build()
	require.NoError(t, err)
	require.NoError(t, rt.RegisterType(tbl))

	id := rt.CreateMachineID("Lazy", "")
	require.NoError(t, rt.Bind(id, "Lazy"))

	state, err := rt.CurrentState(id)
	require.NoError(t, err)
	assert.Equal(t, "Active", state)
}

func TestBindTypeMismatchIsEventTypeMismatch(t *testing.T) {
	rt := production.New(1, nil)

	b := descriptor.New("Lazy")
	b.State("Active").Start()
	tbl, err := b.Build()
	require.NoError(t, err)
	require.NoError(t, rt.RegisterType(tbl))

	id := rt.CreateMachineID("Lazy", "")
	err = rt.Bind(id, "Other")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindEventTypeMismatch))
}

func TestBindDuplicateIsDuplicateMachineId(t *testing.T) {
	rt := production.New(1, nil)

	b := descriptor.New("Lazy")
	b.State("Active").Start()
	tbl, err := b.Build()
	require.NoError(t, err)
	require.NoError(t, rt.RegisterType(tbl))

	id := rt.CreateMachineID("Lazy", "")
	require.NoError(t, rt.Bind(id, "Lazy"))
	err = rt.Bind(id, "Lazy")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindDuplicateMachineID))
}

// TestSendAndExecuteDrainsIdleTarget exercises SendAndExecute on the
// production backend: since Echo is freshly created and idle, the Ping
// handler must run synchronously in the caller's own goroutine before
// SendAndExecute returns, not merely get enqueued for some other goroutine
// to pick up later.
func TestSendAndExecuteDrainsIdleTarget(t *testing.T) {
	var handled bool

	echo := descriptor.New("Echo")
	echo.State("Active").Start().OnDo("Ping", func(h iface.Handle, ev event.Event) error {
		handled = true
		return nil
	})
	echoTbl, err := echo.Build()
	require.NoError(t, err)

	rt := production.New(1, func(machineID event.MachineID, err error) {
		t.Errorf("unexpected failure on %s: %v", machineID, err)
	})
	require.NoError(t, rt.RegisterType(echoTbl))

	echoID, err := rt.CreateMachine("Echo", nil, "")
	require.NoError(t, err)

	ok, err := rt.SendAndExecute(event.MachineID{}, echoID, event.New("Ping", nil), iface.SendOptions{})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, handled)
}
