package runtime

import (
	"sync/atomic"

	"github.com/latticefsm/latticefsm/internal/event"
	"github.com/latticefsm/latticefsm/internal/iface"
)

// SendStepCounter hands out the monotonic send-step index stamped on every
// enqueued event (spec.md §3's Event.send_step, used to order the schedule
// trace and for FIFO bookkeeping). A plain atomic counter: no library
// brings anything to a single global increment that stdlib doesn't already
// do better.
type SendStepCounter struct {
	next atomic.Uint64
}

func (c *SendStepCounter) Next() uint64 { return c.next.Add(1) - 1 }

// StampEvent fills in an event's sender metadata, send-step index and
// operation-group id. By the time a RuntimeLink.Send implementation sees
// opts, Machine.Send has already resolved send_options.operation_group_id
// > sender's current id > empty (spec.md §4.6), so this just copies it.
func StampEvent(ev event.Event, senderID *event.MachineID, senderState string, opts iface.SendOptions, sendStep uint64) event.Event {
	ev.SendStep = sendStep
	ev.SenderID = senderID
	ev.SenderState = senderState
	ev.MustHandle = opts.MustHandle
	ev.OperationGroupID = opts.OperationGroupID
	return ev
}
