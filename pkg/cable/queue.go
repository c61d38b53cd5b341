package cable

import (
	"fmt"

	"github.com/gammazero/deque"

	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
)

// Action identifies the kind of a queued operation.
type Action int

const (
	ActionClock Action = iota
	// ActionClockCompact is a packed run of up to 7 TMS bits produced by
	// MPSSE-style compilers when they leave a partial run in the queue.
	ActionClockCompact
	ActionGetTDO
	ActionGetSignal
	ActionSetSignal
	ActionTransfer
)

var actionNames = map[Action]string{
	ActionClock:        "clock",
	ActionClockCompact: "clock-compact",
	ActionGetTDO:       "get-tdo",
	ActionGetSignal:    "get-signal",
	ActionSetSignal:    "set-signal",
	ActionTransfer:     "transfer",
}

func (a Action) String() string {
	if n, ok := actionNames[a]; ok {
		return n
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Item is one queued operation or one completed result.
//
// Todo items use the argument fields: TMS/TDI/N for clocks, TMSBits/N for
// compact clocks, Sig for get-signal, Sig/Val (mask/value) for set-signal
// and In plus an optional Out buffer for transfers. Done items carry the
// result in Level (get-tdo, get-signal) or Out/Res (transfer).
type Item struct {
	Action Action

	TMS     bool
	TDI     bool
	N       int
	TMSBits uint8

	Sig Signal
	Val Signal

	In  []bool
	Out []bool

	Level bool
	Res   int
}

// DefaultQueueLimit caps each of a cable's queues.
const DefaultQueueLimit = 1 << 20

// Queue is a bounded FIFO of Items.
type Queue struct {
	name  string
	items deque.Deque[Item]
	limit int
}

func newQueue(name string, limit int) *Queue {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	return &Queue{name: name, limit: limit}
}

func (q *Queue) Len() int { return q.items.Len() }

// Push appends it. A full queue reports ErrOutOfMemory; nothing is dropped.
func (q *Queue) Push(it Item) error {
	if q.items.Len() >= q.limit {
		return jtagerr.OutOfMemory("%s queue full (%d items)", q.name, q.limit)
	}
	q.items.PushBack(it)
	return nil
}

// At returns the i-th item counted from the head.
func (q *Queue) At(i int) Item { return q.items.At(i) }

// Set replaces the i-th item counted from the head.
func (q *Queue) Set(i int, it Item) { q.items.Set(i, it) }

// Front returns the head without removing it.
func (q *Queue) Front() Item { return q.items.Front() }

// PopFront removes and returns the head. Popping an empty queue panics.
func (q *Queue) PopFront() Item {
	if q.items.Len() == 0 {
		panic(fmt.Sprintf("cable: pop from empty %s queue", q.name))
	}
	return q.items.PopFront()
}

// Pop removes the head and checks that it is of kind want. A mismatch
// means results are being consumed out of order and panics.
func (q *Queue) Pop(want Action) Item {
	it := q.PopFront()
	if it.Action != want {
		panic(fmt.Sprintf("cable: %s queue head is %s, caller expected %s", q.name, it.Action, want))
	}
	return it
}

// Discard removes the first n items.
func (q *Queue) Discard(n int) {
	for ; n > 0 && q.items.Len() > 0; n-- {
		q.items.PopFront()
	}
}

func (q *Queue) Clear() { q.items.Clear() }
