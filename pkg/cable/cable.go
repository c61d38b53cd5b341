// Package cable implements the JTAG cable abstraction: a Cable handle that
// owns one Driver plus its Todo and Done queues, the generic flush
// strategies shared by drivers, and the concrete drivers themselves.
//
// Operations come in three flavours. Direct calls (Clock, GetTDO, ...)
// drain the Todo queue completely and then talk to the driver. Deferred
// calls (DeferClock, DeferGetTDO, ...) only queue work. Late calls
// (GetTDOLate, ...) flush far enough for results to exist and pop them from
// the Done queue in the order the deferred calls were made.
package cable

import (
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/physic"

	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
	"github.com/OpenTraceLab/tapflash/pkg/logging"
)

// Driver is the per-transport half of a cable. Drivers are created
// unattached to hardware; Init opens the transport.
type Driver interface {
	Init(c *Cable) error
	Done(c *Cable)
	Free()
	SetFrequency(c *Cable, f physic.Frequency) error
	Clock(c *Cable, tms, tdi bool, n int) error
	GetTDO(c *Cable) (bool, error)
	// Transfer shifts in on TDI with TMS low. When out is non-nil the TDO
	// level seen before each clock is stored in it.
	Transfer(c *Cable, in, out []bool) (int, error)
	// SetSignal returns the signal state from before the change.
	SetSignal(c *Cable, mask, val Signal) (Signal, error)
	GetSignal(c *Cable, sig Signal) (bool, error)
	Flush(c *Cable, how FlushAmount) error
}

// Cable is a handle on one connected cable.
type Cable struct {
	name   string
	driver Driver
	state  State

	todo *Queue
	done *Queue

	frequency physic.Frequency
	delay     int

	log *logrus.Entry
}

// Option tunes a Cable at construction.
type Option func(*Cable)

// WithQueueLimit bounds the Todo and Done queues to n items each.
func WithQueueLimit(n int) Option {
	return func(c *Cable) {
		c.todo = newQueue("todo", n)
		c.done = newQueue("done", n)
	}
}

// New attaches a driver. The cable starts in StateConnected; nothing is
// sent to the hardware until Init.
func New(name string, d Driver, opts ...Option) *Cable {
	c := &Cable{
		name:   name,
		driver: d,
		state:  StateConnected,
		todo:   newQueue("todo", DefaultQueueLimit),
		done:   newQueue("done", DefaultQueueLimit),
		log:    logging.For("cable").WithField("cable", name),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cable) Name() string { return c.name }
func (c *Cable) State() State { return c.state }
func (c *Cable) Driver() Driver { return c.driver }
func (c *Cable) TodoQueue() *Queue { return c.todo }
func (c *Cable) DoneQueue() *Queue { return c.done }

// Frequency is the TCK frequency last established by the driver; zero
// means "as fast as possible".
func (c *Cable) Frequency() physic.Frequency { return c.frequency }

// SetActualFrequency records the frequency a driver really configured.
func (c *Cable) SetActualFrequency(f physic.Frequency) { c.frequency = f }

// Delay is the busy-wait loop count used by bit-banging drivers.
func (c *Cable) Delay() int { return c.delay }

func (c *Cable) SetDelay(d int) {
	if d < 0 {
		d = 0
	}
	c.delay = d
}

var waitSink int

// Wait burns Delay() loop iterations between bit-bang edges.
func (c *Cable) Wait() {
	s := 0
	for i := 0; i < c.delay; i++ {
		s += i
	}
	waitSink = s
}

// Log is the cable's log entry for use by drivers.
func (c *Cable) Log() *logrus.Entry { return c.log }

func (c *Cable) active() error {
	if c.state != StateActive {
		return jtagerr.State("cable %s is %s, not active", c.name, c.state)
	}
	return nil
}

// Init opens the transport and programs idle line levels. It may be called
// again after Done.
func (c *Cable) Init() error {
	switch c.state {
	case StateFreed:
		return jtagerr.State("cable %s has been freed", c.name)
	case StateActive:
		return nil
	}
	c.delay = 0
	c.frequency = 0
	c.todo.Clear()
	c.done.Clear()
	if err := c.driver.Init(c); err != nil {
		return jtagerr.Wrap(err, "cable %s init", c.name)
	}
	c.state = StateActive
	c.log.Debug("initialized")
	return nil
}

// Done flushes outstanding work and releases the transport. Calling it on
// a cable that is not active does nothing.
func (c *Cable) Done() {
	if c.state != StateActive {
		return
	}
	if err := c.driver.Flush(c, Completely); err != nil {
		c.log.WithError(err).Warn("flush on done failed")
	}
	c.todo.Clear()
	c.done.Clear()
	c.driver.Done(c)
	c.state = StateConnected
	c.log.Debug("done")
}

// Free releases the driver. It must be called exactly once.
func (c *Cable) Free() error {
	if c.state == StateFreed {
		return jtagerr.State("cable %s freed twice", c.name)
	}
	c.Done()
	c.driver.Free()
	c.state = StateFreed
	return nil
}

// Disconnect is Done followed by Free.
func (c *Cable) Disconnect() error {
	c.Done()
	return c.Free()
}

// Flush asks the driver to drain the Todo queue.
func (c *Cable) Flush(how FlushAmount) error {
	if err := c.active(); err != nil {
		return err
	}
	return c.driver.Flush(c, how)
}

func (c *Cable) flushAll() error {
	if err := c.active(); err != nil {
		return err
	}
	return c.driver.Flush(c, Completely)
}

// SetFrequency reprograms TCK. Zero selects the fastest rate.
func (c *Cable) SetFrequency(f physic.Frequency) error {
	if err := c.flushAll(); err != nil {
		return err
	}
	return c.driver.SetFrequency(c, f)
}

func (c *Cable) Clock(tms, tdi bool, n int) error {
	if err := c.flushAll(); err != nil {
		return err
	}
	return c.driver.Clock(c, tms, tdi, n)
}

func (c *Cable) GetTDO() (bool, error) {
	if err := c.flushAll(); err != nil {
		return false, err
	}
	return c.driver.GetTDO(c)
}

func (c *Cable) SetSignal(mask, val Signal) (Signal, error) {
	if err := c.flushAll(); err != nil {
		return 0, err
	}
	return c.driver.SetSignal(c, mask, val)
}

func (c *Cable) GetSignal(sig Signal) (bool, error) {
	if err := c.flushAll(); err != nil {
		return false, err
	}
	return c.driver.GetSignal(c, sig)
}

// Transfer shifts len(in) bits. out may be nil; otherwise it must be at
// least as long as in.
func (c *Cable) Transfer(in, out []bool) (int, error) {
	if out != nil && len(out) < len(in) {
		return 0, jtagerr.Invalid("transfer output buffer too short: %d < %d", len(out), len(in))
	}
	if err := c.flushAll(); err != nil {
		return 0, err
	}
	return c.driver.Transfer(c, in, out)
}

func (c *Cable) queue(it Item) error {
	if err := c.active(); err != nil {
		return err
	}
	if err := c.todo.Push(it); err != nil {
		return err
	}
	return c.driver.Flush(c, Optionally)
}

func (c *Cable) DeferClock(tms, tdi bool, n int) error {
	if n <= 0 {
		return nil
	}
	return c.queue(Item{Action: ActionClock, TMS: tms, TDI: tdi, N: n})
}

func (c *Cable) DeferGetTDO() error {
	return c.queue(Item{Action: ActionGetTDO})
}

func (c *Cable) DeferSetSignal(mask, val Signal) error {
	return c.queue(Item{Action: ActionSetSignal, Sig: mask, Val: val})
}

func (c *Cable) DeferGetSignal(sig Signal) error {
	return c.queue(Item{Action: ActionGetSignal, Sig: sig})
}

// DeferTransfer queues a shift of in. The bits are copied, so the caller
// may reuse in immediately. With wantOut the captured TDO bits are later
// collected with TransferLate.
func (c *Cable) DeferTransfer(in []bool, wantOut bool) error {
	it := Item{Action: ActionTransfer, In: append([]bool(nil), in...)}
	if wantOut {
		it.Out = make([]bool, len(in))
	}
	return c.queue(it)
}

// GetTDOLate returns the result of the oldest outstanding DeferGetTDO. With
// nothing outstanding it samples TDO directly.
func (c *Cable) GetTDOLate() (bool, error) {
	if err := c.active(); err != nil {
		return false, err
	}
	if err := c.driver.Flush(c, ToOutput); err != nil {
		return false, err
	}
	if c.done.Len() == 0 {
		return c.driver.GetTDO(c)
	}
	return c.done.Pop(ActionGetTDO).Level, nil
}

func (c *Cable) GetSignalLate(sig Signal) (bool, error) {
	if err := c.active(); err != nil {
		return false, err
	}
	if err := c.driver.Flush(c, ToOutput); err != nil {
		return false, err
	}
	if c.done.Len() == 0 {
		return c.driver.GetSignal(c, sig)
	}
	it := c.done.Pop(ActionGetSignal)
	if it.Sig != sig {
		panic("cable: get-signal result for " + it.Sig.String() + ", caller expected " + sig.String())
	}
	return it.Level, nil
}

// TransferLate copies the captured bits of the oldest outstanding
// DeferTransfer with output into out and returns the driver's result.
func (c *Cable) TransferLate(out []bool) (int, error) {
	if err := c.active(); err != nil {
		return 0, err
	}
	if err := c.driver.Flush(c, ToOutput); err != nil {
		return 0, err
	}
	if c.done.Len() == 0 {
		panic("cable: transfer result requested but no transfer with output was deferred")
	}
	it := c.done.Pop(ActionTransfer)
	copy(out, it.Out)
	return it.Res, nil
}
