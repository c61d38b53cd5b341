package cable

// Shared building blocks for drivers that have no smarter way of doing
// something.

// TransferBitwise implements Transfer on top of a driver's Clock and GetTDO.
func TransferBitwise(c *Cable, d Driver, in, out []bool) (int, error) {
	for i, bit := range in {
		if out != nil {
			v, err := d.GetTDO(c)
			if err != nil {
				return i, err
			}
			out[i] = v
		}
		if err := d.Clock(c, false, bit, 1); err != nil {
			return i, err
		}
	}
	return len(in), nil
}

// doOneQueued executes the head of the Todo queue with the driver's direct
// operations. The item is only removed once it has executed.
func doOneQueued(c *Cable) (bool, error) {
	if c.todo.Len() == 0 {
		return false, nil
	}
	d := c.driver
	it := c.todo.Front()
	var (
		res *Item
		err error
	)

	switch it.Action {
	case ActionClock:
		err = d.Clock(c, it.TMS, it.TDI, it.N)
	case ActionClockCompact:
		for i := 0; i < it.N && err == nil; i++ {
			err = d.Clock(c, it.TMSBits&(1<<i) != 0, it.TDI, 1)
		}
	case ActionSetSignal:
		_, err = d.SetSignal(c, it.Sig, it.Val)
	case ActionGetTDO:
		var v bool
		v, err = d.GetTDO(c)
		res = &Item{Action: ActionGetTDO, Level: v}
	case ActionGetSignal:
		var v bool
		v, err = d.GetSignal(c, it.Sig)
		res = &Item{Action: ActionGetSignal, Sig: it.Sig, Level: v}
	case ActionTransfer:
		var r int
		r, err = d.Transfer(c, it.In, it.Out)
		if it.Out != nil {
			res = &Item{Action: ActionTransfer, Out: it.Out, Res: r}
		}
	}
	if err != nil {
		return false, err
	}

	c.todo.PopFront()
	if res != nil {
		if err := c.done.Push(*res); err != nil {
			return false, err
		}
	}
	return true, nil
}

// FlushOneByOne executes every queued item individually. It drains the
// queue even when asked to flush only optionally; holding work back gains
// nothing for drivers without batching.
func FlushOneByOne(c *Cable, how FlushAmount) error {
	for {
		ok, err := doOneQueued(c)
		if err != nil || !ok {
			return err
		}
	}
}

// FlushUsingTransfer merges runs of TMS-low clocks, TDO reads and
// transfers into single driver Transfer calls. Everything else goes
// through FlushOneByOne semantics.
func FlushUsingTransfer(c *Cable, how FlushAmount) error {
	if how == Optionally {
		return nil
	}
	for c.todo.Len() > 0 {
		n, bits := 0, 0
	scan:
		for ; n < c.todo.Len(); n++ {
			it := c.todo.At(n)
			switch {
			case it.Action == ActionClock && !it.TMS:
				bits += it.N
			case it.Action == ActionTransfer:
				bits += len(it.In)
			case it.Action == ActionGetTDO:
			default:
				break scan
			}
		}

		if bits == 0 || n <= 1 {
			if _, err := doOneQueued(c); err != nil {
				return err
			}
			continue
		}

		in := make([]bool, 0, bits)
		for j := 0; j < n; j++ {
			it := c.todo.At(j)
			switch it.Action {
			case ActionClock:
				for k := 0; k < it.N; k++ {
					in = append(in, it.TDI)
				}
			case ActionTransfer:
				in = append(in, it.In...)
			}
		}
		out := make([]bool, bits)
		if _, err := c.driver.Transfer(c, in, out); err != nil {
			return err
		}

		// out[i] is TDO before clock i, which is TDO after clock i-1. A read
		// after the last merged bit needs a real sample.
		var (
			tail    bool
			tailErr error
			sampled bool
		)
		pos := 0
		for j := 0; j < n; j++ {
			it := c.todo.PopFront()
			switch it.Action {
			case ActionClock:
				pos += it.N
			case ActionGetTDO:
				var v bool
				if pos < bits {
					v = out[pos]
				} else {
					if !sampled {
						tail, tailErr = c.driver.GetTDO(c)
						sampled = true
					}
					if tailErr != nil {
						return tailErr
					}
					v = tail
				}
				if err := c.done.Push(Item{Action: ActionGetTDO, Level: v}); err != nil {
					return err
				}
			case ActionTransfer:
				if it.Out != nil {
					copy(it.Out, out[pos:pos+len(it.In)])
					if err := c.done.Push(Item{Action: ActionTransfer, Out: it.Out, Res: len(it.In)}); err != nil {
						return err
					}
				}
				pos += len(it.In)
			}
		}
	}
	return nil
}

// SignalCache tracks line levels for drivers that cannot read them back.
type SignalCache struct {
	Signals Signal
}

// Apply merges val into the cached state under mask and returns the state
// from before.
func (s *SignalCache) Apply(mask, val Signal) Signal {
	prev := s.Signals
	s.Signals = (s.Signals &^ mask) | (val & mask)
	return prev
}

func (s *SignalCache) Get(sig Signal) bool {
	return s.Signals&sig != 0
}

// SetClocked records the TMS/TDI levels left on the wire by a clock run.
func (s *SignalCache) SetClocked(tms, tdi bool) {
	s.Signals &^= TCK | TMS | TDI
	if tms {
		s.Signals |= TMS
	}
	if tdi {
		s.Signals |= TDI
	}
}
