// Package chain drives the TAP controllers behind a cable: reset, state
// navigation, and instruction and data register scans.
package chain

import (
	"github.com/sirupsen/logrus"

	"github.com/OpenTraceLab/tapflash/pkg/cable"
	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
	"github.com/OpenTraceLab/tapflash/pkg/logging"
	"github.com/OpenTraceLab/tapflash/pkg/tap"
)

// Controller orchestrates TAP-level operations on one cable. It tracks
// the target's controller state, so every clock must go through it.
type Controller struct {
	cable *cable.Cable
	tap   *tap.StateMachine
	log   *logrus.Entry
}

// NewController takes over an initialized cable. The target is assumed to
// be in Test-Logic-Reset until Reset is called.
func NewController(c *cable.Cable) *Controller {
	return &Controller{
		cable: c,
		tap:   tap.NewStateMachine(),
		log:   logging.For("chain").WithField("cable", c.Name()),
	}
}

func (c *Controller) Cable() *cable.Cable { return c.cable }

// State is the tracked TAP state.
func (c *Controller) State() tap.State { return c.tap.State() }

// Reset pulses TRST and then walks every TAP to Test-Logic-Reset with
// five TMS-high clocks, ending in Run-Test/Idle.
func (c *Controller) Reset() error {
	if err := c.cable.DeferSetSignal(cable.TRST, 0); err != nil {
		return err
	}
	if err := c.cable.DeferSetSignal(cable.TRST, cable.TRST); err != nil {
		return err
	}
	if err := c.apply(c.tap.Reset()); err != nil {
		return err
	}
	if err := c.GoTo(tap.StateRunTestIdle); err != nil {
		return err
	}
	return c.cable.Flush(cable.Completely)
}

// GoTo queues the shortest TMS path to target. The clocks are deferred;
// they reach the wire with the next flush.
func (c *Controller) GoTo(target tap.State) error {
	p, err := c.tap.GoTo(target)
	if err != nil {
		return err
	}
	return c.apply(p)
}

func (c *Controller) apply(p tap.Path) error {
	for i := 0; i < len(p.TMS); {
		j := i
		for j < len(p.TMS) && p.TMS[j] == p.TMS[i] {
			j++
		}
		if err := c.cable.DeferClock(p.TMS[i], false, j-i); err != nil {
			return err
		}
		i = j
	}
	return nil
}

// ShiftIR scans in through the instruction registers and leaves the TAP in
// exit. With wantOut the captured bits are returned, in[0] first.
func (c *Controller) ShiftIR(in []bool, wantOut bool, exit tap.State) ([]bool, error) {
	return c.shift(tap.StateShiftIR, in, wantOut, exit)
}

// ShiftDR is ShiftIR for the selected data registers.
func (c *Controller) ShiftDR(in []bool, wantOut bool, exit tap.State) ([]bool, error) {
	return c.shift(tap.StateShiftDR, in, wantOut, exit)
}

func (c *Controller) shift(state tap.State, in []bool, wantOut bool, exit tap.State) ([]bool, error) {
	if exit.IsShift() {
		return nil, jtagerr.Invalid("chain: scan must leave %s", exit)
	}
	if err := c.GoTo(state); err != nil {
		return nil, err
	}

	n := len(in)
	c.log.Debugf("%s: %d bits, then %s", state, n, exit)
	if n > 0 {
		if n > 1 {
			if err := c.cable.DeferTransfer(in[:n-1], wantOut); err != nil {
				return nil, err
			}
		}
		// The last bit leaves Shift with TMS high.
		if wantOut {
			if err := c.cable.DeferGetTDO(); err != nil {
				return nil, err
			}
		}
		if err := c.cable.DeferClock(true, in[n-1], 1); err != nil {
			return nil, err
		}
		c.tap.Clock(true)
	}
	if err := c.GoTo(exit); err != nil {
		return nil, err
	}

	var out []bool
	if wantOut && n > 0 {
		out = make([]bool, n)
		if n > 1 {
			if _, err := c.cable.TransferLate(out[:n-1]); err != nil {
				return nil, err
			}
		}
		last, err := c.cable.GetTDOLate()
		if err != nil {
			return nil, err
		}
		out[n-1] = last
	}
	if err := c.cable.Flush(cable.Completely); err != nil {
		return nil, err
	}
	return out, nil
}
