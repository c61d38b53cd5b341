package cable

import (
	"periph.io/x/conn/v3/physic"

	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
	"github.com/OpenTraceLab/tapflash/pkg/usbconn"
)

// USB-Blaster byte protocol. In bit-bang mode each byte sets the lines
// directly; with blasterShift set the low six bits count the bytes that
// follow, which are shifted out on TDI LSB first with TMS low.
const (
	blasterTCK    = 1 << 0
	blasterTMS    = 1 << 1
	blasterTDI    = 1 << 4
	blasterRead   = 1 << 6
	blasterShift  = 1 << 7
	blasterOthers = 1<<2 | 1<<3 | 1<<5 // nCE, nCS and the output enable

	blasterTDO = 1 << 0

	blasterMaxChunk = 63
	blasterFreq     = 12 * physic.MegaHertz
)

// USBBlaster drives an Altera USB-Blaster (FT245 plus CPLD). TCK is fixed.
type USBBlaster struct {
	link    FTDILink
	root    CmdRoot
	signals SignalCache
}

func NewUSBBlaster(link FTDILink) *USBBlaster {
	return &USBBlaster{link: link}
}

func (b *USBBlaster) xfer(how FlushAmount) error {
	return b.root.Xfer(b.link, nil, how)
}

func (b *USBBlaster) Init(c *Cable) error {
	if err := b.link.Open(); err != nil {
		return err
	}
	b.root.Reset()
	// Enough idle bytes to terminate any shift command left half-sent by
	// a previous session.
	b.root.Queue(0)
	for i := 0; i < 64; i++ {
		if err := b.root.Push(0); err != nil {
			return err
		}
	}
	if err := b.xfer(Completely); err != nil {
		b.link.Close()
		return err
	}
	b.signals = SignalCache{Signals: TRST}
	return b.SetFrequency(c, blasterFreq)
}

func (b *USBBlaster) Done(c *Cable) {
	if err := b.link.Close(); err != nil {
		c.Log().WithError(err).Debug("close link")
	}
	b.root.Reset()
}

func (b *USBBlaster) Free() {}

func (b *USBBlaster) SetFrequency(c *Cable, f physic.Frequency) error {
	if f != blasterFreq {
		c.Log().Warnf("USB-Blaster frequency is fixed to %s", blasterFreq)
	}
	c.SetActualFrequency(blasterFreq)
	return nil
}

func (b *USBBlaster) clockSchedule(tms, tdi bool, n int) error {
	var tmsBit, tdiBit byte
	if tms {
		tmsBit = blasterTMS
	}
	if tdi {
		tdiBit = blasterTDI
	}

	if !tms && n >= 8 {
		var fill byte
		if tdi {
			fill = 0xFF
		}
		b.root.Queue(0)
		for n >= 8 {
			chunk := n >> 3
			if chunk > blasterMaxChunk {
				chunk = blasterMaxChunk
			}
			if b.root.Space(mpsseMaxSend) < chunk+1 {
				if err := b.xfer(Completely); err != nil {
					return err
				}
				b.root.Queue(0)
			}
			if err := b.root.Push(blasterShift | byte(chunk)); err != nil {
				return err
			}
			for i := 0; i < chunk; i++ {
				if err := b.root.Push(fill); err != nil {
					return err
				}
			}
			n -= chunk << 3
		}
	}
	for i := 0; i < n; i++ {
		b.root.Queue(0)
		err := b.root.PushBytes(
			blasterOthers|tmsBit|tdiBit,
			blasterOthers|blasterTCK|tmsBit|tdiBit,
		)
		if err != nil {
			return err
		}
	}
	b.signals.SetClocked(tms, tdi)
	return nil
}

func (b *USBBlaster) Clock(c *Cable, tms, tdi bool, n int) error {
	if err := b.clockSchedule(tms, tdi, n); err != nil {
		return err
	}
	return b.xfer(Completely)
}

func (b *USBBlaster) getTDOSchedule() error {
	b.root.Queue(1)
	return b.root.PushBytes(blasterOthers, blasterOthers|blasterRead)
}

func (b *USBBlaster) getTDOFinish() (bool, error) {
	v, err := b.root.Recv()
	if err != nil {
		return false, err
	}
	return v&blasterTDO != 0, nil
}

func (b *USBBlaster) GetTDO(c *Cable) (bool, error) {
	if err := b.getTDOSchedule(); err != nil {
		return false, err
	}
	if err := b.xfer(Completely); err != nil {
		return false, err
	}
	return b.getTDOFinish()
}

// SetSignal is a no-op: the pod has no TRST or SRST line and TCK, TMS and
// TDI are only ever driven by clocking.
func (b *USBBlaster) SetSignal(c *Cable, mask, val Signal) (Signal, error) {
	return b.signals.Signals, nil
}

func (b *USBBlaster) GetSignal(c *Cable, sig Signal) (bool, error) {
	if sig == TDO {
		return b.GetTDO(c)
	}
	return b.signals.Get(sig), nil
}

func (b *USBBlaster) transferSchedule(in []bool, wantOut bool) error {
	b.root.Queue(0)
	if err := b.root.Push(blasterOthers); err != nil {
		return err
	}

	pos := 0
	for len(in)-pos >= 8 {
		chunk := (len(in) - pos) >> 3
		if chunk > blasterMaxChunk {
			chunk = blasterMaxChunk
		}
		op := byte(blasterShift | chunk)
		if wantOut {
			b.root.Queue(chunk)
			op |= blasterRead
		} else {
			b.root.Queue(0)
		}
		if err := b.root.Push(op); err != nil {
			return err
		}
		for i := 0; i < chunk; i++ {
			var v byte
			for bit := 0; bit < 8; bit++ {
				if in[pos] {
					v |= 1 << bit
				}
				pos++
			}
			if err := b.root.Push(v); err != nil {
				return err
			}
		}
	}

	for ; pos < len(in); pos++ {
		var tdi, read byte
		if in[pos] {
			tdi = blasterTDI
		}
		if wantOut {
			b.root.Queue(1)
			read = blasterRead
		} else {
			b.root.Queue(0)
		}
		if err := b.root.PushBytes(blasterOthers|tdi, blasterOthers|read|blasterTCK|tdi); err != nil {
			return err
		}
	}
	return nil
}

func (b *USBBlaster) transferFinish(n int, out []bool) error {
	if out == nil {
		return nil
	}
	pos := 0
	for n-pos >= 8 {
		chunk := (n - pos) >> 3
		if chunk > blasterMaxChunk {
			chunk = blasterMaxChunk
		}
		for i := 0; i < chunk; i++ {
			v, err := b.root.Recv()
			if err != nil {
				return err
			}
			for bit := 0; bit < 8; bit++ {
				out[pos] = v&(1<<bit) != 0
				pos++
			}
		}
	}
	for ; pos < n; pos++ {
		v, err := b.getTDOFinish()
		if err != nil {
			return err
		}
		out[pos] = v
	}
	return nil
}

func (b *USBBlaster) Transfer(c *Cable, in, out []bool) (int, error) {
	if err := b.transferSchedule(in, out != nil); err != nil {
		return 0, err
	}
	if err := b.xfer(Completely); err != nil {
		return 0, err
	}
	if err := b.transferFinish(len(in), out); err != nil {
		return 0, err
	}
	return len(in), nil
}

// Flush compiles everything queued into one byte stream, sends it and
// then distributes the answers in queue order.
func (b *USBBlaster) Flush(c *Cable, how FlushAmount) error {
	if how == Optionally {
		return nil
	}
	q := c.TodoQueue()
	if q.Len() == 0 {
		return b.xfer(how)
	}

	for q.Len() > 0 {
		n := q.Len()
		for i := 0; i < n; i++ {
			it := q.At(i)
			var err error
			switch it.Action {
			case ActionClock:
				err = b.clockSchedule(it.TMS, it.TDI, it.N)
			case ActionClockCompact:
				for k := 0; k < it.N && err == nil; k++ {
					err = b.clockSchedule(it.TMSBits&(1<<k) != 0, it.TDI, 1)
				}
			case ActionGetTDO:
				err = b.getTDOSchedule()
			case ActionTransfer:
				err = b.transferSchedule(it.In, it.Out != nil)
			}
			if err != nil {
				return err
			}
		}

		if err := b.xfer(how); err != nil {
			return err
		}

		for ; n > 0; n-- {
			it := q.PopFront()
			var res *Item
			switch it.Action {
			case ActionGetTDO:
				v, err := b.getTDOFinish()
				if err != nil {
					return err
				}
				res = &Item{Action: ActionGetTDO, Level: v}
			case ActionGetSignal:
				res = &Item{Action: ActionGetSignal, Sig: it.Sig, Level: b.signals.Get(it.Sig)}
			case ActionTransfer:
				if err := b.transferFinish(len(it.In), it.Out); err != nil {
					return err
				}
				if it.Out != nil {
					res = &Item{Action: ActionTransfer, Out: it.Out, Res: len(it.In)}
				}
			}
			if res != nil {
				if err := c.DoneQueue().Push(*res); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func connectUSBBlaster(p Params) (Driver, error) {
	vid, err := p.Uint("vid", 0x09fb)
	if err != nil {
		return nil, err
	}
	pid, err := p.Uint("pid", 0x6001)
	if err != nil {
		return nil, err
	}
	if vid > 0xFFFF || pid > 0xFFFF {
		return nil, jtagerr.Invalid("USB IDs are 16 bit")
	}
	link := usbconn.NewFTDI(usbconn.FTDIConfig{
		VendorID:    uint16(vid),
		ProductID:   uint16(pid),
		Description: p.String("desc", ""),
		Serial:      p.String("serial", ""),
	})
	return NewUSBBlaster(link), nil
}

func init() {
	Register(DriverInfo{
		Name:        "usbblaster",
		Description: "Altera USB-Blaster cable",
		Transport:   TransportUSB,
		VendorID:    0x09fb,
		ProductID:   0x6001,
		Params:      []string{"vid", "pid", "desc", "serial"},
		Connect:     connectUSBBlaster,
	})
}
