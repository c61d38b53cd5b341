package cable

import (
	"periph.io/x/conn/v3/physic"

	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
	"github.com/OpenTraceLab/tapflash/pkg/usbconn"
)

// MPSSE opcode flags.
const (
	mpsseWriteNeg = 0x01
	mpsseBitmode  = 0x02
	mpsseReadNeg  = 0x04
	mpsseLSB      = 0x08
	mpsseDoWrite  = 0x10
	mpsseDoRead   = 0x20
	mpsseWriteTMS = 0x40
)

// MPSSE commands.
const (
	mpsseSetBitsLow      = 0x80
	mpsseGetBitsLow      = 0x81
	mpsseSetBitsHigh     = 0x82
	mpsseGetBitsHigh     = 0x83
	mpsseTCKDivisor      = 0x86
	mpsseSendImmediate   = 0x87
	mpsseDisableClockDiv = 0x8A
	mpsseEnableClockDiv  = 0x8B

	opClockTMS       = mpsseWriteTMS | mpsseLSB | mpsseBitmode | mpsseWriteNeg
	opShiftBytes     = mpsseDoWrite | mpsseLSB | mpsseWriteNeg
	opShiftBytesRead = mpsseDoRead | opShiftBytes
	opShiftBits      = opShiftBytes | mpsseBitmode
	opShiftBitsRead  = opShiftBytesRead | mpsseBitmode
)

// Low byte pins shared by every MPSSE JTAG layout.
const (
	pinTCK byte = 1 << 0
	pinTDI byte = 1 << 1
	pinTDO byte = 1 << 2
	pinTMS byte = 1 << 3
)

const (
	mpsseMaxSend = 1 << 16
	mpsseMaxRecv = 63 * 64

	ft2232MaxTCK  = 6 * physic.MegaHertz
	ft2232hMaxTCK = 30 * physic.MegaHertz
)

// FTDILink is an FTDI channel as seen by the MPSSE driver.
type FTDILink interface {
	Link
	Open() error
	Close() error
	SetBitmode(mask, mode byte) error
	SetLatency(ms byte) error
	Purge() error
}

// mpsseLayout describes how a particular pod wires the MPSSE GPIOs.
type mpsseLayout struct {
	name        string
	description string
	vid, pid    uint16
	maxTCK      physic.Frequency
	highSpeed   bool

	lowValue, lowDir   byte
	highValue, highDir byte

	// bitTRST/bitReset are XOR'ed into the GPIO value when the signal is
	// asserted: <0 unused, <8 low byte, <16 high byte.
	bitTRST, bitReset int
	signals           Signal
}

var mpsseLayouts = []mpsseLayout{
	{
		name:        "ft2232",
		description: "Generic FTDI FT2232 MPSSE cable",
		vid:         0x0403,
		pid:         0x6010,
		maxTCK:      ft2232MaxTCK,
		bitTRST:     -1,
		bitReset:    -1,
	},
	{
		name:        "ft2232h",
		description: "Generic FTDI FT2232H/FT232H high speed MPSSE cable",
		vid:         0x0403,
		pid:         0x6014,
		maxTCK:      ft2232hMaxTCK,
		highSpeed:   true,
		bitTRST:     -1,
		bitReset:    -1,
	},
	{
		name:        "jtagkey",
		description: "Amontec JTAGkey",
		vid:         0x0403,
		pid:         0xcff8,
		maxTCK:      ft2232MaxTCK,
		lowDir:      0x10, // nOE
		highValue:   0x03, // nTRST, nSRST
		highDir:     0x0F,
		bitTRST:     8,
		bitReset:    9,
		signals:     TRST | Reset,
	},
	{
		name:        "armusbocd",
		description: "Olimex ARM-USB-OCD",
		vid:         0x15ba,
		pid:         0x0003,
		maxTCK:      ft2232MaxTCK,
		lowDir:      0x10,
		highValue:   0x0B, // nTRST, nSRST, red LED
		highDir:     0x0F,
		bitTRST:     8,
		bitReset:    9,
		signals:     TRST | Reset,
	},
}

// FT2232 drives an FTDI MPSSE engine. Queued operations are compiled into
// one MPSSE byte stream per flush; answers are collected after a single
// write.
type FT2232 struct {
	layout mpsseLayout
	link   FTDILink

	root CmdRoot
	imm  *Cmd

	mpsseFreq    physic.Frequency
	signals      SignalCache
	lastTDO      bool
	lastTDOValid bool
}

// NewFT2232 binds layout (ft2232, ft2232h, jtagkey, armusbocd) to link.
func NewFT2232(layout string, link FTDILink) (*FT2232, error) {
	for _, l := range mpsseLayouts {
		if l.name == layout {
			return &FT2232{
				layout: l,
				link:   link,
				root:   CmdRoot{MaxSend: mpsseMaxSend, MaxRecv: mpsseMaxRecv},
				imm:    FixedCmd(0, mpsseSendImmediate),
			}, nil
		}
	}
	return nil, jtagerr.NotFound("unknown MPSSE layout %q", layout)
}

func (f *FT2232) xfer(how FlushAmount) error {
	return f.root.Xfer(f.link, f.imm, how)
}

// full reports whether the compiled commands no longer fit into one USB
// write and its answer.
func (f *FT2232) full() bool {
	send, recv := f.root.Queued()
	return send+len(f.imm.Bytes()) > mpsseMaxSend || recv > mpsseMaxRecv
}

func (f *FT2232) Init(c *Cable) error {
	if err := f.link.Open(); err != nil {
		return err
	}
	if err := f.link.SetLatency(2); err != nil {
		f.link.Close()
		return err
	}
	if err := f.link.SetBitmode(0x0B, usbconn.BitmodeMPSSE); err != nil {
		f.link.Close()
		return err
	}
	f.root.Reset()

	l := f.layout
	f.root.Queue(0)
	err := f.root.PushBytes(
		mpsseSetBitsLow, l.lowValue|pinTMS, l.lowDir|pinTCK|pinTDI|pinTMS,
		mpsseSetBitsHigh, l.highValue, 0,
	)
	if err == nil && l.highDir != 0 {
		err = f.root.PushBytes(mpsseSetBitsHigh, l.highValue, l.highDir)
	}
	if err != nil {
		return err
	}

	f.mpsseFreq = 0
	if err := f.SetFrequency(c, l.maxTCK); err != nil {
		f.link.Close()
		return err
	}
	f.lastTDOValid = false
	f.signals = SignalCache{Signals: l.signals}
	return nil
}

func (f *FT2232) Done(c *Cable) {
	f.root.Queue(0)
	_ = f.root.PushBytes(mpsseSetBitsLow, 0, 0, mpsseSetBitsHigh, 0, 0)
	if err := f.xfer(Completely); err != nil {
		c.Log().WithError(err).Debug("release pins")
	}
	if err := f.link.Close(); err != nil {
		c.Log().WithError(err).Debug("close link")
	}
	f.root.Reset()
}

func (f *FT2232) Free() {}

// SetFrequency programs the TCK divisor. The frequency actually reached is
// the maximum divided by the next larger integer divisor.
func (f *FT2232) SetFrequency(c *Cable, freq physic.Frequency) error {
	maxTCK := f.layout.maxTCK
	if freq <= 0 || freq > maxTCK {
		freq = maxTCK
	}
	if freq == f.mpsseFreq {
		return nil
	}

	div := int64(maxTCK / freq)
	if maxTCK%freq != 0 {
		div++
	}
	if div >= 1<<16 {
		div = 1<<16 - 1
		c.Log().Warnf("setting lowest supported frequency %s", maxTCK/physic.Frequency(div))
	}
	if f.layout.highSpeed {
		f.root.Queue(0)
		if err := f.root.Push(mpsseDisableClockDiv); err != nil {
			return err
		}
	}
	div--
	f.root.Queue(0)
	if err := f.root.PushBytes(mpsseTCKDivisor, byte(div), byte(div>>8)); err != nil {
		return err
	}
	if err := f.xfer(Completely); err != nil {
		return err
	}
	f.mpsseFreq = maxTCK / physic.Frequency(div+1)
	c.SetActualFrequency(f.mpsseFreq)
	return nil
}

func (f *FT2232) clockSchedule(tms, tdi bool, n int) error {
	var tmsBits, tdiBit byte
	if tms {
		tmsBits = 0x7F
	}
	if tdi {
		tdiBit = 0x80
	}

	f.root.Queue(0)
	for n > 0 {
		if f.root.Space(mpsseMaxSend) < 4 {
			if err := f.xfer(Completely); err != nil {
				return err
			}
			f.root.Queue(0)
		}
		chunk := n
		if chunk > 7 {
			chunk = 7
		}
		if err := f.root.PushBytes(opClockTMS, byte(chunk-1), tdiBit|tmsBits); err != nil {
			return err
		}
		n -= chunk
	}
	f.signals.SetClocked(tms, tdi)
	return nil
}

// clockCompactSchedule clocks length+1 TMS bits from b with TDI held at
// b's top bit.
func (f *FT2232) clockCompactSchedule(length int, b byte) error {
	f.root.Queue(0)
	if err := f.root.PushBytes(opClockTMS, byte(length), b); err != nil {
		return err
	}
	f.signals.SetClocked(b&(1<<length) != 0, b&0x80 != 0)
	return nil
}

func (f *FT2232) Clock(c *Cable, tms, tdi bool, n int) error {
	if err := f.clockSchedule(tms, tdi, n); err != nil {
		return err
	}
	f.lastTDOValid = false
	return f.xfer(Completely)
}

func (f *FT2232) getTDOSchedule() error {
	f.root.Queue(1)
	return f.root.Push(mpsseGetBitsLow)
}

func (f *FT2232) getTDOFinish() (bool, error) {
	b, err := f.root.Recv()
	if err != nil {
		return false, err
	}
	f.lastTDO = b&pinTDO != 0
	f.lastTDOValid = true
	return f.lastTDO, nil
}

func (f *FT2232) GetTDO(c *Cable) (bool, error) {
	if f.lastTDOValid {
		return f.lastTDO, nil
	}
	if err := f.getTDOSchedule(); err != nil {
		return false, err
	}
	if err := f.xfer(Completely); err != nil {
		return false, err
	}
	return f.getTDOFinish()
}

func (f *FT2232) setSignalSchedule(mask, val Signal) error {
	mask &= TCK | TDI | TMS | TRST | Reset
	if mask == 0 {
		return nil
	}
	sigs := (f.signals.Signals &^ mask) | (val & mask)

	var lowOr, lowXor, highXor byte
	if sigs&TCK != 0 {
		lowOr |= pinTCK
	}
	if sigs&TDI != 0 {
		lowOr |= pinTDI
	}
	if sigs&TMS != 0 {
		lowOr |= pinTMS
	}
	// The reset lines are inverted relative to the idle value, whatever
	// polarity the pod's buffers have.
	xorBit := func(bit int) {
		switch {
		case bit < 0:
		case bit < 8:
			lowXor |= 1 << bit
		default:
			highXor |= 1 << (bit - 8)
		}
	}
	if sigs&TRST == 0 {
		xorBit(f.layout.bitTRST)
	}
	if sigs&Reset == 0 {
		xorBit(f.layout.bitReset)
	}

	l := f.layout
	f.root.Queue(0)
	err := f.root.PushBytes(
		mpsseSetBitsLow, (l.lowValue|lowOr)^lowXor, l.lowDir|pinTCK|pinTDI|pinTMS,
		mpsseSetBitsHigh, l.highValue^highXor, l.highDir,
	)
	if err != nil {
		return err
	}
	f.signals.Signals = sigs
	return nil
}

func (f *FT2232) SetSignal(c *Cable, mask, val Signal) (Signal, error) {
	prev := f.signals.Signals
	if err := f.setSignalSchedule(mask, val); err != nil {
		return prev, err
	}
	f.lastTDOValid = false
	return prev, f.xfer(Completely)
}

func (f *FT2232) GetSignal(c *Cable, sig Signal) (bool, error) {
	if sig == TDO {
		return f.GetTDO(c)
	}
	return f.signals.Get(sig), nil
}

func (f *FT2232) transferSchedule(in []bool, wantOut bool) error {
	pos := 0
	chunk := len(in) >> 3
	for chunk > 0 {
		if wantOut && chunk > mpsseMaxRecv {
			chunk = mpsseMaxRecv
		}
		if chunk > mpsseMaxSend-4 {
			chunk = mpsseMaxSend - 4
		}

		op := byte(opShiftBytes)
		if wantOut {
			f.root.Queue(chunk)
			op = opShiftBytesRead
		} else {
			f.root.Queue(0)
		}
		if err := f.root.PushBytes(op, byte(chunk-1), byte((chunk-1)>>8)); err != nil {
			return err
		}
		for i := 0; i < chunk; i++ {
			var b byte
			for bit := 0; bit < 8; bit++ {
				if in[pos] {
					b |= 1 << bit
				}
				pos++
			}
			if err := f.root.Push(b); err != nil {
				return err
			}
		}
		chunk = (len(in) - pos) >> 3
	}

	if rest := len(in) - pos; rest > 0 {
		op := byte(opShiftBits)
		if wantOut {
			f.root.Queue(1)
			op = opShiftBitsRead
		} else {
			f.root.Queue(0)
		}
		var b byte
		for bit := 0; bit < rest; bit++ {
			if in[pos] {
				b |= 1 << bit
			}
			pos++
		}
		if err := f.root.PushBytes(op, byte(rest-1), b); err != nil {
			return err
		}
	}

	if wantOut {
		// TDO after the last bit comes for free with the data.
		f.root.Queue(1)
		if err := f.root.Push(mpsseGetBitsLow); err != nil {
			return err
		}
	}
	f.lastTDOValid = wantOut
	return nil
}

func (f *FT2232) transferFinish(n int, out []bool) error {
	if out == nil {
		f.lastTDOValid = false
		return nil
	}
	pos := 0
	for i := 0; i < n>>3; i++ {
		b, err := f.root.Recv()
		if err != nil {
			return err
		}
		for bit := 0; bit < 8; bit++ {
			out[pos] = b&(1<<bit) != 0
			pos++
		}
	}
	if rest := n % 8; rest > 0 {
		// Bit mode reads shift in from the top.
		b, err := f.root.Recv()
		if err != nil {
			return err
		}
		for bit := 8 - rest; bit < 8; bit++ {
			out[pos] = b&(1<<bit) != 0
			pos++
		}
	}
	_, err := f.getTDOFinish()
	return err
}

func (f *FT2232) Transfer(c *Cable, in, out []bool) (int, error) {
	if err := f.transferSchedule(in, out != nil); err != nil {
		return 0, err
	}
	if err := f.xfer(Completely); err != nil {
		return 0, err
	}
	if err := f.transferFinish(len(in), out); err != nil {
		return 0, err
	}
	return len(in), nil
}

// Flush compiles the Todo queue into MPSSE commands. Runs of clocks with
// the same TDI level are packed 7 TMS bits per command. A partial pack at
// the very end of the queue stays queued as a compact clock unless the
// flush is complete, so that following clocks can still join it. A run
// stops before the item that would overflow one USB write or its answer.
// If the link fails the Todo queue is left as it was.
func (f *FT2232) Flush(c *Cable, how FlushAmount) error {
	if how == Optionally {
		return nil
	}
	q := c.TodoQueue()
	if q.Len() == 0 {
		return f.xfer(how)
	}

	for q.Len() > 0 {
		if q.Len() == 1 && q.Front().Action == ActionClockCompact && how != Completely {
			break
		}

		post := f.signals.Signals
		tdoScheduled := f.lastTDOValid
		tdoFinished := f.lastTDOValid

		consumed := 0
		limited := false
		var tail *Item
	schedule:
		for i := 0; i < q.Len(); i++ {
			start, mark := i, f.root.Len()
			sigs, tdoValid, scheduled := f.signals, f.lastTDOValid, tdoScheduled
			it := q.At(i)
			switch it.Action {
			case ActionClock, ActionClockCompact:
				var tdi byte
				if it.TDI {
					tdi = 0x80
				}
				length := 0
				var bits byte
				if it.Action == ActionClockCompact {
					length = it.N
					bits = it.TMSBits
				}
				for {
					cur := q.At(i)
					if cur.Action == ActionClock {
						for k := 0; k < cur.N; k++ {
							if cur.TMS {
								bits |= 1 << length
							}
							length++
							if length == 7 {
								if err := f.clockCompactSchedule(6, bits|tdi); err != nil {
									return err
								}
								length, bits = 0, 0
							}
						}
					}
					if i+1 < q.Len() && q.At(i+1).Action == ActionClock && q.At(i+1).TDI == it.TDI {
						i++
						continue
					}
					break
				}
				tdoScheduled = false
				if length > 0 {
					if i+1 < q.Len() || how == Completely {
						if err := f.clockCompactSchedule(length-1, bits|tdi); err != nil {
							return err
						}
					} else {
						tail = &Item{Action: ActionClockCompact, TMSBits: bits, N: length, TDI: it.TDI}
						consumed = i
						break schedule
					}
				}

			case ActionGetTDO:
				if !tdoScheduled {
					if err := f.getTDOSchedule(); err != nil {
						return err
					}
					tdoScheduled = true
				}

			case ActionSetSignal:
				if err := f.setSignalSchedule(it.Sig, it.Val); err != nil {
					return err
				}
				tdoScheduled = false

			case ActionTransfer:
				if err := f.transferSchedule(it.In, it.Out != nil); err != nil {
					return err
				}
				tdoScheduled = f.lastTDOValid
			}
			if start > 0 && f.full() {
				f.root.Truncate(mark)
				f.signals, f.lastTDOValid, tdoScheduled = sigs, tdoValid, scheduled
				consumed = start
				limited = true
				break
			}
			consumed = i + 1
		}

		amount := how
		if limited {
			amount = Completely
		}
		if err := f.xfer(amount); err != nil {
			f.root.Reset()
			f.lastTDOValid = false
			return err
		}
		if tail != nil {
			q.Set(consumed, *tail)
		}

		for ; consumed > 0; consumed-- {
			it := q.PopFront()
			switch it.Action {
			case ActionClock:
				post &^= TCK | TDI | TMS
				if it.TMS {
					post |= TMS
				}
				if it.TDI {
					post |= TDI
				}
				f.lastTDOValid, tdoFinished = false, false

			case ActionClockCompact:
				post &^= TCK | TDI | TMS
				if it.TMSBits&(1<<(it.N-1)) != 0 {
					post |= TMS
				}
				if it.TDI {
					post |= TDI
				}
				f.lastTDOValid, tdoFinished = false, false

			case ActionGetTDO:
				v := f.lastTDO
				if !tdoFinished {
					var err error
					if v, err = f.getTDOFinish(); err != nil {
						return err
					}
				}
				tdoFinished = f.lastTDOValid
				if err := c.DoneQueue().Push(Item{Action: ActionGetTDO, Level: v}); err != nil {
					return err
				}

			case ActionSetSignal:
				post = (post &^ it.Sig) | (it.Val & it.Sig)

			case ActionGetSignal:
				if err := c.DoneQueue().Push(Item{Action: ActionGetSignal, Sig: it.Sig, Level: post&it.Sig != 0}); err != nil {
					return err
				}

			case ActionTransfer:
				if err := f.transferFinish(len(it.In), it.Out); err != nil {
					return err
				}
				tdoFinished = f.lastTDOValid
				if it.Out != nil {
					if err := c.DoneQueue().Push(Item{Action: ActionTransfer, Out: it.Out, Res: len(it.In)}); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func connectMPSSE(layout string) func(p Params) (Driver, error) {
	return func(p Params) (Driver, error) {
		var l mpsseLayout
		for _, cand := range mpsseLayouts {
			if cand.name == layout {
				l = cand
			}
		}
		vid, err := p.Uint("vid", uint64(l.vid))
		if err != nil {
			return nil, err
		}
		pid, err := p.Uint("pid", uint64(l.pid))
		if err != nil {
			return nil, err
		}
		intf, err := p.Int("interface", 0)
		if err != nil {
			return nil, err
		}
		if intf < 0 || intf > 3 {
			return nil, jtagerr.Invalid("interface must be 0..3")
		}
		link := usbconn.NewFTDI(usbconn.FTDIConfig{
			VendorID:    uint16(vid),
			ProductID:   uint16(pid),
			Description: p.String("desc", ""),
			Serial:      p.String("serial", ""),
			Interface:   intf,
		})
		return NewFT2232(layout, link)
	}
}

func init() {
	for _, l := range mpsseLayouts {
		Register(DriverInfo{
			Name:        l.name,
			Description: l.description,
			Transport:   TransportUSB,
			VendorID:    l.vid,
			ProductID:   l.pid,
			Params:      []string{"vid", "pid", "desc", "serial", "interface"},
			Connect:     connectMPSSE(l.name),
		})
	}
}
