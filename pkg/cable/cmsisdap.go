package cable

import (
	"periph.io/x/conn/v3/physic"

	"github.com/OpenTraceLab/tapflash/pkg/cmsisdap"
	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
)

const cmsisDAPDefaultClock = physic.MegaHertz

// CMSISDAP drives a CMSIS-DAP probe through DAP_JTAG_Sequence. Clocks and
// shifts are cut into 64-bit sequences; signals go through DAP_SWJ_Pins.
type CMSISDAP struct {
	open  func() (*cmsisdap.Probe, error)
	probe *cmsisdap.Probe

	signals SignalCache
}

// NewCMSISDAP returns a driver that calls open on Init.
func NewCMSISDAP(open func() (*cmsisdap.Probe, error)) *CMSISDAP {
	return &CMSISDAP{open: open}
}

// Probe is the open probe, or nil outside Init/Done.
func (d *CMSISDAP) Probe() *cmsisdap.Probe { return d.probe }

func (d *CMSISDAP) Init(c *Cable) error {
	p, err := d.open()
	if err != nil {
		return err
	}
	d.probe = p
	pins := byte(cmsisdap.PinNTRST | cmsisdap.PinNRESET)
	if _, err := p.Pins(pins, pins); err != nil {
		d.Done(c)
		return err
	}
	d.signals = SignalCache{Signals: TRST | Reset}
	if err := d.SetFrequency(c, cmsisDAPDefaultClock); err != nil {
		d.Done(c)
		return err
	}
	c.Log().WithField("product", p.Info().Product).Debug("CMSIS-DAP probe ready")
	return nil
}

func (d *CMSISDAP) Done(c *Cable) {
	if d.probe == nil {
		return
	}
	if err := d.probe.Close(); err != nil {
		c.Log().WithError(err).Debug("close probe")
	}
	d.probe = nil
}

func (d *CMSISDAP) Free() {}

func (d *CMSISDAP) SetFrequency(c *Cable, f physic.Frequency) error {
	if f <= 0 {
		f = cmsisDAPDefaultClock
	}
	if err := d.probe.SetClock(uint32(f / physic.Hertz)); err != nil {
		return err
	}
	c.SetActualFrequency(f)
	return nil
}

// sequences cuts n clocks into DAP sequences. tdi supplies the level of
// clock i.
func sequences(n int, tms, capture bool, tdi func(i int) bool) []cmsisdap.Sequence {
	var seqs []cmsisdap.Sequence
	for pos := 0; pos < n; pos += cmsisdap.MaxSequenceBits {
		m := n - pos
		if m > cmsisdap.MaxSequenceBits {
			m = cmsisdap.MaxSequenceBits
		}
		buf := make([]byte, (m+7)/8)
		for i := 0; i < m; i++ {
			if tdi(pos + i) {
				buf[i/8] |= 1 << (i % 8)
			}
		}
		seqs = append(seqs, cmsisdap.NewSequence(m, tms, capture, buf))
	}
	return seqs
}

func (d *CMSISDAP) Clock(c *Cable, tms, tdi bool, n int) error {
	if n <= 0 {
		return nil
	}
	seqs := sequences(n, tms, false, func(int) bool { return tdi })
	if _, err := d.probe.Sequences(seqs); err != nil {
		return err
	}
	d.signals.SetClocked(tms, tdi)
	return nil
}

func (d *CMSISDAP) GetTDO(c *Cable) (bool, error) {
	pins, err := d.probe.Pins(0, 0)
	if err != nil {
		return false, err
	}
	return pins&cmsisdap.PinTDO != 0, nil
}

// Transfer captures TDO on every clock; the probe samples it before the
// rising edge, which is the level seen before the clock.
func (d *CMSISDAP) Transfer(c *Cable, in, out []bool) (int, error) {
	if len(in) == 0 {
		return 0, nil
	}
	seqs := sequences(len(in), false, out != nil, func(i int) bool { return in[i] })
	tdo, err := d.probe.Sequences(seqs)
	if err != nil {
		return 0, err
	}
	if out != nil {
		if len(tdo) != len(seqs) {
			return 0, jtagerr.IOf("probe returned %d captures for %d sequences", len(tdo), len(seqs))
		}
		pos := 0
		for _, b := range tdo {
			for i := 0; i < len(b)*8 && pos < len(in); i++ {
				out[pos] = b[i/8]&(1<<(i%8)) != 0
				pos++
			}
		}
	}
	d.signals.SetClocked(false, in[len(in)-1])
	return len(in), nil
}

var dapPins = []struct {
	sig Signal
	pin byte
}{
	{TCK, cmsisdap.PinTCK},
	{TMS, cmsisdap.PinTMS},
	{TDI, cmsisdap.PinTDI},
	{TRST, cmsisdap.PinNTRST},
	{Reset, cmsisdap.PinNRESET},
}

func (d *CMSISDAP) SetSignal(c *Cable, mask, val Signal) (Signal, error) {
	prev := d.signals.Signals
	mask &= TCK | TMS | TDI | TRST | Reset
	if mask == 0 {
		return prev, nil
	}
	sigs := (prev &^ mask) | (val & mask)
	var out, sel byte
	for _, p := range dapPins {
		if mask&p.sig == 0 {
			continue
		}
		sel |= p.pin
		if sigs&p.sig != 0 {
			out |= p.pin
		}
	}
	if _, err := d.probe.Pins(out, sel); err != nil {
		return prev, err
	}
	d.signals.Signals = sigs
	return prev, nil
}

func (d *CMSISDAP) GetSignal(c *Cable, sig Signal) (bool, error) {
	if sig == TDO {
		return d.GetTDO(c)
	}
	return d.signals.Get(sig), nil
}

func (d *CMSISDAP) Flush(c *Cable, how FlushAmount) error {
	return FlushUsingTransfer(c, how)
}

func connectCMSISDAP(p Params) (Driver, error) {
	vid, err := p.Uint("vid", 0xc251)
	if err != nil {
		return nil, err
	}
	pid, err := p.Uint("pid", 0xf001)
	if err != nil {
		return nil, err
	}
	if vid > 0xFFFF || pid > 0xFFFF {
		return nil, jtagerr.Invalid("USB IDs are 16 bit")
	}
	serial := p.String("serial", "")
	return NewCMSISDAP(func() (*cmsisdap.Probe, error) {
		return cmsisdap.Open(uint16(vid), uint16(pid), serial)
	}), nil
}

func init() {
	Register(DriverInfo{
		Name:        "cmsisdap",
		Description: "ARM CMSIS-DAP debug probe in JTAG mode",
		Transport:   TransportUSB,
		VendorID:    0xc251,
		ProductID:   0xf001,
		Params:      []string{"vid", "pid", "serial"},
		Connect:     connectCMSISDAP,
	})
}
