package cable

import (
	"strconv"
	"strings"

	"periph.io/x/conn/v3/physic"

	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
	"github.com/OpenTraceLab/tapflash/pkg/tap"
)

// SimDevice is one TAP in a simulated chain. A zero IDCode makes the
// device come out of reset with BYPASS selected.
type SimDevice struct {
	IDCode   uint32
	IRLength int

	ir    []bool // shift stage
	instr []bool // latched instruction
	dr    []bool
}

func (d *SimDevice) bypass() bool {
	for _, b := range d.instr {
		if !b {
			return false
		}
	}
	return true
}

func (d *SimDevice) reset() {
	d.instr = make([]bool, d.IRLength)
	if d.IDCode == 0 {
		for i := range d.instr {
			d.instr[i] = true
		}
	}
}

func (d *SimDevice) captureDR() {
	if d.bypass() || d.IDCode == 0 {
		d.dr = []bool{false}
		return
	}
	d.dr = make([]bool, 32)
	for i := range d.dr {
		d.dr[i] = d.IDCode&(1<<i) != 0
	}
}

func (d *SimDevice) captureIR() {
	d.ir = make([]bool, d.IRLength)
	if d.IRLength > 0 {
		d.ir[0] = true
	}
}

// Sim is a cable with a JTAG target attached in memory. Without devices
// it is a plain shift register of Delay bits from TDI to TDO, independent
// of TAP state. With devices it tracks the TAP controller and serves
// IDCODE or BYPASS data registers.
type Sim struct {
	Devices []*SimDevice
	Delay   int
	// UseTransfer selects FlushUsingTransfer instead of FlushOneByOne.
	UseTransfer bool

	Clocks    int
	Transfers int
	Flushes   int

	loop    []bool
	fsm     *tap.StateMachine
	signals SignalCache
	active  bool
	freed   bool
}

// NewSim returns a loopback simulator with a delay-bit shift register.
func NewSim(delay int) *Sim {
	if delay < 1 {
		delay = 1
	}
	return &Sim{Delay: delay}
}

// NewSimChain returns a simulator with the given devices; devices[0] sits
// next to TDO.
func NewSimChain(devices ...*SimDevice) *Sim {
	return &Sim{Devices: devices}
}

// TAPState is the simulated controller state.
func (s *Sim) TAPState() tap.State {
	if s.fsm == nil {
		return tap.StateTestLogicReset
	}
	return s.fsm.State()
}

func (s *Sim) Init(c *Cable) error {
	if s.freed {
		return jtagerr.State("simulator freed")
	}
	s.loop = make([]bool, s.Delay)
	s.fsm = tap.NewStateMachine()
	for _, d := range s.Devices {
		d.reset()
	}
	s.signals = SignalCache{Signals: TRST | Reset}
	s.active = true
	return nil
}

func (s *Sim) Done(c *Cable) { s.active = false }

func (s *Sim) Free() { s.freed = true }

func (s *Sim) SetFrequency(c *Cable, f physic.Frequency) error {
	c.SetActualFrequency(f)
	return nil
}

func (s *Sim) tdo() bool {
	if len(s.Devices) == 0 {
		if len(s.loop) == 0 {
			return false
		}
		return s.loop[0]
	}
	switch s.fsm.State() {
	case tap.StateShiftDR:
		if len(s.Devices[0].dr) > 0 {
			return s.Devices[0].dr[0]
		}
	case tap.StateShiftIR:
		if len(s.Devices[0].ir) > 0 {
			return s.Devices[0].ir[0]
		}
	}
	return false
}

func shiftIn(reg []bool, bit bool) bool {
	if len(reg) == 0 {
		return bit
	}
	out := reg[0]
	copy(reg, reg[1:])
	reg[len(reg)-1] = bit
	return out
}

func (s *Sim) tapReset() {
	for _, d := range s.Devices {
		d.reset()
	}
}

func (s *Sim) clockOnce(tms, tdi bool) {
	s.Clocks++
	if len(s.Devices) == 0 {
		shiftIn(s.loop, tdi)
		return
	}

	state := s.fsm.State()
	if state == tap.StateShiftDR || state == tap.StateShiftIR {
		carry := tdi
		for i := len(s.Devices) - 1; i >= 0; i-- {
			d := s.Devices[i]
			if state == tap.StateShiftDR {
				carry = shiftIn(d.dr, carry)
			} else {
				carry = shiftIn(d.ir, carry)
			}
		}
	}

	switch s.fsm.Clock(tms) {
	case tap.StateTestLogicReset:
		s.tapReset()
	case tap.StateCaptureDR:
		for _, d := range s.Devices {
			d.captureDR()
		}
	case tap.StateCaptureIR:
		for _, d := range s.Devices {
			d.captureIR()
		}
	case tap.StateUpdateIR:
		for _, d := range s.Devices {
			d.instr = append(d.instr[:0], d.ir...)
		}
	}
}

func (s *Sim) Clock(c *Cable, tms, tdi bool, n int) error {
	if !s.active {
		return jtagerr.State("simulator not initialized")
	}
	for i := 0; i < n; i++ {
		s.clockOnce(tms, tdi)
	}
	s.signals.SetClocked(tms, tdi)
	return nil
}

func (s *Sim) GetTDO(c *Cable) (bool, error) {
	if !s.active {
		return false, jtagerr.State("simulator not initialized")
	}
	return s.tdo(), nil
}

func (s *Sim) Transfer(c *Cable, in, out []bool) (int, error) {
	s.Transfers++
	return TransferBitwise(c, s, in, out)
}

func (s *Sim) SetSignal(c *Cable, mask, val Signal) (Signal, error) {
	prev := s.signals.Apply(mask, val)
	if mask&TRST != 0 && val&TRST == 0 && len(s.Devices) > 0 {
		for s.fsm.State() != tap.StateTestLogicReset {
			s.fsm.Clock(true)
		}
		s.tapReset()
	}
	return prev, nil
}

func (s *Sim) GetSignal(c *Cable, sig Signal) (bool, error) {
	if sig == TDO {
		return s.tdo(), nil
	}
	return s.signals.Get(sig), nil
}

func (s *Sim) Flush(c *Cable, how FlushAmount) error {
	s.Flushes++
	if s.UseTransfer {
		return FlushUsingTransfer(c, how)
	}
	return FlushOneByOne(c, how)
}

func parseIDCodes(v string) ([]*SimDevice, error) {
	var devs []*SimDevice
	for _, f := range strings.FieldsFunc(v, func(r rune) bool { return r == ' ' || r == ',' || r == ';' }) {
		irlen := 4
		if i := strings.IndexByte(f, '/'); i >= 0 {
			n, err := strconv.Atoi(f[i+1:])
			if err != nil || n <= 0 {
				return nil, jtagerr.Invalid("bad IR length in %q", f)
			}
			irlen = n
			f = f[:i]
		}
		id, err := strconv.ParseUint(f, 0, 32)
		if err != nil {
			return nil, jtagerr.Invalid("bad IDCODE %q", f)
		}
		devs = append(devs, &SimDevice{IDCode: uint32(id), IRLength: irlen})
	}
	return devs, nil
}

func init() {
	Register(DriverInfo{
		Name:        "sim",
		Description: "In-memory JTAG target (loopback or IDCODE chain)",
		Transport:   TransportOther,
		Params:      []string{"delay", "idcodes", "flush"},
		Connect: func(p Params) (Driver, error) {
			delay, err := p.Int("delay", 1)
			if err != nil {
				return nil, err
			}
			var s *Sim
			if v := p.String("idcodes", ""); v != "" {
				devs, err := parseIDCodes(v)
				if err != nil {
					return nil, err
				}
				s = NewSimChain(devs...)
			} else {
				s = NewSim(delay)
			}
			switch p.String("flush", "onebyone") {
			case "onebyone":
			case "transfer":
				s.UseTransfer = true
			default:
				return nil, jtagerr.Invalid("flush must be onebyone or transfer")
			}
			return s, nil
		},
	})
}
