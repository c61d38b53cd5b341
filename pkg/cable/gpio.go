package cable

import (
	"periph.io/x/conn/v3/physic"

	"github.com/OpenTraceLab/tapflash/pkg/gpiopin"
	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
)

// GPIOPins numbers the lines of a GPIO cable. TRST is optional (-1).
type GPIOPins struct {
	TCK, TMS, TDI, TDO int
	TRST               int
}

// GPIO bit-bangs JTAG on general purpose I/O lines.
type GPIO struct {
	chip gpiopin.Chip
	pins GPIOPins

	signals SignalCache
	open    bool
}

func NewGPIO(chip gpiopin.Chip, pins GPIOPins) *GPIO {
	return &GPIO{chip: chip, pins: pins}
}

func (g *GPIO) Init(c *Cable) error {
	if err := g.chip.Open(); err != nil {
		return err
	}
	g.open = true
	outs := []int{g.pins.TCK, g.pins.TMS, g.pins.TDI}
	if g.pins.TRST >= 0 {
		outs = append(outs, g.pins.TRST)
	}
	for _, p := range outs {
		if err := g.chip.Output(p); err != nil {
			g.Done(c)
			return err
		}
	}
	if err := g.chip.Input(g.pins.TDO); err != nil {
		g.Done(c)
		return err
	}
	if g.pins.TRST >= 0 {
		if err := g.chip.Write(g.pins.TRST, true); err != nil {
			g.Done(c)
			return err
		}
	}
	g.signals = SignalCache{Signals: TRST}
	// Conservative until SetFrequency calibrates.
	c.SetDelay(1000)
	return nil
}

func (g *GPIO) Done(c *Cable) {
	if !g.open {
		return
	}
	if err := g.chip.Close(); err != nil {
		c.Log().WithError(err).Debug("close gpio")
	}
	g.open = false
}

func (g *GPIO) Free() {}

func (g *GPIO) SetFrequency(c *Cable, f physic.Frequency) error {
	return Calibrate(c, g, f)
}

func (g *GPIO) Clock(c *Cable, tms, tdi bool, n int) error {
	if err := g.chip.Write(g.pins.TMS, tms); err != nil {
		return err
	}
	if err := g.chip.Write(g.pins.TDI, tdi); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := g.chip.Write(g.pins.TCK, false); err != nil {
			return err
		}
		c.Wait()
		if err := g.chip.Write(g.pins.TCK, true); err != nil {
			return err
		}
		c.Wait()
		if err := g.chip.Write(g.pins.TCK, false); err != nil {
			return err
		}
	}
	g.signals.SetClocked(tms, tdi)
	return nil
}

func (g *GPIO) GetTDO(c *Cable) (bool, error) {
	for _, p := range []int{g.pins.TCK, g.pins.TDI, g.pins.TMS} {
		if err := g.chip.Write(p, false); err != nil {
			return false, err
		}
	}
	g.signals.Signals &^= TCK | TDI | TMS
	c.Wait()
	return g.chip.Read(g.pins.TDO)
}

func (g *GPIO) Transfer(c *Cable, in, out []bool) (int, error) {
	return TransferBitwise(c, g, in, out)
}

func (g *GPIO) SetSignal(c *Cable, mask, val Signal) (Signal, error) {
	prev := g.signals.Signals
	supported := TCK | TMS | TDI
	if g.pins.TRST >= 0 {
		supported |= TRST
	}
	mask &= supported
	if mask == 0 {
		return prev, nil
	}
	sigs := (prev &^ mask) | (val & mask)
	lines := []struct {
		sig Signal
		pin int
	}{{TCK, g.pins.TCK}, {TMS, g.pins.TMS}, {TDI, g.pins.TDI}, {TRST, g.pins.TRST}}
	for _, l := range lines {
		if mask&l.sig == 0 {
			continue
		}
		if err := g.chip.Write(l.pin, sigs&l.sig != 0); err != nil {
			return prev, err
		}
	}
	g.signals.Signals = sigs
	return prev, nil
}

func (g *GPIO) GetSignal(c *Cable, sig Signal) (bool, error) {
	if sig == TDO {
		return g.chip.Read(g.pins.TDO)
	}
	return g.signals.Get(sig), nil
}

func (g *GPIO) Flush(c *Cable, how FlushAmount) error {
	return FlushOneByOne(c, how)
}

func connectGPIO(p Params) (Driver, error) {
	var pins GPIOPins
	for _, f := range []struct {
		key string
		dst *int
		def int
	}{
		{"tck", &pins.TCK, -1},
		{"tms", &pins.TMS, -1},
		{"tdi", &pins.TDI, -1},
		{"tdo", &pins.TDO, -1},
		{"trst", &pins.TRST, -1},
	} {
		v, err := p.Int(f.key, f.def)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}
	if pins.TCK < 0 || pins.TMS < 0 || pins.TDI < 0 || pins.TDO < 0 {
		return nil, jtagerr.Invalid("gpio cable needs tck, tms, tdi and tdo")
	}

	var chip gpiopin.Chip
	switch p.String("backend", "periph") {
	case "periph":
		chip = &gpiopin.Periph{}
	case "rpio":
		chip = gpiopin.RPIO{}
	default:
		return nil, jtagerr.Invalid("gpio backend must be periph or rpio")
	}
	return NewGPIO(chip, pins), nil
}

func init() {
	Register(DriverInfo{
		Name:        "gpio",
		Description: "JTAG bit-banged on GPIO lines",
		Transport:   TransportGPIO,
		Params:      []string{"backend", "tck", "tms", "tdi", "tdo", "trst"},
		Connect:     connectGPIO,
	})
}
