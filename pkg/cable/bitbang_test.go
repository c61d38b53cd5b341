package cable

import (
	"testing"

	"github.com/OpenTraceLab/tapflash/pkg/gpiopin"
	"github.com/OpenTraceLab/tapflash/pkg/parport"
)

// parportTarget latches TDI on rising TCK and shows it on status bit 7,
// which is a one-bit shift register between TDI and TDO.
func parportTarget() *parport.Memory {
	var reg, tck bool
	m := &parport.Memory{Data: 0x10}
	m.OnData = func(d byte) {
		now := d&0x04 != 0
		if now && !tck {
			reg = d&0x08 != 0
		}
		tck = now
	}
	m.StatusFunc = func(data, control byte) byte {
		if reg {
			return 0x80
		}
		return 0
	}
	return m
}

func TestWigglerTransfer(t *testing.T) {
	port := parportTarget()
	w, err := NewWiggler(port, "")
	if err != nil {
		t.Fatalf("NewWiggler: %v", err)
	}
	c := activeCable(t, w)
	if !port.Opened {
		t.Fatalf("port not opened")
	}
	if v, _ := c.GetSignal(TRST); !v {
		t.Fatalf("TRST should read back released from the data register")
	}

	in := bits("1011")
	out := make([]bool, len(in))
	if _, err := c.Transfer(in, out); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if got := bitString(out); got != "0101" {
		t.Fatalf("out = %s, want 0101", got)
	}
	// Spare data lines stay high.
	if port.Data&0xE0 != 0xE0 {
		t.Errorf("data = %#02x, unused bits not driven high", port.Data)
	}

	prev, err := c.SetSignal(TRST, 0)
	if err != nil {
		t.Fatalf("SetSignal: %v", err)
	}
	if prev&TRST == 0 {
		t.Errorf("previous signals %s lack TRST", prev)
	}
	if port.Data&0x10 != 0 {
		t.Errorf("data = %#02x, TRST still high", port.Data)
	}

	c.Done()
	if port.Opened {
		t.Errorf("port left open")
	}
}

func TestWigglerInvertedTDO(t *testing.T) {
	port := parportTarget()
	w, err := NewWiggler(port, "#7,4,3,2,1,#0")
	if err != nil {
		t.Fatalf("NewWiggler: %v", err)
	}
	c := activeCable(t, w)
	if err := c.Clock(false, true, 1); err != nil {
		t.Fatal(err)
	}
	v, err := c.GetTDO()
	if err != nil {
		t.Fatal(err)
	}
	if v {
		t.Fatalf("inverted TDO with status bit set read as high")
	}
}

func TestWigglerBadMap(t *testing.T) {
	for _, m := range []string{"7,4,3", "7,4,x,2,1,0"} {
		if _, err := NewWiggler(&parport.Memory{}, m); err == nil {
			t.Errorf("NewWiggler(%q) should fail", m)
		}
	}
}

func TestWiggler2LowersLinesOnRead(t *testing.T) {
	w, err := NewWiggler(parportTarget(), "")
	if err != nil {
		t.Fatal(err)
	}
	w.lowerOnRead = true
	c := activeCable(t, w)
	if err := c.Clock(true, true, 1); err != nil {
		t.Fatal(err)
	}
	if v, _ := c.GetSignal(TCK); !v {
		t.Fatalf("TCK should be cached high after a clock")
	}
	if _, err := c.GetTDO(); err != nil {
		t.Fatal(err)
	}
	for _, sig := range []Signal{TCK, TMS, TDI} {
		if v, _ := c.GetSignal(sig); v {
			t.Errorf("%s still cached high after a TDO read", sig)
		}
	}
}

const (
	gpioTCK = 11
	gpioTMS = 25
	gpioTDI = 10
	gpioTDO = 9
)

func gpioTarget() *gpiopin.Memory {
	chip := gpiopin.NewMemory()
	var reg bool
	chip.OnWrite = func(m *gpiopin.Memory, pin int, high bool) {
		if pin == gpioTCK && high {
			reg = m.Levels[gpioTDI]
			m.Levels[gpioTDO] = reg
		}
	}
	return chip
}

func TestGPIOTransfer(t *testing.T) {
	chip := gpioTarget()
	g := NewGPIO(chip, GPIOPins{TCK: gpioTCK, TMS: gpioTMS, TDI: gpioTDI, TDO: gpioTDO, TRST: -1})
	c := activeCable(t, g)
	if !chip.Opened || !chip.Outputs[gpioTCK] || chip.Outputs[gpioTDO] {
		t.Fatalf("pin directions not configured: %+v", chip.Outputs)
	}
	if c.Delay() != 1000 {
		t.Errorf("delay = %d, want 1000", c.Delay())
	}
	c.SetDelay(0)

	in := bits("110010")
	out := make([]bool, len(in))
	if _, err := c.Transfer(in, out); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if got := bitString(out); got != "011001" {
		t.Fatalf("out = %s, want 011001", got)
	}
	if chip.Levels[gpioTCK] {
		t.Errorf("TCK left high")
	}

	if err := c.Clock(true, false, 1); err != nil {
		t.Fatal(err)
	}
	if !chip.Levels[gpioTMS] {
		t.Errorf("TMS not driven")
	}

	// TRST is not wired, so it is ignored.
	if _, err := c.SetSignal(TRST, 0); err != nil {
		t.Fatalf("SetSignal: %v", err)
	}
	c.Done()
	if chip.Opened {
		t.Errorf("chip left open")
	}
}

func TestGPIOTRST(t *testing.T) {
	chip := gpioTarget()
	g := NewGPIO(chip, GPIOPins{TCK: gpioTCK, TMS: gpioTMS, TDI: gpioTDI, TDO: gpioTDO, TRST: 7})
	c := activeCable(t, g)
	if !chip.Levels[7] {
		t.Fatalf("TRST not released on init")
	}
	if _, err := c.SetSignal(TRST, 0); err != nil {
		t.Fatal(err)
	}
	if chip.Levels[7] {
		t.Fatalf("TRST not asserted")
	}
}
