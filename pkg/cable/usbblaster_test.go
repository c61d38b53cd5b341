package cable

import (
	"bytes"
	"testing"

	"github.com/OpenTraceLab/tapflash/pkg/cmsisdap"
)

// blasterEmu interprets the USB-Blaster byte protocol against a one-bit
// TDI to TDO register.
type blasterEmu struct {
	opened bool
	writes [][]byte
	reply  []byte

	reg      bool
	tck      bool
	shifting int
	reading  bool
	clocks   int
}

func (e *blasterEmu) clock(tdi bool) bool {
	tdo := e.reg
	e.reg = tdi
	e.clocks++
	return tdo
}

func (e *blasterEmu) Write(p []byte) (int, error) {
	e.writes = append(e.writes, append([]byte(nil), p...))
	for _, b := range p {
		if e.shifting > 0 {
			var tdo byte
			for bit := 0; bit < 8; bit++ {
				if e.clock(b&(1<<bit) != 0) {
					tdo |= 1 << bit
				}
			}
			if e.reading {
				e.reply = append(e.reply, tdo)
			}
			e.shifting--
			continue
		}
		if b&blasterShift != 0 {
			e.shifting = int(b & 0x3F)
			e.reading = b&blasterRead != 0
			continue
		}
		if b&blasterRead != 0 {
			var v byte
			if e.reg {
				v = blasterTDO
			}
			e.reply = append(e.reply, v)
		}
		tck := b&blasterTCK != 0
		if tck && !e.tck {
			e.clock(b&blasterTDI != 0)
		}
		e.tck = tck
	}
	return len(p), nil
}

func (e *blasterEmu) Read(p []byte) (int, error) {
	n := copy(p, e.reply)
	e.reply = e.reply[n:]
	return n, nil
}

func (e *blasterEmu) Open() error {
	e.opened = true
	return nil
}

func (e *blasterEmu) Close() error {
	e.opened = false
	return nil
}

func (e *blasterEmu) SetBitmode(mask, mode byte) error { return nil }
func (e *blasterEmu) SetLatency(ms byte) error { return nil }
func (e *blasterEmu) Purge() error { return nil }

func TestUSBBlasterInit(t *testing.T) {
	emu := &blasterEmu{}
	c := activeCable(t, NewUSBBlaster(emu))
	if !emu.opened {
		t.Fatalf("link not opened")
	}
	if len(emu.writes) != 1 || !bytes.Equal(emu.writes[0], make([]byte, 64)) {
		t.Fatalf("init writes = %x", emu.writes)
	}
	if c.Frequency() != blasterFreq {
		t.Errorf("frequency = %s, want %s", c.Frequency(), blasterFreq)
	}
	if err := c.SetFrequency(blasterFreq / 2); err != nil {
		t.Fatal(err)
	}
	if c.Frequency() != blasterFreq {
		t.Errorf("frequency changed to %s", c.Frequency())
	}
}

func TestUSBBlasterClockUsesShiftMode(t *testing.T) {
	emu := &blasterEmu{}
	c := activeCable(t, NewUSBBlaster(emu))
	if err := c.Clock(false, true, 19); err != nil {
		t.Fatal(err)
	}
	want := []byte{
		blasterShift | 2, 0xFF, 0xFF,
		blasterOthers | blasterTDI, blasterOthers | blasterTCK | blasterTDI,
		blasterOthers | blasterTDI, blasterOthers | blasterTCK | blasterTDI,
		blasterOthers | blasterTDI, blasterOthers | blasterTCK | blasterTDI,
	}
	if got := emu.writes[len(emu.writes)-1]; !bytes.Equal(got, want) {
		t.Fatalf("clock bytes = %x, want %x", got, want)
	}
	if emu.clocks != 19 {
		t.Fatalf("target saw %d clocks, want 19", emu.clocks)
	}

	// TMS high cannot use the shifter.
	if err := c.Clock(true, false, 8); err != nil {
		t.Fatal(err)
	}
	if got := len(emu.writes[len(emu.writes)-1]); got != 16 {
		t.Fatalf("TMS clock wrote %d bytes, want 16", got)
	}
}

func TestUSBBlasterTransfer(t *testing.T) {
	emu := &blasterEmu{}
	c := activeCable(t, NewUSBBlaster(emu))
	in := bits("10110011100011110101")
	out := make([]bool, len(in))
	if _, err := c.Transfer(in, out); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	want := "0" + bitString(in[:len(in)-1])
	if got := bitString(out); got != want {
		t.Fatalf("out = %s, want %s", got, want)
	}
}

func TestUSBBlasterDeferred(t *testing.T) {
	emu := &blasterEmu{}
	c := activeCable(t, NewUSBBlaster(emu))
	writes := len(emu.writes)

	if err := c.DeferClock(false, true, 1); err != nil {
		t.Fatal(err)
	}
	if err := c.DeferGetTDO(); err != nil {
		t.Fatal(err)
	}
	if err := c.DeferTransfer(bits("0110"), true); err != nil {
		t.Fatal(err)
	}
	if err := c.DeferGetSignal(TRST); err != nil {
		t.Fatal(err)
	}
	if len(emu.writes) != writes {
		t.Fatalf("deferred work reached the wire early")
	}

	v, err := c.GetTDOLate()
	if err != nil || !v {
		t.Fatalf("GetTDOLate = %v, %v; want true", v, err)
	}
	if len(emu.writes) != writes+1 {
		t.Fatalf("flush took %d writes, want 1", len(emu.writes)-writes)
	}
	out := make([]bool, 4)
	if _, err := c.TransferLate(out); err != nil {
		t.Fatal(err)
	}
	if got := bitString(out); got != "1011" {
		t.Errorf("transfer out = %s, want 1011", got)
	}
	if v, err := c.GetSignalLate(TRST); err != nil || !v {
		t.Errorf("TRST = %v, %v", v, err)
	}
}

func dapCable(t *testing.T, emu *cmsisdap.Emulator) *Cable {
	t.Helper()
	return activeCable(t, NewCMSISDAP(func() (*cmsisdap.Probe, error) {
		return cmsisdap.NewProbe(emu)
	}))
}

func TestCMSISDAPInit(t *testing.T) {
	emu := cmsisdap.NewEmulator()
	c := dapCable(t, emu)
	if emu.Port != cmsisdap.PortJTAG {
		t.Fatalf("port = %d, want JTAG", emu.Port)
	}
	if emu.Clock != 1000000 {
		t.Errorf("clock = %d, want 1 MHz", emu.Clock)
	}
	if c.Frequency() != cmsisDAPDefaultClock {
		t.Errorf("frequency = %s", c.Frequency())
	}
	if emu.Pins&(cmsisdap.PinNTRST|cmsisdap.PinNRESET) != cmsisdap.PinNTRST|cmsisdap.PinNRESET {
		t.Errorf("reset lines not released: pins=%#02x", emu.Pins)
	}

	if _, err := c.SetSignal(TRST|Reset, Reset); err != nil {
		t.Fatal(err)
	}
	if emu.Pins&cmsisdap.PinNTRST != 0 || emu.Pins&cmsisdap.PinNRESET == 0 {
		t.Errorf("pins = %#02x after asserting TRST only", emu.Pins)
	}
	if v, err := c.GetTDO(); err != nil || !v {
		t.Errorf("GetTDO = %v, %v; emulator holds TDO high", v, err)
	}

	c.Done()
	if emu.Port != cmsisdap.PortDefault {
		t.Errorf("probe not disconnected")
	}
}

func TestCMSISDAPTransfer(t *testing.T) {
	emu := cmsisdap.NewEmulator()
	emu.Delay = 1
	c := dapCable(t, emu)

	in := make([]bool, 100)
	for i := range in {
		in[i] = i%3 == 0 || i%7 == 0
	}
	out := make([]bool, len(in))
	before := len(emu.Commands)
	if _, err := c.Transfer(in, out); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	want := "0" + bitString(in[:len(in)-1])
	if got := bitString(out); got != want {
		t.Fatalf("out = %s\nwant  %s", got, want)
	}
	if n := len(emu.Commands) - before; n != 1 {
		t.Errorf("transfer used %d packets, want 1", n)
	}
}

func TestCMSISDAPDeferredMerge(t *testing.T) {
	emu := cmsisdap.NewEmulator()
	emu.Delay = 1
	c := dapCable(t, emu)

	if err := c.DeferTransfer(bits("101"), true); err != nil {
		t.Fatal(err)
	}
	if err := c.DeferGetTDO(); err != nil {
		t.Fatal(err)
	}
	if err := c.DeferClock(false, false, 1); err != nil {
		t.Fatal(err)
	}
	out := make([]bool, 3)
	if _, err := c.TransferLate(out); err != nil {
		t.Fatal(err)
	}
	if got := bitString(out); got != "010" {
		t.Errorf("out = %s, want 010", got)
	}
	v, err := c.GetTDOLate()
	if err != nil || !v {
		t.Errorf("GetTDOLate = %v, %v; want true", v, err)
	}
}
