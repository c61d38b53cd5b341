package cable

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"periph.io/x/conn/v3/physic"

	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
)

func activeCable(t *testing.T, d Driver, opts ...Option) *Cable {
	t.Helper()
	c := New("test", d, opts...)
	if err := c.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return c
}

func bits(s string) []bool {
	out := make([]bool, 0, len(s))
	for _, r := range s {
		out = append(out, r == '1')
	}
	return out
}

func bitString(b []bool) string {
	var sb strings.Builder
	for _, v := range b {
		if v {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

func TestCableLifecycle(t *testing.T) {
	sim := NewSim(1)
	c := New("sim", sim)
	if c.State() != StateConnected {
		t.Fatalf("state = %s, want connected", c.State())
	}
	if err := c.Clock(false, false, 1); !errors.Is(err, jtagerr.ErrState) {
		t.Fatalf("Clock before Init: err = %v, want ErrState", err)
	}

	if err := c.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if c.State() != StateActive {
		t.Fatalf("state = %s, want active", c.State())
	}

	c.Done()
	c.Done()
	if c.State() != StateConnected {
		t.Fatalf("state after Done = %s", c.State())
	}

	if err := c.Init(); err != nil {
		t.Fatalf("re-Init: %v", err)
	}
	if err := c.Free(); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if !sim.freed {
		t.Fatalf("driver not freed")
	}
	if err := c.Free(); !errors.Is(err, jtagerr.ErrState) {
		t.Fatalf("second Free: err = %v, want ErrState", err)
	}
	if err := c.Init(); !errors.Is(err, jtagerr.ErrState) {
		t.Fatalf("Init after Free: err = %v, want ErrState", err)
	}
}

func TestDeferredResultsKeepOrder(t *testing.T) {
	for _, useTransfer := range []bool{false, true} {
		name := "onebyone"
		if useTransfer {
			name = "transfer"
		}
		t.Run(name, func(t *testing.T) {
			sim := NewSim(1)
			sim.UseTransfer = useTransfer
			c := activeCable(t, sim)

			steps := []func() error{
				func() error { return c.DeferClock(false, true, 1) },
				c.DeferGetTDO,
				func() error { return c.DeferClock(false, false, 1) },
				c.DeferGetTDO,
			}
			for i, step := range steps {
				if err := step(); err != nil {
					t.Fatalf("step %d: %v", i, err)
				}
			}

			for i, want := range []bool{true, false} {
				got, err := c.GetTDOLate()
				if err != nil {
					t.Fatalf("GetTDOLate %d: %v", i, err)
				}
				if got != want {
					t.Errorf("GetTDOLate %d = %v, want %v", i, got, want)
				}
			}
			if useTransfer && sim.Transfers != 1 {
				t.Errorf("transfers = %d, want 1 merged transfer", sim.Transfers)
			}
			if c.TodoQueue().Len() != 0 || c.DoneQueue().Len() != 0 {
				t.Errorf("queues not drained: todo=%d done=%d", c.TodoQueue().Len(), c.DoneQueue().Len())
			}
		})
	}
}

func TestTransferLoopback(t *testing.T) {
	c := activeCable(t, NewSim(8))
	in := bits("1011001110001111")
	out := make([]bool, len(in))
	n, err := c.Transfer(in, out)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if n != len(in) {
		t.Fatalf("Transfer = %d, want %d", n, len(in))
	}
	want := "00000000" + bitString(in[:8])
	if got := bitString(out); got != want {
		t.Fatalf("out = %s, want %s", got, want)
	}

	if _, err := c.Transfer(in, make([]bool, 3)); !errors.Is(err, jtagerr.ErrInvalid) {
		t.Fatalf("short output: err = %v, want ErrInvalid", err)
	}
}

func TestDeferTransferLate(t *testing.T) {
	sim := NewSim(2)
	sim.UseTransfer = true
	c := activeCable(t, sim)

	in := bits("110")
	if err := c.DeferTransfer(in, true); err != nil {
		t.Fatalf("DeferTransfer: %v", err)
	}
	in[0] = false // the queued copy must not change
	if err := c.DeferTransfer(bits("1111"), false); err != nil {
		t.Fatalf("DeferTransfer: %v", err)
	}
	if err := c.DeferTransfer(bits("0000"), true); err != nil {
		t.Fatalf("DeferTransfer: %v", err)
	}

	out := make([]bool, 3)
	n, err := c.TransferLate(out)
	if err != nil || n != 3 {
		t.Fatalf("TransferLate = %d, %v", n, err)
	}
	if got := bitString(out); got != "001" {
		t.Errorf("first out = %s, want 001", got)
	}
	out = make([]bool, 4)
	if _, err := c.TransferLate(out); err != nil {
		t.Fatalf("TransferLate: %v", err)
	}
	if got := bitString(out); got != "1100" {
		t.Errorf("second out = %s, want 1100", got)
	}
}

func TestLateWithoutDeferredWork(t *testing.T) {
	c := activeCable(t, NewSim(1))
	if err := c.Clock(false, true, 1); err != nil {
		t.Fatalf("Clock: %v", err)
	}
	v, err := c.GetTDOLate()
	if err != nil || !v {
		t.Fatalf("GetTDOLate = %v, %v; want direct sample true", v, err)
	}
	trst, err := c.GetSignalLate(TRST)
	if err != nil || !trst {
		t.Fatalf("GetSignalLate(TRST) = %v, %v", trst, err)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("TransferLate with nothing deferred should panic")
		}
	}()
	c.TransferLate(make([]bool, 1))
}

func TestDeferredSignals(t *testing.T) {
	c := activeCable(t, NewSim(1))
	if err := c.DeferSetSignal(TRST, 0); err != nil {
		t.Fatalf("DeferSetSignal: %v", err)
	}
	if err := c.DeferGetSignal(TRST); err != nil {
		t.Fatalf("DeferGetSignal: %v", err)
	}
	if err := c.DeferGetSignal(Reset); err != nil {
		t.Fatalf("DeferGetSignal: %v", err)
	}
	if v, err := c.GetSignalLate(TRST); err != nil || v {
		t.Fatalf("TRST = %v, %v; want false", v, err)
	}
	if v, err := c.GetSignalLate(Reset); err != nil || !v {
		t.Fatalf("RESET = %v, %v; want true", v, err)
	}
}

func TestQueueLimit(t *testing.T) {
	sim := NewSim(1)
	sim.UseTransfer = true
	c := activeCable(t, sim, WithQueueLimit(2))
	for i := 0; i < 2; i++ {
		if err := c.DeferGetTDO(); err != nil {
			t.Fatalf("DeferGetTDO %d: %v", i, err)
		}
	}
	if err := c.DeferGetTDO(); !errors.Is(err, jtagerr.ErrOutOfMemory) {
		t.Fatalf("third DeferGetTDO: err = %v, want ErrOutOfMemory", err)
	}
	if c.TodoQueue().Len() != 2 {
		t.Fatalf("todo = %d, want 2", c.TodoQueue().Len())
	}
}

func TestQueuePopMismatchPanics(t *testing.T) {
	q := newQueue("done", 4)
	if err := q.Push(Item{Action: ActionGetTDO}); err != nil {
		t.Fatal(err)
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("Pop with wrong action should panic")
		}
	}()
	q.Pop(ActionTransfer)
}

func TestDeferClockZeroIsNoop(t *testing.T) {
	sim := NewSim(1)
	sim.UseTransfer = true
	c := activeCable(t, sim)
	if err := c.DeferClock(true, true, 0); err != nil {
		t.Fatal(err)
	}
	if c.TodoQueue().Len() != 0 {
		t.Fatalf("zero-length clock was queued")
	}
}

func TestSimChainIDCodes(t *testing.T) {
	sim := NewSimChain(
		&SimDevice{IDCode: 0x4BA00477, IRLength: 4},
		&SimDevice{IDCode: 0x06413041, IRLength: 5},
	)
	c := activeCable(t, sim)
	if err := c.Clock(true, false, 5); err != nil {
		t.Fatal(err)
	}
	// Run-Test/Idle, Select-DR, Capture-DR, Shift-DR.
	for _, tms := range []bool{false, true, false, false} {
		if err := c.Clock(tms, false, 1); err != nil {
			t.Fatal(err)
		}
	}
	out := make([]bool, 64)
	if _, err := c.Transfer(make([]bool, 64), out); err != nil {
		t.Fatal(err)
	}
	var ids [2]uint32
	for i, b := range out {
		if b {
			ids[i/32] |= 1 << (i % 32)
		}
	}
	if ids != [2]uint32{0x4BA00477, 0x06413041} {
		t.Fatalf("ids = %08x, want 4ba00477 06413041", ids)
	}
}

func TestNextDelay(t *testing.T) {
	const target = 100 * physic.KiloHertz
	tests := []struct {
		name     string
		measured physic.Frequency
		current  int
		next     int
		done     bool
	}{
		{"on target", target, 10, 10, true},
		{"inside tolerance", 105 * physic.KiloHertz, 10, 10, true},
		{"too fast scales up", 2 * target, 10, 20, false},
		{"too fast from zero", 2 * target, 0, 1, false},
		{"too slow scales down", target / 2, 10, 5, false},
		{"too slow at zero", target / 2, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, done := NextDelay(tt.measured, target, tt.current)
			if next != tt.next || done != tt.done {
				t.Fatalf("NextDelay = (%d, %v), want (%d, %v)", next, done, tt.next, tt.done)
			}
		})
	}
	if next, done := NextDelay(target, 0, 7); next != 0 || !done {
		t.Fatalf("zero target = (%d, %v)", next, done)
	}
}

func TestCalibrateZeroRemovesDelay(t *testing.T) {
	c := activeCable(t, NewSim(1))
	c.SetDelay(50)
	if err := Calibrate(c, c.Driver(), 0); err != nil {
		t.Fatal(err)
	}
	if c.Delay() != 0 || c.Frequency() != 0 {
		t.Fatalf("delay=%d freq=%s, want both zero", c.Delay(), c.Frequency())
	}
}

func TestParseParams(t *testing.T) {
	p, err := ParseParams(`VID=0x0403 pid=24592 desc="Dual RS232-HS" port=/dev/parport1 trst=-1`)
	if err != nil {
		t.Fatalf("ParseParams: %v", err)
	}
	if v, _ := p.Uint("vid", 0); v != 0x0403 {
		t.Errorf("vid = %#x", v)
	}
	if v, _ := p.Uint("pid", 0); v != 0x6010 {
		t.Errorf("pid = %#x", v)
	}
	if got := p.String("desc", ""); got != "Dual RS232-HS" {
		t.Errorf("desc = %q", got)
	}
	if got := p.String("port", ""); got != "/dev/parport1" {
		t.Errorf("port = %q", got)
	}
	if v, _ := p.Int("trst", 0); v != -1 {
		t.Errorf("trst = %d", v)
	}
	if v, _ := p.Int("missing", 42); v != 42 {
		t.Errorf("default = %d", v)
	}
	if err := p.Check("vid", "pid", "desc", "port", "trst"); err != nil {
		t.Errorf("Check: %v", err)
	}
	if err := p.Check("vid"); !errors.Is(err, jtagerr.ErrSyntax) {
		t.Errorf("Check with unknown keys: err = %v", err)
	}

	for _, bad := range []string{"vid=1 vid=2", "vid", "=3"} {
		if _, err := ParseParams(bad); !errors.Is(err, jtagerr.ErrSyntax) {
			t.Errorf("ParseParams(%q): err = %v, want ErrSyntax", bad, err)
		}
	}
	p, _ = ParseParams("pid=zz")
	if _, err := p.Uint("pid", 0); !errors.Is(err, jtagerr.ErrInvalid) {
		t.Errorf("non-numeric pid: err = %v", err)
	}
}

func TestRegistry(t *testing.T) {
	names := map[string]bool{}
	prev := ""
	for _, d := range Drivers() {
		if d.Name < prev {
			t.Fatalf("drivers not sorted: %s after %s", d.Name, prev)
		}
		prev = d.Name
		names[d.Name] = true
	}
	for _, want := range []string{"sim", "ft2232", "ft2232h", "jtagkey", "armusbocd", "usbblaster", "wiggler", "wiggler2", "gpio", "cmsisdap"} {
		if !names[want] {
			t.Errorf("driver %s not registered", want)
		}
	}

	info, ok := Lookup("JTAGKEY")
	if !ok || info.VendorID != 0x0403 || info.ProductID != 0xcff8 {
		t.Fatalf("Lookup(JTAGKEY) = %+v, %v", info, ok)
	}
	var help bytes.Buffer
	info.Help(&help)
	if !strings.Contains(help.String(), "Usage: cable jtagkey") || !strings.Contains(help.String(), "0403:cff8") {
		t.Errorf("help = %q", help.String())
	}
}

func TestConnect(t *testing.T) {
	c, err := Connect("sim", `delay=3 flush=transfer`)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sim := c.Driver().(*Sim)
	if sim.Delay != 3 || !sim.UseTransfer {
		t.Fatalf("sim = %+v", sim)
	}

	c, err = Connect("sim", `idcodes="0x4ba00477/4 0x06413041/5"`)
	if err != nil {
		t.Fatalf("Connect with idcodes: %v", err)
	}
	devs := c.Driver().(*Sim).Devices
	if len(devs) != 2 || devs[1].IDCode != 0x06413041 || devs[1].IRLength != 5 {
		t.Fatalf("devices = %+v", devs)
	}

	tests := []struct {
		name, driver, params string
		want                 error
	}{
		{"unknown driver", "nope", "", jtagerr.ErrNotFound},
		{"unknown param", "sim", "bogus=1", jtagerr.ErrSyntax},
		{"bad flush", "sim", "flush=sideways", jtagerr.ErrInvalid},
		{"gpio without tdo", "gpio", "tck=1 tms=2 tdi=3", jtagerr.ErrInvalid},
		{"gpio bad backend", "gpio", "tck=1 tms=2 tdi=3 tdo=4 backend=sysfs", jtagerr.ErrInvalid},
		{"wiggler short map", "wiggler", `map="1,2,3"`, jtagerr.ErrSyntax},
		{"wiggler2 map", "wiggler2", `map="7,4,3,2,1,0"`, jtagerr.ErrSyntax},
		{"ft2232 interface", "ft2232", "interface=7", jtagerr.ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Connect(tt.driver, tt.params); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSignalNames(t *testing.T) {
	if got := (TRST | Reset).String(); got != "TRST|RESET" {
		t.Errorf("String = %q", got)
	}
	for name, want := range map[string]Signal{"tck": TCK, "TRST": TRST, "srst": Reset, "reset": Reset} {
		if got, ok := ParseSignal(name); !ok || got != want {
			t.Errorf("ParseSignal(%q) = %v, %v", name, got, ok)
		}
	}
	if _, ok := ParseSignal("vref"); ok {
		t.Errorf("ParseSignal(vref) should fail")
	}
}
