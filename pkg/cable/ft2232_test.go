package cable

import (
	"bytes"
	"errors"
	"testing"

	"periph.io/x/conn/v3/physic"
)

// mpsseEmu interprets the MPSSE commands the FT2232 driver emits. The
// target is a one-bit register between TDI and TDO.
type mpsseEmu struct {
	opened  bool
	bitmode byte
	latency byte

	writes  [][]byte
	answers []int
	reply   []byte

	// failWrites makes that many writes fail before any byte reaches the
	// device.
	failWrites int

	low, lowDir   byte
	high, highDir byte
	divisor       int
	noClockDiv    bool

	reg    bool
	clocks int
	tms    []bool
}

func (e *mpsseEmu) clock(tms, tdi bool) bool {
	tdo := e.reg
	e.reg = tdi
	e.clocks++
	e.tms = append(e.tms, tms)
	return tdo
}

func (e *mpsseEmu) lowPins() byte {
	v := e.low &^ pinTDO
	if e.reg {
		v |= pinTDO
	}
	return v
}

var errUnplugged = errors.New("usb: device unplugged")

func (e *mpsseEmu) Write(p []byte) (int, error) {
	if e.failWrites > 0 {
		e.failWrites--
		return 0, errUnplugged
	}
	e.writes = append(e.writes, append([]byte(nil), p...))
	replied := len(e.reply)
	defer func() { e.answers = append(e.answers, len(e.reply)-replied) }()
	for i := 0; i < len(p); {
		op := p[i]
		switch op {
		case opClockTMS:
			n, d := int(p[i+1])+1, p[i+2]
			for k := 0; k < n; k++ {
				e.clock(d&(1<<k) != 0, d&0x80 != 0)
			}
			i += 3
		case opShiftBytes, opShiftBytesRead:
			n := int(p[i+1]) | int(p[i+2])<<8 + 1
			data := p[i+3 : i+3+n]
			for _, b := range data {
				var tdo byte
				for bit := 0; bit < 8; bit++ {
					if e.clock(false, b&(1<<bit) != 0) {
						tdo |= 1 << bit
					}
				}
				if op == opShiftBytesRead {
					e.reply = append(e.reply, tdo)
				}
			}
			i += 3 + n
		case opShiftBits, opShiftBitsRead:
			n, d := int(p[i+1])+1, p[i+2]
			var tdo byte
			for k := 0; k < n; k++ {
				tdo >>= 1
				if e.clock(false, d&(1<<k) != 0) {
					tdo |= 0x80
				}
			}
			if op == opShiftBitsRead {
				e.reply = append(e.reply, tdo)
			}
			i += 3
		case mpsseSetBitsLow:
			e.low, e.lowDir = p[i+1], p[i+2]
			i += 3
		case mpsseSetBitsHigh:
			e.high, e.highDir = p[i+1], p[i+2]
			i += 3
		case mpsseGetBitsLow:
			e.reply = append(e.reply, e.lowPins())
			i++
		case mpsseTCKDivisor:
			e.divisor = int(p[i+1]) | int(p[i+2])<<8
			i += 3
		case mpsseDisableClockDiv:
			e.noClockDiv = true
			i++
		case mpsseSendImmediate:
			i++
		default:
			panic("mpsse emulator: unknown opcode")
		}
	}
	return len(p), nil
}

func (e *mpsseEmu) Read(p []byte) (int, error) {
	n := copy(p, e.reply)
	e.reply = e.reply[n:]
	return n, nil
}

func (e *mpsseEmu) Open() error {
	e.opened = true
	return nil
}

func (e *mpsseEmu) Close() error {
	e.opened = false
	return nil
}

func (e *mpsseEmu) SetBitmode(mask, mode byte) error {
	e.bitmode = mode
	return nil
}

func (e *mpsseEmu) SetLatency(ms byte) error {
	e.latency = ms
	return nil
}

func (e *mpsseEmu) Purge() error { return nil }

func (e *mpsseEmu) last() []byte { return e.writes[len(e.writes)-1] }

func mpsseCable(t *testing.T, layout string) (*Cable, *mpsseEmu) {
	t.Helper()
	emu := &mpsseEmu{}
	d, err := NewFT2232(layout, emu)
	if err != nil {
		t.Fatalf("NewFT2232: %v", err)
	}
	return activeCable(t, d), emu
}

func TestFT2232Init(t *testing.T) {
	tests := []struct {
		layout string
		want   []byte
		freq   physic.Frequency
	}{
		{
			layout: "ft2232",
			want:   []byte{0x80, 0x08, 0x0B, 0x82, 0x00, 0x00, 0x86, 0x00, 0x00},
			freq:   6 * physic.MegaHertz,
		},
		{
			layout: "ft2232h",
			want:   []byte{0x80, 0x08, 0x0B, 0x82, 0x00, 0x00, 0x8A, 0x86, 0x00, 0x00},
			freq:   30 * physic.MegaHertz,
		},
		{
			layout: "jtagkey",
			want:   []byte{0x80, 0x08, 0x1B, 0x82, 0x03, 0x00, 0x82, 0x03, 0x0F, 0x86, 0x00, 0x00},
			freq:   6 * physic.MegaHertz,
		},
	}
	for _, tt := range tests {
		t.Run(tt.layout, func(t *testing.T) {
			c, emu := mpsseCable(t, tt.layout)
			if !emu.opened || emu.bitmode != 0x02 || emu.latency != 2 {
				t.Fatalf("link setup: opened=%v bitmode=%#x latency=%d", emu.opened, emu.bitmode, emu.latency)
			}
			if len(emu.writes) != 1 || !bytes.Equal(emu.writes[0], tt.want) {
				t.Fatalf("init stream = % x, want % x", emu.writes, tt.want)
			}
			if c.Frequency() != tt.freq {
				t.Errorf("frequency = %s, want %s", c.Frequency(), tt.freq)
			}

			c.Done()
			if emu.opened {
				t.Errorf("link left open")
			}
			if !bytes.Equal(emu.last(), []byte{0x80, 0, 0, 0x82, 0, 0}) {
				t.Errorf("done stream = % x", emu.last())
			}
		})
	}

	if _, err := NewFT2232("nope", &mpsseEmu{}); err == nil {
		t.Fatalf("unknown layout accepted")
	}
}

func TestFT2232SetFrequency(t *testing.T) {
	c, emu := mpsseCable(t, "ft2232")
	tests := []struct {
		req, got physic.Frequency
		divisor  int
	}{
		{physic.MegaHertz, physic.MegaHertz, 5},
		{4 * physic.MegaHertz, 3 * physic.MegaHertz, 1},
		{50 * physic.Hertz, 6 * physic.MegaHertz / 65535, 65534},
		{0, 6 * physic.MegaHertz, 0},
	}
	for _, tt := range tests {
		if err := c.SetFrequency(tt.req); err != nil {
			t.Fatalf("SetFrequency(%s): %v", tt.req, err)
		}
		if emu.divisor != tt.divisor || c.Frequency() != tt.got {
			t.Errorf("SetFrequency(%s): divisor=%d freq=%s, want %d and %s", tt.req, emu.divisor, c.Frequency(), tt.divisor, tt.got)
		}
	}
}

func TestFT2232Clock(t *testing.T) {
	c, emu := mpsseCable(t, "ft2232")
	if err := c.Clock(true, false, 10); err != nil {
		t.Fatal(err)
	}
	want := []byte{0x4B, 6, 0x7F, 0x4B, 2, 0x7F}
	if !bytes.Equal(emu.last(), want) {
		t.Fatalf("clock stream = % x, want % x", emu.last(), want)
	}
	if emu.clocks != 10 {
		t.Fatalf("clocks = %d", emu.clocks)
	}
	if v, _ := c.GetSignal(TMS); !v {
		t.Errorf("TMS not cached high")
	}
}

func TestFT2232Transfer(t *testing.T) {
	c, emu := mpsseCable(t, "ft2232")
	in := bits("10110011100011110101")
	out := make([]bool, len(in))
	if _, err := c.Transfer(in, out); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	want := "0" + bitString(in[:len(in)-1])
	if got := bitString(out); got != want {
		t.Fatalf("out = %s, want %s", got, want)
	}
	// Two whole bytes, four loose bits, a pin read and send-immediate.
	stream := emu.last()
	if stream[0] != opShiftBytesRead || stream[1] != 1 || stream[2] != 0 {
		t.Errorf("stream starts % x", stream[:3])
	}
	if stream[5] != opShiftBitsRead || stream[6] != 3 {
		t.Errorf("bit shift = % x", stream[5:8])
	}
	if !bytes.Equal(stream[8:], []byte{mpsseGetBitsLow, mpsseSendImmediate}) {
		t.Errorf("stream tail = % x", stream[8:])
	}

	// TDO after the shift is known without another round trip.
	writes := len(emu.writes)
	if err := c.DeferGetTDO(); err != nil {
		t.Fatal(err)
	}
	v, err := c.GetTDOLate()
	if err != nil {
		t.Fatal(err)
	}
	if v != in[len(in)-1] {
		t.Errorf("TDO = %v, want %v", v, in[len(in)-1])
	}
	if len(emu.writes) != writes {
		t.Errorf("cached TDO still went to the device")
	}
}

func TestFT2232FlushOrdering(t *testing.T) {
	c, emu := mpsseCable(t, "ft2232")
	writes := len(emu.writes)
	steps := []func() error{
		func() error { return c.DeferClock(false, true, 1) },
		c.DeferGetTDO,
		func() error { return c.DeferClock(false, false, 1) },
		c.DeferGetTDO,
		func() error { return c.DeferGetSignal(TDI) },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	for i, want := range []bool{true, false} {
		got, err := c.GetTDOLate()
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("GetTDOLate %d = %v, want %v", i, got, want)
		}
	}
	if v, err := c.GetSignalLate(TDI); err != nil || v {
		t.Errorf("TDI = %v, %v; want low after the last clock", v, err)
	}
	if n := len(emu.writes) - writes; n != 1 {
		t.Fatalf("flush used %d writes, want 1", n)
	}
	want := []byte{0x4B, 0, 0x80, 0x81, 0x4B, 0, 0x00, 0x81, 0x87}
	if !bytes.Equal(emu.last(), want) {
		t.Fatalf("stream = % x, want % x", emu.last(), want)
	}
}

func TestFT2232CompactTail(t *testing.T) {
	c, emu := mpsseCable(t, "ft2232")
	writes := len(emu.writes)

	if err := c.DeferClock(true, false, 3); err != nil {
		t.Fatal(err)
	}
	if err := c.Flush(ToOutput); err != nil {
		t.Fatal(err)
	}
	q := c.TodoQueue()
	if q.Len() != 1 || q.Front().Action != ActionClockCompact || q.Front().N != 3 || q.Front().TMSBits != 0x07 {
		t.Fatalf("todo = %d items, head %+v", q.Len(), q.Front())
	}
	if len(emu.writes) != writes {
		t.Fatalf("partial run was sent early")
	}

	if err := c.DeferClock(false, false, 2); err != nil {
		t.Fatal(err)
	}
	if err := c.Flush(Completely); err != nil {
		t.Fatal(err)
	}
	if q.Len() != 0 {
		t.Fatalf("todo not drained")
	}
	if want := []byte{0x4B, 4, 0x07}; !bytes.Equal(emu.last(), want) {
		t.Fatalf("stream = % x, want % x", emu.last(), want)
	}
	wantTMS := "11100"
	if got := bitString(emu.tms); got != wantTMS {
		t.Fatalf("TMS sequence = %s, want %s", got, wantTMS)
	}
}

func TestFT2232Signals(t *testing.T) {
	c, emu := mpsseCable(t, "jtagkey")
	prev, err := c.SetSignal(TRST, 0)
	if err != nil {
		t.Fatal(err)
	}
	if prev != TRST|Reset {
		t.Errorf("prev = %s, want TRST|RESET", prev)
	}
	want := []byte{0x80, 0x00, 0x1B, 0x82, 0x02, 0x0F}
	if !bytes.Equal(emu.last(), want) {
		t.Fatalf("stream = % x, want % x", emu.last(), want)
	}
	if v, _ := c.GetSignal(TRST); v {
		t.Errorf("TRST still reported high")
	}

	if err := c.DeferSetSignal(TRST|Reset, TRST); err != nil {
		t.Fatal(err)
	}
	if err := c.DeferGetSignal(Reset); err != nil {
		t.Fatal(err)
	}
	v, err := c.GetSignalLate(Reset)
	if err != nil || v {
		t.Fatalf("RESET = %v, %v; want asserted", v, err)
	}
	// Nothing asked for an answer, so the pin update is still buffered.
	if emu.high != 0x02 {
		t.Errorf("high byte = %#02x before the complete flush", emu.high)
	}
	if err := c.Flush(Completely); err != nil {
		t.Fatal(err)
	}
	if emu.high != 0x01 {
		t.Errorf("high byte = %#02x, want 0x01", emu.high)
	}
	if c.DoneQueue().Len() != 0 {
		t.Errorf("set-signal left a result behind")
	}
}

func TestFT2232FlushRespectsTransferLimits(t *testing.T) {
	c, emu := mpsseCable(t, "ft2232")
	writes := len(emu.writes)

	in := make([]bool, 3*mpsseMaxRecv*8)
	for i := range in {
		in[i] = i%3 == 0
	}
	if err := c.DeferTransfer(in, true); err != nil {
		t.Fatal(err)
	}
	const clocks = 30000
	for i := 0; i < clocks; i++ {
		if err := c.DeferClock(false, i%2 == 0, 1); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Flush(Completely); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if c.TodoQueue().Len() != 0 {
		t.Fatalf("todo not drained: %d items", c.TodoQueue().Len())
	}

	if n := len(emu.writes) - writes; n < 4 {
		t.Errorf("flush used %d writes, want the work split up", n)
	}
	for i := writes; i < len(emu.writes); i++ {
		if n := len(emu.writes[i]); n > mpsseMaxSend {
			t.Errorf("write %d is %d bytes, limit %d", i, n, mpsseMaxSend)
		}
		if n := emu.answers[i]; n > mpsseMaxRecv {
			t.Errorf("write %d expects %d answer bytes, limit %d", i, n, mpsseMaxRecv)
		}
	}
	if emu.clocks != len(in)+clocks {
		t.Errorf("clocks = %d, want %d", emu.clocks, len(in)+clocks)
	}

	out := make([]bool, len(in))
	if _, err := c.TransferLate(out); err != nil {
		t.Fatal(err)
	}
	want := "0" + bitString(in[:len(in)-1])
	if got := bitString(out); got != want {
		t.Errorf("captured bits differ from the shifted pattern")
	}
	if len(emu.reply) != 0 {
		t.Errorf("%d answer bytes left unread", len(emu.reply))
	}
}

func TestFT2232RetryAfterLinkFailure(t *testing.T) {
	c, emu := mpsseCable(t, "ft2232")
	writes := len(emu.writes)

	steps := []func() error{
		c.DeferGetTDO,
		func() error { return c.DeferClock(true, false, 3) },
		func() error { return c.DeferClock(false, false, 2) },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	emu.failWrites = 1
	if _, err := c.GetTDOLate(); !errors.Is(err, errUnplugged) {
		t.Fatalf("GetTDOLate error = %v, want the link failure", err)
	}
	q := c.TodoQueue()
	wantTodo := []Item{
		{Action: ActionGetTDO},
		{Action: ActionClock, TMS: true, N: 3},
		{Action: ActionClock, N: 2},
	}
	if q.Len() != len(wantTodo) {
		t.Fatalf("todo = %d items after the failure, want %d", q.Len(), len(wantTodo))
	}
	for i, want := range wantTodo {
		if got := q.At(i); got.Action != want.Action || got.TMS != want.TMS || got.N != want.N {
			t.Errorf("todo[%d] = %+v, want %+v", i, got, want)
		}
	}
	if c.DoneQueue().Len() != 0 {
		t.Fatalf("failed flush produced results")
	}

	if err := c.Flush(Completely); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("todo not drained on retry")
	}
	if n := len(emu.writes) - writes; n != 1 {
		t.Errorf("retry used %d writes, want 1", n)
	}
	if got := bitString(emu.tms); got != "11100" {
		t.Errorf("TMS sequence = %s, want 11100", got)
	}
	if c.DoneQueue().Len() != 1 {
		t.Errorf("done = %d items, want the TDO sample", c.DoneQueue().Len())
	}
}

func TestFT2232GetTDOCached(t *testing.T) {
	c, emu := mpsseCable(t, "ft2232")
	if _, err := c.Transfer(bits("0101"), make([]bool, 4)); err != nil {
		t.Fatal(err)
	}
	writes := len(emu.writes)
	v, err := c.GetTDO()
	if err != nil {
		t.Fatal(err)
	}
	if !v {
		t.Errorf("TDO = false, want the last shifted bit")
	}
	if len(emu.writes) != writes {
		t.Errorf("cached TDO went to the device")
	}

	if err := c.Clock(false, false, 1); err != nil {
		t.Fatal(err)
	}
	writes = len(emu.writes)
	if v, err := c.GetTDO(); err != nil || v {
		t.Errorf("TDO after clocking 0 = %v, %v", v, err)
	}
	if len(emu.writes) != writes+1 {
		t.Errorf("TDO after a clock was not sampled")
	}
}
