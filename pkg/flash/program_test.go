package flash_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/OpenTraceLab/tapflash/pkg/flash"
	"github.com/OpenTraceLab/tapflash/pkg/flash/flashsim"
	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
)

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func TestFlashMem(t *testing.T) {
	sim := amd16(4)
	s := newSession(t, sim)
	sim.Mem.Store(0x5000, 0)
	sim.Mem.Store(0x6000, 0)

	data := pattern(0x300)
	if err := s.FlashMem(0x3F00, bytes.NewReader(data), flash.Options{Verify: true}); err != nil {
		t.Fatalf("FlashMem: %v", err)
	}
	if !bytes.Equal(sim.Mem.Data[0x3F00:0x4200], data) {
		t.Fatalf("flash contents differ from image")
	}
	// block 1 was erased as a whole, block 2 was never touched
	if v := sim.Mem.Load(0x5000); v != 0xFFFF {
		t.Errorf("0x5000 = 0x%04X, want erased", v)
	}
	if v := sim.Mem.Load(0x6000); v != 0 {
		t.Errorf("0x6000 = 0x%04X, want untouched", v)
	}
	if sim.Busy() {
		t.Errorf("chip still busy")
	}
}

func TestFlashMemPadsLastWord(t *testing.T) {
	sim := amd16(0)
	s := newSession(t, sim)
	if err := s.FlashMem(0x100, bytes.NewReader([]byte{1, 2, 3}), flash.Options{Verify: true}); err != nil {
		t.Fatalf("FlashMem: %v", err)
	}
	if got := sim.Mem.Data[0x100:0x104]; !bytes.Equal(got, []byte{1, 2, 3, 0xFF}) {
		t.Errorf("flash holds % X", got)
	}
}

func TestFlashMemBigEndian(t *testing.T) {
	sim := amd16(0)
	s := newSession(t, sim)
	if err := s.FlashMem(0, bytes.NewReader([]byte{0x12, 0x34}), flash.Options{BigEndian: true, Verify: true}); err != nil {
		t.Fatalf("FlashMem: %v", err)
	}
	if v := sim.Mem.Load(0); v != 0x1234 {
		t.Errorf("word = 0x%04X, want 0x1234", v)
	}
}

func TestFlashMemInvalid(t *testing.T) {
	s := newSession(t, amd16(0))
	if err := s.FlashMem(1, bytes.NewReader([]byte{1, 2}), flash.Options{}); !errors.Is(err, jtagerr.ErrInvalid) {
		t.Errorf("unaligned address: error = %v, want invalid", err)
	}
	if err := s.FlashMem(0, bytes.NewReader(nil), flash.Options{}); !errors.Is(err, jtagerr.ErrInvalid) {
		t.Errorf("empty image: error = %v, want invalid", err)
	}
	if err := s.FlashMem(0x200000, bytes.NewReader([]byte{1, 2}), flash.Options{}); !errors.Is(err, jtagerr.ErrNotFound) {
		t.Errorf("past the end: error = %v, want not found", err)
	}
}

func TestFlashMemVerifyError(t *testing.T) {
	sim := amd16(0)
	s := newSession(t, sim)
	sim.Mem.Store(0x10, 0)

	data := bytes.Repeat([]byte{0xAB}, 0x20)
	err := s.FlashMem(0, bytes.NewReader(data), flash.Options{NoErase: true, Verify: true})
	var verr *flash.VerifyError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want verify error", err)
	}
	if verr.Addr != 0x10 || verr.Read != 0 || verr.Expected != 0xABAB {
		t.Errorf("verify error = %+v", verr)
	}
	if !errors.Is(err, jtagerr.ErrHardwareFailure) {
		t.Errorf("verify error is not a hardware failure")
	}
}

func TestBufferWriteFallback(t *testing.T) {
	sim := flashsim.New(16, 1<<18, flashsim.Config{
		Family:         flashsim.AMD,
		ManufacturerID: 0x1F,
		DeviceID:       0x01C8,
		Query: flashsim.Query{
			PrimaryID: flashsim.AMDSCS,
			SizeLog2:  18,
			Interface: flashsim.X16,
			WriteLog2: 4,
			Regions:   []flashsim.Region{{BlockSize: 0x10000, Blocks: 4}},
		}.Bytes(),
		Regions:   []flashsim.Region{{BlockSize: 0x10000, Blocks: 4}},
		BusyReads: 2,
	})
	s := newSession(t, sim)

	data := pattern(0x40)
	if err := s.FlashMem(0x10000, bytes.NewReader(data), flash.Options{Verify: true}); err != nil {
		t.Fatalf("FlashMem: %v", err)
	}
	if !bytes.Equal(sim.Mem.Data[0x10000:0x10040], data) {
		t.Errorf("flash contents differ from image")
	}
	if n := s.Array().Query().Geometry.MaxBytesWrite; n != 1 {
		t.Errorf("max bytes write = %d after fallback, want 1", n)
	}
}

// failingErase refuses to erase one block.
type failingErase struct {
	flash.Driver
	bad uint32
}

func (d failingErase) EraseBlock(a *flash.Array, adr uint32) error {
	if adr == d.bad {
		return jtagerr.Hardware("erase failed at 0x%08X", adr)
	}
	return d.Driver.EraseBlock(a, adr)
}

func TestErasePartialFailure(t *testing.T) {
	sim := amd16(2)
	s := newSession(t, sim)
	amd := flash.NewAMD(2)
	amd.Poll.Interval = 0
	s.Drivers = []flash.Driver{failingErase{Driver: amd, bad: 0x4000}}

	for _, adr := range []uint32{0, 0x4000, 0x6000, 0x8000} {
		sim.Mem.Store(adr, 0)
	}
	err := s.Erase(0, 4)
	if !errors.Is(err, jtagerr.ErrHardwareFailure) {
		t.Fatalf("Erase error = %v, want hardware failure", err)
	}
	want := map[uint32]uint32{0: 0xFFFF, 0x4000: 0, 0x6000: 0xFFFF, 0x8000: 0xFFFF}
	for adr, v := range want {
		if got := sim.Mem.Load(adr); got != v {
			t.Errorf("0x%04X = 0x%04X, want 0x%04X", adr, got, v)
		}
	}
}

func TestEraseRunsOffTheEnd(t *testing.T) {
	sim := amd16(0)
	s := newSession(t, sim)
	sim.Mem.Store(0x1F0000, 0)

	err := s.Erase(0x1F0000, 3)
	if !errors.Is(err, jtagerr.ErrNotFound) {
		t.Fatalf("Erase error = %v, want not found", err)
	}
	if v := sim.Mem.Load(0x1F0000); v != 0xFFFF {
		t.Errorf("last block not erased: 0x%04X", v)
	}
}

func TestEraseNeverSettles(t *testing.T) {
	sim := flashsim.New(16, 1<<18, flashsim.Config{
		Family: flashsim.AMD,
		Query: flashsim.Query{
			PrimaryID: flashsim.AMDSCS,
			SizeLog2:  18,
			Interface: flashsim.X16,
			Regions:   []flashsim.Region{{BlockSize: 0x10000, Blocks: 4}},
		}.Bytes(),
		Regions:     []flashsim.Region{{BlockSize: 0x10000, Blocks: 4}},
		NeverSettle: true,
	})
	s := newSession(t, sim)
	amd := flash.NewAMD(2)
	amd.Poll = flash.Poll{Limit: 20}
	s.Drivers = []flash.Driver{amd}

	before := sim.Mem.Reads
	if err := s.Erase(0, 1); !errors.Is(err, jtagerr.ErrHardwareFailure) {
		t.Fatalf("Erase error = %v, want hardware failure", err)
	}
	if n := sim.Mem.Reads - before; n != 40 {
		t.Errorf("%d status reads, want 40", n)
	}
}

func TestAMDLockIgnored(t *testing.T) {
	s := newSession(t, amd16(0))
	if err := s.Lock(0, 2, false); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := s.Lock(0, 2, true); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}

func TestIntelLock(t *testing.T) {
	sim := intel16()
	s := newSession(t, sim)

	if err := s.Lock(0x20000, 1, false); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if !sim.Locked(1) || sim.Locked(0) {
		t.Fatalf("lock bits: block 0 %v, block 1 %v", sim.Locked(0), sim.Locked(1))
	}

	err := s.FlashMem(0x20000, bytes.NewReader(pattern(0x20)), flash.Options{NoErase: true})
	var serr *flash.StatusError
	if !errors.As(err, &serr) {
		t.Fatalf("program locked block: error = %v, want status error", err)
	}
	if serr.Reason() != "block locked" {
		t.Errorf("reason = %q, want block locked", serr.Reason())
	}

	if err := s.Lock(0x20000, 1, true); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if sim.Locked(1) {
		t.Fatalf("block 1 still locked")
	}
}

func TestIntelFlashMem(t *testing.T) {
	sim := intel16()
	s := newSession(t, sim)
	sim.Lock(2)
	sim.Mem.Store(0x41000, 0)

	data := pattern(0x100)
	if err := s.FlashMem(0x40000, bytes.NewReader(data), flash.Options{Verify: true}); err != nil {
		t.Fatalf("FlashMem: %v", err)
	}
	if !bytes.Equal(sim.Mem.Data[0x40000:0x40100], data) {
		t.Errorf("flash contents differ from image")
	}
	if sim.Locked(2) {
		t.Errorf("programming left block 2 locked")
	}
	if v := sim.Mem.Load(0x41000); v != 0xFFFF {
		t.Errorf("0x41000 = 0x%04X, want erased", v)
	}
}

func TestIntelEraseLocked(t *testing.T) {
	sim := intel16()
	s := newSession(t, sim)
	d, err := s.Driver()
	if err != nil {
		t.Fatalf("Driver: %v", err)
	}
	sim.Lock(0)
	err = d.EraseBlock(s.Array(), 0)
	var serr *flash.StatusError
	if !errors.As(err, &serr) || serr.Reason() != "block locked" {
		t.Fatalf("erase locked block: error = %v", err)
	}
}

// intel32 pairs two x16 chips on a 32 bit bus. laneBusy sets how many
// status reads each chip stays busy for.
func intel32(laneBusy map[int]int) *flashsim.Sim {
	regions := []flashsim.Region{{BlockSize: 0x20000, Blocks: 16}}
	return flashsim.New(32, 4<<20, flashsim.Config{
		Family:         flashsim.Intel,
		Lanes:          2,
		ManufacturerID: 0x89,
		DeviceID:       0x0016,
		Query: flashsim.Query{
			PrimaryID: flashsim.IntelECS,
			SizeLog2:  21,
			Interface: flashsim.X16,
			WriteLog2: 5,
			Regions:   regions,
		}.Bytes(),
		Regions:       regions,
		LaneBusyReads: laneBusy,
	})
}

func TestIntelPairWaitsForBothChips(t *testing.T) {
	tests := []struct {
		name     string
		laneBusy map[int]int
		limit    int
		wantErr  error
		reads    int
	}{
		{"both ready", nil, 20, nil, 1},
		{"upper chip slower", map[int]int{1: 5}, 20, nil, 6},
		{"lower chip slower", map[int]int{0: 5}, 20, nil, 6},
		{"upper chip too slow", map[int]int{1: 5}, 5, jtagerr.ErrHardwareFailure, 5},
		{"upper chip hangs", map[int]int{1: -1}, 20, jtagerr.ErrHardwareFailure, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := intel32(tt.laneBusy)
			s := newSession(t, sim)
			intel := flash.NewIntel(4)
			intel.Poll = flash.Poll{Limit: tt.limit}
			s.Drivers = []flash.Driver{intel}
			d, err := s.Driver()
			if err != nil {
				t.Fatalf("Driver: %v", err)
			}
			sim.Mem.Store(0x100, 0)

			before := sim.Mem.Reads
			err = d.EraseBlock(s.Array(), 0)
			if n := sim.Mem.Reads - before; n != tt.reads {
				t.Errorf("%d status reads, want %d", n, tt.reads)
			}
			if tt.wantErr != nil {
				var serr *flash.StatusError
				if !errors.Is(err, tt.wantErr) || errors.As(err, &serr) {
					t.Fatalf("EraseBlock error = %v, want a status timeout", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("EraseBlock: %v", err)
			}
			if v := sim.Mem.Load(0x100); v != 0xFFFFFFFF {
				t.Errorf("0x100 = 0x%08X, want both halves erased", v)
			}
		})
	}
}

func amd32() *flashsim.Sim {
	regions := []flashsim.Region{{BlockSize: 0x10000, Blocks: 8}}
	return flashsim.New(32, 1<<20, flashsim.Config{
		Family: flashsim.AMD,
		Lanes:  2,
		Query: flashsim.Query{
			PrimaryID: flashsim.AMDSCS,
			SizeLog2:  19,
			Interface: flashsim.X16,
			WriteLog2: 5,
			Regions:   regions,
		}.Bytes(),
		Regions:   regions,
		BusyReads: 2,
	})
}

type record struct {
	adr   uint32
	words []uint32
}

func msbin(order binary.ByteOrder, start, length uint32, recs ...record) []byte {
	var b bytes.Buffer
	b.WriteString("B000FF\n")
	binary.Write(&b, order, [2]uint32{start, length})
	for _, r := range recs {
		binary.Write(&b, order, [3]uint32{r.adr, uint32(4 * len(r.words)), 0x1234})
		binary.Write(&b, order, r.words)
	}
	binary.Write(&b, order, [3]uint32{0, 0x100, 0})
	return b.Bytes()
}

func TestFlashMsbin(t *testing.T) {
	for _, tt := range []struct {
		name  string
		order binary.ByteOrder
		opts  flash.Options
	}{
		{"little endian", binary.LittleEndian, flash.Options{Verify: true}},
		{"big endian", binary.BigEndian, flash.Options{Verify: true, BigEndian: true}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			sim := amd32()
			s := newSession(t, sim)
			sim.Mem.Store(0x200, 0)

			img := msbin(tt.order, 0, 0x100,
				record{0x100, []uint32{0x12345678, 0x9ABCDEF0}},
				record{0x20000, []uint32{0xCAFEBABE}},
			)
			if err := s.FlashMsbin(bytes.NewReader(img), tt.opts); err != nil {
				t.Fatalf("FlashMsbin: %v", err)
			}
			want := map[uint32]uint32{
				0x100:   0x12345678,
				0x104:   0x9ABCDEF0,
				0x20000: 0xCAFEBABE,
				0x200:   0xFFFFFFFF,
			}
			for adr, v := range want {
				if got := sim.Mem.Load(adr); got != v {
					t.Errorf("0x%05X = 0x%08X, want 0x%08X", adr, got, v)
				}
			}
		})
	}
}

func TestFlashMsbinErrors(t *testing.T) {
	good := msbin(binary.LittleEndian, 0, 0x100, record{0x100, []uint32{1}})

	badLen := msbin(binary.LittleEndian, 0, 0x100, record{0x100, []uint32{1, 2}})
	// shrink the record length from 8 to 6
	badLen[7+8+4] = 6

	tests := []struct {
		name string
		img  []byte
		want error
	}{
		{"sync", append([]byte("B000FE\n"), good[7:]...), jtagerr.ErrInvalid},
		{"short sync", []byte("B00"), jtagerr.ErrInvalid},
		{"record length", badLen, jtagerr.ErrInvalid},
		{"truncated", good[:len(good)-6], jtagerr.ErrIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(t, amd32())
			err := s.FlashMsbin(bytes.NewReader(tt.img), flash.Options{})
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFlashMsbinNeedsWideBus(t *testing.T) {
	s := newSession(t, amd16(0))
	img := msbin(binary.LittleEndian, 0, 0x100, record{0x100, []uint32{1}})
	if err := s.FlashMsbin(bytes.NewReader(img), flash.Options{}); !errors.Is(err, jtagerr.ErrUnsupported) {
		t.Fatalf("error = %v, want unsupported", err)
	}
}

func hexRecord(adr uint16, typ byte, data []byte) string {
	sum := byte(len(data)) + byte(adr>>8) + byte(adr) + typ
	for _, b := range data {
		sum += b
	}
	return fmt.Sprintf(":%02X%04X%02X%X%02X\n", len(data), adr, typ, data, -sum)
}

func TestFlashHex(t *testing.T) {
	sim := amd16(2)
	s := newSession(t, sim)
	sim.Mem.Store(0x9000, 0)

	lo, hi, odd := pattern(16), pattern(32)[16:], []byte{0xA1, 0xA2, 0xA3}
	img := hexRecord(0x0000, 0, lo) +
		hexRecord(0x8000, 0, hi) +
		hexRecord(0x8100, 0, odd) +
		hexRecord(0, 1, nil)

	if err := s.FlashHex(strings.NewReader(img), flash.Options{Verify: true}); err != nil {
		t.Fatalf("FlashHex: %v", err)
	}
	if !bytes.Equal(sim.Mem.Data[0:16], lo) || !bytes.Equal(sim.Mem.Data[0x8000:0x8010], hi) {
		t.Errorf("flash contents differ from image")
	}
	if got := sim.Mem.Data[0x8100:0x8104]; !bytes.Equal(got, []byte{0xA1, 0xA2, 0xA3, 0xFF}) {
		t.Errorf("odd segment = % X", got)
	}
	// 0x8000 and 0x8100 share a block, which is erased once
	if v := sim.Mem.Load(0x9000); v != 0xFFFF {
		t.Errorf("0x9000 = 0x%04X, want erased", v)
	}
}

func TestFlashHexSyntax(t *testing.T) {
	s := newSession(t, amd16(0))
	if err := s.FlashHex(strings.NewReader("not a hex file\n"), flash.Options{}); !errors.Is(err, jtagerr.ErrSyntax) {
		t.Fatalf("error = %v, want syntax error", err)
	}
}
