package flashsim

import (
	"github.com/OpenTraceLab/tapflash/pkg/bus"
)

// Family selects the command protocol a chip answers.
type Family int

const (
	AMD Family = iota
	Intel
)

// Config describes the chips of a simulated array.
type Config struct {
	Family Family
	// Lanes is the number of identical chips sharing the bus word. Each
	// one sees only its slice of the data bus.
	Lanes int
	// ByteMode straps an x8/x16 chip to 8 bit operation: command and
	// query addresses are taken from A0 upwards, with A-1 ignored.
	ByteMode bool

	ManufacturerID uint32
	DeviceID       uint32
	// Query is returned in CFI query mode, nil for chips without CFI.
	Query   []byte
	Regions []Region

	// BufferWrite enables the AMD write-to-buffer sequence. Without it the
	// chip aborts the sequence and reports DQ5 until reset.
	BufferWrite bool
	// BusyReads is the number of status reads an embedded program or
	// erase operation stays busy for.
	BusyReads int
	// NeverSettle keeps every embedded operation busy forever.
	NeverSettle bool
	// LaneBusyReads overrides BusyReads for single lanes. A negative count
	// keeps that lane busy forever.
	LaneBusyReads map[int]int
}

type mode int

const (
	modeArray mode = iota
	modeID
	modeQuery
	modeBusy   // AMD embedded algorithm running
	modeAbort  // AMD write buffer abort
	modeStatus // Intel status register
	modeXSR    // Intel extended status after write-to-buffer
)

type expect int

const (
	expNone expect = iota
	expProgram
	expErase
	expLock
	expCount
	expData
	expConfirm
	expBypassExit
)

type write struct{ adr, data uint32 }

type chip struct {
	mode    mode
	expect  expect
	cycle   int
	erase   bool
	bypass  bool
	busy    int
	settle  int
	stuck   bool
	toggle  uint32
	last    uint32
	status  uint32
	left    int
	pending []write
	locked  map[int]bool
}

// Sim is an array of simulated chips backing a bus.Memory.
type Sim struct {
	Mem *bus.Memory

	cfg      Config
	chips    []*chip
	busBytes uint32
	chipBits uint
	mask     uint32
}

// New returns a simulated array of size bytes on a bus width bits wide.
// The array starts erased.
func New(width, size int, cfg Config) *Sim {
	if cfg.Lanes == 0 {
		cfg.Lanes = 1
	}
	s := &Sim{
		Mem:      bus.NewMemory(width, size),
		cfg:      cfg,
		busBytes: uint32(width / 8),
		chipBits: uint(width / cfg.Lanes),
	}
	s.mask = bus.Mask(0xFFFFFFFF, int(s.chipBits))
	for i := range s.Mem.Data {
		s.Mem.Data[i] = 0xFF
	}
	for i := 0; i < cfg.Lanes; i++ {
		c := &chip{status: 0x80, settle: cfg.BusyReads, stuck: cfg.NeverSettle, locked: map[int]bool{}}
		if n, ok := cfg.LaneBusyReads[i]; ok {
			c.settle, c.stuck = n, n < 0
		}
		s.chips = append(s.chips, c)
	}
	s.Mem.OnRead = s.read
	s.Mem.OnWrite = s.write
	return s
}

// Reset puts every chip back into read-array mode.
func (s *Sim) Reset() {
	for _, c := range s.chips {
		*c = chip{status: 0x80, locked: c.locked}
	}
}

// Lock sets the lock bit of block n in every chip.
func (s *Sim) Lock(n int) {
	for _, c := range s.chips {
		c.locked[n] = true
	}
}

// Locked reports the lock bit of block n in the first chip.
func (s *Sim) Locked(n int) bool { return s.chips[0].locked[n] }

// Busy reports whether any chip is still running an embedded operation.
func (s *Sim) Busy() bool {
	for _, c := range s.chips {
		if c.mode == modeBusy {
			return true
		}
	}
	return false
}

// cmdAddr is the chip address the command decoder sees for a bus offset.
func (s *Sim) cmdAddr(off uint32) uint32 {
	a := off / s.busBytes
	if s.cfg.ByteMode {
		a >>= 1
	}
	return a
}

// block finds the erase block holding a bus offset.
func (s *Sim) block(off uint32) (n int, start, span uint32, ok bool) {
	var base uint32
	for _, r := range s.cfg.Regions {
		span = r.BlockSize * uint32(s.cfg.Lanes)
		if off < base+uint32(r.Blocks)*span {
			i := (off - base) / span
			return n + int(i), base + i*span, span, true
		}
		n += r.Blocks
		base += uint32(r.Blocks) * span
	}
	return -1, 0, 0, false
}

func (s *Sim) isLocked(c *chip, off uint32) bool {
	n, _, _, ok := s.block(off)
	return ok && c.locked[n]
}

func (s *Sim) lane(i int, v uint32) uint32 {
	return (v >> (uint(i) * s.chipBits)) & s.mask
}

// program clears bits of lane i at adr, as programming a flash cell can
// only turn ones into zeroes.
func (s *Sim) program(i int, adr, v uint32) {
	sh := uint(i) * s.chipBits
	word := s.Mem.Load(adr)
	s.Mem.Store(adr, word&^(s.mask<<sh)|(s.lane(i, word)&v)<<sh)
}

func (s *Sim) eraseBlock(i int, off uint32) {
	_, start, span, ok := s.block(off)
	if !ok {
		return
	}
	sh := uint(i) * s.chipBits
	for o := start; o < start+span; o += s.busBytes {
		adr := s.Mem.Base + o
		s.Mem.Store(adr, s.Mem.Load(adr)|s.mask<<sh)
	}
}

func (s *Sim) read(adr uint32) uint32 {
	off := adr - s.Mem.Base
	word := s.Mem.Load(adr)
	var v uint32
	for i, c := range s.chips {
		v |= (s.readChip(c, off, s.lane(i, word)) & s.mask) << (uint(i) * s.chipBits)
	}
	return v
}

func (s *Sim) readChip(c *chip, off, data uint32) uint32 {
	switch c.mode {
	case modeID:
		switch ca := s.cmdAddr(off); ca {
		case 0:
			return s.cfg.ManufacturerID
		case 1:
			return s.cfg.DeviceID
		}
		if n, start, _, ok := s.block(off); ok && s.cmdAddr(off-start) == 2 && c.locked[n] {
			return 1
		}
		return 0
	case modeQuery:
		if ca := s.cmdAddr(off); int(ca) < len(s.cfg.Query) {
			return uint32(s.cfg.Query[ca])
		}
		return 0
	case modeBusy:
		c.toggle ^= 0x40
		v := c.toggle | (^c.last & 0x80)
		if !c.stuck {
			if c.busy--; c.busy <= 0 {
				c.mode = modeArray
			}
		}
		return v
	case modeAbort:
		return 0x20 | (^c.last & 0x80)
	case modeStatus:
		if c.stuck {
			return 0
		}
		if c.busy > 0 {
			c.busy--
			return 0
		}
		return c.status
	case modeXSR:
		return 0x80
	}
	return data
}

func (s *Sim) write(adr, data uint32) {
	for i, c := range s.chips {
		v := s.lane(i, data)
		if s.cfg.Family == Intel {
			s.writeIntel(c, i, adr, v)
		} else {
			s.writeAMD(c, i, adr, v)
		}
	}
}

func (s *Sim) busyFor(c *chip, last uint32) {
	c.last = last
	if c.settle > 0 || c.stuck {
		c.mode = modeBusy
		c.busy = c.settle
	} else {
		c.mode = modeArray
	}
}

func (s *Sim) writeAMD(c *chip, i int, adr, v uint32) {
	if c.mode == modeBusy {
		return
	}
	off := adr - s.Mem.Base
	ca := s.cmdAddr(off) & 0x7FF
	switch c.expect {
	case expProgram:
		c.expect = expNone
		s.program(i, adr, v)
		s.busyFor(c, v)
		return
	case expCount:
		c.left = int(v) + 1
		c.expect = expData
		return
	case expData:
		c.pending = append(c.pending, write{adr, v})
		if c.left--; c.left == 0 {
			c.expect = expConfirm
		}
		return
	case expConfirm:
		c.expect = expNone
		pending := c.pending
		c.pending = nil
		last := pending[len(pending)-1].data
		if v != 0x29 || !s.cfg.BufferWrite {
			c.mode = modeAbort
			c.last = last
			return
		}
		for _, w := range pending {
			s.program(i, w.adr, w.data)
		}
		s.busyFor(c, last)
		return
	case expBypassExit:
		c.expect = expNone
		if v == 0x00 {
			c.bypass = false
		}
		return
	}

	if v == 0xF0 || v == 0xFF {
		c.mode, c.cycle, c.erase = modeArray, 0, false
		return
	}
	if c.mode == modeAbort {
		return
	}
	if c.cycle == 0 && ca == 0x55 && v == 0x98 {
		c.mode = modeQuery
		return
	}
	if c.bypass {
		switch v {
		case 0xA0:
			c.expect = expProgram
		case 0x90:
			c.expect = expBypassExit
		}
		return
	}
	switch {
	case c.cycle == 0 && ca == 0x555 && v == 0xAA:
		c.cycle = 1
	case c.cycle == 1 && ca == 0x2AA && v == 0x55:
		c.cycle = 2
	case c.cycle == 2:
		c.cycle = 0
		erase := c.erase
		c.erase = false
		switch {
		case erase && v == 0x30:
			s.eraseBlock(i, off)
			s.busyFor(c, 0xFF)
		case erase:
		case ca == 0x555 && v == 0x90:
			c.mode = modeID
		case ca == 0x555 && v == 0xA0:
			c.expect = expProgram
		case ca == 0x555 && v == 0x80:
			c.erase = true
		case ca == 0x555 && v == 0x20:
			c.bypass = true
		case v == 0x25:
			c.expect = expCount
		}
	default:
		c.cycle = 0
	}
}

func (s *Sim) intelDone(c *chip, status uint32) {
	c.mode = modeStatus
	c.status = status
	c.busy = c.settle
}

func (s *Sim) writeIntel(c *chip, i int, adr, v uint32) {
	off := adr - s.Mem.Base
	switch c.expect {
	case expProgram:
		c.expect = expNone
		if s.isLocked(c, off) {
			s.intelDone(c, 0x80|0x10|0x02)
			return
		}
		s.program(i, adr, v)
		s.intelDone(c, 0x80)
		return
	case expErase:
		c.expect = expNone
		switch {
		case v != 0xD0:
			s.intelDone(c, 0x80|0x20|0x10)
		case s.isLocked(c, off):
			s.intelDone(c, 0x80|0x20|0x02)
		default:
			s.eraseBlock(i, off)
			s.intelDone(c, 0x80)
		}
		return
	case expLock:
		c.expect = expNone
		n, _, _, ok := s.block(off)
		switch {
		case !ok || (v != 0x01 && v != 0xD0):
			s.intelDone(c, 0x80|0x20|0x10)
		case v == 0x01:
			c.locked[n] = true
			s.intelDone(c, 0x80)
		default:
			delete(c.locked, n)
			s.intelDone(c, 0x80)
		}
		return
	case expCount:
		c.left = int(v) + 1
		c.expect = expData
		return
	case expData:
		c.pending = append(c.pending, write{adr, v})
		if c.left--; c.left == 0 {
			c.expect = expConfirm
		}
		return
	case expConfirm:
		c.expect = expNone
		pending := c.pending
		c.pending = nil
		switch {
		case v != 0xD0:
			s.intelDone(c, 0x80|0x20|0x10)
		case s.isLocked(c, pending[0].adr-s.Mem.Base):
			s.intelDone(c, 0x80|0x10|0x02)
		default:
			for _, w := range pending {
				s.program(i, w.adr, w.data)
			}
			s.intelDone(c, 0x80)
		}
		return
	}

	switch v {
	case 0xFF:
		c.mode = modeArray
	case 0x50:
		c.status = 0x80
	case 0x70:
		c.mode = modeStatus
	case 0x90:
		c.mode = modeID
	case 0x98:
		c.mode = modeQuery
	case 0x40, 0x10:
		c.expect = expProgram
	case 0x20:
		c.expect = expErase
	case 0x60:
		c.expect = expLock
	case 0xE8:
		c.mode = modeXSR
		c.expect = expCount
	}
}
