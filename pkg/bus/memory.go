package bus

import (
	"encoding/binary"

	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
)

// Memory is a RAM-backed bus of a fixed width. Words are stored little
// endian. Hooks let tests and simulators observe or override accesses.
type Memory struct {
	Base  uint32
	Width int // 8, 16 or 32
	Data  []byte

	// OnRead, when set, supplies the value of every read.
	OnRead func(adr uint32) uint32
	// OnWrite, when set, replaces the store of every write.
	OnWrite func(adr, data uint32)

	Reads  int
	Writes int

	pipe Pipeline
}

// NewMemory returns a zeroed memory of size bytes.
func NewMemory(width int, size int) *Memory {
	return &Memory{Width: width, Data: make([]byte, size)}
}

func (m *Memory) Area(adr uint32) (Area, error) {
	if m.Width != 8 && m.Width != 16 && m.Width != 32 {
		return Area{}, jtagerr.Invalid("bus: width %d", m.Width)
	}
	return Area{
		Description: "memory",
		Start:       m.Base,
		Length:      uint64(len(m.Data)),
		Width:       m.Width,
	}, nil
}

func (m *Memory) offset(adr uint32) (int, error) {
	n := m.Width / 8
	if adr < m.Base || uint64(adr-m.Base)+uint64(n) > uint64(len(m.Data)) {
		return 0, jtagerr.Invalid("bus: address 0x%08X outside memory", adr)
	}
	return int(adr - m.Base), nil
}

// Load returns the stored word at adr, bypassing the hooks.
func (m *Memory) Load(adr uint32) uint32 {
	off, err := m.offset(adr)
	if err != nil {
		return 0
	}
	switch m.Width {
	case 8:
		return uint32(m.Data[off])
	case 16:
		return uint32(binary.LittleEndian.Uint16(m.Data[off:]))
	default:
		return binary.LittleEndian.Uint32(m.Data[off:])
	}
}

// Store writes a word at adr, bypassing the hooks.
func (m *Memory) Store(adr, data uint32) {
	off, err := m.offset(adr)
	if err != nil {
		return
	}
	switch m.Width {
	case 8:
		m.Data[off] = byte(data)
	case 16:
		binary.LittleEndian.PutUint16(m.Data[off:], uint16(data))
	default:
		binary.LittleEndian.PutUint32(m.Data[off:], data)
	}
}

func (m *Memory) Read(adr uint32) (uint32, error) {
	m.Reads++
	if m.OnRead != nil {
		return Mask(m.OnRead(adr), m.Width), nil
	}
	if _, err := m.offset(adr); err != nil {
		return 0, err
	}
	return m.Load(adr), nil
}

func (m *Memory) Write(adr, data uint32) error {
	m.Writes++
	if m.OnWrite != nil {
		m.OnWrite(adr, Mask(data, m.Width))
		return nil
	}
	if _, err := m.offset(adr); err != nil {
		return err
	}
	m.Store(adr, data)
	return nil
}

func (m *Memory) ReadStart(adr uint32) error { return m.pipe.Start(adr) }

func (m *Memory) ReadNext(adr uint32) (uint32, error) { return m.pipe.Next(m.Read, adr) }

func (m *Memory) ReadEnd() (uint32, error) { return m.pipe.End(m.Read) }
