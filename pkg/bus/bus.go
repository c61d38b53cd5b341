// Package bus is the memory bus the flash engine talks to: word reads and
// writes at byte addresses, pipelined reads for consecutive addresses, and
// per-address width discovery.
package bus

import "fmt"

// Area describes the region around an address.
type Area struct {
	Description string
	Start       uint32
	Length      uint64
	// Width is the data width in bits; 0 means unknown.
	Width int
}

func (a Area) String() string {
	return fmt.Sprintf("%s 0x%08X+0x%X (%d bit)", a.Description, a.Start, a.Length, a.Width)
}

// Bus is the transport contract of the flash engine. ReadStart, ReadNext
// and ReadEnd form a pipeline: ReadNext(a) returns the word addressed by
// the previous call and starts reading a; ReadEnd returns the last word.
type Bus interface {
	Area(adr uint32) (Area, error)
	Read(adr uint32) (uint32, error)
	Write(adr uint32, data uint32) error
	ReadStart(adr uint32) error
	ReadNext(adr uint32) (uint32, error)
	ReadEnd() (uint32, error)
}

// ReadFunc reads one word.
type ReadFunc func(adr uint32) (uint32, error)

// Pipeline implements the pipelined calls with plain reads for buses that
// complete a read in one step.
type Pipeline struct {
	pending uint32
}

func (p *Pipeline) Start(adr uint32) error {
	p.pending = adr
	return nil
}

func (p *Pipeline) Next(read ReadFunc, adr uint32) (uint32, error) {
	v, err := read(p.pending)
	p.pending = adr
	return v, err
}

func (p *Pipeline) End(read ReadFunc) (uint32, error) {
	return read(p.pending)
}

// Mask keeps the low width bits of v.
func Mask(v uint32, width int) uint32 {
	if width >= 32 || width <= 0 {
		return v
	}
	return v & (1<<uint(width) - 1)
}
