//go:build !linux

package bus

import "github.com/OpenTraceLab/tapflash/pkg/jtagerr"

// DevMem is only available on Linux.
type DevMem struct {
	Path   string
	Base   uint32
	Length int
	Width  int
}

func NewDevMem(base uint32, length int, width int) *DevMem {
	return &DevMem{Path: "/dev/mem", Base: base, Length: length, Width: width}
}

func (d *DevMem) Open() error {
	return jtagerr.Unsupported("/dev/mem access needs Linux")
}

func (d *DevMem) Close() error { return nil }

func (d *DevMem) Area(adr uint32) (Area, error) {
	return Area{Description: d.Path, Start: d.Base, Length: uint64(d.Length), Width: d.Width}, nil
}

func (d *DevMem) Read(adr uint32) (uint32, error)     { return 0, d.Open() }
func (d *DevMem) Write(adr, data uint32) error        { return d.Open() }
func (d *DevMem) ReadStart(adr uint32) error          { return d.Open() }
func (d *DevMem) ReadNext(adr uint32) (uint32, error) { return 0, d.Open() }
func (d *DevMem) ReadEnd() (uint32, error)            { return 0, d.Open() }
