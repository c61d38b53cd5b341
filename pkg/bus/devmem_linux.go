package bus

import (
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
)

// DevMem maps a physical address window through /dev/mem, for flash wired
// to the host's own memory bus.
type DevMem struct {
	Path   string
	Base   uint32
	Length int
	Width  int

	mem  []byte
	skew int // Base minus the page-aligned mapping start
	pipe Pipeline
}

// NewDevMem describes a window; Open maps it.
func NewDevMem(base uint32, length int, width int) *DevMem {
	return &DevMem{Path: "/dev/mem", Base: base, Length: length, Width: width}
}

func (d *DevMem) Open() error {
	if d.mem != nil {
		return nil
	}
	if d.Width != 8 && d.Width != 16 && d.Width != 32 {
		return jtagerr.Invalid("devmem: width %d", d.Width)
	}
	fd, err := unix.Open(d.Path, unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return jtagerr.IO(err, "open %s", d.Path)
	}
	defer unix.Close(fd)

	page := uint32(os.Getpagesize())
	start := d.Base &^ (page - 1)
	d.skew = int(d.Base - start)
	mem, err := unix.Mmap(fd, int64(start), d.Length+d.skew, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return jtagerr.IO(err, "mmap 0x%08X", start)
	}
	d.mem = mem
	return nil
}

func (d *DevMem) Close() error {
	if d.mem == nil {
		return nil
	}
	err := unix.Munmap(d.mem)
	d.mem = nil
	return jtagerr.IO(err, "munmap")
}

func (d *DevMem) Area(adr uint32) (Area, error) {
	return Area{Description: d.Path, Start: d.Base, Length: uint64(d.Length), Width: d.Width}, nil
}

func (d *DevMem) ptr(adr uint32) (unsafe.Pointer, error) {
	if d.mem == nil {
		return nil, jtagerr.State("devmem: not open")
	}
	n := uint32(d.Width / 8)
	if adr < d.Base || adr-d.Base+n > uint32(d.Length) || adr%n != 0 {
		return nil, jtagerr.Invalid("devmem: address 0x%08X outside window or unaligned", adr)
	}
	return unsafe.Pointer(&d.mem[d.skew+int(adr-d.Base)]), nil
}

// Accesses go through single loads and stores of the bus width; the
// device side must never see split or merged cycles.
func (d *DevMem) Read(adr uint32) (uint32, error) {
	p, err := d.ptr(adr)
	if err != nil {
		return 0, err
	}
	switch d.Width {
	case 8:
		return uint32(*(*uint8)(p)), nil
	case 16:
		return uint32(*(*uint16)(p)), nil
	default:
		return atomic.LoadUint32((*uint32)(p)), nil
	}
}

func (d *DevMem) Write(adr, data uint32) error {
	p, err := d.ptr(adr)
	if err != nil {
		return err
	}
	switch d.Width {
	case 8:
		*(*uint8)(p) = uint8(data)
	case 16:
		*(*uint16)(p) = uint16(data)
	default:
		atomic.StoreUint32((*uint32)(p), data)
	}
	return nil
}

func (d *DevMem) ReadStart(adr uint32) error { return d.pipe.Start(adr) }

func (d *DevMem) ReadNext(adr uint32) (uint32, error) { return d.pipe.Next(d.Read, adr) }

func (d *DevMem) ReadEnd() (uint32, error) { return d.pipe.End(d.Read) }
