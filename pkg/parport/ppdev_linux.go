package parport

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
)

// ppdev ioctl numbers from <linux/ppdev.h>.
const (
	ppClaim    = 0x708B
	ppRelease  = 0x708C
	ppRStatus  = 0x80017081
	ppRControl = 0x80017083
	ppWControl = 0x40017084
	ppRData    = 0x80017085
	ppWData    = 0x40017086
)

// PPDev drives a port through the Linux ppdev character device.
type PPDev struct {
	Path string
	fd   int
	open bool
}

// NewPPDev returns a closed port for path, e.g. /dev/parport0.
func NewPPDev(path string) *PPDev {
	return &PPDev{Path: path, fd: -1}
}

func (p *PPDev) Open() error {
	if p.open {
		return nil
	}
	fd, err := unix.Open(p.Path, unix.O_RDWR, 0)
	if err != nil {
		return jtagerr.IO(err, "open %s", p.Path)
	}
	if err := ioctl(fd, ppClaim, nil); err != nil {
		unix.Close(fd)
		return jtagerr.IO(err, "claim %s", p.Path)
	}
	p.fd = fd
	p.open = true
	return nil
}

func (p *PPDev) Close() error {
	if !p.open {
		return nil
	}
	relErr := ioctl(p.fd, ppRelease, nil)
	closeErr := unix.Close(p.fd)
	p.fd = -1
	p.open = false
	if relErr != nil {
		return jtagerr.IO(relErr, "release %s", p.Path)
	}
	return jtagerr.IO(closeErr, "close %s", p.Path)
}

func (p *PPDev) write(req uint, b byte) error {
	if !p.open {
		return jtagerr.State("%s not open", p.Path)
	}
	return jtagerr.IO(ioctl(p.fd, req, &b), "%s ioctl 0x%x", p.Path, req)
}

func (p *PPDev) read(req uint) (byte, error) {
	if !p.open {
		return 0, jtagerr.State("%s not open", p.Path)
	}
	var b byte
	if err := ioctl(p.fd, req, &b); err != nil {
		return 0, jtagerr.IO(err, "%s ioctl 0x%x", p.Path, req)
	}
	return b, nil
}

func (p *PPDev) SetData(b byte) error { return p.write(ppWData, b) }
func (p *PPDev) GetData() (byte, error) { return p.read(ppRData) }
func (p *PPDev) GetStatus() (byte, error) { return p.read(ppRStatus) }
func (p *PPDev) SetControl(b byte) error { return p.write(ppWControl, b) }
func (p *PPDev) GetControl() (byte, error) { return p.read(ppRControl) }

func ioctl(fd int, req uint, arg *byte) error {
	var ptr uintptr
	if arg != nil {
		ptr = uintptr(unsafe.Pointer(arg))
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), ptr)
	if errno != 0 {
		return errno
	}
	return nil
}
