package flash

import (
	"io"
	"time"

	"github.com/OpenTraceLab/tapflash/pkg/bus"
	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
)

// Driver is one vendor command set at one bus width.
type Driver interface {
	Name() string
	Description() string
	// BusWidth is the bus word size in bytes the driver programs.
	BusWidth() int
	Autodetect(a *Array) bool
	// PrintInfo writes the chip identification read in autoselect or
	// read-identifier mode.
	PrintInfo(w io.Writer, a *Array) error
	EraseBlock(a *Array, adr uint32) error
	LockBlock(a *Array, adr uint32) error
	UnlockBlock(a *Array, adr uint32) error
	// Program writes consecutive bus words starting at adr.
	Program(a *Array, adr uint32, words []uint32) error
	ReadArray(a *Array) error
}

// ErrNoFlash is returned by operations that need a detected array.
var ErrNoFlash = jtagerr.NotFound("flash: no flash detected")

// Poll bounds a status polling loop.
type Poll struct {
	Limit    int
	Interval time.Duration
}

func (p Poll) wait() {
	if p.Interval > 0 {
		time.Sleep(p.Interval)
	}
}

var (
	// DefaultAMDPoll allows 7000 polls 100µs apart.
	DefaultAMDPoll = Poll{Limit: 7000, Interval: 100 * time.Microsecond}
	// DefaultIntelPoll allows 100000 polls 10µs apart.
	DefaultIntelPoll = Poll{Limit: 100000, Interval: 10 * time.Microsecond}
	// AMD29xx040Poll matches the 0.7 s typical sector erase time of the
	// family.
	AMD29xx040Poll = Poll{Limit: 1000, Interval: 50 * time.Microsecond}
)

// DefaultDrivers returns fresh drivers in selection order. The first one
// whose Autodetect accepts the array wins.
func DefaultDrivers() []Driver {
	return []Driver{
		NewAMD(4),
		NewAMD(2),
		NewAMD(1),
		NewIntel(4),
		NewIntel(2),
		NewIntel(1),
		NewAMD29xx040(),
	}
}

// SelectDriver returns the first driver accepting a.
func SelectDriver(drivers []Driver, a *Array) (Driver, error) {
	if a == nil || len(a.Chips) == 0 {
		return nil, ErrNoFlash
	}
	for _, d := range drivers {
		if d.Autodetect(a) {
			return d, nil
		}
	}
	id := a.Query().Identification.PrimaryID
	return nil, jtagerr.Unsupported("Flash not supported (vendor id %d (0x%04x))", id, id)
}

// writes issues a list of address/data pairs.
func writes(b bus.Bus, ws ...[2]uint32) error {
	for _, w := range ws {
		if err := b.Write(w[0], w[1]); err != nil {
			return err
		}
	}
	return nil
}

func areaWidth(a *Array) int {
	area, err := a.Bus.Area(a.Address)
	if err != nil {
		return 0
	}
	return area.Width
}
