package cmd

import (
	"math/bits"
	"strconv"
	"strings"

	"periph.io/x/conn/v3/physic"

	"github.com/OpenTraceLab/tapflash/pkg/bus"
	"github.com/OpenTraceLab/tapflash/pkg/cable"
	"github.com/OpenTraceLab/tapflash/pkg/flash/flashsim"
	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
)

// openCable connects and initializes the cable selected by the global
// flags. The caller owns it and must Disconnect it.
func openCable() (*cable.Cable, error) {
	c, err := cable.Connect(cableName, cableParams)
	if err != nil {
		return nil, err
	}
	if err := c.Init(); err != nil {
		c.Free()
		return nil, err
	}
	if frequency != "" {
		f, err := parseFrequency(frequency)
		if err == nil {
			err = c.SetFrequency(f)
		}
		if err != nil {
			c.Disconnect()
			return nil, err
		}
	}
	return c, nil
}

func parseFrequency(s string) (physic.Frequency, error) {
	var f physic.Frequency
	if err := f.Set(s); err != nil {
		// Bare numbers are taken as Hz.
		n, nerr := strconv.ParseUint(s, 0, 64)
		if nerr != nil {
			return 0, jtagerr.Syntax("bad frequency %q", s)
		}
		f = physic.Frequency(n) * physic.Hertz
	}
	return f, nil
}

// parseNum reads a decimal or 0x-prefixed 32 bit number.
func parseNum(what, s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, jtagerr.Syntax("bad %s %q", what, s)
	}
	return uint32(n), nil
}

// openBus builds the bus named by --bus. The returned close function
// releases it.
func openBus() (bus.Bus, func() error, error) {
	kind, rest, _ := strings.Cut(strings.TrimSpace(busSpec), " ")
	if kind == "" {
		return nil, nil, jtagerr.State("no bus selected, use --bus")
	}
	p, err := cable.ParseParams(rest)
	if err != nil {
		return nil, nil, err
	}

	switch strings.ToLower(kind) {
	case "devmem":
		if err := p.Check("base", "size", "width"); err != nil {
			return nil, nil, err
		}
		if _, ok := p["base"]; !ok {
			return nil, nil, jtagerr.Invalid("devmem bus needs base=ADDR")
		}
		base, err := p.Uint("base", 0)
		if err != nil {
			return nil, nil, err
		}
		size, err := p.Uint("size", 32<<20)
		if err != nil {
			return nil, nil, err
		}
		width, err := p.Uint("width", 16)
		if err != nil {
			return nil, nil, err
		}
		if err := checkWidth(int(width)); err != nil {
			return nil, nil, err
		}
		d := bus.NewDevMem(uint32(base), int(size), int(width))
		if err := d.Open(); err != nil {
			return nil, nil, err
		}
		return d, d.Close, nil
	case "sim":
		if err := p.Check("family", "width", "size", "lanes"); err != nil {
			return nil, nil, err
		}
		s, err := simFlash(p)
		if err != nil {
			return nil, nil, err
		}
		return s.Mem, func() error { return nil }, nil
	}
	return nil, nil, jtagerr.NotFound("unknown bus %q (devmem or sim)", kind)
}

func checkWidth(w int) error {
	switch w {
	case 8, 16, 32:
		return nil
	}
	return jtagerr.Invalid("bus width must be 8, 16 or 32, not %d", w)
}

// simFlash builds an erased CFI flash array with uniform blocks. It lives
// only as long as the process.
func simFlash(p cable.Params) (*flashsim.Sim, error) {
	width, err := p.Uint("width", 16)
	if err != nil {
		return nil, err
	}
	if err := checkWidth(int(width)); err != nil {
		return nil, err
	}
	size, err := p.Uint("size", 4<<20)
	if err != nil {
		return nil, err
	}
	defLanes := uint64(1)
	if width == 32 {
		defLanes = 2
	}
	lanes, err := p.Uint("lanes", defLanes)
	if err != nil {
		return nil, err
	}
	if lanes == 0 || width%lanes != 0 || width/lanes < 8 || width/lanes > 16 {
		return nil, jtagerr.Invalid("%d lanes do not fit a %d bit bus", lanes, width)
	}
	chipSize := size / lanes
	if chipSize&(chipSize-1) != 0 || chipSize < 0x20000 || chipSize > 1<<28 {
		return nil, jtagerr.Invalid("sim flash size 0x%X is not a power of two of at least 128 KiB per chip", size)
	}

	iface := uint16(flashsim.X16)
	if width/lanes == 8 {
		iface = flashsim.X8
	}
	cfg := flashsim.Config{Lanes: int(lanes)}
	q := flashsim.Query{
		SizeLog2:  byte(bits.Len64(chipSize) - 1),
		Interface: iface,
		WriteLog2: 5,
	}
	switch p.String("family", "amd") {
	case "amd":
		block := uint32(0x10000)
		cfg.Family = flashsim.AMD
		cfg.ManufacturerID, cfg.DeviceID = 0x01, 0x227E
		cfg.BufferWrite = true
		cfg.Regions = []flashsim.Region{{BlockSize: block, Blocks: int(chipSize / uint64(block))}}
		q.PrimaryID = flashsim.AMDSCS
		q.PriMajor, q.PriMinor = '1', '1'
	case "intel":
		block := uint32(0x20000)
		cfg.Family = flashsim.Intel
		cfg.ManufacturerID, cfg.DeviceID = 0x89, 0x0018
		cfg.Regions = []flashsim.Region{{BlockSize: block, Blocks: int(chipSize / uint64(block))}}
		q.PrimaryID = flashsim.IntelECS
	default:
		return nil, jtagerr.Invalid("sim flash family must be amd or intel")
	}
	q.Regions = cfg.Regions
	cfg.Query = q.Bytes()
	return flashsim.New(int(width), int(size), cfg), nil
}
