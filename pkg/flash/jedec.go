package flash

import (
	"github.com/OpenTraceLab/tapflash/pkg/bus"
	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
	"github.com/OpenTraceLab/tapflash/pkg/logging"
)

// autoselect unlock conventions
const (
	// 0xAAA/0x555 unlock, device ID at byte offset 2.
	autoselectByte = iota
	// 0x555/0x2AA unlock, device ID at offset 1.
	autoselectWord
	numAutoselect
)

const (
	mfrAMD     = 0x01
	mfrFujitsu = 0x04
	mfrAtmel   = 0x1F
	mfrST      = 0x20
	mfrToshiba = 0x98
	mfrMX      = 0xC2
)

type jedecPart struct {
	mfr, dev   uint32
	name       string
	size       uint64
	iface      uint16
	autoselect int
	regions    []EraseRegion
}

var (
	bottomBoot16 = []EraseRegion{{0x4000, 1}, {0x2000, 2}, {0x8000, 1}, {0x10000, 31}}
	topBoot16    = []EraseRegion{{0x10000, 31}, {0x8000, 1}, {0x2000, 2}, {0x4000, 1}}
	bottomBoot8  = []EraseRegion{{0x4000, 1}, {0x2000, 2}, {0x8000, 1}, {0x10000, 15}}
	topBoot8     = []EraseRegion{{0x10000, 15}, {0x8000, 1}, {0x2000, 2}, {0x4000, 1}}
)

var jedecParts = []jedecPart{
	{mfrAMD, 0x22C4, "AMD AM29LV160DT", 0x200000, InterfaceX16, autoselectByte, topBoot16},
	{mfrAMD, 0x2249, "AMD AM29LV160DB", 0x200000, InterfaceX16, autoselectByte, bottomBoot16},
	{mfrToshiba, 0x00C2, "Toshiba TC58FVT160", 0x200000, InterfaceX16, autoselectByte, topBoot16},
	{mfrFujitsu, 0x22C4, "Fujitsu MBM29LV160TE", 0x200000, InterfaceX16, autoselectByte, topBoot16},
	{mfrToshiba, 0x0043, "Toshiba TC58FVB160", 0x200000, InterfaceX16, autoselectByte, bottomBoot16},
	{mfrFujitsu, 0x2249, "Fujitsu MBM29LV160BE", 0x200000, InterfaceX16, autoselectByte, bottomBoot16},
	{mfrAMD, 0x225B, "AMD AM29LV800BB", 0x100000, InterfaceX16, autoselectByte, bottomBoot8},
	{mfrAMD, 0x2258, "AMD AM29F800BB", 0x100000, InterfaceX16, autoselectByte, bottomBoot8},
	{mfrAMD, 0x22DA, "AMD AM29LV800BT", 0x100000, InterfaceX16, autoselectByte, topBoot8},
	{mfrAMD, 0x22D6, "AMD AM29F800BT", 0x100000, InterfaceX16, autoselectByte, topBoot8},
	{mfrFujitsu, 0x225B, "Fujitsu MBM29LV800BB", 0x100000, InterfaceX16, autoselectByte, bottomBoot8},
	{mfrST, 0x00D7, "ST M29W800T", 0x100000, InterfaceX16, autoselectByte, topBoot8},
	{mfrST, 0x22C4, "ST M29W160DT", 0x200000, InterfaceX16, autoselectByte, topBoot16},
	{mfrST, 0x2249, "ST M29W160DB", 0x200000, InterfaceX16, autoselectByte, bottomBoot16},
	{mfrAMD, 0x22D1, "AMD AM29BDS323D", 0x400000, InterfaceX16, autoselectByte,
		[]EraseRegion{{0x10000, 48}, {0x10000, 15}, {0x2000, 8}}},
	{mfrAMD, 0x227E, "AMD AM29BDS643D", 0x800000, InterfaceX16, autoselectByte,
		[]EraseRegion{{0x10000, 96}, {0x10000, 31}, {0x2000, 8}}},
	{mfrAtmel, 0x00C0, "Atmel AT49xV16x", 0x200000, InterfaceX16, autoselectByte,
		[]EraseRegion{{0x2000, 8}, {0x10000, 31}}},
	{mfrAtmel, 0x00C2, "Atmel AT49xV16xT", 0x200000, InterfaceX16, autoselectByte,
		[]EraseRegion{{0x10000, 31}, {0x2000, 8}}},
	{mfrMX, 0x22B9, "MX 29LV400T", 0x80000, InterfaceX16, autoselectByte,
		[]EraseRegion{{0x10000, 7}, {0x8000, 1}, {0x2000, 2}, {0x4000, 1}}},
	{mfrAMD, 0x004F, "AMD AM29LV040B", 0x80000, InterfaceX8, autoselectWord,
		[]EraseRegion{{0x10000, 8}}},
}

// autoselect issues one unlock convention and returns the manufacturer
// and device IDs.
func autoselect(b bus.Bus, adr uint32, method int) (mid, did uint32, err error) {
	unlock1, unlock2, devOff := uint32(0xAAA), uint32(0x555), uint32(2)
	if method == autoselectWord {
		unlock1, unlock2, devOff = 0x555, 0x2AA, 1
	}
	for _, w := range []struct{ a, d uint32 }{
		{adr, CmdReadArrayAMD},
		{adr + unlock1, 0xAA},
		{adr + unlock2, 0x55},
		{adr + unlock1, 0x90},
	} {
		if err := b.Write(w.a, w.d); err != nil {
			return 0, 0, err
		}
	}
	if mid, err = b.Read(adr); err != nil {
		return 0, 0, err
	}
	if did, err = b.Read(adr + devOff); err != nil {
		return 0, 0, err
	}
	return mid, did, b.Write(adr, CmdReadArrayAMD)
}

// DetectJEDEC probes with both autoselect conventions and looks the IDs up
// in a static table of parts without a usable CFI query.
func DetectJEDEC(b bus.Bus, adr uint32) (*Array, error) {
	a, err := newArray(b, adr, MethodJEDEC)
	if err != nil {
		return nil, err
	}
	var mids, dids [numAutoselect]uint32
	for m := 0; m < numAutoselect; m++ {
		if mids[m], dids[m], err = autoselect(b, adr, m); err != nil {
			return nil, err
		}
	}

	log := logging.For("flash")
	var part *jedecPart
	for i := range jedecParts {
		p := &jedecParts[i]
		if mids[p.autoselect] == p.mfr && dids[p.autoselect] == p.dev {
			part = p
			break
		}
	}
	if part == nil {
		log.Debugf("jedec: IDs %04x/%04x and %04x/%04x not in table",
			mids[autoselectByte], dids[autoselectByte], mids[autoselectWord], dids[autoselectWord])
		return nil, jtagerr.NotFound("jedec: device not in table")
	}
	log.Infof("dev ID=%04x   man ID=%04x", part.dev, part.mfr)

	chip := &Chip{}
	cfi := &chip.Query
	cfi.Identification.PrimaryID = VendorAMDSCS
	cfi.Geometry.Size = part.size
	cfi.Geometry.Interface = part.iface
	cfi.Geometry.MaxBytesWrite = 1
	switch part.iface {
	case InterfaceX8:
		chip.Width = 1
	case InterfaceX16:
		chip.Width = 2
	case InterfaceX8X16:
		log.Warnf("unsupported interface geometry x8/x16, falling back to x16")
		chip.Width = 2
		cfi.Geometry.Interface = InterfaceX16
	case InterfaceX32:
		chip.Width = 4
	case InterfaceX16X32:
		log.Warnf("unsupported interface geometry x16/x32, falling back to x32")
		chip.Width = 4
		cfi.Geometry.Interface = InterfaceX32
	default:
		return nil, jtagerr.Unsupported("jedec: interface geometry %d", part.iface)
	}
	cfi.Geometry.Regions = append([]EraseRegion(nil), part.regions...)

	a.Chips = []*Chip{chip}
	a.Name = part.name
	a.ManufacturerID = part.mfr
	a.DeviceID = part.dev
	log.Infof("found %s flash, size = %d bytes", part.name, part.size)
	return a, nil
}
