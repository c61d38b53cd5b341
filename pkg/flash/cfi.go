// Package flash identifies parallel NOR flash reachable through a bus.Bus
// and erases, locks, programs and verifies it with the matching vendor
// command set.
//
// Detection runs the CFI query first, then the JEDEC autoselect table, then
// the fixed-ID probe of the AMD 29xx040 family. Each detector leaves the
// chips in read-array mode. A Session owns the detected Array and the
// Driver selected for it.
package flash

import (
	"fmt"

	"github.com/OpenTraceLab/tapflash/pkg/bus"
	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
)

// Common command bytes.
const (
	CmdReadArray    = 0xFF
	CmdReadArrayAMD = 0xF0
	CmdQuery        = 0x98

	queryCmdOffset = 0x55
	queryIDOffset  = 0x10
)

// Primary and alternate command set IDs.
const (
	VendorNull          = 0x0000
	VendorIntelECS      = 0x0001
	VendorAMDSCS        = 0x0002
	VendorIntelSCS      = 0x0003
	VendorAMDECS        = 0x0004
	VendorMitsubishiSCS = 0x0100
	VendorMitsubishiECS = 0x0101
	VendorSSTPWCS       = 0x0102
)

// Device interface codes.
const (
	InterfaceX8     = 0
	InterfaceX16    = 1
	InterfaceX8X16  = 2
	InterfaceX32    = 3
	InterfaceX16X32 = 4
)

// query offsets, relative to the start of the query structure
const (
	offPriVendorID   = 0x13
	offPriVendorTbl  = 0x15
	offAltVendorID   = 0x17
	offAltVendorTbl  = 0x19
	offVccMin        = 0x1B
	offVccMax        = 0x1C
	offVppMin        = 0x1D
	offVppMax        = 0x1E
	offTypWrite      = 0x1F
	offTypBufWrite   = 0x20
	offTypBlockErase = 0x21
	offTypChipErase  = 0x22
	offMaxWrite      = 0x23
	offMaxBufWrite   = 0x24
	offMaxBlockErase = 0x25
	offMaxChipErase  = 0x26
	offDeviceSize    = 0x27
	offInterface     = 0x28
	offMaxBytesWrite = 0x2A
	offNumRegions    = 0x2C
	offRegions       = 0x2D
)

// AMD primary vendor table offsets, relative to the table address
const (
	amdMajor            = 0x03
	amdMinor            = 0x04
	amdAddrUnlock       = 0x05
	amdEraseSuspend     = 0x06
	amdSectorProtect    = 0x07
	amdTempUnprotect    = 0x08
	amdProtectScheme    = 0x09
	amdSimultaneous     = 0x0A
	amdBurstMode        = 0x0B
	amdPageMode         = 0x0C
	amdAccMin           = 0x0D
	amdAccMax           = 0x0E
	amdTopBottom        = 0x0F
	amdProgramSuspend   = 0x10
	amdUnlockBypass     = 0x11
	amdSecSiSize        = 0x12
	amdHwrstTimeout     = 0x13
	amdNonHwrstTimeout  = 0x14
	amdEraseSuspendTmo  = 0x15
	amdProgramSuspendTm = 0x16
	amdBankOrg          = 0x17
	amdBankRegionInfo   = 0x18
)

// EraseRegion is a run of equally sized erase blocks. BlockSize is in
// bytes of one chip.
type EraseRegion struct {
	BlockSize uint32
	Blocks    int
}

type Identification struct {
	PrimaryID      uint16
	PrimaryTable   uint16
	AlternateID    uint16
	AlternateTable uint16
	// AMD is the parsed primary vendor table of AMD standard command set
	// chips, nil otherwise.
	AMD *AMDPriExt
}

// SystemInterface holds voltages in mV, write timeouts in µs and erase
// timeouts in ms.
type SystemInterface struct {
	VccMin, VccMax int
	VppMin, VppMax int

	TypSingleWrite int
	TypBufferWrite int
	TypBlockErase  int
	TypChipErase   int
	MaxSingleWrite int
	MaxBufferWrite int
	MaxBlockErase  int
	MaxChipErase   int
}

type Geometry struct {
	Size          uint64
	Interface     uint16
	MaxBytesWrite int
	Regions       []EraseRegion
}

// AMDPriExt is the AMD/Fujitsu primary vendor-specific extended query.
// Versions are the ASCII digits stored by the chip.
type AMDPriExt struct {
	Major, Minor byte

	AddressSensitiveUnlock byte
	EraseSuspend           byte
	SectorProtect          byte
	TemporaryUnprotect     byte
	ProtectScheme          byte
	SimultaneousOperation  byte
	BurstMode              byte
	PageMode               byte
	AccMin, AccMax         int
	TopBottom              byte
	ProgramSuspend         byte
	UnlockBypass           byte
	SecSiSize              int
	HwrstTimeout           int
	NonHwrstTimeout        int
	EraseSuspendTimeout    int
	ProgramSuspendTimeout  int
	BankOrganization       byte
	BankRegionInfo         []byte
}

// AtLeast reports whether the table version is major.minor or newer.
func (p *AMDPriExt) AtLeast(major, minor byte) bool {
	return p.Major > major || (p.Major == major && p.Minor >= minor)
}

type QueryStructure struct {
	Identification Identification
	System         SystemInterface
	Geometry       Geometry
}

// Chip is one flash device of an array. Width is its data width in bytes
// in the mode it runs in.
type Chip struct {
	Width int
	Query QueryStructure
}

// Method records which detector found an array.
type Method int

const (
	MethodCFI Method = iota
	MethodJEDEC
	MethodAMD29xx040
)

func (m Method) String() string {
	switch m {
	case MethodCFI:
		return "CFI"
	case MethodJEDEC:
		return "JEDEC"
	case MethodAMD29xx040:
		return "AMD 29xx040"
	}
	return fmt.Sprintf("Method(%d)", int(m))
}

// Array is one or more chips wired in parallel to form the bus word.
type Array struct {
	Bus      bus.Bus
	Address  uint32
	BusWidth int // bytes
	Chips    []*Chip
	Method   Method

	// Name, ManufacturerID and DeviceID are filled by the autoselect
	// based detectors.
	Name           string
	ManufacturerID uint32
	DeviceID       uint32
}

// Query returns the query structure of the first chip.
func (a *Array) Query() *QueryStructure {
	return &a.Chips[0].Query
}

func newArray(b bus.Bus, adr uint32, m Method) (*Array, error) {
	area, err := b.Area(adr)
	if err != nil {
		return nil, err
	}
	if area.Width != 8 && area.Width != 16 && area.Width != 32 {
		return nil, jtagerr.Invalid("flash: bus width %d", area.Width)
	}
	return &Array{Bus: b, Address: adr, BusWidth: area.Width / 8, Method: m}, nil
}

// querier reads the query structure of the chip on one data lane. The
// first bus error sticks and turns later accesses into no-ops.
type querier struct {
	bus   bus.Bus
	base  uint32
	ba    uint32 // bus width in bytes
	ma    uint32 // flash mode address multiplier
	lane  uint   // data bit offset of the chip
	table uint32 // extra offset while reading a vendor table
	err   error
}

func (q *querier) addr(off uint32) uint32 {
	return q.base + (q.table+off)*q.ba*q.ma
}

func (q *querier) lanes(v uint32) uint32 {
	return (v >> q.lane) & 0xFF
}

func (q *querier) read1(off uint32) uint32 {
	if q.err != nil {
		return 0
	}
	v, err := q.bus.Read(q.addr(off))
	if err != nil {
		q.err = err
		return 0
	}
	return q.lanes(v)
}

// read2 reads a little endian 16-bit field spread over two query bytes.
func (q *querier) read2(off uint32) uint32 {
	if q.err != nil {
		return 0
	}
	if q.err = q.bus.ReadStart(q.addr(off)); q.err != nil {
		return 0
	}
	lo, err := q.bus.ReadNext(q.addr(off + 1))
	if err != nil {
		q.err = err
		return 0
	}
	hi, err := q.bus.ReadEnd()
	if err != nil {
		q.err = err
		return 0
	}
	return q.lanes(lo) | q.lanes(hi)<<8
}

func (q *querier) write1(off, data uint32) {
	if q.err != nil {
		return
	}
	q.err = q.bus.Write(q.addr(off), data<<q.lane)
}

func millivolts(t uint32) int {
	return int((t>>4)&0xF)*1000 + int(t&0xF)*100
}

func pow2(t uint32) int {
	if t == 0 {
		return 0
	}
	return 1 << t
}

// DetectCFI runs the CFI query on every data lane of the bus at adr,
// trying address multipliers 1, 2 and 4 for chips running narrower than
// their query interface. The chips are left in read-array mode.
func DetectCFI(b bus.Bus, adr uint32) (*Array, error) {
	a, err := newArray(b, adr, MethodCFI)
	if err != nil {
		return nil, err
	}
	bw := a.BusWidth * 8
	for d := 0; d < bw; d += 8 {
		q := &querier{bus: b, base: adr, ba: uint32(a.BusWidth), lane: uint(d)}
		chip, err := q.detect()
		if err != nil {
			return nil, err
		}
		ok := true
		switch chip.Query.Geometry.Interface {
		case InterfaceX8:
			ok = q.ma == 1
			chip.Width = 1
		case InterfaceX16:
			ok = q.ma == 1
			chip.Width = 2
			d += 8
		case InterfaceX8X16:
			ok = q.ma == 1 || q.ma == 2
			chip.Width = 2 / int(q.ma)
			if q.ma == 1 {
				d += 8
			}
		case InterfaceX32:
			ok = q.ma == 1
			chip.Width = 4
			d += 24
		case InterfaceX16X32:
			ok = q.ma == 1 || q.ma == 2
			chip.Width = 4 / int(q.ma)
			if q.ma == 1 {
				d += 24
			} else {
				d += 8
			}
		default:
			ok = false
		}
		if !ok {
			return nil, jtagerr.Unsupported("cfi: interface 0x%04X with address multiplier %d",
				chip.Query.Geometry.Interface, q.ma)
		}
		a.Chips = append(a.Chips, chip)
	}
	return a, nil
}

func (q *querier) detect() (*Chip, error) {
	found, missing := false, byte('Q')
	for q.ma = 1; q.ma <= 4; q.ma *= 2 {
		q.write1(queryCmdOffset, CmdQuery)
		if q.read1(queryIDOffset) == 'Q' {
			missing = 'R'
			if q.read1(queryIDOffset+1) == 'R' {
				found = true
				break
			}
		}
		q.write1(0, CmdReadArray)
	}
	if q.err != nil {
		return nil, q.err
	}
	if !found {
		return nil, jtagerr.NotFound("cfi: no '%c' in query identification at lane %d", missing, q.lane)
	}
	if q.read1(queryIDOffset+2) != 'Y' {
		q.write1(0, CmdReadArray)
		if q.err != nil {
			return nil, q.err
		}
		return nil, jtagerr.NotFound("cfi: no 'Y' in query identification at lane %d", q.lane)
	}

	chip := &Chip{}
	cfi := &chip.Query
	id := &cfi.Identification
	id.PrimaryID = uint16(q.read2(offPriVendorID))
	id.PrimaryTable = uint16(q.read2(offPriVendorTbl))
	id.AlternateID = uint16(q.read2(offAltVendorID))
	id.AlternateTable = uint16(q.read2(offAltVendorTbl))

	sys := &cfi.System
	sys.VccMin = millivolts(q.read1(offVccMin))
	sys.VccMax = millivolts(q.read1(offVccMax))
	sys.VppMin = millivolts(q.read1(offVppMin))
	sys.VppMax = millivolts(q.read1(offVppMax))
	sys.TypSingleWrite = pow2(q.read1(offTypWrite))
	sys.TypBufferWrite = pow2(q.read1(offTypBufWrite))
	sys.TypBlockErase = pow2(q.read1(offTypBlockErase))
	sys.TypChipErase = pow2(q.read1(offTypChipErase))
	sys.MaxSingleWrite = pow2(q.read1(offMaxWrite)) * sys.TypSingleWrite
	sys.MaxBufferWrite = pow2(q.read1(offMaxBufWrite)) * sys.TypBufferWrite
	sys.MaxBlockErase = pow2(q.read1(offMaxBlockErase)) * sys.TypBlockErase
	sys.MaxChipErase = pow2(q.read1(offMaxChipErase)) * sys.TypChipErase

	geo := &cfi.Geometry
	geo.Size = 1 << q.read1(offDeviceSize)
	geo.Interface = uint16(q.read2(offInterface))
	geo.MaxBytesWrite = 1 << q.read2(offMaxBytesWrite)
	n := int(q.read1(offNumRegions))
	off := uint32(offRegions)
	for i := 0; i < n; i++ {
		y := q.read2(off)
		z := q.read2(off+2) << 8
		if z == 0 {
			z = 128
		}
		geo.Regions = append(geo.Regions, EraseRegion{BlockSize: z, Blocks: int(y) + 1})
		off += 4
	}

	if id.PrimaryID == VendorAMDSCS && id.PrimaryTable != 0 {
		q.table = uint32(id.PrimaryTable)
		ext, err := q.amdExtension()
		q.table = 0
		if err != nil {
			q.write1(0, CmdReadArray)
			return nil, err
		}
		id.AMD = ext
		// Top boot devices list their regions from the top down.
		if ext.AtLeast('1', '1') && ext.TopBottom == 3 {
			r := geo.Regions
			for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
				r[i], r[j] = r[j], r[i]
			}
		}
	}

	q.write1(0, CmdReadArray)
	if q.err != nil {
		return nil, q.err
	}
	return chip, nil
}

func (q *querier) amdExtension() (*AMDPriExt, error) {
	if q.read1(0) != 'P' || q.read1(1) != 'R' || q.read1(2) != 'I' {
		if q.err != nil {
			return nil, q.err
		}
		return nil, jtagerr.NotFound("cfi: primary vendor table not found at 0x%02X", q.table)
	}
	p := &AMDPriExt{
		Major: byte(q.read1(amdMajor)),
		Minor: byte(q.read1(amdMinor)),
	}
	if p.AtLeast('1', '0') {
		p.AddressSensitiveUnlock = byte(q.read1(amdAddrUnlock))
		p.EraseSuspend = byte(q.read1(amdEraseSuspend))
		p.SectorProtect = byte(q.read1(amdSectorProtect))
		p.TemporaryUnprotect = byte(q.read1(amdTempUnprotect))
		p.ProtectScheme = byte(q.read1(amdProtectScheme))
		p.SimultaneousOperation = byte(q.read1(amdSimultaneous))
		p.BurstMode = byte(q.read1(amdBurstMode))
		p.PageMode = byte(q.read1(amdPageMode))
	}
	if p.AtLeast('1', '1') {
		p.AccMin = millivolts(q.read1(amdAccMin))
		p.AccMax = millivolts(q.read1(amdAccMax))
		p.TopBottom = byte(q.read1(amdTopBottom))
	}
	if p.AtLeast('1', '2') {
		p.ProgramSuspend = byte(q.read1(amdProgramSuspend))
	}
	if p.AtLeast('1', '3') && p.SimultaneousOperation != 0 {
		p.BankOrganization = byte(q.read1(amdBankOrg))
		for i := uint32(0); i < uint32(p.BankOrganization); i++ {
			p.BankRegionInfo = append(p.BankRegionInfo, byte(q.read1(amdBankRegionInfo+i)))
		}
	}
	if p.AtLeast('1', '4') {
		p.UnlockBypass = byte(q.read1(amdUnlockBypass))
		p.SecSiSize = pow2(q.read1(amdSecSiSize))
		p.HwrstTimeout = pow2(q.read1(amdHwrstTimeout))
		p.NonHwrstTimeout = pow2(q.read1(amdNonHwrstTimeout))
		p.EraseSuspendTimeout = pow2(q.read1(amdEraseSuspendTmo))
		p.ProgramSuspendTimeout = pow2(q.read1(amdProgramSuspendTm))
	}
	return p, q.err
}

// VendorName names a primary or alternate command set ID.
func VendorName(id uint16) string {
	switch id {
	case VendorNull:
		return "null"
	case VendorIntelECS:
		return "Intel/Sharp Extended Command Set"
	case VendorAMDSCS:
		return "AMD/Fujitsu Standard Command Set"
	case VendorIntelSCS:
		return "Intel Standard Command Set"
	case VendorAMDECS:
		return "AMD/Fujitsu Extended Command Set"
	case VendorMitsubishiSCS:
		return "Mitsubishi Standard Command Set"
	case VendorMitsubishiECS:
		return "Mitsubishi Extended Command Set"
	case VendorSSTPWCS:
		return "Page Write Command Set"
	}
	return "unknown"
}

// InterfaceName names a device interface code.
func InterfaceName(i uint16) string {
	switch i {
	case InterfaceX8:
		return "x8"
	case InterfaceX16:
		return "x16"
	case InterfaceX8X16:
		return "x8/x16"
	case InterfaceX32:
		return "x32"
	case InterfaceX16X32:
		return "x16/x32"
	}
	return "unknown"
}
