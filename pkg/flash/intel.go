package flash

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/OpenTraceLab/tapflash/pkg/jep106"
	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
	"github.com/OpenTraceLab/tapflash/pkg/logging"
)

// Intel command set
const (
	intelClearStatus    = 0x50
	intelBlockErase     = 0x20
	intelConfirm        = 0xD0
	intelLockSetup      = 0x60
	intelUnlockBlock    = 0xD0
	intelLockBlock      = 0x01
	intelProgram        = 0x40
	intelWriteToBuffer  = 0xE8
	intelWriteConfirm   = 0xD0
	intelReadIdentifier = 0x90
)

// Intel status register bits
const (
	SRReady          = 0x80
	SREraseSuspend   = 0x40
	SREraseError     = 0x20
	SRProgramError   = 0x10
	SRVpenError      = 0x08
	SRProgramSuspend = 0x04
	SRBlockLocked    = 0x02
)

// StatusError is a command the chip rejected. It matches
// jtagerr.ErrHardwareFailure.
type StatusError struct {
	Op     string
	Addr   uint32
	Status uint32
}

// Reason decodes the error bits of the status register. For 2x16 arrays
// the bits of both chips are combined.
func (e *StatusError) Reason() string {
	sr := (e.Status | e.Status>>16) & 0xFE
	switch sr &^ SRReady {
	case SREraseError | SRProgramError:
		return "invalid command sequence"
	case SREraseError | SRVpenError, SRProgramError | SRVpenError:
		return "low vpen"
	case SREraseError | SRBlockLocked, SRProgramError | SRBlockLocked:
		return "block locked"
	}
	switch {
	case sr&SRProgramError != 0:
		return "program error"
	case sr&SREraseError != 0:
		return "erase error"
	}
	return "unknown error"
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("intel: %s at 0x%08X: %s (sr = 0x%08X)", e.Op, e.Addr, e.Reason(), e.Status)
}

func (e *StatusError) Is(target error) bool {
	return target == jtagerr.ErrHardwareFailure
}

// Intel drives the Intel/Sharp command set. The 4 byte variant duplicates
// every command for two x16 chips and waits for both to become ready.
type Intel struct {
	width int
	Poll  Poll
	log   *logrus.Entry
}

func NewIntel(width int) *Intel {
	return &Intel{
		width: width,
		Poll:  DefaultIntelPoll,
		log:   logging.For("flash").WithField("flash", "intel"),
	}
}

func (d *Intel) Name() string { return "Intel Standard Command Set" }

func (d *Intel) Description() string {
	switch d.width {
	case 4:
		return "supported: 28Fxxxx, 2 x 16 bit"
	case 2:
		return "supported: 28Fxxxx, 1 x 16 bit"
	}
	return "supported: 28Fxxxx, 1 x 8 bit"
}

func (d *Intel) BusWidth() int { return d.width }

func (d *Intel) Autodetect(a *Array) bool {
	switch a.Query().Identification.PrimaryID {
	case VendorMitsubishiSCS, VendorMitsubishiECS, VendorIntelECS, VendorIntelSCS:
		return areaWidth(a) == d.width*8
	}
	return false
}

func (d *Intel) dup(cmd uint32) uint32 {
	if d.width == 4 {
		return cmd<<16 | cmd
	}
	return cmd
}

func (d *Intel) shift() uint {
	switch d.width {
	case 4:
		return 2
	case 2:
		return 1
	}
	return 0
}

// status polls the status register until every chip reports ready.
func (d *Intel) status(a *Array) (uint32, error) {
	mask, ready := d.dup(0xFE), d.dup(SRReady)
	for i := 0; i < d.Poll.Limit; i++ {
		v, err := a.Bus.Read(a.Address)
		if err != nil {
			return 0, err
		}
		if sr := v & mask; sr&ready == ready {
			return sr, nil
		}
		d.Poll.wait()
	}
	return 0, jtagerr.Hardware("intel: status register not ready after %d polls", d.Poll.Limit)
}

// command issues clear-status plus a two cycle command at adr and checks
// the resulting status.
func (d *Intel) command(a *Array, op string, adr, c1, c2 uint32) error {
	err := writes(a.Bus,
		[2]uint32{a.Address, d.dup(intelClearStatus)},
		[2]uint32{adr, d.dup(c1)},
		[2]uint32{adr, c2},
	)
	if err != nil {
		return err
	}
	sr, err := d.status(a)
	if err != nil {
		return jtagerr.Wrap(err, "intel: %s at 0x%08X", op, adr)
	}
	if sr != d.dup(SRReady) {
		return &StatusError{Op: op, Addr: adr, Status: sr}
	}
	return nil
}

var intelChipNames = map[uint32]string{
	0x0016: "28F320J3A",
	0x0017: "28F640J3A",
	0x0018: "28F128J3A",
	0x001D: "28F256J3A",
	0x8801: "28F640K3",
	0x8802: "28F128K3",
	0x8803: "28F256K3",
	0x8805: "28F640K18",
	0x8806: "28F128K18",
	0x8807: "28F256K18",
	0x880B: "GE28F640L18T",
	0x880C: "GE28F128L18T",
	0x880D: "GE28F256L18T",
	0x880E: "GE28F640L18B",
	0x880F: "GE28F128L18B",
	0x8810: "GE28F256L18B",
	0x891F: "28F256P33",
}

func (d *Intel) PrintInfo(w io.Writer, a *Array) error {
	o := d.shift()
	err := writes(a.Bus,
		[2]uint32{a.Address, d.dup(intelClearStatus)},
		[2]uint32{a.Address, d.dup(intelReadIdentifier)},
	)
	if err != nil {
		return err
	}
	mid, err := a.Bus.Read(a.Address)
	if err != nil {
		return err
	}
	cid, err := a.Bus.Read(a.Address + 1<<o)
	if err != nil {
		return err
	}
	if err := d.ReadArray(a); err != nil {
		return err
	}
	mid &= 0xFF
	cid &= 0xFFFF

	if mf, ok := jep106.FlashManufacturer(byte(mid)); ok {
		fmt.Fprintf(w, "Manufacturer: %s\n", mf.Name)
	} else {
		fmt.Fprintf(w, "Unknown manufacturer (0x%04X)!\n", mid)
	}
	if name, ok := intelChipNames[cid]; ok {
		_, err = fmt.Fprintf(w, "Chip: %s\n", name)
	} else {
		_, err = fmt.Fprintf(w, "Chip: Unknown (0x%02X)!\n", cid)
	}
	return err
}

func (d *Intel) EraseBlock(a *Array, adr uint32) error {
	d.log.Infof("flash_erase_block 0x%08X", adr)
	return d.command(a, "erase block", adr, intelBlockErase, d.dup(intelConfirm))
}

func (d *Intel) UnlockBlock(a *Array, adr uint32) error {
	return d.command(a, "unlock block", adr, intelLockSetup, d.dup(intelUnlockBlock))
}

// LockBlock sets the lock bit and reads it back in read-identifier mode.
// The 2x16 variant leaves blocks unlocked.
func (d *Intel) LockBlock(a *Array, adr uint32) error {
	if d.width == 4 {
		d.log.Infof("flash_lock_block32 0x%08X IGNORE", adr)
		return nil
	}
	if err := d.command(a, "lock block", adr, intelLockSetup, d.dup(intelLockBlock)); err != nil {
		return err
	}
	if err := a.Bus.Write(adr, d.dup(intelReadIdentifier)); err != nil {
		return err
	}
	v, err := a.Bus.Read(adr + 2<<d.shift())
	if err != nil {
		return err
	}
	if err := d.ReadArray(a); err != nil {
		return err
	}
	if v&1 == 0 {
		return jtagerr.Hardware("intel: locking block 0x%08X failed", adr)
	}
	return nil
}

func (d *Intel) programSingle(a *Array, adr, data uint32) error {
	return d.command(a, "program", adr, intelProgram, data)
}

// programBuffer uses write-to-buffer, waiting for a free buffer before
// each chunk and checking the status once at the end.
func (d *Intel) programBuffer(a *Array, adr uint32, words []uint32) error {
	chip := a.Chips[0]
	wb := uint32(chip.Query.Geometry.MaxBytesWrite)
	bw := uint32(a.BusWidth)
	for len(words) > 0 {
		n := int((wb - adr%wb) / uint32(chip.Width))
		if n < 1 {
			n = 1
		}
		if n > len(words) {
			n = len(words)
		}
		blockAdr := adr
		if err := a.Bus.Write(a.Address, intelClearStatus); err != nil {
			return err
		}
		for i := 0; ; i++ {
			if err := a.Bus.Write(adr, intelWriteToBuffer); err != nil {
				return err
			}
			v, err := a.Bus.Read(a.Address)
			if err != nil {
				return err
			}
			if v&SRReady != 0 {
				break
			}
			if i >= d.Poll.Limit {
				return jtagerr.Hardware("intel: no write buffer available at 0x%08X", adr)
			}
			d.Poll.wait()
		}
		ws := [][2]uint32{{adr, uint32(n - 1)}}
		for _, v := range words[:n] {
			ws = append(ws, [2]uint32{adr, v})
			adr += bw
		}
		ws = append(ws, [2]uint32{blockAdr, intelWriteConfirm})
		if err := writes(a.Bus, ws...); err != nil {
			return err
		}
		words = words[n:]
	}
	sr, err := d.status(a)
	if err != nil {
		return err
	}
	if sr != SRReady {
		return &StatusError{Op: "program buffer", Addr: adr, Status: sr}
	}
	return nil
}

func (d *Intel) Program(a *Array, adr uint32, words []uint32) error {
	if d.width != 4 && a.Query().Geometry.MaxBytesWrite > 1 {
		return d.programBuffer(a, adr, words)
	}
	for _, v := range words {
		if err := d.programSingle(a, adr, v); err != nil {
			return err
		}
		adr += uint32(a.BusWidth)
	}
	return nil
}

func (d *Intel) ReadArray(a *Array) error {
	return a.Bus.Write(a.Address, 0x00FF00FF)
}
