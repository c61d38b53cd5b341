package flash

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/OpenTraceLab/tapflash/pkg/bus"
	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
	"github.com/OpenTraceLab/tapflash/pkg/logging"
)

// device IDs of the non-CFI 29xx040B parts
const (
	devAm29C040B  = 0xA4
	devAm29LV040B = 0x4F
)

// DetectAMD29xx040 probes for an AMD part that answers autoselect with
// the 0x555/0x2AA unlock but has no CFI query, modelling it as 8 uniform
// 64 KiB sectors per byte lane.
func DetectAMD29xx040(b bus.Bus, adr uint32) (*Array, error) {
	a, err := newArray(b, adr, MethodAMD29xx040)
	if err != nil {
		return nil, err
	}
	mid, did, err := autoselect(b, adr, autoselectWord)
	if err != nil {
		return nil, err
	}
	logging.For("flash").Infof("amd29xx040: mid %x, did %x", mid, did)
	if mid != mfrAMD {
		return nil, jtagerr.NotFound("amd29xx040: manufacturer 0x%02X is not AMD", mid)
	}
	a.ManufacturerID = mid
	a.DeviceID = did
	for i := 0; i < a.BusWidth; i++ {
		chip := &Chip{Width: 1}
		chip.Query.Identification.PrimaryID = VendorNull
		chip.Query.Geometry = Geometry{
			Size:          512 * 1024,
			Interface:     InterfaceX8,
			MaxBytesWrite: 32,
			Regions:       []EraseRegion{{BlockSize: 64 * 1024, Blocks: 8}},
		}
		a.Chips = append(a.Chips, chip)
	}
	return a, nil
}

// AMD29xx040 drives Am29C040B and Am29LV040B. The LV part is programmed in
// unlock bypass mode, which the driver enters on the first program and
// leaves before erasing or returning to read-array mode.
type AMD29xx040 struct {
	Poll   Poll
	bypass bool
	log    *logrus.Entry
}

func NewAMD29xx040() *AMD29xx040 {
	return &AMD29xx040{
		Poll: AMD29xx040Poll,
		log:  logging.For("flash").WithField("flash", "amd29xx040"),
	}
}

func (d *AMD29xx040) Name() string        { return "AMD Standard Command Set" }
func (d *AMD29xx040) Description() string { return "supported: AMD 29LV040B, 29C040B, 1x8 Bit" }
func (d *AMD29xx040) BusWidth() int       { return 1 }

func (d *AMD29xx040) Autodetect(a *Array) bool {
	return a.Method == MethodAMD29xx040 &&
		(a.DeviceID == devAm29C040B || a.DeviceID == devAm29LV040B)
}

func (d *AMD29xx040) useBypass(a *Array) bool {
	return a.DeviceID == devAm29LV040B
}

// status polls DQ7 until it shows bit 7 of data. DQ5 set means the
// embedded algorithm exceeded its time limit and needs a reset.
func (d *AMD29xx040) status(b bus.Bus, adr, data uint32) error {
	const dq7, dq5 = 1 << 7, 1 << 5
	bit7 := data & dq7
	for i := 0; i < d.Poll.Limit; i++ {
		v, err := b.Read(adr)
		if err != nil {
			return err
		}
		v &= 0xFF
		if v&dq7 == bit7 {
			return nil
		}
		if v&dq5 != 0 {
			if v, err = b.Read(adr); err != nil {
				return err
			}
			if v&dq7 == bit7 {
				return nil
			}
			return jtagerr.Hardware("amd29xx040: status failure at 0x%08X, needs a reset to return to read array data", adr)
		}
		d.Poll.wait()
	}
	return jtagerr.Hardware("amd29xx040: hardware failure at 0x%08X", adr)
}

func (d *AMD29xx040) leaveBypass(a *Array) error {
	if !d.bypass {
		return nil
	}
	err := writes(a.Bus,
		[2]uint32{a.Address + 0x555, 0x90},
		[2]uint32{a.Address + 0x2AA, 0x00},
	)
	time.Sleep(100 * time.Microsecond)
	d.bypass = false
	return err
}

func (d *AMD29xx040) PrintInfo(w io.Writer, a *Array) error {
	if err := writes(a.Bus,
		[2]uint32{a.Address, 0xF0},
		[2]uint32{a.Address + 0x555, 0xAA},
		[2]uint32{a.Address + 0x2AA, 0x55},
		[2]uint32{a.Address + 0x555, 0x90},
	); err != nil {
		return err
	}
	var ids [3]uint32
	for i := range ids {
		v, err := a.Bus.Read(a.Address + uint32(i))
		if err != nil {
			return err
		}
		ids[i] = v
	}
	if err := a.Bus.Write(a.Address, 0xF0); err != nil {
		return err
	}
	mid, did, prot := ids[0], ids[1], ids[2]

	if mid == mfrAMD {
		fmt.Fprintf(w, "Chip: AMD Flash\n\tPartNumber: ")
	} else {
		fmt.Fprintf(w, "Unknown manufacturer (ID 0x%04x)", mid)
	}
	fmt.Fprintf(w, "\n\tChip: ")
	switch did {
	case devAm29C040B:
		fmt.Fprintf(w, "Am29C040B\t-\t5V Flash\n")
	case devAm29LV040B:
		fmt.Fprintf(w, "Am29LV040B\t-\t3V Flash\n")
	default:
		fmt.Fprintf(w, "Unknown (ID 0x%04x)\n", did)
	}
	_, err := fmt.Fprintf(w, "\tProtected: %04x\n", prot)
	return err
}

func (d *AMD29xx040) EraseBlock(a *Array, adr uint32) error {
	d.log.Infof("flash_erase_block 0x%08X", adr)
	if err := d.leaveBypass(a); err != nil {
		return err
	}
	base := a.Address
	err := writes(a.Bus,
		[2]uint32{base, 0xF0},
		[2]uint32{base + 0x555, 0xAA},
		[2]uint32{base + 0x2AA, 0x55},
		[2]uint32{base + 0x555, 0x80},
		[2]uint32{base + 0x555, 0xAA},
		[2]uint32{base + 0x2AA, 0x55},
		[2]uint32{adr, 0x30},
	)
	if err == nil {
		err = d.status(a.Bus, adr, 0xFF)
	}
	if rerr := d.ReadArray(a); err == nil {
		err = rerr
	}
	if err != nil {
		d.log.Errorf("flash_erase_block 0x%08X FAILED", adr)
		return jtagerr.Wrap(err, "amd29xx040: erase block 0x%08X", adr)
	}
	d.log.Infof("flash_erase_block 0x%08X DONE", adr)
	return nil
}

func (d *AMD29xx040) UnlockBlock(a *Array, adr uint32) error {
	d.log.Infof("flash_unlock_block 0x%08X IGNORE", adr)
	return nil
}

func (d *AMD29xx040) LockBlock(a *Array, adr uint32) error {
	d.log.Infof("flash_lock_block 0x%08X IGNORE", adr)
	return nil
}

func (d *AMD29xx040) programSingle(a *Array, adr, data uint32) error {
	base := a.Address
	switch {
	case d.useBypass(a) && !d.bypass:
		err := writes(a.Bus,
			[2]uint32{base + 0x555, 0xAA},
			[2]uint32{base + 0x2AA, 0x55},
			[2]uint32{base + 0x555, 0x20},
		)
		if err != nil {
			return err
		}
		time.Sleep(time.Millisecond)
		d.bypass = true
	case !d.useBypass(a):
		err := writes(a.Bus,
			[2]uint32{base + 0x555, 0xAA},
			[2]uint32{base + 0x2AA, 0x55},
		)
		if err != nil {
			return err
		}
	}
	err := writes(a.Bus,
		[2]uint32{base + 0x555, 0xA0},
		[2]uint32{adr, data},
	)
	if err != nil {
		return err
	}
	return d.status(a.Bus, adr, data)
}

func (d *AMD29xx040) Program(a *Array, adr uint32, words []uint32) error {
	for _, v := range words {
		d.log.Debugf("flash_program 0x%08X = 0x%08X", adr, v)
		if err := d.programSingle(a, adr, v); err != nil {
			return err
		}
		adr += uint32(a.BusWidth)
	}
	return nil
}

func (d *AMD29xx040) ReadArray(a *Array) error {
	if err := d.leaveBypass(a); err != nil {
		return err
	}
	return a.Bus.Write(a.Address, 0xF0)
}
