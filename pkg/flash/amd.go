package flash

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/OpenTraceLab/tapflash/pkg/bus"
	"github.com/OpenTraceLab/tapflash/pkg/jep106"
	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
	"github.com/OpenTraceLab/tapflash/pkg/logging"
)

// StatusPolicy waits until an embedded program or erase algorithm
// started at adr has finished. data is the value the location will hold
// afterwards.
type StatusPolicy func(b bus.Bus, adr, data uint32, p Poll) error

// ToggleStatus reads adr twice per poll and waits for DQ6 to stop
// toggling in both chip halves.
func ToggleStatus(b bus.Bus, adr, data uint32, p Poll) error {
	const toggle = 1<<6<<16 | 1<<6
	log := logging.For("flash")
	for i := 0; i < p.Limit; i++ {
		d1, err := b.Read(adr)
		if err != nil {
			return err
		}
		d2, err := b.Read(adr)
		if err != nil {
			return err
		}
		log.Debugf("amdstatus %d: %04X/%04X   %04X/%04X", i, d1, d2, d1&toggle, d2&toggle)
		if d1&toggle == d2&toggle {
			return nil
		}
		p.wait()
	}
	return jtagerr.Hardware("amd: toggle bit still running at 0x%08X after %d polls", adr, p.Limit)
}

// RepeatedDataStatus waits for two consecutive reads of adr that both
// return data. Some SoC bus bridges keep the chip selected between
// back-to-back reads of one address, which stops DQ6 from toggling.
func RepeatedDataStatus(b bus.Bus, adr, data uint32, p Poll) error {
	log := logging.For("flash")
	d1, err := b.Read(adr)
	if err != nil {
		return err
	}
	for i := 0; i < p.Limit; i++ {
		d2, err := b.Read(adr)
		if err != nil {
			return err
		}
		log.Debugf("amdstatus %d: %04X/%04X want %04X", i, d1, d2, data)
		if d1 == data && d2 == data {
			return nil
		}
		p.wait()
		d1 = d2
	}
	return jtagerr.Hardware("amd: 0x%08X did not settle to 0x%X after %d polls", adr, data, p.Limit)
}

// AMD drives the AMD/Fujitsu standard command set.
type AMD struct {
	width  int
	Status StatusPolicy
	Poll   Poll
	log    *logrus.Entry
}

// NewAMD returns the driver for a bus of width bytes (1, 2 or 4). The 4
// byte variant expects two x16 chips and programs word by word.
func NewAMD(width int) *AMD {
	return &AMD{
		width:  width,
		Status: ToggleStatus,
		Poll:   DefaultAMDPoll,
		log:    logging.For("flash").WithField("flash", "amd"),
	}
}

func (d *AMD) Name() string { return "AMD/Fujitsu Standard Command Set" }

func (d *AMD) Description() string {
	switch d.width {
	case 4:
		return "supported: AMD 29LV640D, 29LV641D, 29LV642D; 2x16 Bit"
	case 2:
		return "supported: AMD 29LV800B, S29GLxxxN; MX29LV640B, W19B320AT/B; 1x16 Bit"
	}
	return "supported: AMD 29LV160, AMD 29LV065D, AMD 29LV040B, S29GLxxxN, W19B320AT/B; 1x8 Bit"
}

func (d *AMD) BusWidth() int { return d.width }

func (d *AMD) Autodetect(a *Array) bool {
	return a.BusWidth == d.width && a.Query().Identification.PrimaryID == VendorAMDSCS
}

// amdShift is the bit position of the chip's A0 on the byte addressed
// bus.
func amdShift(a *Array) uint {
	if a.BusWidth == 4 {
		return 2
	}
	switch a.Query().Geometry.Interface {
	case InterfaceX8X16, InterfaceX16:
		return 1
	case InterfaceX16X32, InterfaceX32:
		return 2
	}
	if a.BusWidth == 2 {
		return 1
	}
	return 0
}

func (d *AMD) cmd(a *Array, off uint32, data uint32) [2]uint32 {
	return [2]uint32{a.Address + off<<amdShift(a), data}
}

func (d *AMD) unlock(a *Array) [][2]uint32 {
	return [][2]uint32{
		d.cmd(a, 0x555, 0x00AA00AA),
		d.cmd(a, 0x2AA, 0x00550055),
	}
}

var amdChipNames = map[uint32]map[uint32]string{
	0x01: {
		0x0049: "AM29LV160DB",
		0x2249: "AM29LV160DB",
		0x0093: "Am29LV065D",
		0x004F: "Am29LV040B",
		0x22D7: "Am29LV640D/Am29LV641D/Am29LV642D",
		0x225B: "Am29LV800B",
		0x227E: "S92GLxxxN",
		0x007E: "S92GLxxxN",
	},
	0x1F: {
		0x01C8: "AT49BV322D",
		0x01C9: "AT49BV322DT",
		0x01D2: "AT49BW642DT",
		0x01D6: "AT49BW642D",
	},
	0x20: {
		0x00CA: "M29W320DT",
		0x00CB: "M29W320DB",
		0x22ED: "M29W640DT",
	},
	0xC2: {
		0x2249: "MX29LV160B",
		0x22A7: "MX29LV320CT",
		0x22A8: "MX29LV320CB",
		0x22CB: "MX29LV640B",
	},
	// Winbond parts are matched on the low byte of the device ID.
	0xDA: {
		0x007E: "W19B320AT/B",
	},
}

func (d *AMD) PrintInfo(w io.Writer, a *Array) error {
	o := amdShift(a)
	b := a.Bus
	if err := writes(b, append(d.unlock(a), d.cmd(a, 0x555, 0x00900090))...); err != nil {
		return err
	}
	var ids [3]uint32
	for i := range ids {
		v, err := b.Read(a.Address + uint32(i)<<o)
		if err != nil {
			return err
		}
		ids[i] = v
	}
	if err := d.ReadArray(a); err != nil {
		return err
	}
	mid, cid, prot := ids[0]&0xFFFF, ids[1]&0xFFFF, ids[2]&0xFF

	fmt.Fprintf(w, "Chip: AMD Flash\n\tManufacturer: ")
	chips, known := amdChipNames[mid&0xFF]
	if !known {
		fmt.Fprintf(w, "Unknown manufacturer (ID 0x%04x) Chip (ID 0x%04x)\n", mid, cid)
	} else {
		if mf, ok := jep106.FlashManufacturer(byte(mid)); ok {
			fmt.Fprintf(w, "%s", mf.Name)
		}
		key := cid
		if mid&0xFF == 0xDA {
			key &= 0xFF
		}
		if name, ok := chips[key]; ok {
			fmt.Fprintf(w, "\n\tChip: %s\n", name)
		} else {
			fmt.Fprintf(w, "\n\tChip: Unknown (ID 0x%04x)\n", cid)
		}
	}
	_, err := fmt.Fprintf(w, "\tProtected: %04x\n", prot)
	return err
}

func (d *AMD) EraseBlock(a *Array, adr uint32) error {
	d.log.Infof("flash_erase_block 0x%08X", adr)
	ws := append(d.unlock(a), d.cmd(a, 0x555, 0x00800080))
	ws = append(ws, d.unlock(a)...)
	ws = append(ws, [2]uint32{adr, 0x00300030})
	err := writes(a.Bus, ws...)
	if err == nil {
		err = d.Status(a.Bus, adr, bus.Mask(0xFFFFFFFF, a.BusWidth*8), d.Poll)
	}
	// The chip must be back in read-array mode whatever happened.
	if rerr := d.ReadArray(a); err == nil {
		err = rerr
	}
	if err != nil {
		d.log.Errorf("flash_erase_block 0x%08X FAILED", adr)
		return jtagerr.Wrap(err, "amd: erase block 0x%08X", adr)
	}
	d.log.Infof("flash_erase_block 0x%08X DONE", adr)
	return nil
}

func (d *AMD) UnlockBlock(a *Array, adr uint32) error {
	d.log.Infof("flash_unlock_block 0x%08X IGNORE", adr)
	return nil
}

func (d *AMD) LockBlock(a *Array, adr uint32) error {
	d.log.Infof("flash_lock_block 0x%08X IGNORE", adr)
	return nil
}

func (d *AMD) programSingle(a *Array, adr, data uint32) error {
	d.log.Debugf("flash_program 0x%08X = 0x%08X", adr, data)
	ws := append(d.unlock(a), d.cmd(a, 0x555, 0x00A000A0), [2]uint32{adr, data})
	if err := writes(a.Bus, ws...); err != nil {
		return err
	}
	if err := d.Status(a.Bus, adr, data, d.Poll); err != nil {
		return jtagerr.Wrap(err, "amd: program 0x%08X", adr)
	}
	return nil
}

// bufferStatus polls DQ7 of the last word written to the buffer until it
// shows the programmed value, giving up early once DQ5 reports that the
// chip exceeded its timing limits. Only the low chip is checked.
func (d *AMD) bufferStatus(a *Array, adr, data uint32) error {
	const dq7, dq5 = 1 << 7, 1 << 5
	bit7 := data & dq7
	for i := 0; i < d.Poll.Limit; i++ {
		v, err := a.Bus.Read(adr)
		if err != nil {
			return err
		}
		d.log.Debugf("amd_program_buffer_status %d: %04X (%04X) = %04X", i, v, v&dq7, bit7)
		if v&dq7 == bit7 {
			return nil
		}
		if v&dq5 != 0 {
			break
		}
		d.Poll.wait()
	}
	v, err := a.Bus.Read(adr)
	if err != nil {
		return err
	}
	if v&dq7 == bit7 {
		return nil
	}
	return jtagerr.Hardware("amd: status fails after write buffer program at 0x%08X", adr)
}

// programBuffer uses the write-to-buffer command. Buffers never cross a
// write buffer boundary of the chip, so the first one may be short.
func (d *AMD) programBuffer(a *Array, adr uint32, words []uint32) error {
	chip := a.Chips[0]
	wb := uint32(chip.Query.Geometry.MaxBytesWrite)
	bw := uint32(a.BusWidth)
	d.log.Debugf("flash_program_buffer 0x%08X, count 0x%08X", adr, len(words))
	for len(words) > 0 {
		n := int((wb - adr%wb) / uint32(chip.Width))
		if n < 1 {
			n = 1
		}
		if n > len(words) {
			n = len(words)
		}
		sa := adr
		ws := append(d.unlock(a), [2]uint32{sa, 0x00250025}, [2]uint32{sa, uint32(n - 1)})
		for _, v := range words[:n] {
			ws = append(ws, [2]uint32{adr, v})
			adr += bw
		}
		ws = append(ws, [2]uint32{sa, 0x00290029})
		if err := writes(a.Bus, ws...); err != nil {
			return err
		}
		if err := d.bufferStatus(a, adr-bw, words[n-1]); err != nil {
			return err
		}
		words = words[n:]
	}
	return nil
}

func (d *AMD) Program(a *Array, adr uint32, words []uint32) error {
	geo := &a.Query().Geometry
	if d.width != 4 && geo.MaxBytesWrite > 1 {
		err := d.programBuffer(a, adr, words)
		if err == nil {
			return nil
		}
		if !errors.Is(err, jtagerr.ErrHardwareFailure) {
			return err
		}
		// Some chips advertise a write buffer but not this command
		// sequence, AT49BV322D among them.
		d.log.Warnf("write buffer programming failed (%v), falling back to single word programming", err)
		geo.MaxBytesWrite = 1
		if err := d.ReadArray(a); err != nil {
			return err
		}
	}
	for _, v := range words {
		if err := d.programSingle(a, adr, v); err != nil {
			return err
		}
		adr += uint32(a.BusWidth)
	}
	return nil
}

func (d *AMD) ReadArray(a *Array) error {
	return a.Bus.Write(a.Address, 0x00F000F0)
}
