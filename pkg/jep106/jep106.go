// Package jep106 names semiconductor manufacturers from their JEDEC
// JEP106 identification codes.
package jep106

import (
	"fmt"
	"math/bits"
)

// Manufacturer is one JEP106 entry.
type Manufacturer struct {
	Code         uint16 // bank<<7 | id
	Name         string // "NXP Semiconductors"
	Abbreviation string // "NXP"
}

func m(code uint16, name, abbr string) Manufacturer {
	return Manufacturer{Code: code, Name: name, Abbreviation: abbr}
}

// manufacturers is a subset of JEP106 keyed by bank<<7 | id, the layout
// JTAG IDCODE bits [11:1] use. Bank one covers most parallel flash
// vendors.
var manufacturers = map[uint16]Manufacturer{}

func init() {
	for _, e := range []Manufacturer{
		m(0x001, "AMD / Spansion", "AMD"),
		m(0x002, "AMI", "AMI"),
		m(0x003, "Fairchild", "Fairchild"),
		m(0x004, "Fujitsu", "Fujitsu"),
		m(0x007, "Hitachi", "Hitachi"),
		m(0x009, "Intel", "Intel"),
		m(0x00E, "Freescale (Motorola)", "Freescale"),
		m(0x00F, "National", "National"),
		m(0x010, "NEC", "NEC"),
		m(0x015, "NXP (Philips)", "NXP"),
		m(0x017, "Texas Instruments", "TI"),
		m(0x018, "Toshiba", "Toshiba"),
		m(0x01C, "Mitsubishi", "Mitsubishi"),
		m(0x01F, "Atmel", "Atmel"),
		m(0x020, "STMicroelectronics", "ST"),
		m(0x021, "Lattice", "Lattice"),
		m(0x024, "IBM", "IBM"),
		m(0x029, "Microchip", "Microchip"),
		m(0x02C, "Micron", "Micron"),
		m(0x02D, "SK Hynix", "Hynix"),
		m(0x02F, "Actel", "Actel"),
		m(0x030, "Sharp", "Sharp"),
		m(0x031, "Catalyst", "Catalyst"),
		m(0x034, "Cypress", "Cypress"),
		m(0x037, "Zarlink (Plessey)", "Zarlink"),
		m(0x03F, "Silicon Storage Technology", "SST"),
		m(0x040, "ProMOS / Mosel Vitelic", "Mosel"),
		m(0x041, "Infineon (Siemens)", "Infineon"),
		m(0x042, "Macronix", "MXIC"),
		m(0x045, "SanDisk", "SanDisk"),
		m(0x049, "Xilinx", "Xilinx"),
		m(0x04E, "Samsung", "Samsung"),
		m(0x052, "Alliance Semiconductor", "Alliance"),
		m(0x054, "Hewlett-Packard", "HP"),
		m(0x055, "Integrated Silicon Solution", "ISSI"),
		m(0x05A, "Winbond", "Winbond"),
		m(0x060, "LG Semiconductor", "LG"),
		m(0x062, "Sanyo", "Sanyo"),
		m(0x065, "Analog Devices", "ADI"),
		m(0x06E, "Altera", "Altera"),
		m(0x06F, "NEXCOM", "NEXCOM"),
		m(0x070, "Qualcomm", "Qualcomm"),
		m(0x071, "Sony", "Sony"),
		m(0x07C, "Dialog Semiconductor", "Dialog"),
		m(0x07E, "Numonyx", "Numonyx"),
		m(0x0B7, "AMIC Technology", "AMIC"),
		m(0x11C, "Eon Silicon Solution", "EON"),
		m(0x23B, "ARM", "ARM"),
	} {
		manufacturers[e.Code] = e
	}
}

// LookupManufacturer returns manufacturer info for a JEP106 code
func LookupManufacturer(code uint16) (Manufacturer, bool) {
	mf, ok := manufacturers[code]
	if !ok {
		return Manufacturer{
			Code:         code,
			Name:         fmt.Sprintf("Unknown (bank %d, 0x%02X)", code>>7+1, code&0x7F),
			Abbreviation: "Unknown",
		}, false
	}
	return mf, true
}

// OddParity reports whether an eight-bit JEP106 code carries the odd
// parity bit the standard requires in bit 7.
func OddParity(code byte) bool {
	return bits.OnesCount8(code)%2 == 1
}

// FlashManufacturer names the manufacturer behind the first byte a
// parallel flash returns in autoselect mode. Those bytes are bank-one
// codes with the parity bit still attached.
func FlashManufacturer(code byte) (Manufacturer, bool) {
	return LookupManufacturer(uint16(code & 0x7F))
}
