package flash

import (
	"bufio"
	"fmt"
	"io"
)

var (
	requiredOrNot  = []string{"Required", "Not required"}
	supportedOrNot = []string{"Supported", "Not supported"}
	processTech    = []string{
		"170-nm Floating Gate technology",
		"230-nm MirrorBit(tm) technology",
		"130-nm Floating Gate technology",
		"110-nm MirrorBit(tm) technology",
		"90-nm Floating Gate technology",
		"90-nm MirrorBit(tm) technology",
	}
	processTech13 = []string{"CS49", "CS59", "CS99"}
	eraseSuspend  = []string{"Not supported", "Read only", "Read/write"}
	protectScheme = []string{
		"29F040 mode",
		"29F016 mode",
		"29F400 mode",
		"29LV800 mode",
		"29BDS640 mode (Software Command Locking)",
		"29BDD160 mode (New Sector Protect)",
		"29PDL128 mode (New Sector Protect + 29LV800)",
		"Advanced Sector Protect",
	}
	pageMode  = []string{"Not supported", "4 word Page", "8 word Page", "16 word Page"}
	topBottom = []string{
		"No boot",
		"8x8kb sectors at top and bottom with WP control",
		"Bottom boot device",
		"Top boot device",
		"Uniform bottom boot device",
		"Uniform top boot device",
	}
)

func pick(table []string, v byte) string {
	if int(v) < len(table) {
		return table[v]
	}
	return "Bad value"
}

// PrintInfo writes the query structure of the first chip of the detected
// array.
func (s *Session) PrintInfo(w io.Writer) error {
	if s.array == nil {
		return ErrNoFlash
	}
	return WriteQuery(w, s.array.Query())
}

// WriteQuery dumps q in the CFI section order: identification, system
// interface, geometry and, for AMD chips, the extended query.
func WriteQuery(w io.Writer, q *QueryStructure) error {
	bw := bufio.NewWriter(w)
	p := func(format string, args ...interface{}) {
		fmt.Fprintf(bw, format, args...)
	}
	id := &q.Identification
	p("Query identification string:\n")
	p("\tPrimary Algorithm Command Set and Control Interface ID Code: 0x%04X (%s)\n", id.PrimaryID, VendorName(id.PrimaryID))
	p("\tAlternate Algorithm Command Set and Control Interface ID Code: 0x%04X (%s)\n", id.AlternateID, VendorName(id.AlternateID))

	si := &q.System
	p("Query system interface information:\n")
	p("\tVcc Logic Supply Minimum Write/Erase or Write voltage: %d mV\n", si.VccMin)
	p("\tVcc Logic Supply Maximum Write/Erase or Write voltage: %d mV\n", si.VccMax)
	p("\tVpp [Programming] Supply Minimum Write/Erase voltage: %d mV\n", si.VppMin)
	p("\tVpp [Programming] Supply Maximum Write/Erase voltage: %d mV\n", si.VppMax)
	p("\tTypical timeout per single byte/word program: %d us\n", si.TypSingleWrite)
	p("\tTypical timeout for maximum-size multi-byte program: %d us\n", si.TypBufferWrite)
	p("\tTypical timeout per individual block erase: %d ms\n", si.TypBlockErase)
	p("\tTypical timeout for full chip erase: %d ms\n", si.TypChipErase)
	p("\tMaximum timeout for byte/word program: %d us\n", si.MaxSingleWrite)
	p("\tMaximum timeout for multi-byte program: %d us\n", si.MaxBufferWrite)
	p("\tMaximum timeout per individual block erase: %d ms\n", si.MaxBlockErase)
	p("\tMaximum timeout for chip erase: %d ms\n", si.MaxChipErase)

	g := &q.Geometry
	p("Device geometry definition:\n")
	p("\tDevice Size: %d B (%d KiB, %d MiB)\n", g.Size, g.Size/1024, g.Size/(1024*1024))
	p("\tFlash Device Interface Code description: 0x%04X (%s)\n", g.Interface, InterfaceName(g.Interface))
	p("\tMaximum number of bytes in multi-byte program: %d\n", g.MaxBytesWrite)
	p("\tNumber of Erase Block Regions within device: %d\n", len(g.Regions))
	p("\tErase Block Region Information:\n")
	for i, r := range g.Regions {
		p("\t\tRegion %d:\n", i)
		p("\t\t\tErase Block Size: %d B (%d KiB)\n", r.BlockSize, r.BlockSize/1024)
		p("\t\t\tNumber of Erase Blocks: %d\n", r.Blocks)
	}

	if x := id.AMD; id.PrimaryID == VendorAMDSCS && x != nil {
		p("Primary Vendor-Specific Extended Query:\n")
		p("\tMajor version number: %c\n", x.Major)
		p("\tMinor version number: %c\n", x.Minor)
		if x.AtLeast('1', '0') {
			p("\tAddress Sensitive Unlock: %s\n", pick(requiredOrNot, x.AddressSensitiveUnlock&3))
			switch {
			case x.AtLeast('1', '4'):
				p("\tProcess Technology: %s\n", pick(processTech, x.AddressSensitiveUnlock>>2))
			case x.Major == '1' && x.Minor == '3':
				p("\tProcess Technology: %s\n", pick(processTech13, x.AddressSensitiveUnlock>>2))
			}
			if int(x.EraseSuspend) < len(eraseSuspend) {
				p("\tErase Suspend: %s\n", eraseSuspend[x.EraseSuspend])
			}
			if x.SectorProtect == 0 {
				p("\tSector Protect: Not supported\n")
			} else {
				p("\tSector Protect: %d sectors per group\n", x.SectorProtect)
			}
			p("\tSector Temporary Unprotect: %s\n", pick(supportedOrNot, x.TemporaryUnprotect))
			p("\tSector Protect/Unprotect Scheme: %s\n", pick(protectScheme, x.ProtectScheme))
			if x.SimultaneousOperation == 0 {
				p("\tSimultaneous Operation: Not supported\n")
			} else {
				p("\tSimultaneous Operation: %d sectors\n", x.SimultaneousOperation)
			}
			p("\tBurst Mode Type: %s\n", pick(supportedOrNot, x.BurstMode))
			p("\tPage Mode Type: %s\n", pick(pageMode, x.PageMode))
		}
		if x.AtLeast('1', '1') {
			p("\tACC (Acceleration) Supply Minimum: %d mV\n", x.AccMin)
			p("\tACC (Acceleration) Supply Maximum: %d mV\n", x.AccMax)
			p("\tTop/Bottom Sector Flag: %s\n", pick(topBottom, x.TopBottom))
		}
		if x.AtLeast('1', '2') {
			p("\tProgram Suspend: %s\n", pick(supportedOrNot, x.ProgramSuspend))
		}
		if x.AtLeast('1', '4') {
			p("\tUnlock Bypass: %s\n", pick(supportedOrNot, x.UnlockBypass))
			p("\tSecSi Sector (Customer OTP Area) Size: %d bytes\n", x.SecSiSize)
			p("\tEmbedded Hardware Reset Timeout Maximum: %d ns\n", x.HwrstTimeout)
			p("\tNon-Embedded Hardware Reset Timeout Maximum: %d ns\n", x.NonHwrstTimeout)
			p("\tErase Suspend Timeout Maximum: %d us\n", x.EraseSuspendTimeout)
			p("\tProgram Suspend Timeout Maximum: %d us\n", x.ProgramSuspendTimeout)
		}
		if x.AtLeast('1', '3') && x.BankOrganization != 0 {
			p("\tBank Organization:\n")
			for i := 0; i < int(x.BankOrganization) && i < len(x.BankRegionInfo); i++ {
				p("\t\tBank%d: %d sectors\n", i+1, x.BankRegionInfo[i])
			}
		}
	}
	return bw.Flush()
}
