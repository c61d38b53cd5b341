// Package flashsim models NOR flash chips on a bus.Memory so flash
// detection and programming can run without hardware. A Sim answers the
// AMD or Intel command protocol, the CFI query and autoselect reads,
// and reports busy status for a configurable number of reads after each
// embedded operation.
package flashsim

// Region is a run of erase blocks. BlockSize is in bytes of one chip.
type Region struct {
	BlockSize uint32
	Blocks    int
}

// Command set IDs as reported in the CFI query.
const (
	IntelECS = 0x0001
	AMDSCS   = 0x0002
	IntelSCS = 0x0003
)

// Interface codes as reported in the CFI query.
const (
	X8    = 0
	X16   = 1
	X8X16 = 2
	X32   = 3
)

// PriTableAddr is where Query.Bytes places the AMD primary vendor table.
const PriTableAddr = 0x40

// Query describes the CFI query structure a chip answers with.
type Query struct {
	PrimaryID uint16
	// SizeLog2 is the device size as a power of two of bytes.
	SizeLog2      byte
	Interface     uint16
	WriteLog2     byte // max bytes in a buffered write, log2
	Regions       []Region
	PriMajor      byte // '1' for AMD tables, 0 omits the table
	PriMinor      byte
	TopBottom     byte
	UnlockBypass  byte
	SectorProtect byte
}

// Bytes lays the query out the way a chip returns it, one byte per query
// address starting at address 0.
func (q Query) Bytes() []byte {
	b := make([]byte, 0x60)
	copy(b[0x10:], "QRY")
	put2 := func(off int, v uint16) {
		b[off] = byte(v)
		b[off+1] = byte(v >> 8)
	}
	put2(0x13, q.PrimaryID)
	if q.PriMajor != 0 {
		put2(0x15, PriTableAddr)
	}
	b[0x1B] = 0x27 // 2.7 V
	b[0x1C] = 0x36 // 3.6 V
	b[0x1F] = 4    // 16 µs
	b[0x20] = 7    // 128 µs
	b[0x21] = 10   // 1 s
	b[0x22] = 15
	b[0x23] = 3
	b[0x24] = 3
	b[0x25] = 2
	b[0x26] = 2
	b[0x27] = q.SizeLog2
	put2(0x28, q.Interface)
	put2(0x2A, uint16(q.WriteLog2))
	b[0x2C] = byte(len(q.Regions))
	off := 0x2D
	for _, r := range q.Regions {
		put2(off, uint16(r.Blocks-1))
		put2(off+2, uint16(r.BlockSize>>8))
		off += 4
	}
	if q.PriMajor != 0 {
		p := b[PriTableAddr:]
		copy(p, "PRI")
		p[0x03] = q.PriMajor
		p[0x04] = q.PriMinor
		p[0x06] = 2 // erase suspend read/write
		p[0x07] = q.SectorProtect
		p[0x09] = 4
		p[0x0D] = 0x85 // 8.5 V
		p[0x0E] = 0x95
		p[0x0F] = q.TopBottom
		p[0x10] = 1
		p[0x11] = q.UnlockBypass
	}
	return b
}
