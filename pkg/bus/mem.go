package bus

import (
	"io"

	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
	"github.com/OpenTraceLab/tapflash/pkg/logging"
)

const memBlock = 4096

// step returns the bus word size in bytes at adr.
func step(b Bus, adr uint32) (uint32, error) {
	area, err := b.Area(adr)
	if err != nil {
		return 0, err
	}
	s := uint32(area.Width / 8)
	if s == 0 {
		return 0, jtagerr.Invalid("bus: unknown width at 0x%08X", adr)
	}
	return s, nil
}

// PutWord stores the low n bytes of v in dst in the chosen byte order.
func PutWord(dst []byte, v uint32, n int, bigEndian bool) {
	for j := 0; j < n; j++ {
		if bigEndian {
			dst[j] = byte(v >> (uint(n-1-j) * 8))
		} else {
			dst[j] = byte(v >> (uint(j) * 8))
		}
	}
}

// Word assembles up to four bytes of src into a bus word.
func Word(src []byte, bigEndian bool) uint32 {
	var v uint32
	for j, b := range src {
		if bigEndian {
			v = v<<8 | uint32(b)
		} else {
			v |= uint32(b) << (uint(j) * 8)
		}
	}
	return v
}

// ReadMem dumps length bytes starting at adr to w using pipelined reads.
// adr is rounded down and length up to whole bus words.
func ReadMem(b Bus, adr, length uint32, w io.Writer, bigEndian bool) error {
	s, err := step(b, adr)
	if err != nil {
		return err
	}
	adr &^= s - 1
	length = (length + s - 1) &^ (s - 1)
	if length == 0 {
		return jtagerr.Invalid("bus: length is 0")
	}
	log := logging.For("bus")
	log.Infof("reading 0x%X bytes at 0x%08X", length, adr)

	buf := make([]byte, 0, memBlock)
	word := make([]byte, s)
	end := uint64(adr) + uint64(length)
	if err := b.ReadStart(adr); err != nil {
		return err
	}
	for a := uint64(adr) + uint64(s); a <= end; a += uint64(s) {
		var v uint32
		if a < end {
			v, err = b.ReadNext(uint32(a))
		} else {
			v, err = b.ReadEnd()
		}
		if err != nil {
			return err
		}
		PutWord(word, v, int(s), bigEndian)
		buf = append(buf, word...)
		if len(buf) >= memBlock || a >= end {
			if _, err := w.Write(buf); err != nil {
				return jtagerr.IO(err, "bus: write dump")
			}
			log.Debugf("addr: 0x%08X", a)
			buf = buf[:0]
		}
	}
	return nil
}

// WriteMem copies length bytes from r to the bus word by word. A short
// final word is zero padded; running out of data before that is an error.
func WriteMem(b Bus, adr, length uint32, r io.Reader, bigEndian bool) error {
	s, err := step(b, adr)
	if err != nil {
		return err
	}
	adr &^= s - 1
	length = (length + s - 1) &^ (s - 1)
	if length == 0 {
		return jtagerr.Invalid("bus: length is 0")
	}
	logging.For("bus").Infof("writing 0x%X bytes at 0x%08X", length, adr)

	buf := make([]byte, memBlock)
	end := uint64(adr) + uint64(length)
	var have, pos int
	for a := uint64(adr); a < end; a += uint64(s) {
		if pos == have {
			have, err = io.ReadFull(r, buf)
			pos = 0
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				if have == 0 {
					return jtagerr.IOf("bus: unexpected end of data at 0x%08X", a)
				}
			} else if err != nil {
				return jtagerr.IO(err, "bus: read data")
			}
		}
		n := int(s)
		if have-pos < n {
			n = have - pos
		}
		word := make([]byte, s)
		copy(word, buf[pos:pos+n])
		pos += n
		if err := b.Write(uint32(a), Word(word, bigEndian)); err != nil {
			return err
		}
	}
	return nil
}
