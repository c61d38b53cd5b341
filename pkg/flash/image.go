package flash

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/marcinbor85/gohex"

	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
)

// FlashHex programs every data segment of an Intel HEX image. Segments
// share the erased block bookkeeping, so a block is erased once even when
// several segments land in it.
func (s *Session) FlashHex(r io.Reader, opts Options) error {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return jtagerr.SyntaxWrap(err, "flash: parse hex image")
	}
	segs := mem.GetDataSegments()
	if len(segs) == 0 {
		return jtagerr.Invalid("flash: hex image holds no data")
	}
	imgs := make([]image, 0, len(segs))
	for _, seg := range segs {
		s.log.Debugf("hex segment 0x%08X, %d bytes", seg.Address, len(seg.Data))
		imgs = append(imgs, image{adr: seg.Address, data: append([]byte(nil), seg.Data...)})
	}
	return s.flashImages(imgs, opts)
}

// msbinSync opens every boot loader image.
var msbinSync = []byte("B000FF\n")

// msbinHeader is the size of the sync and the image range record.
const msbinHeader = 7 + 8

type msbinRecord struct {
	Addr     uint32
	Len      uint32
	Checksum uint32
}

func (r msbinRecord) last() bool { return r.Addr == 0 && r.Checksum == 0 }

type msbinReader struct {
	r     io.Reader
	order binary.ByteOrder
}

func (m *msbinReader) read(v interface{}) error {
	err := binary.Read(m.r, m.order, v)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return jtagerr.IOf("flash: premature end of file")
	}
	return jtagerr.IO(err, "flash: read image")
}

// record reads the next record header and, unless it terminates the image,
// its payload words.
func (m *msbinReader) record() (msbinRecord, []uint32, error) {
	var rec msbinRecord
	if err := m.read(&rec); err != nil {
		return rec, nil, err
	}
	if rec.last() {
		return rec, nil, nil
	}
	if rec.Len&3 != 0 {
		return rec, nil, jtagerr.Invalid("flash: invalid record length 0x%X at 0x%08X", rec.Len, rec.Addr)
	}
	words := make([]uint32, rec.Len/4)
	if err := m.read(words); err != nil {
		return rec, nil, err
	}
	return rec, words, nil
}

// FlashMsbin programs a boot loader image: the sync token, the range
// to erase, then address/length/checksum records with their 32 bit payload
// words, ending at a record with zero address and checksum. Addresses are
// absolute bus addresses.
func (s *Session) FlashMsbin(r io.ReadSeeker, opts Options) error {
	a, d, err := s.ready()
	if err != nil {
		return err
	}
	if d.BusWidth() != 4 {
		return jtagerr.Unsupported("flash: msbin images need a 32 bit flash bus, %s programs %d bytes", d.Name(), d.BusWidth())
	}
	var order binary.ByteOrder = binary.LittleEndian
	if opts.BigEndian {
		order = binary.BigEndian
	}

	sync := make([]byte, len(msbinSync))
	if _, err := io.ReadFull(r, sync); err != nil || !bytes.Equal(sync, msbinSync) {
		return jtagerr.Invalid("flash: invalid sync sequence")
	}
	m := &msbinReader{r: r, order: order}
	var span struct{ Start, Len uint32 }
	if err := m.read(&span); err != nil {
		return err
	}
	s.log.Infof("image start 0x%08X, length 0x%X", span.Start, span.Len)

	if !opts.NoErase && span.Len > 0 {
		if err := s.eraseSpan(a, d, span.Start, span.Len); err != nil {
			return err
		}
	}

	s.log.Info("program:")
	for {
		rec, words, err := m.record()
		if err != nil {
			return err
		}
		if rec.last() {
			s.log.Infof("entry = 0x%08X", rec.Addr)
			break
		}
		s.log.Infof("record: start = 0x%08X, len = 0x%08X, checksum = 0x%08X", rec.Addr, rec.Len, rec.Checksum)
		if err := d.Program(a, rec.Addr, words); err != nil {
			return jtagerr.Wrap(err, "flash: program record at 0x%08X", rec.Addr)
		}
	}
	if err := d.ReadArray(a); err != nil {
		return err
	}

	if !opts.Verify {
		s.log.Info("verify skipped")
		return nil
	}
	s.log.Info("verify:")
	if _, err := r.Seek(msbinHeader, io.SeekStart); err != nil {
		return jtagerr.IO(err, "flash: rewind image")
	}
	for {
		rec, words, err := m.record()
		if err != nil {
			return err
		}
		if rec.last() {
			break
		}
		s.log.Infof("record: start = 0x%08X, len = 0x%08X", rec.Addr, rec.Len)
		adr := rec.Addr
		for _, want := range words {
			got, err := s.Bus.Read(adr)
			if err != nil {
				return err
			}
			if got != want {
				return &VerifyError{Addr: adr, Read: got, Expected: want}
			}
			adr += 4
		}
	}
	s.log.Info("Done.")
	return nil
}

// eraseSpan unlocks and erases every block touched by [start, start+n).
// Block size is the first region's, scaled to the chips sharing the bus.
func (s *Session) eraseSpan(a *Array, d Driver, start, n uint32) error {
	chip := a.Chips[0]
	bs := chip.Query.Geometry.Regions[0].BlockSize * uint32(a.BusWidth/chip.Width)
	first, last := start/bs, (start+n-1)/bs
	s.log.Infof("erasing blocks %d to %d", first, last)
	for b := first; b <= last; b++ {
		adr := b * bs
		if err := d.UnlockBlock(a, adr); err != nil {
			s.log.Warnf("unlock 0x%08X: %v", adr, err)
		}
		if err := d.EraseBlock(a, adr); err != nil {
			return err
		}
	}
	s.log.Info("Erasing Completed.")
	return nil
}
