package flash

import (
	"errors"
	"fmt"
	"io"

	"github.com/boljen/go-bitmap"
	"github.com/sirupsen/logrus"

	"github.com/OpenTraceLab/tapflash/pkg/bus"
	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
	"github.com/OpenTraceLab/tapflash/pkg/logging"
)

// chunk is the most data handed to one Driver.Program call.
const chunk = 4096

// Options control programming.
type Options struct {
	// BigEndian packs image bytes into bus words most significant byte
	// first.
	BigEndian bool
	Verify    bool
	// NoErase programs without erasing the touched blocks first.
	NoErase bool
}

// Detector probes for flash at adr. It returns an error wrapping
// jtagerr.ErrNotFound or jtagerr.ErrUnsupported when the probe does not
// match, leaving the chips in read-array mode.
type Detector func(b bus.Bus, adr uint32) (*Array, error)

// Detectors lists the probes in the order Detect runs them.
var Detectors = []Detector{DetectCFI, DetectJEDEC, DetectAMD29xx040}

// Session is the flash at one bus address. It owns the detected Array and
// the driver chosen for it; detecting again discards both.
type Session struct {
	Bus     bus.Bus
	Address uint32
	// Drivers are tried in order by Driver; nil means DefaultDrivers.
	Drivers []Driver
	// Out receives the driver's chip identification when a driver is
	// selected. Nil discards it.
	Out io.Writer

	array  *Array
	driver Driver
	log    *logrus.Entry
}

func NewSession(b bus.Bus, adr uint32) *Session {
	return &Session{
		Bus:     b,
		Address: adr,
		log:     logging.For("flash"),
	}
}

// Array returns the detected array, nil before a successful Detect.
func (s *Session) Array() *Array { return s.array }

// Detect runs the detectors in order and keeps the first match. Bus
// errors stop the chain.
func (s *Session) Detect() (*Array, error) {
	s.array, s.driver = nil, nil
	for _, detect := range Detectors {
		a, err := detect(s.Bus, s.Address)
		if err == nil {
			s.log.Infof("%s flash detected at 0x%08X (%d byte bus, %d chip(s))",
				a.Method, a.Address, a.BusWidth, len(a.Chips))
			s.array = a
			return a, nil
		}
		if errors.Is(err, jtagerr.ErrIO) || errors.Is(err, jtagerr.ErrInvalid) {
			return nil, err
		}
		s.log.Debugf("probe failed: %v", err)
	}
	return nil, jtagerr.NotFound("Flash not found")
}

// Driver selects, on first use, the driver for the detected array.
func (s *Session) Driver() (Driver, error) {
	if s.driver != nil {
		return s.driver, nil
	}
	if s.array == nil {
		return nil, ErrNoFlash
	}
	drivers := s.Drivers
	if drivers == nil {
		drivers = DefaultDrivers()
	}
	d, err := SelectDriver(drivers, s.array)
	if err != nil {
		s.log.Errorf("unknown flash - vendor id: 0x%04x", s.array.Query().Identification.PrimaryID)
		return nil, err
	}
	s.log.Infof("using %s driver (%s)", d.Name(), d.Description())
	if s.Out != nil {
		if err := d.PrintInfo(s.Out, s.array); err != nil {
			return nil, err
		}
	}
	s.driver = d
	return d, nil
}

func (s *Session) ready() (*Array, Driver, error) {
	d, err := s.Driver()
	if err != nil {
		return nil, nil, err
	}
	return s.array, d, nil
}

// FindBlock locates the erase block holding the bus address adr. It
// returns the block index across all regions and the bytes from adr to
// the next block boundary. Each region block spans BusWidth/Width chips.
func FindBlock(a *Array, adr uint32) (int, uint32, error) {
	if adr < a.Address {
		return -1, 0, jtagerr.NotFound("flash: cannot find block for 0x%08X", adr)
	}
	chip := a.Chips[0]
	off := uint64(adr - a.Address)
	ratio := uint64(a.BusWidth / chip.Width)
	if ratio == 0 {
		ratio = 1
	}
	var b int
	var bb uint64
	for _, r := range chip.Query.Geometry.Regions {
		rbs := ratio * uint64(r.BlockSize)
		size := uint64(r.Blocks) * rbs
		if off < bb+size {
			bir := (off - bb) / rbs
			return b + int(bir), uint32(bb + (bir+1)*rbs - off), nil
		}
		b += r.Blocks
		bb += size
	}
	return -1, 0, jtagerr.NotFound("flash: cannot find block for 0x%08X", adr)
}

// FindBlock locates adr in the detected array.
func (s *Session) FindBlock(adr uint32) (int, uint32, error) {
	if s.array == nil {
		return -1, 0, ErrNoFlash
	}
	return FindBlock(s.array, adr)
}

func numBlocks(a *Array) int {
	n := 0
	for _, r := range a.Query().Geometry.Regions {
		n += r.Blocks
	}
	return n
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// eachBlock runs op on n consecutive blocks starting at the block holding
// adr. A failing block does not stop the loop; the failures are returned
// joined. Running off the end of the flash does.
func (s *Session) eachBlock(verb string, adr uint32, n int, op func(a *Array, adr uint32) error) error {
	a, _, err := s.ready()
	if err != nil {
		return err
	}
	s.log.Infof("%s %d Flash block%s from address 0x%x", verb, n, plural(n), adr)
	var errs []error
	for i := 1; i <= n; i++ {
		block, btr, err := FindBlock(a, adr)
		if err != nil {
			errs = append(errs, err)
			break
		}
		if err := op(a, adr); err != nil {
			s.log.Errorf("(%d%% Completed) FLASH Block %d : %s ... ERROR: %v", i*100/n, block, verb, err)
			errs = append(errs, err)
		} else {
			s.log.Infof("(%d%% Completed) FLASH Block %d : %s ... Ok.", i*100/n, block, verb)
		}
		adr += btr
	}
	if len(errs) == 0 {
		s.log.Infof("%s Completed.", verb)
		return nil
	}
	s.log.Errorf("%s (partially) Failed.", verb)
	return jtagerr.Wrap(errors.Join(errs...), "flash: %d of %d block%s failed", len(errs), n, plural(n))
}

// Erase unlocks and erases n blocks starting at adr.
func (s *Session) Erase(adr uint32, n int) error {
	return s.eachBlock("Erasing", adr, n, func(a *Array, adr uint32) error {
		if err := s.driver.UnlockBlock(a, adr); err != nil {
			s.log.Warnf("unlock 0x%08X: %v", adr, err)
		}
		return s.driver.EraseBlock(a, adr)
	})
}

// Lock locks, or with unlock set unlocks, n blocks starting at adr.
func (s *Session) Lock(adr uint32, n int, unlock bool) error {
	if unlock {
		return s.eachBlock("Unlocking", adr, n, func(a *Array, adr uint32) error {
			return s.driver.UnlockBlock(a, adr)
		})
	}
	return s.eachBlock("Locking", adr, n, func(a *Array, adr uint32) error {
		return s.driver.LockBlock(a, adr)
	})
}

// VerifyError is a word that read back different from the image. It
// matches jtagerr.ErrHardwareFailure.
type VerifyError struct {
	Addr     uint32
	Read     uint32
	Expected uint32
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("flash: verify error at 0x%08X: read 0x%08X, expected 0x%08X", e.Addr, e.Read, e.Expected)
}

func (e *VerifyError) Is(target error) bool {
	return target == jtagerr.ErrHardwareFailure
}

// image is data bound for one address.
type image struct {
	adr  uint32
	data []byte
}

// FlashMem programs everything r yields at adr. Each touched block is
// unlocked and erased the first time programming reaches it. A final
// partial bus word is padded with 0xFF.
func (s *Session) FlashMem(adr uint32, r io.Reader, opts Options) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return jtagerr.IO(err, "flash: read image")
	}
	return s.flashImages([]image{{adr, data}}, opts)
}

func (s *Session) flashImages(imgs []image, opts Options) error {
	a, d, err := s.ready()
	if err != nil {
		return err
	}
	bw := d.BusWidth()
	erased := bitmap.New(numBlocks(a))
	for i := range imgs {
		img := &imgs[i]
		if img.adr%uint32(bw) != 0 {
			return jtagerr.Invalid("flash: address 0x%08X is not aligned to the %d byte bus", img.adr, bw)
		}
		if len(img.data) == 0 {
			return jtagerr.Invalid("flash: no data for 0x%08X", img.adr)
		}
		for len(img.data)%bw != 0 {
			img.data = append(img.data, 0xFF)
		}
		if err := s.program(a, d, img.adr, img.data, opts, erased); err != nil {
			return err
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
	for _, img := range imgs {
		if err := s.verify(img.adr, img.data, bw, opts.BigEndian); err != nil {
			return err
		}
	}
	s.log.Info("Done.")
	return nil
}

func packWords(b []byte, width int, bigEndian bool) []uint32 {
	words := make([]uint32, 0, len(b)/width)
	for i := 0; i+width <= len(b); i += width {
		words = append(words, bus.Word(b[i:i+width], bigEndian))
	}
	return words
}

func (s *Session) program(a *Array, d Driver, adr uint32, data []byte, opts Options, erased bitmap.Bitmap) error {
	s.log.Infof("program: 0x%X bytes at 0x%08X", len(data), adr)
	for len(data) > 0 {
		block, btr, err := FindBlock(a, adr)
		if err != nil {
			return err
		}
		n := len(data)
		if n > chunk {
			n = chunk
		}
		if uint32(n) > btr {
			n = int(btr)
		}
		if !opts.NoErase && !erased.Get(block) {
			if err := d.UnlockBlock(a, adr); err != nil {
				s.log.Warnf("unlock block %d: %v", block, err)
			}
			s.log.Infof("erasing block %d", block)
			if err := d.EraseBlock(a, adr); err != nil {
				return err
			}
			erased.Set(block, true)
		}
		if adr%chunk == 0 {
			s.log.Debugf("addr: 0x%08X", adr)
		}
		if err := d.Program(a, adr, packWords(data[:n], d.BusWidth(), opts.BigEndian)); err != nil {
			return jtagerr.Wrap(err, "flash: program at 0x%08X", adr)
		}
		data = data[n:]
		adr += uint32(n)
	}
	s.log.Infof("addr: 0x%08X", adr-uint32(d.BusWidth()))
	return nil
}

// verify compares data with the bus using pipelined reads, one chunk at a
// time.
func (s *Session) verify(adr uint32, data []byte, bw int, bigEndian bool) error {
	for len(data) > 0 {
		n := len(data)
		if n > chunk {
			n = chunk
		}
		words := packWords(data[:n], bw, bigEndian)
		if err := s.Bus.ReadStart(adr); err != nil {
			return err
		}
		for i, want := range words {
			next := adr + uint32(bw)
			var got uint32
			var err error
			if i < len(words)-1 {
				got, err = s.Bus.ReadNext(next)
			} else {
				got, err = s.Bus.ReadEnd()
			}
			if err != nil {
				return err
			}
			if got = bus.Mask(got, bw*8); got != want {
				if i < len(words)-1 {
					s.Bus.ReadEnd()
				}
				return &VerifyError{Addr: adr, Read: got, Expected: want}
			}
			adr = next
		}
		data = data[n:]
	}
	return nil
}
