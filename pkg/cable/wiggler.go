package cable

import (
	"strconv"
	"strings"

	"periph.io/x/conn/v3/physic"

	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
	"github.com/OpenTraceLab/tapflash/pkg/parport"
)

// DefaultWigglerMap is the Macraigor Wiggler wiring: TDO on status bit 7,
// then data bits for TRST, TDI, TCK, TMS and an inverted SRST.
const DefaultWigglerMap = "7,4,3,2,1,#0"

// parPin is one line of a parallel port bit map. Exactly one of act and
// inact is non-zero: act for a line driven high when asserted, inact for
// an inverted line.
type parPin struct {
	act, inact byte
}

func (p parPin) level(on bool) byte {
	if on {
		return p.act
	}
	return p.inact
}

func (p parPin) mask() byte { return p.act | p.inact }

func parsePin(s string) (parPin, error) {
	s = strings.TrimSpace(s)
	inverted := strings.HasPrefix(s, "#")
	s = strings.TrimPrefix(s, "#")
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return parPin{}, jtagerr.Syntax("pin %q should be a bit number", s)
	}
	bit := byte(1) << (n % 8)
	if inverted {
		return parPin{inact: bit}, nil
	}
	return parPin{act: bit}, nil
}

// Wiggler bit-bangs JTAG through the data register of a parallel port and
// reads TDO from the status register.
type Wiggler struct {
	port parport.Port

	tdo, trst, tdi, tck, tms, srst parPin
	unused                         byte
	trstLevel                      byte
	signals                        SignalCache

	// lowerOnRead drops TCK/TDI/TMS from the cached signals when TDO is
	// sampled, the way the Wiggler2 pod drives them.
	lowerOnRead bool
}

// NewWiggler maps pins from a "TDO,TRST,TDI,TCK,TMS,SRESET" list; a '#'
// prefix marks an inverted line.
func NewWiggler(port parport.Port, bitmap string) (*Wiggler, error) {
	if bitmap == "" {
		bitmap = DefaultWigglerMap
	}
	fields := strings.Split(bitmap, ",")
	if len(fields) != 6 {
		return nil, jtagerr.Syntax("pin mapping %q needs 6 entries", bitmap)
	}
	pins := make([]parPin, 6)
	for i, f := range fields {
		p, err := parsePin(f)
		if err != nil {
			return nil, err
		}
		pins[i] = p
	}

	w := &Wiggler{
		port: port,
		tdo:  pins[0],
		trst: pins[1],
		tdi:  pins[2],
		tck:  pins[3],
		tms:  pins[4],
		srst: pins[5],
	}
	// Some pods draw power from the spare data lines.
	w.unused = ^(w.srst.mask() | w.tms.mask() | w.tck.mask() | w.tdi.mask() | w.trst.mask())
	return w, nil
}

func (w *Wiggler) Init(c *Cable) error {
	if err := w.port.Open(); err != nil {
		return err
	}
	data, err := w.port.GetData()
	if err != nil {
		if err := w.port.SetData(w.trst.mask() | w.unused); err != nil {
			return err
		}
		w.trstLevel = w.trst.mask()
	} else {
		w.trstLevel = data & w.trst.mask()
	}
	w.signals = SignalCache{}
	if w.trstLevel == w.trst.act {
		w.signals.Signals = TRST
	}
	return nil
}

func (w *Wiggler) Done(c *Cable) {
	if err := w.port.Close(); err != nil {
		c.Log().WithError(err).Debug("close parport")
	}
}

func (w *Wiggler) Free() {}

func (w *Wiggler) SetFrequency(c *Cable, f physic.Frequency) error {
	return Calibrate(c, w, f)
}

func (w *Wiggler) Clock(c *Cable, tms, tdi bool, n int) error {
	base := w.trstLevel | w.tms.level(tms) | w.tdi.level(tdi) | w.unused
	for i := 0; i < n; i++ {
		if err := w.port.SetData(base | w.tck.inact); err != nil {
			return err
		}
		c.Wait()
		if err := w.port.SetData(base | w.tck.act); err != nil {
			return err
		}
		c.Wait()
	}
	w.signals.Signals &^= TDI | TMS
	if tms {
		w.signals.Signals |= TMS
	}
	if tdi {
		w.signals.Signals |= TDI
	}
	if w.lowerOnRead {
		w.signals.Signals |= TCK
	}
	return nil
}

func (w *Wiggler) GetTDO(c *Cable) (bool, error) {
	if err := w.port.SetData(w.trstLevel | w.tck.inact | w.unused); err != nil {
		return false, err
	}
	if w.lowerOnRead {
		w.signals.Signals &^= TDI | TCK | TMS
	}
	c.Wait()
	status, err := w.port.GetStatus()
	if err != nil {
		return false, err
	}
	return (status&w.tdo.mask())^w.tdo.act == 0, nil
}

func (w *Wiggler) Transfer(c *Cable, in, out []bool) (int, error) {
	return TransferBitwise(c, w, in, out)
}

func (w *Wiggler) SetSignal(c *Cable, mask, val Signal) (Signal, error) {
	prev := w.signals.Signals
	mask &= TMS | TDI | TCK | TRST
	if mask == 0 {
		return prev, nil
	}
	sigs := (prev &^ mask) | (val & mask)
	w.trstLevel = w.trst.level(sigs&TRST != 0)
	data := w.unused | w.trstLevel |
		w.tck.level(sigs&TCK != 0) |
		w.tms.level(sigs&TMS != 0) |
		w.tdi.level(sigs&TDI != 0)
	if err := w.port.SetData(data); err != nil {
		return prev, err
	}
	w.signals.Signals = sigs
	return prev, nil
}

func (w *Wiggler) GetSignal(c *Cable, sig Signal) (bool, error) {
	if sig == TDO {
		return w.GetTDO(c)
	}
	return w.signals.Get(sig), nil
}

func (w *Wiggler) Flush(c *Cable, how FlushAmount) error {
	return FlushOneByOne(c, how)
}

func connectWiggler(variant2 bool) func(p Params) (Driver, error) {
	return func(p Params) (Driver, error) {
		port := parport.NewPPDev(p.String("port", "/dev/parport0"))
		w, err := NewWiggler(port, p.String("map", ""))
		if err != nil {
			return nil, err
		}
		w.lowerOnRead = variant2
		return w, nil
	}
}

func init() {
	Register(DriverInfo{
		Name:        "wiggler",
		Description: "Macraigor Wiggler JTAG cable (configurable pin map)",
		Transport:   TransportParport,
		Params:      []string{"port", "map"},
		Connect:     connectWiggler(false),
	})
	Register(DriverInfo{
		Name:        "wiggler2",
		Description: "Modified Wiggler JTAG cable with CPU reset line",
		Transport:   TransportParport,
		Params:      []string{"port"},
		Connect:     connectWiggler(true),
	})
}
