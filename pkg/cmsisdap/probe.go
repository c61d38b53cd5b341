package cmsisdap

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
	"github.com/OpenTraceLab/tapflash/pkg/logging"
	"github.com/OpenTraceLab/tapflash/pkg/usbconn"
)

// Link exchanges one command packet for one reply packet.
type Link interface {
	WriteRead(cmd []byte) ([]byte, error)
	PacketSize() int
	Close() error
}

// Info describes a connected probe.
type Info struct {
	Vendor       string
	Product      string
	Serial       string
	Firmware     string
	Capabilities byte
	PacketSize   int
}

// Probe is a CMSIS-DAP probe in JTAG mode.
type Probe struct {
	link Link
	info Info

	mu        sync.Mutex
	connected bool
	log       *logrus.Entry
}

// Open opens vid:pid, trying the v2 bulk interface first and falling back
// to HID.
func Open(vid, pid uint16, serial string) (*Probe, error) {
	log := logging.For("cmsisdap")

	var link Link
	bulk, err := usbconn.OpenBulk(vid, pid, serial)
	if err == nil {
		link = bulk
	} else {
		log.WithError(err).Debug("bulk interface unavailable, trying HID")
		hid, herr := usbconn.OpenHID(vid, pid, serial)
		if herr != nil {
			return nil, jtagerr.Wrap(herr, "open CMSIS-DAP %04x:%04x", vid, pid)
		}
		link = hid
	}
	return NewProbe(link)
}

// NewProbe queries the probe on link and switches it to JTAG.
func NewProbe(link Link) (*Probe, error) {
	p := &Probe{link: link, log: logging.For("cmsisdap")}
	if err := p.queryInfo(); err != nil {
		link.Close()
		return nil, err
	}
	if err := p.Connect(); err != nil {
		link.Close()
		return nil, err
	}
	return p, nil
}

func (p *Probe) infoString(id byte) string {
	resp, err := p.link.WriteRead(EncodeInfo(id))
	if err != nil {
		return ""
	}
	b, err := DecodeInfo(resp)
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(b), "\x00")
}

func (p *Probe) queryInfo() error {
	resp, err := p.link.WriteRead(EncodeInfo(InfoCapabilities))
	if err != nil {
		return jtagerr.IO(err, "DAP_Info")
	}
	caps, err := DecodeInfo(resp)
	if err != nil {
		return err
	}

	p.info = Info{
		Vendor:     p.infoString(InfoVendorID),
		Product:    p.infoString(InfoProductID),
		Serial:     p.infoString(InfoSerialNum),
		Firmware:   p.infoString(InfoFirmwareVer),
		PacketSize: p.link.PacketSize(),
	}
	if len(caps) > 0 {
		p.info.Capabilities = caps[0]
	}

	if resp, err := p.link.WriteRead(EncodeInfo(InfoPacketSize)); err == nil {
		if b, err := DecodeInfo(resp); err == nil && len(b) >= 2 {
			if n := int(b[0]) | int(b[1])<<8; n > 0 && n < p.info.PacketSize {
				p.info.PacketSize = n
			}
		}
	}

	p.log.WithFields(logrus.Fields{
		"product":  p.info.Product,
		"firmware": p.info.Firmware,
		"packet":   p.info.PacketSize,
	}).Debug("probe info")
	return nil
}

func (p *Probe) Info() Info { return p.info }

// Connect selects the JTAG port.
func (p *Probe) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	resp, err := p.link.WriteRead(EncodeConnect(PortJTAG))
	if err != nil {
		return jtagerr.IO(err, "DAP_Connect")
	}
	port, err := DecodeConnect(resp)
	if err != nil {
		return err
	}
	if port != PortJTAG {
		return jtagerr.Unsupported("probe connected port %d, not JTAG", port)
	}
	p.connected = true
	return nil
}

func (p *Probe) exchange(cmd []byte) ([]byte, error) {
	if len(cmd) > p.info.PacketSize {
		return nil, jtagerr.Invalid("DAP command of %d bytes exceeds packet size %d", len(cmd), p.info.PacketSize)
	}
	resp, err := p.link.WriteRead(cmd)
	if err != nil {
		return nil, jtagerr.IO(err, "DAP command 0x%02X", cmd[0])
	}
	return resp, nil
}

// SetClock sets the TCK frequency in Hz.
func (p *Probe) SetClock(hz uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	resp, err := p.exchange(EncodeSetClock(hz))
	if err != nil {
		return err
	}
	return DecodeSetClock(resp)
}

// Pins drives the selected pins and returns the input levels of all pins.
func (p *Probe) Pins(out, sel byte) (byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	resp, err := p.exchange(EncodeSWJPins(out, sel, 0))
	if err != nil {
		return 0, err
	}
	return DecodeSWJPins(resp)
}

// Sequences runs seqs, splitting them over as many packets as needed, and
// returns the captured TDO bytes of every capturing sequence in order.
func (p *Probe) Sequences(seqs []Sequence) ([][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out [][]byte
	for len(seqs) > 0 {
		size, reply, n := 2, 2, 0
		for n < len(seqs) && n < 255 {
			s := seqs[n]
			if size+s.EncodedLen() > p.info.PacketSize || reply+s.ReplyLen() > p.info.PacketSize {
				break
			}
			size += s.EncodedLen()
			reply += s.ReplyLen()
			n++
		}
		if n == 0 {
			return nil, jtagerr.Invalid("JTAG sequence does not fit a %d byte packet", p.info.PacketSize)
		}

		resp, err := p.exchange(EncodeJTAGSequence(seqs[:n]))
		if err != nil {
			return nil, err
		}
		tdo, err := DecodeJTAGSequence(resp, seqs[:n])
		if err != nil {
			return nil, err
		}
		out = append(out, tdo...)
		seqs = seqs[n:]
	}
	return out, nil
}

// Close disconnects and releases the link.
func (p *Probe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		if resp, err := p.link.WriteRead(EncodeDisconnect()); err == nil {
			if err := DecodeDisconnect(resp); err != nil {
				p.log.WithError(err).Debug("disconnect")
			}
		}
		p.connected = false
	}
	return p.link.Close()
}
