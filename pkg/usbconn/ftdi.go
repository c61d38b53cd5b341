// Package usbconn provides the USB transports used by cable drivers: FTDI
// FT2232/FT245 style devices driven through vendor control requests and
// bulk endpoints, plain bulk-endpoint probes and HID probes.
package usbconn

import (
	"context"
	"strings"
	"time"

	"github.com/google/gousb"

	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
	"github.com/OpenTraceLab/tapflash/pkg/logging"
)

// FTDI vendor requests.
const (
	ftdiReqReset      = 0x00
	ftdiReqSetLatency = 0x09
	ftdiReqSetBitmode = 0x0B

	ftdiResetSIO     = 0
	ftdiResetPurgeRX = 1
	ftdiResetPurgeTX = 2

	ftdiRequestOut = 0x40

	ftdiStatusBytes = 2
)

// Bit modes for SetBitmode.
const (
	BitmodeReset   byte = 0x00
	BitmodeBitbang byte = 0x01
	BitmodeMPSSE   byte = 0x02
)

// FTDIConfig selects a device. Zero fields match anything.
type FTDIConfig struct {
	VendorID    uint16
	ProductID   uint16
	Description string
	Serial      string
	// Interface is 0 for channel A, 1 for channel B.
	Interface int
	Timeout   time.Duration
}

// FTDI is a byte stream to one channel of an FTDI chip. Reads return
// payload only; the two modem status bytes at the start of every USB
// packet are removed.
type FTDI struct {
	cfg FTDIConfig

	ctx   *gousb.Context
	dev   *gousb.Device
	done  func()
	intf  *gousb.Interface
	epIn  *gousb.InEndpoint
	epOut *gousb.OutEndpoint

	packetSize int
	rxbuf      []byte
	rx         []byte
}

// NewFTDI records the device selection; nothing is opened yet.
func NewFTDI(cfg FTDIConfig) *FTDI {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &FTDI{cfg: cfg}
}

func (f *FTDI) Config() FTDIConfig { return f.cfg }

// Open claims the configured channel and resets it to a clean state.
func (f *FTDI) Open() error {
	if f.dev != nil {
		return nil
	}
	log := logging.For("usbconn")

	ctx := gousb.NewContext()
	dev, err := openMatching(ctx, f.cfg.VendorID, f.cfg.ProductID, f.cfg.Description, f.cfg.Serial)
	if err != nil {
		ctx.Close()
		return err
	}
	if err := dev.SetAutoDetach(true); err != nil {
		log.WithError(err).Debug("auto detach not supported")
	}
	dev.ControlTimeout = f.cfg.Timeout

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return jtagerr.IO(err, "usb config")
	}
	intf, err := cfg.Interface(f.cfg.Interface, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return jtagerr.IO(err, "claim interface %d", f.cfg.Interface)
	}

	f.ctx, f.dev, f.intf = ctx, dev, intf
	f.done = func() { cfg.Close() }
	if err := f.findEndpoints(); err != nil {
		f.Close()
		return err
	}
	if err := f.control(ftdiReqReset, ftdiResetSIO); err != nil {
		f.Close()
		return err
	}
	if err := f.Purge(); err != nil {
		f.Close()
		return err
	}
	log.WithField("id", gousb.ID(f.cfg.VendorID).String()+":"+gousb.ID(f.cfg.ProductID).String()).
		Debugf("opened FTDI interface %d, packet size %d", f.cfg.Interface, f.packetSize)
	return nil
}

func (f *FTDI) findEndpoints() error {
	for _, ep := range f.intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch ep.Direction {
		case gousb.EndpointDirectionIn:
			if f.epIn == nil {
				in, err := f.intf.InEndpoint(ep.Number)
				if err != nil {
					return jtagerr.IO(err, "open IN endpoint %d", ep.Number)
				}
				f.epIn = in
				f.packetSize = ep.MaxPacketSize
			}
		case gousb.EndpointDirectionOut:
			if f.epOut == nil {
				out, err := f.intf.OutEndpoint(ep.Number)
				if err != nil {
					return jtagerr.IO(err, "open OUT endpoint %d", ep.Number)
				}
				f.epOut = out
			}
		}
	}
	if f.epIn == nil || f.epOut == nil {
		return jtagerr.IOf("FTDI interface %d has no bulk endpoint pair", f.cfg.Interface)
	}
	if f.packetSize <= ftdiStatusBytes {
		f.packetSize = 64
	}
	return nil
}

func (f *FTDI) control(req uint8, val uint16) error {
	if f.dev == nil {
		return jtagerr.State("FTDI device not open")
	}
	if _, err := f.dev.Control(ftdiRequestOut, req, val, uint16(f.cfg.Interface+1), nil); err != nil {
		return jtagerr.IO(err, "FTDI request 0x%02x value 0x%04x", req, val)
	}
	return nil
}

// SetBitmode selects the channel mode; mask gives the output pins for
// bit-bang modes.
func (f *FTDI) SetBitmode(mask, mode byte) error {
	return f.control(ftdiReqSetBitmode, uint16(mode)<<8|uint16(mask))
}

// SetLatency sets the latency timer in milliseconds.
func (f *FTDI) SetLatency(ms byte) error {
	return f.control(ftdiReqSetLatency, uint16(ms))
}

// Purge drops data buffered in the chip in both directions.
func (f *FTDI) Purge() error {
	if err := f.control(ftdiReqReset, ftdiResetPurgeRX); err != nil {
		return err
	}
	f.rx = nil
	return f.control(ftdiReqReset, ftdiResetPurgeTX)
}

func (f *FTDI) Write(p []byte) (int, error) {
	if f.epOut == nil {
		return 0, jtagerr.State("FTDI device not open")
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.Timeout)
	defer cancel()
	n, err := f.epOut.WriteContext(ctx, p)
	if err != nil {
		return n, jtagerr.IO(err, "FTDI bulk write")
	}
	return n, nil
}

// Read fills p with payload bytes. It returns as soon as at least one byte
// is available, or 0 bytes when the chip had nothing to send.
func (f *FTDI) Read(p []byte) (int, error) {
	if f.epIn == nil {
		return 0, jtagerr.State("FTDI device not open")
	}
	if len(f.rx) == 0 {
		if err := f.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, f.rx)
	f.rx = f.rx[n:]
	return n, nil
}

func (f *FTDI) fill() error {
	if f.rxbuf == nil {
		f.rxbuf = make([]byte, f.packetSize*8)
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.Timeout)
	defer cancel()
	n, err := f.epIn.ReadContext(ctx, f.rxbuf)
	if err != nil {
		return jtagerr.IO(err, "FTDI bulk read")
	}
	f.rx = append(f.rx[:0], stripStatus(f.rxbuf[:n], f.packetSize)...)
	return nil
}

// stripStatus removes the status header of each packet in buf.
func stripStatus(buf []byte, packetSize int) []byte {
	var out []byte
	for len(buf) > 0 {
		n := packetSize
		if n > len(buf) {
			n = len(buf)
		}
		if n > ftdiStatusBytes {
			out = append(out, buf[ftdiStatusBytes:n]...)
		}
		buf = buf[n:]
	}
	return out
}

// Close returns the chip to reset mode and releases it.
func (f *FTDI) Close() error {
	if f.dev != nil && f.intf != nil {
		_ = f.SetBitmode(0, BitmodeReset)
	}
	if f.intf != nil {
		f.intf.Close()
		f.intf = nil
	}
	if f.done != nil {
		f.done()
		f.done = nil
	}
	if f.dev != nil {
		f.dev.Close()
		f.dev = nil
	}
	if f.ctx != nil {
		f.ctx.Close()
		f.ctx = nil
	}
	f.epIn, f.epOut = nil, nil
	f.rx = nil
	return nil
}

// openMatching opens the first device with the given IDs whose product
// string contains desc and whose serial equals serial (when set).
func openMatching(ctx *gousb.Context, vid, pid uint16, desc, serial string) (*gousb.Device, error) {
	devs, err := ctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		return (vid == 0 || uint16(d.Vendor) == vid) && (pid == 0 || uint16(d.Product) == pid)
	})
	if err != nil && len(devs) == 0 {
		return nil, jtagerr.IO(err, "usb enumerate")
	}

	var found *gousb.Device
	for _, dev := range devs {
		if found != nil {
			dev.Close()
			continue
		}
		if desc != "" {
			product, _ := dev.Product()
			if !strings.Contains(product, desc) {
				dev.Close()
				continue
			}
		}
		if serial != "" {
			sn, _ := dev.SerialNumber()
			if sn != serial {
				dev.Close()
				continue
			}
		}
		found = dev
	}
	if found == nil {
		return nil, jtagerr.NotFound("no USB device %04x:%04x matching desc=%q serial=%q", vid, pid, desc, serial)
	}
	return found, nil
}
