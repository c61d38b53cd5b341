package usbconn

import (
	"context"
	"time"

	"github.com/google/gousb"

	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
	"github.com/OpenTraceLab/tapflash/pkg/logging"
)

const (
	// DefaultPacketSize is used until the endpoint descriptor says otherwise.
	DefaultPacketSize = 64
	DefaultTimeout    = 5 * time.Second
)

// Bulk is a packet link over the vendor-class bulk endpoint pair of a
// device (CMSIS-DAP v2 style).
type Bulk struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface

	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint

	packetSize int
	timeout    time.Duration
}

// OpenBulk opens the first device matching vid:pid (and serial if set) and
// claims its vendor-specific interface.
func OpenBulk(vid, pid uint16, serial string) (*Bulk, error) {
	ctx := gousb.NewContext()
	dev, err := openMatching(ctx, vid, pid, "", serial)
	if err != nil {
		ctx.Close()
		return nil, err
	}
	if err := dev.SetAutoDetach(true); err != nil {
		logging.For("usbconn").WithError(err).Debug("auto detach not supported")
	}

	b := &Bulk{
		ctx:        ctx,
		dev:        dev,
		packetSize: DefaultPacketSize,
		timeout:    DefaultTimeout,
	}
	if err := b.claimInterface(); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// claimInterface picks the first vendor-class interface, falling back to
// interface 0.
func (b *Bulk) claimInterface() error {
	cfg, err := b.dev.Config(1)
	if err != nil {
		return jtagerr.IO(err, "usb config")
	}
	b.cfg = cfg

	num := 0
	for _, intf := range cfg.Desc.Interfaces {
		if len(intf.AltSettings) > 0 && intf.AltSettings[0].Class == gousb.ClassVendorSpec {
			num = intf.Number
			break
		}
	}

	intf, err := cfg.Interface(num, 0)
	if err != nil {
		return jtagerr.IO(err, "claim interface %d", num)
	}
	b.intf = intf
	return b.findEndpoints()
}

func (b *Bulk) findEndpoints() error {
	for _, ep := range b.intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionOut && b.epOut == nil {
			out, err := b.intf.OutEndpoint(ep.Number)
			if err != nil {
				return jtagerr.IO(err, "open OUT endpoint")
			}
			b.epOut = out
		}
		if ep.Direction == gousb.EndpointDirectionIn && b.epIn == nil {
			in, err := b.intf.InEndpoint(ep.Number)
			if err != nil {
				return jtagerr.IO(err, "open IN endpoint")
			}
			b.epIn = in
			b.packetSize = ep.MaxPacketSize
		}
	}
	if b.epOut == nil {
		return jtagerr.IOf("bulk OUT endpoint not found")
	}
	if b.epIn == nil {
		return jtagerr.IOf("bulk IN endpoint not found")
	}
	return nil
}

// Write sends one packet.
func (b *Bulk) Write(data []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	n, err := b.epOut.WriteContext(ctx, data)
	if err != nil {
		return 0, jtagerr.IO(err, "usb write")
	}
	return n, nil
}

// Read receives one packet.
func (b *Bulk) Read(data []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	n, err := b.epIn.ReadContext(ctx, data)
	if err != nil {
		return 0, jtagerr.IO(err, "usb read")
	}
	return n, nil
}

// WriteRead performs one command/response exchange.
func (b *Bulk) WriteRead(cmd []byte) ([]byte, error) {
	if _, err := b.Write(cmd); err != nil {
		return nil, err
	}
	resp := make([]byte, b.packetSize)
	n, err := b.Read(resp)
	if err != nil {
		return nil, err
	}
	return resp[:n], nil
}

func (b *Bulk) PacketSize() int { return b.packetSize }

func (b *Bulk) SetTimeout(d time.Duration) { b.timeout = d }

func (b *Bulk) Close() error {
	if b.intf != nil {
		b.intf.Close()
		b.intf = nil
	}
	if b.cfg != nil {
		b.cfg.Close()
		b.cfg = nil
	}
	if b.dev != nil {
		b.dev.Close()
		b.dev = nil
	}
	if b.ctx != nil {
		b.ctx.Close()
		b.ctx = nil
	}
	return nil
}
