package usbconn

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/gousb"
)

// Kind categorizes cable families found on the bus.
type Kind string

const (
	KindFTDI       Kind = "ftdi-mpsse"
	KindUSBBlaster Kind = "usb-blaster"
	KindCMSISDAP   Kind = "cmsis-dap"
	KindSim        Kind = "simulator"
)

// Found describes one detected cable.
type Found struct {
	Kind        Kind
	Driver      string
	Description string
	VendorID    uint16
	ProductID   uint16
	Serial      string
	Bus         int
	Address     int
}

// Label returns a user-friendly description.
func (f Found) Label() string {
	if f.Description != "" {
		return f.Description
	}
	if f.Kind != "" {
		return fmt.Sprintf("%s (%04X:%04X)", string(f.Kind), f.VendorID, f.ProductID)
	}
	return fmt.Sprintf("Interface %04X:%04X", f.VendorID, f.ProductID)
}

// Known is an entry in the USB ID table.
type Known struct {
	VendorID    uint16
	ProductID   uint16
	Kind        Kind
	Driver      string
	Description string
}

// KnownDevices lists the USB IDs of supported cables. Some IDs are shared
// between several cable designs; the first entry wins.
var KnownDevices = []Known{
	{0x0403, 0x6010, KindFTDI, "ft2232", "FTDI FT2232 based cable"},
	{0x0403, 0x6014, KindFTDI, "ft2232h", "FTDI FT232H based cable"},
	{0x0403, 0xcff8, KindFTDI, "jtagkey", "Amontec JTAGkey"},
	{0x15ba, 0x0003, KindFTDI, "armusbocd", "Olimex ARM-USB-OCD"},
	{0x15ba, 0x0004, KindFTDI, "armusbocd", "Olimex ARM-USB-TINY"},
	{0x09fb, 0x6001, KindUSBBlaster, "usbblaster", "Altera USB-Blaster"},
	{0x16c0, 0x06ad, KindUSBBlaster, "usbblaster", "USB-JTAG-IF (USB-Blaster compatible)"},
	{0x2e8a, 0x000c, KindCMSISDAP, "cmsisdap", "Raspberry Pi Debug Probe (CMSIS-DAP)"},
	{0x0d28, 0x0204, KindCMSISDAP, "cmsisdap", "DAPLink CMSIS-DAP"},
	{0x1366, 0x0101, KindCMSISDAP, "cmsisdap", "SEGGER J-Link CMSIS-DAP"},
	{0xc251, 0xf001, KindCMSISDAP, "cmsisdap", "Keil ULINKplus CMSIS-DAP"},
}

func classify(desc *gousb.DeviceDesc) (Found, bool) {
	for _, k := range KnownDevices {
		if uint16(desc.Vendor) == k.VendorID && uint16(desc.Product) == k.ProductID {
			return Found{
				Kind:        k.Kind,
				Driver:      k.Driver,
				Description: k.Description,
				VendorID:    k.VendorID,
				ProductID:   k.ProductID,
				Bus:         desc.Bus,
				Address:     desc.Address,
			}, true
		}
	}
	return Found{}, false
}

func isCMSISDAPName(product string) bool {
	return strings.Contains(strings.ToUpper(product), "CMSIS-DAP")
}

// Discover lists attached cables whose USB ID is in KnownDevices. The
// simulator is always appended so callers have something to connect to
// without hardware.
func Discover(ctx context.Context) ([]Found, error) {
	var results []Found
	usb := gousb.NewContext()
	defer usb.Close()

	_, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if f, ok := classify(desc); ok {
			results = append(results, f)
		}
		return false
	})
	if err != nil && err != gousb.ErrorAccess {
		return results, err
	}

	results = append(results, Found{
		Kind:        KindSim,
		Driver:      "sim",
		Description: "Simulator (no hardware)",
	})
	return results, nil
}
