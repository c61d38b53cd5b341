package usbconn

import (
	"bytes"
	"testing"

	"github.com/google/gousb"
)

func TestStripStatus(t *testing.T) {
	tests := []struct {
		name   string
		in     []byte
		packet int
		want   []byte
	}{
		{"status only", []byte{0x31, 0x60}, 64, nil},
		{"one packet", []byte{0x31, 0x60, 0xAA, 0xBB}, 64, []byte{0xAA, 0xBB}},
		{
			"two packets",
			[]byte{0x31, 0x60, 1, 2, 0x31, 0x60, 3},
			4,
			[]byte{1, 2, 3},
		},
		{"empty", nil, 64, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := stripStatus(tt.in, tt.packet)
			if !bytes.Equal(got, tt.want) {
				t.Fatalf("stripStatus = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	f, ok := classify(&gousb.DeviceDesc{Vendor: 0x09fb, Product: 0x6001, Bus: 1, Address: 7})
	if !ok {
		t.Fatalf("USB-Blaster not recognised")
	}
	if f.Driver != "usbblaster" || f.Kind != KindUSBBlaster {
		t.Errorf("got %+v", f)
	}
	if f.Address != 7 {
		t.Errorf("address = %d, want 7", f.Address)
	}

	if _, ok := classify(&gousb.DeviceDesc{Vendor: 0x1234, Product: 0x5678}); ok {
		t.Errorf("unknown device classified")
	}
}

func TestLabel(t *testing.T) {
	if got := (Found{Description: "x"}).Label(); got != "x" {
		t.Errorf("Label() = %q", got)
	}
	if got := (Found{Kind: KindFTDI, VendorID: 0x403, ProductID: 0x6010}).Label(); got != "ftdi-mpsse (0403:6010)" {
		t.Errorf("Label() = %q", got)
	}
}

func TestIsCMSISDAPName(t *testing.T) {
	if !isCMSISDAPName("Debugprobe on Pico (CMSIS-DAP)") {
		t.Errorf("expected match")
	}
	if isCMSISDAPName("USB Keyboard") {
		t.Errorf("unexpected match")
	}
}
