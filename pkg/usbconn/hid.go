package usbconn

import (
	"time"

	"github.com/sstallion/go-hid"

	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
)

// hidReportSize is the CMSIS-DAP v1 report length.
const hidReportSize = 64

// HID is a packet link over HID reports (CMSIS-DAP v1 probes).
type HID struct {
	dev     *hid.Device
	info    hid.DeviceInfo
	timeout time.Duration
}

// OpenHID opens the first HID device matching vid:pid and serial (when
// set) whose product string mentions CMSIS-DAP, or any matching device if
// none does.
func OpenHID(vid, pid uint16, serial string) (*HID, error) {
	if err := hid.Init(); err != nil {
		return nil, jtagerr.IO(err, "hid init")
	}

	var candidates []hid.DeviceInfo
	err := hid.Enumerate(vid, pid, func(info *hid.DeviceInfo) error {
		if serial != "" && info.SerialNbr != serial {
			return nil
		}
		candidates = append(candidates, *info)
		return nil
	})
	if err != nil {
		return nil, jtagerr.IO(err, "hid enumerate")
	}
	if len(candidates) == 0 {
		return nil, jtagerr.NotFound("no HID device %04x:%04x", vid, pid)
	}

	pick := candidates[0]
	for _, c := range candidates {
		if isCMSISDAPName(c.ProductStr) {
			pick = c
			break
		}
	}

	dev, err := hid.OpenPath(pick.Path)
	if err != nil {
		return nil, jtagerr.IO(err, "open %s", pick.Path)
	}
	return &HID{dev: dev, info: pick, timeout: DefaultTimeout}, nil
}

// Write sends one report. Report ID 0 is prepended as hidapi expects.
func (h *HID) Write(data []byte) (int, error) {
	report := make([]byte, hidReportSize+1)
	copy(report[1:], data)
	n, err := h.dev.Write(report)
	if err != nil {
		return 0, jtagerr.IO(err, "hid write")
	}
	if n > 0 {
		n--
	}
	return n, nil
}

func (h *HID) Read(data []byte) (int, error) {
	n, err := h.dev.ReadWithTimeout(data, h.timeout)
	if err != nil {
		return 0, jtagerr.IO(err, "hid read")
	}
	return n, nil
}

func (h *HID) WriteRead(cmd []byte) ([]byte, error) {
	if _, err := h.Write(cmd); err != nil {
		return nil, err
	}
	resp := make([]byte, hidReportSize)
	n, err := h.Read(resp)
	if err != nil {
		return nil, err
	}
	return resp[:n], nil
}

func (h *HID) PacketSize() int { return hidReportSize }

func (h *HID) SetTimeout(d time.Duration) { h.timeout = d }

func (h *HID) Close() error {
	if h.dev == nil {
		return nil
	}
	err := h.dev.Close()
	h.dev = nil
	return err
}
