// Package cmsisdap speaks the CMSIS-DAP debug probe protocol far enough to
// drive JTAG: info queries, port connect, clock setting, pin control and
// JTAG sequences.
package cmsisdap

import (
	"encoding/binary"

	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
)

// Command IDs.
const (
	CmdInfo          = 0x00
	CmdHostStatus    = 0x01
	CmdConnect       = 0x02
	CmdDisconnect    = 0x03
	CmdResetTarget   = 0x0A
	CmdSWJPins       = 0x10
	CmdSWJClock      = 0x11
	CmdSWJSequence   = 0x12
	CmdJTAGSequence  = 0x14
	CmdJTAGConfigure = 0x15
	CmdJTAGIDCODE    = 0x16
)

// DAP_Info IDs.
const (
	InfoVendorID     = 0x01
	InfoProductID    = 0x02
	InfoSerialNum    = 0x03
	InfoFirmwareVer  = 0x04
	InfoCapabilities = 0xF0
	InfoPacketCount  = 0xFE
	InfoPacketSize   = 0xFF
)

const (
	PortDefault = 0
	PortSWD     = 1
	PortJTAG    = 2
)

const (
	StatusOK    = 0x00
	StatusError = 0xFF
)

// DAP_SWJ_Pins bits.
const (
	PinTCK    = 1 << 0
	PinTMS    = 1 << 1
	PinTDI    = 1 << 2
	PinTDO    = 1 << 3
	PinNTRST  = 1 << 5
	PinNRESET = 1 << 7
)

// Sequence info byte layout.
const (
	seqTCKMask = 0x3F // 0 encodes 64 clocks
	seqTMS     = 0x40
	seqTDO     = 0x80

	// MaxSequenceBits is the longest single JTAG sequence.
	MaxSequenceBits = 64
)

func checkReply(resp []byte, cmd byte, min int) error {
	if len(resp) < min {
		return jtagerr.IOf("DAP command 0x%02X: reply too short (%d bytes)", cmd, len(resp))
	}
	if resp[0] != cmd {
		return jtagerr.IOf("DAP command 0x%02X: reply for command 0x%02X", cmd, resp[0])
	}
	return nil
}

func checkStatus(resp []byte, cmd byte) error {
	if err := checkReply(resp, cmd, 2); err != nil {
		return err
	}
	if resp[1] != StatusOK {
		return jtagerr.IOf("DAP command 0x%02X failed with status 0x%02X", cmd, resp[1])
	}
	return nil
}

func EncodeInfo(id byte) []byte {
	return []byte{CmdInfo, id}
}

// DecodeInfo returns the raw payload of a DAP_Info reply.
func DecodeInfo(resp []byte) ([]byte, error) {
	if err := checkReply(resp, CmdInfo, 2); err != nil {
		return nil, err
	}
	n := int(resp[1])
	if len(resp) < 2+n {
		return nil, jtagerr.IOf("DAP_Info: payload truncated")
	}
	return resp[2 : 2+n], nil
}

func EncodeConnect(port byte) []byte {
	return []byte{CmdConnect, port}
}

func DecodeConnect(resp []byte) (byte, error) {
	if err := checkReply(resp, CmdConnect, 2); err != nil {
		return 0, err
	}
	if resp[1] == PortDefault {
		return 0, jtagerr.IOf("DAP_Connect: probe refused connection")
	}
	return resp[1], nil
}

func EncodeDisconnect() []byte { return []byte{CmdDisconnect} }

func DecodeDisconnect(resp []byte) error { return checkStatus(resp, CmdDisconnect) }

func EncodeSetClock(hz uint32) []byte {
	cmd := make([]byte, 5)
	cmd[0] = CmdSWJClock
	binary.LittleEndian.PutUint32(cmd[1:], hz)
	return cmd
}

func DecodeSetClock(resp []byte) error { return checkStatus(resp, CmdSWJClock) }

func EncodeResetTarget() []byte { return []byte{CmdResetTarget} }

func DecodeResetTarget(resp []byte) error { return checkStatus(resp, CmdResetTarget) }

// EncodeSWJPins drives the pins selected by sel to out and waits up to
// waitUs microseconds for them to settle.
func EncodeSWJPins(out, sel byte, waitUs uint32) []byte {
	cmd := make([]byte, 7)
	cmd[0] = CmdSWJPins
	cmd[1] = out
	cmd[2] = sel
	binary.LittleEndian.PutUint32(cmd[3:], waitUs)
	return cmd
}

// DecodeSWJPins returns the pin input levels.
func DecodeSWJPins(resp []byte) (byte, error) {
	if err := checkReply(resp, CmdSWJPins, 2); err != nil {
		return 0, err
	}
	return resp[1], nil
}

func EncodeJTAGConfigure(irLengths []byte) []byte {
	cmd := make([]byte, 2+len(irLengths))
	cmd[0] = CmdJTAGConfigure
	cmd[1] = byte(len(irLengths))
	copy(cmd[2:], irLengths)
	return cmd
}

func DecodeJTAGConfigure(resp []byte) error { return checkStatus(resp, CmdJTAGConfigure) }

// Sequence is one DAP_JTAG_Sequence entry: up to 64 clocks with a fixed
// TMS level, TDI taken LSB first from TDI.
type Sequence struct {
	Info byte
	TDI  []byte
}

// NewSequence builds a sequence of n clocks (1..64).
func NewSequence(n int, tms, capture bool, tdi []byte) Sequence {
	info := byte(n & seqTCKMask)
	if tms {
		info |= seqTMS
	}
	if capture {
		info |= seqTDO
	}
	buf := make([]byte, (n+7)/8)
	copy(buf, tdi)
	return Sequence{Info: info, TDI: buf}
}

// Clocks returns the clock count.
func (s Sequence) Clocks() int {
	n := int(s.Info & seqTCKMask)
	if n == 0 {
		return 64
	}
	return n
}

func (s Sequence) TMS() bool { return s.Info&seqTMS != 0 }
func (s Sequence) Capture() bool { return s.Info&seqTDO != 0 }

// EncodedLen is the number of command bytes the sequence takes.
func (s Sequence) EncodedLen() int { return 1 + len(s.TDI) }

// ReplyLen is the number of reply bytes it produces.
func (s Sequence) ReplyLen() int {
	if s.Capture() {
		return len(s.TDI)
	}
	return 0
}

func EncodeJTAGSequence(seqs []Sequence) []byte {
	size := 2
	for _, s := range seqs {
		size += s.EncodedLen()
	}
	cmd := make([]byte, 2, size)
	cmd[0] = CmdJTAGSequence
	cmd[1] = byte(len(seqs))
	for _, s := range seqs {
		cmd = append(cmd, s.Info)
		cmd = append(cmd, s.TDI...)
	}
	return cmd
}

// DecodeJTAGSequence returns captured TDO bytes for every capturing
// sequence, in order.
func DecodeJTAGSequence(resp []byte, seqs []Sequence) ([][]byte, error) {
	if err := checkStatus(resp, CmdJTAGSequence); err != nil {
		return nil, err
	}
	var out [][]byte
	off := 2
	for _, s := range seqs {
		if !s.Capture() {
			continue
		}
		n := s.ReplyLen()
		if off+n > len(resp) {
			return nil, jtagerr.IOf("DAP_JTAG_Sequence: TDO data truncated")
		}
		out = append(out, append([]byte(nil), resp[off:off+n]...))
		off += n
	}
	return out, nil
}

func EncodeJTAGIDCODE(index byte) []byte { return []byte{CmdJTAGIDCODE, index} }

func DecodeJTAGIDCODE(resp []byte) (uint32, error) {
	if err := checkStatus(resp, CmdJTAGIDCODE); err != nil {
		return 0, err
	}
	if len(resp) < 6 {
		return 0, jtagerr.IOf("DAP_JTAG_IDCODE: reply too short")
	}
	return binary.LittleEndian.Uint32(resp[2:6]), nil
}
