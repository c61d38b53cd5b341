package cmsisdap

import "encoding/binary"

// Emulator answers DAP commands in memory. TDO follows TDI through a
// Delay-bit shift register, which is enough to check sequence framing
// end to end.
type Emulator struct {
	Packet int
	Delay  int
	Clock  uint32
	Pins   byte
	Port   byte

	Commands [][]byte
	chain    []bool
	closed   bool
}

func NewEmulator() *Emulator {
	return &Emulator{Packet: 64, Pins: PinTDO}
}

func (e *Emulator) PacketSize() int { return e.Packet }

func (e *Emulator) Close() error {
	e.closed = true
	return nil
}

func (e *Emulator) shift(tdi bool) bool {
	if e.Delay == 0 {
		return tdi
	}
	for len(e.chain) < e.Delay {
		e.chain = append(e.chain, false)
	}
	out := e.chain[len(e.chain)-1]
	copy(e.chain[1:], e.chain[:len(e.chain)-1])
	e.chain[0] = tdi
	return out
}

func (e *Emulator) WriteRead(cmd []byte) ([]byte, error) {
	e.Commands = append(e.Commands, append([]byte(nil), cmd...))
	switch cmd[0] {
	case CmdInfo:
		switch cmd[1] {
		case InfoCapabilities:
			return []byte{CmdInfo, 1, 0x02}, nil
		case InfoPacketSize:
			return []byte{CmdInfo, 2, byte(e.Packet), byte(e.Packet >> 8)}, nil
		case InfoProductID:
			s := "Emulated CMSIS-DAP"
			return append([]byte{CmdInfo, byte(len(s))}, s...), nil
		}
		return []byte{CmdInfo, 0}, nil
	case CmdConnect:
		e.Port = cmd[1]
		return []byte{CmdConnect, cmd[1]}, nil
	case CmdDisconnect:
		e.Port = 0
		return []byte{CmdDisconnect, StatusOK}, nil
	case CmdSWJClock:
		e.Clock = binary.LittleEndian.Uint32(cmd[1:])
		return []byte{CmdSWJClock, StatusOK}, nil
	case CmdSWJPins:
		e.Pins = e.Pins&^cmd[2] | cmd[1]&cmd[2]
		return []byte{CmdSWJPins, e.Pins}, nil
	case CmdJTAGSequence:
		return e.sequence(cmd), nil
	}
	return []byte{cmd[0], StatusError}, nil
}

func (e *Emulator) sequence(cmd []byte) []byte {
	resp := []byte{CmdJTAGSequence, StatusOK}
	count := int(cmd[1])
	off := 2
	for i := 0; i < count; i++ {
		s := Sequence{Info: cmd[off]}
		n := s.Clocks()
		nb := (n + 7) / 8
		tdi := cmd[off+1 : off+1+nb]
		off += 1 + nb

		tdo := make([]byte, nb)
		for b := 0; b < n; b++ {
			if e.shift(tdi[b/8]&(1<<(b%8)) != 0) {
				tdo[b/8] |= 1 << (b % 8)
			}
		}
		if s.Capture() {
			resp = append(resp, tdo...)
		}
	}
	return resp
}
