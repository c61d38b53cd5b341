package cable

import "strings"

// Signal is a bitmask of JTAG pod lines.
type Signal uint16

const (
	TCK Signal = 1 << iota
	TDI
	TMS
	TRST
	Reset
	TDO
)

// JTAGSignals are the lines every cable drives while clocking.
const JTAGSignals = TCK | TDI | TMS

var signalNames = []struct {
	sig  Signal
	name string
}{
	{TCK, "TCK"},
	{TDI, "TDI"},
	{TMS, "TMS"},
	{TRST, "TRST"},
	{Reset, "RESET"},
	{TDO, "TDO"},
}

func (s Signal) String() string {
	if s == 0 {
		return "none"
	}
	var parts []string
	for _, n := range signalNames {
		if s&n.sig != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseSignal maps a line name to its mask bit.
func ParseSignal(name string) (Signal, bool) {
	for _, n := range signalNames {
		if strings.EqualFold(n.name, name) {
			return n.sig, true
		}
	}
	if strings.EqualFold(name, "SRST") {
		return Reset, true
	}
	return 0, false
}

// FlushAmount tells a driver how much of the Todo queue it has to drain.
type FlushAmount int

const (
	// Optionally lets the driver keep queueing if it likes.
	Optionally FlushAmount = iota
	// ToOutput drains enough for all pending results to reach Done.
	ToOutput
	// Completely drains everything and pushes it onto the wire.
	Completely
)

func (f FlushAmount) String() string {
	switch f {
	case Optionally:
		return "optionally"
	case ToOutput:
		return "to-output"
	case Completely:
		return "completely"
	}
	return "unknown"
}

// State is the lifecycle state of a Cable.
type State int

const (
	StateConnected State = iota
	StateActive
	StateFreed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateActive:
		return "active"
	case StateFreed:
		return "freed"
	}
	return "unknown"
}
