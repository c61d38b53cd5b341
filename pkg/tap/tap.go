// Package tap models the IEEE 1149.1 TAP controller: its sixteen states,
// the TMS transition table and shortest-path navigation between states.
// It performs no I/O.
package tap

import (
	"fmt"

	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
)

// State is a TAP controller state.
type State uint8

const (
	StateTestLogicReset State = iota
	StateRunTestIdle
	StateSelectDRScan
	StateCaptureDR
	StateShiftDR
	StateExit1DR
	StatePauseDR
	StateExit2DR
	StateUpdateDR
	StateSelectIRScan
	StateCaptureIR
	StateShiftIR
	StateExit1IR
	StatePauseIR
	StateExit2IR
	StateUpdateIR

	numStates
)

var stateNames = [numStates]string{
	"Test-Logic-Reset",
	"Run-Test/Idle",
	"Select-DR-Scan",
	"Capture-DR",
	"Shift-DR",
	"Exit1-DR",
	"Pause-DR",
	"Exit2-DR",
	"Update-DR",
	"Select-IR-Scan",
	"Capture-IR",
	"Shift-IR",
	"Exit1-IR",
	"Pause-IR",
	"Exit2-IR",
	"Update-IR",
}

func (s State) String() string {
	if s < numStates {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Valid reports whether s is one of the sixteen states.
func (s State) Valid() bool { return s < numStates }

// IsIR reports whether s belongs to the instruction register column.
func (s State) IsIR() bool { return s >= StateSelectIRScan && s < numStates }

// IsShift reports whether clocking in s moves data through a register.
func (s State) IsShift() bool { return s == StateShiftDR || s == StateShiftIR }

// next[s][tms] is the state after one TCK with the given TMS.
var next = [numStates][2]State{
	StateTestLogicReset: {StateRunTestIdle, StateTestLogicReset},
	StateRunTestIdle:    {StateRunTestIdle, StateSelectDRScan},
	StateSelectDRScan:   {StateCaptureDR, StateSelectIRScan},
	StateCaptureDR:      {StateShiftDR, StateExit1DR},
	StateShiftDR:        {StateShiftDR, StateExit1DR},
	StateExit1DR:        {StatePauseDR, StateUpdateDR},
	StatePauseDR:        {StatePauseDR, StateExit2DR},
	StateExit2DR:        {StateShiftDR, StateUpdateDR},
	StateUpdateDR:       {StateRunTestIdle, StateSelectDRScan},
	StateSelectIRScan:   {StateCaptureIR, StateTestLogicReset},
	StateCaptureIR:      {StateShiftIR, StateExit1IR},
	StateShiftIR:        {StateShiftIR, StateExit1IR},
	StateExit1IR:        {StatePauseIR, StateUpdateIR},
	StatePauseIR:        {StatePauseIR, StateExit2IR},
	StateExit2IR:        {StateShiftIR, StateUpdateIR},
	StateUpdateIR:       {StateRunTestIdle, StateSelectDRScan},
}

// NextState returns the state reached from current with one TCK. current
// must be valid.
func NextState(current State, tms bool) State {
	if !current.Valid() {
		panic(fmt.Sprintf("tap: invalid state %d", uint8(current)))
	}
	if tms {
		return next[current][1]
	}
	return next[current][0]
}

// Path is a TMS pattern together with the states it walks through;
// States[0] is the starting state.
type Path struct {
	TMS    []bool
	States []State
}

// End is the state the path finishes in.
func (p Path) End() State { return p.States[len(p.States)-1] }

// StateMachine shadows the controller state of the target.
type StateMachine struct {
	state State
}

// NewStateMachine starts in Test-Logic-Reset, where every TAP is after
// power-up or five TMS-high clocks.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateTestLogicReset}
}

func (m *StateMachine) State() State { return m.state }

// Clock advances one TCK and returns the new state.
func (m *StateMachine) Clock(tms bool) State {
	m.state = NextState(m.state, tms)
	return m.state
}

// Reset returns the five TMS-high clocks that reach Test-Logic-Reset from
// anywhere and applies them.
func (m *StateMachine) Reset() Path {
	p := Path{TMS: make([]bool, 5), States: []State{m.state}}
	for i := range p.TMS {
		p.TMS[i] = true
		p.States = append(p.States, m.Clock(true))
	}
	return p
}

// Force overrides the tracked state, e.g. after an asynchronous TRST.
func (m *StateMachine) Force(s State) { m.state = s }

// GoTo applies and returns the shortest path to target.
func (m *StateMachine) GoTo(target State) (Path, error) {
	p, err := FindPath(m.state, target)
	if err != nil {
		return Path{}, err
	}
	m.state = p.End()
	return p, nil
}

// FindPath searches the state graph breadth first, preferring TMS low at
// each branch.
func FindPath(from, to State) (Path, error) {
	if !from.Valid() || !to.Valid() {
		return Path{}, jtagerr.Invalid("tap: no such state (%d -> %d)", uint8(from), uint8(to))
	}
	if from == to {
		return Path{States: []State{from}}, nil
	}

	var (
		prev    [numStates]State
		prevTMS [numStates]bool
		seen    [numStates]bool
	)
	seen[from] = true
	queue := []State{from}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for _, tms := range []bool{false, true} {
			n := NextState(s, tms)
			if seen[n] {
				continue
			}
			seen[n] = true
			prev[n], prevTMS[n] = s, tms
			if n == to {
				return unwind(from, to, prev, prevTMS), nil
			}
			queue = append(queue, n)
		}
	}
	return Path{}, jtagerr.NotFound("tap: no path from %s to %s", from, to)
}

func unwind(from, to State, prev [numStates]State, prevTMS [numStates]bool) Path {
	var p Path
	for s := to; s != from; s = prev[s] {
		p.TMS = append(p.TMS, prevTMS[s])
		p.States = append(p.States, s)
	}
	p.States = append(p.States, from)
	for i, j := 0, len(p.TMS)-1; i < j; i, j = i+1, j-1 {
		p.TMS[i], p.TMS[j] = p.TMS[j], p.TMS[i]
	}
	for i, j := 0, len(p.States)-1; i < j; i, j = i+1, j-1 {
		p.States[i], p.States[j] = p.States[j], p.States[i]
	}
	return p
}
