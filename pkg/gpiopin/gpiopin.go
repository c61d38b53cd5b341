// Package gpiopin abstracts the GPIO lines used by bit-banging cables.
package gpiopin

import (
	"strconv"
	"sync"

	"github.com/stianeikeland/go-rpio/v4"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
)

// Chip is a set of numbered GPIO lines.
type Chip interface {
	Open() error
	Close() error
	Output(pin int) error
	Input(pin int) error
	Write(pin int, high bool) error
	Read(pin int) (bool, error)
}

// RPIO drives BCM283x GPIOs through /dev/gpiomem with go-rpio.
type RPIO struct{}

func (RPIO) Open() error {
	if err := rpio.Open(); err != nil {
		return jtagerr.IO(err, "rpio open")
	}
	return nil
}

func (RPIO) Close() error {
	return jtagerr.IO(rpio.Close(), "rpio close")
}

func (RPIO) Output(pin int) error {
	rpio.PinMode(rpio.Pin(pin), rpio.Output)
	return nil
}

func (RPIO) Input(pin int) error {
	rpio.PinMode(rpio.Pin(pin), rpio.Input)
	rpio.PullMode(rpio.Pin(pin), rpio.PullUp)
	return nil
}

func (RPIO) Write(pin int, high bool) error {
	if high {
		rpio.WritePin(rpio.Pin(pin), rpio.High)
	} else {
		rpio.WritePin(rpio.Pin(pin), rpio.Low)
	}
	return nil
}

func (RPIO) Read(pin int) (bool, error) {
	return rpio.ReadPin(rpio.Pin(pin)) == rpio.High, nil
}

var hostInit sync.Once
var hostErr error

// Periph resolves lines through periph.io's GPIO registry, so any board
// periph supports works. Pins are looked up by number ("GPIO17" or "17").
type Periph struct {
	pins map[int]gpio.PinIO
}

func (p *Periph) Open() error {
	hostInit.Do(func() {
		_, hostErr = host.Init()
	})
	if hostErr != nil {
		return jtagerr.IO(hostErr, "periph host init")
	}
	p.pins = map[int]gpio.PinIO{}
	return nil
}

func (p *Periph) Close() error {
	for _, pin := range p.pins {
		_ = pin.Halt()
	}
	p.pins = nil
	return nil
}

func (p *Periph) pin(n int) (gpio.PinIO, error) {
	if p.pins == nil {
		return nil, jtagerr.State("periph gpio not open")
	}
	if pin, ok := p.pins[n]; ok {
		return pin, nil
	}
	pin := gpioreg.ByName(gpioName(n))
	if pin == nil {
		pin = gpioreg.ByName(strconv.Itoa(n))
	}
	if pin == nil {
		return nil, jtagerr.NotFound("gpio %d not found", n)
	}
	p.pins[n] = pin
	return pin, nil
}

func (p *Periph) Output(n int) error {
	pin, err := p.pin(n)
	if err != nil {
		return err
	}
	return jtagerr.IO(pin.Out(gpio.Low), "gpio %d output", n)
}

func (p *Periph) Input(n int) error {
	pin, err := p.pin(n)
	if err != nil {
		return err
	}
	return jtagerr.IO(pin.In(gpio.PullUp, gpio.NoEdge), "gpio %d input", n)
}

func (p *Periph) Write(n int, high bool) error {
	pin, err := p.pin(n)
	if err != nil {
		return err
	}
	return jtagerr.IO(pin.Out(gpio.Level(high)), "gpio %d write", n)
}

func (p *Periph) Read(n int) (bool, error) {
	pin, err := p.pin(n)
	if err != nil {
		return false, err
	}
	return pin.Read() == gpio.High, nil
}

func gpioName(n int) string { return "GPIO" + strconv.Itoa(n) }

// Memory is an in-memory chip. OnWrite lets tests model a target that
// reacts to clock edges.
type Memory struct {
	Levels  map[int]bool
	Outputs map[int]bool
	OnWrite func(m *Memory, pin int, high bool)
	Opened  bool
}

func NewMemory() *Memory {
	return &Memory{Levels: map[int]bool{}, Outputs: map[int]bool{}}
}

func (m *Memory) Open() error {
	m.Opened = true
	return nil
}

func (m *Memory) Close() error {
	m.Opened = false
	return nil
}

func (m *Memory) Output(pin int) error {
	m.Outputs[pin] = true
	return nil
}

func (m *Memory) Input(pin int) error {
	m.Outputs[pin] = false
	return nil
}

func (m *Memory) Write(pin int, high bool) error {
	if !m.Outputs[pin] {
		return jtagerr.Invalid("gpio %d is not an output", pin)
	}
	m.Levels[pin] = high
	if m.OnWrite != nil {
		m.OnWrite(m, pin, high)
	}
	return nil
}

func (m *Memory) Read(pin int) (bool, error) {
	return m.Levels[pin], nil
}
