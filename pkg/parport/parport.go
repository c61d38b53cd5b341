// Package parport gives cable drivers access to a PC parallel port's data,
// status and control registers.
package parport

// Port is an 8-bit data register plus status and control.
type Port interface {
	Open() error
	Close() error
	SetData(b byte) error
	GetData() (byte, error)
	GetStatus() (byte, error)
	SetControl(b byte) error
	GetControl() (byte, error)
}

// Status register bits as seen by software (BUSY already inverted back by
// hardware is not undone here).
const (
	StatusError    byte = 0x08
	StatusSelect   byte = 0x10
	StatusPaperOut byte = 0x20
	StatusAck      byte = 0x40
	StatusBusy     byte = 0x80
)

// Memory is a port that lives in memory. Status is computed from the last
// written data and control bytes, which lets tests wire outputs back to
// inputs.
type Memory struct {
	Data    byte
	Control byte
	// StatusFunc, when set, produces the status register.
	StatusFunc func(data, control byte) byte
	// OnData is called after every data write.
	OnData func(data byte)

	Opened bool
	Writes int
}

func (m *Memory) Open() error {
	m.Opened = true
	return nil
}

func (m *Memory) Close() error {
	m.Opened = false
	return nil
}

func (m *Memory) SetData(b byte) error {
	m.Data = b
	m.Writes++
	if m.OnData != nil {
		m.OnData(b)
	}
	return nil
}

func (m *Memory) GetData() (byte, error) { return m.Data, nil }

func (m *Memory) GetStatus() (byte, error) {
	if m.StatusFunc == nil {
		return 0, nil
	}
	return m.StatusFunc(m.Data, m.Control), nil
}

func (m *Memory) SetControl(b byte) error {
	m.Control = b
	return nil
}

func (m *Memory) GetControl() (byte, error) { return m.Control, nil }
