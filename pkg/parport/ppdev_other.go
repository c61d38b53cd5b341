//go:build !linux

package parport

import "github.com/OpenTraceLab/tapflash/pkg/jtagerr"

// PPDev is only available on Linux.
type PPDev struct {
	Path string
}

func NewPPDev(path string) *PPDev { return &PPDev{Path: path} }

func (p *PPDev) Open() error {
	return jtagerr.Unsupported("ppdev parallel port access needs Linux")
}

func (p *PPDev) Close() error { return nil }
func (p *PPDev) SetData(b byte) error { return p.Open() }
func (p *PPDev) GetData() (byte, error) { return 0, p.Open() }
func (p *PPDev) GetStatus() (byte, error) { return 0, p.Open() }
func (p *PPDev) SetControl(b byte) error { return p.Open() }
func (p *PPDev) GetControl() (byte, error) { return 0, p.Open() }
