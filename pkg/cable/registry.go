package cable

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
)

// TransportKind says what a driver talks to.
type TransportKind string

const (
	TransportUSB     TransportKind = "usb"
	TransportParport TransportKind = "parport"
	TransportGPIO    TransportKind = "gpio"
	TransportOther   TransportKind = "other"
)

// DriverInfo describes one selectable cable type.
type DriverInfo struct {
	Name        string
	Description string
	Transport   TransportKind
	// VendorID/ProductID are the default USB IDs for USB cables.
	VendorID  uint16
	ProductID uint16
	// Params lists the accepted connect parameters.
	Params []string
	// Connect builds the driver from parameters without touching hardware.
	Connect func(p Params) (Driver, error)
}

// Help writes a usage summary for the driver.
func (d DriverInfo) Help(w io.Writer) {
	fmt.Fprintf(w, "Usage: cable %s", d.Name)
	for _, p := range d.Params {
		fmt.Fprintf(w, " [%s=VALUE]", p)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "\n%s (%s)\n", d.Description, d.Transport)
	if d.Transport == TransportUSB {
		fmt.Fprintf(w, "Default USB ID %04x:%04x\n", d.VendorID, d.ProductID)
	}
}

var drivers = map[string]DriverInfo{}

// Register adds a driver. Registering a name twice panics.
func Register(info DriverInfo) {
	key := strings.ToLower(info.Name)
	if _, dup := drivers[key]; dup {
		panic("cable: driver registered twice: " + info.Name)
	}
	drivers[key] = info
}

// Lookup finds a driver by case-insensitive name.
func Lookup(name string) (DriverInfo, bool) {
	info, ok := drivers[strings.ToLower(name)]
	return info, ok
}

// Drivers lists every registered driver sorted by name.
func Drivers() []DriverInfo {
	out := make([]DriverInfo, 0, len(drivers))
	for _, d := range drivers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Connect parses params, builds the named driver and wraps it in a Cable.
// The returned cable still needs Init.
func Connect(name, params string, opts ...Option) (*Cable, error) {
	info, ok := Lookup(name)
	if !ok {
		return nil, jtagerr.NotFound("unknown cable driver %q", name)
	}
	p, err := ParseParams(params)
	if err != nil {
		return nil, err
	}
	if err := p.Check(info.Params...); err != nil {
		return nil, err
	}
	d, err := info.Connect(p)
	if err != nil {
		return nil, jtagerr.Wrap(err, "connect %s", info.Name)
	}
	return New(info.Name, d, opts...), nil
}
