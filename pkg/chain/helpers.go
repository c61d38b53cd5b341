package chain

import "github.com/OpenTraceLab/tapflash/pkg/jtagerr"

// ParseBits reads a scan pattern written MSB first, the way register
// values are printed, and returns it LSB first, the order bits are
// shifted. Underscores separate groups.
func ParseBits(s string) ([]bool, error) {
	var bits []bool
	for _, r := range s {
		switch r {
		case '0', '1':
			bits = append(bits, r == '1')
		case '_':
		default:
			return nil, jtagerr.Syntax("chain: bad bit %q in %q", r, s)
		}
	}
	for i, j := 0, len(bits)-1; i < j; i, j = i+1, j-1 {
		bits[i], bits[j] = bits[j], bits[i]
	}
	return bits, nil
}

// FormatBits is the inverse of ParseBits.
func FormatBits(bits []bool) string {
	b := make([]byte, len(bits))
	for i, v := range bits {
		c := byte('0')
		if v {
			c = '1'
		}
		b[len(bits)-1-i] = c
	}
	return string(b)
}

// Uint32 packs up to 32 LSB-first bits.
func Uint32(bits []bool) uint32 {
	var val uint32
	for i, bit := range bits {
		if bit && i < 32 {
			val |= 1 << uint(i)
		}
	}
	return val
}

func ones(n int) []bool {
	bits := make([]bool, n)
	for i := range bits {
		bits[i] = true
	}
	return bits
}
