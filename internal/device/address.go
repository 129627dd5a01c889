package device

import (
	"strings"
)

// NormalizeAddress returns the canonical identity form of a device address.
//
// A 48-bit MAC in any spelling (AA:BB:CC:DD:EE:FF, aabbccddeeff, AA-BB-CC-DD-EE-FF)
// becomes upper-case and colon separated. A 128-bit platform identifier, as handed out by
// CoreBluetooth, becomes an upper-case dashed UUID. Anything else is trimmed and upper-cased.
func NormalizeAddress(addr string) string {
	trimmed := strings.TrimSpace(addr)

	digits := make([]byte, 0, len(trimmed))
	for i := 0; i < len(trimmed); i++ {
		c := trimmed[i]
		switch {
		case c >= '0' && c <= '9', c >= 'A' && c <= 'F':
			digits = append(digits, c)
		case c >= 'a' && c <= 'f':
			digits = append(digits, c-'a'+'A')
		case c == ':' || c == '-' || c == '.' || c == ' ':
		default:
			return strings.ToUpper(trimmed)
		}
	}

	switch len(digits) {
	case 12:
		var b strings.Builder
		for i := 0; i < 12; i += 2 {
			if i > 0 {
				b.WriteByte(':')
			}
			b.Write(digits[i : i+2])
		}
		return b.String()
	case 32:
		s := string(digits)
		return s[0:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:32]
	default:
		return strings.ToUpper(trimmed)
	}
}

// SameAddress reports whether two address spellings identify the same device.
func SameAddress(a, b string) bool {
	return NormalizeAddress(a) == NormalizeAddress(b)
}
