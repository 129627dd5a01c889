package message

import (
	"encoding/hex"
	"strings"
	"unicode"
)

// EncodeHex renders bytes as upper-case hex pairs separated by spaces ("0A FF").
func EncodeHex(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(len(data) * 3)
	for i, v := range data {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{v})))
	}
	return b.String()
}

// DecodeHex is lenient: a "0x" prefix on a token (text between spaces or punctuation)
// and every non-hex character are dropped, an odd number of digits is padded with a
// leading zero ("A1B" -> 0A 1B), and anything that still fails to decode yields an
// empty payload. A "0x" inside a token keeps its zero: "A0x1" -> 0A 01.
func DecodeHex(s string) []byte {
	digits := make([]byte, 0, len(s)+1)
	for _, token := range strings.FieldsFunc(s, isHexSeparator) {
		if len(token) >= 2 && token[0] == '0' && (token[1] == 'x' || token[1] == 'X') {
			token = token[2:]
		}
		for i := 0; i < len(token); i++ {
			c := token[i]
			if c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F' {
				digits = append(digits, c)
			}
		}
	}
	if len(digits)%2 == 1 {
		digits = append([]byte{'0'}, digits...)
	}

	out := make([]byte, len(digits)/2)
	if _, err := hex.Decode(out, digits); err != nil {
		return []byte{}
	}
	return out
}

func isHexSeparator(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsPunct(r)
}
