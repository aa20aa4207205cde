package proto

import (
	"unicode/utf16"

	"github.com/pkg/errors"
)

// Strings travel as modified UTF-8 over UTF-16 code units,
// the form read and written by the remote daemon's runtime:
// U+0000 is two bytes (C0 80)
// and a supplementary character is a surrogate pair of three bytes each.

func toUnits(s string) []uint16 {
	return utf16.Encode([]rune(s))
}

func fromUnits(u []uint16) string {
	return string(utf16.Decode(u))
}

func modifiedLen(u []uint16) int {
	n := 0
	for _, c := range u {
		switch {
		case c >= 0x01 && c <= 0x7f:
			n++
		case c <= 0x7ff:
			n += 2
		default:
			n += 3
		}
	}
	return n
}

func appendModified(b []byte, u []uint16) []byte {
	for _, c := range u {
		switch {
		case c >= 0x01 && c <= 0x7f:
			b = append(b, byte(c))
		case c <= 0x7ff:
			b = append(b, 0xc0|byte(c>>6), 0x80|byte(c)&0x3f)
		default:
			b = append(b, 0xe0|byte(c>>12), 0x80|byte(c>>6)&0x3f, 0x80|byte(c)&0x3f)
		}
	}
	return b
}

var errMalformedUTF = errors.New("malformed modified UTF-8")

func decodeModified(b []byte) ([]uint16, error) {
	u := make([]uint16, 0, len(b))
	for i := 0; i < len(b); {
		c := b[i]
		switch {
		case c < 0x80:
			u = append(u, uint16(c))
			i++

		case c&0xe0 == 0xc0:
			if i+1 >= len(b) || b[i+1]&0xc0 != 0x80 {
				return nil, errors.Wrapf(errMalformedUTF, "at byte %d", i)
			}
			u = append(u, uint16(c&0x1f)<<6|uint16(b[i+1]&0x3f))
			i += 2

		case c&0xf0 == 0xe0:
			if i+2 >= len(b) || b[i+1]&0xc0 != 0x80 || b[i+2]&0xc0 != 0x80 {
				return nil, errors.Wrapf(errMalformedUTF, "at byte %d", i)
			}
			u = append(u, uint16(c&0x0f)<<12|uint16(b[i+1]&0x3f)<<6|uint16(b[i+2]&0x3f))
			i += 3

		default:
			return nil, errors.Wrapf(errMalformedUTF, "at byte %d", i)
		}
	}
	return u, nil
}
