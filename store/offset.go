package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Offset is a stream position: a count of visible messages (ReadSeq)
// paired with the byte position in the segment file that follows the
// last of those messages (ByteOffset). The canonical text form is
// "<16-digit ReadSeq>_<16-digit ByteOffset>", which sorts
// lexicographically in the same order as the pair itself.
type Offset struct {
	ReadSeq    uint64
	ByteOffset uint64
}

// ZeroOffset is the offset of an empty stream, and what "-1" parses to.
var ZeroOffset = Offset{}

// String renders the canonical zero-padded form.
func (o Offset) String() string {
	return fmt.Sprintf("%016d_%016d", o.ReadSeq, o.ByteOffset)
}

// IsZero reports whether this is the stream-start offset.
func (o Offset) IsZero() bool {
	return o == ZeroOffset
}

// Advance returns the offset after one more message of byteLen bytes
// (length prefix + payload + frame terminator included).
func (o Offset) Advance(byteLen uint64) Offset {
	return Offset{ReadSeq: o.ReadSeq + 1, ByteOffset: o.ByteOffset + byteLen}
}

const (
	offsetMinLen   = len("0_0")
	offsetPadWidth = 16
)

// ParseOffset parses a canonical offset string. "" and "-1" both mean
// "before the start of the stream". Anything else malformed is
// rejected: no sign, no leading zeros beyond the pad, no whitespace,
// no more than one underscore.
func ParseOffset(s string) (Offset, error) {
	if s == "" || s == "-1" {
		return ZeroOffset, nil
	}

	if !isCanonicalOffsetShape(s) {
		return Offset{}, fmt.Errorf("invalid offset %q: want \"readseq_byteoffset\"", s)
	}

	readSeqStr, byteOffsetStr, _ := strings.Cut(s, "_")

	readSeq, err := strconv.ParseUint(readSeqStr, 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("invalid offset %q: readSeq: %w", s, err)
	}
	byteOffset, err := strconv.ParseUint(byteOffsetStr, 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("invalid offset %q: byteOffset: %w", s, err)
	}

	return Offset{ReadSeq: readSeq, ByteOffset: byteOffset}, nil
}

// isCanonicalOffsetShape rejects anything but "digits_digits": no sign
// characters, no extra underscores, nothing at the edges, and no part
// longer than the 16-digit pad that starts with a zero.
func isCanonicalOffsetShape(s string) bool {
	if len(s) < offsetMinLen {
		return false
	}

	underscoreAt := -1
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '_':
			if underscoreAt >= 0 {
				return false
			}
			underscoreAt = i
		case c < '0' || c > '9':
			return false
		}
	}

	if underscoreAt <= 0 || underscoreAt >= len(s)-1 {
		return false
	}

	for _, part := range []string{s[:underscoreAt], s[underscoreAt+1:]} {
		if len(part) > offsetPadWidth && part[0] == '0' {
			return false
		}
	}
	return true
}

// Compare returns -1, 0, or 1 as a is less than, equal to, or greater
// than b, ordering first by ReadSeq and then by ByteOffset.
func Compare(a, b Offset) int {
	switch {
	case a.ReadSeq != b.ReadSeq:
		if a.ReadSeq < b.ReadSeq {
			return -1
		}
		return 1
	case a.ByteOffset != b.ByteOffset:
		if a.ByteOffset < b.ByteOffset {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// LessThan reports whether o sorts before other.
func (o Offset) LessThan(other Offset) bool { return Compare(o, other) < 0 }

// LessThanOrEqual reports whether o sorts at or before other.
func (o Offset) LessThanOrEqual(other Offset) bool { return Compare(o, other) <= 0 }

// Equal reports whether o and other denote the same position.
func (o Offset) Equal(other Offset) bool { return o == other }
