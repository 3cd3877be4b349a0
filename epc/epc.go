package epc

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Header is the fixed upper 48 bits of every EPC-96 issued for the library.
const Header = "304DB75F1960"

var (
	// ErrMalformedInput means the input is not 24 hexadecimal characters.
	ErrMalformedInput = errors.New("epc: malformed input")
	// ErrUnrecognizedHeader means the leading 6 bytes do not match Header.
	ErrUnrecognizedHeader = errors.New("epc: unrecognized header")
)

// Kind is the tag class encoded in the 4-bit kind selector.
type Kind int

const (
	KindUnknown Kind = iota
	KindBook
	KindCard
)

func (k Kind) String() string {
	switch k {
	case KindBook:
		return "book"
	case KindCard:
		return "card"
	default:
		return "unknown"
	}
}

// Kind selector values.
const (
	SelectorBook = 0x0
	SelectorCard = 0xF
)

// TagRecord is a decoded EPC-96 identifier.
type TagRecord struct {
	Kind        Kind
	LibraryCode uint16
	Serial      uint32 // 28 bits
	RawHex      string // 24 upper-case hex chars
}

// BookKey renders the catalog key for a book tag, e.g. "07-123456".
func (r TagRecord) BookKey() string {
	return fmt.Sprintf("%02d-%d", r.LibraryCode, r.Serial)
}

// Decode parses a 24 character hex EPC-96 string.
func Decode(s string) (TagRecord, error) {
	if !IsHex24(s) {
		return TagRecord{}, fmt.Errorf("%w: %q", ErrMalformedInput, s)
	}
	raw := strings.ToUpper(s)
	if raw[:12] != Header {
		return TagRecord{}, fmt.Errorf("%w: %s", ErrUnrecognizedHeader, raw[:12])
	}

	b, err := hex.DecodeString(raw[12:])
	if err != nil {
		return TagRecord{}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	var low48 uint64
	for _, c := range b {
		low48 = low48<<8 | uint64(c)
	}

	return TagRecord{
		Kind:        kindOf(byte(low48 >> 28 & 0xF)),
		LibraryCode: uint16(low48 >> 32 & 0xFFFF),
		Serial:      uint32(low48 & 0x0FFFFFFF),
		RawHex:      raw,
	}, nil
}

// Encode builds the 24 character form of an EPC-96 identifier.
func Encode(libraryCode uint16, selector byte, serial uint32) string {
	low48 := uint64(libraryCode)<<32 | uint64(selector&0xF)<<28 | uint64(serial&0x0FFFFFFF)
	return Header + fmt.Sprintf("%012X", low48)
}

func kindOf(selector byte) Kind {
	switch selector {
	case SelectorBook:
		return KindBook
	case SelectorCard:
		return KindCard
	default:
		return KindUnknown
	}
}

// IsHex24 reports whether s is exactly 24 hexadecimal characters.
func IsHex24(s string) bool {
	if len(s) != 24 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isHex(s[i]) {
			return false
		}
	}
	return true
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// Normalize strips whitespace and the ':' and '-' delimiters from a card
// UID or tag identifier and upper-cases the result. Identifiers that
// normalize to the same string are the same identity.
func Normalize(id string) string {
	var sb strings.Builder
	sb.Grow(len(id))
	for _, r := range id {
		if r == ':' || r == '-' || unicode.IsSpace(r) {
			continue
		}
		sb.WriteRune(r)
	}
	return strings.ToUpper(sb.String())
}

// TagKey returns the catalog key for a book identifier. A Book EPC-96 and a
// "<library>-<serial>" key both render as BookKey, so "7-123456" and
// "07-123456" name the same copy while "71-23456" and "712-3456" stay
// apart. Anything else is an opaque key in its Normalize form.
func TagKey(id string) string {
	s := strings.TrimSpace(id)
	if lib, serial, ok := strings.Cut(s, "-"); ok {
		l, err1 := strconv.ParseUint(lib, 10, 16)
		n, err2 := strconv.ParseUint(serial, 10, 28)
		if err1 == nil && err2 == nil {
			return TagRecord{LibraryCode: uint16(l), Serial: uint32(n)}.BookKey()
		}
	}
	norm := Normalize(s)
	if rec, err := Decode(norm); err == nil && rec.Kind == KindBook {
		return rec.BookKey()
	}
	return norm
}
