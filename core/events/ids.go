package events

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// ErrInvalidID is returned when an identifier is neither 0x-hex nor decimal.
var ErrInvalidID = errors.New("events: invalid identifier")

// NormalizeID parses a serial number, request id or any unsigned protocol
// identifier. ICON renders integers as 0x-prefixed hex while EVM tooling
// renders them as decimal strings (or 32 byte topics); every comparison of
// identifiers across chains must go through this function.
func NormalizeID(raw string) (*uint256.Int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidID)
	}
	hexForm := false
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		hexForm = true
		value = value[2:]
	}
	value = strings.TrimLeft(value, "0")
	if value == "" {
		return new(uint256.Int), nil
	}
	if hexForm {
		id, err := uint256.FromHex("0x" + value)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidID, raw, err)
		}
		return id, nil
	}
	id, err := uint256.FromDecimal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidID, raw, err)
	}
	return id, nil
}

// SameID reports whether two identifier encodings denote the same number.
// Unparseable inputs never match.
func SameID(a, b string) bool {
	left, err := NormalizeID(a)
	if err != nil {
		return false
	}
	right, err := NormalizeID(b)
	if err != nil {
		return false
	}
	return left.Eq(right)
}

// SameValue compares two event values. Numeric encodings (including 32 byte
// topics) are compared by value, anything else case-insensitively.
func SameValue(a, b string) bool {
	left, errL := NormalizeID(a)
	right, errR := NormalizeID(b)
	if errL == nil && errR == nil {
		return left.Eq(right)
	}
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// FormatID renders an identifier as the 0x-hex form ICON expects in call params.
func FormatID(id *uint256.Int) string {
	if id == nil {
		return "0x0"
	}
	return id.Hex()
}

// ParseInt parses a possibly negative integer rendered as 0x-hex or decimal,
// e.g. the result codes carried by response events ("-0x1" on ICON, "-1" on EVM).
func ParseInt(raw string) (*big.Int, error) {
	value := strings.TrimSpace(raw)
	negative := false
	if strings.HasPrefix(value, "-") {
		negative = true
		value = value[1:]
	}
	id, err := NormalizeID(value)
	if err != nil {
		return nil, err
	}
	out := id.ToBig()
	if negative {
		out.Neg(out)
	}
	return out, nil
}
