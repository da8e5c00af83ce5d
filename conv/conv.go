// Package conv converts text into numbers and addresses.
//
// Offsets and addresses are accepted in the spellings commonly found in
// cheat tables and disassembler output: a "0x" prefix, an "h" suffix,
// or no decoration at all. Undecorated values are parsed as hexadecimal
// first and decimal second. Since every decimal string is also a valid
// hexadecimal string, "10" means 16.
package conv

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrEmpty is returned when there is nothing to parse.
var ErrEmpty = errors.New("value is empty")

// ParseOffset parses an offset. An empty string is zero.
func ParseOffset(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}

	u, err := ParseUint(s)
	if err != nil {
		return 0, err
	}

	if u > 1<<63-1 {
		return 0, fmt.Errorf("offset %q overflows a signed 64-bit integer", s)
	}

	return int64(u), nil
}

// ParseUint parses a "0x"-prefixed, "h"-suffixed, or undecorated
// unsigned integer.
func ParseUint(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrEmpty
	}

	lower := strings.ToLower(s)

	switch {
	case strings.HasPrefix(lower, "0x"):
		v, err := strconv.ParseUint(lower[2:], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse hex value %q - %w", s, err)
		}
		return v, nil
	case strings.HasSuffix(lower, "h"):
		v, err := strconv.ParseUint(lower[:len(lower)-1], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse hex value %q - %w", s, err)
		}
		return v, nil
	}

	v, err := strconv.ParseUint(lower, 16, 64)
	if err == nil {
		return v, nil
	}

	v, err = strconv.ParseUint(lower, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %q as hex or decimal - %w", s, err)
	}

	return v, nil
}

// ParseAddress parses an address using the same rules as ParseUint,
// rejecting zero.
func ParseAddress(s string) (uintptr, error) {
	v, err := ParseUint(s)
	if err != nil {
		return 0, err
	}

	if v == 0 {
		return 0, errors.New("address cannot be zero")
	}

	return uintptr(v), nil
}

// FormatAddress formats an address the way it is substituted into
// assembly text.
func FormatAddress(addr uintptr) string {
	return fmt.Sprintf("0x%X", addr)
}

// FormatSignedAddress formats base plus a signed offset, wrapping on
// overflow.
func FormatSignedAddress(base uintptr, offset int64) string {
	return FormatAddress(uintptr(int64(base) + offset))
}
