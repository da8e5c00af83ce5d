package conv

import (
	"errors"
	"testing"
)

func TestParseOffset(t *testing.T) {
	tests := map[string]int64{
		"":       0,
		"0x10":   0x10,
		"0X1f":   0x1f,
		"10h":    0x10,
		"1AH":    0x1a,
		"10":     0x10,
		"ff":     0xff,
		"123456": 0x123456,
	}

	for in, exp := range tests {
		got, err := ParseOffset(in)
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}

		if got != exp {
			t.Fatalf("%q: expected 0x%x - got 0x%x", in, exp, got)
		}
	}
}

func TestParseOffset_Invalid(t *testing.T) {
	for _, in := range []string{"0x", "zz", "12g", "h", "0xffffffffffffffff"} {
		_, err := ParseOffset(in)
		if err == nil {
			t.Fatalf("%q: expected an error", in)
		}
	}
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("0x7ff6a1b20000")
	if err != nil {
		t.Fatal(err)
	}

	if addr != 0x7ff6a1b20000 {
		t.Fatalf("expected 0x7ff6a1b20000 - got 0x%x", addr)
	}

	_, err = ParseAddress("0")
	if err == nil {
		t.Fatalf("expected zero address to fail")
	}

	_, err = ParseAddress(" ")
	if !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty - got %v", err)
	}
}

func TestFormatSignedAddress(t *testing.T) {
	got := FormatSignedAddress(0x140000000, 0x1234)
	if got != "0x140001234" {
		t.Fatalf("expected 0x140001234 - got %s", got)
	}
}
