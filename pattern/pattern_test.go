package pattern

import (
	"bytes"
	"errors"
	"math/rand"
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	p, err := Parse("48 8B ?? 74\t05 **")
	if err != nil {
		t.Fatal(err)
	}

	exp := []Token{
		{Value: 0x48},
		{Value: 0x8b},
		{Wildcard: true},
		{Value: 0x74},
		{Value: 0x05},
		{Wildcard: true},
	}

	if !reflect.DeepEqual(p.Tokens(), exp) {
		t.Fatalf("expected %v - got %v", exp, p.Tokens())
	}

	if p.String() != "48 8B ?? 74 05 ??" {
		t.Fatalf("unexpected string form: %q", p.String())
	}
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse("   ")
	if !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty - got %v", err)
	}

	for _, text := range []string{"4", "488B", "GG", "?", "48 ?x"} {
		_, err := Parse(text)
		if err == nil {
			t.Fatalf("%q: expected an error", text)
		}
	}
}

func TestPattern_Bytes(t *testing.T) {
	p := ParseOrExit("90 ?? C3")

	exp := []byte{0x90, 0x00, 0xc3}
	if !bytes.Equal(p.Bytes(), exp) {
		t.Fatalf("expected 0x%x - got 0x%x", exp, p.Bytes())
	}
}

func TestPattern_IndexAll_NearMisses(t *testing.T) {
	p := ParseOrExit("48 8B ?? 74 05")

	rng := rand.New(rand.NewSource(1))
	buf := make([]byte, 4096)
	for i := range buf {
		// Keep random filler from producing accidental matches.
		buf[i] = byte(rng.Intn(0x40))
	}

	expected := map[int]bool{}
	inject := func(at int, b []byte) {
		copy(buf[at:], b)
	}

	for _, at := range []int{0, 100, 1000, 4000} {
		inject(at, []byte{0x48, 0x8b, byte(at), 0x74, 0x05})
		expected[at] = true
	}

	// Differ by one byte outside the wildcard.
	inject(200, []byte{0x48, 0x8b, 0xff, 0x74, 0x06})
	inject(300, []byte{0x49, 0x8b, 0xff, 0x74, 0x05})
	inject(400, []byte{0x48, 0x8b, 0xff, 0x75, 0x05})
	inject(4092, []byte{0x48, 0x8b, 0xff, 0x74})

	got := p.IndexAll(buf)

	if len(got) != len(expected) {
		t.Fatalf("expected %d matches - got %d (%v)", len(expected), len(got), got)
	}

	for _, off := range got {
		if !expected[off] {
			t.Fatalf("unexpected match at %d", off)
		}
	}

	// Cross-check against a brute-force comparison.
	for i := 0; i+p.Len() <= len(buf); i++ {
		want := true
		for j, tok := range p.Tokens() {
			if !tok.Wildcard && buf[i+j] != tok.Value {
				want = false
				break
			}
		}

		if want != expected[i] {
			t.Fatalf("offset %d: brute force says %t", i, want)
		}
	}
}

func TestPattern_IndexAll_Overlapping(t *testing.T) {
	p := ParseOrExit("AA ?? AA")

	got := p.IndexAll([]byte{0xaa, 0xaa, 0xaa, 0xaa})
	exp := []int{0, 1}
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("expected %v - got %v", exp, got)
	}
}

func TestPattern_MatchAt_OutOfBounds(t *testing.T) {
	p := FromBytes([]byte{0x01, 0x02})

	if p.MatchAt([]byte{0x01}, 0) {
		t.Fatalf("pattern longer than buffer should not match")
	}

	if p.MatchAt([]byte{0x01, 0x02}, -1) {
		t.Fatalf("negative offset should not match")
	}
}
