// Package pattern parses and matches byte signatures.
//
// A signature is a whitespace-separated list of two-digit hex bytes.
// "??" or "**" stands for any byte:
//
//	48 8B ?? 74 05
package pattern

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrEmpty is returned when a pattern contains no tokens.
var ErrEmpty = errors.New("pattern is empty")

// Token is a single byte of a Pattern.
type Token struct {
	Value    byte
	Wildcard bool
}

// Pattern is an immutable sequence of tokens.
type Pattern struct {
	tokens []Token
}

// ParseOrExit calls Parse and calls DefaultExitFn if an error occurs.
func ParseOrExit(text string) Pattern {
	p, err := Parse(text)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to parse pattern %q - %w", text, err))
	}
	return p
}

// Parse parses the text form of a pattern.
func Parse(text string) (Pattern, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Pattern{}, ErrEmpty
	}

	tokens := make([]Token, len(fields))

	for i, field := range fields {
		if field == "??" || field == "**" {
			tokens[i] = Token{Wildcard: true}
			continue
		}

		if len(field) != 2 {
			return Pattern{}, fmt.Errorf("token %d (%q) is not a two-digit hex byte", i, field)
		}

		b, err := strconv.ParseUint(field, 16, 8)
		if err != nil {
			return Pattern{}, fmt.Errorf("failed to parse token %d (%q) - %w", i, field, err)
		}

		tokens[i] = Token{Value: byte(b)}
	}

	return Pattern{tokens: tokens}, nil
}

// FromBytes returns a pattern that matches b exactly.
func FromBytes(b []byte) Pattern {
	tokens := make([]Token, len(b))
	for i := range b {
		tokens[i] = Token{Value: b[i]}
	}

	return Pattern{tokens: tokens}
}

// Len returns the number of tokens.
func (o Pattern) Len() int {
	return len(o.tokens)
}

// Tokens returns a copy of the tokens.
func (o Pattern) Tokens() []Token {
	cp := make([]Token, len(o.tokens))
	copy(cp, o.tokens)
	return cp
}

// Bytes returns the pattern's bytes with wildcards set to zero.
func (o Pattern) Bytes() []byte {
	b := make([]byte, len(o.tokens))
	for i, tok := range o.tokens {
		if !tok.Wildcard {
			b[i] = tok.Value
		}
	}

	return b
}

// MatchAt returns true if the pattern matches buf at offset i.
func (o Pattern) MatchAt(buf []byte, i int) bool {
	if len(o.tokens) == 0 || i < 0 || i+len(o.tokens) > len(buf) {
		return false
	}

	for j, tok := range o.tokens {
		if !tok.Wildcard && buf[i+j] != tok.Value {
			return false
		}
	}

	return true
}

// IndexAll returns the offset of every match in buf, in ascending
// order. Matches may overlap.
func (o Pattern) IndexAll(buf []byte) []int {
	var offsets []int

	last := len(buf) - len(o.tokens)
	for i := 0; i <= last; i++ {
		if o.MatchAt(buf, i) {
			offsets = append(offsets, i)
		}
	}

	return offsets
}

// String returns the canonical text form.
func (o Pattern) String() string {
	var sb strings.Builder

	for i, tok := range o.tokens {
		if i > 0 {
			sb.WriteByte(' ')
		}

		if tok.Wildcard {
			sb.WriteString("??")
		} else {
			fmt.Fprintf(&sb, "%02X", tok.Value)
		}
	}

	return sb.String()
}
