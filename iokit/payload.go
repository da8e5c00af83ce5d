// Package iokit builds binary sequences, such as the bytes written over
// a hooked instruction.
package iokit

import (
	"bytes"
	"encoding/binary"
)

// NewPayloadBuilder instantiates a new PayloadBuilder.
func NewPayloadBuilder() *PayloadBuilder {
	return &PayloadBuilder{}
}

// PayloadBuilder helps build payloads and other binary sequences
// by implementing the "builder pattern". Multi-byte values are
// little endian.
type PayloadBuilder struct {
	buf bytes.Buffer
}

// Byte writes the specified byte to the payload.
func (o *PayloadBuilder) Byte(b byte) *PayloadBuilder {
	o.buf.WriteByte(b)

	return o
}

// Bytes writes the specified []byte to the payload.
func (o *PayloadBuilder) Bytes(b []byte) *PayloadBuilder {
	o.buf.Write(b)

	return o
}

// Int32 writes a signed 32-bit integer to the payload.
func (o *PayloadBuilder) Int32(i int32) *PayloadBuilder {
	var b [4]byte

	binary.LittleEndian.PutUint32(b[:], uint32(i))

	return o.Bytes(b[:])
}

// Uint64 writes an unsigned 64-bit integer to the payload.
func (o *PayloadBuilder) Uint64(u uint64) *PayloadBuilder {
	var b [8]byte

	binary.LittleEndian.PutUint64(b[:], u)

	return o.Bytes(b[:])
}

// RepeatByte writes b to the payload count times.
func (o *PayloadBuilder) RepeatByte(b byte, count int) *PayloadBuilder {
	for i := 0; i < count; i++ {
		o.buf.WriteByte(b)
	}

	return o
}

// Len returns the current length of the payload.
func (o *PayloadBuilder) Len() int {
	return o.buf.Len()
}

// Build returns a copy of the payload.
func (o *PayloadBuilder) Build() []byte {
	cp := make([]byte, o.buf.Len())
	copy(cp, o.buf.Bytes())

	return cp
}
