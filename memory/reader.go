package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"
	"unsafe"

	"gitlab.com/stephen-fox/hookkit/vmem"
)

// ReadOrExit calls Read and calls DefaultExitFn if an error occurs.
func ReadOrExit(proc vmem.Process, addr uintptr, size int) []byte {
	b, err := Read(proc, addr, size)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to read %d bytes at 0x%x - %w", size, addr, err))
	}
	return b
}

// Read reads up to size bytes at addr. The returned slice holds exactly
// the bytes that were transferred, which may be fewer than size.
func Read(proc vmem.Process, addr uintptr, size int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("invalid read size: %d", size)
	}

	if size == 0 {
		return []byte{}, nil
	}

	buf, release := scratch(size)
	defer release()

	n, err := ReadInto(proc, addr, buf)
	if err != nil {
		return nil, err
	}

	out := make([]byte, n)
	copy(out, buf[:n])

	return out, nil
}

// ReadInto reads len(dst) bytes at addr into dst, returning the number
// of bytes transferred. It only fails if nothing was transferred.
func ReadInto(proc vmem.Process, addr uintptr, dst []byte) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}

	n, err := proc.ReadAt(dst, addr)
	if n > 0 {
		return n, nil
	}

	if err == nil {
		err = ErrPartialTransfer
	}

	return 0, fmt.Errorf("failed to read memory at 0x%x - %w", addr, err)
}

// ReadTyped reads a T at addr. T must be a fixed-size type without
// pointers, such as an integer, a float, or a struct or array of them.
func ReadTyped[T any](proc vmem.Process, addr uintptr) (T, error) {
	var v T

	size := int(unsafe.Sizeof(v))
	if size == 0 {
		return v, nil
	}

	buf, release := scratch(size)
	defer release()

	err := readExact(proc, addr, buf)
	if err != nil {
		return v, err
	}

	copy(unsafe.Slice((*byte)(unsafe.Pointer(&v)), size), buf)

	return v, nil
}

// ReadPointer reads a 64-bit address at addr.
func ReadPointer(proc vmem.Process, addr uintptr) (uintptr, error) {
	var buf [8]byte

	err := readExact(proc, addr, buf[:])
	if err != nil {
		return 0, err
	}

	return uintptr(binary.LittleEndian.Uint64(buf[:])), nil
}

// ReadArray reads up to count consecutive Ts at addr. If the transfer
// stops early, only whole elements are returned.
func ReadArray[T any](proc vmem.Process, addr uintptr, count int) ([]T, error) {
	if count < 0 {
		return nil, fmt.Errorf("invalid element count: %d", count)
	}

	var zero T
	elemSize := int(unsafe.Sizeof(zero))

	out := make([]T, count)
	if count == 0 || elemSize == 0 {
		return out, nil
	}

	raw := unsafe.Slice((*byte)(unsafe.Pointer(&out[0])), elemSize*count)

	n, err := ReadInto(proc, addr, raw)
	if err != nil {
		return nil, err
	}

	return out[:n/elemSize], nil
}

// ReadArrayExact is like ReadArray, but fails with ErrPartialTransfer
// unless all count elements were read.
func ReadArrayExact[T any](proc vmem.Process, addr uintptr, count int) ([]T, error) {
	out, err := ReadArray[T](proc, addr, count)
	if err != nil {
		return nil, err
	}

	if len(out) != count {
		return nil, fmt.Errorf("read %d of %d elements at 0x%x - %w",
			len(out), count, addr, ErrPartialTransfer)
	}

	return out, nil
}

// ReadCString reads a NUL-terminated string of at most maxLength
// characters. If wide is true, the string is UTF-16LE and terminated
// by a 16-bit NUL. If no terminator is found, the string is maxLength
// characters long. Nothing past maxLength characters is read.
func ReadCString(proc vmem.Process, addr uintptr, maxLength int, wide bool) (string, error) {
	if maxLength <= 0 {
		return "", nil
	}

	charSize := 1
	if wide {
		charSize = 2
	}

	buf, release := scratch(maxLength * charSize)
	defer release()

	n, err := ReadInto(proc, addr, buf)
	if err != nil {
		return "", err
	}

	buf = buf[:n-n%charSize]

	if !wide {
		for i, b := range buf {
			if b == 0 {
				return string(buf[:i]), nil
			}
		}

		return string(buf), nil
	}

	units := make([]uint16, 0, len(buf)/2)
	for i := 0; i+1 < len(buf); i += 2 {
		u := binary.LittleEndian.Uint16(buf[i:])
		if u == 0 {
			break
		}

		units = append(units, u)
	}

	return string(utf16.Decode(units)), nil
}

// IsReadable returns true if size bytes at addr can be read.
func IsReadable(proc vmem.Process, addr uintptr, size int) bool {
	if size <= 0 {
		return false
	}

	buf, release := scratch(size)
	defer release()

	return readExact(proc, addr, buf) == nil
}

// Span is an address and size.
type Span struct {
	Addr uintptr
	Size int
}

// ReadMultiple reads every span. A span that cannot be read at all
// produces a nil entry.
func ReadMultiple(proc vmem.Process, spans []Span) [][]byte {
	out := make([][]byte, len(spans))

	for i, span := range spans {
		b, err := Read(proc, span.Addr, span.Size)
		if err != nil {
			continue
		}

		out[i] = b
	}

	return out
}

func readExact(proc vmem.Process, addr uintptr, dst []byte) error {
	n, err := proc.ReadAt(dst, addr)
	if n == len(dst) {
		return nil
	}

	if err == nil {
		err = ErrPartialTransfer
	}

	if !errors.Is(err, ErrPartialTransfer) {
		err = fmt.Errorf("%w - %w", ErrPartialTransfer, err)
	}

	return fmt.Errorf("read %d of %d bytes at 0x%x - %w", n, len(dst), addr, err)
}
