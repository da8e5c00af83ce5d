package memory

import (
	"errors"
	"fmt"
	"unsafe"

	"gitlab.com/stephen-fox/hookkit/pattern"
	"gitlab.com/stephen-fox/hookkit/vmem"
)

// WriteOrExit calls Write and calls DefaultExitFn if an error occurs.
func WriteOrExit(proc vmem.Process, addr uintptr, data []byte) {
	err := Write(proc, addr, data)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to write %d bytes at 0x%x - %w", len(data), addr, err))
	}
}

// Write writes data at addr. The pages spanning the write are made
// read-write-execute for its duration, and the instruction cache is
// flushed afterwards. Write fails with ErrPartialTransfer unless every
// byte was written.
func Write(proc vmem.Process, addr uintptr, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	size := uintptr(len(data))

	oldProt, err := proc.Protect(addr, size, vmem.ProtExecuteReadWrite)
	if err != nil {
		return fmt.Errorf("failed to make 0x%x writable - %w", addr, err)
	}

	n, writeErr := proc.WriteAt(data, addr)

	_, protErr := proc.Protect(addr, size, oldProt)

	if n != len(data) {
		if writeErr == nil {
			writeErr = ErrPartialTransfer
		}

		if !errors.Is(writeErr, ErrPartialTransfer) {
			writeErr = fmt.Errorf("%w - %w", ErrPartialTransfer, writeErr)
		}

		return fmt.Errorf("wrote %d of %d bytes at 0x%x - %w", n, len(data), addr, writeErr)
	}

	if protErr != nil {
		return fmt.Errorf("failed to restore protection %s at 0x%x - %w", oldProt, addr, protErr)
	}

	err = proc.FlushInstructionCache(addr, size)
	if err != nil {
		return fmt.Errorf("failed to flush instruction cache at 0x%x - %w", addr, err)
	}

	return nil
}

// WriteTyped writes the in-memory representation of value at addr.
// T must be a fixed-size type without pointers.
func WriteTyped[T any](proc vmem.Process, addr uintptr, value T) error {
	size := int(unsafe.Sizeof(value))
	if size == 0 {
		return nil
	}

	raw := unsafe.Slice((*byte)(unsafe.Pointer(&value)), size)

	buf := make([]byte, size)
	copy(buf, raw)

	return Write(proc, addr, buf)
}

// WriteHex writes a whitespace-separated hex byte string such as
// "90 90 ?? C3" at addr. Wildcards are written as zero.
func WriteHex(proc vmem.Process, addr uintptr, hexStr string) error {
	pat, err := pattern.Parse(hexStr)
	if err != nil {
		return fmt.Errorf("failed to parse hex string - %w", err)
	}

	return Write(proc, addr, pat.Bytes())
}
