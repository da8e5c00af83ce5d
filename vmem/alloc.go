package vmem

import (
	"errors"
	"fmt"
)

// MaxNearDistance is how far from the target AllocNear will search.
// It keeps the allocation reachable with a rel32 jump.
const MaxNearDistance = 0x7fffffff

// AllocNear allocates size bytes of read-write-execute memory as close
// to target as possible. It first tries target itself and then walks
// outward in steps of the allocation granularity, trying above before
// below, until MaxNearDistance is reached.
func AllocNear(proc Process, target uintptr, size uintptr) (uintptr, error) {
	if size == 0 {
		return 0, errors.New("allocation size cannot be zero")
	}

	gran := proc.AllocationGranularity()
	if gran == 0 {
		gran = 0x10000
	}

	minAddr, maxAddr := proc.AddressRange()

	try := func(addr uintptr) (uintptr, bool, error) {
		if addr < minAddr || addr > maxAddr || addr+size < addr {
			return 0, false, nil
		}

		got, err := proc.Alloc(addr, size, ProtExecuteReadWrite)
		if err != nil {
			if errors.Is(err, ErrProcessGone) || errors.Is(err, ErrUnsupported) {
				return 0, false, err
			}

			return 0, false, nil
		}

		return got, true, nil
	}

	base := target &^ (gran - 1)

	addr, ok, err := try(base)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate 0x%x bytes at 0x%x - %w", size, base, err)
	}
	if ok {
		return addr, nil
	}

	for offset := gran; offset < MaxNearDistance; offset += gran {
		if base+offset > base {
			addr, ok, err = try(base + offset)
			if err != nil {
				return 0, fmt.Errorf("failed to allocate 0x%x bytes near 0x%x - %w", size, target, err)
			}
			if ok {
				return addr, nil
			}
		}

		if base-offset < base {
			addr, ok, err = try(base - offset)
			if err != nil {
				return 0, fmt.Errorf("failed to allocate 0x%x bytes near 0x%x - %w", size, target, err)
			}
			if ok {
				return addr, nil
			}
		}
	}

	return 0, fmt.Errorf("no free block of 0x%x bytes within 0x%x of 0x%x - %w",
		size, uintptr(MaxNearDistance), target, ErrOutOfMemory)
}
