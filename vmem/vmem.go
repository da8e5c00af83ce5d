// Package vmem provides access to the virtual memory of another process.
//
// A Process is opened once and shared by everything that needs to read,
// write, protect, or allocate memory in the target. The target may exit at
// any time. Once it does, methods return an error wrapping ErrProcessGone
// rather than faulting.
//
// Protection and state values use the Windows PAGE_* and MEM_* encoding
// on every platform. Other platforms translate to and from it.
package vmem

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrProcessGone is returned when the target process has exited
	// or the handle no longer refers to it.
	ErrProcessGone = errors.New("process is no longer running")

	// ErrUnsupported is returned by operations the current platform
	// cannot perform on another process.
	ErrUnsupported = errors.New("operation is not supported on this platform")

	// ErrModuleNotFound is returned when a named module is not
	// loaded in the target process.
	ErrModuleNotFound = errors.New("module not found")

	// ErrOutOfMemory is returned when no memory could be allocated
	// in the target process.
	ErrOutOfMemory = errors.New("failed to allocate memory in target process")
)

// Protection is a page protection value.
type Protection uint32

const (
	ProtNoAccess         Protection = 0x01
	ProtReadOnly         Protection = 0x02
	ProtReadWrite        Protection = 0x04
	ProtWriteCopy        Protection = 0x08
	ProtExecute          Protection = 0x10
	ProtExecuteRead      Protection = 0x20
	ProtExecuteReadWrite Protection = 0x40
	ProtExecuteWriteCopy Protection = 0x80
	ProtGuard            Protection = 0x100
)

func (o Protection) String() string {
	var names []string

	switch o &^ ProtGuard {
	case ProtNoAccess:
		names = append(names, "---")
	case ProtReadOnly:
		names = append(names, "r--")
	case ProtReadWrite, ProtWriteCopy:
		names = append(names, "rw-")
	case ProtExecute:
		names = append(names, "--x")
	case ProtExecuteRead:
		names = append(names, "r-x")
	case ProtExecuteReadWrite, ProtExecuteWriteCopy:
		names = append(names, "rwx")
	default:
		names = append(names, fmt.Sprintf("0x%x", uint32(o&^ProtGuard)))
	}

	if o&ProtGuard != 0 {
		names = append(names, "guard")
	}

	return strings.Join(names, "|")
}

// State is the allocation state of a region.
type State uint32

const (
	StateCommit  State = 0x1000
	StateReserve State = 0x2000
	StateFree    State = 0x10000
)

func (o State) String() string {
	switch o {
	case StateCommit:
		return "commit"
	case StateReserve:
		return "reserve"
	case StateFree:
		return "free"
	default:
		return fmt.Sprintf("0x%x", uint32(o))
	}
}

// Region is a snapshot of one contiguous range of a process' address
// space sharing a single state and protection. The target may change
// its layout at any time, so a Region is only valid when it is returned.
type Region struct {
	Base    uintptr
	Size    uintptr
	State   State
	Protect Protection
}

// End returns the first address after the region.
func (o Region) End() uintptr {
	return o.Base + o.Size
}

// IsScannable returns true if the region is committed and its protection
// is exactly read-write, read-only, or execute-read.
func (o Region) IsScannable() bool {
	if o.State != StateCommit {
		return false
	}

	switch o.Protect {
	case ProtReadWrite, ProtReadOnly, ProtExecuteRead:
		return true
	default:
		return false
	}
}

func (o Region) String() string {
	return fmt.Sprintf("0x%x-0x%x %s %s", o.Base, o.End(), o.State, o.Protect)
}

// Module describes an image loaded in a process.
type Module struct {
	Name string
	Base uintptr
	Size uintptr
}

// Rights are the access rights requested when opening a process.
type Rights uint32

const (
	RightsVMOperation Rights = 0x0008
	RightsVMRead      Rights = 0x0010
	RightsVMWrite     Rights = 0x0020
	RightsQueryInfo   Rights = 0x0400

	// RightsDefault is everything memory I/O, scanning, and hooking need.
	RightsDefault = RightsVMOperation | RightsVMRead | RightsVMWrite | RightsQueryInfo
)

// Process is an opened handle to a running process.
type Process interface {
	// PID returns the process ID.
	PID() int

	// ReadAt copies memory at addr into p, returning the number
	// of bytes transferred. A partial transfer returns the count
	// alongside the error that stopped it.
	ReadAt(p []byte, addr uintptr) (int, error)

	// WriteAt copies p to memory at addr. It does not change
	// page protections.
	WriteAt(p []byte, addr uintptr) (int, error)

	// Protect changes the protection of the pages spanning
	// addr to addr+size, returning the previous protection.
	Protect(addr uintptr, size uintptr, prot Protection) (Protection, error)

	// Alloc commits size bytes at addr, or anywhere if addr is zero.
	Alloc(addr uintptr, size uintptr, prot Protection) (uintptr, error)

	// Free releases an allocation returned by Alloc.
	Free(addr uintptr) error

	// Regions calls fn for every region that starts between start
	// and end, in ascending order. Enumeration stops if fn returns
	// a non-nil error, which Regions returns.
	Regions(start uintptr, end uintptr, fn func(Region) error) error

	// Module finds a loaded module by name. Matching is
	// case-insensitive.
	Module(name string) (Module, error)

	// FlushInstructionCache invalidates the instruction cache
	// for the specified range.
	FlushInstructionCache(addr uintptr, size uintptr) error

	// AddressRange returns the lowest and highest addresses
	// available to applications.
	AddressRange() (uintptr, uintptr)

	// AllocationGranularity returns the alignment of addresses
	// returned by Alloc.
	AllocationGranularity() uintptr

	// Alive returns true if the process is still running.
	Alive() bool

	// Close releases the handle.
	Close() error
}

// Open opens a process with the specified access rights.
func Open(pid int, rights Rights) (Process, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("invalid pid: %d", pid)
	}

	proc, err := open(pid, rights)
	if err != nil {
		return nil, fmt.Errorf("failed to open process %d - %w", pid, err)
	}

	return proc, nil
}
