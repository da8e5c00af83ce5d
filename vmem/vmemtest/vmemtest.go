// Package vmemtest provides an in-memory vmem.Process for tests.
//
// The fake keeps its address space as a sorted set of regions backed by
// byte slices. It enforces page protections on reads and writes the way
// the real implementations do, counts writes and allocations, and can be
// "killed" to exercise process-gone paths.
package vmemtest

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"gitlab.com/stephen-fox/hookkit/vmem"
)

const (
	DefaultMinAddr     = 0x10000
	DefaultMaxAddr     = 0x7ffffffeffff
	DefaultGranularity = 0x10000
	pageSize           = 0x1000
)

// Write records a single successful call to WriteAt.
type Write struct {
	Addr uintptr
	Data []byte
}

// New returns an empty fake process with the specified pid.
func New(pid int) *Process {
	return &Process{
		pid:     pid,
		minAddr: DefaultMinAddr,
		maxAddr: DefaultMaxAddr,
		gran:    DefaultGranularity,
		allocs:  make(map[uintptr]bool),
		failAt:  make(map[uintptr]bool),
	}
}

type region struct {
	base    uintptr
	data    []byte
	state   vmem.State
	protect vmem.Protection
}

func (o *region) end() uintptr {
	return o.base + uintptr(len(o.data))
}

// Process is a fake vmem.Process.
type Process struct {
	mu       sync.Mutex
	pid      int
	regions  []*region
	modules  []vmem.Module
	allocs   map[uintptr]bool
	failAt   map[uintptr]bool
	writes   []Write
	flushes  int
	numAlloc int
	numFree  int
	dead     bool
	closed   bool
	minAddr  uintptr
	maxAddr  uintptr
	gran     uintptr
}

var _ vmem.Process = (*Process)(nil)

// Map adds a committed region at base containing a copy of data.
func (o *Process) Map(base uintptr, data []byte, prot vmem.Protection) *Process {
	o.mu.Lock()
	defer o.mu.Unlock()

	cp := make([]byte, len(data))
	copy(cp, data)

	o.insert(&region{
		base:    base,
		data:    cp,
		state:   vmem.StateCommit,
		protect: prot,
	})

	return o
}

// Reserve adds a reserved, uncommitted region.
func (o *Process) Reserve(base uintptr, size uintptr) *Process {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.insert(&region{
		base:    base,
		data:    make([]byte, size),
		state:   vmem.StateReserve,
		protect: vmem.ProtNoAccess,
	})

	return o
}

// AddModule registers a module. The caller is expected to Map its
// contents separately.
func (o *Process) AddModule(name string, base uintptr, size uintptr) *Process {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.modules = append(o.modules, vmem.Module{
		Name: name,
		Base: base,
		Size: size,
	})

	return o
}

// FailReadsAt makes every read of the region starting at base fail,
// as if it was freed after being enumerated.
func (o *Process) FailReadsAt(base uintptr) *Process {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.failAt[base] = true

	return o
}

// SetAddressRange overrides the application address range.
func (o *Process) SetAddressRange(lowest uintptr, highest uintptr) *Process {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.minAddr = lowest
	o.maxAddr = highest

	return o
}

// Kill marks the process as exited.
func (o *Process) Kill() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.dead = true
}

// Bytes returns a copy of size bytes at addr, ignoring protections.
// It panics if the range is not mapped.
func (o *Process) Bytes(addr uintptr, size int) []byte {
	o.mu.Lock()
	defer o.mu.Unlock()

	r := o.find(addr)
	if r == nil || addr+uintptr(size) > r.end() {
		panic(fmt.Sprintf("vmemtest: 0x%x+%d is not mapped", addr, size))
	}

	off := addr - r.base
	cp := make([]byte, size)
	copy(cp, r.data[off:off+uintptr(size)])

	return cp
}

// Writes returns every successful write in call order.
func (o *Process) Writes() []Write {
	o.mu.Lock()
	defer o.mu.Unlock()

	cp := make([]Write, len(o.writes))
	copy(cp, o.writes)

	return cp
}

// NumWrites returns the number of successful writes.
func (o *Process) NumWrites() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return len(o.writes)
}

// NumFlushes returns the number of instruction cache flushes.
func (o *Process) NumFlushes() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.flushes
}

// Allocations returns the addresses of live allocations in ascending
// order.
func (o *Process) Allocations() []uintptr {
	o.mu.Lock()
	defer o.mu.Unlock()

	var addrs []uintptr
	for addr := range o.allocs {
		addrs = append(addrs, addr)
	}

	sort.Slice(addrs, func(i, j int) bool {
		return addrs[i] < addrs[j]
	})

	return addrs
}

// NumAllocs returns the total number of successful allocations.
func (o *Process) NumAllocs() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.numAlloc
}

// NumFrees returns the total number of successful frees.
func (o *Process) NumFrees() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.numFree
}

// IsClosed returns true if Close was called.
func (o *Process) IsClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.closed
}

func (o *Process) PID() int {
	return o.pid
}

func (o *Process) ReadAt(p []byte, addr uintptr) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.dead {
		return 0, vmem.ErrProcessGone
	}

	n := 0
	for n < len(p) {
		cur := addr + uintptr(n)

		r := o.find(cur)
		if r == nil || r.state != vmem.StateCommit || !readable(r.protect) || o.failAt[r.base] {
			return n, fmt.Errorf("read at 0x%x - access violation", cur)
		}

		n += copy(p[n:], r.data[cur-r.base:])
	}

	return n, nil
}

func (o *Process) WriteAt(p []byte, addr uintptr) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.dead {
		return 0, vmem.ErrProcessGone
	}

	n := 0
	for n < len(p) {
		cur := addr + uintptr(n)

		r := o.find(cur)
		if r == nil || r.state != vmem.StateCommit || !writable(r.protect) {
			return n, fmt.Errorf("write at 0x%x - access violation", cur)
		}

		n += copy(r.data[cur-r.base:], p[n:])
	}

	cp := make([]byte, len(p))
	copy(cp, p)
	o.writes = append(o.writes, Write{Addr: addr, Data: cp})

	return n, nil
}

func (o *Process) Protect(addr uintptr, size uintptr, prot vmem.Protection) (vmem.Protection, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.dead {
		return 0, vmem.ErrProcessGone
	}

	r := o.find(addr)
	if r == nil || r.state != vmem.StateCommit {
		return 0, fmt.Errorf("protect at 0x%x - address is not committed", addr)
	}

	if addr+size > r.end() {
		return 0, fmt.Errorf("protect at 0x%x - range spans multiple regions", addr)
	}

	old := r.protect
	r.protect = prot

	return old, nil
}

func (o *Process) Alloc(addr uintptr, size uintptr, prot vmem.Protection) (uintptr, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.dead {
		return 0, vmem.ErrProcessGone
	}

	size = (size + pageSize - 1) &^ (pageSize - 1)

	if addr == 0 {
		addr = o.minAddr
		for !o.isFree(addr, size) {
			addr += o.gran
			if addr > o.maxAddr {
				return 0, vmem.ErrOutOfMemory
			}
		}
	} else {
		addr &^= o.gran - 1
		if addr < o.minAddr || addr+size > o.maxAddr || !o.isFree(addr, size) {
			return 0, fmt.Errorf("alloc at 0x%x - address is in use", addr)
		}
	}

	o.insert(&region{
		base:    addr,
		data:    make([]byte, size),
		state:   vmem.StateCommit,
		protect: prot,
	})

	o.allocs[addr] = true
	o.numAlloc++

	return addr, nil
}

func (o *Process) Free(addr uintptr) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.dead {
		return vmem.ErrProcessGone
	}

	if !o.allocs[addr] {
		return fmt.Errorf("free at 0x%x - not an allocation", addr)
	}

	for i, r := range o.regions {
		if r.base == addr {
			o.regions = append(o.regions[:i], o.regions[i+1:]...)
			break
		}
	}

	delete(o.allocs, addr)
	o.numFree++

	return nil
}

func (o *Process) Regions(start uintptr, end uintptr, fn func(vmem.Region) error) error {
	o.mu.Lock()
	if o.dead {
		o.mu.Unlock()
		return vmem.ErrProcessGone
	}

	var snapshot []vmem.Region
	for _, r := range o.regions {
		if r.end() <= start || r.base >= end {
			continue
		}

		snapshot = append(snapshot, vmem.Region{
			Base:    r.base,
			Size:    uintptr(len(r.data)),
			State:   r.state,
			Protect: r.protect,
		})
	}
	o.mu.Unlock()

	for _, r := range snapshot {
		err := fn(r)
		if err != nil {
			return err
		}
	}

	return nil
}

func (o *Process) Module(name string) (vmem.Module, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.dead {
		return vmem.Module{}, vmem.ErrProcessGone
	}

	for _, mod := range o.modules {
		if strings.EqualFold(mod.Name, name) {
			return mod, nil
		}
	}

	return vmem.Module{}, fmt.Errorf("%q - %w", name, vmem.ErrModuleNotFound)
}

func (o *Process) FlushInstructionCache(uintptr, uintptr) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.dead {
		return vmem.ErrProcessGone
	}

	o.flushes++

	return nil
}

func (o *Process) AddressRange() (uintptr, uintptr) {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.minAddr, o.maxAddr
}

func (o *Process) AllocationGranularity() uintptr {
	return o.gran
}

func (o *Process) Alive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return !o.dead
}

func (o *Process) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.closed = true

	return nil
}

func (o *Process) insert(r *region) {
	o.regions = append(o.regions, r)

	sort.Slice(o.regions, func(i, j int) bool {
		return o.regions[i].base < o.regions[j].base
	})
}

func (o *Process) find(addr uintptr) *region {
	for _, r := range o.regions {
		if addr >= r.base && addr < r.end() {
			return r
		}
	}

	return nil
}

func (o *Process) isFree(addr uintptr, size uintptr) bool {
	for _, r := range o.regions {
		if addr < r.end() && r.base < addr+size {
			return false
		}
	}

	return true
}

func readable(prot vmem.Protection) bool {
	if prot&vmem.ProtGuard != 0 {
		return false
	}

	switch prot {
	case vmem.ProtNoAccess, vmem.ProtExecute:
		return false
	default:
		return true
	}
}

func writable(prot vmem.Protection) bool {
	switch prot &^ vmem.ProtGuard {
	case vmem.ProtReadWrite, vmem.ProtWriteCopy, vmem.ProtExecuteReadWrite, vmem.ProtExecuteWriteCopy:
		return true
	default:
		return false
	}
}
