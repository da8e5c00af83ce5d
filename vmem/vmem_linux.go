//go:build linux

package vmem

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	linuxMinAppAddr = 0x10000
	linuxMaxAppAddr = 0x7ffffffff000
)

// The rights are not meaningful on Linux. Access is governed by
// ptrace permissions, which are checked on first use.
func open(pid int, _ Rights) (Process, error) {
	err := unix.Kill(pid, 0)
	if err != nil && !errors.Is(err, unix.EPERM) {
		return nil, fmt.Errorf("failed to signal process - %w", err)
	}

	return &linuxProcess{
		pid: pid,
	}, nil
}

type linuxProcess struct {
	pid int
}

func (o *linuxProcess) PID() int {
	return o.pid
}

func (o *linuxProcess) ReadAt(p []byte, addr uintptr) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	local := []unix.Iovec{{Base: &p[0]}}
	local[0].SetLen(len(p))
	remote := []unix.RemoteIovec{{Base: addr, Len: len(p)}}

	n, err := unix.ProcessVMReadv(o.pid, local, remote, 0)
	if err != nil {
		return 0, o.wrap(fmt.Errorf("process_vm_readv at 0x%x - %w", addr, err))
	}

	if n < len(p) {
		return n, fmt.Errorf("process_vm_readv at 0x%x transferred %d of %d bytes - %w",
			addr, n, len(p), unix.EFAULT)
	}

	return n, nil
}

// WriteAt tries process_vm_writev first. It fails on read-only pages,
// in which case /proc/PID/mem is used because the kernel performs
// writes through it regardless of page protection.
func (o *linuxProcess) WriteAt(p []byte, addr uintptr) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	local := []unix.Iovec{{Base: &p[0]}}
	local[0].SetLen(len(p))
	remote := []unix.RemoteIovec{{Base: addr, Len: len(p)}}

	n, err := unix.ProcessVMWritev(o.pid, local, remote, 0)
	if err == nil && n == len(p) {
		return n, nil
	}
	if errors.Is(err, unix.ESRCH) {
		return 0, o.wrap(fmt.Errorf("process_vm_writev at 0x%x - %w", addr, err))
	}

	mem, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", o.pid), os.O_RDWR, 0)
	if err != nil {
		return 0, o.wrap(fmt.Errorf("failed to open process memory file - %w", err))
	}
	defer mem.Close()

	n, err = mem.WriteAt(p, int64(addr))
	if err != nil {
		return n, o.wrap(fmt.Errorf("failed to write to process memory file at 0x%x - %w", addr, err))
	}

	return n, nil
}

func (o *linuxProcess) Protect(addr uintptr, _ uintptr, _ Protection) (Protection, error) {
	var prot Protection
	found := false

	err := o.Regions(addr, addr+1, func(r Region) error {
		if addr >= r.Base && addr < r.End() {
			prot = r.Protect
			found = true
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if !found {
		return 0, fmt.Errorf("address 0x%x is not mapped - %w", addr, unix.EFAULT)
	}

	// Changing protection requires running mprotect inside the
	// target. Writes go through /proc/PID/mem, which does not need
	// it, so the current protection is reported unchanged.
	return prot, nil
}

func (o *linuxProcess) Alloc(uintptr, uintptr, Protection) (uintptr, error) {
	return 0, fmt.Errorf("remote allocation - %w", ErrUnsupported)
}

func (o *linuxProcess) Free(uintptr) error {
	return fmt.Errorf("remote free - %w", ErrUnsupported)
}

func (o *linuxProcess) Regions(start uintptr, end uintptr, fn func(Region) error) error {
	return o.maps(func(r Region, _ string) error {
		if r.End() <= start || r.Base >= end {
			return nil
		}

		return fn(r)
	})
}

func (o *linuxProcess) Module(name string) (Module, error) {
	var mod Module

	err := o.maps(func(r Region, path string) error {
		if path == "" || !strings.EqualFold(filepath.Base(path), name) {
			return nil
		}

		if mod.Name == "" {
			mod = Module{
				Name: filepath.Base(path),
				Base: r.Base,
				Size: r.Size,
			}
			return nil
		}

		if r.End() > mod.Base+mod.Size {
			mod.Size = r.End() - mod.Base
		}

		return nil
	})
	if err != nil {
		return Module{}, err
	}

	if mod.Name == "" {
		return Module{}, fmt.Errorf("%q - %w", name, ErrModuleNotFound)
	}

	return mod, nil
}

// FlushInstructionCache is a no-op. x86 keeps the instruction
// cache coherent with data writes.
func (o *linuxProcess) FlushInstructionCache(uintptr, uintptr) error {
	if !o.Alive() {
		return ErrProcessGone
	}

	return nil
}

func (o *linuxProcess) AddressRange() (uintptr, uintptr) {
	return linuxMinAppAddr, linuxMaxAppAddr
}

func (o *linuxProcess) AllocationGranularity() uintptr {
	return uintptr(os.Getpagesize())
}

func (o *linuxProcess) Alive() bool {
	err := unix.Kill(o.pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func (o *linuxProcess) Close() error {
	return nil
}

func (o *linuxProcess) maps(fn func(Region, string) error) error {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", o.pid))
	if err != nil {
		return o.wrap(fmt.Errorf("failed to open maps file - %w", err))
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		region, path, err := parseMapsLine(scanner.Text())
		if err != nil {
			return err
		}

		err = fn(region, path)
		if err != nil {
			return err
		}
	}

	err = scanner.Err()
	if err != nil {
		return o.wrap(fmt.Errorf("failed to read maps file - %w", err))
	}

	return nil
}

func (o *linuxProcess) wrap(err error) error {
	if errors.Is(err, ErrProcessGone) || o.Alive() {
		return err
	}

	return fmt.Errorf("%w - %w", ErrProcessGone, err)
}

// parseMapsLine parses one line of /proc/PID/maps:
//
//	55d0c3a00000-55d0c3a21000 r-xp 00000000 08:01 1234 /usr/bin/cat
func parseMapsLine(line string) (Region, string, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Region{}, "", fmt.Errorf("malformed maps line: %q", line)
	}

	startStr, endStr, ok := strings.Cut(fields[0], "-")
	if !ok {
		return Region{}, "", fmt.Errorf("malformed address range: %q", fields[0])
	}

	start, err := strconv.ParseUint(startStr, 16, 64)
	if err != nil {
		return Region{}, "", fmt.Errorf("failed to parse region start %q - %w", startStr, err)
	}

	end, err := strconv.ParseUint(endStr, 16, 64)
	if err != nil {
		return Region{}, "", fmt.Errorf("failed to parse region end %q - %w", endStr, err)
	}

	var path string
	if len(fields) >= 6 {
		path = strings.Join(fields[5:], " ")
	}

	return Region{
		Base:    uintptr(start),
		Size:    uintptr(end - start),
		State:   StateCommit,
		Protect: protectionFromPerms(fields[1]),
	}, path, nil
}

func protectionFromPerms(perms string) Protection {
	if len(perms) < 3 {
		return ProtNoAccess
	}

	r := perms[0] == 'r'
	w := perms[1] == 'w'
	x := perms[2] == 'x'

	switch {
	case x && w:
		return ProtExecuteReadWrite
	case x && r:
		return ProtExecuteRead
	case x:
		return ProtExecute
	case w:
		return ProtReadWrite
	case r:
		return ProtReadOnly
	default:
		return ProtNoAccess
	}
}
