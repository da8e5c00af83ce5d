//go:build windows

package vmem

import (
	"errors"
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"
)

const stillActive = 259

var (
	kernel32                  = windows.NewLazySystemDLL("kernel32.dll")
	procVirtualAllocEx        = kernel32.NewProc("VirtualAllocEx")
	procVirtualFreeEx         = kernel32.NewProc("VirtualFreeEx")
	procFlushInstructionCache = kernel32.NewProc("FlushInstructionCache")
	procGetSystemInfo         = kernel32.NewProc("GetSystemInfo")
)

type systemInfo struct {
	ProcessorArchitecture     uint16
	Reserved                  uint16
	PageSize                  uint32
	MinimumApplicationAddress uintptr
	MaximumApplicationAddress uintptr
	ActiveProcessorMask       uintptr
	NumberOfProcessors        uint32
	ProcessorType             uint32
	AllocationGranularity     uint32
	ProcessorLevel            uint16
	ProcessorRevision         uint16
}

func open(pid int, rights Rights) (Process, error) {
	handle, err := windows.OpenProcess(uint32(rights), false, uint32(pid))
	if err != nil {
		return nil, err
	}

	var info systemInfo
	procGetSystemInfo.Call(uintptr(unsafe.Pointer(&info)))
	if info.AllocationGranularity == 0 {
		info.AllocationGranularity = 0x10000
		info.MinimumApplicationAddress = 0x10000
		info.MaximumApplicationAddress = 0x7ffffffeffff
	}

	return &windowsProcess{
		pid:    pid,
		handle: handle,
		info:   info,
	}, nil
}

type windowsProcess struct {
	pid    int
	handle windows.Handle
	info   systemInfo
}

func (o *windowsProcess) PID() int {
	return o.pid
}

func (o *windowsProcess) ReadAt(p []byte, addr uintptr) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	var n uintptr
	err := windows.ReadProcessMemory(o.handle, addr, &p[0], uintptr(len(p)), &n)
	if err != nil {
		return int(n), o.wrap(fmt.Errorf("ReadProcessMemory at 0x%x - %w", addr, err))
	}

	return int(n), nil
}

func (o *windowsProcess) WriteAt(p []byte, addr uintptr) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	var n uintptr
	err := windows.WriteProcessMemory(o.handle, addr, &p[0], uintptr(len(p)), &n)
	if err != nil {
		return int(n), o.wrap(fmt.Errorf("WriteProcessMemory at 0x%x - %w", addr, err))
	}

	return int(n), nil
}

func (o *windowsProcess) Protect(addr uintptr, size uintptr, prot Protection) (Protection, error) {
	var old uint32
	err := windows.VirtualProtectEx(o.handle, addr, size, uint32(prot), &old)
	if err != nil {
		return 0, o.wrap(fmt.Errorf("VirtualProtectEx at 0x%x - %w", addr, err))
	}

	return Protection(old), nil
}

func (o *windowsProcess) Alloc(addr uintptr, size uintptr, prot Protection) (uintptr, error) {
	ret, _, err := procVirtualAllocEx.Call(
		uintptr(o.handle),
		addr,
		size,
		windows.MEM_COMMIT|windows.MEM_RESERVE,
		uintptr(prot))
	if ret == 0 {
		return 0, o.wrap(fmt.Errorf("VirtualAllocEx at 0x%x - %w", addr, err))
	}

	return ret, nil
}

func (o *windowsProcess) Free(addr uintptr) error {
	ret, _, err := procVirtualFreeEx.Call(
		uintptr(o.handle),
		addr,
		0,
		windows.MEM_RELEASE)
	if ret == 0 {
		return o.wrap(fmt.Errorf("VirtualFreeEx at 0x%x - %w", addr, err))
	}

	return nil
}

func (o *windowsProcess) Regions(start uintptr, end uintptr, fn func(Region) error) error {
	addr := start

	for addr < end {
		var mbi windows.MemoryBasicInformation
		err := windows.VirtualQueryEx(o.handle, addr, &mbi, unsafe.Sizeof(mbi))
		if err != nil {
			if !o.Alive() {
				return fmt.Errorf("VirtualQueryEx at 0x%x - %w", addr, ErrProcessGone)
			}

			// Past the last region.
			return nil
		}

		err = fn(Region{
			Base:    mbi.BaseAddress,
			Size:    mbi.RegionSize,
			State:   State(mbi.State),
			Protect: Protection(mbi.Protect),
		})
		if err != nil {
			return err
		}

		next := mbi.BaseAddress + mbi.RegionSize
		if next <= addr {
			return nil
		}

		addr = next
	}

	return nil
}

func (o *windowsProcess) Module(name string) (Module, error) {
	var needed uint32
	modules := make([]windows.Handle, 1024)

	err := windows.EnumProcessModules(o.handle, &modules[0],
		uint32(len(modules))*uint32(unsafe.Sizeof(modules[0])), &needed)
	if err != nil {
		return Module{}, o.wrap(fmt.Errorf("EnumProcessModules - %w", err))
	}

	count := int(needed / uint32(unsafe.Sizeof(modules[0])))
	if count > len(modules) {
		count = len(modules)
	}

	for _, mod := range modules[:count] {
		nameBuf := make([]uint16, windows.MAX_PATH)
		err := windows.GetModuleBaseName(o.handle, mod, &nameBuf[0], uint32(len(nameBuf)))
		if err != nil {
			continue
		}

		modName := windows.UTF16ToString(nameBuf)
		if !strings.EqualFold(modName, name) {
			continue
		}

		var info windows.ModuleInfo
		err = windows.GetModuleInformation(o.handle, mod, &info, uint32(unsafe.Sizeof(info)))
		if err != nil {
			return Module{}, o.wrap(fmt.Errorf("GetModuleInformation for %q - %w", modName, err))
		}

		return Module{
			Name: modName,
			Base: info.BaseOfDll,
			Size: uintptr(info.SizeOfImage),
		}, nil
	}

	return Module{}, fmt.Errorf("%q - %w", name, ErrModuleNotFound)
}

func (o *windowsProcess) FlushInstructionCache(addr uintptr, size uintptr) error {
	ret, _, err := procFlushInstructionCache.Call(uintptr(o.handle), addr, size)
	if ret == 0 {
		return o.wrap(fmt.Errorf("FlushInstructionCache at 0x%x - %w", addr, err))
	}

	return nil
}

func (o *windowsProcess) AddressRange() (uintptr, uintptr) {
	return o.info.MinimumApplicationAddress, o.info.MaximumApplicationAddress
}

func (o *windowsProcess) AllocationGranularity() uintptr {
	return uintptr(o.info.AllocationGranularity)
}

func (o *windowsProcess) Alive() bool {
	var code uint32
	err := windows.GetExitCodeProcess(o.handle, &code)
	if err != nil {
		return false
	}

	return code == stillActive
}

func (o *windowsProcess) Close() error {
	return windows.CloseHandle(o.handle)
}

func (o *windowsProcess) wrap(err error) error {
	if errors.Is(err, ErrProcessGone) || o.Alive() {
		return err
	}

	return fmt.Errorf("%w - %w", ErrProcessGone, err)
}
