// Package asmkit encodes and decodes x86-64 instructions.
//
// The Disassembler is only used to learn instruction lengths and to
// produce a human-readable display form. The Assembler compiles the
// small Intel-syntax dialect used by hook fragments.
package asmkit

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

const (
	SkipSyntax  DisassemblySyntax = ""
	ATTSyntax   DisassemblySyntax = "att"
	GoSyntax    DisassemblySyntax = "go"
	IntelSyntax DisassemblySyntax = "intel"
)

type DisassemblySyntax string

type DisassemblerConfig struct {
	Syntax DisassemblySyntax
}

func NewDisassembler(config DisassemblerConfig) (*Disassembler, error) {
	var disassemblyFn func(inst x86asm.Inst, pc uint64) string

	switch config.Syntax {
	case SkipSyntax:
		// Do nothing.
	case ATTSyntax:
		disassemblyFn = func(inst x86asm.Inst, pc uint64) string {
			return x86asm.GNUSyntax(inst, pc, nil)
		}
	case GoSyntax:
		disassemblyFn = func(inst x86asm.Inst, pc uint64) string {
			return x86asm.GoSyntax(inst, pc, nil)
		}
	case IntelSyntax:
		disassemblyFn = func(inst x86asm.Inst, pc uint64) string {
			return x86asm.IntelSyntax(inst, pc, nil)
		}
	default:
		return nil, fmt.Errorf("unsupported syntax type for x86: %q", config.Syntax)
	}

	return &Disassembler{
		disassemblyFn: disassemblyFn,
	}, nil
}

// Disassembler decodes 64-bit x86 instructions.
type Disassembler struct {
	disassemblyFn func(inst x86asm.Inst, pc uint64) string
}

// Next decodes the first instruction in bin, which is located at addr.
func (o *Disassembler) Next(bin []byte, addr uintptr) (Inst, error) {
	x86Inst, err := x86asm.Decode(bin, 64)
	if err != nil {
		return Inst{}, err
	}

	var disassembly string
	if o.disassemblyFn != nil {
		disassembly = o.disassemblyFn(x86Inst, uint64(addr))
	}

	return Inst{
		Address: addr,
		Bin:     copySlice(bin, x86Inst.Len),
		Len:     x86Inst.Len,
		Dis:     disassembly,
		Inst:    x86Inst,
	}, nil
}

// All decodes every instruction in bin, which starts at addr.
func (o *Disassembler) All(bin []byte, addr uintptr, onDecodeFn func(Inst) error) error {
	index := 0

	for index < len(bin) {
		inst, err := o.Next(bin[index:], addr+uintptr(index))
		if err != nil {
			return fmt.Errorf("failed to decode instruction at offset %d - %w - remaining data: 0x%x",
				index, err, bin[index:])
		}

		inst.Index = index

		err = onDecodeFn(inst)
		if err != nil {
			return fmt.Errorf("on decode function failed for instruction %d (%q) - %w",
				index, inst.Dis, err)
		}

		index += inst.Len
	}

	return nil
}

// DecodeLength returns the length and display form of the first
// instruction in bin.
func (o *Disassembler) DecodeLength(bin []byte, addr uintptr) (int, string, error) {
	inst, err := o.Next(bin, addr)
	if err != nil {
		return 0, "", err
	}

	return inst.Len, inst.Dis, nil
}

// Inst is a decoded instruction.
type Inst struct {
	Address uintptr
	Bin     []byte
	Len     int
	Index   int
	Dis     string
	Inst    x86asm.Inst `json:"-"`
}

// BranchTarget returns the absolute destination of a relative jmp,
// call, or conditional jump.
func (o Inst) BranchTarget() (uintptr, bool) {
	rel, ok := o.Inst.Args[0].(x86asm.Rel)
	if !ok {
		return 0, false
	}

	return uintptr(int64(o.Address) + int64(o.Len) + int64(rel)), true
}

func copySlice(src []byte, numBytes int) []byte {
	cp := make([]byte, numBytes)

	copy(cp, src[0:numBytes])

	return cp
}
