package asmkit

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
	"gitlab.com/stephen-fox/hookkit/iokit"
	"golang.org/x/arch/x86/x86asm"
)

const (
	opcodeJmpRel32  = 0xe9
	opcodeCallRel32 = 0xe8
	opcodeNop       = 0x90
	opcodeInt3      = 0xcc
	opcodeRet       = 0xc3

	// JmpRel32Len is the length of a jmp with a 32-bit displacement.
	JmpRel32Len = 5
)

// ErrUnsupported is returned for instructions or operand forms
// the Assembler cannot encode.
var ErrUnsupported = errors.New("unsupported instruction")

// NewAssembler returns an Assembler for the Intel syntax dialect
// described on Assembler.Compile.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Assembler compiles Intel syntax assembly into x86-64 machine code.
type Assembler struct{}

// Compile assembles text as if it was located at addr.
//
// Statements are separated by newlines or semicolons. Supported forms:
//
//	nop, int3, ret
//	db/dw/dd/dq VALUE [, VALUE...]
//	jmp/call/jcc ADDRESS    (rel32, or an absolute form if out of range)
//	jmp/call REG
//	mov add sub xor and or cmp test lea push pop inc dec
//	with register, immediate, and [base+index*scale+disp] operands
//
// Memory operands may be sized with "byte ptr", "word ptr", "dword ptr",
// or "qword ptr". An absolute address that does not fit in a signed
// 32-bit displacement is encoded relative to rip, so it must be within
// 2 GiB of the instruction.
func (o *Assembler) Compile(text string, addr uintptr) ([]byte, error) {
	builder := iokit.NewPayloadBuilder()

	for i, stmt := range splitStatements(text) {
		cur := addr + uintptr(builder.Len())

		b, err := compileStatement(stmt, cur)
		if err != nil {
			return nil, fmt.Errorf("failed to assemble statement %d (%q) at 0x%x - %w",
				i, stmt, cur, err)
		}

		builder.Bytes(b)
	}

	return builder.Build(), nil
}

// JmpRel32 encodes a 5-byte jmp from addr to target.
func JmpRel32(addr uintptr, target uintptr) ([]byte, error) {
	rel, ok := rel32(addr, target, JmpRel32Len)
	if !ok {
		return nil, fmt.Errorf("jmp from 0x%x to 0x%x does not fit in 32 bits", addr, target)
	}

	return iokit.NewPayloadBuilder().Byte(opcodeJmpRel32).Int32(rel).Build(), nil
}

func splitStatements(text string) []string {
	var stmts []string

	for _, line := range strings.FieldsFunc(text, func(r rune) bool {
		return r == '\n' || r == ';'
	}) {
		line = strings.TrimSpace(line)
		if line != "" {
			stmts = append(stmts, line)
		}
	}

	return stmts
}

func compileStatement(stmt string, addr uintptr) ([]byte, error) {
	mnemonic, rest, _ := strings.Cut(stmt, " ")
	mnemonic = strings.ToLower(strings.TrimSpace(mnemonic))
	rest = strings.TrimSpace(rest)

	var args []string
	if rest != "" {
		args = splitOperands(rest)
	}

	switch mnemonic {
	case "nop":
		return []byte{opcodeNop}, nil
	case "int3":
		return []byte{opcodeInt3}, nil
	case "ret":
		return []byte{opcodeRet}, nil
	case "db", "dw", "dd", "dq":
		return encodeData(mnemonic, args)
	case "jmp", "call":
		if len(args) != 1 {
			return nil, fmt.Errorf("%s takes one operand", mnemonic)
		}

		op, err := parseOperand(args[0])
		if err != nil {
			return nil, err
		}

		switch op.kind {
		case operandImm:
			if mnemonic == "jmp" {
				return encodeJmp(addr, uintptr(op.imm)), nil
			}
			return encodeCall(addr, uintptr(op.imm)), nil
		case operandReg:
			return encodeIndirectReg(mnemonic, op)
		default:
			return nil, fmt.Errorf("%s with a memory operand - %w", mnemonic, ErrUnsupported)
		}
	}

	if cc, isJcc := conditionCodes[mnemonic]; isJcc {
		if len(args) != 1 {
			return nil, fmt.Errorf("%s takes one operand", mnemonic)
		}

		op, err := parseOperand(args[0])
		if err != nil {
			return nil, err
		}

		if op.kind != operandImm {
			return nil, fmt.Errorf("%s requires an address operand", mnemonic)
		}

		return encodeJcc(addr, uintptr(op.imm), cc), nil
	}

	return encodeWithBuilder(mnemonic, args, addr)
}

func encodeJmp(addr uintptr, target uintptr) []byte {
	if rel, ok := rel32(addr, target, JmpRel32Len); ok {
		return iokit.NewPayloadBuilder().Byte(opcodeJmpRel32).Int32(rel).Build()
	}

	return absJmp(target)
}

// absJmp encodes "jmp qword ptr [rip]" followed by the target.
func absJmp(target uintptr) []byte {
	return iokit.NewPayloadBuilder().
		Bytes([]byte{0xff, 0x25}).
		Int32(0).
		Uint64(uint64(target)).
		Build()
}

func encodeCall(addr uintptr, target uintptr) []byte {
	if rel, ok := rel32(addr, target, 5); ok {
		return iokit.NewPayloadBuilder().Byte(opcodeCallRel32).Int32(rel).Build()
	}

	// call qword ptr [rip+2]; jmp +8; dq target
	return iokit.NewPayloadBuilder().
		Bytes([]byte{0xff, 0x15}).
		Int32(2).
		Bytes([]byte{0xeb, 0x08}).
		Uint64(uint64(target)).
		Build()
}

func encodeJcc(addr uintptr, target uintptr, cc byte) []byte {
	if rel, ok := rel32(addr, target, 6); ok {
		return iokit.NewPayloadBuilder().Bytes([]byte{0x0f, 0x80 | cc}).Int32(rel).Build()
	}

	// Skip over an absolute jmp when the inverted condition holds.
	far := absJmp(target)

	return iokit.NewPayloadBuilder().
		Bytes([]byte{0x70 | (cc ^ 1), byte(len(far))}).
		Bytes(far).
		Build()
}

func encodeIndirectReg(mnemonic string, op operand) ([]byte, error) {
	if op.size != 8 {
		return nil, fmt.Errorf("%s requires a 64-bit register", mnemonic)
	}

	num, ok := regNumbers[op.reg]
	if !ok {
		return nil, fmt.Errorf("%s with register %d - %w", mnemonic, op.reg, ErrUnsupported)
	}

	modrmReg := byte(4)
	if mnemonic == "call" {
		modrmReg = 2
	}

	b := iokit.NewPayloadBuilder()
	if num >= 8 {
		b.Byte(0x41)
	}

	return b.Byte(0xff).Byte(0xc0 | modrmReg<<3 | (num & 7)).Build(), nil
}

func rel32(addr uintptr, target uintptr, instLen int) (int32, bool) {
	rel := int64(target) - int64(addr) - int64(instLen)
	if rel < math.MinInt32 || rel > math.MaxInt32 {
		return 0, false
	}

	return int32(rel), true
}

func encodeData(directive string, args []string) ([]byte, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%s requires at least one value", directive)
	}

	size := map[string]int{"db": 1, "dw": 2, "dd": 4, "dq": 8}[directive]

	var values []string
	for _, arg := range args {
		values = append(values, strings.Fields(arg)...)
	}

	b := iokit.NewPayloadBuilder()
	for _, v := range values {
		n, err := parseImm(v)
		if err != nil {
			return nil, err
		}

		u := uint64(n)
		for i := 0; i < size; i++ {
			b.Byte(byte(u >> (8 * i)))
		}
	}

	return b.Build(), nil
}

var conditionCodes = map[string]byte{
	"jo": 0x0, "jno": 0x1,
	"jb": 0x2, "jc": 0x2, "jnae": 0x2,
	"jae": 0x3, "jnb": 0x3, "jnc": 0x3,
	"je": 0x4, "jz": 0x4,
	"jne": 0x5, "jnz": 0x5,
	"jbe": 0x6, "jna": 0x6,
	"ja": 0x7, "jnbe": 0x7,
	"js": 0x8, "jns": 0x9,
	"jp": 0xa, "jpe": 0xa,
	"jnp": 0xb, "jpo": 0xb,
	"jl": 0xc, "jnge": 0xc,
	"jge": 0xd, "jnl": 0xd,
	"jle": 0xe, "jng": 0xe,
	"jg": 0xf, "jnle": 0xf,
}

// Instructions by operand size: 1, 2, 4, and 8 bytes.
var sizedInsts = map[string][4]obj.As{
	"mov":  {x86.AMOVB, x86.AMOVW, x86.AMOVL, x86.AMOVQ},
	"add":  {x86.AADDB, x86.AADDW, x86.AADDL, x86.AADDQ},
	"sub":  {x86.ASUBB, x86.ASUBW, x86.ASUBL, x86.ASUBQ},
	"xor":  {x86.AXORB, x86.AXORW, x86.AXORL, x86.AXORQ},
	"and":  {x86.AANDB, x86.AANDW, x86.AANDL, x86.AANDQ},
	"or":   {x86.AORB, x86.AORW, x86.AORL, x86.AORQ},
	"cmp":  {x86.ACMPB, x86.ACMPW, x86.ACMPL, x86.ACMPQ},
	"test": {x86.ATESTB, x86.ATESTW, x86.ATESTL, x86.ATESTQ},
	"inc":  {x86.AINCB, x86.AINCW, x86.AINCL, x86.AINCQ},
	"dec":  {x86.ADECB, x86.ADECW, x86.ADECL, x86.ADECQ},
	"lea":  {obj.AXXX, obj.AXXX, x86.ALEAL, x86.ALEAQ},
	"push": {obj.AXXX, x86.APUSHW, obj.AXXX, x86.APUSHQ},
	"pop":  {obj.AXXX, x86.APOPW, obj.AXXX, x86.APOPQ},
}

// ripPlaceholder is assembled as a rbp-based disp32, then rewritten
// into a rip-relative displacement.
const ripPlaceholder = 0x7eadbeef

func encodeWithBuilder(mnemonic string, args []string, addr uintptr) (b []byte, err error) {
	insts, ok := sizedInsts[mnemonic]
	if !ok {
		return nil, fmt.Errorf("%q - %w", mnemonic, ErrUnsupported)
	}

	ops := make([]operand, len(args))
	for i, arg := range args {
		ops[i], err = parseOperand(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse operand %d - %w", i, err)
		}
	}

	ripTarget, isRIPRelative := uintptr(0), false
	for i, op := range ops {
		if op.kind == operandMem && op.base == 0 && op.index == 0 &&
			(op.disp < math.MinInt32 || op.disp > math.MaxInt32) {
			ripTarget, isRIPRelative = uintptr(op.disp), true
			ops[i].base = x86.REG_BP
			ops[i].disp = ripPlaceholder
		}
	}

	size := operandSize(mnemonic, ops)

	var as obj.As
	switch size {
	case 1:
		as = insts[0]
	case 2:
		as = insts[1]
	case 4:
		as = insts[2]
	case 8:
		as = insts[3]
	default:
		return nil, fmt.Errorf("cannot determine operand size, use a size prefix such as \"qword ptr\"")
	}
	if as == obj.AXXX {
		return nil, fmt.Errorf("%s with %d-byte operands - %w", mnemonic, size, ErrUnsupported)
	}

	builder, err := asm.NewBuilder("amd64", 64)
	if err != nil {
		return nil, fmt.Errorf("failed to create assembler - %w", err)
	}

	prog := builder.NewProg()
	prog.As = as

	switch mnemonic {
	case "push":
		if len(ops) != 1 {
			return nil, fmt.Errorf("push takes one operand")
		}
		prog.From = ops[0].addr()
	case "pop", "inc", "dec":
		if len(ops) != 1 {
			return nil, fmt.Errorf("%s takes one operand", mnemonic)
		}
		prog.To = ops[0].addr()
	case "cmp":
		// Unlike the others, Go's CMP keeps Intel operand order.
		if len(ops) != 2 {
			return nil, fmt.Errorf("cmp takes two operands")
		}
		prog.From = ops[0].addr()
		prog.To = ops[1].addr()
	default:
		if len(ops) != 2 {
			return nil, fmt.Errorf("%s takes two operands", mnemonic)
		}
		if ops[0].kind == operandImm {
			return nil, fmt.Errorf("destination cannot be an immediate")
		}
		if ops[1].kind == operandImm && ops[0].kind == operandMem &&
			(ops[1].imm < math.MinInt32 || ops[1].imm > math.MaxInt32) {
			return nil, fmt.Errorf("64-bit immediates can only be moved into a register")
		}
		prog.From = ops[1].addr()
		prog.To = ops[0].addr()
	}

	builder.AddInstruction(prog)

	defer func() {
		if r := recover(); r != nil {
			b = nil
			err = fmt.Errorf("assembler rejected %s - %v", mnemonic, r)
		}
	}()

	b = builder.Assemble()

	if isRIPRelative {
		err = toRIPRelative(b, addr, ripTarget)
		if err != nil {
			return nil, err
		}
	}

	err = verifyEncoding(b)
	if err != nil {
		return nil, fmt.Errorf("assembler produced invalid encoding for %s - %w", mnemonic, err)
	}

	return b, nil
}

// toRIPRelative rewrites the [rbp+ripPlaceholder] operand in b into
// [rip+disp32] addressing target. Both forms use a disp32 with no SIB
// byte, so the instruction length does not change.
func toRIPRelative(b []byte, addr uintptr, target uintptr) error {
	placeholder := binary.LittleEndian.AppendUint32(nil, ripPlaceholder)

	for i := 1; i+len(placeholder) <= len(b); i++ {
		// mod=10 rm=101 is [rbp+disp32].
		if b[i-1]&0xc7 != 0x85 || !bytes.Equal(b[i:i+len(placeholder)], placeholder) {
			continue
		}

		rel, ok := rel32(addr, target, len(b))
		if !ok {
			return fmt.Errorf("address 0x%x is not within 2 GiB of 0x%x - %w", target, addr, ErrUnsupported)
		}

		b[i-1] &^= 0xc0
		binary.LittleEndian.PutUint32(b[i:], uint32(rel))

		return nil
	}

	return errors.New("failed to find the displacement to make rip-relative")
}

// verifyEncoding checks that b is exactly one valid instruction.
func verifyEncoding(b []byte) error {
	if len(b) == 0 {
		return errors.New("no bytes were produced")
	}

	inst, err := x86asm.Decode(b, 64)
	if err != nil {
		return err
	}

	if inst.Len != len(b) {
		return fmt.Errorf("decoded length %d does not match encoded length %d", inst.Len, len(b))
	}

	return nil
}

func operandSize(mnemonic string, ops []operand) int {
	for _, op := range ops {
		if op.kind == operandReg {
			return op.size
		}
	}

	for _, op := range ops {
		if op.kind == operandMem && op.size != 0 {
			return op.size
		}
	}

	if mnemonic == "push" || mnemonic == "pop" {
		return 8
	}

	return 0
}

type operandKind int

const (
	operandReg operandKind = iota
	operandImm
	operandMem
)

type operand struct {
	kind  operandKind
	size  int
	reg   int16
	imm   int64
	base  int16
	index int16
	scale int16
	disp  int64
}

func (o operand) addr() obj.Addr {
	switch o.kind {
	case operandReg:
		return obj.Addr{Type: obj.TYPE_REG, Reg: o.reg}
	case operandImm:
		return obj.Addr{Type: obj.TYPE_CONST, Offset: o.imm}
	default:
		a := obj.Addr{
			Type:   obj.TYPE_MEM,
			Reg:    o.base,
			Offset: o.disp,
		}
		if o.index != 0 {
			a.Index = o.index
			a.Scale = o.scale
		}
		return a
	}
}

func splitOperands(s string) []string {
	var ops []string

	depth := 0
	start := 0
	for i, c := range s {
		switch c {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				ops = append(ops, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}

	return append(ops, strings.TrimSpace(s[start:]))
}

var sizePrefixes = []struct {
	prefix string
	size   int
}{
	{"qword", 8},
	{"dword", 4},
	{"word", 2},
	{"byte", 1},
}

func parseOperand(s string) (operand, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return operand{}, errors.New("empty operand")
	}

	size := 0
	for _, p := range sizePrefixes {
		if strings.HasPrefix(s, p.prefix) {
			size = p.size
			s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s[len(p.prefix):]), "ptr"))
			break
		}
	}

	if strings.HasPrefix(s, "[") {
		if !strings.HasSuffix(s, "]") {
			return operand{}, fmt.Errorf("unterminated memory operand: %q", s)
		}

		op, err := parseMemory(s[1 : len(s)-1])
		if err != nil {
			return operand{}, err
		}

		op.size = size

		return op, nil
	}

	if size != 0 {
		return operand{}, fmt.Errorf("size prefix requires a memory operand: %q", s)
	}

	if reg, ok := registers[s]; ok {
		return operand{kind: operandReg, reg: reg.num, size: reg.size}, nil
	}

	imm, err := parseImm(s)
	if err != nil {
		return operand{}, fmt.Errorf("unknown operand %q", s)
	}

	return operand{kind: operandImm, imm: imm}, nil
}

func parseMemory(expr string) (operand, error) {
	op := operand{kind: operandMem}

	expr = strings.ReplaceAll(strings.ReplaceAll(expr, " ", ""), "-", "+-")

	for _, term := range strings.Split(expr, "+") {
		if term == "" {
			continue
		}

		if regStr, scaleStr, isScaled := strings.Cut(term, "*"); isScaled {
			reg, ok := registers[regStr]
			if !ok {
				// Allow scale*reg.
				reg, ok = registers[scaleStr]
				scaleStr = regStr
			}
			if !ok || reg.size != 8 {
				return operand{}, fmt.Errorf("invalid index term %q", term)
			}

			scale, err := strconv.Atoi(scaleStr)
			if err != nil || (scale != 1 && scale != 2 && scale != 4 && scale != 8) {
				return operand{}, fmt.Errorf("invalid scale in %q", term)
			}

			if op.index != 0 {
				return operand{}, fmt.Errorf("more than one index register in %q", expr)
			}

			op.index = reg.num
			op.scale = int16(scale)

			continue
		}

		if reg, ok := registers[term]; ok {
			if reg.size != 8 {
				return operand{}, fmt.Errorf("address register %q must be 64-bit", term)
			}

			switch {
			case op.base == 0:
				op.base = reg.num
			case op.index == 0:
				op.index = reg.num
				op.scale = 1
			default:
				return operand{}, fmt.Errorf("too many registers in %q", expr)
			}

			continue
		}

		disp, err := parseImm(term)
		if err != nil {
			return operand{}, fmt.Errorf("invalid displacement %q", term)
		}

		op.disp += disp
	}

	// A lone absolute address may be encoded rip-relative instead.
	hasRegs := op.base != 0 || op.index != 0
	if hasRegs && (op.disp < math.MinInt32 || op.disp > math.MaxInt32) {
		return operand{}, fmt.Errorf("displacement 0x%x does not fit in 32 bits, load the address into a register first - %w",
			op.disp, ErrUnsupported)
	}

	return op, nil
}

// parseImm parses a decimal, "0x"-prefixed, or "h"-suffixed value.
func parseImm(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))

	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}

	var u uint64
	var err error
	switch {
	case strings.HasPrefix(s, "0x"):
		u, err = strconv.ParseUint(s[2:], 16, 64)
	case strings.HasSuffix(s, "h"):
		u, err = strconv.ParseUint(s[:len(s)-1], 16, 64)
	default:
		u, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return 0, err
	}

	if neg {
		return -int64(u), nil
	}

	return int64(u), nil
}

type register struct {
	num  int16
	size int
}

var registers = map[string]register{}

// regNumbers maps 64-bit registers to their hardware encoding.
var regNumbers = map[int16]byte{}

func init() {
	gp := []struct {
		num   int16
		names [4]string
		b     int16
	}{
		{x86.REG_AX, [4]string{"rax", "eax", "ax", "al"}, x86.REG_AL},
		{x86.REG_CX, [4]string{"rcx", "ecx", "cx", "cl"}, x86.REG_CL},
		{x86.REG_DX, [4]string{"rdx", "edx", "dx", "dl"}, x86.REG_DL},
		{x86.REG_BX, [4]string{"rbx", "ebx", "bx", "bl"}, x86.REG_BL},
		{x86.REG_SP, [4]string{"rsp", "esp", "sp", "spl"}, x86.REG_SPB},
		{x86.REG_BP, [4]string{"rbp", "ebp", "bp", "bpl"}, x86.REG_BPB},
		{x86.REG_SI, [4]string{"rsi", "esi", "si", "sil"}, x86.REG_SIB},
		{x86.REG_DI, [4]string{"rdi", "edi", "di", "dil"}, x86.REG_DIB},
		{x86.REG_R8, [4]string{"r8", "r8d", "r8w", "r8b"}, x86.REG_R8B},
		{x86.REG_R9, [4]string{"r9", "r9d", "r9w", "r9b"}, x86.REG_R9B},
		{x86.REG_R10, [4]string{"r10", "r10d", "r10w", "r10b"}, x86.REG_R10B},
		{x86.REG_R11, [4]string{"r11", "r11d", "r11w", "r11b"}, x86.REG_R11B},
		{x86.REG_R12, [4]string{"r12", "r12d", "r12w", "r12b"}, x86.REG_R12B},
		{x86.REG_R13, [4]string{"r13", "r13d", "r13w", "r13b"}, x86.REG_R13B},
		{x86.REG_R14, [4]string{"r14", "r14d", "r14w", "r14b"}, x86.REG_R14B},
		{x86.REG_R15, [4]string{"r15", "r15d", "r15w", "r15b"}, x86.REG_R15B},
	}

	for i, r := range gp {
		registers[r.names[0]] = register{num: r.num, size: 8}
		registers[r.names[1]] = register{num: r.num, size: 4}
		registers[r.names[2]] = register{num: r.num, size: 2}
		registers[r.names[3]] = register{num: r.b, size: 1}

		regNumbers[r.num] = byte(i)
	}
}
