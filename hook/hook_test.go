package hook

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"gitlab.com/stephen-fox/hookkit/asmkit"
	"gitlab.com/stephen-fox/hookkit/vmem"
	"gitlab.com/stephen-fox/hookkit/vmem/vmemtest"
	"golang.org/x/arch/x86/x86asm"
)

const (
	codeBase   = 0x140001000
	targetAddr = codeBase + 0x100
)

// add ecx, 0x12345678 (6 bytes) followed by int3 padding.
var sixByteInst = []byte{0x81, 0xc1, 0x78, 0x56, 0x34, 0x12}

// mov eax, 1 (5 bytes) followed by int3 padding.
var fiveByteInst = []byte{0xb8, 0x01, 0x00, 0x00, 0x00}

func newTestProcess(inst []byte) *vmemtest.Process {
	code := bytes.Repeat([]byte{0xcc}, 0x1000)
	copy(code[targetAddr-codeBase:], inst)

	return vmemtest.New(1).
		Map(codeBase, code, vmem.ProtExecuteRead).
		AddModule("game.exe", 0x140000000, 0x10000)
}

func newTestHook(t *testing.T, proc *vmemtest.Process, config Config) *Hook {
	t.Helper()

	h := New(proc, asmkit.NewCodec(), config)

	err := h.SetTarget(targetAddr)
	if err != nil {
		t.Fatal(err)
	}

	return h
}

func decodeAt(t *testing.T, b []byte, addr uintptr) asmkit.Inst {
	t.Helper()

	dis, err := asmkit.NewDisassembler(asmkit.DisassemblerConfig{Syntax: asmkit.IntelSyntax})
	if err != nil {
		t.Fatal(err)
	}

	inst, err := dis.Next(b, addr)
	if err != nil {
		t.Fatalf("failed to decode 0x%x at 0x%x - %v", b, addr, err)
	}

	return inst
}

func TestHook_StateTransitions(t *testing.T) {
	proc := newTestProcess(sixByteInst)

	h := New(proc, asmkit.NewCodec(), Config{})
	if h.State() != StateUnconfigured {
		t.Fatalf("expected unconfigured - got %s", h.State())
	}

	err := h.SetTarget(targetAddr)
	if err != nil {
		t.Fatal(err)
	}
	if h.State() != StateConfigured {
		t.Fatalf("expected configured - got %s", h.State())
	}

	err = h.Enable()
	if err != nil {
		t.Fatal(err)
	}
	if h.State() != StateEnabled || !h.IsEnabled() {
		t.Fatalf("expected enabled - got %s", h.State())
	}

	err = h.Disable()
	if err != nil {
		t.Fatal(err)
	}
	if h.State() != StateDisabled {
		t.Fatalf("expected disabled - got %s", h.State())
	}

	err = h.Enable()
	if err != nil {
		t.Fatal(err)
	}
	if h.State() != StateEnabled {
		t.Fatalf("expected enabled - got %s", h.State())
	}
}

func TestHook_Unconfigured(t *testing.T) {
	h := New(newTestProcess(sixByteInst), asmkit.NewCodec(), Config{})

	err := h.AddFragment("nop")
	if !errors.Is(err, ErrNoTarget) {
		t.Fatalf("expected ErrNoTarget - got %v", err)
	}

	err = h.Enable()
	if !errors.Is(err, ErrNoTarget) {
		t.Fatalf("expected ErrNoTarget - got %v", err)
	}

	err = h.SetTarget(0)
	if !errors.Is(err, ErrNoTarget) {
		t.Fatalf("expected ErrNoTarget - got %v", err)
	}
}

func TestHook_EnableJumpsToCave(t *testing.T) {
	proc := newTestProcess(sixByteInst)
	h := newTestHook(t, proc, Config{})

	err := h.Enable()
	if err != nil {
		t.Fatal(err)
	}

	inst := decodeAt(t, proc.Bytes(targetAddr, JmpLen), targetAddr)

	dst, ok := inst.BranchTarget()
	if !ok {
		t.Fatalf("expected a relative jump at the target - got %s", inst.Dis)
	}

	if dst != h.Cave() {
		t.Fatalf("expected 0x%x - got 0x%x", h.Cave(), dst)
	}
}

func TestHook_SixByteInstructionGetsOneNop(t *testing.T) {
	proc := newTestProcess(sixByteInst)
	h := newTestHook(t, proc, Config{})

	err := h.Enable()
	if err != nil {
		t.Fatal(err)
	}

	patched := proc.Bytes(targetAddr, 7)

	if patched[0] != 0xe9 {
		t.Fatalf("expected jmp opcode - got 0x%x", patched[0])
	}

	if patched[5] != 0x90 {
		t.Fatalf("expected nop - got 0x%x", patched[5])
	}

	if patched[6] != 0xcc {
		t.Fatalf("byte after the displaced instruction was modified - got 0x%x", patched[6])
	}
}

func TestHook_DisableRestoresOriginalBytes(t *testing.T) {
	proc := newTestProcess(sixByteInst)
	h := newTestHook(t, proc, Config{})

	before := proc.Bytes(targetAddr, 16)

	err := h.AddFragment("int3")
	if err != nil {
		t.Fatal(err)
	}

	err = h.Enable()
	if err != nil {
		t.Fatal(err)
	}

	if bytes.Equal(before, proc.Bytes(targetAddr, 16)) {
		t.Fatal("enable did not modify the target")
	}

	err = h.Disable()
	if err != nil {
		t.Fatal(err)
	}

	after := proc.Bytes(targetAddr, 16)
	if !bytes.Equal(before, after) {
		t.Fatalf("expected 0x%x - got 0x%x", before, after)
	}

	if !bytes.Equal(h.Backup(), sixByteInst) {
		t.Fatalf("expected backup 0x%x - got 0x%x", sixByteInst, h.Backup())
	}
}

func TestHook_DisableTwiceWritesOnce(t *testing.T) {
	proc := newTestProcess(sixByteInst)
	h := newTestHook(t, proc, Config{})

	err := h.Disable()
	if err != nil {
		t.Fatal(err)
	}

	if proc.NumWrites() != 0 {
		t.Fatalf("disabling a hook that was never enabled wrote %d times", proc.NumWrites())
	}

	err = h.Enable()
	if err != nil {
		t.Fatal(err)
	}

	err = h.Disable()
	if err != nil {
		t.Fatal(err)
	}

	numWrites := proc.NumWrites()
	snapshot := proc.Bytes(targetAddr, 16)

	err = h.Disable()
	if err != nil {
		t.Fatalf("second disable failed - %v", err)
	}

	if proc.NumWrites() != numWrites {
		t.Fatalf("second disable wrote to memory - %d writes, expected %d",
			proc.NumWrites(), numWrites)
	}

	if !bytes.Equal(snapshot, proc.Bytes(targetAddr, 16)) {
		t.Fatal("second disable modified the target")
	}
}

func TestHook_EnableWhileEnabledDisables(t *testing.T) {
	proc := newTestProcess(sixByteInst)
	h := newTestHook(t, proc, Config{})

	before := proc.Bytes(targetAddr, 16)

	err := h.Enable()
	if err != nil {
		t.Fatal(err)
	}

	err = h.Enable()
	if err != nil {
		t.Fatal(err)
	}

	if h.IsEnabled() {
		t.Fatal("second enable should disable the hook")
	}

	if !bytes.Equal(before, proc.Bytes(targetAddr, 16)) {
		t.Fatal("second enable did not restore the original bytes")
	}
}

func TestHook_FragmentsLaidOutInOrder(t *testing.T) {
	proc := newTestProcess(sixByteInst)
	h := newTestHook(t, proc, Config{})

	for _, text := range []string{"nop; nop", "int3", "db 0xde 0xad"} {
		err := h.AddFragment(text)
		if err != nil {
			t.Fatal(err)
		}
	}

	err := h.Enable()
	if err != nil {
		t.Fatal(err)
	}

	frags := h.Fragments()
	if len(frags) != 4 {
		t.Fatalf("expected 3 fragments and a return jump - got %d", len(frags))
	}

	cave := h.Cave()
	expAddrs := []uintptr{cave, cave + 2, cave + 3, cave + 5}
	for i, frag := range frags {
		if frag.Address != expAddrs[i] {
			t.Fatalf("fragment %d: expected address 0x%x - got 0x%x", i, expAddrs[i], frag.Address)
		}

		if frag.Len != len(frag.Bin) {
			t.Fatalf("fragment %d: length %d does not match code 0x%x", i, frag.Len, frag.Bin)
		}
	}

	exp := []byte{0x90, 0x90, 0xcc, 0xde, 0xad, 0xe9}
	got := proc.Bytes(cave, len(exp))
	if !bytes.Equal(exp, got) {
		t.Fatalf("expected cave to start with 0x%x - got 0x%x", exp, got)
	}
}

func TestHook_ReturnJumpRoundTrip(t *testing.T) {
	proc := newTestProcess(sixByteInst)
	h := newTestHook(t, proc, Config{})

	err := h.AddFragment("nop")
	if err != nil {
		t.Fatal(err)
	}

	err = h.Enable()
	if err != nil {
		t.Fatal(err)
	}

	frags := h.Fragments()
	ret := frags[len(frags)-1]
	if !ret.IsReturnJump {
		t.Fatal("expected the last fragment to be the return jump")
	}

	inst := decodeAt(t, proc.Bytes(ret.Address, ret.Len), ret.Address)

	dst, ok := inst.BranchTarget()
	if !ok {
		t.Fatalf("expected a relative jump - got %s", inst.Dis)
	}

	exp := uintptr(targetAddr + len(sixByteInst))
	if dst != exp {
		t.Fatalf("expected 0x%x - got 0x%x", exp, dst)
	}
}

func TestHook_ExplicitReturnJump(t *testing.T) {
	proc := newTestProcess(sixByteInst)
	h := newTestHook(t, proc, Config{})

	err := h.AddFragment("nop")
	if err != nil {
		t.Fatal(err)
	}

	err = h.AddReturnJump("ret")
	if err != nil {
		t.Fatal(err)
	}

	err = h.Enable()
	if err != nil {
		t.Fatal(err)
	}

	frags := h.Fragments()
	if len(frags) != 2 {
		t.Fatalf("an explicit return jump should suppress the generated one - got %d fragments",
			len(frags))
	}

	if !bytes.Equal(proc.Bytes(h.Cave(), 2), []byte{0x90, 0xc3}) {
		t.Fatalf("unexpected cave contents 0x%x", proc.Bytes(h.Cave(), 2))
	}
}

func TestHook_EntryAdjacent(t *testing.T) {
	proc := newTestProcess(fiveByteInst)
	h := newTestHook(t, proc, Config{})

	err := h.AddEntryAdjacent("nop")
	if err != nil {
		t.Fatal(err)
	}

	err = h.Enable()
	if err != nil {
		t.Fatal(err)
	}

	patched := proc.Bytes(targetAddr, 6)
	if patched[5] != 0x90 {
		t.Fatalf("expected entry-adjacent nop after the jump - got 0x%x", patched)
	}

	if len(h.Backup()) != 6 {
		t.Fatalf("expected backup to cover the jump and entry-adjacent code - got %d bytes",
			len(h.Backup()))
	}

	frags := h.Fragments()

	if frags[0].Address != targetAddr+JmpLen {
		t.Fatalf("expected entry-adjacent fragment at 0x%x - got 0x%x",
			targetAddr+JmpLen, frags[0].Address)
	}

	ret := frags[len(frags)-1]
	if ret.Address != h.Cave() {
		t.Fatalf("expected return jump at the start of the cave - got 0x%x", ret.Address)
	}

	dst, _ := decodeAt(t, ret.Bin, ret.Address).BranchTarget()
	if dst != targetAddr+6 {
		t.Fatalf("expected return to 0x%x - got 0x%x", targetAddr+6, dst)
	}
}

func TestHook_CompileErrorWritesNothing(t *testing.T) {
	proc := newTestProcess(sixByteInst)
	h := newTestHook(t, proc, Config{})

	err := h.AddFragment("not an instruction")
	if err != nil {
		t.Fatal(err)
	}

	err = h.Enable()
	if err == nil {
		t.Fatal("expected an error")
	}

	if proc.NumWrites() != 0 {
		t.Fatalf("expected no writes - got %d", proc.NumWrites())
	}

	if h.IsEnabled() {
		t.Fatal("hook should not be enabled")
	}
}

func TestHook_RollbackOnWriteFailure(t *testing.T) {
	proc := newTestProcess(sixByteInst).
		Reserve(0x140010000, 0x1000)

	h := New(proc, asmkit.NewCodec(), Config{})

	err := h.SetCave(0x140010000, 0x1000)
	if err != nil {
		t.Fatal(err)
	}

	err = h.SetTarget(targetAddr)
	if err != nil {
		t.Fatal(err)
	}

	if h.Cave() != 0x140010000 {
		t.Fatalf("caller supplied cave was replaced with 0x%x", h.Cave())
	}

	before := proc.Bytes(targetAddr, 16)

	err = h.Enable()
	if err == nil {
		t.Fatal("expected an error")
	}

	if h.IsEnabled() {
		t.Fatal("hook should not be enabled")
	}

	if !bytes.Equal(before, proc.Bytes(targetAddr, 16)) {
		t.Fatal("target was left modified")
	}

	for _, w := range proc.Writes() {
		if w.Addr == targetAddr && !bytes.Equal(w.Data, h.Backup()) {
			t.Fatalf("unexpected write at target: 0x%x", w.Data)
		}
	}
}

func TestHook_CaveOutOfRange(t *testing.T) {
	proc := newTestProcess(sixByteInst)

	h := New(proc, asmkit.NewCodec(), Config{})

	err := h.SetCave(0x7ff600000000, 0x1000)
	if err != nil {
		t.Fatal(err)
	}

	err = h.SetTarget(targetAddr)
	if err != nil {
		t.Fatal(err)
	}

	err = h.Enable()
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange - got %v", err)
	}

	if proc.NumWrites() != 0 {
		t.Fatalf("expected no writes - got %d", proc.NumWrites())
	}
}

func TestHook_CaveFull(t *testing.T) {
	proc := newTestProcess(sixByteInst)
	h := newTestHook(t, proc, Config{OptCaveSize: 4})

	err := h.AddFragment("nop; nop; nop")
	if err != nil {
		t.Fatal(err)
	}

	err = h.Enable()
	if !errors.Is(err, ErrCaveFull) {
		t.Fatalf("expected ErrCaveFull - got %v", err)
	}
}

func TestHook_SetTargetWhileEnabled(t *testing.T) {
	proc := newTestProcess(sixByteInst)
	h := newTestHook(t, proc, Config{})

	err := h.Enable()
	if err != nil {
		t.Fatal(err)
	}

	err = h.SetTarget(targetAddr + 0x10)
	if !errors.Is(err, ErrEnabled) {
		t.Fatalf("expected ErrEnabled - got %v", err)
	}

	if h.Target() != targetAddr {
		t.Fatalf("target changed to 0x%x", h.Target())
	}
}

func TestHook_SetTargetReplacesCave(t *testing.T) {
	proc := newTestProcess(sixByteInst)
	h := newTestHook(t, proc, Config{})

	err := h.SetTarget(targetAddr + 0x10)
	if err != nil {
		t.Fatal(err)
	}

	allocs := proc.Allocations()
	if len(allocs) != 1 || allocs[0] != h.Cave() {
		t.Fatalf("expected only the current cave 0x%x to be allocated - got %#x", h.Cave(), allocs)
	}

	if proc.NumFrees() != 1 {
		t.Fatalf("expected the old cave to be freed - got %d frees", proc.NumFrees())
	}

	if addr, _ := h.Variable(CaveVariable); addr != h.Cave() {
		t.Fatalf("expected %q to be 0x%x - got 0x%x", CaveVariable, h.Cave(), addr)
	}
}

func TestHook_Close(t *testing.T) {
	proc := newTestProcess(sixByteInst)
	h := newTestHook(t, proc, Config{})

	before := proc.Bytes(targetAddr, 16)

	_, err := h.AllocVariable("scratch", 0)
	if err != nil {
		t.Fatal(err)
	}

	err = h.Enable()
	if err != nil {
		t.Fatal(err)
	}

	err = h.Close()
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(before, proc.Bytes(targetAddr, 16)) {
		t.Fatal("close did not restore the original bytes")
	}

	if len(proc.Allocations()) != 0 {
		t.Fatalf("expected every allocation to be freed - got %#x", proc.Allocations())
	}

	err = h.Close()
	if err != nil {
		t.Fatalf("second close failed - %v", err)
	}

	err = h.Enable()
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed - got %v", err)
	}
}

func TestHook_CaveVariableReference(t *testing.T) {
	proc := newTestProcess(sixByteInst)
	h := newTestHook(t, proc, Config{})

	err := h.AddFragment("jmp &alloc(inject)+0x10")
	if err != nil {
		t.Fatal(err)
	}

	exp := "jmp " + fmt.Sprintf("0x%X", h.Cave()+0x10)
	if src := h.Fragments()[0].Source; src != exp {
		t.Fatalf("expected %q - got %q", exp, src)
	}
}

func TestHook_ModuleReference(t *testing.T) {
	proc := newTestProcess(sixByteInst)
	h := newTestHook(t, proc, Config{})

	err := h.AddFragment("call &module(game.exe)+2000")
	if err != nil {
		t.Fatal(err)
	}

	if src := h.Fragments()[0].Source; src != "call 0x140002000" {
		t.Fatalf("expected %q - got %q", "call 0x140002000", src)
	}

	err = h.AddFragment("call &module(missing.dll)+10")
	if !errors.Is(err, ErrUnknownModule) {
		t.Fatalf("expected ErrUnknownModule - got %v", err)
	}

	if len(h.Fragments()) != 1 {
		t.Fatal("a fragment that failed to resolve was added")
	}
}

func TestHook_AutoAlloc(t *testing.T) {
	proc := newTestProcess(sixByteInst)

	h := newTestHook(t, proc, Config{})

	err := h.AddFragment("jmp &alloc(counter)")
	if !errors.Is(err, ErrUnknownVariable) {
		t.Fatalf("expected ErrUnknownVariable - got %v", err)
	}

	h = newTestHook(t, proc, Config{AutoAlloc: true})

	err = h.AddFragment("jmp &alloc(counter)+4")
	if err != nil {
		t.Fatal(err)
	}

	addr, ok := h.Variable("counter")
	if !ok {
		t.Fatal("variable was not allocated")
	}

	exp := "jmp " + fmt.Sprintf("0x%X", addr+4)
	if src := h.Fragments()[0].Source; src != exp {
		t.Fatalf("expected %q - got %q", exp, src)
	}

	numAllocs := proc.NumAllocs()

	err = h.AddFragment("jmp {[counter]}")
	if err != nil {
		t.Fatal(err)
	}

	if proc.NumAllocs() != numAllocs {
		t.Fatal("an existing variable was allocated again")
	}
}

func TestHook_Variables(t *testing.T) {
	proc := newTestProcess(sixByteInst)
	h := newTestHook(t, proc, Config{})

	err := h.SetVariable("player", 0x20000)
	if err != nil {
		t.Fatal(err)
	}

	addr, ok := h.Variable("player")
	if !ok || addr != 0x20000 {
		t.Fatalf("expected 0x20000 - got 0x%x", addr)
	}

	_, err = h.AllocVariable("player", 8)
	if !errors.Is(err, ErrVariableExists) {
		t.Fatalf("expected ErrVariableExists - got %v", err)
	}

	err = h.SetVariable(CaveVariable, 0x1234)
	if err == nil {
		t.Fatal("expected the cave variable to be reserved")
	}

	err = h.RemoveVariable("player")
	if err != nil {
		t.Fatal(err)
	}

	if _, ok = h.Variable("player"); ok {
		t.Fatal("variable was not removed")
	}
}

func TestHook_VariableAsMemoryOperand(t *testing.T) {
	proc := newTestProcess(sixByteInst)
	h := newTestHook(t, proc, Config{})

	health, err := h.AllocVariable("health", 4)
	if err != nil {
		t.Fatal(err)
	}

	err = h.AddFragment("mov dword ptr [&alloc(health)], eax")
	if err != nil {
		t.Fatal(err)
	}

	err = h.Enable()
	if err != nil {
		t.Fatal(err)
	}

	frag := h.Fragments()[0]
	inst := decodeAt(t, proc.Bytes(frag.Address, frag.Len), frag.Address)

	mem, ok := inst.Inst.Args[0].(x86asm.Mem)
	if !ok || mem.Base != x86asm.RIP {
		t.Fatalf("expected a rip-relative store - got %s", inst.Dis)
	}

	got := uintptr(int64(frag.Address) + int64(frag.Len) + mem.Disp)
	if got != health {
		t.Fatalf("expected store to 0x%x - got 0x%x", health, got)
	}
}

func TestHook_SetTargetResolvesFragmentsAgain(t *testing.T) {
	proc := newTestProcess(sixByteInst)
	h := newTestHook(t, proc, Config{AutoAlloc: true})

	err := h.AddFragment("jmp &alloc(inject)+0x40")
	if err != nil {
		t.Fatal(err)
	}

	err = h.AddFragment("mov dword ptr [&alloc(counter)], 1")
	if err != nil {
		t.Fatal(err)
	}

	oldCave := h.Cave()

	err = h.SetTarget(targetAddr + 0x200)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := h.Variable("counter"); ok {
		t.Fatal("auto-allocated variable near the old target was kept")
	}

	err = h.Enable()
	if err != nil {
		t.Fatal(err)
	}

	if h.Cave() == oldCave {
		t.Fatal("expected a new cave")
	}

	allocs := proc.Allocations()
	for _, addr := range allocs {
		if addr == oldCave {
			t.Fatalf("old cave 0x%x is still allocated", oldCave)
		}
	}

	frags := h.Fragments()

	jmp := decodeAt(t, frags[0].Bin, frags[0].Address)
	dst, ok := jmp.BranchTarget()
	if !ok || dst != h.Cave()+0x40 {
		t.Fatalf("expected jmp to 0x%x - got %s", h.Cave()+0x40, jmp.Dis)
	}

	counter, ok := h.Variable("counter")
	if !ok {
		t.Fatal("variable was not allocated again")
	}

	store := decodeAt(t, frags[1].Bin, frags[1].Address)
	mem, ok := store.Inst.Args[0].(x86asm.Mem)
	if !ok || uintptr(int64(frags[1].Address)+int64(frags[1].Len)+mem.Disp) != counter {
		t.Fatalf("expected store to 0x%x - got %s", counter, store.Dis)
	}
}

func TestHook_FailedResolveFreesAutoAllocations(t *testing.T) {
	proc := newTestProcess(sixByteInst)
	h := newTestHook(t, proc, Config{AutoAlloc: true})

	numAllocs := len(proc.Allocations())

	err := h.AddFragment("mov rax, &alloc(scratch); call {missing.dll+10}")
	if !errors.Is(err, ErrUnknownModule) {
		t.Fatalf("expected ErrUnknownModule - got %v", err)
	}

	if _, ok := h.Variable("scratch"); ok {
		t.Fatal("variable from the failed fragment was kept")
	}

	if n := len(proc.Allocations()); n != numAllocs {
		t.Fatalf("expected %d allocations - got %d", numAllocs, n)
	}

	err = h.AddFragment("mov rax, &alloc(scratch)+zz")
	if err == nil {
		t.Fatal("expected an offset error")
	}

	if n := len(proc.Allocations()); n != numAllocs {
		t.Fatalf("expected %d allocations after a bad offset - got %d", numAllocs, n)
	}
}
