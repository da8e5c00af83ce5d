// Package hook implements inline hooks in another process.
//
// A Hook overwrites the first instruction(s) at a target address with a
// 5-byte relative jmp into a code cave. The cave holds user supplied
// instruction fragments followed by a jump back to the first original
// instruction that was not displaced. Disabling a hook writes the
// original bytes back.
//
// Other threads of the target process may execute the target region
// while it is being written. Callers needing stronger guarantees must
// suspend those threads themselves.
package hook

import (
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gitlab.com/stephen-fox/hookkit/conv"
	"gitlab.com/stephen-fox/hookkit/iokit"
	"gitlab.com/stephen-fox/hookkit/memory"
	"gitlab.com/stephen-fox/hookkit/vmem"
)

const (
	// DefaultCaveSize is the size of the code cave allocated for each
	// hook unless Config.OptCaveSize is set.
	DefaultCaveSize = 1024

	// DefaultVariableSize is used by AllocVariable when size is zero.
	DefaultVariableSize = 1024

	// AutoAllocSize is the size of a variable allocated automatically
	// by an &alloc reference.
	AutoAllocSize = 10

	// CaveVariable names the address variable holding the cave's base.
	CaveVariable = "inject"

	// JmpLen is the size of the redirecting jump written at the target.
	JmpLen = 5

	jmpOpcode = 0xe9
	nopOpcode = 0x90

	maxInstLen = 15
)

var (
	ErrClosed         = errors.New("hook is closed")
	ErrEnabled        = errors.New("hook is enabled")
	ErrNoTarget       = errors.New("hook has no target address")
	ErrOutOfRange     = errors.New("cave is not reachable with a rel32 jump")
	ErrCaveFull       = errors.New("compiled fragments do not fit in the cave")
	ErrVariableExists = errors.New("address variable already exists")
)

// Codec compiles instruction text and decodes instruction lengths.
type Codec interface {
	// Compile assembles text as if it was located at addr.
	Compile(text string, addr uintptr) ([]byte, error)

	// DecodeLength returns the length and display form of the first
	// instruction in b, which is located at addr.
	DecodeLength(b []byte, addr uintptr) (int, string, error)
}

type State int

const (
	StateUnconfigured State = iota
	StateConfigured
	StateEnabled
	StateDisabled
)

func (o State) String() string {
	switch o {
	case StateUnconfigured:
		return "unconfigured"
	case StateConfigured:
		return "configured"
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("unknown (%d)", int(o))
	}
}

// Config configures a Hook.
type Config struct {
	// OptLogger logs state changes if specified.
	OptLogger *zerolog.Logger

	// AutoAlloc allocates an AutoAllocSize variable near the target
	// the first time an unknown variable is referenced.
	AutoAlloc bool

	// OptCaveSize overrides DefaultCaveSize.
	OptCaveSize int
}

// Fragment is one instruction sequence placed by a hook.
type Fragment struct {
	// Text is the instruction text as it was added.
	Text string

	// Source is Text with address references resolved. References
	// are resolved again each time the fragment is compiled, so they
	// follow the cave and variables when the target changes.
	Source string

	// Address, Bin, and Len are set when the hook is enabled.
	Address uintptr
	Bin     []byte
	Len     int

	// IsReturnJump marks the jump out of the cave back into the
	// original code.
	IsReturnJump bool

	// IsEntryAdjacent fragments are written at the target directly
	// after the redirecting jump instead of into the cave.
	IsEntryAdjacent bool

	auto bool
}

type variable struct {
	addr  uintptr
	owned bool
	auto  bool
}

// New returns an unconfigured Hook. SetTarget must be called before
// fragments can be added.
//
// A Hook is not safe for concurrent use.
func New(proc vmem.Process, codec Codec, config Config) *Hook {
	logger := zerolog.Nop()
	if config.OptLogger != nil {
		logger = *config.OptLogger
	}

	caveSize := config.OptCaveSize
	if caveSize <= 0 {
		caveSize = DefaultCaveSize
	}

	return &Hook{
		proc:      proc,
		codec:     codec,
		config:    config,
		logger:    logger,
		caveSize:  caveSize,
		variables: make(map[string]variable),
	}
}

// Hook is an inline hook at a single address.
type Hook struct {
	proc      vmem.Process
	codec     Codec
	config    Config
	logger    zerolog.Logger
	state     State
	target    uintptr
	cave      uintptr
	caveSize  int
	ownsCave  bool
	fragments []Fragment
	backup    []byte
	variables map[string]variable
	closed    bool
}

// layout describes the bytes at the target for a given set of
// fragments.
type layout struct {
	firstLen  int
	firstDis  string
	adjacent  []byte
	displaced int
	backupLen int
}

func (o *Hook) State() State {
	return o.state
}

func (o *Hook) IsEnabled() bool {
	return o.state == StateEnabled
}

func (o *Hook) Target() uintptr {
	return o.target
}

func (o *Hook) Cave() uintptr {
	return o.cave
}

func (o *Hook) CaveSize() int {
	return o.caveSize
}

// Backup returns a copy of the original bytes at the target.
func (o *Hook) Backup() []byte {
	cp := make([]byte, len(o.backup))
	copy(cp, o.backup)
	return cp
}

// Fragments returns a copy of the hook's fragments in the order they
// were added.
func (o *Hook) Fragments() []Fragment {
	cp := make([]Fragment, len(o.fragments))
	for i, f := range o.fragments {
		f.Bin = append([]byte(nil), f.Bin...)
		cp[i] = f
	}
	return cp
}

// SetTarget sets the hooked address, allocates a cave near it if the
// hook does not have a caller supplied cave, and captures the
// original bytes. A previously allocated cave is freed.
//
// The target cannot be changed while the hook is enabled.
func (o *Hook) SetTarget(addr uintptr) error {
	if o.closed {
		return ErrClosed
	}

	if o.state == StateEnabled {
		return fmt.Errorf("cannot change target to 0x%x - %w", addr, ErrEnabled)
	}

	if addr == 0 {
		return fmt.Errorf("target address cannot be zero - %w", ErrNoTarget)
	}

	oldTarget := o.target

	if o.cave == 0 || o.ownsCave {
		cave, err := vmem.AllocNear(o.proc, addr, uintptr(o.caveSize))
		if err != nil {
			return fmt.Errorf("failed to allocate cave near 0x%x - %w", addr, err)
		}

		o.releaseCave()

		o.cave = cave
		o.ownsCave = true
		o.variables[CaveVariable] = variable{addr: cave}
	}

	if oldTarget != 0 && oldTarget != addr {
		o.releaseAutoVariables()
	}

	o.target = addr

	_, err := o.captureBackup()
	if err != nil {
		if o.ownsCave {
			o.releaseCave()
		}

		o.target = 0
		o.state = StateUnconfigured

		return fmt.Errorf("failed to back up original bytes at 0x%x - %w", addr, err)
	}

	o.state = StateConfigured

	o.logger.Debug().
		Str("target", conv.FormatAddress(addr)).
		Str("old_target", conv.FormatAddress(oldTarget)).
		Str("cave", conv.FormatAddress(o.cave)).
		Int("backup_len", len(o.backup)).
		Msg("target set")

	return nil
}

// SetCave makes the hook use a caller owned cave. The cave is not
// freed when the hook is closed.
func (o *Hook) SetCave(addr uintptr, size int) error {
	if o.closed {
		return ErrClosed
	}

	if o.state == StateEnabled {
		return fmt.Errorf("cannot change cave - %w", ErrEnabled)
	}

	if addr == 0 || size <= 0 {
		return fmt.Errorf("invalid cave 0x%x (%d bytes)", addr, size)
	}

	if o.ownsCave {
		o.releaseCave()
	}

	o.cave = addr
	o.caveSize = size
	o.ownsCave = false
	o.variables[CaveVariable] = variable{addr: addr}

	return nil
}

// AddFragment adds text to the cave after any previously added
// fragments. Address references are checked immediately and resolved
// again when the hook is enabled.
func (o *Hook) AddFragment(text string) error {
	return o.addFragment(text, false, false)
}

// AddReturnJump adds the fragment that leaves the cave. If text is
// empty, a jmp to the first original instruction that was not
// displaced is generated when the hook is enabled.
//
// If no return jump is added, Enable adds the generated one.
func (o *Hook) AddReturnJump(text string) error {
	return o.addFragment(text, true, false)
}

// AddEntryAdjacent adds text that is written at the target directly
// after the redirecting jump.
func (o *Hook) AddEntryAdjacent(text string) error {
	return o.addFragment(text, false, true)
}

func (o *Hook) addFragment(text string, isReturnJump bool, isEntryAdjacent bool) error {
	if o.closed {
		return ErrClosed
	}

	if o.state == StateUnconfigured {
		return ErrNoTarget
	}

	frag := Fragment{
		Text:            text,
		IsReturnJump:    isReturnJump,
		IsEntryAdjacent: isEntryAdjacent,
		auto:            isReturnJump && text == "",
	}

	if !frag.auto {
		resolved, err := o.resolve(text)
		if err != nil {
			return err
		}

		frag.Source = resolved
	}

	o.fragments = append(o.fragments, frag)

	return nil
}

// Enable compiles the fragments, writes them to the cave, and writes
// the redirecting jump at the target. The original bytes are captured
// again first.
//
// Calling Enable on an enabled hook disables it.
//
// If a write fails, the original bytes are written back before the
// error is returned. Compilation errors are returned before anything
// is written.
func (o *Hook) Enable() error {
	if o.closed {
		return ErrClosed
	}

	if o.state == StateUnconfigured {
		return ErrNoTarget
	}

	if o.state == StateEnabled {
		o.logger.Debug().
			Str("target", conv.FormatAddress(o.target)).
			Msg("enable called on enabled hook, disabling")

		return o.Disable()
	}

	lay, err := o.captureBackup()
	if err != nil {
		return fmt.Errorf("failed to back up original bytes at 0x%x - %w", o.target, err)
	}

	if !o.hasReturnJump() {
		o.fragments = append(o.fragments, Fragment{IsReturnJump: true, auto: true})
	}

	caveCode, err := o.compileCave(lay)
	if err != nil {
		return err
	}

	patch, err := o.redirect(lay)
	if err != nil {
		return err
	}

	err = memory.Write(o.proc, o.cave, caveCode)
	if err != nil {
		return o.rollback(fmt.Errorf("failed to write %d bytes to cave at 0x%x - %w",
			len(caveCode), o.cave, err))
	}

	err = memory.Write(o.proc, o.target, patch)
	if err != nil {
		return o.rollback(fmt.Errorf("failed to write redirect at 0x%x - %w", o.target, err))
	}

	o.state = StateEnabled

	o.logger.Info().
		Str("target", conv.FormatAddress(o.target)).
		Str("cave", conv.FormatAddress(o.cave)).
		Str("displaced", lay.firstDis).
		Int("displaced_len", lay.displaced).
		Int("cave_len", len(caveCode)).
		Msg("hook enabled")

	return nil
}

// Disable writes the original bytes back to the target. It does
// nothing if the hook is not enabled.
func (o *Hook) Disable() error {
	if o.closed {
		return ErrClosed
	}

	if o.state != StateEnabled {
		return nil
	}

	err := memory.Write(o.proc, o.target, o.backup)
	if err != nil {
		return fmt.Errorf("failed to restore %d original bytes at 0x%x - %w",
			len(o.backup), o.target, err)
	}

	o.state = StateDisabled

	o.logger.Info().
		Str("target", conv.FormatAddress(o.target)).
		Msg("hook disabled")

	return nil
}

// Close disables the hook, then frees its cave and any variables it
// allocated. The cave is kept if the original bytes could not be
// restored in a live process, since the target still jumps into it.
func (o *Hook) Close() error {
	if o.closed {
		return nil
	}

	var errs []error

	err := o.Disable()
	if err != nil {
		errs = append(errs, err)

		o.logger.Error().
			Err(err).
			Str("target", conv.FormatAddress(o.target)).
			Msg("failed to disable hook while closing")
	}

	if err == nil || !o.proc.Alive() {
		if o.ownsCave {
			err = o.freeLogged(o.cave, "cave")
			if err != nil {
				errs = append(errs, err)
			}
		}

		for name, v := range o.variables {
			if !v.owned {
				continue
			}

			err = o.freeLogged(v.addr, name)
			if err != nil {
				errs = append(errs, err)
			}
		}
	}

	o.closed = true
	o.state = StateUnconfigured
	o.cave = 0
	o.ownsCave = false
	o.variables = make(map[string]variable)

	return errors.Join(errs...)
}

// SetVariable sets an address variable for use by &alloc references.
// A variable previously allocated by the hook is freed.
func (o *Hook) SetVariable(name string, addr uintptr) error {
	if o.closed {
		return ErrClosed
	}

	if name == CaveVariable {
		return fmt.Errorf("%q is reserved for the cave", name)
	}

	err := o.RemoveVariable(name)
	if err != nil {
		return err
	}

	o.variables[name] = variable{addr: addr}

	return nil
}

// Variable returns the address of a variable.
func (o *Hook) Variable(name string) (uintptr, bool) {
	v, ok := o.variables[name]
	return v.addr, ok
}

// RemoveVariable forgets a variable, freeing its memory if the hook
// allocated it.
func (o *Hook) RemoveVariable(name string) error {
	v, ok := o.variables[name]
	if !ok {
		return nil
	}

	if name == CaveVariable {
		return fmt.Errorf("%q is reserved for the cave", name)
	}

	if v.owned {
		err := o.proc.Free(v.addr)
		if err != nil {
			return fmt.Errorf("failed to free variable %q at 0x%x - %w", name, v.addr, err)
		}
	}

	delete(o.variables, name)

	return nil
}

// AllocVariable allocates size bytes near the target and stores the
// address as a variable. A size of zero allocates DefaultVariableSize.
func (o *Hook) AllocVariable(name string, size int) (uintptr, error) {
	if o.closed {
		return 0, ErrClosed
	}

	if o.target == 0 {
		return 0, ErrNoTarget
	}

	if _, exists := o.variables[name]; exists {
		return 0, fmt.Errorf("%w: %q", ErrVariableExists, name)
	}

	if size <= 0 {
		size = DefaultVariableSize
	}

	addr, err := vmem.AllocNear(o.proc, o.target, uintptr(size))
	if err != nil {
		return 0, fmt.Errorf("failed to allocate variable %q near 0x%x - %w", name, o.target, err)
	}

	o.variables[name] = variable{addr: addr, owned: true}

	o.logger.Debug().
		Str("variable", name).
		Str("addr", conv.FormatAddress(addr)).
		Int("size", size).
		Msg("allocated variable")

	return addr, nil
}

// resolve substitutes the address references in text. Variables
// auto-allocated by a failed resolution are freed.
func (o *Hook) resolve(text string) (string, error) {
	existing := make(map[string]struct{}, len(o.variables))
	for name := range o.variables {
		existing[name] = struct{}{}
	}

	resolved, err := o.resolver().Resolve(text)
	if err != nil {
		for name, v := range o.variables {
			if _, ok := existing[name]; ok || !v.owned {
				continue
			}

			_ = o.freeLogged(v.addr, name)
			delete(o.variables, name)
		}

		return "", fmt.Errorf("failed to resolve address references in %q - %w", text, err)
	}

	return resolved, nil
}

// releaseAutoVariables frees variables that were allocated because a
// fragment referenced them. They are allocated again near the new
// target when the fragments are next resolved.
func (o *Hook) releaseAutoVariables() {
	for name, v := range o.variables {
		if !v.auto {
			continue
		}

		_ = o.freeLogged(v.addr, name)
		delete(o.variables, name)
	}
}

func (o *Hook) resolver() Resolver {
	return Resolver{
		Module:   ModuleLookup(o.proc),
		Variable: o.lookupVariable,
	}
}

func (o *Hook) lookupVariable(name string) (uintptr, bool, error) {
	if v, ok := o.variables[name]; ok {
		return v.addr, true, nil
	}

	if !o.config.AutoAlloc {
		return 0, false, nil
	}

	addr, err := o.AllocVariable(name, AutoAllocSize)
	if err != nil {
		return 0, false, err
	}

	v := o.variables[name]
	v.auto = true
	o.variables[name] = v

	return addr, true, nil
}

func (o *Hook) hasReturnJump() bool {
	for _, f := range o.fragments {
		if f.IsReturnJump {
			return true
		}
	}

	return false
}

// captureBackup compiles entry-adjacent fragments to learn their size,
// decodes the first instruction at the target, and reads the bytes
// that a patch would overwrite.
func (o *Hook) captureBackup() (layout, error) {
	head, err := memory.Read(o.proc, o.target, maxInstLen)
	if err != nil {
		return layout{}, fmt.Errorf("failed to read instruction at 0x%x - %w", o.target, err)
	}

	firstLen, firstDis, err := o.codec.DecodeLength(head, o.target)
	if err != nil {
		return layout{}, fmt.Errorf("failed to decode instruction at 0x%x - %w", o.target, err)
	}

	lay := layout{
		firstLen: firstLen,
		firstDis: firstDis,
	}

	cursor := o.target + JmpLen
	for i := range o.fragments {
		frag := &o.fragments[i]
		if !frag.IsEntryAdjacent {
			continue
		}

		source, err := o.resolve(frag.Text)
		if err != nil {
			return layout{}, fmt.Errorf("entry-adjacent fragment %d - %w", i, err)
		}

		frag.Source = source

		b, err := o.codec.Compile(frag.Source, cursor)
		if err != nil {
			return layout{}, fmt.Errorf("failed to compile entry-adjacent fragment %d (%q) - %w",
				i, frag.Source, err)
		}

		frag.Address = cursor
		frag.Bin = b
		frag.Len = len(b)

		lay.adjacent = append(lay.adjacent, b...)
		cursor += uintptr(len(b))
	}

	firstSpan := max(firstLen, JmpLen)
	lay.displaced = firstSpan + len(lay.adjacent)
	lay.backupLen = max(firstSpan, JmpLen+len(lay.adjacent))

	backup, err := memory.Read(o.proc, o.target, lay.backupLen)
	if err != nil {
		return layout{}, err
	}

	if len(backup) != lay.backupLen {
		return layout{}, fmt.Errorf("read %d of %d bytes - %w",
			len(backup), lay.backupLen, memory.ErrPartialTransfer)
	}

	o.backup = backup

	return lay, nil
}

// compileCave assigns addresses to the cave fragments in a single
// forward pass and returns their concatenated code.
func (o *Hook) compileCave(lay layout) ([]byte, error) {
	code := iokit.NewPayloadBuilder()
	cursor := o.cave

	for i := range o.fragments {
		frag := &o.fragments[i]
		if frag.IsEntryAdjacent {
			continue
		}

		if frag.auto {
			frag.Source = "jmp " + conv.FormatAddress(o.target+uintptr(lay.displaced))
		} else {
			source, err := o.resolve(frag.Text)
			if err != nil {
				return nil, fmt.Errorf("fragment %d - %w", i, err)
			}

			frag.Source = source
		}

		b, err := o.codec.Compile(frag.Source, cursor)
		if err != nil {
			return nil, fmt.Errorf("failed to compile fragment %d (%q) at 0x%x - %w",
				i, frag.Source, cursor, err)
		}

		frag.Address = cursor
		frag.Bin = b
		frag.Len = len(b)

		code.Bytes(b)
		cursor += uintptr(len(b))
	}

	if code.Len() > o.caveSize {
		return nil, fmt.Errorf("%d bytes of code, cave is %d bytes - %w",
			code.Len(), o.caveSize, ErrCaveFull)
	}

	return code.Build(), nil
}

// redirect returns the bytes written at the target: a jmp to the cave
// followed by either the entry-adjacent code or nop padding up to the
// end of the displaced instruction.
func (o *Hook) redirect(lay layout) ([]byte, error) {
	rel := int64(o.cave) - int64(o.target) - JmpLen
	if rel < math.MinInt32 || rel > math.MaxInt32 {
		return nil, fmt.Errorf("jmp from 0x%x to 0x%x - %w", o.target, o.cave, ErrOutOfRange)
	}

	patch := iokit.NewPayloadBuilder().
		Byte(jmpOpcode).
		Int32(int32(rel))

	if len(lay.adjacent) == 0 {
		patch.RepeatByte(nopOpcode, lay.displaced-JmpLen)
	} else {
		patch.Bytes(lay.adjacent)
	}

	return patch.Build(), nil
}

func (o *Hook) rollback(cause error) error {
	err := memory.Write(o.proc, o.target, o.backup)
	if err != nil {
		o.logger.Error().
			Err(err).
			Str("target", conv.FormatAddress(o.target)).
			Msg("failed to restore original bytes after failed enable")

		return fmt.Errorf("%w - additionally failed to restore original bytes - %w", cause, err)
	}

	return cause
}

func (o *Hook) releaseCave() {
	if !o.ownsCave || o.cave == 0 {
		return
	}

	_ = o.freeLogged(o.cave, "cave")

	o.cave = 0
	o.ownsCave = false
	delete(o.variables, CaveVariable)
}

func (o *Hook) freeLogged(addr uintptr, what string) error {
	err := o.proc.Free(addr)
	if err != nil {
		o.logger.Warn().
			Err(err).
			Str("addr", conv.FormatAddress(addr)).
			Msgf("failed to free %s", what)

		return fmt.Errorf("failed to free %s at 0x%x - %w", what, addr, err)
	}

	return nil
}
