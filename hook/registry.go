package hook

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gitlab.com/stephen-fox/hookkit/conv"
	"gitlab.com/stephen-fox/hookkit/vmem"
)

var (
	ErrEmptyName      = errors.New("hook name cannot be empty")
	ErrRegistryClosed = errors.New("registry is closed")
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// OptLogger is used by the registry and, with the hook's name and
	// id attached, by every hook it creates.
	OptLogger *zerolog.Logger

	// HookConfig is used for every hook. Its OptLogger is ignored.
	HookConfig Config
}

type entry struct {
	hook *Hook
	id   uuid.UUID
}

// NewRegistry returns a Registry that owns proc. proc is closed when
// the Registry is closed.
func NewRegistry(proc vmem.Process, codec Codec, config RegistryConfig) *Registry {
	logger := zerolog.Nop()
	if config.OptLogger != nil {
		logger = *config.OptLogger
	}

	return &Registry{
		proc:   proc,
		codec:  codec,
		config: config,
		logger: logger.With().Int("pid", proc.PID()).Logger(),
		hooks:  make(map[string]entry),
	}
}

// Registry owns a process and the named hooks placed in it.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	proc   vmem.Process
	codec  Codec
	config RegistryConfig
	logger zerolog.Logger
	hooks  map[string]entry
	closed bool
}

// CreateHook creates a hook at addr with its own cave. An existing hook
// with the same name is disabled, closed, and replaced.
func (o *Registry) CreateHook(name string, addr uintptr) (*Hook, error) {
	if name == "" {
		return nil, ErrEmptyName
	}

	if addr == 0 {
		return nil, fmt.Errorf("hook %q - %w", name, ErrNoTarget)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, ErrRegistryClosed
	}

	if _, exists := o.hooks[name]; exists {
		o.removeLocked(name)
	}

	e := o.newEntry(name)

	err := e.hook.SetTarget(addr)
	if err != nil {
		_ = e.hook.Close()
		return nil, fmt.Errorf("failed to configure hook %q at 0x%x - %w", name, addr, err)
	}

	o.hooks[name] = e

	o.logger.Info().
		Str("hook", name).
		Str("id", e.id.String()).
		Str("addr", conv.FormatAddress(addr)).
		Str("cave", conv.FormatAddress(e.hook.Cave())).
		Msg("created hook")

	return e.hook, nil
}

// Get returns the named hook, creating an unconfigured one if it does
// not exist.
func (o *Registry) Get(name string) (*Hook, error) {
	if name == "" {
		return nil, ErrEmptyName
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, ErrRegistryClosed
	}

	e, exists := o.hooks[name]
	if !exists {
		e = o.newEntry(name)
		o.hooks[name] = e
	}

	return e.hook, nil
}

// ID returns the id assigned to the named hook when it was created.
func (o *Registry) ID(name string) (uuid.UUID, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, exists := o.hooks[name]
	return e.id, exists
}

// Remove disables and closes the named hook and forgets it. It returns
// false if the name is unknown.
func (o *Registry) Remove(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.hooks[name]; !exists {
		return false
	}

	o.removeLocked(name)

	return true
}

// Enable enables the named hook. It returns false if the name is
// unknown. See Hook.Enable for the behavior on an enabled hook.
func (o *Registry) Enable(name string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, exists := o.hooks[name]
	if !exists {
		return false, nil
	}

	err := e.hook.Enable()
	if err != nil {
		return false, fmt.Errorf("failed to enable hook %q - %w", name, err)
	}

	return true, nil
}

// Disable disables the named hook. It returns false if the name is
// unknown.
func (o *Registry) Disable(name string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, exists := o.hooks[name]
	if !exists {
		return false, nil
	}

	err := e.hook.Disable()
	if err != nil {
		return false, fmt.Errorf("failed to disable hook %q - %w", name, err)
	}

	return true, nil
}

// Names returns the name of every hook in ascending order.
func (o *Registry) Names() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.namesLocked()
}

// IsProcessValid returns true if the process is still running.
func (o *Registry) IsProcessValid() bool {
	return o.proc.Alive()
}

// Process returns the process owned by the registry.
func (o *Registry) Process() vmem.Process {
	return o.proc
}

// Close closes every hook and then the process. It is safe to call
// more than once.
func (o *Registry) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil
	}

	var errs []error

	for _, name := range o.namesLocked() {
		err := o.hooks[name].hook.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to close hook %q - %w", name, err))
		}

		delete(o.hooks, name)
	}

	err := o.proc.Close()
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to close process - %w", err))
	}

	o.closed = true

	o.logger.Debug().Msg("registry closed")

	return errors.Join(errs...)
}

func (o *Registry) newEntry(name string) entry {
	id := uuid.New()

	logger := o.logger.With().
		Str("hook", name).
		Str("id", id.String()).
		Logger()

	config := o.config.HookConfig
	config.OptLogger = &logger

	return entry{
		hook: New(o.proc, o.codec, config),
		id:   id,
	}
}

func (o *Registry) removeLocked(name string) {
	e := o.hooks[name]

	err := e.hook.Close()
	if err != nil {
		o.logger.Error().
			Err(err).
			Str("hook", name).
			Str("id", e.id.String()).
			Msg("failed to close hook while removing it")
	}

	delete(o.hooks, name)
}

func (o *Registry) namesLocked() []string {
	names := make([]string, 0, len(o.hooks))
	for name := range o.hooks {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
