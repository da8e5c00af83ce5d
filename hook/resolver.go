package hook

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gitlab.com/stephen-fox/hookkit/conv"
	"gitlab.com/stephen-fox/hookkit/vmem"
)

var (
	// ErrUnknownModule is returned when an address reference names a
	// module that is not loaded in the target process.
	ErrUnknownModule = errors.New("unknown module")

	// ErrUnknownVariable is returned when an address reference names
	// a variable that does not exist and cannot be allocated.
	ErrUnknownVariable = errors.New("unknown address variable")
)

var (
	moduleRefRe       = regexp.MustCompile(`&module\(([^)]+)\)(?:\+([^,;\s\]]+))?`)
	allocRefRe        = regexp.MustCompile(`&alloc\(([^)]+)\)(?:\+([^,;\s\]]+))?`)
	legacyModuleRefRe = regexp.MustCompile(`\{([^[\]{}+]+)\+([^{}]+)\}`)
	legacyVarRefRe    = regexp.MustCompile(`\{\[([^\]]+)\](?:\+([^{}]+))?\}`)
)

// ModuleLookupFn returns the base address of a loaded module.
type ModuleLookupFn func(name string) (uintptr, error)

// VariableLookupFn returns the address of a named variable. It returns
// false if the variable does not exist.
type VariableLookupFn func(name string) (uintptr, bool, error)

// Resolver replaces address references in instruction text with
// absolute addresses. The following forms are understood:
//
//	&module(NAME)+OFFSET   module base plus optional offset
//	&alloc(VAR)+OFFSET     address variable plus optional offset
//	{NAME+HEXOFFSET}       module base plus hex offset
//	{[VAR]+OFFSET}         address variable plus optional offset
//
// Offsets may be "0x" prefixed, "h" suffixed, bare hex, or decimal
// (see conv.ParseOffset). Each reference is replaced with "0x" followed
// by the upper-case hex address.
type Resolver struct {
	Module   ModuleLookupFn
	Variable VariableLookupFn
}

// ModuleLookup adapts a vmem.Process into a ModuleLookupFn.
func ModuleLookup(proc vmem.Process) ModuleLookupFn {
	return func(name string) (uintptr, error) {
		mod, err := proc.Module(name)
		if err != nil {
			if errors.Is(err, vmem.ErrModuleNotFound) {
				return 0, fmt.Errorf("%w: %q", ErrUnknownModule, name)
			}

			return 0, err
		}

		return mod.Base, nil
	}
}

// Resolve returns text with every address reference replaced.
// No partial result is returned on error.
func (o Resolver) Resolve(text string) (string, error) {
	var err error

	text, err = o.replace(text, moduleRefRe, o.moduleRef)
	if err != nil {
		return "", err
	}

	text, err = o.replace(text, allocRefRe, o.variableRef)
	if err != nil {
		return "", err
	}

	text, err = o.replace(text, legacyModuleRefRe, o.legacyModuleRef)
	if err != nil {
		return "", err
	}

	text, err = o.replace(text, legacyVarRefRe, o.variableRef)
	if err != nil {
		return "", err
	}

	return text, nil
}

func (o Resolver) replace(text string, re *regexp.Regexp, fn func(name string, offset string) (string, error)) (string, error) {
	matches := re.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text, nil
	}

	var b strings.Builder
	last := 0

	for _, m := range matches {
		name := text[m[2]:m[3]]

		var offset string
		if m[4] >= 0 {
			offset = text[m[4]:m[5]]
		}

		addr, err := fn(strings.TrimSpace(name), strings.TrimSpace(offset))
		if err != nil {
			return "", err
		}

		b.WriteString(text[last:m[0]])
		b.WriteString(addr)
		last = m[1]
	}

	b.WriteString(text[last:])

	return b.String(), nil
}

func (o Resolver) moduleRef(name string, offsetStr string) (string, error) {
	if o.Module == nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownModule, name)
	}

	base, err := o.Module(name)
	if err != nil {
		return "", fmt.Errorf("failed to resolve module %q - %w", name, err)
	}

	offset, err := conv.ParseOffset(offsetStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse offset for module %q - %w", name, err)
	}

	return conv.FormatSignedAddress(base, offset), nil
}

// legacyModuleRef handles {NAME+OFFSET}, where OFFSET is always hex.
func (o Resolver) legacyModuleRef(name string, offsetStr string) (string, error) {
	offsetStr = strings.TrimPrefix(strings.ToLower(offsetStr), "0x")

	return o.moduleRef(name, "0x"+offsetStr)
}

func (o Resolver) variableRef(name string, offsetStr string) (string, error) {
	if o.Variable == nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownVariable, name)
	}

	addr, exists, err := o.Variable(name)
	if err != nil {
		return "", fmt.Errorf("failed to resolve variable %q - %w", name, err)
	}

	if !exists {
		return "", fmt.Errorf("%w: %q", ErrUnknownVariable, name)
	}

	offset, err := conv.ParseOffset(offsetStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse offset for variable %q - %w", name, err)
	}

	return conv.FormatSignedAddress(addr, offset), nil
}
