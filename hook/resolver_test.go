package hook

import (
	"errors"
	"testing"
)

func testResolver() Resolver {
	modules := map[string]uintptr{
		"game.exe":   0x140000000,
		"engine.dll": 0x7ffa12340000,
	}

	variables := map[string]uintptr{
		"inject": 0x13fff0000,
		"health": 0x20000,
	}

	return Resolver{
		Module: func(name string) (uintptr, error) {
			base, ok := modules[name]
			if !ok {
				return 0, ErrUnknownModule
			}
			return base, nil
		},
		Variable: func(name string) (uintptr, bool, error) {
			addr, ok := variables[name]
			return addr, ok, nil
		},
	}
}

func TestResolver_Resolve(t *testing.T) {
	tests := []struct {
		in  string
		exp string
	}{
		{"nop", "nop"},
		{"call &module(game.exe)", "call 0x140000000"},
		{"call &module(game.exe)+0x1A2B", "call 0x140001A2B"},
		{"call &module(game.exe)+1A2B", "call 0x140001A2B"},
		{"call &module(game.exe)+1000h", "call 0x140001000"},
		{"mov rax, [&module(engine.dll)+0x10]", "mov rax, [0x7FFA12340010]"},
		{"jmp &alloc(inject)", "jmp 0x13FFF0000"},
		{"mov rcx, &alloc(health)+8", "mov rcx, 0x20008"},
		{"jmp {game.exe+2000}", "jmp 0x140002000"},
		{"jmp {game.exe+0x2000}", "jmp 0x140002000"},
		{"jmp {[inject]}", "jmp 0x13FFF0000"},
		{"jmp {[health]+0x10}", "jmp 0x20010"},
		{
			"mov rax, &alloc(health); call &module(game.exe)+10; jmp {[inject]+4}",
			"mov rax, 0x20000; call 0x140000010; jmp 0x13FFF0004",
		},
		{
			"call {game.exe+10}; call {engine.dll+20}",
			"call 0x140000010; call 0x7FFA12340020",
		},
	}

	r := testResolver()

	for _, test := range tests {
		got, err := r.Resolve(test.in)
		if err != nil {
			t.Fatalf("%q: %v", test.in, err)
		}

		if got != test.exp {
			t.Fatalf("%q: expected %q - got %q", test.in, test.exp, got)
		}
	}
}

func TestResolver_Errors(t *testing.T) {
	tests := []struct {
		in  string
		exp error
	}{
		{"call &module(missing.dll)+10", ErrUnknownModule},
		{"call {missing.dll+10}", ErrUnknownModule},
		{"jmp &alloc(missing)", ErrUnknownVariable},
		{"jmp {[missing]+4}", ErrUnknownVariable},
	}

	r := testResolver()

	for _, test := range tests {
		got, err := r.Resolve(test.in)
		if !errors.Is(err, test.exp) {
			t.Fatalf("%q: expected %v - got %v", test.in, test.exp, err)
		}

		if got != "" {
			t.Fatalf("%q: expected no partial result - got %q", test.in, got)
		}
	}
}

func TestResolver_BadOffset(t *testing.T) {
	_, err := testResolver().Resolve("call &module(game.exe)+zz")
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestResolver_NoLookups(t *testing.T) {
	_, err := Resolver{}.Resolve("jmp &alloc(inject)")
	if !errors.Is(err, ErrUnknownVariable) {
		t.Fatalf("expected ErrUnknownVariable - got %v", err)
	}

	got, err := Resolver{}.Resolve("ret")
	if err != nil || got != "ret" {
		t.Fatalf("text without references should pass through - got %q, %v", got, err)
	}
}
