package main

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/google/shlex"
	"gitlab.com/stephen-fox/hookkit/asmkit"
	"gitlab.com/stephen-fox/hookkit/conv"
	"gitlab.com/stephen-fox/hookkit/hook"
	"gitlab.com/stephen-fox/hookkit/memory"
	"gitlab.com/stephen-fox/hookkit/pattern"
	"gitlab.com/stephen-fox/hookkit/scanner"
)

const helpText = `commands:
  create NAME ADDR          create a hook (replaces an existing one)
  target NAME ADDR          set the target of a hook created by "get"
  get NAME                  create an unconfigured hook
  asm NAME TEXT...          add instructions to the cave
  adjacent NAME TEXT...     add instructions directly after the jump
  ret NAME [TEXT...]        add the return jump (generated if no TEXT)
  alloc NAME VAR [SIZE]     allocate a variable near the target
  setvar NAME VAR ADDR      set a variable to an address
  enable NAME               enable, or disable if already enabled
  disable NAME              disable
  remove NAME               disable and delete
  list                      list hooks
  show NAME                 show fragments and original bytes
  scan PATTERN [MODULE]     find a byte pattern
  read ADDR [SIZE]          hex dump memory
  write ADDR HEX...         write bytes
  dasm ADDR [SIZE]          disassemble memory
  wait                      wait for ctrl+c
  exit                      disable all hooks and exit
ADDR may use &module(NAME)+OFFSET.
`

var errExit = errors.New("exit")

var (
	okColor   = color.New(color.FgGreen)
	infoColor = color.New(color.FgCyan)
	errColor  = color.New(color.FgRed)
)

type console struct {
	registry    *hook.Registry
	out         io.Writer
	interactive bool
	waitFn      func()
	waiting     atomic.Bool
	wake        chan struct{}
}

// serve runs commands from r until the input ends or an interrupt
// arrives outside of "wait". An interrupt during "wait" resumes the
// commands that follow it.
func (o *console) serve(r io.Reader, interrupts <-chan os.Signal) error {
	o.wake = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- o.run(r)
	}()

	for {
		select {
		case err := <-done:
			return err
		case <-interrupts:
			if o.waiting.CompareAndSwap(true, false) {
				o.wake <- struct{}{}
				continue
			}

			infoColor.Fprintln(o.out, "\ninterrupted")

			return nil
		}
	}
}

func (o *console) run(r io.Reader) error {
	lines := bufio.NewScanner(r)
	lineNum := 0

	o.prompt()

	for lines.Scan() {
		lineNum++

		line := strings.TrimSpace(lines.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			o.prompt()
			continue
		}

		args, err := shlex.Split(line)
		if err == nil {
			err = o.exec(args)
		}

		if errors.Is(err, errExit) {
			return nil
		}

		if err != nil {
			if !o.interactive {
				return fmt.Errorf("line %d (%q) - %w", lineNum, line, err)
			}

			errColor.Fprintf(o.out, "error: %s\n", err)
		}

		o.prompt()
	}

	return lines.Err()
}

func (o *console) prompt() {
	if o.interactive {
		fmt.Fprint(o.out, "> ")
	}
}

func (o *console) exec(args []string) error {
	if len(args) == 0 {
		return nil
	}

	cmd := strings.ToLower(args[0])
	args = args[1:]

	switch cmd {
	case "help", "?":
		fmt.Fprint(o.out, helpText)
		return nil
	case "exit", "quit":
		return errExit
	case "list":
		return o.list()
	case "wait":
		return o.wait()
	case "scan":
		return o.scan(args)
	case "read":
		return o.read(args)
	case "write":
		return o.write(args)
	case "dasm":
		return o.dasm(args)
	}

	if len(args) == 0 {
		return fmt.Errorf("%s requires a hook name (see help)", cmd)
	}

	name := args[0]
	args = args[1:]

	switch cmd {
	case "create":
		if len(args) != 1 {
			return errors.New("usage: create NAME ADDR")
		}

		addr, err := o.address(args[0])
		if err != nil {
			return err
		}

		h, err := o.registry.CreateHook(name, addr)
		if err != nil {
			return err
		}

		okColor.Fprintf(o.out, "created %s at 0x%X, cave 0x%X\n", name, h.Target(), h.Cave())
	case "get":
		_, err := o.registry.Get(name)
		return err
	case "target":
		if len(args) != 1 {
			return errors.New("usage: target NAME ADDR")
		}

		addr, err := o.address(args[0])
		if err != nil {
			return err
		}

		h, err := o.registry.Get(name)
		if err != nil {
			return err
		}

		return h.SetTarget(addr)
	case "asm", "adjacent", "ret":
		h, err := o.existing(name)
		if err != nil {
			return err
		}

		text := strings.Join(args, " ")

		switch cmd {
		case "asm":
			if text == "" {
				return errors.New("usage: asm NAME TEXT...")
			}
			return h.AddFragment(text)
		case "adjacent":
			if text == "" {
				return errors.New("usage: adjacent NAME TEXT...")
			}
			return h.AddEntryAdjacent(text)
		default:
			return h.AddReturnJump(text)
		}
	case "alloc":
		if len(args) < 1 || len(args) > 2 {
			return errors.New("usage: alloc NAME VAR [SIZE]")
		}

		size := 0
		if len(args) == 2 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("failed to parse size - %w", err)
			}
			size = n
		}

		h, err := o.existing(name)
		if err != nil {
			return err
		}

		addr, err := h.AllocVariable(args[0], size)
		if err != nil {
			return err
		}

		okColor.Fprintf(o.out, "%s = 0x%X\n", args[0], addr)
	case "setvar":
		if len(args) != 2 {
			return errors.New("usage: setvar NAME VAR ADDR")
		}

		addr, err := o.address(args[1])
		if err != nil {
			return err
		}

		h, err := o.existing(name)
		if err != nil {
			return err
		}

		return h.SetVariable(args[0], addr)
	case "enable", "disable":
		var found bool
		var err error
		if cmd == "enable" {
			found, err = o.registry.Enable(name)
		} else {
			found, err = o.registry.Disable(name)
		}
		if err != nil {
			return err
		}

		if !found {
			return fmt.Errorf("unknown hook: %q", name)
		}

		h, _ := o.registry.Get(name)
		okColor.Fprintf(o.out, "%s is %s\n", name, h.State())
	case "remove":
		if !o.registry.Remove(name) {
			return fmt.Errorf("unknown hook: %q", name)
		}

		okColor.Fprintf(o.out, "removed %s\n", name)
	case "show":
		return o.show(name)
	default:
		return fmt.Errorf("unknown command: %q (see help)", cmd)
	}

	return nil
}

// existing returns a hook without creating it.
func (o *console) existing(name string) (*hook.Hook, error) {
	for _, n := range o.registry.Names() {
		if n == name {
			return o.registry.Get(name)
		}
	}

	return nil, fmt.Errorf("unknown hook: %q", name)
}

func (o *console) address(s string) (uintptr, error) {
	resolved, err := hook.Resolver{
		Module: hook.ModuleLookup(o.registry.Process()),
	}.Resolve(s)
	if err != nil {
		return 0, err
	}

	return conv.ParseAddress(resolved)
}

func (o *console) list() error {
	w := tabwriter.NewWriter(o.out, 0, 4, 2, ' ', 0)

	for _, name := range o.registry.Names() {
		h, err := o.registry.Get(name)
		if err != nil {
			return err
		}

		fmt.Fprintf(w, "%s\t%s\ttarget=0x%X\tcave=0x%X\n", name, h.State(), h.Target(), h.Cave())
	}

	return w.Flush()
}

func (o *console) show(name string) error {
	h, err := o.existing(name)
	if err != nil {
		return err
	}

	infoColor.Fprintf(o.out, "%s: %s, target 0x%X, cave 0x%X, original bytes % x\n",
		name, h.State(), h.Target(), h.Cave(), h.Backup())

	for i, frag := range h.Fragments() {
		kind := "cave"
		switch {
		case frag.IsEntryAdjacent:
			kind = "adjacent"
		case frag.IsReturnJump:
			kind = "return"
		}

		fmt.Fprintf(o.out, "  %d %-8s 0x%X  %-20x %s\n", i, kind, frag.Address, frag.Bin, frag.Source)
	}

	return nil
}

func (o *console) scan(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: scan PATTERN [MODULE]")
	}

	pat, err := pattern.Parse(args[0])
	if err != nil {
		return err
	}

	config := scanner.Config{}
	if len(args) == 2 {
		config.OptModule = args[1]
	}

	addrs, err := scanner.Scan(o.registry.Process(), pat, config)
	if errors.Is(err, scanner.ErrNoMatches) {
		infoColor.Fprintln(o.out, "no matches")
		return nil
	}
	if err != nil {
		return err
	}

	for _, addr := range addrs {
		fmt.Fprintf(o.out, "0x%X\n", addr)
	}

	return nil
}

func (o *console) addrAndSize(args []string, usage string) (uintptr, int, error) {
	if len(args) < 1 || len(args) > 2 {
		return 0, 0, errors.New(usage)
	}

	addr, err := o.address(args[0])
	if err != nil {
		return 0, 0, err
	}

	size := 64
	if len(args) == 2 {
		n, err := strconv.ParseUint(args[1], 0, 32)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to parse size - %w", err)
		}
		size = int(n)
	}

	return addr, size, nil
}

func (o *console) read(args []string) error {
	addr, size, err := o.addrAndSize(args, "usage: read ADDR [SIZE]")
	if err != nil {
		return err
	}

	b, err := memory.Read(o.registry.Process(), addr, size)
	if err != nil {
		return err
	}

	fmt.Fprint(o.out, hex.Dump(b))

	return nil
}

func (o *console) write(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: write ADDR HEX...")
	}

	addr, err := o.address(args[0])
	if err != nil {
		return err
	}

	return memory.WriteHex(o.registry.Process(), addr, strings.Join(args[1:], " "))
}

func (o *console) dasm(args []string) error {
	addr, size, err := o.addrAndSize(args, "usage: dasm ADDR [SIZE]")
	if err != nil {
		return err
	}

	b, err := memory.Read(o.registry.Process(), addr, size)
	if err != nil {
		return err
	}

	dis, err := asmkit.NewDisassembler(asmkit.DisassemblerConfig{Syntax: asmkit.IntelSyntax})
	if err != nil {
		return err
	}

	err = dis.All(b, addr, func(inst asmkit.Inst) error {
		_, err := fmt.Fprintf(o.out, "0x%X  %-20x %s\n", inst.Address, inst.Bin, inst.Dis)
		return err
	})
	if err != nil && len(b) == size {
		// The read most likely ended mid-instruction.
		return nil
	}

	return err
}

func (o *console) wait() error {
	if o.waitFn != nil {
		o.waitFn()
		return nil
	}

	infoColor.Fprintln(o.out, "waiting for ctrl+c")

	o.waiting.Store(true)
	<-o.wake

	return nil
}
