package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"gitlab.com/stephen-fox/hookkit/asmkit"
	"gitlab.com/stephen-fox/hookkit/hook"
	"gitlab.com/stephen-fox/hookkit/internal/config"
	"gitlab.com/stephen-fox/hookkit/vmem"
)

const (
	appName = "hookctl"
	usage   = appName + `
DESCRIPTION
  Places and manages inline hooks in a running process. Commands are read
  from stdin, or from a script file, one per line. Arguments are split
  like a shell would, so quote instruction text containing spaces.

  Settings may also be provided by a .env file or the environment:
    ` + config.PIDKey + `, ` + config.LogLevelKey + `, ` + config.AutoAllocKey + `, ` + config.CaveSizeKey + `

  All hooks are disabled and their caves freed when ` + appName + ` exits.

USAGE
  ` + appName + ` -pid PID [options]

EXAMPLES
  Skip a health decrement:
    $ ` + appName + ` -pid 4242
    > scan "29 83 ?? ?? ?? ?? 8B" game.exe
    0x1400A2F10
    > create health 0x1400A2F10
    > asm health "nop"
    > enable health
    > list
    health  enabled  target=0x1400A2F10  cave=0x140090000

OPTIONS
`
)

func main() {
	log.SetFlags(0)

	err := mainWithError()
	if err != nil {
		log.Fatalln("fatal:", err)
	}
}

func mainWithError() error {
	help := flag.Bool(
		"h",
		false,
		"Display this information")
	envFile := flag.String(
		"env",
		config.DefaultFile,
		"Optional .env file to load settings from")
	pid := flag.Int(
		"pid",
		0,
		"The process ID to hook")
	scriptPath := flag.String(
		"f",
		"",
		"Run commands from a file instead of stdin")
	autoAlloc := flag.Bool(
		"auto-alloc",
		false,
		"Allocate unknown &alloc() variables automatically")
	noColor := flag.Bool(
		"no-color",
		false,
		"Disable colored output")

	flag.Parse()

	if *help {
		os.Stderr.WriteString(usage)
		flag.PrintDefaults()
		os.Exit(1)
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		return err
	}

	if *pid == 0 {
		*pid = cfg.PID
	}

	if *pid == 0 {
		return errors.New("please specify a process ID")
	}

	if *autoAlloc {
		cfg.AutoAlloc = true
	}

	if *noColor {
		color.NoColor = true
	}

	logger := cfg.Logger(nil)

	proc, err := vmem.Open(*pid, vmem.RightsDefault)
	if err != nil {
		return fmt.Errorf("failed to open process %d - %w", *pid, err)
	}

	registry := hook.NewRegistry(proc, asmkit.NewCodec(), hook.RegistryConfig{
		OptLogger:  &logger,
		HookConfig: cfg.HookConfig(),
	})
	defer func() {
		err := registry.Close()
		if err != nil {
			logger.Error().Err(err).Msg("failed to clean up hooks")
		}
	}()

	var input io.Reader = os.Stdin
	interactive := true

	if *scriptPath != "" {
		f, err := os.Open(*scriptPath)
		if err != nil {
			return fmt.Errorf("failed to open script - %w", err)
		}
		defer f.Close()

		input = f
		interactive = false
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)

	c := &console{
		registry:    registry,
		out:         os.Stdout,
		interactive: interactive,
	}

	return c.serve(input, interrupts)
}
