package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"gitlab.com/stephen-fox/hookkit/internal/config"
	"gitlab.com/stephen-fox/hookkit/pattern"
	"gitlab.com/stephen-fox/hookkit/scanner"
	"gitlab.com/stephen-fox/hookkit/vmem"
)

const (
	appName = "pattern"
	usage   = appName + `
DESCRIPTION
  Searches the memory of a running process for a byte pattern and prints
  the address of every match. Pattern bytes are two hex digits separated
  by whitespace. "??" or "**" matches any byte.

  The process ID may also be set with ` + config.PIDKey + `, either in the
  environment or in a .env file.

USAGE
  ` + appName + ` -pid PID [options] PATTERN

  Exits with status 2 if nothing matched.

EXAMPLES
  Find every reference to a global in game.exe:
    $ ` + appName + ` -pid 4242 -m game.exe "48 8B 05 ?? ?? ?? ?? 48 85 C0"
    0x140012A30
    0x1400F1C02

OPTIONS
`
)

func main() {
	log.SetFlags(0)

	err := mainWithError()
	if errors.Is(err, scanner.ErrNoMatches) {
		log.Println(err)
		os.Exit(2)
	}
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
		"The process ID to scan")
	module := flag.String(
		"m",
		"",
		"Only scan the specified module")
	first := flag.Bool(
		"1",
		false,
		"Stop after printing the lowest match")

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

	if flag.NArg() == 0 {
		return errors.New("please specify a pattern")
	}

	pat, err := pattern.Parse(strings.Join(flag.Args(), " "))
	if err != nil {
		return fmt.Errorf("failed to parse pattern - %w", err)
	}

	logger := cfg.Logger(nil).With().Int("pid", *pid).Logger()

	proc, err := vmem.Open(*pid, vmem.RightsDefault)
	if err != nil {
		return fmt.Errorf("failed to open process %d - %w", *pid, err)
	}
	defer proc.Close()

	addrs, stats, err := scanner.ScanWithStats(proc, pat, scanner.Config{
		OptModule: *module,
		OptLogger: &logger,
	})
	logger.Debug().
		Int("regions", stats.RegionsScanned).
		Int("failed_regions", stats.RegionsFailed).
		Uint64("bytes", stats.BytesScanned).
		Msg("scan finished")
	if err != nil {
		return fmt.Errorf("failed to scan for %q - %w", pat, err)
	}

	if *first {
		addrs = addrs[:1]
	}

	for _, addr := range addrs {
		fmt.Printf("0x%X\n", addr)
	}

	return nil
}
