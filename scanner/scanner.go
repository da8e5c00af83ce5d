// Package scanner searches the memory of another process for byte
// signatures.
package scanner

import (
	"errors"
	"fmt"
	"log"

	"github.com/rs/zerolog"
	"gitlab.com/stephen-fox/hookkit/memory"
	"gitlab.com/stephen-fox/hookkit/pattern"
	"gitlab.com/stephen-fox/hookkit/vmem"
)

var (
	// DefaultExitFn is invoked by functions and methods ending in
	// the "OrExit" suffix when an error occurs.
	DefaultExitFn = func(err error) {
		log.Fatalln(err)
	}

	// ErrNoMatches is returned when a scan completed without finding
	// the pattern. It is an expected outcome, not an I/O failure.
	ErrNoMatches = errors.New("no matches found")
)

// Config configures a scan.
type Config struct {
	// OptModule restricts the scan to the named module's image.
	// The whole application address range is scanned if empty.
	OptModule string

	// OptLogger logs skipped regions and results if specified.
	OptLogger *zerolog.Logger
}

// Stats describes the work done by a scan.
type Stats struct {
	RegionsSeen    int
	RegionsScanned int
	RegionsFailed  int
	BytesScanned   uint64
}

// ScanOrExit calls Scan and calls DefaultExitFn if an error other than
// ErrNoMatches occurs.
func ScanOrExit(proc vmem.Process, pat pattern.Pattern, config Config) []uintptr {
	addrs, err := Scan(proc, pat, config)
	if err != nil && !errors.Is(err, ErrNoMatches) {
		DefaultExitFn(fmt.Errorf("failed to scan for %q - %w", pat, err))
	}
	return addrs
}

// Scan returns the address of every match of pat in ascending order.
//
// Only committed regions whose protection is exactly read-write,
// read-only, or execute-read are read. A region that cannot be read
// is skipped. If nothing matches, Scan returns ErrNoMatches.
func Scan(proc vmem.Process, pat pattern.Pattern, config Config) ([]uintptr, error) {
	addrs, _, err := ScanWithStats(proc, pat, config)
	return addrs, err
}

// ScanFirst returns the lowest matching address.
func ScanFirst(proc vmem.Process, pat pattern.Pattern, config Config) (uintptr, error) {
	addrs, err := Scan(proc, pat, config)
	if err != nil {
		return 0, err
	}

	return addrs[0], nil
}

// ScanWithStats is like Scan, but also reports what was scanned.
func ScanWithStats(proc vmem.Process, pat pattern.Pattern, config Config) ([]uintptr, Stats, error) {
	var stats Stats

	if pat.Len() == 0 {
		return nil, stats, pattern.ErrEmpty
	}

	logger := zerolog.Nop()
	if config.OptLogger != nil {
		logger = *config.OptLogger
	}

	start, end := proc.AddressRange()

	if config.OptModule != "" {
		mod, err := proc.Module(config.OptModule)
		if err != nil {
			return nil, stats, fmt.Errorf("failed to find module %q - %w", config.OptModule, err)
		}

		start = mod.Base
		end = mod.Base + mod.Size
	}

	var matches []uintptr

	err := proc.Regions(start, end, func(region vmem.Region) error {
		stats.RegionsSeen++

		if !region.IsScannable() {
			return nil
		}

		// Clip to the scanned range so module scans do not report
		// addresses belonging to neighboring mappings.
		base := region.Base
		regionEnd := region.End()
		if base < start {
			base = start
		}
		if regionEnd > end {
			regionEnd = end
		}
		if regionEnd <= base {
			return nil
		}

		buf, err := memory.Read(proc, base, int(regionEnd-base))
		if err != nil {
			if errors.Is(err, vmem.ErrProcessGone) {
				return err
			}

			stats.RegionsFailed++

			logger.Debug().
				Err(err).
				Str("region", region.String()).
				Msg("skipping unreadable region")

			return nil
		}

		stats.RegionsScanned++
		stats.BytesScanned += uint64(len(buf))

		for _, off := range pat.IndexAll(buf) {
			matches = append(matches, base+uintptr(off))
		}

		return nil
	})
	if err != nil {
		return nil, stats, fmt.Errorf("failed to enumerate regions - %w", err)
	}

	logger.Debug().
		Str("pattern", pat.String()).
		Int("matches", len(matches)).
		Int("regions_scanned", stats.RegionsScanned).
		Int("regions_failed", stats.RegionsFailed).
		Uint64("bytes", stats.BytesScanned).
		Msg("scan complete")

	if len(matches) == 0 {
		return nil, stats, ErrNoMatches
	}

	return matches, stats, nil
}
