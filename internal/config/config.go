// Package config loads settings shared by the command line tools.
//
// Settings are read from an optional .env file and then from the
// environment. Environment variables take precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gitlab.com/stephen-fox/hookkit/hook"
)

const (
	DefaultFile = ".env"

	PIDKey       = "HOOKKIT_PID"
	LogLevelKey  = "HOOKKIT_LOG_LEVEL"
	AutoAllocKey = "HOOKKIT_AUTO_ALLOC"
	CaveSizeKey  = "HOOKKIT_CAVE_SIZE"
)

// Config holds the settings for a tool run. Command line flags are
// expected to override these values.
type Config struct {
	PID       int
	LogLevel  zerolog.Level
	AutoAlloc bool
	CaveSize  int
}

// Load reads filePath, if it exists, and the environment. An empty
// filePath means DefaultFile.
func Load(filePath string) (Config, error) {
	if filePath == "" {
		filePath = DefaultFile
	}

	v := viper.New()
	v.SetConfigFile(filePath)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault(PIDKey, 0)
	v.SetDefault(LogLevelKey, zerolog.InfoLevel.String())
	v.SetDefault(AutoAllocKey, false)
	v.SetDefault(CaveSizeKey, hook.DefaultCaveSize)

	err := v.ReadInConfig()
	if err != nil && !isNotFound(err) {
		return Config{}, fmt.Errorf("failed to read config file %q - %w", filePath, err)
	}

	level, err := zerolog.ParseLevel(v.GetString(LogLevelKey))
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse %s - %w", LogLevelKey, err)
	}

	config := Config{
		PID:       v.GetInt(PIDKey),
		LogLevel:  level,
		AutoAlloc: v.GetBool(AutoAllocKey),
		CaveSize:  v.GetInt(CaveSizeKey),
	}

	if config.CaveSize <= 0 {
		return Config{}, fmt.Errorf("%s must be greater than zero - got %d", CaveSizeKey, config.CaveSize)
	}

	return config, nil
}

// Logger returns a human friendly logger that writes to w, or to
// stderr if w is nil.
func (o Config) Logger(w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}

	return zerolog.New(zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.TimeOnly,
	}).Level(o.LogLevel).With().Timestamp().Logger()
}

// HookConfig returns the hook settings.
func (o Config) HookConfig() hook.Config {
	return hook.Config{
		AutoAlloc:   o.AutoAlloc,
		OptCaveSize: o.CaveSize,
	}
}

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError

	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}
