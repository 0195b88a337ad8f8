// Package logging builds the service logger from configuration.
package logging

import (
	"fmt"
	"io"
	"strings"
	"time"

	"cosmossdk.io/log"
	"github.com/rs/zerolog"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config selects the log level and output format. Level is either a single
// zerolog level or a per-module list such as "replication:debug,*:info".
type Config struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Color  bool   `mapstructure:"color"`
}

// DefaultConfig logs info and above as text
func DefaultConfig() Config {
	return Config{Level: zerolog.InfoLevel.String(), Format: FormatText}
}

// Validate checks the level and format parse
func (c Config) Validate() error {
	_, err := options(c)
	return err
}

// New creates a logger writing to w
func New(w io.Writer, cfg Config) (log.Logger, error) {
	opts, err := options(cfg)
	if err != nil {
		return nil, err
	}
	return log.NewLogger(w, opts...), nil
}

func options(cfg Config) ([]log.Option, error) {
	opts := []log.Option{
		log.ColorOption(cfg.Color),
		log.TimeFormatOption(time.RFC3339),
	}

	switch strings.ToLower(cfg.Format) {
	case "", FormatText:
	case FormatJSON:
		opts = append(opts, log.OutputJSONOption())
	default:
		return nil, fmt.Errorf("unknown log format %q (want %s or %s)", cfg.Format, FormatText, FormatJSON)
	}

	level := strings.TrimSpace(cfg.Level)
	if level == "" {
		level = zerolog.InfoLevel.String()
	}
	if strings.Contains(level, ":") {
		filter, err := log.ParseLogLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		return append(opts, log.FilterOption(filter)), nil
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return append(opts, log.LevelOption(lvl)), nil
}
