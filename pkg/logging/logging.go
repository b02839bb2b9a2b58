// Package logging configures the process-wide slog logger.
//
// Call Setup once at startup; everything else in the server logs
// through the slog default logger it installs.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Levels lists the accepted level names, most to least verbose.
var Levels = []string{"debug", "info", "warn", "error"}

// Options selects the level, format and destination of the global
// logger.
type Options struct {
	Level  string    // one of Levels, empty means info
	Format string    // "text" or "json", empty means text
	Output io.Writer // defaults to os.Stdout
}

// ParseLevel maps a level name to its slog.Level. The empty string
// means info, and "warning" is accepted as an alias for warn.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("logging: unknown level %q (valid: %s)", name, strings.Join(Levels, ", "))
}

// Setup installs the global slog logger. Source locations are added
// to every record only at debug level.
func Setup(opts Options) error {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return err
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	hopts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var h slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		h = slog.NewJSONHandler(out, hopts)
	} else {
		h = slog.NewTextHandler(out, hopts)
	}

	slog.SetDefault(slog.New(h))
	return nil
}
