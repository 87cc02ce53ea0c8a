// Package logger holds the process-wide slog loggers: an operational logger
// for component logs and an audit logger for money, reputation and run
// records. The audit logger writes to a size-rotated file when enabled.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Config describes the operational and audit loggers.
type Config struct {
	// Service is attached to every record as "service".
	Service string
	// Level is debug, info, warn or error. Anything else means info.
	Level string
	// Format is "json" (default) or "text".
	Format string
	// OutputPaths lists "stdout", "stderr" or file paths. Empty means stdout.
	OutputPaths []string
	Audit       AuditConfig
}

// AuditConfig enables the rotated audit file. When disabled, audit records go
// to the operational logger tagged audit=true.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type loggers struct {
	main    *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
}

var (
	mu      sync.RWMutex
	current *loggers
)

// Init builds the loggers from cfg and installs them. Calling Init again
// replaces the loggers and closes files opened by the previous call.
func Init(cfg Config) error {
	next, err := build(cfg)
	if err != nil {
		return err
	}
	mu.Lock()
	prev := current
	current = next
	mu.Unlock()
	if prev != nil {
		_ = closeAll(prev.closers)
	}
	return nil
}

func build(cfg Config) (*loggers, error) {
	out := &loggers{}
	fail := func(err error) (*loggers, error) {
		_ = closeAll(out.closers)
		return nil, err
	}

	writer, err := out.openOutputs(cfg.OutputPaths)
	if err != nil {
		return fail(err)
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: true}
	var handler slog.Handler = slog.NewJSONHandler(writer, opts)
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(writer, opts)
	}
	out.main = withService(slog.New(handler), cfg.Service)

	if !cfg.Audit.Enabled {
		out.audit = out.main.With(slog.Bool("audit", true))
		return out, nil
	}
	if strings.TrimSpace(cfg.Audit.Path) == "" {
		return fail(errors.New("audit log path cannot be empty when enabled"))
	}
	rw, err := newRotatingWriter(cfg.Audit.Path,
		int64(orDefault(cfg.Audit.MaxSizeMB, 100))<<20,
		orDefault(cfg.Audit.MaxBackups, 7),
		time.Duration(orDefault(cfg.Audit.MaxAgeDays, 30))*24*time.Hour)
	if err != nil {
		return fail(fmt.Errorf("open audit log: %w", err))
	}
	out.closers = append(out.closers, rw)
	out.audit = withService(slog.New(slog.NewJSONHandler(rw, &slog.HandlerOptions{Level: slog.LevelInfo})), cfg.Service)
	return out, nil
}

func (l *loggers) openOutputs(paths []string) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(paths))
	for _, p := range paths {
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return nil, fmt.Errorf("create log directory: %w", err)
			}
			f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open log file %s: %w", p, err)
			}
			l.closers = append(l.closers, f)
			writers = append(writers, f)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		if strings.EqualFold(strings.TrimSpace(level), "warning") {
			return slog.LevelWarn
		}
		return slog.LevelInfo
	}
	return l
}

func orDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func withService(l *slog.Logger, service string) *slog.Logger {
	if strings.TrimSpace(service) == "" {
		return l
	}
	return l.With(slog.String("service", service))
}

func get() *loggers {
	mu.RLock()
	l := current
	mu.RUnlock()
	if l != nil {
		return l
	}
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
		main := slog.New(h)
		current = &loggers{main: main, audit: main.With(slog.Bool("audit", true))}
	}
	return current
}

// L returns the operational logger. Before Init it logs JSON to stdout.
func L() *slog.Logger { return get().main }

// Audit returns the audit logger.
func Audit() *slog.Logger { return get().audit }

// Named returns a child logger tagged with the component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// Sync closes the files opened by Init. Call it once at shutdown.
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		return nil
	}
	err := closeAll(current.closers)
	current.closers = nil
	return err
}

func closeAll(closers []io.Closer) error {
	var err error
	for _, c := range closers {
		err = errors.Join(err, c.Close())
	}
	return err
}
