package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

type Config struct {
	Level   string
	Console bool
	// JSON writes raw JSON lines to stdout instead of the console format.
	JSON  bool
	File  FileConfig
	Alert AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// AlertSender delivers a formatted log record to an operator channel.
type AlertSender interface {
	SendAlert(ctx context.Context, text string) error
}

// Service owns the outputs. Apply rebuilds them in place.
type Service struct {
	mu    sync.Mutex
	file  *os.File
	alert *alertSink

	zl atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the service with a live root logger.
// sender may be nil and set later with SetAlertSender.
func New(cfg Config, sender AlertSender) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{alert: newAlertSink(sender)}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.zl.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) SetAlertSender(sender AlertSender) { s.alert.setSender(sender) }

// Apply swaps level and outputs. Loggers already handed out follow.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var outs []io.Writer
	if cfg.Console {
		if cfg.JSON {
			outs = append(outs, os.Stdout)
		} else {
			outs = append(outs, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: timeFormat})
		}
	}

	prevFile := s.file
	s.file = nil
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			s.file = f
			outs = append(outs, zerolog.SyncWriter(f))
		}
	}

	s.alert.configure(cfg.Alert)
	if cfg.Alert.Enabled {
		outs = append(outs, s.alert)
	}
	if len(outs) == 0 {
		outs = append(outs, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: timeFormat})
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(outs...)).
		Level(levelOf(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.zl.Store(&zl)

	if prevFile != nil {
		_ = prevFile.Close()
	}
}

func (s *Service) Close() error {
	s.alert.stop()

	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	nop := zerolog.Nop()
	s.zl.Store(&nop)
	if f != nil {
		return f.Close()
	}
	return nil
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "./storyloom.log"
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

// levelOf parses a level name; "warning" is accepted for warn.
func levelOf(s string, def zerolog.Level) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	if s == "" {
		return def
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return def
	}
	return lvl
}
