package logx

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ---- Config ----

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// ---- Logger API ----

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Field mutates a zerolog event.
type Field func(e *zerolog.Event)

func String(k, v string) Field  { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field {
	return func(e *zerolog.Event) { e.Int64(k, v) }
}
func Uint64(k string, v uint64) Field {
	return func(e *zerolog.Event) { e.Uint64(k, v) }
}
func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Logger is a cheap value type. A zero Logger is safe to use and discards
// everything; services should not have to nil-check their logger.
type Logger struct {
	svc    *Service
	fields []Field
}

func Nop() Logger { return Logger{} }

// NewConsole returns a standalone console logger, detached from any Service.
// Intended for cmd bootstrap and tests.
func NewConsole(level string) Logger {
	s := &Service{}
	s.Apply(Config{Level: level, Console: true})
	return Logger{svc: s}
}

func (l Logger) IsZero() bool { return l.svc == nil }

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	out := l
	out.fields = append(append([]Field(nil), l.fields...), fields...)
	return out
}

func (l Logger) Enabled(level Level) bool {
	if l.svc == nil {
		return false
	}
	return level >= l.svc.current().GetLevel()
}

func (l Logger) Trace(msg string, fields ...Field) { l.log(zerolog.TraceLevel, msg, fields...) }
func (l Logger) Debug(msg string, fields ...Field) { l.log(zerolog.DebugLevel, msg, fields...) }
func (l Logger) Info(msg string, fields ...Field)  { l.log(zerolog.InfoLevel, msg, fields...) }
func (l Logger) Warn(msg string, fields ...Field)  { l.log(zerolog.WarnLevel, msg, fields...) }
func (l Logger) Error(msg string, fields ...Field) { l.log(zerolog.ErrorLevel, msg, fields...) }

func (l Logger) log(level zerolog.Level, msg string, fields ...Field) {
	if l.svc == nil {
		return
	}
	root := l.svc.current()
	e := root.WithLevel(level)
	for _, f := range l.fields {
		f(e)
	}
	for _, f := range fields {
		f(e)
	}
	e.Msg(msg)
}

// ---- Service ----

// Service owns the output sinks and supports live reconfiguration.
// Loggers handed out via Logger() observe Apply() immediately.
type Service struct {
	mu   sync.Mutex
	root zerolog.Logger
	file *os.File
}

func New(cfg Config) (*Service, Logger, error) {
	s := &Service{}
	if err := s.apply(cfg); err != nil {
		return nil, Logger{}, err
	}
	return s, Logger{svc: s}, nil
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply reconfigures sinks and level. Errors opening the log file fall back
// to console-only output so a bad path never silences logging entirely.
func (s *Service) Apply(cfg Config) {
	_ = s.apply(cfg)
}

func (s *Service) apply(cfg Config) error {
	lvl := parseLevel(cfg.Level, zerolog.InfoLevel)

	var writers []io.Writer
	if cfg.Console || (!cfg.File.Enabled) {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: consoleTimeFormat,
		})
	}

	var openErr error
	var f *os.File
	if cfg.File.Enabled && strings.TrimSpace(cfg.File.Path) != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0o755); err != nil {
			openErr = err
		} else if ff, err := os.OpenFile(cfg.File.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err != nil {
			openErr = err
		} else {
			f = ff
			writers = append(writers, ff)
		}
	}
	if len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: consoleTimeFormat})
	}

	root := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(lvl).
		With().Timestamp().Logger()

	s.mu.Lock()
	old := s.file
	s.root = root
	s.file = f
	s.mu.Unlock()

	if old != nil && old != f {
		_ = old.Close()
	}
	return openErr
}

func (s *Service) current() zerolog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "":
		return def
	default:
		return def
	}
}
