package logx

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

const defaultLogFile = "./jobweave.log"

type Config struct {
	Level   string
	Console bool
	// JSON writes raw JSON lines to stdout instead of the console format.
	JSON bool
	File FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the process-wide sinks. Apply may be called at any time;
// loggers handed out earlier switch to the new sinks on their next event.
type Service struct {
	mu   sync.Mutex
	file *os.File

	out    io.Writer
	active atomic.Pointer[zerolog.Logger]
}

// New builds the sinks described by cfg and returns the service with a
// logger bound to it.
func New(cfg Config) (*Service, Logger) {
	return newService(cfg, os.Stdout)
}

func newService(cfg Config, out io.Writer) (*Service, Logger) {
	setupZerolog()
	s := &Service{out: out}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) zl() zerolog.Logger {
	if p := s.active.Load(); p != nil {
		return *p
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{src: s} }

// Apply replaces the level and sinks. A log file that cannot be opened is
// reported through the new logger and skipped.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	switch {
	case cfg.JSON:
		sinks = append(sinks, s.out)
	case cfg.Console:
		sinks = append(sinks, consoleWriter(s.out))
	}

	var fileErr error
	prev := s.file
	s.file = nil
	if cfg.File.Enabled {
		f, err := openLogFile(cfg.File.Path)
		if err != nil {
			fileErr = err
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(s.out))
	}

	zl := build(zerolog.MultiLevelWriter(sinks...), ParseLevel(cfg.Level, LevelInfo))
	s.active.Store(&zl)
	if prev != nil {
		_ = prev.Close()
	}
	if fileErr != nil {
		zl.Warn().Err(fileErr).Msg("log file disabled")
	}
}

// Close releases the log file. Later events still reach the other sinks.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create log dir %q", dir)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open log file %q", path)
	}
	return f, nil
}
