package logx

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// callerSkip drops Logger.<level> and Logger.emit from the reported frame.
const callerSkip = 2

var setupOnce sync.Once

func setupZerolog() {
	setupOnce.Do(func() {
		zerolog.TimeFieldFormat = timeFormat
		zerolog.ErrorFieldName = "err"
		zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
			return filepath.Base(file) + ":" + strconv.Itoa(line)
		}
	})
}

// source yields the zerolog logger an event is written to.
type source interface {
	zl() zerolog.Logger
}

type fixed zerolog.Logger

func (f fixed) zl() zerolog.Logger { return zerolog.Logger(f) }

// Logger is a value type; the zero Logger discards everything.
type Logger struct {
	src    source
	fields []Field
}

// Nop returns a logger that never writes. It is not IsZero, so components
// that default a zero logger keep it silent.
func Nop() Logger { return Logger{src: fixed(zerolog.Nop())} }

// NewConsole logs human-readable lines to stderr. The CLI uses it before a
// config exists and for offline commands.
func NewConsole(level string) Logger {
	setupZerolog()
	return Logger{src: fixed(build(consoleWriter(os.Stderr), ParseLevel(level, LevelInfo)))}
}

// NewWriter logs JSON lines to w.
func NewWriter(w io.Writer, level string) Logger {
	setupZerolog()
	return Logger{src: fixed(build(w, ParseLevel(level, LevelDebug)))}
}

func (l Logger) IsZero() bool { return l.src == nil && len(l.fields) == 0 }

func (l Logger) current() zerolog.Logger {
	if l.src == nil {
		return zerolog.Nop()
	}
	return l.src.zl()
}

func (l Logger) Enabled(level Level) bool {
	zl := l.current()
	return level >= zl.GetLevel()
}

// With returns a logger that adds fields to every event.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	l.fields = append(merged, fields...)
	return l
}

func (l Logger) Trace(msg string, fields ...Field) { l.emit(LevelTrace, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(LevelError, msg, fields) }

func (l Logger) emit(level Level, msg string, fields []Field) {
	zl := l.current()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	e = e.Caller(callerSkip)
	applyFields(e, l.fields, fields)
	e.Msg(msg)
}

func build(w io.Writer, level Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: timeFormat,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}
