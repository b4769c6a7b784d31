// Package handlers provides the job kinds the jobweave daemon can run from
// configuration: command, http, systemd, speedtest and noop.
//
// Each kind decodes its own params object strictly, so a typo in a job's
// params fails config validation instead of silently running with defaults.
package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobweave/internal/task/job"
	logx "jobweave/pkg/logx"
)

// ErrUnknownKind is returned for a kind with no registered builder.
var ErrUnknownKind = errors.New("unknown handler kind")

// Env carries the shared dependencies handed to every builder.
type Env struct {
	Log  logx.Logger
	HTTP *http.Client
	// Systemd dials the system bus. nil uses the real D-Bus connection.
	Systemd UnitDialer
	// Speedtest replaces the speedtest.net measurement, for tests.
	Speedtest SpeedMeter
}

// Builder turns a kind's params into a handler.
type Builder func(params json.RawMessage, env Env) (job.Handler, error)

type Registry struct {
	builders map[string]Builder
}

// Default returns a registry with every built-in kind.
func Default() *Registry {
	r := &Registry{builders: map[string]Builder{}}
	r.Register("command", buildCommand)
	r.Register("http", buildHTTP)
	r.Register("systemd", buildSystemd)
	r.Register("speedtest", buildSpeedtest)
	r.Register("noop", buildNoop)
	return r
}

func (r *Registry) Register(kind string, b Builder) {
	r.builders[strings.ToLower(strings.TrimSpace(kind))] = b
}

func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.builders))
	for k := range r.builders {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Build(kind string, params json.RawMessage, env Env) (job.Handler, error) {
	k := strings.ToLower(strings.TrimSpace(kind))
	b, ok := r.builders[k]
	if !ok {
		return nil, errors.WithHintf(errors.Wrapf(ErrUnknownKind, "%q", kind), "known kinds: %s", strings.Join(r.Kinds(), ", "))
	}
	if env.Log.IsZero() {
		env.Log = logx.Nop()
	}
	if env.HTTP == nil {
		env.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	h, err := b(params, env)
	if err != nil {
		return nil, errors.Wrapf(err, "%s handler", k)
	}
	return h, nil
}

// decodeParams decodes raw into v rejecting unknown fields. Empty input
// leaves v untouched.
func decodeParams(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "decode params")
	}
	return nil
}

func parseDuration(field, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "%s", field)
	}
	if d < 0 {
		return 0, errors.Newf("%s must be >= 0", field)
	}
	return d, nil
}

// limitedBuffer keeps the last max bytes written to it.
type limitedBuffer struct {
	max       int
	buf       []byte
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; b.max > 0 && over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.truncated = true
	}
	return n, nil
}

func (b *limitedBuffer) Bytes() []byte { return b.buf }

func (b *limitedBuffer) tail(n int) string {
	s := strings.TrimSpace(string(b.buf))
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}
