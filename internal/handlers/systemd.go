package handlers

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/dbus"

	"jobweave/internal/task/job"
	"jobweave/internal/task/retry"
	logx "jobweave/pkg/logx"
)

// UnitController is the part of the systemd D-Bus API the handler uses.
// *dbus.Conn satisfies it.
type UnitController interface {
	StartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	RestartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	Close()
}

type UnitDialer func(ctx context.Context) (UnitController, error)

func dialSystemBus(ctx context.Context) (UnitController, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "connect to systemd")
	}
	return conn, nil
}

type SystemdParams struct {
	Unit   string `json:"unit"`
	Action string `json:"action,omitempty"` // start (default), restart, stop
	Mode   string `json:"mode,omitempty"`   // systemd job mode, default "replace"
}

// Systemd starts, restarts or stops a unit and waits for the systemd job
// to finish. Any job result other than "done" fails the run.
type Systemd struct {
	p    SystemdParams
	dial UnitDialer
	log  logx.Logger

	mu   sync.Mutex
	conn UnitController
}

type systemdResult struct {
	Unit   string `json:"unit"`
	Action string `json:"action"`
	JobID  int    `json:"job_id"`
	Result string `json:"result"`
}

func buildSystemd(raw json.RawMessage, env Env) (job.Handler, error) {
	var p SystemdParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return NewSystemd(p, env.Systemd, env.Log)
}

func NewSystemd(p SystemdParams, dial UnitDialer, log logx.Logger) (*Systemd, error) {
	p.Unit = strings.TrimSpace(p.Unit)
	if p.Unit == "" {
		return nil, errors.New("unit is required")
	}
	if !strings.Contains(p.Unit, ".") {
		p.Unit += ".service"
	}
	p.Action = strings.ToLower(strings.TrimSpace(p.Action))
	switch p.Action {
	case "":
		p.Action = "start"
	case "start", "restart", "stop":
	default:
		return nil, errors.Newf("unknown action %q (want start, restart or stop)", p.Action)
	}
	if p.Mode == "" {
		p.Mode = "replace"
	}
	if dial == nil {
		dial = dialSystemBus
	}
	return &Systemd{p: p, dial: dial, log: log}, nil
}

func (s *Systemd) controller(ctx context.Context) (UnitController, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	c, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.conn = c
	return c, nil
}

// reset drops a connection that failed so the next run redials.
func (s *Systemd) reset(c UnitController) {
	s.mu.Lock()
	if s.conn == c {
		s.conn = nil
	}
	s.mu.Unlock()
	c.Close()
}

// Close releases the D-Bus connection, if any.
func (s *Systemd) Close() {
	s.mu.Lock()
	c := s.conn
	s.conn = nil
	s.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

func (s *Systemd) Run(ctx context.Context, rc job.RunContext) (job.Result, error) {
	c, err := s.controller(ctx)
	if err != nil {
		return nil, err
	}

	done := make(chan string, 1)
	var id int
	switch s.p.Action {
	case "restart":
		id, err = c.RestartUnitContext(ctx, s.p.Unit, s.p.Mode, done)
	case "stop":
		id, err = c.StopUnitContext(ctx, s.p.Unit, s.p.Mode, done)
	default:
		id, err = c.StartUnitContext(ctx, s.p.Unit, s.p.Mode, done)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isNoSuchUnit(err) {
			return nil, retry.NoRetry(errors.Wrapf(err, "%s %s", s.p.Action, s.p.Unit))
		}
		s.reset(c)
		return nil, errors.Wrapf(err, "%s %s", s.p.Action, s.p.Unit)
	}

	var result string
	select {
	case result = <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	rc.Log.Debug("systemd job finished", logx.String("unit", s.p.Unit), logx.String("action", s.p.Action), logx.String("result", result))

	out, _ := json.Marshal(systemdResult{Unit: s.p.Unit, Action: s.p.Action, JobID: id, Result: result})
	if result != "done" {
		return job.Result(out), errors.Newf("%s %s: systemd job result %q", s.p.Action, s.p.Unit, result)
	}
	return job.Result(out), nil
}

func isNoSuchUnit(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "NoSuchUnit") || strings.Contains(msg, "not found") || strings.Contains(msg, "not loaded")
}
