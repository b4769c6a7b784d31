package handlers

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"jobweave/internal/task/job"
	"jobweave/internal/task/retry"
	logx "jobweave/pkg/logx"
)

type CommandParams struct {
	Argv []string          `json:"argv"`
	Env  map[string]string `json:"env,omitempty"`
	Dir  string            `json:"dir,omitempty"`
	// InheritEnv passes the daemon environment through (default true).
	InheritEnv *bool `json:"inherit_env,omitempty"`
	// MaxOutput caps the captured combined output in bytes (default 64KiB).
	MaxOutput int `json:"max_output,omitempty"`
	// KillGrace is how long the process gets after cancellation before
	// its pipes are closed (default "5s").
	KillGrace string `json:"kill_grace,omitempty"`
	// NoRetryExitCodes marks exit codes that should not be retried.
	NoRetryExitCodes []int `json:"no_retry_exit_codes,omitempty"`
}

// Command runs an external program. Combined stdout/stderr becomes the run
// result; a non-zero exit fails the run.
type Command struct {
	p         CommandParams
	env       []string
	killGrace time.Duration
	log       logx.Logger
}

func buildCommand(raw json.RawMessage, env Env) (job.Handler, error) {
	var p CommandParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return NewCommand(p, env.Log)
}

func NewCommand(p CommandParams, log logx.Logger) (*Command, error) {
	if len(p.Argv) == 0 || p.Argv[0] == "" {
		return nil, errors.New("argv is required")
	}
	if p.MaxOutput <= 0 {
		p.MaxOutput = 64 << 10
	}
	grace, err := parseDuration("kill_grace", p.KillGrace, 5*time.Second)
	if err != nil {
		return nil, err
	}
	c := &Command{p: p, killGrace: grace, log: log}
	if p.InheritEnv == nil || *p.InheritEnv {
		c.env = os.Environ()
	}
	keys := make([]string, 0, len(p.Env))
	for k := range p.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		c.env = append(c.env, k+"="+p.Env[k])
	}
	return c, nil
}

func (c *Command) Run(ctx context.Context, rc job.RunContext) (job.Result, error) {
	cmd := exec.CommandContext(ctx, c.p.Argv[0], c.p.Argv[1:]...)
	cmd.Dir = c.p.Dir
	cmd.Env = append(append([]string(nil), c.env...),
		"JOBWEAVE_JOB_ID="+rc.JobID,
		"JOBWEAVE_RUN_ID="+rc.RunID,
		"JOBWEAVE_ATTEMPT="+strconv.Itoa(rc.Attempt),
		"JOBWEAVE_TRIGGER="+rc.Trigger,
	)
	out := &limitedBuffer{max: c.p.MaxOutput}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = c.killGrace

	start := time.Now()
	err := cmd.Run()
	took := time.Since(start)
	if err == nil {
		rc.Log.Debug("command finished", logx.String("cmd", c.p.Argv[0]), logx.Duration("took", took))
		return job.Result(out.Bytes()), nil
	}
	if ctx.Err() != nil {
		return job.Result(out.Bytes()), ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		err = errors.WithDetailf(errors.Newf("%s exited with status %d", c.p.Argv[0], code), "output: %s", out.tail(512))
		for _, nr := range c.p.NoRetryExitCodes {
			if nr == code {
				return job.Result(out.Bytes()), retry.NoRetry(err)
			}
		}
		return job.Result(out.Bytes()), err
	}
	// Start failures (missing binary, bad dir) won't fix themselves.
	return nil, retry.NoRetry(errors.Wrapf(err, "start %s", c.p.Argv[0]))
}
