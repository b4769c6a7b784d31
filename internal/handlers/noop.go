package handlers

import (
	"context"
	"encoding/json"
	"time"

	"jobweave/internal/task/job"
	logx "jobweave/pkg/logx"
)

type NoopParams struct {
	Message string `json:"message,omitempty"`
	// Sleep holds the run for a while; useful for wiring pipelines.
	Sleep string `json:"sleep,omitempty"`
}

type Noop struct {
	msg   string
	sleep time.Duration
}

func buildNoop(raw json.RawMessage, _ Env) (job.Handler, error) {
	var p NoopParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	d, err := parseDuration("sleep", p.Sleep, 0)
	if err != nil {
		return nil, err
	}
	return &Noop{msg: p.Message, sleep: d}, nil
}

func (n *Noop) Run(ctx context.Context, rc job.RunContext) (job.Result, error) {
	if n.sleep > 0 {
		t := time.NewTimer(n.sleep)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	rc.Log.Info("noop run", logx.String("job", rc.JobID), logx.String("run", rc.RunID), logx.String("msg", n.msg))
	return job.Result(n.msg), nil
}
