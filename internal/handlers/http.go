package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobweave/internal/task/job"
	"jobweave/internal/task/retry"
)

type HTTPParams struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	// Body is sent verbatim. Empty sends a JSON envelope describing the run.
	Body string `json:"body,omitempty"`
	// MaxBody caps the response body kept as the run result (default 64KiB).
	MaxBody int `json:"max_body,omitempty"`
}

// HTTP calls a webhook or sync endpoint.
//
// 2xx succeeds. 429 and 503 with a Retry-After header retry after the given
// delay. Any other 4xx is permanent. 5xx and transport errors retry on the
// job's policy.
type HTTP struct {
	p      HTTPParams
	client *http.Client
}

// runEnvelope is the default request body.
type runEnvelope struct {
	JobID       string    `json:"job_id"`
	RunID       string    `json:"run_id"`
	Attempt     int       `json:"attempt"`
	Cycle       uint64    `json:"cycle"`
	Trigger     string    `json:"trigger"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

func buildHTTP(raw json.RawMessage, env Env) (job.Handler, error) {
	var p HTTPParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return NewHTTP(p, env.HTTP)
}

func NewHTTP(p HTTPParams, client *http.Client) (*HTTP, error) {
	u, err := url.Parse(strings.TrimSpace(p.URL))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, errors.Newf("url %q must be an absolute http(s) URL", p.URL)
	}
	p.URL = u.String()
	p.Method = strings.ToUpper(strings.TrimSpace(p.Method))
	if p.Method == "" {
		p.Method = http.MethodPost
	}
	if p.MaxBody <= 0 {
		p.MaxBody = 64 << 10
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{p: p, client: client}, nil
}

func (h *HTTP) Run(ctx context.Context, rc job.RunContext) (job.Result, error) {
	body := []byte(h.p.Body)
	contentType := "text/plain; charset=utf-8"
	if len(body) == 0 && h.p.Method != http.MethodGet && h.p.Method != http.MethodHead {
		var err error
		body, err = json.Marshal(runEnvelope{
			JobID:       rc.JobID,
			RunID:       rc.RunID,
			Attempt:     rc.Attempt,
			Cycle:       rc.Cycle,
			Trigger:     rc.Trigger,
			ScheduledAt: rc.ScheduledAt,
		})
		if err != nil {
			return nil, retry.NoRetry(err)
		}
		contentType = "application/json"
	}

	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, h.p.Method, h.p.URL, rd)
	if err != nil {
		return nil, retry.NoRetry(errors.Wrap(err, "build request"))
	}
	if rd != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("User-Agent", "jobweave")
	req.Header.Set("X-Jobweave-Run", rc.RunID)
	for k, v := range h.p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrapf(err, "%s %s", h.p.Method, h.p.URL)
	}
	defer resp.Body.Close()

	out := &limitedBuffer{max: h.p.MaxBody}
	// Keep the head of the body rather than the tail.
	_, _ = io.Copy(out, io.LimitReader(resp.Body, int64(h.p.MaxBody)))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return job.Result(out.Bytes()), nil
	}

	err = errors.WithDetailf(errors.Newf("%s %s: status %d", h.p.Method, h.p.URL, resp.StatusCode), "body: %s", out.tail(512))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			return nil, retry.After(err, d)
		}
		return nil, err
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, retry.NoRetry(err)
	default:
		return nil, err
	}
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return 0, false
	}
	d := t.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}
