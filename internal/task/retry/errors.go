package retry

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

// NoRetry wraps a permanent failure. Decide fails the run at once instead
// of spending the remaining attempts, e.g. for a bad request body or a
// missing executable:
//
//	return nil, retry.NoRetry(errors.Wrap(err, "parse payload"))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{cause: err}
}

// IsNoRetry looks for a NoRetry wrapper anywhere in err's chain.
func IsNoRetry(err error) bool {
	var p *permanent
	return errors.As(err, &p)
}

type permanent struct{ cause error }

func (p *permanent) Error() string { return "permanent: " + p.cause.Error() }
func (p *permanent) Unwrap() error { return p.cause }

// AfterError carries a server-provided wait, such as an HTTP Retry-After.
type AfterError interface {
	error
	RetryAfter() time.Duration
}

// After attaches a wait hint to err. Decide uses it in place of the
// exponential step, still capped by MaxDelay and jittered.
func After(err error, wait time.Duration) error {
	if err == nil {
		return nil
	}
	return &hinted{cause: err, wait: max(wait, 0)}
}

type hinted struct {
	cause error
	wait  time.Duration
}

func (h *hinted) Error() string             { return fmt.Sprintf("retry in %s: %v", h.wait, h.cause) }
func (h *hinted) Unwrap() error             { return h.cause }
func (h *hinted) RetryAfter() time.Duration { return h.wait }
