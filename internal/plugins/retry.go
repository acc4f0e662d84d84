package plugins

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/chainrun/pkg/schema"
)

// Backoff strategies understood by RetryPolicy.
const (
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// RetryPolicy controls how often a failing invocation is attempted again.
// MaxAttempts <= 1 disables retries.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Backoff     string        `json:"backoff,omitempty"`
	Delay       time.Duration `json:"delay,omitempty"`
	MaxDelay    time.Duration `json:"max_delay,omitempty"`
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// IsRetryableError classifies whether an error should be retried. Deadlines,
// network errors and retryable ChainError codes are retried. Plain errors are
// retried only when their message names a transient condition.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var chainErr *schema.ChainError
	if errors.As(err, &chainErr) {
		return chainErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"too many requests",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// DefaultMaxBackoff caps retry delays when RetryPolicy.MaxDelay is unset.
const DefaultMaxBackoff = 5 * time.Minute

// ComputeBackoff calculates the delay before retry number attempt (0-based).
// The result never exceeds MaxDelay, or DefaultMaxBackoff when MaxDelay is unset.
func ComputeBackoff(policy RetryPolicy, attempt int) time.Duration {
	if policy.Delay <= 0 {
		return 0
	}
	limit := policy.MaxDelay
	if limit <= 0 {
		limit = DefaultMaxBackoff
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := policy.Delay
	switch policy.Backoff {
	case BackoffExponential:
		for i := 0; i < attempt && delay < limit; i++ {
			delay *= 2
		}
	case BackoffLinear:
		if n := time.Duration(attempt + 1); delay <= limit/n {
			delay *= n
		} else {
			delay = limit
		}
	}
	return min(delay, limit)
}

// WaitForBackoff sleeps for delay or returns early with the context error.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
