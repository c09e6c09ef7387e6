package engine

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rendis/workcell/pkg/schema"
)

// PollPolicy controls how often the executor asks a node for an action result.
type PollPolicy struct {
	Interval    time.Duration
	Backoff     string // constant, linear or exponential
	MaxInterval time.Duration
}

// PollPolicyFromConfig builds the policy from workcell config values.
func PollPolicyFromConfig(cfg schema.WorkcellConfig) PollPolicy {
	return PollPolicy{
		Interval:    cfg.StepPollInterval,
		Backoff:     cfg.StepPollBackoff,
		MaxInterval: cfg.StepPollMaxInterval,
	}
}

// IsRetryableError classifies whether a failed exchange with a node should
// be retried by polling again. Transport trouble is retryable; request
// problems the node would reject again are not.
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

	var wErr *schema.WorkcellError
	if errors.As(err, &wErr) {
		switch wErr.Code {
		case schema.ErrCodeTransport, schema.ErrCodeTimeout, schema.ErrCodeStore, schema.ErrCodeLockTimeout:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Unclassified errors keep polling; the step timeout bounds the attempts.
	return true
}

// ComputeBackoff calculates the delay before poll attempt n (zero-based).
func ComputeBackoff(policy PollPolicy, attempt int) time.Duration {
	base := policy.Interval
	if base <= 0 {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		delay = base
		for i := 0; i < attempt; i++ {
			delay *= 2
			if policy.MaxInterval > 0 && delay >= policy.MaxInterval {
				break
			}
		}
	case "linear":
		delay = base * time.Duration(attempt+1)
	default: // "constant" or empty
		delay = base
	}

	if policy.MaxInterval > 0 && delay > policy.MaxInterval {
		delay = policy.MaxInterval
	}
	return delay
}

// WaitForBackoff sleeps for the delay or returns early if the context is cancelled.
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
