package executor

import (
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// RetryPolicy is the bounded exponential-backoff budget applied to stuck
// operations. MaxAttempts counts total apply attempts, so MaxAttempts=3
// means the initial attempt plus two retries.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     wait.Backoff
}

// NewRetryPolicy builds a policy from config values.
func NewRetryPolicy(maxAttempts int, initialBackoff time.Duration, factor float64) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		Backoff: wait.Backoff{
			Duration: initialBackoff,
			Factor:   factor,
			Steps:    maxAttempts,
		},
	}
}

// BackoffFor returns the wait before the given retry (1-based):
// initial, initial*factor, initial*factor^2, ...
func (p RetryPolicy) BackoffFor(retry int) time.Duration {
	d := p.Backoff.Duration
	for i := 1; i < retry; i++ {
		d = time.Duration(float64(d) * p.Backoff.Factor)
	}
	return d
}
