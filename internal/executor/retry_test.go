package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffForDoubles(t *testing.T) {
	policy := NewRetryPolicy(3, 10*time.Second, 2)
	assert.Equal(t, 10*time.Second, policy.BackoffFor(1))
	assert.Equal(t, 20*time.Second, policy.BackoffFor(2))
	assert.Equal(t, 40*time.Second, policy.BackoffFor(3))
}

func TestBackoffForFactorOne(t *testing.T) {
	policy := NewRetryPolicy(5, time.Second, 1)
	assert.Equal(t, time.Second, policy.BackoffFor(1))
	assert.Equal(t, time.Second, policy.BackoffFor(4))
}
