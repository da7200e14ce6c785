package pipeline

import (
	"time"

	"github.com/nimasrn/campaign-pipeline/internal/config"
	"github.com/nimasrn/campaign-pipeline/internal/model"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 2 * time.Second
	DefaultMaxDelay    = 5 * time.Minute
)

// RetryPolicy bounds how often a retryable send failure is attempted again.
// MaxAttempts counts every send, the first one included.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     ExponentialBackoff(DefaultBaseDelay, DefaultMaxDelay),
	}
}

// ExponentialBackoff doubles base for every failed attempt, capped at max.
func ExponentialBackoff(base, max time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if max > 0 && d >= max {
				return max
			}
		}
		if max > 0 && d > max {
			return max
		}
		return d
	}
}

// ShouldRetry decides whether the failure of the given 1-based attempt gets
// another one. Non-retryable errors never do, even on the first attempt.
func (p RetryPolicy) ShouldRetry(attempt int, err *model.SendError) bool {
	if err == nil || !err.Retryable {
		return false
	}
	return attempt < p.MaxAttempts
}

// Delay is the wait before the attempt following the given one.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff(attempt)
}

type PolicySource interface {
	PolicyFor(tenantID string) RetryPolicy
}

// StaticPolicy applies one policy to every tenant.
type StaticPolicy RetryPolicy

func (p StaticPolicy) PolicyFor(string) RetryPolicy {
	return RetryPolicy(p)
}

type tenantPolicies struct {
	policies *config.TenantPolicies
}

// NewTenantPolicySource serves retry policies from per-tenant settings.
func NewTenantPolicySource(p *config.TenantPolicies) PolicySource {
	return &tenantPolicies{policies: p}
}

func (s *tenantPolicies) PolicyFor(tenantID string) RetryPolicy {
	settings := s.policies.For(tenantID)
	return RetryPolicy{
		MaxAttempts: settings.MaxAttempts,
		Backoff:     ExponentialBackoff(settings.BaseDelay, settings.MaxDelay),
	}
}
