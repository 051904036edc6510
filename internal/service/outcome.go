package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/LeventeLantos/outreach-scheduler/internal/client"
	"github.com/LeventeLantos/outreach-scheduler/internal/model"
)

type Verdict string

const (
	VerdictSent        Verdict = "sent"
	VerdictRetry       Verdict = "retry"
	VerdictRateLimited Verdict = "rate_limited"
	VerdictFail        Verdict = "fail"
)

// Decision is what the dispatcher does with a job after a channel call.
type Decision struct {
	Verdict Verdict
	// RetryAt is the unclamped retry instant for VerdictRetry.
	RetryAt time.Time
	// CooldownUntil freezes the whole account for VerdictRateLimited.
	CooldownUntil time.Time
	Attempts      int
	Reason        string
}

type RetryPolicy struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	// RateLimitCooldown applies when the channel gave no Retry-After.
	RateLimitCooldown time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:     time.Minute,
		MaxInterval:         2 * time.Hour,
		Multiplier:          2,
		RandomizationFactor: 0.2,
		RateLimitCooldown:   time.Hour,
	}
}

// Decide maps the result of a channel call to a state transition.
func (p RetryPolicy) Decide(job model.Job, err error, now time.Time) Decision {
	if err == nil {
		return Decision{Verdict: VerdictSent, Attempts: job.AttemptCount}
	}

	reason := err.Error()
	kind := client.KindOf(err)
	if errors.Is(err, ErrNoContent) || errors.Is(err, ErrBindingBroken) {
		kind = client.KindPermanent
	}

	switch kind {
	case client.KindRateLimited:
		cooldown := client.RetryAfterOf(err)
		if cooldown <= 0 {
			cooldown = p.RateLimitCooldown
		}
		return Decision{
			Verdict:       VerdictRateLimited,
			CooldownUntil: now.Add(cooldown),
			Attempts:      job.AttemptCount,
			Reason:        reason,
		}

	case client.KindPermanent:
		return Decision{Verdict: VerdictFail, Attempts: cappedAttempts(job), Reason: reason}

	default:
		if job.RetriesExhausted() {
			return Decision{
				Verdict:  VerdictFail,
				Attempts: cappedAttempts(job),
				Reason:   fmt.Sprintf("retries exhausted: %s", reason),
			}
		}
		attempts := job.AttemptCount + 1
		return Decision{
			Verdict:  VerdictRetry,
			RetryAt:  now.Add(p.Delay(attempts)),
			Attempts: attempts,
			Reason:   reason,
		}
	}
}

// Delay is the exponential backoff before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	b.Reset()

	var d time.Duration
	for i := 0; i < max(attempt, 1); i++ {
		d = b.NextBackOff()
	}
	return d
}

func cappedAttempts(job model.Job) int {
	return min(job.AttemptCount+1, job.MaxRetries)
}
