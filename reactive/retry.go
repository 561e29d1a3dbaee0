// Package reactive implements the change-stream-driven task engine:
// registry, planner, worker pool, retry policy, and orphan cleanup.
package reactive

import (
	"time"

	"github.com/robfig/cron/v3"
)

// RetryKind selects one of the five supported retry-policy shapes.
type RetryKind string

const (
	RetryFixed       RetryKind = "fixed"
	RetryLinear      RetryKind = "linear"
	RetryExponential RetryKind = "exponential"
	RetrySeries      RetryKind = "series"
	RetryCron        RetryKind = "cron"
)

// RetryPolicy computes the next scheduledAt for a failed attempt and decides
// when a work item gives up and moves to failed.
type RetryPolicy struct {
	Kind     RetryKind
	Interval time.Duration   // fixed, linear
	Min, Max time.Duration   // exponential
	Factor   float64         // exponential, default 2
	Series   []time.Duration // series
	Cron     string          // cron

	MaxAttempts int           // default 5; -1 = infinite
	MaxDuration time.Duration // overrides MaxAttempts when set

	// ResetRetriesOnDataChange, when true (the default), clears the failure
	// streak whenever a task's observed fields change underneath a failing
	// item.
	ResetRetriesOnDataChange bool

	cronSchedule cron.Schedule
}

// DefaultRetryPolicy returns the production defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Kind:                     RetryFixed,
		Interval:                 time.Second,
		MaxAttempts:              5,
		ResetRetriesOnDataChange: true,
	}
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Prepare validates the policy and compiles its cron expression, if any. It
// is called once at task registration.
func (p *RetryPolicy) Prepare() error {
	if p.Factor == 0 {
		p.Factor = 2
	}
	if p.Kind == RetryCron && p.Cron != "" {
		sched, err := cronParser.Parse(p.Cron)
		if err != nil {
			return err
		}
		p.cronSchedule = sched
	}
	return nil
}

// NextScheduledAt computes the next attempt time for the given 1-based
// attempt count, measured from now.
func (p RetryPolicy) NextScheduledAt(now time.Time, attempts int) time.Time {
	switch p.Kind {
	case RetryLinear:
		return now.Add(p.Interval * time.Duration(attempts))
	case RetryExponential:
		min := p.Min
		if min <= 0 {
			min = time.Second
		}
		max := p.Max
		if max <= 0 {
			max = time.Minute
		}
		factor := p.Factor
		if factor <= 0 {
			factor = 2
		}
		d := min
		for i := 1; i < attempts; i++ {
			d = time.Duration(float64(d) * factor)
			if d > max {
				d = max
				break
			}
		}
		if d < min {
			d = min
		}
		if d > max {
			d = max
		}
		return now.Add(d)
	case RetrySeries:
		if len(p.Series) == 0 {
			return now
		}
		idx := attempts - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(p.Series) {
			idx = len(p.Series) - 1
		}
		return now.Add(p.Series[idx])
	case RetryCron:
		if p.cronSchedule != nil {
			return p.cronSchedule.Next(now)
		}
		return now
	default: // RetryFixed
		interval := p.Interval
		if interval <= 0 {
			interval = time.Second
		}
		return now.Add(interval)
	}
}

// ShouldFail reports whether a work item with the given attempt count and
// first-failure time has exhausted its retry budget.
func (p RetryPolicy) ShouldFail(attempts int, firstErrorAt *time.Time, now time.Time) bool {
	if p.MaxDuration > 0 {
		return firstErrorAt != nil && now.Sub(*firstErrorAt) >= p.MaxDuration
	}
	if p.MaxAttempts >= 0 && attempts >= maxAttemptsOrDefault(p.MaxAttempts) {
		return true
	}
	return false
}

func maxAttemptsOrDefault(v int) int {
	if v == 0 {
		return 5
	}
	return v
}
