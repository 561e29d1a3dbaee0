package reactive

import (
	"testing"
	"time"
)

func TestExponentialRetryMath(t *testing.T) {
	p := RetryPolicy{Kind: RetryExponential, Min: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2}
	if err := p.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	now := time.Now()
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{5, 1600 * time.Millisecond},
		{8, 10 * time.Second},  // 12.8s capped
		{20, 10 * time.Second}, // stays capped
	}
	for _, tc := range cases {
		got := p.NextScheduledAt(now, tc.attempt).Sub(now)
		if got != tc.want {
			t.Errorf("attempt %d: delay = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestFixedAndLinearRetry(t *testing.T) {
	now := time.Now()
	fixed := RetryPolicy{Kind: RetryFixed, Interval: 50 * time.Millisecond}
	if got := fixed.NextScheduledAt(now, 3).Sub(now); got != 50*time.Millisecond {
		t.Errorf("fixed: delay = %v, want 50ms", got)
	}
	linear := RetryPolicy{Kind: RetryLinear, Interval: 100 * time.Millisecond}
	if got := linear.NextScheduledAt(now, 3).Sub(now); got != 300*time.Millisecond {
		t.Errorf("linear: delay = %v, want 300ms", got)
	}
}

func TestSeriesRetryClampsToLastInterval(t *testing.T) {
	now := time.Now()
	p := RetryPolicy{Kind: RetrySeries, Series: []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}}
	if got := p.NextScheduledAt(now, 2).Sub(now); got != 5*time.Second {
		t.Errorf("attempt 2: delay = %v, want 5s", got)
	}
	if got := p.NextScheduledAt(now, 9).Sub(now); got != 30*time.Second {
		t.Errorf("attempt 9: delay = %v, want 30s (last interval)", got)
	}
}

func TestCronRetry(t *testing.T) {
	p := RetryPolicy{Kind: RetryCron, Cron: "0 3 * * *"}
	if err := p.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	ref := time.Date(2023, 1, 1, 10, 0, 0, 0, time.UTC)
	got := p.NextScheduledAt(ref, 1)
	want := time.Date(2023, 1, 2, 3, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("next = %v, want %v", got, want)
	}
}

func TestShouldFailMaxAttempts(t *testing.T) {
	p := RetryPolicy{Kind: RetryFixed, MaxAttempts: 3}
	now := time.Now()
	if p.ShouldFail(2, nil, now) {
		t.Error("attempt 2 of 3 should not fail")
	}
	if !p.ShouldFail(3, nil, now) {
		t.Error("attempt 3 of 3 should fail")
	}
}

func TestShouldFailInfiniteAttempts(t *testing.T) {
	p := RetryPolicy{Kind: RetryFixed, MaxAttempts: -1}
	if p.ShouldFail(10000, nil, time.Now()) {
		t.Error("maxAttempts=-1 must never exhaust")
	}
}

func TestShouldFailMaxDuration(t *testing.T) {
	p := RetryPolicy{Kind: RetryFixed, MaxAttempts: -1, MaxDuration: time.Minute}
	now := time.Now()
	recent := now.Add(-30 * time.Second)
	old := now.Add(-2 * time.Minute)
	if p.ShouldFail(1, &recent, now) {
		t.Error("failure streak of 30s should be within a 1m budget")
	}
	if !p.ShouldFail(1, &old, now) {
		t.Error("failure streak of 2m should exhaust a 1m budget")
	}
}

func TestDefaultMaxAttemptsIsFive(t *testing.T) {
	p := RetryPolicy{Kind: RetryFixed}
	if p.ShouldFail(4, nil, time.Now()) {
		t.Error("attempt 4 should be within the default budget of 5")
	}
	if !p.ShouldFail(5, nil, time.Now()) {
		t.Error("attempt 5 should exhaust the default budget")
	}
}
