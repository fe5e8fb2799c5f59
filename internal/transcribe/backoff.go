package transcribe

import (
	"context"
	"time"
)

// RestartPolicy rate-limits restarts after repeated session errors.
type RestartPolicy struct {
	ErrorThreshold int
	ErrorWindow    time.Duration
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
}

func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		ErrorThreshold: 3,
		ErrorWindow:    10 * time.Second,
		BaseBackoff:    500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
	}
}

// restartLimiter tracks consecutive failed sessions. Once ErrorThreshold of
// them fall inside ErrorWindow, each further restart waits BaseBackoff
// doubled per extra failure, capped at MaxBackoff.
type restartLimiter struct {
	policy   RestartPolicy
	failures []time.Time
}

func newRestartLimiter(p RestartPolicy) *restartLimiter {
	if p.ErrorThreshold <= 0 {
		p.ErrorThreshold = 1
	}
	return &restartLimiter{policy: p}
}

// next records the outcome of a session and returns how long to wait before
// starting the next one.
func (l *restartLimiter) next(now time.Time, failed bool) time.Duration {
	if !failed {
		l.failures = l.failures[:0]
		return 0
	}
	l.failures = append(l.failures, now)
	if l.policy.ErrorWindow > 0 {
		cutoff := now.Add(-l.policy.ErrorWindow)
		i := 0
		for i < len(l.failures) && l.failures[i].Before(cutoff) {
			i++
		}
		l.failures = l.failures[i:]
	}
	over := len(l.failures) - l.policy.ErrorThreshold
	if over < 0 {
		return 0
	}
	d := l.policy.BaseBackoff
	for i := 0; i < over; i++ {
		d *= 2
		if l.policy.MaxBackoff > 0 && d >= l.policy.MaxBackoff {
			return l.policy.MaxBackoff
		}
	}
	if l.policy.MaxBackoff > 0 && d > l.policy.MaxBackoff {
		d = l.policy.MaxBackoff
	}
	return d
}

// sleep waits for d unless ctx is done or stop is closed first.
func sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	}
}
