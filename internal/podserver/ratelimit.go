package podserver

import (
	"time"

	"golang.org/x/time/rate"
)

// frameLimits implements two independent token buckets: presence frames
// and storage frames are rate-limited separately so a storage flood cannot
// starve a session's presence budget or vice versa.
//
// golang.org/x/time/rate is the standard ecosystem token-bucket limiter.
type frameLimits struct {
	presence *rate.Limiter
	storage  *rate.Limiter

	violationWindow time.Duration
	violationBudget float64 // violations accumulated as a multiple of the nominal rate
	lastViolation   time.Time
	sustainedSince  time.Time
}

// defaultFrameLimits builds the limiter pair with the service defaults: 20
// presence frames/s burst 5, 200 storage frames/s burst 50.
func defaultFrameLimits() *frameLimits {
	return &frameLimits{
		presence:        rate.NewLimiter(rate.Limit(20), 5),
		storage:         rate.NewLimiter(rate.Limit(200), 50),
		violationWindow: 5 * time.Second,
	}
}

// AllowPresence and AllowStorage report whether a just-received frame of
// that kind is within budget. A caller that gets false must drop the frame
// and increment RateLimited.
func (f *frameLimits) AllowPresence() bool { return f.presence.Allow() }
func (f *frameLimits) AllowStorage() bool  { return f.storage.Allow() }

// RecordViolation tracks rejected frames toward the sustained-violation
// threshold: >=3x the nominal per-second budget, accumulated within a 5s
// window that restarts at the first violation after it has elapsed,
// transitions the session to Draining.
// nominalPerSec is the bucket's configured rate; now is injectable for
// deterministic tests.
func (f *frameLimits) RecordViolation(nominalPerSec float64, now time.Time) bool {
	if now.Sub(f.sustainedSince) > f.violationWindow {
		f.violationBudget = 0
		f.sustainedSince = now
	}
	f.lastViolation = now
	f.violationBudget++

	threshold := nominalPerSec * 3 * f.violationWindow.Seconds()
	return f.violationBudget >= threshold
}
