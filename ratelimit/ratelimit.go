// Package ratelimit paces the post-outage drain. A token bucket with a
// burst of one is driven at a rate that ramps linearly from an initial
// trickle up to the steady-state target, and an adaptive multiplier halves
// the rate while the rolling error rate is high.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Defaults for the graduated drain.
const (
	DefaultInitialRate  = 5.0  // jobs/s right after recovery
	DefaultTargetRate   = 20.0 // steady-state jobs/s
	DefaultRampDuration = 300 * time.Second

	rollingWindow      = 60 * time.Second
	backoffDuration    = 60 * time.Second
	backoffMultiplier  = 0.5
	highErrorThreshold = 0.30
	lowErrorThreshold  = 0.10
)

// Config holds the ramp parameters.
type Config struct {
	InitialRate  float64
	TargetRate   float64
	RampDuration time.Duration
}

// DefaultConfig returns the production ramp.
func DefaultConfig() Config {
	return Config{
		InitialRate:  DefaultInitialRate,
		TargetRate:   DefaultTargetRate,
		RampDuration: DefaultRampDuration,
	}
}

type result struct {
	at      time.Time
	success bool
}

// Limiter is the graduated token bucket. Safe for concurrent use, though in
// practice only the worker consults it.
type Limiter struct {
	mu  sync.Mutex
	cfg Config
	lim *rate.Limiter

	recoveryStartedAt time.Time // zero = steady state
	rateMultiplier    float64
	backoffUntil      time.Time
	results           []result

	timeNow func() time.Time
}

// New creates a limiter running at the steady-state target.
func New(cfg Config) *Limiter {
	return NewWithClock(cfg, time.Now)
}

// NewWithClock creates a limiter with an injectable clock (for tests).
func NewWithClock(cfg Config, timeNow func() time.Time) *Limiter {
	if cfg.InitialRate <= 0 {
		cfg.InitialRate = DefaultInitialRate
	}
	if cfg.TargetRate <= 0 {
		cfg.TargetRate = DefaultTargetRate
	}
	if cfg.RampDuration <= 0 {
		cfg.RampDuration = DefaultRampDuration
	}
	return &Limiter{
		cfg:            cfg,
		lim:            rate.NewLimiter(rate.Limit(cfg.TargetRate), 1),
		rateMultiplier: 1.0,
		timeNow:        timeNow,
	}
}

// CurrentRate returns the effective rate at now: the target outside
// recovery, else linear interpolation from initial to target over the ramp,
// multiplied by the adaptive backoff multiplier.
func (l *Limiter) CurrentRate(now time.Time) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentRateLocked(now)
}

func (l *Limiter) currentRateLocked(now time.Time) float64 {
	base := l.cfg.TargetRate
	if !l.recoveryStartedAt.IsZero() {
		elapsed := now.Sub(l.recoveryStartedAt)
		if elapsed >= l.cfg.RampDuration {
			l.recoveryStartedAt = time.Time{}
		} else {
			frac := float64(elapsed) / float64(l.cfg.RampDuration)
			if frac < 0 {
				frac = 0
			}
			base = l.cfg.InitialRate + (l.cfg.TargetRate-l.cfg.InitialRate)*frac
		}
	}
	return base * l.rateMultiplier
}

// ShouldWait refills the bucket at the current rate and either consumes a
// token (returning zero) or returns how long until one is available. The
// reservation is cancelled when delayed, so waiting callers re-ask after
// sleeping.
func (l *Limiter) ShouldWait(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lim.SetLimitAt(now, rate.Limit(l.currentRateLocked(now)))

	res := l.lim.ReserveN(now, 1)
	delay := res.DelayFrom(now)
	if delay > 0 {
		res.CancelAt(now)
		return delay
	}
	return 0
}

// RecordResult feeds a job outcome into the rolling window and adjusts the
// adaptive multiplier: a high error rate halves the rate for a minute, and
// a low error rate past the backoff window restores it.
func (l *Limiter) RecordResult(success bool, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.results = append(l.results, result{at: now, success: success})
	l.trimWindowLocked(now)

	total := len(l.results)
	if total == 0 {
		return
	}
	failures := 0
	for _, r := range l.results {
		if !r.success {
			failures++
		}
	}
	errorRate := float64(failures) / float64(total)

	if errorRate > highErrorThreshold && l.rateMultiplier == 1.0 {
		l.rateMultiplier = backoffMultiplier
		l.backoffUntil = now.Add(backoffDuration)
	} else if errorRate < lowErrorThreshold && !now.Before(l.backoffUntil) {
		l.rateMultiplier = 1.0
	}
}

// StartRecoveryPeriod begins the graduated ramp: fresh bucket, full
// multiplier, empty window.
func (l *Limiter) StartRecoveryPeriod(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.recoveryStartedAt = now
	l.rateMultiplier = 1.0
	l.backoffUntil = time.Time{}
	l.results = nil
	l.lim = rate.NewLimiter(rate.Limit(l.cfg.InitialRate), 1)
}

// ResumeRecoveryPeriod rejoins a ramp that began at start (persisted across
// invocations by the recovery scheduler). A start older than the ramp
// duration is ignored.
func (l *Limiter) ResumeRecoveryPeriod(start, now time.Time) {
	if start.IsZero() || now.Sub(start) >= l.cfg.RampDuration {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.recoveryStartedAt = start
	l.lim = rate.NewLimiter(rate.Limit(l.currentRateLocked(now)), 1)
}

// InRecovery reports whether the ramp is still active at now.
func (l *Limiter) InRecovery(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.currentRateLocked(now) // expires the ramp if elapsed
	return !l.recoveryStartedAt.IsZero()
}

// Snapshot returns state for status reporting.
func (l *Limiter) Snapshot(now time.Time) (currentRate float64, multiplier float64, inRecovery bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.currentRateLocked(now)
	return r, l.rateMultiplier, !l.recoveryStartedAt.IsZero()
}

func (l *Limiter) trimWindowLocked(now time.Time) {
	cutoff := now.Add(-rollingWindow)
	keep := 0
	for _, r := range l.results {
		if r.at.After(cutoff) {
			break
		}
		keep++
	}
	l.results = l.results[keep:]
}
