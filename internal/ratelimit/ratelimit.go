// Package ratelimit throttles calls to the cloud OCR provider: an AIMD
// token bucket paired with a circuit breaker that opens on sustained
// errors, so a struggling or rate-limiting cloud endpoint degrades
// Extract() into the tesseract fallback instead of being hammered.
// Adapted from the teacher's per-domain adaptive limiter, collapsed to a
// single target since this agent has exactly one cloud endpoint to
// guard (no domain map/sharding needed).
package ratelimit

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Acquire while the breaker is open.
var ErrCircuitOpen = errors.New("ratelimit: circuit open")

// Config tunes the limiter's AIMD rate adjustment and breaker
// thresholds.
type Config struct {
	InitialRPS               float64
	MinRPS                   float64
	MaxRPS                   float64
	AIMDIncrease             float64
	AIMDDecrease             float64
	StatsWindow              time.Duration
	StatsBucket              time.Duration
	ErrorRateThreshold       float64
	MinSamplesToTrip         int
	ConsecutiveFailThreshold int
	OpenStateDuration        time.Duration
	HalfOpenProbes           int
}

// Feedback reports the outcome of one guarded call.
type Feedback struct {
	StatusCode int
	Err        error
	RetryAfter time.Duration
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// Limiter guards a single outbound target with a token bucket plus
// circuit breaker.
type Limiter struct {
	cfg   Config
	clock Clock

	mu                sync.Mutex
	bucket            *tokenBucket
	fillRate          float64
	window            *slidingWindow
	state             circuitState
	openedAt          time.Time
	consecutiveFails  int
	halfOpenSuccesses int
}

// New constructs a Limiter with sensible AIMD/breaker defaults for any
// zero-valued Config fields.
func New(cfg Config) *Limiter {
	if cfg.InitialRPS <= 0 {
		cfg.InitialRPS = 2
	}
	if cfg.MaxRPS <= 0 {
		cfg.MaxRPS = 10
	}
	if cfg.MinRPS <= 0 {
		cfg.MinRPS = 0.2
	}
	if cfg.AIMDIncrease <= 0 {
		cfg.AIMDIncrease = 0.5
	}
	if cfg.AIMDDecrease <= 0 || cfg.AIMDDecrease >= 1 {
		cfg.AIMDDecrease = 0.5
	}
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = 30 * time.Second
	}
	if cfg.StatsBucket <= 0 {
		cfg.StatsBucket = 2 * time.Second
	}
	if cfg.ErrorRateThreshold <= 0 {
		cfg.ErrorRateThreshold = 0.5
	}
	if cfg.MinSamplesToTrip <= 0 {
		cfg.MinSamplesToTrip = 5
	}
	if cfg.ConsecutiveFailThreshold <= 0 {
		cfg.ConsecutiveFailThreshold = 3
	}
	if cfg.OpenStateDuration <= 0 {
		cfg.OpenStateDuration = 30 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}

	now := time.Now()
	return &Limiter{
		cfg: cfg, clock: realClock{},
		bucket:   newTokenBucket(cfg.InitialRPS, cfg.InitialRPS, now),
		fillRate: cfg.InitialRPS,
		window:   newSlidingWindow(cfg.StatsWindow, cfg.StatsBucket),
	}
}

// WithClock overrides the limiter's clock, for deterministic tests.
func (l *Limiter) WithClock(c Clock) *Limiter {
	if c != nil {
		l.clock = c
	}
	return l
}

// Acquire blocks (respecting ctx) until a token is available, or returns
// ErrCircuitOpen immediately if the breaker has tripped.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		now := l.clock.Now()
		wait, err := l.reserve(now)
		if err != nil {
			return err
		}
		if wait <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		l.clock.Sleep(wait)
	}
}

func (l *Limiter) reserve(now time.Time) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == circuitOpen {
		if now.Sub(l.openedAt) >= l.cfg.OpenStateDuration {
			l.state = circuitHalfOpen
			l.halfOpenSuccesses = 0
		} else {
			return 0, ErrCircuitOpen
		}
	}

	wait, ok := l.bucket.Reserve(now, 1)
	if ok {
		return 0, nil
	}
	return wait, nil
}

// Feedback reports the outcome of a call guarded by Acquire, adjusting
// the fill rate (AIMD) and the breaker state.
func (l *Limiter) Feedback(fb Feedback) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.bucket.refill(now)

	isError := fb.Err != nil || isThrottleStatus(fb.StatusCode) || isServerErrorStatus(fb.StatusCode)
	if isError {
		l.fillRate = math.Max(l.cfg.MinRPS, l.fillRate*l.cfg.AIMDDecrease)
		l.consecutiveFails++
	} else if isSuccessfulStatus(fb.StatusCode) {
		l.fillRate = math.Min(l.cfg.MaxRPS, l.fillRate+l.cfg.AIMDIncrease)
		l.consecutiveFails = 0
	}
	l.bucket.setFillRate(l.fillRate)
	l.window.record(now, 1, boolToInt(isError))

	l.updateBreaker(now, isError, isSuccessfulStatus(fb.StatusCode))
}

func (l *Limiter) updateBreaker(now time.Time, isError, success bool) {
	total, _ := l.window.snapshot(now)
	errorRate := l.window.errorRate(now)

	switch l.state {
	case circuitClosed:
		if (total >= l.cfg.MinSamplesToTrip && errorRate >= l.cfg.ErrorRateThreshold) ||
			l.consecutiveFails >= l.cfg.ConsecutiveFailThreshold {
			l.state, l.openedAt = circuitOpen, now
		}
	case circuitOpen:
		if now.Sub(l.openedAt) >= l.cfg.OpenStateDuration {
			l.state, l.halfOpenSuccesses = circuitHalfOpen, 0
		}
	case circuitHalfOpen:
		if isError {
			l.state, l.openedAt = circuitOpen, now
			return
		}
		if success {
			l.halfOpenSuccesses++
			if l.halfOpenSuccesses >= l.cfg.HalfOpenProbes {
				l.state, l.consecutiveFails, l.halfOpenSuccesses = circuitClosed, 0, 0
			}
		}
	}
}

// Snapshot reports the breaker state and current fill rate, for the
// status endpoint and logs.
func (l *Limiter) Snapshot() (state string, fillRate float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case circuitOpen:
		return "open", l.fillRate
	case circuitHalfOpen:
		return "half-open", l.fillRate
	default:
		return "closed", l.fillRate
	}
}

func isSuccessfulStatus(code int) bool { return code >= 200 && code < 400 }
func isThrottleStatus(code int) bool   { return code == 429 || code == 503 }
func isServerErrorStatus(code int) bool { return code >= 500 && code < 600 }

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
