// Package relay implements the Relay Driver (spec.md §4.I): a single
// GPIO-backed line with a safe-by-default off state and a minimum-interval
// guard as a second line of defence against the FSM.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/wellmonitor/agent/internal/model"
	"github.com/wellmonitor/agent/internal/wellerr"
)

// ErrTooSoon is returned by Cycle when PowerCycleProtection has not
// elapsed since the last successful cycle; the caller must not retry
// immediately.
var ErrTooSoon = errors.New("relay: cycle requested before PowerCycleProtection elapsed")

const (
	minCycleDuration = 500 * time.Millisecond
	maxCycleDuration = 30 * time.Second
)

// Config selects the GPIO line and timing guards.
type Config struct {
	LineName             string
	SafeLevel            gpio.Level
	PowerCycleProtection time.Duration
	DebounceMs           int
}

// outPin is the narrow slice of gpio.PinIO the Driver needs; it lets
// tests exercise Cycle/Release against a fake line without standing up
// real periph.io hardware.
type outPin interface {
	Out(l gpio.Level) error
}

// Driver owns the relay's GPIO line. Exactly one Driver per process; all
// callers serialize through its mutex (spec.md §5: "Exactly one writer
// for the GPIO line").
type Driver struct {
	mu sync.Mutex

	line      outPin
	cfg       Config
	lastCycle time.Time
}

// Open initializes the host GPIO driver, resolves the configured line,
// and immediately sets it to the safe level (spec.md §4.I: "Default
// level at startup is the safe level").
func Open(cfg Config) (*Driver, error) {
	if _, err := host.Init(); err != nil {
		return nil, wellerr.New("relay", "open", wellerr.KindHardware, err)
	}
	line := gpioreg.ByName(cfg.LineName)
	if line == nil {
		return nil, wellerr.New("relay", "open", wellerr.KindHardware, errors.New("gpio line not found: "+cfg.LineName))
	}
	if err := line.Out(cfg.SafeLevel); err != nil {
		return nil, wellerr.New("relay", "open", wellerr.KindHardware, err)
	}
	return &Driver{line: line, cfg: cfg}, nil
}

// newWithPin builds a Driver around an arbitrary outPin, skipping host
// GPIO initialization. Used by tests.
func newWithPin(line outPin, cfg Config) *Driver {
	return &Driver{line: line, cfg: cfg}
}

// Cycle asserts the non-safe level for duration (clamped to
// [500ms,30000ms]), restores the safe level, and returns the resulting
// RelayAction. TooSoon is returned, without toggling GPIO, if
// PowerCycleProtection has not elapsed since the last successful cycle.
func (d *Driver) Cycle(ctx context.Context, duration time.Duration, reason string) (model.RelayAction, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now().UTC()
	if !d.lastCycle.IsZero() && now.Sub(d.lastCycle) < d.cfg.PowerCycleProtection {
		return model.RelayAction{}, ErrTooSoon
	}

	duration = clamp(duration, minCycleDuration, maxCycleDuration)
	start := time.Now()

	action := model.RelayAction{TimestampUTC: now, Action: model.ActionCycle, Reason: reason}

	if err := d.line.Out(!d.cfg.SafeLevel); err != nil {
		// Restore the safe level in case the failed write left the line
		// in an unknown state.
		d.line.Out(d.cfg.SafeLevel)
		action.Success = false
		action.Error = err.Error()
		action.DurationMs = time.Since(start).Milliseconds()
		return action, wellerr.New("relay", "cycle", wellerr.KindHardware, err)
	}

	if err := sleepCtx(ctx, duration); err != nil {
		// Shutdown or deadline during the energized window: still
		// attempt to restore the safe level before returning.
		d.line.Out(d.cfg.SafeLevel)
		action.Success = false
		action.Error = err.Error()
		action.DurationMs = time.Since(start).Milliseconds()
		return action, wellerr.New("relay", "cycle", wellerr.KindTimeout, err)
	}

	if err := d.line.Out(d.cfg.SafeLevel); err != nil {
		action.Success = false
		action.Error = err.Error()
		action.DurationMs = time.Since(start).Milliseconds()
		return action, wellerr.New("relay", "cycle", wellerr.KindHardware, err)
	}

	d.lastCycle = now
	action.Success = true
	action.DurationMs = time.Since(start).Milliseconds()
	if d.cfg.DebounceMs > 0 {
		time.Sleep(time.Duration(d.cfg.DebounceMs) * time.Millisecond)
	}
	return action, nil
}

// ManualOverride performs a Cycle regardless of the FSM's internal state
// (it still respects the PowerCycleProtection guard), recording the
// RelayAction kind as ManualOverride.
func (d *Driver) ManualOverride(ctx context.Context, duration time.Duration, reason string) (model.RelayAction, error) {
	action, err := d.Cycle(ctx, duration, reason)
	action.Action = model.ActionManualOverride
	return action, err
}

// Release restores the safe level unconditionally; called from the
// guaranteed-release path at shutdown (spec.md §4.I, §5).
func (d *Driver) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.line.Out(d.cfg.SafeLevel)
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
