// Package classifier implements the pump health FSM (spec.md §4.H): a
// debounced state machine that decides when to command a power cycle.
package classifier

import (
	"sync"
	"time"

	"github.com/wellmonitor/agent/internal/model"
)

// State is the FSM's current mode.
type State int

const (
	Healthy State = iota
	Observing
	Cycling
	Cooling
	Locked
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "Healthy"
	case Observing:
		return "Observing"
	case Cycling:
		return "Cycling"
	case Cooling:
		return "Cooling"
	case Locked:
		return "Locked"
	default:
		return "Unknown"
	}
}

// Thresholds configures how many consecutive same-kind faults trigger a
// cycle and the rapid-cycle sliding-window detector (spec.md §4.H).
type Thresholds struct {
	DryThreshold             int
	RapidCycleThreshold      int
	PowerCycleProtection     time.Duration
	RapidCycleThresholdCount int
	RapidCycleTimeWindow     time.Duration
}

// Snapshot is a read-only view of the FSM's state, used by GetStatus and
// Telemetry.
type Snapshot struct {
	State         State
	FaultKind     model.PumpStatus
	Consecutive   int
	FirstSeen     time.Time
	CoolingUntil  time.Time
	LockedReason  string
}

// Decision is returned from Observe; Cycle is true exactly when the FSM
// wants the caller to invoke the Relay Driver.
type Decision struct {
	Cycle      bool
	CycleKind  model.PumpStatus
	Reason     string
	EnteredNew bool
}

// FSM is safe for concurrent use; Observe is expected to be called only
// from the Monitoring Loop's single tick goroutine, but the mutex makes
// concurrent GetStatus/ManualOverride reads from the status endpoint and
// Twin Sync's direct-method handler safe too.
type FSM struct {
	mu sync.Mutex

	state        State
	faultKind    model.PumpStatus
	firstSeen    time.Time
	consecutive  int
	coolingUntil time.Time
	lockedReason string

	lastCycle time.Time

	transitions []transition
	th          Thresholds
}

type transition struct {
	at     time.Time
	status model.PumpStatus
}

func New(th Thresholds) *FSM {
	return &FSM{state: Healthy, th: th}
}

// thresholdFor returns the consecutive-count threshold for a fault kind
// (spec.md §4.H: "consecutive ≥ N_kind").
func (f *FSM) thresholdFor(kind model.PumpStatus) int {
	if kind == model.StatusRapidCycle {
		return f.th.RapidCycleThreshold
	}
	return f.th.DryThreshold
}

// Observe feeds one Reading's status through the FSM and returns whether
// a power cycle should be commanded now.
func (f *FSM) Observe(status model.PumpStatus, now time.Time) Decision {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.recordTransition(status, now)
	// Dry dominates RapidCycle when both conditions hold in the same tick.
	if synthetic, ok := f.detectRapidCycling(now); ok && status != model.StatusDry {
		status = synthetic
	}

	switch f.state {
	case Cooling:
		if now.Before(f.coolingUntil) {
			return Decision{}
		}
		f.state = Healthy
		fallthrough
	case Healthy:
		if status.IsFault() {
			f.state = Observing
			f.faultKind = status
			f.firstSeen = now
			f.consecutive = 1
			return Decision{EnteredNew: true}
		}
		return Decision{}
	case Observing:
		return f.observeFault(status, now)
	case Locked, Cycling:
		return Decision{}
	}
	return Decision{}
}

func (f *FSM) observeFault(status model.PumpStatus, now time.Time) Decision {
	switch {
	case status == model.StatusUnknown:
		// Unknown readings do not reset counters (spec.md §4.H).
		return Decision{}
	case !status.IsFault():
		f.state = Healthy
		f.consecutive = 0
		return Decision{}
	case status == f.faultKind:
		f.consecutive++
	default:
		// A different fault kind resets the observation.
		f.faultKind = status
		f.firstSeen = now
		f.consecutive = 1
	}

	if f.consecutive >= f.thresholdFor(f.faultKind) && now.Sub(f.lastCycle) >= f.th.PowerCycleProtection {
		f.state = Cycling
		return Decision{Cycle: true, CycleKind: f.faultKind, Reason: cycleReason(f.faultKind, f.consecutive)}
	}
	return Decision{}
}

func cycleReason(kind model.PumpStatus, count int) string {
	switch kind {
	case model.StatusDry:
		return "Dry×" + itoa(count)
	case model.StatusRapidCycle:
		return "RapidCycle×" + itoa(count)
	default:
		return "fault×" + itoa(count)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// recordTransition keeps a sliding window of Normal/Idle transitions for
// the rapid-cycle detector independent of OCR text (spec.md §4.H).
func (f *FSM) recordTransition(status model.PumpStatus, now time.Time) {
	if status != model.StatusNormal && status != model.StatusIdle {
		return
	}
	f.transitions = append(f.transitions, transition{at: now, status: status})
	cutoff := now.Add(-f.th.RapidCycleTimeWindow)
	i := 0
	for i < len(f.transitions) && f.transitions[i].at.Before(cutoff) {
		i++
	}
	f.transitions = f.transitions[i:]
}

// detectRapidCycling counts Normal↔Idle transitions in the window and
// injects a synthetic RapidCycle observation when the threshold is
// crossed (spec.md §4.H).
func (f *FSM) detectRapidCycling(now time.Time) (model.PumpStatus, bool) {
	flips := 0
	for i := 1; i < len(f.transitions); i++ {
		if f.transitions[i].status != f.transitions[i-1].status {
			flips++
		}
	}
	if flips > f.th.RapidCycleThresholdCount {
		return model.StatusRapidCycle, true
	}
	return "", false
}

// ConfirmCycle records the outcome of a commanded relay cycle. On
// success the FSM enters Cooling until lastCycle+PowerCycleProtection;
// on failure it locks, requiring ManualOverride to clear.
func (f *FSM) ConfirmCycle(now time.Time, success bool, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if success {
		f.lastCycle = now
		f.coolingUntil = now.Add(f.th.PowerCycleProtection)
		f.state = Cooling
		return
	}
	f.state = Locked
	f.lockedReason = reason
}

// ManualOverride clears a Locked state (spec.md §4.H: "require an
// external manual override to clear").
func (f *FSM) ManualOverride() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = Healthy
	f.consecutive = 0
	f.lockedReason = ""
}

func (f *FSM) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Snapshot{
		State:        f.state,
		FaultKind:    f.faultKind,
		Consecutive:  f.consecutive,
		FirstSeen:    f.firstSeen,
		CoolingUntil: f.coolingUntil,
		LockedReason: f.lockedReason,
	}
}
