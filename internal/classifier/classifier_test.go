package classifier

import (
	"testing"
	"time"

	"github.com/wellmonitor/agent/internal/model"
)

func testThresholds() Thresholds {
	return Thresholds{
		DryThreshold:             3,
		RapidCycleThreshold:      3,
		PowerCycleProtection:     300 * time.Second,
		RapidCycleThresholdCount: 10,
		RapidCycleTimeWindow:     10 * time.Minute,
	}
}

// TestDryDetectionScenario mirrors spec.md §8 scenario S2: three
// consecutive Dry readings 30s apart yield exactly one Cycle decision.
func TestDryDetectionScenario(t *testing.T) {
	f := New(testThresholds())
	base := time.Now()

	d1 := f.Observe(model.StatusDry, base)
	if d1.Cycle {
		t.Fatalf("unexpected cycle on first Dry reading")
	}
	d2 := f.Observe(model.StatusDry, base.Add(30*time.Second))
	if d2.Cycle {
		t.Fatalf("unexpected cycle on second Dry reading")
	}
	d3 := f.Observe(model.StatusDry, base.Add(60*time.Second))
	if !d3.Cycle {
		t.Fatalf("expected cycle on third consecutive Dry reading")
	}
	if d3.Reason != "Dry×3" {
		t.Fatalf("reason = %q, want Dry×3", d3.Reason)
	}
}

// TestFSMSafetyNoDoubleCycleWithinProtection exercises spec.md §8
// property 4: no two successful Cycle decisions within PowerCycleProtection.
func TestFSMSafetyNoDoubleCycleWithinProtection(t *testing.T) {
	f := New(testThresholds())
	base := time.Now()

	for i := 0; i < 3; i++ {
		f.Observe(model.StatusDry, base.Add(time.Duration(i)*30*time.Second))
	}
	f.ConfirmCycle(base.Add(60*time.Second), true, "")

	// Immediately after the cycle, the FSM is Cooling; further Dry
	// readings must not trigger a second cycle before protection elapses.
	for i := 0; i < 5; i++ {
		d := f.Observe(model.StatusDry, base.Add(60*time.Second+time.Duration(i)*30*time.Second))
		if d.Cycle {
			t.Fatalf("second cycle commanded within PowerCycleProtection window at step %d", i)
		}
	}
}

// TestFSMLivenessExactlyOneCycle exercises spec.md §8 property 5: given N
// consecutive Dry readings with N >= threshold and cooldown elapsed,
// exactly one Cycle is issued.
func TestFSMLivenessExactlyOneCycle(t *testing.T) {
	f := New(testThresholds())
	base := time.Now()

	cycles := 0
	for i := 0; i < 6; i++ {
		d := f.Observe(model.StatusDry, base.Add(time.Duration(i)*30*time.Second))
		if d.Cycle {
			cycles++
		}
	}
	if cycles != 1 {
		t.Fatalf("expected exactly one cycle, got %d", cycles)
	}
}

func TestCleanReadingReturnsToHealthy(t *testing.T) {
	f := New(testThresholds())
	base := time.Now()

	f.Observe(model.StatusDry, base)
	f.Observe(model.StatusDry, base.Add(30*time.Second))
	f.Observe(model.StatusNormal, base.Add(60*time.Second))

	snap := f.Snapshot()
	if snap.State != Healthy {
		t.Fatalf("state = %v, want Healthy after clean reading", snap.State)
	}
}

func TestUnknownDoesNotResetCounters(t *testing.T) {
	f := New(testThresholds())
	base := time.Now()

	f.Observe(model.StatusDry, base)
	f.Observe(model.StatusUnknown, base.Add(30*time.Second))
	f.Observe(model.StatusDry, base.Add(60*time.Second))
	d := f.Observe(model.StatusDry, base.Add(90*time.Second))
	if !d.Cycle {
		t.Fatalf("expected cycle: Unknown reading must not have reset the Dry counter")
	}
}

func TestDryReplacesRapidCycleObservation(t *testing.T) {
	f := New(testThresholds())
	base := time.Now()
	f.Observe(model.StatusRapidCycle, base)

	// A different fault kind resets the observation to the new kind.
	f.Observe(model.StatusDry, base.Add(30*time.Second))
	snap := f.Snapshot()
	if snap.FaultKind != model.StatusDry {
		t.Fatalf("FaultKind = %v, want Dry to replace RapidCycle", snap.FaultKind)
	}
}

func TestManualOverrideClearsLocked(t *testing.T) {
	f := New(testThresholds())
	f.ConfirmCycle(time.Now(), false, "relay_failed")
	if f.Snapshot().State != Locked {
		t.Fatalf("expected Locked state after failed cycle")
	}
	f.ManualOverride()
	if f.Snapshot().State != Healthy {
		t.Fatalf("expected Healthy state after ManualOverride")
	}
}

// TestRapidCyclingScenario mirrors spec.md §8 scenario S3: 12 Normal/Idle
// alternations within 10 minutes inject a synthetic RapidCycle observation.
func TestRapidCyclingScenario(t *testing.T) {
	f := New(testThresholds())
	base := time.Now()

	status := model.StatusNormal
	for i := 0; i < 12; i++ {
		if i%2 == 1 {
			status = model.StatusIdle
		} else {
			status = model.StatusNormal
		}
		f.Observe(status, base.Add(time.Duration(i)*30*time.Second))
	}
	snap := f.Snapshot()
	if snap.State != Observing && snap.State != Cycling {
		t.Fatalf("expected synthetic RapidCycle to start a fault observation, got state %v", snap.State)
	}
}
