package config

import "testing"

func TestApplyValidFieldAppliesAndSwaps(t *testing.T) {
	s := NewStore()
	before := s.Current().Version
	res := s.Apply(Patch{"camera.gain": 2.0}, "twin")
	if len(res.Rejected) != 0 {
		t.Fatalf("expected no rejections, got %v", res.Rejected)
	}
	if s.Current().Camera.GainDb != 2.0 {
		t.Fatalf("expected gain 2.0, got %v", s.Current().Camera.GainDb)
	}
	if s.Current().Version <= before {
		t.Fatalf("expected version to advance")
	}
}

func TestApplyRejectsOutOfRangeButKeepsPriorSnapshot(t *testing.T) {
	s := NewStore()
	res := s.Apply(Patch{"ocr.min-confidence": 1.5}, "twin")
	if len(res.Rejected) != 1 || res.Rejected[0].Field != "ocr.min-confidence" {
		t.Fatalf("expected ocr.min-confidence rejected, got %v", res.Rejected)
	}
	if s.Current().Ocr.MinConfidence != Defaults().Ocr.MinConfidence {
		t.Fatalf("rejected field must not change snapshot")
	}
}

// TestApplyMixedPatchAppliesValidAndRejectsInvalid mirrors spec.md scenario
// S6: Camera.Gain 1.0->2.0 applied, Ocr.MinimumConfidence 0.6->1.5 rejected.
func TestApplyMixedPatchAppliesValidAndRejectsInvalid(t *testing.T) {
	s := NewStore()
	res := s.Apply(Patch{
		"camera.gain":        2.0,
		"ocr.min-confidence": 1.5,
	}, "twin")

	if s.Current().Camera.GainDb != 2.0 {
		t.Fatalf("expected gain applied")
	}
	if s.Current().Ocr.MinConfidence == 1.5 {
		t.Fatalf("expected confidence rejected")
	}
	foundApplied, foundRejected := false, false
	for _, f := range res.Applied {
		if f == "camera.gain" {
			foundApplied = true
		}
	}
	for _, r := range res.Rejected {
		if r.Field == "ocr.min-confidence" {
			foundRejected = true
		}
	}
	if !foundApplied || !foundRejected {
		t.Fatalf("expected mixed apply/reject, got applied=%v rejected=%v", res.Applied, res.Rejected)
	}
}

func TestApplyUnknownFieldRejected(t *testing.T) {
	s := NewStore()
	res := s.Apply(Patch{"nonexistent.field": 1}, "twin")
	if len(res.Rejected) != 1 || res.Rejected[0].Reason != "unknown field" {
		t.Fatalf("expected unknown field rejection, got %v", res.Rejected)
	}
}

// TestApplyPropertyEveryFieldAppliedOrRejected is a lightweight stand-in
// for the property-based test spec.md §8 property 1 asks for: over a table
// of patches, every submitted field ends up in either Applied or Rejected.
func TestApplyPropertyEveryFieldAppliedOrRejected(t *testing.T) {
	s := NewStore()
	patches := []Patch{
		{"camera.gain": 3.0},
		{"camera.gain": "not-a-number"},
		{"roi.x-percent": 150.0},
		{"roi.x-percent": 10.0},
		{"debug.verbose": true},
	}
	for _, p := range patches {
		res := s.Apply(p, "test")
		total := len(res.Applied) + len(res.Rejected)
		if total != len(p) {
			t.Fatalf("patch %v: expected every field accounted for, applied=%v rejected=%v", p, res.Applied, res.Rejected)
		}
	}
}

func TestSubscribeReceivesSwappedSnapshot(t *testing.T) {
	s := NewStore()
	var seen *Snapshot
	s.Subscribe(func(next *Snapshot) { seen = next })
	s.Apply(Patch{"camera.gain": 4.0}, "twin")
	if seen == nil || seen.Camera.GainDb != 4.0 {
		t.Fatalf("expected subscriber to observe new snapshot")
	}
}
