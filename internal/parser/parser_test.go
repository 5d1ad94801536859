package parser

import (
	"testing"

	"github.com/wellmonitor/agent/internal/model"
)

// TestParseTable exercises spec.md §8 property 6: the literal inputs
// "4.2", "0.00", "Dry", "rcyc", "", "garbage" yield
// Normal/Idle/Dry/RapidCycle/Off/Unknown respectively.
func TestParseTable(t *testing.T) {
	th := DefaultThresholds()
	cases := []struct {
		text string
		want model.PumpStatus
	}{
		{"4.2", model.StatusNormal},
		{"0.00", model.StatusIdle},
		{"Dry", model.StatusDry},
		{"rcyc", model.StatusRapidCycle},
		{"", model.StatusOff},
		{"garbage", model.StatusUnknown},
	}
	for _, c := range cases {
		got := Parse(c.text, 0.9, false, th)
		if got.Status != c.want {
			t.Errorf("Parse(%q) status = %v, want %v", c.text, got.Status, c.want)
		}
	}
}

func TestParseNormalExtractsCurrent(t *testing.T) {
	got := Parse("4.25", 0.92, false, DefaultThresholds())
	if got.Status != model.StatusNormal {
		t.Fatalf("status = %v, want Normal", got.Status)
	}
	if got.CurrentAmps == nil || *got.CurrentAmps != 4.25 {
		t.Fatalf("CurrentAmps = %v, want 4.25", got.CurrentAmps)
	}
}

func TestParseLowInkForcesOff(t *testing.T) {
	got := Parse("4.2", 0.5, true, DefaultThresholds())
	if got.Status != model.StatusOff {
		t.Fatalf("status = %v, want Off", got.Status)
	}
}

func TestParseDryDominatesOverNumeric(t *testing.T) {
	got := Parse("Dry 4.2", 0.8, false, DefaultThresholds())
	if got.Status != model.StatusDry {
		t.Fatalf("status = %v, want Dry", got.Status)
	}
	if got.CurrentAmps != nil {
		t.Fatalf("expected nil CurrentAmps for Dry, got %v", *got.CurrentAmps)
	}
}

func TestParseUnparseableSetsError(t *testing.T) {
	got := Parse("garbage", 0.3, false, DefaultThresholds())
	if got.Error != "unparseable" {
		t.Fatalf("Error = %q, want unparseable", got.Error)
	}
}
