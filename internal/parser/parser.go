// Package parser maps OCR text to a (current amps, status, confidence)
// tuple (spec.md §4.G). Pure function, no I/O.
package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/wellmonitor/agent/internal/model"
)

var numericToken = regexp.MustCompile(`^\d{1,2}\.\d{1,2}$`)

// Thresholds configures the Idle/Normal boundary (spec.md §4.G rule 4).
type Thresholds struct {
	IdleThreshold         float64
	MinimumRunningCurrent float64
}

// DefaultThresholds matches spec.md's stated defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{IdleThreshold: 0.05, MinimumRunningCurrent: 0.1}
}

// Result is the output of Parse.
type Result struct {
	CurrentAmps *float64
	Status      model.PumpStatus
	Confidence  float64
	Error       string
}

// Parse applies spec.md §4.G's rules in order; the first match wins.
// lowInk reports whether the preprocessed image's ink ratio was below 5%,
// the image-side half of rule 3 (spec.md §4.G: "a blank or below-5%-ink
// image → status Off").
func Parse(text string, ocrConfidence float64, lowInk bool, th Thresholds) Result {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	if strings.Contains(lower, "dry") {
		return Result{Status: model.StatusDry, Confidence: ocrConfidence}
	}
	if strings.Contains(lower, "rcyc") {
		return Result{Status: model.StatusRapidCycle, Confidence: ocrConfidence}
	}
	if trimmed == "" || lowInk {
		return Result{Status: model.StatusOff, Confidence: ocrConfidence}
	}
	if numericToken.MatchString(trimmed) {
		amps, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return Result{Status: model.StatusUnknown, Confidence: ocrConfidence, Error: "unparseable"}
		}
		status := model.StatusNormal
		switch {
		case amps <= th.IdleThreshold:
			status = model.StatusIdle
		case amps >= th.MinimumRunningCurrent:
			status = model.StatusNormal
		default:
			status = model.StatusUnknown
		}
		return Result{CurrentAmps: &amps, Status: status, Confidence: ocrConfidence}
	}
	return Result{Status: model.StatusUnknown, Confidence: ocrConfidence, Error: "unparseable"}
}
