// Package ocr implements the OCR Engine (spec.md §4.F): a pluggable text
// extractor with confidence, local Tesseract primary and optional cloud
// Vision fallback, wrapped in a retry policy.
package ocr

import (
	"context"
	"time"
)

// Result is returned by Extract.
type Result struct {
	Text       string
	Confidence float64
	Ms         int64
	Provider   string
	InkRatio   float64
}

// Provider is the capability interface both backends implement
// (spec.md §9: "a small capability set, tagged variants dispatched at
// construction").
type Provider interface {
	Extract(ctx context.Context, image []byte) (Result, error)
	Name() string
}

// timeNow is overridable in tests.
var timeNow = time.Now
