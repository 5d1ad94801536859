package config

import (
	"fmt"
	"time"
)

// fieldSpec validates one raw patch value and, if valid, applies it to
// next (the in-progress copy). Returns the old and new values as strings
// and a human-readable rejection reason, or "" if applied.
type fieldSpec struct {
	apply func(next *Snapshot, raw any) (old, new string, reason string)
}

func numberOf(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func boolOf(raw any) (bool, bool) {
	b, ok := raw.(bool)
	return b, ok
}

func stringOf(raw any) (string, bool) {
	s, ok := raw.(string)
	return s, ok
}

func ranged(name string, val, lo, hi float64) string {
	if val < lo || val > hi {
		return fmt.Sprintf("%s out of range [%g,%g]", name, lo, hi)
	}
	return ""
}

// fieldRegistry maps canonical dotted field names (lower-case, group.field)
// to a validator/applier. This is the single point spec.md §4.A's
// per-field patch validation and §4.N's twin-property application both go
// through.
var fieldRegistry = map[string]fieldSpec{
	"camera.gain": {func(next *Snapshot, raw any) (string, string, string) {
		v, ok := numberOf(raw)
		old := fmt.Sprintf("%g", next.Camera.GainDb)
		if !ok {
			return old, old, "camera.gain must be numeric"
		}
		if r := ranged("camera.gain", v, 0.0, 16.0); r != "" {
			return old, old, r
		}
		next.Camera.GainDb = v
		return old, fmt.Sprintf("%g", v), ""
	}},
	"camera.shutter-micros": {func(next *Snapshot, raw any) (string, string, string) {
		v, ok := numberOf(raw)
		old := fmt.Sprintf("%d", next.Camera.ShutterMicros)
		if !ok {
			return old, old, "camera.shutter-micros must be numeric"
		}
		if r := ranged("camera.shutter-micros", v, 1, 1000000); r != "" {
			return old, old, r
		}
		next.Camera.ShutterMicros = int(v)
		return old, fmt.Sprintf("%d", int(v)), ""
	}},
	"camera.auto-exposure": {func(next *Snapshot, raw any) (string, string, string) {
		v, ok := boolOf(raw)
		old := fmt.Sprintf("%t", next.Camera.AutoExposure)
		if !ok {
			return old, old, "camera.auto-exposure must be boolean"
		}
		next.Camera.AutoExposure = v
		return old, fmt.Sprintf("%t", v), ""
	}},
	"camera.auto-wb": {func(next *Snapshot, raw any) (string, string, string) {
		v, ok := boolOf(raw)
		old := fmt.Sprintf("%t", next.Camera.AutoWhiteBal)
		if !ok {
			return old, old, "camera.auto-wb must be boolean"
		}
		next.Camera.AutoWhiteBal = v
		return old, fmt.Sprintf("%t", v), ""
	}},
	"camera.exposure-mode": {func(next *Snapshot, raw any) (string, string, string) {
		v, ok := stringOf(raw)
		old := string(next.Camera.ExposureMode)
		if !ok {
			return old, old, "camera.exposure-mode must be a string"
		}
		mode := ExposureMode(v)
		if !mode.valid() {
			return old, old, "camera.exposure-mode unknown token: " + v
		}
		next.Camera.ExposureMode = mode
		return old, v, ""
	}},
	"camera.save-debug": {func(next *Snapshot, raw any) (string, string, string) {
		v, ok := boolOf(raw)
		old := fmt.Sprintf("%t", next.Camera.SaveDebug)
		if !ok {
			return old, old, "camera.save-debug must be boolean"
		}
		next.Camera.SaveDebug = v
		return old, fmt.Sprintf("%t", v), ""
	}},
	"ocr.provider": {func(next *Snapshot, raw any) (string, string, string) {
		v, ok := stringOf(raw)
		old := next.Ocr.Provider
		if !ok {
			return old, old, "ocr.provider must be a string"
		}
		if v != "tesseract" && v != "cloudvision" {
			return old, old, "ocr.provider must be tesseract or cloudvision"
		}
		next.Ocr.Provider = v
		return old, v, ""
	}},
	"ocr.min-confidence": {func(next *Snapshot, raw any) (string, string, string) {
		v, ok := numberOf(raw)
		old := fmt.Sprintf("%g", next.Ocr.MinConfidence)
		if !ok {
			return old, old, "ocr.min-confidence must be numeric"
		}
		if r := ranged("ocr.min-confidence", v, 0.0, 1.0); r != "" {
			return old, old, r
		}
		next.Ocr.MinConfidence = v
		return old, fmt.Sprintf("%g", v), ""
	}},
	"ocr.retries": {func(next *Snapshot, raw any) (string, string, string) {
		v, ok := numberOf(raw)
		old := fmt.Sprintf("%d", next.Ocr.Retries)
		if !ok {
			return old, old, "ocr.retries must be numeric"
		}
		if r := ranged("ocr.retries", v, 0, 10); r != "" {
			return old, old, r
		}
		next.Ocr.Retries = int(v)
		return old, fmt.Sprintf("%d", int(v)), ""
	}},
	"monitoring.capture-interval-seconds": {func(next *Snapshot, raw any) (string, string, string) {
		v, ok := numberOf(raw)
		old := fmt.Sprintf("%d", next.Monitoring.CaptureIntervalSeconds)
		if !ok {
			return old, old, "monitoring.capture-interval-seconds must be numeric"
		}
		if r := ranged("monitoring.capture-interval-seconds", v, 5, 3600); r != "" {
			return old, old, r
		}
		next.Monitoring.CaptureIntervalSeconds = int(v)
		return old, fmt.Sprintf("%d", int(v)), ""
	}},
	"monitoring.telemetry-interval-seconds": {func(next *Snapshot, raw any) (string, string, string) {
		v, ok := numberOf(raw)
		old := fmt.Sprintf("%d", next.Monitoring.TelemetryIntervalSeconds)
		if !ok {
			return old, old, "monitoring.telemetry-interval-seconds must be numeric"
		}
		if r := ranged("monitoring.telemetry-interval-seconds", v, 5, 3600); r != "" {
			return old, old, r
		}
		next.Monitoring.TelemetryIntervalSeconds = int(v)
		return old, fmt.Sprintf("%d", int(v)), ""
	}},
	"monitoring.sync-interval-seconds": {func(next *Snapshot, raw any) (string, string, string) {
		v, ok := numberOf(raw)
		old := fmt.Sprintf("%d", next.Monitoring.SyncIntervalSeconds)
		if !ok {
			return old, old, "monitoring.sync-interval-seconds must be numeric"
		}
		if r := ranged("monitoring.sync-interval-seconds", v, 5, 86400); r != "" {
			return old, old, r
		}
		next.Monitoring.SyncIntervalSeconds = int(v)
		return old, fmt.Sprintf("%d", int(v)), ""
	}},
	"monitoring.retention-days": {func(next *Snapshot, raw any) (string, string, string) {
		v, ok := numberOf(raw)
		old := fmt.Sprintf("%d", next.Monitoring.RetentionDays)
		if !ok {
			return old, old, "monitoring.retention-days must be numeric"
		}
		if r := ranged("monitoring.retention-days", v, 1, 3650); r != "" {
			return old, old, r
		}
		next.Monitoring.RetentionDays = int(v)
		return old, fmt.Sprintf("%d", int(v)), ""
	}},
	"monitoring.assumed-voltage": {func(next *Snapshot, raw any) (string, string, string) {
		v, ok := numberOf(raw)
		old := fmt.Sprintf("%g", next.Monitoring.AssumedVoltage)
		if !ok {
			return old, old, "monitoring.assumed-voltage must be numeric"
		}
		if r := ranged("monitoring.assumed-voltage", v, 1, 1000); r != "" {
			return old, old, r
		}
		next.Monitoring.AssumedVoltage = v
		return old, fmt.Sprintf("%g", v), ""
	}},
	"alerting.dry-current-threshold": {func(next *Snapshot, raw any) (string, string, string) {
		v, ok := numberOf(raw)
		old := fmt.Sprintf("%g", next.Alerting.DryCurrentThreshold)
		if !ok {
			return old, old, "alerting.dry-current-threshold must be numeric"
		}
		next.Alerting.DryCurrentThreshold = v
		return old, fmt.Sprintf("%g", v), ""
	}},
	"alerting.rapid-cycle-threshold-count": {func(next *Snapshot, raw any) (string, string, string) {
		v, ok := numberOf(raw)
		old := fmt.Sprintf("%d", next.Alerting.RapidCycleThresholdCount)
		if !ok {
			return old, old, "alerting.rapid-cycle-threshold-count must be numeric"
		}
		if r := ranged("alerting.rapid-cycle-threshold-count", v, 1, 1000); r != "" {
			return old, old, r
		}
		next.Alerting.RapidCycleThresholdCount = int(v)
		return old, fmt.Sprintf("%d", int(v)), ""
	}},
	"alerting.power-cycle-protection-minutes": {func(next *Snapshot, raw any) (string, string, string) {
		v, ok := numberOf(raw)
		old := fmt.Sprintf("%g", next.Alerting.PowerCycleProtection.Minutes())
		if !ok {
			return old, old, "alerting.power-cycle-protection-minutes must be numeric"
		}
		if r := ranged("alerting.power-cycle-protection-minutes", v, 1, 1440); r != "" {
			return old, old, r
		}
		next.Alerting.PowerCycleProtection = time.Duration(v) * time.Minute
		return old, fmt.Sprintf("%g", v), ""
	}},
	"roi.x-percent": {roiField(func(r *RoiConfig) *float64 { return &r.XPercent })},
	"roi.y-percent": {roiField(func(r *RoiConfig) *float64 { return &r.YPercent })},
	"roi.w-percent": {roiField(func(r *RoiConfig) *float64 { return &r.WPercent })},
	"roi.h-percent": {roiField(func(r *RoiConfig) *float64 { return &r.HPercent })},
	"debug.verbose": {func(next *Snapshot, raw any) (string, string, string) {
		v, ok := boolOf(raw)
		old := fmt.Sprintf("%t", next.Debug.Verbose)
		if !ok {
			return old, old, "debug.verbose must be boolean"
		}
		next.Debug.Verbose = v
		return old, fmt.Sprintf("%t", v), ""
	}},
	"debug.image-save-enabled": {func(next *Snapshot, raw any) (string, string, string) {
		v, ok := boolOf(raw)
		old := fmt.Sprintf("%t", next.Debug.ImageSaveEnabled)
		if !ok {
			return old, old, "debug.image-save-enabled must be boolean"
		}
		next.Debug.ImageSaveEnabled = v
		return old, fmt.Sprintf("%t", v), ""
	}},
}

func roiField(sel func(*RoiConfig) *float64) func(*Snapshot, any) (string, string, string) {
	return func(next *Snapshot, raw any) (string, string, string) {
		v, ok := numberOf(raw)
		field := sel(&next.Roi)
		old := fmt.Sprintf("%g", *field)
		if !ok {
			return old, old, "roi percent fields must be numeric"
		}
		if r := ranged("roi percent", v, 0, 100); r != "" {
			return old, old, r
		}
		*field = v
		return old, fmt.Sprintf("%g", v), ""
	}
}
