package config

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/wellmonitor/agent/internal/logging"
)

// envKeyToField maps the 0640 environment-file keys an operator might hand
// edit at /etc/wellmonitor/environment to canonical Patch field names.
var envKeyToField = map[string]string{
	"WELLMONITOR_CAMERA_GAIN":            "camera.gain",
	"WELLMONITOR_CAMERA_SHUTTER_MICROS":  "camera.shutter-micros",
	"WELLMONITOR_CAMERA_EXPOSURE_MODE":   "camera.exposure-mode",
	"WELLMONITOR_OCR_PROVIDER":           "ocr.provider",
	"WELLMONITOR_OCR_MIN_CONFIDENCE":     "ocr.min-confidence",
	"WELLMONITOR_CAPTURE_INTERVAL_SECONDS": "monitoring.capture-interval-seconds",
	"WELLMONITOR_RETENTION_DAYS":          "monitoring.retention-days",
	"WELLMONITOR_DEBUG_VERBOSE":           "debug.verbose",
}

// ParseEnvFile reads a simple KEY=VALUE environment file (spec.md §6,
// /etc/wellmonitor/environment, 0640) and returns the subset of recognized
// keys as a Patch with loosely-typed values (string/float64/bool).
func ParseEnvFile(path string) (Patch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	patch := Patch{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])
		field, ok := envKeyToField[key]
		if !ok {
			continue
		}
		patch[field] = coerce(val)
	}
	return patch, scanner.Err()
}

func coerce(val string) any {
	if b, err := strconv.ParseBool(val); err == nil {
		return b
	}
	if f, err := strconv.ParseFloat(val, 64); err == nil {
		return f
	}
	return val
}

// WatchEnvFile watches path for writes via fsnotify and applies the
// resulting patch with source "file" whenever it changes. Runs until ctx
// is cancelled.
func WatchEnvFile(ctx context.Context, store *Store, path string, logger logging.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				patch, err := ParseEnvFile(path)
				if err != nil {
					logger.WarnCtx(ctx, "config file reload failed", "error", err.Error())
					continue
				}
				result := store.Apply(patch, "file")
				for _, r := range result.Rejected {
					logger.WarnCtx(ctx, "config file patch field rejected", "field", r.Field, "reason", r.Reason)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WarnCtx(ctx, "config file watcher error", "error", err.Error())
			}
		}
	}()
	return nil
}
