package camera

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/wellmonitor/agent/internal/wellerr"
)

// DebugSaver writes raw capture bytes to dir under the fixed naming
// convention and prunes files older than retention (spec.md §4.D).
type DebugSaver struct {
	Dir       string
	Retention time.Duration
}

// Save writes image under dir using debugSaveName(at).
func (s DebugSaver) Save(at time.Time, image []byte) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", wellerr.New("camera", "debug_save", wellerr.KindHardware, err)
	}
	path := filepath.Join(s.Dir, debugSaveName(at))
	if err := os.WriteFile(path, image, 0o644); err != nil {
		return "", wellerr.New("camera", "debug_save", wellerr.KindHardware, err)
	}
	return path, nil
}

// Prune removes debug images older than Retention. Intended to be called
// on every N-th capture (spec.md §5 back-pressure note).
func (s DebugSaver) Prune(ctx context.Context) error {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return wellerr.New("camera", "debug_prune", wellerr.KindHardware, err)
	}
	cutoff := time.Now().Add(-s.Retention)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "pump_reading_") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		info, err := os.Stat(filepath.Join(s.Dir, name))
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(s.Dir, name))
		}
	}
	return nil
}
