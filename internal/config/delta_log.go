package config

import (
	"context"
	"log/slog"

	"github.com/wellmonitor/agent/internal/logging"
)

// LogDeltas emits the structured "config delta" log line spec.md §4.A
// requires: one line per apply, listing every changed field with its old
// and new value and the source that caused the change.
func LogDeltas(ctx context.Context, logger logging.Logger, rec AuditRecord) {
	if len(rec.Deltas) == 0 {
		return
	}
	attrs := []any{
		slog.Int64("version", rec.Version),
		slog.String("source", rec.Source),
		slog.Int("field_count", len(rec.Deltas)),
	}
	for _, d := range rec.Deltas {
		attrs = append(attrs, slog.Group(d.Field, slog.String("old", d.OldValue), slog.String("new", d.NewValue)))
	}
	logger.InfoCtx(ctx, "config delta applied", attrs...)
}

// WatchDeltas subscribes a logging side-effect to every swap so callers
// get the delta log for free; it returns nothing, since the registration
// cannot be undone (the Store never removes subscribers, matching its
// single-process lifetime).
func (s *Store) WatchDeltas(ctx context.Context, logger logging.Logger) {
	s.Subscribe(func(next *Snapshot) {
		hist := s.ListAudit()
		if len(hist) == 0 {
			return
		}
		last := hist[len(hist)-1]
		if last.Version == next.Version {
			LogDeltas(ctx, logger, last)
		}
	})
}
