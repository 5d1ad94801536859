package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/wellmonitor/agent/internal/model"
	"github.com/wellmonitor/agent/internal/wellerr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "wellmonitor.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndListUnsyncedReadings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	amps := 4.2
	id, err := s.InsertReading(ctx, model.Reading{
		TimestampUTC: time.Now().UTC(),
		CurrentAmps:  &amps,
		Status:       model.StatusNormal,
		RawText:      "4.2",
		Confidence:   0.97,
		ProcessingMs: 120,
	})
	if err != nil {
		t.Fatalf("InsertReading: %v", err)
	}
	if id == 0 {
		t.Fatalf("expected nonzero id")
	}

	unsynced, err := s.ListUnsyncedReadings(ctx, 10)
	if err != nil {
		t.Fatalf("ListUnsyncedReadings: %v", err)
	}
	if len(unsynced) != 1 || unsynced[0].ID != id {
		t.Fatalf("expected 1 unsynced reading with id %d, got %+v", id, unsynced)
	}

	if err := s.MarkSyncedReadings(ctx, []int64{id}); err != nil {
		t.Fatalf("MarkSyncedReadings: %v", err)
	}
	unsynced, err = s.ListUnsyncedReadings(ctx, 10)
	if err != nil {
		t.Fatalf("ListUnsyncedReadings after mark: %v", err)
	}
	if len(unsynced) != 0 {
		t.Fatalf("expected 0 unsynced readings after marking synced, got %d", len(unsynced))
	}
}

func TestQuarantineReadingStopsFutureSyncAttempts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.InsertReading(ctx, model.Reading{
		TimestampUTC: time.Now().UTC(),
		Status:       model.StatusUnknown,
		RawText:      "???",
		Confidence:   0,
		ProcessingMs: 50,
	})
	if err != nil {
		t.Fatalf("InsertReading: %v", err)
	}

	if err := s.QuarantineReading(ctx, id, "hub rejected: malformed payload"); err != nil {
		t.Fatalf("QuarantineReading: %v", err)
	}

	unsynced, err := s.ListUnsyncedReadings(ctx, 10)
	if err != nil {
		t.Fatalf("ListUnsyncedReadings: %v", err)
	}
	if len(unsynced) != 0 {
		t.Fatalf("expected quarantined reading to be excluded from unsynced list, got %d", len(unsynced))
	}
}

// TestUpsertHourlySummaryIsIdempotent exercises spec.md §3 invariant (3):
// re-running the Aggregator over the same Readings produces an identical row.
func TestUpsertHourlySummaryIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	row := model.HourlySummary{
		DateHour:       "2026-07-31 09",
		TotalKwh:       1.5,
		PumpCycles:     3,
		RuntimeMinutes: 12.5,
		AvgCurrent:     4.1,
		PeakCurrent:    6.2,
		AlertCount:     0,
		UptimePct:      100,
	}
	if err := s.UpsertHourlySummary(ctx, row); err != nil {
		t.Fatalf("UpsertHourlySummary (first): %v", err)
	}
	if err := s.UpsertHourlySummary(ctx, row); err != nil {
		t.Fatalf("UpsertHourlySummary (second): %v", err)
	}

	got, ok, err := s.HourlySummary(ctx, row.DateHour)
	if err != nil {
		t.Fatalf("HourlySummary: %v", err)
	}
	if !ok {
		t.Fatalf("expected summary row to exist")
	}
	got.Synced = false
	if got != row {
		t.Fatalf("expected idempotent upsert, got %+v want %+v", got, row)
	}
}

func TestUpsertResyncsOnChange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	row := model.HourlySummary{DateHour: "2026-07-31 10", TotalKwh: 1.0, UptimePct: 100}
	if err := s.UpsertHourlySummary(ctx, row); err != nil {
		t.Fatalf("UpsertHourlySummary: %v", err)
	}
	if err := s.MarkSyncedSummaries(ctx, KindHourly, []string{row.DateHour}); err != nil {
		t.Fatalf("MarkSyncedSummaries: %v", err)
	}

	row.TotalKwh = 1.25
	if err := s.UpsertHourlySummary(ctx, row); err != nil {
		t.Fatalf("UpsertHourlySummary (update): %v", err)
	}

	keys, err := s.ListUnsyncedSummaryKeys(ctx, KindHourly, 10)
	if err != nil {
		t.Fatalf("ListUnsyncedSummaryKeys: %v", err)
	}
	if len(keys) != 1 || keys[0] != row.DateHour {
		t.Fatalf("expected updated row to be unsynced again, got %v", keys)
	}
}

func TestPruneRemovesOnlySyncedRowsBeforeCutoff(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	recent := time.Now().UTC()

	oldSyncedID, err := s.InsertReading(ctx, model.Reading{TimestampUTC: old, Status: model.StatusNormal, RawText: "x", ProcessingMs: 1})
	if err != nil {
		t.Fatalf("InsertReading: %v", err)
	}
	if err := s.MarkSyncedReadings(ctx, []int64{oldSyncedID}); err != nil {
		t.Fatalf("MarkSyncedReadings: %v", err)
	}

	oldUnsyncedID, err := s.InsertReading(ctx, model.Reading{TimestampUTC: old, Status: model.StatusNormal, RawText: "y", ProcessingMs: 1})
	if err != nil {
		t.Fatalf("InsertReading: %v", err)
	}

	recentSyncedID, err := s.InsertReading(ctx, model.Reading{TimestampUTC: recent, Status: model.StatusNormal, RawText: "z", ProcessingMs: 1})
	if err != nil {
		t.Fatalf("InsertReading: %v", err)
	}
	if err := s.MarkSyncedReadings(ctx, []int64{recentSyncedID}); err != nil {
		t.Fatalf("MarkSyncedReadings: %v", err)
	}

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	if err := s.Prune(ctx, cutoff); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	// oldSyncedID pruned; oldUnsyncedID and recentSyncedID remain.
	if st.TotalReadings != 2 {
		t.Fatalf("expected 2 remaining readings after prune, got %d", st.TotalReadings)
	}
	if st.UnsyncedReadings != 1 {
		t.Fatalf("expected 1 unsynced reading to remain, got %d", st.UnsyncedReadings)
	}
	_ = oldUnsyncedID
}

func TestWriteDeadlineExceededReturnsTimeoutKind(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err := s.InsertReading(ctx, model.Reading{TimestampUTC: time.Now().UTC(), Status: model.StatusNormal, RawText: "x"})
	if err == nil {
		t.Fatalf("expected error from expired context")
	}
	if wellerr.KindOf(err) != wellerr.KindTimeout {
		t.Fatalf("expected Timeout kind, got %v", wellerr.KindOf(err))
	}
}
