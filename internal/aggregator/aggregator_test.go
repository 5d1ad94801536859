package aggregator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/wellmonitor/agent/internal/config"
	"github.com/wellmonitor/agent/internal/logging"
	"github.com/wellmonitor/agent/internal/model"
	"github.com/wellmonitor/agent/internal/storage"
)

func seedReadings(t *testing.T, store *storage.Store, hour time.Time) {
	t.Helper()
	amps := []float64{4.1, 4.2, 0.0, 4.3}
	statuses := []model.PumpStatus{model.StatusNormal, model.StatusNormal, model.StatusIdle, model.StatusNormal}
	for i, a := range amps {
		amp := a
		_, err := store.InsertReading(context.Background(), model.Reading{
			TimestampUTC: hour.Add(time.Duration(i) * 30 * time.Second),
			CurrentAmps:  &amp,
			Status:       statuses[i],
			RawText:      "x",
			Confidence:   0.9,
			ProcessingMs: 10,
		})
		if err != nil {
			t.Fatalf("InsertReading: %v", err)
		}
	}
}

// TestAggregatorIdempotence exercises spec.md §8 property 3: running the
// Aggregator twice over the same Readings produces identical rows.
func TestAggregatorIdempotence(t *testing.T) {
	store, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "agg.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer store.Close()

	hour := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	seedReadings(t, store, hour)

	cfg := config.NewStore()
	a := New(store, cfg, logging.New(nil))

	a.rollHour(context.Background(), hour)
	first, ok, err := store.HourlySummary(context.Background(), "2026-07-31 09")
	if err != nil || !ok {
		t.Fatalf("HourlySummary (1): ok=%v err=%v", ok, err)
	}

	a.rollHour(context.Background(), hour)
	second, ok, err := store.HourlySummary(context.Background(), "2026-07-31 09")
	if err != nil || !ok {
		t.Fatalf("HourlySummary (2): ok=%v err=%v", ok, err)
	}

	firstJSON, _ := json.Marshal(first)
	secondJSON, _ := json.Marshal(second)
	if string(firstJSON) != string(secondJSON) {
		t.Fatalf("expected byte-equal summary JSON across reruns:\n%s\n%s", firstJSON, secondJSON)
	}
}

func TestAggregatorComputesEnergyAndUptime(t *testing.T) {
	store, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "agg2.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer store.Close()

	hour := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	seedReadings(t, store, hour)

	cfg := config.NewStore()
	a := New(store, cfg, logging.New(nil))
	a.rollHour(context.Background(), hour)

	summary, ok, err := store.HourlySummary(context.Background(), "2026-07-31 09")
	if err != nil || !ok {
		t.Fatalf("HourlySummary: ok=%v err=%v", ok, err)
	}
	if summary.TotalKwh <= 0 {
		t.Fatalf("expected positive TotalKwh, got %v", summary.TotalKwh)
	}
	if summary.PeakCurrent != 4.3 {
		t.Fatalf("PeakCurrent = %v, want 4.3", summary.PeakCurrent)
	}
}
