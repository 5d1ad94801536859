package monitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/wellmonitor/agent/internal/camera"
	"github.com/wellmonitor/agent/internal/classifier"
	"github.com/wellmonitor/agent/internal/config"
	"github.com/wellmonitor/agent/internal/logging"
	"github.com/wellmonitor/agent/internal/model"
	"github.com/wellmonitor/agent/internal/ocr"
	"github.com/wellmonitor/agent/internal/storage"
)

type fakeCamera struct{ err error }

func (f *fakeCamera) Capture(ctx context.Context, s camera.Settings) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []byte("jpeg-bytes"), nil
}

type fakeExtractor struct {
	text     string
	conf     float64
	inkRatio float64
	err      error
}

func (f *fakeExtractor) Extract(ctx context.Context, raw []byte, deadline time.Time) (ocr.Result, error) {
	if f.err != nil {
		return ocr.Result{}, f.err
	}
	return ocr.Result{Text: f.text, Confidence: f.conf, Provider: "fake", InkRatio: f.inkRatio}, nil
}

type fakeRelay struct{ calls int }

func (f *fakeRelay) Cycle(ctx context.Context, duration time.Duration, reason string) (model.RelayAction, error) {
	f.calls++
	return model.RelayAction{Action: model.ActionCycle, Reason: reason, Success: true}, nil
}

func newTestLoop(t *testing.T, cam Capturer, ext Extractor) (*Loop, *storage.Store, *classifier.FSM, *fakeRelay) {
	t.Helper()
	store, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	fsm := classifier.New(classifier.Thresholds{
		DryThreshold: 3, RapidCycleThreshold: 1,
		PowerCycleProtection: 300 * time.Second,
		RapidCycleThresholdCount: 10, RapidCycleTimeWindow: 10 * time.Minute,
	})
	fr := &fakeRelay{}

	l := New(Deps{
		ConfigStore: config.NewStore(),
		Store:       store,
		Camera:      cam,
		Engine:      ext,
		Classifier:  fsm,
		Relay:       fr,
		Logger:      logging.New(nil),
	})
	return l, store, fsm, fr
}

// TestNormalRunScenario mirrors spec.md §8 scenario S1: OCR text "4.25"
// confidence 0.92 persists a Normal Reading and commands no cycle.
func TestNormalRunScenario(t *testing.T) {
	l, store, fsm, fr := newTestLoop(t, &fakeCamera{}, &fakeExtractor{text: "4.25", conf: 0.92, inkRatio: 0.2})

	snap := l.deps.ConfigStore.Current()
	reading, err := l.runTick(context.Background(), snap)
	if err != nil {
		t.Fatalf("runTick: %v", err)
	}
	if reading.Status != model.StatusNormal {
		t.Fatalf("status = %v, want Normal", reading.Status)
	}
	if reading.CurrentAmps == nil || *reading.CurrentAmps != 4.25 {
		t.Fatalf("CurrentAmps = %v, want 4.25", reading.CurrentAmps)
	}

	decision := fsm.Observe(reading.Status, reading.TimestampUTC)
	if decision.Cycle {
		t.Fatalf("expected no cycle for a Normal reading")
	}
	if fr.calls != 0 {
		t.Fatalf("expected no relay calls")
	}

	unsynced, err := store.ListUnsyncedReadings(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListUnsyncedReadings: %v", err)
	}
	if len(unsynced) != 1 {
		t.Fatalf("expected 1 persisted reading, got %d", len(unsynced))
	}
}

// TestOcrUnreadableScenario mirrors spec.md §8 scenario S4: OCR returns
// confidence 0.10 on otherwise-parseable text; the low-confidence gate
// fires before the parser runs, the Reading persists as Unknown with
// error="low_confidence", and the FSM's counters do not advance.
func TestOcrUnreadableScenario(t *testing.T) {
	l, _, fsm, _ := newTestLoop(t, &fakeCamera{}, &fakeExtractor{text: "4.25", conf: 0.10})

	snap := l.deps.ConfigStore.Current()
	reading, err := l.runTick(context.Background(), snap)
	if err != nil {
		t.Fatalf("runTick: %v", err)
	}
	if reading.Status != model.StatusUnknown {
		t.Fatalf("status = %v, want Unknown", reading.Status)
	}
	if reading.Error != "low_confidence" {
		t.Fatalf("error = %q, want %q", reading.Error, "low_confidence")
	}

	before := fsm.Snapshot()
	fsm.Observe(reading.Status, reading.TimestampUTC)
	after := fsm.Snapshot()
	if after.Consecutive != before.Consecutive {
		t.Fatalf("expected Unknown reading to leave FSM counters unchanged")
	}
}

// TestLowInkScenario mirrors spec.md §4.G rule 3: a below-5%-ink image
// classifies as Off even when OCR returns spurious parseable text.
func TestLowInkScenario(t *testing.T) {
	l, _, _, _ := newTestLoop(t, &fakeCamera{}, &fakeExtractor{text: "4.25", conf: 0.92, inkRatio: 0.01})

	snap := l.deps.ConfigStore.Current()
	reading, err := l.runTick(context.Background(), snap)
	if err != nil {
		t.Fatalf("runTick: %v", err)
	}
	if reading.Status != model.StatusOff {
		t.Fatalf("status = %v, want Off", reading.Status)
	}
}

func TestTickDropsWhenPreviousStillRunning(t *testing.T) {
	l, _, _, _ := newTestLoop(t, &fakeCamera{}, &fakeExtractor{text: "4.2", conf: 0.9})
	l.inFlight = 1 // simulate an in-flight tick

	l.tick(context.Background())
	if l.drops != 1 {
		t.Fatalf("expected a dropped tick to be counted, got %d", l.drops)
	}
}
