// Package monitor implements the Monitoring Loop (spec.md §4.J): drives
// Camera Capture → Image Preprocess → OCR → Reading Parser → Classifier →
// (optionally) Relay Driver on a fixed cadence, recording every Reading.
package monitor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wellmonitor/agent/internal/camera"
	"github.com/wellmonitor/agent/internal/classifier"
	"github.com/wellmonitor/agent/internal/config"
	"github.com/wellmonitor/agent/internal/logging"
	"github.com/wellmonitor/agent/internal/model"
	"github.com/wellmonitor/agent/internal/ocr"
	"github.com/wellmonitor/agent/internal/ocrstats"
	"github.com/wellmonitor/agent/internal/parser"
	"github.com/wellmonitor/agent/internal/relay"
	"github.com/wellmonitor/agent/internal/storage"
	"github.com/wellmonitor/agent/internal/wellerr"
)

// Capturer is the narrow slice of Camera Capture the Loop depends on,
// letting scenario tests substitute a fake camera.
type Capturer interface {
	Capture(ctx context.Context, s camera.Settings) ([]byte, error)
}

// Extractor is the narrow slice of the OCR Engine the Loop depends on.
type Extractor interface {
	Extract(ctx context.Context, raw []byte, deadline time.Time) (ocr.Result, error)
}

// Cycler is the narrow slice of the Relay Driver the Loop depends on.
type Cycler interface {
	Cycle(ctx context.Context, duration time.Duration, reason string) (model.RelayAction, error)
}

// Deps is the construction graph the Loop needs; it owns none of these,
// only calls them (spec.md §9: "typed construction graph built in
// explicit order").
type Deps struct {
	ConfigStore *config.Store
	Store       *storage.Store
	Camera      Capturer
	Engine      Extractor
	Classifier  *classifier.FSM
	Relay       Cycler
	Logger      logging.Logger
	Events      chan<- Event
	OcrStats    *ocrstats.Tracker
}

// Event is published on Classifier state transitions, consumed by
// Telemetry's alert path (spec.md §5: "small in-process event bus").
type Event struct {
	At       time.Time
	Decision classifier.Decision
	Reading  model.Reading
}

// Loop owns the cron schedule and the "drop late ticks, don't queue"
// guarantee via inFlight.
type Loop struct {
	deps     Deps
	cron     *cron.Cron
	entryID  cron.EntryID
	inFlight int32
	drops    int32
}

func New(deps Deps) *Loop {
	return &Loop{deps: deps, cron: cron.New()}
}

// Start arms the schedule at the current config snapshot's capture
// interval and re-arms whenever the interval changes (spec.md §4.J).
func (l *Loop) Start(ctx context.Context) error {
	snap := l.deps.ConfigStore.Current()
	if err := l.arm(ctx, snap.Monitoring.CaptureIntervalSeconds); err != nil {
		return err
	}
	l.cron.Start()

	l.deps.ConfigStore.Subscribe(func(next *config.Snapshot) {
		l.rearm(ctx, next.Monitoring.CaptureIntervalSeconds)
	})
	return nil
}

func (l *Loop) arm(ctx context.Context, intervalSeconds int) error {
	spec := "@every " + time.Duration(intervalSeconds*int(time.Second)).String()
	id, err := l.cron.AddFunc(spec, func() { l.tick(ctx) })
	if err != nil {
		return wellerr.New("monitor", "arm", wellerr.KindConfig, err)
	}
	l.entryID = id
	return nil
}

func (l *Loop) rearm(ctx context.Context, intervalSeconds int) {
	l.cron.Remove(l.entryID)
	l.arm(ctx, intervalSeconds)
}

// Stop drains the cron scheduler; in-flight ticks are given until ctx's
// deadline to finish their current step (spec.md §5 shutdown budget).
func (l *Loop) Stop(ctx context.Context) {
	stopCtx := l.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

// tick runs one D→E→F→G→persist→classify→(cycle) pass. Overlapping ticks
// are dropped, not queued (spec.md §5); two consecutive drops log a
// warning.
func (l *Loop) tick(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&l.inFlight, 0, 1) {
		d := atomic.AddInt32(&l.drops, 1)
		if d >= 2 {
			l.deps.Logger.WarnCtx(ctx, "monitoring tick dropped: previous tick still running", "consecutive_drops", d)
		}
		return
	}
	defer atomic.StoreInt32(&l.inFlight, 0)
	atomic.StoreInt32(&l.drops, 0)

	snap := l.deps.ConfigStore.Current()
	tickCtx, cancel := context.WithTimeout(ctx, time.Duration(float64(snap.Monitoring.CaptureIntervalSeconds)*0.9*float64(time.Second)))
	defer cancel()

	reading, err := l.runTick(tickCtx, snap)
	if err != nil {
		wellerr.Log(ctx, l.deps.Logger.Base(), err)
		return
	}

	decision := l.deps.Classifier.Observe(reading.Status, reading.TimestampUTC)
	l.publish(reading, decision)

	if decision.Cycle {
		l.runCycle(ctx, decision)
	}
}

func (l *Loop) runTick(ctx context.Context, snap *config.Snapshot) (model.Reading, error) {
	start := time.Now()

	settings := camera.Settings{
		ShutterMicros: snap.Camera.ShutterMicros,
		Gain:          snap.Camera.GainDb,
		AutoWB:        snap.Camera.AutoWhiteBal,
		Width:         snap.Camera.Width,
		Height:        snap.Camera.Height,
		Exposure:      camera.ExposureMode(snap.Camera.ExposureMode),
	}
	raw, err := l.deps.Camera.Capture(ctx, settings)
	if err != nil {
		r := errorReading(start, err)
		l.persist(ctx, r)
		return r, nil
	}

	extracted, err := l.deps.Engine.Extract(ctx, raw, time.Now().Add(snap.Ocr.Timeout))
	if err != nil {
		l.recordOcrStat(model.OcrStat{TimestampUTC: time.Now().UTC(), Succeeded: false})
		r := errorReading(start, err)
		l.persist(ctx, r)
		return r, nil
	}
	l.recordOcrStat(model.OcrStat{
		TimestampUTC: time.Now().UTC(), Provider: extracted.Provider, Confidence: extracted.Confidence,
		Ms: extracted.Ms, Succeeded: true,
	})

	if extracted.Confidence < snap.Ocr.MinConfidence {
		r := model.Reading{
			TimestampUTC: time.Now().UTC(),
			Status:       model.StatusUnknown,
			RawText:      extracted.Text,
			Confidence:   extracted.Confidence,
			ProcessingMs: time.Since(start).Milliseconds(),
			Error:        "low_confidence",
		}
		l.persist(ctx, r)
		return r, nil
	}

	lowInk := extracted.InkRatio < 0.05
	parsed := parser.Parse(extracted.Text, extracted.Confidence, lowInk, parser.Thresholds{
		IdleThreshold:         snap.Alerting.IdleThreshold,
		MinimumRunningCurrent: snap.Alerting.MinimumRunningCurrent,
	})

	reading := model.Reading{
		TimestampUTC: time.Now().UTC(),
		CurrentAmps:  parsed.CurrentAmps,
		Status:       parsed.Status,
		RawText:      extracted.Text,
		Confidence:   parsed.Confidence,
		ProcessingMs: time.Since(start).Milliseconds(),
		Error:        parsed.Error,
	}
	l.persist(ctx, reading)
	return reading, nil
}

// RunOnce performs a single D→E→F→G capture pass outside the regular
// cadence, persisting and publishing the result like any scheduled tick
// (spec.md §6's CaptureOnce direct method). It does not participate in
// the inFlight drop-overlap guard: a direct method call is assumed to be
// infrequent and operator-initiated, not a source of pile-up.
func (l *Loop) RunOnce(ctx context.Context) (model.Reading, error) {
	snap := l.deps.ConfigStore.Current()
	reading, err := l.runTick(ctx, snap)
	if err != nil {
		return reading, err
	}
	decision := l.deps.Classifier.Observe(reading.Status, reading.TimestampUTC)
	l.publish(reading, decision)
	return reading, nil
}

func (l *Loop) recordOcrStat(s model.OcrStat) {
	if l.deps.OcrStats != nil {
		l.deps.OcrStats.Record(s)
	}
}

func (l *Loop) persist(ctx context.Context, r model.Reading) {
	if _, err := l.deps.Store.InsertReading(ctx, r); err != nil {
		wellerr.Log(ctx, l.deps.Logger.Base(), err)
	}
}

// defaultCycleDuration is spec.md §4.I's stated default; the Relay
// Driver clamps it to [500ms, 30000ms] regardless.
const defaultCycleDuration = 5 * time.Second

func (l *Loop) runCycle(ctx context.Context, decision classifier.Decision) {
	action, err := l.deps.Relay.Cycle(ctx, defaultCycleDuration, decision.Reason)
	if err != nil {
		l.deps.Classifier.ConfirmCycle(time.Now(), false, err.Error())
	} else {
		l.deps.Classifier.ConfirmCycle(time.Now(), action.Success, "")
	}
	if _, err := l.deps.Store.InsertRelayAction(ctx, action); err != nil {
		wellerr.Log(ctx, l.deps.Logger.Base(), err)
	}
}

func (l *Loop) publish(r model.Reading, d classifier.Decision) {
	if l.deps.Events == nil {
		return
	}
	select {
	case l.deps.Events <- Event{At: time.Now(), Decision: d, Reading: r}:
	default:
	}
}

func errorReading(start time.Time, err error) model.Reading {
	return model.Reading{
		TimestampUTC: time.Now().UTC(),
		Status:       model.StatusUnknown,
		Error:        string(wellerr.KindOf(err)),
		ProcessingMs: time.Since(start).Milliseconds(),
	}
}
