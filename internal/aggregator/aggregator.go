// Package aggregator implements the Aggregator (spec.md §4.K): rolls
// Readings into hourly/daily/monthly summaries on a cron schedule.
package aggregator

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wellmonitor/agent/internal/config"
	"github.com/wellmonitor/agent/internal/logging"
	"github.com/wellmonitor/agent/internal/model"
	"github.com/wellmonitor/agent/internal/storage"
	"github.com/wellmonitor/agent/internal/wellerr"
)

// Aggregator owns the three cron schedules spec.md §4.K implies: hourly,
// a slightly offset daily, and monthly.
type Aggregator struct {
	store  *storage.Store
	config *config.Store
	logger logging.Logger
	cron   *cron.Cron
}

func New(store *storage.Store, cfg *config.Store, logger logging.Logger) *Aggregator {
	return &Aggregator{store: store, config: cfg, logger: logger, cron: cron.New()}
}

// Start arms the hourly/daily/monthly schedules named in SPEC_FULL.md's
// 4.K implementation note.
func (a *Aggregator) Start(ctx context.Context) error {
	if _, err := a.cron.AddFunc("0 * * * *", func() { a.rollHour(ctx, time.Now().UTC().Add(-time.Hour)) }); err != nil {
		return wellerr.New("aggregator", "start", wellerr.KindConfig, err)
	}
	if _, err := a.cron.AddFunc("5 0 * * *", func() { a.rollDay(ctx, time.Now().UTC().AddDate(0, 0, -1)) }); err != nil {
		return wellerr.New("aggregator", "start", wellerr.KindConfig, err)
	}
	if _, err := a.cron.AddFunc("10 0 1 * *", func() { a.rollMonth(ctx, time.Now().UTC().AddDate(0, -1, 0)) }); err != nil {
		return wellerr.New("aggregator", "start", wellerr.KindConfig, err)
	}
	a.cron.Start()
	return nil
}

func (a *Aggregator) Stop(ctx context.Context) {
	stopCtx := a.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

// rollHour computes and upserts the HourlySummary for the UTC hour
// containing at. Called by the hourly schedule and by tests.
func (a *Aggregator) rollHour(ctx context.Context, at time.Time) {
	from := at.Truncate(time.Hour)
	to := from.Add(time.Hour)
	row, err := a.summarize(ctx, from, to)
	if err != nil {
		wellerr.Log(ctx, a.logger.Base(), err)
		return
	}
	summary := model.HourlySummary{
		DateHour: from.Format("2006-01-02 15"), TotalKwh: row.totalKwh, PumpCycles: row.pumpCycles,
		RuntimeMinutes: row.runtimeMinutes, AvgCurrent: row.avgCurrent, PeakCurrent: row.peakCurrent,
		AlertCount: row.alertCount, UptimePct: row.uptimePct,
	}
	if err := a.store.UpsertHourlySummary(ctx, summary); err != nil {
		wellerr.Log(ctx, a.logger.Base(), err)
	}
}

func (a *Aggregator) rollDay(ctx context.Context, at time.Time) {
	from := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)
	row, err := a.summarize(ctx, from, to)
	if err != nil {
		wellerr.Log(ctx, a.logger.Base(), err)
		return
	}
	summary := model.DailySummary{
		Date: from.Format("2006-01-02"), TotalKwh: row.totalKwh, PumpCycles: row.pumpCycles,
		RuntimeMinutes: row.runtimeMinutes, AvgCurrent: row.avgCurrent, PeakCurrent: row.peakCurrent,
		AlertCount: row.alertCount, UptimePct: row.uptimePct,
	}
	if err := a.store.UpsertDailySummary(ctx, summary); err != nil {
		wellerr.Log(ctx, a.logger.Base(), err)
	}
}

func (a *Aggregator) rollMonth(ctx context.Context, at time.Time) {
	from := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	row, err := a.summarize(ctx, from, to)
	if err != nil {
		wellerr.Log(ctx, a.logger.Base(), err)
		return
	}
	summary := model.MonthlySummary{
		Month: from.Format("2006-01"), TotalKwh: row.totalKwh, PumpCycles: row.pumpCycles,
		RuntimeMinutes: row.runtimeMinutes, AvgCurrent: row.avgCurrent, PeakCurrent: row.peakCurrent,
		AlertCount: row.alertCount, UptimePct: row.uptimePct,
	}
	if err := a.store.UpsertMonthlySummary(ctx, summary); err != nil {
		wellerr.Log(ctx, a.logger.Base(), err)
	}
}

type totals struct {
	totalKwh, runtimeMinutes, avgCurrent, peakCurrent, uptimePct float64
	pumpCycles, alertCount                                      int64
}

// summarize computes totals over [from,to) the same way regardless of
// how many times it is called, satisfying spec.md §3 invariant (3) and
// §8 property 3 (idempotence).
func (a *Aggregator) summarize(ctx context.Context, from, to time.Time) (totals, error) {
	readings, err := a.store.ReadingsBetween(ctx, from, to)
	if err != nil {
		return totals{}, err
	}
	voltage := a.config.Current().Monitoring.AssumedVoltage
	intervalSeconds := float64(a.config.Current().Monitoring.CaptureIntervalSeconds)

	var t totals
	var currentSum float64
	var currentCount int64
	var ticksReporting int64

	for _, r := range readings {
		if r.Status.IsFault() {
			t.alertCount++
		}
		if r.CurrentAmps == nil {
			continue
		}
		amps := *r.CurrentAmps
		currentSum += amps
		currentCount++
		if amps > t.peakCurrent {
			t.peakCurrent = amps
		}
		t.totalKwh += amps * voltage * intervalSeconds / 3_600_000
		if r.Status == model.StatusNormal {
			t.runtimeMinutes += intervalSeconds / 60
		}
		if r.Status != model.StatusUnknown && r.Error == "" {
			ticksReporting++
		}
	}
	if currentCount > 0 {
		t.avgCurrent = currentSum / float64(currentCount)
	}

	expectedTicks := int64(to.Sub(from).Seconds() / intervalSeconds)
	if expectedTicks > 0 {
		t.uptimePct = 100 * float64(ticksReporting) / float64(expectedTicks)
		if t.uptimePct > 100 {
			t.uptimePct = 100
		}
	}
	t.pumpCycles = countCycleTransitions(readings)
	return t, nil
}

// countCycleTransitions counts Normal→Idle or Idle→Normal transitions,
// approximating "pump cycles" from the Reading stream alone.
func countCycleTransitions(readings []model.Reading) int64 {
	var count int64
	prev := model.StatusUnknown
	for _, r := range readings {
		if (prev == model.StatusNormal && r.Status == model.StatusIdle) ||
			(prev == model.StatusIdle && r.Status == model.StatusNormal) {
			count++
		}
		if r.Status == model.StatusNormal || r.Status == model.StatusIdle {
			prev = r.Status
		}
	}
	return count
}
