package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wellmonitor/agent/internal/model"
	"github.com/wellmonitor/agent/internal/wellerr"
)

// UpsertHourlySummary inserts or replaces the row for the given hour
// (spec.md §4.K). Re-running the Aggregator over the same Readings must
// produce an identical row (spec.md §3 invariant (3)); upsert-by-key makes
// that idempotence free.
func (s *Store) UpsertHourlySummary(ctx context.Context, row model.HourlySummary) error {
	return s.write(ctx, "upsert_hourly_summary", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO hourly_summaries (date_hour, total_kwh, pump_cycles, runtime_minutes, avg_current, peak_current, alert_count, uptime_pct, synced)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
			 ON CONFLICT(date_hour) DO UPDATE SET
			   total_kwh=excluded.total_kwh, pump_cycles=excluded.pump_cycles, runtime_minutes=excluded.runtime_minutes,
			   avg_current=excluded.avg_current, peak_current=excluded.peak_current, alert_count=excluded.alert_count,
			   uptime_pct=excluded.uptime_pct, synced=0`,
			row.DateHour, row.TotalKwh, row.PumpCycles, row.RuntimeMinutes, row.AvgCurrent, row.PeakCurrent, row.AlertCount, row.UptimePct)
		if err != nil {
			return wellerr.New("storage", "upsert_hourly_summary", wellerr.KindStorage, err)
		}
		return nil
	})
}

// UpsertDailySummary mirrors UpsertHourlySummary for daily rollups.
func (s *Store) UpsertDailySummary(ctx context.Context, row model.DailySummary) error {
	return s.write(ctx, "upsert_daily_summary", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO daily_summaries (date, total_kwh, pump_cycles, runtime_minutes, avg_current, peak_current, alert_count, uptime_pct, synced)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
			 ON CONFLICT(date) DO UPDATE SET
			   total_kwh=excluded.total_kwh, pump_cycles=excluded.pump_cycles, runtime_minutes=excluded.runtime_minutes,
			   avg_current=excluded.avg_current, peak_current=excluded.peak_current, alert_count=excluded.alert_count,
			   uptime_pct=excluded.uptime_pct, synced=0`,
			row.Date, row.TotalKwh, row.PumpCycles, row.RuntimeMinutes, row.AvgCurrent, row.PeakCurrent, row.AlertCount, row.UptimePct)
		if err != nil {
			return wellerr.New("storage", "upsert_daily_summary", wellerr.KindStorage, err)
		}
		return nil
	})
}

// UpsertMonthlySummary mirrors UpsertHourlySummary for monthly rollups.
func (s *Store) UpsertMonthlySummary(ctx context.Context, row model.MonthlySummary) error {
	return s.write(ctx, "upsert_monthly_summary", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO monthly_summaries (month, total_kwh, pump_cycles, runtime_minutes, avg_current, peak_current, alert_count, uptime_pct, synced)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
			 ON CONFLICT(month) DO UPDATE SET
			   total_kwh=excluded.total_kwh, pump_cycles=excluded.pump_cycles, runtime_minutes=excluded.runtime_minutes,
			   avg_current=excluded.avg_current, peak_current=excluded.peak_current, alert_count=excluded.alert_count,
			   uptime_pct=excluded.uptime_pct, synced=0`,
			row.Month, row.TotalKwh, row.PumpCycles, row.RuntimeMinutes, row.AvgCurrent, row.PeakCurrent, row.AlertCount, row.UptimePct)
		if err != nil {
			return wellerr.New("storage", "upsert_monthly_summary", wellerr.KindStorage, err)
		}
		return nil
	})
}

// HourlySummary fetches one hour's row, for the Aggregator idempotence
// test (spec.md §8 property 3).
func (s *Store) HourlySummary(ctx context.Context, dateHour string) (model.HourlySummary, bool, error) {
	row := s.readDB.QueryRowContext(ctx,
		`SELECT date_hour, total_kwh, pump_cycles, runtime_minutes, avg_current, peak_current, alert_count, uptime_pct, synced
		 FROM hourly_summaries WHERE date_hour = ?`, dateHour)
	var r model.HourlySummary
	var synced int
	if err := row.Scan(&r.DateHour, &r.TotalKwh, &r.PumpCycles, &r.RuntimeMinutes, &r.AvgCurrent, &r.PeakCurrent, &r.AlertCount, &r.UptimePct, &synced); err != nil {
		if err == sql.ErrNoRows {
			return model.HourlySummary{}, false, nil
		}
		return model.HourlySummary{}, false, wellerr.New("storage", "hourly_summary", wellerr.KindStorage, err)
	}
	r.Synced = synced != 0
	return r, true, nil
}

// SummaryKind selects which summary table list_unsynced/mark_synced
// operate on (spec.md §4.C operation surface: list_unsynced(kind, limit),
// mark_synced(kind, ids)).
type SummaryKind string

const (
	KindHourly  SummaryKind = "hourly"
	KindDaily   SummaryKind = "daily"
	KindMonthly SummaryKind = "monthly"
)

func tableFor(kind SummaryKind) (table, keyCol string, err error) {
	switch kind {
	case KindHourly:
		return "hourly_summaries", "date_hour", nil
	case KindDaily:
		return "daily_summaries", "date", nil
	case KindMonthly:
		return "monthly_summaries", "month", nil
	default:
		return "", "", fmt.Errorf("storage: unknown summary kind %q", kind)
	}
}

// ListUnsyncedSummaryKeys returns up to limit primary keys of unsynced rows
// for the given summary kind.
func (s *Store) ListUnsyncedSummaryKeys(ctx context.Context, kind SummaryKind, limit int) ([]string, error) {
	table, keyCol, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.readDB.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE synced = 0 ORDER BY %s ASC LIMIT ?`, keyCol, table, keyCol), limit)
	if err != nil {
		return nil, wellerr.New("storage", "list_unsynced_summaries", wellerr.KindStorage, err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, wellerr.New("storage", "list_unsynced_summaries", wellerr.KindStorage, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// MarkSyncedSummaries marks the given keys synced=true for kind.
func (s *Store) MarkSyncedSummaries(ctx context.Context, kind SummaryKind, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	table, keyCol, err := tableFor(kind)
	if err != nil {
		return err
	}
	return s.write(ctx, "mark_synced_summaries", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`UPDATE %s SET synced = 1 WHERE %s = ?`, table, keyCol))
		if err != nil {
			return wellerr.New("storage", "mark_synced_summaries", wellerr.KindStorage, err)
		}
		defer stmt.Close()
		for _, k := range keys {
			if _, err := stmt.ExecContext(ctx, k); err != nil {
				return wellerr.New("storage", "mark_synced_summaries", wellerr.KindStorage, err)
			}
		}
		return nil
	})
}
