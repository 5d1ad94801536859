package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/wellmonitor/agent/internal/model"
	"github.com/wellmonitor/agent/internal/wellerr"
)

// InsertReading persists a new Reading. Readings are immutable once
// written (spec.md §3); there is no UpdateReading.
func (s *Store) InsertReading(ctx context.Context, r model.Reading) (int64, error) {
	var id int64
	err := s.write(ctx, "insert_reading", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO readings (timestamp_utc, current_amps, status, raw_text, confidence, image_ref, processing_ms, synced, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			r.TimestampUTC.UTC().Format(time.RFC3339Nano), r.CurrentAmps, string(r.Status), r.RawText, r.Confidence, r.ImageRef, r.ProcessingMs, nullIfEmpty(r.Error))
		if err != nil {
			return wellerr.New("storage", "insert_reading", wellerr.KindStorage, err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return wellerr.New("storage", "insert_reading", wellerr.KindStorage, err)
		}
		return nil
	})
	return id, err
}

// ListUnsyncedReadings returns up to limit Readings with synced=false,
// oldest first.
func (s *Store) ListUnsyncedReadings(ctx context.Context, limit int) ([]model.Reading, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT id, timestamp_utc, current_amps, status, raw_text, confidence, image_ref, processing_ms, synced, error
		 FROM readings WHERE synced = 0 ORDER BY timestamp_utc ASC LIMIT ?`, limit)
	if err != nil {
		return nil, wellerr.New("storage", "list_unsynced_readings", wellerr.KindStorage, err)
	}
	defer rows.Close()

	var out []model.Reading
	for rows.Next() {
		var r model.Reading
		var ts string
		var imageRef, errStr sql.NullString
		var synced int
		if err := rows.Scan(&r.ID, &ts, &r.CurrentAmps, &r.Status, &r.RawText, &r.Confidence, &imageRef, &r.ProcessingMs, &synced, &errStr); err != nil {
			return nil, wellerr.New("storage", "list_unsynced_readings", wellerr.KindStorage, err)
		}
		r.TimestampUTC, _ = time.Parse(time.RFC3339Nano, ts)
		r.ImageRef = imageRef.String
		r.Error = errStr.String
		r.Synced = synced != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkSyncedReadings marks the given Reading IDs synced=true. Synced rows
// are never mutated further (spec.md §3 invariant (4)).
func (s *Store) MarkSyncedReadings(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.write(ctx, "mark_synced_readings", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE readings SET synced = 1 WHERE id = ?`)
		if err != nil {
			return wellerr.New("storage", "mark_synced_readings", wellerr.KindStorage, err)
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, id); err != nil {
				return wellerr.New("storage", "mark_synced_readings", wellerr.KindStorage, err)
			}
		}
		return nil
	})
}

// QuarantineReading marks a reading synced=true with an error, used by
// Sync to stop retrying rows the hub permanently rejects (spec.md §4.M).
func (s *Store) QuarantineReading(ctx context.Context, id int64, reason string) error {
	return s.write(ctx, "quarantine_reading", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE readings SET synced = 1, error = ? WHERE id = ?`, reason, id)
		if err != nil {
			return wellerr.New("storage", "quarantine_reading", wellerr.KindStorage, err)
		}
		return nil
	})
}

// ReadingsBetween returns Readings in [from, to) ordered by timestamp,
// used by the Aggregator (spec.md §4.K).
func (s *Store) ReadingsBetween(ctx context.Context, from, to time.Time) ([]model.Reading, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT id, timestamp_utc, current_amps, status, raw_text, confidence, image_ref, processing_ms, synced, error
		 FROM readings WHERE timestamp_utc >= ? AND timestamp_utc < ? ORDER BY timestamp_utc ASC`,
		from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, wellerr.New("storage", "readings_between", wellerr.KindStorage, err)
	}
	defer rows.Close()

	var out []model.Reading
	for rows.Next() {
		var r model.Reading
		var ts string
		var imageRef, errStr sql.NullString
		var synced int
		if err := rows.Scan(&r.ID, &ts, &r.CurrentAmps, &r.Status, &r.RawText, &r.Confidence, &imageRef, &r.ProcessingMs, &synced, &errStr); err != nil {
			return nil, wellerr.New("storage", "readings_between", wellerr.KindStorage, err)
		}
		r.TimestampUTC, _ = time.Parse(time.RFC3339Nano, ts)
		r.ImageRef = imageRef.String
		r.Error = errStr.String
		r.Synced = synced != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
