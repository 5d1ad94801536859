package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/wellmonitor/agent/internal/model"
	"github.com/wellmonitor/agent/internal/wellerr"
)

// InsertRelayAction persists a RelayAction (spec.md §3; invariant (2) —
// callers must only construct a Cycle action when FSM- or
// manual-override-authorized; this layer does not re-check authorization).
func (s *Store) InsertRelayAction(ctx context.Context, a model.RelayAction) (int64, error) {
	var id int64
	err := s.write(ctx, "insert_relay_action", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO relay_actions (timestamp_utc, action, reason, duration_ms, success, error, synced)
			 VALUES (?, ?, ?, ?, ?, ?, 0)`,
			a.TimestampUTC.UTC().Format(time.RFC3339Nano), string(a.Action), a.Reason, a.DurationMs, a.Success, nullIfEmpty(a.Error))
		if err != nil {
			return wellerr.New("storage", "insert_relay_action", wellerr.KindStorage, err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return wellerr.New("storage", "insert_relay_action", wellerr.KindStorage, err)
		}
		return nil
	})
	return id, err
}

// LastSuccessfulCycle returns the timestamp of the most recent successful
// Cycle RelayAction. The Relay Driver's minimum-interval guard and the
// FSM's cooldown check do not call it; both keep their last cycle time in
// memory.
func (s *Store) LastSuccessfulCycle(ctx context.Context) (time.Time, bool, error) {
	row := s.readDB.QueryRowContext(ctx,
		`SELECT timestamp_utc FROM relay_actions WHERE action = ? AND success = 1 ORDER BY timestamp_utc DESC LIMIT 1`,
		string(model.ActionCycle))
	var ts string
	if err := row.Scan(&ts); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, wellerr.New("storage", "last_successful_cycle", wellerr.KindStorage, err)
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, false, wellerr.New("storage", "last_successful_cycle", wellerr.KindStorage, err)
	}
	return t, true, nil
}

// ListUnsyncedRelayActions mirrors ListUnsyncedReadings for RelayActions.
func (s *Store) ListUnsyncedRelayActions(ctx context.Context, limit int) ([]model.RelayAction, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT id, timestamp_utc, action, reason, duration_ms, success, error, synced
		 FROM relay_actions WHERE synced = 0 ORDER BY timestamp_utc ASC LIMIT ?`, limit)
	if err != nil {
		return nil, wellerr.New("storage", "list_unsynced_relay_actions", wellerr.KindStorage, err)
	}
	defer rows.Close()

	var out []model.RelayAction
	for rows.Next() {
		var a model.RelayAction
		var ts string
		var reason, errStr sql.NullString
		var synced int
		if err := rows.Scan(&a.ID, &ts, &a.Action, &reason, &a.DurationMs, &a.Success, &errStr, &synced); err != nil {
			return nil, wellerr.New("storage", "list_unsynced_relay_actions", wellerr.KindStorage, err)
		}
		a.TimestampUTC, _ = time.Parse(time.RFC3339Nano, ts)
		a.Reason = reason.String
		a.Error = errStr.String
		a.Synced = synced != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkSyncedRelayActions mirrors MarkSyncedReadings for RelayActions.
func (s *Store) MarkSyncedRelayActions(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.write(ctx, "mark_synced_relay_actions", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE relay_actions SET synced = 1 WHERE id = ?`)
		if err != nil {
			return wellerr.New("storage", "mark_synced_relay_actions", wellerr.KindStorage, err)
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, id); err != nil {
				return wellerr.New("storage", "mark_synced_relay_actions", wellerr.KindStorage, err)
			}
		}
		return nil
	})
}
