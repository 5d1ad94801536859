package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/wellmonitor/agent/internal/wellerr"
)

// Prune deletes synced rows older than before across readings and
// relay_actions (spec.md §4.C prune(before)). Summary tables are never
// pruned; they are the retained record once raw Readings age out.
func (s *Store) Prune(ctx context.Context, before time.Time) error {
	cutoff := before.UTC().Format(time.RFC3339Nano)
	return s.write(ctx, "prune", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM readings WHERE synced = 1 AND timestamp_utc < ?`, cutoff); err != nil {
			return wellerr.New("storage", "prune", wellerr.KindStorage, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM relay_actions WHERE synced = 1 AND timestamp_utc < ?`, cutoff); err != nil {
			return wellerr.New("storage", "prune", wellerr.KindStorage, err)
		}
		return nil
	})
}

// Vacuum reclaims space freed by Prune. VACUUM cannot run inside a
// transaction, so it bypasses the writer's tx wrapper and runs directly
// against writeDB; callers should not invoke it while the write channel
// is busy with a large backlog.
func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.writeDB.ExecContext(ctx, `VACUUM`); err != nil {
		return wellerr.New("storage", "vacuum", wellerr.KindStorage, err)
	}
	return nil
}

// Stats reports row counts used by the status server and health sampler
// (spec.md §4.Q).
type Stats struct {
	UnsyncedReadings     int
	UnsyncedRelayActions int
	TotalReadings        int
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.readDB.QueryRowContext(ctx, `SELECT COUNT(1) FROM readings`).Scan(&st.TotalReadings); err != nil {
		return Stats{}, wellerr.New("storage", "stats", wellerr.KindStorage, err)
	}
	if err := s.readDB.QueryRowContext(ctx, `SELECT COUNT(1) FROM readings WHERE synced = 0`).Scan(&st.UnsyncedReadings); err != nil {
		return Stats{}, wellerr.New("storage", "stats", wellerr.KindStorage, err)
	}
	if err := s.readDB.QueryRowContext(ctx, `SELECT COUNT(1) FROM relay_actions WHERE synced = 0`).Scan(&st.UnsyncedRelayActions); err != nil {
		return Stats{}, wellerr.New("storage", "stats", wellerr.KindStorage, err)
	}
	return st, nil
}
