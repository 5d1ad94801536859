// Package storage implements the Persistence component (spec.md §4.C): a
// SQLite-backed store in WAL mode with one serialized writer and
// concurrent readers, every call deadline-bound.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/wellmonitor/agent/internal/wellerr"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store owns the SQLite connection pair (writer + reader pool) and the
// single-writer serialization channel.
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB

	writeCh chan writeRequest
	done    chan struct{}
}

type writeRequest struct {
	fn     func(*sql.Tx) error
	result chan error
}

// Open opens (creating if necessary) the SQLite database at path, runs
// migrations, and starts the writer goroutine.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on", path)
	writeDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, wellerr.New("storage", "open", wellerr.KindStorage, err)
	}
	writeDB.SetMaxOpenConns(1)

	readDSN := fmt.Sprintf("file:%s?_journal_mode=WAL&mode=ro&_foreign_keys=on", path)
	readDB, err := sql.Open("sqlite3", readDSN)
	if err != nil {
		writeDB.Close()
		return nil, wellerr.New("storage", "open", wellerr.KindStorage, err)
	}

	s := &Store{writeDB: writeDB, readDB: readDB, writeCh: make(chan writeRequest, 64), done: make(chan struct{})}
	if err := s.migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	go s.writerLoop()
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.writeDB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (name TEXT PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return wellerr.New("storage", "migrate", wellerr.KindStorage, err)
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return wellerr.New("storage", "migrate", wellerr.KindStorage, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		var exists int
		row := s.writeDB.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE name = ?`, name)
		if err := row.Scan(&exists); err != nil {
			return wellerr.New("storage", "migrate", wellerr.KindStorage, err)
		}
		if exists > 0 {
			continue
		}
		body, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return wellerr.New("storage", "migrate", wellerr.KindStorage, err)
		}
		tx, err := s.writeDB.BeginTx(ctx, nil)
		if err != nil {
			return wellerr.New("storage", "migrate", wellerr.KindStorage, err)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			tx.Rollback()
			return wellerr.New("storage", "migrate", wellerr.KindStorage, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO schema_migrations(name, applied_at) VALUES (?, ?)`, name, time.Now().UTC().Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return wellerr.New("storage", "migrate", wellerr.KindStorage, err)
		}
		if err := tx.Commit(); err != nil {
			return wellerr.New("storage", "migrate", wellerr.KindStorage, err)
		}
	}
	return nil
}

// writerLoop serializes every write through a single transaction at a
// time, per spec.md §4.C / §5 (exactly one writer per table).
func (s *Store) writerLoop() {
	for {
		select {
		case req := <-s.writeCh:
			req.result <- s.runWrite(req.fn)
		case <-s.done:
			return
		}
	}
}

func (s *Store) runWrite(fn func(*sql.Tx) error) error {
	tx, err := s.writeDB.Begin()
	if err != nil {
		return wellerr.New("storage", "write", wellerr.KindStorage, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return wellerr.New("storage", "write", wellerr.KindStorage, err)
	}
	return nil
}

// write submits fn to the writer goroutine and waits for it to run or for
// ctx's deadline to expire, surfacing a Timeout-kind error on expiry
// (spec.md §4.C: "All calls take a deadline; exceeding it returns a
// Timeout error").
func (s *Store) write(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return wellerr.New("storage", op, wellerr.KindTimeout, err)
	}
	req := writeRequest{fn: fn, result: make(chan error, 1)}
	select {
	case s.writeCh <- req:
	case <-ctx.Done():
		return wellerr.New("storage", op, wellerr.KindTimeout, ctx.Err())
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return wellerr.New("storage", op, wellerr.KindTimeout, ctx.Err())
	}
}

// Close stops the writer goroutine and closes both handles.
func (s *Store) Close() error {
	close(s.done)
	err1 := s.writeDB.Close()
	err2 := s.readDB.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
