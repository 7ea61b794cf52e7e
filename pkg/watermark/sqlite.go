package watermark

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/cdcore/pkg/record"

	// registers the sqlite3 driver
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS watermarks (
	source_id    TEXT PRIMARY KEY,
	cursor_kind  TEXT NOT NULL,
	cursor_value TEXT NOT NULL,
	run_id       TEXT NOT NULL,
	committed_at TEXT NOT NULL
)`

// SQLiteStore keeps watermarks in a local sqlite file for single-node deployments
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens or creates the watermark database at path
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// one writer keeps compare-and-set transactions serialized
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, stmt := range append(pragmas, sqliteSchema) {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()

			return nil, fmt.Errorf("failed to execute %q: %w", stmt, err)
		}
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readSQLite(ctx context.Context, q queryRower, sourceID string) (State, bool, error) {
	var (
		state       State
		committedAt string
	)

	err := q.QueryRowContext(ctx,
		`SELECT source_id, cursor_kind, cursor_value, run_id, committed_at FROM watermarks WHERE source_id = ?`,
		sourceID,
	).Scan(&state.SourceID, &state.Cursor.Kind, &state.Cursor.Value, &state.RunID, &committedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return State{}, false, nil
		}

		return State{}, false, fmt.Errorf("failed to read watermark %s: %w", sourceID, err)
	}

	if state.CommittedAt, err = time.Parse(time.RFC3339Nano, committedAt); err != nil {
		return State{}, false, fmt.Errorf("invalid committed_at for %s: %w", sourceID, err)
	}

	return state, true, nil
}

func (s *SQLiteStore) Read(ctx context.Context, sourceID string) (State, bool, error) {
	return readSQLite(ctx, s.db, sourceID)
}

func (s *SQLiteStore) Commit(ctx context.Context, sourceID string, cursor record.Cursor, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	current, found, err := readSQLite(ctx, tx, sourceID)
	if err != nil {
		return err
	}

	if err := advance(sourceID, current, found, cursor); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO watermarks (source_id, cursor_kind, cursor_value, run_id, committed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			cursor_kind = excluded.cursor_kind,
			cursor_value = excluded.cursor_value,
			run_id = excluded.run_id,
			committed_at = excluded.committed_at`,
		sourceID, string(cursor.Kind), cursor.Value, runID, s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to write watermark %s: %w", sourceID, err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) List(ctx context.Context) ([]State, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source_id FROM watermarks ORDER BY source_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list watermarks: %w", err)
	}
	defer rows.Close()

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	states := make([]State, 0, len(ids))

	for _, id := range ids {
		state, found, err := s.Read(ctx, id)
		if err != nil {
			return nil, err
		}

		if found {
			states = append(states, state)
		}
	}

	return states, nil
}

var _ Store = (*SQLiteStore)(nil)
