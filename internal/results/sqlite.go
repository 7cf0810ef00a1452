package results

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/signalsfoundry/vanet-simulator/internal/logging"
	"github.com/signalsfoundry/vanet-simulator/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS node_scalars(
	run_id      TEXT    NOT NULL,
	node_id     INTEGER NOT NULL,
	position    INTEGER NOT NULL,
	name        TEXT    NOT NULL,
	value       REAL    NOT NULL,
	recorded_at INTEGER NOT NULL,
	PRIMARY KEY (run_id, node_id, name)
);
CREATE INDEX IF NOT EXISTS idx_node_scalars_run ON node_scalars(run_id);`

// SQLiteStore persists teardown scalars keyed by run id and node id.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:"
// gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Record upserts the scalars of nodeID under the run id carried by ctx.
func (s *SQLiteStore) Record(ctx context.Context, nodeID int, scalars []model.Scalar) error {
	runID := logging.RunIDFromContext(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := s.now().Unix()
	for i, sc := range scalars {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO node_scalars(run_id, node_id, position, name, value, recorded_at) VALUES(?,?,?,?,?,?)`,
			runID, nodeID, i, sc.Name, sc.Value, ts,
		); err != nil {
			return fmt.Errorf("insert %q for node %d: %w", sc.Name, nodeID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Scalars returns the stored scalars of nodeID in export order.
func (s *SQLiteStore) Scalars(ctx context.Context, runID string, nodeID int) ([]model.Scalar, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, value FROM node_scalars WHERE run_id = ? AND node_id = ? ORDER BY position`,
		runID, nodeID,
	)
	if err != nil {
		return nil, fmt.Errorf("query node %d: %w", nodeID, err)
	}
	defer rows.Close()

	var out []model.Scalar
	for rows.Next() {
		var sc model.Scalar
		if err := rows.Scan(&sc.Name, &sc.Value); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// Runs lists the distinct run ids stored, oldest first.
func (s *SQLiteStore) Runs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id FROM node_scalars GROUP BY run_id ORDER BY MIN(recorded_at), run_id`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
