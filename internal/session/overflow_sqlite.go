package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteOverflow keeps records in a SQLite file so they survive restarts.
// It is the default store when no Redis address is configured.
type SQLiteOverflow struct {
	db *sql.DB
}

// NewSQLiteOverflow opens or creates the overflow table at path.
func NewSQLiteOverflow(ctx context.Context, path string) (*SQLiteOverflow, error) {
	if path == "" {
		return nil, errors.New("overflow path is empty")
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open overflow database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS overflow (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			record TEXT NOT NULL,
			created_at TEXT DEFAULT CURRENT_TIMESTAMP
		)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize overflow schema: %w", err)
	}
	return &SQLiteOverflow{db: db}, nil
}

// Close closes the database.
func (s *SQLiteOverflow) Close() error {
	return s.db.Close()
}

func (s *SQLiteOverflow) Push(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal overflow record: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO overflow (record) VALUES (?)`, string(data)); err != nil {
		return fmt.Errorf("failed to push overflow record: %w", err)
	}
	return nil
}

func (s *SQLiteOverflow) Drain(ctx context.Context, max int) ([]Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin overflow drain: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT id, record FROM overflow ORDER BY id`
	args := []any{}
	if max > 0 {
		query += ` LIMIT ?`
		args = append(args, max)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read overflow: %w", err)
	}

	var (
		records []Record
		lastID  int64
		bad     []error
	)
	for rows.Next() {
		var (
			id   int64
			data string
		)
		if err := rows.Scan(&id, &data); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan overflow record: %w", err)
		}
		lastID = id
		var rec Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			bad = append(bad, fmt.Errorf("failed to unmarshal overflow record %d: %w", id, err))
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate overflow: %w", err)
	}
	rows.Close()

	if lastID == 0 {
		return nil, nil
	}
	// Rows are taken in id order, so everything up to lastID was read.
	if _, err := tx.ExecContext(ctx, `DELETE FROM overflow WHERE id <= ?`, lastID); err != nil {
		return nil, fmt.Errorf("failed to remove drained overflow records: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit overflow drain: %w", err)
	}
	return records, errors.Join(bad...)
}

func (s *SQLiteOverflow) Len(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM overflow`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to read overflow length: %w", err)
	}
	return n, nil
}

var _ OverflowStore = (*SQLiteOverflow)(nil)
