package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore holds vector collections in a SQLite database.
// Vector similarity search is performed in application memory using cosine similarity;
// payload filters are pushed down with json_extract.
// This approach is suitable for smaller datasets (< 10K records per user).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore connected to the given database path.
// The path should be a file path (e.g., "./journal.db") or ":memory:" for an in-memory database.
// It opens the database connection and verifies connectivity with a ping.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	// Enable WAL mode and foreign keys for better performance and data integrity
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to ":memory:" would see its own empty database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Collection creates the named collection table if needed and returns it.
func (s *SQLiteStore) Collection(ctx context.Context, name string) (*SQLiteCollection, error) {
	if !isIdent(name) {
		return nil, fmt.Errorf("invalid collection name %q", name)
	}

	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			embedding BLOB,
			updated_at TEXT DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_user ON %[1]s(json_extract(payload, '$.user_id'));
	`, name)

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteCollection{db: s.db, table: name}, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SQLiteCollection is one table of a SQLiteStore.
type SQLiteCollection struct {
	db    *sql.DB
	table string
}

// Upsert inserts or replaces points by id.
func (c *SQLiteCollection) Upsert(ctx context.Context, points ...Point) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("failed to begin upsert", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, payload, embedding, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at
	`, c.table)

	now := time.Now().UTC().Format(time.RFC3339)
	for _, p := range points {
		payload, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload for %s: %w", p.ID, err)
		}
		if _, err := tx.ExecContext(ctx, query, p.ID, string(payload), encodeVector(p.Vector), now); err != nil {
			return storeError("failed to upsert point "+p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storeError("failed to commit upsert", err)
	}
	return nil
}

// Search loads filtered embeddings and ranks them by cosine similarity.
func (c *SQLiteCollection) Search(ctx context.Context, vector []float32, filter Filter, limit int) ([]Match, error) {
	points, err := c.load(ctx, filter, 0, true)
	if err != nil {
		return nil, err
	}
	return rankMatches(vector, points, filter, limit), nil
}

// Scroll returns filtered points without ranking.
func (c *SQLiteCollection) Scroll(ctx context.Context, filter Filter, limit int) ([]Point, error) {
	return c.load(ctx, filter, limit, true)
}

// Delete removes points by id.
func (c *SQLiteCollection) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE id IN (%s)`, c.table, placeholders)
	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return storeError("failed to delete points", err)
	}
	return nil
}

// Close is a no-op; the owning SQLiteStore closes the database.
func (c *SQLiteCollection) Close() error {
	return nil
}

func (c *SQLiteCollection) load(ctx context.Context, filter Filter, limit int, withVectors bool) ([]Point, error) {
	var (
		where []string
		args  []any
	)
	for k, v := range filter.Equals {
		if !isIdent(k) {
			return nil, fmt.Errorf("invalid filter key %q", k)
		}
		where = append(where, fmt.Sprintf("json_extract(payload, '$.%s') = ?", k))
		args = append(args, v)
	}
	for k, v := range filter.AtLeast {
		if !isIdent(k) {
			return nil, fmt.Errorf("invalid filter key %q", k)
		}
		where = append(where, fmt.Sprintf("json_extract(payload, '$.%s') >= ?", k))
		args = append(args, v)
	}

	query := fmt.Sprintf(`SELECT id, payload, embedding FROM %s`, c.table)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("failed to query points", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var (
			p             Point
			payload       string
			embeddingBlob []byte
		)
		if err := rows.Scan(&p.ID, &payload, &embeddingBlob); err != nil {
			return nil, fmt.Errorf("failed to scan point: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &p.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload for %s: %w", p.ID, err)
		}
		if withVectors {
			p.Vector = decodeVector(embeddingBlob)
		}
		points = append(points, p)
	}

	if err := rows.Err(); err != nil {
		return nil, storeError("error iterating points", err)
	}
	return points, nil
}

// encodeVector converts a float32 slice to a byte slice for storage.
// Each float32 is encoded as 4 bytes in little-endian format.
func encodeVector(v []float32) []byte {
	if v == nil {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector converts a byte slice back to a float32 slice.
func decodeVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// isIdent reports whether s is safe to splice into SQL as an identifier or JSON path.
func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

var _ Collection = (*SQLiteCollection)(nil)
