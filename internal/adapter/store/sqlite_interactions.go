package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"finops-core/internal/domain/entity"
)

const interactionSchema = `
CREATE TABLE IF NOT EXISTS interactions (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL,
	query       TEXT NOT NULL,
	strategy    TEXT NOT NULL,
	result      TEXT NOT NULL,
	rating      INTEGER NOT NULL DEFAULT 0,
	feedback    TEXT NOT NULL DEFAULT '',
	quality     TEXT,
	sector      TEXT NOT NULL DEFAULT '',
	complexity  REAL NOT NULL DEFAULT 0,
	cost        REAL NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS success_patterns (
	interaction_id TEXT PRIMARY KEY,
	query_class    TEXT NOT NULL,
	strategy       TEXT NOT NULL,
	structure      TEXT NOT NULL,
	created_at     INTEGER NOT NULL
);`

// SQLiteInteractions is the durable feedback log.
type SQLiteInteractions struct {
	db *sql.DB
}

// OpenInteractions opens (or creates) the database in dataDir. Pass
// ":memory:" for an in-memory database.
func OpenInteractions(dataDir string) (*SQLiteInteractions, error) {
	dsn := ":memory:"
	if dataDir != ":memory:" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "interactions.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Single connection: an in-memory database is per connection, and a
	// file database avoids "database is locked".
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(interactionSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteInteractions{db: db}, nil
}

func (s *SQLiteInteractions) Close() error {
	return s.db.Close()
}

func (s *SQLiteInteractions) AppendInteraction(ctx context.Context, in entity.Interaction) error {
	var quality sql.NullString
	if in.Quality != nil {
		raw, err := json.Marshal(in.Quality)
		if err != nil {
			return fmt.Errorf("encode quality: %w", err)
		}
		quality = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO interactions
		(id, query, strategy, result, rating, feedback, quality, sector, complexity, cost, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.Query, in.Strategy, in.Result, in.Rating, in.Feedback, quality,
		in.Metadata.Sector, in.Metadata.Complexity, in.Metadata.Cost, in.Metadata.DurationMs,
		in.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("inserting interaction %s: %w", in.ID, err)
	}
	return nil
}

// ListInteractions returns the last limit interactions, oldest first.
func (s *SQLiteInteractions) ListInteractions(ctx context.Context, limit int) ([]entity.Interaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, query, strategy, result, rating, feedback, quality,
		sector, complexity, cost, duration_ms, created_at
		FROM (SELECT * FROM interactions ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing interactions: %w", err)
	}
	defer rows.Close()

	var out []entity.Interaction
	for rows.Next() {
		var in entity.Interaction
		var quality sql.NullString
		var created int64
		if err := rows.Scan(&in.ID, &in.Query, &in.Strategy, &in.Result, &in.Rating, &in.Feedback, &quality,
			&in.Metadata.Sector, &in.Metadata.Complexity, &in.Metadata.Cost, &in.Metadata.DurationMs, &created); err != nil {
			return nil, fmt.Errorf("scanning interaction: %w", err)
		}
		if quality.Valid {
			var q entity.QualityCheck
			if err := json.Unmarshal([]byte(quality.String), &q); err != nil {
				return nil, fmt.Errorf("decode quality of %s: %w", in.ID, err)
			}
			in.Quality = &q
		}
		in.Timestamp = time.UnixMilli(created)
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *SQLiteInteractions) SaveSuccessPattern(ctx context.Context, p entity.SuccessPattern) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO success_patterns
		(interaction_id, query_class, strategy, structure, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.InteractionID, p.QueryClass, p.Strategy, p.Structure, p.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("saving success pattern %s: %w", p.InteractionID, err)
	}
	return nil
}
