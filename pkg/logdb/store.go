package logdb

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Record is one completed caller request, persisted for offline inspection.
// It mirrors the in-memory ring record minus the response body.
type Record struct {
	ID               string
	CreatedAt        time.Time
	Path             string
	Model            string
	EffectiveModel   string
	Provider         string
	Streaming        bool
	Status           int
	LatencyMS        int64
	FirstTokenMS     int64
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Store is a sqlite-backed request-log archive. Inserts are best effort;
// the gateway never fails a caller request over a logging error.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("empty sqlite path")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Insert(ctx context.Context, rec Record) error {
	if s == nil || s.db == nil {
		return errors.New("nil logdb store")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_logs (
			id, created_at, path, model, effective_model, provider,
			streaming, status, latency_ms, first_token_ms,
			prompt_tokens, completion_tokens, total_tokens
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.Path,
		rec.Model,
		rec.EffectiveModel,
		rec.Provider,
		boolToInt(rec.Streaming),
		rec.Status,
		rec.LatencyMS,
		rec.FirstTokenMS,
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.TotalTokens,
	)
	if err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, path, model, effective_model, provider,
		       streaming, status, latency_ms, first_token_ms,
		       prompt_tokens, completion_tokens, total_tokens
		FROM request_logs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query request logs: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		var created string
		var streaming int
		if err := rows.Scan(
			&rec.ID, &created, &rec.Path, &rec.Model, &rec.EffectiveModel,
			&rec.Provider, &streaming, &rec.Status, &rec.LatencyMS,
			&rec.FirstTokenMS, &rec.PromptTokens, &rec.CompletionTokens,
			&rec.TotalTokens,
		); err != nil {
			return nil, err
		}
		rec.Streaming = streaming != 0
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes records created before the cutoff and returns the count.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM request_logs WHERE created_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune request logs: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
