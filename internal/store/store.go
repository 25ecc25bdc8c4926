// Package store persists request templates, batches and small settings in
// SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/raysh454/racer/internal/artifacts"
	"github.com/raysh454/racer/internal/batch"
	"github.com/raysh454/racer/internal/logging"
	"github.com/raysh454/racer/internal/model"
)

//go:embed schema.sql
var schemaFS embed.FS

// Store is the SQLite backed project state.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string, logger logging.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragmas: %w", err)
	}
	s, err := New(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and runs migrations from schema.sql.
func New(db *sql.DB, logger logging.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	schemaSQL, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema.sql: %w", err)
	}
	if _, err := db.Exec(string(schemaSQL)); err != nil {
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}
	return &Store{db: db, logger: logger.With(logging.Field{Key: "component", Value: "store"})}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// ─── requests ──────────────────────────────────────────────────────────

// SaveRequests replaces the stored templates with reqs.
func (s *Store) SaveRequests(ctx context.Context, reqs []*model.RequestTemplate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM requests`); err != nil {
		return fmt.Errorf("clear requests: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO requests (id, method, url, data, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, r := range reqs {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode request %s: %w", r.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.Method, r.URL, string(data), r.CreatedAt.UnixNano()); err != nil {
			return fmt.Errorf("insert request %s: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("requests saved", logging.Field{Key: "count", Value: len(reqs)})
	return nil
}

// LoadRequests returns every stored template.
func (s *Store) LoadRequests(ctx context.Context) ([]*model.RequestTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM requests ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	var out []*model.RequestTemplate
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var r model.RequestTemplate
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("request %s: %v: %w", id, err, model.ErrCorruptState)
		}
		if r.ID != id {
			return nil, fmt.Errorf("request %s: stored id %q: %w", id, r.ID, model.ErrCorruptState)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ─── batches ───────────────────────────────────────────────────────────

// SaveBatch inserts or updates b by name and marks the encoded version saved.
func (s *Store) SaveBatch(ctx context.Context, b *batch.Batch) error {
	data, version, err := b.EncodeVersion()
	if err != nil {
		return fmt.Errorf("encode batch %s: %w", b.Name(), err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO batches (id, name, data, updated_at) VALUES (?, ?, ?, ?)
         ON CONFLICT(name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		uuid.New().String(), b.Name(), string(data), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save batch %s: %w", b.Name(), err)
	}
	b.MarkSaved(version)
	return nil
}

// LoadBatches decodes every stored batch. Rendered artifacts are written to
// sink when they went missing.
func (s *Store) LoadBatches(ctx context.Context, sink artifacts.Sink, logger logging.Logger) ([]*batch.Batch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, data FROM batches ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	type row struct{ name, data string }
	var stored []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.name, &r.data); err != nil {
			return nil, err
		}
		stored = append(stored, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*batch.Batch, 0, len(stored))
	for _, r := range stored {
		b, err := batch.Decode([]byte(r.data), sink, logger)
		if err != nil {
			return nil, fmt.Errorf("batch %s: %w", r.name, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// DeleteBatch removes a stored batch.
func (s *Store) DeleteBatch(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM batches WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete batch %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("batch %q: %w", name, model.ErrNotFound)
	}
	return nil
}

// ─── meta ──────────────────────────────────────────────────────────────

func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
         ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("meta %q: %w", key, model.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get meta %s: %w", key, err)
	}
	return v, nil
}
