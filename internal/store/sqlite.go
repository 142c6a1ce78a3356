package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tradesim/internal/errors"
)

// SQLiteStore implements Store using SQLite with a single documents table.
// Filterable fields are extracted from the JSON payload at query time.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed store at the path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		entity_type TEXT NOT NULL,
		id TEXT NOT NULL,
		payload TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (entity_type, id)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_owner
		ON documents(entity_type, json_extract(payload, '$.owner_id'));
	CREATE INDEX IF NOT EXISTS idx_documents_status
		ON documents(entity_type, json_extract(payload, '$.status'));
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save upserts the entity as a JSON document.
func (s *SQLiteStore) Save(ctx context.Context, entityType EntityType, id string, entity interface{}) error {
	payload, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("failed to marshal %s %s: %w", entityType, id, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (entity_type, id, payload, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(entity_type, id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = CURRENT_TIMESTAMP
	`, string(entityType), id, string(payload))
	if err != nil {
		return fmt.Errorf("failed to save %s %s: %w", entityType, id, err)
	}
	return nil
}

// Load reads a document into out.
func (s *SQLiteStore) Load(ctx context.Context, entityType EntityType, id string, out interface{}) error {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM documents WHERE entity_type = ? AND id = ?`,
		string(entityType), id,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return errors.NotFound(string(entityType), id)
	}
	if err != nil {
		return fmt.Errorf("failed to load %s %s: %w", entityType, id, err)
	}
	return json.Unmarshal([]byte(payload), out)
}

// Query returns matching documents ordered by most recently updated.
func (s *SQLiteStore) Query(ctx context.Context, entityType EntityType, filter Filter) ([]json.RawMessage, error) {
	query := `SELECT payload FROM documents WHERE entity_type = ?`
	args := []interface{}{string(entityType)}

	if filter.OwnerID != "" {
		query += ` AND json_extract(payload, '$.owner_id') = ?`
		args = append(args, filter.OwnerID)
	}
	if filter.Status != "" {
		query += ` AND json_extract(payload, '$.status') = ?`
		args = append(args, filter.Status)
	}
	if filter.Symbol != "" {
		query += ` AND json_extract(payload, '$.symbol') = ?`
		args = append(args, filter.Symbol)
	}
	query += ` ORDER BY updated_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", entityType, err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		out = append(out, json.RawMessage(payload))
	}
	return out, rows.Err()
}

// Delete removes a document. Missing keys are ignored.
func (s *SQLiteStore) Delete(ctx context.Context, entityType EntityType, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE entity_type = ? AND id = ?`,
		string(entityType), id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", entityType, id, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
