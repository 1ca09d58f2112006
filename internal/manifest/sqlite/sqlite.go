// Package sqlite persists manifest records in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"pkt.systems/routed/internal/manifest"
)

//go:embed schema.sql
var schemaSQL string

// Schema versions:
// 1 - units + manifest_meta
const currentSchemaVersion = 1

// Store implements manifest.Backend on SQLite in WAL mode.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: connect %q: %w", path, err)
	}
	// One writer at a time avoids SQLITE_BUSY under the watcher's writes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: set schema version: %w", err)
	}
	return &Store{db: db}, nil
}

// Load reads every record ordered by registration sequence.
func (s *Store) Load(ctx context.Context) (manifest.Document, error) {
	var doc manifest.Document
	row := s.db.QueryRowContext(ctx, `SELECT version, timestamp FROM manifest_meta WHERE id = 1`)
	if err := row.Scan(&doc.Version, &doc.Timestamp); err != nil && err != sql.ErrNoRows {
		return manifest.Document{}, fmt.Errorf("sqlite: load meta: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT record, seq FROM units ORDER BY seq, source_id`)
	if err != nil {
		return manifest.Document{}, fmt.Errorf("sqlite: load units: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			raw string
			seq uint64
		)
		if err := rows.Scan(&raw, &seq); err != nil {
			return manifest.Document{}, fmt.Errorf("sqlite: scan unit: %w", err)
		}
		var rec manifest.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return manifest.Document{}, fmt.Errorf("sqlite: decode unit: %w", err)
		}
		rec.Seq = seq
		doc.Entries = append(doc.Entries, rec)
	}
	if err := rows.Err(); err != nil {
		return manifest.Document{}, fmt.Errorf("sqlite: iterate units: %w", err)
	}
	return doc, nil
}

// Put inserts or replaces the record.
func (s *Store) Put(ctx context.Context, rec manifest.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sqlite: encode %s: %w", rec.SourceID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO units (source_id, seq, last_modified, record) VALUES (?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			seq = excluded.seq,
			last_modified = excluded.last_modified,
			record = excluded.record`,
		rec.SourceID, rec.Seq, rec.LastModified, string(payload))
	if err != nil {
		return fmt.Errorf("sqlite: upsert %s: %w", rec.SourceID, err)
	}
	return nil
}

// Delete removes the record for sourceID.
func (s *Store) Delete(ctx context.Context, sourceID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM units WHERE source_id = ?`, sourceID); err != nil {
		return fmt.Errorf("sqlite: delete %s: %w", sourceID, err)
	}
	return nil
}

// Commit records the aggregate version and timestamp.
func (s *Store) Commit(ctx context.Context, doc manifest.Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO manifest_meta (id, version, timestamp) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version, timestamp = excluded.timestamp`,
		doc.Version, doc.Timestamp)
	if err != nil {
		return fmt.Errorf("sqlite: commit meta: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
