// Package storage implements the SQLite backend.
//
// This file defines SQLiteStore, a Storage backed by a single SQLite database
// (pure-Go modernc driver). Entity field maps are stored as JSON columns and
// every write is an upsert.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// SQLiteStore persists entities in SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database at path and runs
// migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("sqlite: create data dir: %w", err)
		}
	}

	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	// One writer keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migration: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS projects (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL DEFAULT '',
			metadata   TEXT NOT NULL DEFAULT '{}',
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS characters (
			project_id TEXT NOT NULL,
			id         TEXT NOT NULL,
			fields     TEXT NOT NULL DEFAULT '{}',
			updated_by TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL,
			PRIMARY KEY (project_id, id)
		);

		CREATE TABLE IF NOT EXISTS world_elements (
			project_id   TEXT NOT NULL,
			id           TEXT NOT NULL,
			element_type TEXT NOT NULL,
			data         TEXT NOT NULL DEFAULT '{}',
			updated_at   TEXT NOT NULL,
			PRIMARY KEY (project_id, id)
		);

		CREATE INDEX IF NOT EXISTS idx_world_elements_type ON world_elements(project_id, element_type);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodeMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMap(s string) (map[string]any, error) {
	m := make(map[string]any)
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// GetCharacter loads one character.
func (s *SQLiteStore) GetCharacter(ctx context.Context, projectID, characterID string) (*Character, error) {
	var fields, updatedBy, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT fields, updated_by, updated_at FROM characters WHERE project_id = ? AND id = ?`,
		projectID, characterID,
	).Scan(&fields, &updatedBy, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, characterNotFound(characterID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get character: %w", err)
	}

	m, err := decodeMap(fields)
	if err != nil {
		return nil, fmt.Errorf("sqlite: decode character fields: %w", err)
	}
	return &Character{
		ID:        characterID,
		ProjectID: projectID,
		Fields:    m,
		UpdatedBy: updatedBy,
		UpdatedAt: parseTime(updatedAt),
	}, nil
}

// UpdateCharacter upserts a character.
func (s *SQLiteStore) UpdateCharacter(ctx context.Context, character *Character) error {
	fields, err := encodeMap(character.Fields)
	if err != nil {
		return fmt.Errorf("sqlite: encode character fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO characters (project_id, id, fields, updated_by, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(project_id, id) DO UPDATE SET
		   fields = excluded.fields,
		   updated_by = excluded.updated_by,
		   updated_at = excluded.updated_at`,
		character.ProjectID, character.ID, fields, character.UpdatedBy, formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("sqlite: update character: %w", err)
	}
	return nil
}

// GetProject loads one project.
func (s *SQLiteStore) GetProject(ctx context.Context, projectID string) (*Project, error) {
	var name, status, metadata, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, status, metadata, updated_at FROM projects WHERE id = ?`,
		projectID,
	).Scan(&name, &status, &metadata, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, projectNotFound(projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get project: %w", err)
	}

	m, err := decodeMap(metadata)
	if err != nil {
		return nil, fmt.Errorf("sqlite: decode project metadata: %w", err)
	}
	return &Project{
		ID:        projectID,
		Name:      name,
		Status:    status,
		Metadata:  m,
		UpdatedAt: parseTime(updatedAt),
	}, nil
}

// UpdateProject upserts a project.
func (s *SQLiteStore) UpdateProject(ctx context.Context, project *Project) error {
	metadata, err := encodeMap(project.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite: encode project metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, status, metadata, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   status = excluded.status,
		   metadata = excluded.metadata,
		   updated_at = excluded.updated_at`,
		project.ID, project.Name, project.Status, metadata, formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("sqlite: update project: %w", err)
	}
	return nil
}

// SaveWorldElement upserts a world element.
func (s *SQLiteStore) SaveWorldElement(ctx context.Context, element *WorldElement) error {
	data, err := encodeMap(element.Data)
	if err != nil {
		return fmt.Errorf("sqlite: encode world element: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO world_elements (project_id, id, element_type, data, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(project_id, id) DO UPDATE SET
		   element_type = excluded.element_type,
		   data = excluded.data,
		   updated_at = excluded.updated_at`,
		element.ProjectID, element.ID, element.ElementType, data, formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save world element: %w", err)
	}
	return nil
}

// CountWorldElements returns how many elements of elementType a project has.
// An empty elementType counts all of them.
func (s *SQLiteStore) CountWorldElements(ctx context.Context, projectID, elementType string) (int, error) {
	query := `SELECT COUNT(*) FROM world_elements WHERE project_id = ?`
	args := []any{projectID}
	if elementType != "" {
		query += ` AND element_type = ?`
		args = append(args, elementType)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count world elements: %w", err)
	}
	return n, nil
}
