// Package storage provides the persistence collaborator used by the relay.
//
// This file defines the entity types (Project, Character, WorldElement), the
// Storage interface consumed by the collaboration handlers, and the sentinel
// errors returned by every backend. Two backends are provided: MemoryStore
// (optionally saved to a JSON file) and SQLiteStore.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage closed")

// Project is a writing project; the unit collaboration state is keyed by.
type Project struct {
	ID        string         `json:"id" yaml:"id"`
	Name      string         `json:"name" yaml:"name"`
	Status    string         `json:"status,omitempty" yaml:"status"`
	Metadata  map[string]any `json:"metadata,omitempty" yaml:"metadata"`
	UpdatedAt time.Time      `json:"updated_at" yaml:"-"`
}

// Character is a character sheet. Editable fields live in Fields so that
// the field relay can update any of them by name.
type Character struct {
	ID        string         `json:"id" yaml:"id"`
	ProjectID string         `json:"project_id" yaml:"project_id"`
	Fields    map[string]any `json:"fields" yaml:"fields"`
	UpdatedBy string         `json:"updated_by,omitempty" yaml:"-"`
	UpdatedAt time.Time      `json:"updated_at" yaml:"-"`
}

// WorldElement is a location, faction, item or other world-building entry.
type WorldElement struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	ElementType string         `json:"element_type"`
	Data        map[string]any `json:"data"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Storage is the persistence collaborator.
// All methods may block and may fail; callers own error reporting.
type Storage interface {
	GetCharacter(ctx context.Context, projectID, characterID string) (*Character, error)
	UpdateCharacter(ctx context.Context, character *Character) error
	GetProject(ctx context.Context, projectID string) (*Project, error)
	UpdateProject(ctx context.Context, project *Project) error
	SaveWorldElement(ctx context.Context, element *WorldElement) error
	Close() error
}

// Per-kind not-found errors. Both wrap ErrNotFound.
var (
	ErrCharacterNotFound = fmt.Errorf("character %w", ErrNotFound)
	ErrProjectNotFound   = fmt.Errorf("project %w", ErrNotFound)
)

// characterNotFound reads "character not found: <id>".
func characterNotFound(characterID string) error {
	return fmt.Errorf("%w: %s", ErrCharacterNotFound, characterID)
}

func projectNotFound(projectID string) error {
	return fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
}

// cloneFields copies a field map one level deep.
func cloneFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneCharacter(c *Character) *Character {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Fields = cloneFields(c.Fields)
	return &cp
}

func cloneProject(p *Project) *Project {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Metadata = cloneFields(p.Metadata)
	return &cp
}

func cloneWorldElement(e *WorldElement) *WorldElement {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Data = cloneFields(e.Data)
	return &cp
}
