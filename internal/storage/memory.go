// Package storage implements the in-memory backend.
//
// This file defines MemoryStore, a thread-safe map-backed Storage. It can be
// exported to and restored from a StoreExport, which is what Persistence
// writes to disk between restarts.
package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps every entity in maps guarded by a RWMutex.
// Entities are copied on the way in and out so callers never share maps
// with the store.
type MemoryStore struct {
	mu            sync.RWMutex
	projects      map[string]*Project
	characters    map[string]*Character    // key: projectID/characterID
	worldElements map[string]*WorldElement // key: projectID/elementID
	closed        bool
	now           func() time.Time
}

// StoreExport is the serializable form of a MemoryStore.
type StoreExport struct {
	Projects      map[string]*Project      `json:"projects"`
	Characters    map[string]*Character    `json:"characters"`
	WorldElements map[string]*WorldElement `json:"world_elements"`
	ExportedAt    time.Time                `json:"exported_at"`
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects:      make(map[string]*Project),
		characters:    make(map[string]*Character),
		worldElements: make(map[string]*WorldElement),
		now:           time.Now,
	}
}

func entityKey(projectID, id string) string {
	return projectID + "/" + id
}

// GetCharacter returns a copy of the character or ErrNotFound.
func (s *MemoryStore) GetCharacter(ctx context.Context, projectID, characterID string) (*Character, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	c, ok := s.characters[entityKey(projectID, characterID)]
	if !ok {
		return nil, characterNotFound(characterID)
	}
	return cloneCharacter(c), nil
}

// UpdateCharacter stores the character, creating it if absent.
func (s *MemoryStore) UpdateCharacter(ctx context.Context, character *Character) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	c := cloneCharacter(character)
	c.UpdatedAt = s.now()
	s.characters[entityKey(c.ProjectID, c.ID)] = c
	return nil
}

// GetProject returns a copy of the project or ErrNotFound.
func (s *MemoryStore) GetProject(ctx context.Context, projectID string) (*Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	p, ok := s.projects[projectID]
	if !ok {
		return nil, projectNotFound(projectID)
	}
	return cloneProject(p), nil
}

// UpdateProject stores the project, creating it if absent.
func (s *MemoryStore) UpdateProject(ctx context.Context, project *Project) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	p := cloneProject(project)
	p.UpdatedAt = s.now()
	s.projects[p.ID] = p
	return nil
}

// SaveWorldElement upserts a world element.
func (s *MemoryStore) SaveWorldElement(ctx context.Context, element *WorldElement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	e := cloneWorldElement(element)
	e.UpdatedAt = s.now()
	s.worldElements[entityKey(e.ProjectID, e.ID)] = e
	return nil
}

// WorldElement returns a stored world element, mainly for tests and the
// admin endpoints.
func (s *MemoryStore) WorldElement(projectID, elementID string) (*WorldElement, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.worldElements[entityKey(projectID, elementID)]
	return cloneWorldElement(e), ok
}

// Export returns a deep-enough copy of the store contents.
func (s *MemoryStore) Export() *StoreExport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	export := &StoreExport{
		Projects:      make(map[string]*Project, len(s.projects)),
		Characters:    make(map[string]*Character, len(s.characters)),
		WorldElements: make(map[string]*WorldElement, len(s.worldElements)),
		ExportedAt:    s.now(),
	}
	for k, v := range s.projects {
		export.Projects[k] = cloneProject(v)
	}
	for k, v := range s.characters {
		export.Characters[k] = cloneCharacter(v)
	}
	for k, v := range s.worldElements {
		export.WorldElements[k] = cloneWorldElement(v)
	}
	return export
}

// Import replaces the store contents with an export.
// A nil export leaves the store untouched.
func (s *MemoryStore) Import(export *StoreExport) {
	if export == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.projects = make(map[string]*Project, len(export.Projects))
	s.characters = make(map[string]*Character, len(export.Characters))
	s.worldElements = make(map[string]*WorldElement, len(export.WorldElements))

	for _, p := range export.Projects {
		if p != nil {
			s.projects[p.ID] = cloneProject(p)
		}
	}
	// Re-key from the entity rather than trusting the file's keys.
	for _, c := range export.Characters {
		if c != nil {
			s.characters[entityKey(c.ProjectID, c.ID)] = cloneCharacter(c)
		}
	}
	for _, e := range export.WorldElements {
		if e != nil {
			s.worldElements[entityKey(e.ProjectID, e.ID)] = cloneWorldElement(e)
		}
	}
}

// Close marks the store closed. Further calls return ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
