// Package collab holds the per-project collaboration state.
//
// This file defines Store, an injected registry of ProjectState values with
// lazy get-or-create semantics, and the snapshot types the admin endpoints
// expose. State lives for the life of the process; nothing here is
// persisted.
package collab

import (
	"sort"
	"sync"
)

// ActiveUser is presence info for one user in a project.
type ActiveUser struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Location string `json:"location"`
}

// TypingIndicator records that a user is typing at a location.
// Timestamp is Unix milliseconds.
type TypingIndicator struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Location  string `json:"location"`
	Timestamp int64  `json:"timestamp"`
}

// ProjectState is the collaboration state of one project.
// Every read-modify-write runs under mu so a check-then-set is atomic with
// respect to other handlers.
type ProjectState struct {
	mu               sync.Mutex
	activeUsers      map[string]ActiveUser      // userID -> presence
	typingIndicators map[string]TypingIndicator // userID -> indicator, one per user
	documentLocks    map[string]string          // documentID -> holder userID
}

func newProjectState() *ProjectState {
	return &ProjectState{
		activeUsers:      make(map[string]ActiveUser),
		typingIndicators: make(map[string]TypingIndicator),
		documentLocks:    make(map[string]string),
	}
}

// Store maps project IDs to their ProjectState.
type Store struct {
	mu       sync.RWMutex
	projects map[string]*ProjectState
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{projects: make(map[string]*ProjectState)}
}

// Project returns the state for projectID, creating it on first reference.
func (s *Store) Project(projectID string) *ProjectState {
	s.mu.RLock()
	ps, ok := s.projects[projectID]
	s.mu.RUnlock()
	if ok {
		return ps
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ps, ok := s.projects[projectID]; ok {
		return ps
	}
	ps = newProjectState()
	s.projects[projectID] = ps
	return ps
}

// Lookup returns the state for projectID without creating it.
func (s *Store) Lookup(projectID string) (*ProjectState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.projects[projectID]
	return ps, ok
}

// ProjectIDs returns the IDs of every project with state, sorted.
func (s *Store) ProjectIDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.projects))
	for id := range s.projects {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// ProjectSnapshot is a point-in-time copy of one project's state.
type ProjectSnapshot struct {
	ProjectID        string            `json:"projectId"`
	ActiveUsers      []ActiveUser      `json:"activeUsers"`
	TypingIndicators []TypingIndicator `json:"typingIndicators"`
	DocumentLocks    map[string]string `json:"documentLocks"`
}

// Snapshot copies the state of projectID. ok is false if the project has
// never been referenced.
func (s *Store) Snapshot(projectID string) (snap ProjectSnapshot, ok bool) {
	ps, ok := s.Lookup(projectID)
	if !ok {
		return ProjectSnapshot{}, false
	}
	return ps.snapshot(projectID), true
}

// Snapshots copies the state of every project.
func (s *Store) Snapshots() []ProjectSnapshot {
	ids := s.ProjectIDs()
	out := make([]ProjectSnapshot, 0, len(ids))
	for _, id := range ids {
		if snap, ok := s.Snapshot(id); ok {
			out = append(out, snap)
		}
	}
	return out
}

func (ps *ProjectState) snapshot(projectID string) ProjectSnapshot {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	snap := ProjectSnapshot{
		ProjectID:        projectID,
		ActiveUsers:      ps.activeUsersLocked(),
		TypingIndicators: make([]TypingIndicator, 0, len(ps.typingIndicators)),
		DocumentLocks:    make(map[string]string, len(ps.documentLocks)),
	}
	for _, ind := range ps.typingIndicators {
		snap.TypingIndicators = append(snap.TypingIndicators, ind)
	}
	sortIndicators(snap.TypingIndicators)
	for doc, holder := range ps.documentLocks {
		snap.DocumentLocks[doc] = holder
	}
	return snap
}

// activeUsersLocked returns presence entries sorted by user ID.
// Caller holds ps.mu.
func (ps *ProjectState) activeUsersLocked() []ActiveUser {
	users := make([]ActiveUser, 0, len(ps.activeUsers))
	for _, u := range ps.activeUsers {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

// sortIndicators orders indicators by timestamp, then user ID.
func sortIndicators(inds []TypingIndicator) {
	sort.Slice(inds, func(i, j int) bool {
		if inds[i].Timestamp != inds[j].Timestamp {
			return inds[i].Timestamp < inds[j].Timestamp
		}
		return inds[i].UserID < inds[j].UserID
	})
}
