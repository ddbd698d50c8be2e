package collab

import (
	"sync"

	"github.com/fablecraft/collab-relay/internal/logging"
)

// PresenceTracker maintains activeUsers and remembers which projects each
// connection joined, so a dropped connection leaves all of them. A user
// with several connections in a project (two tabs) stays active until the
// last of them leaves.
type PresenceTracker struct {
	store       *Store
	broadcaster Broadcaster
	clock       Clock
	logger      logging.Logger

	// mu is taken before any ProjectState mutex.
	mu          sync.Mutex
	memberships map[string]map[string]string // connID -> projectID -> userID
	refs        map[string]map[string]int    // projectID -> userID -> connections
}

// NewPresenceTracker creates a PresenceTracker.
func NewPresenceTracker(store *Store, b Broadcaster, clock Clock, logger logging.Logger) *PresenceTracker {
	return &PresenceTracker{
		store:       store,
		broadcaster: b,
		clock:       clock,
		logger:      logger.WithComponent("presence"),
		memberships: make(map[string]map[string]string),
		refs:        make(map[string]map[string]int),
	}
}

// Join marks userID active in projectID on behalf of connection connID and
// broadcasts PRESENCE_UPDATE. Joining again updates name and location; a
// re-join under another user ID releases the previous one.
func (p *PresenceTracker) Join(connID, projectID, userID, userName, location string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	projects, ok := p.memberships[connID]
	if !ok {
		projects = make(map[string]string)
		p.memberships[connID] = projects
	}
	previous, rejoin := projects[projectID]
	projects[projectID] = userID

	released := ""
	if !rejoin || previous != userID {
		p.retainLocked(projectID, userID)
		if rejoin && p.releaseLocked(projectID, previous) {
			released = previous
		}
	}

	ps := p.store.Project(projectID)
	ps.mu.Lock()
	if released != "" {
		delete(ps.activeUsers, released)
		delete(ps.typingIndicators, released)
	}
	ps.activeUsers[userID] = ActiveUser{UserID: userID, UserName: userName, Location: location}
	p.broadcastPresenceLocked(projectID, ps)
	ps.mu.Unlock()

	p.logger.Debugw("user joined", "project", projectID, "user", userID, "conn", connID, "replaced", released)
}

// Leave drops connID's membership of projectID. When it was the user's last
// connection in the project, the user is removed from activeUsers, their
// typing indicator is cleared and PRESENCE_UPDATE is broadcast. Locks are
// kept.
func (p *PresenceTracker) Leave(connID, projectID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	userID, ok := p.memberships[connID][projectID]
	if !ok {
		return
	}
	delete(p.memberships[connID], projectID)
	if len(p.memberships[connID]) == 0 {
		delete(p.memberships, connID)
	}
	if !p.releaseLocked(projectID, userID) {
		p.logger.Debugw("connection left, user still present", "project", projectID, "user", userID, "conn", connID)
		return
	}

	ps := p.store.Project(projectID)
	ps.mu.Lock()
	delete(ps.activeUsers, userID)
	delete(ps.typingIndicators, userID)
	p.broadcastPresenceLocked(projectID, ps)
	ps.mu.Unlock()

	p.logger.Debugw("user left", "project", projectID, "user", userID, "conn", connID)
}

func (p *PresenceTracker) retainLocked(projectID, userID string) {
	users, ok := p.refs[projectID]
	if !ok {
		users = make(map[string]int)
		p.refs[projectID] = users
	}
	users[userID]++
}

// releaseLocked drops one connection reference and reports whether it was
// the user's last one in the project.
func (p *PresenceTracker) releaseLocked(projectID, userID string) bool {
	users := p.refs[projectID]
	users[userID]--
	if users[userID] > 0 {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(p.refs, projectID)
	}
	return true
}

// Disconnect leaves every project connID joined.
func (p *PresenceTracker) Disconnect(connID string) {
	p.mu.Lock()
	projects := make([]string, 0, len(p.memberships[connID]))
	for projectID := range p.memberships[connID] {
		projects = append(projects, projectID)
	}
	p.mu.Unlock()

	for _, projectID := range projects {
		p.Leave(connID, projectID)
	}
}

// Joined returns the projects connID has joined.
func (p *PresenceTracker) Joined(connID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.memberships[connID]))
	for projectID := range p.memberships[connID] {
		out = append(out, projectID)
	}
	return out
}

// broadcastPresenceLocked sends the current activeUsers. Caller holds ps.mu.
func (p *PresenceTracker) broadcastPresenceLocked(projectID string, ps *ProjectState) {
	p.broadcaster.Broadcast(ProjectRoom(projectID), Message{
		Type:      TypePresenceUpdate,
		Payload:   PresencePayload{ProjectID: projectID, Users: ps.activeUsersLocked()},
		Timestamp: p.clock.Now().UnixMilli(),
	})
}
