package collab

import (
	"time"

	"github.com/fablecraft/collab-relay/internal/logging"
)

// DefaultTypingTimeout is how long an indicator stays live without refresh.
const DefaultTypingTimeout = 5000 * time.Millisecond

// TypingTracker records per-user typing indicators and broadcasts, for the
// location just updated, the users currently typing there.
type TypingTracker struct {
	store       *Store
	broadcaster Broadcaster
	clock       Clock
	timeout     time.Duration
	logger      logging.Logger
}

// NewTypingTracker creates a TypingTracker. A non-positive timeout means
// DefaultTypingTimeout.
func NewTypingTracker(store *Store, b Broadcaster, clock Clock, timeout time.Duration, logger logging.Logger) *TypingTracker {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &TypingTracker{
		store:       store,
		broadcaster: b,
		clock:       clock,
		timeout:     timeout,
		logger:      logger.WithComponent("typing"),
	}
}

// SetTyping inserts or overwrites the user's indicator when isTyping is
// true and removes it otherwise, then broadcasts TYPING_INDICATOR_UPDATE to
// the project room listing only users typing at location.
func (t *TypingTracker) SetTyping(projectID, userID, userName, location string, isTyping bool) {
	now := t.clock.Now()
	nowMs := now.UnixMilli()

	ps := t.store.Project(projectID)
	ps.mu.Lock()
	if isTyping {
		ps.typingIndicators[userID] = TypingIndicator{
			UserID:    userID,
			UserName:  userName,
			Location:  location,
			Timestamp: nowMs,
		}
	} else {
		delete(ps.typingIndicators, userID)
	}
	typists := ps.typingAtLocked(location, nowMs, t.timeout.Milliseconds())
	t.broadcaster.Broadcast(ProjectRoom(projectID), Message{
		Type: TypeTypingIndicatorUpdate,
		Payload: TypingUpdatePayload{
			ProjectID:   projectID,
			Location:    location,
			TypingUsers: typists,
		},
		Timestamp: nowMs,
	})
	ps.mu.Unlock()

	t.logger.Debugw("typing indicator updated",
		"project", projectID, "user", userID, "location", location, "typing", isTyping, "typists", len(typists))
}

// typingAtLocked returns the live indicators at location. Entries past the
// timeout are evicted here as well, so a stale indicator is never broadcast
// even if the sweeper has not run yet. Caller holds ps.mu.
func (ps *ProjectState) typingAtLocked(location string, nowMs, timeoutMs int64) []TypingIndicator {
	typists := make([]TypingIndicator, 0)
	for userID, ind := range ps.typingIndicators {
		if nowMs-ind.Timestamp > timeoutMs {
			delete(ps.typingIndicators, userID)
			continue
		}
		if ind.Location == location {
			typists = append(typists, ind)
		}
	}
	sortIndicators(typists)
	return typists
}

// evictStaleLocked removes indicators older than timeoutMs and returns how
// many were removed. Caller holds ps.mu.
func (ps *ProjectState) evictStaleLocked(nowMs, timeoutMs int64) int {
	removed := 0
	for userID, ind := range ps.typingIndicators {
		if nowMs-ind.Timestamp > timeoutMs {
			delete(ps.typingIndicators, userID)
			removed++
		}
	}
	return removed
}
