package collab

import (
	"fmt"

	"github.com/fablecraft/collab-relay/internal/logging"
)

// LockAction is the requested lock operation.
type LockAction string

const (
	LockActionLock   LockAction = "lock"
	LockActionUnlock LockAction = "unlock"
)

// Denial reasons carried in DOCUMENT_LOCK_DENIED.
const (
	ReasonLockedByOther = "Document is locked by another user"
	ReasonNotLockOwner  = "not lock owner"
)

// LockManager grants advisory, exclusive per-document locks. Nothing stops
// concurrent edits; locks only signal intent to other clients.
type LockManager struct {
	store       *Store
	broadcaster Broadcaster
	clock       Clock
	logger      logging.Logger

	// enforceUnlockOwnership denies unlock requests from non-holders.
	// Off by default: any user may unlock any document.
	enforceUnlockOwnership bool
}

// NewLockManager creates a LockManager.
func NewLockManager(store *Store, b Broadcaster, clock Clock, enforceUnlockOwnership bool, logger logging.Logger) *LockManager {
	return &LockManager{
		store:                  store,
		broadcaster:            b,
		clock:                  clock,
		logger:                 logger.WithComponent("locks"),
		enforceUnlockOwnership: enforceUnlockOwnership,
	}
}

// SetLock applies action for userID on documentID.
//
// lock: denied with DOCUMENT_LOCK_DENIED (and no state change) if another
// user holds the document; otherwise granted, including an idempotent
// re-lock by the holder. unlock: releases the document and broadcasts the
// release. Returns ErrUnknownLockAction for any other action.
//
// The broadcast is sent while the project is still locked, so the order of
// lock updates seen by clients matches the order of the state changes.
func (m *LockManager) SetLock(projectID, documentID, userID string, action LockAction) error {
	if action != LockActionLock && action != LockActionUnlock {
		return fmt.Errorf("%w: %q", ErrUnknownLockAction, action)
	}
	now := m.clock.Now().UnixMilli()
	ps := m.store.Project(projectID)

	ps.mu.Lock()
	defer ps.mu.Unlock()
	var msg Message
	if action == LockActionLock {
		msg = m.lockLocked(ps, projectID, documentID, userID)
	} else {
		msg = m.unlockLocked(ps, projectID, documentID, userID)
	}
	msg.Timestamp = now
	m.broadcaster.Broadcast(ProjectRoom(projectID), msg)
	return nil
}

// lockLocked grants or denies a lock. Caller holds ps.mu.
func (m *LockManager) lockLocked(ps *ProjectState, projectID, documentID, userID string) Message {
	holder, held := ps.documentLocks[documentID]
	if held && holder != userID {
		m.logger.Infow("lock denied", "project", projectID, "document", documentID, "requestedBy", userID, "lockedBy", holder)
		return Message{
			Type: TypeDocumentLockDenied,
			Payload: LockDeniedPayload{
				ProjectID:   projectID,
				DocumentID:  documentID,
				LockedBy:    holder,
				RequestedBy: userID,
				Reason:      ReasonLockedByOther,
			},
		}
	}
	ps.documentLocks[documentID] = userID

	m.logger.Debugw("lock granted", "project", projectID, "document", documentID, "user", userID, "relock", held)
	lockedBy := userID
	return Message{
		Type: TypeDocumentLockUpdate,
		Payload: LockUpdatePayload{
			ProjectID:  projectID,
			DocumentID: documentID,
			IsLocked:   true,
			LockedBy:   &lockedBy,
		},
	}
}

// unlockLocked releases a lock. Caller holds ps.mu.
func (m *LockManager) unlockLocked(ps *ProjectState, projectID, documentID, userID string) Message {
	holder, held := ps.documentLocks[documentID]
	if m.enforceUnlockOwnership && held && holder != userID {
		m.logger.Infow("unlock denied", "project", projectID, "document", documentID, "requestedBy", userID, "lockedBy", holder)
		return Message{
			Type: TypeDocumentLockDenied,
			Payload: LockDeniedPayload{
				ProjectID:   projectID,
				DocumentID:  documentID,
				LockedBy:    holder,
				RequestedBy: userID,
				Reason:      ReasonNotLockOwner,
			},
		}
	}
	delete(ps.documentLocks, documentID)

	if held && holder != userID {
		m.logger.Warnw("document unlocked by non-holder", "project", projectID, "document", documentID, "user", userID, "holder", holder)
	}
	return Message{
		Type: TypeDocumentLockUpdate,
		Payload: LockUpdatePayload{
			ProjectID:  projectID,
			DocumentID: documentID,
			IsLocked:   false,
		},
	}
}

// Holder returns the user holding documentID, if any.
func (m *LockManager) Holder(projectID, documentID string) (string, bool) {
	ps, ok := m.store.Lookup(projectID)
	if !ok {
		return "", false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	holder, held := ps.documentLocks[documentID]
	return holder, held
}
