package collab

import (
	"fmt"
	"strings"

	"github.com/fablecraft/collab-relay/internal/logging"
)

// InviteRelay announces collaboration invites. Nothing is persisted.
type InviteRelay struct {
	broadcaster Broadcaster
	clock       Clock
	logger      logging.Logger
}

// NewInviteRelay creates an InviteRelay.
func NewInviteRelay(b Broadcaster, clock Clock, logger logging.Logger) *InviteRelay {
	return &InviteRelay{broadcaster: b, clock: clock, logger: logger.WithComponent("invites")}
}

// Invite sends COLLABORATION_INVITE_RECEIVED to the invitee's user room and
// COLLABORATOR_INVITED to the project room.
func (r *InviteRelay) Invite(projectID, inviteeEmail, role, inviterName string) error {
	email := strings.TrimSpace(inviteeEmail)
	if email == "" {
		return fmt.Errorf("%w: inviteeEmail is required", ErrInvalidPayload)
	}

	payload := InvitePayload{
		ProjectID:    projectID,
		InviteeEmail: email,
		Role:         role,
		InviterName:  inviterName,
	}
	now := r.clock.Now().UnixMilli()

	r.broadcaster.Broadcast(UserRoom(email), Message{
		Type:      TypeCollaborationInviteReceived,
		Payload:   payload,
		Timestamp: now,
	})
	r.broadcaster.Broadcast(ProjectRoom(projectID), Message{
		Type:      TypeCollaboratorInvited,
		Payload:   payload,
		Timestamp: now,
	})
	r.logger.Infow("collaborator invited", "project", projectID, "role", role)
	return nil
}
