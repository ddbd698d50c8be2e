package collab

import (
	"context"

	"github.com/fablecraft/collab-relay/internal/logging"
	"github.com/fablecraft/collab-relay/internal/storage"
)

// FieldRelay relays character field edits: an optimistic broadcast first,
// then persistence, then a confirmation or an error broadcast. The server
// never rolls back the optimistic value itself; error payloads carry the
// previous value (when it was read) so clients can revert.
type FieldRelay struct {
	broadcaster Broadcaster
	storage     storage.Storage
	clock       Clock
	logger      logging.Logger
}

// NewFieldRelay creates a FieldRelay.
func NewFieldRelay(b Broadcaster, store storage.Storage, clock Clock, logger logging.Logger) *FieldRelay {
	return &FieldRelay{
		broadcaster: b,
		storage:     store,
		clock:       clock,
		logger:      logger.WithComponent("fields"),
	}
}

// UpdateField sets characterID's field to value on behalf of userID.
// Emits CHARACTER_FIELD_UPDATED{optimistic:true}, then
// CHARACTER_FIELD_CONFIRMED or CHARACTER_FIELD_ERROR. Errors are contained
// here; nothing is returned to the caller.
func (r *FieldRelay) UpdateField(ctx context.Context, projectID, characterID, field string, value any, userID string) {
	room := ProjectRoom(projectID)
	payload := FieldUpdatePayload{
		ProjectID:   projectID,
		CharacterID: characterID,
		Field:       field,
		Value:       value,
		UserID:      userID,
	}

	optimistic := payload
	optimistic.Optimistic = true
	r.broadcaster.Broadcast(room, Message{
		Type:      TypeCharacterFieldUpdated,
		Payload:   optimistic,
		Timestamp: r.clock.Now().UnixMilli(),
	})

	previous, err := r.persist(ctx, projectID, characterID, field, value, userID)
	if err != nil {
		r.logger.Errorw("field update failed",
			"project", projectID, "character", characterID, "field", field, "user", userID, "error", err)
		failed := payload
		failed.Error = err.Error()
		failed.PreviousValue = previous
		r.broadcaster.Broadcast(room, Message{
			Type:      TypeCharacterFieldError,
			Payload:   failed,
			Timestamp: r.clock.Now().UnixMilli(),
		})
		return
	}

	r.broadcaster.Broadcast(room, Message{
		Type:      TypeCharacterFieldConfirmed,
		Payload:   payload,
		Timestamp: r.clock.Now().UnixMilli(),
	})
}

// persist fetches, mutates and saves the character. previous is the field
// value before the edit, or nil if the character could not be read.
func (r *FieldRelay) persist(ctx context.Context, projectID, characterID, field string, value any, userID string) (previous any, err error) {
	character, err := r.storage.GetCharacter(ctx, projectID, characterID)
	if err != nil {
		return nil, err
	}
	if character.Fields == nil {
		character.Fields = make(map[string]any)
	}
	previous = character.Fields[field]
	character.Fields[field] = value
	character.UpdatedBy = userID

	if err := r.storage.UpdateCharacter(ctx, character); err != nil {
		return previous, err
	}
	return previous, nil
}
