package collab

import (
	"context"

	"github.com/fablecraft/collab-relay/internal/logging"
	"github.com/fablecraft/collab-relay/internal/storage"
)

// WorldRelay relays world-building element edits to the project's world
// room with the same optimistic-then-confirm pattern as FieldRelay.
type WorldRelay struct {
	broadcaster Broadcaster
	storage     storage.Storage
	clock       Clock
	logger      logging.Logger
}

// NewWorldRelay creates a WorldRelay.
func NewWorldRelay(b Broadcaster, store storage.Storage, clock Clock, logger logging.Logger) *WorldRelay {
	return &WorldRelay{
		broadcaster: b,
		storage:     store,
		clock:       clock,
		logger:      logger.WithComponent("world"),
	}
}

// UpdateWorldElement broadcasts WORLD_ELEMENT_UPDATED{optimistic:true},
// saves the element, then broadcasts WORLD_ELEMENT_CONFIRMED or
// WORLD_ELEMENT_ERROR.
func (r *WorldRelay) UpdateWorldElement(ctx context.Context, projectID, elementType, elementID string, data map[string]any) {
	room := WorldRoom(projectID)
	payload := WorldElementPayload{
		ProjectID:   projectID,
		ElementType: elementType,
		ElementID:   elementID,
		Data:        data,
	}

	optimistic := payload
	optimistic.Optimistic = true
	r.broadcaster.Broadcast(room, Message{
		Type:      TypeWorldElementUpdated,
		Payload:   optimistic,
		Timestamp: r.clock.Now().UnixMilli(),
	})

	err := r.storage.SaveWorldElement(ctx, &storage.WorldElement{
		ID:          elementID,
		ProjectID:   projectID,
		ElementType: elementType,
		Data:        data,
	})
	if err != nil {
		r.logger.Errorw("world element update failed",
			"project", projectID, "type", elementType, "element", elementID, "error", err)
		failed := payload
		failed.Error = err.Error()
		r.broadcaster.Broadcast(room, Message{
			Type:      TypeWorldElementError,
			Payload:   failed,
			Timestamp: r.clock.Now().UnixMilli(),
		})
		return
	}

	r.broadcaster.Broadcast(room, Message{
		Type:      TypeWorldElementConfirmed,
		Payload:   payload,
		Timestamp: r.clock.Now().UnixMilli(),
	})
}
