package collab

import (
	"context"

	"github.com/fablecraft/collab-relay/internal/logging"
	"github.com/fablecraft/collab-relay/internal/storage"
)

// ProjectStatusRelay persists project status changes and announces them.
// There is no optimistic broadcast: clients hear about a status only once
// it is saved.
type ProjectStatusRelay struct {
	broadcaster Broadcaster
	storage     storage.Storage
	clock       Clock
	logger      logging.Logger
}

// NewProjectStatusRelay creates a ProjectStatusRelay.
func NewProjectStatusRelay(b Broadcaster, store storage.Storage, clock Clock, logger logging.Logger) *ProjectStatusRelay {
	return &ProjectStatusRelay{
		broadcaster: b,
		storage:     store,
		clock:       clock,
		logger:      logger.WithComponent("project-status"),
	}
}

// UpdateProjectStatus sets the project's status, merges metadata into the
// stored metadata, saves, and broadcasts PROJECT_STATUS_UPDATED or
// PROJECT_STATUS_ERROR.
func (r *ProjectStatusRelay) UpdateProjectStatus(ctx context.Context, projectID, status string, metadata map[string]any) {
	room := ProjectRoom(projectID)
	payload := ProjectStatusPayload{
		ProjectID: projectID,
		Status:    status,
		Metadata:  metadata,
	}

	if err := r.persist(ctx, projectID, status, metadata); err != nil {
		r.logger.Errorw("project status update failed", "project", projectID, "status", status, "error", err)
		payload.Error = err.Error()
		r.broadcaster.Broadcast(room, Message{
			Type:      TypeProjectStatusError,
			Payload:   payload,
			Timestamp: r.clock.Now().UnixMilli(),
		})
		return
	}

	r.logger.Infow("project status updated", "project", projectID, "status", status)
	r.broadcaster.Broadcast(room, Message{
		Type:      TypeProjectStatusUpdated,
		Payload:   payload,
		Timestamp: r.clock.Now().UnixMilli(),
	})
}

func (r *ProjectStatusRelay) persist(ctx context.Context, projectID, status string, metadata map[string]any) error {
	project, err := r.storage.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	project.Status = status
	if len(metadata) > 0 {
		if project.Metadata == nil {
			project.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			project.Metadata[k] = v
		}
	}
	return r.storage.UpdateProject(ctx, project)
}
