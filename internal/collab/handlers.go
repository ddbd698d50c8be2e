// Package collab routes inbound client messages.
//
// This file defines Handlers, which wires every tracker and relay to the
// injected Store, Broadcaster, Storage, Clock and Logger, and dispatches an
// InboundMessage to the right one by type.
package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fablecraft/collab-relay/internal/logging"
	"github.com/fablecraft/collab-relay/internal/storage"
)

// Config holds the tunables of the collaboration layer.
type Config struct {
	TypingTimeout          time.Duration
	SweepInterval          time.Duration
	GenerationStageDelay   time.Duration
	EnforceUnlockOwnership bool
}

// DefaultConfig returns the reference timings: 5s typing timeout, 30s sweep,
// 1.5s between generation stages, unlock open to everyone.
func DefaultConfig() Config {
	return Config{
		TypingTimeout:        DefaultTypingTimeout,
		SweepInterval:        DefaultSweepInterval,
		GenerationStageDelay: DefaultStageDelay,
	}
}

// Deps are the collaborators Handlers needs. Store, Clock, Logger and
// Generator default when nil; Broadcaster and Storage are required.
type Deps struct {
	Store       *Store
	Broadcaster Broadcaster
	Storage     storage.Storage
	Clock       Clock
	Logger      logging.Logger
	Generator   Generator
}

// Handlers owns one instance of every collaboration component.
type Handlers struct {
	Store      *Store
	Typing     *TypingTracker
	Locks      *LockManager
	Generation *GenerationReporter
	Fields     *FieldRelay
	World      *WorldRelay
	Projects   *ProjectStatusRelay
	Invites    *InviteRelay
	Presence   *PresenceTracker
	Sweeper    *Sweeper

	logger   logging.Logger
	handled  atomic.Int64
	rejected atomic.Int64
}

// NewHandlers builds every component from cfg and deps.
func NewHandlers(cfg Config, deps Deps) *Handlers {
	if deps.Store == nil {
		deps.Store = NewStore()
	}
	if deps.Clock == nil {
		deps.Clock = NewStandardClock()
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNoOpLogger()
	}
	b, st, clock, logger := deps.Broadcaster, deps.Storage, deps.Clock, deps.Logger

	return &Handlers{
		Store:      deps.Store,
		Typing:     NewTypingTracker(deps.Store, b, clock, cfg.TypingTimeout, logger),
		Locks:      NewLockManager(deps.Store, b, clock, cfg.EnforceUnlockOwnership, logger),
		Generation: NewGenerationReporter(b, deps.Generator, clock, cfg.GenerationStageDelay, logger),
		Fields:     NewFieldRelay(b, st, clock, logger),
		World:      NewWorldRelay(b, st, clock, logger),
		Projects:   NewProjectStatusRelay(b, st, clock, logger),
		Invites:    NewInviteRelay(b, clock, logger),
		Presence:   NewPresenceTracker(deps.Store, b, clock, logger),
		Sweeper:    NewSweeper(deps.Store, clock, cfg.TypingTimeout, cfg.SweepInterval, logger),
		logger:     logger.WithComponent("router"),
	}
}

// Stats are counters of routed messages.
type Stats struct {
	Handled  int64 `json:"handled"`
	Rejected int64 `json:"rejected"`
}

// Stats returns how many messages were routed and rejected.
func (h *Handlers) Stats() Stats {
	return Stats{Handled: h.handled.Load(), Rejected: h.rejected.Load()}
}

// Handle routes msg from sender. Storage and generation failures are
// reported to clients as broadcasts and never returned; the returned error
// is only for messages that could not be decoded or routed, or that asked
// for a generation after Close, and the caller should reply to the sender
// with it.
//
// ctx bounds long-running work started by the message (generation), so it
// should be the server's lifetime context, not the connection's.
func (h *Handlers) Handle(ctx context.Context, sender Sender, msg InboundMessage) error {
	err := h.route(ctx, sender, msg)
	if err != nil {
		h.rejected.Add(1)
		h.logger.Warnw("message rejected", "type", msg.Type, "conn", sender.ID(), "error", err)
		return err
	}
	h.handled.Add(1)
	return nil
}

func (h *Handlers) route(ctx context.Context, sender Sender, msg InboundMessage) error {
	switch msg.Type {
	case TypeCharacterFieldUpdate:
		var req fieldUpdateRequest
		if err := decodePayload(msg, &req); err != nil {
			return err
		}
		h.Fields.UpdateField(ctx, req.ProjectID.String(), req.CharacterID.String(), req.Field, req.Value,
			userOr(req.UserID, msg.UserID))

	case TypeCharacterGenerationRequest:
		var req generationRequest
		if err := decodePayload(msg, &req); err != nil {
			return err
		}
		if _, err := h.Generation.Start(ctx, req.ProjectID.String(), req.Prompt, req.Options); err != nil {
			return err
		}

	case TypeTypingIndicator:
		var req typingRequest
		if err := decodePayload(msg, &req); err != nil {
			return err
		}
		h.Typing.SetTyping(req.ProjectID.String(), userOr(req.UserID, msg.UserID), req.UserName, req.Location, req.IsTyping)

	case TypeDocumentLock:
		var req lockRequest
		if err := decodePayload(msg, &req); err != nil {
			return err
		}
		return h.Locks.SetLock(req.ProjectID.String(), req.DocumentID.String(), userOr(req.UserID, msg.UserID),
			LockAction(strings.ToLower(req.Action)))

	case TypeWorldElementUpdate:
		var req worldElementRequest
		if err := decodePayload(msg, &req); err != nil {
			return err
		}
		h.World.UpdateWorldElement(ctx, req.ProjectID.String(), req.ElementType, req.ElementID.String(), req.Data)

	case TypeProjectStatusUpdate:
		var req projectStatusRequest
		if err := decodePayload(msg, &req); err != nil {
			return err
		}
		h.Projects.UpdateProjectStatus(ctx, req.ProjectID.String(), req.Status, req.Metadata)

	case TypeCollaborationInvite:
		var req inviteRequest
		if err := decodePayload(msg, &req); err != nil {
			return err
		}
		return h.Invites.Invite(req.ProjectID.String(), req.InviteeEmail, req.Role, req.InviterName)

	case TypeJoinProject:
		var req presenceRequest
		if err := decodePayload(msg, &req); err != nil {
			return err
		}
		projectID := req.ProjectID.String()
		if projectID == "" {
			return fmt.Errorf("%w: projectId is required", ErrInvalidPayload)
		}
		sender.Subscribe(ProjectRoom(projectID))
		sender.Subscribe(WorldRoom(projectID))
		h.Presence.Join(sender.ID(), projectID, userOr(req.UserID, msg.UserID), req.UserName, req.Location)

	case TypeLeaveProject:
		var req presenceRequest
		if err := decodePayload(msg, &req); err != nil {
			return err
		}
		projectID := req.ProjectID.String()
		h.Presence.Leave(sender.ID(), projectID)
		sender.Unsubscribe(ProjectRoom(projectID))
		sender.Unsubscribe(WorldRoom(projectID))

	case TypeSubscribe, TypeUnsubscribe:
		var req subscribeRequest
		if err := decodePayload(msg, &req); err != nil {
			return err
		}
		if req.Room == "" {
			return fmt.Errorf("%w: room is required", ErrInvalidPayload)
		}
		if msg.Type == TypeSubscribe {
			sender.Subscribe(req.Room)
		} else {
			sender.Unsubscribe(req.Room)
		}

	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, msg.Type)
	}
	return nil
}

// Disconnect releases presence held by a closed connection.
func (h *Handlers) Disconnect(connID string) {
	h.Presence.Disconnect(connID)
}

// Wait blocks until background generation sequences have ended.
func (h *Handlers) Wait() {
	h.Generation.Wait()
}

// Close refuses further generation requests and waits for running ones.
func (h *Handlers) Close() {
	h.Generation.Close()
}

func decodePayload(msg InboundMessage, v any) error {
	if len(msg.Payload) == 0 {
		return fmt.Errorf("%w: missing payload for %s", ErrInvalidPayload, msg.Type)
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// userOr prefers the payload's user ID and falls back to the envelope's.
func userOr(payloadUser flexID, envelopeUser string) string {
	if payloadUser != "" {
		return payloadUser.String()
	}
	return envelopeUser
}
