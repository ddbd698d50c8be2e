// Package collab implements the real-time collaboration layer.
//
// It tracks per-project ephemeral state (active users, typing indicators,
// advisory document locks), relays optimistic entity edits through the
// storage collaborator, reports staged progress of character generation,
// and publishes every change to room subscribers through a Broadcaster.
//
// This file defines the wire envelope, message type names, payload shapes
// and room key helpers.
package collab

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Inbound message types.
const (
	TypeCharacterFieldUpdate       = "CHARACTER_FIELD_UPDATE"
	TypeCharacterGenerationRequest = "CHARACTER_GENERATION_REQUEST"
	TypeTypingIndicator            = "TYPING_INDICATOR"
	TypeDocumentLock               = "DOCUMENT_LOCK"
	TypeWorldElementUpdate         = "WORLD_ELEMENT_UPDATE"
	TypeProjectStatusUpdate        = "PROJECT_STATUS_UPDATE"
	TypeCollaborationInvite        = "COLLABORATION_INVITE"
	TypeJoinProject                = "JOIN_PROJECT"
	TypeLeaveProject               = "LEAVE_PROJECT"
	TypeSubscribe                  = "SUBSCRIBE"
	TypeUnsubscribe                = "UNSUBSCRIBE"
)

// Outbound message types.
const (
	TypeCharacterFieldUpdated   = "CHARACTER_FIELD_UPDATED"
	TypeCharacterFieldConfirmed = "CHARACTER_FIELD_CONFIRMED"
	TypeCharacterFieldError     = "CHARACTER_FIELD_ERROR"

	TypeGenerationStarted  = "CHARACTER_GENERATION_STARTED"
	TypeGenerationProgress = "CHARACTER_GENERATION_PROGRESS"
	TypeGenerationComplete = "CHARACTER_GENERATION_COMPLETE"
	TypeGenerationError    = "CHARACTER_GENERATION_ERROR"

	TypeTypingIndicatorUpdate = "TYPING_INDICATOR_UPDATE"

	TypeDocumentLockUpdate = "DOCUMENT_LOCK_UPDATE"
	TypeDocumentLockDenied = "DOCUMENT_LOCK_DENIED"

	TypeWorldElementUpdated   = "WORLD_ELEMENT_UPDATED"
	TypeWorldElementConfirmed = "WORLD_ELEMENT_CONFIRMED"
	TypeWorldElementError     = "WORLD_ELEMENT_ERROR"

	TypeProjectStatusUpdated = "PROJECT_STATUS_UPDATED"
	TypeProjectStatusError   = "PROJECT_STATUS_ERROR"

	TypeCollaborationInviteReceived = "COLLABORATION_INVITE_RECEIVED"
	TypeCollaboratorInvited         = "COLLABORATOR_INVITED"

	TypePresenceUpdate = "PRESENCE_UPDATE"

	// TypeError is sent only to the connection whose message failed to
	// decode or route.
	TypeError = "ERROR"
)

// Message is the outbound envelope. Timestamp is Unix milliseconds.
type Message struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// InboundMessage is the envelope clients send.
type InboundMessage struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	ClientID  string          `json:"clientId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Room key helpers.

func ProjectRoom(projectID string) string { return "project-" + projectID }

func WorldRoom(projectID string) string { return "world-" + projectID }

func UserRoom(email string) string { return "user-" + email }

// flexID accepts either a JSON string or a JSON number, since browser
// clients send numeric project IDs as numbers.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*f = flexID(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if i, err := n.Int64(); err == nil {
		*f = flexID(strconv.FormatInt(i, 10))
		return nil
	}
	*f = flexID(n.String())
	return nil
}

func (f flexID) String() string { return string(f) }

// Payloads. Field names follow the camelCase the web client uses.

type fieldUpdateRequest struct {
	ProjectID   flexID `json:"projectId"`
	CharacterID flexID `json:"characterId"`
	Field       string `json:"field"`
	Value       any    `json:"value"`
	UserID      flexID `json:"userId"`
}

type generationRequest struct {
	ProjectID flexID         `json:"projectId"`
	Prompt    string         `json:"prompt"`
	Options   map[string]any `json:"options"`
}

type typingRequest struct {
	ProjectID flexID `json:"projectId"`
	UserID    flexID `json:"userId"`
	UserName  string `json:"userName"`
	Location  string `json:"location"`
	IsTyping  bool   `json:"isTyping"`
}

type lockRequest struct {
	ProjectID  flexID `json:"projectId"`
	DocumentID flexID `json:"documentId"`
	UserID     flexID `json:"userId"`
	Action     string `json:"action"`
}

type worldElementRequest struct {
	ProjectID   flexID         `json:"projectId"`
	ElementType string         `json:"elementType"`
	ElementID   flexID         `json:"elementId"`
	Data        map[string]any `json:"data"`
}

type projectStatusRequest struct {
	ProjectID flexID         `json:"projectId"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata"`
}

type inviteRequest struct {
	ProjectID    flexID `json:"projectId"`
	InviteeEmail string `json:"inviteeEmail"`
	Role         string `json:"role"`
	InviterName  string `json:"inviterName"`
}

type presenceRequest struct {
	ProjectID flexID `json:"projectId"`
	UserID    flexID `json:"userId"`
	UserName  string `json:"userName"`
	Location  string `json:"location"`
}

type subscribeRequest struct {
	Room string `json:"room"`
}

// FieldUpdatePayload is carried by the CHARACTER_FIELD_* messages.
type FieldUpdatePayload struct {
	ProjectID     string `json:"projectId"`
	CharacterID   string `json:"characterId"`
	Field         string `json:"field"`
	Value         any    `json:"value"`
	UserID        string `json:"userId"`
	Optimistic    bool   `json:"optimistic,omitempty"`
	Error         string `json:"error,omitempty"`
	PreviousValue any    `json:"previousValue,omitempty"`
}

// TypingUpdatePayload lists the users typing at one location.
type TypingUpdatePayload struct {
	ProjectID   string            `json:"projectId"`
	Location    string            `json:"location"`
	TypingUsers []TypingIndicator `json:"typingUsers"`
}

// LockUpdatePayload reports a grant or release. LockedBy is null on release.
type LockUpdatePayload struct {
	ProjectID  string  `json:"projectId"`
	DocumentID string  `json:"documentId"`
	IsLocked   bool    `json:"isLocked"`
	LockedBy   *string `json:"lockedBy"`
}

// LockDeniedPayload reports a refused lock or unlock.
type LockDeniedPayload struct {
	ProjectID   string `json:"projectId"`
	DocumentID  string `json:"documentId"`
	LockedBy    string `json:"lockedBy"`
	RequestedBy string `json:"requestedBy"`
	Reason      string `json:"reason"`
}

// GenerationPayload is carried by every CHARACTER_GENERATION_* message.
type GenerationPayload struct {
	GenerationID string         `json:"generationId"`
	ProjectID    string         `json:"projectId"`
	Prompt       string         `json:"prompt,omitempty"`
	Stage        Stage          `json:"stage,omitempty"`
	Progress     int            `json:"progress"`
	Message      string         `json:"message,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// WorldElementPayload is carried by the WORLD_ELEMENT_* messages.
type WorldElementPayload struct {
	ProjectID   string         `json:"projectId"`
	ElementType string         `json:"elementType"`
	ElementID   string         `json:"elementId"`
	Data        map[string]any `json:"data"`
	Optimistic  bool           `json:"optimistic,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// ProjectStatusPayload is carried by the PROJECT_STATUS_* messages.
type ProjectStatusPayload struct {
	ProjectID string         `json:"projectId"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// InvitePayload is carried by both invite messages.
type InvitePayload struct {
	ProjectID    string `json:"projectId"`
	InviteeEmail string `json:"inviteeEmail"`
	Role         string `json:"role"`
	InviterName  string `json:"inviterName"`
}

// PresencePayload lists the users active in a project.
type PresencePayload struct {
	ProjectID string       `json:"projectId"`
	Users     []ActiveUser `json:"users"`
}

// ErrorPayload is the body of an ERROR reply.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}
