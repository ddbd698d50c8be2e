package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fablecraft/collab-relay/internal/collab"
	"github.com/fablecraft/collab-relay/internal/logging"
	"github.com/fablecraft/collab-relay/internal/storage"
)

type wireMessage struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := LoadDefaultConfig()
	require.NoError(t, err)
	cfg.Collaboration.GenerationStageDelayMs = 0
	cfg.RateLimit.Enabled = false
	cfg.Storage.Persistence.Enabled = false
	return cfg
}

func newTestServer(t *testing.T, cfg *Config) (*Server, *httptest.Server) {
	t.Helper()
	s, err := NewServer(cfg, logging.NewNoOpLogger())
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = s.Stop(context.Background())
		ts.Close()
	})
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server, query url.Values) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(collab.InboundMessage{Type: typ, Payload: raw}))
}

func readMessage(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg wireMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// readUntil reads until a message of type typ arrives and returns it along
// with the types seen before it.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) (wireMessage, []string) {
	t.Helper()
	var seen []string
	for i := 0; i < 50; i++ {
		msg := readMessage(t, conn)
		if msg.Type == typ {
			return msg, seen
		}
		seen = append(seen, msg.Type)
	}
	t.Fatalf("no %s message after %v", typ, seen)
	return wireMessage{}, nil
}

func join(t *testing.T, conn *websocket.Conn, projectID, userID string) {
	t.Helper()
	send(t, conn, collab.TypeJoinProject, map[string]any{"projectId": projectID, "userId": userID, "userName": userID})
	readUntil(t, conn, collab.TypePresenceUpdate)
}

func TestWebSocket_TypingReachesOtherMembers(t *testing.T) {
	_, ts := newTestServer(t, testConfig(t))
	a := dial(t, ts, nil)
	b := dial(t, ts, nil)
	join(t, a, "p1", "alice")
	join(t, b, "p1", "bob")

	send(t, a, collab.TypeTypingIndicator, map[string]any{
		"projectId": "p1", "userId": "alice", "userName": "Alice", "location": "chapter-1", "isTyping": true,
	})

	msg, _ := readUntil(t, b, collab.TypeTypingIndicatorUpdate)
	var p collab.TypingUpdatePayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, "chapter-1", p.Location)
	require.Len(t, p.TypingUsers, 1)
	assert.Equal(t, "alice", p.TypingUsers[0].UserID)
}

func TestWebSocket_LockContention(t *testing.T) {
	_, ts := newTestServer(t, testConfig(t))
	a := dial(t, ts, url.Values{"userId": {"alice"}})
	b := dial(t, ts, url.Values{"userId": {"bob"}})
	join(t, a, "p1", "alice")
	join(t, b, "p1", "bob")

	send(t, a, collab.TypeDocumentLock, map[string]any{"projectId": "p1", "documentId": "d1", "action": "lock"})
	readUntil(t, b, collab.TypeDocumentLockUpdate)

	send(t, b, collab.TypeDocumentLock, map[string]any{"projectId": "p1", "documentId": "d1", "action": "lock"})
	msg, _ := readUntil(t, a, collab.TypeDocumentLockDenied)

	var p collab.LockDeniedPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, "alice", p.LockedBy)
	assert.Equal(t, "bob", p.RequestedBy, "userId query parameter fills in a missing payload user")
}

func TestWebSocket_FieldUpdateOnSeededCharacter(t *testing.T) {
	_, ts := newTestServer(t, testConfig(t))
	a := dial(t, ts, nil)
	join(t, a, "demo", "alice")

	send(t, a, collab.TypeCharacterFieldUpdate, map[string]any{
		"projectId": "demo", "characterId": "hero", "field": "name", "value": "Aria Vale", "userId": "alice",
	})

	first := readMessage(t, a)
	assert.Equal(t, collab.TypeCharacterFieldUpdated, first.Type)
	second := readMessage(t, a)
	assert.Equal(t, collab.TypeCharacterFieldConfirmed, second.Type)
}

func TestWebSocket_GenerationSequence(t *testing.T) {
	_, ts := newTestServer(t, testConfig(t))
	a := dial(t, ts, nil)
	join(t, a, "p1", "alice")

	send(t, a, collab.TypeCharacterGenerationRequest, map[string]any{"projectId": "p1", "prompt": "a smuggler"})

	msg, seen := readUntil(t, a, collab.TypeGenerationComplete)
	require.NotEmpty(t, seen)
	assert.Equal(t, collab.TypeGenerationStarted, seen[0])
	assert.Len(t, seen, 7, "started plus six progress stages")

	var p collab.GenerationPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, 100, p.Progress)
	assert.NotEmpty(t, p.Result)
}

func TestWebSocket_InviteReachesUserRoom(t *testing.T) {
	s, ts := newTestServer(t, testConfig(t))
	inviter := dial(t, ts, nil)
	invitee := dial(t, ts, url.Values{"email": {"bo@example.com"}})
	join(t, inviter, "p1", "alice")
	assert.Eventually(t, func() bool {
		return s.Hub().RoomSize(collab.UserRoom("bo@example.com")) == 1
	}, time.Second, 5*time.Millisecond)

	send(t, inviter, collab.TypeCollaborationInvite, map[string]any{
		"projectId": "p1", "inviteeEmail": "bo@example.com", "role": "editor", "inviterName": "Alice",
	})

	msg := readMessage(t, invitee)
	assert.Equal(t, collab.TypeCollaborationInviteReceived, msg.Type)
	readUntil(t, inviter, collab.TypeCollaboratorInvited)
}

func TestWebSocket_ErrorReplies(t *testing.T) {
	_, ts := newTestServer(t, testConfig(t))
	a := dial(t, ts, nil)

	tests := []struct {
		name     string
		frame    string
		wantCode string
	}{
		{"not json", "hello", CodeInvalidMessage},
		{"missing type", `{"payload":{}}`, CodeInvalidMessage},
		{"unknown type", `{"type":"NOPE","payload":{}}`, CodeUnknownMessageType},
		{"bad payload", `{"type":"TYPING_INDICATOR","payload":"x"}`, CodeInvalidPayload},
		{"bad lock action", `{"type":"DOCUMENT_LOCK","payload":{"projectId":"p1","documentId":"d","action":"x"}}`, CodeUnknownLockAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(tt.frame)))
			msg := readMessage(t, a)
			require.Equal(t, collab.TypeError, msg.Type)
			var p collab.ErrorPayload
			require.NoError(t, json.Unmarshal(msg.Payload, &p))
			assert.Equal(t, tt.wantCode, p.Code)
			assert.NotEmpty(t, p.Message)
		})
	}
}

func TestWebSocket_RateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit = RateLimitConfig{Enabled: true, MessagesPerSecond: 0.001, Burst: 1}
	s, ts := newTestServer(t, cfg)
	a := dial(t, ts, nil)

	send(t, a, collab.TypeSubscribe, map[string]any{"room": "project-p1"})
	send(t, a, collab.TypeSubscribe, map[string]any{"room": "project-p2"})

	msg := readMessage(t, a)
	require.Equal(t, collab.TypeError, msg.Type)
	var p collab.ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, CodeRateLimited, p.Code)
	assert.Equal(t, int64(1), s.Health().Messages.RateLimited)
}

func TestWebSocket_DisconnectReleasesPresence(t *testing.T) {
	s, ts := newTestServer(t, testConfig(t))
	a := dial(t, ts, nil)
	b := dial(t, ts, nil)
	join(t, a, "p1", "alice")
	join(t, b, "p1", "bob")

	require.NoError(t, a.Close())

	assert.Eventually(t, func() bool {
		snap, ok := s.Handlers().Store.Snapshot("p1")
		return ok && len(snap.ActiveUsers) == 1 && snap.ActiveUsers[0].UserID == "bob"
	}, 2*time.Second, 10*time.Millisecond)
	readUntil(t, b, collab.TypePresenceUpdate)
}

func TestStopClosesConnections(t *testing.T) {
	s, ts := newTestServer(t, testConfig(t))
	a := dial(t, ts, nil)
	join(t, a, "p1", "alice")

	require.NoError(t, s.Stop(context.Background()))

	require.NoError(t, a.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := a.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	assert.NoError(t, s.Stop(context.Background()), "second stop is a no-op")
}

func TestStopRefusesLateGenerationRequests(t *testing.T) {
	s, _ := newTestServer(t, testConfig(t))
	require.NoError(t, s.Stop(context.Background()))

	c := newClient("late", "alice", s.hub, nil, 8, nil, logging.NewNoOpLogger())
	err := s.handlers.Handle(s.ctx, c, collab.InboundMessage{
		Type:    collab.TypeCharacterGenerationRequest,
		Payload: json.RawMessage(`{"projectId":"p1","prompt":"a knight"}`),
	})
	assert.ErrorIs(t, err, collab.ErrGenerationClosed)
	assert.Equal(t, CodeInternal, errorCode(err))
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, testConfig(t))

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))

	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, DriverMemory, body.Storage)
}

func TestPreflight(t *testing.T) {
	_, ts := newTestServer(t, testConfig(t))

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/state", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "GET, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
}

func TestStateEndpoints(t *testing.T) {
	_, ts := newTestServer(t, testConfig(t))
	a := dial(t, ts, nil)
	join(t, a, "p1", "alice")

	resp, err := http.Get(ts.URL + "/state/p1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap collab.ProjectSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.Len(t, snap.ActiveUsers, 1)
	assert.Equal(t, "alice", snap.ActiveUsers[0].UserID)

	resp, err = http.Get(ts.URL + "/state/unknown")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var errBody map[string][]map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
	require.Len(t, errBody["errors"], 1)
	assert.Contains(t, errBody["errors"][0]["message"], "unknown")

	resp, err = http.Get(ts.URL + "/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	var list StateListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Len(t, list.Projects, 1)
}

func TestNewServer_SQLite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Driver = DriverSQLite
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "relay.db")
	s, ts := newTestServer(t, cfg)
	a := dial(t, ts, nil)
	join(t, a, "demo", "alice")

	send(t, a, collab.TypeCharacterFieldUpdate, map[string]any{
		"projectId": "demo", "characterId": "hero", "field": "role", "value": "mentor",
	})
	readUntil(t, a, collab.TypeCharacterFieldConfirmed)
	assert.Equal(t, DriverSQLite, s.Health().Storage)
}

func TestNewServer_PersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	cfg := testConfig(t)
	cfg.Storage.Persistence.Enabled = true
	cfg.Storage.Persistence.FilePath = path
	cfg.Storage.Persistence.AutoSave = false

	s, err := NewServer(cfg, logging.NewNoOpLogger())
	require.NoError(t, err)
	s.Handlers().World.UpdateWorldElement(context.Background(), "demo", "location", "keep", map[string]any{"name": "Keep"})
	require.NoError(t, s.Stop(context.Background()))
	assert.FileExists(t, path)

	cfg.Seed = nil
	s2, ts := newTestServer(t, cfg)
	a := dial(t, ts, nil)
	join(t, a, "demo", "alice")
	send(t, a, collab.TypeCharacterFieldUpdate, map[string]any{
		"projectId": "demo", "characterId": "hero", "field": "role", "value": "mentor",
	})
	readUntil(t, a, collab.TypeCharacterFieldConfirmed)

	mem, ok := s2.storage.(*storage.MemoryStore)
	require.True(t, ok)
	el, found := mem.WorldElement("demo", "keep")
	require.True(t, found, "world element restored from the store file")
	assert.Equal(t, "Keep", el.Data["name"])
}
