package collab

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fablecraft/collab-relay/internal/storage"
)

func TestUpdateWorldElement_Confirmed(t *testing.T) {
	f := newFixture(t)
	data := map[string]any{"name": "Eldermoor", "climate": "wet"}

	f.handlers.World.UpdateWorldElement(context.Background(), "p1", "location", "loc-1", data)

	msgs := f.rec.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, TypeWorldElementUpdated, msgs[0].msg.Type)
	assert.Equal(t, TypeWorldElementConfirmed, msgs[1].msg.Type)
	for _, r := range msgs {
		assert.Equal(t, WorldRoom("p1"), r.room)
	}
	assert.True(t, msgs[0].msg.Payload.(WorldElementPayload).Optimistic)

	el, ok := f.storage.WorldElement("p1", "loc-1")
	require.True(t, ok)
	assert.Equal(t, "location", el.ElementType)
	assert.Equal(t, "Eldermoor", el.Data["name"])
}

func TestUpdateWorldElement_StorageFailure(t *testing.T) {
	f := newFixture(t, func(_ *Config, deps *Deps) {
		deps.Storage = &failingStorage{Storage: deps.Storage, saveErr: errDBDown}
	})

	f.handlers.World.UpdateWorldElement(context.Background(), "p1", "location", "loc-1", nil)

	assert.Equal(t, []string{TypeWorldElementUpdated, TypeWorldElementError}, f.rec.types())
	p := f.rec.last().msg.Payload.(WorldElementPayload)
	assert.Equal(t, "DB down", p.Error)
	_, ok := f.storage.WorldElement("p1", "loc-1")
	assert.False(t, ok)
}

func TestUpdateProjectStatus_MergesMetadata(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.storage.UpdateProject(context.Background(), &storage.Project{
		ID: "p1", Name: "Saga", Status: "draft", Metadata: map[string]any{"genre": "fantasy"},
	}))

	f.handlers.Projects.UpdateProjectStatus(context.Background(), "p1", "review", map[string]any{"reviewer": "u2"})

	last := f.rec.last()
	assert.Equal(t, ProjectRoom("p1"), last.room)
	assert.Equal(t, TypeProjectStatusUpdated, last.msg.Type)
	assert.Equal(t, "review", last.msg.Payload.(ProjectStatusPayload).Status)

	p, err := f.storage.GetProject(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "review", p.Status)
	assert.Equal(t, map[string]any{"genre": "fantasy", "reviewer": "u2"}, p.Metadata)
}

func TestUpdateProjectStatus_UnknownProject(t *testing.T) {
	f := newFixture(t)

	f.handlers.Projects.UpdateProjectStatus(context.Background(), "missing", "review", nil)

	assert.Equal(t, []string{TypeProjectStatusError}, f.rec.types())
	assert.Contains(t, f.rec.last().msg.Payload.(ProjectStatusPayload).Error, "not found")
}

func TestInvite(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.handlers.Invites.Invite("p1", "  bo@example.com ", "editor", "Ada"))

	msgs := f.rec.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, UserRoom("bo@example.com"), msgs[0].room)
	assert.Equal(t, TypeCollaborationInviteReceived, msgs[0].msg.Type)
	assert.Equal(t, ProjectRoom("p1"), msgs[1].room)
	assert.Equal(t, TypeCollaboratorInvited, msgs[1].msg.Type)

	p := msgs[0].msg.Payload.(InvitePayload)
	assert.Equal(t, "bo@example.com", p.InviteeEmail)
	assert.Equal(t, "editor", p.Role)
	assert.Equal(t, "Ada", p.InviterName)
}

func TestInvite_RequiresEmail(t *testing.T) {
	f := newFixture(t)

	err := f.handlers.Invites.Invite("p1", "   ", "editor", "Ada")
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.Empty(t, f.rec.all())
}

func TestPresence_JoinLeave(t *testing.T) {
	f := newFixture(t)
	presence := f.handlers.Presence

	presence.Join("conn-1", "p1", "u2", "Grace", "chapter-1")
	presence.Join("conn-2", "p1", "u1", "Ada", "chapter-2")

	last := f.rec.last()
	assert.Equal(t, TypePresenceUpdate, last.msg.Type)
	users := last.msg.Payload.(PresencePayload).Users
	require.Len(t, users, 2)
	assert.Equal(t, "u1", users[0].UserID)
	assert.Equal(t, "u2", users[1].UserID)

	f.handlers.Typing.SetTyping("p1", "u2", "Grace", "chapter-1", true)
	presence.Leave("conn-1", "p1")

	snap, _ := f.handlers.Store.Snapshot("p1")
	require.Len(t, snap.ActiveUsers, 1)
	assert.Equal(t, "u1", snap.ActiveUsers[0].UserID)
	assert.Empty(t, snap.TypingIndicators, "leaving clears the typing indicator")
}

func TestPresence_LeaveUnknownIsSilent(t *testing.T) {
	f := newFixture(t)

	f.handlers.Presence.Leave("conn-1", "p1")
	assert.Empty(t, f.rec.all())
}

func TestPresence_DisconnectLeavesEveryProjectButKeepsLocks(t *testing.T) {
	f := newFixture(t)
	presence := f.handlers.Presence

	presence.Join("conn-1", "p1", "u1", "Ada", "")
	presence.Join("conn-1", "p2", "u1", "Ada", "")
	require.NoError(t, f.handlers.Locks.SetLock("p1", "d1", "u1", LockActionLock))
	assert.ElementsMatch(t, []string{"p1", "p2"}, presence.Joined("conn-1"))

	f.handlers.Disconnect("conn-1")

	assert.Empty(t, presence.Joined("conn-1"))
	for _, id := range []string{"p1", "p2"} {
		snap, _ := f.handlers.Store.Snapshot(id)
		assert.Empty(t, snap.ActiveUsers, id)
	}
	holder, held := f.handlers.Locks.Holder("p1", "d1")
	assert.True(t, held)
	assert.Equal(t, "u1", holder)
}

func presenceUserIDs(t *testing.T, r recorded) []string {
	t.Helper()
	require.Equal(t, TypePresenceUpdate, r.msg.Type)
	users := r.msg.Payload.(PresencePayload).Users
	ids := make([]string, len(users))
	for i, u := range users {
		ids[i] = u.UserID
	}
	return ids
}

func activeUserIDs(t *testing.T, f *fixture, projectID string) []string {
	t.Helper()
	snap, _ := f.handlers.Store.Snapshot(projectID)
	ids := make([]string, len(snap.ActiveUsers))
	for i, u := range snap.ActiveUsers {
		ids[i] = u.UserID
	}
	return ids
}

func TestPresence_UserStaysWhileAnotherConnectionIsJoined(t *testing.T) {
	f := newFixture(t)
	presence := f.handlers.Presence

	presence.Join("tab-1", "p1", "u1", "Ada", "chapter-1")
	presence.Join("tab-2", "p1", "u1", "Ada", "chapter-1")
	f.handlers.Typing.SetTyping("p1", "u1", "Ada", "chapter-1", true)
	f.rec.reset()

	f.handlers.Disconnect("tab-1")

	assert.Equal(t, []string{"u1"}, activeUserIDs(t, f, "p1"))
	snap, _ := f.handlers.Store.Snapshot("p1")
	assert.Len(t, snap.TypingIndicators, 1, "typing survives while tab-2 is joined")
	assert.Empty(t, f.rec.all(), "nothing changed, nothing broadcast")
	assert.Equal(t, []string{"p1"}, presence.Joined("tab-2"))

	f.handlers.Disconnect("tab-2")

	assert.Empty(t, activeUserIDs(t, f, "p1"))
	assert.Empty(t, presenceUserIDs(t, f.rec.last()))
}

func TestPresence_RejoinAsAnotherUserReleasesPrevious(t *testing.T) {
	f := newFixture(t)
	presence := f.handlers.Presence

	presence.Join("conn-1", "p1", "u1", "Ada", "")
	presence.Join("conn-1", "p1", "u2", "Grace", "")

	assert.Equal(t, []string{"u2"}, activeUserIDs(t, f, "p1"))
	assert.Equal(t, []string{"u2"}, presenceUserIDs(t, f.rec.last()))

	presence.Leave("conn-1", "p1")
	assert.Empty(t, activeUserIDs(t, f, "p1"))
}

func TestPresence_RejoinKeepsUserHeldByAnotherConnection(t *testing.T) {
	f := newFixture(t)
	presence := f.handlers.Presence

	presence.Join("conn-1", "p1", "u1", "Ada", "")
	presence.Join("conn-2", "p1", "u1", "Ada", "")
	presence.Join("conn-1", "p1", "u2", "Grace", "")

	assert.Equal(t, []string{"u1", "u2"}, activeUserIDs(t, f, "p1"))

	presence.Leave("conn-2", "p1")
	assert.Equal(t, []string{"u2"}, activeUserIDs(t, f, "p1"))
}

func TestPresence_LastBroadcastMatchesState(t *testing.T) {
	gate := newGatedBroadcaster()
	f := newFixture(t, func(_ *Config, d *Deps) { d.Broadcaster = gate })
	presence := f.handlers.Presence

	raceThroughGate(t, gate,
		func() { presence.Join("conn-1", "p1", "u1", "Ada", "") },
		func() { presence.Leave("conn-1", "p1") },
	)

	msgs := gate.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{"u1"}, presenceUserIDs(t, msgs[0]))
	assert.Empty(t, presenceUserIDs(t, msgs[1]))
	assert.Empty(t, activeUserIDs(t, f, "p1"))
}
