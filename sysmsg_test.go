package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitPersistsAndBroadcasts(t *testing.T) {
	env := newTestEnv(t)
	alice := env.newUser(t, "alice")
	bob := env.newUser(t, "bob")
	room := env.groupRoom(t, alice, "general")
	env.addMember(t, room, bob, RoleMember)
	env.enter(bob, room.ID)

	emitter := NewSystemMessageEmitter(env.db, env.roomBus, env.globalBus)
	emitter.Emit(room.ID, &SystemPayload{
		Kind:       SysMemberKicked,
		ActorID:    alice.user.ID,
		ActorName:  "alice",
		TargetID:   bob.user.ID,
		TargetName: "bob",
	})

	history, err := env.db.ListRoomMessages(room.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)

	msg := history[0]
	assert.Equal(t, MessageTypeSystem, msg.Type)
	require.NotNil(t, msg.SystemData)
	assert.Equal(t, SysMemberKicked, msg.SystemData.Kind)
	assert.Equal(t, bob.user.ID, msg.SystemData.TargetID)
	assert.Equal(t, "alice removed bob from the room", msg.Content)

	// Present members see it as an ordinary incoming message.
	assert.Equal(t, 1, countEvents(t, bob.roomConn, EventNewMessage))
}

func TestClientsCannotSendSystemMessages(t *testing.T) {
	env := newTestEnv(t)
	alice := env.newUser(t, "alice")
	room := env.groupRoom(t, alice, "general")

	_, err := env.chat.SendMessage(alice.session, room.ID, "fake announcement", MessageTypeSystem, nil)
	assertCode(t, err, CodeInvalid)
}

func TestRenderSystemText(t *testing.T) {
	cases := map[string]struct {
		payload SystemPayload
		want    string
	}{
		"join":     {SystemPayload{Kind: SysMemberJoined, ActorName: "alice"}, "alice joined the room"},
		"leave":    {SystemPayload{Kind: SysMemberLeft, ActorName: "alice"}, "alice left the room"},
		"role":     {SystemPayload{Kind: SysRoleChanged, ActorName: "alice", TargetName: "bob", Role: "admin"}, "alice set bob's role to admin"},
		"transfer": {SystemPayload{Kind: SysOwnerTransferred, ActorName: "alice", TargetName: "bob"}, "alice transferred ownership to bob"},
		"unknown":  {SystemPayload{Kind: "mystery"}, "mystery"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, renderSystemText(&tc.payload))
		})
	}
}
