package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastToRoomExcludesUser(t *testing.T) {
	reg := NewRegistry(multiConnection)
	presence := NewPresenceTracker()
	bus := NewBroadcaster(reg, presence)

	alice := &fakeTransport{}
	bob := &fakeTransport{}
	reg.Connect(1, alice)
	reg.Connect(2, bob)
	presence.Enter(1, 10)
	presence.Enter(2, 10)

	bus.BroadcastToRoom(10, EventTyping, map[string]int{"room_id": 10}, 1)

	assert.Empty(t, alice.frames)
	require.Len(t, bob.frames, 1)
	assert.Equal(t, EventTyping, bob.events(t)[0].Type)
}

func TestBroadcastExactlyOncePerUser(t *testing.T) {
	reg := NewRegistry(multiConnection)
	bus := NewBroadcaster(reg, NewPresenceTracker())

	alice := &fakeTransport{}
	reg.Connect(1, alice)

	// Duplicate recipient ids collapse to one delivery.
	bus.SendToUsers([]int{1, 1, 1}, EventRoomUpdated, nil, 0)
	assert.Len(t, alice.frames, 1)
}

func TestBroadcastSkipsUsersOutsideRoom(t *testing.T) {
	reg := NewRegistry(multiConnection)
	presence := NewPresenceTracker()
	bus := NewBroadcaster(reg, presence)

	alice := &fakeTransport{}
	bob := &fakeTransport{}
	reg.Connect(1, alice)
	reg.Connect(2, bob)
	presence.Enter(1, 10)
	// Bob is online but never entered room 10.

	bus.BroadcastToRoom(10, EventNewMessage, nil, 0)

	assert.Len(t, alice.frames, 1)
	assert.Empty(t, bob.frames)
}

func TestBroadcastToAll(t *testing.T) {
	reg := NewRegistry(singleConnection)
	bus := NewBroadcaster(reg, NewPresenceTracker())

	alice := &fakeTransport{}
	bob := &fakeTransport{}
	reg.Connect(1, alice)
	reg.Connect(2, bob)

	bus.BroadcastToAll(EventUserOnline, map[string]int{"user_id": 2}, 2)

	assert.Len(t, alice.frames, 1)
	assert.Empty(t, bob.frames)
}

func TestBroadcastEnvelopeShape(t *testing.T) {
	reg := NewRegistry(multiConnection)
	bus := NewBroadcaster(reg, NewPresenceTracker())

	alice := &fakeTransport{}
	reg.Connect(1, alice)

	bus.SendToUser(1, EventRoomCreated, map[string]string{"name": "general"})

	events := alice.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, EventRoomCreated, events[0].Type)
	assert.JSONEq(t, `{"name":"general"}`, string(events[0].Data))
}
