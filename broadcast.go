package main

import (
	"encoding/json"
	"log"
	"time"
)

// Outbound event types.
const (
	EventAuthResponse      = "auth_response"
	EventNewMessage        = "new_message"
	EventMessageUpdated    = "message_updated"
	EventMessageDeleted    = "message_deleted"
	EventMessageReaction   = "message_reaction"
	EventMessagePinned     = "message_pinned"
	EventMessageUnpinned   = "message_unpinned"
	EventRoomCreated       = "room_created"
	EventRoomUpdated       = "room_updated"
	EventRoomDeleted       = "room_deleted"
	EventPrivateRoom       = "private_room_created"
	EventMemberJoined      = "member_joined"
	EventMemberUpdated     = "member_updated"
	EventMemberLeft        = "member_left"
	EventUserOnline        = "user_online"
	EventUserOffline       = "user_offline"
	EventTyping            = "typing"
	EventMembersList       = "members_list"
	EventOnlineUsers       = "online_users"
	EventJoinRequest       = "join_request"
	EventSystemNotify      = "system_notification"
	EventError             = "error"
)

// Envelope is the outbound wire frame.
type Envelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Broadcaster fans events out through a registry. Two instances exist: one
// over the room socket registry, one over the global socket registry.
type Broadcaster struct {
	registry *Registry
	presence *PresenceTracker
}

func NewBroadcaster(registry *Registry, presence *PresenceTracker) *Broadcaster {
	return &Broadcaster{registry: registry, presence: presence}
}

func (b *Broadcaster) encode(eventType string, data interface{}) []byte {
	payload, err := json.Marshal(Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		log.Printf("broadcast: encoding %s event: %v", eventType, err)
		return nil
	}
	return payload
}

// SendToUser delivers one event to every connection of one user.
func (b *Broadcaster) SendToUser(userID int, eventType string, data interface{}) {
	payload := b.encode(eventType, data)
	if payload == nil {
		return
	}
	b.registry.SendTo(userID, payload)
}

// SendToUsers delivers one event to each listed user exactly once; duplicate
// ids in the list are collapsed.
func (b *Broadcaster) SendToUsers(userIDs []int, eventType string, data interface{}, excludeUserID int) {
	payload := b.encode(eventType, data)
	if payload == nil {
		return
	}

	seen := make(map[int]struct{}, len(userIDs))
	for _, userID := range userIDs {
		if userID == excludeUserID {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		b.registry.SendTo(userID, payload)
	}
}

// BroadcastToRoom delivers to every user currently present in the room,
// optionally excluding one (0 excludes nobody).
func (b *Broadcaster) BroadcastToRoom(roomID int, eventType string, data interface{}, excludeUserID int) {
	b.SendToUsers(b.presence.UsersInRoom(roomID), eventType, data, excludeUserID)
}

// BroadcastToAll delivers to every online user on this registry, optionally
// excluding one.
func (b *Broadcaster) BroadcastToAll(eventType string, data interface{}, excludeUserID int) {
	b.SendToUsers(b.registry.OnlineUsers(), eventType, data, excludeUserID)
}
