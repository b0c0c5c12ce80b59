package main

import (
	"fmt"
	"log"
)

// System message kinds. The set is closed; the websocket layer never accepts
// these from clients.
const (
	SysJoinRequest         = "join_request"
	SysJoinRequestApproved = "join_request_approved"
	SysJoinRequestRejected = "join_request_rejected"
	SysMemberJoined        = "member_joined"
	SysMemberInvited       = "member_invited"
	SysMemberLeft          = "member_left"
	SysMemberKicked        = "member_kicked"
	SysMemberMuted         = "member_muted"
	SysMemberUnmuted       = "member_unmuted"
	SysRoleChanged         = "role_changed"
	SysOwnerTransferred    = "owner_transferred"
	SysRoomUpdated         = "room_settings_changed"
	SysMessagePinned       = "message_pinned"
	SysMessageUnpinned     = "message_unpinned"
	SysMessageRemoved      = "message_deleted_by_admin"
)

// SystemPayload is the structured body of a persisted system message. Kind is
// always set; the remaining fields are populated per kind.
type SystemPayload struct {
	Kind       string `json:"kind"`
	ActorID    int    `json:"actor_id"`
	ActorName  string `json:"actor_name"`
	TargetID   int    `json:"target_id,omitempty"`
	TargetName string `json:"target_name,omitempty"`
	Role       string `json:"role,omitempty"`
	MessageID  int    `json:"message_id,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// SystemMessageEmitter persists moderation and lifecycle events as messages of
// type "system" in the room's history and broadcasts them like ordinary
// messages, so clients render them inline.
type SystemMessageEmitter struct {
	db        *Database
	roomBus   *Broadcaster
	globalBus *Broadcaster
}

func NewSystemMessageEmitter(db *Database, roomBus, globalBus *Broadcaster) *SystemMessageEmitter {
	return &SystemMessageEmitter{db: db, roomBus: roomBus, globalBus: globalBus}
}

// Emit writes the system message and broadcasts it to the room. Emission
// failures are logged, never surfaced: a moderation action that succeeded must
// not be reported as failed because its announcement could not be stored.
func (e *SystemMessageEmitter) Emit(roomID int, payload *SystemPayload) {
	msg := &Message{
		RoomID:     roomID,
		SenderID:   payload.ActorID,
		Type:       MessageTypeSystem,
		Content:    renderSystemText(payload),
		SystemData: payload,
	}

	saved, err := e.db.InsertMessage(msg)
	if err != nil {
		log.Printf("system message: persisting %s in room %d: %v", payload.Kind, roomID, err)
		return
	}

	e.roomBus.BroadcastToRoom(roomID, EventNewMessage, saved, 0)

	// Actions aimed at a specific user also reach them directly, so a kicked
	// or promoted user hears about it even when not viewing the room.
	if payload.TargetID != 0 && payload.TargetID != payload.ActorID {
		e.globalBus.SendToUser(payload.TargetID, EventSystemNotify, saved)
	}
}

// renderSystemText is the human-readable fallback for clients that don't
// interpret the structured payload.
func renderSystemText(p *SystemPayload) string {
	switch p.Kind {
	case SysJoinRequest:
		return fmt.Sprintf("%s requested to join", p.ActorName)
	case SysJoinRequestApproved:
		return fmt.Sprintf("%s approved %s's join request", p.ActorName, p.TargetName)
	case SysJoinRequestRejected:
		return fmt.Sprintf("%s rejected %s's join request", p.ActorName, p.TargetName)
	case SysMemberJoined:
		return fmt.Sprintf("%s joined the room", p.ActorName)
	case SysMemberInvited:
		return fmt.Sprintf("%s invited %s to the room", p.ActorName, p.TargetName)
	case SysMemberLeft:
		return fmt.Sprintf("%s left the room", p.ActorName)
	case SysMemberKicked:
		return fmt.Sprintf("%s removed %s from the room", p.ActorName, p.TargetName)
	case SysMemberMuted:
		return fmt.Sprintf("%s muted %s", p.ActorName, p.TargetName)
	case SysMemberUnmuted:
		return fmt.Sprintf("%s unmuted %s", p.ActorName, p.TargetName)
	case SysRoleChanged:
		return fmt.Sprintf("%s set %s's role to %s", p.ActorName, p.TargetName, p.Role)
	case SysOwnerTransferred:
		return fmt.Sprintf("%s transferred ownership to %s", p.ActorName, p.TargetName)
	case SysRoomUpdated:
		return fmt.Sprintf("%s updated the room settings", p.ActorName)
	case SysMessagePinned:
		return fmt.Sprintf("%s pinned a message", p.ActorName)
	case SysMessageUnpinned:
		return fmt.Sprintf("%s unpinned a message", p.ActorName)
	case SysMessageRemoved:
		return fmt.Sprintf("%s removed a message", p.ActorName)
	default:
		return p.Kind
	}
}
