package main

import (
	"database/sql"
	"errors"
	"log"
	"strings"
	"sync"
	"time"
)

const roomLockStripes = 64

// ChatSessionManager owns message lifecycle and room moderation. Every
// mutating operation persists first, then broadcasts; per-room writes are
// serialized through striped locks so concurrent senders observe a single
// room order.
type ChatSessionManager struct {
	db        *Database
	cfg       *Config
	roomBus   *Broadcaster
	globalBus *Broadcaster
	sysmsg    *SystemMessageEmitter

	roomLocks [roomLockStripes]sync.Mutex
	privateMu sync.Mutex
}

func NewChatSessionManager(db *Database, cfg *Config, roomBus, globalBus *Broadcaster, sysmsg *SystemMessageEmitter) *ChatSessionManager {
	return &ChatSessionManager{
		db:        db,
		cfg:       cfg,
		roomBus:   roomBus,
		globalBus: globalBus,
		sysmsg:    sysmsg,
	}
}

func (m *ChatSessionManager) lockRoom(roomID int) *sync.Mutex {
	return &m.roomLocks[roomID%roomLockStripes]
}

func notFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// activeRoom loads a room and rejects retired ones.
func (m *ChatSessionManager) activeRoom(roomID int) (*Room, error) {
	room, err := m.db.GetRoomByID(roomID)
	if err != nil {
		if notFound(err) {
			return nil, chatErrorf(CodeNotFound, "room %d not found", roomID)
		}
		return nil, err
	}
	if !room.IsActive {
		return nil, ErrRoomInactive
	}
	return room, nil
}

// membership resolves the caller's membership, auto-joining public rooms.
func (m *ChatSessionManager) membership(room *Room, session *Session) (*Membership, error) {
	member, err := m.db.GetMembership(room.ID, session.UserID)
	if err == nil {
		return member, nil
	}
	if !notFound(err) {
		return nil, err
	}

	if !room.IsPublic {
		return nil, ErrNotMember
	}

	// Public rooms admit anyone on first touch.
	if err := m.checkCapacity(room); err != nil {
		return nil, err
	}
	if err := m.db.UpsertMembership(room.ID, session.UserID, RoleMember); err != nil {
		return nil, err
	}
	m.roomBus.BroadcastToRoom(room.ID, EventMemberJoined, map[string]interface{}{
		"room_id":  room.ID,
		"user_id":  session.UserID,
		"username": session.Username,
	}, session.UserID)
	return m.db.GetMembership(room.ID, session.UserID)
}

func (m *ChatSessionManager) requireRole(member *Membership, minRole string) error {
	if roleRank(member.Role) < roleRank(minRole) {
		return ErrInsufficientRole
	}
	return nil
}

func (m *ChatSessionManager) checkCapacity(room *Room) error {
	count, err := m.db.CountMembers(room.ID)
	if err != nil {
		return err
	}
	if room.MaxMembers > 0 && count >= room.MaxMembers {
		return chatErrorf(CodeCapacity, "room %q is full", room.Name)
	}
	return nil
}

// ==================== Messages ====================

func (m *ChatSessionManager) SendMessage(session *Session, roomID int, content, msgType string, replyToID *int) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, chatErrorf(CodeInvalid, "message content is empty")
	}
	if msgType == "" {
		msgType = MessageTypeText
	}
	if msgType == MessageTypeSystem {
		return nil, chatErrorf(CodeInvalid, "system messages cannot be sent by clients")
	}

	lock := m.lockRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	room, err := m.activeRoom(roomID)
	if err != nil {
		return nil, err
	}
	member, err := m.membership(room, session)
	if err != nil {
		return nil, err
	}
	if member.IsMuted {
		return nil, ErrMuted
	}

	if replyToID != nil {
		parent, err := m.db.GetMessageByID(*replyToID)
		if err != nil || parent.RoomID != roomID || parent.IsDeleted {
			return nil, chatErrorf(CodeNotFound, "reply target not found")
		}
	}

	saved, err := m.db.InsertMessage(&Message{
		RoomID:    roomID,
		SenderID:  session.UserID,
		Type:      msgType,
		Content:   content,
		ReplyToID: replyToID,
	})
	if err != nil {
		return nil, err
	}
	if err := m.db.TouchRoomLastMessage(roomID); err != nil {
		return nil, err
	}

	m.roomBus.BroadcastToRoom(roomID, EventNewMessage, saved, 0)
	m.notifyRoomActivity(roomID, saved)
	return saved, nil
}

// notifyRoomActivity pushes a room_updated summary over the global socket so
// members not currently viewing the room still see fresh activity in their
// room lists.
func (m *ChatSessionManager) notifyRoomActivity(roomID int, msg *Message) {
	memberIDs, err := m.db.ListMemberIDs(roomID)
	if err != nil {
		log.Printf("room activity: listing members of room %d: %v", roomID, err)
		return
	}
	m.globalBus.SendToUsers(memberIDs, EventRoomUpdated, map[string]interface{}{
		"room_id":         roomID,
		"last_message_at": msg.CreatedAt,
		"last_message": map[string]interface{}{
			"id":           msg.ID,
			"sender":       msg.Sender.Username,
			"message_type": msg.Type,
			"content":      msg.Content,
		},
	}, 0)
}

func (m *ChatSessionManager) EditMessage(session *Session, messageID int, content string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, chatErrorf(CodeInvalid, "message content is empty")
	}

	msg, err := m.db.GetMessageByID(messageID)
	if err != nil {
		if notFound(err) {
			return nil, chatErrorf(CodeNotFound, "message %d not found", messageID)
		}
		return nil, err
	}

	lock := m.lockRoom(msg.RoomID)
	lock.Lock()
	defer lock.Unlock()

	if msg.IsDeleted || msg.Type == MessageTypeSystem {
		return nil, chatErrorf(CodeNotFound, "message %d not found", messageID)
	}
	if msg.SenderID != session.UserID {
		return nil, ErrNotAuthor
	}

	if err := m.db.UpdateMessageContent(messageID, content); err != nil {
		return nil, err
	}
	updated, err := m.db.GetMessageByID(messageID)
	if err != nil {
		return nil, err
	}

	m.roomBus.BroadcastToRoom(msg.RoomID, EventMessageUpdated, updated, 0)
	return updated, nil
}

// DeleteMessage soft-deletes. Authors delete their own; admins and owners
// delete anyone's, which is announced as a moderation action.
func (m *ChatSessionManager) DeleteMessage(session *Session, messageID int) error {
	msg, err := m.db.GetMessageByID(messageID)
	if err != nil {
		if notFound(err) {
			return chatErrorf(CodeNotFound, "message %d not found", messageID)
		}
		return err
	}

	lock := m.lockRoom(msg.RoomID)
	lock.Lock()
	defer lock.Unlock()

	if msg.IsDeleted {
		return chatErrorf(CodeNotFound, "message %d not found", messageID)
	}

	byModerator := false
	if msg.SenderID != session.UserID {
		member, err := m.db.GetMembership(msg.RoomID, session.UserID)
		if err != nil {
			return ErrNotMember
		}
		if err := m.requireRole(member, RoleAdmin); err != nil {
			return ErrNotAuthor
		}
		byModerator = true
	}

	if err := m.db.SoftDeleteMessage(messageID); err != nil {
		return err
	}

	m.roomBus.BroadcastToRoom(msg.RoomID, EventMessageDeleted, map[string]interface{}{
		"message_id": messageID,
		"room_id":    msg.RoomID,
		"deleted_by": session.UserID,
	}, 0)

	if byModerator {
		m.sysmsg.Emit(msg.RoomID, &SystemPayload{
			Kind:      SysMessageRemoved,
			ActorID:   session.UserID,
			ActorName: session.Username,
			TargetID:  msg.SenderID,
			MessageID: messageID,
		})
	}
	return nil
}

// ReactMessage toggles the caller's (emoji, message) reaction and broadcasts
// the refreshed tally.
func (m *ChatSessionManager) ReactMessage(session *Session, messageID int, emoji string) ([]Reaction, error) {
	if emoji == "" {
		return nil, chatErrorf(CodeInvalid, "emoji is required")
	}

	msg, err := m.db.GetMessageByID(messageID)
	if err != nil {
		if notFound(err) {
			return nil, chatErrorf(CodeNotFound, "message %d not found", messageID)
		}
		return nil, err
	}
	if msg.IsDeleted {
		return nil, chatErrorf(CodeNotFound, "message %d not found", messageID)
	}

	room, err := m.activeRoom(msg.RoomID)
	if err != nil {
		return nil, err
	}
	if _, err := m.membership(room, session); err != nil {
		return nil, err
	}

	added, err := m.db.ToggleReaction(messageID, session.UserID, emoji)
	if err != nil {
		return nil, err
	}
	reactions, err := m.db.ListReactions(messageID, session.UserID)
	if err != nil {
		return nil, err
	}

	m.roomBus.BroadcastToRoom(msg.RoomID, EventMessageReaction, map[string]interface{}{
		"message_id": messageID,
		"room_id":    msg.RoomID,
		"user_id":    session.UserID,
		"emoji":      emoji,
		"added":      added,
		"reactions":  reactions,
	}, 0)
	return reactions, nil
}

func (m *ChatSessionManager) GetMessages(session *Session, roomID, limit, offset int) ([]Message, error) {
	room, err := m.activeRoom(roomID)
	if err != nil {
		return nil, err
	}
	if _, err := m.membership(room, session); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = m.cfg.HistoryLimit
	}

	messages, err := m.db.ListRoomMessages(roomID, limit, offset)
	if err != nil {
		return nil, err
	}
	m.db.MarkRead(roomID, session.UserID)
	return messages, nil
}

func (m *ChatSessionManager) PinMessage(session *Session, messageID int) error {
	return m.setPinned(session, messageID, true)
}

func (m *ChatSessionManager) UnpinMessage(session *Session, messageID int) error {
	return m.setPinned(session, messageID, false)
}

func (m *ChatSessionManager) setPinned(session *Session, messageID int, pinned bool) error {
	msg, err := m.db.GetMessageByID(messageID)
	if err != nil {
		if notFound(err) {
			return chatErrorf(CodeNotFound, "message %d not found", messageID)
		}
		return err
	}
	if msg.IsDeleted {
		return chatErrorf(CodeNotFound, "message %d not found", messageID)
	}

	lock := m.lockRoom(msg.RoomID)
	lock.Lock()
	defer lock.Unlock()

	member, err := m.db.GetMembership(msg.RoomID, session.UserID)
	if err != nil {
		return ErrNotMember
	}
	if err := m.requireRole(member, RoleAdmin); err != nil {
		return err
	}
	if msg.IsPinned == pinned {
		return chatErrorf(CodeConflict, "message %d pin state unchanged", messageID)
	}

	kind := SysMessagePinned
	event := EventMessagePinned
	if pinned {
		if err := m.db.SetMessagePinned(messageID, session.UserID); err != nil {
			return err
		}
	} else {
		if err := m.db.ClearMessagePinned(messageID); err != nil {
			return err
		}
		kind = SysMessageUnpinned
		event = EventMessageUnpinned
	}

	m.roomBus.BroadcastToRoom(msg.RoomID, event, map[string]interface{}{
		"message_id": messageID,
		"room_id":    msg.RoomID,
		"by":         session.UserID,
	}, 0)
	m.sysmsg.Emit(msg.RoomID, &SystemPayload{
		Kind:      kind,
		ActorID:   session.UserID,
		ActorName: session.Username,
		MessageID: messageID,
	})
	return nil
}

func (m *ChatSessionManager) GetPinnedMessages(session *Session, roomID int) ([]Message, error) {
	room, err := m.activeRoom(roomID)
	if err != nil {
		return nil, err
	}
	if _, err := m.membership(room, session); err != nil {
		return nil, err
	}
	return m.db.ListPinnedMessages(roomID)
}

// ==================== Rooms ====================

func (m *ChatSessionManager) CreateRoom(session *Session, room *Room) (*Room, error) {
	if strings.TrimSpace(room.Name) == "" {
		return nil, chatErrorf(CodeInvalid, "room name is required")
	}
	switch room.Type {
	case "":
		room.Type = RoomTypeGroup
	case RoomTypePublic, RoomTypeGroup, RoomTypeChannel:
	case RoomTypePrivate:
		return nil, chatErrorf(CodeInvalid, "private rooms are created through the direct-message endpoint")
	default:
		return nil, chatErrorf(CodeInvalid, "unknown room type %q", room.Type)
	}
	if room.Type == RoomTypePublic {
		room.IsPublic = true
	}
	if room.MaxMembers <= 0 {
		room.MaxMembers = 500
	}
	room.CreatedBy = session.UserID

	saved, err := m.db.CreateRoom(room)
	if err != nil {
		return nil, err
	}
	if err := m.db.UpsertMembership(saved.ID, session.UserID, RoleOwner); err != nil {
		return nil, err
	}

	if saved.IsPublic {
		m.globalBus.BroadcastToAll(EventRoomCreated, saved, 0)
	} else {
		m.globalBus.SendToUser(session.UserID, EventRoomCreated, saved)
	}

	if saved.WelcomeMessage != "" {
		m.sysmsg.Emit(saved.ID, &SystemPayload{
			Kind:      SysRoomUpdated,
			ActorID:   session.UserID,
			ActorName: session.Username,
			Detail:    saved.WelcomeMessage,
		})
	}
	return saved, nil
}

// GetOrCreatePrivateRoom returns the 1:1 room between the caller and the peer,
// creating it on first use. Idempotent in either argument order.
func (m *ChatSessionManager) GetOrCreatePrivateRoom(session *Session, peerID int) (*Room, error) {
	if peerID == session.UserID {
		return nil, chatErrorf(CodeInvalid, "cannot open a private room with yourself")
	}
	peer, err := m.db.GetUserByID(peerID)
	if err != nil {
		if notFound(err) {
			return nil, chatErrorf(CodeNotFound, "user %d not found", peerID)
		}
		return nil, err
	}

	m.privateMu.Lock()
	defer m.privateMu.Unlock()

	if room, err := m.db.FindPrivateRoom(session.UserID, peerID); err == nil {
		return room, nil
	} else if !notFound(err) {
		return nil, err
	}

	room, err := m.db.CreateRoom(&Room{
		Name:       session.Username + " & " + peer.Username,
		Type:       RoomTypePrivate,
		MaxMembers: 2,
		CreatedBy:  session.UserID,
	})
	if err != nil {
		return nil, err
	}
	if err := m.db.UpsertMembership(room.ID, session.UserID, RoleMember); err != nil {
		return nil, err
	}
	if err := m.db.UpsertMembership(room.ID, peerID, RoleMember); err != nil {
		return nil, err
	}

	m.globalBus.SendToUsers([]int{session.UserID, peerID}, EventPrivateRoom, room, 0)
	return room, nil
}

func (m *ChatSessionManager) UpdateRoom(session *Session, roomID int, update *Room) (*Room, error) {
	lock := m.lockRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	room, err := m.activeRoom(roomID)
	if err != nil {
		return nil, err
	}
	member, err := m.db.GetMembership(roomID, session.UserID)
	if err != nil {
		return nil, ErrNotMember
	}
	if err := m.requireRole(member, RoleAdmin); err != nil {
		return nil, err
	}
	if strings.TrimSpace(update.Name) == "" {
		update.Name = room.Name
	}
	if update.MaxMembers <= 0 {
		update.MaxMembers = room.MaxMembers
	}

	err = m.db.UpdateRoomSettings(roomID, update.Name, update.Description,
		update.WelcomeMessage, update.IsPublic, update.AllowSearch,
		update.EnableInviteCode, update.AllowMemberInvite, update.MaxMembers)
	if err != nil {
		return nil, err
	}
	saved, err := m.db.GetRoomByID(roomID)
	if err != nil {
		return nil, err
	}

	m.roomBus.BroadcastToRoom(roomID, EventRoomUpdated, saved, 0)
	m.sysmsg.Emit(roomID, &SystemPayload{
		Kind:      SysRoomUpdated,
		ActorID:   session.UserID,
		ActorName: session.Username,
	})
	return saved, nil
}

func (m *ChatSessionManager) DeleteRoom(session *Session, roomID int) error {
	lock := m.lockRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	room, err := m.activeRoom(roomID)
	if err != nil {
		return err
	}
	member, err := m.db.GetMembership(roomID, session.UserID)
	if err != nil {
		return ErrNotMember
	}
	if err := m.requireRole(member, RoleOwner); err != nil {
		return err
	}

	memberIDs, err := m.db.ListMemberIDs(roomID)
	if err != nil {
		return err
	}
	if err := m.db.DeactivateRoom(roomID); err != nil {
		return err
	}

	payload := map[string]interface{}{"room_id": roomID, "room_name": room.Name}
	m.roomBus.BroadcastToRoom(roomID, EventRoomDeleted, payload, 0)
	m.globalBus.SendToUsers(memberIDs, EventRoomDeleted, payload, 0)
	return nil
}

func (m *ChatSessionManager) ListRooms(session *Session, limit, offset int) ([]Room, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return m.db.ListRoomsForUser(session.UserID, limit, offset)
}

func (m *ChatSessionManager) SearchRooms(query string, limit int) ([]Room, error) {
	if strings.TrimSpace(query) == "" {
		return make([]Room, 0), nil
	}
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	return m.db.SearchRooms(query, limit)
}

func (m *ChatSessionManager) GetMembers(session *Session, roomID int) ([]RoomMember, error) {
	room, err := m.activeRoom(roomID)
	if err != nil {
		return nil, err
	}
	if _, err := m.membership(room, session); err != nil {
		return nil, err
	}
	return m.db.ListMembers(roomID)
}

func (m *ChatSessionManager) GetRoomStatistics(session *Session, roomID int) (*RoomStatistics, error) {
	if _, err := m.activeRoom(roomID); err != nil {
		return nil, err
	}
	member, err := m.db.GetMembership(roomID, session.UserID)
	if err != nil {
		return nil, ErrNotMember
	}
	if err := m.requireRole(member, RoleAdmin); err != nil {
		return nil, err
	}
	return m.db.GetRoomStatistics(roomID)
}

// ==================== Join workflow ====================

// RequestJoin opens a pending join request for a non-public room, or joins a
// public room outright. A second pending request for the same room is a
// conflict, never a silent refresh.
func (m *ChatSessionManager) RequestJoin(session *Session, roomID int, message string) (*JoinRequest, error) {
	lock := m.lockRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	room, err := m.activeRoom(roomID)
	if err != nil {
		return nil, err
	}
	if _, err := m.db.GetMembership(roomID, session.UserID); err == nil {
		return nil, chatErrorf(CodeConflict, "already a member of room %d", roomID)
	} else if !notFound(err) {
		return nil, err
	}
	if err := m.checkCapacity(room); err != nil {
		return nil, err
	}

	if room.IsPublic {
		if err := m.db.UpsertMembership(roomID, session.UserID, RoleMember); err != nil {
			return nil, err
		}
		m.announceJoin(room, session.UserID, session.Username)
		return nil, nil
	}

	if _, err := m.db.FindPendingJoinRequest(roomID, session.UserID); err == nil {
		return nil, chatErrorf(CodeConflict, "join request already pending for room %d", roomID)
	} else if !notFound(err) {
		return nil, err
	}

	req, err := m.db.InsertJoinRequest(roomID, session.UserID, message,
		time.Now().Add(m.cfg.JoinRequestTTL))
	if err != nil {
		return nil, err
	}

	m.sysmsg.Emit(roomID, &SystemPayload{
		Kind:      SysJoinRequest,
		ActorID:   session.UserID,
		ActorName: session.Username,
		Detail:    message,
	})
	m.notifyModerators(roomID, EventJoinRequest, req)
	return req, nil
}

// notifyModerators pushes an event to every admin and the owner over the
// global socket.
func (m *ChatSessionManager) notifyModerators(roomID int, eventType string, data interface{}) {
	members, err := m.db.ListMembers(roomID)
	if err != nil {
		return
	}
	ids := make([]int, 0)
	for _, member := range members {
		if roleRank(member.Role) >= roleRank(RoleAdmin) {
			ids = append(ids, member.UserID)
		}
	}
	m.globalBus.SendToUsers(ids, eventType, data, 0)
}

func (m *ChatSessionManager) ApproveJoinRequest(session *Session, requestID int) error {
	return m.resolveJoinRequest(session, requestID, true)
}

func (m *ChatSessionManager) RejectJoinRequest(session *Session, requestID int) error {
	return m.resolveJoinRequest(session, requestID, false)
}

func (m *ChatSessionManager) resolveJoinRequest(session *Session, requestID int, approve bool) error {
	req, err := m.db.GetJoinRequestByID(requestID)
	if err != nil {
		if notFound(err) {
			return chatErrorf(CodeNotFound, "join request %d not found", requestID)
		}
		return err
	}

	lock := m.lockRoom(req.RoomID)
	lock.Lock()
	defer lock.Unlock()

	room, err := m.activeRoom(req.RoomID)
	if err != nil {
		return err
	}
	member, err := m.db.GetMembership(req.RoomID, session.UserID)
	if err != nil {
		return ErrNotMember
	}
	if err := m.requireRole(member, RoleAdmin); err != nil {
		return err
	}
	if req.Status == JoinRequestPending && time.Now().After(req.ExpiresAt) {
		if _, err := m.db.ResolveJoinRequest(requestID, JoinRequestExpired, 0); err != nil {
			log.Printf("expiring join request %d: %v", requestID, err)
		}
		return ErrNotPending
	}

	status := JoinRequestRejected
	if approve {
		if err := m.checkCapacity(room); err != nil {
			return err
		}
		status = JoinRequestApproved
	}

	// The status transition is the arbiter: only one resolver wins.
	resolved, err := m.db.ResolveJoinRequest(requestID, status, session.UserID)
	if err != nil {
		return err
	}
	if !resolved {
		return ErrNotPending
	}

	requester, err := m.db.GetUserByID(req.UserID)
	if err != nil {
		return err
	}

	if approve {
		if err := m.db.UpsertMembership(req.RoomID, req.UserID, RoleMember); err != nil {
			return err
		}
		m.announceJoin(room, requester.ID, requester.Username)
		m.sysmsg.Emit(req.RoomID, &SystemPayload{
			Kind:       SysJoinRequestApproved,
			ActorID:    session.UserID,
			ActorName:  session.Username,
			TargetID:   requester.ID,
			TargetName: requester.Username,
		})
	} else {
		m.sysmsg.Emit(req.RoomID, &SystemPayload{
			Kind:       SysJoinRequestRejected,
			ActorID:    session.UserID,
			ActorName:  session.Username,
			TargetID:   requester.ID,
			TargetName: requester.Username,
		})
	}

	m.globalBus.SendToUser(req.UserID, EventJoinRequest, map[string]interface{}{
		"request_id": requestID,
		"room_id":    req.RoomID,
		"room_name":  room.Name,
		"status":     status,
	})
	return nil
}

func (m *ChatSessionManager) ListJoinRequests(session *Session, roomID int) ([]JoinRequest, error) {
	if _, err := m.activeRoom(roomID); err != nil {
		return nil, err
	}
	member, err := m.db.GetMembership(roomID, session.UserID)
	if err != nil {
		return nil, ErrNotMember
	}
	if err := m.requireRole(member, RoleAdmin); err != nil {
		return nil, err
	}
	return m.db.ListPendingJoinRequests(roomID)
}

func (m *ChatSessionManager) announceJoin(room *Room, userID int, username string) {
	m.roomBus.BroadcastToRoom(room.ID, EventMemberJoined, map[string]interface{}{
		"room_id":  room.ID,
		"user_id":  userID,
		"username": username,
	}, userID)
	m.sysmsg.Emit(room.ID, &SystemPayload{
		Kind:      SysMemberJoined,
		ActorID:   userID,
		ActorName: username,
	})
}

// ==================== Invite codes ====================

// GenerateInviteCode mints (and replaces) the room's invite code. Admins
// always may; plain members only when the room allows member invites.
func (m *ChatSessionManager) GenerateInviteCode(session *Session, roomID int) (*InviteCodeInfo, error) {
	lock := m.lockRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	room, err := m.activeRoom(roomID)
	if err != nil {
		return nil, err
	}
	if !room.EnableInviteCode {
		return nil, chatErrorf(CodeInvalid, "invite codes are disabled for room %d", roomID)
	}
	member, err := m.db.GetMembership(roomID, session.UserID)
	if err != nil {
		return nil, ErrNotMember
	}
	if roleRank(member.Role) < roleRank(RoleAdmin) && !room.AllowMemberInvite {
		return nil, ErrInsufficientRole
	}

	expiresAt := time.Now().Add(m.cfg.InviteCodeTTL)
	code, err := m.db.SetInviteCode(roomID, expiresAt)
	if err != nil {
		return nil, err
	}
	return &InviteCodeInfo{RoomID: roomID, Code: code, ExpiresAt: expiresAt}, nil
}

func (m *ChatSessionManager) JoinByInviteCode(session *Session, code string) (*Room, error) {
	room, err := m.db.GetRoomByInviteCode(code)
	if err != nil {
		if notFound(err) {
			return nil, chatErrorf(CodeNotFound, "invite code not recognized")
		}
		return nil, err
	}

	lock := m.lockRoom(room.ID)
	lock.Lock()
	defer lock.Unlock()

	if !room.IsActive {
		return nil, ErrRoomInactive
	}
	if !room.EnableInviteCode {
		return nil, chatErrorf(CodeNotFound, "invite code not recognized")
	}
	if room.InviteCodeExpires != nil && time.Now().After(*room.InviteCodeExpires) {
		return nil, chatErrorf(CodeNotFound, "invite code has expired")
	}
	if _, err := m.db.GetMembership(room.ID, session.UserID); err == nil {
		return nil, chatErrorf(CodeConflict, "already a member of room %d", room.ID)
	} else if !notFound(err) {
		return nil, err
	}
	if err := m.checkCapacity(room); err != nil {
		return nil, err
	}

	if err := m.db.UpsertMembership(room.ID, session.UserID, RoleMember); err != nil {
		return nil, err
	}
	m.announceJoin(room, session.UserID, session.Username)
	return room, nil
}

// InviteUser adds another user to the room directly. Admins always may;
// plain members only when the room allows member invites. The invitee is
// told over the global socket so the room shows up without a refresh.
func (m *ChatSessionManager) InviteUser(session *Session, roomID, targetID int) error {
	lock := m.lockRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	room, err := m.activeRoom(roomID)
	if err != nil {
		return err
	}
	actor, err := m.db.GetMembership(roomID, session.UserID)
	if err != nil {
		return ErrNotMember
	}
	if roleRank(actor.Role) < roleRank(RoleAdmin) && !room.AllowMemberInvite {
		return ErrInsufficientRole
	}
	if targetID == session.UserID {
		return chatErrorf(CodeInvalid, "cannot invite yourself")
	}
	target, err := m.db.GetUserByID(targetID)
	if err != nil {
		if notFound(err) {
			return chatErrorf(CodeNotFound, "user %d not found", targetID)
		}
		return err
	}
	if _, err := m.db.GetMembership(roomID, targetID); err == nil {
		return chatErrorf(CodeConflict, "user %d is already a member of room %d", targetID, roomID)
	} else if !notFound(err) {
		return err
	}
	if err := m.checkCapacity(room); err != nil {
		return err
	}

	if err := m.db.UpsertMembership(roomID, targetID, RoleMember); err != nil {
		return err
	}

	m.roomBus.BroadcastToRoom(roomID, EventMemberJoined, map[string]interface{}{
		"room_id":  roomID,
		"user_id":  targetID,
		"username": target.Username,
	}, 0)
	m.sysmsg.Emit(roomID, &SystemPayload{
		Kind:       SysMemberInvited,
		ActorID:    session.UserID,
		ActorName:  session.Username,
		TargetID:   targetID,
		TargetName: target.Username,
	})
	m.globalBus.SendToUser(targetID, EventMemberJoined, map[string]interface{}{
		"room_id":   roomID,
		"room_name": room.Name,
		"invited":   true,
	})
	return nil
}

// ==================== Moderation ====================

// targetMembership loads the target member and enforces that the actor
// outranks them.
func (m *ChatSessionManager) targetMembership(roomID int, actor *Membership, targetID int) (*Membership, error) {
	target, err := m.db.GetMembership(roomID, targetID)
	if err != nil {
		if notFound(err) {
			return nil, chatErrorf(CodeNotFound, "user %d is not a member of room %d", targetID, roomID)
		}
		return nil, err
	}
	if roleRank(target.Role) >= roleRank(actor.Role) {
		return nil, ErrInsufficientRole
	}
	return target, nil
}

func (m *ChatSessionManager) KickMember(session *Session, roomID, targetID int) error {
	lock := m.lockRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	room, err := m.activeRoom(roomID)
	if err != nil {
		return err
	}
	actor, err := m.db.GetMembership(roomID, session.UserID)
	if err != nil {
		return ErrNotMember
	}
	if err := m.requireRole(actor, RoleAdmin); err != nil {
		return err
	}
	if targetID == session.UserID {
		return chatErrorf(CodeInvalid, "use leave to exit a room")
	}
	if _, err := m.targetMembership(roomID, actor, targetID); err != nil {
		return err
	}
	target, err := m.db.GetUserByID(targetID)
	if err != nil {
		return err
	}

	if err := m.db.RemoveMembership(roomID, targetID); err != nil {
		return err
	}

	m.roomBus.BroadcastToRoom(roomID, EventMemberLeft, map[string]interface{}{
		"room_id":  roomID,
		"user_id":  targetID,
		"username": target.Username,
		"kicked":   true,
	}, 0)
	m.sysmsg.Emit(roomID, &SystemPayload{
		Kind:       SysMemberKicked,
		ActorID:    session.UserID,
		ActorName:  session.Username,
		TargetID:   targetID,
		TargetName: target.Username,
	})
	m.globalBus.SendToUser(targetID, EventMemberLeft, map[string]interface{}{
		"room_id":   roomID,
		"room_name": room.Name,
		"kicked":    true,
	})
	return nil
}

func (m *ChatSessionManager) SetMemberMuted(session *Session, roomID, targetID int, muted bool) error {
	lock := m.lockRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := m.activeRoom(roomID); err != nil {
		return err
	}
	actor, err := m.db.GetMembership(roomID, session.UserID)
	if err != nil {
		return ErrNotMember
	}
	if err := m.requireRole(actor, RoleAdmin); err != nil {
		return err
	}
	target, err := m.targetMembership(roomID, actor, targetID)
	if err != nil {
		return err
	}
	if target.IsMuted == muted {
		return chatErrorf(CodeConflict, "mute state unchanged for user %d", targetID)
	}

	if err := m.db.SetMemberMuted(roomID, targetID, muted); err != nil {
		return err
	}

	targetUser, err := m.db.GetUserByID(targetID)
	if err != nil {
		return err
	}
	m.roomBus.BroadcastToRoom(roomID, EventMemberUpdated, map[string]interface{}{
		"room_id":  roomID,
		"user_id":  targetID,
		"username": targetUser.Username,
		"is_muted": muted,
	}, 0)
	kind := SysMemberMuted
	if !muted {
		kind = SysMemberUnmuted
	}
	m.sysmsg.Emit(roomID, &SystemPayload{
		Kind:       kind,
		ActorID:    session.UserID,
		ActorName:  session.Username,
		TargetID:   targetID,
		TargetName: targetUser.Username,
	})
	return nil
}

// SetMemberRole promotes or demotes between member and admin. Owner only;
// ownership itself moves through TransferOwnership.
func (m *ChatSessionManager) SetMemberRole(session *Session, roomID, targetID int, role string) error {
	if role != RoleMember && role != RoleAdmin {
		return chatErrorf(CodeInvalid, "role must be member or admin")
	}

	lock := m.lockRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := m.activeRoom(roomID); err != nil {
		return err
	}
	actor, err := m.db.GetMembership(roomID, session.UserID)
	if err != nil {
		return ErrNotMember
	}
	if err := m.requireRole(actor, RoleOwner); err != nil {
		return err
	}
	target, err := m.targetMembership(roomID, actor, targetID)
	if err != nil {
		return err
	}
	if target.Role == role {
		return chatErrorf(CodeConflict, "user %d already has role %s", targetID, role)
	}

	if err := m.db.SetMemberRole(roomID, targetID, role); err != nil {
		return err
	}

	targetUser, err := m.db.GetUserByID(targetID)
	if err != nil {
		return err
	}
	m.roomBus.BroadcastToRoom(roomID, EventMemberUpdated, map[string]interface{}{
		"room_id":  roomID,
		"user_id":  targetID,
		"username": targetUser.Username,
		"role":     role,
	}, 0)
	m.sysmsg.Emit(roomID, &SystemPayload{
		Kind:       SysRoleChanged,
		ActorID:    session.UserID,
		ActorName:  session.Username,
		TargetID:   targetID,
		TargetName: targetUser.Username,
		Role:       role,
	})
	return nil
}

// TransferOwnership hands the room to another member. The previous owner
// stays on as admin, so the room always has exactly one owner.
func (m *ChatSessionManager) TransferOwnership(session *Session, roomID, targetID int) error {
	lock := m.lockRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := m.activeRoom(roomID); err != nil {
		return err
	}
	actor, err := m.db.GetMembership(roomID, session.UserID)
	if err != nil {
		return ErrNotMember
	}
	if err := m.requireRole(actor, RoleOwner); err != nil {
		return err
	}
	if targetID == session.UserID {
		return chatErrorf(CodeInvalid, "already the owner")
	}
	if _, err := m.db.GetMembership(roomID, targetID); err != nil {
		if notFound(err) {
			return chatErrorf(CodeNotFound, "user %d is not a member of room %d", targetID, roomID)
		}
		return err
	}

	if err := m.db.SetMemberRole(roomID, targetID, RoleOwner); err != nil {
		return err
	}
	if err := m.db.SetMemberRole(roomID, session.UserID, RoleAdmin); err != nil {
		return err
	}

	targetUser, err := m.db.GetUserByID(targetID)
	if err != nil {
		return err
	}
	m.roomBus.BroadcastToRoom(roomID, EventMemberUpdated, map[string]interface{}{
		"room_id":  roomID,
		"user_id":  targetID,
		"username": targetUser.Username,
		"role":     RoleOwner,
	}, 0)
	m.roomBus.BroadcastToRoom(roomID, EventMemberUpdated, map[string]interface{}{
		"room_id":  roomID,
		"user_id":  session.UserID,
		"username": session.Username,
		"role":     RoleAdmin,
	}, 0)
	m.sysmsg.Emit(roomID, &SystemPayload{
		Kind:       SysOwnerTransferred,
		ActorID:    session.UserID,
		ActorName:  session.Username,
		TargetID:   targetID,
		TargetName: targetUser.Username,
	})
	return nil
}

// LeaveRoom removes the caller. A departing owner hands the room to the
// longest-tenured admin (else member); the last member out retires the room.
func (m *ChatSessionManager) LeaveRoom(session *Session, roomID int) error {
	lock := m.lockRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := m.activeRoom(roomID); err != nil {
		return err
	}
	member, err := m.db.GetMembership(roomID, session.UserID)
	if err != nil {
		return ErrNotMember
	}

	var successor *Membership
	if member.Role == RoleOwner {
		successor, err = m.db.OldestSuccessor(roomID, session.UserID)
		if err != nil && !notFound(err) {
			return err
		}
		if successor != nil {
			if err := m.db.SetMemberRole(roomID, successor.UserID, RoleOwner); err != nil {
				return err
			}
		}
	}

	if err := m.db.RemoveMembership(roomID, session.UserID); err != nil {
		return err
	}

	count, err := m.db.CountMembers(roomID)
	if err != nil {
		return err
	}
	if count == 0 {
		if err := m.db.DeactivateRoom(roomID); err != nil {
			return err
		}
		return nil
	}

	m.roomBus.BroadcastToRoom(roomID, EventMemberLeft, map[string]interface{}{
		"room_id":  roomID,
		"user_id":  session.UserID,
		"username": session.Username,
	}, session.UserID)
	m.sysmsg.Emit(roomID, &SystemPayload{
		Kind:      SysMemberLeft,
		ActorID:   session.UserID,
		ActorName: session.Username,
	})

	if successor != nil {
		successorUser, err := m.db.GetUserByID(successor.UserID)
		if err != nil {
			return err
		}
		m.sysmsg.Emit(roomID, &SystemPayload{
			Kind:       SysOwnerTransferred,
			ActorID:    session.UserID,
			ActorName:  session.Username,
			TargetID:   successor.UserID,
			TargetName: successorUser.Username,
		})
	}
	return nil
}
