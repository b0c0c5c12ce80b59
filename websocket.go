package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

// WSServer terminates both sockets: /ws carries room traffic and allows
// several connections per user; /ws/global carries presence and cross-room
// notifications and keeps one connection per user.
type WSServer struct {
	cfg            *Config
	auth           *AuthManager
	chat           *ChatSessionManager
	db             *Database
	roomRegistry   *Registry
	globalRegistry *Registry
	presence       *PresenceTracker
	roomBus        *Broadcaster
	globalBus      *Broadcaster
}

func NewWSServer(cfg *Config, auth *AuthManager, chat *ChatSessionManager, db *Database,
	roomRegistry, globalRegistry *Registry, presence *PresenceTracker,
	roomBus, globalBus *Broadcaster) *WSServer {
	return &WSServer{
		cfg:            cfg,
		auth:           auth,
		chat:           chat,
		db:             db,
		roomRegistry:   roomRegistry,
		globalRegistry: globalRegistry,
		presence:       presence,
		roomBus:        roomBus,
		globalBus:      globalBus,
	}
}

type WSClient struct {
	conn    *websocket.Conn
	server  *WSServer
	session *Session
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	global  bool
	connID  int64
}

// WriteMessage queues a frame for the write pump. A full buffer means the
// reader has stalled; surface it so the registry prunes the connection.
func (c *WSClient) WriteMessage(data []byte) error {
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errors.New("connection closed")
	default:
		return errors.New("send buffer full")
	}
}

func (c *WSClient) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
	return nil
}

func (s *WSServer) HandleRoomSocket(w http.ResponseWriter, r *http.Request) {
	s.handleConnection(w, r, false)
}

func (s *WSServer) HandleGlobalSocket(w http.ResponseWriter, r *http.Request) {
	s.handleConnection(w, r, true)
}

func (s *WSServer) handleConnection(w http.ResponseWriter, r *http.Request, global bool) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client := &WSClient{
		conn:   conn,
		server: s,
		send:   make(chan []byte, s.cfg.SendBuffer),
		done:   make(chan struct{}),
		global: global,
	}
	session, err := s.authenticate(client, r)
	if err != nil {
		// The write pump has not started yet, so the error frame can be
		// written directly before tearing the connection down.
		if payload, merr := json.Marshal(Envelope{
			Type:      EventError,
			Data:      asChatError(err),
			Timestamp: time.Now().UTC(),
		}); merr == nil {
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			conn.WriteMessage(websocket.TextMessage, payload)
		}
		client.Close()
		return
	}
	client.session = session
	go client.writePump()

	registry := s.roomRegistry
	if global {
		registry = s.globalRegistry
	}
	client.connID = registry.Connect(session.UserID, client)
	s.db.UpdateUserLastSeen(session.UserID)

	client.sendEvent(EventAuthResponse, map[string]interface{}{
		"user_id":  session.UserID,
		"username": session.Username,
	})
	log.Printf("Client connected: %s (global=%v)", session.Username, global)

	go client.readPump(registry)
}

// authenticate accepts either a token query parameter or, failing that, an
// auth frame as the first message within the configured window.
func (s *WSServer) authenticate(client *WSClient, r *http.Request) (*Session, error) {
	if token := s.auth.ExtractToken(r); token != "" {
		return s.auth.VerifyToken(token)
	}

	client.conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	_, raw, err := client.conn.ReadMessage()
	if err != nil {
		return nil, chatErrorf(CodeAuthFailed, "no auth frame received")
	}

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Type != "auth" {
		return nil, chatErrorf(CodeAuthFailed, "first frame must be auth")
	}
	var auth authFrame
	if err := json.Unmarshal(frame.Data, &auth); err != nil || auth.Token == "" {
		return nil, chatErrorf(CodeAuthFailed, "auth frame missing token")
	}
	return s.auth.VerifyToken(auth.Token)
}

func (c *WSClient) readPump(registry *Registry) {
	defer func() {
		registry.Disconnect(c.session.UserID, c.connID)
		// Presence outlives any single room socket: another tab may still
		// hold one. Only the user's last room connection clears it.
		if !c.global && !registry.IsOnline(c.session.UserID) {
			for _, roomID := range c.server.presence.LeaveAll(c.session.UserID) {
				c.server.roomBus.BroadcastToRoom(roomID, EventUserOffline, map[string]interface{}{
					"room_id": roomID,
					"user_id": c.session.UserID,
				}, c.session.UserID)
			}
		}
		c.Close()
		log.Printf("Client disconnected: %s", c.session.Username)
	}()

	c.conn.SetReadLimit(64 << 10)
	c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.PongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.sendEvent(EventError, chatErrorf(CodeInvalid, "malformed frame"))
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(c.server.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *WSClient) sendEvent(eventType string, data interface{}) {
	payload, err := json.Marshal(Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		log.Printf("Failed to marshal %s event: %v", eventType, err)
		return
	}
	c.WriteMessage(payload)
}

// fail reports an operation error to this connection only.
func (c *WSClient) fail(err error) {
	c.sendEvent(EventError, asChatError(err))
}

func (c *WSClient) handleFrame(frame Frame) {
	switch frame.Type {
	case "ping":
		c.server.db.UpdateUserLastSeen(c.session.UserID)
		c.sendEvent("pong", nil)
	case "get_online_users":
		registry := c.server.roomRegistry
		if c.global {
			registry = c.server.globalRegistry
		}
		c.sendEvent(EventOnlineUsers, map[string]interface{}{
			"user_ids": registry.OnlineUsers(),
		})
	case "send_message":
		c.handleSendMessage(frame.Data)
	case "edit_message":
		c.handleEditMessage(frame.Data)
	case "delete_message":
		c.handleDeleteMessage(frame.Data)
	case "react_message":
		c.handleReactMessage(frame.Data)
	case "typing":
		c.handleTyping(frame.Data)
	case "join_room":
		c.handleJoinRoom(frame.Data)
	case "leave_room":
		c.handleLeaveRoom(frame.Data)
	case "get_members":
		c.handleGetMembers(frame.Data)
	default:
		c.fail(chatErrorf(CodeInvalid, "unknown frame type %q", frame.Type))
	}
}

func (c *WSClient) handleSendMessage(data json.RawMessage) {
	var req sendMessageFrame
	if err := json.Unmarshal(data, &req); err != nil {
		c.fail(chatErrorf(CodeInvalid, "malformed send_message data"))
		return
	}
	if _, err := c.server.chat.SendMessage(c.session, req.RoomID, req.Content, req.Type, req.ReplyToID); err != nil {
		c.fail(err)
	}
}

func (c *WSClient) handleEditMessage(data json.RawMessage) {
	var req editMessageFrame
	if err := json.Unmarshal(data, &req); err != nil {
		c.fail(chatErrorf(CodeInvalid, "malformed edit_message data"))
		return
	}
	if _, err := c.server.chat.EditMessage(c.session, req.MessageID, req.Content); err != nil {
		c.fail(err)
	}
}

func (c *WSClient) handleDeleteMessage(data json.RawMessage) {
	var req deleteMessageFrame
	if err := json.Unmarshal(data, &req); err != nil {
		c.fail(chatErrorf(CodeInvalid, "malformed delete_message data"))
		return
	}
	if err := c.server.chat.DeleteMessage(c.session, req.MessageID); err != nil {
		c.fail(err)
	}
}

func (c *WSClient) handleReactMessage(data json.RawMessage) {
	var req reactMessageFrame
	if err := json.Unmarshal(data, &req); err != nil {
		c.fail(chatErrorf(CodeInvalid, "malformed react_message data"))
		return
	}
	if _, err := c.server.chat.ReactMessage(c.session, req.MessageID, req.Emoji); err != nil {
		c.fail(err)
	}
}

// handleTyping relays typing state to the room without persisting anything.
func (c *WSClient) handleTyping(data json.RawMessage) {
	var req typingFrame
	if err := json.Unmarshal(data, &req); err != nil {
		c.fail(chatErrorf(CodeInvalid, "malformed typing data"))
		return
	}
	if !c.server.presence.InRoom(c.session.UserID, req.RoomID) {
		c.fail(ErrNotMember)
		return
	}
	c.server.roomBus.BroadcastToRoom(req.RoomID, EventTyping, map[string]interface{}{
		"room_id":   req.RoomID,
		"user_id":   c.session.UserID,
		"username":  c.session.Username,
		"is_typing": req.IsTyping,
	}, c.session.UserID)
}

// handleJoinRoom enters room presence. Membership is checked against the
// database; presence itself is idempotent.
func (c *WSClient) handleJoinRoom(data json.RawMessage) {
	var req roomFrame
	if err := json.Unmarshal(data, &req); err != nil {
		c.fail(chatErrorf(CodeInvalid, "malformed join_room data"))
		return
	}
	room, err := c.server.db.GetRoomByID(req.RoomID)
	if err != nil || !room.IsActive {
		c.fail(chatErrorf(CodeNotFound, "room %d not found", req.RoomID))
		return
	}
	if _, err := c.server.db.GetMembership(req.RoomID, c.session.UserID); err != nil {
		if !room.IsPublic {
			c.fail(ErrNotMember)
			return
		}
	}

	c.server.presence.Enter(c.session.UserID, req.RoomID)
	c.server.roomBus.BroadcastToRoom(req.RoomID, EventUserOnline, map[string]interface{}{
		"room_id":  req.RoomID,
		"user_id":  c.session.UserID,
		"username": c.session.Username,
	}, c.session.UserID)
	c.sendEvent(EventOnlineUsers, map[string]interface{}{
		"room_id":  req.RoomID,
		"user_ids": c.server.presence.UsersInRoom(req.RoomID),
	})
}

func (c *WSClient) handleLeaveRoom(data json.RawMessage) {
	var req roomFrame
	if err := json.Unmarshal(data, &req); err != nil {
		c.fail(chatErrorf(CodeInvalid, "malformed leave_room data"))
		return
	}
	c.server.presence.Leave(c.session.UserID, req.RoomID)
	c.server.roomBus.BroadcastToRoom(req.RoomID, EventUserOffline, map[string]interface{}{
		"room_id": req.RoomID,
		"user_id": c.session.UserID,
	}, c.session.UserID)
}

func (c *WSClient) handleGetMembers(data json.RawMessage) {
	var req roomFrame
	if err := json.Unmarshal(data, &req); err != nil {
		c.fail(chatErrorf(CodeInvalid, "malformed get_members data"))
		return
	}
	members, err := c.server.chat.GetMembers(c.session, req.RoomID)
	if err != nil {
		c.fail(err)
		return
	}
	for i := range members {
		members[i].Online = c.server.globalRegistry.IsOnline(members[i].UserID)
	}
	c.sendEvent(EventMembersList, map[string]interface{}{
		"room_id": req.RoomID,
		"members": members,
	})
}
