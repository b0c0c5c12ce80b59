package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

type Server struct {
	db   *Database
	auth *AuthManager
	chat *ChatSessionManager
	ws   *WSServer
}

func NewServer(db *Database, auth *AuthManager, chat *ChatSessionManager, ws *WSServer) *Server {
	return &Server{db: db, auth: auth, chat: chat, ws: ws}
}

func (s *Server) RegisterRoutes() *mux.Router {
	r := mux.NewRouter()

	// Auth endpoints
	r.HandleFunc("/api/auth/register", s.handleRegister).Methods("POST")
	r.HandleFunc("/api/auth/login", s.handleLogin).Methods("POST")
	r.HandleFunc("/api/auth/me", s.auth.RequireAuth(s.handleMe)).Methods("GET")

	// Rooms
	r.HandleFunc("/api/rooms", s.auth.RequireAuth(s.handleListRooms)).Methods("GET")
	r.HandleFunc("/api/rooms", s.auth.RequireAuth(s.handleCreateRoom)).Methods("POST")
	r.HandleFunc("/api/rooms/search", s.auth.RequireAuth(s.handleSearchRooms)).Methods("GET")
	r.HandleFunc("/api/rooms/private", s.auth.RequireAuth(s.handlePrivateRoom)).Methods("POST")
	r.HandleFunc("/api/rooms/join", s.auth.RequireAuth(s.handleJoinByInviteCode)).Methods("POST")
	r.HandleFunc("/api/rooms/{id}", s.auth.RequireAuth(s.handleGetRoom)).Methods("GET")
	r.HandleFunc("/api/rooms/{id}", s.auth.RequireAuth(s.handleUpdateRoom)).Methods("PUT")
	r.HandleFunc("/api/rooms/{id}", s.auth.RequireAuth(s.handleDeleteRoom)).Methods("DELETE")
	r.HandleFunc("/api/rooms/{id}/members", s.auth.RequireAuth(s.handleListMembers)).Methods("GET")
	r.HandleFunc("/api/rooms/{id}/leave", s.auth.RequireAuth(s.handleLeaveRoom)).Methods("POST")
	r.HandleFunc("/api/rooms/{id}/invite-code", s.auth.RequireAuth(s.handleGenerateInviteCode)).Methods("POST")
	r.HandleFunc("/api/rooms/{id}/invite", s.auth.RequireAuth(s.handleInviteUser)).Methods("POST")
	r.HandleFunc("/api/rooms/{id}/statistics", s.auth.RequireAuth(s.handleRoomStatistics)).Methods("GET")

	// Join requests
	r.HandleFunc("/api/rooms/{id}/join-requests", s.auth.RequireAuth(s.handleRequestJoin)).Methods("POST")
	r.HandleFunc("/api/rooms/{id}/join-requests", s.auth.RequireAuth(s.handleListJoinRequests)).Methods("GET")
	r.HandleFunc("/api/join-requests/{id}/approve", s.auth.RequireAuth(s.handleApproveJoinRequest)).Methods("POST")
	r.HandleFunc("/api/join-requests/{id}/reject", s.auth.RequireAuth(s.handleRejectJoinRequest)).Methods("POST")

	// Moderation
	r.HandleFunc("/api/rooms/{id}/members/{userId}", s.auth.RequireAuth(s.handleKickMember)).Methods("DELETE")
	r.HandleFunc("/api/rooms/{id}/members/{userId}/mute", s.auth.RequireAuth(s.handleMuteMember)).Methods("POST")
	r.HandleFunc("/api/rooms/{id}/members/{userId}/unmute", s.auth.RequireAuth(s.handleUnmuteMember)).Methods("POST")
	r.HandleFunc("/api/rooms/{id}/members/{userId}/role", s.auth.RequireAuth(s.handleSetMemberRole)).Methods("PUT")
	r.HandleFunc("/api/rooms/{id}/transfer-ownership", s.auth.RequireAuth(s.handleTransferOwnership)).Methods("POST")

	// Messages
	r.HandleFunc("/api/rooms/{id}/messages", s.auth.RequireAuth(s.handleGetMessages)).Methods("GET")
	r.HandleFunc("/api/rooms/{id}/messages/pinned", s.auth.RequireAuth(s.handlePinnedMessages)).Methods("GET")
	r.HandleFunc("/api/messages/{id}/pin", s.auth.RequireAuth(s.handlePinMessage)).Methods("POST")
	r.HandleFunc("/api/messages/{id}/unpin", s.auth.RequireAuth(s.handleUnpinMessage)).Methods("POST")

	// WebSockets
	r.HandleFunc("/ws", s.ws.HandleRoomSocket)
	r.HandleFunc("/ws/global", s.ws.HandleGlobalSocket)

	return r
}

func pathID(r *http.Request, name string) (int, bool) {
	id, err := strconv.Atoi(mux.Vars(r)[name])
	return id, err == nil && id > 0
}

func queryInt(r *http.Request, name, fallback string) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		raw = fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return v
}

// ==================== Auth ====================

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Nickname string `json:"nickname"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Username) < 3 || len(req.Password) < 8 {
		respondError(w, "username must be at least 3 characters and password at least 8", http.StatusBadRequest)
		return
	}
	if req.Nickname == "" {
		req.Nickname = req.Username
	}

	user, err := s.db.CreateUser(req.Username, req.Nickname, req.Password)
	if err != nil {
		if isUniqueViolation(err) {
			respondError(w, "username already taken", http.StatusConflict)
			return
		}
		respondError(w, "failed to create user", http.StatusInternalServerError)
		return
	}

	token, err := s.auth.IssueToken(user)
	if err != nil {
		respondError(w, "failed to issue token", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	respondJSON(w, map[string]interface{}{"token": token, "user": user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	user, err := s.db.AuthenticateUser(req.Username, req.Password)
	if err != nil {
		respondError(w, "invalid username or password", http.StatusUnauthorized)
		return
	}

	token, err := s.auth.IssueToken(user)
	if err != nil {
		respondError(w, "failed to issue token", http.StatusInternalServerError)
		return
	}

	respondJSON(w, map[string]interface{}{"token": token, "user": user})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	user, err := s.db.GetUserByID(session.UserID)
	if err != nil {
		respondError(w, "user not found", http.StatusNotFound)
		return
	}
	respondJSON(w, user)
}

// ==================== Rooms ====================

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	rooms, err := s.chat.ListRooms(session, queryInt(r, "limit", "50"), queryInt(r, "offset", "0"))
	if err != nil {
		respondChatError(w, err)
		return
	}
	respondJSON(w, rooms)
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	var room Room
	if err := json.NewDecoder(r.Body).Decode(&room); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	saved, err := s.chat.CreateRoom(session, &room)
	if err != nil {
		respondChatError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	respondJSON(w, saved)
}

func (s *Server) handleSearchRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.chat.SearchRooms(r.URL.Query().Get("q"), queryInt(r, "limit", "20"))
	if err != nil {
		respondChatError(w, err)
		return
	}
	respondJSON(w, rooms)
}

func (s *Server) handlePrivateRoom(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	var req struct {
		UserID int `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	room, err := s.chat.GetOrCreatePrivateRoom(session, req.UserID)
	if err != nil {
		respondChatError(w, err)
		return
	}
	respondJSON(w, room)
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	roomID, ok := pathID(r, "id")
	if !ok {
		respondError(w, "invalid room id", http.StatusBadRequest)
		return
	}
	room, err := s.db.GetRoomByID(roomID)
	if err != nil {
		respondError(w, "room not found", http.StatusNotFound)
		return
	}
	respondJSON(w, room)
}

func (s *Server) handleUpdateRoom(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	roomID, ok := pathID(r, "id")
	if !ok {
		respondError(w, "invalid room id", http.StatusBadRequest)
		return
	}
	var update Room
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	room, err := s.chat.UpdateRoom(session, roomID, &update)
	if err != nil {
		respondChatError(w, err)
		return
	}
	respondJSON(w, room)
}

func (s *Server) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	roomID, ok := pathID(r, "id")
	if !ok {
		respondError(w, "invalid room id", http.StatusBadRequest)
		return
	}
	if err := s.chat.DeleteRoom(session, roomID); err != nil {
		respondChatError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "deleted"})
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	roomID, ok := pathID(r, "id")
	if !ok {
		respondError(w, "invalid room id", http.StatusBadRequest)
		return
	}
	members, err := s.chat.GetMembers(session, roomID)
	if err != nil {
		respondChatError(w, err)
		return
	}
	respondJSON(w, members)
}

func (s *Server) handleLeaveRoom(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	roomID, ok := pathID(r, "id")
	if !ok {
		respondError(w, "invalid room id", http.StatusBadRequest)
		return
	}
	if err := s.chat.LeaveRoom(session, roomID); err != nil {
		respondChatError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "left"})
}

func (s *Server) handleGenerateInviteCode(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	roomID, ok := pathID(r, "id")
	if !ok {
		respondError(w, "invalid room id", http.StatusBadRequest)
		return
	}
	info, err := s.chat.GenerateInviteCode(session, roomID)
	if err != nil {
		respondChatError(w, err)
		return
	}
	respondJSON(w, info)
}

func (s *Server) handleInviteUser(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	roomID, ok := pathID(r, "id")
	if !ok {
		respondError(w, "invalid room id", http.StatusBadRequest)
		return
	}
	var req struct {
		UserID int `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 {
		respondError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	if err := s.chat.InviteUser(session, roomID, req.UserID); err != nil {
		respondChatError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "invited"})
}

func (s *Server) handleJoinByInviteCode(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		respondError(w, "invite code is required", http.StatusBadRequest)
		return
	}

	room, err := s.chat.JoinByInviteCode(session, req.Code)
	if err != nil {
		respondChatError(w, err)
		return
	}
	respondJSON(w, room)
}

func (s *Server) handleRoomStatistics(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	roomID, ok := pathID(r, "id")
	if !ok {
		respondError(w, "invalid room id", http.StatusBadRequest)
		return
	}
	stats, err := s.chat.GetRoomStatistics(session, roomID)
	if err != nil {
		respondChatError(w, err)
		return
	}
	respondJSON(w, stats)
}

// ==================== Join requests ====================

func (s *Server) handleRequestJoin(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	roomID, ok := pathID(r, "id")
	if !ok {
		respondError(w, "invalid room id", http.StatusBadRequest)
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	joinReq, err := s.chat.RequestJoin(session, roomID, req.Message)
	if err != nil {
		respondChatError(w, err)
		return
	}
	if joinReq == nil {
		// Public room, joined immediately.
		respondJSON(w, map[string]string{"status": "joined"})
		return
	}
	w.WriteHeader(http.StatusCreated)
	respondJSON(w, joinReq)
}

func (s *Server) handleListJoinRequests(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	roomID, ok := pathID(r, "id")
	if !ok {
		respondError(w, "invalid room id", http.StatusBadRequest)
		return
	}
	requests, err := s.chat.ListJoinRequests(session, roomID)
	if err != nil {
		respondChatError(w, err)
		return
	}
	respondJSON(w, requests)
}

func (s *Server) handleApproveJoinRequest(w http.ResponseWriter, r *http.Request) {
	s.resolveJoinRequest(w, r, true)
}

func (s *Server) handleRejectJoinRequest(w http.ResponseWriter, r *http.Request) {
	s.resolveJoinRequest(w, r, false)
}

func (s *Server) resolveJoinRequest(w http.ResponseWriter, r *http.Request, approve bool) {
	session := sessionFromContext(r.Context())
	requestID, ok := pathID(r, "id")
	if !ok {
		respondError(w, "invalid request id", http.StatusBadRequest)
		return
	}

	var err error
	if approve {
		err = s.chat.ApproveJoinRequest(session, requestID)
	} else {
		err = s.chat.RejectJoinRequest(session, requestID)
	}
	if err != nil {
		respondChatError(w, err)
		return
	}

	status := "rejected"
	if approve {
		status = "approved"
	}
	respondJSON(w, map[string]string{"status": status})
}

// ==================== Moderation ====================

func (s *Server) handleKickMember(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	roomID, ok := pathID(r, "id")
	targetID, ok2 := pathID(r, "userId")
	if !ok || !ok2 {
		respondError(w, "invalid id", http.StatusBadRequest)
		return
	}
	if err := s.chat.KickMember(session, roomID, targetID); err != nil {
		respondChatError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "kicked"})
}

func (s *Server) handleMuteMember(w http.ResponseWriter, r *http.Request) {
	s.setMuted(w, r, true)
}

func (s *Server) handleUnmuteMember(w http.ResponseWriter, r *http.Request) {
	s.setMuted(w, r, false)
}

func (s *Server) setMuted(w http.ResponseWriter, r *http.Request, muted bool) {
	session := sessionFromContext(r.Context())
	roomID, ok := pathID(r, "id")
	targetID, ok2 := pathID(r, "userId")
	if !ok || !ok2 {
		respondError(w, "invalid id", http.StatusBadRequest)
		return
	}
	if err := s.chat.SetMemberMuted(session, roomID, targetID, muted); err != nil {
		respondChatError(w, err)
		return
	}
	respondJSON(w, map[string]bool{"muted": muted})
}

func (s *Server) handleSetMemberRole(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	roomID, ok := pathID(r, "id")
	targetID, ok2 := pathID(r, "userId")
	if !ok || !ok2 {
		respondError(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.chat.SetMemberRole(session, roomID, targetID, req.Role); err != nil {
		respondChatError(w, err)
		return
	}
	respondJSON(w, map[string]string{"role": req.Role})
}

func (s *Server) handleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	roomID, ok := pathID(r, "id")
	if !ok {
		respondError(w, "invalid room id", http.StatusBadRequest)
		return
	}
	var req struct {
		UserID int `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.chat.TransferOwnership(session, roomID, req.UserID); err != nil {
		respondChatError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "transferred"})
}

// ==================== Messages ====================

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	roomID, ok := pathID(r, "id")
	if !ok {
		respondError(w, "invalid room id", http.StatusBadRequest)
		return
	}
	messages, err := s.chat.GetMessages(session, roomID, queryInt(r, "limit", "50"), queryInt(r, "offset", "0"))
	if err != nil {
		respondChatError(w, err)
		return
	}
	respondJSON(w, messages)
}

func (s *Server) handlePinnedMessages(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	roomID, ok := pathID(r, "id")
	if !ok {
		respondError(w, "invalid room id", http.StatusBadRequest)
		return
	}
	messages, err := s.chat.GetPinnedMessages(session, roomID)
	if err != nil {
		respondChatError(w, err)
		return
	}
	respondJSON(w, messages)
}

func (s *Server) handlePinMessage(w http.ResponseWriter, r *http.Request) {
	s.setPinned(w, r, true)
}

func (s *Server) handleUnpinMessage(w http.ResponseWriter, r *http.Request) {
	s.setPinned(w, r, false)
}

func (s *Server) setPinned(w http.ResponseWriter, r *http.Request, pinned bool) {
	session := sessionFromContext(r.Context())
	messageID, ok := pathID(r, "id")
	if !ok {
		respondError(w, "invalid message id", http.StatusBadRequest)
		return
	}

	var err error
	if pinned {
		err = s.chat.PinMessage(session, messageID)
	} else {
		err = s.chat.UnpinMessage(session, messageID)
	}
	if err != nil {
		respondChatError(w, err)
		return
	}
	respondJSON(w, map[string]bool{"pinned": pinned})
}
