package main

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

type Database struct {
	db *sql.DB
}

func NewDatabase(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

func (d *Database) CreateTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username VARCHAR(50) UNIQUE NOT NULL,
		nickname VARCHAR(50) NOT NULL DEFAULT '',
		password_hash VARCHAR(255) NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_seen DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS rooms (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name VARCHAR(100) NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		room_type VARCHAR(20) NOT NULL DEFAULT 'group',
		is_public BOOLEAN NOT NULL DEFAULT 0,
		allow_search BOOLEAN NOT NULL DEFAULT 0,
		enable_invite_code BOOLEAN NOT NULL DEFAULT 1,
		allow_member_invite BOOLEAN NOT NULL DEFAULT 1,
		max_members INTEGER NOT NULL DEFAULT 500,
		message_retention_days INTEGER NOT NULL DEFAULT 30,
		welcome_message TEXT NOT NULL DEFAULT '',
		invite_code VARCHAR(64),
		invite_code_expires DATETIME,
		created_by INTEGER NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_message_at DATETIME,
		FOREIGN KEY (created_by) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS room_members (
		room_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		role VARCHAR(20) NOT NULL DEFAULT 'member',
		is_muted BOOLEAN NOT NULL DEFAULT 0,
		joined_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_read_at DATETIME,
		PRIMARY KEY (room_id, user_id),
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id INTEGER NOT NULL,
		sender_id INTEGER NOT NULL,
		message_type VARCHAR(20) NOT NULL DEFAULT 'text',
		content TEXT NOT NULL,
		reply_to_id INTEGER,
		file_url TEXT NOT NULL DEFAULT '',
		file_name TEXT NOT NULL DEFAULT '',
		file_size INTEGER NOT NULL DEFAULT 0,
		is_edited BOOLEAN NOT NULL DEFAULT 0,
		edit_count INTEGER NOT NULL DEFAULT 0,
		is_deleted BOOLEAN NOT NULL DEFAULT 0,
		is_pinned BOOLEAN NOT NULL DEFAULT 0,
		pinned_by INTEGER,
		pinned_at DATETIME,
		system_data TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE,
		FOREIGN KEY (sender_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS message_reactions (
		message_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		emoji VARCHAR(20) NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (message_id, user_id, emoji),
		FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS join_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		message TEXT NOT NULL DEFAULT '',
		processed_by INTEGER,
		processed_at DATETIME,
		expires_at DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages(room_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_room_pinned ON messages(room_id, is_pinned);
	CREATE INDEX IF NOT EXISTS idx_room_members_user ON room_members(user_id);
	CREATE INDEX IF NOT EXISTS idx_join_requests_room_user ON join_requests(room_id, user_id, status);
	CREATE INDEX IF NOT EXISTS idx_rooms_invite_code ON rooms(invite_code);
	`

	_, err := d.db.Exec(schema)
	return err
}

// ==================== Users ====================

func (d *Database) CreateUser(username, nickname, password string) (*User, error) {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	result, err := d.db.Exec(
		"INSERT INTO users (username, nickname, password_hash) VALUES (?, ?, ?)",
		username, nickname, string(hashedPassword),
	)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return d.GetUserByID(int(id))
}

func (d *Database) AuthenticateUser(username, password string) (*User, error) {
	user, err := d.GetUserByUsername(username)
	if err != nil {
		return nil, err
	}

	err = bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password))
	if err != nil {
		return nil, err
	}

	d.UpdateUserLastSeen(user.ID)
	return user, nil
}

func (d *Database) GetUserByID(userID int) (*User, error) {
	user := &User{}
	err := d.db.QueryRow(
		"SELECT id, username, nickname, password_hash, created_at, last_seen FROM users WHERE id = ?",
		userID,
	).Scan(&user.ID, &user.Username, &user.Nickname, &user.PasswordHash, &user.CreatedAt, &user.LastSeen)

	if err != nil {
		return nil, err
	}
	return user, nil
}

func (d *Database) GetUserByUsername(username string) (*User, error) {
	user := &User{}
	err := d.db.QueryRow(
		"SELECT id, username, nickname, password_hash, created_at, last_seen FROM users WHERE username = ?",
		username,
	).Scan(&user.ID, &user.Username, &user.Nickname, &user.PasswordHash, &user.CreatedAt, &user.LastSeen)

	if err != nil {
		return nil, err
	}
	return user, nil
}

func (d *Database) UpdateUserLastSeen(userID int) error {
	_, err := d.db.Exec(
		"UPDATE users SET last_seen = CURRENT_TIMESTAMP WHERE id = ?",
		userID,
	)
	return err
}

// ==================== Rooms ====================

const roomColumns = `id, name, description, room_type, is_public, allow_search,
	enable_invite_code, allow_member_invite, max_members, message_retention_days,
	welcome_message, invite_code, invite_code_expires, created_by, is_active,
	created_at, last_message_at`

func scanRoom(row interface{ Scan(...interface{}) error }) (*Room, error) {
	room := &Room{}
	var inviteCode sql.NullString
	var inviteExpires, lastMessageAt sql.NullTime
	err := row.Scan(
		&room.ID, &room.Name, &room.Description, &room.Type, &room.IsPublic,
		&room.AllowSearch, &room.EnableInviteCode, &room.AllowMemberInvite,
		&room.MaxMembers, &room.RetentionDays, &room.WelcomeMessage,
		&inviteCode, &inviteExpires, &room.CreatedBy, &room.IsActive,
		&room.CreatedAt, &lastMessageAt,
	)
	if err != nil {
		return nil, err
	}
	room.InviteCode = inviteCode.String
	if inviteExpires.Valid {
		t := inviteExpires.Time
		room.InviteCodeExpires = &t
	}
	if lastMessageAt.Valid {
		t := lastMessageAt.Time
		room.LastMessageAt = &t
	}
	return room, nil
}

func (d *Database) CreateRoom(room *Room) (*Room, error) {
	result, err := d.db.Exec(`
		INSERT INTO rooms (name, description, room_type, is_public, allow_search,
			enable_invite_code, allow_member_invite, max_members,
			message_retention_days, welcome_message, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		room.Name, room.Description, room.Type, room.IsPublic, room.AllowSearch,
		room.EnableInviteCode, room.AllowMemberInvite, room.MaxMembers,
		room.RetentionDays, room.WelcomeMessage, room.CreatedBy,
	)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return d.GetRoomByID(int(id))
}

func (d *Database) GetRoomByID(roomID int) (*Room, error) {
	return scanRoom(d.db.QueryRow(
		"SELECT "+roomColumns+" FROM rooms WHERE id = ?", roomID,
	))
}

func (d *Database) GetRoomByInviteCode(code string) (*Room, error) {
	return scanRoom(d.db.QueryRow(
		"SELECT "+roomColumns+" FROM rooms WHERE invite_code = ?", code,
	))
}

// FindPrivateRoom locates the 1:1 private room between two users, in either
// order. There is at most one.
func (d *Database) FindPrivateRoom(userA, userB int) (*Room, error) {
	return scanRoom(d.db.QueryRow(`
		SELECT `+roomColumns+` FROM rooms
		WHERE room_type = ? AND id IN (
			SELECT room_id FROM room_members
			WHERE user_id IN (?, ?)
			GROUP BY room_id
			HAVING COUNT(DISTINCT user_id) = 2
		)`,
		RoomTypePrivate, userA, userB,
	))
}

func (d *Database) UpdateRoomSettings(roomID int, name, description, welcome string,
	isPublic, allowSearch, enableInviteCode, allowMemberInvite bool, maxMembers int) error {
	_, err := d.db.Exec(`
		UPDATE rooms SET name = ?, description = ?, welcome_message = ?,
			is_public = ?, allow_search = ?, enable_invite_code = ?,
			allow_member_invite = ?, max_members = ?
		WHERE id = ?`,
		name, description, welcome, isPublic, allowSearch, enableInviteCode,
		allowMemberInvite, maxMembers, roomID,
	)
	return err
}

func (d *Database) TouchRoomLastMessage(roomID int) error {
	_, err := d.db.Exec(
		"UPDATE rooms SET last_message_at = CURRENT_TIMESTAMP WHERE id = ?",
		roomID,
	)
	return err
}

// DeactivateRoom retires a room without dropping its history.
func (d *Database) DeactivateRoom(roomID int) error {
	_, err := d.db.Exec("UPDATE rooms SET is_active = 0 WHERE id = ?", roomID)
	return err
}

// ListRoomsForUser returns rooms the user belongs to plus active public
// rooms, newest activity first.
func (d *Database) ListRoomsForUser(userID, limit, offset int) ([]Room, error) {
	rows, err := d.db.Query(`
		SELECT `+roomColumns+` FROM rooms
		WHERE is_active = 1 AND (is_public = 1 OR id IN (
			SELECT room_id FROM room_members WHERE user_id = ?
		))
		ORDER BY last_message_at DESC, created_at DESC
		LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := make([]Room, 0)
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, rows.Err()
}

// SearchRooms matches active rooms by name. Non-public rooms appear only when
// flagged searchable.
func (d *Database) SearchRooms(query string, limit int) ([]Room, error) {
	rows, err := d.db.Query(`
		SELECT `+roomColumns+` FROM rooms
		WHERE is_active = 1 AND name LIKE ? AND (is_public = 1 OR allow_search = 1)
		ORDER BY created_at DESC
		LIMIT ?`,
		"%"+query+"%", limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := make([]Room, 0)
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, rows.Err()
}

func (d *Database) SetInviteCode(roomID int, expiresAt time.Time) (string, error) {
	code := uuid.NewString()
	_, err := d.db.Exec(
		"UPDATE rooms SET invite_code = ?, invite_code_expires = ? WHERE id = ?",
		code, expiresAt, roomID,
	)
	if err != nil {
		return "", err
	}
	return code, nil
}

// ==================== Memberships ====================

func (d *Database) UpsertMembership(roomID, userID int, role string) error {
	_, err := d.db.Exec(`
		INSERT INTO room_members (room_id, user_id, role) VALUES (?, ?, ?)
		ON CONFLICT(room_id, user_id) DO UPDATE SET role = excluded.role`,
		roomID, userID, role,
	)
	return err
}

func (d *Database) GetMembership(roomID, userID int) (*Membership, error) {
	m := &Membership{}
	err := d.db.QueryRow(
		"SELECT room_id, user_id, role, is_muted, joined_at FROM room_members WHERE room_id = ? AND user_id = ?",
		roomID, userID,
	).Scan(&m.RoomID, &m.UserID, &m.Role, &m.IsMuted, &m.JoinedAt)

	if err != nil {
		return nil, err
	}
	return m, nil
}

func (d *Database) RemoveMembership(roomID, userID int) error {
	_, err := d.db.Exec(
		"DELETE FROM room_members WHERE room_id = ? AND user_id = ?",
		roomID, userID,
	)
	return err
}

func (d *Database) CountMembers(roomID int) (int, error) {
	var count int
	err := d.db.QueryRow(
		"SELECT COUNT(*) FROM room_members WHERE room_id = ?", roomID,
	).Scan(&count)
	return count, err
}

func (d *Database) ListMembers(roomID int) ([]RoomMember, error) {
	rows, err := d.db.Query(`
		SELECT u.id, u.username, u.nickname, m.role, m.is_muted, m.joined_at
		FROM room_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.room_id = ?
		ORDER BY CASE m.role WHEN 'owner' THEN 0 WHEN 'admin' THEN 1 ELSE 2 END, m.joined_at ASC`,
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := make([]RoomMember, 0)
	for rows.Next() {
		var m RoomMember
		if err := rows.Scan(&m.UserID, &m.Username, &m.Nickname, &m.Role, &m.IsMuted, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (d *Database) ListMemberIDs(roomID int) ([]int, error) {
	rows, err := d.db.Query(
		"SELECT user_id FROM room_members WHERE room_id = ?", roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]int, 0)
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (d *Database) SetMemberMuted(roomID, userID int, muted bool) error {
	_, err := d.db.Exec(
		"UPDATE room_members SET is_muted = ? WHERE room_id = ? AND user_id = ?",
		muted, roomID, userID,
	)
	return err
}

func (d *Database) SetMemberRole(roomID, userID int, role string) error {
	_, err := d.db.Exec(
		"UPDATE room_members SET role = ? WHERE room_id = ? AND user_id = ?",
		role, roomID, userID,
	)
	return err
}

// OldestSuccessor picks the membership that inherits ownership when the owner
// leaves: the longest-tenured admin, else the longest-tenured member.
func (d *Database) OldestSuccessor(roomID, excludeUserID int) (*Membership, error) {
	m := &Membership{}
	err := d.db.QueryRow(`
		SELECT room_id, user_id, role, is_muted, joined_at FROM room_members
		WHERE room_id = ? AND user_id != ?
		ORDER BY CASE role WHEN 'admin' THEN 0 ELSE 1 END, joined_at ASC
		LIMIT 1`,
		roomID, excludeUserID,
	).Scan(&m.RoomID, &m.UserID, &m.Role, &m.IsMuted, &m.JoinedAt)

	if err != nil {
		return nil, err
	}
	return m, nil
}

func (d *Database) MarkRead(roomID, userID int) error {
	_, err := d.db.Exec(
		"UPDATE room_members SET last_read_at = CURRENT_TIMESTAMP WHERE room_id = ? AND user_id = ?",
		roomID, userID,
	)
	return err
}

// ==================== Messages ====================

const messageColumns = `m.id, m.room_id, m.sender_id, u.username, u.nickname,
	m.message_type, m.content, m.reply_to_id, m.file_url, m.file_name, m.file_size,
	m.is_edited, m.edit_count, m.is_deleted, m.is_pinned, m.pinned_by, m.pinned_at,
	m.system_data, m.created_at, m.updated_at`

func scanMessage(row interface{ Scan(...interface{}) error }) (*Message, error) {
	msg := &Message{}
	var replyTo, pinnedBy sql.NullInt64
	var pinnedAt sql.NullTime
	var systemData sql.NullString
	err := row.Scan(
		&msg.ID, &msg.RoomID, &msg.SenderID, &msg.Sender.Username, &msg.Sender.Nickname,
		&msg.Type, &msg.Content, &replyTo, &msg.FileURL, &msg.FileName, &msg.FileSize,
		&msg.IsEdited, &msg.EditCount, &msg.IsDeleted, &msg.IsPinned, &pinnedBy, &pinnedAt,
		&systemData, &msg.CreatedAt, &msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	msg.Sender.ID = msg.SenderID
	if replyTo.Valid {
		v := int(replyTo.Int64)
		msg.ReplyToID = &v
	}
	if pinnedBy.Valid {
		v := int(pinnedBy.Int64)
		msg.PinnedBy = &v
	}
	if pinnedAt.Valid {
		t := pinnedAt.Time
		msg.PinnedAt = &t
	}
	if systemData.Valid && systemData.String != "" {
		payload := &SystemPayload{}
		if err := json.Unmarshal([]byte(systemData.String), payload); err == nil {
			msg.SystemData = payload
		}
	}
	// Deleted content stays in the table for audit but is never resent.
	if msg.IsDeleted {
		msg.Content = ""
	}
	return msg, nil
}

func (d *Database) InsertMessage(msg *Message) (*Message, error) {
	var systemData interface{}
	if msg.SystemData != nil {
		raw, err := json.Marshal(msg.SystemData)
		if err != nil {
			return nil, err
		}
		systemData = string(raw)
	}

	result, err := d.db.Exec(`
		INSERT INTO messages (room_id, sender_id, message_type, content,
			reply_to_id, file_url, file_name, file_size, system_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.RoomID, msg.SenderID, msg.Type, msg.Content,
		msg.ReplyToID, msg.FileURL, msg.FileName, msg.FileSize, systemData,
	)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return d.GetMessageByID(int(id))
}

func (d *Database) GetMessageByID(messageID int) (*Message, error) {
	return scanMessage(d.db.QueryRow(
		"SELECT "+messageColumns+" FROM messages m JOIN users u ON u.id = m.sender_id WHERE m.id = ?",
		messageID,
	))
}

// ListRoomMessages returns the newest page of non-deleted messages in
// chronological order.
func (d *Database) ListRoomMessages(roomID, limit, offset int) ([]Message, error) {
	rows, err := d.db.Query(`
		SELECT `+messageColumns+` FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.room_id = ? AND m.is_deleted = 0
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ? OFFSET ?`,
		roomID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (d *Database) UpdateMessageContent(messageID int, content string) error {
	_, err := d.db.Exec(`
		UPDATE messages SET content = ?, is_edited = 1, edit_count = edit_count + 1,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		content, messageID,
	)
	return err
}

func (d *Database) SoftDeleteMessage(messageID int) error {
	_, err := d.db.Exec(
		"UPDATE messages SET is_deleted = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		messageID,
	)
	return err
}

func (d *Database) SetMessagePinned(messageID, pinnedBy int) error {
	_, err := d.db.Exec(
		"UPDATE messages SET is_pinned = 1, pinned_by = ?, pinned_at = CURRENT_TIMESTAMP WHERE id = ?",
		pinnedBy, messageID,
	)
	return err
}

func (d *Database) ClearMessagePinned(messageID int) error {
	_, err := d.db.Exec(
		"UPDATE messages SET is_pinned = 0, pinned_by = NULL, pinned_at = NULL WHERE id = ?",
		messageID,
	)
	return err
}

func (d *Database) ListPinnedMessages(roomID int) ([]Message, error) {
	rows, err := d.db.Query(`
		SELECT `+messageColumns+` FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.room_id = ? AND m.is_pinned = 1 AND m.is_deleted = 0
		ORDER BY m.pinned_at DESC`,
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// ToggleReaction adds the (user, emoji) reaction if absent and removes it if
// present. Returns true when the reaction was added.
func (d *Database) ToggleReaction(messageID, userID int, emoji string) (bool, error) {
	result, err := d.db.Exec(
		"DELETE FROM message_reactions WHERE message_id = ? AND user_id = ? AND emoji = ?",
		messageID, userID, emoji,
	)
	if err != nil {
		return false, err
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if removed > 0 {
		return false, nil
	}

	_, err = d.db.Exec(
		"INSERT INTO message_reactions (message_id, user_id, emoji) VALUES (?, ?, ?)",
		messageID, userID, emoji,
	)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *Database) ListReactions(messageID, viewerID int) ([]Reaction, error) {
	rows, err := d.db.Query(`
		SELECT emoji, user_id FROM message_reactions
		WHERE message_id = ?
		ORDER BY emoji, created_at`,
		messageID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byEmoji := make(map[string]*Reaction)
	order := make([]string, 0)
	for rows.Next() {
		var emoji string
		var userID int
		if err := rows.Scan(&emoji, &userID); err != nil {
			return nil, err
		}
		r, ok := byEmoji[emoji]
		if !ok {
			r = &Reaction{Emoji: emoji}
			byEmoji[emoji] = r
			order = append(order, emoji)
		}
		r.Count++
		r.UserIDs = append(r.UserIDs, userID)
		if userID == viewerID {
			r.UserReacted = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	reactions := make([]Reaction, 0, len(order))
	for _, emoji := range order {
		reactions = append(reactions, *byEmoji[emoji])
	}
	return reactions, nil
}

// ==================== Join requests ====================

func scanJoinRequest(row interface{ Scan(...interface{}) error }) (*JoinRequest, error) {
	req := &JoinRequest{}
	var processedBy sql.NullInt64
	var processedAt sql.NullTime
	err := row.Scan(
		&req.ID, &req.RoomID, &req.UserID, &req.Status, &req.Message,
		&processedBy, &processedAt, &req.ExpiresAt, &req.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if processedBy.Valid {
		v := int(processedBy.Int64)
		req.ProcessedBy = &v
	}
	if processedAt.Valid {
		t := processedAt.Time
		req.ProcessedAt = &t
	}
	return req, nil
}

const joinRequestColumns = "id, room_id, user_id, status, message, processed_by, processed_at, expires_at, created_at"

func (d *Database) InsertJoinRequest(roomID, userID int, message string, expiresAt time.Time) (*JoinRequest, error) {
	result, err := d.db.Exec(
		"INSERT INTO join_requests (room_id, user_id, message, expires_at) VALUES (?, ?, ?, ?)",
		roomID, userID, message, expiresAt,
	)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return d.GetJoinRequestByID(int(id))
}

func (d *Database) GetJoinRequestByID(requestID int) (*JoinRequest, error) {
	return scanJoinRequest(d.db.QueryRow(
		"SELECT "+joinRequestColumns+" FROM join_requests WHERE id = ?", requestID,
	))
}

func (d *Database) FindPendingJoinRequest(roomID, userID int) (*JoinRequest, error) {
	return scanJoinRequest(d.db.QueryRow(
		"SELECT "+joinRequestColumns+" FROM join_requests WHERE room_id = ? AND user_id = ? AND status = ?",
		roomID, userID, JoinRequestPending,
	))
}

func (d *Database) ListPendingJoinRequests(roomID int) ([]JoinRequest, error) {
	rows, err := d.db.Query(
		"SELECT "+joinRequestColumns+" FROM join_requests WHERE room_id = ? AND status = ? ORDER BY created_at ASC",
		roomID, JoinRequestPending,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	requests := make([]JoinRequest, 0)
	for rows.Next() {
		req, err := scanJoinRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *req)
	}
	return requests, rows.Err()
}

// ResolveJoinRequest moves a pending request to a terminal status. It reports
// whether the transition happened, so a second resolution attempt can be
// rejected instead of silently re-applied.
func (d *Database) ResolveJoinRequest(requestID int, status string, processedBy int) (bool, error) {
	result, err := d.db.Exec(`
		UPDATE join_requests
		SET status = ?, processed_by = ?, processed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?`,
		status, processedBy, requestID, JoinRequestPending,
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ExpirePendingJoinRequests marks overdue pending requests expired. Called
// periodically by the composition root.
func (d *Database) ExpirePendingJoinRequests() (int, error) {
	result, err := d.db.Exec(
		"UPDATE join_requests SET status = ? WHERE status = ? AND expires_at < CURRENT_TIMESTAMP",
		JoinRequestExpired, JoinRequestPending,
	)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}

// ==================== Statistics ====================

func (d *Database) GetRoomStatistics(roomID int) (*RoomStatistics, error) {
	room, err := d.GetRoomByID(roomID)
	if err != nil {
		return nil, err
	}

	stats := &RoomStatistics{
		RoomID:        room.ID,
		RoomName:      room.Name,
		CreatedAt:     room.CreatedAt,
		LastMessageAt: room.LastMessageAt,
	}

	if err := d.db.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE room_id = ? AND is_deleted = 0", roomID,
	).Scan(&stats.TotalMessages); err != nil {
		return nil, err
	}
	if err := d.db.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE room_id = ? AND is_pinned = 1 AND is_deleted = 0", roomID,
	).Scan(&stats.PinnedMessages); err != nil {
		return nil, err
	}
	if err := d.db.QueryRow(
		"SELECT COUNT(*) FROM room_members WHERE room_id = ?", roomID,
	).Scan(&stats.TotalMembers); err != nil {
		return nil, err
	}
	return stats, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}
