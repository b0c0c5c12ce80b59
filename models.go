package main

import (
	"encoding/json"
	"time"
)

type User struct {
	ID           int       `json:"id"`
	Username     string    `json:"username"`
	Nickname     string    `json:"nickname,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// Room types. "private" is the 1:1 direct-message type, "group" the
// invite-only multi-member type.
const (
	RoomTypePublic  = "public"
	RoomTypePrivate = "private"
	RoomTypeGroup   = "group"
	RoomTypeChannel = "channel"
)

type Room struct {
	ID                int        `json:"id"`
	Name              string     `json:"name"`
	Description       string     `json:"description,omitempty"`
	Type              string     `json:"room_type"`
	IsPublic          bool       `json:"is_public"`
	AllowSearch       bool       `json:"allow_search"`
	EnableInviteCode  bool       `json:"enable_invite_code"`
	AllowMemberInvite bool       `json:"allow_member_invite"`
	MaxMembers        int        `json:"max_members"`
	RetentionDays     int        `json:"message_retention_days"`
	WelcomeMessage    string     `json:"welcome_message,omitempty"`
	InviteCode        string     `json:"-"`
	InviteCodeExpires *time.Time `json:"-"`
	CreatedBy         int        `json:"created_by"`
	IsActive          bool       `json:"is_active"`
	CreatedAt         time.Time  `json:"created_at"`
	LastMessageAt     *time.Time `json:"last_message_at,omitempty"`
}

// Membership roles, weakest to strongest.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
	RoleOwner  = "owner"
)

func roleRank(role string) int {
	switch role {
	case RoleOwner:
		return 2
	case RoleAdmin:
		return 1
	default:
		return 0
	}
}

type Membership struct {
	RoomID   int       `json:"room_id"`
	UserID   int       `json:"user_id"`
	Role     string    `json:"role"`
	IsMuted  bool      `json:"is_muted"`
	JoinedAt time.Time `json:"joined_at"`
}

// RoomMember is a Membership joined with its user row, as returned to clients.
type RoomMember struct {
	UserID   int       `json:"user_id"`
	Username string    `json:"username"`
	Nickname string    `json:"nickname,omitempty"`
	Role     string    `json:"role"`
	IsMuted  bool      `json:"is_muted"`
	JoinedAt time.Time `json:"joined_at"`
	Online   bool      `json:"online"`
}

const (
	MessageTypeText   = "text"
	MessageTypeImage  = "image"
	MessageTypeFile   = "file"
	MessageTypeSystem = "system"
	MessageTypeVoice  = "voice"
	MessageTypeVideo  = "video"
	MessageTypeEmoji  = "emoji"
)

// UserInfo is the trimmed user shape embedded in messages and events.
type UserInfo struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Nickname string `json:"nickname,omitempty"`
}

type Message struct {
	ID        int        `json:"id"`
	RoomID    int        `json:"room_id"`
	SenderID  int        `json:"sender_id"`
	Sender    UserInfo   `json:"sender"`
	Type      string     `json:"message_type"`
	Content   string     `json:"content"`
	ReplyToID *int       `json:"reply_to_id,omitempty"`
	FileURL   string     `json:"file_url,omitempty"`
	FileName  string     `json:"file_name,omitempty"`
	FileSize  int64      `json:"file_size,omitempty"`
	IsEdited  bool       `json:"is_edited"`
	EditCount int        `json:"edit_count"`
	IsDeleted bool       `json:"is_deleted"`
	IsPinned  bool       `json:"is_pinned"`
	PinnedBy  *int       `json:"pinned_by,omitempty"`
	PinnedAt  *time.Time `json:"pinned_at,omitempty"`
	// SystemData is set only for system messages. It is a tagged payload
	// rendered by clients, never reinterpreted here after creation.
	SystemData *SystemPayload `json:"system_data,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

type Reaction struct {
	Emoji       string `json:"emoji"`
	Count       int    `json:"count"`
	UserIDs     []int  `json:"user_ids"`
	UserReacted bool   `json:"user_reacted"`
}

const (
	JoinRequestPending  = "pending"
	JoinRequestApproved = "approved"
	JoinRequestRejected = "rejected"
	JoinRequestExpired  = "expired"
)

type JoinRequest struct {
	ID          int        `json:"id"`
	RoomID      int        `json:"room_id"`
	UserID      int        `json:"user_id"`
	Status      string     `json:"status"`
	Message     string     `json:"message,omitempty"`
	ProcessedBy *int       `json:"processed_by,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

type InviteCodeInfo struct {
	RoomID    int       `json:"room_id"`
	Code      string    `json:"invite_code"`
	ExpiresAt time.Time `json:"expires_at"`
}

type RoomStatistics struct {
	RoomID         int        `json:"room_id"`
	RoomName       string     `json:"room_name"`
	TotalMessages  int        `json:"total_messages"`
	TotalMembers   int        `json:"total_members"`
	PinnedMessages int        `json:"pinned_messages"`
	CreatedAt      time.Time  `json:"created_at"`
	LastMessageAt  *time.Time `json:"last_message_at,omitempty"`
}

// Frame is the inbound client envelope on both sockets.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound frame payloads.

type authFrame struct {
	Token string `json:"token"`
}

type sendMessageFrame struct {
	RoomID    int    `json:"room_id"`
	Content   string `json:"content"`
	Type      string `json:"message_type"`
	ReplyToID *int   `json:"reply_to_id,omitempty"`
}

type editMessageFrame struct {
	MessageID int    `json:"message_id"`
	Content   string `json:"content"`
}

type deleteMessageFrame struct {
	MessageID int `json:"message_id"`
}

type reactMessageFrame struct {
	MessageID int    `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type typingFrame struct {
	RoomID   int  `json:"room_id"`
	IsTyping bool `json:"is_typing"`
}

type roomFrame struct {
	RoomID int `json:"room_id"`
}
