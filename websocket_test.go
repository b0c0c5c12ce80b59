package main

import (
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsEnv struct {
	*testEnv
	auth   *AuthManager
	server *httptest.Server
}

func newWSEnv(t *testing.T) *wsEnv {
	t.Helper()

	db, err := NewDatabase(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	require.NoError(t, db.CreateTables())
	t.Cleanup(func() { db.Close() })

	cfg := &Config{
		JWTSecret:      "test-secret",
		TokenTTL:       time.Hour,
		AuthTimeout:    300 * time.Millisecond,
		PingInterval:   50 * time.Second,
		PongWait:       10 * time.Second,
		WriteWait:      2 * time.Second,
		SendBuffer:     16,
		HistoryLimit:   50,
		InviteCodeTTL:  30 * 24 * time.Hour,
		JoinRequestTTL: 7 * 24 * time.Hour,
	}

	auth := NewAuthManager(db, cfg.JWTSecret, cfg.TokenTTL)
	roomReg := NewRegistry(multiConnection)
	globalReg := NewRegistry(singleConnection)
	presence := NewPresenceTracker()
	roomBus := NewBroadcaster(roomReg, presence)
	globalBus := NewBroadcaster(globalReg, presence)
	sysmsg := NewSystemMessageEmitter(db, roomBus, globalBus)
	chat := NewChatSessionManager(db, cfg, roomBus, globalBus, sysmsg)
	ws := NewWSServer(cfg, auth, chat, db, roomReg, globalReg, presence, roomBus, globalBus)
	server := NewServer(db, auth, chat, ws)

	ts := httptest.NewServer(server.RegisterRoutes())
	t.Cleanup(ts.Close)

	return &wsEnv{
		testEnv: &testEnv{
			db: db, cfg: cfg,
			roomReg: roomReg, globalReg: globalReg,
			presence: presence, roomBus: roomBus, globalBus: globalBus,
			chat: chat,
		},
		auth:   auth,
		server: ts,
	}
}

func (env *wsEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(env.server.URL, "http") + path
}

func (env *wsEnv) token(t *testing.T, user *User) string {
	t.Helper()
	token, err := env.auth.IssueToken(user)
	require.NoError(t, err)
	return token
}

func (env *wsEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL(path), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) recordedEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev recordedEvent
	require.NoError(t, json.Unmarshal(raw, &ev))
	return ev
}

// waitForEvent reads frames until one of the wanted type arrives.
func waitForEvent(t *testing.T, conn *websocket.Conn, eventType string) recordedEvent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		ev := readEvent(t, conn)
		if ev.Type == eventType {
			return ev
		}
	}
	t.Fatalf("no %s event received", eventType)
	return recordedEvent{}
}

func writeFrame(t *testing.T, conn *websocket.Conn, frameType string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Frame{Type: frameType, Data: raw}))
}

func TestWebSocketAuthViaQueryParam(t *testing.T) {
	env := newWSEnv(t)
	user, err := env.db.CreateUser("alice", "Alice", "hunter2hunter2")
	require.NoError(t, err)

	conn := env.dial(t, "/ws?token="+env.token(t, user))

	ev := readEvent(t, conn)
	assert.Equal(t, EventAuthResponse, ev.Type)

	var data struct {
		UserID   int    `json:"user_id"`
		Username string `json:"username"`
	}
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	assert.Equal(t, user.ID, data.UserID)
	assert.Equal(t, "alice", data.Username)
}

func TestWebSocketAuthViaFirstFrame(t *testing.T) {
	env := newWSEnv(t)
	user, err := env.db.CreateUser("alice", "Alice", "hunter2hunter2")
	require.NoError(t, err)

	conn := env.dial(t, "/ws/global")
	writeFrame(t, conn, "auth", authFrame{Token: env.token(t, user)})

	ev := readEvent(t, conn)
	assert.Equal(t, EventAuthResponse, ev.Type)
	assert.True(t, env.globalReg.IsOnline(user.ID))
}

func TestWebSocketAuthTimeout(t *testing.T) {
	env := newWSEnv(t)

	conn := env.dial(t, "/ws")
	// Send nothing; the server gives up after the auth window.

	ev := readEvent(t, conn)
	assert.Equal(t, EventError, ev.Type)

	var ce ChatError
	require.NoError(t, json.Unmarshal(ev.Data, &ce))
	assert.Equal(t, CodeAuthFailed, ce.Code)
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	env := newWSEnv(t)

	conn := env.dial(t, "/ws?token=bogus")

	ev := readEvent(t, conn)
	assert.Equal(t, EventError, ev.Type)
}

func TestWebSocketGlobalReplacesOlderConnection(t *testing.T) {
	env := newWSEnv(t)
	user, err := env.db.CreateUser("alice", "Alice", "hunter2hunter2")
	require.NoError(t, err)
	token := env.token(t, user)

	first := env.dial(t, "/ws/global?token="+token)
	readEvent(t, first) // auth_response

	second := env.dial(t, "/ws/global?token="+token)
	readEvent(t, second)

	// The older connection is force-closed by the newer one.
	first.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = first.ReadMessage()
	assert.Error(t, err)
	assert.True(t, env.globalReg.IsOnline(user.ID))
}

func TestWebSocketRoomMessageFlow(t *testing.T) {
	env := newWSEnv(t)
	alice, err := env.db.CreateUser("alice", "Alice", "hunter2hunter2")
	require.NoError(t, err)
	bob, err := env.db.CreateUser("bob", "Bob", "hunter2hunter2")
	require.NoError(t, err)

	room, err := env.chat.CreateRoom(&Session{UserID: alice.ID, Username: "alice"}, &Room{Name: "general", Type: RoomTypeGroup})
	require.NoError(t, err)
	require.NoError(t, env.db.UpsertMembership(room.ID, bob.ID, RoleMember))

	aliceConn := env.dial(t, "/ws?token="+env.token(t, alice))
	readEvent(t, aliceConn)
	bobConn := env.dial(t, "/ws?token="+env.token(t, bob))
	readEvent(t, bobConn)

	writeFrame(t, aliceConn, "join_room", roomFrame{RoomID: room.ID})
	waitForEvent(t, aliceConn, EventOnlineUsers)
	writeFrame(t, bobConn, "join_room", roomFrame{RoomID: room.ID})
	waitForEvent(t, bobConn, EventOnlineUsers)

	writeFrame(t, bobConn, "send_message", sendMessageFrame{RoomID: room.ID, Content: "hello from bob"})

	ev := waitForEvent(t, aliceConn, EventNewMessage)
	var msg Message
	require.NoError(t, json.Unmarshal(ev.Data, &msg))
	assert.Equal(t, "hello from bob", msg.Content)
	assert.Equal(t, bob.ID, msg.SenderID)
	assert.Equal(t, "bob", msg.Sender.Username)

	// The sender receives their own message too.
	waitForEvent(t, bobConn, EventNewMessage)

	// Errors go only to the offending connection.
	writeFrame(t, bobConn, "send_message", sendMessageFrame{RoomID: room.ID + 99, Content: "void"})
	errEv := waitForEvent(t, bobConn, EventError)
	var ce ChatError
	require.NoError(t, json.Unmarshal(errEv.Data, &ce))
	assert.Equal(t, CodeNotFound, ce.Code)
}

func TestWebSocketSecondTabKeepsPresence(t *testing.T) {
	env := newWSEnv(t)
	alice, err := env.db.CreateUser("alice", "Alice", "hunter2hunter2")
	require.NoError(t, err)
	bob, err := env.db.CreateUser("bob", "Bob", "hunter2hunter2")
	require.NoError(t, err)

	room, err := env.chat.CreateRoom(&Session{UserID: alice.ID, Username: "alice"}, &Room{Name: "general", Type: RoomTypeGroup})
	require.NoError(t, err)
	require.NoError(t, env.db.UpsertMembership(room.ID, bob.ID, RoleMember))

	token := env.token(t, alice)
	first := env.dial(t, "/ws?token="+token)
	readEvent(t, first)
	second := env.dial(t, "/ws?token="+token)
	readEvent(t, second)

	writeFrame(t, first, "join_room", roomFrame{RoomID: room.ID})
	waitForEvent(t, first, EventOnlineUsers)
	writeFrame(t, second, "join_room", roomFrame{RoomID: room.ID})
	waitForEvent(t, second, EventOnlineUsers)

	// Close one tab and wait for the server to finish tearing it down:
	// a direct delivery reaches exactly the surviving connection.
	heartbeat, err := json.Marshal(Envelope{Type: "pong", Timestamp: time.Now().UTC()})
	require.NoError(t, err)
	first.Close()
	require.Eventually(t, func() bool {
		return env.roomReg.SendTo(alice.ID, heartbeat) == 1
	}, 3*time.Second, 20*time.Millisecond)

	// The surviving tab keeps its presence and still receives broadcasts.
	assert.True(t, env.presence.InRoom(alice.ID, room.ID))
	_, err = env.chat.SendMessage(&Session{UserID: bob.ID, Username: "bob"}, room.ID, "still there?", "", nil)
	require.NoError(t, err)
	ev := waitForEvent(t, second, EventNewMessage)
	var msg Message
	require.NoError(t, json.Unmarshal(ev.Data, &msg))
	assert.Equal(t, "still there?", msg.Content)

	// Closing the last tab clears presence for real.
	second.Close()
	require.Eventually(t, func() bool {
		return !env.presence.InRoom(alice.ID, room.ID)
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWebSocketJoinRoomRequiresMembership(t *testing.T) {
	env := newWSEnv(t)
	alice, err := env.db.CreateUser("alice", "Alice", "hunter2hunter2")
	require.NoError(t, err)
	mallory, err := env.db.CreateUser("mallory", "Mallory", "hunter2hunter2")
	require.NoError(t, err)

	room, err := env.chat.CreateRoom(&Session{UserID: alice.ID, Username: "alice"}, &Room{Name: "private-club", Type: RoomTypeGroup})
	require.NoError(t, err)

	conn := env.dial(t, "/ws?token="+env.token(t, mallory))
	readEvent(t, conn)

	writeFrame(t, conn, "join_room", roomFrame{RoomID: room.ID})
	ev := waitForEvent(t, conn, EventError)

	var ce ChatError
	require.NoError(t, json.Unmarshal(ev.Data, &ce))
	assert.Equal(t, CodeNotMember, ce.Code)
	assert.False(t, env.presence.InRoom(mallory.ID, room.ID))
}
