package main

import (
	"sync"
)

// Transport is the write side of one live connection. The websocket layer
// wraps gorilla conns in it; tests substitute fakes.
type Transport interface {
	WriteMessage(data []byte) error
	Close() error
}

type registryMode int

const (
	// singleConnection keeps at most one live connection per user and
	// force-closes the previous one when a new one arrives.
	singleConnection registryMode = iota
	// multiConnection allows several concurrent connections per user.
	multiConnection
)

type connEntry struct {
	id        int64
	userID    int
	transport Transport
}

// Registry tracks live connections keyed by user. It owns no message
// semantics; the broadcaster and session manager deliver through it.
type Registry struct {
	mode registryMode

	mutex  sync.RWMutex
	nextID int64
	byUser map[int][]*connEntry

	// onReplaced is invoked (outside the lock) with the displaced transport
	// when single mode evicts an older connection.
	onReplaced func(userID int, t Transport)
	// onOffline fires when a user's last connection is gone.
	onOffline func(userID int)
	// onOnline fires when a user's first connection arrives.
	onOnline func(userID int)
}

func NewRegistry(mode registryMode) *Registry {
	return &Registry{
		mode:   mode,
		byUser: make(map[int][]*connEntry),
	}
}

func (r *Registry) OnReplaced(fn func(userID int, t Transport)) { r.onReplaced = fn }
func (r *Registry) OnOnline(fn func(userID int))                { r.onOnline = fn }
func (r *Registry) OnOffline(fn func(userID int))               { r.onOffline = fn }

// Connect registers a transport for the user and returns a connection id used
// to disconnect it later. In single mode any existing connection is displaced.
func (r *Registry) Connect(userID int, t Transport) int64 {
	var displaced []*connEntry
	var wasOffline bool

	r.mutex.Lock()
	r.nextID++
	id := r.nextID
	existing := r.byUser[userID]
	wasOffline = len(existing) == 0

	if r.mode == singleConnection && len(existing) > 0 {
		displaced = existing
		existing = nil
	}
	r.byUser[userID] = append(existing, &connEntry{id: id, userID: userID, transport: t})
	r.mutex.Unlock()

	for _, old := range displaced {
		if r.onReplaced != nil {
			r.onReplaced(userID, old.transport)
		} else {
			old.transport.Close()
		}
	}
	if wasOffline && r.onOnline != nil {
		r.onOnline(userID)
	}
	return id
}

// Disconnect removes one connection. Unknown ids are ignored, so transport
// teardown and explicit disconnects can race safely.
func (r *Registry) Disconnect(userID int, connID int64) {
	r.mutex.Lock()
	conns := r.byUser[userID]
	removed := false
	for i, c := range conns {
		if c.id == connID {
			conns = append(conns[:i], conns[i+1:]...)
			removed = true
			break
		}
	}
	if len(conns) == 0 {
		delete(r.byUser, userID)
	} else {
		r.byUser[userID] = conns
	}
	nowOffline := removed && len(conns) == 0
	r.mutex.Unlock()

	if nowOffline && r.onOffline != nil {
		r.onOffline(userID)
	}
}

func (r *Registry) IsOnline(userID int) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.byUser[userID]) > 0
}

func (r *Registry) OnlineUsers() []int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	users := make([]int, 0, len(r.byUser))
	for userID := range r.byUser {
		users = append(users, userID)
	}
	return users
}

// SendTo writes the payload to every live connection of the user. Connections
// whose write fails are pruned, with the offline hook firing if the user's
// last connection died. Returns the number of successful writes.
func (r *Registry) SendTo(userID int, payload []byte) int {
	r.mutex.RLock()
	conns := append([]*connEntry(nil), r.byUser[userID]...)
	r.mutex.RUnlock()

	sent := 0
	for _, c := range conns {
		if err := c.transport.WriteMessage(payload); err != nil {
			c.transport.Close()
			r.Disconnect(userID, c.id)
			continue
		}
		sent++
	}
	return sent
}

// PresenceTracker records which rooms each user has entered over the
// multi-connection socket. Entirely in memory; membership is the database's
// concern, presence is this one's.
type PresenceTracker struct {
	mutex     sync.RWMutex
	userRooms map[int]map[int]struct{}
	roomUsers map[int]map[int]struct{}
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		userRooms: make(map[int]map[int]struct{}),
		roomUsers: make(map[int]map[int]struct{}),
	}
}

// Enter marks the user present in the room. Idempotent.
func (p *PresenceTracker) Enter(userID, roomID int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.userRooms[userID] == nil {
		p.userRooms[userID] = make(map[int]struct{})
	}
	p.userRooms[userID][roomID] = struct{}{}

	if p.roomUsers[roomID] == nil {
		p.roomUsers[roomID] = make(map[int]struct{})
	}
	p.roomUsers[roomID][userID] = struct{}{}
}

// Leave marks the user absent from the room. Idempotent.
func (p *PresenceTracker) Leave(userID, roomID int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if rooms := p.userRooms[userID]; rooms != nil {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(p.userRooms, userID)
		}
	}
	if users := p.roomUsers[roomID]; users != nil {
		delete(users, userID)
		if len(users) == 0 {
			delete(p.roomUsers, roomID)
		}
	}
}

// LeaveAll clears every room the user was present in, returning the rooms
// left. Called when a user's connection tears down.
func (p *PresenceTracker) LeaveAll(userID int) []int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	rooms := make([]int, 0, len(p.userRooms[userID]))
	for roomID := range p.userRooms[userID] {
		rooms = append(rooms, roomID)
		if users := p.roomUsers[roomID]; users != nil {
			delete(users, userID)
			if len(users) == 0 {
				delete(p.roomUsers, roomID)
			}
		}
	}
	delete(p.userRooms, userID)
	return rooms
}

func (p *PresenceTracker) UsersInRoom(roomID int) []int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	users := make([]int, 0, len(p.roomUsers[roomID]))
	for userID := range p.roomUsers[roomID] {
		users = append(users, userID)
	}
	return users
}

func (p *PresenceTracker) InRoom(userID, roomID int) bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	_, ok := p.roomUsers[roomID][userID]
	return ok
}
