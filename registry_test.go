package main

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records everything written to it and can be told to fail.
type fakeTransport struct {
	mu         sync.Mutex
	frames     [][]byte
	closed     bool
	failWrites bool
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites || f.closed {
		return errors.New("write failed")
	}
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type recordedEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (f *fakeTransport) events(t *testing.T) []recordedEvent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	events := make([]recordedEvent, 0, len(f.frames))
	for _, raw := range f.frames {
		var ev recordedEvent
		require.NoError(t, json.Unmarshal(raw, &ev))
		events = append(events, ev)
	}
	return events
}

func (f *fakeTransport) eventTypes(t *testing.T) []string {
	t.Helper()
	events := f.events(t)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func TestRegistrySingleModeReplacesConnection(t *testing.T) {
	reg := NewRegistry(singleConnection)
	var replaced []Transport
	reg.OnReplaced(func(userID int, tr Transport) {
		replaced = append(replaced, tr)
		tr.Close()
	})

	first := &fakeTransport{}
	second := &fakeTransport{}
	reg.Connect(7, first)
	reg.Connect(7, second)

	require.Len(t, replaced, 1)
	assert.True(t, first.isClosed())
	assert.False(t, second.isClosed())

	// Only the surviving connection receives traffic.
	sent := reg.SendTo(7, []byte(`{}`))
	assert.Equal(t, 1, sent)
	assert.Empty(t, first.frames)
	assert.Len(t, second.frames, 1)
}

func TestRegistryMultiModeKeepsAllConnections(t *testing.T) {
	reg := NewRegistry(multiConnection)

	first := &fakeTransport{}
	second := &fakeTransport{}
	reg.Connect(7, first)
	reg.Connect(7, second)

	sent := reg.SendTo(7, []byte(`{}`))
	assert.Equal(t, 2, sent)
	assert.Len(t, first.frames, 1)
	assert.Len(t, second.frames, 1)
}

func TestRegistryPrunesDeadConnections(t *testing.T) {
	reg := NewRegistry(multiConnection)
	var wentOffline []int
	reg.OnOffline(func(userID int) { wentOffline = append(wentOffline, userID) })

	dead := &fakeTransport{failWrites: true}
	reg.Connect(7, dead)

	sent := reg.SendTo(7, []byte(`{}`))
	assert.Equal(t, 0, sent)
	assert.True(t, dead.isClosed())
	assert.False(t, reg.IsOnline(7))
	assert.Equal(t, []int{7}, wentOffline)

	// A later send is a no-op, not an error.
	assert.Equal(t, 0, reg.SendTo(7, []byte(`{}`)))
}

func TestRegistryOnlineTransitions(t *testing.T) {
	reg := NewRegistry(multiConnection)
	var online, offline []int
	reg.OnOnline(func(userID int) { online = append(online, userID) })
	reg.OnOffline(func(userID int) { offline = append(offline, userID) })

	first := &fakeTransport{}
	second := &fakeTransport{}
	id1 := reg.Connect(3, first)
	id2 := reg.Connect(3, second)

	// Only the first connection flips the user online.
	assert.Equal(t, []int{3}, online)

	reg.Disconnect(3, id1)
	assert.Empty(t, offline)
	reg.Disconnect(3, id2)
	assert.Equal(t, []int{3}, offline)

	// Unknown ids are ignored.
	reg.Disconnect(3, id2)
	assert.Equal(t, []int{3}, offline)
}

func TestPresenceEnterLeaveIdempotent(t *testing.T) {
	p := NewPresenceTracker()

	p.Enter(1, 10)
	p.Enter(1, 10)
	p.Enter(2, 10)

	users := p.UsersInRoom(10)
	sort.Ints(users)
	assert.Equal(t, []int{1, 2}, users)
	assert.True(t, p.InRoom(1, 10))

	p.Leave(1, 10)
	p.Leave(1, 10)
	assert.Equal(t, []int{2}, p.UsersInRoom(10))
	assert.False(t, p.InRoom(1, 10))
}

func TestPresenceLeaveAll(t *testing.T) {
	p := NewPresenceTracker()
	p.Enter(1, 10)
	p.Enter(1, 20)
	p.Enter(2, 10)

	rooms := p.LeaveAll(1)
	sort.Ints(rooms)
	assert.Equal(t, []int{10, 20}, rooms)
	assert.Equal(t, []int{2}, p.UsersInRoom(10))
	assert.Empty(t, p.UsersInRoom(20))

	// A second sweep finds nothing.
	assert.Empty(t, p.LeaveAll(1))
}
