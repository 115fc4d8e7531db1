package core

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"chatrelay/internal/protocol"
)

// SendTimeout bounds how long a write to one session may block.
const SendTimeout = 50 * time.Millisecond

// DefaultSendBuffer is the outbound queue size when Add is given none.
const DefaultSendBuffer = 64

var (
	// ErrUnknownSession is returned for operations on a session that is not registered.
	ErrUnknownSession = errors.New("unknown session")
	// ErrRoomRequired is returned by Join for an empty room id.
	ErrRoomRequired = errors.New("room id is required")
)

// Session is the caller's handle on one connected client.
// Send is closed when the session is removed.
type Session struct {
	ID          string
	DisplayName string
	Send        chan protocol.Envelope
}

type sessionState struct {
	id   string
	name string
	room string
	send chan protocol.Envelope
}

// Registry holds every connected session and the room each one occupies.
// A session is a member of at most one room.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	rooms    map[string]map[string]struct{} // roomID → member session ids
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*sessionState),
		rooms:    make(map[string]map[string]struct{}),
	}
}

// Add registers a new session that is in no room.
func (r *Registry) Add(displayName string, sendBuf int) *Session {
	if sendBuf <= 0 {
		sendBuf = DefaultSendBuffer
	}
	s := &sessionState{
		id:   uuid.NewString(),
		name: strings.TrimSpace(displayName),
		send: make(chan protocol.Envelope, sendBuf),
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	count := len(r.sessions)
	r.mu.Unlock()

	slog.Info("session added", "session_id", s.id, "name", s.name, "total_sessions", count)
	return &Session{ID: s.id, DisplayName: s.name, Send: s.send}
}

// Remove clears the session's room membership, unregisters it and closes
// its Send channel in one step. It returns the room the session was in.
func (r *Registry) Remove(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return "", false
	}
	room := s.room
	r.leaveLocked(s)
	delete(r.sessions, sessionID)
	close(s.send)

	slog.Info("session removed", "session_id", sessionID, "room_id", room, "remaining_sessions", len(r.sessions))
	return room, true
}

// Join moves the session into roomID, leaving its previous room. Joining the
// current room again is a no-op. It returns the previous room.
func (r *Registry) Join(sessionID, roomID string) (string, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return "", ErrRoomRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	prev := s.room
	if prev == roomID {
		return prev, nil
	}
	r.leaveLocked(s)

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[roomID] = members
	}
	members[sessionID] = struct{}{}
	s.room = roomID

	slog.Debug("room joined", "session_id", sessionID, "room_id", roomID, "prev_room", prev, "members", len(members))
	return prev, nil
}

// Leave removes the session from its room. It reports the room left and
// whether the session was in one.
func (r *Registry) Leave(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok || s.room == "" {
		return "", false
	}
	room := s.room
	r.leaveLocked(s)
	slog.Debug("room left", "session_id", sessionID, "room_id", room)
	return room, true
}

// leaveLocked drops s from its room and prunes the room once empty.
func (r *Registry) leaveLocked(s *sessionState) {
	if s.room == "" {
		return
	}
	if members, ok := r.rooms[s.room]; ok {
		delete(members, s.id)
		if len(members) == 0 {
			delete(r.rooms, s.room)
		}
	}
	s.room = ""
}

// MembersOf returns the sorted member ids of roomID; empty for an unknown room.
func (r *Registry) MembersOf(roomID string) []string {
	r.mu.RLock()
	ids := lo.Keys(r.rooms[roomID])
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// RoomOf returns the room the session is in.
func (r *Registry) RoomOf(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok || s.room == "" {
		return "", false
	}
	return s.room, true
}

// Session returns the handle for a registered session.
func (r *Registry) Session(sessionID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return Session{ID: s.id, DisplayName: s.name, Send: s.send}, true
}

// ClientCount returns the number of connected sessions.
func (r *Registry) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Rooms returns the member count of every non-empty room.
func (r *Registry) Rooms() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.MapValues(r.rooms, func(members map[string]struct{}, _ string) int {
		return len(members)
	})
}

// BroadcastToRoom sends env to the current members of roomID and returns how
// many sessions accepted it. An unknown or empty room is a no-op.
func (r *Registry) BroadcastToRoom(roomID string, env protocol.Envelope) int {
	r.mu.RLock()
	targets := make([]chan protocol.Envelope, 0, len(r.rooms[roomID]))
	for id := range r.rooms[roomID] {
		targets = append(targets, r.sessions[id].send)
	}
	r.mu.RUnlock()

	sent := deliver(targets, env)
	slog.Debug("broadcast_to_room", "event", env.Event, "room_id", roomID, "recipients", sent, "total", len(targets))
	return sent
}

// Broadcast sends env to every connected session.
func (r *Registry) Broadcast(env protocol.Envelope) int {
	r.mu.RLock()
	targets := make([]chan protocol.Envelope, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s.send)
	}
	r.mu.RUnlock()

	sent := deliver(targets, env)
	slog.Debug("broadcast", "event", env.Event, "recipients", sent, "total", len(targets))
	return sent
}

// SendTo sends env to one session.
func (r *Registry) SendTo(sessionID string, env protocol.Envelope) bool {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return trySend(s.send, env)
}

func deliver(targets []chan protocol.Envelope, env protocol.Envelope) int {
	sent := 0
	for _, ch := range targets {
		if trySend(ch, env) {
			sent++
		}
	}
	return sent
}

// trySend drops env when the session's queue stays full for SendTimeout or
// the session was removed after the target snapshot.
func trySend(ch chan protocol.Envelope, env protocol.Envelope) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case ch <- env:
		return true
	case <-time.After(SendTimeout):
		slog.Debug("trySend timeout", "event", env.Event)
		return false
	}
}
