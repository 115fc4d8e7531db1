// Package relay routes inbound client events to the room registry and the
// message store, and fans stored messages out to sessions.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/internal/core"
	"chatrelay/internal/metrics"
	"chatrelay/internal/protocol"
	"chatrelay/internal/store"
)

// ErrUnknownSession is returned for events from a session that is not connected.
var ErrUnknownSession = core.ErrUnknownSession

// ErrClosed is returned by SendMessage once Close has been called.
var ErrClosed = errors.New("relay closed")

// MessageStore is the durable log the engine appends to and reads history from.
type MessageStore interface {
	Append(ctx context.Context, msg protocol.ChatMessage) (protocol.StoredMessage, error)
	QueryRecent(ctx context.Context, roomID string, limit int) []protocol.StoredMessage
}

// Option configures an Engine.
type Option func(*Engine)

// WithHistoryLimit sets the number of messages returned by request-history.
func WithHistoryLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.historyLimit = n
		}
	}
}

// WithSendBuffer sets the outbound queue size of new sessions.
func WithSendBuffer(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sendBuffer = n
		}
	}
}

// WithClock replaces time.Now for createdAt stamping.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine owns the session registry and serialises sends per room.
//
// Every room (and the room-less global scope) has a lane: messages are
// stamped and queued under the lane lock in the order they arrive, and one
// goroutine per busy lane appends and broadcasts them in that order. Lanes of
// different rooms run independently. An idle lane is dropped; floor carries its
// last stamp so a recreated lane never stamps below it.
type Engine struct {
	registry     *core.Registry
	store        MessageStore
	historyLimit int
	sendBuffer   int
	now          func() time.Time

	mu     sync.Mutex
	lanes  map[string]*lane
	floor  time.Time
	closed bool
	wg     sync.WaitGroup

	relayed atomic.Uint64
	failed  atomic.Uint64
}

type lane struct {
	mu      sync.Mutex
	last    time.Time
	pending []func()
	running bool
}

// New returns an engine backed by registry and st.
func New(registry *core.Registry, st MessageStore, opts ...Option) *Engine {
	e := &Engine{
		registry:     registry,
		store:        st,
		historyLimit: store.DefaultLimit,
		sendBuffer:   core.DefaultSendBuffer,
		now:          time.Now,
		lanes:        make(map[string]*lane),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the engine's session registry.
func (e *Engine) Registry() *core.Registry {
	return e.registry
}

// Connect registers a new session with the given display name.
func (e *Engine) Connect(displayName string) (*core.Session, error) {
	name, err := protocol.NormalizeDisplayName(displayName)
	if err != nil {
		return nil, err
	}
	s := e.registry.Add(name, e.sendBuffer)
	metrics.SessionsActive.Inc()
	return s, nil
}

// Disconnect removes the session and its room membership. Later broadcasts
// never target it.
func (e *Engine) Disconnect(sessionID string) {
	if _, ok := e.registry.Remove(sessionID); ok {
		metrics.SessionsActive.Dec()
	}
}

// JoinRoom moves the session into roomID.
func (e *Engine) JoinRoom(sessionID, roomID string) error {
	if _, err := e.registry.Join(sessionID, roomID); err != nil {
		return err
	}
	metrics.RoomJoins.Inc()
	return nil
}

// LeaveRoom takes the session out of its room, if any.
func (e *Engine) LeaveRoom(sessionID string) {
	e.registry.Leave(sessionID)
}

// History returns up to limit recent messages of roomID (all rooms when
// empty), newest first. Storage failures yield an empty result.
func (e *Engine) History(ctx context.Context, roomID string, limit int) []protocol.StoredMessage {
	if limit <= 0 {
		limit = e.historyLimit
	}
	metrics.HistoryRequests.Inc()
	return e.store.QueryRecent(ctx, roomID, limit)
}

// SendMessage stamps p and queues it on its room's lane. The stored message
// is later broadcast to the room members, or to every session when p has no
// room. If the store rejects it, only the sender gets an error event.
func (e *Engine) SendMessage(sessionID string, p protocol.SendMessage) error {
	sess, ok := e.registry.Session(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	msg := protocol.ChatMessage{
		Text:       p.Text,
		SenderID:   p.SenderID,
		SenderName: p.SenderName,
		RoomID:     p.RoomID,
	}
	if msg.SenderName == "" {
		msg.SenderName = sess.DisplayName
	}

	return e.enqueue(msg.RoomID, func(stamp time.Time) func() {
		msg.CreatedAt = stamp
		return func() { e.relay(sessionID, msg) }
	})
}

// enqueue stamps a createdAt under the lane lock, so stamps never go
// backwards within a room, and queues the job built from it.
func (e *Engine) enqueue(roomID string, build func(stamp time.Time) func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	l, ok := e.lanes[roomID]
	if !ok {
		l = &lane{last: e.floor}
		e.lanes[roomID] = l
	}

	l.mu.Lock()
	stamp := e.now().UTC().Truncate(time.Millisecond)
	if stamp.Before(l.last) {
		stamp = l.last
	}
	l.last = stamp
	l.pending = append(l.pending, build(stamp))
	if !l.running {
		l.running = true
		e.wg.Add(1)
		go e.drain(roomID, l)
	}
	l.mu.Unlock()
	return nil
}

func (e *Engine) drain(roomID string, l *lane) {
	defer e.wg.Done()
	for {
		l.mu.Lock()
		if len(l.pending) == 0 {
			l.running = false
			l.mu.Unlock()
			e.retire(roomID, l)
			return
		}
		job := l.pending[0]
		l.pending[0] = nil
		l.pending = l.pending[1:]
		l.mu.Unlock()

		job()
	}
}

// retire removes l from the lane map unless new work arrived meanwhile.
func (e *Engine) retire(roomID string, l *lane) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running || len(l.pending) > 0 || e.lanes[roomID] != l {
		return
	}
	if l.last.After(e.floor) {
		e.floor = l.last
	}
	delete(e.lanes, roomID)
}

func (e *Engine) relay(senderID string, msg protocol.ChatMessage) {
	stored, err := e.store.Append(context.Background(), msg)
	if err != nil {
		e.failed.Add(1)
		metrics.MessagesFailed.Inc()
		slog.Error("message not stored", "session_id", senderID, "room_id", msg.RoomID, "err", err)
		e.registry.SendTo(senderID, protocol.ErrorEvent(protocol.SendFailed))
		return
	}

	env := protocol.MessageEvent(stored)
	scope := "global"
	var sent int
	if stored.RoomID != "" {
		scope = "room"
		sent = e.registry.BroadcastToRoom(stored.RoomID, env)
	} else {
		sent = e.registry.Broadcast(env)
	}
	e.relayed.Add(1)
	metrics.MessagesRelayed.WithLabelValues(scope).Inc()
	metrics.FanoutRecipients.Observe(float64(sent))
	slog.Debug("message relayed", "msg_id", stored.ID, "session_id", senderID, "room_id", stored.RoomID, "recipients", sent)
}

// Dispatch handles one inbound envelope from sessionID. Invalid or unknown
// events are logged and dropped; the returned error is for the caller's
// information only.
func (e *Engine) Dispatch(ctx context.Context, sessionID string, env protocol.Envelope) error {
	event := protocol.CanonicalEvent(env.Event)

	switch event {
	case protocol.EventJoinRoom:
		roomID, err := protocol.DecodeRoomID(env.Data)
		if err != nil {
			return e.dropInvalid(sessionID, event, err)
		}
		return e.JoinRoom(sessionID, roomID)

	case protocol.EventLeaveRoom:
		e.LeaveRoom(sessionID)
		return nil

	case protocol.EventRequestHistory:
		roomID, err := protocol.DecodeOptionalRoomID(env.Data)
		if err != nil {
			return e.dropInvalid(sessionID, event, err)
		}
		msgs := e.History(ctx, roomID, 0)
		reply := protocol.HistoryEvent(msgs)
		if env.Ack != 0 {
			reply = protocol.AckEvent(env.Ack, msgs)
		}
		e.registry.SendTo(sessionID, reply)
		return nil

	case protocol.EventSendMessage:
		p, err := protocol.DecodeSendMessage(env.Data)
		if err != nil {
			return e.dropInvalid(sessionID, event, err)
		}
		return e.SendMessage(sessionID, p)

	default:
		return e.dropInvalid(sessionID, event, fmt.Errorf("%w: unknown event %q", protocol.ErrInvalidEvent, env.Event))
	}
}

func (e *Engine) dropInvalid(sessionID, event string, err error) error {
	metrics.InvalidEvents.WithLabelValues(invalidEventLabel(event)).Inc()
	slog.Debug("invalid event dropped", "session_id", sessionID, "event", event, "err", err)
	return err
}

// invalidEventLabel keeps the metric label set fixed whatever clients send.
func invalidEventLabel(event string) string {
	switch event {
	case protocol.EventJoinRoom, protocol.EventRequestHistory, protocol.EventSendMessage:
		return event
	default:
		return "unknown"
	}
}

// Close stops accepting messages and waits for queued ones to finish, or
// for ctx to end.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Clients  int
	Rooms    int
	Relayed  uint64
	Failed   uint64
	RoomSize map[string]int
}

// Stats returns current counts.
func (e *Engine) Stats() Stats {
	rooms := e.registry.Rooms()
	return Stats{
		Clients:  e.registry.ClientCount(),
		Rooms:    len(rooms),
		Relayed:  e.relayed.Load(),
		Failed:   e.failed.Load(),
		RoomSize: rooms,
	}
}
