// Package store is the durable message log. Messages is the component the
// relay talks to; a Backend does the actual I/O against SQLite, MongoDB or
// Redis, selected by the scheme of the store URL.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chatrelay/internal/metrics"
	"chatrelay/internal/protocol"
)

// ErrStorageUnavailable wraps every failure of the backing store.
var ErrStorageUnavailable = errors.New("storage unavailable")

// DefaultLimit is the history size used when a caller passes no limit.
const DefaultLimit = 50

// MaxLimit bounds the limit handed to a backend.
const MaxLimit = math.MaxInt32

// Backend is one concrete storage engine.
//
// FindRecent returns at most limit messages sorted by CreatedAt descending,
// ties broken by ID descending. An empty roomID selects every room.
type Backend interface {
	Insert(ctx context.Context, msg protocol.StoredMessage) error
	FindRecent(ctx context.Context, roomID string, limit int) ([]protocol.StoredMessage, error)
	Count(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Messages is the append/query log used by the relay.
type Messages struct {
	backend Backend
	tracer  trace.Tracer
	now     func() time.Time
}

// NewMessages wraps a backend.
func NewMessages(backend Backend) *Messages {
	return &Messages{
		backend: backend,
		tracer:  otel.Tracer("chatrelay/store"),
		now:     time.Now,
	}
}

// Open connects to the store named by rawURL and checks that it answers.
//
//	sqlite://path/to/file.db  (or a bare path)
//	mongodb://host/db, mongodb+srv://...
//	redis://host:6379/0, rediss://...
func Open(ctx context.Context, rawURL string) (*Messages, error) {
	backend, err := openBackend(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	if err := backend.Ping(ctx); err != nil {
		_ = backend.Close(ctx)
		return nil, fmt.Errorf("%w: ping: %w", ErrStorageUnavailable, err)
	}
	return NewMessages(backend), nil
}

func openBackend(ctx context.Context, rawURL string) (Backend, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, errors.New("store url is required")
	}
	scheme, rest, ok := strings.Cut(rawURL, "://")
	if !ok {
		return OpenSQLite(rawURL)
	}
	switch strings.ToLower(scheme) {
	case "sqlite", "file":
		return OpenSQLite(rest)
	case "mongodb", "mongodb+srv":
		return OpenMongo(ctx, rawURL)
	case "redis", "rediss":
		return OpenRedis(rawURL)
	default:
		return nil, fmt.Errorf("unsupported store scheme %q", scheme)
	}
}

// Append stamps (if unset) and persists msg. CreatedAt is kept at millisecond
// precision so every backend round-trips it exactly.
func (m *Messages) Append(ctx context.Context, msg protocol.ChatMessage) (protocol.StoredMessage, error) {
	ctx, span := m.tracer.Start(ctx, "store.append",
		trace.WithAttributes(attribute.String("room_id", msg.RoomID)))
	defer span.End()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC().Truncate(time.Millisecond)
	stored := protocol.StoredMessage{ID: ulid.Make().String(), ChatMessage: msg}

	start := time.Now()
	err := m.backend.Insert(ctx, stored)
	metrics.StoreLatency.WithLabelValues("append").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StoreErrors.WithLabelValues("append").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return protocol.StoredMessage{}, fmt.Errorf("%w: append: %w", ErrStorageUnavailable, err)
	}
	slog.Debug("message stored", "msg_id", stored.ID, "room_id", stored.RoomID)
	return stored, nil
}

// Recent returns up to limit messages, newest first, and reports storage
// failures as ErrStorageUnavailable. A non-positive limit means DefaultLimit.
func (m *Messages) Recent(ctx context.Context, roomID string, limit int) ([]protocol.StoredMessage, error) {
	ctx, span := m.tracer.Start(ctx, "store.query_recent",
		trace.WithAttributes(attribute.String("room_id", roomID), attribute.Int("limit", limit)))
	defer span.End()

	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)
	start := time.Now()
	msgs, err := m.backend.FindRecent(ctx, roomID, limit)
	metrics.StoreLatency.WithLabelValues("query_recent").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StoreErrors.WithLabelValues("query_recent").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, fmt.Errorf("%w: query recent: %w", ErrStorageUnavailable, err)
	}
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

// QueryRecent is Recent for callers that show history to users: a storage
// failure is logged and yields an empty, non-nil slice.
func (m *Messages) QueryRecent(ctx context.Context, roomID string, limit int) []protocol.StoredMessage {
	msgs, err := m.Recent(ctx, roomID, limit)
	if err != nil {
		slog.Error("history query failed", "room_id", roomID, "err", err)
		return []protocol.StoredMessage{}
	}
	if msgs == nil {
		return []protocol.StoredMessage{}
	}
	return msgs
}

// Count returns the total number of stored messages.
func (m *Messages) Count(ctx context.Context) (int64, error) {
	n, err := m.backend.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: count: %w", ErrStorageUnavailable, err)
	}
	return n, nil
}

// Ping checks that the backing store answers.
func (m *Messages) Ping(ctx context.Context) error {
	if err := m.backend.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return nil
}

// Close releases the backend.
func (m *Messages) Close(ctx context.Context) error {
	if m == nil || m.backend == nil {
		return nil
	}
	return m.backend.Close(ctx)
}
