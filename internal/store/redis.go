package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"chatrelay/internal/protocol"
)

const redisAllKey = "messages:all"

func redisRoomKey(roomID string) string {
	return "room:" + roomID + ":messages"
}

// Redis keeps messages in sorted sets scored by CreatedAt in Unix
// milliseconds: one set for every message and one per room.
type Redis struct {
	client *redis.Client
}

// OpenRedis parses a redis:// or rediss:// URL. No connection is made until
// the first command.
func OpenRedis(rawURL string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	slog.Info("redis store configured", "addr", opts.Addr, "db", opts.DB)
	return &Redis{client: redis.NewClient(opts)}, nil
}

// Insert adds msg to the global set and, for room messages, the room set in
// one MULTI/EXEC.
func (r *Redis) Insert(ctx context.Context, msg protocol.StoredMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	member := redis.Z{Score: float64(msg.CreatedAt.UnixMilli()), Member: payload}

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, redisAllKey, member)
	if msg.RoomID != "" {
		pipe.ZAdd(ctx, redisRoomKey(msg.RoomID), member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// FindRecent returns the newest messages, newest first. Members with equal
// scores come back in reverse lexical order, which is ID order since the
// encoded payload starts with the ID.
func (r *Redis) FindRecent(ctx context.Context, roomID string, limit int) ([]protocol.StoredMessage, error) {
	key := redisAllKey
	if roomID != "" {
		key = redisRoomKey(roomID)
	}
	vals, err := r.client.ZRevRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}

	msgs := make([]protocol.StoredMessage, 0, len(vals))
	for _, v := range vals {
		var m protocol.StoredMessage
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			slog.Warn("skipping undecodable message", "key", key, "err", err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Count returns the number of stored messages.
func (r *Redis) Count(ctx context.Context) (int64, error) {
	n, err := r.client.ZCard(ctx, redisAllKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// Ping checks the server answers.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *Redis) Close(context.Context) error {
	return r.client.Close()
}
