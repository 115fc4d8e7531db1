package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chatrelay/internal/protocol"
)

// TestBotName is the display name used by RunTestBot.
const TestBotName = "testbot"

// RunTestBot connects a virtual session to roomID and posts a numbered
// heartbeat message every interval until ctx is canceled. Its own copies of
// the broadcasts are drained and discarded.
func RunTestBot(ctx context.Context, e *Engine, roomID string, interval time.Duration) {
	sess, err := e.Connect(TestBotName)
	if err != nil {
		slog.Error("testbot connect failed", "err", err)
		return
	}
	defer func() {
		e.Disconnect(sess.ID)
		slog.Info("testbot disconnected", "session_id", sess.ID)
	}()

	if err := e.JoinRoom(sess.ID, roomID); err != nil {
		slog.Error("testbot join failed", "room_id", roomID, "err", err)
		return
	}
	slog.Info("testbot connected", "session_id", sess.ID, "room_id", roomID, "interval", interval)

	go func() {
		for range sess.Send {
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for seq := 1; ; seq++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := e.SendMessage(sess.ID, protocol.SendMessage{
			Text:     fmt.Sprintf("heartbeat #%d", seq),
			SenderID: sess.ID,
			RoomID:   roomID,
		})
		if err != nil {
			slog.Warn("testbot send failed", "err", err)
			return
		}
	}
}
