package wt

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"chatrelay/internal/core"
	"chatrelay/internal/protocol"
	"chatrelay/internal/relay"
	"chatrelay/internal/store"
)

type pipeClient struct {
	conn   net.Conn
	reader *bufio.Reader
	done   chan error
}

func newEngine(t *testing.T) *relay.Engine {
	t.Helper()
	backend, err := store.OpenSQLite(filepath.Join(t.TempDir(), "wt.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	msgs := store.NewMessages(backend)
	engine := relay.New(core.NewRegistry(), msgs)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = engine.Close(ctx)
		_ = msgs.Close(ctx)
	})
	return engine
}

func dial(t *testing.T, ctx context.Context, engine *relay.Engine, name string) *pipeClient {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	c := &pipeClient{conn: clientSide, reader: bufio.NewReader(clientSide), done: make(chan error, 1)}
	go func() { c.done <- ServeStream(ctx, engine, serverSide, name) }()
	t.Cleanup(func() { _ = clientSide.Close() })
	return c
}

func (c *pipeClient) send(t *testing.T, event string, ack int64, data any) {
	t.Helper()
	env := protocol.Envelope{Event: event, Ack: ack}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		env.Data = raw
	}
	line, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	c.sendRaw(t, append(line, '\n'))
}

func (c *pipeClient) sendRaw(t *testing.T, b []byte) {
	t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.conn.Write(b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *pipeClient) next(t *testing.T) protocol.Envelope {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		t.Fatalf("decode %q: %v", line, err)
	}
	return env
}

func TestServeStreamRelaysRoomMessages(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()
	alice := dial(t, ctx, engine, "alice")
	bob := dial(t, ctx, engine, "bob")

	for _, c := range []*pipeClient{alice, bob} {
		c.send(t, protocol.EventJoinRoom, 0, "lobby")
		c.send(t, protocol.EventRequestHistory, 1, "lobby")
		if env := c.next(t); env.Event != protocol.EventAck {
			t.Fatalf("expected ack, got %#v", env)
		}
	}

	alice.send(t, protocol.EventSendMessage, 0, map[string]string{"text": "over quic", "roomId": "lobby"})
	for _, c := range []*pipeClient{alice, bob} {
		env := c.next(t)
		if env.Event != protocol.EventMessage {
			t.Fatalf("expected message, got %#v", env)
		}
		var msg protocol.StoredMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil || msg.Text != "over quic" || msg.SenderName != "alice" {
			t.Fatalf("unexpected message %s (%v)", env.Data, err)
		}
	}
}

func TestServeStreamSkipsMalformedLines(t *testing.T) {
	engine := newEngine(t)
	c := dial(t, context.Background(), engine, "alice")

	c.sendRaw(t, []byte("{not json\n\n"))
	c.send(t, "", 0, nil)
	c.send(t, protocol.EventRequestHistory, 3, nil)
	if env := c.next(t); env.Event != protocol.EventAck || env.Ack != 3 {
		t.Fatalf("expected ack 3, got %#v", env)
	}
}

func TestServeStreamRemovesSessionOnClose(t *testing.T) {
	engine := newEngine(t)
	c := dial(t, context.Background(), engine, "alice")
	c.send(t, protocol.EventJoinRoom, 0, "lobby")
	c.send(t, protocol.EventRequestHistory, 1, nil)
	c.next(t)

	if n := engine.Registry().ClientCount(); n != 1 {
		t.Fatalf("expected one session, got %d", n)
	}
	_ = c.conn.Close()

	select {
	case err := <-c.done:
		if err != nil {
			t.Fatalf("ServeStream returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ServeStream did not return after close")
	}
	if n := engine.Registry().ClientCount(); n != 0 {
		t.Fatalf("expected no sessions, got %d", n)
	}
	if got := engine.Registry().MembersOf("lobby"); len(got) != 0 {
		t.Fatalf("lobby still has members %v", got)
	}
}

func TestServeStreamStopsWithContext(t *testing.T) {
	engine := newEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	c := dial(t, ctx, engine, "alice")
	c.send(t, protocol.EventRequestHistory, 1, nil)
	c.next(t)

	cancel()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeStream did not return after cancel")
	}
}
