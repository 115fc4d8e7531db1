package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatrelay/internal/protocol"
	"chatrelay/internal/store"
)

// cliStoreWithMessages creates a sqlite store pre-seeded with msgs and
// returns its URL.
func cliStoreWithMessages(t *testing.T, msgs ...protocol.ChatMessage) string {
	t.Helper()
	url := "sqlite://" + filepath.Join(t.TempDir(), "chatrelay.db")
	ctx := context.Background()
	st, err := store.Open(ctx, url)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	for _, m := range msgs {
		if _, err := st.Append(ctx, m); err != nil {
			t.Fatalf("Append(%q): %v", m.Text, err)
		}
	}
	if err := st.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return url
}

func runCLI(t *testing.T, storeURL string, args ...string) (bool, string, error) {
	t.Helper()
	var out bytes.Buffer
	handled, err := RunCLI(context.Background(), args, storeURL, &out)
	return handled, out.String(), err
}

func TestRunCLIVersion(t *testing.T) {
	handled, out, err := runCLI(t, "not-used.db", "version")
	if !handled || err != nil {
		t.Fatalf("RunCLI(version) = %v, %v", handled, err)
	}
	if !strings.Contains(out, Version) {
		t.Errorf("version output %q does not contain %q", out, Version)
	}
}

func TestRunCLIUnknownOrEmptyReturnsFalse(t *testing.T) {
	for _, args := range [][]string{nil, {}, {"nonexistent-cmd"}} {
		handled, _, err := runCLI(t, "not-used.db", args...)
		if handled || err != nil {
			t.Errorf("RunCLI(%v) = %v, %v; want false, nil", args, handled, err)
		}
	}
}

func TestCLIStatusCountsMessages(t *testing.T) {
	url := cliStoreWithMessages(t,
		protocol.ChatMessage{Text: "a", RoomID: "lobby"},
		protocol.ChatMessage{Text: "b"},
	)
	handled, out, err := runCLI(t, url, "status")
	if !handled || err != nil {
		t.Fatalf("RunCLI(status) = %v, %v", handled, err)
	}
	if !strings.Contains(out, "Messages: 2") {
		t.Errorf("status output %q missing message count", out)
	}
}

func TestCLIStatusUnreachableStore(t *testing.T) {
	handled, _, err := runCLI(t, "redis://127.0.0.1:1/0", "status")
	if !handled {
		t.Fatal("status should be handled")
	}
	if !errors.Is(err, store.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
}

func TestCLIHistoryNewestFirst(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	url := cliStoreWithMessages(t,
		protocol.ChatMessage{Text: "first", SenderName: "alice", RoomID: "lobby", CreatedAt: base},
		protocol.ChatMessage{Text: "second", RoomID: "lobby", CreatedAt: base.Add(time.Second)},
		protocol.ChatMessage{Text: "elsewhere", RoomID: "kitchen", CreatedAt: base.Add(2 * time.Second)},
	)

	handled, out, err := runCLI(t, url, "history", "lobby")
	if !handled || err != nil {
		t.Fatalf("RunCLI(history) = %v, %v", handled, err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", out)
	}
	if !strings.Contains(lines[0], "Anonymous: second") || !strings.Contains(lines[1], "alice: first") {
		t.Errorf("unexpected history output %q", out)
	}
}

func TestCLIHistoryLimitAndJSON(t *testing.T) {
	url := cliStoreWithMessages(t,
		protocol.ChatMessage{Text: "one"},
		protocol.ChatMessage{Text: "two"},
		protocol.ChatMessage{Text: "three"},
	)

	_, out, err := runCLI(t, url, "history", "-json", "-limit", "2")
	if err != nil {
		t.Fatalf("RunCLI(history -json): %v", err)
	}
	var hist []protocol.StoredMessage
	if err := json.Unmarshal([]byte(out), &hist); err != nil {
		t.Fatalf("decode output %q: %v", out, err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(hist))
	}
}

func TestCLIHistoryEmpty(t *testing.T) {
	url := cliStoreWithMessages(t)
	_, out, err := runCLI(t, url, "history")
	if err != nil {
		t.Fatalf("RunCLI(history): %v", err)
	}
	if !strings.Contains(out, "No messages found.") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestCLIHistoryBadArgs(t *testing.T) {
	url := cliStoreWithMessages(t)
	_, _, err := runCLI(t, url, "history", "a", "b")
	if !errors.Is(err, errUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestCLIHistoryFlagsAfterRoom(t *testing.T) {
	url := cliStoreWithMessages(t,
		protocol.ChatMessage{Text: "one", RoomID: "lobby"},
		protocol.ChatMessage{Text: "two", RoomID: "lobby"},
	)
	_, out, err := runCLI(t, url, "history", "lobby", "-limit", "1")
	if err != nil {
		t.Fatalf("RunCLI(history lobby -limit 1): %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(out), "\n"); len(lines) != 1 {
		t.Fatalf("expected 1 line, got %q", out)
	}
}

func TestCLIHistoryHugeLimit(t *testing.T) {
	url := cliStoreWithMessages(t, protocol.ChatMessage{Text: "only", RoomID: "lobby"})
	_, out, err := runCLI(t, url, "history", "-limit", "2000000000000000000")
	if err != nil {
		t.Fatalf("RunCLI(history -limit huge): %v", err)
	}
	if !strings.Contains(out, "only") {
		t.Errorf("unexpected output %q", out)
	}
}
