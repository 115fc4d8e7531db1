package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDecodeSendMessageAcceptsCurrentAndLegacyFields(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want SendMessage
	}{
		{
			name: "current",
			raw:  `{"text":"hi","senderId":"u1","senderName":"alice","roomId":"lobby"}`,
			want: SendMessage{Text: "hi", SenderID: "u1", SenderName: "alice", RoomID: "lobby"},
		},
		{
			name: "legacy",
			raw:  `{"message":"hi","userId":"u1","username":"alice","roomId":"lobby"}`,
			want: SendMessage{Text: "hi", SenderID: "u1", SenderName: "alice", RoomID: "lobby"},
		},
		{
			name: "global",
			raw:  `{"text":"hello everyone"}`,
			want: SendMessage{Text: "hello everyone"},
		},
		{
			name: "trims room and sender name",
			raw:  `{"text":" spaced ","senderName":"  bob ","roomId":" lobby "}`,
			want: SendMessage{Text: " spaced ", SenderName: "bob", RoomID: "lobby"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeSendMessage(json.RawMessage(tc.raw))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestDecodeSendMessageRejectsInvalidPayloads(t *testing.T) {
	cases := map[string]string{
		"absent":        ``,
		"null":          `null`,
		"not an object": `"hi"`,
		"missing text":  `{"roomId":"lobby"}`,
		"blank text":    `{"text":"   "}`,
		"text too long": `{"text":"` + strings.Repeat("a", MaxTextLength+1) + `"}`,
		"long sender":   `{"text":"hi","senderName":"` + strings.Repeat("n", MaxNameLength+1) + `"}`,
		"long room":     `{"text":"hi","roomId":"` + strings.Repeat("r", MaxRoomIDLength+1) + `"}`,
		// 26 two-byte runes: under the limit in runes, over it in bytes.
		"multibyte sender": `{"text":"hi","senderName":"` + strings.Repeat("é", MaxNameLength/2+1) + `"}`,
		"multibyte room":   `{"text":"hi","roomId":"` + strings.Repeat("é", MaxRoomIDLength/2+1) + `"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeSendMessage(json.RawMessage(raw))
			if !errors.Is(err, ErrInvalidEvent) {
				t.Fatalf("expected ErrInvalidEvent, got %v", err)
			}
		})
	}
}

func TestDecodeSendMessageNameLimitIsInBytes(t *testing.T) {
	name := strings.Repeat("é", MaxNameLength/2)
	p, err := DecodeSendMessage(json.RawMessage(`{"text":"hi","senderName":"` + name + `"}`))
	if err != nil {
		t.Fatalf("name of exactly %d bytes rejected: %v", MaxNameLength, err)
	}
	if p.SenderName != name {
		t.Fatalf("sender name = %q, want %q", p.SenderName, name)
	}
	if _, err := NormalizeDisplayName(name + "é"); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("display name over %d bytes accepted", MaxNameLength)
	}
}

func TestDecodeRoomID(t *testing.T) {
	got, err := DecodeRoomID(json.RawMessage(`" lobby "`))
	if err != nil || got != "lobby" {
		t.Fatalf("string payload: got %q err=%v", got, err)
	}

	got, err = DecodeRoomID(json.RawMessage(`{"roomId":"kitchen"}`))
	if err != nil || got != "kitchen" {
		t.Fatalf("object payload: got %q err=%v", got, err)
	}

	for _, raw := range []string{``, `null`, `""`, `"   "`, `42`, `[]`} {
		if _, err := DecodeRoomID(json.RawMessage(raw)); !errors.Is(err, ErrInvalidEvent) {
			t.Fatalf("payload %q: expected ErrInvalidEvent, got %v", raw, err)
		}
	}
}

func TestDecodeOptionalRoomID(t *testing.T) {
	for _, raw := range []string{``, `null`, `""`} {
		got, err := DecodeOptionalRoomID(json.RawMessage(raw))
		if err != nil || got != "" {
			t.Fatalf("payload %q: got %q err=%v", raw, got, err)
		}
	}

	got, err := DecodeOptionalRoomID(json.RawMessage(`"lobby"`))
	if err != nil || got != "lobby" {
		t.Fatalf("got %q err=%v", got, err)
	}

	if _, err := DecodeOptionalRoomID(json.RawMessage(`true`)); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent for non-string payload, got %v", err)
	}
}

func TestCanonicalEventMapsLegacyNames(t *testing.T) {
	pairs := map[string]string{
		LegacyJoinRoom:       EventJoinRoom,
		LegacyLeaveRoom:      EventLeaveRoom,
		LegacyRequestHistory: EventRequestHistory,
		LegacySendMessage:    EventSendMessage,
		EventSendMessage:     EventSendMessage,
		"typing":             "typing",
	}
	for in, want := range pairs {
		if got := CanonicalEvent(in); got != want {
			t.Errorf("CanonicalEvent(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOutboundEventsEncodePayloads(t *testing.T) {
	msg := StoredMessage{
		ID: "01HZX",
		ChatMessage: ChatMessage{
			Text:      "hi",
			RoomID:    "lobby",
			CreatedAt: time.UnixMilli(1_700_000_000_000).UTC(),
		},
	}

	var decoded StoredMessage
	if err := json.Unmarshal(MessageEvent(msg).Data, &decoded); err != nil {
		t.Fatalf("decode message payload: %v", err)
	}
	if decoded.ID != msg.ID || decoded.Text != "hi" || decoded.RoomID != "lobby" || !decoded.CreatedAt.Equal(msg.CreatedAt) {
		t.Fatalf("unexpected message payload: %#v", decoded)
	}

	var text string
	if err := json.Unmarshal(ErrorEvent(SendFailed).Data, &text); err != nil || text != SendFailed {
		t.Fatalf("error payload: %q err=%v", text, err)
	}

	ack := AckEvent(7, nil)
	if ack.Event != EventAck || ack.Ack != 7 || string(ack.Data) != "[]" {
		t.Fatalf("unexpected ack envelope: %#v data=%s", ack, ack.Data)
	}
	if got := string(HistoryEvent(nil).Data); got != "[]" {
		t.Fatalf("empty history should encode as [], got %s", got)
	}
}

func TestDisplaySenderDefaultsToAnonymous(t *testing.T) {
	if got := (ChatMessage{}).DisplaySender(); got != AnonymousSender {
		t.Fatalf("got %q", got)
	}
	if got := (ChatMessage{SenderName: "alice"}).DisplaySender(); got != "alice" {
		t.Fatalf("got %q", got)
	}
}

func TestNormalizeDisplayName(t *testing.T) {
	got, err := NormalizeDisplayName("  alice ")
	if err != nil || got != "alice" {
		t.Fatalf("got %q err=%v", got, err)
	}
	if got, err := NormalizeDisplayName(""); err != nil || got != "" {
		t.Fatalf("empty name should be allowed, got %q err=%v", got, err)
	}
	if _, err := NormalizeDisplayName(strings.Repeat("x", MaxNameLength+1)); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}
