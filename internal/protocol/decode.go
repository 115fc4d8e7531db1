package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidEvent marks an inbound frame whose payload cannot be used.
var ErrInvalidEvent = errors.New("invalid event")

var validate = validator.New()

// SendMessage is the inbound send-message payload.
type SendMessage struct {
	Text       string `json:"text" validate:"required,max=4096"`
	SenderID   string `json:"senderId,omitempty" validate:"max=128"`
	SenderName string `json:"senderName,omitempty"`
	RoomID     string `json:"roomId,omitempty"`
}

// UnmarshalJSON accepts the field names of the first web client
// (message, userId, username) next to the current ones.
func (p *SendMessage) UnmarshalJSON(b []byte) error {
	var raw struct {
		Text       *string `json:"text"`
		Message    *string `json:"message"`
		SenderID   *string `json:"senderId"`
		UserID     *string `json:"userId"`
		SenderName *string `json:"senderName"`
		Username   *string `json:"username"`
		RoomID     *string `json:"roomId"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*p = SendMessage{
		Text:       firstSet(raw.Text, raw.Message),
		SenderID:   firstSet(raw.SenderID, raw.UserID),
		SenderName: firstSet(raw.SenderName, raw.Username),
		RoomID:     firstSet(raw.RoomID),
	}
	return nil
}

func firstSet(values ...*string) string {
	for _, v := range values {
		if v != nil && *v != "" {
			return *v
		}
	}
	return ""
}

// DecodeSendMessage parses and validates a send-message payload.
func DecodeSendMessage(data json.RawMessage) (SendMessage, error) {
	if isAbsent(data) {
		return SendMessage{}, fmt.Errorf("%w: send-message payload is required", ErrInvalidEvent)
	}
	var p SendMessage
	if err := json.Unmarshal(data, &p); err != nil {
		return SendMessage{}, fmt.Errorf("%w: decode send-message: %v", ErrInvalidEvent, err)
	}
	// Names and room ids are limited in bytes.
	p.RoomID = strings.TrimSpace(p.RoomID)
	if len(p.RoomID) > MaxRoomIDLength {
		return SendMessage{}, fmt.Errorf("%w: room id must not exceed %d bytes", ErrInvalidEvent, MaxRoomIDLength)
	}
	name, err := NormalizeDisplayName(p.SenderName)
	if err != nil {
		return SendMessage{}, err
	}
	p.SenderName = name
	if err := validate.Struct(p); err != nil {
		return SendMessage{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if strings.TrimSpace(p.Text) == "" {
		return SendMessage{}, fmt.Errorf("%w: text must not be blank", ErrInvalidEvent)
	}
	return p, nil
}

// DecodeRoomID parses a join-room payload: a JSON string, or an object
// with a roomId field. The result is trimmed and never empty.
func DecodeRoomID(data json.RawMessage) (string, error) {
	roomID, err := decodeRoom(data)
	if err != nil {
		return "", err
	}
	if roomID == "" {
		return "", fmt.Errorf("%w: room id is required", ErrInvalidEvent)
	}
	return roomID, nil
}

// DecodeOptionalRoomID parses a request-history payload. A missing or null
// payload, or an empty string, selects every room.
func DecodeOptionalRoomID(data json.RawMessage) (string, error) {
	if isAbsent(data) {
		return "", nil
	}
	return decodeRoom(data)
}

func decodeRoom(data json.RawMessage) (string, error) {
	if isAbsent(data) {
		return "", fmt.Errorf("%w: room id is required", ErrInvalidEvent)
	}

	var roomID string
	if err := json.Unmarshal(data, &roomID); err != nil {
		var obj struct {
			RoomID string `json:"roomId"`
		}
		if objErr := json.Unmarshal(data, &obj); objErr != nil {
			return "", fmt.Errorf("%w: room id must be a string", ErrInvalidEvent)
		}
		roomID = obj.RoomID
	}

	roomID = strings.TrimSpace(roomID)
	if len(roomID) > MaxRoomIDLength {
		return "", fmt.Errorf("%w: room id must not exceed %d bytes", ErrInvalidEvent, MaxRoomIDLength)
	}
	return roomID, nil
}

func isAbsent(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
