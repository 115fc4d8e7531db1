package protocol

import (
	"fmt"
	"strings"
)

// Wire-protocol limits.
const (
	MaxNameLength   = 50      // max UTF-8 bytes for display and sender names
	MaxRoomIDLength = 128     // max bytes for a room identifier
	MaxTextLength   = 4096    // max characters for a single chat message body
	MaxFrameBytes   = 1 << 16 // max bytes for one inbound frame
)

// NormalizeDisplayName trims whitespace from s. An empty name is allowed;
// a name longer than MaxNameLength bytes is an error.
func NormalizeDisplayName(s string) (string, error) {
	s = strings.TrimSpace(s)
	if len(s) > MaxNameLength {
		return "", fmt.Errorf("%w: name must not exceed %d bytes", ErrInvalidEvent, MaxNameLength)
	}
	return s, nil
}
