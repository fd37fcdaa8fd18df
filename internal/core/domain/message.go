package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxMessageLength is the maximum message length in runes.
const MaxMessageLength = 4000

// MessageKind distinguishes plain text from generated messages.
type MessageKind string

const (
	MessageText   MessageKind = "text"
	MessageFile   MessageKind = "file"
	MessageSystem MessageKind = "system"
)

// Message is a single chat message. Exactly one of RoomID and RecipientID
// is set.
type Message struct {
	ID          string      `json:"id"`
	RoomID      RoomID      `json:"room_id,omitempty"`
	RecipientID UserID      `json:"recipient_id,omitempty"`
	SenderID    UserID      `json:"sender_id"`
	SenderName  string      `json:"sender_name"`
	Content     string      `json:"content"`
	Kind        MessageKind `json:"kind"`
	CreatedAt   time.Time   `json:"created_at"`
}

// IsDirect reports whether the message targets a single peer.
func (m *Message) IsDirect() bool {
	return m.RoomID == 0
}

// ValidateContent checks message content before routing.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		return ErrMessageTooLong.WithDetails(fmt.Sprintf("at most %d characters", MaxMessageLength))
	}
	return nil
}
