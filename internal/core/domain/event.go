package domain

import "time"

// EventType names a notification published to the event feed.
type EventType string

const (
	EventMessagePersisted      EventType = "message_persisted"
	EventRoomJoined            EventType = "room_joined"
	EventRoomLeft              EventType = "room_left"
	EventFileTransferCompleted EventType = "file_transfer_completed"
	EventThumbnailRequested    EventType = "thumbnail_requested"
)

// Event is a notification for the web and offline-notification
// collaborators, keyed by the user IDs it affects.
type Event struct {
	ID      string    `json:"id"`
	Type    EventType `json:"type"`
	UserIDs []UserID  `json:"user_ids"`
	RoomID  RoomID    `json:"room_id,omitempty"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// NewEvent creates an event stamped with a fresh ID and the current time.
func NewEvent(typ EventType, roomID RoomID, payload any, users ...UserID) Event {
	return Event{
		ID:      NewID(EventIDPrefix),
		Type:    typ,
		UserIDs: users,
		RoomID:  roomID,
		Payload: payload,
		At:      time.Now(),
	}
}

// Affects reports whether the event is keyed by the given user.
func (e Event) Affects(id UserID) bool {
	for _, u := range e.UserIDs {
		if u == id {
			return true
		}
	}
	return false
}
