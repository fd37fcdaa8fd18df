package domain

import "time"

// ConnectionAction names an entry of the connection audit log.
type ConnectionAction string

const (
	ConnActionConnect     ConnectionAction = "connect"
	ConnActionLogin       ConnectionAction = "login"
	ConnActionLoginFailed ConnectionAction = "login_failed"
	ConnActionLogout      ConnectionAction = "logout"
	ConnActionDisconnect  ConnectionAction = "disconnect"
	ConnActionBanned      ConnectionAction = "banned"
)

// ConnectionEvent is one audit log entry. UserID is zero for
// unauthenticated connections.
type ConnectionEvent struct {
	ID     string           `json:"id"`
	UserID UserID           `json:"user_id,omitempty"`
	Action ConnectionAction `json:"action"`
	IP     string           `json:"ip"`
	At     time.Time        `json:"at"`
}
