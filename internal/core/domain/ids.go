package domain

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// ID prefixes.
const (
	MessageIDPrefix  = "msg_"
	TransferIDPrefix = "xfr_"
	SessionIDPrefix  = "ses_"
	EventIDPrefix    = "evt_"
)

// NewID returns a lowercase ULID with the given prefix. IDs generated by one
// process sort in creation order.
func NewID(prefix string) string {
	return prefix + strings.ToLower(ulid.Make().String())
}
