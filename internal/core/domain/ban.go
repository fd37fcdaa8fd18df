package domain

import "time"

// BanRecord is a temporary IP-level block created after repeated
// authentication failures.
type BanRecord struct {
	IP          string    `json:"ip"`
	BannedUntil time.Time `json:"banned_until"`
}

// Active reports whether the ban still applies at now.
func (b BanRecord) Active(now time.Time) bool {
	return now.Before(b.BannedUntil)
}

// Remaining returns the time left until the ban expires.
func (b BanRecord) Remaining(now time.Time) time.Duration {
	if !b.Active(now) {
		return 0
	}
	return b.BannedUntil.Sub(now)
}
