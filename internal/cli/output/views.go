package output

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
	"github.com/yndnr/chatmesh-go/internal/core/service"
)

const timeLayout = "2006-01-02 15:04:05"

// RoomLock labels how a room is entered. A password wins over privacy
// because it is what the joiner has to supply.
func RoomLock(r domain.RoomInfo) string {
	switch {
	case r.HasPassword:
		return "password"
	case r.IsPrivate:
		return "private"
	default:
		return "open"
	}
}

// RoomsTable lists rooms. wide adds the owner's user ID.
func RoomsTable(rooms []domain.RoomInfo, wide bool) *Table {
	t := &Table{Headers: []string{"ID", "NAME", "MEMBERS", "ONLINE", "LOCK"}}
	if wide {
		t.Headers = append(t.Headers, "OWNER")
	}
	t.Headers = append(t.Headers, "DESCRIPTION")

	for _, r := range rooms {
		row := []string{fmt.Sprintf("#%d", r.ID), r.Name, strconv.Itoa(r.Members), strconv.Itoa(r.Online), RoomLock(r)}
		if wide {
			row = append(row, strconv.FormatUint(uint64(r.OwnerID), 10))
		}
		t.AddRow(append(row, r.Description)...)
	}
	return t
}

// BansTable lists IP bans with the time left at now.
func BansTable(bans []domain.BanRecord, now time.Time) *Table {
	t := &Table{Headers: []string{"IP", "UNTIL", "REMAINING"}}
	for _, b := range bans {
		left := "expired"
		if b.Active(now) {
			left = b.Remaining(now).Round(time.Second).String()
		}
		t.AddRow(b.IP, b.BannedUntil.Local().Format(timeLayout), left)
	}
	return t
}

// ConnectionsTable lists open connections with their idle time at now.
// wide adds the connect time.
func ConnectionsTable(conns []service.ConnectionInfo, now time.Time, wide bool) *Table {
	t := &Table{Headers: []string{"ID", "USER", "IP", "ROOMS", "IDLE"}}
	if wide {
		t.Headers = append(t.Headers, "CONNECTED")
	}

	for _, c := range conns {
		user := c.Username
		if user == "" {
			user = "(anonymous)"
		}
		row := []string{c.ID, user, c.IP, roomList(c.Rooms), now.Sub(c.LastActivity).Round(time.Second).String()}
		if wide {
			row = append(row, c.ConnectedAt.Local().Format(timeLayout))
		}
		t.AddRow(row...)
	}
	return t
}

// AuditTable lists connection events in the order given.
func AuditTable(events []domain.ConnectionEvent) *Table {
	t := &Table{Headers: []string{"TIME", "ACTION", "USER", "IP"}}
	for _, ev := range events {
		user := ""
		if ev.UserID != 0 {
			user = strconv.FormatUint(uint64(ev.UserID), 10)
		}
		t.AddRow(ev.At.Local().Format(timeLayout), string(ev.Action), user, ev.IP)
	}
	return t
}

func roomList(rooms []domain.RoomID) string {
	tags := make([]string, len(rooms))
	for i, id := range rooms {
		tags[i] = fmt.Sprintf("#%d", id)
	}
	return strings.Join(tags, ",")
}
