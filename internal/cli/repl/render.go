package repl

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yndnr/chatmesh-go/internal/cli/connection"
	"github.com/yndnr/chatmesh-go/internal/cli/output"
	"github.com/yndnr/chatmesh-go/internal/core/domain"
	"github.com/yndnr/chatmesh-go/internal/core/service"
)

// RenderPush formats a server push for the terminal.
func RenderPush(p connection.Push) string {
	switch service.PushType(p.Type) {
	case service.PushMessage, service.PushDirectMessage:
		var m domain.Message
		if json.Unmarshal(p.Data, &m) == nil {
			return RenderMessage(&m)
		}
	case service.PushTyping:
		var n service.TypingNotice
		if json.Unmarshal(p.Data, &n) == nil {
			state := "is typing"
			if !n.Typing {
				state = "stopped typing"
			}
			return fmt.Sprintf("%s* %s %s", roomTag(n.RoomID), n.Username, state)
		}
	case service.PushUserJoined, service.PushUserLeft:
		var n service.PresenceNotice
		if json.Unmarshal(p.Data, &n) == nil {
			verb := "joined"
			if p.Type == string(service.PushUserLeft) {
				verb = "left"
			}
			return fmt.Sprintf("%s* %s %s", roomTag(n.RoomID), n.Username, verb)
		}
	case service.PushFileShared:
		var n service.FileNotice
		if json.Unmarshal(p.Data, &n) == nil {
			return fmt.Sprintf("%s* %s shared %s (%s, %s)", roomTag(n.RoomID), n.Uploader, n.Filename, n.Category, output.FormatBytes(n.Size))
		}
	}
	return fmt.Sprintf("* %s %s", p.Type, p.Data)
}

// RenderMessage formats one chat message.
func RenderMessage(m *domain.Message) string {
	ts := m.CreatedAt.Local().Format("15:04")
	if m.RoomID == 0 {
		return fmt.Sprintf("%s [dm] <%s> %s", ts, m.SenderName, m.Content)
	}
	return fmt.Sprintf("%s #%d <%s> %s", ts, m.RoomID, m.SenderName, m.Content)
}

// RenderRooms formats the room list as a table.
func RenderRooms(rooms []domain.RoomInfo) (string, error) {
	if len(rooms) == 0 {
		return "no rooms\n", nil
	}
	var b strings.Builder
	if err := output.RoomsTable(rooms, false).Render(&b); err != nil {
		return "", err
	}
	return b.String(), nil
}

func roomTag(id domain.RoomID) string {
	if id == 0 {
		return "[dm] "
	}
	return fmt.Sprintf("#%d ", id)
}
