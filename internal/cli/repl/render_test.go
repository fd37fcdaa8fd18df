package repl

import (
	"strings"
	"testing"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
)

func TestRenderRooms(t *testing.T) {
	out, err := RenderRooms(nil)
	if err != nil || out != "no rooms\n" {
		t.Errorf("RenderRooms(nil) = %q, %v", out, err)
	}

	out, err = RenderRooms([]domain.RoomInfo{
		{ID: 1, Name: "general", Members: 4, Online: 2},
		{ID: 2, Name: "staff", IsPrivate: true},
		{ID: 3, Name: "vault", IsPrivate: true, HasPassword: true},
	})
	if err != nil {
		t.Fatalf("RenderRooms() error = %v", err)
	}

	rows := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(rows) != 4 {
		t.Fatalf("got %d lines, want header and 3 rooms:\n%s", len(rows), out)
	}
	for i, want := range []string{"open", "private", "password"} {
		if f := strings.Fields(rows[i+1]); f[4] != want {
			t.Errorf("%s lock = %q, want %q", f[1], f[4], want)
		}
	}
}
