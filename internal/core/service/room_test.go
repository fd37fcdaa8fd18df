package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
)

func TestRoomService_Create(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	alice := f.signup(t, "alice")

	room, err := f.rooms.Create(ctx, alice.conn.ID, &CreateRoomRequest{
		Name:        "  general ",
		Description: "everything",
		Password:    "letmein",
	})
	require.NoError(t, err)
	assert.Equal(t, "general", room.Name)
	assert.Equal(t, alice.sess.UserID, room.OwnerID)
	assert.Equal(t, domain.DefaultRoomMaxMembers, room.MaxMembers)
	assert.True(t, room.HasPassword())
	assert.True(t, VerifyPassword("letmein", room.PasswordHash))
	assert.True(t, alice.conn.InRoom(room.ID))

	tests := []struct {
		name string
		req  CreateRoomRequest
		want error
	}{
		{"empty name", CreateRoomRequest{Name: "  "}, domain.ErrInvalidRoomName},
		{"long name", CreateRoomRequest{Name: strings.Repeat("x", 65)}, domain.ErrInvalidRoomName},
		{"name taken", CreateRoomRequest{Name: "GENERAL"}, domain.ErrRoomNameTaken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.clock.Advance(time.Hour)
			_, err := f.rooms.Create(ctx, alice.conn.ID, &tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRoomService_CreateThrottled(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	alice := f.signup(t, "alice")

	for _, name := range []string{"one", "two", "three"} {
		_, err := f.rooms.Create(ctx, alice.conn.ID, &CreateRoomRequest{Name: name})
		require.NoError(t, err)
	}
	_, err := f.rooms.Create(ctx, alice.conn.ID, &CreateRoomRequest{Name: "four"})
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	f.clock.Advance(time.Hour)
	_, err = f.rooms.Create(ctx, alice.conn.ID, &CreateRoomRequest{Name: "four"})
	assert.NoError(t, err)
}

func TestRoomService_CreateRequiresAuth(t *testing.T) {
	f := newChatFixture(t)
	anon := f.registry.OnConnect("10.0.0.1", &recordingSink{})
	_, err := f.rooms.Create(context.Background(), anon.ID, &CreateRoomRequest{Name: "x"})
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
}

func TestRoomService_ListHidesForeignPrivateRooms(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	alice := f.signup(t, "alice")
	bob := f.signup(t, "bob")

	_, err := f.rooms.Create(ctx, alice.conn.ID, &CreateRoomRequest{Name: "public"})
	require.NoError(t, err)
	_, err = f.rooms.Create(ctx, alice.conn.ID, &CreateRoomRequest{Name: "hideout", IsPrivate: true})
	require.NoError(t, err)

	names := func(infos []domain.RoomInfo) []string {
		var out []string
		for _, i := range infos {
			out = append(out, i.Name)
		}
		return out
	}

	own, err := f.rooms.List(ctx, alice.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"public", "hideout"}, names(own))
	assert.Equal(t, 1, own[0].Members)
	assert.Equal(t, 1, own[0].Online)

	other, err := f.rooms.List(ctx, bob.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"public"}, names(other))
}

func TestRoomService_Members(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	alice := f.signup(t, "alice")
	bob := f.signup(t, "bob")

	private, err := f.rooms.Create(ctx, alice.conn.ID, &CreateRoomRequest{Name: "hideout", IsPrivate: true})
	require.NoError(t, err)

	online, err := f.rooms.Members(ctx, alice.conn.ID, private.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, online)

	_, err = f.rooms.Members(ctx, bob.conn.ID, private.ID)
	assert.ErrorIs(t, err, domain.ErrNotAMember)

	_, err = f.rooms.Members(ctx, bob.conn.ID, 404)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}
