package storage_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
	"github.com/yndnr/chatmesh-go/internal/storage"
	"github.com/yndnr/chatmesh-go/internal/storage/memory"
)

// engines runs fn against every KVEngine implementation.
func engines(t *testing.T, fn func(t *testing.T, kv storage.KVEngine)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, memory.New())
	})
	t.Run("badger", func(t *testing.T) {
		cfg := storage.DefaultKVConfig(t.TempDir())
		cfg.Badger.GCInterval = "1h"
		cfg.Badger.CacheSize = 1 << 20
		kv, err := storage.NewBadgerEngine(cfg, slog.Default())
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { kv.Close() })
		fn(t, kv)
	})
}

func newStore(t *testing.T, kv storage.KVEngine, key string) *storage.Store {
	t.Helper()
	s, err := storage.NewStore(context.Background(), kv, storage.StoreConfig{DirectMessageKey: key}, slog.Default())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestStore_Users(t *testing.T) {
	engines(t, func(t *testing.T, kv storage.KVEngine) {
		s := newStore(t, kv, "")
		ctx := context.Background()

		alice := &domain.User{Username: "Alice", Email: "alice@example.com", PasswordHash: "h"}
		if err := s.CreateUser(ctx, alice); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		if alice.ID != 1 {
			t.Fatalf("first user ID = %d, want 1", alice.ID)
		}

		bob := &domain.User{Username: "bob", Email: "bob@example.com"}
		if err := s.CreateUser(ctx, bob); err != nil {
			t.Fatalf("CreateUser bob: %v", err)
		}
		if bob.ID <= alice.ID {
			t.Fatalf("bob ID %d not after alice %d", bob.ID, alice.ID)
		}

		tests := []struct {
			name string
			user *domain.User
			want error
		}{
			{"username differs only in case", &domain.User{Username: "ALICE", Email: "other@example.com"}, domain.ErrDuplicateUsername},
			{"email differs only in case", &domain.User{Username: "carol", Email: "Alice@Example.com"}, domain.ErrDuplicateEmail},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if err := s.CreateUser(ctx, tt.user); !errors.Is(err, tt.want) {
					t.Fatalf("CreateUser = %v, want %v", err, tt.want)
				}
			})
		}

		got, err := s.FindUserByUsername(ctx, "aLiCe")
		if err != nil {
			t.Fatalf("FindUserByUsername: %v", err)
		}
		if got.ID != alice.ID || got.Username != "Alice" || got.PasswordHash != "h" {
			t.Fatalf("FindUserByUsername = %+v", got)
		}

		if _, err := s.FindUserByUsername(ctx, "nobody"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("FindUserByUsername unknown = %v, want ErrNotFound", err)
		}
		if _, err := s.GetUser(ctx, 999); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("GetUser unknown = %v, want ErrNotFound", err)
		}
	})
}

func TestStore_RoomsAndMembers(t *testing.T) {
	engines(t, func(t *testing.T, kv storage.KVEngine) {
		s := newStore(t, kv, "")
		ctx := context.Background()

		general := &domain.Room{Name: "General", OwnerID: 1, MaxMembers: 10}
		secret := &domain.Room{Name: "secret", OwnerID: 2, IsPrivate: true, PasswordHash: "x"}
		for _, r := range []*domain.Room{general, secret} {
			if err := s.CreateRoom(ctx, r); err != nil {
				t.Fatalf("CreateRoom %s: %v", r.Name, err)
			}
		}
		if err := s.CreateRoom(ctx, &domain.Room{Name: " general "}); !errors.Is(err, domain.ErrRoomNameTaken) {
			t.Fatalf("CreateRoom duplicate = %v, want ErrRoomNameTaken", err)
		}

		rooms, err := s.ListRooms(ctx)
		if err != nil {
			t.Fatalf("ListRooms: %v", err)
		}
		if len(rooms) != 2 || rooms[0].ID != general.ID || rooms[1].ID != secret.ID {
			t.Fatalf("ListRooms = %+v", rooms)
		}
		if !rooms[1].HasPassword() {
			t.Fatal("password hash not persisted")
		}

		for _, u := range []domain.UserID{3, 1, 2, 1} {
			if err := s.AddMember(ctx, general.ID, u); err != nil {
				t.Fatalf("AddMember(%d): %v", u, err)
			}
		}
		if err := s.AddMember(ctx, 42, 1); !errors.Is(err, domain.ErrRoomNotFound) {
			t.Fatalf("AddMember unknown room = %v, want ErrRoomNotFound", err)
		}

		members, err := s.ListMembers(ctx, general.ID)
		if err != nil {
			t.Fatalf("ListMembers: %v", err)
		}
		if fmt.Sprint(members) != "[1 2 3]" {
			t.Fatalf("ListMembers = %v, want [1 2 3]", members)
		}

		if err := s.RemoveMember(ctx, general.ID, 2); err != nil {
			t.Fatalf("RemoveMember: %v", err)
		}
		members, _ = s.ListMembers(ctx, general.ID)
		if fmt.Sprint(members) != "[1 3]" {
			t.Fatalf("ListMembers after remove = %v", members)
		}

		// Membership is per room.
		if other, _ := s.ListMembers(ctx, secret.ID); len(other) != 0 {
			t.Fatalf("secret members = %v, want none", other)
		}

		if err := s.AddMember(ctx, secret.ID, 3); err != nil {
			t.Fatalf("AddMember(secret): %v", err)
		}
		rooms3, err := s.ListUserRooms(ctx, 3)
		if err != nil {
			t.Fatalf("ListUserRooms: %v", err)
		}
		if fmt.Sprint(rooms3) != fmt.Sprint([]domain.RoomID{general.ID, secret.ID}) {
			t.Fatalf("ListUserRooms(3) = %v", rooms3)
		}
		if rooms2, _ := s.ListUserRooms(ctx, 2); len(rooms2) != 0 {
			t.Fatalf("ListUserRooms(2) after remove = %v, want none", rooms2)
		}
	})
}

func TestStore_Messages(t *testing.T) {
	engines(t, func(t *testing.T, kv storage.KVEngine) {
		s := newStore(t, kv, "correct horse")
		ctx := context.Background()
		at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

		for i := 0; i < 5; i++ {
			err := s.LogMessage(ctx, &domain.Message{
				ID:        domain.NewID(domain.MessageIDPrefix),
				RoomID:    7,
				SenderID:  1,
				Content:   fmt.Sprintf("room %d", i),
				Kind:      domain.MessageText,
				CreatedAt: at.Add(time.Duration(i) * time.Second),
			})
			if err != nil {
				t.Fatalf("LogMessage: %v", err)
			}
		}
		for i, from := range []domain.UserID{1, 2, 1} {
			to := domain.UserID(3) - from
			err := s.LogMessage(ctx, &domain.Message{
				ID:          domain.NewID(domain.MessageIDPrefix),
				RecipientID: to,
				SenderID:    from,
				Content:     fmt.Sprintf("dm %d", i),
				Kind:        domain.MessageText,
			})
			if err != nil {
				t.Fatalf("LogMessage dm: %v", err)
			}
		}
		// A conversation between other users.
		_ = s.LogMessage(ctx, &domain.Message{ID: domain.NewID(domain.MessageIDPrefix), RecipientID: 4, SenderID: 1, Content: "elsewhere"})

		contents := func(msgs []*domain.Message) string {
			var parts []string
			for _, m := range msgs {
				parts = append(parts, m.Content)
			}
			return strings.Join(parts, ",")
		}

		recent, err := s.ListRecentMessages(ctx, 7, 0, 0, 3)
		if err != nil {
			t.Fatalf("ListRecentMessages room: %v", err)
		}
		if got := contents(recent); got != "room 2,room 3,room 4" {
			t.Fatalf("room history = %q", got)
		}
		if !recent[2].CreatedAt.Equal(at.Add(4 * time.Second)) {
			t.Fatalf("CreatedAt = %v", recent[2].CreatedAt)
		}

		// Both sides see the same conversation.
		for _, pair := range [][2]domain.UserID{{1, 2}, {2, 1}} {
			dms, err := s.ListRecentMessages(ctx, 0, pair[0], pair[1], 10)
			if err != nil {
				t.Fatalf("ListRecentMessages dm: %v", err)
			}
			if got := contents(dms); got != "dm 0,dm 1,dm 2" {
				t.Fatalf("dm history %v = %q", pair, got)
			}
		}

		if none, _ := s.ListRecentMessages(ctx, 7, 0, 0, 0); len(none) != 0 {
			t.Fatalf("limit 0 returned %d messages", len(none))
		}
		if err := s.LogMessage(ctx, &domain.Message{RoomID: 7}); !errors.Is(err, domain.ErrMissingArgument) {
			t.Fatalf("LogMessage without ID = %v", err)
		}
	})
}

func TestStore_DirectMessagesEncryptedAtRest(t *testing.T) {
	kv := memory.New()
	ctx := context.Background()
	s := newStore(t, kv, "correct horse")

	err := s.LogMessage(ctx, &domain.Message{
		ID:          domain.NewID(domain.MessageIDPrefix),
		SenderID:    1,
		RecipientID: 2,
		Content:     "meet at noon",
	})
	if err != nil {
		t.Fatal(err)
	}

	_ = kv.Scan(ctx, []byte("msg/dm/"), func(_, value []byte) bool {
		if strings.Contains(string(value), "meet at noon") {
			t.Error("direct message stored in plaintext")
		}
		return true
	})

	// Reopening with the same passphrase reuses the stored salt.
	reopened := newStore(t, kv, "correct horse")
	msgs, err := reopened.ListRecentMessages(ctx, 0, 1, 2, 10)
	if err != nil {
		t.Fatalf("ListRecentMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "meet at noon" {
		t.Fatalf("decrypted = %+v", msgs)
	}

	if _, err := newStore(t, kv, "wrong").ListRecentMessages(ctx, 0, 1, 2, 10); err == nil {
		t.Fatal("expected decrypt failure with wrong passphrase")
	}
	if _, err := newStore(t, kv, "").ListRecentMessages(ctx, 0, 1, 2, 10); err == nil {
		t.Fatal("expected failure without passphrase")
	}
}

func TestStore_AuditAndTransfers(t *testing.T) {
	engines(t, func(t *testing.T, kv storage.KVEngine) {
		s := newStore(t, kv, "")
		ctx := context.Background()

		for _, a := range []domain.ConnectionAction{domain.ConnActionConnect, domain.ConnActionLogin, domain.ConnActionDisconnect} {
			if err := s.LogConnectionEvent(ctx, &domain.ConnectionEvent{UserID: 1, Action: a, IP: "10.0.0.1"}); err != nil {
				t.Fatalf("LogConnectionEvent: %v", err)
			}
		}
		events, err := s.RecentConnectionEvents(ctx, 2)
		if err != nil {
			t.Fatalf("RecentConnectionEvents: %v", err)
		}
		if len(events) != 2 || events[0].Action != domain.ConnActionDisconnect || events[1].Action != domain.ConnActionLogin {
			t.Fatalf("RecentConnectionEvents = %+v", events)
		}

		rec := &domain.FileRecord{
			TransferID: domain.NewID(domain.TransferIDPrefix),
			UploaderID: 1,
			Filename:   "cat.png",
			Size:       1024,
			Status:     domain.TransferComplete,
		}
		if err := s.RecordFileTransfer(ctx, rec); err != nil {
			t.Fatalf("RecordFileTransfer: %v", err)
		}
		got, err := s.GetFileRecord(ctx, rec.TransferID)
		if err != nil {
			t.Fatalf("GetFileRecord: %v", err)
		}
		if got.Filename != "cat.png" || got.Size != 1024 {
			t.Fatalf("GetFileRecord = %+v", got)
		}
		if _, err := s.GetFileRecord(ctx, "xfr_missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("GetFileRecord missing = %v", err)
		}
	})
}
