package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/yndnr/chatmesh-go/internal/storage"
)

func TestEngine_GetSetDelete(t *testing.T) {
	e := New()
	ctx := context.Background()

	if _, err := e.Get(ctx, []byte("k")); !errors.Is(err, storage.ErrKeyNotFound) {
		t.Fatalf("Get missing = %v, want ErrKeyNotFound", err)
	}
	if err := e.Set(ctx, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := e.Get(ctx, []byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v" {
		t.Fatalf("Get = %q, want v", got)
	}

	// Returned slices are copies.
	got[0] = 'x'
	again, _ := e.Get(ctx, []byte("k"))
	if string(again) != "v" {
		t.Fatalf("stored value mutated through returned slice: %q", again)
	}

	if err := e.Delete(ctx, []byte("k")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := e.Get(ctx, []byte("k")); !errors.Is(err, storage.ErrKeyNotFound) {
		t.Fatalf("Get after delete = %v, want ErrKeyNotFound", err)
	}
}

func TestEngine_ScanOrder(t *testing.T) {
	e := New()
	ctx := context.Background()

	for _, k := range []string{"room/03", "room/01", "room/02", "roomx", "user/01"} {
		if err := e.Set(ctx, []byte(k), []byte(k)); err != nil {
			t.Fatal(err)
		}
	}

	var forward, reverse []string
	_ = e.Scan(ctx, []byte("room/"), func(k, _ []byte) bool {
		forward = append(forward, string(k))
		return true
	})
	_ = e.ScanReverse(ctx, []byte("room/"), func(k, _ []byte) bool {
		reverse = append(reverse, string(k))
		return len(reverse) < 2
	})

	if got := fmt.Sprint(forward); got != "[room/01 room/02 room/03]" {
		t.Errorf("Scan = %s", got)
	}
	if got := fmt.Sprint(reverse); got != "[room/03 room/02]" {
		t.Errorf("ScanReverse = %s", got)
	}
}

func TestEngine_UpdateAtomic(t *testing.T) {
	e := New()
	ctx := context.Background()
	_ = e.Set(ctx, []byte("keep"), []byte("1"))

	boom := errors.New("boom")
	err := e.Update(ctx, func(tx storage.Txn) error {
		_ = tx.Set([]byte("new"), []byte("2"))
		_ = tx.Delete([]byte("keep"))

		if _, err := tx.Get([]byte("keep")); !errors.Is(err, storage.ErrKeyNotFound) {
			t.Errorf("staged delete not visible: %v", err)
		}
		if v, _ := tx.Get([]byte("new")); string(v) != "2" {
			t.Errorf("staged write not visible: %q", v)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update = %v, want boom", err)
	}

	if _, err := e.Get(ctx, []byte("new")); !errors.Is(err, storage.ErrKeyNotFound) {
		t.Errorf("aborted write committed: %v", err)
	}
	if _, err := e.Get(ctx, []byte("keep")); err != nil {
		t.Errorf("aborted delete committed: %v", err)
	}
}

func TestEngine_SequencesAndClose(t *testing.T) {
	e := New()
	ctx := context.Background()

	for want := uint64(1); want <= 3; want++ {
		if got, _ := e.NextSequence(ctx, "user"); got != want {
			t.Fatalf("NextSequence = %d, want %d", got, want)
		}
	}
	if got, _ := e.NextSequence(ctx, "room"); got != 1 {
		t.Fatalf("room sequence = %d, want 1", got)
	}

	_ = e.Set(ctx, []byte("a"), []byte("bc"))
	stats, err := e.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalKeys != 1 || stats.TotalSize != 3 {
		t.Errorf("Stats = %+v", stats)
	}

	_ = e.Close()
	if _, err := e.Get(ctx, []byte("a")); !errors.Is(err, storage.ErrClosed) {
		t.Errorf("Get after close = %v", err)
	}
	if err := e.Update(ctx, func(storage.Txn) error { return nil }); !errors.Is(err, storage.ErrClosed) {
		t.Errorf("Update after close = %v", err)
	}
}
