package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestBadger(t *testing.T) *BadgerEngine {
	t.Helper()
	cfg := DefaultKVConfig(t.TempDir())
	cfg.Badger.GCInterval = "1h" // Disable auto GC for tests
	cfg.Badger.CacheSize = 1 << 20

	engine, err := NewBadgerEngine(cfg, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestBadgerEngine_BasicOperations(t *testing.T) {
	engine := newTestBadger(t)
	ctx := context.Background()

	t.Run("Set and Get", func(t *testing.T) {
		key := []byte("test-key")
		value := []byte("test-value")

		if err := engine.Set(ctx, key, value); err != nil {
			t.Fatal(err)
		}

		got, err := engine.Get(ctx, key)
		if err != nil {
			t.Fatal(err)
		}

		if string(got) != string(value) {
			t.Errorf("expected %s, got %s", value, got)
		}
	})

	t.Run("Get non-existent key", func(t *testing.T) {
		_, err := engine.Get(ctx, []byte("non-existent"))
		if !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("expected ErrKeyNotFound, got %v", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		key := []byte("delete-key")

		if err := engine.Set(ctx, key, []byte("delete-value")); err != nil {
			t.Fatal(err)
		}
		if err := engine.Delete(ctx, key); err != nil {
			t.Fatal(err)
		}

		_, err := engine.Get(ctx, key)
		if !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("expected ErrKeyNotFound after delete, got %v", err)
		}
	})

	t.Run("Delete missing key", func(t *testing.T) {
		if err := engine.Delete(ctx, []byte("never-written")); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	})
}

func TestBadgerEngine_Scan(t *testing.T) {
	engine := newTestBadger(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("msg/%02d", i)
		if err := engine.Set(ctx, []byte(key), []byte(key)); err != nil {
			t.Fatal(err)
		}
	}
	// Neighbouring prefixes must not leak into the scan.
	for _, key := range []string{"msf/00", "msh/00", "msg0"} {
		if err := engine.Set(ctx, []byte(key), nil); err != nil {
			t.Fatal(err)
		}
	}

	collect := func(scan func(context.Context, []byte, func(k, v []byte) bool) error, limit int) []string {
		var keys []string
		err := scan(ctx, []byte("msg/"), func(k, _ []byte) bool {
			keys = append(keys, string(k))
			return limit == 0 || len(keys) < limit
		})
		if err != nil {
			t.Fatal(err)
		}
		return keys
	}

	tests := []struct {
		name    string
		reverse bool
		limit   int
		want    []string
	}{
		{"forward", false, 0, []string{"msg/00", "msg/01", "msg/02", "msg/03", "msg/04"}},
		{"forward limited", false, 2, []string{"msg/00", "msg/01"}},
		{"reverse", true, 0, []string{"msg/04", "msg/03", "msg/02", "msg/01", "msg/00"}},
		{"reverse limited", true, 3, []string{"msg/04", "msg/03", "msg/02"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scan := engine.Scan
			if tt.reverse {
				scan = engine.ScanReverse
			}
			got := collect(scan, tt.limit)
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestBadgerEngine_Update(t *testing.T) {
	engine := newTestBadger(t)
	ctx := context.Background()

	t.Run("commit", func(t *testing.T) {
		err := engine.Update(ctx, func(tx Txn) error {
			if err := tx.Set([]byte("a"), []byte("1")); err != nil {
				return err
			}
			return tx.Set([]byte("b"), []byte("2"))
		})
		if err != nil {
			t.Fatal(err)
		}
		for _, k := range []string{"a", "b"} {
			if _, err := engine.Get(ctx, []byte(k)); err != nil {
				t.Errorf("key %s: %v", k, err)
			}
		}
	})

	t.Run("rollback on error", func(t *testing.T) {
		boom := errors.New("boom")
		err := engine.Update(ctx, func(tx Txn) error {
			if err := tx.Set([]byte("c"), []byte("3")); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		if _, err := engine.Get(ctx, []byte("c")); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("expected rollback, got %v", err)
		}
	})

	t.Run("read own write", func(t *testing.T) {
		err := engine.Update(ctx, func(tx Txn) error {
			if err := tx.Set([]byte("d"), []byte("4")); err != nil {
				return err
			}
			v, err := tx.Get([]byte("d"))
			if err != nil {
				return err
			}
			if string(v) != "4" {
				return fmt.Errorf("got %q", v)
			}
			_, err = tx.Get([]byte("missing"))
			if !errors.Is(err, ErrKeyNotFound) {
				return fmt.Errorf("expected ErrKeyNotFound, got %v", err)
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	})
}

// Concurrent read-modify-write increments must not lose updates.
func TestBadgerEngine_UpdateConflictRetry(t *testing.T) {
	engine := newTestBadger(t)
	ctx := context.Background()
	key := []byte("counter")

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- engine.Update(ctx, func(tx Txn) error {
				n := 0
				v, err := tx.Get(key)
				switch {
				case err == nil:
					fmt.Sscanf(string(v), "%d", &n)
				case !errors.Is(err, ErrKeyNotFound):
					return err
				}
				return tx.Set(key, []byte(fmt.Sprint(n+1)))
			})
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrConflict):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	v, err := engine.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != fmt.Sprint(succeeded) {
		t.Errorf("expected counter %d, got %s", succeeded, v)
	}
}

func TestBadgerEngine_NextSequence(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultKVConfig(dir)
	cfg.Badger.GCInterval = "1h"
	cfg.Badger.SequenceBandwidth = 10
	ctx := context.Background()

	engine, err := NewBadgerEngine(cfg, slog.Default())
	if err != nil {
		t.Fatal(err)
	}

	for want := uint64(1); want <= 3; want++ {
		got, err := engine.NextSequence(ctx, "user")
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("expected %d, got %d", want, got)
		}
	}

	// Independent sequences.
	if got, _ := engine.NextSequence(ctx, "room"); got != 1 {
		t.Errorf("expected room sequence to start at 1, got %d", got)
	}

	if err := engine.Close(); err != nil {
		t.Fatal(err)
	}

	engine, err = NewBadgerEngine(cfg, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer engine.Close()

	got, err := engine.NextSequence(ctx, "user")
	if err != nil {
		t.Fatal(err)
	}
	if got <= 3 {
		t.Errorf("sequence reused %d after restart", got)
	}
}

func TestBadgerEngine_Closed(t *testing.T) {
	engine := newTestBadger(t)
	if err := engine.Close(); err != nil {
		t.Fatal(err)
	}
	// Second close is a no-op.
	if err := engine.Close(); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if _, err := engine.Get(ctx, []byte("k")); !errors.Is(err, ErrClosed) {
		t.Errorf("Get: expected ErrClosed, got %v", err)
	}
	if err := engine.Set(ctx, []byte("k"), nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Set: expected ErrClosed, got %v", err)
	}
	if _, err := engine.NextSequence(ctx, "user"); !errors.Is(err, ErrClosed) {
		t.Errorf("NextSequence: expected ErrClosed, got %v", err)
	}
}

func TestBadgerEngine_StatsAndMetrics(t *testing.T) {
	engine := newTestBadger(t)
	ctx := context.Background()

	if err := engine.Set(ctx, []byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.GC(ctx); err != nil {
		t.Fatal(err)
	}

	stats, err := engine.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.LastGCTime == 0 {
		t.Error("expected LastGCTime to be set after GC")
	}

	reg := prometheus.NewRegistry()
	if err := engine.RegisterMetrics(reg); err != nil {
		t.Fatal(err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(families) != 4 {
		t.Errorf("expected 4 metric families, got %d", len(families))
	}
}
