package memory

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/yndnr/chatmesh-go/internal/storage"
)

// Engine is an in-memory storage.KVEngine.
type Engine struct {
	mu        sync.RWMutex
	data      map[string][]byte
	sequences map[string]uint64
	closed    bool
}

var _ storage.KVEngine = (*Engine)(nil)

// New creates an empty in-memory engine.
func New() *Engine {
	return &Engine{
		data:      make(map[string][]byte),
		sequences: make(map[string]uint64),
	}
}

// Get retrieves a value by key.
func (e *Engine) Get(_ context.Context, key []byte) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, storage.ErrClosed
	}
	v, ok := e.data[string(key)]
	if !ok {
		return nil, storage.ErrKeyNotFound
	}
	return bytes.Clone(v), nil
}

// Set stores a key-value pair.
func (e *Engine) Set(ctx context.Context, key, value []byte) error {
	return e.Update(ctx, func(tx storage.Txn) error {
		return tx.Set(key, value)
	})
}

// Delete removes a key.
func (e *Engine) Delete(ctx context.Context, key []byte) error {
	return e.Update(ctx, func(tx storage.Txn) error {
		return tx.Delete(key)
	})
}

// Scan visits keys with prefix in ascending order.
func (e *Engine) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) bool) error {
	return e.scan(ctx, prefix, false, fn)
}

// ScanReverse visits keys with prefix in descending order.
func (e *Engine) ScanReverse(ctx context.Context, prefix []byte, fn func(key, value []byte) bool) error {
	return e.scan(ctx, prefix, true, fn)
}

func (e *Engine) scan(ctx context.Context, prefix []byte, reverse bool, fn func(key, value []byte) bool) error {
	// Snapshot matching pairs so fn may call back into the engine.
	type pair struct {
		key   string
		value []byte
	}

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return storage.ErrClosed
	}
	pairs := make([]pair, 0)
	for k, v := range e.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			pairs = append(pairs, pair{key: k, value: bytes.Clone(v)})
		}
	}
	e.mu.RUnlock()

	sort.Slice(pairs, func(i, j int) bool {
		if reverse {
			return pairs[i].key > pairs[j].key
		}
		return pairs[i].key < pairs[j].key
	})

	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn([]byte(p.key), p.value) {
			break
		}
	}
	return nil
}

// Update runs fn with exclusive access. fn must not call other methods of
// the engine.
func (e *Engine) Update(ctx context.Context, fn func(tx storage.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return storage.ErrClosed
	}

	tx := &txn{base: e.data, writes: make(map[string]*[]byte)}
	if err := fn(tx); err != nil {
		return err
	}

	for k, v := range tx.writes {
		if v == nil {
			delete(e.data, k)
			continue
		}
		e.data[k] = *v
	}
	return nil
}

// NextSequence returns the next value of the named sequence, starting at 1.
func (e *Engine) NextSequence(_ context.Context, name string) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, storage.ErrClosed
	}
	e.sequences[name]++
	return e.sequences[name], nil
}

// GC is a no-op.
func (e *Engine) GC(_ context.Context) (uint64, error) {
	return 0, nil
}

// Stats reports the key count and the summed key and value sizes.
func (e *Engine) Stats(_ context.Context) (*storage.KVStats, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, storage.ErrClosed
	}

	var size uint64
	for k, v := range e.data {
		size += uint64(len(k) + len(v))
	}
	return &storage.KVStats{
		TotalKeys: uint64(len(e.data)),
		TotalSize: size,
	}, nil
}

// Close drops all data. Further calls return storage.ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.data = nil
	return nil
}

// txn stages writes over the committed map. A nil entry is a delete.
type txn struct {
	base   map[string][]byte
	writes map[string]*[]byte
}

func (t *txn) Get(key []byte) ([]byte, error) {
	if v, ok := t.writes[string(key)]; ok {
		if v == nil {
			return nil, storage.ErrKeyNotFound
		}
		return bytes.Clone(*v), nil
	}
	v, ok := t.base[string(key)]
	if !ok {
		return nil, storage.ErrKeyNotFound
	}
	return bytes.Clone(v), nil
}

func (t *txn) Set(key, value []byte) error {
	if len(key) == 0 {
		return errEmptyKey
	}
	v := bytes.Clone(value)
	if v == nil {
		v = []byte{}
	}
	t.writes[string(key)] = &v
	return nil
}

func (t *txn) Delete(key []byte) error {
	t.writes[string(key)] = nil
	return nil
}

var errEmptyKey = errors.New("memory: empty key")
