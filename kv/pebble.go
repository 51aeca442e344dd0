package kv

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

type Pebbledb struct {
	db *pebble.DB

	// pebble has no write-write conflict detection, so writers are
	// serialized with one lock. good enough for a single process.
	globalWriteLock sync.Mutex

	rowLocks struct {
		sync.Mutex
		held map[string]bool
	}
}

// tryLockRows acquires all row locks or none, without waiting.
func (p *Pebbledb) tryLockRows(keys [][]byte) error {
	p.rowLocks.Lock()
	defer p.rowLocks.Unlock()
	for _, k := range keys {
		if p.rowLocks.held[string(k)] {
			return ErrLockHeld
		}
	}
	for _, k := range keys {
		p.rowLocks.held[string(k)] = true
	}
	return nil
}

func (p *Pebbledb) unlockRows(keys [][]byte) {
	p.rowLocks.Lock()
	defer p.rowLocks.Unlock()
	for _, k := range keys {
		delete(p.rowLocks.held, string(k))
	}
}

type PebbleWrite struct {
	p        *Pebbledb
	batch    *pebble.Batch
	err      error
	commited bool
	locked   bool
	rowKeys  [][]byte
}

func (w *PebbleWrite) release() {
	if w.locked {
		w.locked = false
		w.p.globalWriteLock.Unlock()
	}
	if w.rowKeys != nil {
		w.p.unlockRows(w.rowKeys)
		w.rowKeys = nil
	}
}

func (w *PebbleWrite) lock() {
	if !w.locked {
		w.p.globalWriteLock.Lock()
		w.locked = true
	}
}

func (w *PebbleWrite) Commit(ctx context.Context) error {
	defer w.release()
	if w.err != nil {
		return w.err
	}
	if w.commited {
		return fmt.Errorf("already committed")
	}
	err := w.batch.Commit(pebble.Sync)
	if err != nil {
		w.err = err
		return err
	}
	w.commited = true
	return nil
}

func (w *PebbleWrite) Rollback() error {
	defer w.release()
	if w.commited {
		return fmt.Errorf("already committed")
	}
	if w.err != nil {
		return w.err
	}
	return w.batch.Close()
}

func (w *PebbleWrite) Put(key []byte, value []byte) error {
	w.lock()
	if w.err != nil {
		return w.err
	}
	err := w.batch.Set(key, value, pebble.Sync)
	if err != nil {
		w.Rollback()
		w.err = err
	}
	log.Debug("[pebble].Put:", "key", string(key), "err", err)
	return w.err
}

func (w *PebbleWrite) Get(ctx context.Context, key []byte) ([]byte, error) {
	w.lock()
	if w.err != nil {
		return nil, w.err
	}

	val, closer, err := w.batch.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()

	// copy, the closer invalidates val
	result := make([]byte, len(val))
	copy(result, val)
	return result, nil
}

func (w *PebbleWrite) BatchGet(ctx context.Context, keys [][]byte) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, err := w.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if v != nil {
			out[string(k)] = v
		}
	}
	return out, nil
}

func (w *PebbleWrite) Del(key []byte) error {
	w.lock()
	if w.err != nil {
		return w.err
	}
	err := w.batch.Delete(key, pebble.Sync)
	if err != nil {
		w.Rollback()
		w.err = err
	}
	return w.err
}

func (w *PebbleWrite) Iter(ctx context.Context, start []byte, end []byte) iter.Seq2[KeyAndValue, error] {
	w.lock()
	return func(yield func(KeyAndValue, error) bool) {
		it, err := w.batch.NewIter(&pebble.IterOptions{
			LowerBound: start,
			UpperBound: end,
		})
		if err != nil {
			yield(KeyAndValue{}, err)
			return
		}
		defer it.Close()

		for it.First(); it.Valid(); it.Next() {
			key := append([]byte(nil), it.Key()...)
			val := append([]byte(nil), it.Value()...)
			if !yield(KeyAndValue{K: key, V: val}, nil) {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(KeyAndValue{}, err)
		}
	}
}

func (w *PebbleWrite) Close() {
	w.Rollback()
}

type PebbleRead struct {
	snapshot *pebble.Snapshot
}

func (r *PebbleRead) Get(ctx context.Context, key []byte) ([]byte, error) {
	val, closer, err := r.snapshot.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()

	result := make([]byte, len(val))
	copy(result, val)
	return result, nil
}

func (r *PebbleRead) BatchGet(ctx context.Context, keys [][]byte) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, err := r.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if v != nil {
			out[string(k)] = v
		}
	}
	return out, nil
}

func (r *PebbleRead) Iter(ctx context.Context, start []byte, end []byte) iter.Seq2[KeyAndValue, error] {
	return func(yield func(KeyAndValue, error) bool) {
		it, err := r.snapshot.NewIter(&pebble.IterOptions{
			LowerBound: start,
			UpperBound: end,
		})
		if err != nil {
			yield(KeyAndValue{}, err)
			return
		}
		defer it.Close()

		for it.First(); it.Valid(); it.Next() {
			key := append([]byte(nil), it.Key()...)
			val := append([]byte(nil), it.Value()...)
			if !yield(KeyAndValue{K: key, V: val}, nil) {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(KeyAndValue{}, err)
		}
	}
}

func (r *PebbleRead) Close() {
	r.snapshot.Close()
}

func (p *Pebbledb) Close() {
	p.db.Close()
}

func (p *Pebbledb) Write() Write {
	return &PebbleWrite{p: p, batch: p.db.NewIndexedBatch()}
}

func (p *Pebbledb) ExclusiveWrite(ctx context.Context, keys ...[]byte) (Write, error) {
	if err := p.tryLockRows(keys); err != nil {
		return nil, err
	}
	return &PebbleWrite{p: p, batch: p.db.NewIndexedBatch(), rowKeys: keys}, nil
}

func (p *Pebbledb) Read() Read {
	return &PebbleRead{snapshot: p.db.NewSnapshot()}
}

func (p *Pebbledb) Ping() error {
	return nil
}

func NewPebble(dir string) (KV, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	p := &Pebbledb{db: db}
	p.rowLocks.held = make(map[string]bool)
	return p, nil
}

// NewMemPebble creates an in-memory pebble instance for testing.
func NewMemPebble() (KV, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, err
	}
	p := &Pebbledb{db: db}
	p.rowLocks.held = make(map[string]bool)
	return p, nil
}
