package kv

import (
	"context"
	"errors"
	"iter"
)

// ErrLockHeld is returned by ExclusiveWrite when another writer holds a lock
// on one of the requested keys. Locks are never queued for; the caller
// decides whether to retry.
var ErrLockHeld = errors.New("kv: lock held by another writer")

type KeyAndValue struct {
	K []byte
	V []byte
}

type KV interface {
	Close()
	Write() Write

	// ExclusiveWrite begins a transaction holding locks on the given keys.
	// It fails fast with ErrLockHeld instead of waiting behind another
	// writer. Locks are released on Commit, Rollback or Close.
	ExclusiveWrite(ctx context.Context, keys ...[]byte) (Write, error)

	Read() Read
	Ping() error
}

type Read interface {
	BatchGet(ctx context.Context, keys [][]byte) (map[string][]byte, error)
	Get(ctx context.Context, key []byte) ([]byte, error)
	Iter(ctx context.Context, start []byte, end []byte) iter.Seq2[KeyAndValue, error]
	Close()
}

type Write interface {
	Read
	Put(key []byte, value []byte) error
	Del(key []byte) error
	Commit(ctx context.Context) error
	Rollback() error
	Close()
}
