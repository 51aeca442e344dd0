package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openwiki/infobase/api"
	stream "github.com/openwiki/infobase/bus"
	"github.com/openwiki/infobase/kv"
)

// BeforeSaveHook runs inside the write path before commit; returning an
// error aborts the whole changeset.
type BeforeSaveHook func(ctx context.Context, doc api.Document) error

// AfterSaveHook runs after a successful commit, outside the transaction.
type AfterSaveHook func(cs api.Changeset, docs []api.Document)

// Store is the versioned datastore: typed documents addressed by key,
// append-only revisions, derived property indexes and changesets, all over
// a transactional KV.
type Store struct {
	kv     kv.KV
	schema *Schema
	pm     *PropertyManager
	cache  *Cache
	bus    stream.Bus
	log    *slog.Logger

	queryTimeout time.Duration

	hookMu sync.Mutex
	before []BeforeSaveHook
	after  []AfterSaveHook
}

func New(db kv.KV, schema *Schema, bus stream.Bus, log *slog.Logger, cacheCapacity int) (*Store, error) {
	cache, err := NewCache(cacheCapacity)
	if err != nil {
		return nil, err
	}
	if schema == nil {
		schema = NewSchema()
	}
	return &Store{
		kv:           db,
		schema:       schema,
		pm:           NewPropertyManager(),
		cache:        cache,
		bus:          bus,
		log:          log,
		queryTimeout: 60 * time.Second,
	}, nil
}

func (s *Store) Close() {
	s.cache.Close()
	s.kv.Close()
}

func (s *Store) Schema() *Schema { return s.schema }

func (s *Store) SetQueryTimeout(d time.Duration) { s.queryTimeout = d }

func (s *Store) RegisterBeforeSave(h BeforeSaveHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.before = append(s.before, h)
}

func (s *Store) RegisterAfterSave(h AfterSaveHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.after = append(s.after, h)
}

func (s *Store) runBeforeSave(ctx context.Context, doc api.Document) error {
	s.hookMu.Lock()
	hooks := append([]BeforeSaveHook(nil), s.before...)
	s.hookMu.Unlock()
	for _, h := range hooks {
		if err := h(ctx, doc); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) runAfterSave(cs api.Changeset, docs []api.Document) {
	s.hookMu.Lock()
	hooks := append([]AfterSaveHook(nil), s.after...)
	s.hookMu.Unlock()
	for _, h := range hooks {
		h(cs, docs)
	}
	if s.bus != nil {
		if b, err := json.Marshal(cs); err == nil {
			if err := s.bus.Send("changes", b); err != nil {
				s.log.Warn("change publish failed", "error", err)
			}
		}
	}
}

// loadThing reads one thing metadata row. Missing keys return (nil, nil).
func loadThing(ctx context.Context, r kv.Read, key string) (*api.Thing, error) {
	b, err := r.Get(ctx, thingKey(key))
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, nil
	}
	var t api.Thing
	if err := deserializeStore(b, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// keyByID resolves a thing id back to its key.
func keyByID(ctx context.Context, r kv.Read, id int64) (string, error) {
	b, err := r.Get(ctx, idKey(id))
	if err != nil {
		return "", err
	}
	if b == nil {
		return "", api.NotFound("id")
	}
	return string(b), nil
}

func loadDoc(ctx context.Context, r kv.Read, id, revision int64) (api.Document, error) {
	b, err := r.Get(ctx, dataKey(id, revision))
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, nil
	}
	var doc api.Document
	if err := deserializeStore(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Get returns one document. Revision 0 means latest; the latest revision is
// served from cache when possible and always carries latest_revision.
func (s *Store) Get(ctx context.Context, key string, revision int64) (api.Document, error) {
	if revision == 0 {
		if v, ok := s.cache.GetByKey(key); ok {
			doc := v.Doc.Copy()
			doc["latest_revision"] = v.Thing.Revision
			return doc, nil
		}
	}

	r := s.kv.Read()
	defer r.Close()

	t, err := loadThing(ctx, r, key)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, api.NotFound(key)
	}

	rev := revision
	if rev == 0 {
		rev = t.Revision
	}
	if rev < 1 || rev > t.Revision {
		return nil, api.NotFound(key)
	}

	doc, err := loadDoc(ctx, r, t.ID, rev)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, api.NotFound(key)
	}

	if rev == t.Revision {
		s.cache.Put(cached{Thing: *t, Doc: doc.Copy()})
	}
	doc["latest_revision"] = t.Revision
	return doc, nil
}

// GetMany returns the latest documents for the given keys; missing keys are
// simply absent from the result.
func (s *Store) GetMany(ctx context.Context, keys []string) (map[string]api.Document, error) {
	out := make(map[string]api.Document, len(keys))
	for _, key := range keys {
		doc, err := s.Get(ctx, key, 0)
		if err != nil {
			if api.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out[key] = doc
	}
	return out, nil
}

// getType fetches a type's metadata and document, preferring the cache and
// filling it on a miss. A missing type returns (nil, nil, nil).
func (s *Store) getType(ctx context.Context, r kv.Read, typeKey string) (*api.Thing, api.Document, error) {
	if v, ok := s.cache.GetByKey(typeKey); ok {
		return &v.Thing, v.Doc, nil
	}
	t, err := loadThing(ctx, r, typeKey)
	if err != nil {
		return nil, nil, err
	}
	if t == nil {
		return nil, nil, nil
	}
	doc, err := loadDoc(ctx, r, t.ID, t.Revision)
	if err != nil {
		return nil, nil, err
	}
	if doc != nil {
		s.cache.Put(cached{Thing: *t, Doc: doc.Copy()})
	}
	return t, doc, nil
}

// NewKey mints a key for a type with a registered sequence, e.g. /b/OL%dM.
// The counter lives in the same KV as the data so it survives restarts.
func (s *Store) NewKey(ctx context.Context, typ string) (string, error) {
	seq, ok := s.schema.Sequence(typ)
	if !ok {
		return "", api.BadData("no sequence registered for type", typ, "", nil)
	}

	w := s.kv.Write()
	defer w.Close()
	n, err := nextSequence(ctx, w, seq.name)
	if err != nil {
		w.Rollback()
		return "", err
	}
	if err := w.Commit(ctx); err != nil {
		return "", err
	}
	return fmt.Sprintf(seq.pattern, n), nil
}
