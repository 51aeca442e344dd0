package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/openwiki/infobase/api"
	"github.com/openwiki/infobase/kv"
)

// deleteType marks a thing as deleted; saving a key with this type ends its
// lineage.
const deleteType = "/type/delete"

// SaveRequest is one atomic write of any number of documents. All documents
// commit together with a single changeset, or none do.
type SaveRequest struct {
	Kind      string
	Author    string // user key, empty for anonymous edits
	IP        string
	Comment   string
	Bot       bool
	Data      map[string]interface{}
	Docs      []api.Document
	Timestamp time.Time // zero means now
}

// fields stripped before comparing or storing documents; they are derived
// and restamped on every save.
var volatileProperties = map[string]bool{
	"id":              true,
	"revision":        true,
	"latest_revision": true,
	"created":         true,
	"last_modified":   true,
}

func datetimeValue(t time.Time) map[string]interface{} {
	return map[string]interface{}{
		"type":  "/type/datetime",
		"value": t.UTC().Format(time.RFC3339Nano),
	}
}

// docEquals compares two documents ignoring volatile properties. Marshal
// sorts map keys, so byte comparison is order-insensitive.
func docEquals(a, b api.Document) bool {
	strip := func(d api.Document) api.Document {
		out := make(api.Document, len(d))
		for k, v := range d {
			if !volatileProperties[k] {
				out[k] = v
			}
		}
		return out
	}
	ab, err1 := json.Marshal(strip(a))
	bb, err2 := json.Marshal(strip(b))
	return err1 == nil && err2 == nil && bytes.Equal(ab, bb)
}

// pending is one document's state while a save transaction runs.
type pending struct {
	doc  api.Document
	prev *api.Thing   // nil when the key is new
	old  api.Document // previous latest revision
	t    api.Thing    // row as it will be written
}

// Save writes one document. See SaveMany for the batch semantics.
func (s *Store) Save(ctx context.Context, req SaveRequest, doc api.Document) (*api.SaveResult, error) {
	req.Docs = []api.Document{doc}
	results, _, err := s.SaveMany(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}

// SaveMany writes a batch atomically. Duplicate keys keep the last document.
// Unchanged documents are dropped; if everything is unchanged no changeset
// is written and the result is empty. A concurrent writer holding any of
// the keys fails the whole batch with a conflict.
func (s *Store) SaveMany(ctx context.Context, req SaveRequest) ([]api.SaveResult, *api.Changeset, error) {
	docs, err := dedupDocs(req.Docs)
	if err != nil {
		return nil, nil, err
	}
	if len(docs) == 0 {
		return nil, nil, nil
	}

	for _, doc := range docs {
		if err := s.runBeforeSave(ctx, doc); err != nil {
			return nil, nil, err
		}
	}

	lockKeys := make([][]byte, len(docs))
	for i, doc := range docs {
		lockKeys[i] = thingKey(doc.Key())
	}

	w, err := s.kv.ExclusiveWrite(ctx, lockKeys...)
	if err != nil {
		if errors.Is(err, kv.ErrLockHeld) {
			return nil, nil, api.Conflict("another writer holds a lock on one of the keys")
		}
		return nil, nil, err
	}
	defer w.Close()

	pm := s.pm.Copy()
	rc := newRequestCache(s.cache)

	results, cs, err := s.saveImpl(ctx, w, pm, rc, req, docs)
	if err != nil {
		w.Rollback()
		rc.discard()
		return nil, nil, err
	}
	if cs == nil {
		// every document was a no-op
		w.Rollback()
		return nil, nil, nil
	}

	if err := w.Commit(ctx); err != nil {
		rc.discard()
		return nil, nil, err
	}
	s.pm.Absorb(pm)
	rc.flush()

	changed := make([]api.Document, len(results))
	for i, r := range results {
		changed[i] = rc.local[r.Key].Doc
	}
	s.runAfterSave(*cs, changed)

	s.log.Info("changeset committed",
		"id", cs.ID, "kind", cs.Kind, "author", cs.Author, "documents", len(results))
	return results, cs, nil
}

func dedupDocs(docs []api.Document) ([]api.Document, error) {
	seen := make(map[string]int)
	out := make([]api.Document, 0, len(docs))
	for _, doc := range docs {
		key := doc.Key()
		if key == "" {
			return nil, api.BadData("missing key", "", "key", nil)
		}
		if doc.TypeKey() == "" {
			return nil, api.BadData("missing type", key, "type", doc["type"])
		}
		if i, ok := seen[key]; ok {
			out[i] = doc // later document wins
			continue
		}
		seen[key] = len(out)
		out = append(out, doc)
	}
	return out, nil
}

func (s *Store) saveImpl(ctx context.Context, w kv.Write, pm *PropertyManager, rc *requestCache, req SaveRequest, docs []api.Document) ([]api.SaveResult, *api.Changeset, error) {
	now := req.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	var todo []*pending
	for _, doc := range docs {
		p := &pending{doc: doc}
		prev, err := loadThing(ctx, w, doc.Key())
		if err != nil {
			return nil, nil, err
		}
		if prev != nil {
			p.prev = prev
			p.old, err = loadDoc(ctx, w, prev.ID, prev.Revision)
			if err != nil {
				return nil, nil, err
			}
			if p.old != nil && docEquals(p.old, doc) {
				continue
			}
		}
		todo = append(todo, p)
	}
	if len(todo) == 0 {
		return nil, nil, nil
	}

	// Assign ids for new keys before resolving types, so a batch can
	// introduce a type and its instances together. A key recreated after a
	// delete starts a fresh lineage: new id, revision 1, old revisions
	// still reachable under the old id.
	for _, p := range todo {
		if p.prev != nil {
			if p.old != nil && p.old.TypeKey() == deleteType && p.doc.TypeKey() != deleteType {
				if err := s.retireLineage(ctx, w, pm, p); err != nil {
					return nil, nil, err
				}
			} else {
				p.t = *p.prev
				continue
			}
		}
		id, err := nextSequence(ctx, w, "thing")
		if err != nil {
			return nil, nil, err
		}
		p.t = api.Thing{ID: id, Key: p.doc.Key(), Created: now}
		if err := w.Put(idKey(id), []byte(p.doc.Key())); err != nil {
			return nil, nil, err
		}
	}

	for _, p := range todo {
		var typeID int64
		if v, ok := rc.get(p.doc.TypeKey()); ok {
			typeID = v.Thing.ID
		} else {
			typ, err := loadThing(ctx, w, p.doc.TypeKey())
			if err != nil {
				return nil, nil, err
			}
			if typ != nil {
				typeID = typ.ID
			} else {
				typeID, err = batchTypeID(todo, p.doc.TypeKey())
				if err != nil {
					return nil, nil, err
				}
			}
		}

		oldTypeID := p.t.TypeID
		p.t.TypeID = typeID
		p.t.Revision++
		p.t.LastModified = now

		if err := s.writeRevision(ctx, w, pm, p, oldTypeID, now); err != nil {
			return nil, nil, err
		}
		rc.put(cached{Thing: p.t, Doc: p.doc})
	}

	cs, err := s.writeChangeset(ctx, w, pm, req, todo, now)
	if err != nil {
		return nil, nil, err
	}

	results := make([]api.SaveResult, len(todo))
	for i, p := range todo {
		results[i] = api.SaveResult{Key: p.t.Key, Revision: p.t.Revision}
	}
	return results, cs, nil
}

// retireLineage removes the live index traces of a deleted thing so its key
// can restart as a fresh one. The revision documents stay in place,
// addressed by the old id.
func (s *Store) retireLineage(ctx context.Context, w kv.Write, pm *PropertyManager, p *pending) error {
	if err := w.Del(typeIndexKey(p.prev.TypeID, p.prev.ID)); err != nil {
		return err
	}
	if err := s.applyIndex(ctx, w, pm, p.old.TypeKey(), p.prev.ID, ComputeIndex(p.old), true); err != nil {
		return err
	}
	p.prev = nil
	p.old = nil
	return nil
}

func batchTypeID(todo []*pending, typeKey string) (int64, error) {
	for _, q := range todo {
		if q.doc.Key() == typeKey {
			return q.t.ID, nil
		}
	}
	return 0, api.NotFound(typeKey)
}

// writeRevision stamps the document, persists the revision and the thing
// row, and applies the index delta against the previous revision.
func (s *Store) writeRevision(ctx context.Context, w kv.Write, pm *PropertyManager, p *pending, oldTypeID int64, now time.Time) error {
	doc := p.doc
	doc["id"] = p.t.ID
	doc["revision"] = p.t.Revision
	doc["latest_revision"] = p.t.Revision
	doc["created"] = datetimeValue(p.t.Created)
	doc["last_modified"] = datetimeValue(now)

	b, err := serializeStore(doc)
	if err != nil {
		return err
	}
	if err := w.Put(dataKey(p.t.ID, p.t.Revision), b); err != nil {
		return err
	}

	tb, err := serializeStore(&p.t)
	if err != nil {
		return err
	}
	if err := w.Put(thingKey(p.t.Key), tb); err != nil {
		return err
	}

	if oldTypeID != p.t.TypeID {
		if oldTypeID != 0 {
			if err := w.Del(typeIndexKey(oldTypeID, p.t.ID)); err != nil {
				return err
			}
		}
		if err := w.Put(typeIndexKey(p.t.TypeID, p.t.ID), nil); err != nil {
			return err
		}
	}

	deletes, inserts := DiffIndex(p.old, doc)
	oldType := ""
	if p.old != nil {
		oldType = p.old.TypeKey()
	}
	if err := s.applyIndex(ctx, w, pm, oldType, p.t.ID, deletes, true); err != nil {
		return err
	}
	return s.applyIndex(ctx, w, pm, doc.TypeKey(), p.t.ID, inserts, false)
}

// applyIndex routes each entry through the schema to its table, resolves
// the property id within that table's group and writes or removes the key.
func (s *Store) applyIndex(ctx context.Context, w kv.Write, pm *PropertyManager, typ string, id int64, entries IndexSet, del bool) error {
	for e := range entries {
		table := s.schema.FindTable(typ, e.Datatype, e.Property)
		if table == "" {
			continue
		}
		pid, err := pm.GetOrCreate(ctx, w, tableGroup(table), e.Property)
		if err != nil {
			return err
		}
		val, err := encodeIndexValue(e.Value)
		if err != nil {
			return err
		}
		k := indexKey(table, pid, val, id)
		if del {
			err = w.Del(k)
		} else {
			err = w.Put(k, nil)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// writeChangeset records the changeset row plus its secondary indexes. The
// ip column is only written for anonymous changesets, so edits made while
// logged in are never addressable by ip.
func (s *Store) writeChangeset(ctx context.Context, w kv.Write, pm *PropertyManager, req SaveRequest, todo []*pending, now time.Time) (*api.Changeset, error) {
	txid, err := nextSequence(ctx, w, "changeset")
	if err != nil {
		return nil, err
	}

	kind := req.Kind
	if kind == "" {
		kind = "update"
	}
	cs := &api.Changeset{
		ID:      txid,
		Kind:    kind,
		Author:  req.Author,
		IP:      req.IP,
		Comment: req.Comment,
		Bot:     req.Bot,
		Created: now,
		Data:    req.Data,
	}
	for _, p := range todo {
		cs.Changes = append(cs.Changes, api.Change{Key: p.t.Key, Revision: p.t.Revision})
	}

	b, err := serializeStore(cs)
	if err != nil {
		return nil, err
	}
	if err := w.Put(changesetKey(txid), b); err != nil {
		return nil, err
	}

	put := func(column string, value interface{}) error {
		v, err := encodeIndexValue(value)
		if err != nil {
			return err
		}
		return w.Put(changesetIndexKey(column, v, txid), nil)
	}

	for _, p := range todo {
		if err := put("key", p.t.Key); err != nil {
			return nil, err
		}
	}
	if err := put("kind", kind); err != nil {
		return nil, err
	}
	if req.Author != "" {
		if err := put("author", req.Author); err != nil {
			return nil, err
		}
	} else if req.IP != "" {
		if err := put("ip", req.IP); err != nil {
			return nil, err
		}
	}
	for k, v := range req.Data {
		iv, ok := changesetDataValue(v)
		if !ok {
			continue
		}
		if err := put("data."+k, iv); err != nil {
			return nil, err
		}
	}
	return cs, nil
}

// changesetDataValue maps a data field onto its index representation.
// Integral numbers index as ints so values written through Go and through
// JSON agree; fractional values keep their float encoding. Non-scalars are
// not indexed.
func changesetDataValue(v interface{}) (interface{}, bool) {
	switch v := v.(type) {
	case string:
		return v, true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<62 {
			return int64(v), true
		}
		return v, true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		if f, err := v.Float64(); err == nil {
			return f, true
		}
	}
	return nil, false
}

// Reindex rebuilds the property index rows of the given keys from their
// latest revisions. Used after schema table-group changes.
func (s *Store) Reindex(ctx context.Context, keys []string) error {
	for _, key := range keys {
		w := s.kv.Write()

		t, err := loadThing(ctx, w, key)
		if err != nil {
			w.Rollback()
			return err
		}
		if t == nil {
			w.Rollback()
			return api.NotFound(key)
		}
		doc, err := loadDoc(ctx, w, t.ID, t.Revision)
		if err != nil {
			w.Rollback()
			return err
		}

		pm := s.pm.Copy()
		// Every index row ever written for this id derives from some
		// revision, so the delete pass recomputes all of them, under every
		// table they could have been filed in. Rows written before a
		// table-group change and rows for values later edited away are both
		// cleaned up.
		for rev := int64(1); rev <= t.Revision; rev++ {
			old, err := loadDoc(ctx, w, t.ID, rev)
			if err != nil {
				w.Rollback()
				return err
			}
			if old == nil {
				continue
			}
			for e := range ComputeIndex(old) {
				for _, table := range s.tablesFor(e.Datatype) {
					pid, ok, err := pm.Lookup(ctx, w, tableGroup(table), e.Property)
					if err != nil {
						w.Rollback()
						return err
					}
					if !ok {
						continue
					}
					val, err := encodeIndexValue(e.Value)
					if err != nil {
						w.Rollback()
						return err
					}
					if err := w.Del(indexKey(table, pid, val, t.ID)); err != nil {
						w.Rollback()
						return err
					}
				}
			}
		}
		entries := ComputeIndex(doc)
		if err := s.applyIndex(ctx, w, pm, doc.TypeKey(), t.ID, entries, false); err != nil {
			w.Rollback()
			return err
		}
		if err := w.Commit(ctx); err != nil {
			return err
		}
		s.pm.Absorb(pm)
		s.cache.Invalidate(key)
		s.log.Info("reindexed", "key", key, "entries", len(entries))
	}
	return nil
}

// tablesFor lists every registered table that stores the given datatype,
// including the datum fallback.
func (s *Store) tablesFor(datatype string) []string {
	s.schema.mu.Lock()
	defer s.schema.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for p := range s.schema.prefixes {
		t := p + "_" + datatype
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
