package store

import (
	"encoding/json"
	"strings"

	"github.com/openwiki/infobase/api"
)

// IndexEntry is one derived (datatype, property, value) tuple. Value is a
// string, int64 or float64 so entries are comparable and usable as map keys.
type IndexEntry struct {
	Datatype string
	Property string
	Value    interface{}
}

type IndexSet map[IndexEntry]struct{}

func (s IndexSet) add(e IndexEntry) {
	s[e] = struct{}{}
}

// Properties never indexed: intrinsic metadata and the sub-fields of
// rich-value wrappers.
var indexSkip = map[string]bool{
	"id":              true,
	"key":             true,
	"type.key":        true,
	"revision":        true,
	"latest_revision": true,
	"created":         true,
	"last_modified":   true,
}

// computeRawIndex walks the document and yields one entry per scalar leaf
// and per list element; list elements share the property path. References
// ({"key": ...}) index as ref entries on the parent path. Booleans and nils
// pass through untouched; filtering those is the caller's policy, not the
// indexer's.
func computeRawIndex(doc api.Document) IndexSet {
	out := make(IndexSet)
	for k, v := range doc {
		flattenIndex(out, k, v)
	}
	return out
}

func flattenIndex(out IndexSet, path string, v interface{}) {
	if indexSkip[path] || strings.HasSuffix(path, ".value") || strings.HasSuffix(path, ".type") {
		return
	}
	switch v := v.(type) {
	case []interface{}:
		for _, el := range v {
			flattenIndex(out, path, el)
		}
	case map[string]interface{}:
		if ref, ok := api.Reference(v); ok {
			if !indexSkip[path+".key"] {
				out.add(IndexEntry{dtRef, path, ref})
			}
			return
		}
		for k, el := range v {
			flattenIndex(out, path+"."+k, el)
		}
	case string:
		out.add(IndexEntry{dtStr, path, v})
	case json.Number:
		if i, err := v.Int64(); err == nil {
			out.add(IndexEntry{dtInt, path, i})
		} else if f, err := v.Float64(); err == nil {
			out.add(IndexEntry{dtFloat, path, f})
		}
	case int:
		out.add(IndexEntry{dtInt, path, int64(v)})
	case int64:
		out.add(IndexEntry{dtInt, path, v})
	case float64:
		out.add(IndexEntry{dtFloat, path, v})
	case bool:
		out.add(IndexEntry{dtBoolean, path, v})
	}
}

// ComputeIndex is computeRawIndex under the store's indexing policy:
// booleans, empty strings and float values are not indexed.
func ComputeIndex(doc api.Document) IndexSet {
	raw := computeRawIndex(doc)
	out := make(IndexSet, len(raw))
	for e := range raw {
		if e.Datatype == dtBoolean || e.Datatype == dtFloat {
			continue
		}
		if s, ok := e.Value.(string); ok && s == "" {
			continue
		}
		out.add(e)
	}
	return out
}

// DiffIndex computes the entries to delete and insert when a document moves
// from old to new. With no old document everything is an insert. A type
// change is a total replacement: the whole old index is deleted and the
// whole new index inserted, deliberately skipping the set difference.
func DiffIndex(old, new api.Document) (deletes, inserts IndexSet) {
	newIndex := ComputeIndex(new)
	if old == nil {
		return IndexSet{}, newIndex
	}

	oldIndex := ComputeIndex(old)
	if old.TypeKey() != new.TypeKey() {
		return oldIndex, newIndex
	}

	deletes = make(IndexSet)
	for e := range oldIndex {
		if _, ok := newIndex[e]; !ok {
			deletes.add(e)
		}
	}
	inserts = make(IndexSet)
	for e := range newIndex {
		if _, ok := oldIndex[e]; !ok {
			inserts.add(e)
		}
	}
	return deletes, inserts
}
