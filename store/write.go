package store

import (
	"context"

	"github.com/openwiki/infobase/api"
	"github.com/openwiki/infobase/kv"
)

// WriteRequest is one legacy-style write query: a tree of objects where
// nested objects may be created on the fly and properties may carry connect
// directives instead of plain values.
type WriteRequest struct {
	Author  string
	IP      string
	Comment string
	Query   interface{} // one object or a list of objects
}

// writeAction is one object of the query after serialization, in apply
// order. Nested objects come before the objects referencing them.
type writeAction struct {
	key    string
	create string // "", "unless_exists"
	props  api.Document
}

// Write executes a write query: nested creates first, then connect
// directives against the existing documents, all committed as one
// changeset. Objects that end up unchanged produce no new revision.
func (s *Store) Write(ctx context.Context, req WriteRequest) ([]api.SaveResult, *api.Changeset, error) {
	actions, err := serializeQuery(req.Query)
	if err != nil {
		return nil, nil, err
	}
	if len(actions) == 0 {
		return nil, nil, nil
	}

	r := s.kv.Read()
	proc := s.NewSaveProcessor(req.Author, false)

	var docs []api.Document
	for _, a := range actions {
		doc, err := s.applyAction(ctx, r, proc, a)
		if err != nil {
			r.Close()
			return nil, nil, err
		}
		if doc == nil {
			continue // unless_exists on an existing object with no edits
		}
		out, err := proc.process(ctx, r, doc)
		if err != nil {
			r.Close()
			return nil, nil, err
		}
		docs = append(docs, out)
	}
	r.Close()

	if len(docs) == 0 {
		return nil, nil, nil
	}
	return s.SaveMany(ctx, SaveRequest{
		Kind:    "update",
		Author:  req.Author,
		IP:      req.IP,
		Comment: req.Comment,
		Docs:    docs,
	})
}

// serializeQuery flattens the query tree into apply order. Nested creatable
// objects are emitted before their parent and replaced by references in the
// parent's properties.
func serializeQuery(q interface{}) ([]writeAction, error) {
	var out []writeAction
	switch q := q.(type) {
	case []interface{}:
		for _, el := range q {
			m, ok := el.(map[string]interface{})
			if !ok {
				return nil, api.BadData("expected an object", "", "", el)
			}
			var err error
			out, err = serializeObject(out, m)
			if err != nil {
				return nil, err
			}
		}
	case map[string]interface{}:
		return serializeObject(out, q)
	default:
		return nil, api.BadData("expected an object or a list", "", "", q)
	}
	return out, nil
}

func serializeObject(out []writeAction, m map[string]interface{}) ([]writeAction, error) {
	key, _ := m["key"].(string)
	if key == "" {
		return nil, api.BadData("missing key", "", "key", m["key"])
	}
	create, _ := m["create"].(string)

	a := writeAction{key: key, create: create, props: make(api.Document)}
	for name, value := range m {
		if name == "create" {
			continue
		}
		var err error
		out, value, err = serializeValue(out, value)
		if err != nil {
			return nil, err
		}
		a.props[name] = value
	}
	return append(out, a), nil
}

// serializeValue rewrites one property value, lifting nested creates out
// into their own actions.
func serializeValue(out []writeAction, value interface{}) ([]writeAction, interface{}, error) {
	switch v := value.(type) {
	case []interface{}:
		rewritten := make([]interface{}, len(v))
		for i, el := range v {
			var err error
			out, rewritten[i], err = serializeValue(out, el)
			if err != nil {
				return nil, nil, err
			}
		}
		return out, rewritten, nil
	case map[string]interface{}:
		if _, isConnect := v["connect"]; isConnect {
			return out, v, nil
		}
		if _, hasCreate := v["create"]; hasCreate {
			key, _ := v["key"].(string)
			var err error
			out, err = serializeObject(out, v)
			if err != nil {
				return nil, nil, err
			}
			return out, api.NewReference(key), nil
		}
		return out, v, nil
	}
	return out, value, nil
}

// applyAction merges one action with the current state of its object. A nil
// document means nothing needs saving.
func (s *Store) applyAction(ctx context.Context, r kv.Read, proc *SaveProcessor, a writeAction) (api.Document, error) {
	existing, err := proc.lookupDoc(ctx, r, a.key)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		if a.create == "" {
			return nil, api.NotFound(a.key)
		}
		doc := make(api.Document, len(a.props))
		doc["key"] = a.key
		for name, value := range a.props {
			v, err := resolveDirective(nil, value)
			if err != nil {
				return nil, &api.Error{Kind: api.KindBadData, Message: err.Error(), Key: a.key, At: name}
			}
			doc[name] = v
		}
		return doc, nil
	}

	if a.create != "" && !hasDirectives(a.props) {
		// unless_exists with nothing to change
		return nil, nil
	}

	doc := existing.Copy()
	for k := range volatileProperties {
		delete(doc, k)
	}
	doc["key"] = a.key
	for name, value := range a.props {
		if name == "key" {
			continue
		}
		v, err := resolveDirective(doc[name], value)
		if err != nil {
			return nil, &api.Error{Kind: api.KindBadData, Message: err.Error(), Key: a.key, At: name}
		}
		if v == nil {
			delete(doc, name)
		} else {
			doc[name] = v
		}
	}
	return doc, nil
}

// hasDirectives reports whether any property beyond key and type carries a
// value, i.e. whether an unless_exists hit still has edits to apply.
func hasDirectives(props api.Document) bool {
	for name := range props {
		if name != "key" && name != "type" && name != "create" {
			return true
		}
	}
	return false
}

type directiveError string

func (e directiveError) Error() string { return string(e) }

// resolveDirective computes the new value of a property from its current
// value and a query value. Plain values replace; connect directives edit.
func resolveDirective(current, value interface{}) (interface{}, error) {
	m, ok := value.(map[string]interface{})
	if !ok {
		return value, nil
	}
	connect, ok := m["connect"].(string)
	if !ok {
		return value, nil
	}

	v := m["value"]
	if k, ok := m["key"].(string); ok && v == nil {
		v = api.NewReference(k)
	}

	switch connect {
	case "update":
		return v, nil
	case "update_list":
		if l, ok := v.([]interface{}); ok {
			return l, nil
		}
		if v == nil {
			return []interface{}{}, nil
		}
		return []interface{}{v}, nil
	case "insert":
		list, _ := current.([]interface{})
		for _, el := range list {
			if compareValues(el, v) == 0 {
				return list, nil
			}
		}
		return append(list, v), nil
	case "delete":
		list, ok := current.([]interface{})
		if !ok {
			if current != nil && compareValues(current, v) == 0 {
				return nil, nil
			}
			return current, nil
		}
		out := make([]interface{}, 0, len(list))
		for _, el := range list {
			if compareValues(el, v) != 0 {
				out = append(out, el)
			}
		}
		return out, nil
	}
	return nil, directiveError("unknown connect directive: " + connect)
}
