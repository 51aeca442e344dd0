package store

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/openwiki/infobase/api"
	"github.com/openwiki/infobase/kv"
)

var propertyNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// SaveProcessor validates and coerces documents before they reach the write
// path: property names, arity, primitive coercion, reference resolution and
// the permission check. One processor handles one request, so documents
// created earlier in the same batch are visible to later ones.
type SaveProcessor struct {
	store  *Store
	author string // user key, empty for anonymous

	// permission checks are skipped during bootstrap and registration
	skipPermission bool

	// documents of this batch, for type lookups and reference resolution
	// before anything is committed
	batch map[string]api.Document
}

func (s *Store) NewSaveProcessor(author string, skipPermission bool) *SaveProcessor {
	return &SaveProcessor{
		store:          s,
		author:         author,
		skipPermission: skipPermission,
		batch:          make(map[string]api.Document),
	}
}

// ProcessMany validates a batch in order. Every returned document is safe to
// hand to SaveMany.
func (p *SaveProcessor) ProcessMany(ctx context.Context, docs []api.Document) ([]api.Document, error) {
	r := p.store.kv.Read()
	defer r.Close()

	out := make([]api.Document, 0, len(docs))
	for _, doc := range docs {
		d, err := p.process(ctx, r, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (p *SaveProcessor) Process(ctx context.Context, doc api.Document) (api.Document, error) {
	r := p.store.kv.Read()
	defer r.Close()
	return p.process(ctx, r, doc)
}

func (p *SaveProcessor) process(ctx context.Context, r kv.Read, doc api.Document) (api.Document, error) {
	key := doc.Key()
	if key == "" || !strings.HasPrefix(key, "/") {
		return nil, api.BadData("invalid key", key, "key", doc["key"])
	}
	typeKey := doc.TypeKey()
	if typeKey == "" {
		if s, ok := doc["type"].(string); ok {
			typeKey = s
			doc = doc.Copy()
			doc["type"] = api.NewReference(s)
		} else {
			return nil, api.BadData("missing type", key, "type", doc["type"])
		}
	}

	if !p.skipPermission {
		ok, err := p.store.hasPermission(ctx, r, p.author, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, api.PermissionDenied(key)
		}
	}

	typeDoc, err := p.lookupDoc(ctx, r, typeKey)
	if err != nil {
		return nil, err
	}
	if typeDoc == nil {
		return nil, api.NotFound(typeKey)
	}

	out, err := p.validateDoc(ctx, r, key, "", doc, typeDoc)
	if err != nil {
		return nil, err
	}
	p.batch[key] = out
	return out, nil
}

// lookupDoc resolves a key against the current batch first, then storage.
func (p *SaveProcessor) lookupDoc(ctx context.Context, r kv.Read, key string) (api.Document, error) {
	if d, ok := p.batch[key]; ok {
		return d, nil
	}
	t, err := loadThing(ctx, r, key)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}
	return loadDoc(ctx, r, t.ID, t.Revision)
}

// validateDoc checks every property of doc against its type schema. at is
// the dotted path from the root document, used in error messages for
// embedded objects.
func (p *SaveProcessor) validateDoc(ctx context.Context, r kv.Read, key, at string, doc api.Document, typeDoc api.Document) (api.Document, error) {
	out := make(api.Document, len(doc))
	for name, value := range doc {
		path := name
		if at != "" {
			path = at + "." + name
		}
		if name == "key" || name == "type" {
			out[name] = value
			continue
		}
		if volatileProperties[name] {
			continue
		}
		if !propertyNameRe.MatchString(name) {
			return nil, api.BadData("invalid property name", key, path, name)
		}

		prop := typeProperty(typeDoc, name)
		if prop == nil {
			// undeclared properties pass through with inferred datatypes
			out[name] = value
			continue
		}

		expected, _ := api.Reference(prop["expected_type"])
		unique := propUnique(prop)

		if unique {
			if _, isList := value.([]interface{}); isList {
				return nil, api.BadData("expected a single value", key, path, value)
			}
			v, err := p.coerce(ctx, r, key, path, value, expected)
			if err != nil {
				return nil, err
			}
			out[name] = v
			continue
		}

		list, isList := value.([]interface{})
		if !isList {
			list = []interface{}{value}
		}
		coerced := make([]interface{}, len(list))
		for i, el := range list {
			v, err := p.coerce(ctx, r, key, path, el, expected)
			if err != nil {
				return nil, err
			}
			coerced[i] = v
		}
		out[name] = coerced
	}
	return out, nil
}

// propUnique reads the unique flag of a property record; absent means true.
func propUnique(prop api.Document) bool {
	switch v := prop["unique"].(type) {
	case bool:
		return v
	case string:
		return v != "false"
	}
	return true
}

// coerce converts one value to the expected primitive type or resolves it
// as a reference. Lossless conversions only: "42" becomes the int 42 but
// 4.5 never becomes 4.
func (p *SaveProcessor) coerce(ctx context.Context, r kv.Read, key, path string, value interface{}, expected string) (interface{}, error) {
	if expected == "" {
		return value, nil
	}
	switch expected {
	case "/type/int":
		return coerceInt(key, path, value)
	case "/type/float":
		return coerceFloat(key, path, value)
	case "/type/boolean":
		return coerceBool(key, path, value)
	case "/type/string", "/type/text", "/type/key":
		if s, ok := value.(string); ok {
			return s, nil
		}
		return nil, api.TypeMismatch(expected, describeValue(value), key, path)
	case "/type/datetime":
		return coerceDatetime(key, path, value)
	}
	return p.coerceRef(ctx, r, key, path, value, expected)
}

func coerceInt(key, path string, value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v == float64(int64(v)) {
			return int64(v), nil
		}
	case string:
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i, nil
		}
	}
	return nil, api.TypeMismatch("/type/int", describeValue(value), key, path)
}

func coerceFloat(key, path string, value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f, nil
		}
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f, nil
		}
	}
	return nil, api.TypeMismatch("/type/float", describeValue(value), key, path)
}

func coerceBool(key, path string, value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		if v == "true" {
			return true, nil
		}
		if v == "false" {
			return false, nil
		}
	case json.Number:
		if i, err := v.Int64(); err == nil && (i == 0 || i == 1) {
			return i == 1, nil
		}
	}
	return nil, api.TypeMismatch("/type/boolean", describeValue(value), key, path)
}

func coerceDatetime(key, path string, value interface{}) (interface{}, error) {
	if s, ok := value.(string); ok {
		return map[string]interface{}{"type": "/type/datetime", "value": s}, nil
	}
	if m, ok := value.(map[string]interface{}); ok {
		if _, ok := m["value"].(string); ok {
			return m, nil
		}
	}
	return nil, api.TypeMismatch("/type/datetime", describeValue(value), key, path)
}

// coerceRef resolves a reference-valued property. Embeddable types take the
// object inline, recursively validated; everything else stores a reference
// and requires the target to exist with the expected type.
func (p *SaveProcessor) coerceRef(ctx context.Context, r kv.Read, key, path string, value interface{}, expected string) (interface{}, error) {
	expectedDoc, err := p.lookupDoc(ctx, r, expected)
	if err != nil {
		return nil, err
	}
	if expectedDoc == nil {
		return nil, api.NotFound(expected)
	}

	if kind, _ := expectedDoc["kind"].(string); kind == "embeddable" {
		m, ok := value.(map[string]interface{})
		if !ok {
			return nil, api.TypeMismatch(expected, describeValue(value), key, path)
		}
		return m, p.validateEmbedded(ctx, r, key, path, api.Document(m), expectedDoc)
	}

	refKey := ""
	if s, ok := value.(string); ok {
		refKey = s
	} else if k, ok := api.Reference(value); ok {
		refKey = k
	} else {
		return nil, api.TypeMismatch(expected, describeValue(value), key, path)
	}

	target, err := p.lookupDoc(ctx, r, refKey)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, &api.Error{Kind: api.KindNotFound, Message: "not found", Key: refKey, At: path}
	}
	if expected != "/type/object" && target.TypeKey() != expected {
		return nil, api.TypeMismatch(expected, target.TypeKey(), key, path)
	}
	return api.NewReference(refKey), nil
}

func (p *SaveProcessor) validateEmbedded(ctx context.Context, r kv.Read, key, at string, doc, typeDoc api.Document) error {
	for name, value := range doc {
		path := at + "." + name
		if name == "type" {
			continue
		}
		if !propertyNameRe.MatchString(name) {
			return api.BadData("invalid property name", key, path, name)
		}
		prop := typeProperty(typeDoc, name)
		if prop == nil {
			continue
		}
		expected, _ := api.Reference(prop["expected_type"])
		if _, err := p.coerce(ctx, r, key, path, value, expected); err != nil {
			return err
		}
	}
	return nil
}

func describeValue(v interface{}) string {
	switch v := v.(type) {
	case string:
		return "/type/string"
	case bool:
		return "/type/boolean"
	case json.Number:
		if _, err := v.Int64(); err == nil {
			return "/type/int"
		}
		return "/type/float"
	case int, int64:
		return "/type/int"
	case float64:
		return "/type/float"
	case []interface{}:
		return "list"
	case map[string]interface{}:
		if _, ok := api.Reference(v); ok {
			return "reference"
		}
		return "object"
	case nil:
		return "null"
	}
	return "unknown"
}

// hasPermission walks the permission chain for a key: the thing's own
// permission object if it exists, else the nearest ancestor's
// child_permission. A missing chain leaves the wiki open.
func (s *Store) hasPermission(ctx context.Context, r kv.Read, author, key string) (bool, error) {
	if author == "/user/admin" {
		return true, nil
	}

	perm, err := s.findPermission(ctx, r, key)
	if err != nil {
		return false, err
	}
	if perm == nil {
		return true, nil
	}

	writers, _ := perm["writers"].([]interface{})
	for _, w := range writers {
		group, ok := api.Reference(w)
		if !ok {
			continue
		}
		ok, err := s.inGroup(ctx, r, author, group)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) findPermission(ctx context.Context, r kv.Read, key string) (api.Document, error) {
	docPermission := func(k string, prop string) (api.Document, error) {
		t, err := loadThing(ctx, r, k)
		if err != nil || t == nil {
			return nil, err
		}
		doc, err := loadDoc(ctx, r, t.ID, t.Revision)
		if err != nil || doc == nil {
			return nil, err
		}
		permKey, ok := api.Reference(doc[prop])
		if !ok {
			return nil, nil
		}
		pt, err := loadThing(ctx, r, permKey)
		if err != nil || pt == nil {
			return nil, err
		}
		return loadDoc(ctx, r, pt.ID, pt.Revision)
	}

	if perm, err := docPermission(key, "permission"); perm != nil || err != nil {
		return perm, err
	}
	for k := parentKey(key); ; k = parentKey(k) {
		if perm, err := docPermission(k, "child_permission"); perm != nil || err != nil {
			return perm, err
		}
		if perm, err := docPermission(k, "permission"); perm != nil || err != nil {
			return perm, err
		}
		if k == "/" {
			return nil, nil
		}
	}
}

func parentKey(key string) string {
	if i := strings.LastIndex(key, "/"); i > 0 {
		return key[:i]
	}
	return "/"
}

// inGroup checks usergroup membership. The everyone group admits anyone,
// allusers admits any authenticated user.
func (s *Store) inGroup(ctx context.Context, r kv.Read, author, group string) (bool, error) {
	switch group {
	case "/usergroup/everyone":
		return true, nil
	case "/usergroup/allusers":
		return author != "", nil
	}
	if author == "" {
		return false, nil
	}

	t, err := loadThing(ctx, r, group)
	if err != nil || t == nil {
		return false, err
	}
	doc, err := loadDoc(ctx, r, t.ID, t.Revision)
	if err != nil || doc == nil {
		return false, err
	}
	members, _ := doc["members"].([]interface{})
	for _, m := range members {
		if k, ok := api.Reference(m); ok && k == author {
			return true, nil
		}
	}
	return false, nil
}
