package store

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/openwiki/infobase/api"
	"github.com/openwiki/infobase/kv"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

type condition struct {
	name  string
	op    string // "=", "!=", "<", "<=", ">", ">=", "~"
	value interface{}
}

type thingsQuery struct {
	typ        string
	conditions []condition
	sort       string
	limit      int
	offset     int
}

var opSuffixes = []string{"!=", "<=", ">=", "<", ">", "~", "="}

func parseCondition(key string, value interface{}) condition {
	for _, op := range opSuffixes {
		if strings.HasSuffix(key, op) {
			return condition{name: strings.TrimSuffix(key, op), op: op, value: value}
		}
	}
	return condition{name: key, op: "=", value: value}
}

// parseThingsQuery splits a query document into the type, the paging and
// sorting controls and the property conditions. Operators ride on the
// property name, e.g. "born>" or "title~".
func parseThingsQuery(q map[string]interface{}) (*thingsQuery, error) {
	out := &thingsQuery{limit: defaultLimit}
	for k, v := range q {
		switch k {
		case "type":
			if ref, ok := api.Reference(v); ok {
				out.typ = ref
			} else if s, ok := v.(string); ok {
				out.typ = s
			} else {
				return nil, api.BadData("invalid type", "", "type", v)
			}
		case "sort":
			s, ok := v.(string)
			if !ok {
				return nil, api.BadData("invalid sort", "", "sort", v)
			}
			out.sort = s
		case "limit":
			n, err := toInt(v)
			if err != nil {
				return nil, api.BadData("invalid limit", "", "limit", v)
			}
			out.limit = int(n)
		case "offset":
			n, err := toInt(v)
			if err != nil {
				return nil, api.BadData("invalid offset", "", "offset", v)
			}
			out.offset = int(n)
		default:
			out.conditions = append(out.conditions, parseCondition(k, v))
		}
	}
	if out.typ == "" {
		return nil, api.BadData("missing type", "", "type", nil)
	}
	if out.limit <= 0 || out.limit > maxLimit {
		out.limit = maxLimit
	}
	if out.offset < 0 {
		out.offset = 0
	}
	// deterministic condition order regardless of map iteration
	sort.Slice(out.conditions, func(i, j int) bool {
		return out.conditions[i].name < out.conditions[j].name
	})
	return out, nil
}

// Things returns the keys of the latest revisions matching the query.
// Conditions on a property nobody ever set match nothing; conditions whose
// type was never created match nothing either.
func (s *Store) Things(ctx context.Context, q map[string]interface{}) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	tq, err := parseThingsQuery(q)
	if err != nil {
		return nil, err
	}

	r := s.kv.Read()
	defer r.Close()

	typeThing, typeDoc, err := s.getType(ctx, r, tq.typ)
	if err != nil {
		return nil, err
	}
	if typeThing == nil {
		return []string{}, nil
	}

	ids, residual, err := s.candidateIDs(ctx, r, tq, typeThing.ID, typeDoc)
	if err != nil {
		return nil, err
	}
	if ids == nil {
		return []string{}, nil
	}

	matched, err := s.verifyCandidates(ctx, r, ids, residual, typeThing.ID)
	if err != nil {
		return nil, err
	}

	if err := s.sortThings(ctx, r, matched, tq.sort); err != nil {
		return nil, err
	}

	if tq.offset >= len(matched) {
		return []string{}, nil
	}
	matched = matched[tq.offset:]
	if len(matched) > tq.limit {
		matched = matched[:tq.limit]
	}

	keys := make([]string, len(matched))
	for i, m := range matched {
		keys[i] = m.t.Key
	}
	return keys, nil
}

type matchedThing struct {
	t   api.Thing
	doc api.Document // lazily loaded, only when needed for sorting
}

// candidateIDs drives the query off the intersection of all index-scannable
// conditions, falling back to the type membership index when none exists.
// Conditions a scan cannot answer come back as residual for per-candidate
// verification. A nil id set means the query provably matches nothing.
func (s *Store) candidateIDs(ctx context.Context, r kv.Read, tq *thingsQuery, typeID int64, typeDoc api.Document) (map[int64]bool, []condition, error) {
	var ids map[int64]bool
	var residual []condition
	driven := false

	for _, c := range tq.conditions {
		if c.op == "!=" || c.name == "key" {
			residual = append(residual, c)
			continue
		}
		set, usable, err := s.scanCondition(ctx, r, tq.typ, typeDoc, c)
		if err != nil {
			return nil, nil, err
		}
		if !usable {
			residual = append(residual, c)
			continue
		}
		driven = true
		if set == nil {
			return nil, nil, nil
		}
		if ids == nil {
			ids = set
		} else {
			for id := range ids {
				if !set[id] {
					delete(ids, id)
				}
			}
		}
		if len(ids) == 0 {
			return nil, nil, nil
		}
	}

	if driven {
		return ids, residual, nil
	}

	// no indexable condition: walk the type membership index
	ids = make(map[int64]bool)
	for kvp, err := range r.Iter(ctx, typeIndexPrefix(typeID), prefixEnd(typeIndexPrefix(typeID))) {
		if err != nil {
			return nil, nil, err
		}
		if id, ok := indexEntryID(kvp.K); ok {
			ids[id] = true
		}
	}
	return ids, residual, nil
}

// scanCondition turns one condition into a set of thing ids via an index
// range scan. usable=false means the condition cannot drive a scan (e.g.
// an unindexed datatype) and must be verified per candidate instead. A nil
// set with usable=true means nothing can match.
func (s *Store) scanCondition(ctx context.Context, r kv.Read, typ string, typeDoc api.Document, c condition) (set map[int64]bool, usable bool, err error) {
	value := c.value
	if ref, ok := api.Reference(value); ok {
		// reference conditions match on the target's id, which here means
		// the target key must exist at all
		t, err := loadThing(ctx, r, ref)
		if err != nil {
			return nil, false, err
		}
		if t == nil {
			return nil, true, nil
		}
		value = ref
	}

	datatype := findDatatype(typeDoc, c.name, c.value)
	table := s.schema.FindTable(typ, datatype, c.name)
	if table == "" {
		return nil, false, nil
	}

	pid, ok, err := s.pm.Lookup(ctx, r, tableGroup(table), c.name)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		// property never indexed, nothing can match
		return nil, true, nil
	}

	v, err := normalizeIndexValue(value)
	if err != nil {
		return nil, false, nil
	}

	prefix := indexPrefix(table, pid)
	var start, end []byte

	switch c.op {
	case "=":
		enc, err := encodeIndexValue(v)
		if err != nil {
			return nil, false, nil
		}
		start = append(append([]byte{}, prefix...), enc...)
		start = append(start, sep)
		end = prefixEnd(start)
	case "~":
		str, ok := v.(string)
		if !ok {
			return nil, false, nil
		}
		lit := str
		if i := strings.IndexByte(str, '*'); i >= 0 {
			lit = str[:i]
		}
		start = append(append([]byte{}, prefix...), encodeIndexValuePrefix(lit)...)
		end = prefixEnd(start)
	case "<", "<=":
		enc, err := encodeIndexValue(v)
		if err != nil {
			return nil, false, nil
		}
		start = prefix
		end = append(append([]byte{}, prefix...), enc...)
		if c.op == "<=" {
			end = append(end, sep)
			end = prefixEnd(end)
		}
	case ">", ">=":
		enc, err := encodeIndexValue(v)
		if err != nil {
			return nil, false, nil
		}
		start = append(append([]byte{}, prefix...), enc...)
		if c.op == ">" {
			start = append(start, sep)
			start = prefixEnd(start)
		}
		end = prefixEnd(prefix)
	default:
		return nil, false, nil
	}

	set = make(map[int64]bool)
	for kvp, err := range r.Iter(ctx, start, end) {
		if err != nil {
			return nil, false, err
		}
		if c.op == "~" {
			encVal, ok := indexEntryValue(kvp.K, prefix)
			if !ok {
				continue
			}
			dv, ok := decodeIndexValue(encVal)
			if !ok {
				continue
			}
			sv, ok := dv.(string)
			if !ok || !globMatch(v.(string), sv) {
				continue
			}
		}
		if id, ok := indexEntryID(kvp.K); ok {
			set[id] = true
		}
	}
	if len(set) == 0 {
		return nil, true, nil
	}
	return set, true, nil
}

// verifyCandidates loads each candidate's metadata, checks the type and any
// condition the driving scans could not answer, and drops dangling ids.
func (s *Store) verifyCandidates(ctx context.Context, r kv.Read, ids map[int64]bool, residual []condition, typeID int64) ([]matchedThing, error) {
	out := make([]matchedThing, 0, len(ids))
	for id := range ids {
		key, err := keyByID(ctx, r, id)
		if err != nil {
			if api.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		t, err := loadThing(ctx, r, key)
		if err != nil {
			return nil, err
		}
		if t == nil || t.ID != id || t.TypeID != typeID {
			continue
		}

		m := matchedThing{t: *t}
		ok := true
		for _, c := range residual {
			if c.name == "key" {
				if !matchKeyCondition(t.Key, c) {
					ok = false
					break
				}
				continue
			}
			if c.name == "created" || c.name == "last_modified" {
				when := t.Created
				if c.name == "last_modified" {
					when = t.LastModified
				}
				if !matchTimeCondition(when, c) {
					ok = false
					break
				}
				continue
			}
			if m.doc == nil {
				m.doc, err = loadDoc(ctx, r, t.ID, t.Revision)
				if err != nil {
					return nil, err
				}
			}
			if !docMatches(m.doc, c) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// matchTimeCondition compares an intrinsic timestamp against a condition
// value given either as a plain string or a datetime wrapper.
func matchTimeCondition(when time.Time, c condition) bool {
	raw, _ := normalizeScalar(c.value).(string)
	if m, ok := c.value.(map[string]interface{}); ok {
		if s, ok := m["value"].(string); ok {
			raw = s
		}
	}
	want, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		want, err = time.Parse("2006-01-02", raw)
		if err != nil {
			return false
		}
	}
	switch c.op {
	case "=":
		return when.Equal(want)
	case "!=":
		return !when.Equal(want)
	case "<":
		return when.Before(want)
	case "<=":
		return !when.After(want)
	case ">":
		return when.After(want)
	case ">=":
		return !when.Before(want)
	}
	return false
}

func matchKeyCondition(key string, c condition) bool {
	s, ok := c.value.(string)
	if !ok {
		return false
	}
	switch c.op {
	case "=":
		return key == s
	case "!=":
		return key != s
	case "~":
		return globMatch(s, key)
	}
	return false
}

// sortThings orders results by an intrinsic column or a document property.
// A leading "-" reverses; the default order is by key.
func (s *Store) sortThings(ctx context.Context, r kv.Read, matched []matchedThing, sortBy string) error {
	reverse := false
	if strings.HasPrefix(sortBy, "-") {
		reverse = true
		sortBy = sortBy[1:]
	}

	var less func(a, b *matchedThing) bool
	switch sortBy {
	case "", "key":
		less = func(a, b *matchedThing) bool { return a.t.Key < b.t.Key }
	case "created":
		less = func(a, b *matchedThing) bool { return a.t.Created.Before(b.t.Created) }
	case "last_modified":
		less = func(a, b *matchedThing) bool { return a.t.LastModified.Before(b.t.LastModified) }
	case "id":
		less = func(a, b *matchedThing) bool { return a.t.ID < b.t.ID }
	default:
		for i := range matched {
			if matched[i].doc == nil {
				doc, err := loadDoc(ctx, r, matched[i].t.ID, matched[i].t.Revision)
				if err != nil {
					return err
				}
				matched[i].doc = doc
			}
		}
		less = func(a, b *matchedThing) bool {
			return compareValues(firstValue(a.doc, sortBy), firstValue(b.doc, sortBy)) < 0
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if reverse {
			return less(&matched[j], &matched[i])
		}
		return less(&matched[i], &matched[j])
	})
	return nil
}

// VersionsQuery filters the changeset log.
type VersionsQuery struct {
	Key    string                 `json:"key,omitempty"`
	Author string                 `json:"author,omitempty"`
	IP     string                 `json:"ip,omitempty"`
	Kind   string                 `json:"kind,omitempty"`
	Bot    *bool                  `json:"bot,omitempty"`
	Data   map[string]interface{} `json:"data,omitempty"`
	Begin  time.Time              `json:"begin,omitempty"` // inclusive
	End    time.Time              `json:"end,omitempty"`   // exclusive
	Sort   string                 `json:"sort,omitempty"`  // "created" or "-created"; default newest first
	Limit  int                    `json:"limit,omitempty"`
	Offset int                    `json:"offset,omitempty"`
}

// Versions returns changesets newest first unless asked otherwise. Only
// anonymous changesets are findable by ip.
func (s *Store) Versions(ctx context.Context, q VersionsQuery) ([]api.Changeset, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	limit := q.Limit
	if limit <= 0 || limit > maxLimit {
		limit = maxLimit
	}

	r := s.kv.Read()
	defer r.Close()

	txids, err := s.changesetIDs(ctx, r, q)
	if err != nil {
		return nil, err
	}

	oldestFirst := q.Sort == "created"
	sort.Slice(txids, func(i, j int) bool {
		if oldestFirst {
			return txids[i] < txids[j]
		}
		return txids[i] > txids[j]
	})

	out := make([]api.Changeset, 0, limit)
	skipped := 0
	botCache := map[string]bool{}
	for _, txid := range txids {
		cs, err := s.loadChangeset(ctx, r, txid)
		if err != nil {
			return nil, err
		}
		if cs == nil || !changesetMatches(cs, q) {
			continue
		}
		if q.Bot != nil {
			bot, err := s.changesetBot(ctx, r, botCache, cs)
			if err != nil {
				return nil, err
			}
			if bot != *q.Bot {
				continue
			}
			cs.Bot = bot
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		out = append(out, *cs)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// changesetIDs picks the narrowest secondary index available; with no
// usable filter it walks the whole changeset log.
func (s *Store) changesetIDs(ctx context.Context, r kv.Read, q VersionsQuery) ([]int64, error) {
	var column string
	var value interface{}
	switch {
	case q.Key != "":
		column, value = "key", q.Key
	case q.Author != "":
		column, value = "author", q.Author
	case q.IP != "":
		column, value = "ip", q.IP
	case q.Kind != "":
		column, value = "kind", q.Kind
	default:
		// any one data field narrows the scan; the rest verify in memory
		for k, v := range q.Data {
			if iv, ok := changesetDataValue(v); ok {
				column, value = "data."+k, iv
				break
			}
		}
	}

	var out []int64
	if column != "" {
		enc, err := encodeIndexValue(value)
		if err != nil {
			return nil, err
		}
		prefix := changesetIndexPrefix(column, enc)
		for kvp, err := range r.Iter(ctx, prefix, prefixEnd(prefix)) {
			if err != nil {
				return nil, err
			}
			if id, ok := indexEntryID(kvp.K); ok {
				out = append(out, id)
			}
		}
		return out, nil
	}

	start := []byte{'c', sep}
	for kvp, err := range r.Iter(ctx, start, prefixEnd(start)) {
		if err != nil {
			return nil, err
		}
		if id, ok := indexEntryID(kvp.K); ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// changesetBot derives the bot flag of a changeset: the author's account
// record decides, falling back to what the edit claimed when the author has
// no account (anonymous edits, system users).
func (s *Store) changesetBot(ctx context.Context, r kv.Read, cache map[string]bool, cs *api.Changeset) (bool, error) {
	if cs.Author == "" {
		return cs.Bot, nil
	}
	if b, ok := cache[cs.Author]; ok {
		return b, nil
	}
	bot := cs.Bot
	t, err := loadThing(ctx, r, cs.Author)
	if err != nil {
		return false, err
	}
	if t != nil {
		b, err := r.Get(ctx, accountKey(t.ID))
		if err != nil {
			return false, err
		}
		if b != nil {
			var d api.UserDetails
			if err := deserializeStore(b, &d); err != nil {
				return false, err
			}
			bot = d.Bot
		}
	}
	cache[cs.Author] = bot
	return bot, nil
}

func (s *Store) loadChangeset(ctx context.Context, r kv.Read, txid int64) (*api.Changeset, error) {
	b, err := r.Get(ctx, changesetKey(txid))
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, nil
	}
	var cs api.Changeset
	if err := deserializeStore(b, &cs); err != nil {
		return nil, err
	}
	return &cs, nil
}

func changesetMatches(cs *api.Changeset, q VersionsQuery) bool {
	if q.Key != "" {
		found := false
		for _, c := range cs.Changes {
			if c.Key == q.Key {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Author != "" && cs.Author != q.Author {
		return false
	}
	if q.IP != "" && (cs.Author != "" || cs.IP != q.IP) {
		return false
	}
	if q.Kind != "" && cs.Kind != q.Kind {
		return false
	}
	if !q.Begin.IsZero() && cs.Created.Before(q.Begin) {
		return false
	}
	if !q.End.IsZero() && !cs.Created.Before(q.End) {
		return false
	}
	for k, want := range q.Data {
		got, ok := cs.Data[k]
		if !ok || compareValues(got, want) != 0 {
			return false
		}
	}
	return true
}
