package store

import (
	"fmt"
	"strings"
	"sync"
)

type schemaEntry struct {
	table    string
	typ      string // "" matches any type
	datatype string // "" matches any datatype
	name     string // "" matches any property name
}

type sequence struct {
	typ     string
	pattern string
	name    string
}

// Schema routes (type, datatype, property name) triples to index tables.
// Tables here name key-space prefixes, not SQL tables. Hot types get
// dedicated table groups; everything else falls back to datum_<datatype>.
type Schema struct {
	mu         sync.Mutex
	entries    []schemaEntry
	sequences  map[string]sequence
	prefixes   map[string]bool
	tableCache map[[3]string]string
}

func NewSchema() *Schema {
	return &Schema{
		sequences:  make(map[string]sequence),
		prefixes:   map[string]bool{"datum": true},
		tableCache: make(map[[3]string]string),
	}
}

func (s *Schema) AddEntry(table, typ, datatype, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, schemaEntry{table, typ, datatype, name})
	s.tableCache = make(map[[3]string]string)
}

// AddTableGroup routes all indexed datatypes of one type into tables named
// <prefix>_<datatype>, reducing fan-out for hot types.
func (s *Schema) AddTableGroup(prefix, typ string, datatypes ...string) {
	if len(datatypes) == 0 {
		datatypes = indexedDatatypes
	}
	for _, d := range datatypes {
		s.AddEntry(prefix+"_"+d, typ, d, "")
	}
	s.mu.Lock()
	s.prefixes[prefix] = true
	s.mu.Unlock()
}

// AddSequence registers a key-generation pattern for a type, e.g. "/b/%d".
func (s *Schema) AddSequence(typ, pattern string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// "/type/page" becomes "type_page_seq"
	name := strings.ReplaceAll(strings.TrimPrefix(typ, "/"), "/", "_") + "_seq"
	s.sequences[typ] = sequence{typ: typ, pattern: pattern, name: name}
}

func (s *Schema) Sequence(typ string) (sequence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.sequences[typ]
	return seq, ok
}

// FindTable resolves the index table for one (type, datatype, name) triple.
// Resolution order: most specific registered entry first, then the global
// datum_<datatype> fallback. Unknown datatypes return "".
func (s *Schema) FindTable(typ, datatype, name string) string {
	indexed := false
	for _, d := range indexedDatatypes {
		if d == datatype {
			indexed = true
			break
		}
	}
	if !indexed {
		return ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := [3]string{typ, datatype, name}
	if t, ok := s.tableCache[key]; ok {
		return t
	}

	match := func(a, b string) bool { return a == "" || a == b }
	table := "datum_" + datatype
	for _, e := range s.entries {
		if match(e.typ, typ) && match(e.datatype, datatype) && match(e.name, name) {
			table = e.table
			break
		}
	}
	s.tableCache[key] = table
	return table
}

func (s *Schema) FindTables(typ string) []string {
	out := make([]string, 0, len(indexedDatatypes))
	for _, d := range indexedDatatypes {
		out = append(out, s.FindTable(typ, d, ""))
	}
	return out
}

// tableGroup returns the property-id group of a table: "page_str" and
// "page_int" share the "page" group the way "datum_*" tables share "datum".
func tableGroup(table string) string {
	if i := strings.LastIndex(table, "_"); i > 0 {
		return table[:i]
	}
	return table
}

func (s *Schema) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	for _, e := range s.entries {
		fmt.Fprintf(&b, "%s\t%s\t%s\t%s\n", e.table, e.typ, e.datatype, e.name)
	}
	return b.String()
}
