package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFindTableFallsBackToDatum(t *testing.T) {
	s := NewSchema()
	require.Equal(t, "datum_str", s.FindTable("/type/page", "str", "title"))
	require.Equal(t, "datum_int", s.FindTable("/type/page", "int", "pages"))
	require.Equal(t, "datum_ref", s.FindTable("/type/page", "ref", "author"))
}

func TestFindTableUnindexedDatatype(t *testing.T) {
	s := NewSchema()
	require.Equal(t, "", s.FindTable("/type/page", "float", "weight"))
	require.Equal(t, "", s.FindTable("/type/page", "boolean", "done"))
	require.Equal(t, "", s.FindTable("/type/page", "datetime", "born"))
}

func TestTableGroupRouting(t *testing.T) {
	s := NewSchema()
	s.AddTableGroup("book", "/type/book")

	require.Equal(t, "book_str", s.FindTable("/type/book", "str", "title"))
	require.Equal(t, "book_int", s.FindTable("/type/book", "int", "pages"))
	// other types keep the fallback
	require.Equal(t, "datum_str", s.FindTable("/type/page", "str", "title"))
}

func TestFindTableMostSpecificEntryWins(t *testing.T) {
	s := NewSchema()
	s.AddEntry("book_isbn", "/type/book", "str", "isbn")
	s.AddTableGroup("book", "/type/book")

	require.Equal(t, "book_isbn", s.FindTable("/type/book", "str", "isbn"))
	require.Equal(t, "book_str", s.FindTable("/type/book", "str", "title"))
}

func TestFindTableCacheInvalidation(t *testing.T) {
	s := NewSchema()
	require.Equal(t, "datum_str", s.FindTable("/type/book", "str", "title"))
	s.AddTableGroup("book", "/type/book")
	require.Equal(t, "book_str", s.FindTable("/type/book", "str", "title"))
}

func TestTableGroup(t *testing.T) {
	require.Equal(t, "datum", tableGroup("datum_str"))
	require.Equal(t, "book", tableGroup("book_int"))
	require.Equal(t, "plain", tableGroup("plain"))
}

func TestSequences(t *testing.T) {
	s := NewSchema()
	s.AddSequence("/type/book", "/b/%d")

	seq, ok := s.Sequence("/type/book")
	require.True(t, ok)
	require.Equal(t, "/b/%d", seq.pattern)
	require.Equal(t, "type_book_seq", seq.name)

	_, ok = s.Sequence("/type/page")
	require.False(t, ok)
}
