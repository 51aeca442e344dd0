package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openwiki/infobase/api"
)

func TestGlobMatch(t *testing.T) {
	require.True(t, globMatch("Tom*", "Tom Sawyer"))
	require.True(t, globMatch("*Sawyer", "Tom Sawyer"))
	require.True(t, globMatch("T*S*", "Tom Sawyer"))
	require.True(t, globMatch("Tom Sawyer", "Tom Sawyer"))
	require.True(t, globMatch("*", "anything"))
	require.False(t, globMatch("Tom*", "Huck Finn"))
	require.False(t, globMatch("tom*", "Tom Sawyer"))
}

func TestCompareValuesNumericCoercion(t *testing.T) {
	require.Zero(t, compareValues(int64(3), float64(3)))
	require.Zero(t, compareValues(json.Number("3"), int64(3)))
	require.Negative(t, compareValues(int64(2), json.Number("2.5")))
	require.Positive(t, compareValues(float64(10), int64(9)))
	require.Zero(t, compareValues("abc", "abc"))
	require.Negative(t, compareValues("abc", "abd"))
}

func TestCompareValuesReferences(t *testing.T) {
	require.Zero(t, compareValues(api.NewReference("/a/1"), "/a/1"))
}

func TestDocMatchesLists(t *testing.T) {
	doc := api.Document{
		"key":  "/b/1",
		"type": api.NewReference("/type/book"),
		"tags": []interface{}{"scifi", "classic"},
	}

	require.True(t, docMatches(doc, condition{"tags", "=", "scifi"}))
	require.False(t, docMatches(doc, condition{"tags", "=", "fantasy"}))
	// for lists, != means no element equals
	require.False(t, docMatches(doc, condition{"tags", "!=", "scifi"}))
	require.True(t, docMatches(doc, condition{"tags", "!=", "fantasy"}))
	// absent property never matches
	require.False(t, docMatches(doc, condition{"subject", "=", "x"}))
}

func TestFirstValue(t *testing.T) {
	doc := api.Document{
		"title": "Dune",
		"tags":  []interface{}{"scifi", "classic"},
		"dimensions": map[string]interface{}{
			"height": json.Number("21"),
		},
	}
	require.Equal(t, "Dune", firstValue(doc, "title"))
	require.Equal(t, "scifi", firstValue(doc, "tags"))
	require.Equal(t, json.Number("21"), firstValue(doc, "dimensions.height"))
	require.Nil(t, firstValue(doc, "missing.path"))
}

func TestParseConditionOperators(t *testing.T) {
	for key, want := range map[string]condition{
		"title":   {"title", "=", nil},
		"title~":  {"title", "~", nil},
		"pages<":  {"pages", "<", nil},
		"pages<=": {"pages", "<=", nil},
		"pages>":  {"pages", ">", nil},
		"pages>=": {"pages", ">=", nil},
		"title!=": {"title", "!=", nil},
	} {
		got := parseCondition(key, nil)
		require.Equal(t, want, got, key)
	}
}
