package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openwiki/infobase/api"
)

func TestComputeIndexScalarsAndLists(t *testing.T) {
	idx := ComputeIndex(api.Document{
		"key":   "/b/1",
		"type":  api.NewReference("/type/book"),
		"title": "Dune",
		"pages": json.Number("412"),
		"tags":  []interface{}{"scifi", "classic"},
	})

	require.Contains(t, idx, IndexEntry{dtStr, "title", "Dune"})
	require.Contains(t, idx, IndexEntry{dtInt, "pages", int64(412)})
	require.Contains(t, idx, IndexEntry{dtStr, "tags", "scifi"})
	require.Contains(t, idx, IndexEntry{dtStr, "tags", "classic"})
	// intrinsics are not indexed
	require.NotContains(t, idx, IndexEntry{dtStr, "key", "/b/1"})
}

func TestComputeIndexReferences(t *testing.T) {
	idx := ComputeIndex(api.Document{
		"key":     "/b/1",
		"type":    api.NewReference("/type/book"),
		"author":  api.NewReference("/a/1"),
		"editors": []interface{}{api.NewReference("/a/2"), api.NewReference("/a/3")},
	})

	require.Contains(t, idx, IndexEntry{dtRef, "author", "/a/1"})
	require.Contains(t, idx, IndexEntry{dtRef, "editors", "/a/2"})
	require.Contains(t, idx, IndexEntry{dtRef, "editors", "/a/3"})
	// the type reference itself is skipped
	for e := range idx {
		require.NotEqual(t, "type", e.Property)
	}
}

func TestComputeIndexPolicyFilters(t *testing.T) {
	idx := ComputeIndex(api.Document{
		"key":      "/b/1",
		"type":     api.NewReference("/type/book"),
		"draft":    true,
		"weight":   1.5,
		"subtitle": "",
		"note":     nil,
	})
	require.Empty(t, idx)
}

func TestComputeIndexEmbeddedObjects(t *testing.T) {
	idx := ComputeIndex(api.Document{
		"key":  "/b/1",
		"type": api.NewReference("/type/book"),
		"dimensions": map[string]interface{}{
			"height": json.Number("21"),
			"unit":   "cm",
		},
		"born": map[string]interface{}{
			"type":  "/type/datetime",
			"value": "1920-01-02T00:00:00Z",
		},
	})

	require.Contains(t, idx, IndexEntry{dtInt, "dimensions.height", int64(21)})
	require.Contains(t, idx, IndexEntry{dtStr, "dimensions.unit", "cm"})
	// .value and .type leaves of rich values are never indexed
	require.Len(t, idx, 2)
}

func TestDiffIndexNoOld(t *testing.T) {
	deletes, inserts := DiffIndex(nil, api.Document{
		"key": "/b/1", "type": api.NewReference("/type/book"), "title": "Dune",
	})
	require.Empty(t, deletes)
	require.Contains(t, inserts, IndexEntry{dtStr, "title", "Dune"})
}

func TestDiffIndexSetDifference(t *testing.T) {
	old := api.Document{
		"key": "/b/1", "type": api.NewReference("/type/book"),
		"title": "Dune", "tags": []interface{}{"scifi", "classic"},
	}
	new := api.Document{
		"key": "/b/1", "type": api.NewReference("/type/book"),
		"title": "Dune Messiah", "tags": []interface{}{"scifi"},
	}

	deletes, inserts := DiffIndex(old, new)
	require.Contains(t, deletes, IndexEntry{dtStr, "title", "Dune"})
	require.Contains(t, deletes, IndexEntry{dtStr, "tags", "classic"})
	require.NotContains(t, deletes, IndexEntry{dtStr, "tags", "scifi"})
	require.Contains(t, inserts, IndexEntry{dtStr, "title", "Dune Messiah"})
	require.Len(t, inserts, 1)
}

func TestDiffIndexTypeChangeReplacesEverything(t *testing.T) {
	old := api.Document{
		"key": "/b/1", "type": api.NewReference("/type/book"), "title": "Dune",
	}
	new := api.Document{
		"key": "/b/1", "type": api.NewReference("/type/delete"), "title": "Dune",
	}

	deletes, inserts := DiffIndex(old, new)
	// unchanged values still move tables on a type change
	require.Contains(t, deletes, IndexEntry{dtStr, "title", "Dune"})
	require.Contains(t, inserts, IndexEntry{dtStr, "title", "Dune"})
}
