package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openwiki/infobase/api"
)

func process(t *testing.T, s *Store, author string, doc api.Document) (api.Document, error) {
	t.Helper()
	return s.NewSaveProcessor(author, false).Process(context.Background(), doc)
}

func TestProcessCoercesPrimitives(t *testing.T) {
	s := newTestStore(t)
	pageType(t, s)

	doc, err := process(t, s, "/user/admin", api.Document{
		"key":       "/page/a",
		"type":      api.NewReference("/type/page"),
		"title":     "hello",
		"pagecount": "42",
	})
	require.NoError(t, err)
	require.EqualValues(t, 42, doc["pagecount"])
}

func TestProcessRejectsLossyCoercion(t *testing.T) {
	s := newTestStore(t)
	pageType(t, s)

	_, err := process(t, s, "/user/admin", api.Document{
		"key":       "/page/a",
		"type":      api.NewReference("/type/page"),
		"pagecount": 4.5,
	})
	require.Error(t, err)
	require.Equal(t, api.KindTypeMismatch, api.KindOf(err))
}

func TestProcessRejectsInvalidPropertyName(t *testing.T) {
	s := newTestStore(t)
	pageType(t, s)

	_, err := process(t, s, "/user/admin", api.Document{
		"key":     "/page/a",
		"type":    api.NewReference("/type/page"),
		"BadName": "x",
	})
	require.Error(t, err)
	require.Equal(t, api.KindBadData, api.KindOf(err))
}

func TestProcessArity(t *testing.T) {
	s := newTestStore(t)
	pageType(t, s)

	// list given for a unique property
	_, err := process(t, s, "/user/admin", api.Document{
		"key":   "/page/a",
		"type":  api.NewReference("/type/page"),
		"title": []interface{}{"one", "two"},
	})
	require.Error(t, err)

	// scalar given for a list property gets wrapped
	doc, err := process(t, s, "/user/admin", api.Document{
		"key":  "/page/a",
		"type": api.NewReference("/type/page"),
		"tags": "solo",
	})
	require.NoError(t, err)
	require.Equal(t, []interface{}{"solo"}, doc["tags"])
}

func TestProcessResolvesReferences(t *testing.T) {
	s := newTestStore(t)
	seedBooks(t, s)

	// string keys become references
	doc, err := process(t, s, "/user/admin", api.Document{
		"key":    "/b/new",
		"type":   api.NewReference("/type/book"),
		"author": "/a/twain",
	})
	require.NoError(t, err)
	require.Equal(t, api.NewReference("/a/twain"), doc["author"])

	// dangling references carry key and path
	_, err = process(t, s, "/user/admin", api.Document{
		"key":    "/b/new",
		"type":   api.NewReference("/type/book"),
		"author": "/a/nobody",
	})
	var apiErr *api.Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, api.KindNotFound, apiErr.Kind)
	require.Equal(t, "/a/nobody", apiErr.Key)
	require.Equal(t, "author", apiErr.At)

	// wrong target type
	_, err = process(t, s, "/user/admin", api.Document{
		"key":    "/b/new",
		"type":   api.NewReference("/type/book"),
		"author": "/b/sawyer",
	})
	require.Equal(t, api.KindTypeMismatch, api.KindOf(err))
}

func TestPermissionWalk(t *testing.T) {
	s := newTestStore(t)
	pageType(t, s)

	// root child_permission is open, so anonymous writes pass anywhere
	// without a more specific permission
	_, err := process(t, s, "", api.Document{
		"key":  "/page/free",
		"type": api.NewReference("/type/page"),
	})
	require.NoError(t, err)

	// the root object itself is restricted to admins
	_, err = process(t, s, "", api.Document{
		"key":  "/",
		"type": api.NewReference("/type/object"),
	})
	require.Equal(t, api.KindPermissionDenied, api.KindOf(err))

	_, err = process(t, s, "/user/admin", api.Document{
		"key":  "/",
		"type": api.NewReference("/type/object"),
	})
	require.NoError(t, err)
}

func TestPermissionProtectedSubtree(t *testing.T) {
	s := newTestStore(t)
	pageType(t, s)

	_, _, err := s.SaveMany(context.Background(), SaveRequest{
		Author: "/user/admin",
		Docs: []api.Document{{
			"key":        "/locked",
			"type":       api.NewReference("/type/object"),
			"permission": api.NewReference("/permission/restricted"),
		}},
	})
	require.NoError(t, err)

	_, err = process(t, s, "", api.Document{
		"key":  "/locked",
		"type": api.NewReference("/type/object"),
	})
	require.Equal(t, api.KindPermissionDenied, api.KindOf(err))

	_, err = process(t, s, "/user/admin", api.Document{
		"key":  "/locked",
		"type": api.NewReference("/type/object"),
	})
	require.NoError(t, err)
}

func TestWriteCreateUnlessExists(t *testing.T) {
	s := newTestStore(t)
	pageType(t, s)

	results, _, err := s.Write(context.Background(), WriteRequest{
		Author: "/user/admin",
		Query: map[string]interface{}{
			"create": "unless_exists",
			"key":    "/page/a",
			"type":   "/type/page",
			"title":  "fresh",
		},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.EqualValues(t, 1, results[0].Revision)

	// second run finds the page and changes nothing
	results, _, err = s.Write(context.Background(), WriteRequest{
		Author: "/user/admin",
		Query: map[string]interface{}{
			"create": "unless_exists",
			"key":    "/page/a",
			"type":   "/type/page",
			"title":  "fresh",
		},
	})
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestWriteConnectDirectives(t *testing.T) {
	s := newTestStore(t)
	pageType(t, s)
	savePage(t, s, "/page/a", map[string]interface{}{
		"title": "before",
		"tags":  []interface{}{"old"},
	})

	results, _, err := s.Write(context.Background(), WriteRequest{
		Author: "/user/admin",
		Query: map[string]interface{}{
			"key":   "/page/a",
			"title": map[string]interface{}{"connect": "update", "value": "after"},
			"tags":  map[string]interface{}{"connect": "insert", "value": "new"},
		},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	doc, err := s.Get(context.Background(), "/page/a", 0)
	require.NoError(t, err)
	require.Equal(t, "after", doc["title"])
	require.ElementsMatch(t, []interface{}{"old", "new"}, doc["tags"])

	// insert is idempotent, delete removes
	_, _, err = s.Write(context.Background(), WriteRequest{
		Author: "/user/admin",
		Query: map[string]interface{}{
			"key":  "/page/a",
			"tags": map[string]interface{}{"connect": "insert", "value": "new"},
		},
	})
	require.NoError(t, err)

	results, _, err = s.Write(context.Background(), WriteRequest{
		Author: "/user/admin",
		Query: map[string]interface{}{
			"key":  "/page/a",
			"tags": map[string]interface{}{"connect": "delete", "value": "old"},
		},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	doc, err = s.Get(context.Background(), "/page/a", 0)
	require.NoError(t, err)
	require.Equal(t, []interface{}{"new"}, doc["tags"])
}

func TestWriteNestedCreate(t *testing.T) {
	s := newTestStore(t)
	seedBooks(t, s)

	// the referenced author is created before the book referencing it
	results, _, err := s.Write(context.Background(), WriteRequest{
		Author: "/user/admin",
		Query: map[string]interface{}{
			"create": "unless_exists",
			"key":    "/b/mysterious",
			"type":   "/type/book",
			"title":  "The Mysterious Island",
			"author": map[string]interface{}{
				"create": "unless_exists",
				"key":    "/a/new-author",
				"type":   "/type/author",
				"name":   "New Author",
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "/a/new-author", results[0].Key)
	require.Equal(t, "/b/mysterious", results[1].Key)

	doc, err := s.Get(context.Background(), "/b/mysterious", 0)
	require.NoError(t, err)
	require.Equal(t, api.NewReference("/a/new-author"), doc["author"])
}

func TestWriteMissingObjectWithoutCreate(t *testing.T) {
	s := newTestStore(t)
	pageType(t, s)

	_, _, err := s.Write(context.Background(), WriteRequest{
		Author: "/user/admin",
		Query: map[string]interface{}{
			"key":   "/page/nope",
			"title": map[string]interface{}{"connect": "update", "value": "x"},
		},
	})
	require.True(t, api.IsNotFound(err))
}
