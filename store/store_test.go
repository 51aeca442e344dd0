package store

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/require"

	"github.com/openwiki/infobase/api"
	stream "github.com/openwiki/infobase/bus"
	"github.com/openwiki/infobase/kv"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := kv.NewMemPebble()
	require.NoError(t, err)

	bus, err := stream.NewSolo()
	require.NoError(t, err)

	logger := slog.New(tint.NewHandler(io.Discard, nil))
	s, err := New(db, NewSchema(), bus, logger, 1000)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.Initialize(context.Background(), ""))
	return s
}

func pageType(t *testing.T, s *Store) {
	t.Helper()
	_, _, err := s.SaveMany(context.Background(), SaveRequest{
		Kind:   "test-setup",
		Author: "/user/admin",
		Docs: []api.Document{{
			"key":  "/type/page",
			"type": api.NewReference("/type/type"),
			"properties": []interface{}{
				map[string]interface{}{
					"name":          "title",
					"expected_type": api.NewReference("/type/string"),
					"unique":        true,
				},
				map[string]interface{}{
					"name":          "pagecount",
					"expected_type": api.NewReference("/type/int"),
					"unique":        true,
				},
				map[string]interface{}{
					"name":          "tags",
					"expected_type": api.NewReference("/type/string"),
					"unique":        false,
				},
			},
		}},
	})
	require.NoError(t, err)
}

func savePage(t *testing.T, s *Store, key string, props map[string]interface{}) int64 {
	t.Helper()
	doc := api.Document{
		"key":  key,
		"type": api.NewReference("/type/page"),
	}
	for k, v := range props {
		doc[k] = v
	}
	res, err := s.Save(context.Background(), SaveRequest{Author: "/user/admin"}, doc)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res.Revision
}

func TestGetMissingKey(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "/nope", 0)
	require.True(t, api.IsNotFound(err))
}

func TestGetOldRevision(t *testing.T) {
	s := newTestStore(t)
	pageType(t, s)

	savePage(t, s, "/page/a", map[string]interface{}{"title": "first"})
	savePage(t, s, "/page/a", map[string]interface{}{"title": "second"})

	doc, err := s.Get(context.Background(), "/page/a", 1)
	require.NoError(t, err)
	require.Equal(t, "first", doc["title"])
	require.EqualValues(t, 2, doc["latest_revision"])

	latest, err := s.Get(context.Background(), "/page/a", 0)
	require.NoError(t, err)
	require.Equal(t, "second", latest["title"])
}

func TestGetBeyondLatestRevision(t *testing.T) {
	s := newTestStore(t)
	pageType(t, s)
	savePage(t, s, "/page/a", map[string]interface{}{"title": "x"})

	_, err := s.Get(context.Background(), "/page/a", 9)
	require.True(t, api.IsNotFound(err))
}

func TestGetMany(t *testing.T) {
	s := newTestStore(t)
	pageType(t, s)
	savePage(t, s, "/page/a", map[string]interface{}{"title": "a"})
	savePage(t, s, "/page/b", map[string]interface{}{"title": "b"})

	docs, err := s.GetMany(context.Background(), []string{"/page/a", "/page/b", "/page/missing"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, "a", docs["/page/a"]["title"])
	require.NotContains(t, docs, "/page/missing")
}

func TestCacheServesLatest(t *testing.T) {
	s := newTestStore(t)
	pageType(t, s)
	savePage(t, s, "/page/a", map[string]interface{}{"title": "cached"})

	// first read fills the cache, second is served from it
	_, err := s.Get(context.Background(), "/page/a", 0)
	require.NoError(t, err)
	_, ok := s.cache.GetByKey("/page/a")
	require.True(t, ok)

	doc, err := s.Get(context.Background(), "/page/a", 0)
	require.NoError(t, err)
	require.Equal(t, "cached", doc["title"])
}

func TestCacheInvalidatedOnWrite(t *testing.T) {
	s := newTestStore(t)
	pageType(t, s)
	savePage(t, s, "/page/a", map[string]interface{}{"title": "one"})

	_, err := s.Get(context.Background(), "/page/a", 0)
	require.NoError(t, err)

	savePage(t, s, "/page/a", map[string]interface{}{"title": "two"})

	doc, err := s.Get(context.Background(), "/page/a", 0)
	require.NoError(t, err)
	require.Equal(t, "two", doc["title"])
	require.EqualValues(t, 2, doc["latest_revision"])
}

func TestNewKeySequence(t *testing.T) {
	s := newTestStore(t)
	s.schema.AddSequence("/type/page", "/page/%d")

	k1, err := s.NewKey(context.Background(), "/type/page")
	require.NoError(t, err)
	k2, err := s.NewKey(context.Background(), "/type/page")
	require.NoError(t, err)
	require.Equal(t, "/page/1", k1)
	require.Equal(t, "/page/2", k2)

	_, err = s.NewKey(context.Background(), "/type/book")
	require.Error(t, err)
}

func TestSaveHooks(t *testing.T) {
	s := newTestStore(t)
	pageType(t, s)

	var seenBefore, seenAfter []string
	s.RegisterBeforeSave(func(ctx context.Context, doc api.Document) error {
		seenBefore = append(seenBefore, doc.Key())
		return nil
	})
	s.RegisterAfterSave(func(cs api.Changeset, docs []api.Document) {
		for _, c := range cs.Changes {
			seenAfter = append(seenAfter, c.Key)
		}
	})

	savePage(t, s, "/page/a", map[string]interface{}{"title": "x"})
	require.Equal(t, []string{"/page/a"}, seenBefore)
	require.Equal(t, []string{"/page/a"}, seenAfter)

	// a failing before hook aborts the changeset
	s.RegisterBeforeSave(func(ctx context.Context, doc api.Document) error {
		return api.BadData("rejected by hook", doc.Key(), "", nil)
	})
	_, err := s.Save(context.Background(), SaveRequest{Author: "/user/admin"}, api.Document{
		"key":   "/page/b",
		"type":  api.NewReference("/type/page"),
		"title": "y",
	})
	require.Error(t, err)
	_, err = s.Get(context.Background(), "/page/b", 0)
	require.True(t, api.IsNotFound(err))
}

func TestChangePublishedOnBus(t *testing.T) {
	s := newTestStore(t)
	pageType(t, s)

	ch := s.bus.Recv("changes")
	savePage(t, s, "/page/a", map[string]interface{}{"title": "x"})

	select {
	case b := <-ch:
		require.Contains(t, string(b), "/page/a")
	default:
		t.Fatal("no change published")
	}
}
