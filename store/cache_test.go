package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openwiki/infobase/api"
)

func cachedDoc(id int64, key, title string) cached {
	return cached{
		Thing: api.Thing{ID: id, Key: key, Revision: 1},
		Doc:   api.Document{"key": key, "title": title},
	}
}

func TestCacheByKeyAndID(t *testing.T) {
	c, err := NewCache(100)
	require.NoError(t, err)
	defer c.Close()

	c.Put(cachedDoc(1, "/page/a", "a"))

	v, ok := c.GetByKey("/page/a")
	require.True(t, ok)
	require.Equal(t, "a", v.Doc["title"])

	v, ok = c.GetByID(1)
	require.True(t, ok)
	require.Equal(t, "/page/a", v.Thing.Key)

	_, ok = c.GetByKey("/page/missing")
	require.False(t, ok)
}

func TestCacheInvalidate(t *testing.T) {
	c, err := NewCache(100)
	require.NoError(t, err)
	defer c.Close()

	c.Put(cachedDoc(1, "/page/a", "a"))
	c.Invalidate("/page/a")

	_, ok := c.GetByKey("/page/a")
	require.False(t, ok)
	_, ok = c.GetByID(1)
	require.False(t, ok)
}

func TestCachePinnedSurvives(t *testing.T) {
	c, err := NewCache(100)
	require.NoError(t, err)
	defer c.Close()

	c.Pin("/type/page")
	c.Put(cachedDoc(1, "/type/page", "pinned"))

	// pinned entries bypass the lru entirely
	_, inLRU := c.lru.Get(1)
	require.False(t, inLRU)

	v, ok := c.GetByKey("/type/page")
	require.True(t, ok)
	require.Equal(t, "pinned", v.Doc["title"])
}

func TestRequestCacheOverlay(t *testing.T) {
	c, err := NewCache(100)
	require.NoError(t, err)
	defer c.Close()
	c.Put(cachedDoc(1, "/page/a", "global"))

	rc := newRequestCache(c)
	rc.put(cachedDoc(1, "/page/a", "local"))
	rc.put(cachedDoc(2, "/page/b", "new"))

	// the request sees its own writes, the world does not
	v, ok := rc.get("/page/a")
	require.True(t, ok)
	require.Equal(t, "local", v.Doc["title"])

	v, ok = c.GetByKey("/page/a")
	require.True(t, ok)
	require.Equal(t, "global", v.Doc["title"])

	rc.flush()
	v, ok = c.GetByKey("/page/a")
	require.True(t, ok)
	require.Equal(t, "local", v.Doc["title"])
	v, ok = c.GetByKey("/page/b")
	require.True(t, ok)
	require.Equal(t, "new", v.Doc["title"])
}

func TestRequestCacheDiscard(t *testing.T) {
	c, err := NewCache(100)
	require.NoError(t, err)
	defer c.Close()
	c.Put(cachedDoc(1, "/page/a", "global"))

	rc := newRequestCache(c)
	rc.put(cachedDoc(1, "/page/a", "doomed"))
	rc.discard()

	// the touched key is dropped globally so the next read refetches
	_, ok := c.GetByKey("/page/a")
	require.False(t, ok)
	_, ok = rc.local["/page/a"]
	require.False(t, ok)
}
