package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/require"

	stream "github.com/openwiki/infobase/bus"
	"github.com/openwiki/infobase/kv"
	"github.com/openwiki/infobase/store"
)

func newTestServer(t *testing.T) *server {
	t.Helper()

	db, err := kv.NewMemPebble()
	require.NoError(t, err)

	bus, err := stream.NewSolo()
	require.NoError(t, err)

	logger := slog.New(tint.NewHandler(io.Discard, nil))
	st, err := store.New(db, store.NewSchema(), bus, logger, 1000)
	require.NoError(t, err)
	t.Cleanup(st.Close)

	require.NoError(t, st.Initialize(context.Background(), ""))
	return &server{store: st, kv: db}
}

func call(t *testing.T, h echo.HandlerFunc, method, target, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	e := echo.New()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	require.NoError(t, h(e.NewContext(req, rec)))

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec, env
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	s := newTestServer(t)

	rec, env := call(t, s.handleSave, http.MethodPost, "/save", `{
		"author": "/user/admin",
		"comment": "first",
		"query": {"key": "/hello", "type": {"key": "/type/object"}, "greeting": "world"}
	}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", env.Status)

	rec, env = call(t, s.handleGet, http.MethodGet, "/get?key=/hello", "")
	require.Equal(t, http.StatusOK, rec.Code)
	doc := env.Result.(map[string]interface{})
	require.Equal(t, "world", doc["greeting"])
	require.EqualValues(t, 1, doc["latest_revision"])
}

func TestGetMissingReturns404(t *testing.T) {
	s := newTestServer(t)

	rec, env := call(t, s.handleGet, http.MethodGet, "/get?key=/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "fail", env.Status)
	require.Equal(t, "notfound", env.Error)
}

func TestGetMissingKeyParamIs400(t *testing.T) {
	s := newTestServer(t)

	rec, _ := call(t, s.handleGet, http.MethodGet, "/get", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSaveManyAndThings(t *testing.T) {
	s := newTestServer(t)

	rec, env := call(t, s.handleSaveMany, http.MethodPost, "/save_many", `{
		"author": "/user/admin",
		"query": [
			{"key": "/x/a", "type": {"key": "/type/object"}, "name": "alpha"},
			{"key": "/x/b", "type": {"key": "/type/object"}, "name": "beta"}
		]
	}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", env.Status)
	require.Len(t, env.Result, 2)

	rec, env = call(t, s.handleThings, http.MethodPost, "/things", `{
		"type": "/type/object", "name": "alpha"
	}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []interface{}{"/x/a"}, env.Result)
}

func TestVersionsEndpoint(t *testing.T) {
	s := newTestServer(t)

	_, env := call(t, s.handleSave, http.MethodPost, "/save", `{
		"author": "/user/admin",
		"query": {"key": "/hello", "type": {"key": "/type/object"}}
	}`)
	require.Equal(t, "ok", env.Status)

	rec, env := call(t, s.handleVersions, http.MethodPost, "/versions", `{"key": "/hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env.Result, 1)
}

func TestRegisterLoginAndFind(t *testing.T) {
	s := newTestServer(t)

	rec, env := call(t, s.handleRegister, http.MethodPost, "/account/register", `{
		"username": "joe", "email": "joe@example.com", "password": "secret"
	}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", env.Status)

	rec, _ = call(t, s.handleLogin, http.MethodPost, "/account/login", `{
		"username": "joe", "password": "secret"
	}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = call(t, s.handleLogin, http.MethodPost, "/account/login", `{
		"username": "joe", "password": "wrong"
	}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec, env = call(t, s.handleFindAccount, http.MethodGet, "/account/find?email=joe@example.com", "")
	require.Equal(t, http.StatusOK, rec.Code)
	result := env.Result.(map[string]interface{})
	require.Equal(t, "/user/joe", result["key"])
}

func TestWriteEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec, env := call(t, s.handleWrite, http.MethodPost, "/write", `{
		"author": "/user/admin",
		"query": {"create": "unless_exists", "key": "/w/a", "type": "/type/object", "name": "via write"}
	}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", env.Status)
	require.Len(t, env.Result, 1)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec, env := call(t, s.handleHealth, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", env.Status)
}
