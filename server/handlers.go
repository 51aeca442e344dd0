package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/openwiki/infobase/api"
	"github.com/openwiki/infobase/store"
)

func (s *server) handleGet(c echo.Context) error {
	key := c.QueryParam("key")
	if key == "" {
		return fail(c, api.BadData("missing key parameter", "", "key", nil))
	}
	var revision int64
	if rv := c.QueryParam("revision"); rv != "" {
		n, err := strconv.ParseInt(rv, 10, 64)
		if err != nil {
			return fail(c, api.BadData("invalid revision", key, "revision", rv))
		}
		revision = n
	}

	doc, err := s.store.Get(c.Request().Context(), key, revision)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, doc)
}

type getManyRequest struct {
	Keys []string `json:"keys"`
}

func (s *server) handleGetMany(c echo.Context) error {
	var req getManyRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, api.BadData("invalid request body", "", "", nil))
	}
	docs, err := s.store.GetMany(c.Request().Context(), req.Keys)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, docs)
}

type saveRequest struct {
	Author  string                 `json:"author"`
	Comment string                 `json:"comment"`
	Action  string                 `json:"action"`
	Bot     bool                   `json:"bot"`
	Data    map[string]interface{} `json:"data"`
	Query   interface{}            `json:"query"`
}

func (s *server) bindSave(c echo.Context) (*saveRequest, error) {
	var req saveRequest
	if err := c.Bind(&req); err != nil {
		return nil, api.BadData("invalid request body", "", "", nil)
	}
	return &req, nil
}

func asDocument(v interface{}) (api.Document, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, api.BadData("expected an object", "", "query", v)
	}
	return api.Document(m), nil
}

func (s *server) handleSave(c echo.Context) error {
	req, err := s.bindSave(c)
	if err != nil {
		return fail(c, err)
	}
	doc, err := asDocument(req.Query)
	if err != nil {
		return fail(c, err)
	}

	ctx := c.Request().Context()
	proc := s.store.NewSaveProcessor(req.Author, false)
	doc, err = proc.Process(ctx, doc)
	if err != nil {
		return fail(c, err)
	}

	result, err := s.store.Save(ctx, store.SaveRequest{
		Kind:    kindOrDefault(req.Action),
		Author:  req.Author,
		IP:      c.RealIP(),
		Comment: req.Comment,
		Bot:     req.Bot,
		Data:    req.Data,
	}, doc)
	if err != nil {
		return fail(c, err)
	}
	if result == nil {
		return ok(c, []api.SaveResult{})
	}
	return ok(c, result)
}

func (s *server) handleSaveMany(c echo.Context) error {
	req, err := s.bindSave(c)
	if err != nil {
		return fail(c, err)
	}
	list, isList := req.Query.([]interface{})
	if !isList {
		return fail(c, api.BadData("expected a list of objects", "", "query", req.Query))
	}
	docs := make([]api.Document, 0, len(list))
	for _, el := range list {
		doc, err := asDocument(el)
		if err != nil {
			return fail(c, err)
		}
		docs = append(docs, doc)
	}

	ctx := c.Request().Context()
	proc := s.store.NewSaveProcessor(req.Author, false)
	docs, err = proc.ProcessMany(ctx, docs)
	if err != nil {
		return fail(c, err)
	}

	results, _, err := s.store.SaveMany(ctx, store.SaveRequest{
		Kind:    kindOrDefault(req.Action),
		Author:  req.Author,
		IP:      c.RealIP(),
		Comment: req.Comment,
		Bot:     req.Bot,
		Data:    req.Data,
		Docs:    docs,
	})
	if err != nil {
		return fail(c, err)
	}
	if results == nil {
		results = []api.SaveResult{}
	}
	return ok(c, results)
}

func kindOrDefault(action string) string {
	if action == "" {
		return "update"
	}
	return action
}

func (s *server) handleWrite(c echo.Context) error {
	req, err := s.bindSave(c)
	if err != nil {
		return fail(c, err)
	}
	results, _, err := s.store.Write(c.Request().Context(), store.WriteRequest{
		Author:  req.Author,
		IP:      c.RealIP(),
		Comment: req.Comment,
		Query:   req.Query,
	})
	if err != nil {
		return fail(c, err)
	}
	if results == nil {
		results = []api.SaveResult{}
	}
	return ok(c, results)
}

func (s *server) handleThings(c echo.Context) error {
	var q map[string]interface{}
	if err := c.Bind(&q); err != nil {
		return fail(c, api.BadData("invalid request body", "", "", nil))
	}
	keys, err := s.store.Things(c.Request().Context(), q)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, keys)
}

func (s *server) handleVersions(c echo.Context) error {
	var q store.VersionsQuery
	if err := c.Bind(&q); err != nil {
		return fail(c, api.BadData("invalid request body", "", "", nil))
	}
	versions, err := s.store.Versions(c.Request().Context(), q)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, versions)
}

type reindexRequest struct {
	Keys []string `json:"keys"`
}

func (s *server) handleReindex(c echo.Context) error {
	var req reindexRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, api.BadData("invalid request body", "", "", nil))
	}
	if err := s.store.Reindex(c.Request().Context(), req.Keys); err != nil {
		return fail(c, err)
	}
	return ok(c, map[string]int{"reindexed": len(req.Keys)})
}

type newKeyRequest struct {
	Type string `json:"type"`
}

func (s *server) handleNewKey(c echo.Context) error {
	var req newKeyRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, api.BadData("invalid request body", "", "", nil))
	}
	key, err := s.store.NewKey(c.Request().Context(), req.Type)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, map[string]string{"key": key})
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *server) handleRegister(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, api.BadData("invalid request body", "", "", nil))
	}
	if req.Username == "" || req.Email == "" || req.Password == "" {
		return fail(c, api.BadData("username, email and password are required", "", "", nil))
	}
	key, err := s.store.Register(c.Request().Context(), req.Username, req.Email, req.Password)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, map[string]string{"key": key})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *server) handleLogin(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, api.BadData("invalid request body", "", "", nil))
	}
	key := "/user/" + req.Username
	if err := s.store.VerifyPassword(c.Request().Context(), key, req.Password); err != nil {
		return fail(c, err)
	}
	return ok(c, map[string]string{"key": key})
}

func (s *server) handleFindAccount(c echo.Context) error {
	email := c.QueryParam("email")
	if email == "" {
		return fail(c, api.BadData("missing email parameter", "", "email", nil))
	}
	key, err := s.store.FindUserByEmail(c.Request().Context(), email)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, map[string]string{"key": key})
}

func (s *server) handleHealth(c echo.Context) error {
	if err := s.kv.Ping(); err != nil {
		return c.JSON(http.StatusServiceUnavailable, envelope{Status: "fail", Message: err.Error()})
	}
	return ok(c, "healthy")
}
