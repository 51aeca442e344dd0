package server

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lmittmann/tint"

	"github.com/openwiki/infobase/api"
	stream "github.com/openwiki/infobase/bus"
	"github.com/openwiki/infobase/kv"
	"github.com/openwiki/infobase/store"
)

var log = slog.New(tint.NewHandler(os.Stderr, nil))

type server struct {
	store *store.Store
	kv    kv.KV
}

// envelope is the wire shape of every response: status is "ok" or "fail",
// result carries the payload and message the error text.
type envelope struct {
	Status  string      `json:"status"`
	Result  interface{} `json:"result,omitempty"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func ok(c echo.Context, result interface{}) error {
	return c.JSON(http.StatusOK, envelope{Status: "ok", Result: result})
}

func fail(c echo.Context, err error) error {
	var apiErr *api.Error
	status := http.StatusInternalServerError
	kind := string(api.KindInternal)
	if e, isAPI := err.(*api.Error); isAPI {
		apiErr = e
		status = e.HTTPStatus()
		kind = string(e.Kind)
	}
	resp := envelope{Status: "fail", Message: err.Error(), Error: kind}
	if apiErr != nil {
		resp.Result = apiErr
	}
	return c.JSON(status, resp)
}

// Main wires storage, bus and schema from the config and serves until the
// process dies.
func Main(cfg store.Config) {
	db, err := openKV(cfg)
	if err != nil {
		log.Error("cannot open storage", "error", err)
		os.Exit(1)
	}

	bus, err := openBus(cfg)
	if err != nil {
		log.Error("cannot start bus", "error", err)
		os.Exit(1)
	}

	schema := store.NewSchema()
	cfg.ApplySchema(schema)

	st, err := store.New(db, schema, bus, log, cfg.CacheCapacity)
	if err != nil {
		log.Error("cannot create store", "error", err)
		os.Exit(1)
	}
	if cfg.QueryTimeout > 0 {
		st.SetQueryTimeout(time.Duration(cfg.QueryTimeout) * time.Second)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := st.Initialize(ctx, cfg.AdminPassword); err != nil {
		log.Error("cannot seed datastore", "error", err)
		os.Exit(1)
	}

	s := &server{store: st, kv: db}
	go s.statsd(cfg.MetricsListen)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(TracingMiddleware)
	e.Use(PrometheusMiddleware)

	e.GET("/get", s.handleGet)
	e.POST("/get_many", s.handleGetMany)
	e.POST("/save", s.handleSave)
	e.POST("/save_many", s.handleSaveMany)
	e.POST("/write", s.handleWrite)
	e.POST("/things", s.handleThings)
	e.POST("/versions", s.handleVersions)
	e.POST("/reindex", s.handleReindex)
	e.POST("/new_key", s.handleNewKey)
	e.POST("/account/register", s.handleRegister)
	e.POST("/account/login", s.handleLogin)
	e.GET("/account/find", s.handleFindAccount)
	e.GET("/health", s.handleHealth)

	log.Info("listening", "addr", cfg.Listen, "backend", cfg.Backend)
	if err := e.Start(cfg.Listen); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func openKV(cfg store.Config) (kv.KV, error) {
	switch cfg.Backend {
	case "tikv":
		return kv.NewTikv(cfg.PDEndpoint)
	case "", "pebble":
		return kv.NewPebble(cfg.PebbleDir)
	}
	return nil, os.ErrInvalid
}

func openBus(cfg store.Config) (stream.Bus, error) {
	switch {
	case cfg.NatsURL != "":
		return stream.NewNats(cfg.NatsURL)
	case cfg.EmbeddedNats:
		return stream.NewEmbeddedNats("localhost", 4222, "nats-store")
	}
	return stream.NewSolo()
}
