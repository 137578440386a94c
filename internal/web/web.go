package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	echoprom "github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/modfin/henry/compare"
	"github.com/modfin/henry/slicez"
	"github.com/sirupsen/logrus"
	"github.com/skickahq/skicka/internal/dao"
	"github.com/skickahq/skicka/internal/dispatch"
	"github.com/skickahq/skicka/internal/metrics"
	"github.com/skickahq/skicka/tools"
	"golang.org/x/crypto/acme/autocert"
)

type Config struct {
	Interface string `cli:"api-interface"`
	Port      int    `cli:"api-port"`

	Hostname        string `cli:"hostname"`
	AutoTLS         bool   `cli:"api-auto-tls"`
	AutoTLSCacheDir string `cli:"api-auto-tls-cache-dir"`

	Keys []string `cli:"api-keys"`
}

// Server exposes the submission, inspection and worker control surfaces. The
// worker routes are a thin veneer over the dispatch engine; all semantics
// live there.
type Server struct {
	cfg     Config
	log     *logrus.Logger
	db      dao.DAO
	engine  *dispatch.Engine
	metrics *metrics.Metrics

	e *echo.Echo
}

func New(cfg Config, db dao.DAO, engine *dispatch.Engine, m *metrics.Metrics, lc *tools.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		log:     lc.New("web"),
		db:      db,
		engine:  engine,
		metrics: m,
	}
	s.e = s.router()
	return s
}

func (s *Server) router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())

	if s.metrics != nil {
		prom := echoprom.NewPrometheus("skicka", func(c echo.Context) bool {
			return c.Path() == "/metrics" || c.Path() == "/ping"
		})
		e.Use(prom.HandlerFunc)
		e.GET("/metrics", echo.WrapHandler(s.metrics.HttpMetrics()))
	}

	e.GET("/ping", func(c echo.Context) error {
		return c.String(http.StatusOK, "pong")
	})

	api := e.Group("", s.keyAuth)
	api.POST("/emails", s.enqueue)
	api.GET("/emails", s.listEmails)
	api.GET("/emails/:id", s.getEmail)

	api.GET("/worker/status", s.workerStatus)
	api.POST("/worker/start", s.workerStart)
	api.POST("/worker/stop", s.workerStop)
	api.POST("/worker/process", s.workerProcess)

	return e
}

// keyAuth accepts the api key either as a ?key= query parameter or as a
// bearer token. An empty key list leaves the api open, meant for local
// development only.
func (s *Server) keyAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if len(s.cfg.Keys) == 0 {
			return next(c)
		}
		key := c.QueryParam("key")
		if key == "" {
			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			key = strings.TrimPrefix(auth, "Bearer ")
		}
		if !slicez.Contains(s.cfg.Keys, key) {
			return c.String(http.StatusUnauthorized, "a valid api key must be provided")
		}
		return next(c)
	}
}

func (s *Server) Start() {
	if len(s.cfg.Keys) == 0 {
		s.log.Warn("no api keys configured, the api is open")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Interface, compare.Coalesce(s.cfg.Port, 8080))

	go func() {
		s.log.Infof("starting webserver on %s", addr)

		var err error
		if s.cfg.AutoTLS {
			s.e.AutoTLSManager.Cache = autocert.DirCache(compare.Coalesce(s.cfg.AutoTLSCacheDir, ".autocert-cache"))
			if s.cfg.Hostname != "" {
				s.e.AutoTLSManager.HostPolicy = autocert.HostWhitelist(s.cfg.Hostname)
			}
			err = s.e.StartAutoTLS(addr)
		} else {
			err = s.e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Fatal("webserver failed")
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}
