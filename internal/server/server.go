package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"imageforge/internal/artifacts"
	"imageforge/internal/events"
	"imageforge/internal/locks"
	"imageforge/internal/metrics"
	"imageforge/internal/models"
	"imageforge/internal/pipeline"
	"imageforge/internal/storage"
)

type Deps struct {
	Registry storage.Registry
	Store    *artifacts.Store
	Pipeline *pipeline.Pipeline
	Locker   locks.Locker
	Metrics  metrics.Metrics
	Events   events.Publisher
}

type Server struct {
	cfg      *models.Config
	router   *gin.Engine
	http     *http.Server
	registry storage.Registry
	store    *artifacts.Store
	pipeline *pipeline.Pipeline
	locker   locks.Locker
	metrics  metrics.Metrics
	events   events.Publisher
}

func NewServer(cfg *models.Config, deps Deps) *Server {
	if deps.Locker == nil {
		deps.Locker = locks.NewLocal()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop{}
	}
	if deps.Events == nil {
		deps.Events = events.Noop{}
	}

	r := gin.New()
	r.MaxMultipartMemory = cfg.MaxUploadBytes

	s := &Server{
		cfg:      cfg,
		router:   r,
		registry: deps.Registry,
		store:    deps.Store,
		pipeline: deps.Pipeline,
		locker:   deps.Locker,
		metrics:  deps.Metrics,
		events:   deps.Events,
	}
	s.http = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	r.Use(gin.Recovery(), s.requestLogger())

	api := r.Group("/api")
	api.POST("/upload", s.handleUpload)
	api.POST("/process/:id", s.handleProcess)
	api.GET("/download/:filename", s.handleDownload)
	api.GET("/images/:id", s.handleGetImage)

	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	log.Info().Str("addr", s.cfg.ServerAddr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// requestLogger replaces gin's text logger with one zerolog line per request
// and feeds the request metrics.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(started)
		s.metrics.ObserveRequest(c.Request.Method, route, strconv.Itoa(status), elapsed.Seconds())

		ev := log.Info()
		if status >= http.StatusInternalServerError {
			ev = log.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", elapsed).
			Msg("request")
	}
}

// fail writes {kind, message}. Only validation errors carry their cause to
// the client; everything else gets a fixed message per kind.
func (s *Server) fail(c *gin.Context, err error) {
	kind := models.KindOf(err)
	msg := kind.PublicMessage()

	var e *models.Error
	if kind == models.KindValidation && errors.As(err, &e) && e.Err != nil {
		msg = e.Err.Error()
	}
	c.AbortWithStatusJSON(kind.HTTPStatus(), gin.H{"kind": kind, "message": msg})
}
