// Package api exposes the engine over HTTP. Every execution route is scoped
// to the owner named by the bearer token; executions of other owners are
// reported as not found.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/postgraph/graph"
	"github.com/dshills/postgraph/logging"
)

// Engine is the subset of *graph.Engine the API serves.
type Engine interface {
	Create(ctx context.Context, ownerID, articleURL string) (graph.Execution, error)
	Resume(ctx context.Context, executionID string, bundle graph.ActionBundle) (graph.Execution, error)
	Get(ctx context.Context, executionID string) (graph.Execution, error)
	History(ctx context.Context, executionID string) ([]graph.Execution, error)
	Inbox(ctx context.Context, ownerID string, limit int) ([]graph.Summary, error)
}

// retryAfter is sent with 503 responses.
const retryAfter = 2 * time.Second

// requestIDHeader is echoed back, or generated when the client sent none.
const requestIDHeader = "X-Request-ID"

// Option configures the handler.
type Option func(*server)

// WithLogger sets the request logger.
func WithLogger(l logging.Logger) Option {
	return func(s *server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithGatherer serves metrics from g at /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *server) { s.gatherer = g }
}

type server struct {
	engine   Engine
	secret   []byte
	logger   logging.Logger
	gatherer prometheus.Gatherer
}

// NewHandler builds the API router:
//
//	GET  /healthz
//	GET  /metrics
//	POST /v1/executions               {"url": "..."}
//	GET  /v1/executions/:id
//	GET  /v1/executions/:id/history
//	POST /v1/executions/:id/actions   graph.ActionBundle
//	GET  /v1/inbox?limit=N
func NewHandler(engine Engine, jwtSecret []byte, opts ...Option) (http.Handler, error) {
	if engine == nil {
		return nil, errors.New("api: engine is required")
	}
	if len(jwtSecret) == 0 {
		return nil, errors.New("api: JWT secret is required")
	}
	s := &server{engine: engine, secret: jwtSecret, logger: logging.Nop(), gatherer: prometheus.DefaultGatherer}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1", authMiddleware(s.secret))
	v1.POST("/executions", s.createExecution)
	v1.GET("/executions/:id", s.getExecution)
	v1.GET("/executions/:id/history", s.history)
	v1.POST("/executions/:id/actions", s.submitActions)
	v1.GET("/inbox", s.inbox)
	return r, nil
}

type createRequest struct {
	URL string `json:"url" binding:"required"`
}

func (s *server) createExecution(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	exec, err := s.engine.Create(c.Request.Context(), ownerID(c), req.URL)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *server) getExecution(c *gin.Context) {
	exec, ok := s.owned(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *server) history(c *gin.Context) {
	if _, ok := s.owned(c); !ok {
		return
	}
	hist, err := s.engine.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": hist})
}

func (s *server) submitActions(c *gin.Context) {
	var bundle graph.ActionBundle
	if err := c.ShouldBindJSON(&bundle); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	for p := range bundle.Edits {
		if !p.Valid() {
			abort(c, http.StatusBadRequest, "invalid_request", "unsupported platform in edits: "+string(p))
			return
		}
	}
	for p := range bundle.Connections {
		if !p.Valid() {
			abort(c, http.StatusBadRequest, "invalid_request", "unsupported platform in connections: "+string(p))
			return
		}
	}

	if _, ok := s.owned(c); !ok {
		return
	}
	exec, err := s.engine.Resume(c.Request.Context(), c.Param("id"), bundle)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *server) inbox(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			abort(c, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	items, err := s.engine.Inbox(c.Request.Context(), ownerID(c), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if items == nil {
		items = []graph.Summary{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// owned loads the execution named in the path and writes 404 when it is
// missing or belongs to another owner.
func (s *server) owned(c *gin.Context) (graph.Execution, bool) {
	exec, err := s.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return graph.Execution{}, false
	}
	if exec.OwnerID != ownerID(c) {
		abort(c, http.StatusNotFound, "not_found", "execution not found")
		return graph.Execution{}, false
	}
	return exec, true
}

func (s *server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, graph.ErrNotFound):
		abort(c, http.StatusNotFound, "not_found", "execution not found")
	case errors.Is(err, graph.ErrNotAwaiting):
		abort(c, http.StatusConflict, "not_awaiting", err.Error())
	case errors.Is(err, graph.ErrStoreUnavailable):
		c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		abort(c, http.StatusServiceUnavailable, "store_unavailable", "checkpoint store unavailable; retry the request")
	case errors.Is(err, graph.ErrInvalidInput):
		abort(c, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		abort(c, http.StatusServiceUnavailable, "cancelled", err.Error())
	default:
		logging.Ctx(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		abort(c, http.StatusInternalServerError, "internal", "internal error")
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": errorBody{Code: code, Message: msg}})
}

func (s *server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		logger := s.logger.With("request_id", id)
		c.Request = c.Request.WithContext(logging.WithLogger(c.Request.Context(), logger))

		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"owner_id", ownerID(c),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
