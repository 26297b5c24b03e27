// Package server exposes the surface managers over HTTP.
package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cpunion/feedsync/pkg/feed"
	"github.com/cpunion/feedsync/pkg/guard"
	"github.com/cpunion/feedsync/pkg/metrics"
	"github.com/cpunion/feedsync/pkg/orchestrator"
	"github.com/cpunion/feedsync/pkg/queue"
	"github.com/cpunion/feedsync/pkg/transcript"
	"github.com/cpunion/feedsync/pkg/types"
)

type Config struct {
	Managers []*feed.Manager
	Journal  *feed.Journal        // optional
	Host     *transcript.HostFlag // optional, toggled by PUT /api/host
	Logger   *zap.Logger
}

// Server routes API requests to the surface managers.
type Server struct {
	managers map[types.Surface]*feed.Manager
	order    []types.Surface
	journal  *feed.Journal
	host     *transcript.HostFlag
	logger   *zap.Logger
	router   *gin.Engine
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		managers: make(map[types.Surface]*feed.Manager, len(cfg.Managers)),
		journal:  cfg.Journal,
		host:     cfg.Host,
		logger:   logger.Named("server"),
	}
	for _, m := range cfg.Managers {
		if _, dup := s.managers[m.Surface()]; !dup {
			s.order = append(s.order, m.Surface())
		}
		s.managers[m.Surface()] = m
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.logRequest)

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	{
		api.GET("/surfaces", s.handleSurfaces)
		api.GET("/surfaces/:surface", s.handleSurface)
		api.POST("/surfaces/:surface/trigger", s.handleTrigger)
		api.POST("/surfaces/:surface/posts", s.handlePost)
		api.POST("/surfaces/:surface/posts/:id/replies", s.handleReply)

		api.GET("/queue", s.handleQueue)
		api.POST("/queue/:id/retry", s.handleRetry)
		api.DELETE("/queue/:id", s.handleRemove)

		api.GET("/journal", s.handleJournal)

		api.GET("/host", s.handleHost)
		api.PUT("/host", s.handleSetHost)
	}
	s.router = router
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) logRequest(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug("request",
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("elapsed", time.Since(start)))
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "surfaces": len(s.order)})
}

func (s *Server) handleSurfaces(c *gin.Context) {
	out := make([]feed.Status, 0, len(s.order))
	for _, surface := range s.order {
		out = append(out, s.managers[surface].Status())
	}
	c.JSON(http.StatusOK, gin.H{"surfaces": out})
}

type surfaceResponse struct {
	Status   feed.Status     `json:"status"`
	Document *types.Document `json:"document"`
}

func (s *Server) handleSurface(c *gin.Context) {
	m, ok := s.manager(c)
	if !ok {
		return
	}
	doc, err := m.Document(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, surfaceResponse{Status: m.Status(), Document: doc})
}

type triggerRequest struct {
	Style string `json:"style"`
}

func (s *Server) handleTrigger(c *gin.Context) {
	m, ok := s.manager(c)
	if !ok {
		return
	}
	var req triggerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	ev, err := m.Trigger(c.Request.Context(), req.Style)
	if err != nil {
		s.fail(c, err)
		return
	}
	if ev != nil {
		c.JSON(http.StatusAccepted, gin.H{"event": ev})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (s *Server) handlePost(c *gin.Context) {
	m, ok := s.manager(c)
	if !ok {
		return
	}
	var p feed.Post
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t, err := m.NewPost(c.Request.Context(), p)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (s *Server) handleReply(c *gin.Context) {
	m, ok := s.manager(c)
	if !ok {
		return
	}
	var in feed.ReplyInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r, err := m.Reply(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

type queueResponse struct {
	Surface types.Surface           `json:"surface"`
	Stats   queue.Stats             `json:"stats"`
	Events  []types.GenerationEvent `json:"events"`
}

func (s *Server) handleQueue(c *gin.Context) {
	out := []queueResponse{}
	for _, surface := range s.order {
		q := s.managers[surface].Queue()
		if q == nil {
			continue
		}
		out = append(out, queueResponse{Surface: surface, Stats: q.Stats(), Events: q.List()})
	}
	c.JSON(http.StatusOK, gin.H{"queues": out})
}

func (s *Server) handleRetry(c *gin.Context) {
	m, ok := s.eventOwner(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if err := m.Retry(id); err != nil {
		s.fail(c, err)
		return
	}
	ev, _ := m.Queue().Get(id)
	c.JSON(http.StatusAccepted, gin.H{"event": ev})
}

func (s *Server) handleRemove(c *gin.Context) {
	m, ok := s.eventOwner(c)
	if !ok {
		return
	}
	if err := m.Remove(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleJournal(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusOK, gin.H{"records": []feed.Record{}})
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	recs, err := s.journal.Recent(limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if recs == nil {
		recs = []feed.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

type hostState struct {
	Generating bool `json:"generating"`
}

func (s *Server) handleHost(c *gin.Context) {
	if s.host == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "host status not configured"})
		return
	}
	c.JSON(http.StatusOK, hostState{Generating: s.host.IsHostGenerating()})
}

// handleSetHost lets the host report that it is producing its own reply.
func (s *Server) handleSetHost(c *gin.Context) {
	if s.host == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "host status not configured"})
		return
	}
	var req hostState
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.host.Set(req.Generating)
	s.logger.Debug("host status", zap.Bool("generating", req.Generating))
	c.JSON(http.StatusOK, req)
}

func (s *Server) manager(c *gin.Context) (*feed.Manager, bool) {
	m, ok := s.managers[types.Surface(c.Param("surface"))]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown surface " + c.Param("surface")})
		return nil, false
	}
	return m, true
}

// eventOwner finds the manager whose queue holds the event named by :id.
func (s *Server) eventOwner(c *gin.Context) (*feed.Manager, bool) {
	id := c.Param("id")
	for _, surface := range s.order {
		m := s.managers[surface]
		if q := m.Queue(); q != nil {
			if _, err := q.Get(id); err == nil {
				return m, true
			}
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "event " + id + " not found"})
	return nil, false
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, guard.ErrBusy), errors.Is(err, guard.ErrHostBusy), errors.Is(err, queue.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, feed.ErrThreadNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrUnknownStyle), errors.Is(err, feed.ErrInvalidInput), errors.Is(err, feed.ErrUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, feed.ErrStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
