package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/manuelleigh/paynotify-agent/internal/queue"
	"github.com/manuelleigh/paynotify-agent/internal/service"
)

const maxBodyBytes = 64 << 10

// Agent is what the HTTP API drives
type Agent interface {
	OnEvent(ctx context.Context, ev service.CaptureEvent) (service.CaptureResult, error)
	Heartbeat(ctx context.Context) error
	InstallCredential(ctx context.Context, token string) error
	ClearAuthInvalid(ctx context.Context) error
	AuthInvalid() bool
	EnabledSources(ctx context.Context) ([]string, error)
	SetEnabledSources(ctx context.Context, packages []string) error
	KnownSources() []string
	Stats(ctx context.Context) (queue.Stats, error)
	Health(ctx context.Context) (service.Health, error)
}

// CaptureRequest is one notification posted by the capture source
type CaptureRequest struct {
	PackageID string   `json:"packageId"`
	Title     string   `json:"title"`
	Text      string   `json:"text"`
	BigText   string   `json:"bigText"`
	TextLines []string `json:"textLines"`
	PostedAt  int64    `json:"postedAt"` // unix ms, 0 if unknown
}

type CredentialRequest struct {
	Token string `json:"token"`
}

type SourcesRequest struct {
	Packages []string `json:"packages"`
}

// Server is the local API used by the capture source and the frontend
type Server struct {
	agent   Agent
	schemas *validators
	router  *gin.Engine
	logger  *zap.Logger
}

// New builds the router. events serves the frontend websocket.
func New(agent Agent, events http.Handler, logger *zap.Logger) (*Server, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger), cors())

	s := &Server{
		agent:   agent,
		schemas: schemas,
		router:  router,
		logger:  logger,
	}

	api := router.Group("/api/v1")
	{
		api.GET("/health", s.handleHealth)
		api.POST("/capture", s.handleCapture)
		api.POST("/capture/heartbeat", s.handleHeartbeat)
		api.POST("/credential", s.handleCredential)
		api.GET("/auth", s.handleAuth)
		api.POST("/auth/clear", s.handleClearAuth)
		api.GET("/sources", s.handleGetSources)
		api.PUT("/sources", s.handlePutSources)
		api.GET("/queue", s.handleQueue)
		if events != nil {
			api.GET("/events", gin.WrapH(events))
		}
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return s, nil
}

// Handler returns the router, for tests and custom listeners
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Local API listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to serve local API: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down local API: %w", err)
		}
		return nil
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		h.Set("Access-Control-Max-Age", "3600")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

// bindValidated reads the body, validates it against sch and decodes it into dst
func (s *Server) bindValidated(c *gin.Context, sch *jsonschema.Schema, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return false
	}
	if len(body) > maxBodyBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
		return false
	}
	if err := validate(sch, body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return false
	}
	return true
}

func (s *Server) handleHealth(c *gin.Context) {
	h, err := s.agent.Health(c.Request.Context())
	if err != nil {
		s.logger.Error("Failed to build health snapshot", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"agent":     h,
	})
}

func (s *Server) handleCapture(c *gin.Context) {
	var req CaptureRequest
	if !s.bindValidated(c, s.schemas.capture, &req) {
		return
	}

	// postedAt 0 means the source did not report one; the agent stamps it
	var postedAt time.Time
	if req.PostedAt > 0 {
		postedAt = time.UnixMilli(req.PostedAt)
	}

	res, err := s.agent.OnEvent(c.Request.Context(), service.CaptureEvent{
		PackageID: req.PackageID,
		Title:     req.Title,
		Text:      req.Text,
		BigText:   req.BigText,
		TextLines: req.TextLines,
		PostedAt:  postedAt,
	})
	if err != nil {
		s.logger.Error("Failed to handle captured event", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}

	status := http.StatusOK
	if res == service.CaptureAccepted {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"result": res})
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	if err := s.agent.Heartbeat(c.Request.Context()); err != nil {
		s.logger.Error("Failed to record heartbeat", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleCredential(c *gin.Context) {
	var req CredentialRequest
	if !s.bindValidated(c, s.schemas.credential, &req) {
		return
	}
	if err := s.agent.InstallCredential(c.Request.Context(), req.Token); err != nil {
		if errors.Is(err, service.ErrEmptyCredential) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("Failed to install credential", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to install credential"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"authInvalid": s.agent.AuthInvalid()})
}

func (s *Server) handleAuth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"authInvalid": s.agent.AuthInvalid()})
}

func (s *Server) handleClearAuth(c *gin.Context) {
	if err := s.agent.ClearAuthInvalid(c.Request.Context()); err != nil {
		s.logger.Error("Failed to clear auth flag", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to clear auth flag"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"authInvalid": s.agent.AuthInvalid()})
}

func (s *Server) handleGetSources(c *gin.Context) {
	enabled, err := s.agent.EnabledSources(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"enabled": enabled,
		"known":   s.agent.KnownSources(),
	})
}

func (s *Server) handlePutSources(c *gin.Context) {
	var req SourcesRequest
	if !s.bindValidated(c, s.schemas.sources, &req) {
		return
	}
	if err := s.agent.SetEnabledSources(c.Request.Context(), req.Packages); err != nil {
		s.logger.Error("Failed to save enabled sources", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}
	s.handleGetSources(c)
}

func (s *Server) handleQueue(c *gin.Context) {
	stats, err := s.agent.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}
	c.JSON(http.StatusOK, stats)
}
