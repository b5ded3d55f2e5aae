// Package api exposes the gateway over HTTP for callers that cannot link it
// in-process. The surface is deliberately small: generation, embeddings,
// cache statistics, and health.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/developer-mesh/llm-gateway/internal/config"
	"github.com/developer-mesh/llm-gateway/internal/gateway"
	"github.com/developer-mesh/llm-gateway/pkg/models"
	"github.com/developer-mesh/llm-gateway/pkg/observability"
)

// Server serves the HTTP API over an embedded gateway.
type Server struct {
	gw     *gateway.Gateway
	logger observability.Logger
	addr   string
	srv    *http.Server
}

// NewServer builds the HTTP server and its routes.
func NewServer(gw *gateway.Gateway, cfg config.APIConfig, logger observability.Logger) *Server {
	s := &Server{
		gw:     gw,
		logger: logger.WithPrefix("api"),
		addr:   cfg.ListenAddress,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())

	engine.GET("/health", s.handleHealth)
	v1 := engine.Group("/v1")
	{
		v1.POST("/generate", s.handleGenerate)
		v1.POST("/embeddings", s.handleEmbeddings)
		v1.GET("/cache/stats", s.handleCacheStats)
	}

	s.srv = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", map[string]interface{}{"addr": s.addr})
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleGenerate(c *gin.Context) {
	var req models.GenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	resp, err := s.gw.Generate(c.Request.Context(), req)
	if err != nil {
		c.JSON(statusFor(err), resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleEmbeddings(c *gin.Context) {
	var body struct {
		models.EmbeddingRequest
		Texts []string `json:"texts,omitempty"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	// A texts array selects the batch form; outcomes are per element.
	if len(body.Texts) > 0 {
		reqs := make([]models.EmbeddingRequest, len(body.Texts))
		for i, t := range body.Texts {
			reqs[i] = body.EmbeddingRequest
			reqs[i].Text = t
		}
		c.JSON(http.StatusOK, gin.H{"results": s.gw.EmbedBatch(c.Request.Context(), reqs)})
		return
	}

	res, err := s.gw.Embed(c.Request.Context(), body.EmbeddingRequest)
	if err != nil {
		c.JSON(statusFor(err), res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleHealth(c *gin.Context) {
	report := s.gw.Health(c.Request.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (s *Server) handleCacheStats(c *gin.Context) {
	stats, err := s.gw.CacheStats(c.Request.Context())
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("request", map[string]interface{}{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"elapsed_ms": float64(time.Since(start).Microseconds()) / 1000.0,
		})
	}
}

// statusFor maps gateway error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch models.KindOf(err) {
	case models.KindClientError, models.KindProtocolError:
		return http.StatusBadRequest
	case models.KindAuth:
		return http.StatusUnauthorized
	case models.KindRateLimited, models.KindResourceExhausted:
		return http.StatusTooManyRequests
	case models.KindTimeout:
		return http.StatusGatewayTimeout
	case models.KindCancelled:
		return 499
	case models.KindDependencyOpen, models.KindProviderUnavailable, models.KindBackingStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
