// Package api serves the read-only admin HTTP API next to the intake stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/genomic-intake-server/internal/domain"
	"github.com/genomic-intake-server/internal/metrics"
	"github.com/genomic-intake-server/internal/middleware"
	"github.com/genomic-intake-server/internal/server"
	"github.com/genomic-intake-server/internal/signature"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// ConnectionStats is implemented by the stream acceptor
type ConnectionStats interface {
	Stats() server.Stats
	Connections() []server.ConnectionInfo
}

// Dependencies wires the API to the running intake server
type Dependencies struct {
	Config      domain.APIConfig
	Screener    *signature.Screener
	Store       domain.RecordStore
	Connections ConnectionStats
	Metrics     *metrics.Metrics
	Logger      *logrus.Logger
	Debug       bool
}

// Server represents the HTTP server
type Server struct {
	config      domain.APIConfig
	screener    *signature.Screener
	store       domain.RecordStore
	connections ConnectionStats
	metrics     *metrics.Metrics
	logger      *logrus.Logger
	router      *gin.Engine
	server      *http.Server
	startedAt   time.Time
}

// NewServer creates a new HTTP server instance
func NewServer(deps Dependencies) *Server {
	// Set Gin mode based on environment
	if deps.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RequestLogger(deps.Logger))

	s := &Server{
		config:      deps.Config,
		screener:    deps.Screener,
		store:       deps.Store,
		connections: deps.Connections,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		router:      router,
		startedAt:   time.Now().UTC(),
	}
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler, for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API until ctx is canceled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("address", addr).Info("Admin API started")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin API failed: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/signatures", s.handleListSignatures)
		v1.GET("/signatures/:id", s.handleGetSignature)
		v1.GET("/stats", s.handleStats)
		v1.GET("/patients/:id/detections", s.handlePatientDetections)
	}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"timestamp":  time.Now().UTC(),
		"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		"version":    Version,
		"signatures": s.screener.Index().Len(),
	})
}

type signatureView struct {
	DiseaseID      string `json:"disease_id"`
	Name           string `json:"name"`
	Severity       int    `json:"severity"`
	SequenceLength int    `json:"sequence_length"`
}

func newSignatureView(sig domain.DiseaseSignature) signatureView {
	return signatureView{
		DiseaseID:      sig.DiseaseID,
		Name:           sig.Name,
		Severity:       sig.Severity,
		SequenceLength: sig.SequenceLength(),
	}
}

// handleListSignatures lists loaded signatures in load order
func (s *Server) handleListSignatures(c *gin.Context) {
	signatures := s.screener.Index().All()
	views := make([]signatureView, 0, len(signatures))
	for _, sig := range signatures {
		views = append(views, newSignatureView(sig))
	}
	c.JSON(http.StatusOK, gin.H{
		"count":      len(views),
		"signatures": views,
	})
}

func (s *Server) handleGetSignature(c *gin.Context) {
	sig, ok := s.screener.Index().FindByID(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, errorBody(c, "signature not found"))
		return
	}
	c.JSON(http.StatusOK, newSignatureView(sig))
}

func (s *Server) handleStats(c *gin.Context) {
	body := gin.H{
		"screening": s.screener.Stats(),
	}
	if s.connections != nil {
		body["connections"] = s.connections.Stats()
		body["active_connections"] = s.connections.Connections()
	}
	c.JSON(http.StatusOK, body)
}

// handlePatientDetections returns the detection reports recorded for a patient
func (s *Server) handlePatientDetections(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 0 {
		c.JSON(http.StatusBadRequest, errorBody(c, "patient id must be a non-negative integer"))
		return
	}

	reports, err := s.store.Reports(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		s.logger.WithError(err).WithField("patient_id", id).Error("Failed to load detection reports")
		c.JSON(http.StatusInternalServerError, errorBody(c, "failed to load detection reports"))
		return
	}
	if reports == nil {
		reports = []domain.DetectionReport{}
	}
	c.JSON(http.StatusOK, gin.H{
		"patient_id": id,
		"count":      len(reports),
		"detections": reports,
	})
}

func errorBody(c *gin.Context, message string) gin.H {
	return gin.H{
		"error":          message,
		"correlation_id": c.GetString(middleware.CorrelationIDKey),
	}
}
