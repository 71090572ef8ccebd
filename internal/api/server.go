package api

import (
	"context"
	"net/http"
	"time"

	"example.com/backoffice/config"
	"example.com/backoffice/internal/api/handlers"
	"example.com/backoffice/internal/metrics"
	"example.com/backoffice/internal/repositories"
	"example.com/backoffice/internal/services"
	"example.com/backoffice/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Server represents the HTTP server
type Server struct {
	config           config.Config
	router           *gin.Engine
	httpServer       *http.Server
	invoiceService   *services.InvoiceService
	ingestionService *services.IngestionService
	auditEvents      *repositories.AuditEventRepository
	metrics          *metrics.Metrics
	tracer           tracing.Tracer
}

// NewServer creates a new HTTP server
func NewServer(cfg config.Config, invoiceService *services.InvoiceService, ingestionService *services.IngestionService, auditEvents *repositories.AuditEventRepository, m *metrics.Metrics, tracer tracing.Tracer) *Server {
	server := &Server{
		config:           cfg,
		invoiceService:   invoiceService,
		ingestionService: ingestionService,
		auditEvents:      auditEvents,
		metrics:          m,
		tracer:           tracer,
	}

	router := server.setupRouter()
	server.router = router

	httpServer := &http.Server{
		Addr:    cfg.ServerAddress,
		Handler: router,
	}
	server.httpServer = httpServer

	return server
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	router := gin.Default()

	router.Use(gin.Recovery())

	invoiceHandler := handlers.NewInvoiceHandler(s.invoiceService, s.auditEvents, s.tracer)
	invoiceHandler.RegisterRoutes(router)

	metricsHandler := handlers.NewMetricsHandler(s.metrics, s.ingestionService, s.tracer)
	metricsHandler.RegisterRoutes(router)

	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.ServerAddress).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
