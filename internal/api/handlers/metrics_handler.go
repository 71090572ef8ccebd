package handlers

import (
	"net/http"
	"runtime"

	"example.com/backoffice/internal/metrics"
	"example.com/backoffice/internal/services"
	"example.com/backoffice/internal/tracing"

	"github.com/gin-gonic/gin"
)

// MetricsHandler handles metrics-related HTTP requests
type MetricsHandler struct {
	metrics          *metrics.Metrics
	ingestionService *services.IngestionService
	tracer           tracing.Tracer
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(m *metrics.Metrics, ingestionService *services.IngestionService, tracer tracing.Tracer) *MetricsHandler {
	return &MetricsHandler{
		metrics:          m,
		ingestionService: ingestionService,
		tracer:           tracer,
	}
}

// HandleGetMetrics returns all metrics
func (h *MetricsHandler) HandleGetMetrics(c *gin.Context) {
	txn := h.tracer.StartTransaction("get-metrics")
	defer h.tracer.EndTransaction(txn)

	h.metrics.SetGauge("goroutines", int64(runtime.NumGoroutine()))

	c.JSON(http.StatusOK, h.metrics.GetAllMetrics())
}

// HandleGetHealthCheck returns a simplified health status
func (h *MetricsHandler) HandleGetHealthCheck(c *gin.Context) {
	healthChecks := h.metrics.GetHealthChecks()

	healthy := true
	for _, status := range healthChecks {
		if !status {
			healthy = false
			break
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":  healthy,
		"details": healthChecks,
	})
}

// HandleListIngestionRuns returns recent mailbox poll cycles for operators.
func (h *MetricsHandler) HandleListIngestionRuns(c *gin.Context) {
	if h.ingestionService == nil {
		c.JSON(http.StatusOK, gin.H{"items": []interface{}{}})
		return
	}

	runs, err := h.ingestionService.ListRuns(c, queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": runs})
}

// RegisterRoutes registers the handler's routes
func (h *MetricsHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/metrics", h.HandleGetMetrics)
	router.GET("/health", h.HandleGetHealthCheck)
	router.GET("/api/v1/ingestion-runs", h.HandleListIngestionRuns)
}
