package handlers

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"example.com/backoffice/internal/models"
	"example.com/backoffice/internal/repositories"
	"example.com/backoffice/internal/services"
	"example.com/backoffice/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const defaultListLimit = 50

// InvoiceHandler handles invoice-related HTTP requests
type InvoiceHandler struct {
	invoiceService *services.InvoiceService
	auditEvents    *repositories.AuditEventRepository
	tracer         tracing.Tracer
}

// NewInvoiceHandler creates a new invoice handler
func NewInvoiceHandler(invoiceService *services.InvoiceService, auditEvents *repositories.AuditEventRepository, tracer tracing.Tracer) *InvoiceHandler {
	return &InvoiceHandler{
		invoiceService: invoiceService,
		auditEvents:    auditEvents,
		tracer:         tracer,
	}
}

// ExtractRequest carries extraction results to apply to an invoice.
type ExtractRequest struct {
	Vendor        *string          `json:"vendor"`
	InvoiceNumber *string          `json:"invoice_number"`
	InvoiceDate   *time.Time       `json:"invoice_date"`
	DueDate       *time.Time       `json:"due_date"`
	Amount        *decimal.Decimal `json:"amount"`
	Currency      *string          `json:"currency"`
	Confidence    *float64         `json:"confidence"`
}

// DecisionRequest carries a human approval decision.
type DecisionRequest struct {
	Decision  models.Decision `json:"decision" binding:"required"`
	DecidedBy string          `json:"decided_by" binding:"required"`
	Notes     string          `json:"notes"`
}

// PaymentRequest records an external settlement.
type PaymentRequest struct {
	Amount    decimal.Decimal `json:"amount" binding:"required"`
	Currency  string          `json:"currency" binding:"required"`
	Method    string          `json:"method"`
	Reference string          `json:"reference"`
	CreatedBy string          `json:"created_by"`
}

// ResolveExceptionRequest names the user resolving an exception.
type ResolveExceptionRequest struct {
	ResolvedBy uuid.UUID `json:"resolved_by" binding:"required"`
}

// HandleUpload accepts a multipart document upload and creates a NEW invoice.
func (h *InvoiceHandler) HandleUpload(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-upload-invoice")
	defer h.tracer.EndTransaction(txn)

	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	actor := c.PostForm("actor")
	invoice, err := h.invoiceService.Upload(c, tenantID, actor, fileHeader.Filename, data)
	if err != nil {
		h.writeError(c, txn, err)
		return
	}

	c.JSON(http.StatusCreated, invoice)
}

// HandleGet returns one invoice.
func (h *InvoiceHandler) HandleGet(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	invoiceID, ok := h.pathUUID(c, "id")
	if !ok {
		return
	}

	invoice, err := h.invoiceService.Get(c, tenantID, invoiceID)
	if err != nil {
		h.writeError(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, invoice)
}

// HandleList returns a tenant's invoices, optionally filtered by status.
func (h *InvoiceHandler) HandleList(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}

	status := models.InvoiceStatus(c.Query("status"))
	invoices, err := h.invoiceService.List(c, tenantID, status, queryLimit(c))
	if err != nil {
		h.writeError(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": invoices})
}

// HandleExtract applies extracted fields to an invoice.
func (h *InvoiceHandler) HandleExtract(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-extract-invoice")
	defer h.tracer.EndTransaction(txn)

	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	invoiceID, ok := h.pathUUID(c, "id")
	if !ok {
		return
	}

	var req ExtractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	patch := services.FieldPatch{
		Vendor:        req.Vendor,
		InvoiceNumber: req.InvoiceNumber,
		InvoiceDate:   req.InvoiceDate,
		DueDate:       req.DueDate,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Confidence:    req.Confidence,
	}

	invoice, err := h.invoiceService.Extract(c, tenantID, invoiceID, patch, c.Query("actor"))
	if err != nil {
		h.writeError(c, txn, err)
		return
	}
	c.JSON(http.StatusOK, invoice)
}

// HandleValidate runs the rule engine over an invoice.
func (h *InvoiceHandler) HandleValidate(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-validate-invoice")
	defer h.tracer.EndTransaction(txn)

	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	invoiceID, ok := h.pathUUID(c, "id")
	if !ok {
		return
	}

	invoice, exceptions, err := h.invoiceService.Validate(c, tenantID, invoiceID, c.Query("actor"))
	if err != nil {
		h.writeError(c, txn, err)
		return
	}

	if exceptions == nil {
		exceptions = []models.InvoiceException{}
	}
	c.JSON(http.StatusOK, gin.H{
		"invoice":    invoice,
		"exceptions": exceptions,
	})
}

// HandleDecision records an approval decision.
func (h *InvoiceHandler) HandleDecision(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-invoice-decision")
	defer h.tracer.EndTransaction(txn)

	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	invoiceID, ok := h.pathUUID(c, "id")
	if !ok {
		return
	}

	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	invoice, err := h.invoiceService.Decide(c, tenantID, invoiceID, req.Decision, req.DecidedBy, req.Notes)
	if err != nil {
		h.writeError(c, txn, err)
		return
	}
	c.JSON(http.StatusOK, invoice)
}

// HandlePayment records a payment against an approved invoice.
func (h *InvoiceHandler) HandlePayment(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	invoiceID, ok := h.pathUUID(c, "id")
	if !ok {
		return
	}

	var req PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	payment, err := h.invoiceService.RecordPayment(c, tenantID, invoiceID, req.Amount, req.Currency, req.Method, req.Reference, req.CreatedBy)
	if err != nil {
		h.writeError(c, nil, err)
		return
	}
	c.JSON(http.StatusCreated, payment)
}

// HandleListExceptions returns an invoice's exceptions.
func (h *InvoiceHandler) HandleListExceptions(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	invoiceID, ok := h.pathUUID(c, "id")
	if !ok {
		return
	}

	exceptions, err := h.invoiceService.ListExceptions(c, tenantID, invoiceID)
	if err != nil {
		h.writeError(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": exceptions})
}

// HandleResolveException marks an exception resolved.
func (h *InvoiceHandler) HandleResolveException(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	invoiceID, ok := h.pathUUID(c, "id")
	if !ok {
		return
	}
	exceptionID, ok := h.pathUUID(c, "exception_id")
	if !ok {
		return
	}

	var req ResolveExceptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.invoiceService.ResolveException(c, tenantID, invoiceID, exceptionID, req.ResolvedBy); err != nil {
		h.writeError(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": true})
}

// HandleListAuditEvents returns a tenant's audit trail.
func (h *InvoiceHandler) HandleListAuditEvents(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}

	events, err := h.auditEvents.List(c, tenantID, c.Query("entity_id"), queryLimit(c))
	if err != nil {
		h.writeError(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": events})
}

// RegisterRoutes registers the handler's routes
func (h *InvoiceHandler) RegisterRoutes(router *gin.Engine) {
	tenant := router.Group("/api/v1/tenants/:tenant_id")
	{
		tenant.POST("/invoices", h.HandleUpload)
		tenant.GET("/invoices", h.HandleList)
		tenant.GET("/invoices/:id", h.HandleGet)
		tenant.PATCH("/invoices/:id/extract", h.HandleExtract)
		tenant.POST("/invoices/:id/validate", h.HandleValidate)
		tenant.POST("/invoices/:id/decision", h.HandleDecision)
		tenant.POST("/invoices/:id/payments", h.HandlePayment)
		tenant.GET("/invoices/:id/exceptions", h.HandleListExceptions)
		tenant.POST("/invoices/:id/exceptions/:exception_id/resolve", h.HandleResolveException)
		tenant.GET("/audit-events", h.HandleListAuditEvents)
	}
}

func (h *InvoiceHandler) tenantID(c *gin.Context) (uuid.UUID, bool) {
	return h.parseUUID(c, c.Param("tenant_id"))
}

func (h *InvoiceHandler) pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	return h.parseUUID(c, c.Param(name))
}

func (h *InvoiceHandler) parseUUID(c *gin.Context, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid identifier"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *InvoiceHandler) writeError(c *gin.Context, txn *newrelic.Transaction, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, services.ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Msg("Request failed")
		h.tracer.RecordError(txn, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	return limit
}
