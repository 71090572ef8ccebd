package services

import (
	"context"
	"encoding/json"
	"time"

	"example.com/backoffice/internal/audit"
	"example.com/backoffice/internal/messaging"
	"example.com/backoffice/internal/metrics"
	"example.com/backoffice/internal/models"
	"example.com/backoffice/internal/repositories"
	"example.com/backoffice/internal/search"
	"example.com/backoffice/internal/storage"
	"example.com/backoffice/internal/tracing"
	"example.com/backoffice/internal/validation"

	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ErrInvalidStatus is returned when an operation is attempted against an
// invoice whose current status does not allow it.
var ErrInvalidStatus = errors.New("invoice status does not allow this operation")

// ErrNotFound mirrors the repository sentinel for handler convenience.
var ErrNotFound = repositories.ErrNotFound

// FieldPatch carries extraction results. Nil fields are left untouched so a
// partial extraction never erases values captured earlier.
type FieldPatch struct {
	Vendor        *string          `json:"vendor,omitempty"`
	InvoiceNumber *string          `json:"invoice_number,omitempty"`
	InvoiceDate   *time.Time       `json:"invoice_date,omitempty"`
	DueDate       *time.Time       `json:"due_date,omitempty"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Currency      *string          `json:"currency,omitempty"`
	Confidence    *float64         `json:"confidence,omitempty"`
}

// InvoiceServiceParams groups the collaborators an InvoiceService needs.
// Search, Bus and Tracer may be nil; the service degrades to logging.
type InvoiceServiceParams struct {
	DB         *gorm.DB
	Invoices   *repositories.InvoiceRepository
	Tenants    *repositories.TenantRepository
	Exceptions *repositories.ExceptionRepository
	Engine     *validation.Engine
	Recorder   *audit.Recorder
	Files      storage.FileStore
	Search     *search.ElasticClient
	Bus        messaging.ServiceBusClient
	Tracer     tracing.Tracer
	Metrics    *metrics.Metrics
}

// InvoiceService implements the invoice lifecycle: upload, extraction,
// validation, approval decisions, payments and exception resolution. Every
// mutation appends its audit event on the same transaction.
type InvoiceService struct {
	db         *gorm.DB
	invoices   *repositories.InvoiceRepository
	tenants    *repositories.TenantRepository
	exceptions *repositories.ExceptionRepository
	engine     *validation.Engine
	recorder   *audit.Recorder
	files      storage.FileStore
	search     *search.ElasticClient
	bus        messaging.ServiceBusClient
	tracer     tracing.Tracer
	metrics    *metrics.Metrics
}

// NewInvoiceService creates a new invoice service.
func NewInvoiceService(p InvoiceServiceParams) *InvoiceService {
	return &InvoiceService{
		db:         p.DB,
		invoices:   p.Invoices,
		tenants:    p.Tenants,
		exceptions: p.Exceptions,
		engine:     p.Engine,
		recorder:   p.Recorder,
		files:      p.Files,
		search:     p.Search,
		bus:        p.Bus,
		tracer:     p.Tracer,
		metrics:    p.Metrics,
	}
}

// Upload stores the document and creates a NEW invoice for it.
func (s *InvoiceService) Upload(ctx context.Context, tenantID uuid.UUID, actor, filename string, data []byte) (*models.Invoice, error) {
	if _, err := s.tenants.GetByID(ctx, tenantID); err != nil {
		return nil, err
	}

	path, err := s.files.Save(filename, data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to store uploaded document")
	}

	invoice := &models.Invoice{
		ID:               uuid.New(),
		TenantID:         tenantID,
		Status:           models.StatusNew,
		Source:           models.SourceUpload,
		FilePath:         path,
		OriginalFilename: filename,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(invoice).Error; err != nil {
			return errors.Wrap(err, "failed to create invoice")
		}
		_, err := s.recorder.Record(tx, audit.Entry{
			TenantID:   tenantID,
			EventType:  audit.EventInvoiceUploaded,
			EntityType: "invoice",
			EntityID:   invoice.ID.String(),
			Actor:      actor,
			Source:     string(models.SourceUpload),
			Metadata:   map[string]interface{}{"filename": filename},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.count("invoices_uploaded")
	log.Info().
		Str("invoice_id", invoice.ID.String()).
		Str("tenant_id", tenantID.String()).
		Msg("Invoice uploaded")
	return invoice, nil
}

// Extract applies extracted field values to an invoice and moves it to
// EXTRACTED. Terminal invoices reject extraction.
func (s *InvoiceService) Extract(ctx context.Context, tenantID, invoiceID uuid.UUID, patch FieldPatch, actor string) (*models.Invoice, error) {
	invoice, err := s.invoices.GetByID(ctx, tenantID, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice.Status.IsTerminal() {
		return nil, ErrInvalidStatus
	}

	applyPatch(invoice, patch)
	invoice.Status = models.StatusExtracted

	extracted, err := json.Marshal(patch)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal extraction payload")
	}
	invoice.ExtractedJSON = extracted

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(invoice).Error; err != nil {
			return errors.Wrap(err, "failed to update invoice")
		}
		_, err := s.recorder.Record(tx, audit.Entry{
			TenantID:   tenantID,
			EventType:  audit.EventInvoiceExtracted,
			EntityType: "invoice",
			EntityID:   invoice.ID.String(),
			Actor:      actor,
			Confidence: patch.Confidence,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.count("invoices_extracted")
	return invoice, nil
}

// Validate runs the rule engine over an invoice, replaces its open exception
// set with the fresh result, derives the next status and audits the pass.
// Exceptions, status and the audit event commit in one transaction.
func (s *InvoiceService) Validate(ctx context.Context, tenantID, invoiceID uuid.UUID, actor string) (*models.Invoice, []models.InvoiceException, error) {
	txn := s.startSpan("invoice.validate")
	defer s.endSpan(txn)

	invoice, err := s.invoices.GetByID(ctx, tenantID, invoiceID)
	if err != nil {
		return nil, nil, err
	}
	if invoice.Status.IsTerminal() {
		return nil, nil, ErrInvalidStatus
	}

	tenant, err := s.tenants.GetByID(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}

	found, err := s.engine.Validate(ctx, invoice, tenant)
	if err != nil {
		s.countError("validation")
		return nil, nil, errors.Wrap(err, "validation failed")
	}
	for i := range found {
		found[i].ID = uuid.New()
	}

	invoice.Status = validation.DeriveStatus(found)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Re-validation replaces the previous open set so repeated runs on
		// the same snapshot leave the same exceptions behind. Resolved rows
		// are history and stay.
		err := tx.Where("invoice_id = ? AND status = ?", invoice.ID, models.ExceptionOpen).
			Delete(&models.InvoiceException{}).Error
		if err != nil {
			return errors.Wrap(err, "failed to clear open exceptions")
		}
		if len(found) > 0 {
			if err := tx.Create(&found).Error; err != nil {
				return errors.Wrap(err, "failed to persist exceptions")
			}
		}
		if err := tx.Save(invoice).Error; err != nil {
			return errors.Wrap(err, "failed to update invoice status")
		}
		_, err = s.recorder.Record(tx, audit.Entry{
			TenantID:   tenantID,
			EventType:  audit.EventInvoiceValidated,
			EntityType: "invoice",
			EntityID:   invoice.ID.String(),
			Actor:      actor,
			Metadata: map[string]interface{}{
				"exception_count": len(found),
				"status":          invoice.Status,
			},
		})
		return err
	})
	if err != nil {
		s.countError("validation")
		return nil, nil, err
	}

	s.count("invoices_validated")
	s.countSuccess("validation")
	s.indexInvoice(ctx, invoice, tenant)
	s.publishEvent(ctx, "invoice.validated", invoice, actor)

	log.Info().
		Str("invoice_id", invoice.ID.String()).
		Str("status", string(invoice.Status)).
		Int("exceptions", len(found)).
		Msg("Invoice validated")
	return invoice, found, nil
}

// Decide records a human approval decision. Only VALIDATED and
// APPROVAL_PENDING invoices are decidable; anything else is a conflict and
// leaves the invoice untouched.
func (s *InvoiceService) Decide(ctx context.Context, tenantID, invoiceID uuid.UUID, decision models.Decision, decidedBy, notes string) (*models.Invoice, error) {
	if decision != models.DecisionApprove && decision != models.DecisionReject {
		return nil, errors.Errorf("unknown decision %q", decision)
	}

	invoice, err := s.invoices.GetByID(ctx, tenantID, invoiceID)
	if err != nil {
		return nil, err
	}
	if !invoice.Status.IsDecidable() {
		return nil, ErrInvalidStatus
	}

	eventType := audit.EventInvoiceApproved
	invoice.Status = models.StatusApproved
	if decision == models.DecisionReject {
		eventType = audit.EventInvoiceRejected
		invoice.Status = models.StatusRejected
	}

	approval := models.Approval{
		ID:        uuid.New(),
		TenantID:  tenantID,
		InvoiceID: invoice.ID,
		Decision:  decision,
		DecidedBy: decidedBy,
		DecidedAt: time.Now().UTC(),
		Notes:     notes,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&approval).Error; err != nil {
			return errors.Wrap(err, "failed to record approval")
		}
		if err := tx.Save(invoice).Error; err != nil {
			return errors.Wrap(err, "failed to update invoice status")
		}
		_, err := s.recorder.Record(tx, audit.Entry{
			TenantID:   tenantID,
			EventType:  eventType,
			EntityType: "invoice",
			EntityID:   invoice.ID.String(),
			Actor:      decidedBy,
			Notes:      notes,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.count("invoices_decided")
	s.publishEvent(ctx, "invoice.decided", invoice, decidedBy)

	log.Info().
		Str("invoice_id", invoice.ID.String()).
		Str("decision", string(decision)).
		Str("decided_by", decidedBy).
		Msg("Approval decision recorded")
	return invoice, nil
}

// RecordPayment records an external settlement against an APPROVED invoice
// and moves it to PAID.
func (s *InvoiceService) RecordPayment(ctx context.Context, tenantID, invoiceID uuid.UUID, amount decimal.Decimal, currency, method, reference, createdBy string) (*models.Payment, error) {
	invoice, err := s.invoices.GetByID(ctx, tenantID, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice.Status != models.StatusApproved {
		return nil, ErrInvalidStatus
	}

	payment := models.Payment{
		ID:            uuid.New(),
		TenantID:      tenantID,
		InvoiceID:     invoice.ID,
		PaidAmount:    amount,
		PaidCurrency:  currency,
		PaidAt:        time.Now().UTC(),
		PaymentMethod: method,
		Reference:     reference,
		CreatedBy:     createdBy,
	}
	invoice.Status = models.StatusPaid

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&payment).Error; err != nil {
			return errors.Wrap(err, "failed to record payment")
		}
		if err := tx.Save(invoice).Error; err != nil {
			return errors.Wrap(err, "failed to update invoice status")
		}
		_, err := s.recorder.Record(tx, audit.Entry{
			TenantID:   tenantID,
			EventType:  audit.EventPaymentRecorded,
			EntityType: "payment",
			EntityID:   payment.ID.String(),
			Actor:      createdBy,
			Metadata: map[string]interface{}{
				"invoice_id": invoice.ID.String(),
				"amount":     amount.String(),
				"currency":   currency,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.count("payments_recorded")
	return &payment, nil
}

// ResolveException marks an open exception resolved. Resolution does not
// re-derive the invoice status; a fresh validation pass does that.
func (s *InvoiceService) ResolveException(ctx context.Context, tenantID, invoiceID, exceptionID, resolvedBy uuid.UUID) error {
	invoice, err := s.invoices.GetByID(ctx, tenantID, invoiceID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.InvoiceException{}).
			Where("id = ? AND invoice_id = ? AND status = ?", exceptionID, invoice.ID, models.ExceptionOpen).
			Updates(map[string]interface{}{
				"status":              models.ExceptionResolved,
				"resolved_at":         now,
				"resolved_by_user_id": resolvedBy,
			})
		if result.Error != nil {
			return errors.Wrap(result.Error, "failed to resolve exception")
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		_, err := s.recorder.Record(tx, audit.Entry{
			TenantID:   tenantID,
			EventType:  audit.EventExceptionResolved,
			EntityType: "invoice_exception",
			EntityID:   exceptionID.String(),
			Actor:      resolvedBy.String(),
			Metadata:   map[string]interface{}{"invoice_id": invoice.ID.String()},
		})
		return err
	})
}

// Get returns one invoice within a tenant.
func (s *InvoiceService) Get(ctx context.Context, tenantID, invoiceID uuid.UUID) (*models.Invoice, error) {
	return s.invoices.GetByID(ctx, tenantID, invoiceID)
}

// List returns a tenant's invoices, optionally filtered by status.
func (s *InvoiceService) List(ctx context.Context, tenantID uuid.UUID, status models.InvoiceStatus, limit int) ([]models.Invoice, error) {
	return s.invoices.List(ctx, tenantID, status, limit)
}

// ListExceptions returns an invoice's exceptions.
func (s *InvoiceService) ListExceptions(ctx context.Context, tenantID, invoiceID uuid.UUID) ([]models.InvoiceException, error) {
	if _, err := s.invoices.GetByID(ctx, tenantID, invoiceID); err != nil {
		return nil, err
	}
	return s.exceptions.ListByInvoice(ctx, invoiceID)
}

func applyPatch(invoice *models.Invoice, patch FieldPatch) {
	if patch.Vendor != nil {
		invoice.Vendor = *patch.Vendor
	}
	if patch.InvoiceNumber != nil {
		invoice.InvoiceNumber = *patch.InvoiceNumber
	}
	if patch.InvoiceDate != nil {
		invoice.InvoiceDate = patch.InvoiceDate
	}
	if patch.DueDate != nil {
		invoice.DueDate = patch.DueDate
	}
	if patch.Amount != nil {
		invoice.Amount = decimal.NewNullDecimal(*patch.Amount)
	}
	if patch.Currency != nil {
		invoice.Currency = *patch.Currency
	}
}

func (s *InvoiceService) indexInvoice(ctx context.Context, invoice *models.Invoice, tenant *models.Tenant) {
	if s.search == nil {
		return
	}
	if err := s.search.IndexInvoice(ctx, invoice, tenant); err != nil {
		log.Warn().Err(err).Str("invoice_id", invoice.ID.String()).Msg("Failed to index invoice")
	}
}

func (s *InvoiceService) publishEvent(ctx context.Context, eventType string, invoice *models.Invoice, actor string) {
	if s.bus == nil {
		return
	}
	event := messaging.InvoiceEvent{
		EventType: eventType,
		TenantID:  invoice.TenantID.String(),
		InvoiceID: invoice.ID.String(),
		Status:    string(invoice.Status),
		Actor:     actor,
		Timestamp: time.Now().UTC(),
	}
	if err := s.bus.SendMessage(ctx, event); err != nil {
		log.Warn().Err(err).Str("invoice_id", invoice.ID.String()).Msg("Failed to publish invoice event")
	}
}

func (s *InvoiceService) startSpan(name string) *newrelic.Transaction {
	if s.tracer == nil {
		return nil
	}
	return s.tracer.StartTransaction(name)
}

func (s *InvoiceService) endSpan(txn *newrelic.Transaction) {
	if s.tracer != nil {
		s.tracer.EndTransaction(txn)
	}
}

func (s *InvoiceService) count(name string) {
	if s.metrics != nil {
		s.metrics.IncrementCounter(name)
	}
}

func (s *InvoiceService) countSuccess(name string) {
	if s.metrics != nil {
		s.metrics.RecordSuccess(name)
	}
}

func (s *InvoiceService) countError(name string) {
	if s.metrics != nil {
		s.metrics.RecordError(name)
	}
}
