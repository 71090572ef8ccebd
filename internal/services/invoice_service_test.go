package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"example.com/backoffice/internal/audit"
	"example.com/backoffice/internal/metrics"
	"example.com/backoffice/internal/models"
	"example.com/backoffice/internal/repositories"
	"example.com/backoffice/internal/storage"
	"example.com/backoffice/internal/validation"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.SetupModels(db))
	return db
}

func newTestInvoiceService(t *testing.T, db *gorm.DB) *InvoiceService {
	t.Helper()

	invoices := repositories.NewInvoiceRepository(db, db)
	tenants := repositories.NewTenantRepository(db, db, nil)
	exceptions := repositories.NewExceptionRepository(db, db)

	files, err := storage.NewLocalFileStore(t.TempDir())
	require.NoError(t, err)

	engine := validation.NewEngine(validation.VocabularyPerField,
		[]string{"AED", "USD", "EUR", "GBP"}, invoices)

	return NewInvoiceService(InvoiceServiceParams{
		DB:         db,
		Invoices:   invoices,
		Tenants:    tenants,
		Exceptions: exceptions,
		Engine:     engine,
		Recorder:   audit.NewRecorder(),
		Files:      files,
		Metrics:    metrics.NewMetrics(),
	})
}

func seedTenant(t *testing.T, db *gorm.DB) *models.Tenant {
	t.Helper()
	tenant := &models.Tenant{
		ID:                uuid.New(),
		Name:              "Acme Corp",
		InboundEmailAlias: "acme-invoices",
	}
	require.NoError(t, db.Create(tenant).Error)
	return tenant
}

func seedInvoice(t *testing.T, db *gorm.DB, tenantID uuid.UUID, mutate func(*models.Invoice)) *models.Invoice {
	t.Helper()
	date := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	invoice := &models.Invoice{
		ID:            uuid.New(),
		TenantID:      tenantID,
		Vendor:        "Gulf Supplies FZE",
		InvoiceNumber: "GS-2042",
		InvoiceDate:   &date,
		Amount:        decimal.NewNullDecimal(decimal.RequireFromString("820.00")),
		Currency:      "AED",
		Status:        models.StatusExtracted,
		FilePath:      "/tmp/gs-2042.pdf",
	}
	if mutate != nil {
		mutate(invoice)
	}
	require.NoError(t, db.Create(invoice).Error)
	return invoice
}

func auditEvents(t *testing.T, db *gorm.DB, entityID string) []models.AuditEvent {
	t.Helper()
	var events []models.AuditEvent
	require.NoError(t, db.Where("entity_id = ?", entityID).Order("timestamp ASC").Find(&events).Error)
	return events
}

func TestUploadCreatesNewInvoiceWithAudit(t *testing.T) {
	db := newTestDB(t)
	svc := newTestInvoiceService(t, db)
	tenant := seedTenant(t, db)

	invoice, err := svc.Upload(context.Background(), tenant.ID, "ops@acme", "march.pdf", []byte("%PDF-1.4"))

	require.NoError(t, err)
	require.Equal(t, models.StatusNew, invoice.Status)
	require.Equal(t, models.SourceUpload, invoice.Source)
	require.NotEmpty(t, invoice.FilePath)
	require.Equal(t, "march.pdf", invoice.OriginalFilename)

	events := auditEvents(t, db, invoice.ID.String())
	require.Len(t, events, 1)
	require.Equal(t, audit.EventInvoiceUploaded, events[0].EventType)
	require.Equal(t, "ops@acme", events[0].Actor)
}

func TestUploadUnknownTenant(t *testing.T) {
	db := newTestDB(t)
	svc := newTestInvoiceService(t, db)

	_, err := svc.Upload(context.Background(), uuid.New(), "", "x.pdf", []byte("x"))

	require.ErrorIs(t, err, ErrNotFound)
}

func TestExtractAppliesPatchAndKeepsEarlierValues(t *testing.T) {
	db := newTestDB(t)
	svc := newTestInvoiceService(t, db)
	tenant := seedTenant(t, db)
	invoice := seedInvoice(t, db, tenant.ID, func(inv *models.Invoice) {
		inv.Status = models.StatusNew
	})

	vendor := "New Vendor LLC"
	updated, err := svc.Extract(context.Background(), tenant.ID, invoice.ID, FieldPatch{Vendor: &vendor}, "")

	require.NoError(t, err)
	require.Equal(t, models.StatusExtracted, updated.Status)
	require.Equal(t, "New Vendor LLC", updated.Vendor)
	// Fields absent from the patch are untouched.
	require.Equal(t, "GS-2042", updated.InvoiceNumber)
	require.True(t, updated.Amount.Valid)

	events := auditEvents(t, db, invoice.ID.String())
	require.Len(t, events, 1)
	require.Equal(t, audit.EventInvoiceExtracted, events[0].EventType)
}

func TestValidateCompleteInvoiceBecomesValidated(t *testing.T) {
	db := newTestDB(t)
	svc := newTestInvoiceService(t, db)
	tenant := seedTenant(t, db)
	invoice := seedInvoice(t, db, tenant.ID, nil)

	updated, exceptions, err := svc.Validate(context.Background(), tenant.ID, invoice.ID, "")

	require.NoError(t, err)
	require.Empty(t, exceptions)
	require.Equal(t, models.StatusValidated, updated.Status)

	events := auditEvents(t, db, invoice.ID.String())
	require.Len(t, events, 1)
	require.Equal(t, audit.EventInvoiceValidated, events[0].EventType)
}

func TestValidateIncompleteInvoicePendsWithExceptions(t *testing.T) {
	db := newTestDB(t)
	svc := newTestInvoiceService(t, db)
	tenant := seedTenant(t, db)
	invoice := seedInvoice(t, db, tenant.ID, func(inv *models.Invoice) {
		inv.Vendor = ""
		inv.Amount = decimal.NullDecimal{}
	})

	updated, exceptions, err := svc.Validate(context.Background(), tenant.ID, invoice.ID, "")

	require.NoError(t, err)
	require.Equal(t, models.StatusApprovalPending, updated.Status)
	require.NotEmpty(t, exceptions)

	var stored []models.InvoiceException
	require.NoError(t, db.Where("invoice_id = ?", invoice.ID).Find(&stored).Error)
	require.Len(t, stored, len(exceptions))
	for _, exc := range stored {
		require.Equal(t, models.ExceptionOpen, exc.Status)
		require.Equal(t, tenant.ID, exc.TenantID)
	}
}

func TestRevalidationReplacesOpenExceptions(t *testing.T) {
	db := newTestDB(t)
	svc := newTestInvoiceService(t, db)
	tenant := seedTenant(t, db)
	invoice := seedInvoice(t, db, tenant.ID, func(inv *models.Invoice) {
		inv.Vendor = ""
	})

	_, first, err := svc.Validate(context.Background(), tenant.ID, invoice.ID, "")
	require.NoError(t, err)
	_, second, err := svc.Validate(context.Background(), tenant.ID, invoice.ID, "")
	require.NoError(t, err)
	require.Len(t, second, len(first))

	var count int64
	require.NoError(t, db.Model(&models.InvoiceException{}).Where("invoice_id = ?", invoice.ID).Count(&count).Error)
	require.EqualValues(t, len(first), count)
}

func TestMissingFileWarningDoesNotBlock(t *testing.T) {
	db := newTestDB(t)
	svc := newTestInvoiceService(t, db)
	tenant := seedTenant(t, db)
	invoice := seedInvoice(t, db, tenant.ID, func(inv *models.Invoice) {
		inv.FilePath = ""
	})

	updated, exceptions, err := svc.Validate(context.Background(), tenant.ID, invoice.ID, "")

	require.NoError(t, err)
	require.Len(t, exceptions, 1)
	require.Equal(t, validation.CodeMissingFile, exceptions[0].Code)
	require.Equal(t, models.SeverityWarning, exceptions[0].Severity)
	require.Equal(t, models.StatusValidated, updated.Status)
}

func TestValidateDuplicateFlagsOnlyTheLaterInvoice(t *testing.T) {
	db := newTestDB(t)
	svc := newTestInvoiceService(t, db)
	tenant := seedTenant(t, db)

	older := seedInvoice(t, db, tenant.ID, nil)
	_, exceptions, err := svc.Validate(context.Background(), tenant.ID, older.ID, "")
	require.NoError(t, err)
	require.Empty(t, exceptions)

	newer := seedInvoice(t, db, tenant.ID, nil)
	updated, exceptions, err := svc.Validate(context.Background(), tenant.ID, newer.ID, "")
	require.NoError(t, err)
	require.Equal(t, models.StatusApprovalPending, updated.Status)
	require.Len(t, exceptions, 1)
	require.Equal(t, validation.CodeDuplicateInvoice, exceptions[0].Code)

	// The older invoice's stored result is untouched.
	var count int64
	require.NoError(t, db.Model(&models.InvoiceException{}).Where("invoice_id = ?", older.ID).Count(&count).Error)
	require.Zero(t, count)
}

func TestDecideRejectsNonDecidableStatus(t *testing.T) {
	db := newTestDB(t)
	svc := newTestInvoiceService(t, db)
	tenant := seedTenant(t, db)

	for _, status := range []models.InvoiceStatus{
		models.StatusNew, models.StatusExtracted,
		models.StatusApproved, models.StatusRejected, models.StatusPaid,
	} {
		invoice := seedInvoice(t, db, tenant.ID, func(inv *models.Invoice) {
			inv.Status = status
			inv.InvoiceNumber = "GS-" + uuid.New().String()
		})

		_, err := svc.Decide(context.Background(), tenant.ID, invoice.ID, models.DecisionApprove, "cfo@acme", "")
		require.ErrorIs(t, err, ErrInvalidStatus, string(status))

		var reloaded models.Invoice
		require.NoError(t, db.First(&reloaded, "id = ?", invoice.ID).Error)
		require.Equal(t, status, reloaded.Status)

		var approvals int64
		require.NoError(t, db.Model(&models.Approval{}).Where("invoice_id = ?", invoice.ID).Count(&approvals).Error)
		require.Zero(t, approvals)
	}
}

func TestDecideApprove(t *testing.T) {
	db := newTestDB(t)
	svc := newTestInvoiceService(t, db)
	tenant := seedTenant(t, db)
	invoice := seedInvoice(t, db, tenant.ID, func(inv *models.Invoice) {
		inv.Status = models.StatusValidated
	})

	updated, err := svc.Decide(context.Background(), tenant.ID, invoice.ID, models.DecisionApprove, "cfo@acme", "looks right")

	require.NoError(t, err)
	require.Equal(t, models.StatusApproved, updated.Status)

	var approval models.Approval
	require.NoError(t, db.First(&approval, "invoice_id = ?", invoice.ID).Error)
	require.Equal(t, models.DecisionApprove, approval.Decision)
	require.Equal(t, "cfo@acme", approval.DecidedBy)

	events := auditEvents(t, db, invoice.ID.String())
	require.Len(t, events, 1)
	require.Equal(t, audit.EventInvoiceApproved, events[0].EventType)
}

func TestDecideRejectFromApprovalPending(t *testing.T) {
	db := newTestDB(t)
	svc := newTestInvoiceService(t, db)
	tenant := seedTenant(t, db)
	invoice := seedInvoice(t, db, tenant.ID, func(inv *models.Invoice) {
		inv.Status = models.StatusApprovalPending
	})

	updated, err := svc.Decide(context.Background(), tenant.ID, invoice.ID, models.DecisionReject, "cfo@acme", "duplicate")

	require.NoError(t, err)
	require.Equal(t, models.StatusRejected, updated.Status)

	events := auditEvents(t, db, invoice.ID.String())
	require.Len(t, events, 1)
	require.Equal(t, audit.EventInvoiceRejected, events[0].EventType)
}

func TestRecordPaymentOnlyFromApproved(t *testing.T) {
	db := newTestDB(t)
	svc := newTestInvoiceService(t, db)
	tenant := seedTenant(t, db)

	pending := seedInvoice(t, db, tenant.ID, nil)
	_, err := svc.RecordPayment(context.Background(), tenant.ID, pending.ID,
		decimal.RequireFromString("820.00"), "AED", "BANK_TRANSFER", "TX-1", "finance@acme")
	require.ErrorIs(t, err, ErrInvalidStatus)

	approved := seedInvoice(t, db, tenant.ID, func(inv *models.Invoice) {
		inv.Status = models.StatusApproved
		inv.InvoiceNumber = "GS-2043"
	})
	payment, err := svc.RecordPayment(context.Background(), tenant.ID, approved.ID,
		decimal.RequireFromString("820.00"), "AED", "BANK_TRANSFER", "TX-2", "finance@acme")
	require.NoError(t, err)
	require.Equal(t, "TX-2", payment.Reference)

	var reloaded models.Invoice
	require.NoError(t, db.First(&reloaded, "id = ?", approved.ID).Error)
	require.Equal(t, models.StatusPaid, reloaded.Status)
}

func TestResolveException(t *testing.T) {
	db := newTestDB(t)
	svc := newTestInvoiceService(t, db)
	tenant := seedTenant(t, db)
	invoice := seedInvoice(t, db, tenant.ID, func(inv *models.Invoice) {
		inv.Vendor = ""
	})

	_, exceptions, err := svc.Validate(context.Background(), tenant.ID, invoice.ID, "")
	require.NoError(t, err)
	require.NotEmpty(t, exceptions)

	resolver := uuid.New()
	require.NoError(t, svc.ResolveException(context.Background(), tenant.ID, invoice.ID, exceptions[0].ID, resolver))

	var reloaded models.InvoiceException
	require.NoError(t, db.First(&reloaded, "id = ?", exceptions[0].ID).Error)
	require.Equal(t, models.ExceptionResolved, reloaded.Status)
	require.NotNil(t, reloaded.ResolvedAt)
	require.Equal(t, resolver, *reloaded.ResolvedByUserID)

	// Resolving again is a conflict: the row is no longer open.
	require.ErrorIs(t, svc.ResolveException(context.Background(), tenant.ID, invoice.ID, exceptions[0].ID, resolver), ErrNotFound)
}

func TestTenantIsolationOnReads(t *testing.T) {
	db := newTestDB(t)
	svc := newTestInvoiceService(t, db)
	tenant := seedTenant(t, db)
	other := &models.Tenant{ID: uuid.New(), Name: "Other", InboundEmailAlias: "other-invoices"}
	require.NoError(t, db.Create(other).Error)

	invoice := seedInvoice(t, db, tenant.ID, nil)

	_, err := svc.Get(context.Background(), other.ID, invoice.ID)
	require.ErrorIs(t, err, ErrNotFound)
}
