package repositories

import (
	"context"
	"time"

	"example.com/backoffice/internal/cache"
	"example.com/backoffice/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// TenantRepository provides access to tenant data.
type TenantRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
	cache      *cache.RedisCache
}

// NewTenantRepository creates a new tenant repository.
func NewTenantRepository(db *gorm.DB, readOnlyDB *gorm.DB, redisCache *cache.RedisCache) *TenantRepository {
	return &TenantRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
		cache:      redisCache,
	}
}

// GetByID gets a tenant by ID. Every validation run reads the tenant for
// its rule overrides, so hits are cached like alias lookups.
func (r *TenantRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	if r.cache != nil {
		var cached models.Tenant
		if err := r.cache.Get(ctx, cache.TenantCacheKey(id), &cached); err == nil {
			return &cached, nil
		}
	}

	var tenant models.Tenant
	err := r.readOnlyDB.WithContext(ctx).First(&tenant, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get tenant by ID")
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, cache.TenantCacheKey(id), &tenant, 5*time.Minute); err != nil {
			log.Warn().Err(err).Str("tenant_id", id.String()).Msg("Failed to cache tenant")
		}
	}
	return &tenant, nil
}

// GetByInboundAlias resolves a tenant by its inbound email alias. Alias
// lookups run once per ingested message, so hits are cached.
func (r *TenantRepository) GetByInboundAlias(ctx context.Context, alias string) (*models.Tenant, error) {
	if r.cache != nil {
		var cached models.Tenant
		if err := r.cache.Get(ctx, cache.TenantAliasCacheKey(alias), &cached); err == nil {
			return &cached, nil
		}
	}

	var tenant models.Tenant
	err := r.readOnlyDB.WithContext(ctx).Where("inbound_email_alias = ?", alias).First(&tenant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get tenant by inbound alias")
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, cache.TenantAliasCacheKey(alias), &tenant, 5*time.Minute); err != nil {
			log.Warn().Err(err).Str("alias", alias).Msg("Failed to cache tenant alias")
		}
	}
	return &tenant, nil
}

// InvoiceRepository provides access to invoice data.
type InvoiceRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewInvoiceRepository creates a new invoice repository.
func NewInvoiceRepository(db *gorm.DB, readOnlyDB *gorm.DB) *InvoiceRepository {
	return &InvoiceRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Create creates a new invoice.
func (r *InvoiceRepository) Create(ctx context.Context, invoice *models.Invoice) error {
	return errors.Wrap(r.db.WithContext(ctx).Create(invoice).Error, "failed to create invoice")
}

// GetByID gets an invoice by ID within a tenant.
func (r *InvoiceRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.Invoice, error) {
	var invoice models.Invoice
	err := r.readOnlyDB.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get invoice by ID")
	}
	return &invoice, nil
}

// List returns a tenant's invoices, newest first, optionally filtered by status.
func (r *InvoiceRepository) List(ctx context.Context, tenantID uuid.UUID, status models.InvoiceStatus, limit int) ([]models.Invoice, error) {
	q := r.readOnlyDB.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var invoices []models.Invoice
	err := q.Order("created_at DESC").Limit(limit).Find(&invoices).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list invoices")
	}
	return invoices, nil
}

// FindDuplicate finds another invoice with the same (tenant, vendor, invoice
// number). Point-in-time read: no lock is taken, so concurrent creations can
// both pass. Returns nil when no duplicate exists.
func (r *InvoiceRepository) FindDuplicate(ctx context.Context, tenantID uuid.UUID, vendor, invoiceNumber string, excludeID uuid.UUID) (*models.Invoice, error) {
	var duplicate models.Invoice
	err := r.readOnlyDB.WithContext(ctx).
		Where("tenant_id = ? AND vendor = ? AND invoice_number = ? AND id <> ?",
			tenantID, vendor, invoiceNumber, excludeID).
		First(&duplicate).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to query duplicate invoice")
	}
	return &duplicate, nil
}

// ExistsForSourceMessage reports whether an invoice was already created from
// the given mailbox message and attachment. Used by the ingestion worker to
// keep re-polling idempotent when a processed message was not yet deleted.
func (r *InvoiceRepository) ExistsForSourceMessage(ctx context.Context, tenantID uuid.UUID, sourceMessageID, filename string) (bool, error) {
	var count int64
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.Invoice{}).
		Where("tenant_id = ? AND source_message_id = ? AND original_filename = ?",
			tenantID, sourceMessageID, filename).
		Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "failed to query source message")
	}
	return count > 0, nil
}

// ExceptionRepository provides access to invoice exceptions.
type ExceptionRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewExceptionRepository creates a new exception repository.
func NewExceptionRepository(db *gorm.DB, readOnlyDB *gorm.DB) *ExceptionRepository {
	return &ExceptionRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// ListByInvoice returns all exceptions recorded against an invoice.
func (r *ExceptionRepository) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]models.InvoiceException, error) {
	var exceptions []models.InvoiceException
	err := r.readOnlyDB.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("created_at ASC").
		Find(&exceptions).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list invoice exceptions")
	}
	return exceptions, nil
}

// Resolve marks an open exception as resolved.
func (r *ExceptionRepository) Resolve(ctx context.Context, id uuid.UUID, resolvedBy uuid.UUID) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&models.InvoiceException{}).
		Where("id = ? AND status = ?", id, models.ExceptionOpen).
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
	return nil
}

// AuditEventRepository provides read access to the audit trail. Writes go
// through the audit recorder inside business transactions; there is no
// update or delete path.
type AuditEventRepository struct {
	readOnlyDB *gorm.DB
}

// NewAuditEventRepository creates a new audit event repository.
func NewAuditEventRepository(readOnlyDB *gorm.DB) *AuditEventRepository {
	return &AuditEventRepository{readOnlyDB: readOnlyDB}
}

// List returns a tenant's audit trail, newest first, optionally filtered by
// entity id.
func (r *AuditEventRepository) List(ctx context.Context, tenantID uuid.UUID, entityID string, limit int) ([]models.AuditEvent, error) {
	q := r.readOnlyDB.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if entityID != "" {
		q = q.Where("entity_id = ?", entityID)
	}
	var events []models.AuditEvent
	err := q.Order("timestamp DESC").Limit(limit).Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list audit events")
	}
	return events, nil
}

// IngestionRunRepository provides access to ingestion run records.
type IngestionRunRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewIngestionRunRepository creates a new ingestion run repository.
func NewIngestionRunRepository(db *gorm.DB, readOnlyDB *gorm.DB) *IngestionRunRepository {
	return &IngestionRunRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Save persists a run record, inserting or updating by primary key. A run is
// written by its own cycle only and never revisited afterward.
func (r *IngestionRunRepository) Save(ctx context.Context, run *models.IngestionRun) error {
	return errors.Wrap(r.db.WithContext(ctx).Save(run).Error, "failed to save ingestion run")
}

// List returns recent ingestion runs, newest first.
func (r *IngestionRunRepository) List(ctx context.Context, limit int) ([]models.IngestionRun, error) {
	var runs []models.IngestionRun
	err := r.readOnlyDB.WithContext(ctx).
		Order("run_started_at DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list ingestion runs")
	}
	return runs, nil
}
