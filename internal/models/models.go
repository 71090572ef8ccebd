package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// InvoiceStatus enumerates the invoice lifecycle.
//
// NEW → EXTRACTED → VALIDATED | APPROVAL_PENDING → APPROVED | REJECTED → PAID
//
// APPROVED, REJECTED and PAID are terminal: only the approval processor and
// payment recording write them.
type InvoiceStatus string

const (
	StatusNew             InvoiceStatus = "NEW"
	StatusExtracted       InvoiceStatus = "EXTRACTED"
	StatusValidated       InvoiceStatus = "VALIDATED"
	StatusApprovalPending InvoiceStatus = "APPROVAL_PENDING"
	StatusApproved        InvoiceStatus = "APPROVED"
	StatusRejected        InvoiceStatus = "REJECTED"
	StatusPaid            InvoiceStatus = "PAID"
)

// InvoiceSource identifies how an invoice entered the system.
type InvoiceSource string

const (
	SourceUpload InvoiceSource = "UPLOAD"
	SourceEmail  InvoiceSource = "EMAIL"
)

// Decision values recorded by the approval processor.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// Exception severities.
const (
	SeverityError   = "ERROR"
	SeverityWarning = "WARNING"
)

// Exception statuses.
const (
	ExceptionOpen     = "OPEN"
	ExceptionResolved = "RESOLVED"
)

// IngestionRun terminal statuses.
const (
	RunSuccess = "SUCCESS"
	RunPartial = "PARTIAL"
	RunFail    = "FAIL"
)

// User roles.
const (
	RoleAdmin    = "ADMIN"
	RoleAuditor  = "AUDITOR"
	RoleApprover = "APPROVER"
	RoleUploader = "UPLOADER"
	RoleViewer   = "VIEWER"
)

// Tenant is an isolated customer account. Inbound email is routed to a tenant
// by matching the local part of the recipient address to InboundEmailAlias.
type Tenant struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	Name              string    `gorm:"not null" json:"name"`
	InboundEmailAlias string    `gorm:"not null;uniqueIndex" json:"inbound_email_alias"`
	// Comma-separated ISO currency codes; empty falls back to the process default.
	AllowedCurrencies string `json:"allowed_currencies"`
}

// AllowedCurrencyList splits the tenant's configured currency codes, falling
// back to the supplied defaults when the tenant has none configured.
func (t *Tenant) AllowedCurrencyList(defaults []string) []string {
	if t == nil || strings.TrimSpace(t.AllowedCurrencies) == "" {
		return defaults
	}
	var out []string
	for _, c := range strings.Split(t.AllowedCurrencies, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return defaults
	}
	return out
}

// User is a back-office account. Authentication and session issuance live in
// the API gateway; this service only stores the account row.
type User struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	TenantID     uuid.UUID `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Email        string    `gorm:"not null;uniqueIndex" json:"email"`
	PasswordHash string    `gorm:"not null" json:"-"`
	FullName     string    `json:"full_name"`
	Role         string    `gorm:"default:VIEWER" json:"role"`
	IsActive     bool      `gorm:"default:true" json:"is_active"`
}

// Invoice is the central entity moving through the lifecycle. The invoice
// binary lives in external storage; only FilePath is recorded here.
type Invoice struct {
	ID               uuid.UUID           `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt        time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
	TenantID         uuid.UUID           `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Vendor           string              `json:"vendor"`
	InvoiceNumber    string              `gorm:"index" json:"invoice_number"`
	InvoiceDate      *time.Time          `json:"invoice_date"`
	DueDate          *time.Time          `json:"due_date"`
	Amount           decimal.NullDecimal `gorm:"type:numeric(14,2)" json:"amount"`
	Currency         string              `json:"currency"`
	Status           InvoiceStatus       `gorm:"type:varchar(30);not null;default:NEW;index" json:"status"`
	FilePath         string              `json:"file_path"`
	OriginalFilename string              `json:"original_filename"`
	ExtractedJSON    []byte              `gorm:"type:jsonb" json:"extracted_json"`
	Source           InvoiceSource       `gorm:"type:varchar(20);default:UPLOAD" json:"source"`
	// SourceMessageID correlates an email-ingested invoice back to the
	// originating mailbox message. Not unique: redelivery dedup is handled
	// by the ingestion worker.
	SourceMessageID string `gorm:"index" json:"source_message_id"`

	Exceptions []InvoiceException `gorm:"foreignKey:InvoiceID;constraint:OnDelete:CASCADE" json:"-"`
	Approvals  []Approval         `gorm:"foreignKey:InvoiceID;constraint:OnDelete:CASCADE" json:"-"`
	Payments   []Payment          `gorm:"foreignKey:InvoiceID;constraint:OnDelete:CASCADE" json:"-"`
}

// InvoiceException records one validation-rule violation. Immutable once
// created except for the resolution fields.
type InvoiceException struct {
	ID               uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	TenantID         uuid.UUID  `gorm:"type:uuid;index" json:"tenant_id"`
	InvoiceID        uuid.UUID  `gorm:"type:uuid;not null;index" json:"invoice_id"`
	Code             string     `gorm:"not null" json:"code"`
	Message          string     `gorm:"not null" json:"message"`
	Severity         string     `gorm:"default:ERROR" json:"severity"`
	Status           string     `gorm:"default:OPEN" json:"status"`
	ResolvedAt       *time.Time `json:"resolved_at"`
	ResolvedByUserID *uuid.UUID `gorm:"type:uuid" json:"resolved_by_user_id"`
}

// Approval is one human decision on an invoice. Append-only.
type Approval struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	TenantID  uuid.UUID `gorm:"type:uuid;index" json:"tenant_id"`
	InvoiceID uuid.UUID `gorm:"type:uuid;not null;index" json:"invoice_id"`
	Decision  Decision  `gorm:"type:varchar(10);not null" json:"decision"`
	DecidedBy string    `gorm:"not null" json:"decided_by"`
	DecidedAt time.Time `json:"decided_at"`
	Notes     string    `json:"notes"`
}

// Payment records money paid against an approved invoice. No payment is
// executed by this system; rows describe external settlements.
type Payment struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	TenantID      uuid.UUID       `gorm:"type:uuid;index" json:"tenant_id"`
	InvoiceID     uuid.UUID       `gorm:"type:uuid;not null;index" json:"invoice_id"`
	PaidAmount    decimal.Decimal `gorm:"type:numeric(14,2)" json:"paid_amount"`
	PaidCurrency  string          `json:"paid_currency"`
	PaidAt        time.Time       `json:"paid_at"`
	PaymentMethod string          `json:"payment_method"`
	Reference     string          `json:"reference"`
	CreatedBy     string          `json:"created_by"`
}

// AuditEvent is an append-only compliance log row. It references entities by
// identifier only, with no foreign key, so the trail survives entity deletion.
// Rows are never updated or deleted.
type AuditEvent struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Timestamp  time.Time `gorm:"autoCreateTime;index" json:"timestamp"`
	TenantID   uuid.UUID `gorm:"type:uuid;index" json:"tenant_id"`
	RequestID  string    `json:"request_id"`
	Actor      string    `gorm:"not null;default:system" json:"actor"`
	EventType  string    `gorm:"not null" json:"event_type"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `gorm:"index" json:"entity_id"`
	Source     string    `json:"source"`
	Confidence *float64  `json:"confidence"`
	Notes      string    `json:"notes"`
	Metadata   []byte    `gorm:"type:jsonb" json:"metadata"`
}

// IngestionRun is one record per mailbox poll cycle. TenantID is nullable
// because a single cycle can span messages for multiple tenants.
type IngestionRun struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID        *uuid.UUID `gorm:"type:uuid;index" json:"tenant_id"`
	Provider        string     `gorm:"default:MAILHOG" json:"provider"`
	RunStartedAt    time.Time  `json:"run_started_at"`
	RunFinishedAt   *time.Time `json:"run_finished_at"`
	EmailsSeen      int        `gorm:"default:0" json:"emails_seen"`
	EmailsProcessed int        `gorm:"default:0" json:"emails_processed"`
	InvoicesCreated int        `gorm:"default:0" json:"invoices_created"`
	FailuresCount   int        `gorm:"default:0" json:"failures_count"`
	RetriesCount    int        `gorm:"default:0" json:"retries_count"`
	Status          string     `gorm:"default:SUCCESS" json:"status"`
	LastError       string     `json:"last_error"`
}

// IsDecidable reports whether an invoice in status s may receive an approval
// decision. Any other status is a caller error (conflict).
func (s InvoiceStatus) IsDecidable() bool {
	return s == StatusValidated || s == StatusApprovalPending
}

// IsTerminal reports whether no further automatic transition occurs from s.
func (s InvoiceStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusPaid
}

// SetupModels runs auto-migration for all tables.
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Tenant{},
		&User{},
		&Invoice{},
		&InvoiceException{},
		&Approval{},
		&Payment{},
		&AuditEvent{},
		&IngestionRun{},
	)
	if err != nil {
		return errors.Wrap(err, "failed to migrate models")
	}
	return nil
}
