package audit

import (
	"encoding/json"
	"time"

	"example.com/backoffice/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Event types recorded by the core operations.
const (
	EventInvoiceUploaded   = "INVOICE_UPLOADED"
	EventInvoiceExtracted  = "INVOICE_EXTRACTED"
	EventInvoiceValidated  = "INVOICE_VALIDATED"
	EventInvoiceApproved   = "INVOICE_APPROVED"
	EventInvoiceRejected   = "INVOICE_REJECTED"
	EventEmailReceived     = "EMAIL_RECEIVED"
	EventPaymentRecorded   = "PAYMENT_RECORDED"
	EventExceptionResolved = "EXCEPTION_RESOLVED"
)

// ActorSystem is the actor recorded for machine-initiated mutations.
const ActorSystem = "system"

// Entry describes one state change to append to the audit trail.
type Entry struct {
	TenantID   uuid.UUID
	EventType  string
	EntityType string
	EntityID   string
	Actor      string
	RequestID  string
	Source     string
	Confidence *float64
	Notes      string
	Metadata   map[string]interface{}
}

// Recorder appends audit events. It exposes no update or delete: the trail
// is append-only by construction.
type Recorder struct{}

// NewRecorder creates an audit recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record appends one audit event on the caller's open transaction so the
// event commits atomically with the business mutation it describes. The
// caller commits.
func (r *Recorder) Record(tx *gorm.DB, entry Entry) (*models.AuditEvent, error) {
	if entry.Actor == "" {
		entry.Actor = ActorSystem
	}

	var metadata []byte
	if entry.Metadata != nil {
		var err error
		metadata, err = json.Marshal(entry.Metadata)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal audit metadata")
		}
	}

	event := models.AuditEvent{
		ID:         uuid.New(),
		Timestamp:  time.Now().UTC(),
		TenantID:   entry.TenantID,
		RequestID:  entry.RequestID,
		Actor:      entry.Actor,
		EventType:  entry.EventType,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Source:     entry.Source,
		Confidence: entry.Confidence,
		Notes:      entry.Notes,
		Metadata:   metadata,
	}

	if err := tx.Create(&event).Error; err != nil {
		return nil, errors.Wrap(err, "failed to append audit event")
	}

	log.Info().
		Str("event_type", entry.EventType).
		Str("entity_type", entry.EntityType).
		Str("entity_id", entry.EntityID).
		Str("actor", entry.Actor).
		Msg("Audit event recorded")

	return &event, nil
}
