package services

import (
	"context"
	"sync"
	"time"

	"example.com/backoffice/internal/audit"
	"example.com/backoffice/internal/mailbox"
	"example.com/backoffice/internal/metrics"
	"example.com/backoffice/internal/models"
	"example.com/backoffice/internal/repositories"
	"example.com/backoffice/internal/storage"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// IngestionServiceParams groups the collaborators an IngestionService needs.
type IngestionServiceParams struct {
	DB             *gorm.DB
	Provider       mailbox.Provider
	Tenants        *repositories.TenantRepository
	Invoices       *repositories.InvoiceRepository
	Runs           *repositories.IngestionRunRepository
	InvoiceService *InvoiceService
	Recorder       *audit.Recorder
	Files          storage.FileStore
	Metrics        *metrics.Metrics
	ProviderName   string
}

// errUnresolvedMessage marks a message that could not be matched to a
// tenant. It counts as a failure but not as a retry: the message will fail
// the same way every cycle until the alias exists.
var errUnresolvedMessage = errors.New("message not resolved to a tenant")

// IngestionService polls the tenant mailbox and turns attachments into
// invoices. One IngestionRun row is written per cycle, whatever happens.
// Message failures never abort the cycle: the message stays in the mailbox
// for the next poll and the run's failure counters record it.
type IngestionService struct {
	db             *gorm.DB
	provider       mailbox.Provider
	tenants        *repositories.TenantRepository
	invoices       *repositories.InvoiceRepository
	runs           *repositories.IngestionRunRepository
	invoiceService *InvoiceService
	recorder       *audit.Recorder
	files          storage.FileStore
	metrics        *metrics.Metrics
	providerName   string

	mu sync.Mutex // one cycle at a time
}

// NewIngestionService creates a new ingestion service.
func NewIngestionService(p IngestionServiceParams) *IngestionService {
	name := p.ProviderName
	if name == "" {
		name = "MAILHOG"
	}
	return &IngestionService{
		db:             p.DB,
		provider:       p.Provider,
		tenants:        p.Tenants,
		invoices:       p.Invoices,
		runs:           p.Runs,
		invoiceService: p.InvoiceService,
		recorder:       p.Recorder,
		files:          p.Files,
		metrics:        p.Metrics,
		providerName:   name,
	}
}

// RunCycle executes one poll cycle and persists its run record. A fetch
// failure aborts the cycle with a FAIL run; per-message failures are counted
// and the remaining messages still process.
func (s *IngestionService) RunCycle(ctx context.Context) (*models.IngestionRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := &models.IngestionRun{
		ID:           uuid.New(),
		Provider:     s.providerName,
		RunStartedAt: time.Now().UTC(),
	}

	messages, err := s.provider.FetchMessages(ctx)
	if err != nil {
		run.Status = models.RunFail
		run.LastError = err.Error()
		s.finishRun(ctx, run)
		if s.metrics != nil {
			s.metrics.SetHealth(metrics.ComponentMailbox, false)
		}
		return run, errors.Wrap(err, "failed to fetch mailbox messages")
	}

	run.EmailsSeen = len(messages)
	tenantSeen := map[uuid.UUID]bool{}

	for i := range messages {
		msg := &messages[i]
		tenantID, created, err := s.processMessage(ctx, msg)
		if tenantID != uuid.Nil {
			tenantSeen[tenantID] = true
		}
		run.InvoicesCreated += created

		if err != nil {
			// Leave the message in the mailbox; the next cycle retries it.
			// Only errors raised while processing count toward retries;
			// a tenant-resolution miss is recorded as a failure alone.
			run.FailuresCount++
			if !errors.Is(err, errUnresolvedMessage) {
				run.RetriesCount++
			}
			run.LastError = err.Error()
			log.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to process message")
			continue
		}

		run.EmailsProcessed++
		if err := s.provider.DeleteMessage(ctx, msg.ID); err != nil {
			log.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to delete processed message")
		}
	}

	// A run that touched exactly one tenant is attributed to it.
	if len(tenantSeen) == 1 {
		for id := range tenantSeen {
			tid := id
			run.TenantID = &tid
		}
	}

	run.Status = deriveRunStatus(run)
	s.finishRun(ctx, run)

	if s.metrics != nil {
		s.metrics.IncrementCounter("ingestion_cycles")
		s.metrics.IncrementCounterBy("ingestion_invoices_created", int64(run.InvoicesCreated))
		s.metrics.IncrementCounterBy("ingestion_failures", int64(run.FailuresCount))
		s.metrics.SetHealth(metrics.ComponentMailbox, true)
	}

	log.Info().
		Str("run_id", run.ID.String()).
		Int("seen", run.EmailsSeen).
		Int("processed", run.EmailsProcessed).
		Int("created", run.InvoicesCreated).
		Int("failures", run.FailuresCount).
		Str("status", run.Status).
		Msg("Ingestion cycle finished")
	return run, nil
}

// processMessage handles one mailbox message: resolve the tenant from the
// recipient alias, extract attachments, create and validate one invoice per
// attachment. Returns the tenant matched (uuid.Nil when none) and the number
// of invoices created.
func (s *IngestionService) processMessage(ctx context.Context, msg *mailbox.Message) (uuid.UUID, int, error) {
	address := mailbox.ResolveToAddress(msg)
	if address == "" {
		return uuid.Nil, 0, errors.Wrap(errUnresolvedMessage, "message has no resolvable recipient")
	}

	alias := mailbox.LocalPart(address)
	tenant, err := s.tenants.GetByInboundAlias(ctx, alias)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return uuid.Nil, 0, errors.Wrapf(errUnresolvedMessage, "no tenant found for alias %q", alias)
		}
		return uuid.Nil, 0, err
	}

	created := 0
	for _, attachment := range mailbox.ExtractAttachments(msg) {
		exists, err := s.invoices.ExistsForSourceMessage(ctx, tenant.ID, msg.ID, attachment.Filename)
		if err != nil {
			return tenant.ID, created, err
		}
		if exists {
			log.Debug().
				Str("message_id", msg.ID).
				Str("filename", attachment.Filename).
				Msg("Attachment already ingested, skipping")
			continue
		}

		if err := s.ingestAttachment(ctx, tenant, msg, attachment); err != nil {
			return tenant.ID, created, err
		}
		created++
	}
	return tenant.ID, created, nil
}

// ingestAttachment stores one attachment, creates its invoice with an
// EMAIL_RECEIVED audit event in one transaction, then runs validation on it.
func (s *IngestionService) ingestAttachment(ctx context.Context, tenant *models.Tenant, msg *mailbox.Message, attachment mailbox.Attachment) error {
	path, err := s.files.Save(attachment.Filename, attachment.Data)
	if err != nil {
		return errors.Wrap(err, "failed to store attachment")
	}

	invoice := &models.Invoice{
		ID:               uuid.New(),
		TenantID:         tenant.ID,
		Status:           models.StatusNew,
		Source:           models.SourceEmail,
		FilePath:         path,
		OriginalFilename: attachment.Filename,
		SourceMessageID:  msg.ID,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(invoice).Error; err != nil {
			return errors.Wrap(err, "failed to create invoice")
		}
		_, err := s.recorder.Record(tx, audit.Entry{
			TenantID:   tenant.ID,
			EventType:  audit.EventEmailReceived,
			EntityType: "invoice",
			EntityID:   invoice.ID.String(),
			Actor:      audit.ActorSystem,
			Source:     string(models.SourceEmail),
			Metadata: map[string]interface{}{
				"message_id": msg.ID,
				"filename":   attachment.Filename,
			},
		})
		return err
	})
	if err != nil {
		return err
	}

	if _, _, err := s.invoiceService.Validate(ctx, tenant.ID, invoice.ID, audit.ActorSystem); err != nil {
		return errors.Wrap(err, "failed to validate ingested invoice")
	}

	log.Info().
		Str("invoice_id", invoice.ID.String()).
		Str("tenant", tenant.Name).
		Str("filename", attachment.Filename).
		Msg("Invoice ingested from email")
	return nil
}

// deriveRunStatus maps a finished run's counters to its terminal status:
// any failure with nothing created is FAIL, failures alongside created
// invoices are PARTIAL, otherwise SUCCESS.
func deriveRunStatus(run *models.IngestionRun) string {
	switch {
	case run.FailuresCount > 0 && run.InvoicesCreated == 0:
		return models.RunFail
	case run.FailuresCount > 0:
		return models.RunPartial
	default:
		return models.RunSuccess
	}
}

func (s *IngestionService) finishRun(ctx context.Context, run *models.IngestionRun) {
	now := time.Now().UTC()
	run.RunFinishedAt = &now
	if err := s.runs.Save(ctx, run); err != nil {
		log.Error().Err(err).Str("run_id", run.ID.String()).Msg("Failed to persist ingestion run")
	}
}

// ListRuns returns recent ingestion runs for operators.
func (s *IngestionService) ListRuns(ctx context.Context, limit int) ([]models.IngestionRun, error) {
	return s.runs.List(ctx, limit)
}
