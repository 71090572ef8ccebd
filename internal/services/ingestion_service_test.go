package services

import (
	"context"
	"testing"

	"example.com/backoffice/internal/audit"
	"example.com/backoffice/internal/mailbox"
	"example.com/backoffice/internal/metrics"
	"example.com/backoffice/internal/models"
	"example.com/backoffice/internal/repositories"
	"example.com/backoffice/internal/storage"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// fakeProvider is an in-memory mailbox.Provider.
type fakeProvider struct {
	messages   []mailbox.Message
	deleted    map[string]bool
	fetchErr   error
	skipDelete bool
}

func newFakeProvider(messages ...mailbox.Message) *fakeProvider {
	return &fakeProvider{messages: messages, deleted: map[string]bool{}}
}

func (f *fakeProvider) FetchMessages(ctx context.Context) ([]mailbox.Message, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []mailbox.Message
	for _, m := range f.messages {
		if !f.deleted[m.ID] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeProvider) DeleteMessage(ctx context.Context, id string) error {
	if f.skipDelete {
		return errors.New("delete unavailable")
	}
	f.deleted[id] = true
	return nil
}

func pdfMessage(id, alias string) mailbox.Message {
	return mailbox.Message{
		ID: id,
		To: []mailbox.Recipient{{Mailbox: alias, Domain: "mailhog.local"}},
		MIME: &mailbox.MIME{Parts: []*mailbox.Part{
			{
				Headers: map[string][]string{"Content-Type": {"text/plain"}},
				Body:    "see attached",
			},
			{
				Headers: map[string][]string{
					"Content-Type":        {`application/pdf; name="statement.pdf"`},
					"Content-Disposition": {`attachment; filename="statement.pdf"`},
				},
				Body: "%PDF-1.4 fake",
			},
		}},
	}
}

const rawWithAttachment = "From: billing@vendor.example\r\n" +
	"To: acme-invoices@mailhog.local\r\n" +
	"Subject: March invoice\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"frontier\"\r\n" +
	"\r\n" +
	"--frontier\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"invoice attached\r\n" +
	"--frontier\r\n" +
	"Content-Type: application/pdf; name=\"inv.pdf\"\r\n" +
	"Content-Disposition: attachment; filename=\"inv.pdf\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"JVBERi0xLjQ=\r\n" +
	"--frontier--\r\n"

// failingFileStore rejects every write.
type failingFileStore struct{}

func (failingFileStore) Save(string, []byte) (string, error) {
	return "", errors.New("disk full")
}

func newTestIngestionService(t *testing.T, db *gorm.DB, provider mailbox.Provider) *IngestionService {
	t.Helper()

	files, err := storage.NewLocalFileStore(t.TempDir())
	require.NoError(t, err)
	return newTestIngestionServiceWithFiles(t, db, provider, files)
}

func newTestIngestionServiceWithFiles(t *testing.T, db *gorm.DB, provider mailbox.Provider, files storage.FileStore) *IngestionService {
	t.Helper()

	invoiceService := newTestInvoiceService(t, db)

	return NewIngestionService(IngestionServiceParams{
		DB:             db,
		Provider:       provider,
		Tenants:        repositories.NewTenantRepository(db, db, nil),
		Invoices:       repositories.NewInvoiceRepository(db, db),
		Runs:           repositories.NewIngestionRunRepository(db, db),
		InvoiceService: invoiceService,
		Recorder:       audit.NewRecorder(),
		Files:          files,
		Metrics:        metrics.NewMetrics(),
	})
}

func TestRunCycleCreatesInvoiceFromAttachment(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db)
	provider := newFakeProvider(pdfMessage("msg-1", tenant.InboundEmailAlias))
	svc := newTestIngestionService(t, db, provider)

	run, err := svc.RunCycle(context.Background())

	require.NoError(t, err)
	require.Equal(t, models.RunSuccess, run.Status)
	require.Equal(t, 1, run.EmailsSeen)
	require.Equal(t, 1, run.EmailsProcessed)
	require.Equal(t, 1, run.InvoicesCreated)
	require.Zero(t, run.FailuresCount)
	require.NotNil(t, run.TenantID)
	require.Equal(t, tenant.ID, *run.TenantID)
	require.True(t, provider.deleted["msg-1"])

	var invoice models.Invoice
	require.NoError(t, db.First(&invoice, "source_message_id = ?", "msg-1").Error)
	require.Equal(t, models.SourceEmail, invoice.Source)
	require.Equal(t, "statement.pdf", invoice.OriginalFilename)
	// No fields were extracted yet, so validation pends the invoice.
	require.Equal(t, models.StatusApprovalPending, invoice.Status)

	events := auditEvents(t, db, invoice.ID.String())
	require.Len(t, events, 2)
	require.Equal(t, audit.EventEmailReceived, events[0].EventType)
	require.Equal(t, audit.EventInvoiceValidated, events[1].EventType)

	var persisted models.IngestionRun
	require.NoError(t, db.First(&persisted, "id = ?", run.ID).Error)
	require.Equal(t, models.RunSuccess, persisted.Status)
	require.NotNil(t, persisted.RunFinishedAt)
}

func TestRunCycleFallsBackToRawWhenMIMEMissing(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db)
	msg := mailbox.Message{
		ID: "msg-raw",
		Content: &mailbox.Content{
			Headers: map[string][]string{"To": {tenant.InboundEmailAlias + "@mailhog.local"}},
		},
		Raw: &mailbox.Raw{Data: rawWithAttachment},
	}
	provider := newFakeProvider(msg)
	svc := newTestIngestionService(t, db, provider)

	run, err := svc.RunCycle(context.Background())

	require.NoError(t, err)
	require.Equal(t, 1, run.InvoicesCreated)
	require.Zero(t, run.FailuresCount)

	var invoice models.Invoice
	require.NoError(t, db.First(&invoice, "source_message_id = ?", "msg-raw").Error)
	require.Equal(t, "inv.pdf", invoice.OriginalFilename)
}

func TestRunCycleUnknownTenantIsAFailedRun(t *testing.T) {
	db := newTestDB(t)
	seedTenant(t, db)
	provider := newFakeProvider(pdfMessage("msg-x", "nobody-here"))
	svc := newTestIngestionService(t, db, provider)

	run, err := svc.RunCycle(context.Background())

	require.NoError(t, err)
	require.Equal(t, models.RunFail, run.Status)
	require.Equal(t, 1, run.FailuresCount)
	// An alias with no tenant fails identically every cycle, so it is
	// counted as a failure but never as a retry.
	require.Zero(t, run.RetriesCount)
	require.Zero(t, run.InvoicesCreated)
	require.Contains(t, run.LastError, "nobody-here")
	// The message stays in the mailbox for the next cycle.
	require.False(t, provider.deleted["msg-x"])
}

func TestRunCycleStorageErrorCountsRetry(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db)
	provider := newFakeProvider(pdfMessage("msg-1", tenant.InboundEmailAlias))
	svc := newTestIngestionServiceWithFiles(t, db, provider, failingFileStore{})

	run, err := svc.RunCycle(context.Background())

	require.NoError(t, err)
	require.Equal(t, models.RunFail, run.Status)
	require.Equal(t, 1, run.FailuresCount)
	// Unlike a tenant miss, an error raised mid-processing is retried.
	require.Equal(t, 1, run.RetriesCount)
	require.Contains(t, run.LastError, "disk full")
	require.False(t, provider.deleted["msg-1"])
}

func TestRunCycleMixedOutcomeIsPartial(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db)
	provider := newFakeProvider(
		pdfMessage("msg-good", tenant.InboundEmailAlias),
		pdfMessage("msg-bad", "nobody-here"),
	)
	svc := newTestIngestionService(t, db, provider)

	run, err := svc.RunCycle(context.Background())

	require.NoError(t, err)
	require.Equal(t, models.RunPartial, run.Status)
	require.Equal(t, 2, run.EmailsSeen)
	require.Equal(t, 1, run.EmailsProcessed)
	require.Equal(t, 1, run.InvoicesCreated)
	require.Equal(t, 1, run.FailuresCount)
	require.True(t, provider.deleted["msg-good"])
	require.False(t, provider.deleted["msg-bad"])
}

func TestRunCycleFailureWithNothingCreatedIsFail(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db)
	// One unknown-tenant failure plus one valid message that yields no
	// attachments: processed 1, created 0, so the run is FAIL, not PARTIAL.
	empty := mailbox.Message{
		ID: "msg-empty",
		To: []mailbox.Recipient{{Mailbox: tenant.InboundEmailAlias, Domain: "mailhog.local"}},
	}
	provider := newFakeProvider(pdfMessage("msg-bad", "nobody-here"), empty)
	svc := newTestIngestionService(t, db, provider)

	run, err := svc.RunCycle(context.Background())

	require.NoError(t, err)
	require.Equal(t, models.RunFail, run.Status)
	require.Equal(t, 1, run.FailuresCount)
	require.Equal(t, 1, run.EmailsProcessed)
	require.Zero(t, run.InvoicesCreated)
}

func TestRunCycleMessageWithoutAttachmentsStillProcesses(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db)
	msg := mailbox.Message{
		ID: "msg-empty",
		To: []mailbox.Recipient{{Mailbox: tenant.InboundEmailAlias, Domain: "mailhog.local"}},
	}
	provider := newFakeProvider(msg)
	svc := newTestIngestionService(t, db, provider)

	run, err := svc.RunCycle(context.Background())

	require.NoError(t, err)
	require.Equal(t, models.RunSuccess, run.Status)
	require.Equal(t, 1, run.EmailsProcessed)
	require.Zero(t, run.InvoicesCreated)
	require.True(t, provider.deleted["msg-empty"])
}

func TestRunCycleFetchFailurePersistsFailedRun(t *testing.T) {
	db := newTestDB(t)
	provider := newFakeProvider()
	provider.fetchErr = errors.New("mailhog unreachable")
	svc := newTestIngestionService(t, db, provider)

	run, err := svc.RunCycle(context.Background())

	require.Error(t, err)
	require.Equal(t, models.RunFail, run.Status)
	require.Contains(t, run.LastError, "mailhog unreachable")

	var persisted models.IngestionRun
	require.NoError(t, db.First(&persisted, "id = ?", run.ID).Error)
	require.Equal(t, models.RunFail, persisted.Status)
	require.NotNil(t, persisted.RunFinishedAt)
}

func TestRunCycleSkipsAlreadyIngestedAttachments(t *testing.T) {
	db := newTestDB(t)
	tenant := seedTenant(t, db)
	provider := newFakeProvider(pdfMessage("msg-1", tenant.InboundEmailAlias))
	provider.skipDelete = true
	svc := newTestIngestionService(t, db, provider)

	first, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, first.InvoicesCreated)

	// The undeleted message is seen again but produces no second invoice.
	second, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	require.Zero(t, second.InvoicesCreated)
	require.Equal(t, models.RunSuccess, second.Status)

	var count int64
	require.NoError(t, db.Model(&models.Invoice{}).Where("source_message_id = ?", "msg-1").Count(&count).Error)
	require.EqualValues(t, 1, count)
}
