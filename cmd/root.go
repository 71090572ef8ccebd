package cmd

import (
	"time"

	"example.com/backoffice/config"
	"example.com/backoffice/internal/audit"
	"example.com/backoffice/internal/cache"
	"example.com/backoffice/internal/messaging"
	"example.com/backoffice/internal/metrics"
	"example.com/backoffice/internal/models"
	"example.com/backoffice/internal/repositories"
	"example.com/backoffice/internal/search"
	"example.com/backoffice/internal/services"
	"example.com/backoffice/internal/storage"
	"example.com/backoffice/internal/tracing"
	"example.com/backoffice/internal/validation"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var rootCmd = &cobra.Command{
	Use:   "backoffice",
	Short: "Invoice back-office service",
	Long:  `Multi-tenant invoice back-office: validation, approvals, audit trail and email ingestion`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func initDatabases(cfg config.Config) (*gorm.DB, *gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DB.DSN), &gorm.Config{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to write database")
	}

	readOnlyDB, err := gorm.Open(postgres.Open(cfg.DB.ReadOnlyDSN), &gorm.Config{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to read-only database")
	}

	// Auto-migrate only the write database
	if err := models.SetupModels(db); err != nil {
		return nil, nil, errors.Wrap(err, "failed to run migrations")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying write DB connection")
	}
	sqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	readSqlDB, err := readOnlyDB.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying read-only DB connection")
	}
	readSqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns * 2)
	readSqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns * 2)
	readSqlDB.SetConnMaxLifetime(time.Hour)

	return db, readOnlyDB, nil
}

// appDeps are the shared collaborators built once per process.
type appDeps struct {
	db               *gorm.DB
	readOnlyDB       *gorm.DB
	invoiceService   *services.InvoiceService
	tenants          *repositories.TenantRepository
	invoices         *repositories.InvoiceRepository
	runs             *repositories.IngestionRunRepository
	auditEvents      *repositories.AuditEventRepository
	recorder         *audit.Recorder
	files            storage.FileStore
	metricsCollector *metrics.Metrics
	tracer           tracing.Tracer
}

func buildDeps(cfg config.Config) (*appDeps, error) {
	db, readOnlyDB, err := initDatabases(cfg)
	if err != nil {
		return nil, err
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
	}

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
	}

	var elasticClient *search.ElasticClient
	if cfg.Elastic.Enabled {
		elasticClient, err = search.NewElasticClient(cfg.Elastic)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search functionality")
			elasticClient = nil
		}
	}

	var bus messaging.ServiceBusClient
	if cfg.ServiceBus.ConnectionString != "" {
		bus, err = messaging.NewServiceBusClient(cfg.ServiceBus, "backoffice")
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Service Bus client, continuing without event publishing")
			bus = nil
		}
	}

	files, err := storage.NewLocalFileStore(cfg.Storage.UploadDir)
	if err != nil {
		return nil, err
	}

	tenants := repositories.NewTenantRepository(db, readOnlyDB, redisCache)
	invoices := repositories.NewInvoiceRepository(db, readOnlyDB)
	exceptions := repositories.NewExceptionRepository(db, readOnlyDB)
	runs := repositories.NewIngestionRunRepository(db, readOnlyDB)
	auditEvents := repositories.NewAuditEventRepository(readOnlyDB)
	recorder := audit.NewRecorder()
	metricsCollector := metrics.NewMetrics()

	engine := validation.NewEngine(
		validation.ParseVocabulary(cfg.Rules.Vocabulary),
		cfg.Rules.AllowedCurrencies,
		invoices,
	)

	invoiceService := services.NewInvoiceService(services.InvoiceServiceParams{
		DB:         db,
		Invoices:   invoices,
		Tenants:    tenants,
		Exceptions: exceptions,
		Engine:     engine,
		Recorder:   recorder,
		Files:      files,
		Search:     elasticClient,
		Bus:        bus,
		Tracer:     tracer,
		Metrics:    metricsCollector,
	})

	return &appDeps{
		db:               db,
		readOnlyDB:       readOnlyDB,
		invoiceService:   invoiceService,
		tenants:          tenants,
		invoices:         invoices,
		runs:             runs,
		auditEvents:      auditEvents,
		recorder:         recorder,
		files:            files,
		metricsCollector: metricsCollector,
		tracer:           tracer,
	}, nil
}
