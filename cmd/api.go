package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/backoffice/config"
	"example.com/backoffice/internal/api"
	"example.com/backoffice/internal/mailbox"
	"example.com/backoffice/internal/services"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API server for invoice management, approvals and the audit trail`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	deps, err := buildDeps(cfg)
	if err != nil {
		return err
	}

	// The API reads the run ledger but never polls the mailbox itself, so
	// the ingestion service is wired without a scheduler.
	ingestionService := services.NewIngestionService(services.IngestionServiceParams{
		DB:             deps.db,
		Provider:       mailbox.NewMailHogClient(cfg.Mailbox),
		Tenants:        deps.tenants,
		Invoices:       deps.invoices,
		Runs:           deps.runs,
		InvoiceService: deps.invoiceService,
		Recorder:       deps.recorder,
		Files:          deps.files,
		Metrics:        deps.metricsCollector,
		ProviderName:   cfg.Mailbox.Provider,
	})

	server := api.NewServer(cfg, deps.invoiceService, ingestionService, deps.auditEvents, deps.metricsCollector, deps.tracer)

	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}()

	<-ctx.Done()

	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutting down API server")
	return nil
}
