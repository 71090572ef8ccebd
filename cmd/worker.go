package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/backoffice/config"
	"example.com/backoffice/internal/mailbox"
	"example.com/backoffice/internal/services"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the ingestion worker",
	Long:  `Start the background worker that polls the tenant mailbox and turns attachments into invoices`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	g, ctx := errgroup.WithContext(ctx)

	deps, err := buildDeps(cfg)
	if err != nil {
		return err
	}

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

	g.Go(func() error {
		log.Info().
			Str("api_url", cfg.Mailbox.APIURL).
			Dur("interval", cfg.Mailbox.PollInterval).
			Msg("Starting mailbox poll scheduler")

		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		// SingletonMode: a slow cycle must finish before the next one starts.
		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Mailbox.PollInterval),
			gocron.NewTask(func() {
				if _, err := ingestionService.RunCycle(ctx); err != nil {
					log.Error().Err(err).Msg("Ingestion cycle failed")
				}
			}),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return err
		}

		scheduler.Start()

		<-ctx.Done()

		return scheduler.Shutdown()
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
