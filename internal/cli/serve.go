package cli

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/siloscan/siloscan/internal/api"
	"github.com/siloscan/siloscan/internal/config"
	"github.com/siloscan/siloscan/internal/db"
	"github.com/siloscan/siloscan/internal/ingest"
	"github.com/siloscan/siloscan/internal/monitoring"
	"github.com/siloscan/siloscan/internal/version"
	"github.com/siloscan/siloscan/internal/worker"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var withWorker bool
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fragment ingestion HTTP server",
		Long: `Run the HTTP server that accepts scan fragments, assembles complete
batches and serves volume history. With --with-worker a reconstruction
worker runs in the same process on its own goroutine.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.Config()
			if listen != "" {
				cfg.Listen = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, withWorker)
		},
	}

	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also run a reconstruction worker")
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.ServiceConfig, withWorker bool) error {
	monitoring.Logf("%s starting, db %s", version.String(), cfg.DBPath)
	store, err := db.NewDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	health := startHealth(cfg, monitoring.ServiceIngest, monitoring.ServiceWorker)
	defer health.Stop()

	server := api.NewServer(ingest.NewService(store, nil), store, api.Options{
		MaxFragmentBytes: cfg.MaxFragmentBytes,
		LeaseTimeout:     cfg.LeaseTimeout.D(),
		MaxAttempts:      cfg.MaxAttempts,
	})
	mux := server.ServeMux()
	if err := store.AttachAdminRoutes(mux); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if withWorker {
		w := worker.New(store, workerOptions(cfg))
		wg.Add(1)
		go func() {
			defer wg.Done()
			health.SetServing(monitoring.ServiceWorker, true)
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				monitoring.Logf("worker exited: %v", err)
			}
			health.SetServing(monitoring.ServiceWorker, false)
		}()
	}

	health.SetServing(monitoring.ServiceIngest, true)
	err = api.ListenAndServe(ctx, cfg.Listen, api.LoggingMiddleware(mux))
	health.SetServing(monitoring.ServiceIngest, false)
	cancel()
	wg.Wait()
	monitoring.Logf("Graceful shutdown complete")
	return err
}

// NewWorkerCommand creates the worker command.
func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a reconstruction worker",
		Long: `Drain the merged-scan queue: claim the oldest pending scan, reconstruct
its volume and record the sample. Several workers may share a database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.Config()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, err := db.NewDB(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			health := startHealth(cfg, monitoring.ServiceWorker)
			defer health.Stop()

			opts := workerOptions(cfg)
			opts.ID = id
			w := worker.New(store, opts)
			health.SetServing(monitoring.ServiceWorker, true)
			defer health.SetServing(monitoring.ServiceWorker, false)

			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "worker id recorded on claims (default: random)")
	return cmd
}

func workerOptions(cfg *config.ServiceConfig) worker.Options {
	return worker.Options{
		PollInterval:   cfg.PollInterval.D(),
		LeaseTimeout:   cfg.LeaseTimeout.D(),
		RetryBackoff:   cfg.RetryBackoff.D(),
		MaxAttempts:    cfg.MaxAttempts,
		Params:         cfg.Reconstruction.Params(),
		DiagnosticsDir: cfg.DiagnosticsDir,
	}
}

// startHealth starts the gRPC health server when health_listen is set. The
// returned server is usable either way.
func startHealth(cfg *config.ServiceConfig, services ...string) *monitoring.HealthServer {
	h := monitoring.NewHealthServer(services...)
	if cfg.HealthListen == "" {
		return h
	}
	if err := h.Start(cfg.HealthListen); err != nil {
		monitoring.Logf("health server disabled: %v", err)
		return h
	}
	h.SetServing("", true)
	return h
}
