package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mmynk/fieldsync/internal/dispatch"
	"github.com/mmynk/fieldsync/internal/platform/otel"
)

// NewRunCommand creates the sync daemon command.
func NewRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long: `Run the dispatcher and the periodic pull until interrupted.

Operations left PROCESSING by a previous run are released first. When
FIELDSYNC_METRICS_ADDR is set, Prometheus metrics are served on /metrics.`,
		Args: cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, a *app, _ []string) (any, error) {
			if err := a.requireRemote(); err != nil {
				return nil, err
			}
			if err := runDaemon(ctx, a); err != nil {
				return nil, err
			}
			return messageView{Message: "Daemon stopped"}, nil
		}),
	}
}

func runDaemon(ctx context.Context, a *app) error {
	shutdown, err := otel.Setup(ctx, "fieldsync")
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up tracing", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			a.logger.Warn("Failed to flush traces", "error", err)
		}
	}()

	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.MetricsAddr != "" {
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
		srv := &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("Serving metrics", "addr", a.cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		return a.dispatcher.Run(ctx)
	})
	g.Go(func() error {
		pullLoop(ctx, a)
		return nil
	})
	g.Go(func() error {
		logEvents(ctx, a)
		return nil
	})

	return g.Wait()
}

// pullLoop pulls backend changes every PullInterval. Failures are logged and
// retried on the next tick.
func pullLoop(ctx context.Context, a *app) {
	ticker := time.NewTicker(a.cfg.PullInterval)
	defer ticker.Stop()

	for {
		counts, err := a.puller.PullAll(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			a.logger.WarnContext(ctx, "Pull failed", "error", err)
		case err == nil:
			a.logger.DebugContext(ctx, "Pull finished", "counts", counts)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// logEvents reports operations that need an operator.
func logEvents(ctx context.Context, a *app) {
	events, cancel := a.dispatcher.Subscribe(64)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Outcome == dispatch.OutcomeParked {
				a.logger.Warn("Operation needs attention",
					"operation_id", e.OperationID,
					"entity_type", e.EntityType,
					"entity_id", e.EntityID,
					"error", e.Err,
				)
			}
		}
	}
}

// NewSyncCommand creates the one-shot sync command.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	var pushOnly bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push pending operations and pull backend changes once",
		Args:  cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, a *app, _ []string) (any, error) {
			if err := a.requireRemote(); err != nil {
				return nil, err
			}
			round, err := a.dispatcher.Drain(ctx)
			if err != nil {
				return nil, err
			}
			pulled := map[string]int{}
			if !pushOnly {
				if pulled, err = a.puller.PullAll(ctx); err != nil {
					return nil, err
				}
			}
			return newSyncView(pulled, round), nil
		}),
	}

	cmd.Flags().BoolVar(&pushOnly, "push-only", false, "skip the pull")
	return cmd
}

// NewStatusCommand creates the sync status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show outbox depth and sync bookkeeping",
		Args:  cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, a *app, _ []string) (any, error) {
			if a.dispatcher != nil {
				st, err := a.dispatcher.Status(ctx)
				if err != nil {
					return nil, err
				}
				return newStatusView(true, st), nil
			}

			summary, err := a.outbox.Summary(ctx)
			if err != nil {
				return nil, err
			}
			meta, err := a.store.ListSyncMetadata(ctx)
			if err != nil {
				return nil, err
			}
			return newStatusView(false, dispatch.Status{
				Pending:         summary.Pending,
				Processing:      summary.Processing,
				Completed:       summary.Completed,
				Failed:          summary.Failed,
				OldestPendingAt: summary.OldestPendingAt,
				Metadata:        meta,
			}), nil
		}),
	}
}

// NewRegisterCommand creates the device enrollment command.
func NewRegisterCommand(opts *RootOptions) *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Enroll this device with the backend",
		Long: `Register FIELDSYNC_DEVICE_ID and FIELDSYNC_DEVICE_SECRET with the backend.
The enrollment token defaults to FIELDSYNC_ENROLLMENT_TOKEN.`,
		Args: cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, a *app, _ []string) (any, error) {
			if err := a.requireRemote(); err != nil {
				return nil, err
			}
			if token == "" {
				token = a.cfg.EnrollmentToken
			}
			if err := a.remote.Register(ctx, token); err != nil {
				return nil, err
			}
			return messageView{Message: "Device " + a.cfg.DeviceID + " registered"}, nil
		}),
	}

	cmd.Flags().StringVar(&token, "enrollment-token", "", "enrollment token issued by the backend operator")
	return cmd
}
