package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"dicom-gateway/internal/gateway"
	"dicom-gateway/internal/progress"
	"dicom-gateway/internal/server"
)

// NewServeCommand runs the spool watcher, the archive puller, the
// notification loop and the HTTP server until interrupted.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "serve",
		Short:        "Run the gateway",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts, cmd)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions, cmd *cobra.Command) error {
	cfg, logger, err := setup(opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	comp, err := cfg.Build(logger)
	if err != nil {
		return err
	}
	errlog, err := progress.NewErrorLogger(cfg.Journal.ErrorLog)
	if err != nil {
		return err
	}
	defer errlog.Close()

	scp := gateway.NewStoreSCP(comp.Registry, comp.Orchestrator, logger)
	srvOpts := server.Options{
		SCP:          scp,
		Orchestrator: comp.Orchestrator,
		Notifier:     comp.Notifier,
		Version:      opts.Version,
	}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Spool.Dir != "" {
		if err := os.MkdirAll(cfg.Spool.Dir, 0o755); err != nil {
			return fmt.Errorf("could not create spool: %w", err)
		}
		spool := gateway.NewSpool(cfg.Spool.Dir, scp, progress.NewTracker(cfg.Journal.File, logger), errlog, logger)
		spool.Settle = cfg.Spool.Settle
		spool.Interval = cfg.Spool.Interval
		spool.MaxAttempts = cfg.Spool.MaxAttempts
		srvOpts.Spool = spool
		g.Go(func() error { return spool.Run(ctx) })
	}
	if cfg.Archive.URL != "" {
		puller := gateway.NewPuller(cfg.Archive.URL, cfg.Archive.Timeout, comp.Registry, comp.Orchestrator,
			progress.NewTracker(cfg.Journal.ArchiveFile, logger), logger)
		puller.MaxAttempts = cfg.Archive.MaxAttempts
		srvOpts.Puller = puller
		g.Go(func() error { return puller.Run(ctx, cfg.Archive.Interval) })
	}
	if n := comp.Notifier; n != nil {
		g.Go(func() error {
			n.Run(ctx, cfg.SMTP.Tick)
			return nil
		})
	}
	if cfg.HTTP.Listen != "" {
		srv := server.New(srvOpts, logger)
		g.Go(func() error { return srv.Start(ctx, cfg.HTTP.Listen) })
	}

	logger.Info().
		Int("nodes", len(comp.Registry.Nodes())).
		Str("spool", cfg.Spool.Dir).
		Str("archive", cfg.Archive.URL).
		Str("http", cfg.HTTP.Listen).
		Msg("gateway started")

	err = g.Wait()
	logger.Info().Interface("forward", comp.Orchestrator.Stats()).Str("errors", errlog.Summary()).Msg("gateway stopped")
	return err
}
