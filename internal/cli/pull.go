package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"dicom-gateway/internal/gateway"
	"dicom-gateway/internal/progress"
)

// NewPullCommand polls the remote archive without the rest of the gateway.
func NewPullCommand(rootOpts *RootOptions) *cobra.Command {
	var once bool
	var url string
	cmd := &cobra.Command{
		Use:          "pull",
		Short:        "Fetch and forward the files listed by the remote archive",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if url != "" {
				cfg.Archive.URL = url
			}
			if cfg.Archive.URL == "" {
				return fmt.Errorf("no archive configured: set archive.url or --url")
			}
			comp, err := cfg.Build(logger)
			if err != nil {
				return err
			}

			p := gateway.NewPuller(cfg.Archive.URL, cfg.Archive.Timeout, comp.Registry, comp.Orchestrator,
				progress.NewTracker(cfg.Journal.ArchiveFile, logger), logger)
			p.MaxAttempts = cfg.Archive.MaxAttempts

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if !once {
				return p.Run(ctx, cfg.Archive.Interval)
			}
			res, err := p.Poll(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Listed %d, forwarded %d, failed %d, dropped %d\n",
				res.Listed, res.Forwarded, res.Failed, res.Dropped)
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "poll once and exit")
	cmd.Flags().StringVar(&url, "url", "", "override archive.url")
	return cmd
}
