// Package cli implements the dicom-gateway command line.
package cli

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"dicom-gateway/internal/config"
	"dicom-gateway/internal/logging"
)

// RootOptions holds the global flags.
type RootOptions struct {
	ConfigFile string
	LogLevel   string
	Version    string
}

// NewRootCommand creates the dicom-gateway command tree.
func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{Version: version}

	cmd := &cobra.Command{
		Use:     "dicom-gateway",
		Short:   "De-identifying DICOM forwarding gateway",
		Long:    "Receives DICOM objects, de-identifies a copy per destination and forwards it over DICOM or STOW-RS.",
		Version: version,

		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", os.Getenv(config.EnvPrefix+"_CONFIG"), "configuration file (YAML)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override log.level (debug|info|warn|error)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewForwardCommand(opts))
	cmd.AddCommand(NewPullCommand(opts))
	cmd.AddCommand(NewCheckCommand(opts))
	cmd.AddCommand(NewPseudonymCommand(opts))
	cmd.AddCommand(NewKeygenCommand())
	return cmd
}

// setup loads the configuration and creates the logger writing to w.
func setup(opts *RootOptions, w io.Writer) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	logger := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Out: w})
	return cfg, logger, nil
}
