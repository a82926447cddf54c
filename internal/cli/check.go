package cli

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"dicom-gateway/internal/anonymizer"
	"dicom-gateway/internal/config"
	dcm "dicom-gateway/internal/dicom"
)

// NewCheckCommand validates the configuration and every profile it names.
// With --profile it only compiles the given profile documents.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	var profiles []string
	cmd := &cobra.Command{
		Use:          "check",
		Short:        "Validate the configuration and profiles",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if len(profiles) > 0 {
				return checkProfiles(cmd.OutOrStdout(), profiles, logger)
			}
			comp, err := cfg.Build(logger)
			if err != nil {
				return err
			}
			printCheck(cmd.OutOrStdout(), cfg, comp)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&profiles, "profile", "p", nil, "profile document to compile instead of the configuration")
	return cmd
}

func checkProfiles(w io.Writer, paths []string, logger zerolog.Logger) error {
	var errs []error
	for _, path := range paths {
		p, err := anonymizer.Load(path, logger)
		if err != nil {
			fmt.Fprintf(w, "%s: FAILED\n", path)
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(w, "%s: %s %s, %d rules  %s\n", path, p.Name(), p.Version(), len(p.Rules()), p.Codenames())
	}
	return errors.Join(errs...)
}

func printCheck(w io.Writer, cfg *config.Config, comp *config.Components) {
	names := make([]string, 0, len(comp.Profiles))
	for name := range comp.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(w, "Profiles:")
	for _, name := range names {
		p := comp.Profiles[name]
		fmt.Fprintf(w, "  %-24s %d rules  %s\n", name, len(p.Rules()), p.Codenames())
	}

	fmt.Fprintln(w, "Nodes:")
	for _, n := range comp.Registry.Nodes() {
		sources := "any"
		if len(n.Sources) > 0 {
			var s []string
			for _, src := range n.Sources {
				if src.Hostname != "" {
					s = append(s, src.AETitle+"@"+src.Hostname)
				} else {
					s = append(s, src.AETitle)
				}
			}
			sources = strings.Join(s, ", ")
		}
		fmt.Fprintf(w, "  %s (from %s)\n", n.AETitle, sources)
		for _, d := range n.Destinations {
			state := "active"
			if !d.Active {
				state = "inactive"
			}
			line := fmt.Sprintf("    %-16s %-6s %s", d.Name, d.Type, state)
			if d.Deidentify {
				line += fmt.Sprintf("  project %s, profile %s, %s pseudonyms", d.Project, d.Profile.Name(), d.Pseudonyms.Policy())
			}
			fmt.Fprintln(w, line)
		}
	}

	fmt.Fprintln(w, "dcmtk:")
	for _, tool := range []string{"storescu", "dcmdjpls"} {
		status := "missing"
		if path, err := dcm.LookupDcmtk(tool); err == nil {
			status = path
		}
		fmt.Fprintf(w, "  %-10s %s\n", tool, status)
	}
	if cfg.SMTP.Host != "" {
		fmt.Fprintf(w, "SMTP:     %s:%d\n", cfg.SMTP.Host, cfg.SMTP.Port)
	}
	if cfg.Archive.URL != "" {
		fmt.Fprintf(w, "Archive:  %s every %s\n", cfg.Archive.URL, cfg.Archive.Interval)
	}
	fmt.Fprintln(w, "Configuration OK")
}
