package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	dcm "dicom-gateway/internal/dicom"
	"dicom-gateway/internal/forward"
	"dicom-gateway/internal/gwerr"
	"dicom-gateway/internal/identity"
)

// NewPseudonymCommand prints the pseudonym and synthetic identity a
// destination would assign to a patient.
func NewPseudonymCommand(rootOpts *RootOptions) *cobra.Command {
	var destination string
	var attrs map[string]string
	cmd := &cobra.Command{
		Use:   "pseudonym",
		Short: "Show the pseudonym a destination assigns to a patient",
		Example: `  dicom-gateway pseudonym -d research --set PatientID=A1 \
      --set PatientName='Doe^John' --set PatientBirthDate=19700101`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			comp, err := cfg.Build(logger)
			if err != nil {
				return err
			}
			var d *forward.Destination
			for _, n := range comp.Registry.Nodes() {
				for _, nd := range n.Destinations {
					if nd.Name == destination {
						d = nd
					}
				}
			}
			if d == nil {
				return gwerr.Configuration("cli.pseudonym", "unknown destination %q", destination)
			}
			if !d.Deidentify {
				return gwerr.Configuration("cli.pseudonym", "destination %q does not de-identify", destination)
			}

			t, err := treeFromAttributes(attrs)
			if err != nil {
				return err
			}
			h, err := identity.NewHMAC(d.Secret, t.String(dcm.PatientID))
			if err != nil {
				return err
			}
			ps, err := d.Pseudonyms.Pseudonym(h, t, identity.PatientFromTree(t, d.DefaultIssuer))
			if err != nil {
				return err
			}
			s := d.Pseudonyms.Synthesize(h, ps, d.Profile.Codenames())

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Pseudonym:   %s\n", ps)
			fmt.Fprintf(w, "PatientID:   %s\n", s.PatientID)
			fmt.Fprintf(w, "PatientName: %s\n", s.PatientName)
			return nil
		},
	}
	cmd.Flags().StringVarP(&destination, "destination", "d", "", "destination name (required)")
	cmd.Flags().StringToStringVar(&attrs, "set", nil, "patient attribute as KEYWORD=value or ggggeeee=value")
	_ = cmd.MarkFlagRequired("destination")
	return cmd
}

func treeFromAttributes(attrs map[string]string) (*dcm.Tree, error) {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	t := dcm.NewTree()
	for _, k := range keys {
		tg, err := dcm.ParseTag(k)
		if err != nil {
			return nil, gwerr.Configuration("cli.pseudonym", "%v", err)
		}
		t.SetString(tg, attrs[k])
	}
	return t, nil
}
