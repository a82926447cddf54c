package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"dicom-gateway/internal/identity"
)

// NewKeygenCommand prints a new project secret.
func NewKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a project secret",
		Long: `Prints a random 128-bit secret as 32 hex characters.

Keep it safe: pseudonyms and replacement UIDs of a project are derived from
it, so the same patient only keeps the same pseudonym while the secret stays
the same.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := identity.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}
