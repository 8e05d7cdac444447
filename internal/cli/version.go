package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"rebase-policy/internal/version"
)

var versionCmd = &cobra.Command{
	Use:         "version",
	Short:       "Print build information",
	Annotations: map[string]string{skipConfig: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "rebaser %s\n", version.String())
	},
}
