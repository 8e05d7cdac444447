package cli

import (
	"github.com/spf13/cobra"

	"rebase-policy/internal/app"
)

var (
	windowAt         string
	windowLastRebase string
)

var windowCmd = &cobra.Command{
	Use:   "window",
	Short: "Show rebase window membership and the next window",
	RunE: func(cmd *cobra.Command, args []string) error {
		at, err := parseTimeFlag("at", windowAt)
		if err != nil {
			return err
		}
		last, err := parseTimeFlag("last-rebase", windowLastRebase)
		if err != nil {
			return err
		}

		_, err = getApp().Window(cmd.Context(), app.WindowOptions{At: at, LastRebase: last})
		return err
	},
}

func init() {
	windowCmd.Flags().StringVar(&windowAt, "at", "", "Instant to evaluate (RFC3339, defaults to now)")
	windowCmd.Flags().StringVar(&windowLastRebase, "last-rebase", "", "Last rebase time (RFC3339, defaults to storage)")
}
