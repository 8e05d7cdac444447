package cli

import (
	"github.com/spf13/cobra"

	"rebase-policy/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export rebase history as CSV and/or a PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := parseTimeFlag("from", exportFrom)
		if err != nil {
			return err
		}
		to, err := parseTimeFlag("to", exportTo)
		if err != nil {
			return err
		}

		return getApp().Export(cmd.Context(), app.ExportOptions{
			From:      from,
			To:        to,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		})
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Earliest rebase time (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "Latest rebase time (RFC3339, exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write the supply/price chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write rebase rows")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum rebases to export (defaults to export.max_data_points)")
}
