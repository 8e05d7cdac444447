package cli

import (
	"github.com/spf13/cobra"

	"rebase-policy/internal/app"
)

var (
	replayFile   string
	replaySupply string
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay timestamped prices through an in-memory policy",
	Long: "Reads CSV rows of timestamp,trading_price,target_price and attempts one rebase per row\n" +
		"against an in-memory ledger, advancing a simulated clock to each timestamp.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().Replay(cmd.Context(), app.ReplayOptions{
			InputPath: replayFile,
			Supply:    replaySupply,
		})
		return err
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayFile, "file", "", "CSV file of timestamp,trading_price,target_price")
	replayCmd.Flags().StringVar(&replaySupply, "supply", "", "Starting supply in whole tokens (defaults to keeper.initial_supply)")
	_ = replayCmd.MarkFlagRequired("file")
}
