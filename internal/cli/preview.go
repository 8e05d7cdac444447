package cli

import (
	"github.com/spf13/cobra"

	"rebase-policy/internal/app"
)

var (
	previewTrading string
	previewTarget  string
	previewSupply  string
)

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Compute the supply adjustment for a price pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().Preview(cmd.Context(), app.PreviewOptions{
			TradingPrice: previewTrading,
			TargetPrice:  previewTarget,
			Supply:       previewSupply,
		})
		return err
	},
}

func init() {
	previewCmd.Flags().StringVar(&previewTrading, "trading", "", "Trading price, e.g. 1.05")
	previewCmd.Flags().StringVar(&previewTarget, "target", "", "Target price, e.g. 1.00")
	previewCmd.Flags().StringVar(&previewSupply, "supply", "", "Total supply in whole tokens (defaults to keeper.initial_supply)")
	_ = previewCmd.MarkFlagRequired("trading")
	_ = previewCmd.MarkFlagRequired("target")
}
