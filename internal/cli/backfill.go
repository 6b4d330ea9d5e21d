package cli

import (
	"github.com/spf13/cobra"

	"github.com/big14way/Bastion-sub002/internal/app"
)

var (
	backfillAsset  string
	backfillRounds int
	backfillDryRun bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Backfill historical feed rounds",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.BackfillOptions{
			Asset:  backfillAsset,
			Rounds: backfillRounds,
			DryRun: backfillDryRun,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillAsset, "asset", "", "Asset identifier to backfill")
	backfillCmd.Flags().IntVar(&backfillRounds, "rounds", 100, "Number of rounds to walk back from the latest")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Run without writing to storage")
}
