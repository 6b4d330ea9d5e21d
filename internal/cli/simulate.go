package cli

import (
	"github.com/spf13/cobra"

	"github.com/big14way/Bastion-sub002/internal/app"
)

var (
	simulateTaskIndex uint64
	simulateTaskType  uint8
	simulateAsset     string
	simulateAmount    string
	simulateWindow    int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-task",
	Short: "Publish a synthetic task event for a running operator",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.SimulateTaskOptions{
			TaskIndex:   simulateTaskIndex,
			TaskType:    simulateTaskType,
			Asset:       simulateAsset,
			Amount:      simulateAmount,
			WindowHours: simulateWindow,
		}

		return getApp().SimulateTask(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().Uint64Var(&simulateTaskIndex, "index", 0, "Task index")
	simulateCmd.Flags().Uint8Var(&simulateTaskType, "type", 0, "Task type (0=price verification, 1=depeg detection, 2=volatility, 3=risk)")
	simulateCmd.Flags().StringVar(&simulateAsset, "asset", "", "Asset identifier")
	simulateCmd.Flags().StringVar(&simulateAmount, "amount", "", "Position amount for risk assessment")
	simulateCmd.Flags().IntVar(&simulateWindow, "window-hours", 0, "Window for volatility calculation")
}
