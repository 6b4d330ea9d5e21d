package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/big14way/Bastion-sub002/internal/app"
)

var (
	showView  string
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent prices, depeg events, or task responses",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			View:  showView,
			Limit: showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showView, "view", "prices", "What to display: prices, depegs, or responses")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
}
