package cli

import (
	"github.com/spf13/cobra"

	"flow-monitor/internal/app"
)

var collectForce bool

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Fetch and store a single reading from every device",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Collect(cmd.Context(), app.CollectOptions{Force: collectForce})
	},
}

func init() {
	collectCmd.Flags().BoolVar(&collectForce, "force", false, "Store readings even when unchanged")
}
