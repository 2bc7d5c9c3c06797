package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"flow-monitor/internal/app"
)

var (
	showDevice string
	showLimit  int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent measurements",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			DeviceID: showDevice,
			Limit:    showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showDevice, "device", "", "Only show measurements for this device")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of measurements to display")
}
