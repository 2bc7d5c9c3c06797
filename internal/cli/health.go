package cli

import (
	"time"

	"github.com/spf13/cobra"

	"flow-monitor/internal/app"
)

var (
	healthDevice string
	healthMaxAge time.Duration
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check data freshness and exit non-zero when stale",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.HealthOptions{
			DeviceID: healthDevice,
			MaxAge:   healthMaxAge,
		}
		return getApp().Health(cmd.Context(), opts)
	},
}

func init() {
	healthCmd.Flags().StringVar(&healthDevice, "device", "", "Only check freshness for this device")
	healthCmd.Flags().DurationVar(&healthMaxAge, "max-age", 15*time.Minute, "Maximum acceptable age of the latest measurement")
	healthCmd.SilenceUsage = true
}
