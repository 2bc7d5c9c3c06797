package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"flow-monitor/internal/storage"
)

// ShowOptions configure the show command.
type ShowOptions struct {
	DeviceID string
	Limit    int
}

// Show prints recent measurements.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show measurements")
	}
	if closeStore != nil {
		defer closeStore()
	}

	filter := storage.MeasurementFilter{DeviceID: opts.DeviceID, Limit: opts.Limit}

	measurements, err := store.ListMeasurements(ctx, filter)
	if err != nil {
		return err
	}
	if len(measurements) == 0 {
		fmt.Fprintln(os.Stdout, "no measurements found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time\tDevice\tDepth (mm)\tVelocity (m/s)\tFlow (L/s)")

	for _, m := range measurements {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\n",
			m.Timestamp.Format(time.RFC3339),
			m.DeviceID,
			formatDecimal(m.DepthMM, 1),
			formatDecimal(m.VelocityMS, 2),
			formatDecimal(m.FlowLPS, 1),
		)
	}

	writer.Flush()
	return nil
}

func formatDecimal(d *decimal.Decimal, places int32) string {
	if d == nil {
		return "-"
	}
	return d.StringFixed(places)
}
