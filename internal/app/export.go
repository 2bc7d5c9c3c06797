package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"flow-monitor/internal/storage"
)

// ExportOptions hold parameters for exporting historical measurements.
type ExportOptions struct {
	DeviceID  string
	From      *time.Time
	To        *time.Time
	CSVPath   string
	PNGPath   string
	MaxPoints int
}

const defaultExportPoints = 2000

// Export renders historical data as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.MaxPoints <= 0 {
		opts.MaxPoints = defaultExportPoints
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Monitor.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	filter := storage.MeasurementFilter{DeviceID: opts.DeviceID, From: &from, To: &to}

	measurements, err := store.ListMeasurements(ctx, filter)
	if err != nil {
		return err
	}
	if len(measurements) == 0 {
		a.Logger.Info().Msg("no measurements found for export window")
		return nil
	}

	// ListMeasurements returns newest first; plots want chronological order.
	reverseMeasurements(measurements)

	downsampled := downsampleMeasurements(measurements, opts.MaxPoints)
	a.Logger.Info().Int("total", len(measurements)).Int("exported", len(downsampled)).Msg("exporting measurements")

	if opts.CSVPath != "" {
		if err := writeMeasurementsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeMeasurementsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func reverseMeasurements(measurements []storage.Measurement) {
	for i, j := 0, len(measurements)-1; i < j; i, j = i+1, j-1 {
		measurements[i], measurements[j] = measurements[j], measurements[i]
	}
}

func downsampleMeasurements(measurements []storage.Measurement, max int) []storage.Measurement {
	if max <= 0 || len(measurements) <= max {
		return measurements
	}

	result := make([]storage.Measurement, 0, max)
	step := float64(len(measurements)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(measurements) {
			idx = len(measurements) - 1
		}
		result = append(result, measurements[idx])
	}
	return result
}

func writeMeasurementsCSV(path string, measurements []storage.Measurement) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"timestamp", "device_id", "device_name", "depth_mm", "velocity_mps", "flow_lps"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, m := range measurements {
		record := []string{
			m.Timestamp.Format(time.RFC3339),
			m.DeviceID,
			m.DeviceName,
			decimalField(m.DepthMM),
			decimalField(m.VelocityMS),
			decimalField(m.FlowLPS),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeMeasurementsPNG(path string, measurements []storage.Measurement) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(measurements))
	depth := make([]float64, len(measurements))
	velocity := make([]float64, len(measurements))
	flow := make([]float64, len(measurements))

	for i, m := range measurements {
		x[i] = m.Timestamp
		if m.DepthMM != nil {
			depth[i] = m.DepthMM.InexactFloat64()
		}
		if m.VelocityMS != nil {
			velocity[i] = m.VelocityMS.InexactFloat64()
		}
		if m.FlowLPS != nil {
			flow[i] = m.FlowLPS.InexactFloat64()
		}
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.1f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Depth (mm) / Flow (L/s)",
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Velocity (m/s)",
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Depth (mm)",
				XValues: x,
				YValues: depth,
			},
			chart.TimeSeries{
				Name:    "Flow (L/s)",
				XValues: x,
				YValues: flow,
			},
			chart.TimeSeries{
				Name:    "Velocity (m/s)",
				XValues: x,
				YValues: velocity,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func decimalField(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
