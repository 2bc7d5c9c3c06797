package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// HealthOptions configure the health check.
type HealthOptions struct {
	DeviceID string
	MaxAge   time.Duration
}

// HealthReport is the JSON document the health command emits. External
// schedulers parse it to decide whether to restart the monitor.
type HealthReport struct {
	Healthy         bool       `json:"healthy"`
	LastMeasurement *time.Time `json:"last_measurement,omitempty"`
	Age             string     `json:"age,omitempty"`
	MaxAge          string     `json:"max_age"`
	Reason          string     `json:"reason,omitempty"`
	CheckedAt       time.Time  `json:"checked_at"`
}

const defaultHealthMaxAge = 15 * time.Minute

// ErrStale indicates the most recent measurement is older than the allowed age.
var ErrStale = errors.New("latest measurement is stale")

// Health checks the age of the most recent measurement and prints a JSON
// report. Returns ErrStale when the data is older than MaxAge so callers can
// map it to a non-zero exit code.
func (a *App) Health(ctx context.Context, opts HealthOptions) error {
	if opts.MaxAge <= 0 {
		opts.MaxAge = defaultHealthMaxAge
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot check health")
	}
	if closeStore != nil {
		defer closeStore()
	}

	latest, found, err := store.LatestMeasurementTime(ctx, opts.DeviceID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	report := HealthReport{
		MaxAge:    opts.MaxAge.String(),
		CheckedAt: now,
	}

	switch {
	case !found:
		report.Reason = "no measurements recorded"
	default:
		age := now.Sub(latest.UTC())
		ts := latest.UTC()
		report.LastMeasurement = &ts
		report.Age = age.Round(time.Second).String()
		if age <= opts.MaxAge {
			report.Healthy = true
		} else {
			report.Reason = fmt.Sprintf("latest measurement is %s old", age.Round(time.Second))
		}
	}

	encoded, err := json.Marshal(report)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(encoded))

	if !report.Healthy {
		return fmt.Errorf("%w: %s", ErrStale, report.Reason)
	}
	return nil
}
