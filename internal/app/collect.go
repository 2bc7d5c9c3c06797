package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"flow-monitor/internal/changestate"
	"flow-monitor/internal/fetcher"
	"flow-monitor/internal/monitor"
	"flow-monitor/internal/storage"
)

// CollectOptions configure a single collection pass.
type CollectOptions struct {
	// Force stores the reading even when it matches the device baseline.
	Force bool
}

// Collect performs one fetch-and-store pass over all configured devices and
// prints a summary. Useful for cron-style deployments and smoke checks. It
// takes the same process lock as the run loop; the change-state file has
// exactly one writer at a time.
func (a *App) Collect(ctx context.Context, opts CollectOptions) error {
	fl, err := a.acquireLock()
	if err != nil {
		return err
	}
	if fl != nil {
		defer func() {
			if rerr := fl.Release(); rerr != nil {
				a.Logger.Warn().Err(rerr).Msg("failed to release process lock")
			}
		}()
	}

	devices, err := a.devices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return errors.New("no devices configured")
	}

	loc, err := a.location()
	if err != nil {
		return err
	}

	chain, err := a.newChain()
	if err != nil {
		return err
	}

	detector, err := changestate.NewDetector(changestate.NewFileStore(a.Config.Monitor.StatePath, a.Logger), a.Logger)
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; readings will not be persisted")
	}
	if closeStore != nil {
		defer closeStore()
	}

	var failures []error
	stored := 0
	for _, device := range devices {
		changed, err := a.collectDevice(ctx, chain, detector, store, device, loc, opts.Force)
		if err != nil {
			a.Logger.Error().Err(err).Str("device", device.ID).Msg("collection failed")
			failures = append(failures, fmt.Errorf("%s: %w", device.ID, err))
			continue
		}
		if changed {
			stored++
		}
	}

	fmt.Fprintf(os.Stdout, "devices: %d, stored: %d, failed: %d\n", len(devices), stored, len(failures))

	if store != nil {
		deviceCount, err := store.CountDevices(ctx)
		if err != nil {
			return err
		}
		measurementCount, err := store.CountMeasurements(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "database: %d devices, %d measurements\n", deviceCount, measurementCount)
	}

	return errors.Join(failures...)
}

func (a *App) collectDevice(ctx context.Context, chain fetcher.ReadingFetcher, detector *changestate.Detector, store *storage.Store, device monitor.Device, loc *time.Location, force bool) (bool, error) {
	reading, err := chain.Fetch(ctx, device.Source)
	if err != nil {
		return false, err
	}
	reading.Timestamp = reading.Timestamp.In(loc)

	changed := true
	if !force {
		changed, err = detector.Observe(device.ID, reading)
		if err != nil {
			a.Logger.Warn().Err(err).Str("device", device.ID).Msg("failed to persist change state")
		}
	}
	if !changed {
		a.Logger.Info().Str("device", device.ID).Msg("values unchanged; skipping store")
		return false, nil
	}

	if store == nil {
		return true, nil
	}

	if err := store.AddDevice(ctx, storage.Device{ID: device.ID, Name: device.Name, Location: device.Location}); err != nil {
		return false, err
	}

	measurement := storage.Measurement{DeviceID: device.ID, Timestamp: reading.Timestamp}
	if v, ok := reading.Value(fetcher.FieldDepth); ok {
		measurement.DepthMM = &v
	}
	if v, ok := reading.Value(fetcher.FieldVelocity); ok {
		measurement.VelocityMS = &v
	}
	if v, ok := reading.Value(fetcher.FieldFlow); ok {
		measurement.FlowLPS = &v
	}
	if err := store.AddMeasurement(ctx, measurement); err != nil {
		return false, err
	}

	return true, nil
}
