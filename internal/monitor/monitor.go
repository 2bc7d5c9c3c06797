// Package monitor drives the fetch -> detect -> store cycle on a fixed
// interval, with retry on transient failures and liveness bookkeeping.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"flow-monitor/internal/changestate"
	"flow-monitor/internal/fetcher"
	"flow-monitor/internal/metrics"
	"flow-monitor/internal/storage"
)

// ErrUnhealthy is returned when the consecutive-error threshold is exceeded
// and the exit-on-unhealthy policy is active, so an external supervisor can
// restart the process with a clean slate.
var ErrUnhealthy = errors.New("monitor: consecutive error threshold exceeded")

// Device is one monitored measurement point.
type Device struct {
	ID       string
	Name     string
	Location string
	Source   fetcher.Source
}

// Publisher receives readings that were actually stored. Publish failures are
// logged, never fatal to the cycle.
type Publisher interface {
	PublishReading(ctx context.Context, device Device, reading fetcher.Reading) error
}

// Options tune the polling loop.
type Options struct {
	Interval             time.Duration
	RetryAttempts        int
	RetryDelay           time.Duration
	MaxConsecutiveErrors int
	ExitOnUnhealthy      bool
	HealthInterval       time.Duration
	StatusPath           string
	StoreAllReadings     bool
	Location             *time.Location
}

// Stats is a snapshot of the loop's counters.
type Stats struct {
	Checks            int64
	Updates           int64
	Errors            int64
	ConsecutiveErrors int64
	LastSuccess       time.Time
	Healthy           bool
}

// Monitor owns the polling loop. It is the sole writer of the change state
// and the status file; no other goroutine touches either. The counters are
// mutex-guarded because the health endpoint reads them from its own
// goroutine.
type Monitor struct {
	opts        Options
	devices     []Device
	fetch       fetcher.ReadingFetcher
	detector    *changestate.Detector
	store       storage.MeasurementStore
	publisher   Publisher
	instruments *metrics.Metrics
	logger      zerolog.Logger

	mu    sync.RWMutex
	stats Stats
}

// New constructs the polling loop. store, publisher, and instruments may be
// nil; the corresponding step is skipped.
func New(opts Options, devices []Device, fetch fetcher.ReadingFetcher, detector *changestate.Detector, store storage.MeasurementStore, publisher Publisher, instruments *metrics.Metrics, logger zerolog.Logger) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.MaxConsecutiveErrors < 1 {
		opts.MaxConsecutiveErrors = 10
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 5 * time.Minute
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}

	return &Monitor{
		opts:        opts,
		devices:     devices,
		fetch:       fetch,
		detector:    detector,
		store:       store,
		publisher:   publisher,
		instruments: instruments,
		logger:      logger.With().Str("component", "monitor").Logger(),
		stats:       Stats{Healthy: true},
	}
}

// Snapshot returns the current counters.
func (m *Monitor) Snapshot() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// Healthy reports whether the consecutive-error threshold has not been
// exceeded.
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats.Healthy
}

// Run blocks until ctx is cancelled or the loop turns unhealthy under the
// exit-on-unhealthy policy. The first cycle runs immediately; afterwards the
// loop waits out the configured interval, interruptibly.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info().
		Dur("interval", m.opts.Interval).
		Int("retry_attempts", m.opts.RetryAttempts).
		Int("devices", len(m.devices)).
		Bool("store_all_readings", m.opts.StoreAllReadings).
		Msg("monitor started")

	if err := m.tick(ctx); err != nil {
		return err
	}

	interval := time.NewTicker(m.opts.Interval)
	defer interval.Stop()
	health := time.NewTicker(m.opts.HealthInterval)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logSummary("monitor stopped")
			return ctx.Err()
		case <-health.C:
			m.logSummary("health check")
		case <-interval.C:
			if err := m.tick(ctx); err != nil {
				return err
			}
		}
	}
}

// tick runs one cycle and applies the health policy to its outcome.
func (m *Monitor) tick(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	m.runCycle(ctx)
	m.writeStatusFile()

	if !m.Healthy() && m.opts.ExitOnUnhealthy {
		m.logSummary("terminating for supervisor restart")
		return ErrUnhealthy
	}
	return nil
}

func (m *Monitor) runCycle(ctx context.Context) {
	m.mu.Lock()
	m.stats.Checks++
	checks := m.stats.Checks
	m.mu.Unlock()
	m.logger.Info().Int64("check", checks).Msg("checking for data updates")

	var cycleErrs []error
	for _, device := range m.devices {
		if err := m.processDevice(ctx, device); err != nil {
			cycleErrs = append(cycleErrs, fmt.Errorf("device %s: %w", device.ID, err))
		}
	}

	if err := errors.Join(cycleErrs...); err != nil {
		m.mu.Lock()
		m.stats.Errors++
		m.stats.ConsecutiveErrors++
		consecutive := m.stats.ConsecutiveErrors
		turnedUnhealthy := consecutive >= int64(m.opts.MaxConsecutiveErrors)
		if turnedUnhealthy {
			m.stats.Healthy = false
		}
		m.mu.Unlock()

		if m.instruments != nil {
			m.instruments.Errors.Inc()
		}
		m.logger.Error().Err(err).
			Int64("consecutive_errors", consecutive).
			Msg("cycle failed")

		if turnedUnhealthy {
			m.logger.Error().
				Int("threshold", m.opts.MaxConsecutiveErrors).
				Msg("consecutive error threshold exceeded; monitor unhealthy")
		}
	} else {
		m.mu.Lock()
		m.stats.ConsecutiveErrors = 0
		m.stats.LastSuccess = time.Now()
		m.stats.Healthy = true
		m.mu.Unlock()
	}

	m.updateInstruments()
}

// processDevice runs fetch (with local retries), detect, store, and publish
// for one device. Only the fetch is retried in place; a storage error is a
// cycle failure retried on the next interval.
func (m *Monitor) processDevice(ctx context.Context, device Device) error {
	reading, err := m.fetchWithRetry(ctx, device)
	if err != nil {
		return err
	}
	reading.Timestamp = reading.Timestamp.In(m.opts.Location)

	changed := true
	if !m.opts.StoreAllReadings {
		var stateErr error
		changed, stateErr = m.detector.Observe(device.ID, reading)
		if stateErr != nil {
			// The decision stands; only the durable mirror failed.
			m.logger.Warn().Err(stateErr).Str("device_id", device.ID).Msg("change state not persisted")
		}
	}
	if !changed {
		m.logger.Debug().Str("device_id", device.ID).Msg("no change detected; skipping storage")
		return nil
	}

	if m.store != nil {
		if err := m.storeReading(ctx, device, reading); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.stats.Updates++
	updates := m.stats.Updates
	m.mu.Unlock()
	if m.instruments != nil {
		m.instruments.Updates.Inc()
	}
	m.logger.Info().
		Str("device_id", device.ID).
		Str("strategy", reading.Strategy).
		Int64("updates", updates).
		Msg("reading stored")

	if m.publisher != nil {
		if err := m.publisher.PublishReading(ctx, device, reading); err != nil {
			m.logger.Warn().Err(err).Str("device_id", device.ID).Msg("failed to publish reading")
		}
	}
	return nil
}

func (m *Monitor) fetchWithRetry(ctx context.Context, device Device) (fetcher.Reading, error) {
	var reading fetcher.Reading
	attempt := 0

	operation := func() error {
		attempt++
		r, err := m.fetch.Fetch(ctx, device.Source)
		if err != nil {
			m.logger.Warn().Err(err).
				Str("device_id", device.ID).
				Int("attempt", attempt).
				Int("max_attempts", m.opts.RetryAttempts).
				Msg("fetch attempt failed")
			return err
		}
		reading = r
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.opts.RetryDelay), uint64(m.opts.RetryAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return fetcher.Reading{}, fmt.Errorf("fetch failed after %d attempts: %w", attempt, err)
	}
	return reading, nil
}

func (m *Monitor) storeReading(ctx context.Context, device Device, reading fetcher.Reading) error {
	if err := m.store.AddDevice(ctx, storage.Device{
		ID:       device.ID,
		Name:     device.Name,
		Location: device.Location,
	}); err != nil {
		return err
	}

	measurement := storage.Measurement{
		DeviceID:  device.ID,
		Timestamp: reading.Timestamp,
	}
	if v, ok := reading.Value(fetcher.FieldDepth); ok {
		measurement.DepthMM = &v
	}
	if v, ok := reading.Value(fetcher.FieldVelocity); ok {
		measurement.VelocityMS = &v
	}
	if v, ok := reading.Value(fetcher.FieldFlow); ok {
		measurement.FlowLPS = &v
	}
	return m.store.AddMeasurement(ctx, measurement)
}

func (m *Monitor) updateInstruments() {
	if m.instruments == nil {
		return
	}
	stats := m.Snapshot()
	m.instruments.Checks.Inc()
	m.instruments.ConsecutiveErrors.Set(float64(stats.ConsecutiveErrors))
	if !stats.LastSuccess.IsZero() {
		m.instruments.LastSuccess.Set(float64(stats.LastSuccess.Unix()))
	}
	if stats.Healthy {
		m.instruments.Healthy.Set(1)
	} else {
		m.instruments.Healthy.Set(0)
	}
}

func (m *Monitor) logSummary(msg string) {
	stats := m.Snapshot()
	event := m.logger.Info().
		Bool("healthy", stats.Healthy).
		Int64("checks", stats.Checks).
		Int64("updates", stats.Updates).
		Int64("errors", stats.Errors).
		Int64("consecutive_errors", stats.ConsecutiveErrors)

	if !stats.LastSuccess.IsZero() {
		event = event.Dur("since_last_success", time.Since(stats.LastSuccess))
	}
	if stats.Checks > 0 {
		event = event.Str("success_rate", fmt.Sprintf("%.1f%%", float64(stats.Checks-stats.Errors)/float64(stats.Checks)*100))
	}
	event.Msg(msg)
}
