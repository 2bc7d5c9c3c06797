package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"flow-monitor/internal/changestate"
	"flow-monitor/internal/config"
	"flow-monitor/internal/fetcher"
	"flow-monitor/internal/lock"
	"flow-monitor/internal/metrics"
	"flow-monitor/internal/monitor"
	"flow-monitor/internal/publish"
	"flow-monitor/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newChain() (*fetcher.Chain, error) {
	mode, err := fetcher.ParseMode(a.Config.Fetcher.Mode)
	if err != nil {
		return nil, err
	}

	browser := fetcher.NewBrowser(fetcher.BrowserOptions{
		Timeout:       a.Config.Fetcher.BrowserTimeout,
		WaitAfterLoad: a.Config.Fetcher.BrowserWait,
	}, a.Logger)

	api := fetcher.NewAPI(fetcher.APIOptions{
		BaseURL:       a.Config.Fetcher.APIBaseURL,
		HistoryURL:    a.Config.Fetcher.APIHistoryURL,
		SharePassword: a.Config.Fetcher.SharePassword,
		Timeout:       a.Config.Fetcher.HTTPTimeout,
		UserAgent:     a.Config.Fetcher.UserAgent,
	}, a.Logger)

	static := fetcher.NewStatic(fetcher.StaticOptions{
		Timeout:   a.Config.Fetcher.HTTPTimeout,
		UserAgent: a.Config.Fetcher.UserAgent,
	}, a.Logger)

	return fetcher.NewChain(mode, a.Logger, browser, api, static), nil
}

func (a *App) devices() ([]monitor.Device, error) {
	ids := make([]string, 0, len(a.Config.Devices))
	for id := range a.Config.Devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	devices := make([]monitor.Device, 0, len(ids))
	for _, id := range ids {
		dc := a.Config.Devices[id]
		selectors := make(map[fetcher.Field]string, len(dc.Selectors))
		for key, sel := range dc.Selectors {
			if !fetcher.KnownField(key) {
				return nil, fmt.Errorf("device %s: unknown field %q", id, key)
			}
			selectors[fetcher.Field(key)] = sel
		}
		name := dc.Name
		if name == "" {
			name = id
		}
		devices = append(devices, monitor.Device{
			ID:       id,
			Name:     name,
			Location: dc.Location,
			Source:   fetcher.Source{URL: dc.URL, Selectors: selectors},
		})
	}
	return devices, nil
}

func (a *App) location() (*time.Location, error) {
	loc, err := time.LoadLocation(a.Config.App.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", a.Config.App.Timezone, err)
	}
	return loc, nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}

	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) acquireLock() (lock.ProcessLock, error) {
	if !a.Config.Lock.Enabled {
		return nil, nil
	}

	fl := lock.NewFileLock(a.Config.Lock.Path, a.Logger)
	acquired, err := fl.Acquire()
	if err != nil {
		return nil, err
	}
	if !acquired {
		if holder, ok := fl.Holder(); ok {
			return nil, fmt.Errorf("%w (pid %d since %s)", lock.ErrHeld, holder.PID, holder.StartedAt.Format(time.RFC3339))
		}
		return nil, lock.ErrHeld
	}
	return fl, nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

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

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	chain, err := a.newChain()
	if err != nil {
		return err
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

	detector, err := changestate.NewDetector(changestate.NewFileStore(a.Config.Monitor.StatePath, a.Logger), a.Logger)
	if err != nil {
		return err
	}

	instruments := metrics.New()

	var measurementStore storage.MeasurementStore
	if store != nil {
		measurementStore = store
	}

	var publisher monitor.Publisher
	if a.Config.Publish.Enabled {
		pub, perr := publish.NewMQTTPublisher(ctx, publish.Options{
			BrokerURL:      a.Config.Publish.BrokerURL,
			ClientID:       a.Config.Publish.ClientID,
			TopicPrefix:    a.Config.Publish.TopicPrefix,
			Username:       a.Config.Publish.Username,
			Password:       a.Config.Publish.Password,
			QoS:            byte(a.Config.Publish.QoS),
			ConnectTimeout: a.Config.Publish.ConnectTimeout,
		}, a.Logger)
		if perr != nil {
			return perr
		}
		defer pub.Close()
		publisher = pub
	}

	mon := monitor.New(monitor.Options{
		Interval:             a.Config.Monitor.Interval,
		RetryAttempts:        a.Config.Monitor.RetryAttempts,
		RetryDelay:           a.Config.Monitor.RetryDelay,
		MaxConsecutiveErrors: a.Config.Monitor.MaxConsecutiveErrors,
		ExitOnUnhealthy:      a.Config.Monitor.ExitOnUnhealthy,
		HealthInterval:       a.Config.Monitor.HealthInterval,
		StatusPath:           a.Config.Monitor.StatusPath,
		StoreAllReadings:     a.Config.Monitor.StoreAllReadings,
		Location:             loc,
	}, devices, chain, detector, measurementStore, publisher, instruments, a.Logger)

	if a.Config.Metrics.ListenAddr != "" {
		go func() {
			if serr := metrics.Serve(ctx, a.Config.Metrics.ListenAddr, instruments, mon.Healthy, a.Logger); serr != nil {
				a.Logger.Error().Err(serr).Msg("metrics server terminated")
			}
		}()
	}

	a.Logger.Info().
		Int("devices", len(devices)).
		Dur("interval", a.Config.Monitor.Interval).
		Msg("starting monitoring service")

	err = mon.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("monitor terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}
