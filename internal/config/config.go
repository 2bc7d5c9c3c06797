package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"flow-monitor/internal/fetcher"
	"flow-monitor/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig               `mapstructure:"app"`
	Logging  logging.Config          `mapstructure:"logging"`
	Database DatabaseConfig          `mapstructure:"database"`
	Monitor  MonitorConfig           `mapstructure:"monitor"`
	Fetcher  FetcherConfig           `mapstructure:"fetcher"`
	Lock     LockConfig              `mapstructure:"lock"`
	Metrics  MetricsConfig           `mapstructure:"metrics"`
	Publish  PublishConfig           `mapstructure:"publish"`
	Devices  map[string]DeviceConfig `mapstructure:"devices"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Timezone    string `mapstructure:"timezone"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// MonitorConfig governs the polling loop.
type MonitorConfig struct {
	Interval             time.Duration `mapstructure:"interval"`
	RetryAttempts        int           `mapstructure:"retry_attempts"`
	RetryDelay           time.Duration `mapstructure:"retry_delay"`
	MaxConsecutiveErrors int           `mapstructure:"max_consecutive_errors"`
	ExitOnUnhealthy      bool          `mapstructure:"exit_on_unhealthy"`
	HealthInterval       time.Duration `mapstructure:"health_interval"`
	StatusPath           string        `mapstructure:"status_path"`
	StatePath            string        `mapstructure:"state_path"`
	StoreAllReadings     bool          `mapstructure:"store_all_readings"`
}

// FetcherConfig tunes the acquisition strategies.
type FetcherConfig struct {
	Mode           string        `mapstructure:"mode"`
	BrowserTimeout time.Duration `mapstructure:"browser_timeout"`
	BrowserWait    time.Duration `mapstructure:"browser_wait"`
	HTTPTimeout    time.Duration `mapstructure:"http_timeout"`
	APIBaseURL     string        `mapstructure:"api_base_url"`
	APIHistoryURL  string        `mapstructure:"api_history_url"`
	SharePassword  string        `mapstructure:"share_password"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// LockConfig describes the singleton guard.
type LockConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// MetricsConfig enables the optional prometheus endpoint. An empty listen
// address disables it.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// PublishConfig enables the optional MQTT change-event publisher.
type PublishConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	QoS            int           `mapstructure:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// DeviceConfig is the static description of one monitored device.
type DeviceConfig struct {
	Name      string            `mapstructure:"name"`
	Location  string            `mapstructure:"location"`
	URL       string            `mapstructure:"url"`
	Selectors map[string]string `mapstructure:"selectors"`
}

// Load builds configuration from file, environment, and defaults. A .env file
// in the working directory is honoured when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("FLOWMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "flowmon")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.timezone", "Australia/Brisbane")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("monitor.interval", "60s")
	v.SetDefault("monitor.retry_attempts", 3)
	v.SetDefault("monitor.retry_delay", "5s")
	v.SetDefault("monitor.max_consecutive_errors", 10)
	v.SetDefault("monitor.exit_on_unhealthy", false)
	v.SetDefault("monitor.health_interval", "5m")
	v.SetDefault("monitor.status_path", "flowmon_status.json")
	v.SetDefault("monitor.state_path", "flowmon_state.json")
	v.SetDefault("monitor.store_all_readings", false)

	v.SetDefault("fetcher.mode", "auto")
	v.SetDefault("fetcher.browser_timeout", "20s")
	v.SetDefault("fetcher.browser_wait", "3s")
	v.SetDefault("fetcher.http_timeout", "10s")
	v.SetDefault("fetcher.api_base_url", "https://api.mp.usriot.com")
	v.SetDefault("fetcher.api_history_url", "https://sga-history.usriot.com:7002")
	v.SetDefault("fetcher.user_agent", "flowmon/1.0")

	v.SetDefault("lock.enabled", true)
	v.SetDefault("lock.path", "flowmon.lock")

	v.SetDefault("publish.enabled", false)
	v.SetDefault("publish.topic_prefix", "flowmon/readings")
	v.SetDefault("publish.client_id", "flowmon")
	v.SetDefault("publish.qos", 1)
	v.SetDefault("publish.connect_timeout", "10s")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be greater than zero")
	}
	if c.Monitor.RetryAttempts < 1 {
		return fmt.Errorf("monitor.retry_attempts must be at least one")
	}
	if c.Monitor.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("monitor.max_consecutive_errors must be at least one")
	}
	if _, err := fetcher.ParseMode(c.Fetcher.Mode); err != nil {
		return err
	}
	for id, device := range c.Devices {
		if device.URL == "" {
			return fmt.Errorf("devices.%s.url is required", id)
		}
		for field := range device.Selectors {
			if !fetcher.KnownField(field) {
				return fmt.Errorf("devices.%s.selectors: unknown field %q", id, field)
			}
		}
	}
	if c.Publish.Enabled && c.Publish.BrokerURL == "" {
		return fmt.Errorf("publish.broker_url is required when publishing is enabled")
	}
	return nil
}
