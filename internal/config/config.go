package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Index      IndexConfig      `yaml:"index"`
	Fanout     FanoutConfig     `yaml:"fanout"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Tasks      TasksConfig      `yaml:"tasks"`
	Email      EmailConfig      `yaml:"email"`
	Push       PushConfig       `yaml:"push"`
	Redis      RedisConfig      `yaml:"redis"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig contains HTTP server settings. Timeouts are in seconds.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     int      `yaml:"read_timeout"`
	WriteTimeout    int      `yaml:"write_timeout"`
	IdleTimeout     int      `yaml:"idle_timeout"`
	RequestTimeout  int      `yaml:"request_timeout"`
	ShutdownTimeout int      `yaml:"shutdown_timeout"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

// StorageConfig selects the SQL backend
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`

	// Driver is sqlite or postgres
	Driver string `yaml:"driver"`

	// DSN defaults to pincer.db inside DataDir for sqlite
	DSN string `yaml:"dsn"`

	MaxOpenConns           int `yaml:"max_open_conns"`
	ConnMaxLifetimeMinutes int `yaml:"conn_max_lifetime_minutes"`
}

// LedgerConfig contains delivery ledger settings
type LedgerConfig struct {
	InMemory          bool    `yaml:"in_memory"`
	TTLHours          int     `yaml:"ttl_hours"`
	GCIntervalMinutes int     `yaml:"gc_interval_minutes"`
	GCDiscardRatio    float64 `yaml:"gc_discard_ratio"`
}

// IndexConfig contains subscription index cache settings
type IndexConfig struct {
	TTLSeconds         int `yaml:"ttl_seconds"`
	LoadTimeoutSeconds int `yaml:"load_timeout_seconds"`
}

// FanoutConfig contains fan-out settings
type FanoutConfig struct {
	ClosureCacheSize int `yaml:"closure_cache_size"`
}

// DispatcherConfig contains task dispatch settings
type DispatcherConfig struct {
	PageSize               int `yaml:"page_size"`
	MaxInFlight            int `yaml:"max_in_flight"`
	PollIntervalSeconds    int `yaml:"poll_interval_seconds"`
	FailureCooldownSeconds int `yaml:"failure_cooldown_seconds"`
	MinBackoffMs           int `yaml:"min_backoff_ms"`
	MaxBackoffMs           int `yaml:"max_backoff_ms"`
	ReclaimTimeoutMs       int `yaml:"reclaim_timeout_ms"`
}

// BatchConfig bounds the batches of one task kind
type BatchConfig struct {
	MaxConcurrentBatches int `yaml:"max_concurrent_batches"`
	MaxItemsPerBatch     int `yaml:"max_items_per_batch"`
}

// TasksConfig contains per kind batching
type TasksConfig struct {
	OpeningStarted   BatchConfig `yaml:"opening_started"`
	ContentPublished BatchConfig `yaml:"content_published"`
	EmailDelivery    BatchConfig `yaml:"email_delivery"`
	PushDelivery     BatchConfig `yaml:"push_delivery"`
}

// EmailConfig contains email delivery settings
type EmailConfig struct {
	// Mode is smtp or log
	Mode           string `yaml:"mode"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	From           string `yaml:"from"`
	FromName       string `yaml:"from_name"`
	StartTLS       bool   `yaml:"starttls"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// PushConfig contains push gateway settings
type PushConfig struct {
	GatewayURL     string `yaml:"gateway_url"`
	Token          string `yaml:"token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	TTLHours       int    `yaml:"ttl_hours"`
}

// RedisConfig enables the cross-process wake relay
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled"`
	ServiceName   string            `yaml:"service_name"`
	Endpoint      string            `yaml:"endpoint"`
	Insecure      bool              `yaml:"insecure"`
	SamplingRatio float64           `yaml:"sampling_ratio"`
	Attributes    map[string]string `yaml:"attributes"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     5,
			WriteTimeout:    10,
			IdleTimeout:     120,
			RequestTimeout:  30,
			ShutdownTimeout: 10,
			AllowedOrigins:  []string{"*"},
		},
		Storage: StorageConfig{
			DataDir:                "./data",
			Driver:                 "sqlite",
			MaxOpenConns:           10,
			ConnMaxLifetimeMinutes: 30,
		},
		Ledger: LedgerConfig{
			TTLHours:          72,
			GCIntervalMinutes: 10,
			GCDiscardRatio:    0.5,
		},
		Index: IndexConfig{
			TTLSeconds:         300,
			LoadTimeoutSeconds: 30,
		},
		Fanout: FanoutConfig{
			ClosureCacheSize: 1024,
		},
		Dispatcher: DispatcherConfig{
			PageSize:               100,
			MaxInFlight:            10000,
			PollIntervalSeconds:    30,
			FailureCooldownSeconds: 60,
			MinBackoffMs:           500,
			MaxBackoffMs:           30000,
			ReclaimTimeoutMs:       5000,
		},
		Tasks: TasksConfig{
			OpeningStarted:   BatchConfig{MaxConcurrentBatches: 1, MaxItemsPerBatch: 1},
			ContentPublished: BatchConfig{MaxConcurrentBatches: 2, MaxItemsPerBatch: 10},
			EmailDelivery:    BatchConfig{MaxConcurrentBatches: 4, MaxItemsPerBatch: 20},
			PushDelivery:     BatchConfig{MaxConcurrentBatches: 4, MaxItemsPerBatch: 20},
		},
		Email: EmailConfig{
			Mode:           "log",
			Host:           "localhost",
			Port:           25,
			From:           "notifications@localhost",
			FromName:       "Pincer",
			StartTLS:       true,
			TimeoutSeconds: 30,
		},
		Push: PushConfig{
			GatewayURL:     "http://localhost:8090/push",
			TimeoutSeconds: 10,
			TTLHours:       24,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			Channel: "pincer:wake",
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			IncludeCaller: true,
			GlobalFields:  map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "pincer",
			Endpoint:      "localhost:4317",
			Insecure:      true,
			SamplingRatio: 0.1,
			Attributes:    map[string]string{},
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file on top of the
// defaults. A missing file yields the defaults.
func LoadConfigFromFile(filePath string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	return config, nil
}

// LoadConfig loads configuration from file, environment variables and flags,
// in increasing priority
func LoadConfig(configFile string, dataDir string, serverAddr string, logLevel string) (*Config, error) {
	config := DefaultConfig()
	if configFile != "" {
		var err error
		if config, err = LoadConfigFromFile(configFile); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(config)

	if dataDir != "" {
		absDataDir, err := filepath.Abs(dataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for data directory: %w", err)
		}
		config.Storage.DataDir = absDataDir
	}
	if serverAddr != "" {
		config.Server.Addr = serverAddr
	}
	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// maxBoundTaskIDs keeps the claim query below the sqlite parameter limit
const maxBoundTaskIDs = 30000

// Validate checks settings that would otherwise fail late
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Email.Mode {
	case "log":
	case "smtp":
		if c.Email.Host == "" || c.Email.From == "" {
			return fmt.Errorf("email.host and email.from are required for smtp")
		}
	default:
		return fmt.Errorf("unknown email mode %q", c.Email.Mode)
	}

	if c.Push.GatewayURL == "" {
		return fmt.Errorf("push.gateway_url is required")
	}
	if c.Dispatcher.MaxInFlight > maxBoundTaskIDs {
		return fmt.Errorf("dispatcher.max_in_flight must not exceed %d", maxBoundTaskIDs)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when the relay is enabled")
	}
	return nil
}

// applyEnvOverrides applies PINCER_* environment variables
func applyEnvOverrides(config *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else {
				log.Warn().Str("var", name).Str("value", v).Msg("Ignoring non-numeric environment override")
			}
		}
	}
	flag := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	str("PINCER_SERVER_ADDR", &config.Server.Addr)
	if origins := os.Getenv("PINCER_SERVER_ALLOWED_ORIGINS"); origins != "" {
		config.Server.AllowedOrigins = strings.Split(origins, ",")
	}

	str("PINCER_STORAGE_DATA_DIR", &config.Storage.DataDir)
	str("PINCER_STORAGE_DRIVER", &config.Storage.Driver)
	str("PINCER_STORAGE_DSN", &config.Storage.DSN)
	num("PINCER_STORAGE_MAX_OPEN_CONNS", &config.Storage.MaxOpenConns)

	flag("PINCER_LEDGER_IN_MEMORY", &config.Ledger.InMemory)
	num("PINCER_LEDGER_TTL_HOURS", &config.Ledger.TTLHours)

	num("PINCER_INDEX_TTL_SECONDS", &config.Index.TTLSeconds)

	num("PINCER_DISPATCHER_PAGE_SIZE", &config.Dispatcher.PageSize)
	num("PINCER_DISPATCHER_MAX_IN_FLIGHT", &config.Dispatcher.MaxInFlight)
	num("PINCER_DISPATCHER_POLL_INTERVAL_SECONDS", &config.Dispatcher.PollIntervalSeconds)
	num("PINCER_DISPATCHER_FAILURE_COOLDOWN_SECONDS", &config.Dispatcher.FailureCooldownSeconds)

	str("PINCER_EMAIL_MODE", &config.Email.Mode)
	str("PINCER_EMAIL_HOST", &config.Email.Host)
	num("PINCER_EMAIL_PORT", &config.Email.Port)
	str("PINCER_EMAIL_USERNAME", &config.Email.Username)
	str("PINCER_EMAIL_PASSWORD", &config.Email.Password)
	str("PINCER_EMAIL_FROM", &config.Email.From)

	str("PINCER_PUSH_GATEWAY_URL", &config.Push.GatewayURL)
	str("PINCER_PUSH_TOKEN", &config.Push.Token)

	flag("PINCER_REDIS_ENABLED", &config.Redis.Enabled)
	str("PINCER_REDIS_ADDR", &config.Redis.Addr)
	str("PINCER_REDIS_PASSWORD", &config.Redis.Password)

	str("PINCER_LOG_LEVEL", &config.Logging.Level)
	str("PINCER_LOG_FORMAT", &config.Logging.Format)

	flag("PINCER_TELEMETRY_ENABLED", &config.Telemetry.Enabled)
	str("PINCER_TELEMETRY_ENDPOINT", &config.Telemetry.Endpoint)
}
