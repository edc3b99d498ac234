package config

import (
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"
	apichi "github.com/nkkko/pincer/internal/api/chi"
	"github.com/nkkko/pincer/internal/delivery"
	"github.com/nkkko/pincer/internal/fanout"
	"github.com/nkkko/pincer/internal/logging"
	"github.com/nkkko/pincer/internal/scheduler"
	"github.com/nkkko/pincer/internal/storage/badger"
	"github.com/nkkko/pincer/internal/storage/sqlstore"
	"github.com/nkkko/pincer/internal/tasks"
	"github.com/nkkko/pincer/internal/telemetry"
	"github.com/nkkko/pincer/internal/topic"
)

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// ToSQLStoreConfig converts to the SQL store config
func (c *Config) ToSQLStoreConfig() sqlstore.Config {
	dsn := c.Storage.DSN
	if dsn == "" && c.Storage.Driver == string(sqlstore.DriverSQLite) {
		dsn = filepath.Join(c.Storage.DataDir, "pincer.db")
	}
	return sqlstore.Config{
		Driver:          sqlstore.Driver(c.Storage.Driver),
		DSN:             dsn,
		MaxOpenConns:    c.Storage.MaxOpenConns,
		ConnMaxLifetime: time.Duration(c.Storage.ConnMaxLifetimeMinutes) * time.Minute,
	}
}

// ToLedgerConfig converts to the badger delivery ledger config
func (c *Config) ToLedgerConfig() badger.Config {
	return badger.Config{
		DataDir:        c.Storage.DataDir,
		InMemory:       c.Ledger.InMemory,
		TTL:            time.Duration(c.Ledger.TTLHours) * time.Hour,
		GCInterval:     time.Duration(c.Ledger.GCIntervalMinutes) * time.Minute,
		GCDiscardRatio: c.Ledger.GCDiscardRatio,
	}
}

// ToIndexConfig converts to the subscription index cache config
func (c *Config) ToIndexConfig() topic.IndexConfig {
	return topic.IndexConfig{
		TTL:         seconds(c.Index.TTLSeconds),
		LoadTimeout: seconds(c.Index.LoadTimeoutSeconds),
	}
}

// ToFanoutConfig converts to the fan-out config
func (c *Config) ToFanoutConfig() fanout.Config {
	return fanout.Config{ClosureCacheSize: c.Fanout.ClosureCacheSize}
}

// ToDispatcherConfig converts to the dispatcher config
func (c *Config) ToDispatcherConfig() scheduler.Config {
	return scheduler.Config{
		PageSize:        c.Dispatcher.PageSize,
		MaxInFlight:     c.Dispatcher.MaxInFlight,
		PollInterval:    seconds(c.Dispatcher.PollIntervalSeconds),
		FailureCooldown: seconds(c.Dispatcher.FailureCooldownSeconds),
		MinBackoff:      time.Duration(c.Dispatcher.MinBackoffMs) * time.Millisecond,
		MaxBackoff:      time.Duration(c.Dispatcher.MaxBackoffMs) * time.Millisecond,
		ReclaimTimeout:  time.Duration(c.Dispatcher.ReclaimTimeoutMs) * time.Millisecond,
	}
}

func (b BatchConfig) options() scheduler.Options {
	return scheduler.Options{
		MaxConcurrentBatches: b.MaxConcurrentBatches,
		MaxItemsPerBatch:     b.MaxItemsPerBatch,
	}
}

// ToTaskOptions converts to the per kind batching of the task handlers
func (c *Config) ToTaskOptions() tasks.Options {
	return tasks.Options{
		OpeningStarted:   c.Tasks.OpeningStarted.options(),
		ContentPublished: c.Tasks.ContentPublished.options(),
		EmailDelivery:    c.Tasks.EmailDelivery.options(),
		PushDelivery:     c.Tasks.PushDelivery.options(),
	}
}

// ToSMTPConfig converts to the SMTP sender config
func (c *Config) ToSMTPConfig() delivery.SMTPConfig {
	return delivery.SMTPConfig{
		Host:     c.Email.Host,
		Port:     c.Email.Port,
		Username: c.Email.Username,
		Password: c.Email.Password,
		From:     c.Email.From,
		FromName: c.Email.FromName,
		StartTLS: c.Email.StartTLS,
		Timeout:  seconds(c.Email.TimeoutSeconds),
	}
}

// ToPushConfig converts to the push gateway config
func (c *Config) ToPushConfig() delivery.PushConfig {
	return delivery.PushConfig{
		GatewayURL: c.Push.GatewayURL,
		Token:      c.Push.Token,
		Timeout:    seconds(c.Push.TimeoutSeconds),
		TTL:        time.Duration(c.Push.TTLHours) * time.Hour,
	}
}

// ToRedisOptions converts to go-redis client options
func (c *Config) ToRedisOptions() *redis.Options {
	return &redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	}
}

// ToAPIConfig converts to API config
func (c *Config) ToAPIConfig() apichi.Config {
	return apichi.Config{
		Addr:            c.Server.Addr,
		ReadTimeout:     seconds(c.Server.ReadTimeout),
		WriteTimeout:    seconds(c.Server.WriteTimeout),
		IdleTimeout:     seconds(c.Server.IdleTimeout),
		RequestTimeout:  seconds(c.Server.RequestTimeout),
		ShutdownTimeout: seconds(c.Server.ShutdownTimeout),
		AllowedOrigins:  c.Server.AllowedOrigins,
	}
}

// ToLoggingConfig converts to logging config
func (c *Config) ToLoggingConfig() logging.Config {
	format := logging.FormatJSON
	if c.Logging.Format == string(logging.FormatConsole) {
		format = logging.FormatConsole
	}
	return logging.Config{
		Level:             logging.LogLevel(c.Logging.Level),
		Format:            format,
		IncludeCaller:     c.Logging.IncludeCaller,
		IncludeStacktrace: true,
		GlobalFields:      c.Logging.GlobalFields,
	}
}

// ToTelemetryConfig converts to telemetry config
func (c *Config) ToTelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:       c.Telemetry.Enabled,
		ServiceName:   c.Telemetry.ServiceName,
		Endpoint:      c.Telemetry.Endpoint,
		Insecure:      c.Telemetry.Insecure,
		SamplingRatio: c.Telemetry.SamplingRatio,
		Timeout:       5 * time.Second,
		Attributes:    c.Telemetry.Attributes,
	}
}
