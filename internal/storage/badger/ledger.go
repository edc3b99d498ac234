package badger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/nkkko/pincer/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const prefixDelivered = "sent:"

// Config contains delivery ledger configuration
type Config struct {
	// Base directory for data files
	DataDir string

	// InMemory keeps the ledger in memory only
	InMemory bool

	// TTL is how long a delivery is remembered
	TTL time.Duration

	// GC settings
	GCInterval     time.Duration
	GCDiscardRatio float64
}

// DefaultConfig returns a default configuration for the ledger
func DefaultConfig() Config {
	return Config{
		DataDir:        "./data",
		TTL:            72 * time.Hour,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// Ledger remembers which deliveries were already sent, so that a task
// reprocessed after a crash does not send twice
type Ledger struct {
	config  Config
	db      *badger.DB
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewLedger opens the ledger database
func NewLedger(config Config) (*Ledger, error) {
	logger := log.With().Str("component", "delivery-ledger").Logger()

	defaults := DefaultConfig()
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	if config.GCInterval <= 0 {
		config.GCInterval = defaults.GCInterval
	}
	if config.GCDiscardRatio <= 0 || config.GCDiscardRatio >= 1 {
		config.GCDiscardRatio = defaults.GCDiscardRatio
	}

	var options badger.Options
	if config.InMemory {
		options = badger.DefaultOptions("").WithInMemory(true)
	} else {
		dbPath := filepath.Join(config.DataDir, "ledger")
		if err := os.MkdirAll(dbPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
		options = badger.DefaultOptions(dbPath)
	}
	options = options.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open Badger: %w", err)
	}

	return &Ledger{
		config:  config,
		db:      db,
		logger:  logger,
		metrics: metrics.GetMetrics(),
	}, nil
}

// Start runs value log garbage collection until ctx is cancelled
func (l *Ledger) Start(ctx context.Context) error {
	if l.config.InMemory {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(l.config.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := l.db.RunValueLogGC(l.config.GCDiscardRatio)
			if err != nil {
				if errors.Is(err, badger.ErrNoRewrite) {
					l.logger.Debug().Msg("No garbage collection needed")
				} else {
					l.logger.Error().Err(err).Msg("Error during garbage collection")
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Shutdown closes the ledger database
func (l *Ledger) Shutdown(ctx context.Context) error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("closing ledger: %w", err)
	}
	return nil
}

// Delivered reports whether key was marked delivered within the TTL
func (l *Ledger) Delivered(ctx context.Context, key string) (bool, error) {
	found := false
	err := l.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(prefixDelivered + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	l.metrics.LedgerOperations.WithLabelValues("lookup", strconv.FormatBool(err == nil)).Inc()
	if err != nil {
		return false, fmt.Errorf("reading ledger key %s: %w", key, err)
	}
	return found, nil
}

// MarkDelivered records key as delivered; the record expires after the TTL
func (l *Ledger) MarkDelivered(ctx context.Context, key string) error {
	value := []byte(strconv.FormatInt(time.Now().UnixNano(), 10))
	err := l.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(prefixDelivered+key), value).WithTTL(l.config.TTL)
		return txn.SetEntry(entry)
	})
	l.metrics.LedgerOperations.WithLabelValues("mark", strconv.FormatBool(err == nil)).Inc()
	if err != nil {
		return fmt.Errorf("writing ledger key %s: %w", key, err)
	}
	return nil
}
