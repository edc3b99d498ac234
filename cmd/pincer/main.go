package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nkkko/pincer/internal/config"
	"github.com/nkkko/pincer/internal/engine"
	"github.com/nkkko/pincer/internal/logging"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
)

func main() {
	configFile := flag.StringP("config", "c", "config.yaml", "path to the YAML config file")
	dataDir := flag.String("data-dir", "", "directory for the SQLite database and delivery ledger")
	addr := flag.String("addr", "", "HTTP listen address")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile, *dataDir, *addr, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pincer: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Setup(cfg.ToLoggingConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "pincer: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := engine.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create engine")
	}

	if err := e.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Engine stopped with error")
		stop()
		os.Exit(1)
	}
}
