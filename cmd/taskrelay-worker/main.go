package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"taskrelay/internal/broker"
	"taskrelay/internal/config"
	"taskrelay/internal/registry"
	"taskrelay/internal/results"
	"taskrelay/internal/tasks"
	"taskrelay/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("worker service failed")
	}
}

func run() error {
	_ = godotenv.Load()

	defaultConfigPath := os.Getenv("TASKRELAY_CONFIG")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/taskrelay.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateWorker(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	setupLogging(cfg.Logging)

	db, err := openDB(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := registry.New()
	if err := tasks.RegisterBuiltins(reg, tasks.NewMailer(cfg.Email)); err != nil {
		return err
	}

	b := broker.New(db, reg, broker.Options{
		Lease:        cfg.Broker.Lease,
		PollInterval: cfg.Broker.PollInterval,
	})
	tracker := results.New(db)

	pool := worker.NewPool(b, reg, tracker, worker.Config{
		Queues:          cfg.Worker.Queues,
		Concurrency:     cfg.Worker.Concurrency,
		PollTimeout:     cfg.Worker.PollTimeout,
		JanitorInterval: cfg.Worker.JanitorInterval,
		ResultRetention: cfg.Worker.ResultRetention,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		log.Info().Msg("shutting down")
		cancel()
	}()

	pool.Run(ctx)
	log.Info().Msg("worker pool drained")
	return nil
}

func setupLogging(cfg config.LoggingConfig) {
	zerolog.TimeFieldFormat = time.RFC3339
	if level, err := zerolog.ParseLevel(cfg.Level); err == nil && cfg.Level != "" {
		zerolog.SetGlobalLevel(level)
	}
	if cfg.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
}

func openDB(path string) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := broker.EnsureSchema(db); err != nil {
		return nil, fmt.Errorf("ensure broker schema: %w", err)
	}
	if err := results.EnsureSchema(db); err != nil {
		return nil, fmt.Errorf("ensure results schema: %w", err)
	}
	return db, nil
}
