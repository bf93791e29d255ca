package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"kis-trading-core/buyer"
	"kis-trading-core/cache"
	"kis-trading-core/config"
	"kis-trading-core/database"
	"kis-trading-core/gateway"
	"kis-trading-core/monitor"
	"kis-trading-core/scanner"
	"kis-trading-core/seller"
)

const shutdownGrace = 10 * time.Second

// runnable is one service process behind a blocking Run.
type runnable interface {
	Run(ctx context.Context) error
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: trading-core <gateway|scanner|monitor|buyer|seller>")
		os.Exit(2)
	}
	mode := os.Args[1]

	cfg := config.LoadFromEnv()
	log := newLogger(cfg, mode)

	redis, err := cache.NewRedisClient(cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword, log)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connect failed")
	}
	defer redis.Close()

	app, err := buildApp(mode, cfg, redis, log)
	if err != nil {
		log.Fatal().Err(err).Str("mode", mode).Msg("service init failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			log.Fatal().Err(err).Msg("service exited")
		}
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
		select {
		case err := <-done:
			if err != nil {
				log.Error().Err(err).Msg("service exited during shutdown")
			}
		case <-time.After(shutdownGrace):
			log.Warn().Msg("shutdown grace period expired, exiting")
		}
	}
	log.Info().Msg("stopped")
}

func buildApp(mode string, cfg *config.Config, redis *cache.RedisClient, log zerolog.Logger) (runnable, error) {
	switch mode {
	case "gateway":
		return gateway.NewApp(cfg, redis, log)
	case "scanner":
		return scanner.NewApp(cfg, redis, log)
	case "monitor":
		return monitor.NewApp(cfg, redis, log)
	case "buyer":
		repo, err := newRepository(cfg)
		if err != nil {
			return nil, err
		}
		return buyer.NewApp(cfg, redis, repo, log)
	case "seller":
		repo, err := newRepository(cfg)
		if err != nil {
			return nil, err
		}
		return seller.NewApp(cfg, redis, repo, log)
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
}

func newRepository(cfg *config.Config) (*database.Repository, error) {
	db, err := database.NewConnection(database.Config{
		Host:     cfg.DatabaseHost,
		Port:     cfg.DatabasePort,
		User:     cfg.DatabaseUser,
		Password: cfg.DatabasePassword,
		DBName:   cfg.DatabaseName,
	})
	if err != nil {
		return nil, err
	}
	return database.NewRepository(db), nil
}

func newLogger(cfg *config.Config, mode string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level := zerolog.InfoLevel
	if cfg.Env != "production" {
		level = zerolog.DebugLevel
	}
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("mode", mode).
		Logger()
}
