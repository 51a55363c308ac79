package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"imageforge/internal/artifacts"
	"imageforge/internal/events"
	"imageforge/internal/janitor"
	"imageforge/internal/locks"
	"imageforge/internal/metrics"
	"imageforge/internal/models"
	"imageforge/internal/pipeline"
	"imageforge/internal/server"
	"imageforge/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := models.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg.LogLevel)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := artifacts.NewStore(cfg.StoragePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init artifact store")
	}

	var registry storage.Registry
	if cfg.DatabaseURL != "" {
		db, err := storage.NewStorage(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init storage")
		}
		defer db.Close()
		registry = db
	} else {
		log.Warn().Msg("no database_url configured, image records live in memory")
		registry = storage.NewMemory()
	}

	var locker locks.Locker = locks.NewLocal()
	if cfg.RedisURL != "" {
		rl, err := locks.NewRedis(cfg.RedisURL, 2*cfg.TransformTimeout)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rl.Close()
		locker = rl
	}

	var publisher events.Publisher = events.Noop{}
	if cfg.KafkaBroker != "" {
		kp := events.NewKafka(cfg.KafkaBroker, cfg.KafkaTopic)
		defer kp.Close()
		publisher = kp
	}

	m := metrics.NewProm(cfg.MetricsNamespace, prometheus.DefaultRegisterer)

	p := pipeline.New(store, pipeline.Options{
		Workers: cfg.Workers,
		Timeout: cfg.TransformTimeout,
		Metrics: m,
	})

	j := janitor.New(store, janitor.Options{
		Retention: cfg.Retention,
		Interval:  cfg.SweepInterval,
		Metrics:   m,
		Events:    publisher,
	})
	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		j.Run(ctx)
	}()

	srv := server.NewServer(cfg, server.Deps{
		Registry: registry,
		Store:    store,
		Pipeline: p,
		Locker:   locker,
		Metrics:  m,
		Events:   publisher,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.TransformTimeout+5*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	<-janitorDone
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
