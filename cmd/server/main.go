package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mohammed-shakir/ndvi-pipeline/internal/cache/rediscache"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/cache/responsecache"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/config"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/engine"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/engine/sentinelhub"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/events"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/geo"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/httpapi"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/ledger"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/lock"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/logger"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/resource"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/service"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/store"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/sweeper"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/worker"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()

	log := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		Component: "server",
	}, os.Stdout)

	log.Info().
		Str("addr", cfg.Addr).
		Str("version", Version).
		Str("provider", cfg.Provider).
		Msg("starting ndvi pipeline")

	db, err := store.Open(cfg.SQLitePath)
	if err != nil {
		log.Error().Err(err).Msg("open sqlite")
		return 1
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	redis, err := rediscache.New(connectCtx, cfg.RedisAddr,
		rediscache.WithPoolSize(cfg.RedisPoolSize),
		rediscache.WithDialTimeout(cfg.RedisDialTimeout),
		rediscache.WithReadTimeout(cfg.RedisReadTimeout))
	cancel()
	if err != nil {
		log.Error().Err(err).Str("addr", cfg.RedisAddr).Msg("connect redis")
		return 1
	}
	defer redis.Close()

	led, err := ledger.New(db, cfg.MaxAttempts, cfg.RetryBackoff)
	if err != nil {
		log.Error().Err(err).Msg("init ledger")
		return 1
	}
	sqlDir, err := resource.NewSQL(db)
	if err != nil {
		log.Error().Err(err).Msg("init resource directory")
		return 1
	}
	dir := resource.NewCached(sqlDir, cfg.ResourceCacheSize, cfg.ResourceCacheTTL)
	obs, err := store.NewObservations(db)
	if err != nil {
		log.Error().Err(err).Msg("init observations")
		return 1
	}
	arts, err := store.NewArtifacts(db)
	if err != nil {
		log.Error().Err(err).Msg("init artifacts")
		return 1
	}

	engines := engine.NewRegistry()
	if cfg.SentinelHubID != "" && cfg.SentinelHubSecret != "" {
		sh, err := sentinelhub.New(sentinelhub.Options{
			BaseURL:      cfg.SentinelHubBaseURL,
			ClientID:     cfg.SentinelHubID,
			ClientSecret: cfg.SentinelHubSecret,
			Timeout:      cfg.UpstreamTimeout,
		}, redis, log)
		if err != nil {
			log.Error().Err(err).Msg("init sentinel hub engine")
			return 1
		}
		engines.Register(sentinelhub.Name, sh)
	} else {
		log.Warn().Msg("sentinel hub credentials missing, no provider registered")
	}

	var emitter events.Emitter = events.Nop{}
	if cfg.KafkaBrokers != "" {
		kafka, err := events.NewKafka(strings.Split(cfg.KafkaBrokers, ","), cfg.AuditTopic, 1024, log)
		if err != nil {
			log.Error().Err(err).Msg("connect kafka")
			return 1
		}
		defer kafka.Close()
		emitter = kafka
	}

	gate := geo.NewGate(geo.Limits{
		MaxAreaKm2:          cfg.MaxAreaKm2,
		MaxRangeDays:        cfg.MaxRangeDays,
		MaxCells:            cfg.MaxCells,
		CellRes:             cfg.CellRes,
		MinRasterSize:       cfg.MinRasterSize,
		MaxRasterSize:       cfg.MaxRasterSize,
		MaxRasterPixels:     cfg.MaxRasterPixels,
		DefaultStepDays:     cfg.DefaultStep,
		DefaultMaxCloud:     cfg.DefaultCloud,
		DefaultLookbackDays: cfg.DefaultLookback,
	})
	respCache := responsecache.New(redis, cfg.TTLSeries, cfg.TTLLatest)

	svc := service.New(service.Options{
		Gate:            gate,
		Directory:       dir,
		Ledger:          led,
		ResponseCache:   respCache,
		Observations:    obs,
		Artifacts:       arts,
		Redis:           redis,
		Emitter:         emitter,
		Logger:          log,
		RefreshCooldown: cfg.RefreshCooldown,
	})

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		w := worker.New(worker.Options{
			Ledger:        led,
			Directory:     dir,
			Engines:       engines,
			Observations:  obs,
			Artifacts:     arts,
			ResponseCache: respCache,
			Locks:         lock.New(redis, cfg.LockTTL),
			Emitter:       emitter,
			Logger:        log,
			Poll:          cfg.PollInterval,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	sw := sweeper.New(sweeper.Options{
		Service:         svc,
		Directory:       dir,
		Emitter:         emitter,
		Logger:          log,
		RefreshInterval: cfg.RefreshInterval,
		GapFillInterval: cfg.GapFillInterval,
		GapFillWindow:   cfg.GapFillWindow,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		sw.Run(ctx)
	}()

	err = httpapi.Run(ctx, cfg.Addr, httpapi.NewRouter(svc, log), log)
	stop()
	wg.Wait()
	if err != nil {
		log.Error().Err(err).Msg("http server failed")
		return 1
	}
	log.Info().Msg("shutdown complete")
	return 0
}
