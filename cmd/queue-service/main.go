package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"counterflow/queue-service/internal/boardcache"
	"counterflow/queue-service/internal/config"
	"counterflow/queue-service/internal/httpapi"
	"counterflow/queue-service/internal/serviceday"
	"counterflow/queue-service/internal/store/postgres"
	"counterflow/queue-service/internal/telemetry"
	"counterflow/queue-service/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)

	shutdownTracing := telemetry.Setup("queue-service")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer pool.Close()

	location, err := time.LoadLocation(cfg.ServiceDayTimezone)
	if err != nil {
		log.Fatal().Err(err).Str("tz", cfg.ServiceDayTimezone).Msg("load timezone")
	}
	days := serviceday.New(location, cfg.ServiceDayRollover)

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("parse redis url")
		}
		redisClient = redis.NewClient(opts)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis unreachable, board cache disabled")
			redisClient = nil
		}
		cancel()
	}

	st := postgres.NewStore(pool, postgres.Options{
		Days:              days,
		ServingDisplayCap: cfg.ServingDisplayCap,
	})
	board := boardcache.New(redisClient, cfg.BoardCacheTTL)
	handler := httpapi.NewHandler(st, board, log, httpapi.Options{
		AllowedOrigin:       cfg.AllowedOrigin,
		PublicRatePerMinute: cfg.PublicRatePerMinute,
		TellerRatePerMinute: cfg.TellerRatePerMinute,
		TellerRateBurst:     cfg.TellerRateBurst,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(handler.Routes(), "queue-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("queue-service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	go func() {
		if cfg.StaleServingGrace <= 0 || cfg.StaleServingInterval <= 0 {
			return
		}
		ticker := time.NewTicker(cfg.StaleServingInterval)
		defer ticker.Stop()
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			count, err := st.ReleaseStaleServing(ctx, cfg.StaleServingGrace, cfg.StaleServingBatch)
			cancel()
			if err != nil {
				log.Error().Err(err).Msg("stale serving sweep")
				continue
			}
			if count > 0 {
				log.Info().Int("count", count).Msg("released stale serving tickets")
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}
