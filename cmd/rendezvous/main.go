package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httphandlers "meshroom/internal/handlers/http"
	"meshroom/internal/core/ports"
	"meshroom/internal/core/services"
	"meshroom/internal/infrastructure/middleware"
	"meshroom/internal/infrastructure/monitoring"
	"meshroom/internal/infrastructure/registry/memory"
	redisdir "meshroom/internal/infrastructure/registry/redis"
	"meshroom/internal/infrastructure/rendezvous"
	"meshroom/pkg/circuitbreaker"
	"meshroom/pkg/config"
	"meshroom/pkg/logger"
	"meshroom/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "", "path to yaml configuration")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			panic(err)
		}
		cfg = loaded
	}

	zlog := logger.New(cfg.Logging.Level)
	defer zlog.Sync()
	log := zlog.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "meshroom-rendezvous",
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("tracing init failed", "error", err)
	}

	roomRegistry := memory.NewRoomRegistry()

	var (
		opts     []rendezvous.Option
		presence ports.PresenceDirectory
		presDir  *redisdir.PresenceDirectory
	)
	if cfg.Redis.Enabled {
		presDir, err = redisdir.NewPresenceDirectory(redisdir.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, log)
		if err != nil {
			log.Fatalw("presence directory unavailable", "error", err)
		}
		presence = redisdir.NewGuardedDirectory(presDir, circuitbreaker.Default(), log)
		opts = append(opts, rendezvous.WithPresence(presence))
	}

	var collector *monitoring.Collector
	if cfg.Monitoring.PrometheusEnabled {
		collector = monitoring.NewCollector()
		opts = append(opts, rendezvous.WithMetrics(collector))
	}

	server := rendezvous.NewServer(roomRegistry, log, opts...)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.Recovery(log), middleware.ErrorHandler(log))
	if cfg.Tracing.Enabled {
		router.Use(middleware.Tracing())
	}

	router.GET("/ws", middleware.WebSocketRateLimit(cfg), gin.WrapF(server.HandleWebSocket))

	checker := monitoring.NewHealthChecker()
	if presDir != nil {
		checker.Register("redis", func(ctx context.Context) (bool, error) {
			_, err := presDir.Snapshot(ctx)
			return err == nil, err
		}, cfg.Server.ReadTimeout)
	}
	httphandlers.NewHealthHandler(checker).Register(router)

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	api := router.Group("/api/v1")
	// Auth first: the rate limiter keys authenticated callers by
	// token subject.
	if cfg.Auth.Enabled {
		api.Use(middleware.Auth(cfg.Auth.JWTSecret))
	}
	api.Use(middleware.HTTPRateLimit(cfg))
	stats := services.NewRoomStatsService(roomRegistry, presence, log)
	httphandlers.NewRoomHandler(stats, log).Register(api)

	handler := http.Handler(router)
	if cfg.RateLimiting.Enabled && cfg.RateLimiting.HTTP.MaxConcurrent > 0 {
		handler = capConcurrency(handler, cfg.RateLimiting.HTTP.MaxConcurrent)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      handler,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Infow("rendezvous server listening", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Infow("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("shutdown failed", "error", err)
	}
	if presDir != nil {
		presDir.Close()
	}
	tp.Shutdown(ctx)
}

// capConcurrency sheds requests beyond limit in flight rather than
// queueing them behind a saturated relay.
func capConcurrency(next http.Handler, limit int) http.Handler {
	sem := make(chan struct{}, limit)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
			next.ServeHTTP(w, r)
		default:
			http.Error(w, "server is at capacity", http.StatusServiceUnavailable)
		}
	})
}
