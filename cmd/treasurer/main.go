package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"treasury-service/internal/api"
	"treasury-service/internal/cache"
	"treasury-service/internal/config"
	"treasury-service/internal/errs"
	"treasury-service/internal/extraction"
	"treasury-service/internal/health"
	"treasury-service/internal/logger"
	"treasury-service/internal/metrics"
	"treasury-service/internal/notify"
	"treasury-service/internal/policy"
	"treasury-service/internal/repository"
	"treasury-service/internal/saga"
	"treasury-service/internal/settlement"
	"treasury-service/internal/tracing"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.ServiceName, os.Stdout)
	log.Info("starting " + cfg.ServiceName)

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.JaegerEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TraceSampleRate,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to init tracing")
	}

	// 连接数据库
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.WithError(err).Fatal("failed to open database")
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	dbPingCtx, dbPingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dbPingCancel()
	if err := db.PingContext(dbPingCtx); err != nil {
		log.WithError(err).Fatal("failed to ping database")
	}
	log.Info("connected to PostgreSQL")

	// 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     50,
		MinIdleConns: 5,
	})
	defer redisClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisPingCtx, redisPingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisPingCancel()
	if err := redisClient.Ping(redisPingCtx).Err(); err != nil {
		// 缓存是可重建投影，起不来仅降级
		log.WithError(err).Warn("redis unavailable at startup, read paths degrade to ledger")
	} else {
		log.Info("connected to Redis")
	}

	// 建表与初始状态
	initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
	defer initCancel()
	if err := repository.EnsureSchema(initCtx, db); err != nil {
		log.WithError(err).Fatal("failed to ensure schema")
	}
	ledgerRepo := repository.NewLedgerRepository(db)
	approvalRepo := repository.NewApprovalRepository(db)
	if err := ledgerRepo.EnsureAccount(initCtx, cfg.InitialBalance, cfg.InitialMonthlyBurn); err != nil {
		log.WithError(err).Fatal("failed to seed treasury account")
	}

	policyStore := policy.NewStore(redisClient)
	if err := policyStore.EnsureDefaults(initCtx); err != nil {
		log.WithError(err).Warn("failed to seed policy defaults, evaluation falls back to built-ins")
	}

	// 组装 saga
	m := metrics.NewDefault()
	stateCache := cache.NewStore(redisClient)
	rail := settlement.NewHTTPClient(cfg.SettlementURL, cfg.SettlementAPIKey, cfg.SettlementTimeout)
	extractor := extraction.NewHTTPClient(cfg.ExtractionURL, cfg.ExtractionMaxBytes, cfg.ExtractionTimeout)
	notifier := notify.New(redisClient, cfg.EventChannel, cfg.WebhookURL, log, m)
	orchestrator := saga.NewOrchestrator(ledgerRepo, approvalRepo, stateCache, rail, notifier, policyStore, m, log)

	// HTTP 服务
	healthz := health.New()
	healthz.Register(&health.DBChecker{DB: db})
	healthz.Register(&health.RedisChecker{Client: redisClient})
	healthz.SetReady(true)

	server := api.NewServer(orchestrator, extractor, ledgerRepo, approvalRepo, stateCache, policyStore, log)

	r := chi.NewRouter()
	r.Use(tracing.HTTPMiddleware)
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"service": cfg.ServiceName,
			"status":  "ok",
		})
	})
	r.Get("/live", healthz.LiveHandler())
	r.Get("/ready", healthz.ReadyHandler())
	r.Handle("/metrics", metricsHandler(m, cfg.MetricsToken))
	server.Routes(r)

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("HTTP server listening", map[string]interface{}{"port": cfg.HTTPPort})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	// 优雅关闭
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")
	healthz.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("HTTP shutdown failed")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.WithError(err).Error("tracing shutdown failed")
	}
	log.Info("shutdown complete")
}

func metricsHandler(m *metrics.Metrics, token string) http.Handler {
	base := m.Handler()
	if token == "" {
		return base
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !metricsAuthorized(r, token) {
			writeUnauthorized(w)
			return
		}
		base.ServeHTTP(w, r)
	})
}

func metricsAuthorized(r *http.Request, token string) bool {
	if strings.TrimSpace(r.Header.Get("X-Metrics-Token")) == token {
		return true
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")) == token
}

func writeUnauthorized(w http.ResponseWriter) {
	e := errs.New(errs.CodeUnauthorized, "unauthorized")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus())
	_ = json.NewEncoder(w).Encode(e)
}
