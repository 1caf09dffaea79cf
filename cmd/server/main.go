package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sii-gateway/internal/audit"
	"sii-gateway/internal/certstore"
	"sii-gateway/internal/idempotency"
	"sii-gateway/internal/platform/config"
	"sii-gateway/internal/platform/httpserver"
	"sii-gateway/internal/platform/logger"
	"sii-gateway/internal/platform/metrics"
	"sii-gateway/internal/platform/postgres"
	"sii-gateway/internal/platform/redis"
	"sii-gateway/internal/platform/token"
	siiclient "sii-gateway/internal/sii/client"
	"sii-gateway/internal/submission"
	subhandler "sii-gateway/internal/submission/handler"
	httptransport "sii-gateway/internal/transport/http"
)

// main wires dependencies and owns the process lifecycle. Business logic
// lives in the internal service packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New(slog.LevelInfo)

	if err := run(cfg, log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	km, err := loadCertificate(cfg.SII, log)
	if err != nil {
		return err
	}

	db, err := postgres.Open(cfg.Postgres)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	} else {
		log.Warn("no postgres DSN configured, using in-memory stores; records will not survive a restart")
	}

	redisClient, err := redis.New(cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	client, err := siiclient.New(km, cfg.SII, log)
	if err != nil {
		return err
	}

	// Stores fall back to memory when postgres is absent.
	var (
		idemStore  idempotency.Store
		subStore   submission.Store
		auditStore audit.Store
		janitor    *idempotency.PostgresStore
	)
	if db != nil {
		pgIdem := idempotency.NewPostgresStore(db)
		idemStore = pgIdem
		janitor = pgIdem
		subStore = submission.NewPostgresStore(db)
		auditStore = audit.NewPostgresStore(db)
	} else {
		idemStore = idempotency.NewMemoryStore()
		subStore = submission.NewMemoryStore()
		auditStore = audit.NewMemoryStore()
	}

	publisher := audit.NewPublisher(auditStore, log)

	guardOpts := []idempotency.Option{
		idempotency.WithTTLs(cfg.Idempotency.CacheTTL, cfg.Idempotency.RecordTTL, cfg.Idempotency.ReservationTTL),
		idempotency.WithAuditor(publisher),
	}
	if redisClient != nil {
		guardOpts = append(guardOpts, idempotency.WithCache(idempotency.NewRedisCache(redisClient.Client)))
	}
	guard := idempotency.NewGuard(idemStore, log, guardOpts...)

	service := submission.NewService(subStore, client, km, publisher, log)

	tokens := token.NewService(cfg.JWT.SigningKey, cfg.JWT.Issuer, cfg.JWT.Audience)
	m := metrics.New()
	handler := subhandler.New(service, log, m, tokens, guard.Middleware)

	checks := make(map[string]httptransport.HealthChecker)
	if redisClient != nil {
		checks["redis"] = redisClient
	}
	if db != nil {
		checks["postgres"] = dbChecker{db}
	}
	router := httptransport.NewRouter(checks, handler)

	if len(cfg.Audit.Brokers) > 0 {
		producer, err := audit.NewKafkaProducer(cfg.Audit.Brokers, cfg.Audit.Topic)
		if err != nil {
			return err
		}
		defer producer.Close()
		worker := audit.NewWorker(auditStore, producer, log, cfg.Audit.DrainInterval)
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("audit worker stopped", "error", err)
			}
		}()
	}

	if janitor != nil {
		go runJanitor(ctx, janitor, log)
	}

	srv := httpserver.New(cfg.Server.Addr, router)

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting sii-gateway",
			"addr", cfg.Server.Addr,
			"endpoint", cfg.SII.Endpoint,
			"certificate", km.String(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}

func loadCertificate(cfg config.SIIConfig, log *slog.Logger) (*certstore.KeyMaterial, error) {
	if cfg.CertPath == "" {
		return nil, errors.New("SII_CERT_PATH is required")
	}
	container, err := os.ReadFile(cfg.CertPath)
	if err != nil {
		return nil, err
	}
	km, err := certstore.Load(container, cfg.CertPassword)
	if err != nil {
		return nil, err
	}
	log.Info("certificate loaded", "certificate", km.String())
	return km, nil
}

// runJanitor periodically removes idempotency records past retention.
func runJanitor(ctx context.Context, store *idempotency.PostgresStore, log *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := store.PurgeExpired(ctx)
			if err != nil {
				log.Warn("idempotency purge failed", "error", err)
				continue
			}
			if purged > 0 {
				log.Info("purged expired idempotency records", "count", purged)
			}
		}
	}
}

type dbChecker struct {
	db *sql.DB
}

func (c dbChecker) Health(ctx context.Context) error {
	return postgres.Health(ctx, c.db)
}
