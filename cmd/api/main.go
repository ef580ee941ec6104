package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"auditgate.org/internal/audit"
	"auditgate.org/internal/auth"
	"auditgate.org/internal/config"
	"auditgate.org/internal/gateway"
	"auditgate.org/internal/httpapi"
	"auditgate.org/internal/ids"
	"auditgate.org/internal/obs"
	"auditgate.org/internal/portal"
	"auditgate.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = ""
)

// stores: всё, что шлюзу нужно от хранилища.
type stores interface {
	gateway.GrantStore
	gateway.AccessLogStore
	gateway.RecordSource
}

func main() {
	configPath := flag.String("config", os.Getenv("AUDITGATE_CONFIG"), "Path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	// Хранилище: PostgreSQL, если задан DSN, иначе in-memory (для локального запуска)
	var (
		store stores
		ready httpapi.ReadyProbe
		pgs   *pg.Store
	)
	if cfg.PGDSN != "" {
		pgs, err = pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgs
		ready = httpapi.ReadyProbe{DB: pgs.DB()}
	} else {
		obs.Warn("no database configured, using in-memory store", nil)
		store = gateway.NewInMemory()
	}

	// Журнал доступа: очередь + повторы + локальный spool
	spool, err := audit.OpenSpool(cfg.SpoolPath)
	if err != nil {
		log.Fatalf("open spool: %v", err)
	}
	logOpts := []audit.Option{
		audit.WithSpool(spool),
		audit.WithQueueSize(cfg.LogQueueSize),
		audit.WithRetry(cfg.LogMaxAttempts, 100*time.Millisecond, 2*time.Second),
		audit.WithTimeouts(5*time.Second, cfg.LogTimeout.Duration),
	}
	var reporter *audit.SentryReporter
	if cfg.SentryDSN != "" {
		reporter, err = audit.NewSentryReporter(cfg.SentryDSN, cfg.Environment)
		if err != nil {
			log.Fatalf("sentry: %v", err)
		}
		logOpts = append(logOpts, audit.WithReporter(reporter))
	}
	accessLog, err := audit.NewLogger(store, logOpts...)
	if err != nil {
		log.Fatalf("access logger: %v", err)
	}

	validator, err := gateway.NewValidator(store, accessLog, gateway.WithValidateTimeout(cfg.ValidateTimeout.Duration))
	if err != nil {
		log.Fatalf("validator: %v", err)
	}
	proxy, err := gateway.NewDataProxy(store, accessLog,
		gateway.WithRecordLimit(cfg.RecordLimit),
		gateway.WithFetchTimeout(cfg.FetchTimeout.Duration),
	)
	if err != nil {
		log.Fatalf("data proxy: %v", err)
	}

	// Секрет для подписи handle: без него handle живут до перезапуска процесса
	secret := cfg.HandleSecret
	if secret == "" {
		secret, err = ids.Secret(32)
		if err != nil {
			log.Fatalf("handle secret: %v", err)
		}
		obs.Warn("handle secret not configured, generated an ephemeral one", nil)
	}
	signer, err := auth.NewHandleSigner(secret)
	if err != nil {
		log.Fatalf("handle signer: %v", err)
	}
	sessions, err := portal.NewRegistry(signer, validator, proxy, accessLog, portal.WithIdleTTL(cfg.PortalIdleTTL.Duration))
	if err != nil {
		log.Fatalf("portal registry: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sessions.Run(ctx, time.Minute)
	go accessLog.RunSpoolDrain(ctx, cfg.SpoolInterval.Duration)

	// HTTP API
	api := httpapi.New(ready, version, sessions,
		httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSec),
		httpapi.WithCORSOrigins(cfg.CORSOriginList()),
	)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(), // уже обёрнут метриками в httpapi
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      cfg.FetchTimeout.Duration + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// gRPC health отражает готовность
	health := httpapi.NewGRPCHealth(ready)
	grpcSrv := grpc.NewServer()
	health.Register(grpcSrv)
	go health.Run(ctx, 15*time.Second)

	obs.Info("starting auditgate-api", map[string]any{
		"version":   version,
		"http_addr": cfg.HTTPAddr,
		"grpc_addr": cfg.GRPCAddr,
	})

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		go func() {
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	obs.Info("shutting down", nil)
	health.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	cancel()

	// Сначала дописываем журнал, потом закрываем хранилища
	if err := accessLog.Close(shutdownCtx); err != nil {
		obs.Error("access log close failed", map[string]any{"error": err})
	}
	if reporter != nil {
		reporter.Flush(2 * time.Second)
	}
	_ = spool.Close()
	if pgs != nil {
		_ = pgs.Close()
	}
	obs.Info("stopped", nil)
}
