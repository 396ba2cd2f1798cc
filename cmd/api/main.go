package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"certledger.org/internal/audit"
	"certledger.org/internal/auth"
	"certledger.org/internal/certificate"
	"certledger.org/internal/config"
	"certledger.org/internal/httpapi"
	"certledger.org/internal/obs"
	"certledger.org/internal/store/pg"
	"certledger.org/internal/stream"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("CERTLEDGER_CONFIG"), "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	// Storage: Postgres when a DSN is configured, in-memory otherwise.
	certStore := certificate.Store(certificate.NewInMemory())
	auditStore := audit.Store(audit.NewInMemory())
	authStore := auth.Store(auth.NewInMemoryStore())
	probe := httpapi.ReadyProbe{}

	var pgStore *pg.Store
	if cfg.Database.DSN != "" {
		pgStore, err = pg.Open(cfg.Database.DSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		certStore = pgStore
		auditStore = audit.NewPGStore(pgStore.DB())
		authStore = auth.NewPGStore(pgStore.DB())
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		log.Print("no database DSN configured, using in-memory stores")
	}

	auditSvc := audit.NewService(auditStore)
	events := stream.New()
	authSvc := auth.NewService(authStore, []byte(cfg.Auth.Secret), auditSvc,
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAccessTTL(config.Duration(cfg.Auth.AccessTTL, 15*time.Minute)),
		auth.WithRefreshTTL(config.Duration(cfg.Auth.RefreshTTL, 14*24*time.Hour)),
	)

	api := httpapi.New(httpapi.Config{
		Verifier:          certificate.NewVerifier(certStore, auditSvc, events),
		Admin:             certificate.NewAdminService(certStore, auditSvc),
		Auth:              authSvc,
		Audit:             auditSvc,
		Events:            events,
		ReadyProbe:        probe,
		Version:           version,
		RatePerSecond:     cfg.RateLimit.PerSecond,
		RateBurst:         cfg.RateLimit.Burst,
		AuthRatePerSecond: cfg.RateLimit.AuthPerSecond,
		AuthRateBurst:     cfg.RateLimit.AuthBurst,
	})

	// No WriteTimeout: the SSE events endpoint holds its response open.
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting certledger-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(),
		config.Duration(cfg.Server.ShutdownTimeout, 10*time.Second))
	defer cancel()

	_ = srv.Shutdown(ctx)
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}
