package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fileshare/internal/api"
	"fileshare/internal/auth"
	"fileshare/internal/blob"
	"fileshare/internal/config"
	"fileshare/internal/db"
	"fileshare/internal/notify"
	"fileshare/internal/quota"
	"fileshare/internal/service"
	"fileshare/internal/store"
	"fileshare/internal/version"
)

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	database, err := db.Open(cfg)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer database.Close()

	if err := db.ApplyMigrationFile(database, "migrations/001_init.sql"); err != nil {
		log.Fatalf("db migrate: %v", err)
	}

	st := store.New(database)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.BootstrapAdminEmail != "" && cfg.BootstrapAdminPassword != "" {
		hash, err := auth.HashPassword(cfg.BootstrapAdminPassword)
		if err != nil {
			log.Fatalf("bootstrap admin: %v", err)
		}
		if err := st.EnsureAdmin(ctx, cfg.BootstrapAdminEmail, hash); err != nil {
			log.Fatalf("bootstrap admin: %v", err)
		}
	}

	blobs, err := blob.NewStore(cfg.BlobDir)
	if err != nil {
		log.Fatalf("blob store: %v", err)
	}

	guest := quota.Policy{
		Window:      cfg.GuestQuotaWindow,
		MaxRequests: cfg.GuestQuotaMaxRequests,
		MaxBytes:    cfg.GuestQuotaMaxBytes,
	}
	member := quota.Policy{
		Window:      cfg.MemberQuotaWindow,
		MaxRequests: cfg.MemberQuotaMaxRequests,
		MaxBytes:    cfg.MemberQuotaMaxBytes,
	}
	opts := []quota.Option{quota.WithSweepInterval(cfg.QuotaSweepInterval)}
	if cfg.QuotaBurstRPS > 0 && cfg.QuotaBurst > 0 {
		opts = append(opts, quota.WithBurst(cfg.QuotaBurstRPS, cfg.QuotaBurst))
	}
	engine := quota.New(guest, member, opts...)
	engine.StartSweeper(ctx)

	authPolicy := quota.Policy{Window: cfg.AuthRateWindow, MaxRequests: cfg.AuthRateMaxRequests}
	authLimiter := quota.New(authPolicy, authPolicy, quota.WithSweepInterval(cfg.QuotaSweepInterval))
	authLimiter.StartSweeper(ctx)

	sender := notify.NewSender(cfg)
	svc := service.New(cfg, st, blobs, engine, sender)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(cfg, svc, authLimiter),
		ReadTimeout:       time.Duration(cfg.HTTPReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.HTTPReadHeaderTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTPWriteTimeoutSec) * time.Second,
		IdleTimeout:       time.Duration(cfg.HTTPIdleTimeoutSec) * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	info := version.Current()
	log.Printf("server starting addr=%s version=%s commit=%s db_driver=%s", cfg.ListenAddr, info.Version, info.Commit, cfg.DBDriver)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server: %v", err)
	}
	log.Printf("server stopped")
}
