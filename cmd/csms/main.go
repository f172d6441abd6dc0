package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"csms/internal/authlist"
	"csms/internal/ca"
	"csms/internal/config"
	"csms/internal/db"
	"csms/internal/dispatcher"
	"csms/internal/httpapi"
	"csms/internal/ledger"
	"csms/internal/logger"
	"csms/internal/metrics"
	"csms/internal/notify"
	"csms/internal/registry"
	"csms/internal/repo"
	"csms/internal/session"
	"csms/internal/transport"
)

func main() {
	cfg := config.Load()
	if err := logger.InitLog(cfg.LogLevel); err != nil {
		logger.CfgLog.Warnf("config: %v", err)
	}

	authority, err := ca.NewSelfSigned(cfg.CACommonName, cfg.CertTTL)
	if err != nil {
		logger.MainLog.Fatalf("CA init failed: %v", err)
	}

	var (
		opts          dispatcher.Options
		auth          authlist.Checker
		authenticator transport.Authenticator
		archiver      ledger.Archiver
	)

	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		d, err := db.Connect(ctx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			logger.MainLog.Fatalf("database connect failed: %v", err)
		}
		defer d.Close()

		stations := repo.NewStationsRepo(d.Pool)
		opts.Stations = stations
		opts.Frames = repo.NewFramesRepo(d.Pool)
		archiver = repo.NewTransactionsRepo(d.Pool)
		auth = repo.NewTagsRepo(d.Pool)
		if cfg.RequireStationAuth {
			authenticator = stations
		}
		logger.MainLog.Info("postgres archive enabled")
	} else {
		auth = authlist.NewStatic(cfg.AuthorizedTags)
		if cfg.RequireStationAuth {
			logger.CfgLog.Warn("CSMS_REQUIRE_STATION_AUTH needs a database, ignoring")
		}
	}

	if cfg.NotifyURL != "" {
		opts.Notify = notify.New(cfg.NotifyURL, cfg.NotifyAPIKey)
	}

	reg := registry.New()
	sessions := session.NewManager()
	ldg := ledger.New(archiver)

	disp := dispatcher.New(reg, sessions, ldg, authority, auth, cfg.HeartbeatInterval, cfg.SigningTimeout, opts)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	disp.StartPendingSweep(rootCtx, cfg.PendingCallTTL)

	metrics.Register(
		func() float64 { return float64(reg.Count()) },
		func() float64 { return float64(ldg.OpenCount()) },
	)

	ws := transport.NewServer(disp, reg, authenticator)
	srv := httpapi.NewServer(sessions, ldg, disp.Signing(), ws.Handle)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.MainLog.Infof("central system listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.MainLog.Fatalf("http server: %v", err)
		}
	}()

	<-rootCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
	logger.MainLog.Info("central system shutdown complete")
}
