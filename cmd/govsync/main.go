// Package main runs the governance reconciler: it keeps the local replica in
// step with the governance contract and sweeps for unapplied ledger writes.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"governance-sync/internal/audit"
	"governance-sync/internal/config"
	"governance-sync/internal/eventlog"
	"governance-sync/internal/ledger"
	"governance-sync/internal/logger"
	"governance-sync/internal/metrics"
	"governance-sync/internal/proposal"
	"governance-sync/internal/reconciler"
	"governance-sync/internal/replica"
	"governance-sync/internal/sweeper"
	"governance-sync/internal/tui"
	"governance-sync/internal/wallet"

	dbpkg "governance-sync/internal/db"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// Try to load .env from CWD if present; otherwise use environment as-is
	if _, statErr := os.Stat(".env"); statErr == nil {
		_ = godotenv.Load(".env")
	}

	cfg := config.Load()

	// The dashboard owns the terminal, so logs go to the rotated file.
	log := logger.New(logger.Options{
		Level:    cfg.LogLevel,
		Encoding: cfg.LogEncoding,
		Debug:    cfg.Debug || cfg.TUI,
	})
	defer func() { _ = log.Sync() }()

	if cfg.TUI {
		fmt.Fprintf(os.Stderr, "Logs written to %s\n", logger.DebugLogFile)
	}
	log.Info("governance sync starting", zap.String("config", cfg.DebugString()))

	gormDB, err := dbpkg.Open(cfg)
	if err != nil {
		log.Fatal("failed to connect database", zap.Error(err))
	}
	if err := dbpkg.AutoMigrate(gormDB); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}
	log.Info("database ready", zap.String("dialect", cfg.DBDialect))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()
	wallets := wallet.NewRegistry(0, log.Named("wallet"))

	var (
		led     reconciler.Ledger
		probe   sweeper.LedgerProbe
		decoder *eventlog.Decoder
	)
	if cfg.Ledger.Enabled() {
		client, eth, err := ledger.Dial(cfg.Ledger, log.Named("ledger"))
		if err != nil {
			log.Fatal("failed to init ledger client", zap.Error(err))
		}
		defer eth.Close()

		checkCtx, checkCancel := context.WithTimeout(ctx, 10*time.Second)
		if err := client.EnsureDeployed(checkCtx); err != nil {
			// Keep running: every action degrades to local-only until the
			// ledger comes back.
			log.Warn("ledger not ready; recording local-only", zap.Error(err))
		}
		checkCancel()

		led, probe = client, client
		decoder = eventlog.NewDecoder(client.Contract(), client, log.Named("eventlog"))

		if cfg.Ledger.ServiceKey != "" {
			b, err := wallets.BindKey("service", cfg.Ledger.ServiceKey)
			if err != nil {
				log.Fatal("invalid service signer key", zap.Error(err))
			}
			log.Info("service signer bound", zap.String("address", b.Address.Hex()))
		}
	} else {
		log.Info("RPC_URL or CONTRACT_ADDRESS not set; ledger disabled")
	}

	store := replica.New(gormDB, log.Named("replica"))
	auditLog := audit.New(gormDB, cfg.Ledger.Network, log.Named("audit"))
	rec := reconciler.New(store, auditLog, led, decoder, wallets, reconciler.Options{
		Machine: proposal.NewMachine(proposal.Rules{
			TitleMaxLength:       cfg.Governance.TitleMaxLength,
			MinDescriptionLength: cfg.Governance.MinDescriptionLength,
		}, nil),
		AllowVoteChange: cfg.Governance.AllowVoteChange,
		ResultPolicy:    cfg.Governance.ResultPolicy,
		MinVoters:       cfg.Governance.MinVotersRequired,
		SweepWorkers:    cfg.Sweep.Workers,
		SweepBatchSize:  cfg.Sweep.BatchSize,
		Metrics:         m,
		Logger:          log.Named("reconciler"),
	})
	defer rec.Close()

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		srv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()
		log.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
	}

	var updates chan sweeper.Status
	if cfg.TUI {
		updates = make(chan sweeper.Status, sweeper.UpdateChannelBufferSize)
		go func() {
			if err := tui.Run(updates); err != nil {
				log.Error("TUI error", zap.Error(err))
			}
			// TUI exited, cancel context to trigger shutdown
			cancel()
		}()
	}

	runner := sweeper.New(rec, store, auditLog, wallets, probe, sweeper.Options{
		Schedule: cfg.Sweep.Schedule,
		Updates:  updates,
		Logger:   log.Named("sweeper"),
	})
	if err := runner.Start(ctx); err != nil {
		log.Error("failed to start sweeper", zap.Error(err))
		return
	}

	<-ctx.Done()
	log.Info("shutting down...")

	// Stop the scheduler first so no sweep writes after the pool closes.
	if err := runner.Close(); err != nil {
		log.Error("close error", zap.Error(err))
	}
	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	if updates != nil {
		close(updates)
		// Give TUI a moment to process the close and quit
		time.Sleep(sweeper.CloseDelay)
	}
}
