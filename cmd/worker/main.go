// Package main provides the forwarding worker entry point for the payment forwarder.
// The worker reconciles receiving addresses against the wallet and pays out
// consolidated balances per destination.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/payment-forwarder/internal/adapter"
	"github.com/payment-forwarder/internal/config"
	"github.com/payment-forwarder/internal/logging"
	"github.com/payment-forwarder/internal/metrics"
	"github.com/payment-forwarder/internal/storage"
	"github.com/payment-forwarder/internal/types"
	"github.com/payment-forwarder/internal/worker"
)

const shutdownTimeout = 2 * time.Minute

func main() {
	fmt.Println("Payment Forwarder Worker")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	network := types.NetworkFromTestnetFlag(cfg.Wallet.Testnet)
	logger := logging.GetGlobalLogger().WithField("network", string(network))
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	// Connect to Postgres
	postgres, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()
	ledger := storage.NewPaymentAddressRepository(postgres)

	// Connect to Redis; the sweep lease keeps two workers from sweeping at once
	redisCache, err := storage.NewRedisCache(ctx, &cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redisCache.Close()
	lock := storage.NewSweepLock(redisCache, cfg.Forwarding.LockTTL)

	// The payout audit log is optional
	var auditor worker.PayoutAuditor
	if cfg.Database.ClickHouse.Enabled() {
		clickhouse, err := storage.NewClickHouseDB(ctx, &cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Warn("ClickHouse unavailable, payout audit log disabled")
		} else {
			defer clickhouse.Close()
			if err := storage.RunClickHouseMigrations(ctx, clickhouse); err != nil {
				logger.WithError(err).Fatal("Failed to apply ClickHouse audit schema")
			}
			auditor = storage.NewPayoutAuditRepository(clickhouse)
		}
	}

	bitcoind, wallet, err := adapter.NewWalletFromConfig(&cfg.Wallet)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create wallet client")
	}
	defer bitcoind.Close()

	if err := bitcoind.InitWithRetry(ctx, cfg.Wallet.InitTimeout); err != nil {
		logger.WithError(err).Fatal("Failed to initialize wallet")
	}

	sweeper, err := worker.NewForwardingSweeper(ledger, wallet, auditor, worker.ForwardingSweeperConfig{
		Threshold:   types.Satoshi(cfg.Forwarding.ThresholdSatoshi),
		Concurrency: cfg.Forwarding.Concurrency,
		Network:     network,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create forwarding sweeper")
	}

	if _, err := sweeper.LogWalletBalance(ctx); err != nil {
		logger.WithError(err).Warn("Failed to read wallet balance")
	}
	if stats, err := ledger.Stats(ctx); err == nil {
		logger.WithFields(map[string]interface{}{
			"addresses":       stats.TotalAddresses,
			"unforwarded":     stats.Unforwarded,
			"forwardedUnpaid": stats.ForwardedUnpaid,
			"banked":          stats.BankedAmount.String(),
		}).Info("Ledger state at startup")
	}

	scheduler, err := worker.NewSweepScheduler(sweeper, lock, worker.SweepSchedulerConfig{
		Interval:   cfg.Forwarding.Interval,
		RunOnStart: cfg.Forwarding.RunOnStart,
		Enabled:    cfg.Forwarding.Enabled,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create sweep scheduler")
	}

	metricsServer := startMetricsServer(cfg.Server.MetricsPort, scheduler)

	// Cycles run on their own context so a signal lets the cycle in flight
	// finish; Stop cancels it only once the shutdown deadline passes
	if err := scheduler.Start(logging.WithLogger(context.Background(), logger)); err != nil {
		logger.WithError(err).Fatal("Failed to start sweep scheduler")
	}

	logger.WithFields(map[string]interface{}{
		"interval":  cfg.Forwarding.Interval.String(),
		"threshold": types.Satoshi(cfg.Forwarding.ThresholdSatoshi).String(),
	}).Info("Worker started")

	<-ctx.Done()
	logger.Info("Shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Sweep cycle cancelled during shutdown")
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	logger.Info("Worker exited")
}

// startMetricsServer exposes /metrics and the scheduler status. An empty
// port disables it.
func startMetricsServer(port string, scheduler *worker.SweepScheduler) *http.Server {
	if port == "" {
		return nil
	}

	router := mux.NewRouter()
	router.Handle("/metrics", metrics.Handler()).Methods("GET")
	router.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(scheduler.Status()); err != nil {
			logging.WithError(err).Warn("Failed to write scheduler status")
		}
	}).Methods("GET")

	srv := &http.Server{
		Addr:              net.JoinHostPort("", port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.WithError(err).Error("Metrics server failed")
		}
	}()
	return srv
}
