// Package main provides the API server entry point for the payment forwarder.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/payment-forwarder/internal/adapter"
	"github.com/payment-forwarder/internal/api"
	"github.com/payment-forwarder/internal/circuitbreaker"
	"github.com/payment-forwarder/internal/config"
	"github.com/payment-forwarder/internal/logging"
	"github.com/payment-forwarder/internal/service"
	"github.com/payment-forwarder/internal/storage"
	"github.com/payment-forwarder/internal/types"
)

func main() {
	fmt.Println("Payment Forwarder API Server")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to Postgres
	postgres, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()
	ledger := storage.NewPaymentAddressRepository(postgres)

	// Redis only backs the balance cache here; the server keeps serving without it
	var cache service.BalanceCache
	redisCache, err := storage.NewRedisCache(ctx, &cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Warn("Redis unavailable, balance lookups will not be cached")
	} else {
		defer redisCache.Close()
		cache = storage.NewBalanceCache(redisCache, cfg.Cache.TTL)
	}

	bitcoind, wallet, err := adapter.NewWalletFromConfig(&cfg.Wallet)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create wallet client")
	}
	defer bitcoind.Close()

	// Requests are answered 503 until the wallet is loaded
	go func() {
		if err := bitcoind.InitWithRetry(ctx, cfg.Wallet.InitTimeout); err != nil {
			logger.WithError(err).Error("Wallet never initialized, payment requests will fail")
		}
	}()

	payments := service.NewPaymentService(ledger, wallet, cache)

	health := api.NewHealthReporter(3 * time.Second)
	health.Register("ledger", postgres.Ping)
	health.Register("wallet", func(ctx context.Context) error {
		if !wallet.Ready() {
			return fmt.Errorf("wallet not initialized")
		}
		if state := wallet.BreakerState(); state != circuitbreaker.StateClosed {
			return fmt.Errorf("wallet circuit %s", state)
		}
		return nil
	})
	if redisCache != nil {
		health.Register("redis", redisCache.Ping)
	}
	health.SetWalletBalance(wallet.WalletBalance)
	health.RegisterDetail("wallet_endpoint", func() interface{} { return bitcoind.Health() })

	serverConfig := &api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	}
	server := api.NewServer(serverConfig, payments, health)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	logger.WithFields(map[string]interface{}{
		"host":    cfg.Server.Host,
		"port":    cfg.Server.Port,
		"network": string(types.NetworkFromTestnetFlag(cfg.Wallet.Testnet)),
	}).Info("Server started")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.WithError(err).Fatal("Server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
