package adapter

import (
	"context"
	"errors"

	"github.com/payment-forwarder/internal/circuitbreaker"
	apperrors "github.com/payment-forwarder/internal/errors"
	"github.com/payment-forwarder/internal/metrics"
	"github.com/payment-forwarder/internal/retry"
	"github.com/payment-forwarder/internal/types"
	"golang.org/x/time/rate"
)

// ResilientWalletConfig configures the protections around a wallet
type ResilientWalletConfig struct {
	RequestsPerSecond int
	Breaker           *circuitbreaker.Config
	Retry             *retry.RetryConfig
}

// ResilientWallet wraps a WalletGateway with a call rate limit, a circuit
// breaker and bounded retry of transient failures. NewAddress is never
// retried here; a lost response would only leak an unused address, so the
// issuance path owns that decision.
type ResilientWallet struct {
	inner   WalletGateway
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
	retry   *retry.RetryConfig
}

// NewResilientWallet wraps inner
func NewResilientWallet(inner WalletGateway, cfg ResilientWalletConfig) *ResilientWallet {
	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = cfg.RequestsPerSecond
	}

	breakerCfg := cfg.Breaker
	if breakerCfg == nil {
		breakerCfg = circuitbreaker.DefaultConfig("wallet")
	}
	bc := *breakerCfg
	bc.IsFailure = isWalletOutage
	bc.OnStateChange = func(name string, _, to circuitbreaker.State) {
		metrics.SetBreakerState(name, breakerStateValue(to))
	}

	retryCfg := cfg.Retry
	if retryCfg == nil {
		retryCfg = retry.DefaultRetryConfig()
	}
	rc := *retryCfg
	if rc.Retryable == nil {
		rc.Retryable = isTransient
	}

	return &ResilientWallet{
		inner:   inner,
		limiter: rate.NewLimiter(limit, burst),
		breaker: circuitbreaker.NewCircuitBreaker(&bc),
		retry:   &rc,
	}
}

// Ready reports whether the wrapped wallet finished initializing
func (w *ResilientWallet) Ready() bool {
	return w.inner.Ready()
}

// BreakerState exposes the circuit state for health reporting
func (w *ResilientWallet) BreakerState() circuitbreaker.State {
	return w.breaker.GetState()
}

// NewAddress derives a fresh receiving address
func (w *ResilientWallet) NewAddress(ctx context.Context) (string, error) {
	var address string
	err := w.guard(ctx, "getnewaddress", func(ctx context.Context) error {
		var err error
		address, err = w.inner.NewAddress(ctx)
		return err
	})
	return address, err
}

// BalanceOf returns the confirmed amount received by address
func (w *ResilientWallet) BalanceOf(ctx context.Context, address string) (types.Satoshi, error) {
	var amount types.Satoshi
	err := w.withRetry(ctx, "getreceivedbyaddress", func(ctx context.Context) error {
		var err error
		amount, err = w.inner.BalanceOf(ctx, address)
		return err
	})
	return amount, err
}

// UnconfirmedReceived returns the amount received by address including the mempool
func (w *ResilientWallet) UnconfirmedReceived(ctx context.Context, address string) (types.Satoshi, error) {
	var amount types.Satoshi
	err := w.withRetry(ctx, "getreceivedbyaddress", func(ctx context.Context) error {
		var err error
		amount, err = w.inner.UnconfirmedReceived(ctx, address)
		return err
	})
	return amount, err
}

// Pay sends a payment. Retrying is safe because the wallet deduplicates by correlationID.
func (w *ResilientWallet) Pay(ctx context.Context, correlationID string, outputs map[string]types.Satoshi) (string, error) {
	var txid string
	err := w.withRetry(ctx, "sendmany", func(ctx context.Context) error {
		var err error
		txid, err = w.inner.Pay(ctx, correlationID, outputs)
		return err
	})
	return txid, err
}

// WalletBalance returns the wallet's total balance
func (w *ResilientWallet) WalletBalance(ctx context.Context) (types.Satoshi, error) {
	var amount types.Satoshi
	err := w.withRetry(ctx, "getbalance", func(ctx context.Context) error {
		var err error
		amount, err = w.inner.WalletBalance(ctx)
		return err
	})
	return amount, err
}

func (w *ResilientWallet) withRetry(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, w.retry, func(ctx context.Context, _ int) error {
		return w.guard(ctx, method, fn)
	})
}

// guard applies the rate limit and the circuit breaker to one attempt
func (w *ResilientWallet) guard(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return apperrors.NewGatewayError(method, err)
	}

	err := w.breaker.Execute(ctx, fn)
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return apperrors.NewGatewayError(method, err)
	}
	return err
}

// isWalletOutage decides what trips the breaker: unreachable endpoints do,
// wallet-side rejections and caller errors do not
func isWalletOutage(err error) bool {
	if err == nil || apperrors.IsUserError(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || isNotReady(err) {
		return false
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return false
	}
	return apperrors.IsCategory(err, apperrors.CategoryGateway)
}

// isTransient decides what is retried: outages and wallet warm-up, but not
// rejections, an open circuit, or an uninitialized wallet
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return false
	}
	if errors.Is(err, context.Canceled) || isNotReady(err) {
		return false
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Temporary()
	}
	return apperrors.IsRetryable(err)
}

func isNotReady(err error) bool {
	var catErr *apperrors.CategorizedError
	return errors.As(err, &catErr) && catErr.Code == "WALLET_NOT_READY"
}

func breakerStateValue(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.StateHalfOpen:
		return 1
	case circuitbreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
