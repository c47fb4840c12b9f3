package adapter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	apperrors "github.com/payment-forwarder/internal/errors"
	"github.com/payment-forwarder/internal/logging"
	"github.com/payment-forwarder/internal/metrics"
	"github.com/payment-forwarder/internal/retry"
	"github.com/payment-forwarder/internal/types"
	"github.com/shopspring/decimal"
)

// bitcoind RPC error codes the wallet reacts to
const (
	rpcInWarmup            = -28
	rpcWalletAlreadyLoaded = -35
)

// listTransactionsWindow is how many recent wallet entries are scanned for a
// payment that already carries a correlation id
const listTransactionsWindow = 500

// unlockSeconds is how long walletpassphrase keeps the wallet unlocked for a send
const unlockSeconds = 60

// RPCError is an error response returned by the wallet itself. The wallet
// was reachable; it rejected the call.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("wallet rpc error %d: %s", e.Code, e.Message)
}

// Temporary reports whether the wallet asked the caller to try again later
func (e *RPCError) Temporary() bool {
	return e.Code == rpcInWarmup
}

// BitcoindConfig configures a bitcoind-compatible JSON-RPC wallet
type BitcoindConfig struct {
	PrimaryURL       string
	SecondaryURL     string
	User             string
	Password         string
	WalletName       string
	Passphrase       string
	MinConfirmations int
	RequestTimeout   time.Duration
}

// BitcoindWallet implements WalletGateway over bitcoind's JSON-RPC interface.
// Wallet calls go to <endpoint>/wallet/<name>; loadwallet goes to the node.
type BitcoindWallet struct {
	cfg        BitcoindConfig
	provider   *RPCProvider
	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]*rpc.Client

	ready atomic.Bool
}

// NewBitcoindWallet creates a wallet client. No connection is made until the
// first call; Init must succeed before the wallet reports Ready.
func NewBitcoindWallet(cfg BitcoindConfig) (*BitcoindWallet, error) {
	provider, err := NewRPCProvider(strings.TrimRight(cfg.PrimaryURL, "/"), strings.TrimRight(cfg.SecondaryURL, "/"))
	if err != nil {
		return nil, apperrors.NewConfigurationError("WALLET_RPC_PRIMARY", err.Error())
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}

	return &BitcoindWallet{
		cfg:        cfg,
		provider:   provider,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		clients:    make(map[string]*rpc.Client),
	}, nil
}

// Init loads the configured wallet on the node. A wallet that is already
// loaded counts as success.
func (w *BitcoindWallet) Init(ctx context.Context) error {
	if w.cfg.WalletName != "" {
		var loaded json.RawMessage
		err := w.call(ctx, false, &loaded, "loadwallet", w.cfg.WalletName)
		var rpcErr *RPCError
		if err != nil && !(errors.As(err, &rpcErr) && rpcErr.Code == rpcWalletAlreadyLoaded) {
			return err
		}
	}

	w.ready.Store(true)
	logging.WithFields(map[string]interface{}{
		"wallet":   w.cfg.WalletName,
		"endpoint": w.provider.CurrentURL(),
	}).Info("Wallet initialized")
	return nil
}

// InitWithRetry repeats Init with backoff until it succeeds or timeout
// passes. A node that is still starting up or loading blocks is expected to
// fail the first attempts.
func (w *BitcoindWallet) InitWithRetry(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg := &retry.RetryConfig{
		MaxAttempts:  20,
		InitialDelay: time.Second,
		MaxDelay:     15 * time.Second,
		Multiplier:   2.0,
		Retryable:    func(error) bool { return true },
	}
	return retry.Do(ctx, cfg, func(ctx context.Context, attempt int) error {
		if err := w.Init(ctx); err != nil {
			logging.WithError(err).WithField("attempt", attempt).Warn("Wallet initialization failed")
			return err
		}
		return nil
	})
}

// Ready reports whether Init succeeded
func (w *BitcoindWallet) Ready() bool {
	return w.ready.Load()
}

// Health returns the active endpoint statistics
func (w *BitcoindWallet) Health() *EndpointHealth {
	return w.provider.Health()
}

// NewAddress derives a fresh receiving address
func (w *BitcoindWallet) NewAddress(ctx context.Context) (string, error) {
	if err := w.requireReady(); err != nil {
		return "", err
	}

	var address string
	if err := w.call(ctx, true, &address, "getnewaddress"); err != nil {
		return "", err
	}
	if address == "" {
		return "", apperrors.NewGatewayError("getnewaddress", errors.New("wallet returned an empty address"))
	}
	return address, nil
}

// BalanceOf returns the amount received by address with the configured confirmations
func (w *BitcoindWallet) BalanceOf(ctx context.Context, address string) (types.Satoshi, error) {
	return w.receivedByAddress(ctx, address, w.cfg.MinConfirmations)
}

// UnconfirmedReceived returns the amount received by address including the mempool
func (w *BitcoindWallet) UnconfirmedReceived(ctx context.Context, address string) (types.Satoshi, error) {
	return w.receivedByAddress(ctx, address, 0)
}

func (w *BitcoindWallet) receivedByAddress(ctx context.Context, address string, minConf int) (types.Satoshi, error) {
	if err := w.requireReady(); err != nil {
		return 0, err
	}

	var amount decimal.Decimal
	if err := w.call(ctx, true, &amount, "getreceivedbyaddress", address, minConf); err != nil {
		return 0, err
	}
	return toSatoshi("getreceivedbyaddress", amount)
}

// WalletBalance returns the wallet's total balance
func (w *BitcoindWallet) WalletBalance(ctx context.Context) (types.Satoshi, error) {
	if err := w.requireReady(); err != nil {
		return 0, err
	}

	var amount decimal.Decimal
	if err := w.call(ctx, true, &amount, "getbalance"); err != nil {
		return 0, err
	}
	return toSatoshi("getbalance", amount)
}

type walletTransaction struct {
	Category string `json:"category"`
	TxID     string `json:"txid"`
	Comment  string `json:"comment"`
}

// Pay sends one sendmany transaction tagged with correlationID. The recent
// wallet history is checked first so a retried payout returns the earlier
// transaction instead of sending again.
func (w *BitcoindWallet) Pay(ctx context.Context, correlationID string, outputs map[string]types.Satoshi) (string, error) {
	if err := w.requireReady(); err != nil {
		return "", err
	}
	if correlationID == "" {
		return "", apperrors.NewInvalidParameterError("correlationID", "must not be empty")
	}
	if len(outputs) == 0 {
		return "", apperrors.NewInvalidParameterError("outputs", "at least one output is required")
	}

	amounts := make(map[string]json.Number, len(outputs))
	for dest, amount := range outputs {
		if amount <= 0 {
			return "", apperrors.NewInvalidParameterError("outputs", fmt.Sprintf("non-positive amount for %s", dest))
		}
		amounts[dest] = json.Number(amount.String())
	}

	if txid, found, err := w.findPayment(ctx, correlationID); err != nil {
		return "", err
	} else if found {
		logging.WithFields(map[string]interface{}{
			"correlationId": correlationID,
			"txid":          txid,
		}).Info("Payment already sent, reusing transaction")
		return txid, nil
	}

	if w.cfg.Passphrase != "" {
		if err := w.call(ctx, true, nil, "walletpassphrase", w.cfg.Passphrase, unlockSeconds); err != nil {
			return "", err
		}
	}

	var txid string
	if err := w.call(ctx, true, &txid, "sendmany", "", amounts, w.cfg.MinConfirmations, correlationID); err != nil {
		return "", err
	}
	return txid, nil
}

func (w *BitcoindWallet) findPayment(ctx context.Context, correlationID string) (string, bool, error) {
	var entries []walletTransaction
	if err := w.call(ctx, true, &entries, "listtransactions", "*", listTransactionsWindow); err != nil {
		return "", false, err
	}
	for _, e := range entries {
		if e.Category == "send" && e.Comment == correlationID && e.TxID != "" {
			return e.TxID, true, nil
		}
	}
	return "", false, nil
}

// Close closes every open RPC client
func (w *BitcoindWallet) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for url, c := range w.clients {
		c.Close()
		delete(w.clients, url)
	}
}

func (w *BitcoindWallet) requireReady() error {
	if !w.ready.Load() {
		return apperrors.NewWalletNotReadyError(w.cfg.WalletName)
	}
	return nil
}

func (w *BitcoindWallet) endpointURL(base string, wallet bool) string {
	if wallet && w.cfg.WalletName != "" {
		return base + "/wallet/" + w.cfg.WalletName
	}
	return base
}

// client returns a lazily dialed client for the endpoint
func (w *BitcoindWallet) client(ctx context.Context, url string) (*rpc.Client, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if c, ok := w.clients[url]; ok {
		return c, nil
	}

	credentials := base64.StdEncoding.EncodeToString([]byte(w.cfg.User + ":" + w.cfg.Password))
	c, err := rpc.DialOptions(ctx, url,
		rpc.WithHTTPClient(w.httpClient),
		rpc.WithHTTPAuth(func(h http.Header) error {
			h.Set("Authorization", "Basic "+credentials)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}
	w.clients[url] = c
	return c, nil
}

func (w *BitcoindWallet) call(ctx context.Context, wallet bool, result interface{}, method string, args ...interface{}) error {
	base := w.provider.CurrentURL()
	start := time.Now()

	c, err := w.client(ctx, w.endpointURL(base, wallet))
	if err != nil {
		return apperrors.NewGatewayError(method, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	defer cancel()

	err = c.CallContext(callCtx, result, method, args...)
	elapsed := time.Since(start)
	metrics.RecordWalletCall(method, err, elapsed)

	if err == nil {
		w.provider.RecordSuccess(elapsed)
		return nil
	}

	if rpcErr := asRPCError(err); rpcErr != nil {
		// the wallet answered, the endpoint is fine
		w.provider.RecordSuccess(elapsed)
		return apperrors.NewGatewayError(method, rpcErr)
	}

	if ctx.Err() != nil {
		return apperrors.NewGatewayError(method, ctx.Err())
	}

	if w.provider.RecordFailure() {
		if ferr := w.provider.Failover(); ferr == nil {
			logging.WithFields(map[string]interface{}{
				"from": base,
				"to":   w.provider.CurrentURL(),
			}).Warn("Wallet endpoint unhealthy, failed over")
		}
	}
	return apperrors.NewGatewayError(method, err)
}

// asRPCError extracts a wallet-side error. bitcoind answers JSON-RPC 1.x
// style errors with HTTP 500 and the error object in the body.
func asRPCError(err error) *RPCError {
	var codeErr rpc.Error
	if errors.As(err, &codeErr) {
		return &RPCError{Code: codeErr.ErrorCode(), Message: codeErr.Error()}
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && len(httpErr.Body) > 0 {
		var body struct {
			Error *struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(httpErr.Body, &body) == nil && body.Error != nil {
			return &RPCError{Code: body.Error.Code, Message: body.Error.Message}
		}
	}
	return nil
}

func toSatoshi(method string, amount decimal.Decimal) (types.Satoshi, error) {
	sats, err := types.SatoshiFromBTC(amount)
	if err != nil {
		return 0, apperrors.NewGatewayError(method, err)
	}
	return sats, nil
}
