package service

import (
	"context"
	"strings"
	"time"

	"github.com/payment-forwarder/internal/adapter"
	apperrors "github.com/payment-forwarder/internal/errors"
	"github.com/payment-forwarder/internal/logging"
	"github.com/payment-forwarder/internal/metrics"
	"github.com/payment-forwarder/internal/models"
	"github.com/payment-forwarder/internal/retry"
	"github.com/payment-forwarder/internal/types"
	"golang.org/x/sync/singleflight"
)

// AddressLedger is the part of the ledger issuance writes to
type AddressLedger interface {
	Insert(ctx context.Context, destination, paymentAddress string, target, payable types.Satoshi) (*models.PaymentAddress, error)
}

// BalanceCache caches unconfirmed amounts per receiving address
type BalanceCache interface {
	Get(ctx context.Context, address string) (types.Satoshi, bool, error)
	Set(ctx context.Context, address string, amount types.Satoshi) error
}

// PaymentService issues receiving addresses and answers balance lookups
type PaymentService struct {
	ledger AddressLedger
	wallet adapter.WalletGateway
	cache  BalanceCache
	retry  *retry.RetryConfig

	// lookups shares one wallet call between concurrent requests for the same address
	lookups singleflight.Group
}

// NewPaymentService creates a payment service. cache may be nil.
func NewPaymentService(ledger AddressLedger, wallet adapter.WalletGateway, cache BalanceCache) *PaymentService {
	return &PaymentService{
		ledger: ledger,
		wallet: wallet,
		cache:  cache,
		retry: &retry.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2.0,
		},
	}
}

// WithRetryConfig overrides the backoff used when deriving addresses
func (s *PaymentService) WithRetryConfig(cfg *retry.RetryConfig) *PaymentService {
	s.retry = cfg
	return s
}

// IssueInput is a request for a new receiving address
type IssueInput struct {
	Destination string `json:"destination"`
	Amount      string `json:"amount"` // BTC, decimal string
}

// IssueResult is a freshly recorded receiving address
type IssueResult struct {
	PaymentAddress string        `json:"paymentAddress"`
	Destination    string        `json:"destination"`
	TargetSatoshis types.Satoshi `json:"targetSatoshis"`
}

// Issue derives a new receiving address for destination and records it with
// the requested amount as both target and payable balance. An address is only
// returned once its row is stored.
func (s *PaymentService) Issue(ctx context.Context, input IssueInput) (*IssueResult, error) {
	destination := strings.TrimSpace(input.Destination)
	if destination == "" {
		return nil, apperrors.NewInvalidParameterError("address", "destination address is required")
	}

	amount, err := types.ParseBTC(input.Amount)
	if err != nil {
		return nil, apperrors.NewInvalidParameterError("amount", err.Error())
	}
	if amount <= 0 {
		return nil, apperrors.NewInvalidParameterError("amount", "must be greater than zero")
	}

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"destination": destination,
		"amount":      amount.String(),
	})

	var paymentAddress string
	err = retry.Do(ctx, s.retry, func(ctx context.Context, _ int) error {
		addr, err := s.wallet.NewAddress(ctx)
		if err != nil {
			return err
		}
		paymentAddress = addr
		return nil
	})
	if err != nil {
		metrics.RecordIssuance("wallet_failed")
		logger.WithError(err).Error("Failed to derive payment address")
		return nil, err
	}

	row, err := s.ledger.Insert(ctx, destination, paymentAddress, amount, amount)
	if err != nil {
		metrics.RecordIssuance("ledger_failed")
		logger.WithField("paymentAddress", paymentAddress).WithError(err).
			Error("Failed to record payment address, not returning it")
		return nil, err
	}

	metrics.RecordIssuance("issued")
	logger.WithField("paymentAddress", row.PaymentAddress).Info("Payment address issued")

	return &IssueResult{
		PaymentAddress: row.PaymentAddress,
		Destination:    row.DestinationAddress,
		TargetSatoshis: row.TargetBalance,
	}, nil
}

// CurrentUnconfirmed returns the amount received by address including
// unconfirmed transactions. Answers are served from the cache when present.
func (s *PaymentService) CurrentUnconfirmed(ctx context.Context, address string) (types.Satoshi, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return 0, apperrors.NewInvalidParameterError("address", "address is required")
	}

	logger := logging.FromContext(ctx).WithField("paymentAddress", address)

	if s.cache != nil {
		amount, ok, err := s.cache.Get(ctx, address)
		if err != nil {
			logger.WithError(err).Warn("Balance cache read failed")
		} else if ok {
			return amount, nil
		}
	}

	v, err, _ := s.lookups.Do(address, func() (interface{}, error) {
		amount, err := s.wallet.UnconfirmedReceived(ctx, address)
		if err != nil {
			return types.Satoshi(0), err
		}
		if s.cache != nil {
			if err := s.cache.Set(ctx, address, amount); err != nil {
				logger.WithError(err).Warn("Balance cache write failed")
			}
		}
		return amount, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(types.Satoshi), nil
}
