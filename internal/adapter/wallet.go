// Package adapter connects the forwarder to the wallet service that holds
// the receiving keys and observes the blockchain.
package adapter

import (
	"context"

	"github.com/payment-forwarder/internal/circuitbreaker"
	"github.com/payment-forwarder/internal/config"
	"github.com/payment-forwarder/internal/types"
)

// WalletGateway is the forwarder's view of the wallet service. Every method
// may block on the network; failures are returned as gateway errors.
type WalletGateway interface {
	// NewAddress derives a fresh receiving address
	NewAddress(ctx context.Context) (string, error)

	// BalanceOf returns the confirmed amount ever received by address
	BalanceOf(ctx context.Context, address string) (types.Satoshi, error)

	// UnconfirmedReceived returns the amount received by address including
	// unconfirmed transactions
	UnconfirmedReceived(ctx context.Context, address string) (types.Satoshi, error)

	// Pay sends one transaction with an output per destination. Repeating a
	// call with the same correlationID returns the original transaction id
	// instead of paying twice.
	Pay(ctx context.Context, correlationID string, outputs map[string]types.Satoshi) (string, error)

	// WalletBalance returns the wallet's total spendable balance
	WalletBalance(ctx context.Context) (types.Satoshi, error)

	// Ready reports whether the wallet finished initializing
	Ready() bool
}

// NewWalletFromConfig builds the bitcoind client and its resilient wrapper.
// The returned BitcoindWallet still needs Init before it reports Ready.
func NewWalletFromConfig(cfg *config.WalletConfig) (*BitcoindWallet, *ResilientWallet, error) {
	bitcoind, err := NewBitcoindWallet(BitcoindConfig{
		PrimaryURL:       cfg.RPCPrimary,
		SecondaryURL:     cfg.RPCSecondary,
		User:             cfg.RPCUser,
		Password:         cfg.RPCPassword,
		WalletName:       cfg.Name,
		Passphrase:       cfg.Passphrase,
		MinConfirmations: cfg.MinConfirmations,
		RequestTimeout:   cfg.RequestTimeout,
	})
	if err != nil {
		return nil, nil, err
	}

	resilient := NewResilientWallet(bitcoind, ResilientWalletConfig{
		RequestsPerSecond: cfg.RequestsPerSec,
		Breaker:           circuitbreaker.DefaultConfig("wallet"),
	})
	return bitcoind, resilient, nil
}
