package types

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// SatoshisPerBTC is the number of base units in one bitcoin
const SatoshisPerBTC int64 = 100_000_000

// btcDecimals is the number of fractional digits a BTC amount can carry
const btcDecimals = 8

var satoshisPerBTC = decimal.NewFromInt(SatoshisPerBTC)

// Satoshi is an amount in the smallest currency unit.
// All value arithmetic in the forwarder is done on Satoshi to avoid float rounding.
type Satoshi int64

// SatoshiFromBTC converts a BTC decimal amount into satoshis.
// Amounts that carry more than 8 fractional digits are rejected rather than rounded.
func SatoshiFromBTC(btc decimal.Decimal) (Satoshi, error) {
	sats := btc.Mul(satoshisPerBTC)
	if !sats.IsInteger() {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", btc.String(), btcDecimals)
	}
	if !sats.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %s is out of range", btc.String())
	}
	return Satoshi(sats.IntPart()), nil
}

// ParseBTC parses a decimal BTC string such as "0.001" into satoshis
func ParseBTC(amount string) (Satoshi, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return 0, fmt.Errorf("amount is empty")
	}
	btc, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	return SatoshiFromBTC(btc)
}

// BTC returns the amount as a BTC decimal
func (s Satoshi) BTC() decimal.Decimal {
	return decimal.NewFromInt(int64(s)).Div(satoshisPerBTC)
}

// String formats the amount in BTC with 8 fractional digits
func (s Satoshi) String() string {
	return s.BTC().StringFixed(btcDecimals)
}

// Int64 returns the raw satoshi count
func (s Satoshi) Int64() int64 {
	return int64(s)
}
