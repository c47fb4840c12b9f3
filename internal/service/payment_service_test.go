package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/payment-forwarder/internal/errors"
	"github.com/payment-forwarder/internal/models"
	"github.com/payment-forwarder/internal/retry"
	"github.com/payment-forwarder/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLedger struct {
	rows      map[string]*models.PaymentAddress
	insertErr error
}

func newMockLedger() *mockLedger {
	return &mockLedger{rows: make(map[string]*models.PaymentAddress)}
}

func (m *mockLedger) Insert(ctx context.Context, destination, paymentAddress string, target, payable types.Satoshi) (*models.PaymentAddress, error) {
	if m.insertErr != nil {
		return nil, m.insertErr
	}
	if _, ok := m.rows[paymentAddress]; ok {
		return nil, apperrors.NewConflictError("payment address already exists", nil)
	}
	row := &models.PaymentAddress{
		DestinationAddress: destination,
		PaymentAddress:     paymentAddress,
		TargetBalance:      target,
		PayableBalance:     payable,
		Status:             types.StatusCheckedOut,
	}
	m.rows[paymentAddress] = row
	return row, nil
}

type mockWallet struct {
	addresses      []string
	newAddressErrs []error
	unconfirmed    map[string]types.Satoshi
	unconfirmedErr error

	newAddressCalls  int
	unconfirmedCalls int
}

func (m *mockWallet) NewAddress(ctx context.Context) (string, error) {
	m.newAddressCalls++
	if len(m.newAddressErrs) > 0 {
		err := m.newAddressErrs[0]
		m.newAddressErrs = m.newAddressErrs[1:]
		if err != nil {
			return "", err
		}
	}
	addr := m.addresses[0]
	m.addresses = m.addresses[1:]
	return addr, nil
}

func (m *mockWallet) BalanceOf(ctx context.Context, address string) (types.Satoshi, error) {
	return 0, nil
}

func (m *mockWallet) UnconfirmedReceived(ctx context.Context, address string) (types.Satoshi, error) {
	m.unconfirmedCalls++
	if m.unconfirmedErr != nil {
		return 0, m.unconfirmedErr
	}
	return m.unconfirmed[address], nil
}

func (m *mockWallet) Pay(ctx context.Context, correlationID string, outputs map[string]types.Satoshi) (string, error) {
	return "", errors.New("not used")
}

func (m *mockWallet) WalletBalance(ctx context.Context) (types.Satoshi, error) {
	return 0, nil
}

func (m *mockWallet) Ready() bool { return true }

type mockBalanceCache struct {
	values  map[string]types.Satoshi
	getErr  error
	setErr  error
	setKeys []string
}

func (m *mockBalanceCache) Get(ctx context.Context, address string) (types.Satoshi, bool, error) {
	if m.getErr != nil {
		return 0, false, m.getErr
	}
	v, ok := m.values[address]
	return v, ok, nil
}

func (m *mockBalanceCache) Set(ctx context.Context, address string, amount types.Satoshi) error {
	m.setKeys = append(m.setKeys, address)
	if m.setErr != nil {
		return m.setErr
	}
	m.values[address] = amount
	return nil
}

func fastRetry() *retry.RetryConfig {
	return &retry.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func TestIssue(t *testing.T) {
	ledger := newMockLedger()
	wallet := &mockWallet{addresses: []string{"tb1qpay1"}}
	svc := NewPaymentService(ledger, wallet, nil).WithRetryConfig(fastRetry())

	result, err := svc.Issue(context.Background(), IssueInput{Destination: "tb1qdest", Amount: "0.001"})
	require.NoError(t, err)
	assert.Equal(t, "tb1qpay1", result.PaymentAddress)
	assert.Equal(t, "tb1qdest", result.Destination)
	assert.Equal(t, types.Satoshi(100000), result.TargetSatoshis)

	row := ledger.rows["tb1qpay1"]
	require.NotNil(t, row)
	assert.Equal(t, types.Satoshi(100000), row.TargetBalance)
	assert.Equal(t, types.Satoshi(100000), row.PayableBalance)
	assert.Equal(t, types.StatusCheckedOut, row.Status)
	assert.False(t, row.Forwarded)
}

func TestIssueValidation(t *testing.T) {
	tests := []struct {
		name  string
		input IssueInput
		param string
	}{
		{"missing destination", IssueInput{Destination: " ", Amount: "0.1"}, "address"},
		{"missing amount", IssueInput{Destination: "tb1qdest"}, "amount"},
		{"not a number", IssueInput{Destination: "tb1qdest", Amount: "abc"}, "amount"},
		{"zero", IssueInput{Destination: "tb1qdest", Amount: "0"}, "amount"},
		{"negative", IssueInput{Destination: "tb1qdest", Amount: "-0.5"}, "amount"},
		{"sub-satoshi", IssueInput{Destination: "tb1qdest", Amount: "0.000000001"}, "amount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wallet := &mockWallet{addresses: []string{"tb1qpay"}}
			svc := NewPaymentService(newMockLedger(), wallet, nil)

			_, err := svc.Issue(context.Background(), tt.input)
			require.Error(t, err)
			assert.True(t, apperrors.IsCategory(err, apperrors.CategoryValidation))

			var catErr *apperrors.CategorizedError
			require.True(t, errors.As(err, &catErr))
			assert.Equal(t, tt.param, catErr.Details["parameter"])
			assert.Zero(t, wallet.newAddressCalls, "no address is derived for a bad request")
		})
	}
}

func TestIssueRetriesWallet(t *testing.T) {
	gatewayErr := apperrors.NewGatewayError("getnewaddress", errors.New("connection refused"))
	wallet := &mockWallet{
		addresses:      []string{"tb1qpay"},
		newAddressErrs: []error{gatewayErr, gatewayErr},
	}
	svc := NewPaymentService(newMockLedger(), wallet, nil).WithRetryConfig(fastRetry())

	result, err := svc.Issue(context.Background(), IssueInput{Destination: "tb1qdest", Amount: "1"})
	require.NoError(t, err)
	assert.Equal(t, "tb1qpay", result.PaymentAddress)
	assert.Equal(t, 3, wallet.newAddressCalls)
}

func TestIssueGivesUpAfterRetries(t *testing.T) {
	gatewayErr := apperrors.NewGatewayError("getnewaddress", errors.New("connection refused"))
	wallet := &mockWallet{newAddressErrs: []error{gatewayErr, gatewayErr, gatewayErr}}
	ledger := newMockLedger()
	svc := NewPaymentService(ledger, wallet, nil).WithRetryConfig(fastRetry())

	_, err := svc.Issue(context.Background(), IssueInput{Destination: "tb1qdest", Amount: "1"})
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryGateway))
	assert.Equal(t, 3, wallet.newAddressCalls)
	assert.Empty(t, ledger.rows)
}

func TestIssueLedgerFailureHidesAddress(t *testing.T) {
	ledger := newMockLedger()
	ledger.insertErr = apperrors.NewStorageError("insert payment address", errors.New("connection reset"))
	wallet := &mockWallet{addresses: []string{"tb1qpay"}}
	svc := NewPaymentService(ledger, wallet, nil).WithRetryConfig(fastRetry())

	result, err := svc.Issue(context.Background(), IssueInput{Destination: "tb1qdest", Amount: "1"})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryStorage))
	assert.Equal(t, 1, wallet.newAddressCalls, "a ledger failure does not derive another address")
}

func TestIssueDistinctAddresses(t *testing.T) {
	ledger := newMockLedger()
	wallet := &mockWallet{addresses: []string{"tb1qa", "tb1qb", "tb1qc"}}
	svc := NewPaymentService(ledger, wallet, nil)

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		result, err := svc.Issue(context.Background(), IssueInput{Destination: "tb1qdest", Amount: "0.5"})
		require.NoError(t, err)
		assert.False(t, seen[result.PaymentAddress])
		seen[result.PaymentAddress] = true
	}
	assert.Len(t, ledger.rows, 3)
}

func TestCurrentUnconfirmed(t *testing.T) {
	wallet := &mockWallet{unconfirmed: map[string]types.Satoshi{"tb1qpay": 40000}}
	cache := &mockBalanceCache{values: make(map[string]types.Satoshi)}
	svc := NewPaymentService(newMockLedger(), wallet, cache)

	amount, err := svc.CurrentUnconfirmed(context.Background(), "tb1qpay")
	require.NoError(t, err)
	assert.Equal(t, types.Satoshi(40000), amount)
	assert.Equal(t, 1, wallet.unconfirmedCalls)

	// second lookup is served from the cache
	amount, err = svc.CurrentUnconfirmed(context.Background(), "tb1qpay")
	require.NoError(t, err)
	assert.Equal(t, types.Satoshi(40000), amount)
	assert.Equal(t, 1, wallet.unconfirmedCalls)
}

func TestCurrentUnconfirmedCacheFailure(t *testing.T) {
	wallet := &mockWallet{unconfirmed: map[string]types.Satoshi{"tb1qpay": 7}}
	cache := &mockBalanceCache{
		values: make(map[string]types.Satoshi),
		getErr: errors.New("redis down"),
		setErr: errors.New("redis down"),
	}
	svc := NewPaymentService(newMockLedger(), wallet, cache)

	amount, err := svc.CurrentUnconfirmed(context.Background(), "tb1qpay")
	require.NoError(t, err)
	assert.Equal(t, types.Satoshi(7), amount)
	assert.Equal(t, []string{"tb1qpay"}, cache.setKeys)
}

func TestCurrentUnconfirmedWalletError(t *testing.T) {
	wallet := &mockWallet{unconfirmedErr: apperrors.NewGatewayError("getreceivedbyaddress", errors.New("timeout"))}
	cache := &mockBalanceCache{values: make(map[string]types.Satoshi)}
	svc := NewPaymentService(newMockLedger(), wallet, cache)

	_, err := svc.CurrentUnconfirmed(context.Background(), "tb1qpay")
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryGateway))
	assert.Empty(t, cache.setKeys, "failures are not cached")

	_, err = svc.CurrentUnconfirmed(context.Background(), "")
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryValidation))
}

// gatedWallet blocks UnconfirmedReceived until release is closed
type gatedWallet struct {
	mockWallet
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (g *gatedWallet) UnconfirmedReceived(ctx context.Context, address string) (types.Satoshi, error) {
	if g.calls.Add(1) == 1 {
		close(g.entered)
	}
	<-g.release
	return 42000, nil
}

func TestCurrentUnconfirmedSharesConcurrentLookups(t *testing.T) {
	wallet := &gatedWallet{entered: make(chan struct{}), release: make(chan struct{})}
	svc := NewPaymentService(newMockLedger(), wallet, nil)

	const callers = 8
	results := make(chan types.Satoshi, callers)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		amount, err := svc.CurrentUnconfirmed(context.Background(), "tb1qpay1")
		assert.NoError(t, err)
		results <- amount
	}()
	<-wallet.entered

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			amount, err := svc.CurrentUnconfirmed(context.Background(), "tb1qpay1")
			assert.NoError(t, err)
			results <- amount
		}()
	}

	// give the followers time to join the in-flight lookup
	time.Sleep(50 * time.Millisecond)
	close(wallet.release)
	wg.Wait()
	close(results)

	for amount := range results {
		assert.Equal(t, types.Satoshi(42000), amount)
	}
	assert.Equal(t, int32(1), wallet.calls.Load())
}
