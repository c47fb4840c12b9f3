package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/payment-forwarder/internal/models"
	"github.com/payment-forwarder/internal/storage"
	"github.com/payment-forwarder/internal/types"
)

// fakeLedger keeps rows in memory with the same guards the SQL statements apply
type fakeLedger struct {
	mu   sync.Mutex
	rows map[string]*models.PaymentAddress

	markForwardedErr map[string]error
	updateErr        map[string]error
	claimErr         error
	selectErr        error
	pendingErr       error
	markPaidErrs     []error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		rows:             make(map[string]*models.PaymentAddress),
		markForwardedErr: make(map[string]error),
		updateErr:        make(map[string]error),
	}
}

func (l *fakeLedger) add(destination, address string, target types.Satoshi) *models.PaymentAddress {
	l.mu.Lock()
	defer l.mu.Unlock()

	row := &models.PaymentAddress{
		DestinationAddress: destination,
		PaymentAddress:     address,
		TargetBalance:      target,
		PayableBalance:     target,
		Status:             types.StatusCheckedOut,
		CreatedAt:          time.Now(),
	}
	l.rows[address] = row
	return row
}

// row returns a copy of the current state of address
func (l *fakeLedger) row(address string) models.PaymentAddress {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.rows[address]
}

func (l *fakeLedger) selectRows(match func(*models.PaymentAddress) bool) []*models.PaymentAddress {
	var out []*models.PaymentAddress
	for _, r := range l.rows {
		if match(r) {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DestinationAddress != out[j].DestinationAddress {
			return out[i].DestinationAddress < out[j].DestinationAddress
		}
		return out[i].PaymentAddress < out[j].PaymentAddress
	})
	return out
}

func (l *fakeLedger) SelectUnforwarded(ctx context.Context) ([]*models.PaymentAddress, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.selectErr != nil {
		return nil, l.selectErr
	}
	return l.selectRows(func(r *models.PaymentAddress) bool { return !r.Forwarded }), nil
}

func (l *fakeLedger) SelectUnpaid(ctx context.Context) ([]*models.PaymentAddress, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.selectErr != nil {
		return nil, l.selectErr
	}
	return l.selectRows(func(r *models.PaymentAddress) bool { return r.Forwarded && !r.PaidOut }), nil
}

func (l *fakeLedger) UpdateBalance(ctx context.Context, paymentAddress string, newPayable types.Satoshi) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.updateErr[paymentAddress]; err != nil {
		return err
	}
	r, ok := l.rows[paymentAddress]
	if !ok || r.Forwarded || newPayable < 0 || r.PayableBalance < newPayable {
		return storage.ErrBalanceNotApplied
	}
	r.PayableBalance = newPayable
	return nil
}

func (l *fakeLedger) MarkForwarded(ctx context.Context, paymentAddress string, observed types.Satoshi) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.markForwardedErr[paymentAddress]; err != nil {
		return err
	}
	r, ok := l.rows[paymentAddress]
	if !ok || r.Forwarded {
		return storage.ErrAlreadyForwarded
	}
	now := time.Now()
	r.PayableBalance = 0
	r.Forwarded = true
	r.ForwardedAmount = observed
	r.ForwardedAt = &now
	return nil
}

func (l *fakeLedger) ClaimPayout(ctx context.Context, destination string, payoutID uuid.UUID) (types.Satoshi, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.claimErr != nil {
		return 0, 0, l.claimErr
	}
	var sum types.Satoshi
	var n int
	for _, r := range l.rows {
		if r.DestinationAddress == destination && r.IsBanked() {
			id := payoutID
			r.PayoutID = &id
			sum += r.ForwardedAmount
			n++
		}
	}
	return sum, n, nil
}

func (l *fakeLedger) PendingPayouts(ctx context.Context) ([]*models.PendingPayout, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pendingErr != nil {
		return nil, l.pendingErr
	}
	byID := make(map[uuid.UUID]*models.PendingPayout)
	for _, r := range l.rows {
		if r.PayoutID == nil || r.PaidOut {
			continue
		}
		p, ok := byID[*r.PayoutID]
		if !ok {
			p = &models.PendingPayout{PayoutID: *r.PayoutID, DestinationAddress: r.DestinationAddress}
			byID[*r.PayoutID] = p
		}
		p.Amount += r.ForwardedAmount
		p.AddressCount++
	}
	out := make([]*models.PendingPayout, 0, len(byID))
	for _, p := range byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PayoutID.String() < out[j].PayoutID.String() })
	return out, nil
}

func (l *fakeLedger) MarkPaidOut(ctx context.Context, payoutID uuid.UUID, txID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.markPaidErrs) > 0 {
		err := l.markPaidErrs[0]
		l.markPaidErrs = l.markPaidErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	n := 0
	for _, r := range l.rows {
		if r.PayoutID != nil && *r.PayoutID == payoutID && !r.PaidOut {
			tx := txID
			r.PaidOut = true
			r.PayoutTxID = &tx
			n++
		}
	}
	return n, nil
}

type payment struct {
	correlationID string
	outputs       map[string]types.Satoshi
	txid          string
}

// fakeWallet answers balances from a map and remembers payments by
// correlation id the way the wallet history lookup does
type fakeWallet struct {
	mu         sync.Mutex
	balances   map[string]types.Satoshi
	balanceErr map[string]error
	payErr     error
	total      types.Satoshi

	payments []payment
	byCorr   map[string]string
	payCalls int

	balanceDelay time.Duration
	inFlight     atomic.Int32
	maxInFlight  atomic.Int32
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{
		balances:   make(map[string]types.Satoshi),
		balanceErr: make(map[string]error),
		byCorr:     make(map[string]string),
	}
}

func (w *fakeWallet) setBalance(address string, amount types.Satoshi) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balances[address] = amount
}

func (w *fakeWallet) BalanceOf(ctx context.Context, address string) (types.Satoshi, error) {
	n := w.inFlight.Add(1)
	defer w.inFlight.Add(-1)
	for {
		peak := w.maxInFlight.Load()
		if n <= peak || w.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	if w.balanceDelay > 0 {
		time.Sleep(w.balanceDelay)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.balanceErr[address]; err != nil {
		return 0, err
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	return w.balances[address], nil
}

func (w *fakeWallet) Pay(ctx context.Context, correlationID string, outputs map[string]types.Satoshi) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.payCalls++
	if w.payErr != nil {
		return "", w.payErr
	}
	if txid, ok := w.byCorr[correlationID]; ok {
		return txid, nil
	}
	txid := fmt.Sprintf("tx-%d", len(w.payments)+1)
	copied := make(map[string]types.Satoshi, len(outputs))
	for k, v := range outputs {
		copied[k] = v
	}
	w.payments = append(w.payments, payment{correlationID: correlationID, outputs: copied, txid: txid})
	w.byCorr[correlationID] = txid
	return txid, nil
}

func (w *fakeWallet) WalletBalance(ctx context.Context) (types.Satoshi, error) {
	return w.total, nil
}

func (w *fakeWallet) sentPayments() []payment {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]payment(nil), w.payments...)
}

type fakeAuditor struct {
	mu     sync.Mutex
	events []*models.PayoutEvent
}

func (a *fakeAuditor) Record(ctx context.Context, events ...*models.PayoutEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, events...)
	return nil
}
