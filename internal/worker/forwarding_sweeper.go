package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/payment-forwarder/internal/logging"
	"github.com/payment-forwarder/internal/metrics"
	"github.com/payment-forwarder/internal/models"
	"github.com/payment-forwarder/internal/storage"
	"github.com/payment-forwarder/internal/types"
	"golang.org/x/sync/errgroup"
)

// SweepLedger is the part of the address ledger the sweeper reads and mutates
type SweepLedger interface {
	SelectUnforwarded(ctx context.Context) ([]*models.PaymentAddress, error)
	SelectUnpaid(ctx context.Context) ([]*models.PaymentAddress, error)
	UpdateBalance(ctx context.Context, paymentAddress string, newPayable types.Satoshi) error
	MarkForwarded(ctx context.Context, paymentAddress string, observed types.Satoshi) error
	ClaimPayout(ctx context.Context, destination string, payoutID uuid.UUID) (types.Satoshi, int, error)
	PendingPayouts(ctx context.Context) ([]*models.PendingPayout, error)
	MarkPaidOut(ctx context.Context, payoutID uuid.UUID, txID string) (int, error)
}

// PayoutWallet is the part of the wallet gateway the sweeper uses
type PayoutWallet interface {
	BalanceOf(ctx context.Context, address string) (types.Satoshi, error)
	Pay(ctx context.Context, correlationID string, outputs map[string]types.Satoshi) (string, error)
	WalletBalance(ctx context.Context) (types.Satoshi, error)
}

// PayoutAuditor records payout attempts in an append-only log
type PayoutAuditor interface {
	Record(ctx context.Context, events ...*models.PayoutEvent) error
}

type noopAuditor struct{}

func (noopAuditor) Record(context.Context, ...*models.PayoutEvent) error { return nil }

// ForwardingSweeperConfig holds configuration for the sweeper
type ForwardingSweeperConfig struct {
	// Threshold must be exceeded by a destination's total before it is paid
	Threshold types.Satoshi
	// Concurrency bounds the balance lookups in flight
	Concurrency int
	Network     types.Network
}

// ForwardingSweeper reconciles receiving addresses against the wallet and
// consolidates the value received per destination into batched payouts
type ForwardingSweeper struct {
	ledger      SweepLedger
	wallet      PayoutWallet
	auditor     PayoutAuditor
	threshold   types.Satoshi
	concurrency int
	network     types.Network
	newID       func() uuid.UUID
	now         func() time.Time
}

// NewForwardingSweeper creates a sweeper. auditor may be nil.
func NewForwardingSweeper(ledger SweepLedger, wallet PayoutWallet, auditor PayoutAuditor, cfg ForwardingSweeperConfig) (*ForwardingSweeper, error) {
	if ledger == nil {
		return nil, fmt.Errorf("ledger cannot be nil")
	}
	if wallet == nil {
		return nil, fmt.Errorf("wallet cannot be nil")
	}
	if cfg.Threshold <= 0 {
		return nil, fmt.Errorf("threshold must be positive, got %d", cfg.Threshold)
	}
	if auditor == nil {
		auditor = noopAuditor{}
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}

	return &ForwardingSweeper{
		ledger:      ledger,
		wallet:      wallet,
		auditor:     auditor,
		threshold:   cfg.Threshold,
		concurrency: concurrency,
		network:     cfg.Network,
		newID:       uuid.New,
		now:         time.Now,
	}, nil
}

// DestinationAggregate gathers one destination's rows for a single cycle.
// The destination settles once every row has reported back.
type DestinationAggregate struct {
	Destination string
	// Rows are the unforwarded rows reconciled this cycle
	Rows []*models.PaymentAddress
	// Banked is the value of forwarded rows from earlier cycles that no payout has claimed
	Banked      types.Satoshi
	BankedCount int

	mu             sync.Mutex
	completed      int
	cycleSum       types.Satoshi
	forwardedCount int
}

// complete records one finished row and reports whether it was the last one
func (a *DestinationAggregate) complete(r rowResult) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.completed++
	if r.outcome == outcomeForwarded {
		a.cycleSum += r.observed
		a.forwardedCount++
	}
	return a.completed == len(a.Rows)
}

// CycleSum is the value newly forwarded this cycle
func (a *DestinationAggregate) CycleSum() types.Satoshi {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cycleSum
}

// Total is the value that would be paid if the destination crossed the threshold
func (a *DestinationAggregate) Total() types.Satoshi {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cycleSum + a.Banked
}

// Settled reports whether every row of the aggregate completed
func (a *DestinationAggregate) Settled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.completed == len(a.Rows)
}

// GroupByDestination builds one aggregate per destination from the
// unforwarded rows and the forwarded-but-unpaid rows. Rows already claimed by
// a payout belong to that payout and are not banked again.
func GroupByDestination(unforwarded, unpaid []*models.PaymentAddress) []*DestinationAggregate {
	byDest := make(map[string]*DestinationAggregate)
	get := func(dest string) *DestinationAggregate {
		agg, ok := byDest[dest]
		if !ok {
			agg = &DestinationAggregate{Destination: dest}
			byDest[dest] = agg
		}
		return agg
	}

	for _, row := range unforwarded {
		if row.Forwarded {
			continue
		}
		agg := get(row.DestinationAddress)
		agg.Rows = append(agg.Rows, row)
	}
	for _, row := range unpaid {
		if !row.IsBanked() {
			continue
		}
		agg := get(row.DestinationAddress)
		agg.Banked += row.ForwardedAmount
		agg.BankedCount++
	}

	aggregates := make([]*DestinationAggregate, 0, len(byDest))
	for _, agg := range byDest {
		aggregates = append(aggregates, agg)
	}
	sort.Slice(aggregates, func(i, j int) bool {
		return aggregates[i].Destination < aggregates[j].Destination
	})
	return aggregates
}

// PayoutResult describes one payment attempt made during a cycle
type PayoutResult struct {
	PayoutID     uuid.UUID     `json:"payoutId"`
	Destination  string        `json:"destination"`
	Amount       types.Satoshi `json:"amount"`
	AddressCount int           `json:"addressCount"`
	TxID         string        `json:"txId,omitempty"`
	Retried      bool          `json:"retried"`
	Err          error         `json:"-"`
}

// SweepReport summarises one cycle
type SweepReport struct {
	StartedAt    time.Time     `json:"startedAt"`
	Duration     time.Duration `json:"duration"`
	Rows         int           `json:"rows"`
	Destinations int           `json:"destinations"`

	Forwarded     int `json:"forwarded"`
	Updated       int `json:"updated"`
	Unchanged     int `json:"unchanged"`
	Stale         int `json:"stale"`
	BalanceErrors int `json:"balanceErrors"`
	StorageErrors int `json:"storageErrors"`

	Payouts []PayoutResult `json:"payouts"`

	mu sync.Mutex
}

func (r *SweepReport) recordRow(outcome rowOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch outcome {
	case outcomeForwarded:
		r.Forwarded++
	case outcomeUpdated:
		r.Updated++
	case outcomeUnchanged:
		r.Unchanged++
	case outcomeStale:
		r.Stale++
	case outcomeBalanceError:
		r.BalanceErrors++
	case outcomeStorageError:
		r.StorageErrors++
	}
}

func (r *SweepReport) recordStorageError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StorageErrors++
}

func (r *SweepReport) addPayout(p PayoutResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Payouts = append(r.Payouts, p)
}

// Sent returns the payouts whose payment went out
func (r *SweepReport) Sent() []PayoutResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var sent []PayoutResult
	for _, p := range r.Payouts {
		if p.Err == nil {
			sent = append(sent, p)
		}
	}
	return sent
}

// Failed returns the payouts whose payment call failed
func (r *SweepReport) Failed() []PayoutResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var failed []PayoutResult
	for _, p := range r.Payouts {
		if p.Err != nil {
			failed = append(failed, p)
		}
	}
	return failed
}

// Sweep runs one cycle: pending payouts are retried first, then every
// unforwarded row is reconciled and each destination is paid once its rows
// are settled and its total exceeds the threshold.
//
// Per-row failures are logged and leave the row for the next cycle. Only a
// failure to read the ledger fails the cycle.
func (s *ForwardingSweeper) Sweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{StartedAt: s.now()}
	logger := logging.FromContext(ctx).WithField("network", string(s.network))

	finish := func(err error) (*SweepReport, error) {
		report.Duration = s.now().Sub(report.StartedAt)
		outcome := "completed"
		if err != nil {
			outcome = "failed"
		}
		metrics.RecordSweepCycle(outcome, report.Duration)
		return report, err
	}

	if err := s.retryPendingPayouts(ctx, report); err != nil {
		return finish(err)
	}

	unforwarded, err := s.ledger.SelectUnforwarded(ctx)
	if err != nil {
		return finish(fmt.Errorf("failed to load unforwarded addresses: %w", err))
	}
	unpaid, err := s.ledger.SelectUnpaid(ctx)
	if err != nil {
		return finish(fmt.Errorf("failed to load unpaid addresses: %w", err))
	}

	aggregates := GroupByDestination(unforwarded, unpaid)
	report.Rows = len(unforwarded)
	report.Destinations = len(aggregates)

	var g errgroup.Group
	g.SetLimit(s.concurrency)

launch:
	for _, agg := range aggregates {
		agg := agg
		if len(agg.Rows) == 0 {
			// only banked value: nothing to reconcile, settle right away
			g.Go(func() error {
				s.settle(ctx, agg, report)
				return nil
			})
			continue
		}
		for _, row := range agg.Rows {
			row := row
			if ctx.Err() != nil {
				break launch
			}
			g.Go(func() error {
				res := s.reconcileRow(ctx, row)
				report.recordRow(res.outcome)
				if agg.complete(res) {
					s.settle(ctx, agg, report)
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	metrics.RecordReconciled(string(outcomeForwarded), report.Forwarded)
	metrics.RecordReconciled(string(outcomeUpdated), report.Updated)
	metrics.RecordReconciled(string(outcomeUnchanged), report.Unchanged)
	metrics.RecordReconciled(string(outcomeStale), report.Stale)
	metrics.RecordReconciled(string(outcomeBalanceError), report.BalanceErrors)
	metrics.RecordReconciled(string(outcomeStorageError), report.StorageErrors)

	logger.WithFields(map[string]interface{}{
		"rows":          report.Rows,
		"destinations":  report.Destinations,
		"forwarded":     report.Forwarded,
		"updated":       report.Updated,
		"balanceErrors": report.BalanceErrors,
		"storageErrors": report.StorageErrors,
		"payouts":       len(report.Payouts),
	}).Info("Sweep cycle finished")

	if err := ctx.Err(); err != nil {
		return finish(err)
	}
	return finish(nil)
}

// reconcileRow applies the wallet's view of one address to its ledger row
func (s *ForwardingSweeper) reconcileRow(ctx context.Context, row *models.PaymentAddress) rowResult {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"paymentAddress": row.PaymentAddress,
		"destination":    row.DestinationAddress,
	})

	observed, err := s.wallet.BalanceOf(ctx, row.PaymentAddress)
	if err != nil {
		logger.WithError(err).Warn("Balance lookup failed, retrying next cycle")
		return rowResult{outcome: outcomeBalanceError}
	}

	owed := OwedBalance(row.TargetBalance, row.PayableBalance, observed)
	if owed == 0 {
		err := s.ledger.MarkForwarded(ctx, row.PaymentAddress, observed)
		switch {
		case errors.Is(err, storage.ErrAlreadyForwarded):
			logger.Debug("Address already forwarded by another cycle")
			return rowResult{outcome: outcomeStale}
		case err != nil:
			logger.WithError(err).Error("Failed to mark address forwarded")
			return rowResult{outcome: outcomeStorageError}
		}
		logger.WithField("observed", observed.String()).Info("Address fully paid, forwarded")
		return rowResult{outcome: outcomeForwarded, observed: observed}
	}

	if owed == row.PayableBalance {
		return rowResult{outcome: outcomeUnchanged, observed: observed}
	}

	err = s.ledger.UpdateBalance(ctx, row.PaymentAddress, owed)
	switch {
	case errors.Is(err, storage.ErrBalanceNotApplied):
		logger.Debug("Balance update superseded by a newer one")
		return rowResult{outcome: outcomeStale, observed: observed}
	case err != nil:
		logger.WithError(err).Error("Failed to update payable balance")
		return rowResult{outcome: outcomeStorageError, observed: observed}
	}

	logger.WithFields(map[string]interface{}{
		"observed": observed.String(),
		"payable":  owed.String(),
	}).Debug("Partial payment recorded")
	return rowResult{outcome: outcomeUpdated, observed: observed}
}

// settle pays a destination whose total exceeds the threshold. Below the
// threshold the forwarded rows stay unpaid and count as banked next cycle.
func (s *ForwardingSweeper) settle(ctx context.Context, agg *DestinationAggregate, report *SweepReport) {
	total := agg.Total()
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"destination": agg.Destination,
		"cycleSum":    agg.CycleSum().String(),
		"banked":      agg.Banked.String(),
		"total":       total.String(),
	})

	if total <= s.threshold {
		if total > 0 {
			logger.Debug("Destination below forwarding threshold, banking")
		}
		return
	}
	if ctx.Err() != nil {
		return
	}

	payoutID := s.newID()
	claimed, count, err := s.ledger.ClaimPayout(ctx, agg.Destination, payoutID)
	if err != nil {
		report.recordStorageError()
		logger.WithError(err).Error("Failed to claim payout")
		return
	}
	if count == 0 || claimed <= 0 {
		logger.Warn("Nothing left to claim for destination")
		return
	}
	if claimed != total {
		logger.WithField("claimed", claimed.String()).Warn("Claimed amount differs from cycle total")
	}

	s.pay(ctx, payoutID, agg.Destination, claimed, count, false, report)
}

// retryPendingPayouts resends every claimed payout that was never confirmed.
// The payout id is reused as correlation id so a payment that did go out is
// found by the wallet instead of being sent twice.
func (s *ForwardingSweeper) retryPendingPayouts(ctx context.Context, report *SweepReport) error {
	pending, err := s.ledger.PendingPayouts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending payouts: %w", err)
	}

	for _, p := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"payoutId":    p.PayoutID.String(),
			"destination": p.DestinationAddress,
			"amount":      p.Amount.String(),
		}).Info("Retrying pending payout")
		s.pay(ctx, p.PayoutID, p.DestinationAddress, p.Amount, p.AddressCount, true, report)
	}
	return nil
}

func (s *ForwardingSweeper) pay(ctx context.Context, payoutID uuid.UUID, destination string, amount types.Satoshi, count int, retried bool, report *SweepReport) {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"payoutId":     payoutID.String(),
		"destination":  destination,
		"amount":       amount.String(),
		"addressCount": count,
	})

	result := PayoutResult{
		PayoutID:     payoutID,
		Destination:  destination,
		Amount:       amount,
		AddressCount: count,
		Retried:      retried,
	}
	event := &models.PayoutEvent{
		PayoutID:           payoutID,
		DestinationAddress: destination,
		Amount:             amount,
		AddressCount:       count,
		Network:            s.network,
		OccurredAt:         s.now(),
	}

	txid, err := s.wallet.Pay(ctx, payoutID.String(), map[string]types.Satoshi{destination: amount})
	if err != nil {
		result.Err = err
		event.Result = "failed"
		event.Error = err.Error()
		metrics.RecordPayout(string(s.network), "failed", 0)
		logger.WithError(err).Error("Payout failed, rows stay claimed for retry")
	} else {
		result.TxID = txid
		event.TxID = txid
		event.Result = "sent"
		metrics.RecordPayout(string(s.network), "sent", amount.Int64())

		if _, err := s.ledger.MarkPaidOut(ctx, payoutID, txid); err != nil {
			// the retry path finds the transaction by payout id and records it then
			logger.WithField("txid", txid).WithError(err).Error("Payout sent but not recorded")
		} else {
			logger.WithField("txid", txid).Info("Payout sent")
		}
	}

	report.addPayout(result)
	if err := s.auditor.Record(ctx, event); err != nil {
		logger.WithError(err).Warn("Failed to record payout event")
	}
}

// LogWalletBalance reads the wallet's total balance and publishes it
func (s *ForwardingSweeper) LogWalletBalance(ctx context.Context) (types.Satoshi, error) {
	balance, err := s.wallet.WalletBalance(ctx)
	if err != nil {
		return 0, err
	}
	metrics.SetWalletBalance(string(s.network), balance.Int64())
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"network": string(s.network),
		"balance": balance.String(),
	}).Info("Wallet balance")
	return balance, nil
}
