package storage

import (
	"context"
	"fmt"

	"github.com/payment-forwarder/internal/models"
	"github.com/payment-forwarder/internal/types"
)

// PayoutAuditRepository appends payout attempts to ClickHouse
type PayoutAuditRepository struct {
	db *ClickHouseDB
}

// NewPayoutAuditRepository creates a new payout audit repository
func NewPayoutAuditRepository(db *ClickHouseDB) *PayoutAuditRepository {
	return &PayoutAuditRepository{db: db}
}

// Record appends events in one batch
func (r *PayoutAuditRepository) Record(ctx context.Context, events ...*models.PayoutEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO payout_events (
			payout_id, destination_address, amount_satoshi, address_count,
			txid, result, error, network, occurred_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, e := range events {
		if err := batch.Append(
			e.PayoutID,
			e.DestinationAddress,
			e.Amount.Int64(),
			uint32(e.AddressCount), // #nosec G115 - row counts are small
			e.TxID,
			e.Result,
			e.Error,
			string(e.Network),
			e.OccurredAt.UTC(),
		); err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	return batch.Send()
}

// ListByDestination returns the audit trail of one destination, newest first
func (r *PayoutAuditRepository) ListByDestination(ctx context.Context, destination string, limit int) ([]*models.PayoutEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT payout_id, destination_address, amount_satoshi, address_count,
		       txid, result, error, network, occurred_at
		FROM payout_events
		WHERE destination_address = ?
		ORDER BY occurred_at DESC
		LIMIT ?
	`

	rows, err := r.db.Conn().Query(ctx, query, destination, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query payout events: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var events []*models.PayoutEvent
	for rows.Next() {
		var (
			e       models.PayoutEvent
			amount  int64
			count   uint32
			network string
		)
		if err := rows.Scan(&e.PayoutID, &e.DestinationAddress, &amount, &count,
			&e.TxID, &e.Result, &e.Error, &network, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan payout event: %w", err)
		}
		e.Amount = types.Satoshi(amount)
		e.AddressCount = int(count)
		e.Network = types.Network(network)
		events = append(events, &e)
	}
	return events, rows.Err()
}
