package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	apperrors "github.com/payment-forwarder/internal/errors"
	"github.com/payment-forwarder/internal/models"
	"github.com/payment-forwarder/internal/types"
)

const duplicateKeyErrorCode = "23505"

var (
	// ErrAlreadyForwarded is returned by MarkForwarded when another sweep won the row
	ErrAlreadyForwarded = errors.New("payment address already forwarded")
	// ErrBalanceNotApplied is returned by UpdateBalance when the guard rejected the write
	ErrBalanceNotApplied = errors.New("payable balance update not applied")
	// ErrPaymentAddressExists is returned by Insert for a duplicate receiving address
	ErrPaymentAddressExists = errors.New("payment address already exists")
)

const paymentAddressColumns = `
	destination_address, payment_address, target_balance, payable_balance,
	status, forwarded, forwarded_amount, paid_out, payout_id, payout_txid,
	created_at, updated_at, forwarded_at, paid_out_at`

// PaymentAddressRepository is the durable ledger of issued receiving addresses
type PaymentAddressRepository struct {
	db *PostgresDB
}

// NewPaymentAddressRepository creates a new payment address repository
func NewPaymentAddressRepository(db *PostgresDB) *PaymentAddressRepository {
	return &PaymentAddressRepository{db: db}
}

// Insert records a newly issued receiving address as checked out and unforwarded
func (r *PaymentAddressRepository) Insert(ctx context.Context, destination, paymentAddress string, target, payable types.Satoshi) (*models.PaymentAddress, error) {
	query := `
		INSERT INTO payment_addresses (
			destination_address, payment_address, target_balance, payable_balance, status
		)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + paymentAddressColumns

	row := r.db.Pool().QueryRow(ctx, query,
		destination,
		paymentAddress,
		int64(target),
		int64(payable),
		string(types.StatusCheckedOut),
	)

	pa, err := scanPaymentAddress(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == duplicateKeyErrorCode {
			return nil, apperrors.NewConflictError(
				fmt.Sprintf("payment address already exists: %s", paymentAddress),
				ErrPaymentAddressExists,
			)
		}
		return nil, apperrors.NewStorageError("insert", err)
	}
	return pa, nil
}

// UpdateBalance lowers the outstanding amount of an unforwarded row.
// The write only applies while the row is unforwarded and the new value does
// not exceed the current one; otherwise ErrBalanceNotApplied is returned.
func (r *PaymentAddressRepository) UpdateBalance(ctx context.Context, paymentAddress string, newPayable types.Satoshi) error {
	if newPayable < 0 {
		return ErrBalanceNotApplied
	}

	query := `
		UPDATE payment_addresses
		SET payable_balance = $2, updated_at = NOW()
		WHERE payment_address = $1
		  AND forwarded = FALSE
		  AND payable_balance >= $2
	`

	tag, err := r.db.Pool().Exec(ctx, query, paymentAddress, int64(newPayable))
	if err != nil {
		return apperrors.NewStorageError("update balance", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBalanceNotApplied
	}
	return nil
}

// MarkForwarded flips forwarded to TRUE, zeroes the payable balance and
// records the observed balance. Exactly one caller can win a row; every
// other caller gets ErrAlreadyForwarded and must not count the value.
func (r *PaymentAddressRepository) MarkForwarded(ctx context.Context, paymentAddress string, observed types.Satoshi) error {
	query := `
		UPDATE payment_addresses
		SET payable_balance = 0,
		    forwarded = TRUE,
		    forwarded_amount = $2,
		    forwarded_at = NOW(),
		    updated_at = NOW()
		WHERE payment_address = $1
		  AND forwarded = FALSE
	`

	tag, err := r.db.Pool().Exec(ctx, query, paymentAddress, int64(observed))
	if err != nil {
		return apperrors.NewStorageError("mark forwarded", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyForwarded
	}
	return nil
}

// SelectUnforwarded returns every row still awaiting reconciliation
func (r *PaymentAddressRepository) SelectUnforwarded(ctx context.Context) ([]*models.PaymentAddress, error) {
	query := `
		SELECT ` + paymentAddressColumns + `
		FROM payment_addresses
		WHERE forwarded = FALSE
		ORDER BY destination_address, payment_address
	`
	return r.queryRows(ctx, "select unforwarded", query)
}

// SelectUnpaid returns forwarded rows whose value has not been dispatched yet
func (r *PaymentAddressRepository) SelectUnpaid(ctx context.Context) ([]*models.PaymentAddress, error) {
	query := `
		SELECT ` + paymentAddressColumns + `
		FROM payment_addresses
		WHERE forwarded = TRUE AND paid_out = FALSE
		ORDER BY destination_address, payment_address
	`
	return r.queryRows(ctx, "select unpaid", query)
}

// ClaimPayout stamps payoutID on every forwarded, unpaid, unclaimed row of the
// destination and returns the claimed sum and row count. Rows claimed by a
// concurrent payout are skipped.
func (r *PaymentAddressRepository) ClaimPayout(ctx context.Context, destination string, payoutID uuid.UUID) (types.Satoshi, int, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return 0, 0, apperrors.NewStorageError("claim payout", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // nolint:errcheck // no-op after commit
	}()

	query := `
		WITH claimed AS (
			UPDATE payment_addresses
			SET payout_id = $2, updated_at = NOW()
			WHERE destination_address = $1
			  AND forwarded = TRUE
			  AND paid_out = FALSE
			  AND payout_id IS NULL
			RETURNING forwarded_amount
		)
		SELECT COALESCE(SUM(forwarded_amount), 0)::BIGINT, COUNT(*)
		FROM claimed
	`

	var sum int64
	var count int
	if err := tx.QueryRow(ctx, query, destination, payoutID).Scan(&sum, &count); err != nil {
		return 0, 0, apperrors.NewStorageError("claim payout", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, apperrors.NewStorageError("claim payout", err)
	}
	return types.Satoshi(sum), count, nil
}

// PendingPayouts returns claimed payouts whose payment was never confirmed
func (r *PaymentAddressRepository) PendingPayouts(ctx context.Context) ([]*models.PendingPayout, error) {
	query := `
		SELECT payout_id, destination_address,
		       COALESCE(SUM(forwarded_amount), 0)::BIGINT, COUNT(*)
		FROM payment_addresses
		WHERE forwarded = TRUE AND paid_out = FALSE AND payout_id IS NOT NULL
		GROUP BY payout_id, destination_address
		ORDER BY destination_address, payout_id
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, apperrors.NewStorageError("pending payouts", err)
	}
	defer rows.Close()

	var payouts []*models.PendingPayout
	for rows.Next() {
		var p models.PendingPayout
		var amount int64
		if err := rows.Scan(&p.PayoutID, &p.DestinationAddress, &amount, &p.AddressCount); err != nil {
			return nil, apperrors.NewStorageError("pending payouts", err)
		}
		p.Amount = types.Satoshi(amount)
		payouts = append(payouts, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStorageError("pending payouts", err)
	}
	return payouts, nil
}

// MarkPaidOut records the wallet transaction for every row of a claim
func (r *PaymentAddressRepository) MarkPaidOut(ctx context.Context, payoutID uuid.UUID, txID string) (int, error) {
	query := `
		UPDATE payment_addresses
		SET paid_out = TRUE, payout_txid = $2, paid_out_at = NOW(), updated_at = NOW()
		WHERE payout_id = $1 AND paid_out = FALSE
	`

	tag, err := r.db.Pool().Exec(ctx, query, payoutID, txID)
	if err != nil {
		return 0, apperrors.NewStorageError("mark paid out", err)
	}
	return int(tag.RowsAffected()), nil
}

// Get retrieves one row by receiving address
func (r *PaymentAddressRepository) Get(ctx context.Context, paymentAddress string) (*models.PaymentAddress, error) {
	query := `
		SELECT ` + paymentAddressColumns + `
		FROM payment_addresses
		WHERE payment_address = $1
	`

	pa, err := scanPaymentAddress(r.db.Pool().QueryRow(ctx, query, paymentAddress))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &types.ServiceError{
				Code:    "PAYMENT_ADDRESS_NOT_FOUND",
				Message: fmt.Sprintf("payment address not found: %s", paymentAddress),
				Details: map[string]interface{}{"paymentAddress": paymentAddress},
			}
		}
		return nil, apperrors.NewStorageError("get", err)
	}
	return pa, nil
}

// ListFilter narrows List results. Zero values disable a filter.
type ListFilter struct {
	Destination string
	Forwarded   *bool
	PaidOut     *bool
	Limit       int
}

// List returns rows in ledger order, optionally filtered
func (r *PaymentAddressRepository) List(ctx context.Context, filter ListFilter) ([]*models.PaymentAddress, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Destination != "" {
		args = append(args, filter.Destination)
		where = append(where, fmt.Sprintf("destination_address = $%d", len(args)))
	}
	if filter.Forwarded != nil {
		args = append(args, *filter.Forwarded)
		where = append(where, fmt.Sprintf("forwarded = $%d", len(args)))
	}
	if filter.PaidOut != nil {
		args = append(args, *filter.PaidOut)
		where = append(where, fmt.Sprintf("paid_out = $%d", len(args)))
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(paymentAddressColumns)
	b.WriteString(" FROM payment_addresses")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY destination_address, payment_address")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}

	return r.queryRows(ctx, "list", b.String(), args...)
}

// Stats summarises the ledger
func (r *PaymentAddressRepository) Stats(ctx context.Context) (*models.LedgerStats, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE forwarded = FALSE),
		       COUNT(*) FILTER (WHERE forwarded = TRUE AND paid_out = FALSE),
		       COUNT(*) FILTER (WHERE paid_out = TRUE),
		       COALESCE(SUM(payable_balance) FILTER (WHERE forwarded = FALSE), 0)::BIGINT,
		       COALESCE(SUM(forwarded_amount) FILTER (WHERE forwarded = TRUE AND paid_out = FALSE), 0)::BIGINT
		FROM payment_addresses
	`

	var s models.LedgerStats
	var outstanding, banked int64
	err := r.db.Pool().QueryRow(ctx, query).Scan(
		&s.TotalAddresses,
		&s.Unforwarded,
		&s.ForwardedUnpaid,
		&s.PaidOut,
		&outstanding,
		&banked,
	)
	if err != nil {
		return nil, apperrors.NewStorageError("stats", err)
	}
	s.OutstandingPayable = types.Satoshi(outstanding)
	s.BankedAmount = types.Satoshi(banked)
	return &s, nil
}

func (r *PaymentAddressRepository) queryRows(ctx context.Context, op, query string, args ...interface{}) ([]*models.PaymentAddress, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewStorageError(op, err)
	}
	defer rows.Close()

	var out []*models.PaymentAddress
	for rows.Next() {
		pa, err := scanPaymentAddress(rows)
		if err != nil {
			return nil, apperrors.NewStorageError(op, err)
		}
		out = append(out, pa)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStorageError(op, err)
	}
	return out, nil
}

func scanPaymentAddress(row pgx.Row) (*models.PaymentAddress, error) {
	var (
		pa                               models.PaymentAddress
		target, payable, forwardedAmount int64
		status                           string
	)
	err := row.Scan(
		&pa.DestinationAddress,
		&pa.PaymentAddress,
		&target,
		&payable,
		&status,
		&pa.Forwarded,
		&forwardedAmount,
		&pa.PaidOut,
		&pa.PayoutID,
		&pa.PayoutTxID,
		&pa.CreatedAt,
		&pa.UpdatedAt,
		&pa.ForwardedAt,
		&pa.PaidOutAt,
	)
	if err != nil {
		return nil, err
	}
	pa.TargetBalance = types.Satoshi(target)
	pa.PayableBalance = types.Satoshi(payable)
	pa.ForwardedAmount = types.Satoshi(forwardedAmount)
	pa.Status = types.AddressStatus(status)
	return &pa, nil
}
