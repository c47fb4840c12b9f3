package worker

import "github.com/payment-forwarder/internal/types"

// OwedBalance returns what is still outstanding on a receiving address after
// the wallet reported observed as the cumulative amount it ever received.
//
// The result never exceeds payable and never goes below zero, so feeding the
// same observation twice is a no-op. Zero means the address is fully paid;
// an observation that exactly meets the target counts as paid.
func OwedBalance(target, payable, observed types.Satoshi) types.Satoshi {
	if observed < 0 {
		observed = 0
	}
	owed := target - observed
	if owed > payable {
		owed = payable
	}
	if owed < 0 {
		owed = 0
	}
	return owed
}

// rowOutcome is what reconciling one unforwarded row did
type rowOutcome string

const (
	outcomeForwarded    rowOutcome = "forwarded"
	outcomeUpdated      rowOutcome = "updated"
	outcomeUnchanged    rowOutcome = "unchanged"
	outcomeStale        rowOutcome = "stale"
	outcomeBalanceError rowOutcome = "balance_error"
	outcomeStorageError rowOutcome = "storage_error"
)

// rowResult carries a reconciled row back to its destination aggregate
type rowResult struct {
	outcome  rowOutcome
	observed types.Satoshi
}
