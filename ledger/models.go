package ledger

import "time"

// Status tracks a transaction through the escrow lifecycle.
type Status string

const (
	StatusPending           Status = "pending"
	StatusHeld              Status = "held"
	StatusReleased          Status = "released"
	StatusRefunded          Status = "refunded"
	StatusPartiallyRefunded Status = "partially_refunded"
	StatusFailed            Status = "failed"
)

// Due settlement kinds recorded on a held transaction so the reconciler
// re-drives the exact operation that failed at the provider.
const (
	DueRelease = "release"
	DueRefund  = "refund"
	DueSplit   = "split"
)

// Terminal reports whether the transaction has reached a settlement or
// failure from which no transition is defined.
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusPartiallyRefunded, StatusFailed:
		return true
	default:
		return false
	}
}

// Transaction is one monetary instrument bound to exactly one task. All
// amounts are integer minor currency units; amount = platform_fee +
// worker_amount holds from creation through settlement.
type Transaction struct {
	ID             string
	TaskID         string
	PayerID        string
	PayeeID        *string
	Amount         int64
	PlatformFee    int64
	WorkerAmount   int64
	FeeBps         int
	Currency       string
	Status         Status
	IntentRef      *string
	TransferRef    *string
	RefundRef      *string
	RefundedAmount int64
	SettlementDue  bool
	// DueSettlement names the settlement to re-drive after a provider
	// failure, with the refund amount or split bps it was invoked with.
	DueSettlement *string
	DueAmount     *int64
	DueBps        *int
	FailureReason *string
	HeldAt        *time.Time
	ReleasedAt    *time.Time
	RefundedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HoldResult is returned from Hold so the client can complete the processor
// flow and show the fee breakdown quoted at capture time.
type HoldResult struct {
	Transaction  Transaction
	ClientSecret string
}

// SplitResult reports the two disjoint shares of a partial settlement.
type SplitResult struct {
	Transaction  Transaction
	CreatorShare int64
	WorkerShare  int64
}
