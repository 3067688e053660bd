package ledger

import "context"

// CaptureResult carries the opaque processor handles returned from a capture.
// The ledger stores them verbatim and never interprets them.
type CaptureResult struct {
	IntentRef    string
	ClientSecret string
}

// PaymentProvider is the external payment capability. Implementations perform
// network calls; the ledger never invokes them while holding a database lock.
type PaymentProvider interface {
	// Capture charges and holds funds from the payer without settling them.
	Capture(ctx context.Context, amount int64, currency, payerID string) (CaptureResult, error)
	// Transfer moves previously captured funds to the payee.
	Transfer(ctx context.Context, amount int64, currency, payeeID, intentRef string) (string, error)
	// Refund returns part or all of the captured funds to the payer.
	Refund(ctx context.Context, amount int64, intentRef string) (string, error)
}
