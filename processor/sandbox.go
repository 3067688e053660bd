// Package processor provides payment provider implementations for the
// escrow ledger. The sandbox backend keeps captured funds in memory and is
// the default outside production.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"gigflow/ledger"
)

var (
	ErrUnknownIntent      = errors.New("processor: unknown payment intent")
	ErrInsufficientEscrow = errors.New("processor: amount exceeds escrowed funds")
)

type intent struct {
	amount    int64
	currency  string
	payerID   string
	remaining int64
}

// Sandbox is an in-memory payment backend. Handles are uuids, balances are
// tracked per intent, and failures can be injected per operation for tests
// and chaos runs.
type Sandbox struct {
	mu      sync.Mutex
	intents map[string]*intent
	logger  *slog.Logger

	// FailCapture, FailTransfer and FailRefund, when set, are consulted
	// before each operation; a non-nil return is surfaced as the provider
	// error.
	FailCapture  func(amount int64, payerID string) error
	FailTransfer func(amount int64, payeeID string) error
	FailRefund   func(amount int64, intentRef string) error
}

var _ ledger.PaymentProvider = (*Sandbox)(nil)

func NewSandbox(logger *slog.Logger) *Sandbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sandbox{intents: make(map[string]*intent), logger: logger}
}

// Capture reserves funds without settling them.
func (s *Sandbox) Capture(ctx context.Context, amount int64, currency, payerID string) (ledger.CaptureResult, error) {
	if err := ctx.Err(); err != nil {
		return ledger.CaptureResult{}, err
	}
	if s.FailCapture != nil {
		if err := s.FailCapture(amount, payerID); err != nil {
			return ledger.CaptureResult{}, err
		}
	}
	if amount <= 0 {
		return ledger.CaptureResult{}, fmt.Errorf("processor: capture amount must be positive, got %d", amount)
	}

	ref := "pi_" + uuid.NewString()
	s.mu.Lock()
	s.intents[ref] = &intent{amount: amount, currency: currency, payerID: payerID, remaining: amount}
	s.mu.Unlock()

	s.logger.Debug("sandbox capture", "intent_ref", ref, "amount", amount, "currency", currency)
	return ledger.CaptureResult{IntentRef: ref, ClientSecret: ref + "_secret_" + uuid.NewString()}, nil
}

// Transfer settles part of a captured intent to the payee.
func (s *Sandbox) Transfer(ctx context.Context, amount int64, currency, payeeID, intentRef string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.FailTransfer != nil {
		if err := s.FailTransfer(amount, payeeID); err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[intentRef]
	if !ok {
		return "", ErrUnknownIntent
	}
	if amount <= 0 || amount > in.remaining {
		return "", ErrInsufficientEscrow
	}
	in.remaining -= amount

	ref := "tr_" + uuid.NewString()
	s.logger.Debug("sandbox transfer", "intent_ref", intentRef, "transfer_ref", ref, "amount", amount, "payee_id", payeeID)
	return ref, nil
}

// Refund returns part of a captured intent to the payer.
func (s *Sandbox) Refund(ctx context.Context, amount int64, intentRef string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.FailRefund != nil {
		if err := s.FailRefund(amount, intentRef); err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[intentRef]
	if !ok {
		return "", ErrUnknownIntent
	}
	if amount <= 0 || amount > in.remaining {
		return "", ErrInsufficientEscrow
	}
	in.remaining -= amount

	ref := "re_" + uuid.NewString()
	s.logger.Debug("sandbox refund", "intent_ref", intentRef, "refund_ref", ref, "amount", amount)
	return ref, nil
}

// Remaining reports the unsettled balance of an intent, for test oracles.
func (s *Sandbox) Remaining(intentRef string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[intentRef]
	if !ok {
		return 0, false
	}
	return in.remaining, true
}
