// Package balance implements the balance gate shared by the LLM and agent
// step runners: a pre-call check that rejects spend for enforced accounts at
// zero balance, and a post-call atomic deduction.
package balance

import (
	"context"
	"errors"
	"fmt"

	"github.com/pipevine/pipevine/runtime/store"
	"github.com/pipevine/pipevine/runtime/telemetry"
)

// ErrInsufficient indicates an enforced account has no remaining balance.
// Transport layers translate it to HTTP 403.
var ErrInsufficient = errors.New("balance: insufficient balance")

type (
	// Gate checks and deducts user balances. Enforcement eligibility is read
	// from the store on every call, never cached.
	Gate struct {
		store   store.Store
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// Options configures a Gate.
	Options struct {
		// Store provides user records and the atomic decrement. Required.
		Store store.Store
		// Logger records deduction failures. Optional; nil means noop.
		Logger telemetry.Logger
		// Metrics counts deductions. Optional; nil means noop.
		Metrics telemetry.Metrics
	}
)

// New builds a Gate.
func New(opts Options) (*Gate, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics{}
	}
	return &Gate{store: opts.Store, logger: opts.Logger, metrics: opts.Metrics}, nil
}

// Check rejects the call with ErrInsufficient when the user is subject to
// balance enforcement and has no remaining balance. Unknown users are treated
// as unenforced.
func (g *Gate) Check(ctx context.Context, userID string) error {
	u, err := g.store.User(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load user %s: %w", userID, err)
	}
	if u.Enforced && u.BalanceUSD <= 0 {
		return ErrInsufficient
	}
	return nil
}

// Deduct atomically subtracts amountUSD from the user's balance. It is a
// no-op for unenforced or unknown users and for non-positive amounts: the
// engine never deducts unless the provider reported a real cost.
func (g *Gate) Deduct(ctx context.Context, userID string, amountUSD float64) error {
	if amountUSD <= 0 {
		return nil
	}
	u, err := g.store.User(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load user %s: %w", userID, err)
	}
	if !u.Enforced {
		return nil
	}
	if err := g.store.DeductBalance(ctx, userID, amountUSD); err != nil {
		return fmt.Errorf("deduct %.6f from user %s: %w", amountUSD, userID, err)
	}
	g.metrics.IncCounter(telemetry.MetricBalanceDeductions, 1, "user", userID)
	g.logger.Debug(ctx, "balance deducted", "user", userID, "amount_usd", amountUSD)
	return nil
}
