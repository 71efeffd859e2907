package pay402

import (
	"context"
	"time"
)

// LedgerReceipt is what the ledger client returns for a finalized settlement.
type LedgerReceipt struct {
	Reference   string
	BlockNumber uint64
}

// Settler is the write half of the ledger-client boundary. Submit must be
// idempotent: resubmitting an already-settled payload returns the prior
// receipt rather than a second side effect.
type Settler interface {
	Submit(ctx context.Context, payload PaymentPayload, req PaymentRequirement) (LedgerReceipt, error)
}

// RetryPolicy bounds settlement submission attempts. The delay before
// attempt n+1 is BaseDelay × n.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy is 3 attempts with a 500ms base delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}
}

// Delay returns the backoff after the given 1-based attempt number.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.BaseDelay * time.Duration(attempt)
}

// SettlementCoordinator drives verify → submit with retry. A payload is
// never settled without a fresh verification pass, and a settled payload is
// never settled twice.
type SettlementCoordinator struct {
	engine  *VerificationEngine
	settler Settler
	policy  RetryPolicy
	sleeper Sleeper
	cache   *settlementCache
}

// CoordinatorOption configures a SettlementCoordinator.
type CoordinatorOption func(*SettlementCoordinator)

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(p RetryPolicy) CoordinatorOption {
	return func(c *SettlementCoordinator) { c.policy = p }
}

// WithSleeper overrides the backoff sleeper.
func WithSleeper(s Sleeper) CoordinatorOption {
	return func(c *SettlementCoordinator) { c.sleeper = s }
}

// WithResultTTL overrides how long settled results are remembered.
func WithResultTTL(ttl time.Duration) CoordinatorOption {
	return func(c *SettlementCoordinator) { c.cache.ttl = ttl }
}

// WithCoordinatorClock overrides the cache clock.
func WithCoordinatorClock(clk Clock) CoordinatorOption {
	return func(c *SettlementCoordinator) { c.cache.clock = clk }
}

// NewSettlementCoordinator creates a coordinator over the given engine and
// ledger settler.
func NewSettlementCoordinator(engine *VerificationEngine, settler Settler, opts ...CoordinatorOption) *SettlementCoordinator {
	c := &SettlementCoordinator{
		engine:  engine,
		settler: settler,
		policy:  DefaultRetryPolicy(),
		sleeper: SystemSleeper(),
		cache:   newSettlementCache(10*time.Minute, SystemClock()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Settle verifies the payload, then submits it to the ledger with retry.
// Transient failures are retried up to the attempt budget; client-class
// failures fail immediately. A non-nil error accompanies only transport
// failures; protocol-level rejections come back in the result alone.
func (c *SettlementCoordinator) Settle(ctx context.Context, payload PaymentPayload, req PaymentRequirement) (SettleResult, error) {
	key, err := SettlementKey(payload)
	if err != nil {
		return SettleResult{Success: false, Status: SettleStatusRejected, Reason: ErrCodeValidation}, err
	}

	status, cached, done := c.cache.checkAndMark(key)
	switch status {
	case settlementCached:
		return *cached, nil
	case settlementInFlight:
		result, err := c.cache.waitForResult(ctx, key, done)
		if err != nil {
			return SettleResult{Success: false, Status: SettleStatusUnavailable, Reason: ErrCodeFacilitator}, err
		}
		if result != nil {
			return *result, nil
		}
		// The in-flight submission failed without caching; take our own turn.
		return c.Settle(ctx, payload, req)
	}

	result, err := c.settleOnce(ctx, payload, req)
	if result.Success {
		c.cache.complete(key, &result, done)
	} else {
		c.cache.fail(key, done)
	}
	return result, err
}

func (c *SettlementCoordinator) settleOnce(ctx context.Context, payload PaymentPayload, req PaymentRequirement) (SettleResult, error) {
	// Defense in depth: re-verify before committing to a settlement attempt.
	vr, err := c.engine.Verify(ctx, payload, req)
	if err != nil {
		return SettleResult{
			Success: false,
			Status:  SettleStatusUnavailable,
			Reason:  ErrorReason(err, ErrCodeNetwork),
		}, err
	}
	if !vr.Valid {
		return SettleResult{Success: false, Status: SettleStatusRejected, Reason: vr.Reason}, nil
	}

	var lastErr error
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		receipt, err := c.settler.Submit(ctx, payload, req)
		if err == nil {
			return SettleResult{
				Success:         true,
				LedgerReference: receipt.Reference,
				BlockNumber:     receipt.BlockNumber,
				Status:          SettleStatusSettled,
			}, nil
		}
		lastErr = err

		if !IsTransient(err) {
			// Ledger-side rejection after a successful verify: surfaced, not retried.
			return SettleResult{
				Success: false,
				Status:  SettleStatusRejected,
				Reason:  ErrorReason(err, ErrCodeSettlement),
			}, nil
		}
		if attempt < c.policy.MaxAttempts {
			if err := c.sleeper.Sleep(ctx, c.policy.Delay(attempt)); err != nil {
				break
			}
		}
	}

	return SettleResult{
		Success: false,
		Status:  SettleStatusUnavailable,
		Reason:  ErrorReason(lastErr, ErrCodeFacilitator),
	}, lastErr
}
