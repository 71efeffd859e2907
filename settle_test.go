package pay402

import (
	"context"
	"testing"
	"time"
)

type mockSettler struct {
	attempts int
	errs     []error // consumed per attempt; nil entry or exhaustion means success
	receipt  LedgerReceipt
}

func (m *mockSettler) Submit(_ context.Context, _ PaymentPayload, _ PaymentRequirement) (LedgerReceipt, error) {
	m.attempts++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return LedgerReceipt{}, err
		}
	}
	return m.receipt, nil
}

func newTestCoordinator(t *testing.T, req PaymentRequirement, settler *mockSettler, sleeper *fakeSleeper) *SettlementCoordinator {
	t.Helper()
	engine := NewVerificationEngine(&mockChecker{status: okStatus(req)})
	return NewSettlementCoordinator(engine, settler,
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond}),
		WithSleeper(sleeper),
	)
}

func TestSettleSuccess(t *testing.T) {
	req := testRequirement()
	settler := &mockSettler{receipt: LedgerReceipt{Reference: "0xtx", BlockNumber: 42}}
	coordinator := newTestCoordinator(t, req, settler, &fakeSleeper{})

	result, err := coordinator.Settle(context.Background(), payloadFor(req), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || result.Status != SettleStatusSettled {
		t.Fatalf("expected settled result, got %+v", result)
	}
	if result.LedgerReference != "0xtx" || result.BlockNumber != 42 {
		t.Fatalf("expected ledger receipt carried over, got %+v", result)
	}
	if settler.attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", settler.attempts)
	}
}

func TestSettleInvalidPayloadIsRejectedWithoutSubmission(t *testing.T) {
	req := testRequirement()
	settler := &mockSettler{}
	coordinator := newTestCoordinator(t, req, settler, &fakeSleeper{})

	payload := payloadFor(req)
	payload.Amount = "2000000"

	result, err := coordinator.Settle(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success || result.Status != SettleStatusRejected {
		t.Fatalf("expected rejection, got %+v", result)
	}
	if result.Reason != ReasonAmountMismatch {
		t.Fatalf("expected verification reason surfaced, got %q", result.Reason)
	}
	if settler.attempts != 0 {
		t.Fatalf("expected no submission for an invalid payload, got %d attempts", settler.attempts)
	}
}

func TestSettleRetriesTransientFailures(t *testing.T) {
	req := testRequirement()
	transient := NewTransientError(ErrCodeNetwork, "connection reset")
	settler := &mockSettler{
		errs:    []error{transient, transient, nil},
		receipt: LedgerReceipt{Reference: "0xtx", BlockNumber: 7},
	}
	sleeper := &fakeSleeper{}
	coordinator := newTestCoordinator(t, req, settler, sleeper)

	result, err := coordinator.Settle(context.Background(), payloadFor(req), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success after retries, got %+v", result)
	}
	if settler.attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", settler.attempts)
	}
	delays := sleeper.Delays()
	if len(delays) != 2 || delays[0] != 100*time.Millisecond || delays[1] != 200*time.Millisecond {
		t.Fatalf("expected linear backoff 100ms then 200ms, got %v", delays)
	}
}

func TestSettleExhaustsRetryBudget(t *testing.T) {
	req := testRequirement()
	transient := NewTransientError(ErrCodeFacilitator, "upstream 503")
	settler := &mockSettler{errs: []error{transient, transient, transient}}
	sleeper := &fakeSleeper{}
	coordinator := newTestCoordinator(t, req, settler, sleeper)

	result, err := coordinator.Settle(context.Background(), payloadFor(req), req)
	if err == nil {
		t.Fatal("expected last transient error surfaced after exhaustion")
	}
	if result.Success || result.Status != SettleStatusUnavailable {
		t.Fatalf("expected unavailable result, got %+v", result)
	}
	if result.Reason != ErrCodeFacilitator {
		t.Fatalf("expected coarse facilitator reason, got %q", result.Reason)
	}
	if settler.attempts != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", settler.attempts)
	}
	if len(sleeper.Delays()) != 2 {
		t.Fatalf("expected no sleep after the final attempt, got %v", sleeper.Delays())
	}
}

func TestSettleClientClassFailureMakesOneAttempt(t *testing.T) {
	req := testRequirement()
	settler := &mockSettler{errs: []error{NewPaymentError(ErrCodeSettlement, "nonce already used")}}
	sleeper := &fakeSleeper{}
	coordinator := newTestCoordinator(t, req, settler, sleeper)

	result, err := coordinator.Settle(context.Background(), payloadFor(req), req)
	if err != nil {
		t.Fatalf("expected clean protocol failure, got error %v", err)
	}
	if result.Success || result.Status != SettleStatusRejected {
		t.Fatalf("expected rejection, got %+v", result)
	}
	if settler.attempts != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", settler.attempts)
	}
	if len(sleeper.Delays()) != 0 {
		t.Fatalf("expected no backoff for client-class failure, got %v", sleeper.Delays())
	}
}

func TestSettleIsIdempotent(t *testing.T) {
	req := testRequirement()
	settler := &mockSettler{receipt: LedgerReceipt{Reference: "0xtx", BlockNumber: 42}}
	coordinator := newTestCoordinator(t, req, settler, &fakeSleeper{})
	payload := payloadFor(req)

	first, err := coordinator.Settle(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := coordinator.Settle(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatalf("expected the original result on resubmission, got %+v then %+v", first, second)
	}
	if settler.attempts != 1 {
		t.Fatalf("expected no second ledger action, got %d attempts", settler.attempts)
	}
}

func TestSettleFailureIsRetryableByLaterCall(t *testing.T) {
	req := testRequirement()
	transient := NewTransientError(ErrCodeNetwork, "connection reset")
	settler := &mockSettler{
		errs:    []error{transient, transient, transient, nil},
		receipt: LedgerReceipt{Reference: "0xtx"},
	}
	coordinator := newTestCoordinator(t, req, settler, &fakeSleeper{})
	payload := payloadFor(req)

	if result, _ := coordinator.Settle(context.Background(), payload, req); result.Success {
		t.Fatal("expected first settle to exhaust and fail")
	}
	// Failures are not cached; a later call takes a fresh turn.
	result, err := coordinator.Settle(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected fresh settle to succeed, got %+v", result)
	}
}
