package pay402

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Signer produces the proof material for a payment payload.
// Implementations wrap a wallet, a key, or a remote signing service.
type Signer interface {
	// Address returns the payer address this signer controls.
	Address() string

	// SignPayment signs the payload (proof field unset) and returns the proof.
	SignPayment(ctx context.Context, payload PaymentPayload) (string, error)
}

// PayloadBuilder turns a requirement plus a signing capability into a
// payment payload, consulting the spending guard before committing.
type PayloadBuilder struct {
	guard *SpendingGuard
	clock Clock
}

// BuilderOption configures a PayloadBuilder.
type BuilderOption func(*PayloadBuilder)

// WithBuilderClock overrides the builder's clock.
func WithBuilderClock(c Clock) BuilderOption {
	return func(b *PayloadBuilder) { b.clock = c }
}

// NewPayloadBuilder creates a builder. A nil guard disables spend tracking.
func NewPayloadBuilder(guard *SpendingGuard, opts ...BuilderOption) *PayloadBuilder {
	b := &PayloadBuilder{guard: guard, clock: SystemClock()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build constructs a payload answering req. Spend is recorded at build time,
// not at confirmed settlement: a failed downstream settlement does not
// refund the window (accepted over-counting policy).
func (b *PayloadBuilder) Build(ctx context.Context, req PaymentRequirement, signer Signer) (PaymentPayload, error) {
	if !req.Scheme.Supported() {
		return PaymentPayload{}, fmt.Errorf("scheme %q: %w", req.Scheme, ErrUnsupportedScheme)
	}

	now := b.clock.Now()
	if req.Expiry > 0 && now.Unix() > req.Expiry {
		return PaymentPayload{}, fmt.Errorf("requirement for %s: %w", req.Resource, ErrExpiredRequirement)
	}

	// For upto the built amount equals the stated amount; no bidding.
	amount, err := ParseAmount(req.Amount)
	if err != nil {
		return PaymentPayload{}, &PaymentError{Code: ErrCodeValidation, Message: err.Error()}
	}

	// Fail fast before signing; the spend itself is reserved only once
	// the payload is fully built, so a signing failure leaves the
	// window untouched.
	holder := signer.Address()
	if b.guard != nil && !b.guard.Check(holder, req.Asset, amount) {
		return PaymentPayload{}, fmt.Errorf("%s on %s: %w", holder, req.Asset, ErrSpendingLimitExceeded)
	}

	nonce := req.Nonce
	if nonce == "" {
		nonce = uuid.NewString()
	}

	payload := PaymentPayload{
		Scheme:    req.Scheme,
		Network:   req.Network,
		Asset:     req.Asset,
		Amount:    req.Amount,
		PayTo:     req.PayTo,
		Payer:     holder,
		Nonce:     nonce,
		Timestamp: now.Unix(),
	}

	proof, err := signer.SignPayment(ctx, payload)
	if err != nil {
		return PaymentPayload{}, fmt.Errorf("failed to sign payment: %w", err)
	}
	payload.Proof = proof

	if err := ValidatePayload(payload); err != nil {
		return PaymentPayload{}, fmt.Errorf("invalid payment payload created: %w", err)
	}

	// Atomic check+record: two concurrent builds cannot both pass a
	// ceiling their combined total would exceed.
	if b.guard != nil && !b.guard.Reserve(holder, req.Asset, amount) {
		return PaymentPayload{}, fmt.Errorf("%s on %s: %w", holder, req.Asset, ErrSpendingLimitExceeded)
	}
	return payload, nil
}
