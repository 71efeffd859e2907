package pay402

import (
	"context"
	"fmt"
	"math/big"
)

// Verification failure reasons. Field-specific so a client can react.
const (
	ReasonSchemeMismatch     = "scheme_mismatch"
	ReasonUnsupportedScheme  = "unsupported_scheme"
	ReasonNetworkMismatch    = "network_mismatch"
	ReasonAssetMismatch      = "asset_mismatch"
	ReasonAmountMismatch     = "amount_mismatch"
	ReasonPayeeMismatch      = "payee_mismatch"
	ReasonRequirementExpired = "requirement_expired"
	ReasonProofNotFound      = "proof_not_found"
	ReasonProofFailed        = "proof_failed"
	ReasonValueMismatch      = "value_mismatch"
	ReasonRecipientMismatch  = "recipient_mismatch"
)

// ProofStatus is what the ledger client reports about a referenced
// transaction or proof.
type ProofStatus struct {
	Found           bool
	Succeeded       bool
	Value           *big.Int
	Recipient       string
	LedgerReference string
	BlockNumber     uint64
	Confirmations   uint64
}

// ProofChecker is the read-only half of the ledger-client boundary.
type ProofChecker interface {
	CheckProof(ctx context.Context, payload PaymentPayload, req PaymentRequirement) (ProofStatus, error)
}

// VerificationEngine validates a payload against the requirement it answers.
// Verification is read-only and idempotent: calling it twice with no
// external state change yields identical results.
type VerificationEngine struct {
	checker ProofChecker
	clock   Clock
}

// EngineOption configures a VerificationEngine.
type EngineOption func(*VerificationEngine)

// WithEngineClock overrides the engine's clock.
func WithEngineClock(c Clock) EngineOption {
	return func(e *VerificationEngine) { e.clock = c }
}

// NewVerificationEngine creates an engine backed by the given proof checker.
func NewVerificationEngine(checker ProofChecker, opts ...EngineOption) *VerificationEngine {
	e := &VerificationEngine{checker: checker, clock: SystemClock()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func invalid(reason string) VerifyResult {
	return VerifyResult{Valid: false, Reason: reason}
}

// Verify runs the ordered checks, short-circuiting on the first failure:
// structural equality, requirement freshness, then the ledger proof.
// A non-nil error means the ledger client could not be consulted; an
// invalid payload is reported through the result, not the error.
func (e *VerificationEngine) Verify(ctx context.Context, payload PaymentPayload, req PaymentRequirement) (VerifyResult, error) {
	// 1. Structural: payload fields must equal the requirement exactly.
	// Amounts compare bit-for-bit; addresses case-insensitively.
	if !req.Scheme.Supported() {
		return invalid(ReasonUnsupportedScheme), nil
	}
	if payload.Scheme != req.Scheme {
		return invalid(ReasonSchemeMismatch), nil
	}
	if payload.Network != req.Network {
		return invalid(ReasonNetworkMismatch), nil
	}
	if !EqualAddress(payload.Asset, req.Asset) {
		return invalid(ReasonAssetMismatch), nil
	}
	if payload.Amount != req.Amount {
		return invalid(ReasonAmountMismatch), nil
	}
	if !EqualAddress(payload.PayTo, req.PayTo) {
		return invalid(ReasonPayeeMismatch), nil
	}

	// 2. Freshness.
	if req.Expiry > 0 && e.clock.Now().Unix() > req.Expiry {
		return invalid(ReasonRequirementExpired), nil
	}

	// 3. Ledger proof.
	status, err := e.checker.CheckProof(ctx, payload, req)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("proof check failed: %w", err)
	}
	if !status.Found {
		return invalid(ReasonProofNotFound), nil
	}
	if !status.Succeeded {
		return invalid(ReasonProofFailed), nil
	}
	if reason := matchProofValue(req, status); reason != "" {
		return invalid(reason), nil
	}

	return VerifyResult{
		Valid:           true,
		LedgerReference: status.LedgerReference,
		Confirmations:   status.Confirmations,
	}, nil
}

// matchProofValue checks the proof's transferred value and recipient against
// the requirement. Exact schemes demand the stated amount; upto treats it as
// a cap the proof must not exceed.
func matchProofValue(req PaymentRequirement, status ProofStatus) string {
	required, err := ParseAmount(req.Amount)
	if err != nil {
		return ReasonAmountMismatch
	}
	// A successful transaction that moved nothing to the payee is not a
	// payment. A nil value or empty recipient means the ledger client
	// found no matching transfer.
	if status.Value == nil {
		return ReasonValueMismatch
	}
	switch req.Scheme {
	case SchemeExact:
		if status.Value.Cmp(required) != 0 {
			return ReasonValueMismatch
		}
	case SchemeUpto:
		if status.Value.Sign() <= 0 || status.Value.Cmp(required) > 0 {
			return ReasonValueMismatch
		}
	}
	if status.Recipient == "" || !EqualAddress(status.Recipient, req.PayTo) {
		return ReasonRecipientMismatch
	}
	return ""
}
