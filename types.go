package pay402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// Scheme tags the payment semantics of a requirement.
// "exact" demands the stated amount; "upto" caps it.
type Scheme string

const (
	SchemeExact Scheme = "exact"
	SchemeUpto  Scheme = "upto"
)

// Supported reports whether this implementation knows the scheme.
func (s Scheme) Supported() bool {
	return s == SchemeExact || s == SchemeUpto
}

// AssetNative identifies the network's native token instead of a contract address.
const AssetNative = "native"

// Transport header names.
const (
	PaymentHeader = "X-Payment"
	ReceiptHeader = "X-Payment-Receipt"
)

// PaymentRequirement describes what payment is acceptable for a resource.
// A requirement is immutable once issued; servers re-issue rather than mutate.
type PaymentRequirement struct {
	Scheme   Scheme `json:"scheme"`
	Network  string `json:"network"`
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
	PayTo    string `json:"payTo"`
	Resource string `json:"resource"`
	Expiry   int64  `json:"expiry,omitempty"`
	Nonce    string `json:"nonce,omitempty"`
}

// PaymentPayload is a client-constructed proof answering one specific
// requirement. Amount, asset and payee must match the requirement
// bit-for-bit, not just numerically.
type PaymentPayload struct {
	Scheme    Scheme `json:"scheme"`
	Network   string `json:"network"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	PayTo     string `json:"payTo"`
	Payer     string `json:"payer"`
	Nonce     string `json:"nonce"`
	Proof     string `json:"proof"`
	Timestamp int64  `json:"timestamp"`
	TxRef     string `json:"txRef,omitempty"`
}

// PaymentRequired is the body of a 402 challenge.
type PaymentRequired struct {
	Error   string               `json:"error,omitempty"`
	Accepts []PaymentRequirement `json:"accepts"`
}

// VerifyResult is the outcome of checking a payload against a requirement.
// Derived per request, never persisted.
type VerifyResult struct {
	Valid           bool   `json:"valid"`
	Reason          string `json:"reason,omitempty"`
	LedgerReference string `json:"ledgerReference,omitempty"`
	Confirmations   uint64 `json:"confirmations,omitempty"`
}

// Settlement status values.
const (
	SettleStatusSettled     = "settled"
	SettleStatusRejected    = "rejected"
	SettleStatusUnavailable = "unavailable"
)

// SettleResult is the outcome of a settlement attempt. At most one
// settlement takes effect per payload; resubmission returns the original.
type SettleResult struct {
	Success         bool   `json:"success"`
	LedgerReference string `json:"ledgerReference,omitempty"`
	BlockNumber     uint64 `json:"blockNumber,omitempty"`
	Status          string `json:"status"`
	Reason          string `json:"reason,omitempty"`
}

// SettlementReceipt is the response-header form of a successful settlement.
type SettlementReceipt struct {
	LedgerReference string `json:"ledgerReference"`
	BlockNumber     uint64 `json:"blockNumber"`
	Status          string `json:"status"`
}

// Receipt converts a settlement result into its header form.
func (r SettleResult) Receipt() SettlementReceipt {
	return SettlementReceipt{
		LedgerReference: r.LedgerReference,
		BlockNumber:     r.BlockNumber,
		Status:          r.Status,
	}
}

// ============================================================================
// Header encoding (base64 JSON)
// ============================================================================

// EncodePaymentHeader encodes a payload for the X-Payment request header.
func EncodePaymentHeader(p PaymentPayload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePaymentHeader decodes an X-Payment header value.
func DecodePaymentHeader(header string) (PaymentPayload, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return PaymentPayload{}, fmt.Errorf("invalid base64 encoding: %w", err)
	}
	var p PaymentPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return PaymentPayload{}, fmt.Errorf("invalid payment payload JSON: %w", err)
	}
	return p, nil
}

// EncodeReceiptHeader encodes a receipt for the X-Payment-Receipt response header.
func EncodeReceiptHeader(r SettlementReceipt) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settlement receipt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeReceiptHeader decodes an X-Payment-Receipt header value.
func DecodeReceiptHeader(header string) (SettlementReceipt, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return SettlementReceipt{}, fmt.Errorf("invalid base64 encoding: %w", err)
	}
	var r SettlementReceipt
	if err := json.Unmarshal(data, &r); err != nil {
		return SettlementReceipt{}, fmt.Errorf("invalid settlement receipt JSON: %w", err)
	}
	return r, nil
}

// ============================================================================
// Validation helpers
// ============================================================================

// ParseAmount parses a token-base-unit decimal string into a non-negative integer.
func ParseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	return v, nil
}

// EqualAddress compares addresses case-insensitively.
func EqualAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}

// ValidateRequirement performs basic validation on a payment requirement.
func ValidateRequirement(r PaymentRequirement) error {
	if !r.Scheme.Supported() {
		return fmt.Errorf("unsupported payment scheme %q", r.Scheme)
	}
	if r.Network == "" {
		return fmt.Errorf("payment network is required")
	}
	if r.Asset == "" {
		return fmt.Errorf("payment asset is required")
	}
	if _, err := ParseAmount(r.Amount); err != nil {
		return err
	}
	if r.PayTo == "" {
		return fmt.Errorf("payment recipient is required")
	}
	return nil
}

// ValidatePayload performs basic validation on a payment payload.
func ValidatePayload(p PaymentPayload) error {
	if !p.Scheme.Supported() {
		return fmt.Errorf("unsupported payment scheme %q", p.Scheme)
	}
	if p.Network == "" {
		return fmt.Errorf("payment network is required")
	}
	if p.Asset == "" {
		return fmt.Errorf("payment asset is required")
	}
	if _, err := ParseAmount(p.Amount); err != nil {
		return err
	}
	if p.PayTo == "" {
		return fmt.Errorf("payment recipient is required")
	}
	if p.Payer == "" {
		return fmt.Errorf("payer address is required")
	}
	if p.Proof == "" {
		return fmt.Errorf("payment proof is required")
	}
	return nil
}
