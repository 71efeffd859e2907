package evm

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	pay402 "github.com/pay402/pay402-go"
)

// KeySigner signs payment payloads with an ECDSA private key. The proof
// is a standard Ethereum personal-message signature over the canonical
// JSON of the payload's payment fields.
type KeySigner struct {
	privateKey *ecdsa.PrivateKey
	address    string
}

// NewKeySigner creates a signer from a hex-encoded private key, with or
// without the 0x prefix.
func NewKeySigner(privateKeyHex string) (*KeySigner, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &KeySigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey).Hex(),
	}, nil
}

// Address returns the signer's Ethereum address.
func (s *KeySigner) Address() string {
	return s.address
}

// SignPayment signs the payload's payment fields and returns the proof
// as a hex string.
func (s *KeySigner) SignPayment(ctx context.Context, payload pay402.PaymentPayload) (string, error) {
	digest, err := paymentDigest(payload)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("signing payment: %w", err)
	}
	return hexutil.Encode(sig), nil
}

// RecoverPayer recovers the signing address from a payload's proof.
// Verification uses it to confirm the proof was made by the stated payer.
func RecoverPayer(payload pay402.PaymentPayload) (string, error) {
	sig, err := hexutil.Decode(payload.Proof)
	if err != nil {
		return "", fmt.Errorf("decoding proof: %w", err)
	}
	digest, err := paymentDigest(payload)
	if err != nil {
		return "", err
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "", fmt.Errorf("recovering signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// paymentDigest hashes the payment fields the way personal_sign does, so
// the proof is recoverable with standard tooling.
func paymentDigest(payload pay402.PaymentPayload) ([]byte, error) {
	message, err := json.Marshal(struct {
		Scheme  pay402.Scheme `json:"scheme"`
		Network string        `json:"network"`
		Asset   string        `json:"asset"`
		Amount  string        `json:"amount"`
		PayTo   string        `json:"payTo"`
		Payer   string        `json:"payer"`
		Nonce   string        `json:"nonce"`
	}{
		Scheme:  payload.Scheme,
		Network: payload.Network,
		Asset:   payload.Asset,
		Amount:  payload.Amount,
		PayTo:   payload.PayTo,
		Payer:   payload.Payer,
		Nonce:   payload.Nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding payment fields: %w", err)
	}
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	return crypto.Keccak256([]byte(prefixed)), nil
}
