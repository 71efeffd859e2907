// Package svm checks and settles payments on Solana ledgers through a
// JSON-RPC endpoint.
package svm

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	pay402 "github.com/pay402/pay402-go"
)

// maxTxVersion lets lookups resolve versioned transactions as well as
// legacy ones.
var maxTxVersion = uint64(0)

// Backend is the subset of the Solana RPC surface the client needs.
// *rpc.Client satisfies it.
type Backend interface {
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
}

var _ Backend = (*rpc.Client)(nil)

// Client reads payment proofs from a Solana chain and confirms
// settlement of referenced transactions.
type Client struct {
	backend    Backend
	commitment rpc.CommitmentType
}

// Option configures a Client.
type Option func(*Client)

// WithCommitment sets the commitment level for lookups. Default finalized.
func WithCommitment(c rpc.CommitmentType) Option {
	return func(client *Client) { client.commitment = c }
}

// NewClient wraps an existing backend.
func NewClient(backend Backend, opts ...Option) *Client {
	c := &Client{backend: backend, commitment: rpc.CommitmentFinalized}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to a Solana JSON-RPC endpoint.
func Dial(rpcURL string, opts ...Option) *Client {
	return NewClient(rpc.New(rpcURL), opts...)
}

// CheckProof looks up the payload's referenced transaction signature and
// reports whether it landed, succeeded, and how much reached the payee.
func (c *Client) CheckProof(ctx context.Context, payload pay402.PaymentPayload, req pay402.PaymentRequirement) (pay402.ProofStatus, error) {
	sig, err := solana.SignatureFromBase58(payload.TxRef)
	if err != nil {
		return pay402.ProofStatus{Found: false}, nil
	}

	out, err := c.backend.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Commitment:                     c.commitment,
		MaxSupportedTransactionVersion: &maxTxVersion,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return pay402.ProofStatus{Found: false}, nil
	}
	if err != nil {
		return pay402.ProofStatus{}, pay402.NewTransientError(pay402.ErrCodeNetwork,
			fmt.Sprintf("fetching transaction %s: %v", sig, err))
	}
	if out == nil || out.Meta == nil {
		return pay402.ProofStatus{Found: false}, nil
	}

	status := pay402.ProofStatus{
		Found:           true,
		Succeeded:       out.Meta.Err == nil,
		LedgerReference: sig.String(),
		BlockNumber:     out.Slot,
	}
	if !status.Succeeded {
		return status, nil
	}

	if req.Asset == pay402.AssetNative {
		status.Value, status.Recipient = lamportDelta(out, req.PayTo)
	} else {
		status.Value, status.Recipient = tokenDelta(out.Meta, req.Asset, req.PayTo)
	}

	head, err := c.backend.GetSlot(ctx, c.commitment)
	if err != nil {
		return pay402.ProofStatus{}, pay402.NewTransientError(pay402.ErrCodeNetwork,
			fmt.Sprintf("fetching head slot: %v", err))
	}
	if head >= out.Slot {
		status.Confirmations = head - out.Slot + 1
	}
	return status, nil
}

// Submit confirms that the payload's referenced transaction finalized.
// As on EVM, settlement is confirmation of an already broadcast transfer,
// so resubmission returns the same receipt with no new ledger action.
func (c *Client) Submit(ctx context.Context, payload pay402.PaymentPayload, req pay402.PaymentRequirement) (pay402.LedgerReceipt, error) {
	status, err := c.CheckProof(ctx, payload, req)
	if err != nil {
		return pay402.LedgerReceipt{}, err
	}
	if !status.Found {
		return pay402.LedgerReceipt{}, pay402.NewPaymentError(pay402.ErrCodeSettlement,
			"referenced transaction not found on ledger")
	}
	if !status.Succeeded {
		return pay402.LedgerReceipt{}, pay402.NewPaymentError(pay402.ErrCodeSettlement,
			"referenced transaction failed")
	}
	return pay402.LedgerReceipt{
		Reference:   status.LedgerReference,
		BlockNumber: status.BlockNumber,
	}, nil
}

// lamportDelta returns how many lamports the payee account gained in the
// transaction, using the balance snapshots in the transaction meta.
func lamportDelta(out *rpc.GetTransactionResult, payee string) (*big.Int, string) {
	payeeKey, err := solana.PublicKeyFromBase58(payee)
	if err != nil {
		return nil, ""
	}
	tx, err := out.Transaction.GetTransaction()
	if err != nil || tx == nil {
		return nil, ""
	}
	for i, key := range tx.Message.AccountKeys {
		if !key.Equals(payeeKey) {
			continue
		}
		if i >= len(out.Meta.PreBalances) || i >= len(out.Meta.PostBalances) {
			return nil, ""
		}
		pre := new(big.Int).SetUint64(out.Meta.PreBalances[i])
		post := new(big.Int).SetUint64(out.Meta.PostBalances[i])
		delta := new(big.Int).Sub(post, pre)
		if delta.Sign() <= 0 {
			return nil, ""
		}
		return delta, payee
	}
	return nil, ""
}

// tokenDelta returns how much of the given mint the payee's token account
// gained, from the pre and post token balance snapshots.
func tokenDelta(meta *rpc.TransactionMeta, mint string, payee string) (*big.Int, string) {
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return nil, ""
	}
	payeeKey, err := solana.PublicKeyFromBase58(payee)
	if err != nil {
		return nil, ""
	}

	pre := make(map[uint16]*big.Int)
	for _, balance := range meta.PreTokenBalances {
		if balance.Mint.Equals(mintKey) {
			pre[balance.AccountIndex] = parseTokenAmount(balance.UiTokenAmount)
		}
	}
	for _, balance := range meta.PostTokenBalances {
		if !balance.Mint.Equals(mintKey) {
			continue
		}
		if balance.Owner == nil || !balance.Owner.Equals(payeeKey) {
			continue
		}
		post := parseTokenAmount(balance.UiTokenAmount)
		if post == nil {
			continue
		}
		before, ok := pre[balance.AccountIndex]
		if !ok {
			before = big.NewInt(0)
		}
		delta := new(big.Int).Sub(post, before)
		if delta.Sign() > 0 {
			return delta, payee
		}
	}
	return nil, ""
}

func parseTokenAmount(amount *rpc.UiTokenAmount) *big.Int {
	if amount == nil {
		return nil
	}
	value, ok := new(big.Int).SetString(amount.Amount, 10)
	if !ok {
		return nil
	}
	return value
}
