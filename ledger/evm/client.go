// Package evm checks and settles payments on EVM ledgers through a
// JSON-RPC endpoint.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	pay402 "github.com/pay402/pay402-go"
)

// transferTopic is keccak256("Transfer(address,address,uint256)"), the
// first topic of an ERC-20 Transfer event.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// balanceOfSelector is the first four bytes of keccak256("balanceOf(address)").
var balanceOfSelector = crypto.Keccak256([]byte("balanceOf(address)"))[:4]

// Backend is the subset of the Ethereum RPC surface the client needs.
// *ethclient.Client satisfies it.
type Backend interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Client reads payment proofs from an EVM chain and confirms settlement
// of referenced transactions. It implements both halves of the ledger
// boundary.
type Client struct {
	backend          Backend
	minConfirmations uint64
}

// Option configures a Client.
type Option func(*Client)

// WithMinConfirmations sets how many confirmations a transaction needs
// before Submit reports it settled. Default 1.
func WithMinConfirmations(n uint64) Option {
	return func(c *Client) { c.minConfirmations = n }
}

// NewClient wraps an existing backend.
func NewClient(backend Backend, opts ...Option) *Client {
	c := &Client{backend: backend, minConfirmations: 1}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string, opts ...Option) (*Client, error) {
	backend, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", rpcURL, err)
	}
	return NewClient(backend, opts...), nil
}

// CheckProof looks up the payload's referenced transaction and reports
// whether it exists, succeeded, and what it transferred to whom.
func (c *Client) CheckProof(ctx context.Context, payload pay402.PaymentPayload, req pay402.PaymentRequirement) (pay402.ProofStatus, error) {
	txHash, ok := parseTxRef(payload.TxRef)
	if !ok {
		return pay402.ProofStatus{Found: false}, nil
	}

	receipt, err := c.backend.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return pay402.ProofStatus{Found: false}, nil
	}
	if err != nil {
		return pay402.ProofStatus{}, pay402.NewTransientError(pay402.ErrCodeNetwork,
			fmt.Sprintf("fetching receipt for %s: %v", txHash.Hex(), err))
	}

	status := pay402.ProofStatus{
		Found:           true,
		Succeeded:       receipt.Status == types.ReceiptStatusSuccessful,
		LedgerReference: txHash.Hex(),
		BlockNumber:     receipt.BlockNumber.Uint64(),
	}
	if !status.Succeeded {
		return status, nil
	}

	if req.Asset == pay402.AssetNative {
		value, recipient, err := c.nativeTransfer(ctx, txHash)
		if err != nil {
			return pay402.ProofStatus{}, err
		}
		status.Value = value
		status.Recipient = recipient
	} else {
		value, recipient := tokenTransfer(receipt, common.HexToAddress(req.Asset))
		status.Value = value
		status.Recipient = recipient
	}

	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return pay402.ProofStatus{}, pay402.NewTransientError(pay402.ErrCodeNetwork,
			fmt.Sprintf("fetching head block: %v", err))
	}
	if head >= status.BlockNumber {
		status.Confirmations = head - status.BlockNumber + 1
	}
	return status, nil
}

// Submit confirms that the payload's referenced transaction executed on
// chain with enough confirmations. EVM settlement is confirmation of an
// already broadcast transfer, so resubmitting a settled payload returns
// the same receipt without any new ledger action.
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
			"referenced transaction reverted")
	}
	if status.Confirmations < c.minConfirmations {
		return pay402.LedgerReceipt{}, pay402.NewTransientError(pay402.ErrCodeSettlement,
			fmt.Sprintf("transaction has %d of %d required confirmations", status.Confirmations, c.minConfirmations))
	}
	return pay402.LedgerReceipt{
		Reference:   status.LedgerReference,
		BlockNumber: status.BlockNumber,
	}, nil
}

// HasSufficientBalance reports whether holder can cover amount in the
// given asset. Used by clients as a pre-flight check before building a
// payload that would bounce on chain.
func (c *Client) HasSufficientBalance(ctx context.Context, holder string, asset string, amount *big.Int) (bool, error) {
	account := common.HexToAddress(holder)

	if asset == pay402.AssetNative {
		balance, err := c.backend.BalanceAt(ctx, account, nil)
		if err != nil {
			return false, pay402.NewTransientError(pay402.ErrCodeNetwork,
				fmt.Sprintf("fetching balance: %v", err))
		}
		return balance.Cmp(amount) >= 0, nil
	}

	contract := common.HexToAddress(asset)
	data := make([]byte, 0, 36)
	data = append(data, balanceOfSelector...)
	data = append(data, common.LeftPadBytes(account.Bytes(), 32)...)

	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return false, pay402.NewTransientError(pay402.ErrCodeNetwork,
			fmt.Sprintf("calling balanceOf: %v", err))
	}
	if len(out) < 32 {
		return false, fmt.Errorf("malformed balanceOf response from %s", asset)
	}
	return new(big.Int).SetBytes(out[:32]).Cmp(amount) >= 0, nil
}

// nativeTransfer reads the value and recipient of a plain ETH transfer.
func (c *Client) nativeTransfer(ctx context.Context, txHash common.Hash) (*big.Int, string, error) {
	tx, pending, err := c.backend.TransactionByHash(ctx, txHash)
	if err != nil {
		return nil, "", pay402.NewTransientError(pay402.ErrCodeNetwork,
			fmt.Sprintf("fetching transaction %s: %v", txHash.Hex(), err))
	}
	if pending || tx.To() == nil {
		return nil, "", nil
	}
	return tx.Value(), tx.To().Hex(), nil
}

// tokenTransfer scans a receipt for the first ERC-20 Transfer emitted by
// the expected token contract and returns its value and recipient.
func tokenTransfer(receipt *types.Receipt, token common.Address) (*big.Int, string) {
	for _, log := range receipt.Logs {
		if log.Address != token {
			continue
		}
		if len(log.Topics) != 3 || log.Topics[0] != transferTopic {
			continue
		}
		recipient := common.BytesToAddress(log.Topics[2].Bytes())
		return new(big.Int).SetBytes(log.Data), recipient.Hex()
	}
	return nil, ""
}

func parseTxRef(ref string) (common.Hash, bool) {
	ref = strings.TrimSpace(ref)
	if !strings.HasPrefix(ref, "0x") || len(ref) != 66 {
		return common.Hash{}, false
	}
	return common.HexToHash(ref), true
}
