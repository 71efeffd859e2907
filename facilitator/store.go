package facilitator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	pay402 "github.com/pay402/pay402-go"
)

// ErrNotSettled is returned when no settlement record exists for a payload key.
var ErrNotSettled = errors.New("payload not settled")

// SettlementRecord is the durable trace of one settled payload. The
// payload key makes resubmissions idempotent across facilitator restarts.
type SettlementRecord struct {
	ID              string
	PayloadKey      string
	Network         string
	Asset           string
	Amount          string
	PayTo           string
	Payer           string
	LedgerReference string
	BlockNumber     uint64
	Status          string
	SettledAt       time.Time
}

// SettlementStore persists settlement outcomes keyed by payload.
type SettlementStore interface {
	// Get returns the record for a payload key, or ErrNotSettled.
	Get(ctx context.Context, payloadKey string) (SettlementRecord, error)
	// Put stores a record. Writing the same payload key twice keeps the
	// first record.
	Put(ctx context.Context, record SettlementRecord) error
}

// MemoryStore keeps settlement records in process. Suitable for tests
// and single-instance facilitators.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]SettlementRecord
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]SettlementRecord)}
}

func (s *MemoryStore) Get(ctx context.Context, payloadKey string) (SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[payloadKey]
	if !ok {
		return SettlementRecord{}, ErrNotSettled
	}
	return record, nil
}

func (s *MemoryStore) Put(ctx context.Context, record SettlementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.PayloadKey]; exists {
		return nil
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	s.records[record.PayloadKey] = record
	return nil
}

// SQLStore persists settlement records in a relational database. The
// settlements table must have a unique constraint on payload_key so a
// concurrent duplicate insert loses cleanly.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const selectSettlementQuery = `SELECT id, payload_key, network, asset, amount, pay_to, payer, ledger_reference, block_number, status, settled_at FROM settlements WHERE payload_key = ?`

const insertSettlementQuery = `INSERT INTO settlements (id, payload_key, network, asset, amount, pay_to, payer, ledger_reference, block_number, status, settled_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (s *SQLStore) Get(ctx context.Context, payloadKey string) (SettlementRecord, error) {
	var record SettlementRecord
	err := s.db.QueryRowContext(ctx, selectSettlementQuery, payloadKey).Scan(
		&record.ID,
		&record.PayloadKey,
		&record.Network,
		&record.Asset,
		&record.Amount,
		&record.PayTo,
		&record.Payer,
		&record.LedgerReference,
		&record.BlockNumber,
		&record.Status,
		&record.SettledAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return SettlementRecord{}, ErrNotSettled
	}
	if err != nil {
		return SettlementRecord{}, fmt.Errorf("querying settlement: %w", err)
	}
	return record, nil
}

func (s *SQLStore) Put(ctx context.Context, record SettlementRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, insertSettlementQuery,
		record.ID,
		record.PayloadKey,
		record.Network,
		record.Asset,
		record.Amount,
		record.PayTo,
		record.Payer,
		record.LedgerReference,
		record.BlockNumber,
		record.Status,
		record.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("inserting settlement: %w", err)
	}
	return nil
}

// recordFor builds a settlement record from a successful settle result.
func recordFor(payloadKey string, payload pay402.PaymentPayload, result pay402.SettleResult, settledAt time.Time) SettlementRecord {
	return SettlementRecord{
		ID:              uuid.NewString(),
		PayloadKey:      payloadKey,
		Network:         payload.Network,
		Asset:           payload.Asset,
		Amount:          payload.Amount,
		PayTo:           payload.PayTo,
		Payer:           payload.Payer,
		LedgerReference: result.LedgerReference,
		BlockNumber:     result.BlockNumber,
		Status:          result.Status,
		SettledAt:       settledAt,
	}
}
