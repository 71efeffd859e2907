package facilitator

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var settlementColumns = []string{
	"id", "payload_key", "network", "asset", "amount", "pay_to", "payer",
	"ledger_reference", "block_number", "status", "settled_at",
}

func TestSQLStoreGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	settledAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT (.+) FROM settlements WHERE payload_key = ?").
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows(settlementColumns).AddRow(
			"id-1", "key-1", "eip155:8453", "0xToken", "1000000", "0xPayee", "0xPayer",
			"0xabc", uint64(100), "settled", settledAt,
		))

	store := NewSQLStore(db)
	record, err := store.Get(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", record.LedgerReference)
	assert.Equal(t, uint64(100), record.BlockNumber)
	assert.Equal(t, "settled", record.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreGetMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM settlements WHERE payload_key = ?").
		WithArgs("unknown").
		WillReturnRows(sqlmock.NewRows(settlementColumns))

	store := NewSQLStore(db)
	_, err = store.Get(context.Background(), "unknown")
	assert.True(t, errors.Is(err, ErrNotSettled))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStorePut(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	record := SettlementRecord{
		ID:              "id-1",
		PayloadKey:      "key-1",
		Network:         "eip155:8453",
		Asset:           "0xToken",
		Amount:          "1000000",
		PayTo:           "0xPayee",
		Payer:           "0xPayer",
		LedgerReference: "0xabc",
		BlockNumber:     100,
		Status:          "settled",
		SettledAt:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	mock.ExpectExec("INSERT INTO settlements").
		WithArgs(record.ID, record.PayloadKey, record.Network, record.Asset, record.Amount,
			record.PayTo, record.Payer, record.LedgerReference, record.BlockNumber,
			record.Status, record.SettledAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	store := NewSQLStore(db)
	require.NoError(t, store.Put(context.Background(), record))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStorePutGeneratesID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO settlements").
		WillReturnResult(sqlmock.NewResult(1, 1))

	store := NewSQLStore(db)
	require.NoError(t, store.Put(context.Background(), SettlementRecord{PayloadKey: "key-2"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}
