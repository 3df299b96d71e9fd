package orders

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/oms/internal/database"
	"github.com/tradeforge/oms/internal/domain"
)

func newTestLedger(t *testing.T) *LedgerRepository {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    "file::memory:",
		Profile: database.ProfileLedger,
		Name:    "orders",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	db.Conn().SetMaxOpenConns(1)
	require.NoError(t, db.Migrate())
	return NewLedgerRepository(db.Conn())
}

func TestLedgerTransitionTable(t *testing.T) {
	legal := [][2]string{
		{LedgerPending, LedgerCommitted},
		{LedgerPending, LedgerFailed},
		{LedgerPending, LedgerReconciling},
		{LedgerReconciling, LedgerCommitted},
	}
	for _, tc := range legal {
		assert.True(t, CanTransitionLedger(tc[0], tc[1]), "%s -> %s must be legal", tc[0], tc[1])
	}

	illegal := [][2]string{
		{LedgerCommitted, LedgerPending},
		{LedgerCommitted, LedgerFailed},
		{LedgerFailed, LedgerCommitted},
		{LedgerFailed, LedgerPending},
		{LedgerReconciling, LedgerFailed},
		{LedgerReconciling, LedgerPending},
	}
	for _, tc := range illegal {
		assert.False(t, CanTransitionLedger(tc[0], tc[1]), "%s -> %s must be refused", tc[0], tc[1])
	}
}

func TestLedgerRefusesNegativeAmounts(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Append(ctx, ledger.db, LedgerEntry{
		TradingAccountID: 42,
		EntryType:        EntryReserve,
		Amount:           decimal.NewFromInt(-100),
	})
	require.Error(t, err)
	assert.Equal(t, domain.CodeValidation, domain.AsError(err).Code)
}

func TestLedgerEntryLifecycle(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	// An entry without an explicit status starts PENDING.
	id, err := ledger.Append(ctx, ledger.db, LedgerEntry{
		TradingAccountID: 42,
		EntryType:        EntryReserve,
		Amount:           decimal.NewFromInt(1000),
	})
	require.NoError(t, err)

	entries, err := ledger.ListForAccount(ctx, 42, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, LedgerPending, entries[0].Status)

	// A pending hold does not count toward available funds.
	net, err := ledger.CommittedNet(ctx, 42)
	require.NoError(t, err)
	assert.True(t, net.IsZero())

	require.NoError(t, ledger.SetStatus(ctx, ledger.db, id, LedgerPending, LedgerCommitted))
	net, err = ledger.CommittedNet(ctx, 42)
	require.NoError(t, err)
	assert.True(t, net.Equal(decimal.NewFromInt(-1000)), "got %s", net)

	// Committed is terminal: the guarded update refuses to move it again.
	err = ledger.SetStatus(ctx, ledger.db, id, LedgerCommitted, LedgerFailed)
	require.Error(t, err)
	assert.Equal(t, domain.CodeConflict, domain.AsError(err).Code)

	// Moving an entry that is no longer in the expected state conflicts.
	err = ledger.SetStatus(ctx, ledger.db, id, LedgerPending, LedgerFailed)
	require.Error(t, err)
	assert.Equal(t, domain.CodeConflict, domain.AsError(err).Code)
}

func TestLedgerCommittedNet(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	add := func(entryType, status string, amount int64) {
		t.Helper()
		_, err := ledger.Append(ctx, ledger.db, LedgerEntry{
			TradingAccountID: 42,
			EntryType:        entryType,
			Status:           status,
			Amount:           decimal.NewFromInt(amount),
		})
		require.NoError(t, err)
	}

	add(EntryReserve, LedgerCommitted, 1000)
	add(EntryAllocate, LedgerCommitted, 700)
	add(EntryRelease, LedgerCommitted, 300)
	// None of these may move the committed net.
	add(EntryReserve, LedgerPending, 9999)
	add(EntryReserve, LedgerReconciling, 5000)
	add(EntryFail, LedgerCommitted, 1234)

	net, err := ledger.CommittedNet(ctx, 42)
	require.NoError(t, err)
	// 300 - (1000 + 700) = -1400; FAIL entries are audit-only.
	assert.True(t, net.Equal(decimal.NewFromInt(-1400)), "got %s", net)
}
