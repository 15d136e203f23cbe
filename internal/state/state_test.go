package state

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/rwavault/internal/events"
	"github.com/elys-network/rwavault/internal/types"
)

func withMockDB(t *testing.T) sqlmock.Sqlmock {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	prev := DB
	DB = db
	t.Cleanup(func() {
		DB = prev
		db.Close()
	})
	return mock
}

func TestNotInitialized(t *testing.T) {
	prev := DB
	DB = nil
	defer func() { DB = prev }()

	ctx := context.Background()
	_, err := IncrementCycleNumber(ctx)
	assert.ErrorIs(t, err, ErrDBNotInitialized)
	_, err = SaveCycleSnapshot(ctx, types.CycleSnapshot{})
	assert.ErrorIs(t, err, ErrDBNotInitialized)
	assert.ErrorIs(t, EventStore{}.Publish(ctx, events.Event{}), ErrDBNotInitialized)
	assert.ErrorIs(t, EnsureSchema(), ErrDBNotInitialized)
}

func TestEnsureSchema(t *testing.T) {
	mock := withMockDB(t)
	mock.ExpectExec(`(?s)CREATE TABLE IF NOT EXISTS vault_parameters.*CREATE TABLE IF NOT EXISTS keeper_cycles`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, EnsureSchema())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKeeperCycles(t *testing.T) {
	ctx := context.Background()

	t.Run("first increment creates the row", func(t *testing.T) {
		mock := withMockDB(t)
		mock.ExpectQuery(`(?s)INSERT INTO keeper_cycles .* ON CONFLICT \(singleton\) DO UPDATE`).
			WillReturnRows(sqlmock.NewRows([]string{"last_cycle"}).AddRow(1))
		mock.ExpectQuery(`INSERT INTO keeper_cycles`).
			WillReturnRows(sqlmock.NewRows([]string{"last_cycle"}).AddRow(2))

		n, err := IncrementCycleNumber(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = IncrementCycleNumber(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("increment failure is wrapped", func(t *testing.T) {
		mock := withMockDB(t)
		mock.ExpectQuery(`INSERT INTO keeper_cycles`).WillReturnError(sql.ErrConnDone)

		_, err := IncrementCycleNumber(ctx)
		assert.ErrorIs(t, err, sql.ErrConnDone)
	})

	t.Run("fresh database reads as zero", func(t *testing.T) {
		mock := withMockDB(t)
		mock.ExpectQuery(`SELECT last_cycle FROM keeper_cycles`).
			WillReturnRows(sqlmock.NewRows([]string{"last_cycle"}))

		n, err := GetCurrentCycleNumber(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("reset upserts the value", func(t *testing.T) {
		mock := withMockDB(t)
		mock.ExpectExec(`(?s)INSERT INTO keeper_cycles .* EXCLUDED.last_cycle`).WithArgs(3).
			WillReturnResult(sqlmock.NewResult(0, 1))
		require.NoError(t, ResetCycleNumber(ctx, 3))

		assert.Error(t, ResetCycleNumber(ctx, -1))
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSaveCycleSnapshot(t *testing.T) {
	mock := withMockDB(t)
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	cycleID := uuid.NewString()
	snap := types.CycleSnapshot{
		CycleID:            cycleID,
		CycleNumber:        4,
		Timestamp:          ts,
		InitialTotalAssets: sdkmath.NewInt(2_000_000_000),
		InitialSharePrice:  sdkmath.NewInt(1_000_000_000_000_000_000),
		InitialAllocations: map[string]int64{"0xb1": 5000},
		TargetAllocations:  map[string]int64{"0xb1": 5750},
		MaxDeviationBps:    750,
		Trades: []types.TradeInstruction{
			{Token: common.HexToAddress("0xb2"), Side: types.TradeSideSell, ValueUSD: sdkmath.NewInt(150_000_000)},
		},
		Executed:         true,
		FinalTotalAssets: sdkmath.NewInt(1_999_000_000),
		FinalSharePrice:  sdkmath.NewInt(999_500_000_000_000_000),
	}

	mock.ExpectQuery("INSERT INTO cycle_snapshots").
		WithArgs(
			cycleID, 4, ts,
			"2000000000", "1000000000000000000", sqlmock.AnyArg(),
			sqlmock.AnyArg(), int64(750), sqlmock.AnyArg(), sqlmock.AnyArg(),
			true, "",
			"1999000000", "999500000000000000", false, 0.0,
		).
		WillReturnRows(sqlmock.NewRows([]string{"snapshot_id"}).AddRow(int64(17)))

	id, err := SaveCycleSnapshot(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, int64(17), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func snapshotRow() []string {
	return []string{
		"snapshot_id", "cycle_id", "cycle_number", "snapshot_timestamp",
		"initial_total_assets", "initial_share_price", "initial_allocations",
		"target_allocations", "max_deviation_bps", "trades", "traded_tokens",
		"executed", "failure_reason",
		"final_total_assets", "final_share_price", "circuit_breaker_active", "share_price_volatility",
	}
}

func TestGetRecentCycles(t *testing.T) {
	mock := withMockDB(t)
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	trades := `[{"token":"0x00000000000000000000000000000000000000b2","side":"SELL","value_usd":"150000000"}]`
	rows := sqlmock.NewRows(snapshotRow()).
		AddRow(int64(17), "c1", 4, ts,
			"2000000000", "1000000000000000000", []byte(`{"0xb1":5000}`),
			[]byte(`{"0xb1":5750}`), int64(750), []byte(trades), []byte(`{0x00000000000000000000000000000000000000b2}`),
			true, nil,
			"1999000000", "999500000000000000", false, 0.12)
	mock.ExpectQuery("FROM cycle_snapshots").WithArgs(10).WillReturnRows(rows)

	cycles, err := GetRecentCycles(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	c := cycles[0]
	assert.Equal(t, "c1", c.CycleID)
	assert.Equal(t, "2000000000", c.InitialTotalAssets.String())
	assert.Equal(t, "-1000000", c.NetChange().String())
	assert.Equal(t, int64(5750), c.TargetAllocations["0xb1"])
	require.Len(t, c.Trades, 1)
	assert.Equal(t, types.TradeSideSell, c.Trades[0].Side)
	assert.Equal(t, "150000000", c.Trades[0].ValueUSD.String())
	assert.Empty(t, c.FailureReason)
	assert.InDelta(t, 0.12, c.SharePriceVolatility, 1e-12)
}

func TestGetCycleByIDNotFound(t *testing.T) {
	mock := withMockDB(t)
	mock.ExpectQuery("WHERE snapshot_id").WithArgs(int64(99)).WillReturnRows(sqlmock.NewRows(snapshotRow()))

	_, err := GetCycleByID(context.Background(), 99)
	assert.ErrorIs(t, err, ErrCycleNotFound)
}

func TestGetRecentSharePricesOldestFirst(t *testing.T) {
	mock := withMockDB(t)
	t1 := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
	t0 := t1.Add(-time.Hour)
	mock.ExpectQuery("SELECT snapshot_timestamp, final_share_price").WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{"snapshot_timestamp", "final_share_price"}).
			AddRow(t1, "1050000000000000000").
			AddRow(t0, "1000000000000000000"))

	prices, err := GetRecentSharePrices(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, prices, 2)
	assert.Equal(t, t0, prices[0].Timestamp)
	assert.InDelta(t, 1.0, prices[0].Price, 1e-12)
	assert.InDelta(t, 1.05, prices[1].Price, 1e-12)
}

func TestSaveVaultParameters(t *testing.T) {
	ctx := context.Background()
	vp := types.VaultParameters{
		AssetDecimals:          6,
		MinDeposit:             sdkmath.NewInt(1_000_000),
		InstantWithdrawalLimit: sdkmath.NewInt(10_000_000_000),
		MaxWithdrawal:          sdkmath.NewInt(1_000_000_000_000),
		CircuitBreakerLimit:    sdkmath.NewInt(1_000_000_000),
		WithdrawalDelay:        24 * time.Hour,
		MaxSlippageBps:         50,
		CircuitBreakerBps:      1000,
		CacheDuration:          5 * time.Minute,
	}
	ap := types.AllocationParameters{
		Sensitivity:           50,
		RebalanceThresholdBps: 500,
		DefaultMinBps:         100,
		DefaultMaxBps:         5000,
		MinTradeSize:          sdkmath.NewInt(100_000_000),
	}

	t.Run("activates new version", func(t *testing.T) {
		mock := withMockDB(t)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE vault_parameters SET is_active = FALSE").WithArgs("default").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO vault_parameters").
			WithArgs(2, "default", true, sqlmock.AnyArg(),
				6, "1000000", "10000000000", "1000000000000", "1000000000",
				int64(86400), int64(50), int64(1000), int64(300),
				int64(50), int64(500), int64(100), int64(5000), "100000000").
			WillReturnRows(sqlmock.NewRows([]string{"params_id"}).AddRow(int64(3)))
		mock.ExpectCommit()

		id, err := SaveVaultParameters(ctx, vp, ap, "default", 2, true)
		require.NoError(t, err)
		assert.Equal(t, int64(3), id)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on insert failure", func(t *testing.T) {
		mock := withMockDB(t)
		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO vault_parameters").WillReturnError(errors.New("unique violation"))
		mock.ExpectRollback()

		_, err := SaveVaultParameters(ctx, vp, ap, "default", 2, false)
		require.Error(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLoadActiveVaultParameters(t *testing.T) {
	mock := withMockDB(t)
	activated := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	cols := []string{
		"params_id", "config_name", "version", "is_active", "activated_at",
		"asset_decimals", "min_deposit", "instant_withdrawal_limit", "max_withdrawal", "circuit_breaker_limit",
		"withdrawal_delay_seconds", "max_slippage_bps", "circuit_breaker_bps", "cache_duration_seconds",
		"sensitivity", "rebalance_threshold_bps", "default_min_bps", "default_max_bps", "min_trade_size",
	}
	mock.ExpectQuery("FROM vault_parameters").WithArgs("default").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			int64(3), "default", 2, true, activated,
			6, "1000000", "10000000000", "1000000000000", "1000000000",
			int64(86400), int64(50), int64(1000), int64(300),
			int64(50), int64(500), int64(100), int64(5000), "100000000",
		))

	p, err := LoadActiveVaultParameters(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Version)
	require.NotNil(t, p.ActivatedAt)
	assert.Equal(t, uint8(6), p.Vault.AssetDecimals)
	assert.Equal(t, 24*time.Hour, p.Vault.WithdrawalDelay)
	assert.Equal(t, "10000000000", p.Vault.InstantWithdrawalLimit.String())
	assert.Equal(t, "100000000", p.Allocation.MinTradeSize.String())
	assert.Equal(t, int64(5000), p.Allocation.DefaultMaxBps)

	mock.ExpectQuery("FROM vault_parameters").WithArgs("other").WillReturnRows(sqlmock.NewRows(cols))
	_, err = LoadActiveVaultParameters(context.Background(), "other")
	assert.ErrorIs(t, err, ErrNoParameters)
}

func TestEventStoreJournalsAndReads(t *testing.T) {
	mock := withMockDB(t)
	ctx := context.Background()
	e := events.Event{
		ID:        uuid.MustParse("6f1c1b1e-8f5a-4a4e-9d55-2b1f7a9e0c11"),
		Sequence:  3,
		Type:      events.TypeWithdrawRequested,
		Vault:     common.HexToAddress("0xf0"),
		Timestamp: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		Caller:    common.HexToAddress("0xd1"),
		Owner:     common.HexToAddress("0xd1"),
		Receiver:  common.HexToAddress("0xd2"),
		Shares:    sdkmath.NewInt(500),
		RequestID: 1,
	}

	mock.ExpectExec("INSERT INTO vault_events").
		WithArgs(e.ID.String(), int64(3), "WITHDRAW_REQUESTED", e.Vault.Hex(), e.Timestamp,
			e.Caller.Hex(), e.Owner.Hex(), e.Receiver.Hex(), nil, "500", int64(1),
			nil, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, EventStore{}.Publish(ctx, e))

	cols := []string{
		"event_id", "sequence", "event_type", "vault", "event_timestamp",
		"caller", "owner", "receiver", "assets", "shares", "request_id",
		"total_assets", "share_price", "attributes",
	}
	mock.ExpectQuery("FROM vault_events").WithArgs("WITHDRAW_REQUESTED", 50).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			e.ID.String(), int64(3), "WITHDRAW_REQUESTED", e.Vault.Hex(), e.Timestamp,
			e.Caller.Hex(), e.Owner.Hex(), e.Receiver.Hex(), nil, "500", int64(1),
			nil, nil, []byte(`{"claimable_at":"2025-03-02T00:00:00Z"}`),
		))

	got, err := GetRecentEvents(ctx, events.TypeWithdrawRequested, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, e.ID, got[0].ID)
	assert.Equal(t, e.Receiver, got[0].Receiver)
	assert.True(t, got[0].Assets.IsNil())
	assert.Equal(t, "500", got[0].Shares.String())
	assert.Equal(t, uint64(1), got[0].RequestID)
	assert.Equal(t, "2025-03-02T00:00:00Z", got[0].Attributes["claimable_at"])
	require.NoError(t, mock.ExpectationsWereMet())
}
