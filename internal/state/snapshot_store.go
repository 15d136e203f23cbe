// ./internal/state/snapshot_store.go
package state

import (
	"context"
	"encoding/json"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/lib/pq" // PostgreSQL driver for array support
	"github.com/rs/zerolog/log"

	"github.com/elys-network/rwavault/internal/types"
)

// SaveCycleSnapshot saves a complete keeper cycle snapshot to the database.
func SaveCycleSnapshot(ctx context.Context, snapshot types.CycleSnapshot) (int64, error) {
	if DB == nil {
		return 0, ErrDBNotInitialized
	}

	// Marshal all JSONB fields
	initialAllocationsJSON, err := json.Marshal(nonNilAllocations(snapshot.InitialAllocations))
	if err != nil {
		return 0, fmt.Errorf("failed to marshal initial_allocations: %w", err)
	}

	targetAllocationsJSON, err := json.Marshal(nonNilAllocations(snapshot.TargetAllocations))
	if err != nil {
		return 0, fmt.Errorf("failed to marshal target_allocations: %w", err)
	}

	trades := snapshot.Trades
	if trades == nil {
		trades = []types.TradeInstruction{}
	}
	tradesJSON, err := json.Marshal(trades)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal trades: %w", err)
	}

	tradedTokens := make([]string, 0, len(trades))
	for _, t := range trades {
		tradedTokens = append(tradedTokens, t.Token.Hex())
	}

	query := `
		INSERT INTO cycle_snapshots (
			cycle_id, cycle_number, snapshot_timestamp,
			initial_total_assets, initial_share_price, initial_allocations,
			target_allocations, max_deviation_bps, trades, traded_tokens,
			executed, failure_reason,
			final_total_assets, final_share_price, circuit_breaker_active, share_price_volatility
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING snapshot_id;
	`

	var snapshotID int64
	err = DB.QueryRowContext(ctx,
		query,
		snapshot.CycleID, snapshot.CycleNumber, snapshot.Timestamp,
		numericOrZero(snapshot.InitialTotalAssets), numericOrZero(snapshot.InitialSharePrice), initialAllocationsJSON,
		targetAllocationsJSON, snapshot.MaxDeviationBps, tradesJSON, pq.Array(tradedTokens),
		snapshot.Executed, snapshot.FailureReason,
		numericOrZero(snapshot.FinalTotalAssets), numericOrZero(snapshot.FinalSharePrice), snapshot.CircuitBreakerActive, snapshot.SharePriceVolatility,
	).Scan(&snapshotID)
	if err != nil {
		return 0, fmt.Errorf("failed to save cycle snapshot: %w", err)
	}

	log.Info().
		Int64("snapshot_id", snapshotID).
		Int("cycle_number", snapshot.CycleNumber).
		Bool("executed", snapshot.Executed).
		Int("trades", len(trades)).
		Msg("Cycle snapshot saved to database")

	return snapshotID, nil
}

func nonNilAllocations(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}

func numericOrZero(i sdkmath.Int) string {
	if i.IsNil() {
		return "0"
	}
	return i.String()
}
