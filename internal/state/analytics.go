package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq" // PostgreSQL driver for array support
	"github.com/rs/zerolog/log"

	"github.com/elys-network/rwavault/internal/types"
	"github.com/elys-network/rwavault/internal/utils"
)

var ErrCycleNotFound = errors.New("cycle snapshot not found")

// CycleSummary represents high-level keeper statistics from the snapshot table
type CycleSummary struct {
	LatestTotalAssets string    `json:"latest_total_assets"`
	LatestSharePrice  string    `json:"latest_share_price"`
	TotalCycles       int       `json:"total_cycles"`
	ExecutedCycles    int       `json:"executed_cycles"`
	FailedCycles      int       `json:"failed_cycles"`
	LastUpdated       time.Time `json:"last_updated"`
}

const snapshotColumns = `
			snapshot_id, cycle_id, cycle_number, snapshot_timestamp,
			initial_total_assets, initial_share_price, initial_allocations,
			target_allocations, max_deviation_bps, trades, traded_tokens,
			executed, failure_reason,
			final_total_assets, final_share_price, circuit_breaker_active, share_price_volatility`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (types.CycleSnapshot, error) {
	var (
		cycle                                 types.CycleSnapshot
		initialAssets, initialPrice           string
		finalAssets, finalPrice               string
		initialAllocations, targetAllocations []byte
		trades                                []byte
		tradedTokens                          pq.StringArray
		failureReason                         sql.NullString
	)
	err := row.Scan(
		&cycle.SnapshotID, &cycle.CycleID, &cycle.CycleNumber, &cycle.Timestamp,
		&initialAssets, &initialPrice, &initialAllocations,
		&targetAllocations, &cycle.MaxDeviationBps, &trades, &tradedTokens,
		&cycle.Executed, &failureReason,
		&finalAssets, &finalPrice, &cycle.CircuitBreakerActive, &cycle.SharePriceVolatility,
	)
	if err != nil {
		return cycle, err
	}
	cycle.FailureReason = failureReason.String

	if cycle.InitialTotalAssets, err = parseNumeric(initialAssets); err != nil {
		return cycle, err
	}
	if cycle.InitialSharePrice, err = parseNumeric(initialPrice); err != nil {
		return cycle, err
	}
	if cycle.FinalTotalAssets, err = parseNumeric(finalAssets); err != nil {
		return cycle, err
	}
	if cycle.FinalSharePrice, err = parseNumeric(finalPrice); err != nil {
		return cycle, err
	}
	if err := unmarshalJSONFields(&cycle, initialAllocations, targetAllocations, trades); err != nil {
		return cycle, err
	}
	return cycle, nil
}

// unmarshalJSONFields unmarshals the JSONB columns of a cycle snapshot
func unmarshalJSONFields(cycle *types.CycleSnapshot, initialAllocationsJSON, targetAllocationsJSON, tradesJSON []byte) error {
	if len(initialAllocationsJSON) > 0 {
		if err := json.Unmarshal(initialAllocationsJSON, &cycle.InitialAllocations); err != nil {
			return fmt.Errorf("failed to unmarshal initial allocations: %w", err)
		}
	}
	if len(targetAllocationsJSON) > 0 {
		if err := json.Unmarshal(targetAllocationsJSON, &cycle.TargetAllocations); err != nil {
			return fmt.Errorf("failed to unmarshal target allocations: %w", err)
		}
	}
	if len(tradesJSON) > 0 {
		if err := json.Unmarshal(tradesJSON, &cycle.Trades); err != nil {
			return fmt.Errorf("failed to unmarshal trades: %w", err)
		}
	}
	return nil
}

// GetRecentCycles retrieves recent cycle snapshots, newest first
func GetRecentCycles(ctx context.Context, limit int) ([]types.CycleSnapshot, error) {
	if DB == nil {
		return nil, ErrDBNotInitialized
	}

	if limit <= 0 || limit > 100 {
		limit = 10 // Default limit
	}

	query := `SELECT` + snapshotColumns + `
		FROM cycle_snapshots
		ORDER BY snapshot_timestamp DESC
		LIMIT $1
	`

	rows, err := DB.QueryContext(ctx, query, limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to query recent cycles")
		return nil, fmt.Errorf("failed to query recent cycles: %w", err)
	}
	defer rows.Close()

	var cycles []types.CycleSnapshot
	for rows.Next() {
		cycle, err := scanSnapshot(rows)
		if err != nil {
			log.Error().Err(err).Msg("Failed to scan cycle row")
			return nil, fmt.Errorf("failed to scan cycle row: %w", err)
		}
		cycles = append(cycles, cycle)
	}
	if err := rows.Err(); err != nil {
		log.Error().Err(err).Msg("Error occurred during row iteration")
		return nil, fmt.Errorf("error iterating cycle rows: %w", err)
	}

	log.Debug().Int("count", len(cycles)).Int("limit", limit).Msg("Retrieved recent cycles")
	return cycles, nil
}

// GetCycleByID retrieves a specific cycle by its snapshot ID
func GetCycleByID(ctx context.Context, snapshotID int64) (*types.CycleSnapshot, error) {
	if DB == nil {
		return nil, ErrDBNotInitialized
	}

	query := `SELECT` + snapshotColumns + `
		FROM cycle_snapshots
		WHERE snapshot_id = $1
	`

	cycle, err := scanSnapshot(DB.QueryRowContext(ctx, query, snapshotID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrCycleNotFound, snapshotID)
		}
		log.Error().Err(err).Int64("snapshot_id", snapshotID).Msg("Failed to query cycle by ID")
		return nil, fmt.Errorf("failed to get cycle %d: %w", snapshotID, err)
	}
	return &cycle, nil
}

// GetRecentSharePrices returns the closing share price of the last cycles, oldest first,
// as whole-unit floats for volatility estimation.
func GetRecentSharePrices(ctx context.Context, limit int) ([]types.PriceData, error) {
	if DB == nil {
		return nil, ErrDBNotInitialized
	}
	if limit <= 0 {
		limit = 30
	}

	query := `
		SELECT snapshot_timestamp, final_share_price
		FROM cycle_snapshots
		ORDER BY snapshot_timestamp DESC
		LIMIT $1
	`
	rows, err := DB.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query share prices: %w", err)
	}
	defer rows.Close()

	var prices []types.PriceData
	for rows.Next() {
		var (
			ts  time.Time
			raw string
		)
		if err := rows.Scan(&ts, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan share price row: %w", err)
		}
		price, err := parseNumeric(raw)
		if err != nil {
			return nil, fmt.Errorf("share price: %w", err)
		}
		f, err := utils.SDKIntToFloat64(price, 18)
		if err != nil {
			return nil, fmt.Errorf("share price: %w", err)
		}
		prices = append(prices, types.PriceData{Timestamp: ts, Price: f})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating share price rows: %w", err)
	}

	for i, j := 0, len(prices)-1; i < j; i, j = i+1, j-1 {
		prices[i], prices[j] = prices[j], prices[i]
	}
	return prices, nil
}

// GetCycleSummary aggregates the snapshot table
func GetCycleSummary(ctx context.Context) (*CycleSummary, error) {
	if DB == nil {
		return nil, ErrDBNotInitialized
	}

	summary := &CycleSummary{}

	latest := `
		SELECT final_total_assets, final_share_price, snapshot_timestamp
		FROM cycle_snapshots
		ORDER BY snapshot_timestamp DESC
		LIMIT 1
	`
	err := DB.QueryRowContext(ctx, latest).Scan(&summary.LatestTotalAssets, &summary.LatestSharePrice, &summary.LastUpdated)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get latest cycle values: %w", err)
	}

	counts := `
		SELECT
			COUNT(*) AS total_cycles,
			COUNT(CASE WHEN executed THEN 1 END) AS executed_cycles,
			COUNT(CASE WHEN failure_reason IS NOT NULL AND failure_reason <> '' THEN 1 END) AS failed_cycles
		FROM cycle_snapshots
	`
	if err := DB.QueryRowContext(ctx, counts).Scan(&summary.TotalCycles, &summary.ExecutedCycles, &summary.FailedCycles); err != nil {
		return nil, fmt.Errorf("failed to count cycles: %w", err)
	}

	log.Debug().Int("totalCycles", summary.TotalCycles).Msg("Retrieved cycle summary")
	return summary, nil
}
