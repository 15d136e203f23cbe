package avm

import (
	"context"

	"github.com/elys-network/rwavault/internal/state"
	"github.com/elys-network/rwavault/internal/types"
)

// PostgresStore is the SnapshotStore backed by the state package.
type PostgresStore struct{}

func (PostgresStore) NextCycleNumber(ctx context.Context) (int, error) {
	return state.IncrementCycleNumber(ctx)
}

func (PostgresStore) SaveCycleSnapshot(ctx context.Context, snapshot types.CycleSnapshot) (int64, error) {
	return state.SaveCycleSnapshot(ctx, snapshot)
}

func (PostgresStore) RecentSharePrices(ctx context.Context, limit int) ([]types.PriceData, error) {
	return state.GetRecentSharePrices(ctx, limit)
}
