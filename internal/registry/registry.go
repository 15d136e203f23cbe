package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/elys-network/rwavault/internal/logger"
	"github.com/elys-network/rwavault/internal/types"
)

var (
	ErrAssetNotFound    = errors.New("asset not registered")
	ErrAssetExists      = errors.New("asset already registered")
	ErrInvalidDecimals  = errors.New("asset decimals out of range")
	ErrInvalidAssetAddr = errors.New("asset address is zero")
)

var registryLogger = logger.GetForComponent("registry")

// Registry is an in-memory asset metadata store.
type Registry struct {
	mu     sync.RWMutex
	assets map[common.Address]types.Asset
}

func New(assets ...types.Asset) (*Registry, error) {
	r := &Registry{assets: make(map[common.Address]types.Asset)}
	for _, a := range assets {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a new asset. Empty status defaults to ACTIVE.
func (r *Registry) Register(a types.Asset) error {
	if (a.Address == common.Address{}) {
		return ErrInvalidAssetAddr
	}
	if a.Decimals > 36 {
		return fmt.Errorf("%w: %s has %d", ErrInvalidDecimals, a.Symbol, a.Decimals)
	}
	if a.Status == "" {
		a.Status = types.AssetStatusActive
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.assets[a.Address]; ok {
		return fmt.Errorf("%w: %s", ErrAssetExists, a.Address.Hex())
	}
	r.assets[a.Address] = a
	registryLogger.Info().Str("asset", a.Address.Hex()).Str("symbol", a.Symbol).Uint8("decimals", a.Decimals).Msg("Asset registered")
	return nil
}

// Asset returns the metadata for token.
func (r *Registry) Asset(token common.Address) (types.Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.assets[token]
	if !ok {
		return types.Asset{}, fmt.Errorf("%w: %s", ErrAssetNotFound, token.Hex())
	}
	return a, nil
}

// SetStatus flips the lifecycle flag of token.
func (r *Registry) SetStatus(token common.Address, status types.AssetStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.assets[token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAssetNotFound, token.Hex())
	}
	a.Status = status
	r.assets[token] = a
	registryLogger.Warn().Str("asset", token.Hex()).Str("status", string(status)).Msg("Asset status changed")
	return nil
}

// SetAPY updates the advertised yield of token.
func (r *Registry) SetAPY(token common.Address, apyBps int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.assets[token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAssetNotFound, token.Hex())
	}
	a.APYBps = apyBps
	r.assets[token] = a
	return nil
}

// All returns every registered asset ordered by symbol.
func (r *Registry) All() []types.Asset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Asset, 0, len(r.assets))
	for _, a := range r.assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
