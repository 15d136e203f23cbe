package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/elys-network/rwavault/internal/types"
)

var (
	ErrBootstrapInvalid = errors.New("invalid bootstrap file")
)

// Bootstrap describes the assets, oracles, holdings and roles a vault starts with.
type Bootstrap struct {
	VaultAsset BootstrapToken      `yaml:"vault_asset"`
	Assets     []BootstrapAsset    `yaml:"assets"`
	Roles      map[string][]string `yaml:"roles"`
	Oracle     struct {
		DefaultStaleness time.Duration `yaml:"default_staleness"`
	} `yaml:"oracle"`
	Simulation BootstrapSimulation `yaml:"simulation"`
}

type BootstrapToken struct {
	Address  string `yaml:"address"`
	Symbol   string `yaml:"symbol"`
	Decimals uint8  `yaml:"decimals"`
}

type BootstrapAsset struct {
	BootstrapToken `yaml:",inline"`
	APYBps         int64                   `yaml:"apy_bps"`
	Status         string                  `yaml:"status"`
	TargetBps      int64                   `yaml:"target_bps"`
	Bounds         *types.AllocationBounds `yaml:"bounds"`
	FeedID         string                  `yaml:"feed_id"`
	Staleness      time.Duration           `yaml:"staleness"`
	// Price seeds the static feeds in simulation mode, e.g. "1.0234".
	Price string `yaml:"price"`
}

// BootstrapSimulation seeds balances and venue behaviour for simulation mode.
type BootstrapSimulation struct {
	HaircutBps int64             `yaml:"haircut_bps"`
	Inventory  string            `yaml:"inventory"` // venue account; defaults to DefaultInventoryAddress
	Balances   map[string]string `yaml:"balances"`  // address -> whole units of the vault asset
}

// DefaultInventoryAddress holds the simulated venue's liquidity when the bootstrap names none.
var DefaultInventoryAddress = common.HexToAddress("0x00000000000000000000000000000000000000e1")

// LoadBootstrap reads and validates a bootstrap YAML file.
func LoadBootstrap(path string) (*Bootstrap, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bootstrap file %s: %w", path, err)
	}
	return ParseBootstrap(raw)
}

// ParseBootstrap decodes and validates bootstrap YAML.
func ParseBootstrap(raw []byte) (*Bootstrap, error) {
	var b Bootstrap
	if err := yaml.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBootstrapInvalid, err)
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

func (b *Bootstrap) validate() error {
	var errs []error
	if !common.IsHexAddress(b.VaultAsset.Address) {
		errs = append(errs, fmt.Errorf("vault_asset address %q is not a hex address", b.VaultAsset.Address))
	}
	seen := make(map[common.Address]bool)
	var targetSum int64
	for i, a := range b.Assets {
		if !common.IsHexAddress(a.Address) {
			errs = append(errs, fmt.Errorf("assets[%d] address %q is not a hex address", i, a.Address))
			continue
		}
		addr := common.HexToAddress(a.Address)
		if seen[addr] {
			errs = append(errs, fmt.Errorf("assets[%d] %s listed twice", i, a.Symbol))
		}
		seen[addr] = true
		if a.TargetBps < 0 || a.TargetBps > types.BpsDenominator {
			errs = append(errs, fmt.Errorf("assets[%d] target_bps %d outside [0, %d]", i, a.TargetBps, types.BpsDenominator))
		}
		if status := types.AssetStatus(strings.ToUpper(a.Status)); status != "" && status != types.AssetStatusActive && status != types.AssetStatusMarkedForRemoval {
			errs = append(errs, fmt.Errorf("assets[%d] status %q unknown", i, a.Status))
		}
		if a.Price != "" {
			if _, err := sdkmath.LegacyNewDecFromStr(a.Price); err != nil {
				errs = append(errs, fmt.Errorf("assets[%d] price %q: %w", i, a.Price, err))
			}
		}
		targetSum += a.TargetBps
	}
	if targetSum > types.BpsDenominator {
		errs = append(errs, fmt.Errorf("sum of target_bps %d exceeds %d", targetSum, types.BpsDenominator))
	}
	if inv := b.Simulation.Inventory; inv != "" && !common.IsHexAddress(inv) {
		errs = append(errs, fmt.Errorf("simulation inventory %q is not a hex address", inv))
	}
	for addr, units := range b.Simulation.Balances {
		if !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Errorf("simulation balance holder %q is not a hex address", addr))
		}
		if _, ok := sdkmath.NewIntFromString(units); !ok {
			errs = append(errs, fmt.Errorf("simulation balance %q of %s is not an integer", units, addr))
		}
	}
	for role, addrs := range b.Roles {
		for _, a := range addrs {
			if !common.IsHexAddress(a) {
				errs = append(errs, fmt.Errorf("role %s member %q is not a hex address", role, a))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrBootstrapInvalid, errors.Join(errs...))
	}
	return nil
}

// VaultAssetAddress returns the parsed vault asset address.
func (b *Bootstrap) VaultAssetAddress() common.Address {
	return common.HexToAddress(b.VaultAsset.Address)
}

// InventoryAddress returns the simulated venue account.
func (s BootstrapSimulation) InventoryAddress() common.Address {
	if s.Inventory == "" {
		return DefaultInventoryAddress
	}
	return common.HexToAddress(s.Inventory)
}

// ToAsset converts a bootstrap entry into registry metadata.
func (a BootstrapAsset) ToAsset() types.Asset {
	status := types.AssetStatus(strings.ToUpper(a.Status))
	if status == "" {
		status = types.AssetStatusActive
	}
	return types.Asset{
		Address:  common.HexToAddress(a.Address),
		Symbol:   a.Symbol,
		Decimals: a.Decimals,
		APYBps:   a.APYBps,
		Status:   status,
	}
}

// ResolvedFeedID returns the explicit feed_id or the symbol mapping.
func (a BootstrapAsset) ResolvedFeedID() string {
	if a.FeedID != "" {
		return a.FeedID
	}
	return FeedIDForSymbol(a.Symbol)
}

// PriceE18 returns the seeded price at 18 decimals, or 1e18 when unset.
func (a BootstrapAsset) PriceE18() (sdkmath.Int, error) {
	d := sdkmath.LegacyOneDec()
	if a.Price != "" {
		var err error
		if d, err = sdkmath.LegacyNewDecFromStr(a.Price); err != nil {
			return sdkmath.ZeroInt(), fmt.Errorf("%w: price %q: %w", ErrBootstrapInvalid, a.Price, err)
		}
	}
	// LegacyDec carries 18 fraction digits, so its raw integer is the 1e18 fixed-point price.
	return sdkmath.NewIntFromBigInt(d.BigInt()), nil
}
