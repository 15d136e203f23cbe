package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/elys-network/rwavault/internal/auth"
	"github.com/elys-network/rwavault/internal/avm"
	"github.com/elys-network/rwavault/internal/config"
	"github.com/elys-network/rwavault/internal/datafetcher"
	"github.com/elys-network/rwavault/internal/events"
	"github.com/elys-network/rwavault/internal/metrics"
	"github.com/elys-network/rwavault/internal/oracle"
	"github.com/elys-network/rwavault/internal/registry"
	"github.com/elys-network/rwavault/internal/simulations"
	"github.com/elys-network/rwavault/internal/state"
	"github.com/elys-network/rwavault/internal/types"
	"github.com/elys-network/rwavault/internal/utils"
	"github.com/elys-network/rwavault/internal/valuation"
	"github.com/elys-network/rwavault/internal/vault"
	"github.com/elys-network/rwavault/internal/wallet"
	"github.com/elys-network/rwavault/internal/web"
)

const (
	// healthService is the gRPC health service name reported next to the overall status.
	healthService = "rwavault.Vault"

	// inventoryUnits is the simulated venue liquidity per token, in whole units.
	inventoryUnits = 1_000_000_000

	redisBacklog    = 1000
	monitorInterval = 30 * time.Second
)

// simulation is the in-process vault stack built from the bootstrap file.
type simulation struct {
	vault     *vault.Vault
	portfolio *valuation.Portfolio
	registry  *registry.Registry
	feeds     []*simulations.StaticFeed
	bounds    map[common.Address]types.AllocationBounds
}

func runVault(cmd *cobra.Command, args []string) error {
	if err := config.LoadConfig(); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if config.Mode != "simulation" {
		return fmt.Errorf("RWAVAULT_MODE %q is not supported, only simulation", config.Mode)
	}
	log.Info().Msg("RWA vault engine starting...")

	boot, err := config.LoadBootstrap(config.BootstrapFile)
	if err != nil {
		return err
	}
	if boot.VaultAssetAddress() != config.VaultAssetAddress {
		return fmt.Errorf("bootstrap vault asset %s does not match RWAVAULT_ASSET_ADDRESS %s",
			boot.VaultAssetAddress().Hex(), config.VaultAssetAddress.Hex())
	}

	if err := initDatabase(); err != nil {
		return err
	}
	defer state.CloseDB()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stored, err := loadOrSeedParameters(ctx)
	if err != nil {
		return err
	}
	if stored.Vault.AssetDecimals != boot.VaultAsset.Decimals {
		return fmt.Errorf("parameter version %d uses %d asset decimals, bootstrap vault asset has %d",
			stored.Version, stored.Vault.AssetDecimals, boot.VaultAsset.Decimals)
	}

	// --- 2. Event sinks ---
	reg := metrics.NewRegistry(stored.Vault.AssetDecimals)
	sinks := events.Multi{events.LogSink{}, state.EventStore{}, reg}
	if config.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: config.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", config.RedisAddr).Msg("Redis unreachable, events will not be fanned out")
		} else {
			sinks = append(sinks, events.NewRedisSink(rdb, config.RedisChannel, redisBacklog))
			log.Info().Str("addr", config.RedisAddr).Str("channel", config.RedisChannel).Msg("Redis event sink connected")
		}
	}

	// --- 3. Vault ---
	sim, err := buildSimulation(ctx, boot, stored.Vault, sinks)
	if err != nil {
		return err
	}

	// --- 4. Keeper ---
	var yields avm.YieldSource
	if config.PriceAPI != "" {
		yields = func(ctx context.Context) (map[string]int64, error) {
			return datafetcher.FetchAssetYields(ctx, config.PriceAPI, nil)
		}
	}
	keeper, err := avm.NewAVM(avm.Config{
		Vault:      sim.vault,
		Portfolio:  sim.portfolio,
		Assets:     sim.registry,
		Store:      avm.PostgresStore{},
		Allocation: stored.Allocation,
		Bounds:     sim.bounds,
		Operator:   config.KeeperAddress,
		Interval:   config.CycleInterval,
		Metrics:    reg,
		Yields:     yields,
	})
	if err != nil {
		return fmt.Errorf("failed to create keeper: %w", err)
	}

	// --- 5. Serve ---
	server := web.NewWebServer(web.Config{
		Port:     config.WebPort,
		Vault:    sim.vault,
		Holdings: sim.portfolio,
		Metrics:  reg,
	})
	healthSrv := health.NewServer()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		keeper.RunLoop(gctx)
		return nil
	})
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return serveGRPCHealth(gctx, config.GRPCHealthAddr, healthSrv) })
	g.Go(func() error {
		monitor(gctx, sim, healthSrv, reg)
		return nil
	})

	err = g.Wait()
	log.Info().Msg("RWA vault engine stopped")
	return err
}

// loadOrSeedParameters loads the active parameter version, storing the defaults as the first version when none exists.
func loadOrSeedParameters(ctx context.Context) (*state.StoredParameters, error) {
	stored, err := state.LoadActiveVaultParameters(ctx, configName)
	if err == nil {
		if err := config.ValidateVaultParameters(stored.Vault); err != nil {
			return nil, fmt.Errorf("active parameter version %d is invalid: %w", stored.Version, err)
		}
		return stored, nil
	}
	if !errors.Is(err, state.ErrNoParameters) {
		return nil, err
	}

	log.Warn().Err(err).Msg("No active vault parameters, using defaults and saving.")
	vp, err := config.LoadVaultParameters(config.DefaultVaultParameters)
	if err != nil {
		return nil, fmt.Errorf("invalid vault parameter overrides: %w", err)
	}
	ap := config.DefaultAllocationParameters
	id, err := state.SaveVaultParameters(ctx, vp, ap, configName, avm.DEFAULT_PARAMETERS_CONFIG_VERSION, true)
	if err != nil {
		return nil, fmt.Errorf("failed to save initial default parameters: %w", err)
	}
	return &state.StoredParameters{
		ID:         id,
		ConfigName: configName,
		Version:    avm.DEFAULT_PARAMETERS_CONFIG_VERSION,
		Active:     true,
		Vault:      vp,
		Allocation: ap,
	}, nil
}

// buildSimulation wires the vault over an in-memory custody ledger, oracle-priced swap venue and
// static (or HTTP-backed) price feeds.
func buildSimulation(ctx context.Context, boot *config.Bootstrap, vp types.VaultParameters, sink events.Sink) (*simulation, error) {
	now := time.Now()
	sim := &simulation{bounds: make(map[common.Address]types.AllocationBounds)}

	assets := make([]types.Asset, 0, len(boot.Assets))
	for _, a := range boot.Assets {
		assets = append(assets, a.ToAsset())
	}
	var err error
	if sim.registry, err = registry.New(assets...); err != nil {
		return nil, err
	}

	prices := oracle.NewAdapter(time.Now)
	if boot.Oracle.DefaultStaleness > 0 {
		if err := prices.SetDefaultStaleness(boot.Oracle.DefaultStaleness); err != nil {
			return nil, err
		}
	}
	for _, a := range boot.Assets {
		price, err := a.PriceE18()
		if err != nil {
			return nil, err
		}
		static := simulations.NewStaticFeed(price, 18, now)
		sim.feeds = append(sim.feeds, static)

		addr := common.HexToAddress(a.Address)
		if config.PriceAPI == "" {
			err = prices.Configure(addr, static, nil, a.Staleness)
		} else {
			var httpFeed *datafetcher.HTTPFeed
			if httpFeed, err = datafetcher.NewHTTPFeed(config.PriceAPI, a.ResolvedFeedID(), nil); err != nil {
				return nil, err
			}
			err = prices.Configure(addr, httpFeed, static, a.Staleness)
		}
		if err != nil {
			return nil, fmt.Errorf("configuring oracle for %s: %w", a.Symbol, err)
		}
		if a.Bounds != nil {
			sim.bounds[addr] = *a.Bounds
		}
	}

	book := wallet.NewBook()
	sim.portfolio, err = valuation.NewPortfolio(valuation.Config{
		Custody:       config.VaultAddress,
		AssetDecimals: vp.AssetDecimals,
		Balances:      book,
		Prices:        prices,
		Registry:      sim.registry,
		CacheDuration: vp.CacheDuration,
	})
	if err != nil {
		return nil, err
	}
	inventory := boot.Simulation.InventoryAddress()
	venue, err := simulations.NewSwapVenue(simulations.SwapVenueConfig{
		Ledger:        book,
		Prices:        prices,
		Registry:      sim.registry,
		QuoteAsset:    config.VaultAssetAddress,
		QuoteDecimals: vp.AssetDecimals,
		Inventory:     inventory,
		Trader:        config.VaultAddress,
		HaircutBps:    boot.Simulation.HaircutBps,
	})
	if err != nil {
		return nil, err
	}
	if err := seedBalances(book, boot, inventory, vp.AssetDecimals); err != nil {
		return nil, err
	}

	policy, err := auth.NewStaticPolicyFromRoles(boot.Roles)
	if err != nil {
		return nil, err
	}
	policy.Grant(auth.RoleKeeper, config.KeeperAddress)

	sim.vault, err = vault.New(vault.Config{
		Address:    config.VaultAddress,
		Asset:      config.VaultAssetAddress,
		Params:     vp,
		Ledger:     book,
		Swap:       venue,
		Registry:   sim.registry,
		Authorizer: policy,
		Portfolio:  sim.portfolio,
		Sink:       sink,
		Now:        time.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create vault: %w", err)
	}
	if err := registerHoldings(ctx, sim.vault, boot); err != nil {
		return nil, err
	}

	log.Info().
		Str("vault", config.VaultAddress.Hex()).
		Str("asset", boot.VaultAsset.Symbol).
		Int("assets", len(assets)).
		Bool("priceAPI", config.PriceAPI != "").
		Msg("Simulated vault initialized")
	return sim, nil
}

// registerHoldings adds every active bootstrap asset as a holding, acting as the first configured admin.
func registerHoldings(ctx context.Context, v *vault.Vault, boot *config.Bootstrap) error {
	admins := boot.Roles[string(auth.RoleAdmin)]
	if len(admins) == 0 {
		return errors.New("bootstrap roles must name an admin to register holdings")
	}
	admin := common.HexToAddress(admins[0])
	for _, a := range boot.Assets {
		asset := a.ToAsset()
		if !asset.IsActive() {
			log.Warn().Str("symbol", asset.Symbol).Msg("Asset is marked for removal, not adding a holding")
			continue
		}
		if err := v.AddHolding(ctx, admin, asset.Address, a.TargetBps); err != nil {
			return fmt.Errorf("adding holding %s: %w", asset.Symbol, err)
		}
	}
	return nil
}

// seedBalances gives the venue inventory in every token and funds the bootstrap holders in the vault asset.
func seedBalances(book *wallet.Book, boot *config.Bootstrap, inventory common.Address, assetDecimals uint8) error {
	if err := book.Mint(config.VaultAssetAddress, inventory, utils.Pow10(assetDecimals).MulRaw(inventoryUnits)); err != nil {
		return err
	}
	for _, a := range boot.Assets {
		if err := book.Mint(common.HexToAddress(a.Address), inventory, utils.Pow10(a.Decimals).MulRaw(inventoryUnits)); err != nil {
			return err
		}
	}
	for holder, units := range boot.Simulation.Balances {
		n, ok := sdkmath.NewIntFromString(strings.TrimSpace(units))
		if !ok {
			return fmt.Errorf("balance %q of %s is not an integer", units, holder)
		}
		if err := book.Mint(config.VaultAssetAddress, common.HexToAddress(holder), n.Mul(utils.Pow10(assetDecimals))); err != nil {
			return err
		}
	}
	return nil
}

// serveGRPCHealth exposes the standard gRPC health service until ctx is done.
func serveGRPCHealth(ctx context.Context, addr string, hs *health.Server) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gRPC health listener: %w", err)
	}
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	go func() {
		<-ctx.Done()
		hs.Shutdown()
		srv.GracefulStop()
	}()

	log.Info().Str("addr", addr).Msg("gRPC health service listening")
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// monitor publishes simulated feed heartbeats, samples the vault gauges and maps the vault state to gRPC health.
func monitor(ctx context.Context, sim *simulation, hs *health.Server, reg *metrics.Registry) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		now := time.Now()
		for _, f := range sim.feeds {
			f.Touch(now)
		}
		if err := reg.Sample(ctx, sim.vault, sim.portfolio); err != nil {
			log.Warn().Err(err).Msg("Failed to sample vault state")
		}

		status := healthpb.HealthCheckResponse_SERVING
		if sim.vault.Paused() {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", status)
		hs.SetServingStatus(healthService, status)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
