package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/rwavault/internal/metrics"
	"github.com/elys-network/rwavault/internal/state"
	"github.com/elys-network/rwavault/internal/types"
	"github.com/elys-network/rwavault/internal/vault"
)

var (
	tokA  = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	tokB  = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	alice = common.HexToAddress("0x0000000000000000000000000000000000000a1c")
)

func usd(n int64) sdkmath.Int { return sdkmath.NewInt(n).MulRaw(1_000_000) }

type stubVault struct {
	totalErr error
	requests []types.WithdrawRequest
	now      time.Time
}

func (s *stubVault) TotalAssets(context.Context) (sdkmath.Int, error) {
	if s.totalErr != nil {
		return sdkmath.Int{}, s.totalErr
	}
	return usd(10_000), nil
}
func (s *stubVault) SharePrice(context.Context) (sdkmath.Int, error) {
	return sdkmath.NewIntWithDecimal(1, 18), nil
}
func (s *stubVault) TotalSupply() sdkmath.Int       { return usd(10_000) }
func (s *stubVault) IdleAssets() sdkmath.Int        { return usd(500) }
func (s *stubVault) ManagedAssets() sdkmath.Int     { return sdkmath.ZeroInt() }
func (s *stubVault) TotalLockedShares() sdkmath.Int { return usd(100) }
func (s *stubVault) Paused() bool                   { return false }
func (s *stubVault) EmergencyWithdrawEnabled() bool { return false }
func (s *stubVault) CircuitBreaker() vault.CircuitBreakerState {
	return vault.CircuitBreakerState{ReferenceNav: sdkmath.ZeroInt(), ThresholdBps: 1000}
}
func (s *stubVault) Params() types.VaultParameters {
	return types.VaultParameters{AssetDecimals: 6, WithdrawalDelay: 24 * time.Hour}
}
func (s *stubVault) GetWithdrawRequest(id uint64) (types.WithdrawRequest, types.WithdrawStatus, error) {
	if id == 0 || id > uint64(len(s.requests)) {
		return types.WithdrawRequest{}, "", errorsmod.Wrapf(vault.ErrRequestNotFound, "request %d", id)
	}
	req := s.requests[id-1]
	return req, req.Status(s.now, 24*time.Hour), nil
}

type stubHoldings struct{ values []types.HoldingValue }

func (s stubHoldings) HoldingValues(context.Context) ([]types.HoldingValue, error) {
	return s.values, nil
}

func newTestServer(t *testing.T, v *stubVault) *WebServer {
	t.Helper()
	if v == nil {
		v = &stubVault{}
	}
	return NewWebServer(Config{
		Vault: v,
		Holdings: stubHoldings{values: []types.HoldingValue{
			{Holding: types.Holding{Token: tokA, TargetAllocationBps: 6000, IsActive: true}, Symbol: "USTB", Decimals: 6, Balance: usd(6_000), Price: sdkmath.NewIntWithDecimal(1, 18), Value: usd(6_000)},
			{Holding: types.Holding{Token: tokB, TargetAllocationBps: 4000, IsActive: true}, Symbol: "OUSG", Decimals: 6, Balance: usd(3_500), Price: sdkmath.NewIntWithDecimal(1, 18), Value: usd(3_500)},
		}},
		Metrics: metrics.NewRegistry(6),
	})
}

func withoutDB(t *testing.T) {
	t.Helper()
	prev := state.DB
	state.DB = nil
	t.Cleanup(func() { state.DB = prev })
}

func withMockDB(t *testing.T) sqlmock.Sqlmock {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	prev := state.DB
	state.DB = db
	t.Cleanup(func() {
		state.DB = prev
		db.Close()
	})
	return mock
}

func do(t *testing.T, ws *WebServer, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	ws.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestVaultSummary(t *testing.T) {
	withoutDB(t)
	ws := newTestServer(t, nil)

	rec, body := do(t, ws, "/api/vault/summary")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, usd(10_000).String(), body["total_assets"])
	assert.Equal(t, usd(500).String(), body["idle_assets"])
	assert.Equal(t, "1000000000000000000", body["share_price"])
	assert.Equal(t, usd(100).String(), body["locked_shares"])
	assert.NotContains(t, body, "cycles")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestVaultSummaryValuationFailure(t *testing.T) {
	withoutDB(t)
	ws := newTestServer(t, &stubVault{totalErr: errors.New("oracle down")})

	rec, body := do(t, ws, "/api/vault/summary")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, true, body["error"])
}

func TestHoldingsWeights(t *testing.T) {
	ws := newTestServer(t, nil)

	rec, body := do(t, ws, "/api/vault/holdings")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, usd(9_500).String(), body["total_value"])

	holdings := body["holdings"].([]interface{})
	first := holdings[0].(map[string]interface{})
	assert.Equal(t, "USTB", first["symbol"])
	assert.Equal(t, float64(6315), first["weight_bps"])
}

func TestWithdrawalStatus(t *testing.T) {
	now := time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)
	v := &stubVault{now: now, requests: []types.WithdrawRequest{{
		ID: 1, Owner: alice, Receiver: alice,
		Shares: usd(100), AssetsAtRequestTime: usd(100),
		RequestedAt: now.Add(-36 * time.Hour),
	}}}
	ws := newTestServer(t, v)

	rec, body := do(t, ws, "/api/withdrawals/1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(types.WithdrawStatusClaimable), body["status"])
	request := body["request"].(map[string]interface{})
	assert.Equal(t, usd(100).String(), request["assets_at_request_time"])

	rec, _ = do(t, ws, "/api/withdrawals/7")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, ws, "/api/withdrawals/abc")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCycleNotFound(t *testing.T) {
	mock := withMockDB(t)
	mock.ExpectQuery("FROM cycle_snapshots").WithArgs(int64(42)).WillReturnRows(sqlmock.NewRows(nil))
	ws := newTestServer(t, nil)

	rec, body := do(t, ws, "/api/cycles/42")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Cycle not found", body["message"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventsQueryFailure(t *testing.T) {
	mock := withMockDB(t)
	mock.ExpectQuery("FROM vault_events").WithArgs("DEPOSIT", 5).WillReturnError(errors.New("connection reset"))
	ws := newTestServer(t, nil)

	rec, body := do(t, ws, "/api/events?type=DEPOSIT&limit=5")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Failed to retrieve events", body["message"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthDegradedWithoutDatabase(t *testing.T) {
	withoutDB(t)
	ws := newTestServer(t, nil)

	rec, body := do(t, ws, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "DEGRADED", body["status"])
	status := body["vault_status"].(map[string]interface{})
	assert.Equal(t, false, status["database_healthy"])
	assert.Equal(t, false, status["circuit_breaker_active"])
}

func TestMetricsEndpoint(t *testing.T) {
	ws := newTestServer(t, nil)

	rec, _ := do(t, ws, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rwavault_total_assets")
}
