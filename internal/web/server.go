package web

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/gorilla/mux"

	"github.com/elys-network/rwavault/internal/avm"
	"github.com/elys-network/rwavault/internal/events"
	"github.com/elys-network/rwavault/internal/logger"
	"github.com/elys-network/rwavault/internal/metrics"
	"github.com/elys-network/rwavault/internal/state"
	"github.com/elys-network/rwavault/internal/types"
	"github.com/elys-network/rwavault/internal/vault"
)

var webLogger = logger.GetForComponent("web_server")

// VaultReader is the read side of the vault served by the API.
type VaultReader interface {
	metrics.VaultReader
	Params() types.VaultParameters
	GetWithdrawRequest(requestID uint64) (types.WithdrawRequest, types.WithdrawStatus, error)
}

// Config wires the server to the vault. Metrics is optional; without it /metrics is not served.
type Config struct {
	Port      string
	Vault     VaultReader
	Holdings  metrics.HoldingReader
	Metrics   *metrics.Registry
	StartedAt time.Time
}

// WebServer handles HTTP requests for vault data
type WebServer struct {
	router *mux.Router
	cfg    Config
}

// NewWebServer creates a new web server instance
func NewWebServer(cfg Config) *WebServer {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now()
	}

	server := &WebServer{
		router: mux.NewRouter(),
		cfg:    cfg,
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all HTTP routes
func (ws *WebServer) setupRoutes() {
	// Health endpoint (direct route)
	ws.router.HandleFunc("/health", ws.handleHealth).Methods("GET")
	if ws.cfg.Metrics != nil {
		ws.router.Handle("/metrics", ws.cfg.Metrics.Handler()).Methods("GET")
	}

	// API endpoints
	api := ws.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", ws.handleHealth).Methods("GET")
	api.HandleFunc("/vault/summary", ws.handleGetVaultSummary).Methods("GET")
	api.HandleFunc("/vault/holdings", ws.handleGetHoldings).Methods("GET")
	api.HandleFunc("/withdrawals/{id:[0-9]+}", ws.handleGetWithdrawal).Methods("GET")
	api.HandleFunc("/cycles", ws.handleGetCycles).Methods("GET")
	api.HandleFunc("/cycles/latest", ws.handleGetLatestCycle).Methods("GET")
	api.HandleFunc("/cycles/{id:[0-9]+}", ws.handleGetCycle).Methods("GET")
	api.HandleFunc("/events", ws.handleGetEvents).Methods("GET")
	api.HandleFunc("/parameters", ws.handleGetParameters).Methods("GET")
	api.HandleFunc("/performance", ws.handleGetPerformance).Methods("GET")

	// Add CORS middleware
	ws.router.Use(ws.corsMiddleware)
	ws.router.Use(ws.loggingMiddleware)
}

// Handler exposes the router, mostly for tests.
func (ws *WebServer) Handler() http.Handler { return ws.router }

// Start serves until ctx is done, then shuts down gracefully.
func (ws *WebServer) Start(ctx context.Context) error {
	webLogger.Info().Str("port", ws.cfg.Port).Msg("Starting web server")

	server := &http.Server{
		Addr:         ":" + ws.cfg.Port,
		Handler:      ws.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		webLogger.Info().Msg("Shutting down web server")
		return server.Shutdown(shutdownCtx)
	}
}

// handleHealth reports database reachability, vault safety switches and the latest keeper cycle.
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	hasErrors := false

	dbHealthy := true
	if err := state.TestDBConnection(); err != nil {
		dbHealthy = false
		hasErrors = true
	}

	var cycleInfo map[string]interface{}
	latestCycle, cycleErr := state.GetRecentCycles(r.Context(), 1)
	if cycleErr == nil && len(latestCycle) > 0 {
		cycle := latestCycle[0]
		cycleInfo = map[string]interface{}{
			"current_cycle":   cycle.CycleNumber,
			"last_cycle_time": cycle.Timestamp,
			"executed":        cycle.Executed,
			"failure_reason":  cycle.FailureReason,
		}
		if cycle.FailureReason != "" {
			hasErrors = true
		}
	} else {
		cycleInfo = map[string]interface{}{
			"current_cycle":   0,
			"last_cycle_time": nil,
		}
	}

	breaker := ws.cfg.Vault.CircuitBreaker()

	overallStatus := "OK"
	if hasErrors {
		overallStatus = "DEGRADED"
	}

	response := map[string]interface{}{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"system": map[string]interface{}{
			"version":          runtime.Version(),
			"goroutines_count": runtime.NumGoroutine(),
			"alloc_bytes":      memStats.Alloc,
			"sys_bytes":        memStats.Sys,
			"gc_cycles":        memStats.NumGC,
			"uptime_seconds":   int64(time.Since(ws.cfg.StartedAt).Seconds()),
		},
		"component": map[string]interface{}{
			"name":    "rwavault",
			"version": "1.0.0",
		},
		"vault_status": map[string]interface{}{
			"database_healthy":           dbHealthy,
			"paused":                     ws.cfg.Vault.Paused(),
			"emergency_withdraw_enabled": ws.cfg.Vault.EmergencyWithdrawEnabled(),
			"circuit_breaker_active":     breaker.Active,
			"cycle_info":                 cycleInfo,
		},
	}

	statusCode := http.StatusOK
	if hasErrors {
		statusCode = http.StatusServiceUnavailable
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// handleGetVaultSummary returns the live NAV breakdown plus the cycle history summary when available.
func (ws *WebServer) handleGetVaultSummary(w http.ResponseWriter, r *http.Request) {
	v := ws.cfg.Vault
	total, err := v.TotalAssets(r.Context())
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to value vault")
		ws.writeErrorResponse(w, http.StatusServiceUnavailable, "Failed to value vault")
		return
	}
	price, err := v.SharePrice(r.Context())
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to compute share price")
		ws.writeErrorResponse(w, http.StatusServiceUnavailable, "Failed to compute share price")
		return
	}

	response := map[string]interface{}{
		"total_assets":               total.String(),
		"idle_assets":                v.IdleAssets().String(),
		"managed_assets":             v.ManagedAssets().String(),
		"share_price":                price.String(),
		"total_supply":               v.TotalSupply().String(),
		"locked_shares":              v.TotalLockedShares().String(),
		"paused":                     v.Paused(),
		"emergency_withdraw_enabled": v.EmergencyWithdrawEnabled(),
		"circuit_breaker":            v.CircuitBreaker(),
		"parameters":                 v.Params(),
		"timestamp":                  time.Now().UTC(),
	}

	if summary, err := state.GetCycleSummary(r.Context()); err == nil {
		response["cycles"] = summary
	} else if !errors.Is(err, state.ErrDBNotInitialized) {
		webLogger.Warn().Err(err).Msg("Failed to get cycle summary")
	}

	ws.writeJSONResponse(w, http.StatusOK, response)
}

type holdingResponse struct {
	types.HoldingValue
	WeightBps int64 `json:"weight_bps"`
}

// handleGetHoldings returns every RWA holding with its live value and current weight of the RWA sleeve.
func (ws *WebServer) handleGetHoldings(w http.ResponseWriter, r *http.Request) {
	values, err := ws.cfg.Holdings.HoldingValues(r.Context())
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to value holdings")
		ws.writeErrorResponse(w, http.StatusServiceUnavailable, "Failed to value holdings")
		return
	}

	total := sdkmath.ZeroInt()
	for _, hv := range values {
		total = total.Add(hv.Value)
	}
	holdings := make([]holdingResponse, 0, len(values))
	for _, hv := range values {
		var weight int64
		if total.IsPositive() {
			weight = hv.Value.MulRaw(types.BpsDenominator).Quo(total).Int64()
		}
		holdings = append(holdings, holdingResponse{HoldingValue: hv, WeightBps: weight})
	}

	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"holdings":    holdings,
		"count":       len(holdings),
		"total_value": total.String(),
	})
}

// handleGetWithdrawal returns a queued withdrawal and its derived status.
func (ws *WebServer) handleGetWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid request ID")
		return
	}

	req, status, err := ws.cfg.Vault.GetWithdrawRequest(id)
	if errors.Is(err, vault.ErrRequestNotFound) {
		ws.writeErrorResponse(w, http.StatusNotFound, "Withdraw request not found")
		return
	}
	if err != nil {
		webLogger.Error().Err(err).Uint64("requestId", id).Msg("Failed to get withdraw request")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve withdraw request")
		return
	}

	claimableAt := req.RequestedAt.Add(ws.cfg.Vault.Params().WithdrawalDelay)
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"request":      req,
		"status":       status,
		"claimable_at": claimableAt,
	})
}

// handleGetCycles returns paginated cycle data
func (ws *WebServer) handleGetCycles(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 20, 100)

	cycles, err := state.GetRecentCycles(r.Context(), limit)
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to get recent cycles")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve cycles")
		return
	}

	response := map[string]interface{}{
		"cycles": cycles,
		"count":  len(cycles),
		"limit":  limit,
	}

	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleGetCycle returns a specific cycle by ID
func (ws *WebServer) handleGetCycle(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid cycle ID")
		return
	}

	cycle, err := state.GetCycleByID(r.Context(), id)
	if errors.Is(err, state.ErrCycleNotFound) {
		ws.writeErrorResponse(w, http.StatusNotFound, "Cycle not found")
		return
	}
	if err != nil {
		webLogger.Error().Err(err).Int64("cycleId", id).Msg("Failed to get cycle")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve cycle")
		return
	}

	ws.writeJSONResponse(w, http.StatusOK, cycle)
}

// handleGetLatestCycle returns the most recent cycle
func (ws *WebServer) handleGetLatestCycle(w http.ResponseWriter, r *http.Request) {
	cycles, err := state.GetRecentCycles(r.Context(), 1)
	if err != nil || len(cycles) == 0 {
		webLogger.Error().Err(err).Msg("Failed to get latest cycle")
		ws.writeErrorResponse(w, http.StatusNotFound, "No cycles found")
		return
	}

	ws.writeJSONResponse(w, http.StatusOK, cycles[0])
}

// handleGetEvents returns journaled vault events, newest first, optionally filtered by ?type=.
func (ws *WebServer) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50, 500)
	eventType := events.Type(r.URL.Query().Get("type"))

	evs, err := state.GetRecentEvents(r.Context(), eventType, limit)
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to get recent events")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve events")
		return
	}

	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"events": evs,
		"count":  len(evs),
		"limit":  limit,
	})
}

// handleGetParameters returns the active persisted parameter version
func (ws *WebServer) handleGetParameters(w http.ResponseWriter, r *http.Request) {
	params, err := state.LoadActiveVaultParameters(r.Context(), avm.DEFAULT_PARAMETERS_CONFIG_NAME)
	if errors.Is(err, state.ErrNoParameters) {
		ws.writeErrorResponse(w, http.StatusNotFound, "No active parameters")
		return
	}
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to get vault parameters")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve parameters")
		return
	}

	response := map[string]interface{}{
		"parameters": params,
		"timestamp":  time.Now().UTC(),
	}

	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleGetPerformance returns the share price series recorded at the end of each cycle, oldest first.
func (ws *WebServer) handleGetPerformance(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 30, 365)

	prices, err := state.GetRecentSharePrices(r.Context(), limit)
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to get share price history")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve performance metrics")
		return
	}

	response := map[string]interface{}{
		"share_prices": prices,
		"count":        len(prices),
	}
	if len(prices) >= 2 {
		first, last := prices[0], prices[len(prices)-1]
		if first.Price > 0 {
			response["return_pct"] = (last.Price/first.Price - 1) * 100
		}
	}

	ws.writeJSONResponse(w, http.StatusOK, response)
}

func queryLimit(r *http.Request, def, max int) int {
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 && parsed <= max {
			return parsed
		}
	}
	return def
}

// writeJSONResponse writes a JSON response
func (ws *WebServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		webLogger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error response
func (ws *WebServer) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	response := map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().UTC(),
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// corsMiddleware adds CORS headers
func (ws *WebServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (ws *WebServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a response writer wrapper to capture status code
		wrapper := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		webLogger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
