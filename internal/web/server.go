package web

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/meridian-fi/pfm/internal/config"
	"github.com/meridian-fi/pfm/internal/engine"
	"github.com/meridian-fi/pfm/internal/journal"
	"github.com/meridian-fi/pfm/internal/ledger"
	"github.com/meridian-fi/pfm/internal/logger"
	"github.com/meridian-fi/pfm/internal/reconciler"
	"github.com/meridian-fi/pfm/internal/utils"
)

var webLogger = logger.GetForComponent("web_server")

// HealthChecker reports backing-store health; nil means no check.
type HealthChecker func() error

// WebServer exposes the governance and observation API. Mutating
// endpoints require the governance bearer token; read endpoints are open.
type WebServer struct {
	router     *mux.Router
	port       string
	engine     *engine.Engine
	journal    journal.Journal
	ledger     *ledger.Ledger
	reconciler *reconciler.Reconciler
	authToken  string
	healthFn   HealthChecker
}

// NewWebServer creates a new web server instance.
func NewWebServer(port string, eng *engine.Engine, jnl journal.Journal, led *ledger.Ledger, rec *reconciler.Reconciler, authToken string, healthFn HealthChecker) *WebServer {
	if port == "" {
		port = "8080"
	}

	server := &WebServer{
		router:     mux.NewRouter(),
		port:       port,
		engine:     eng,
		journal:    jnl,
		ledger:     led,
		reconciler: rec,
		authToken:  authToken,
		healthFn:   healthFn,
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all HTTP routes
func (ws *WebServer) setupRoutes() {
	// Health endpoint (direct route)
	ws.router.HandleFunc("/health", ws.handleHealth).Methods("GET")

	// API endpoints
	api := ws.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", ws.handleHealth).Methods("GET")
	api.HandleFunc("/operations", ws.handleListOperations).Methods("GET")
	api.HandleFunc("/operations/{id}", ws.handleGetOperation).Methods("GET")
	api.HandleFunc("/balances", ws.handleGetBalances).Methods("GET")
	api.HandleFunc("/drift", ws.handleGetDriftReports).Methods("GET")

	// Fund-moving requests are gated behind the governance token.
	api.Handle("/operations/deposit", ws.requireGovernance(ws.handleSubmitDeposit)).Methods("POST")
	api.Handle("/operations/withdraw", ws.requireGovernance(ws.handleSubmitWithdraw)).Methods("POST")
	api.Handle("/operations/rebalance", ws.requireGovernance(ws.handleSubmitRebalance)).Methods("POST")

	ws.router.Use(ws.corsMiddleware)
	ws.router.Use(ws.loggingMiddleware)
}

// Start starts the web server
func (ws *WebServer) Start() error {
	webLogger.Info().Str("port", ws.port).Msg("Starting web server")

	server := &http.Server{
		Addr:         ":" + ws.port,
		Handler:      ws.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server.ListenAndServe()
}

// handleHealth returns server and backing-store health status
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	storeHealthy := true
	if ws.healthFn != nil {
		if err := ws.healthFn(); err != nil {
			storeHealthy = false
		}
	}

	overallStatus := "OK"
	statusCode := http.StatusOK
	if !storeHealthy {
		overallStatus = "DEGRADED"
		statusCode = http.StatusServiceUnavailable
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
		},
		"component": map[string]interface{}{
			"name":          "pfm-pool-fund-manager",
			"version":       "1.0.0",
			"store_healthy": storeHealthy,
		},
	}

	ws.writeJSONResponse(w, statusCode, response)
}

type depositRequest struct {
	Amount0        string  `json:"amount0"`
	Amount1        string  `json:"amount1"`
	MaxSlippageBps *uint32 `json:"max_slippage_bps,omitempty"`
}

type withdrawRequest struct {
	Shares         string  `json:"shares"`
	MaxSlippageBps *uint32 `json:"max_slippage_bps,omitempty"`
}

type rebalanceRequest struct {
	TargetBps      uint32  `json:"target_bps"`
	MaxSlippageBps *uint32 `json:"max_slippage_bps,omitempty"`
}

// handleSubmitDeposit accepts a deposit request and returns the queued
// operation id. Completion is observed via GET /api/operations/{id}.
func (ws *WebServer) handleSubmitDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	amount0, ok0 := sdkmath.NewIntFromString(req.Amount0)
	amount1, ok1 := sdkmath.NewIntFromString(req.Amount1)
	if !ok0 || !ok1 {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Amounts must be base-unit integer strings")
		return
	}

	id, err := ws.engine.SubmitDeposit(amount0, amount1, ws.slippageOrDefault(req.MaxSlippageBps))
	if err != nil {
		ws.writeSubmitError(w, err)
		return
	}
	ws.writeAccepted(w, id)
}

// handleSubmitWithdraw accepts a withdraw request for a share amount.
func (ws *WebServer) handleSubmitWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	shares, ok := sdkmath.NewIntFromString(req.Shares)
	if !ok {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Shares must be a base-unit integer string")
		return
	}

	id, err := ws.engine.SubmitWithdraw(shares, ws.slippageOrDefault(req.MaxSlippageBps))
	if err != nil {
		ws.writeSubmitError(w, err)
		return
	}
	ws.writeAccepted(w, id)
}

// handleSubmitRebalance accepts a rebalance request toward a target
// deployed fraction.
func (ws *WebServer) handleSubmitRebalance(w http.ResponseWriter, r *http.Request) {
	var req rebalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id, err := ws.engine.SubmitRebalance(req.TargetBps, ws.slippageOrDefault(req.MaxSlippageBps))
	if err != nil {
		ws.writeSubmitError(w, err)
		return
	}
	ws.writeAccepted(w, id)
}

// handleListOperations returns the newest operations
func (ws *WebServer) handleListOperations(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 && parsedLimit <= 100 {
			limit = parsedLimit
		}
	}

	operations, err := ws.journal.ListOperations(limit)
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to list operations")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve operations")
		return
	}

	response := map[string]interface{}{
		"operations": operations,
		"count":      len(operations),
		"limit":      limit,
	}

	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleGetOperation returns one operation with its full step trail
func (ws *WebServer) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	id, err := uuid.Parse(vars["id"])
	if err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid operation ID")
		return
	}

	op, steps, err := ws.engine.OperationStatus(id)
	if err != nil {
		webLogger.Error().Err(err).Str("operationId", id.String()).Msg("Failed to get operation")
		ws.writeErrorResponse(w, http.StatusNotFound, "Operation not found")
		return
	}

	response := map[string]interface{}{
		"operation": op,
		"steps":     steps,
	}

	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleGetBalances returns the balance ledger view
func (ws *WebServer) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	balances := ws.ledger.All()

	display := make([]map[string]interface{}, 0, len(balances))
	for _, b := range balances {
		entry := map[string]interface{}{
			"asset":       b.Asset,
			"owned":       b.Owned.String(),
			"pending_out": b.PendingOut.String(),
			"pending_in":  b.PendingIn.String(),
			"updated_at":  b.UpdatedAt,
		}
		if decimals, ok := displayDecimals(b.Asset); ok {
			if human, err := utils.SDKIntToFloat64(b.Owned, decimals); err == nil {
				entry["owned_display"] = human
			}
		}
		display = append(display, entry)
	}

	response := map[string]interface{}{
		"balances":  display,
		"timestamp": time.Now().UTC(),
	}

	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleGetDriftReports returns recent reconciliation findings
func (ws *WebServer) handleGetDriftReports(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 && parsedLimit <= 500 {
			limit = parsedLimit
		}
	}

	reports, err := ws.reconciler.Reports(limit)
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to get drift reports")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve drift reports")
		return
	}

	response := map[string]interface{}{
		"reports": reports,
		"count":   len(reports),
	}

	ws.writeJSONResponse(w, http.StatusOK, response)
}

func (ws *WebServer) slippageOrDefault(requested *uint32) uint32 {
	if requested != nil {
		return *requested
	}
	return uint32(config.DefaultMaxSlippageBps)
}

func displayDecimals(asset string) (int, bool) {
	switch asset {
	case config.Asset0Symbol:
		return config.Asset0Decimals, true
	case config.Asset1Symbol:
		return config.Asset1Decimals, true
	default:
		return 0, false
	}
}

func (ws *WebServer) writeAccepted(w http.ResponseWriter, id uuid.UUID) {
	ws.writeJSONResponse(w, http.StatusAccepted, map[string]interface{}{
		"operation_id": id.String(),
		"timestamp":    time.Now().UTC(),
	})
}

func (ws *WebServer) writeSubmitError(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrInvalidRequest), errors.Is(err, engine.ErrInsufficientOwn):
		statusCode = http.StatusBadRequest
	case errors.Is(err, engine.ErrQueueFull):
		statusCode = http.StatusTooManyRequests
	}
	ws.writeErrorResponse(w, statusCode, err.Error())
}

// requireGovernance rejects mutating requests without the configured
// bearer token. An empty configured token disables the endpoints rather
// than leaving them open.
func (ws *WebServer) requireGovernance(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ws.authToken == "" {
			ws.writeErrorResponse(w, http.StatusForbidden, "Governance endpoints are disabled")
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(ws.authToken)) != 1 {
			ws.writeErrorResponse(w, http.StatusUnauthorized, "Invalid governance token")
			return
		}

		next.ServeHTTP(w, r)
	})
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
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
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

		duration := time.Since(start)

		webLogger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Int("status", wrapper.statusCode).
			Dur("duration", duration).
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
