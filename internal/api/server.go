// Package api exposes the ledger and router over HTTP. Structured requests
// cross the boundary as wire envelopes and are validated before any core
// state is touched.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/Mad-Labs42/ZED42/internal/ledger"
	"github.com/Mad-Labs42/ZED42/internal/router"
	"github.com/Mad-Labs42/ZED42/internal/wire"
)

// maxBodyBytes caps inbound payloads.
const maxBodyBytes = 1 << 20

// Router handles HTTP routing for the control plane.
type Router struct {
	mux    *http.ServeMux
	ledger *ledger.Service
	core   *router.Router
	logs   router.LogStore
}

// NewRouter wires the HTTP surface.
func NewRouter(l *ledger.Service, core *router.Router, logs router.LogStore) http.Handler {
	r := &Router{
		mux:    http.NewServeMux(),
		ledger: l,
		core:   core,
		logs:   logs,
	}
	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	r.mux.HandleFunc("/api/health", r.handleHealth)
	r.mux.HandleFunc("/api/lease", r.handleLease)
	r.mux.HandleFunc("/api/settle", r.handleSettle)
	r.mux.HandleFunc("/api/route", r.handleRoute)
	r.mux.HandleFunc("/api/budgets/", r.handleBudget)
	r.mux.HandleFunc("/api/circuits", r.handleCircuits)
	r.mux.HandleFunc("/api/log", r.handleLog)
	r.mux.Handle("/metrics", promhttp.Handler())
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleLease grants a budget reservation from a wire lease_request frame.
func (r *Router) handleLease(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg, ok := r.decodeFrame(w, req)
	if !ok {
		return
	}
	lease, ok := msg.(*wire.LeaseRequest)
	if !ok {
		http.Error(w, "Expected lease_request", http.StatusBadRequest)
		return
	}

	grant, err := r.ledger.RequestLease(req.Context(), lease.EntityID, lease.EstimatedCost)
	if err != nil {
		var hardCap *ledger.HardCapError
		var frozen *ledger.FrozenError
		switch {
		case errors.As(err, &hardCap), errors.As(err, &frozen):
			writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": err.Error()})
		case errors.Is(err, ledger.ErrBudgetNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		default:
			log.Error().Err(err).Str("entity", lease.EntityID).Msg("Lease request failed")
			http.Error(w, "Internal error", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, grant)
}

// handleSettle commits measured usage from a wire settlement_report frame.
func (r *Router) handleSettle(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg, ok := r.decodeFrame(w, req)
	if !ok {
		return
	}
	report, ok := msg.(*wire.SettlementReport)
	if !ok {
		http.Error(w, "Expected settlement_report", http.StatusBadRequest)
		return
	}

	receipt, err := r.ledger.CommitUsage(req.Context(), report.LeaseID, ledger.Usage{
		InputTokens:  report.InputTokens,
		OutputTokens: report.OutputTokens,
		BackendID:    report.BackendID,
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrLeaseSettled):
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		case errors.Is(err, ledger.ErrLeaseNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		default:
			log.Error().Err(err).Str("lease", report.LeaseID).Msg("Settlement failed")
			http.Error(w, "Internal error", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, receipt)
}

type routeRequest struct {
	CallerID        string `json:"caller_id"`
	Payload         string `json:"payload"`
	InputTokens     int64  `json:"input_tokens"`
	MaxOutputTokens int64  `json:"max_output_tokens"`
	RetryCause      string `json:"retry_cause"`
}

// handleRoute runs the full orchestration path for one request.
func (r *Router) handleRoute(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body routeRequest
	if err := json.NewDecoder(io.LimitReader(req.Body, maxBodyBytes)).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	resp, err := r.core.Route(req.Context(), router.Request{
		CallerID:        body.CallerID,
		Payload:         body.Payload,
		InputTokens:     body.InputTokens,
		MaxOutputTokens: body.MaxOutputTokens,
		RetryCause:      router.RetryCause(body.RetryCause),
	})
	if err != nil {
		var budget *router.BudgetExceededError
		var pressure *router.BackpressureError
		var unavailable *router.AllProvidersUnavailableError
		var failed *router.AllTiersFailedError
		switch {
		case errors.As(err, &budget):
			writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": err.Error()})
		case errors.As(err, &pressure):
			w.Header().Set("Retry-After", strconv.Itoa(int(pressure.RetryAfter/time.Second)))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		case errors.As(err, &unavailable), errors.As(err, &failed):
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleBudget serves GET /api/budgets/{entity} snapshots and POST freezes.
func (r *Router) handleBudget(w http.ResponseWriter, req *http.Request) {
	entityID := strings.TrimPrefix(req.URL.Path, "/api/budgets/")
	action := ""
	if i := strings.IndexByte(entityID, '/'); i >= 0 {
		entityID, action = entityID[:i], entityID[i+1:]
	}
	if entityID == "" {
		http.Error(w, "Entity id required", http.StatusBadRequest)
		return
	}

	switch {
	case req.Method == http.MethodGet && action == "":
		snap, err := r.ledger.Snapshot(req.Context(), entityID)
		if err != nil {
			if errors.Is(err, ledger.ErrBudgetNotFound) {
				http.Error(w, "Budget not found", http.StatusNotFound)
				return
			}
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	case req.Method == http.MethodGet && action == "entries":
		entries, err := r.ledger.Entries(req.Context(), entityID, 100)
		if err != nil {
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	case req.Method == http.MethodPost && action == "freeze":
		if err := r.ledger.FreezeBudget(req.Context(), entityID, "api request"); err != nil {
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "frozen"})
	case req.Method == http.MethodPost && action == "unfreeze":
		if err := r.ledger.UnfreezeBudget(req.Context(), entityID, "api request"); err != nil {
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (r *Router) handleCircuits(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, r.core.CircuitStatus())
}

func (r *Router) handleLog(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 50
	if s := req.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	entries, err := r.logs.Tail(req.Context(), limit)
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (r *Router) decodeFrame(w http.ResponseWriter, req *http.Request) (any, bool) {
	data, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return nil, false
	}
	msg, err := wire.Decode(data)
	if err != nil {
		var verr *wire.ValidationError
		if errors.Is(err, wire.ErrUnknownKind) || errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		} else {
			http.Error(w, "Invalid envelope", http.StatusBadRequest)
		}
		return nil, false
	}
	return msg, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
