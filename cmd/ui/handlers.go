package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-session-bot-go/internal/ledger"
	"trading-session-bot-go/internal/models"
	"trading-session-bot-go/internal/repo"
)

// APIHandler holds dependencies for the API endpoints.
type APIHandler struct {
	log   *zap.Logger
	store repo.Store
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(log *zap.Logger, store repo.Store) *APIHandler {
	return &APIHandler{log: log, store: store}
}

// Routes registers the dashboard endpoints.
func (h *APIHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/trades", h.TradesHandler)
	mux.HandleFunc("GET /api/statistics", h.StatisticsHandler)
	mux.HandleFunc("GET /api/sessions", h.SessionsHandler)
	mux.HandleFunc("GET /api/sessions/{id}/logs", h.LogsHandler)
}

// TradesHandler returns historical trades, most recent first. Optional
// filters: user, session, status, limit.
func (h *APIHandler) TradesHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	trades, err := h.store.ListTrades(r.Context(), repo.TradeFilter{
		UserID:    q.Get("user"),
		SessionID: q.Get("session"),
		Status:    q.Get("status"),
		Limit:     limitParam(r, 200),
	})
	if err != nil {
		h.log.Error("Failed to get trades from database", zap.Error(err))
		http.Error(w, "Failed to get trades", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, trades)
}

// StatisticsResponse is the structure for the /api/statistics endpoint.
type StatisticsResponse struct {
	Since24h ledger.Performance `json:"since_24h"`
	AllTime  ledger.Performance `json:"all_time"`
}

// StatisticsHandler calculates trading statistics over closed trades.
func (h *APIHandler) StatisticsHandler(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.ListTrades(r.Context(), repo.TradeFilter{
		UserID: r.URL.Query().Get("user"),
		Status: string(ledger.StatusClosed),
	})
	if err != nil {
		h.log.Error("Failed to get trades for statistics", zap.Error(err))
		http.Error(w, "Failed to calculate statistics", http.StatusInternalServerError)
		return
	}

	trades := lo.Map(rows, func(row models.Trade, _ int) ledger.Trade { return repo.LedgerTrade(row) })
	balance := decimal.Zero
	if raw := r.URL.Query().Get("initial_balance"); raw != "" {
		if balance, err = decimal.NewFromString(raw); err != nil {
			http.Error(w, "invalid initial_balance", http.StatusBadRequest)
			return
		}
	}

	h.writeJSON(w, StatisticsResponse{
		Since24h: ledger.ComputePerformance(trades, balance, time.Now().Add(-24*time.Hour)),
		AllTime:  ledger.ComputePerformance(trades, balance, time.Time{}),
	})
}

// SessionsHandler lists bot sessions, most recent first.
func (h *APIHandler) SessionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.ListSessions(r.Context(), r.URL.Query().Get("user"), limitParam(r, 50))
	if err != nil {
		h.log.Error("Failed to get sessions from database", zap.Error(err))
		http.Error(w, "Failed to get sessions", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, sessions)
}

// LogsHandler returns the persisted events of one session.
func (h *APIHandler) LogsHandler(w http.ResponseWriter, r *http.Request) {
	logs, err := h.store.ListEvents(r.Context(), r.PathValue("id"), limitParam(r, 100))
	if err != nil {
		h.log.Error("Failed to get session logs", zap.Error(err))
		http.Error(w, "Failed to get logs", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, logs)
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error("Failed to write response", zap.Error(err))
	}
}

func limitParam(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return n
}
