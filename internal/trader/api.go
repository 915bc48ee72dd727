package trader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-session-bot-go/internal/errs"
	"trading-session-bot-go/internal/events"
	"trading-session-bot-go/internal/exchange"
	"trading-session-bot-go/internal/ledger"
)

// UserHeader carries the caller identity. Authentication happens upstream.
const UserHeader = "X-User-ID"

// APIServer provides the HTTP control interface over the session registry.
type APIServer struct {
	server   *http.Server
	registry *Registry
	hub      *events.Hub
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewAPIServer creates a new APIServer. hub may be nil, in which case the
// event stream endpoint is not served.
func NewAPIServer(registry *Registry, hub *events.Hub, port int, logger *zap.Logger) *APIServer {
	s := &APIServer{
		registry: registry,
		hub:      hub,
		logger:   logger.Named("api-server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for embedding or tests.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/bot/start", s.startHandler)
	mux.HandleFunc("POST /api/bot/stop", s.stopHandler)
	mux.HandleFunc("GET /api/bot/status", s.statusHandler)
	mux.HandleFunc("GET /api/bot/positions", s.positionsHandler)
	mux.HandleFunc("GET /api/bot/trades", s.tradesHandler)
	mux.HandleFunc("GET /api/bot/performance", s.performanceHandler)
	mux.HandleFunc("POST /api/bot/trades/{id}/close", s.closeTradeHandler)
	mux.HandleFunc("PATCH /api/bot/trades/{id}/risk", s.riskHandler)
	if s.hub != nil {
		mux.HandleFunc("GET /ws/events", s.eventsHandler)
	}
	mux.HandleFunc("GET /health", s.healthHandler)
	return mux
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

type startRequest struct {
	TradingMode        string `json:"trading_mode"`
	ConfigID           string `json:"config_id"`
	ConfirmRealTrading bool   `json:"confirm_real_trading"`
}

// positionView adds the derived risk figures to a position.
type positionView struct {
	ledger.Position
	Value                decimal.Decimal `json:"value"`
	DistanceToStopLoss   decimal.Decimal `json:"distance_to_stop_loss"`
	DistanceToTakeProfit decimal.Decimal `json:"distance_to_take_profit"`
	RiskRewardRatio      decimal.Decimal `json:"risk_reward_ratio"`
}

type riskRequest struct {
	StopLoss   *decimal.Decimal `json:"stop_loss"`
	TakeProfit *decimal.Decimal `json:"take_profit"`
}

func (s *APIServer) startHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	req := startRequest{TradingMode: string(exchange.ModeSimulation)}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.fail(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	mode, err := exchange.ParseMode(req.TradingMode)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if mode.IsReal() && !req.ConfirmRealTrading {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"success":               false,
			"message":               "confirmation required for real trading",
			"requires_confirmation": true,
		})
		return
	}

	res, err := s.registry.Start(r.Context(), userID, mode, req.ConfigID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"message":      fmt.Sprintf("Bot started in %s mode", res.Mode),
		"session_id":   res.SessionID,
		"trading_mode": res.Mode,
	})
}

func (s *APIServer) stopHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	if err := s.registry.Stop(r.Context(), userID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Bot stopped"})
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.registry.Status(userID))
}

func (s *APIServer) positionsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	positions, err := s.registry.OpenPositions(userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := lo.Map(positions, func(p ledger.Position, _ int) positionView {
		return positionView{
			Position:             p,
			Value:                p.Value(),
			DistanceToStopLoss:   p.DistanceToStopLoss(),
			DistanceToTakeProfit: p.DistanceToTakeProfit(),
			RiskRewardRatio:      p.RiskRewardRatio(),
		}
	})
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "positions": views})
}

func (s *APIServer) tradesHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	since, err := sinceDays(r, 0)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	trades, err := s.registry.TradeHistory(userID, since, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "trades": trades})
}

func (s *APIServer) performanceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	since, err := sinceDays(r, 30)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	perf, err := s.registry.Performance(userID, since)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "performance": perf})
}

func (s *APIServer) closeTradeHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	tr, err := s.registry.ClosePosition(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "trade": tr})
}

func (s *APIServer) riskHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	var req riskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	tr, err := s.registry.UpdateRiskLevels(userID, r.PathValue("id"), req.StopLoss, req.TakeProfit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "trade": tr})
}

// eventsHandler streams hub events for the caller's current session, or for
// the session named by the session_id query parameter.
func (s *APIServer) eventsHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		userID, ok := s.user(w, r)
		if !ok {
			return
		}
		report := s.registry.Status(userID)
		if report.Session == nil {
			s.writeError(w, &errs.NotRunningError{UserID: userID})
			return
		}
		sessionID = report.Session.ID
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := s.hub.Subscribe(sessionID)
	defer sub.Close()

	// Reader goroutine only notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case ev, ok := <-sub.C:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("Websocket write failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *APIServer) user(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(UserHeader)
	if userID == "" {
		s.fail(w, http.StatusUnauthorized, "missing "+UserHeader+" header")
		return "", false
	}
	return userID, true
}

// writeError maps the error taxonomy onto HTTP status codes.
func (s *APIServer) writeError(w http.ResponseWriter, err error) {
	var (
		configErr  *errs.ConfigurationError
		running    *errs.AlreadyRunningError
		notRunning *errs.NotRunningError
		notFound   *errs.NotFoundError
		badState   *errs.InvalidStateError
		rejected   *errs.OrderRejectedError
		gatewayErr *errs.GatewayError
	)
	code := http.StatusInternalServerError
	switch {
	case errors.As(err, &configErr):
		code = http.StatusBadRequest
	case errors.As(err, &running), errors.As(err, &badState):
		code = http.StatusConflict
	case errors.As(err, &notRunning), errors.As(err, &notFound):
		code = http.StatusNotFound
	case errors.As(err, &rejected):
		code = http.StatusUnprocessableEntity
	case errors.As(err, &gatewayErr):
		code = http.StatusBadGateway
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
	}
	s.fail(w, code, err.Error())
}

func (s *APIServer) fail(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, map[string]any{"success": false, "message": message})
}

func (s *APIServer) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}

func sinceDays(r *http.Request, def int) (time.Time, error) {
	days, err := queryInt(r, "days", def)
	if err != nil {
		return time.Time{}, err
	}
	if days <= 0 {
		return time.Time{}, nil
	}
	return time.Now().UTC().AddDate(0, 0, -days), nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return n, nil
}
