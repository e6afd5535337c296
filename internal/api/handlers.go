package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"profile-exchange/internal/store"
	"profile-exchange/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for local development
		// TODO: restrict in production
		return true
	},
}

// Exchange is the order-routing surface the handlers need.
type Exchange interface {
	Submit(ctx context.Context, req types.SubmitRequest) (types.SubmitReply, error)
	Cancel(ctx context.Context, traderID, orderID uuid.UUID, reason types.CancelReason) (types.CancelReply, error)
	Snapshot(ctx context.Context, symbol string) (types.BookSnapshot, bool, error)
	Symbols() []string
}

// Accounts is the account and read-model surface the handlers need.
type Accounts interface {
	CreateTrader(ctx context.Context, admin bool, initialCashInCents int64) (uuid.UUID, error)
	GetPortfolio(ctx context.Context, traderID uuid.UUID) (store.Portfolio, error)
	RecentTrades(ctx context.Context, symbol string, limit int) ([]types.Trade, error)
}

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	exchange Exchange
	accounts Accounts
	hub      *Hub
	logger   *slog.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(exchange Exchange, accounts Accounts, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		exchange: exchange,
		accounts: accounts,
		hub:      hub,
		logger:   logger.With("component", "api-handlers"),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleSymbols lists the tradable symbols.
func (h *Handlers) HandleSymbols(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"symbols": h.exchange.Symbols()})
}

type submitOrderRequest struct {
	TraderID          string `json:"trader_id"`
	Symbol            string `json:"symbol"`
	Side              string `json:"side"`
	Type              string `json:"type"`
	Quantity          int64  `json:"quantity"`
	LimitPriceInCents int64  `json:"limit_price_in_cents"`
	TIFSeconds        int64  `json:"tif_seconds"`
	TimeoutMS         int64  `json:"timeout_ms"`
}

// HandleSubmitOrder accepts an order and returns its synchronous result.
// Rejections are part of the reply body, not HTTP errors.
func (h *Handlers) HandleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	traderID, err := uuid.Parse(req.TraderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid trader_id")
		return
	}

	submit := types.SubmitRequest{
		TraderID:          traderID,
		Symbol:            req.Symbol,
		Side:              types.Side(req.Side),
		Type:              types.OrderType(req.Type),
		Quantity:          req.Quantity,
		LimitPriceInCents: req.LimitPriceInCents,
		TIFSeconds:        req.TIFSeconds,
	}
	if req.TimeoutMS > 0 {
		submit.Deadline = time.Now().UTC().Add(time.Duration(req.TimeoutMS) * time.Millisecond)
	}

	reply, err := h.exchange.Submit(r.Context(), submit)
	if err != nil {
		h.logger.Error("submit failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	status := http.StatusOK
	if reply.Status == types.StatusRejected {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, reply)
}

// HandleCancelOrder cancels an order on behalf of its owner. The requester
// identifies itself with a trader_id query parameter; cancels for orders
// owned by someone else are refused.
func (h *Handlers) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	traderID, err := uuid.Parse(r.URL.Query().Get("trader_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid trader_id")
		return
	}
	reply, err := h.exchange.Cancel(r.Context(), traderID, orderID, types.CancelUser)
	if err != nil {
		h.logger.Error("cancel failed", "order_id", orderID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	switch reply.Status {
	case types.CancelUnknown:
		writeJSON(w, http.StatusNotFound, reply)
	case types.CancelNotOwner:
		writeJSON(w, http.StatusForbidden, reply)
	default:
		writeJSON(w, http.StatusOK, reply)
	}
}

// HandleBook returns the current depth snapshot for a symbol.
func (h *Handlers) HandleBook(w http.ResponseWriter, r *http.Request) {
	snap, ok, err := h.exchange.Snapshot(r.Context(), r.PathValue("symbol"))
	if err != nil {
		h.logger.Error("snapshot failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown symbol")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleTrades returns recent executions for a symbol.
func (h *Handlers) HandleTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.accounts.RecentTrades(r.Context(), r.PathValue("symbol"), 100)
	if err != nil {
		h.logger.Error("trades query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

type createTraderRequest struct {
	Admin              bool  `json:"admin"`
	InitialCashInCents int64 `json:"initial_cash_in_cents"`
}

// HandleCreateTrader provisions a trader account with an initial deposit.
func (h *Handlers) HandleCreateTrader(w http.ResponseWriter, r *http.Request) {
	var req createTraderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.InitialCashInCents < 0 {
		writeError(w, http.StatusBadRequest, "initial_cash_in_cents must be >= 0")
		return
	}
	id, err := h.accounts.CreateTrader(r.Context(), req.Admin, req.InitialCashInCents)
	if err != nil {
		h.logger.Error("create trader failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"trader_id": id.String()})
}

type portfolioResponse struct {
	TraderID            uuid.UUID        `json:"trader_id"`
	Active              bool             `json:"active"`
	CashInCents         int64            `json:"cash_in_cents"`
	ReservedCashInCents int64            `json:"reserved_cash_in_cents"`
	AvailableInCents    int64            `json:"available_in_cents"`
	Positions           []types.Position `json:"positions"`
}

// HandlePortfolio returns a trader's cash and positions.
func (h *Handlers) HandlePortfolio(w http.ResponseWriter, r *http.Request) {
	traderID, err := uuid.Parse(r.PathValue("trader"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid trader id")
		return
	}
	p, err := h.accounts.GetPortfolio(r.Context(), traderID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown trader")
		return
	}
	if err != nil {
		h.logger.Error("portfolio query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, portfolioResponse{
		TraderID:            p.Trader.ID,
		Active:              p.Trader.Active,
		CashInCents:         p.Trader.CashInCents,
		ReservedCashInCents: p.Trader.ReservedCashInCents,
		AvailableInCents:    p.Trader.AvailableCashInCents(),
		Positions:           p.Positions,
	})
}

// HandleWebSocket upgrades the connection and subscribes it to the
// market-data broadcast.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	NewClient(h.hub, conn)
}
