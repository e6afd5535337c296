// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the exchange — sides, order
// types and statuses, rejection tokens, persistent entities, and the
// request/reply shapes the router exposes. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// ----------------------------------------------------------------------------
// Core enums
// ----------------------------------------------------------------------------

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	// Market orders cross unconditionally while opposite liquidity exists;
	// any remainder is cancelled.
	Market OrderType = "MARKET"
	// Limit orders cross while the limit permits, then rest on the book.
	Limit OrderType = "LIMIT"
	// IOC orders match immediately like a limit (or market, if no limit
	// price was given) and cancel any remainder instead of resting.
	IOC OrderType = "IOC"
)

// OrderStatus is the persistent lifecycle state of an order.
//
// Transitions: PENDING → (OPEN | PARTIALLY_FILLED | FILLED | CANCELLED |
// REJECTED); OPEN → (PARTIALLY_FILLED | FILLED | CANCELLED | EXPIRED);
// PARTIALLY_FILLED → (FILLED | CANCELLED | EXPIRED). Status and
// filled_quantity never move backwards.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusRejected        OrderStatus = "REJECTED"
)

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// successors lists the legal next statuses per state. Only PENDING can be
// REJECTED, and only orders that made it onto the book can EXPIRE.
var successors = map[OrderStatus][]OrderStatus{
	StatusPending:         {StatusOpen, StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusRejected},
	StatusOpen:            {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusExpired},
	StatusPartiallyFilled: {StatusFilled, StatusCancelled, StatusExpired},
}

// CanTransitionTo reports whether moving from s to next is a legal,
// forward-only transition in the order state machine.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if s == next {
		return !s.Terminal()
	}
	return slices.Contains(successors[s], next)
}

// CancelReason distinguishes why an order left the book.
type CancelReason string

const (
	CancelUser        CancelReason = "USER"
	CancelExpired     CancelReason = "EXPIRED"
	CancelNoLiquidity CancelReason = "NO_LIQUIDITY"
	CancelIOCUnfilled CancelReason = "IOC_UNFILLED"
)

// ----------------------------------------------------------------------------
// Rejections
// ----------------------------------------------------------------------------

// RejectReason is a stable wire token explaining a synchronous rejection.
type RejectReason string

const (
	RejectInvalidQuantity    RejectReason = "INVALID_QUANTITY"
	RejectInvalidPrice       RejectReason = "INVALID_PRICE"
	RejectUnknownSymbol      RejectReason = "UNKNOWN_SYMBOL"
	RejectInactiveTrader     RejectReason = "INACTIVE_TRADER"
	RejectInsufficientCash   RejectReason = "INSUFFICIENT_CASH"
	RejectInsufficientShares RejectReason = "INSUFFICIENT_SHARES"
	RejectNoLiquidity        RejectReason = "NO_LIQUIDITY"
	RejectBusy               RejectReason = "BUSY"
	RejectTimeout            RejectReason = "TIMEOUT"
	RejectInternal           RejectReason = "INTERNAL"
)

// RejectError is a client error: reported synchronously to the submitter,
// never persisted, never retried.
type RejectError struct {
	Reason RejectReason
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Rejectf builds a RejectError with a formatted detail message.
func Rejectf(reason RejectReason, format string, args ...any) *RejectError {
	return &RejectError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// AsReject unwraps err into a RejectError if it is one.
func AsReject(err error) (*RejectError, bool) {
	var re *RejectError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// ----------------------------------------------------------------------------
// Persistent entities
// ----------------------------------------------------------------------------

// Trader is an account on the exchange. Admin traders bypass the
// cash-sufficiency check on buys (their balance may go negative) but still
// need owned shares to sell.
type Trader struct {
	ID                  uuid.UUID
	Active              bool
	Admin               bool
	CashInCents         int64
	ReservedCashInCents int64
	CreatedAt           time.Time
}

// AvailableCashInCents is the cash not earmarked by open buy orders.
func (t Trader) AvailableCashInCents() int64 {
	return t.CashInCents - t.ReservedCashInCents
}

// Position is a trader's holding in one symbol. Quantity never goes
// negative; ReservedShares tracks shares earmarked by open sell orders.
type Position struct {
	TraderID       uuid.UUID
	Symbol         string
	Quantity       int64
	ReservedShares int64
	AvgCostInCents int64
}

// AvailableShares is the quantity not earmarked by open sell orders.
func (p Position) AvailableShares() int64 {
	return p.Quantity - p.ReservedShares
}

// Order is the persistent record of a submitted order. ReservedInCents is
// the cash still earmarked for a buy order (zero for sells); it shrinks as
// fills settle and is released when the order goes terminal.
type Order struct {
	ID                uuid.UUID
	TraderID          uuid.UUID
	Symbol            string
	Side              Side
	Type              OrderType
	LimitPriceInCents int64 // 0 = no limit (market, or IOC without price)
	Quantity          int64
	FilledQuantity    int64
	Status            OrderStatus
	TIFSeconds        int64 // 0 = good-till-cancel
	ReservedInCents   int64
	SequenceNumber    int64
	CreatedAt         time.Time
	ExpiresAt         time.Time // zero = never expires
}

// Remaining is the unfilled quantity.
func (o *Order) Remaining() int64 {
	return o.Quantity - o.FilledQuantity
}

// Trade is an immutable execution fact. Quantity and price are always
// positive; buyer and seller are never the same trader.
type Trade struct {
	ID           uuid.UUID
	Symbol       string
	PriceInCents int64
	Quantity     int64
	BuyOrderID   uuid.UUID
	SellOrderID  uuid.UUID
	BuyerID      uuid.UUID
	SellerID     uuid.UUID
	MakerOrderID uuid.UUID
	TakerOrderID uuid.UUID
	ExecutedAt   time.Time
}

// LedgerKind classifies a double-entry ledger row.
type LedgerKind string

const (
	LedgerTradeBuy    LedgerKind = "TRADE_BUY"
	LedgerTradeSell   LedgerKind = "TRADE_SELL"
	LedgerReserve     LedgerKind = "RESERVE"
	LedgerRelease     LedgerKind = "RELEASE"
	LedgerAdminAdjust LedgerKind = "ADMIN_ADJUST"
)

// LedgerEntry is one leg of a double-entry movement. For any trade, the two
// TRADE_* legs sum to zero cash and zero shares.
type LedgerEntry struct {
	ID               int64
	TradeID          *uuid.UUID
	TraderID         uuid.UUID
	DeltaCashInCents int64
	DeltaShares      int64
	Symbol           string // empty for pure cash movements
	Kind             LedgerKind
	CreatedAt        time.Time
}

// ----------------------------------------------------------------------------
// Outbox events
// ----------------------------------------------------------------------------

// EventType enumerates the market-data event kinds written to the outbox.
type EventType string

const (
	EventTradeExecuted  EventType = "TRADE_EXECUTED"
	EventOrderAccepted  EventType = "ORDER_ACCEPTED"
	EventOrderCancelled EventType = "ORDER_CANCELLED"
	EventOrderExpired   EventType = "ORDER_EXPIRED"
	EventBookChanged    EventType = "BOOK_CHANGED"
)

// OutboxEvent is one row of the market-data outbox. It is always written in
// the same transaction as the state change it describes; a separate
// publisher marks PublishedAt.
type OutboxEvent struct {
	ID          uuid.UUID       `json:"event_id"`
	Symbol      string          `json:"symbol"`
	Type        EventType       `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
}

// BookState is the top-of-book view embedded in outbox payloads.
// A zero best price means that side of the book is empty.
type BookState struct {
	BestBidInCents int64 `json:"best_bid_in_cents"`
	BestAskInCents int64 `json:"best_ask_in_cents"`
	BidSize        int64 `json:"bid_size"`
	AskSize        int64 `json:"ask_size"`
}

// TradeExecutedPayload is the JSON body of a TRADE_EXECUTED event.
type TradeExecutedPayload struct {
	Symbol       string    `json:"symbol"`
	TradeID      uuid.UUID `json:"trade_id"`
	PriceInCents int64     `json:"price_in_cents"`
	Quantity     int64     `json:"quantity"`
	BuyerID      uuid.UUID `json:"buyer_id"`
	SellerID     uuid.UUID `json:"seller_id"`
	MakerOrderID uuid.UUID `json:"maker_order_id"`
	TakerOrderID uuid.UUID `json:"taker_order_id"`
	ExecutedAt   time.Time `json:"executed_at"`
	Book         BookState `json:"book"`
}

// OrderAcceptedPayload is the JSON body of an ORDER_ACCEPTED event.
type OrderAcceptedPayload struct {
	OrderID           uuid.UUID `json:"order_id"`
	Symbol            string    `json:"symbol"`
	Side              Side      `json:"side"`
	Type              OrderType `json:"type"`
	Quantity          int64     `json:"quantity"`
	LimitPriceInCents int64     `json:"limit_price_in_cents,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// OrderCancelledPayload is the JSON body of an ORDER_CANCELLED event.
type OrderCancelledPayload struct {
	OrderID uuid.UUID    `json:"order_id"`
	Reason  CancelReason `json:"reason"`
}

// OrderExpiredPayload is the JSON body of an ORDER_EXPIRED event.
type OrderExpiredPayload struct {
	OrderID uuid.UUID `json:"order_id"`
}

// BookChangedPayload is the JSON body of a BOOK_CHANGED event, emitted when
// a resting order enters or leaves the book outside of a trade.
type BookChangedPayload struct {
	Symbol string    `json:"symbol"`
	Book   BookState `json:"book"`
}

// ----------------------------------------------------------------------------
// Router requests and replies
// ----------------------------------------------------------------------------

// SubmitRequest is an order intent handed to the router. Deadline is
// optional; if it elapses while the intent is still queued, the reply is a
// TIMEOUT rejection and the engine skips the intent.
type SubmitRequest struct {
	TraderID          uuid.UUID
	Symbol            string
	Side              Side
	Type              OrderType
	Quantity          int64
	LimitPriceInCents int64 // required iff LIMIT, optional for IOC
	TIFSeconds        int64 // LIMIT only; 0 = good-till-cancel
	Deadline          time.Time
}

// FillReport describes one fill from the taker's perspective.
type FillReport struct {
	MakerOrderID uuid.UUID `json:"maker_order_id"`
	Quantity     int64     `json:"quantity"`
	PriceInCents int64     `json:"price_in_cents"`
}

// SubmitReply is the completion result of a submit intent.
type SubmitReply struct {
	OrderID      uuid.UUID    `json:"order_id"`
	Status       OrderStatus  `json:"status"`
	Fills        []FillReport `json:"fills"`
	RejectReason RejectReason `json:"rejection_reason,omitempty"`
}

// CancelStatus is the outcome of a cancel request.
type CancelStatus string

const (
	CancelOK              CancelStatus = "CANCELLED"
	CancelAlreadyTerminal CancelStatus = "ALREADY_TERMINAL"
	CancelUnknown         CancelStatus = "UNKNOWN"
	CancelNotOwner        CancelStatus = "NOT_OWNER"
)

// CancelReply is the completion result of a cancel intent.
type CancelReply struct {
	Status CancelStatus `json:"status"`
}

// BookSnapshot is a consistent read of one symbol's book, served by the
// engine between intents. Bids and Asks aggregate resting quantity by
// price level.
type BookSnapshot struct {
	Symbol           string          `json:"symbol"`
	Bids             map[int64]int64 `json:"bids"`
	Asks             map[int64]int64 `json:"asks"`
	BestBidInCents   int64           `json:"best_bid,omitempty"`
	BestAskInCents   int64           `json:"best_ask,omitempty"`
	BidSize          int64           `json:"bid_size,omitempty"`
	AskSize          int64           `json:"ask_size,omitempty"`
	LastPriceInCents int64           `json:"last_price_in_cents,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
}
