// Package engine runs one matching engine per symbol.
//
// Each Engine owns its symbol's book exclusively: a single goroutine drains
// a bounded intent queue and processes submits, cancels, and snapshot reads
// one at a time, which makes price-time-sequence priority deterministic
// without locks. Every intent that mutates state runs inside one database
// transaction; the in-memory book is updated only after that transaction
// commits, so a crash at any point leaves the book rebuildable from the
// orders table.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"profile-exchange/internal/book"
	"profile-exchange/internal/metrics"
	"profile-exchange/internal/settle"
	"profile-exchange/internal/store"
	"profile-exchange/pkg/types"
)

// DB is the transactional surface the engine needs. *store.Store satisfies
// it; tests substitute an in-memory implementation.
type DB interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx *store.Tx) error) error
}

// Config tunes one engine.
type Config struct {
	// QueueCapacity bounds the intent queue; a full queue rejects with BUSY.
	QueueCapacity int
	// MaxRetries caps transaction retries on transient database failures.
	MaxRetries uint64
	// RetryBase and RetryMax bound the exponential retry backoff.
	RetryBase time.Duration
	RetryMax  time.Duration
	// SlippageCushion scales the cash estimate reserved for market buys,
	// e.g. 1.10 reserves 10% above the top-of-book cost.
	SlippageCushion float64
}

type submitIntent struct {
	req   types.SubmitRequest
	reply chan types.SubmitReply
}

type cancelIntent struct {
	// traderID is the requester; uuid.Nil marks a system cancel (expiry)
	// that bypasses the ownership check.
	traderID uuid.UUID
	orderID  uuid.UUID
	reason   types.CancelReason
	reply    chan types.CancelReply
}

type snapshotIntent struct {
	reply chan types.BookSnapshot
}

// Engine is the single writer for one symbol.
type Engine struct {
	symbol  string
	db      DB
	book    *book.Book
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	intents chan any
	now     func() time.Time
}

// New creates an engine for a symbol. Call Recover before Run on a store
// that may hold open orders.
func New(symbol string, db DB, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		symbol:  symbol,
		db:      db,
		book:    book.New(symbol),
		cfg:     cfg,
		logger:  logger.With("component", "engine", "symbol", symbol),
		metrics: m,
		intents: make(chan any, cfg.QueueCapacity),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Recover rebuilds the in-memory book from the symbol's open orders. The
// store query returns them in priority order, so replaying Add restores
// FIFO within each price level.
func (e *Engine) Recover(ctx context.Context) error {
	return e.db.RunInTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		orders, err := tx.Orders.OpenOrders(ctx, e.symbol)
		if err != nil {
			return err
		}
		for _, o := range orders {
			e.book.Add(book.RestingOrder{
				OrderID:      o.ID,
				TraderID:     o.TraderID,
				Side:         o.Side,
				PriceInCents: o.LimitPriceInCents,
				Remaining:    o.Remaining(),
				Sequence:     o.SequenceNumber,
			})
		}
		e.logger.Info("book recovered", "open_orders", len(orders))
		e.metrics.OpenOrders.WithLabelValues(e.symbol).Set(float64(e.book.OpenOrderCount()))
		return nil
	})
}

// Run drains the intent queue until ctx is cancelled. It must be the only
// goroutine touching the book.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.drain()
			return
		case it := <-e.intents:
			e.metrics.QueueDepth.WithLabelValues(e.symbol).Set(float64(len(e.intents)))
			switch it := it.(type) {
			case submitIntent:
				it.reply <- e.doSubmit(ctx, it.req)
			case cancelIntent:
				it.reply <- e.doCancel(ctx, it.traderID, it.orderID, it.reason)
			case snapshotIntent:
				it.reply <- e.book.Snapshot()
			}
		}
	}
}

// drain rejects whatever was still queued at shutdown.
func (e *Engine) drain() {
	for {
		select {
		case it := <-e.intents:
			switch it := it.(type) {
			case submitIntent:
				it.reply <- types.SubmitReply{Status: types.StatusRejected, RejectReason: types.RejectBusy}
			case cancelIntent:
				it.reply <- types.CancelReply{Status: types.CancelUnknown}
			case snapshotIntent:
				it.reply <- e.book.Snapshot()
			}
		default:
			return
		}
	}
}

// Submit enqueues an order intent and waits for its result. A full queue
// rejects immediately with BUSY.
func (e *Engine) Submit(ctx context.Context, req types.SubmitRequest) (types.SubmitReply, error) {
	it := submitIntent{req: req, reply: make(chan types.SubmitReply, 1)}
	select {
	case e.intents <- it:
	default:
		e.metrics.OrdersRejected.WithLabelValues(e.symbol, string(types.RejectBusy)).Inc()
		return types.SubmitReply{Status: types.StatusRejected, RejectReason: types.RejectBusy}, nil
	}
	select {
	case reply := <-it.reply:
		return reply, nil
	case <-ctx.Done():
		return types.SubmitReply{}, ctx.Err()
	}
}

// Cancel enqueues a cancel intent and waits for its result. traderID must
// match the order's owner; uuid.Nil is reserved for system-initiated
// cancels such as expiry.
func (e *Engine) Cancel(ctx context.Context, traderID, orderID uuid.UUID, reason types.CancelReason) (types.CancelReply, error) {
	it := cancelIntent{traderID: traderID, orderID: orderID, reason: reason, reply: make(chan types.CancelReply, 1)}
	select {
	case e.intents <- it:
	case <-ctx.Done():
		return types.CancelReply{}, ctx.Err()
	}
	select {
	case reply := <-it.reply:
		return reply, nil
	case <-ctx.Done():
		return types.CancelReply{}, ctx.Err()
	}
}

// Snapshot returns a consistent view of the book, serialized between
// intents like any other operation.
func (e *Engine) Snapshot(ctx context.Context) (types.BookSnapshot, error) {
	it := snapshotIntent{reply: make(chan types.BookSnapshot, 1)}
	select {
	case e.intents <- it:
	case <-ctx.Done():
		return types.BookSnapshot{}, ctx.Err()
	}
	select {
	case snap := <-it.reply:
		return snap, nil
	case <-ctx.Done():
		return types.BookSnapshot{}, ctx.Err()
	}
}

// ----------------------------------------------------------------------------
// Submit
// ----------------------------------------------------------------------------

// maxWireValue bounds quantities and prices to the 32-bit unsigned range
// of the wire contract; it also keeps price*quantity far from int64
// overflow.
const maxWireValue = math.MaxUint32

func validate(req types.SubmitRequest) error {
	if req.Quantity <= 0 {
		return types.Rejectf(types.RejectInvalidQuantity, "quantity must be positive, got %d", req.Quantity)
	}
	if req.Quantity > maxWireValue {
		return types.Rejectf(types.RejectInvalidQuantity, "quantity %d exceeds maximum %d", req.Quantity, int64(maxWireValue))
	}
	if req.LimitPriceInCents > maxWireValue {
		return types.Rejectf(types.RejectInvalidPrice, "price %d exceeds maximum %d", req.LimitPriceInCents, int64(maxWireValue))
	}
	switch req.Type {
	case types.Limit:
		if req.LimitPriceInCents <= 0 {
			return types.Rejectf(types.RejectInvalidPrice, "limit orders need a positive price")
		}
	case types.Market:
		if req.LimitPriceInCents != 0 {
			return types.Rejectf(types.RejectInvalidPrice, "market orders take no price")
		}
		if req.TIFSeconds != 0 {
			return types.Rejectf(types.RejectInvalidPrice, "market orders take no time-in-force")
		}
	case types.IOC:
		if req.LimitPriceInCents < 0 {
			return types.Rejectf(types.RejectInvalidPrice, "negative limit price")
		}
		if req.TIFSeconds != 0 {
			return types.Rejectf(types.RejectInvalidPrice, "immediate-or-cancel orders take no time-in-force")
		}
	default:
		return types.Rejectf(types.RejectInternal, "unknown order type %q", req.Type)
	}
	if req.Side != types.BUY && req.Side != types.SELL {
		return types.Rejectf(types.RejectInternal, "unknown side %q", req.Side)
	}
	if req.TIFSeconds < 0 {
		return types.Rejectf(types.RejectInvalidPrice, "negative time-in-force")
	}
	return nil
}

func (e *Engine) doSubmit(ctx context.Context, req types.SubmitRequest) types.SubmitReply {
	start := e.now()
	if !req.Deadline.IsZero() && start.After(req.Deadline) {
		return rejectReply(types.Rejectf(types.RejectTimeout, "intent expired in queue"))
	}
	if err := validate(req); err != nil {
		re, _ := types.AsReject(err)
		e.metrics.OrdersRejected.WithLabelValues(e.symbol, string(re.Reason)).Inc()
		return rejectReply(err)
	}

	order := types.Order{
		ID:                uuid.New(),
		TraderID:          req.TraderID,
		Symbol:            e.symbol,
		Side:              req.Side,
		Type:              req.Type,
		LimitPriceInCents: req.LimitPriceInCents,
		Quantity:          req.Quantity,
		TIFSeconds:        req.TIFSeconds,
		CreatedAt:         start,
	}
	if req.Type == types.Limit && req.TIFSeconds > 0 {
		order.ExpiresAt = start.Add(time.Duration(req.TIFSeconds) * time.Second)
	}

	var (
		plan  book.Plan
		rest  *book.RestingOrder
		fills []types.FillReport
	)
	attempt := func(ctx context.Context, tx *store.Tx) error {
		// Reset anything a prior failed attempt may have set.
		order.FilledQuantity = 0
		order.Status = ""
		order.ReservedInCents = 0
		order.SequenceNumber = 0
		plan, rest, fills = book.Plan{}, nil, nil

		trader, err := tx.Traders.Get(ctx, order.TraderID)
		if errors.Is(err, store.ErrNotFound) {
			return types.Rejectf(types.RejectInactiveTrader, "unknown trader %s", order.TraderID)
		}
		if err != nil {
			return err
		}
		if !trader.Active {
			return types.Rejectf(types.RejectInactiveTrader, "trader %s is inactive", order.TraderID)
		}

		plan = e.book.PlanMatch(book.Taker{
			OrderID:           order.ID,
			TraderID:          order.TraderID,
			Side:              order.Side,
			Type:              order.Type,
			Quantity:          order.Quantity,
			LimitPriceInCents: order.LimitPriceInCents,
		})

		if err := e.reserve(ctx, tx, &order, trader, plan); err != nil {
			return err
		}
		if err := tx.Orders.Insert(ctx, &order); err != nil {
			return err
		}
		if err := tx.Outbox.Append(ctx, e.symbol, types.EventOrderAccepted, types.OrderAcceptedPayload{
			OrderID:           order.ID,
			Symbol:            order.Symbol,
			Side:              order.Side,
			Type:              order.Type,
			Quantity:          order.Quantity,
			LimitPriceInCents: order.LimitPriceInCents,
			CreatedAt:         order.CreatedAt,
		}); err != nil {
			return err
		}

		if order.Type == types.Limit && plan.Remaining > 0 {
			rest = &book.RestingOrder{
				OrderID:      order.ID,
				TraderID:     order.TraderID,
				Side:         order.Side,
				PriceInCents: order.LimitPriceInCents,
				Remaining:    plan.Remaining,
				Sequence:     order.SequenceNumber,
			}
		}
		projected := e.book.ProjectedState(plan, rest)

		for _, f := range plan.Fills {
			if _, err := settle.ApplyFill(ctx, tx, &order, f, projected, start); err != nil {
				return err
			}
			fills = append(fills, types.FillReport{
				MakerOrderID: f.MakerOrderID,
				Quantity:     f.Quantity,
				PriceInCents: f.PriceInCents,
			})
		}
		return e.finishOrder(ctx, tx, &order, plan, projected)
	}

	err := e.withRetry(ctx, func() error {
		return e.db.RunInTx(ctx, attempt)
	})
	if err != nil {
		if re, ok := types.AsReject(err); ok {
			e.metrics.OrdersRejected.WithLabelValues(e.symbol, string(re.Reason)).Inc()
			return rejectReply(err)
		}
		e.logger.Error("submit failed", "order_id", order.ID, "error", err)
		e.metrics.OrdersRejected.WithLabelValues(e.symbol, string(types.RejectInternal)).Inc()
		return rejectReply(types.Rejectf(types.RejectInternal, "submit failed"))
	}

	e.book.Commit(plan, rest)

	e.metrics.OrdersSubmitted.WithLabelValues(e.symbol, string(order.Status)).Inc()
	if n := len(fills); n > 0 {
		e.metrics.TradesExecuted.WithLabelValues(e.symbol).Add(float64(n))
		e.metrics.TradeVolume.WithLabelValues(e.symbol).Add(float64(plan.FilledQuantity()))
	}
	e.metrics.OpenOrders.WithLabelValues(e.symbol).Set(float64(e.book.OpenOrderCount()))
	e.metrics.SubmitLatency.WithLabelValues(e.symbol).Observe(e.now().Sub(start).Seconds())

	return types.SubmitReply{OrderID: order.ID, Status: order.Status, Fills: fills}
}

// reserve earmarks cash or shares for the order before matching settles.
// Buy orders with a limit reserve quantity*limit; market buys reserve a
// cushioned top-of-book estimate, raised to the planned cost when the plan
// is dearer. Sells reserve the full quantity in shares.
func (e *Engine) reserve(ctx context.Context, tx *store.Tx, order *types.Order, trader types.Trader, plan book.Plan) error {
	if order.Side == types.SELL {
		if order.Type == types.Market {
			if _, ok := e.book.BestBid(); !ok {
				return types.Rejectf(types.RejectNoLiquidity, "no bids for %s", e.symbol)
			}
		}
		return tx.Ledger.ReserveShares(ctx, order.TraderID, e.symbol, order.Quantity)
	}

	if order.LimitPriceInCents > 0 {
		reserveCents := order.LimitPriceInCents * order.Quantity
		if err := tx.Traders.ReserveCash(ctx, order.TraderID, reserveCents); err != nil {
			return err
		}
		order.ReservedInCents = reserveCents
		return nil
	}

	bestAsk, ok := e.book.BestAsk()
	if !ok {
		if order.Type == types.Market {
			return types.Rejectf(types.RejectNoLiquidity, "no asks for %s", e.symbol)
		}
		// Unpriced IOC on an empty book cancels its remainder instead.
		return nil
	}
	// All cash stays in integer cents; the cushion multiply goes through
	// decimal so the ceiling is exact.
	estimate := decimal.NewFromInt(order.Quantity * bestAsk).
		Mul(decimal.NewFromFloat(e.cfg.SlippageCushion)).
		Ceil().IntPart()
	if !trader.Admin && estimate > trader.AvailableCashInCents() {
		estimate = trader.AvailableCashInCents()
	}
	if cost := planCost(plan); cost > estimate {
		estimate = cost
	}
	if err := tx.Traders.ReserveCash(ctx, order.TraderID, estimate); err != nil {
		return err
	}
	order.ReservedInCents = estimate
	return nil
}

func planCost(plan book.Plan) int64 {
	var cost int64
	for _, f := range plan.Fills {
		cost += f.PriceInCents * f.Quantity
	}
	return cost
}

// finishOrder settles the order's final status and residual earmarks after
// all fills of the plan have been applied.
func (e *Engine) finishOrder(ctx context.Context, tx *store.Tx, order *types.Order, plan book.Plan, projected types.BookState) error {
	if order.Remaining() == 0 {
		// FILLED; a market buy may still hold part of its estimate.
		return settle.ReleaseResidual(ctx, tx, order)
	}

	if order.Type == types.Limit {
		if order.FilledQuantity == 0 {
			if err := tx.Orders.SetStatus(ctx, order.ID, types.StatusOpen); err != nil {
				return err
			}
			order.Status = types.StatusOpen
		}
		if len(plan.Fills) == 0 {
			// Entering the book without a trade still moves top-of-book.
			return tx.Outbox.Append(ctx, e.symbol, types.EventBookChanged, types.BookChangedPayload{
				Symbol: e.symbol,
				Book:   projected,
			})
		}
		return nil
	}

	// Market and IOC remainders never rest.
	if err := tx.Orders.SetStatus(ctx, order.ID, types.StatusCancelled); err != nil {
		return err
	}
	order.Status = types.StatusCancelled
	if err := settle.ReleaseResidual(ctx, tx, order); err != nil {
		return err
	}
	reason := types.CancelNoLiquidity
	if order.Type == types.IOC {
		reason = types.CancelIOCUnfilled
	}
	return tx.Outbox.Append(ctx, e.symbol, types.EventOrderCancelled, types.OrderCancelledPayload{
		OrderID: order.ID,
		Reason:  reason,
	})
}

// ----------------------------------------------------------------------------
// Cancel
// ----------------------------------------------------------------------------

func (e *Engine) doCancel(ctx context.Context, traderID, orderID uuid.UUID, reason types.CancelReason) types.CancelReply {
	newStatus := types.StatusCancelled
	if reason == types.CancelExpired {
		newStatus = types.StatusExpired
	}

	var result types.CancelStatus
	attempt := func(ctx context.Context, tx *store.Tx) error {
		o, err := tx.Orders.GetForUpdate(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) {
			result = types.CancelUnknown
			return nil
		}
		if err != nil {
			return err
		}
		if o.Symbol != e.symbol {
			return fmt.Errorf("order %s belongs to %s, routed to %s", orderID, o.Symbol, e.symbol)
		}
		if traderID != uuid.Nil && o.TraderID != traderID {
			result = types.CancelNotOwner
			return nil
		}
		if o.Status.Terminal() {
			result = types.CancelAlreadyTerminal
			return nil
		}
		if err := tx.Orders.SetStatus(ctx, orderID, newStatus); err != nil {
			return err
		}
		if err := settle.ReleaseResidual(ctx, tx, &o); err != nil {
			return err
		}
		if reason == types.CancelExpired {
			if err := tx.Outbox.Append(ctx, e.symbol, types.EventOrderExpired,
				types.OrderExpiredPayload{OrderID: orderID}); err != nil {
				return err
			}
		} else {
			if err := tx.Outbox.Append(ctx, e.symbol, types.EventOrderCancelled,
				types.OrderCancelledPayload{OrderID: orderID, Reason: reason}); err != nil {
				return err
			}
		}
		if e.book.Contains(orderID) {
			if err := tx.Outbox.Append(ctx, e.symbol, types.EventBookChanged, types.BookChangedPayload{
				Symbol: e.symbol,
				Book:   e.book.StateWithout(orderID),
			}); err != nil {
				return err
			}
		}
		result = types.CancelOK
		return nil
	}

	err := e.withRetry(ctx, func() error {
		result = ""
		return e.db.RunInTx(ctx, attempt)
	})
	if err != nil {
		e.logger.Error("cancel failed", "order_id", orderID, "error", err)
		return types.CancelReply{Status: types.CancelUnknown}
	}

	if result == types.CancelOK {
		e.book.Remove(orderID)
		e.metrics.OpenOrders.WithLabelValues(e.symbol).Set(float64(e.book.OpenOrderCount()))
		if reason == types.CancelExpired {
			e.metrics.OrdersExpired.Inc()
		}
	}
	return types.CancelReply{Status: result}
}

// ----------------------------------------------------------------------------
// Retry
// ----------------------------------------------------------------------------

// withRetry runs op, retrying with exponential backoff while the failure is
// a transient database error. Client rejections and logic errors fail fast.
func (e *Engine) withRetry(ctx context.Context, op func() error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = e.cfg.RetryBase
	expo.MaxInterval = e.cfg.RetryMax
	expo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(expo, e.cfg.MaxRetries), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if store.IsRetryable(err) {
			e.metrics.DBRetries.Inc()
			e.logger.Warn("transient database failure, retrying", "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

func rejectReply(err error) types.SubmitReply {
	re, ok := types.AsReject(err)
	if !ok {
		re = &types.RejectError{Reason: types.RejectInternal}
	}
	return types.SubmitReply{Status: types.StatusRejected, RejectReason: re.Reason}
}
