// Package settle applies the financial effects of a planned fill inside a
// single store transaction: the trade record, the double-entry ledger legs,
// cash and position movements for both parties, order fill progress, and the
// TRADE_EXECUTED outbox event. It never touches the in-memory book; the
// engine commits the book mutation only after the transaction succeeds.
package settle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"profile-exchange/internal/book"
	"profile-exchange/internal/store"
	"profile-exchange/pkg/types"
)

// ApplyFill settles one fill between the taker and a resting maker. The
// taker order is mutated in memory to reflect the fill (filled quantity,
// status, remaining reservation) so the engine can settle subsequent fills
// of the same plan against up-to-date numbers.
func ApplyFill(ctx context.Context, tx *store.Tx, taker *types.Order, f book.Fill, bookAfter types.BookState, now time.Time) (types.Trade, error) {
	cost := f.PriceInCents * f.Quantity

	trade := types.Trade{
		ID:           uuid.New(),
		Symbol:       taker.Symbol,
		PriceInCents: f.PriceInCents,
		Quantity:     f.Quantity,
		MakerOrderID: f.MakerOrderID,
		TakerOrderID: taker.ID,
		ExecutedAt:   now,
	}
	if taker.Side == types.BUY {
		trade.BuyOrderID = taker.ID
		trade.BuyerID = taker.TraderID
		trade.SellOrderID = f.MakerOrderID
		trade.SellerID = f.MakerTraderID
	} else {
		trade.BuyOrderID = f.MakerOrderID
		trade.BuyerID = f.MakerTraderID
		trade.SellOrderID = taker.ID
		trade.SellerID = taker.TraderID
	}

	if err := tx.Trades.Insert(ctx, &trade); err != nil {
		return types.Trade{}, err
	}
	if err := tx.Ledger.PostTradeLegs(ctx, trade); err != nil {
		return types.Trade{}, err
	}

	// Buyer pays from the reserved pool and gains shares at the fill price.
	if err := tx.Traders.DebitReserved(ctx, trade.BuyerID, cost); err != nil {
		return types.Trade{}, err
	}
	if err := tx.Ledger.ApplyBuyFill(ctx, trade.BuyerID, trade.Symbol, f.Quantity, f.PriceInCents); err != nil {
		return types.Trade{}, err
	}

	// Seller receives cash and sheds reserved shares.
	if err := tx.Traders.CreditCash(ctx, trade.SellerID, cost); err != nil {
		return types.Trade{}, err
	}
	if err := tx.Ledger.ApplySellFill(ctx, trade.SellerID, trade.Symbol, f.Quantity); err != nil {
		return types.Trade{}, err
	}

	// Fill progress on both orders.
	if _, err := tx.Orders.ApplyFill(ctx, f.MakerOrderID, f.Quantity); err != nil {
		return types.Trade{}, err
	}
	status, err := tx.Orders.ApplyFill(ctx, taker.ID, f.Quantity)
	if err != nil {
		return types.Trade{}, err
	}
	taker.FilledQuantity += f.Quantity
	taker.Status = status

	if err := settleBuyReservation(ctx, tx, taker, f, cost); err != nil {
		return types.Trade{}, err
	}

	payload := types.TradeExecutedPayload{
		Symbol:       trade.Symbol,
		TradeID:      trade.ID,
		PriceInCents: trade.PriceInCents,
		Quantity:     trade.Quantity,
		BuyerID:      trade.BuyerID,
		SellerID:     trade.SellerID,
		MakerOrderID: trade.MakerOrderID,
		TakerOrderID: trade.TakerOrderID,
		ExecutedAt:   trade.ExecutedAt,
		Book:         bookAfter,
	}
	if err := tx.Outbox.Append(ctx, trade.Symbol, types.EventTradeExecuted, payload); err != nil {
		return types.Trade{}, err
	}
	return trade, nil
}

// settleBuyReservation shrinks the per-order cash reservation of whichever
// order bought. A resting buy maker always reserved exactly its limit price
// per share, so the fill consumes qty*price. A limit buy taker reserved at
// its limit; when it fills at a better maker price the difference goes back
// to the trader's available cash. Market buy takers reserved an estimate and
// consume it at cost; any residual is released when the order terminates.
func settleBuyReservation(ctx context.Context, tx *store.Tx, taker *types.Order, f book.Fill, cost int64) error {
	if taker.Side == types.SELL {
		// Maker is the buyer, resting at f.PriceInCents.
		return tx.Orders.ReduceReserved(ctx, f.MakerOrderID, cost)
	}

	if taker.Type == types.Limit || (taker.Type == types.IOC && taker.LimitPriceInCents > 0) {
		reservedForFill := taker.LimitPriceInCents * f.Quantity
		if err := tx.Orders.ReduceReserved(ctx, taker.ID, reservedForFill); err != nil {
			return err
		}
		taker.ReservedInCents -= reservedForFill
		if over := reservedForFill - cost; over > 0 {
			if err := tx.Traders.ReleaseCash(ctx, taker.TraderID, over); err != nil {
				return fmt.Errorf("release price improvement: %w", err)
			}
		}
		return nil
	}

	// Market (or unpriced IOC) buy: consume the estimate at cost.
	if err := tx.Orders.ReduceReserved(ctx, taker.ID, cost); err != nil {
		return err
	}
	taker.ReservedInCents -= cost
	return nil
}

// ReleaseResidual returns an order's remaining earmarks when it goes
// terminal: leftover reserved cash for buys, unfilled reserved shares for
// sells. The order struct is updated in memory to match.
func ReleaseResidual(ctx context.Context, tx *store.Tx, o *types.Order) error {
	if o.Side == types.BUY {
		if o.ReservedInCents > 0 {
			if err := tx.Traders.ReleaseCash(ctx, o.TraderID, o.ReservedInCents); err != nil {
				return err
			}
			if err := tx.Orders.ReduceReserved(ctx, o.ID, o.ReservedInCents); err != nil {
				return err
			}
			o.ReservedInCents = 0
		}
		return nil
	}
	if remaining := o.Remaining(); remaining > 0 {
		return tx.Ledger.ReleaseShares(ctx, o.TraderID, o.Symbol, remaining)
	}
	return nil
}
