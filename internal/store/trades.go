package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"profile-exchange/pkg/types"
)

// pgTrades implements TradeRepo on a live pgx transaction.
type pgTrades struct {
	tx pgx.Tx
}

func (r *pgTrades) Insert(ctx context.Context, t *types.Trade) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO trades (trade_id, symbol, price_in_cents, quantity,
			buy_order_id, sell_order_id, buyer_id, seller_id,
			maker_order_id, taker_order_id, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.Symbol, t.PriceInCents, t.Quantity,
		t.BuyOrderID, t.SellOrderID, t.BuyerID, t.SellerID,
		t.MakerOrderID, t.TakerOrderID, t.ExecutedAt)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// RecentTrades returns the latest executions for a symbol, newest first.
func (s *Store) RecentTrades(ctx context.Context, symbol string, limit int) ([]types.Trade, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT trade_id, symbol, price_in_cents, quantity,
			buy_order_id, sell_order_id, buyer_id, seller_id,
			maker_order_id, taker_order_id, executed_at
		FROM trades
		WHERE symbol = $1
		ORDER BY executed_at DESC
		LIMIT $2`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("recent trades: %w", err)
	}
	defer rows.Close()

	var out []types.Trade
	for rows.Next() {
		var t types.Trade
		if err := rows.Scan(&t.ID, &t.Symbol, &t.PriceInCents, &t.Quantity,
			&t.BuyOrderID, &t.SellOrderID, &t.BuyerID, &t.SellerID,
			&t.MakerOrderID, &t.TakerOrderID, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
