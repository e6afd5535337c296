package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"profile-exchange/pkg/types"
)

// pgLedger implements LedgerRepo on a live pgx transaction.
type pgLedger struct {
	tx pgx.Tx
}

const positionColumns = `trader_id, symbol, quantity, reserved_shares, avg_cost_in_cents`

func scanPosition(row pgx.Row) (types.Position, error) {
	var p types.Position
	err := row.Scan(&p.TraderID, &p.Symbol, &p.Quantity, &p.ReservedShares, &p.AvgCostInCents)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Position{}, ErrNotFound
	}
	if err != nil {
		return types.Position{}, fmt.Errorf("scan position: %w", err)
	}
	return p, nil
}

func (r *pgLedger) Position(ctx context.Context, traderID uuid.UUID, symbol string) (types.Position, error) {
	return scanPosition(r.tx.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE trader_id = $1 AND symbol = $2`,
		traderID, symbol))
}

func (r *pgLedger) positionForUpdate(ctx context.Context, traderID uuid.UUID, symbol string) (types.Position, error) {
	return scanPosition(r.tx.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE trader_id = $1 AND symbol = $2 FOR UPDATE`,
		traderID, symbol))
}

func (r *pgLedger) Positions(ctx context.Context, traderID uuid.UUID) ([]types.Position, error) {
	rows, err := r.tx.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE trader_id = $1 AND quantity > 0 ORDER BY symbol`,
		traderID)
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *pgLedger) ReserveShares(ctx context.Context, traderID uuid.UUID, symbol string, qty int64) error {
	pos, err := r.positionForUpdate(ctx, traderID, symbol)
	if errors.Is(err, ErrNotFound) {
		return types.Rejectf(types.RejectInsufficientShares, "no position in %s", symbol)
	}
	if err != nil {
		return err
	}
	if pos.AvailableShares() < qty {
		return types.Rejectf(types.RejectInsufficientShares,
			"available %d shares of %s, need %d", pos.AvailableShares(), symbol, qty)
	}
	_, err = r.tx.Exec(ctx, `
		UPDATE positions SET reserved_shares = reserved_shares + $3
		WHERE trader_id = $1 AND symbol = $2`, traderID, symbol, qty)
	if err != nil {
		return fmt.Errorf("reserve shares: %w", err)
	}
	return r.PostEntry(ctx, types.LedgerEntry{
		TraderID:    traderID,
		DeltaShares: qty,
		Symbol:      symbol,
		Kind:        types.LedgerReserve,
	})
}

func (r *pgLedger) ReleaseShares(ctx context.Context, traderID uuid.UUID, symbol string, qty int64) error {
	if qty == 0 {
		return nil
	}
	tag, err := r.tx.Exec(ctx, `
		UPDATE positions SET reserved_shares = reserved_shares - $3
		WHERE trader_id = $1 AND symbol = $2 AND reserved_shares >= $3`, traderID, symbol, qty)
	if err != nil {
		return fmt.Errorf("release shares: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("release shares: trader %s has less than %d reserved in %s", traderID, qty, symbol)
	}
	return r.PostEntry(ctx, types.LedgerEntry{
		TraderID:    traderID,
		DeltaShares: qty,
		Symbol:      symbol,
		Kind:        types.LedgerRelease,
	})
}

// AverageCost computes the new banker's-rounded average cost after a buy
// fill. Sell fills never change average cost.
func AverageCost(oldQty, oldAvgInCents, fillQty, fillPriceInCents int64) int64 {
	totalQty := oldQty + fillQty
	if totalQty == 0 {
		return 0
	}
	totalCost := decimal.NewFromInt(oldQty*oldAvgInCents + fillQty*fillPriceInCents)
	return totalCost.Div(decimal.NewFromInt(totalQty)).RoundBank(0).IntPart()
}

func (r *pgLedger) ApplyBuyFill(ctx context.Context, traderID uuid.UUID, symbol string, qty, priceInCents int64) error {
	pos, err := r.positionForUpdate(ctx, traderID, symbol)
	if errors.Is(err, ErrNotFound) {
		_, err = r.tx.Exec(ctx, `
			INSERT INTO positions (trader_id, symbol, quantity, reserved_shares, avg_cost_in_cents)
			VALUES ($1, $2, $3, 0, $4)`, traderID, symbol, qty, priceInCents)
		if err != nil {
			return fmt.Errorf("create position: %w", err)
		}
		return nil
	}
	if err != nil {
		return err
	}
	newAvg := AverageCost(pos.Quantity, pos.AvgCostInCents, qty, priceInCents)
	_, err = r.tx.Exec(ctx, `
		UPDATE positions SET quantity = quantity + $3, avg_cost_in_cents = $4
		WHERE trader_id = $1 AND symbol = $2`, traderID, symbol, qty, newAvg)
	if err != nil {
		return fmt.Errorf("apply buy fill: %w", err)
	}
	return nil
}

func (r *pgLedger) ApplySellFill(ctx context.Context, traderID uuid.UUID, symbol string, qty int64) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE positions
		SET quantity = quantity - $3, reserved_shares = reserved_shares - $3
		WHERE trader_id = $1 AND symbol = $2 AND reserved_shares >= $3`, traderID, symbol, qty)
	if err != nil {
		return fmt.Errorf("apply sell fill: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("apply sell fill: trader %s lacks %d reserved shares of %s", traderID, qty, symbol)
	}
	return nil
}

// PostTradeLegs writes the buyer and seller entries for one trade. The two
// legs sum to zero cash and zero shares.
func (r *pgLedger) PostTradeLegs(ctx context.Context, trade types.Trade) error {
	cost := trade.PriceInCents * trade.Quantity
	legs := []types.LedgerEntry{
		{
			TradeID:          &trade.ID,
			TraderID:         trade.BuyerID,
			DeltaCashInCents: -cost,
			DeltaShares:      trade.Quantity,
			Symbol:           trade.Symbol,
			Kind:             types.LedgerTradeBuy,
		},
		{
			TradeID:          &trade.ID,
			TraderID:         trade.SellerID,
			DeltaCashInCents: cost,
			DeltaShares:      -trade.Quantity,
			Symbol:           trade.Symbol,
			Kind:             types.LedgerTradeSell,
		},
	}
	for _, leg := range legs {
		if err := r.PostEntry(ctx, leg); err != nil {
			return err
		}
	}
	return nil
}

func (r *pgLedger) PostEntry(ctx context.Context, entry types.LedgerEntry) error {
	var symbol any
	if entry.Symbol != "" {
		symbol = entry.Symbol
	}
	_, err := r.tx.Exec(ctx, `
		INSERT INTO ledger_entries (trade_id, trader_id, delta_cash_in_cents, delta_shares, symbol, kind)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.TradeID, entry.TraderID, entry.DeltaCashInCents, entry.DeltaShares, symbol, entry.Kind)
	if err != nil {
		return fmt.Errorf("post ledger entry: %w", err)
	}
	return nil
}
