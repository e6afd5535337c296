package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"profile-exchange/pkg/types"
)

// pgOrders implements OrderRepo on a live pgx transaction.
type pgOrders struct {
	tx pgx.Tx
}

const orderColumns = `order_id, trader_id, symbol, side, order_type, limit_price_in_cents,
	quantity, filled_quantity, status, tif_seconds, reserved_in_cents, sequence_number,
	created_at, expires_at`

func scanOrder(row pgx.Row) (types.Order, error) {
	var o types.Order
	var expiresAt *time.Time
	err := row.Scan(&o.ID, &o.TraderID, &o.Symbol, &o.Side, &o.Type, &o.LimitPriceInCents,
		&o.Quantity, &o.FilledQuantity, &o.Status, &o.TIFSeconds, &o.ReservedInCents,
		&o.SequenceNumber, &o.CreatedAt, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Order{}, ErrNotFound
	}
	if err != nil {
		return types.Order{}, fmt.Errorf("scan order: %w", err)
	}
	if expiresAt != nil {
		o.ExpiresAt = *expiresAt
	}
	return o, nil
}

func scanOrders(rows pgx.Rows) ([]types.Order, error) {
	var out []types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// NextSequence locks the symbol's counter row, increments it, and returns
// the allocated value. Contention is per-symbol; gaps may appear when a
// transaction aborts after allocation, which is harmless because only
// monotonicity is relied on.
func (r *pgOrders) NextSequence(ctx context.Context, symbol string) (int64, error) {
	var seq int64
	err := r.tx.QueryRow(ctx,
		`SELECT next_sequence_number FROM sequence_counters WHERE symbol = $1 FOR UPDATE`,
		symbol).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("next sequence: symbol %q has no counter row", symbol)
	}
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	_, err = r.tx.Exec(ctx,
		`UPDATE sequence_counters SET next_sequence_number = next_sequence_number + 1 WHERE symbol = $1`,
		symbol)
	if err != nil {
		return 0, fmt.Errorf("advance sequence: %w", err)
	}
	return seq, nil
}

func (r *pgOrders) Insert(ctx context.Context, o *types.Order) error {
	seq, err := r.NextSequence(ctx, o.Symbol)
	if err != nil {
		return err
	}
	o.SequenceNumber = seq
	o.Status = types.StatusPending

	var expiresAt any
	if !o.ExpiresAt.IsZero() {
		expiresAt = o.ExpiresAt
	}
	_, err = r.tx.Exec(ctx, `
		INSERT INTO orders (order_id, trader_id, symbol, side, order_type, limit_price_in_cents,
			quantity, filled_quantity, status, tif_seconds, reserved_in_cents, sequence_number,
			created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $11, $12, $13)`,
		o.ID, o.TraderID, o.Symbol, o.Side, o.Type, o.LimitPriceInCents,
		o.Quantity, o.Status, o.TIFSeconds, o.ReservedInCents, o.SequenceNumber,
		o.CreatedAt, expiresAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *pgOrders) Get(ctx context.Context, id uuid.UUID) (types.Order, error) {
	return scanOrder(r.tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_id = $1`, id))
}

func (r *pgOrders) GetForUpdate(ctx context.Context, id uuid.UUID) (types.Order, error) {
	return scanOrder(r.tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_id = $1 FOR UPDATE`, id))
}

// ApplyFill adds qty to filled_quantity and advances the status. The fill
// may never exceed the order quantity and statuses only move forward.
func (r *pgOrders) ApplyFill(ctx context.Context, id uuid.UUID, qty int64) (types.OrderStatus, error) {
	o, err := r.GetForUpdate(ctx, id)
	if err != nil {
		return "", err
	}
	newFilled := o.FilledQuantity + qty
	if newFilled > o.Quantity {
		return "", fmt.Errorf("apply fill: filled %d exceeds quantity %d on order %s",
			newFilled, o.Quantity, id)
	}
	status := types.StatusPartiallyFilled
	if newFilled == o.Quantity {
		status = types.StatusFilled
	}
	if !o.Status.CanTransitionTo(status) {
		return "", fmt.Errorf("apply fill: illegal transition %s -> %s on order %s", o.Status, status, id)
	}
	_, err = r.tx.Exec(ctx,
		`UPDATE orders SET filled_quantity = $2, status = $3 WHERE order_id = $1`,
		id, newFilled, status)
	if err != nil {
		return "", fmt.Errorf("apply fill: %w", err)
	}
	return status, nil
}

func (r *pgOrders) SetStatus(ctx context.Context, id uuid.UUID, status types.OrderStatus) error {
	o, err := r.GetForUpdate(ctx, id)
	if err != nil {
		return err
	}
	if !o.Status.CanTransitionTo(status) {
		return fmt.Errorf("set status: illegal transition %s -> %s on order %s", o.Status, status, id)
	}
	_, err = r.tx.Exec(ctx, `UPDATE orders SET status = $2 WHERE order_id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return nil
}

func (r *pgOrders) ReduceReserved(ctx context.Context, id uuid.UUID, cents int64) error {
	if cents == 0 {
		return nil
	}
	tag, err := r.tx.Exec(ctx, `
		UPDATE orders SET reserved_in_cents = reserved_in_cents - $2
		WHERE order_id = $1 AND reserved_in_cents >= $2`, id, cents)
	if err != nil {
		return fmt.Errorf("reduce reserved: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reduce reserved: order %s has less than %d reserved", id, cents)
	}
	return nil
}

// OpenOrders streams a symbol's open orders in recovery priority order:
// buys before price descending, sells ascending, then sequence ascending
// within each price level.
func (r *pgOrders) OpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE symbol = $1 AND status IN ('OPEN', 'PARTIALLY_FILLED')
		ORDER BY
			CASE WHEN side = 'BUY' THEN -limit_price_in_cents ELSE limit_price_in_cents END,
			sequence_number`, symbol)
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}
