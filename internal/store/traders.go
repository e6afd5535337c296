package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"profile-exchange/pkg/types"
)

// pgTraders implements TraderRepo on a live pgx transaction.
type pgTraders struct {
	tx pgx.Tx
}

const traderColumns = `trader_id, active, admin, cash_in_cents, reserved_cash_in_cents, created_at`

func scanTrader(row pgx.Row) (types.Trader, error) {
	var t types.Trader
	err := row.Scan(&t.ID, &t.Active, &t.Admin, &t.CashInCents, &t.ReservedCashInCents, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Trader{}, ErrNotFound
	}
	if err != nil {
		return types.Trader{}, fmt.Errorf("scan trader: %w", err)
	}
	return t, nil
}

func (r *pgTraders) Get(ctx context.Context, id uuid.UUID) (types.Trader, error) {
	return scanTrader(r.tx.QueryRow(ctx,
		`SELECT `+traderColumns+` FROM trader_accounts WHERE trader_id = $1`, id))
}

func (r *pgTraders) getForUpdate(ctx context.Context, id uuid.UUID) (types.Trader, error) {
	return scanTrader(r.tx.QueryRow(ctx,
		`SELECT `+traderColumns+` FROM trader_accounts WHERE trader_id = $1 FOR UPDATE`, id))
}

func (r *pgTraders) Create(ctx context.Context, trader types.Trader, initialCashInCents int64) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO trader_accounts (trader_id, active, admin, cash_in_cents, reserved_cash_in_cents)
		VALUES ($1, $2, $3, $4, 0)`,
		trader.ID, trader.Active, trader.Admin, initialCashInCents)
	if err != nil {
		return fmt.Errorf("create trader: %w", err)
	}
	if initialCashInCents != 0 {
		ledger := &pgLedger{tx: r.tx}
		return ledger.PostEntry(ctx, types.LedgerEntry{
			TraderID:         trader.ID,
			DeltaCashInCents: initialCashInCents,
			Kind:             types.LedgerAdminAdjust,
		})
	}
	return nil
}

// ReserveCash earmarks cash for an open buy order. The trader row is locked
// for the remainder of the transaction so concurrent reservations for the
// same trader serialize.
func (r *pgTraders) ReserveCash(ctx context.Context, id uuid.UUID, cents int64) error {
	t, err := r.getForUpdate(ctx, id)
	if err != nil {
		return err
	}
	if !t.Admin && t.AvailableCashInCents() < cents {
		return types.Rejectf(types.RejectInsufficientCash,
			"available %d, need %d", t.AvailableCashInCents(), cents)
	}
	_, err = r.tx.Exec(ctx, `
		UPDATE trader_accounts
		SET reserved_cash_in_cents = reserved_cash_in_cents + $2
		WHERE trader_id = $1`, id, cents)
	if err != nil {
		return fmt.Errorf("reserve cash: %w", err)
	}
	ledger := &pgLedger{tx: r.tx}
	return ledger.PostEntry(ctx, types.LedgerEntry{
		TraderID:         id,
		DeltaCashInCents: cents,
		Kind:             types.LedgerReserve,
	})
}

func (r *pgTraders) ReleaseCash(ctx context.Context, id uuid.UUID, cents int64) error {
	if cents == 0 {
		return nil
	}
	t, err := r.getForUpdate(ctx, id)
	if err != nil {
		return err
	}
	if t.ReservedCashInCents < cents {
		return fmt.Errorf("release cash: releasing %d exceeds reserved %d for trader %s",
			cents, t.ReservedCashInCents, id)
	}
	_, err = r.tx.Exec(ctx, `
		UPDATE trader_accounts
		SET reserved_cash_in_cents = reserved_cash_in_cents - $2
		WHERE trader_id = $1`, id, cents)
	if err != nil {
		return fmt.Errorf("release cash: %w", err)
	}
	ledger := &pgLedger{tx: r.tx}
	return ledger.PostEntry(ctx, types.LedgerEntry{
		TraderID:         id,
		DeltaCashInCents: cents,
		Kind:             types.LedgerRelease,
	})
}

func (r *pgTraders) DebitReserved(ctx context.Context, id uuid.UUID, cents int64) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE trader_accounts
		SET cash_in_cents = cash_in_cents - $2,
		    reserved_cash_in_cents = reserved_cash_in_cents - $2
		WHERE trader_id = $1 AND reserved_cash_in_cents >= $2`, id, cents)
	if err != nil {
		return fmt.Errorf("debit reserved: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("debit reserved: trader %s has less than %d reserved", id, cents)
	}
	return nil
}

func (r *pgTraders) CreditCash(ctx context.Context, id uuid.UUID, cents int64) error {
	_, err := r.tx.Exec(ctx, `
		UPDATE trader_accounts
		SET cash_in_cents = cash_in_cents + $2
		WHERE trader_id = $1`, id, cents)
	if err != nil {
		return fmt.Errorf("credit cash: %w", err)
	}
	return nil
}

// CreateTrader provisions a trader account with an initial deposit in its
// own transaction. Used by the HTTP adaptor and seeding.
func (s *Store) CreateTrader(ctx context.Context, admin bool, initialCashInCents int64) (uuid.UUID, error) {
	id := uuid.New()
	err := s.RunInTx(ctx, func(ctx context.Context, tx *Tx) error {
		return tx.Traders.Create(ctx, types.Trader{ID: id, Active: true, Admin: admin}, initialCashInCents)
	})
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// Portfolio is a read-only view of one trader's cash and positions.
type Portfolio struct {
	Trader    types.Trader
	Positions []types.Position
}

// GetPortfolio loads a trader's cash balance and non-empty positions.
func (s *Store) GetPortfolio(ctx context.Context, traderID uuid.UUID) (Portfolio, error) {
	var p Portfolio
	err := s.RunInTx(ctx, func(ctx context.Context, tx *Tx) error {
		trader, err := tx.Traders.Get(ctx, traderID)
		if err != nil {
			return err
		}
		positions, err := tx.Ledger.Positions(ctx, traderID)
		if err != nil {
			return err
		}
		p = Portfolio{Trader: trader, Positions: positions}
		return nil
	})
	return p, err
}
