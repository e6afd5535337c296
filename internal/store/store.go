// Package store provides Postgres persistence for the exchange: trader
// accounts, positions, the double-entry ledger, orders, trades, sequence
// counters, and the market-data outbox.
//
// All mutating operations run against a Tx bundle of repositories sharing
// one database transaction, mirroring the rule that every state change and
// its outbox event commit atomically. Repositories never commit; RunInTx
// owns the transaction boundary.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"profile-exchange/pkg/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Tx bundles the repositories of one open transaction. Engines, settlement,
// and tests operate on this surface; the pg* implementations below bind it
// to a live pgx transaction.
type Tx struct {
	Traders TraderRepo
	Ledger  LedgerRepo
	Orders  OrderRepo
	Trades  TradeRepo
	Outbox  OutboxRepo
}

// TraderRepo manages trader accounts and their cash reservations.
type TraderRepo interface {
	// Get loads a trader without locking.
	Get(ctx context.Context, id uuid.UUID) (types.Trader, error)
	// Create inserts a trader and posts an ADMIN_ADJUST ledger entry for the
	// initial cash deposit.
	Create(ctx context.Context, trader types.Trader, initialCashInCents int64) error
	// ReserveCash earmarks cash against an open buy order. Non-admin traders
	// must have sufficient available cash; admins may go negative.
	ReserveCash(ctx context.Context, id uuid.UUID, cents int64) error
	// ReleaseCash returns earmarked cash to the available pool.
	ReleaseCash(ctx context.Context, id uuid.UUID, cents int64) error
	// DebitReserved settles the buy leg of a trade: the spent amount leaves
	// both the balance and the reserved pool.
	DebitReserved(ctx context.Context, id uuid.UUID, cents int64) error
	// CreditCash settles the sell leg of a trade.
	CreditCash(ctx context.Context, id uuid.UUID, cents int64) error
}

// LedgerRepo manages positions, share reservations, and double-entry rows.
type LedgerRepo interface {
	Position(ctx context.Context, traderID uuid.UUID, symbol string) (types.Position, error)
	Positions(ctx context.Context, traderID uuid.UUID) ([]types.Position, error)
	// ReserveShares earmarks shares against an open sell order; fails with
	// INSUFFICIENT_SHARES when available shares are short.
	ReserveShares(ctx context.Context, traderID uuid.UUID, symbol string, qty int64) error
	ReleaseShares(ctx context.Context, traderID uuid.UUID, symbol string, qty int64) error
	// ApplyBuyFill adds shares to the buyer's position and recomputes the
	// banker's-rounded average cost.
	ApplyBuyFill(ctx context.Context, traderID uuid.UUID, symbol string, qty, priceInCents int64) error
	// ApplySellFill removes shares from the seller's position and the
	// reserved pool; average cost is unchanged.
	ApplySellFill(ctx context.Context, traderID uuid.UUID, symbol string, qty int64) error
	// PostTradeLegs writes the two zero-sum ledger entries for a trade.
	PostTradeLegs(ctx context.Context, trade types.Trade) error
	// PostEntry writes a RESERVE, RELEASE, or ADMIN_ADJUST row.
	PostEntry(ctx context.Context, entry types.LedgerEntry) error
}

// OrderRepo manages orders and per-symbol sequence counters.
type OrderRepo interface {
	// Insert persists a PENDING order, allocating its sequence number from
	// the symbol's counter row under a row lock.
	Insert(ctx context.Context, o *types.Order) error
	Get(ctx context.Context, id uuid.UUID) (types.Order, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (types.Order, error)
	// ApplyFill increases filled_quantity and advances the status to
	// PARTIALLY_FILLED or FILLED. Fill quantity may only increase.
	ApplyFill(ctx context.Context, id uuid.UUID, qty int64) (types.OrderStatus, error)
	// SetStatus performs a monotonic status transition.
	SetStatus(ctx context.Context, id uuid.UUID, status types.OrderStatus) error
	// ReduceReserved shrinks the cash still earmarked for a buy order.
	ReduceReserved(ctx context.Context, id uuid.UUID, cents int64) error
	// OpenOrders streams a symbol's OPEN and PARTIALLY_FILLED orders in
	// (price, sequence) priority order for recovery: buys by descending
	// price, sells by ascending price, sequence ascending within a price.
	OpenOrders(ctx context.Context, symbol string) ([]types.Order, error)
	// NextSequence allocates the next per-symbol sequence number.
	NextSequence(ctx context.Context, symbol string) (int64, error)
}

// TradeRepo records immutable trade facts.
type TradeRepo interface {
	Insert(ctx context.Context, t *types.Trade) error
}

// OutboxRepo appends market-data events inside the owning transaction.
type OutboxRepo interface {
	Append(ctx context.Context, symbol string, typ types.EventType, payload any) error
}

// Store owns the connection pool and the transaction boundary.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool, logger: logger.With("component", "store")}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureSchema creates all tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// RunInTx executes fn inside a single database transaction. The Tx bundle
// handed to fn shares that transaction; returning an error rolls everything
// back, including any outbox appends.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer pgtx.Rollback(ctx)

	bundle := &Tx{
		Traders: &pgTraders{tx: pgtx},
		Ledger:  &pgLedger{tx: pgtx},
		Orders:  &pgOrders{tx: pgtx},
		Trades:  &pgTrades{tx: pgtx},
		Outbox:  &pgOutbox{tx: pgtx},
	}
	if err := fn(ctx, bundle); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// IsRetryable reports whether an error is a transient database failure
// (serialization conflict, deadlock, connection trouble) that warrants
// retrying the whole intent.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return true
		}
		// Class 08: connection exceptions.
		return strings.HasPrefix(pgErr.Code, "08")
	}
	return pgconn.SafeToRetry(err)
}

// ListSymbols returns the closed symbol registry.
func (s *Store) ListSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT symbol FROM symbols ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("list symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// EnsureSymbols lists any missing symbols and creates their sequence
// counter rows. Existing symbols are untouched.
func (s *Store) EnsureSymbols(ctx context.Context, symbols []string) error {
	for _, symbol := range symbols {
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO symbols (symbol) VALUES ($1) ON CONFLICT (symbol) DO NOTHING`, symbol); err != nil {
			return fmt.Errorf("ensure symbol %s: %w", symbol, err)
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO sequence_counters (symbol) VALUES ($1) ON CONFLICT (symbol) DO NOTHING`, symbol); err != nil {
			return fmt.Errorf("ensure counter %s: %w", symbol, err)
		}
	}
	return nil
}

// SymbolOf looks up the symbol an order belongs to. Used by the router to
// route cancel requests.
func (s *Store) SymbolOf(ctx context.Context, orderID uuid.UUID) (string, error) {
	var symbol string
	err := s.pool.QueryRow(ctx,
		`SELECT symbol FROM orders WHERE order_id = $1`, orderID).Scan(&symbol)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("symbol of order: %w", err)
	}
	return symbol, nil
}

// ExpiredOrders returns up to limit OPEN or PARTIALLY_FILLED orders whose
// time-in-force has elapsed. Read-only; the expiration scheduler turns the
// result into cancel intents.
func (s *Store) ExpiredOrders(ctx context.Context, limit int) ([]types.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status IN ('OPEN', 'PARTIALLY_FILLED')
		  AND expires_at IS NOT NULL AND expires_at <= now()
		ORDER BY expires_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("expired orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}
