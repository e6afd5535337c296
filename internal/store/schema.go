package store

// schemaDDL bootstraps the logical schema. All monetary amounts are integer
// cents; all timestamps are UTC with microsecond precision. RESERVE and
// RELEASE ledger rows track the earmark pool, TRADE_* rows track settled
// balances; only the two TRADE_* legs of a trade are zero-sum.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS symbols (
	symbol     TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS trader_accounts (
	trader_id               UUID PRIMARY KEY,
	active                  BOOLEAN NOT NULL DEFAULT TRUE,
	admin                   BOOLEAN NOT NULL DEFAULT FALSE,
	cash_in_cents           BIGINT NOT NULL DEFAULT 0,
	reserved_cash_in_cents  BIGINT NOT NULL DEFAULT 0,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT reserved_cash_nonnegative CHECK (reserved_cash_in_cents >= 0)
);

CREATE TABLE IF NOT EXISTS positions (
	trader_id            UUID NOT NULL REFERENCES trader_accounts (trader_id),
	symbol               TEXT NOT NULL REFERENCES symbols (symbol),
	quantity             BIGINT NOT NULL DEFAULT 0,
	reserved_shares      BIGINT NOT NULL DEFAULT 0,
	avg_cost_in_cents    BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (trader_id, symbol),
	CONSTRAINT quantity_nonnegative CHECK (quantity >= 0),
	CONSTRAINT reserved_shares_bounds CHECK (reserved_shares >= 0 AND reserved_shares <= quantity),
	CONSTRAINT avg_cost_nonnegative CHECK (avg_cost_in_cents >= 0)
);

CREATE TABLE IF NOT EXISTS sequence_counters (
	symbol                TEXT PRIMARY KEY REFERENCES symbols (symbol),
	next_sequence_number  BIGINT NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS orders (
	order_id             UUID PRIMARY KEY,
	trader_id            UUID NOT NULL REFERENCES trader_accounts (trader_id),
	symbol               TEXT NOT NULL REFERENCES symbols (symbol),
	side                 TEXT NOT NULL,
	order_type           TEXT NOT NULL,
	limit_price_in_cents BIGINT NOT NULL DEFAULT 0,
	quantity             BIGINT NOT NULL,
	filled_quantity      BIGINT NOT NULL DEFAULT 0,
	status               TEXT NOT NULL,
	tif_seconds          BIGINT NOT NULL DEFAULT 0,
	reserved_in_cents    BIGINT NOT NULL DEFAULT 0,
	sequence_number      BIGINT NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at           TIMESTAMPTZ,
	CONSTRAINT quantity_positive CHECK (quantity > 0),
	CONSTRAINT filled_within_quantity CHECK (filled_quantity >= 0 AND filled_quantity <= quantity),
	CONSTRAINT reserved_nonnegative CHECK (reserved_in_cents >= 0)
);

CREATE INDEX IF NOT EXISTS idx_orders_open_by_symbol
	ON orders (symbol, status) WHERE status IN ('OPEN', 'PARTIALLY_FILLED');
CREATE INDEX IF NOT EXISTS idx_orders_expiry
	ON orders (expires_at) WHERE status IN ('OPEN', 'PARTIALLY_FILLED');
CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_symbol_sequence
	ON orders (symbol, sequence_number);

CREATE TABLE IF NOT EXISTS trades (
	trade_id        UUID PRIMARY KEY,
	symbol          TEXT NOT NULL REFERENCES symbols (symbol),
	price_in_cents  BIGINT NOT NULL,
	quantity        BIGINT NOT NULL,
	buy_order_id    UUID NOT NULL REFERENCES orders (order_id),
	sell_order_id   UUID NOT NULL REFERENCES orders (order_id),
	buyer_id        UUID NOT NULL REFERENCES trader_accounts (trader_id),
	seller_id       UUID NOT NULL REFERENCES trader_accounts (trader_id),
	maker_order_id  UUID NOT NULL,
	taker_order_id  UUID NOT NULL,
	executed_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT trade_quantity_positive CHECK (quantity > 0),
	CONSTRAINT trade_price_positive CHECK (price_in_cents > 0),
	CONSTRAINT no_self_trade CHECK (buyer_id <> seller_id)
);

CREATE INDEX IF NOT EXISTS idx_trades_symbol_time ON trades (symbol, executed_at);

CREATE TABLE IF NOT EXISTS ledger_entries (
	entry_id            BIGSERIAL PRIMARY KEY,
	trade_id            UUID REFERENCES trades (trade_id),
	trader_id           UUID NOT NULL REFERENCES trader_accounts (trader_id),
	delta_cash_in_cents BIGINT NOT NULL DEFAULT 0,
	delta_shares        BIGINT NOT NULL DEFAULT 0,
	symbol              TEXT,
	kind                TEXT NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_ledger_trader ON ledger_entries (trader_id, created_at);

CREATE TABLE IF NOT EXISTS market_data_outbox (
	event_id     UUID PRIMARY KEY,
	symbol       TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	payload      JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	published_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_outbox_unpublished
	ON market_data_outbox (created_at) WHERE published_at IS NULL;
`
