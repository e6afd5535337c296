package engine

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"profile-exchange/internal/metrics"
	"profile-exchange/pkg/types"
)

const symbol = "AAPL"

func testConfig() Config {
	return Config{
		QueueCapacity:   64,
		MaxRetries:      3,
		RetryBase:       time.Millisecond,
		RetryMax:        5 * time.Millisecond,
		SlippageCushion: 1.10,
	}
}

func newTestEngine(t *testing.T, db *memDB) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := New(symbol, db, testConfig(), logger, metrics.New())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go eng.Run(ctx)
	return eng
}

func submit(t *testing.T, eng *Engine, req types.SubmitRequest) types.SubmitReply {
	t.Helper()
	reply, err := eng.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return reply
}

func limitBuy(trader uuid.UUID, qty, price int64) types.SubmitRequest {
	return types.SubmitRequest{TraderID: trader, Symbol: symbol, Side: types.BUY,
		Type: types.Limit, Quantity: qty, LimitPriceInCents: price}
}

func limitSell(trader uuid.UUID, qty, price int64) types.SubmitRequest {
	return types.SubmitRequest{TraderID: trader, Symbol: symbol, Side: types.SELL,
		Type: types.Limit, Quantity: qty, LimitPriceInCents: price}
}

func TestLimitOrderRests(t *testing.T) {
	t.Parallel()

	db := newMemDB()
	buyer := db.addTrader(10_000, false)
	eng := newTestEngine(t, db)

	reply := submit(t, eng, limitBuy(buyer, 10, 100))
	if reply.Status != types.StatusOpen {
		t.Fatalf("status = %s, want OPEN", reply.Status)
	}
	if len(reply.Fills) != 0 {
		t.Fatalf("fills = %d, want 0", len(reply.Fills))
	}

	o := db.state.orders[reply.OrderID]
	if o.Status != types.StatusOpen || o.ReservedInCents != 1000 || o.SequenceNumber != 1 {
		t.Errorf("persisted order = %+v", o)
	}
	if tr := db.state.traders[buyer]; tr.ReservedCashInCents != 1000 || tr.CashInCents != 10_000 {
		t.Errorf("trader = %+v, want 1000 reserved, balance untouched", tr)
	}

	got := db.eventTypes()
	want := []types.EventType{types.EventOrderAccepted, types.EventBookChanged}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("events = %v, want %v", got, want)
	}

	snap, err := eng.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.Bids[100] != 10 {
		t.Errorf("snapshot bids = %v", snap.Bids)
	}
}

func TestCrossingLimitOrdersTradeAtMakerPrice(t *testing.T) {
	t.Parallel()

	db := newMemDB()
	seller := db.addTrader(0, false)
	buyer := db.addTrader(10_000, false)
	db.addPosition(seller, symbol, 5, 90)
	eng := newTestEngine(t, db)

	sellReply := submit(t, eng, limitSell(seller, 5, 100))
	if sellReply.Status != types.StatusOpen {
		t.Fatalf("sell status = %s", sellReply.Status)
	}

	// Buyer bids above the ask; the trade executes at the maker's 100.
	buyReply := submit(t, eng, limitBuy(buyer, 5, 102))
	if buyReply.Status != types.StatusFilled {
		t.Fatalf("buy status = %s, want FILLED", buyReply.Status)
	}
	if len(buyReply.Fills) != 1 || buyReply.Fills[0].PriceInCents != 100 || buyReply.Fills[0].Quantity != 5 {
		t.Fatalf("fills = %+v", buyReply.Fills)
	}

	if len(db.state.trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(db.state.trades))
	}
	trade := db.state.trades[0]
	if trade.BuyerID != buyer || trade.SellerID != seller || trade.PriceInCents != 100 {
		t.Errorf("trade = %+v", trade)
	}
	if trade.MakerOrderID != sellReply.OrderID || trade.TakerOrderID != buyReply.OrderID {
		t.Error("maker/taker attribution wrong")
	}

	// Buyer paid 500, the 10-cent-per-share price improvement came back.
	if tr := db.state.traders[buyer]; tr.CashInCents != 9_500 || tr.ReservedCashInCents != 0 {
		t.Errorf("buyer = %+v, want cash 9500, reserved 0", tr)
	}
	if tr := db.state.traders[seller]; tr.CashInCents != 500 {
		t.Errorf("seller cash = %d, want 500", tr.CashInCents)
	}
	if p := db.state.positions[posKey{buyer, symbol}]; p.Quantity != 5 || p.AvgCostInCents != 100 {
		t.Errorf("buyer position = %+v", p)
	}
	if p := db.state.positions[posKey{seller, symbol}]; p.Quantity != 0 || p.ReservedShares != 0 {
		t.Errorf("seller position = %+v", p)
	}

	// The two trade legs cancel out.
	var cash, shares int64
	for _, e := range db.state.ledger {
		if e.Kind == types.LedgerTradeBuy || e.Kind == types.LedgerTradeSell {
			cash += e.DeltaCashInCents
			shares += e.DeltaShares
		}
	}
	if cash != 0 || shares != 0 {
		t.Errorf("trade legs sum to cash=%d shares=%d, want zero", cash, shares)
	}
}

func TestPartialFillRestsRemainder(t *testing.T) {
	t.Parallel()

	db := newMemDB()
	seller := db.addTrader(0, false)
	buyer := db.addTrader(100_000, false)
	db.addPosition(seller, symbol, 3, 0)
	eng := newTestEngine(t, db)

	submit(t, eng, limitSell(seller, 3, 100))
	reply := submit(t, eng, limitBuy(buyer, 10, 100))

	if reply.Status != types.StatusPartiallyFilled {
		t.Fatalf("status = %s, want PARTIALLY_FILLED", reply.Status)
	}
	o := db.state.orders[reply.OrderID]
	if o.FilledQuantity != 3 || o.ReservedInCents != 700 {
		t.Errorf("order = %+v, want 3 filled, 700 still reserved", o)
	}

	snap, _ := eng.Snapshot(context.Background())
	if snap.Bids[100] != 7 {
		t.Errorf("remainder should rest: bids = %v", snap.Bids)
	}
	if snap.LastPriceInCents != 100 {
		t.Errorf("last price = %d, want 100", snap.LastPriceInCents)
	}
}

func TestIOCCancelsRemainder(t *testing.T) {
	t.Parallel()

	db := newMemDB()
	seller := db.addTrader(0, false)
	buyer := db.addTrader(100_000, false)
	db.addPosition(seller, symbol, 3, 0)
	eng := newTestEngine(t, db)

	submit(t, eng, limitSell(seller, 3, 100))
	reply := submit(t, eng, types.SubmitRequest{TraderID: buyer, Symbol: symbol,
		Side: types.BUY, Type: types.IOC, Quantity: 10, LimitPriceInCents: 100})

	if reply.Status != types.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", reply.Status)
	}
	if len(reply.Fills) != 1 || reply.Fills[0].Quantity != 3 {
		t.Fatalf("fills = %+v, want one fill of 3", reply.Fills)
	}

	// Nothing rests and every earmark is back.
	snap, _ := eng.Snapshot(context.Background())
	if len(snap.Bids) != 0 {
		t.Errorf("IOC remainder must not rest: %v", snap.Bids)
	}
	if tr := db.state.traders[buyer]; tr.ReservedCashInCents != 0 || tr.CashInCents != 100_000-300 {
		t.Errorf("buyer = %+v", tr)
	}
	if o := db.state.orders[reply.OrderID]; o.ReservedInCents != 0 {
		t.Errorf("order reserve = %d, want 0", o.ReservedInCents)
	}
}

func TestMarketBuyWalksBookAndReleasesResidual(t *testing.T) {
	t.Parallel()

	db := newMemDB()
	s1 := db.addTrader(0, false)
	s2 := db.addTrader(0, false)
	buyer := db.addTrader(10_000, false)
	db.addPosition(s1, symbol, 3, 0)
	db.addPosition(s2, symbol, 2, 0)
	eng := newTestEngine(t, db)

	submit(t, eng, limitSell(s1, 3, 100))
	submit(t, eng, limitSell(s2, 2, 102))

	reply := submit(t, eng, types.SubmitRequest{TraderID: buyer, Symbol: symbol,
		Side: types.BUY, Type: types.Market, Quantity: 5})

	if reply.Status != types.StatusFilled {
		t.Fatalf("status = %s, want FILLED", reply.Status)
	}
	if len(reply.Fills) != 2 || reply.Fills[0].PriceInCents != 100 || reply.Fills[1].PriceInCents != 102 {
		t.Fatalf("fills = %+v", reply.Fills)
	}

	// 3*100 + 2*102 = 504 spent; the cushioned estimate's residual released.
	if tr := db.state.traders[buyer]; tr.CashInCents != 10_000-504 || tr.ReservedCashInCents != 0 {
		t.Errorf("buyer = %+v, want cash 9496, reserved 0", tr)
	}
	if p := db.state.positions[posKey{buyer, symbol}]; p.Quantity != 5 || p.AvgCostInCents != 101 {
		// (3*100 + 2*102) / 5 = 100.8, banker's rounded to 101
		t.Errorf("buyer position = %+v", p)
	}
}

func TestMarketBuyReservesExactCushionedEstimate(t *testing.T) {
	t.Parallel()

	db := newMemDB()
	seller := db.addTrader(0, false)
	buyer := db.addTrader(10_000, false)
	db.addPosition(seller, symbol, 1, 0)
	eng := newTestEngine(t, db)

	submit(t, eng, limitSell(seller, 1, 100))
	reply := submit(t, eng, types.SubmitRequest{TraderID: buyer, Symbol: symbol,
		Side: types.BUY, Type: types.Market, Quantity: 1})
	if reply.Status != types.StatusFilled {
		t.Fatalf("status = %s, want FILLED", reply.Status)
	}

	// ceil(1 * 100 * 1.10) is exactly 110 cents; the earmark must not
	// carry any float drift.
	var reserves []int64
	for _, e := range db.state.ledger {
		if e.TraderID == buyer && e.Kind == types.LedgerReserve {
			reserves = append(reserves, e.DeltaCashInCents)
		}
	}
	if len(reserves) != 1 || reserves[0] != 110 {
		t.Errorf("buyer reserve entries = %v, want exactly [110]", reserves)
	}
}

func TestMarketBuyNoAsksRejected(t *testing.T) {
	t.Parallel()

	db := newMemDB()
	buyer := db.addTrader(10_000, false)
	eng := newTestEngine(t, db)

	reply := submit(t, eng, types.SubmitRequest{TraderID: buyer, Symbol: symbol,
		Side: types.BUY, Type: types.Market, Quantity: 5})

	if reply.Status != types.StatusRejected || reply.RejectReason != types.RejectNoLiquidity {
		t.Fatalf("reply = %+v, want NO_LIQUIDITY rejection", reply)
	}
	if len(db.state.orders) != 0 || len(db.state.events) != 0 {
		t.Error("rejections must not persist anything")
	}
}

func TestUnpricedIOCOnEmptyBookCancels(t *testing.T) {
	t.Parallel()

	db := newMemDB()
	buyer := db.addTrader(10_000, false)
	eng := newTestEngine(t, db)

	reply := submit(t, eng, types.SubmitRequest{TraderID: buyer, Symbol: symbol,
		Side: types.BUY, Type: types.IOC, Quantity: 5})

	if reply.Status != types.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", reply.Status)
	}
	if len(reply.Fills) != 0 {
		t.Errorf("fills = %+v, want none", reply.Fills)
	}
	if tr := db.state.traders[buyer]; tr.ReservedCashInCents != 0 {
		t.Errorf("reserved = %d, want 0", tr.ReservedCashInCents)
	}
}

func TestInsufficientCashRejected(t *testing.T) {
	t.Parallel()

	db := newMemDB()
	buyer := db.addTrader(999, false)
	eng := newTestEngine(t, db)

	reply := submit(t, eng, limitBuy(buyer, 10, 100))
	if reply.Status != types.StatusRejected || reply.RejectReason != types.RejectInsufficientCash {
		t.Fatalf("reply = %+v, want INSUFFICIENT_CASH rejection", reply)
	}
	if len(db.state.orders) != 0 || len(db.state.ledger) != 0 {
		t.Error("rejected submit must roll back completely")
	}
}

func TestAdminBypassesCashCheck(t *testing.T) {
	t.Parallel()

	db := newMemDB()
	admin := db.addTrader(0, true)
	eng := newTestEngine(t, db)

	reply := submit(t, eng, limitBuy(admin, 10, 100))
	if reply.Status != types.StatusOpen {
		t.Fatalf("status = %s, admin buys should not need cash", reply.Status)
	}
}

func TestInsufficientSharesRejected(t *testing.T) {
	t.Parallel()

	db := newMemDB()
	seller := db.addTrader(0, false)
	db.addPosition(seller, symbol, 2, 0)
	eng := newTestEngine(t, db)

	reply := submit(t, eng, limitSell(seller, 5, 100))
	if reply.Status != types.StatusRejected || reply.RejectReason != types.RejectInsufficientShares {
		t.Fatalf("reply = %+v, want INSUFFICIENT_SHARES rejection", reply)
	}
}

func TestInactiveTraderRejected(t *testing.T) {
	t.Parallel()

	db := newMemDB()
	trader := db.addTrader(10_000, false)
	tr := db.state.traders[trader]
	tr.Active = false
	db.state.traders[trader] = tr
	eng := newTestEngine(t, db)

	reply := submit(t, eng, limitBuy(trader, 1, 100))
	if reply.RejectReason != types.RejectInactiveTrader {
		t.Fatalf("reply = %+v, want INACTIVE_TRADER", reply)
	}

	reply = submit(t, eng, limitBuy(uuid.New(), 1, 100))
	if reply.RejectReason != types.RejectInactiveTrader {
		t.Fatalf("unknown trader reply = %+v, want INACTIVE_TRADER", reply)
	}
}

func TestValidation(t *testing.T) {
	t.Parallel()

	db := newMemDB()
	trader := db.addTrader(10_000, false)
	eng := newTestEngine(t, db)

	tests := []struct {
		name string
		req  types.SubmitRequest
		want types.RejectReason
	}{
		{"zero quantity", types.SubmitRequest{TraderID: trader, Symbol: symbol,
			Side: types.BUY, Type: types.Limit, Quantity: 0, LimitPriceInCents: 100}, types.RejectInvalidQuantity},
		{"negative quantity", types.SubmitRequest{TraderID: trader, Symbol: symbol,
			Side: types.SELL, Type: types.Limit, Quantity: -5, LimitPriceInCents: 100}, types.RejectInvalidQuantity},
		{"limit without price", types.SubmitRequest{TraderID: trader, Symbol: symbol,
			Side: types.BUY, Type: types.Limit, Quantity: 5}, types.RejectInvalidPrice},
		{"market with price", types.SubmitRequest{TraderID: trader, Symbol: symbol,
			Side: types.BUY, Type: types.Market, Quantity: 5, LimitPriceInCents: 100}, types.RejectInvalidPrice},
		{"market with tif", types.SubmitRequest{TraderID: trader, Symbol: symbol,
			Side: types.BUY, Type: types.Market, Quantity: 5, TIFSeconds: 60}, types.RejectInvalidPrice},
		{"unknown type", types.SubmitRequest{TraderID: trader, Symbol: symbol,
			Side: types.BUY, Type: "STOP", Quantity: 5}, types.RejectInternal},
		{"oversized quantity", types.SubmitRequest{TraderID: trader, Symbol: symbol,
			Side: types.BUY, Type: types.Limit, Quantity: int64(math.MaxUint32) + 1,
			LimitPriceInCents: 100}, types.RejectInvalidQuantity},
		{"oversized price", types.SubmitRequest{TraderID: trader, Symbol: symbol,
			Side: types.BUY, Type: types.Limit, Quantity: 1,
			LimitPriceInCents: int64(math.MaxUint32) + 1}, types.RejectInvalidPrice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := submit(t, eng, tt.req)
			if reply.Status != types.StatusRejected || reply.RejectReason != tt.want {
				t.Errorf("reply = %+v, want %s", reply, tt.want)
			}
		})
	}
}

func TestSelfTradePrevention(t *testing.T) {
	t.Parallel()

	db := newMemDB()
	a := db.addTrader(10_000, false)
	b := db.addTrader(0, false)
	db.addPosition(a, symbol, 5, 0)
	db.addPosition(b, symbol, 5, 0)
	eng := newTestEngine(t, db)

	aSell := submit(t, eng, limitSell(a, 5, 100))
	submit(t, eng, limitSell(b, 5, 100))

	// A's buy skips A's own resting sell and fills against B's.
	reply := submit(t, eng, limitBuy(a, 5, 100))
	if reply.Status != types.StatusFilled {
		t.Fatalf("status = %s, want FILLED", reply.Status)
	}
	trade := db.state.trades[0]
	if trade.SellerID != b {
		t.Errorf("counterparty = %s, want trader B", trade.SellerID)
	}
	if o := db.state.orders[aSell.OrderID]; o.Status != types.StatusOpen {
		t.Errorf("own sell should be untouched, status = %s", o.Status)
	}
}

func TestCancelReleasesReservation(t *testing.T) {
	t.Parallel()

	db := newMemDB()
	buyer := db.addTrader(10_000, false)
	eng := newTestEngine(t, db)

	reply := submit(t, eng, limitBuy(buyer, 10, 100))

	cancel, err := eng.Cancel(context.Background(), buyer, reply.OrderID, types.CancelUser)
	if err != nil {
		t.Fatal(err)
	}
	if cancel.Status != types.CancelOK {
		t.Fatalf("cancel = %+v, want CANCELLED", cancel)
	}
	if o := db.state.orders[reply.OrderID]; o.Status != types.StatusCancelled || o.ReservedInCents != 0 {
		t.Errorf("order = %+v", o)
	}
	if tr := db.state.traders[buyer]; tr.ReservedCashInCents != 0 {
		t.Errorf("reserved cash = %d, want 0", tr.ReservedCashInCents)
	}
	snap, _ := eng.Snapshot(context.Background())
	if len(snap.Bids) != 0 {
		t.Error("cancelled order must leave the book")
	}

	// Idempotency and unknown ids.
	again, _ := eng.Cancel(context.Background(), buyer, reply.OrderID, types.CancelUser)
	if again.Status != types.CancelAlreadyTerminal {
		t.Errorf("second cancel = %+v, want ALREADY_TERMINAL", again)
	}
	unknown, _ := eng.Cancel(context.Background(), buyer, uuid.New(), types.CancelUser)
	if unknown.Status != types.CancelUnknown {
		t.Errorf("unknown cancel = %+v, want UNKNOWN", unknown)
	}
}

func TestCancelByNonOwnerRefused(t *testing.T) {
	t.Parallel()

	db := newMemDB()
	owner := db.addTrader(10_000, false)
	other := db.addTrader(10_000, false)
	eng := newTestEngine(t, db)

	reply := submit(t, eng, limitBuy(owner, 5, 100))

	c, err := eng.Cancel(context.Background(), other, reply.OrderID, types.CancelUser)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != types.CancelNotOwner {
		t.Fatalf("cancel = %+v, want NOT_OWNER", c)
	}
	if o := db.state.orders[reply.OrderID]; o.Status != types.StatusOpen {
		t.Errorf("order status = %s, a refused cancel must change nothing", o.Status)
	}
	if tr := db.state.traders[owner]; tr.ReservedCashInCents != 500 {
		t.Errorf("owner reserved cash = %d, want 500 still held", tr.ReservedCashInCents)
	}
	snap, _ := eng.Snapshot(context.Background())
	if snap.Bids[100] != 5 {
		t.Errorf("order must stay on the book: bids = %v", snap.Bids)
	}

	// The owner's own cancel still goes through.
	if c, _ := eng.Cancel(context.Background(), owner, reply.OrderID, types.CancelUser); c.Status != types.CancelOK {
		t.Errorf("owner cancel = %+v, want CANCELLED", c)
	}
}

func TestSellCancelReleasesShares(t *testing.T) {
	t.Parallel()

	db := newMemDB()
	seller := db.addTrader(0, false)
	db.addPosition(seller, symbol, 8, 0)
	eng := newTestEngine(t, db)

	reply := submit(t, eng, limitSell(seller, 8, 100))
	if p := db.state.positions[posKey{seller, symbol}]; p.ReservedShares != 8 {
		t.Fatalf("reserved shares = %d, want 8", p.ReservedShares)
	}

	if c, _ := eng.Cancel(context.Background(), seller, reply.OrderID, types.CancelUser); c.Status != types.CancelOK {
		t.Fatal("cancel failed")
	}
	if p := db.state.positions[posKey{seller, symbol}]; p.ReservedShares != 0 || p.Quantity != 8 {
		t.Errorf("position = %+v, want shares back", p)
	}
}

func TestExpirationCancelMarksExpired(t *testing.T) {
	t.Parallel()

	db := newMemDB()
	buyer := db.addTrader(10_000, false)
	eng := newTestEngine(t, db)

	req := limitBuy(buyer, 5, 100)
	req.TIFSeconds = 60
	reply := submit(t, eng, req)

	if o := db.state.orders[reply.OrderID]; o.ExpiresAt.IsZero() {
		t.Fatal("time-in-force order should carry an expiry")
	}

	// Expiry is a system cancel: no requester, no ownership check.
	c, err := eng.Cancel(context.Background(), uuid.Nil, reply.OrderID, types.CancelExpired)
	if err != nil || c.Status != types.CancelOK {
		t.Fatalf("cancel = %+v, %v", c, err)
	}
	if o := db.state.orders[reply.OrderID]; o.Status != types.StatusExpired {
		t.Errorf("status = %s, want EXPIRED", o.Status)
	}

	var sawExpired bool
	for _, typ := range db.eventTypes() {
		if typ == types.EventOrderExpired {
			sawExpired = true
		}
	}
	if !sawExpired {
		t.Error("expected an ORDER_EXPIRED event")
	}
}

func TestRecoveryRebuildsBookWithPriority(t *testing.T) {
	t.Parallel()

	db := newMemDB()
	a := db.addTrader(100_000, false)
	b := db.addTrader(100_000, false)
	seller := db.addTrader(0, false)
	db.addPosition(seller, symbol, 4, 0)

	eng := newTestEngine(t, db)
	first := submit(t, eng, limitBuy(a, 4, 100))
	submit(t, eng, limitBuy(b, 4, 100))
	submit(t, eng, limitBuy(a, 4, 98))

	// A fresh engine over the same store stands in for a restart.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng2 := New(symbol, db, testConfig(), logger, metrics.New())
	if err := eng2.Recover(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancelRun := context.WithCancel(context.Background())
	t.Cleanup(cancelRun)
	go eng2.Run(ctx)

	snap, _ := eng2.Snapshot(context.Background())
	if snap.Bids[100] != 8 || snap.Bids[98] != 4 {
		t.Fatalf("recovered depth = %v", snap.Bids)
	}

	// The earliest order at the best price fills first, as before the restart.
	reply := submit(t, eng2, limitSell(seller, 4, 100))
	if reply.Status != types.StatusFilled {
		t.Fatalf("status = %s", reply.Status)
	}
	if db.state.trades[0].BuyOrderID != first.OrderID {
		t.Error("recovery must preserve sequence priority within a level")
	}
}

func TestQueueFullRejectsBusy(t *testing.T) {
	t.Parallel()

	db := newMemDB()
	trader := db.addTrader(10_000, false)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testConfig()
	cfg.QueueCapacity = 1
	eng := New(symbol, db, cfg, logger, metrics.New())
	// No Run loop: the single slot stays occupied.
	eng.intents <- snapshotIntent{reply: make(chan types.BookSnapshot, 1)}

	reply, err := eng.Submit(context.Background(), limitBuy(trader, 1, 100))
	if err != nil {
		t.Fatal(err)
	}
	if reply.Status != types.StatusRejected || reply.RejectReason != types.RejectBusy {
		t.Errorf("reply = %+v, want BUSY rejection", reply)
	}
}

func TestConcurrentSubmittersFillBySequence(t *testing.T) {
	t.Parallel()

	const buyers = 16
	db := newMemDB()
	seller := db.addTrader(0, false)
	db.addPosition(seller, symbol, buyers, 0)
	ids := make([]uuid.UUID, buyers)
	for i := range ids {
		ids[i] = db.addTrader(1_000, false)
	}
	eng := newTestEngine(t, db)

	sellReply := submit(t, eng, limitSell(seller, buyers, 100))

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			reply, err := eng.Submit(context.Background(), limitBuy(id, 1, 100))
			if err != nil || reply.Status != types.StatusFilled {
				t.Errorf("concurrent buy = %+v, %v", reply, err)
			}
		}(id)
	}
	wg.Wait()

	if len(db.state.trades) != buyers {
		t.Fatalf("trades = %d, want %d", len(db.state.trades), buyers)
	}

	// All buyers hit the single maker, and the engine serialized them in
	// arrival order: sequence numbers strictly increase down the tape.
	var prev int64
	for i, trade := range db.state.trades {
		if trade.SellOrderID != sellReply.OrderID {
			t.Fatalf("trade %d matched order %s, want the one resting sell", i, trade.SellOrderID)
		}
		seq := db.state.orders[trade.BuyOrderID].SequenceNumber
		if seq <= prev {
			t.Fatalf("trade %d buyer sequence %d not after %d", i, seq, prev)
		}
		prev = seq
	}
	if maker := db.state.orders[sellReply.OrderID]; maker.Status != types.StatusFilled {
		t.Errorf("maker status = %s, want FILLED", maker.Status)
	}
}

func TestStaleDeadlineTimesOut(t *testing.T) {
	t.Parallel()

	db := newMemDB()
	trader := db.addTrader(10_000, false)
	eng := newTestEngine(t, db)

	req := limitBuy(trader, 1, 100)
	req.Deadline = time.Now().Add(-time.Second)
	reply := submit(t, eng, req)
	if reply.RejectReason != types.RejectTimeout {
		t.Errorf("reply = %+v, want TIMEOUT", reply)
	}
	if len(db.state.orders) != 0 {
		t.Error("timed-out intents must not touch the store")
	}
}
