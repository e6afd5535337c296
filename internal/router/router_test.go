package router

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"

	"profile-exchange/internal/engine"
	"profile-exchange/internal/metrics"
	"profile-exchange/internal/store"
	"profile-exchange/pkg/types"
)

// fakeStore lists symbols and resolves order ownership; its transactions
// see an empty orders table, which is all engine recovery needs here.
type fakeStore struct {
	symbols  map[string]bool
	orderSym map[uuid.UUID]string
}

func (f *fakeStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx *store.Tx) error) error {
	return fn(ctx, &store.Tx{Orders: emptyOrders{}})
}

func (f *fakeStore) ListSymbols(ctx context.Context) ([]string, error) {
	var out []string
	for s := range f.symbols {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStore) SymbolOf(ctx context.Context, orderID uuid.UUID) (string, error) {
	sym, ok := f.orderSym[orderID]
	if !ok {
		return "", store.ErrNotFound
	}
	return sym, nil
}

type emptyOrders struct{}

func (emptyOrders) Insert(ctx context.Context, o *types.Order) error { return nil }
func (emptyOrders) Get(ctx context.Context, id uuid.UUID) (types.Order, error) {
	return types.Order{}, store.ErrNotFound
}
func (emptyOrders) GetForUpdate(ctx context.Context, id uuid.UUID) (types.Order, error) {
	return types.Order{}, store.ErrNotFound
}
func (emptyOrders) ApplyFill(ctx context.Context, id uuid.UUID, qty int64) (types.OrderStatus, error) {
	return "", store.ErrNotFound
}
func (emptyOrders) SetStatus(ctx context.Context, id uuid.UUID, status types.OrderStatus) error {
	return store.ErrNotFound
}
func (emptyOrders) ReduceReserved(ctx context.Context, id uuid.UUID, cents int64) error {
	return store.ErrNotFound
}
func (emptyOrders) OpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	return nil, nil
}
func (emptyOrders) NextSequence(ctx context.Context, symbol string) (int64, error) { return 1, nil }

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	st := &fakeStore{symbols: map[string]bool{"AAPL": true, "MSFT": true}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := engine.Config{QueueCapacity: 8, MaxRetries: 1,
		RetryBase: time.Millisecond, RetryMax: time.Millisecond, SlippageCushion: 1.1}

	r, err := New(context.Background(), st, cfg, logger, metrics.New())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Run(ctx)
	return r
}

func TestRouterBuildsEnginePerSymbol(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t)
	symbols := r.Symbols()
	slices.Sort(symbols)
	if len(symbols) != 2 || symbols[0] != "AAPL" || symbols[1] != "MSFT" {
		t.Errorf("symbols = %v", symbols)
	}
}

func TestUnknownSymbolRejected(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t)
	reply, err := r.Submit(context.Background(), types.SubmitRequest{
		TraderID: uuid.New(), Symbol: "NOPE", Side: types.BUY,
		Type: types.Limit, Quantity: 1, LimitPriceInCents: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Status != types.StatusRejected || reply.RejectReason != types.RejectUnknownSymbol {
		t.Errorf("reply = %+v, want UNKNOWN_SYMBOL rejection", reply)
	}
}

func TestCancelUnknownOrder(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t)
	reply, err := r.Cancel(context.Background(), uuid.New(), uuid.New(), types.CancelUser)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Status != types.CancelUnknown {
		t.Errorf("reply = %+v, want UNKNOWN", reply)
	}
}

func TestSnapshotUnknownSymbol(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t)
	if _, ok, _ := r.Snapshot(context.Background(), "NOPE"); ok {
		t.Error("snapshot of unlisted symbol should report absence")
	}

	snap, ok, err := r.Snapshot(context.Background(), "AAPL")
	if err != nil || !ok {
		t.Fatalf("snapshot: ok=%v err=%v", ok, err)
	}
	if snap.Symbol != "AAPL" {
		t.Errorf("snapshot symbol = %s", snap.Symbol)
	}
}
