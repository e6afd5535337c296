// Package router fans order intents out to per-symbol engines.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"profile-exchange/internal/engine"
	"profile-exchange/internal/metrics"
	"profile-exchange/internal/store"
	"profile-exchange/pkg/types"
)

// Store is the persistence surface the router needs beyond what it hands to
// its engines.
type Store interface {
	engine.DB
	ListSymbols(ctx context.Context) ([]string, error)
	SymbolOf(ctx context.Context, orderID uuid.UUID) (string, error)
}

// Router owns one engine per listed symbol and routes requests to them.
// The symbol registry is closed: engines are created at startup and
// requests for unlisted symbols are rejected.
type Router struct {
	engines map[string]*engine.Engine
	store   Store
	logger  *slog.Logger
}

// New builds an engine per listed symbol and recovers each book from the
// store.
func New(ctx context.Context, st Store, cfg engine.Config, logger *slog.Logger, m *metrics.Metrics) (*Router, error) {
	symbols, err := st.ListSymbols(ctx)
	if err != nil {
		return nil, err
	}
	r := &Router{
		engines: make(map[string]*engine.Engine, len(symbols)),
		store:   st,
		logger:  logger.With("component", "router"),
	}
	for _, symbol := range symbols {
		eng := engine.New(symbol, st, cfg, logger, m)
		if err := eng.Recover(ctx); err != nil {
			return nil, err
		}
		r.engines[symbol] = eng
	}
	r.logger.Info("engines ready", "symbols", len(symbols))
	return r, nil
}

// Run starts every engine and blocks until ctx is cancelled and all engine
// loops have drained.
func (r *Router) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, eng := range r.engines {
		wg.Add(1)
		go func(eng *engine.Engine) {
			defer wg.Done()
			eng.Run(ctx)
		}(eng)
	}
	wg.Wait()
}

// Symbols lists the symbols with a running engine.
func (r *Router) Symbols() []string {
	out := make([]string, 0, len(r.engines))
	for symbol := range r.engines {
		out = append(out, symbol)
	}
	return out
}

// Submit routes an order intent to its symbol's engine.
func (r *Router) Submit(ctx context.Context, req types.SubmitRequest) (types.SubmitReply, error) {
	eng, ok := r.engines[req.Symbol]
	if !ok {
		return types.SubmitReply{
			Status:       types.StatusRejected,
			RejectReason: types.RejectUnknownSymbol,
		}, nil
	}
	return eng.Submit(ctx, req)
}

// Cancel looks up the order's symbol and routes the cancel to that engine.
// traderID identifies the requester; the engine refuses cancels from anyone
// but the order's owner. uuid.Nil marks a system cancel.
func (r *Router) Cancel(ctx context.Context, traderID, orderID uuid.UUID, reason types.CancelReason) (types.CancelReply, error) {
	symbol, err := r.store.SymbolOf(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		// Unknown order ids are a reply, not an error.
		return types.CancelReply{Status: types.CancelUnknown}, nil
	}
	if err != nil {
		return types.CancelReply{}, err
	}
	eng, ok := r.engines[symbol]
	if !ok {
		return types.CancelReply{Status: types.CancelUnknown}, nil
	}
	return eng.Cancel(ctx, traderID, orderID, reason)
}

// Snapshot returns the current book for a symbol.
func (r *Router) Snapshot(ctx context.Context, symbol string) (types.BookSnapshot, bool, error) {
	eng, ok := r.engines[symbol]
	if !ok {
		return types.BookSnapshot{}, false, nil
	}
	snap, err := eng.Snapshot(ctx)
	return snap, true, err
}
