// Package expiry cancels time-in-force orders whose deadline has passed.
//
// The scheduler only discovers candidates; the cancellation itself goes
// through the owning engine like any user cancel, so expiry serializes with
// matching and cannot race a concurrent fill. An order that fills between
// the query and the cancel simply reports ALREADY_TERMINAL.
package expiry

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"profile-exchange/pkg/types"
)

// Source yields orders whose time-in-force has elapsed.
type Source interface {
	ExpiredOrders(ctx context.Context, limit int) ([]types.Order, error)
}

// Canceller routes a cancel intent to the order's engine. The scheduler
// passes uuid.Nil as the requester, which skips the ownership check.
type Canceller interface {
	Cancel(ctx context.Context, traderID, orderID uuid.UUID, reason types.CancelReason) (types.CancelReply, error)
}

// Scheduler polls for expired orders on a fixed interval.
type Scheduler struct {
	source    Source
	canceller Canceller
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

// New creates a scheduler ticking every interval, cancelling at most
// batchSize orders per tick.
func New(source Source, canceller Canceller, interval time.Duration, batchSize int, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		source:    source,
		canceller: canceller,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger.With("component", "expiry"),
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	orders, err := s.source.ExpiredOrders(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("expired order query failed", "error", err)
		return
	}
	for _, o := range orders {
		reply, err := s.canceller.Cancel(ctx, uuid.Nil, o.ID, types.CancelExpired)
		if err != nil {
			s.logger.Error("expire cancel failed", "order_id", o.ID, "error", err)
			continue
		}
		if reply.Status == types.CancelOK {
			s.logger.Info("order expired", "order_id", o.ID, "symbol", o.Symbol)
		}
	}
}
