// Package publisher drains the market-data outbox and delivers events to
// subscribers.
//
// Delivery is at-least-once: a batch is claimed, delivered, and marked
// published inside one transaction, so a crash mid-delivery re-delivers the
// batch on the next pass. Pacing adapts to load — a full batch is followed
// immediately by another pass, a partial batch by a short pause, and an
// empty outbox by a backoff that doubles up to a ceiling.
package publisher

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"profile-exchange/internal/config"
	"profile-exchange/internal/metrics"
	"profile-exchange/pkg/types"
)

// Outbox claims and marks batches of unpublished events.
type Outbox interface {
	PublishBatch(ctx context.Context, limit int, publish func([]types.OutboxEvent) error) (int, error)
}

// Broadcaster fans a delivered event out to live subscribers.
type Broadcaster interface {
	BroadcastEvent(evt types.OutboxEvent)
}

// Publisher pumps the outbox into the WebSocket hub and, optionally, an
// HTTP webhook.
type Publisher struct {
	outbox  Outbox
	sink    Broadcaster
	cfg     config.PublisherConfig
	http    *resty.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a publisher. The webhook is disabled when cfg.WebhookURL is
// empty.
func New(outbox Outbox, sink Broadcaster, cfg config.PublisherConfig, m *metrics.Metrics, logger *slog.Logger) *Publisher {
	p := &Publisher{
		outbox:  outbox,
		sink:    sink,
		cfg:     cfg,
		logger:  logger.With("component", "publisher"),
		metrics: m,
	}
	if cfg.WebhookURL != "" {
		p.http = resty.New().
			SetTimeout(5 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(100 * time.Millisecond)
	}
	return p
}

// Run pumps batches until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	idle := p.cfg.IdleBackoffMin
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := p.outbox.PublishBatch(ctx, p.cfg.BatchSize, func(events []types.OutboxEvent) error {
			return p.deliver(ctx, events)
		})
		switch {
		case err != nil:
			p.logger.Error("publish pass failed", "error", err)
			sleep(ctx, p.cfg.IdleBackoffMax)
		case n == p.cfg.BatchSize:
			// Backlog; go straight back for more.
			p.metrics.EventsPublished.Add(float64(n))
			idle = p.cfg.IdleBackoffMin
		case n > 0:
			p.metrics.EventsPublished.Add(float64(n))
			idle = p.cfg.IdleBackoffMin
			sleep(ctx, p.cfg.PartialDelay)
		default:
			sleep(ctx, idle)
			idle = min(idle*2, p.cfg.IdleBackoffMax)
		}
	}
}

// deliver broadcasts each event and forwards the batch to the webhook. A
// webhook failure fails the whole batch, rolling back the claim so it is
// retried; WebSocket delivery is best-effort.
func (p *Publisher) deliver(ctx context.Context, events []types.OutboxEvent) error {
	for _, evt := range events {
		p.sink.BroadcastEvent(evt)
	}
	if p.http == nil {
		return nil
	}
	_, err := p.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{"events": events}).
		Post(p.cfg.WebhookURL)
	return err
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
