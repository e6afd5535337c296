package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"profile-exchange/pkg/types"
)

// pgOutbox implements OutboxRepo on a live pgx transaction.
type pgOutbox struct {
	tx pgx.Tx
}

func (r *pgOutbox) Append(ctx context.Context, symbol string, typ types.EventType, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	_, err = r.tx.Exec(ctx, `
		INSERT INTO market_data_outbox (event_id, symbol, event_type, payload)
		VALUES ($1, $2, $3, $4)`,
		uuid.New(), symbol, typ, body)
	if err != nil {
		return fmt.Errorf("append outbox event: %w", err)
	}
	return nil
}

// PublishBatch claims up to limit unpublished events in creation order,
// hands them to publish, and marks them published. Events are claimed with
// SKIP LOCKED so concurrent publishers never double-deliver; a failed
// publish rolls the claim back and the batch is retried later. Returns the
// number of events published.
func (s *Store) PublishBatch(ctx context.Context, limit int, publish func([]types.OutboxEvent) error) (int, error) {
	var n int
	err := s.RunInRawTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT event_id, symbol, event_type, payload, created_at
			FROM market_data_outbox
			WHERE published_at IS NULL
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED`, limit)
		if err != nil {
			return fmt.Errorf("claim outbox batch: %w", err)
		}
		events, err := scanOutboxEvents(rows)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		if err := publish(events); err != nil {
			return fmt.Errorf("publish batch: %w", err)
		}
		ids := make([]uuid.UUID, len(events))
		for i, ev := range events {
			ids[i] = ev.ID
		}
		_, err = tx.Exec(ctx, `
			UPDATE market_data_outbox SET published_at = $2 WHERE event_id = ANY($1)`,
			ids, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("mark published: %w", err)
		}
		n = len(events)
		return nil
	})
	return n, err
}

// RunInRawTx runs fn inside a transaction with direct pgx access. Used for
// operations outside the repository surface, such as outbox claiming.
func (s *Store) RunInRawTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer pgtx.Rollback(ctx)

	if err := fn(ctx, pgtx); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func scanOutboxEvents(rows pgx.Rows) ([]types.OutboxEvent, error) {
	defer rows.Close()
	var out []types.OutboxEvent
	for rows.Next() {
		var ev types.OutboxEvent
		if err := rows.Scan(&ev.ID, &ev.Symbol, &ev.Type, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
