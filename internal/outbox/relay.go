// Package outbox relays committed queue events to an external consumer.
// Delivery is at least once and in (created_at, event_id) order.
package outbox

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"clinic/visit-queue/internal/store"

	"github.com/rs/zerolog"
)

type Source interface {
	ListOutboxAfter(ctx context.Context, cursor store.OutboxCursor, limit int) ([]store.OutboxEvent, error)
	LoadOutboxCursor(ctx context.Context, consumer string) (store.OutboxCursor, error)
	SaveOutboxCursor(ctx context.Context, consumer string, cursor store.OutboxCursor) error
	DeadLetterOutboxEvent(ctx context.Context, letter store.DeadLetter) error
}

type Sink interface {
	Deliver(ctx context.Context, event store.OutboxEvent) error
}

type Config struct {
	Consumer    string
	BatchSize   int
	MaxAttempts int
	Logger      zerolog.Logger
}

type Relay struct {
	source      Source
	sink        Sink
	consumer    string
	batchSize   int
	maxAttempts int
	log         zerolog.Logger

	running  int32
	attempts map[string]int
}

func New(source Source, sink Sink, cfg Config) *Relay {
	consumer := cfg.Consumer
	if consumer == "" {
		consumer = "webhook"
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Relay{
		source:      source,
		sink:        sink,
		consumer:    consumer,
		batchSize:   batch,
		maxAttempts: maxAttempts,
		log:         cfg.Logger.With().Str("component", "outbox").Str("consumer", consumer).Logger(),
		attempts:    make(map[string]int),
	}
}

// Run delivers at most one batch and returns how many events the cursor
// moved past. A failed delivery stops the batch; the event is retried on the
// next run until it has failed maxAttempts times, then it is dead-lettered.
// Overlapping calls return immediately.
func (r *Relay) Run(ctx context.Context) (int, error) {
	if !atomic.CompareAndSwapInt32(&r.running, 0, 1) {
		return 0, nil
	}
	defer atomic.StoreInt32(&r.running, 0)

	cursor, err := r.source.LoadOutboxCursor(ctx, r.consumer)
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	events, err := r.source.ListOutboxAfter(ctx, cursor, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list outbox: %w", err)
	}

	processed := 0
	for _, event := range events {
		if err := r.sink.Deliver(ctx, event); err != nil {
			r.attempts[event.EventID]++
			attempts := r.attempts[event.EventID]
			if attempts < r.maxAttempts {
				r.log.Warn().Err(err).Str("event_id", event.EventID).Int("attempts", attempts).Msg("outbox delivery failed")
				return processed, fmt.Errorf("deliver %s: %w", event.EventID, err)
			}
			letter := store.DeadLetter{
				Consumer:  r.consumer,
				EventID:   event.EventID,
				Attempts:  attempts,
				LastError: err.Error(),
			}
			if err := r.source.DeadLetterOutboxEvent(ctx, letter); err != nil {
				return processed, fmt.Errorf("dead letter %s: %w", event.EventID, err)
			}
			r.log.Error().Err(err).Str("event_id", event.EventID).Str("type", event.Type).Int("attempts", attempts).Msg("outbox event dead-lettered")
		}
		delete(r.attempts, event.EventID)

		if err := r.source.SaveOutboxCursor(ctx, r.consumer, store.CursorAt(event)); err != nil {
			return processed, fmt.Errorf("save cursor: %w", err)
		}
		processed++
	}
	return processed, nil
}

// Start polls until ctx is done.
func (r *Relay) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Run(ctx)
			if err != nil && ctx.Err() == nil {
				r.log.Warn().Err(err).Msg("outbox relay run")
			}
			if n > 0 {
				r.log.Debug().Int("delivered", n).Msg("outbox batch relayed")
			}
		}
	}
}
