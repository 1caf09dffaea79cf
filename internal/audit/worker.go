package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const drainBatchSize = 100

// Producer delivers a batch of serialized events to the event bus. The
// concrete implementation is the Kafka producer; tests substitute a fake.
type Producer interface {
	Produce(ctx context.Context, key string, value []byte) error
}

// Worker drains the outbox to the event bus on a fixed interval. Events stay
// unpublished until the producer confirms delivery, so a broker outage only
// delays the trail.
type Worker struct {
	store    Store
	producer Producer
	logger   *slog.Logger
	interval time.Duration
}

func NewWorker(store Store, producer Producer, logger *slog.Logger, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Worker{store: store, producer: producer, logger: logger, interval: interval}
}

// Run blocks until ctx is cancelled, draining once per interval.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.DrainOnce(ctx); err != nil {
				w.logger.ErrorContext(ctx, "audit outbox drain failed", "error", err)
			}
		}
	}
}

// DrainOnce publishes one batch of unpublished events. Exported so tests and
// shutdown paths can drain without the ticker.
func (w *Worker) DrainOnce(ctx context.Context) error {
	events, err := w.store.FetchUnpublished(ctx, drainBatchSize)
	if err != nil {
		return fmt.Errorf("fetch unpublished: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	published := make([]uuid.UUID, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode audit event %s: %w", e.ID, err)
		}
		if err := w.producer.Produce(ctx, e.ID.String(), value); err != nil {
			// Publish in order; stop at the first failure and mark only
			// what actually made it out.
			w.logger.WarnContext(ctx, "audit event publish failed",
				"event_id", e.ID.String(),
				"error", err,
			)
			break
		}
		published = append(published, e.ID)
	}

	if len(published) == 0 {
		return nil
	}
	if err := w.store.MarkPublished(ctx, published); err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}
