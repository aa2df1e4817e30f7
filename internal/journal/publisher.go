package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Producer publishes a JSON value to a topic
type Producer interface {
	ProduceJSON(ctx context.Context, topic string, key string, v any) error
}

// Publisher publishes outbox events to Kafka
type Publisher struct {
	store     *Store
	producer  Producer
	logger    *zap.Logger
	interval  time.Duration
	batchSize int
	published prometheus.Counter
}

// NewPublisher creates a new outbox publisher
func NewPublisher(store *Store, producer Producer, logger *zap.Logger) *Publisher {
	return &Publisher{
		store:     store,
		producer:  producer,
		logger:    logger,
		interval:  250 * time.Millisecond,
		batchSize: 100,
	}
}

// WithCounter counts every published event on c
func (p *Publisher) WithCounter(c prometheus.Counter) *Publisher {
	p.published = c
	return p
}

// Run starts the publisher loop
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.PublishBatch(ctx); err != nil {
				p.logger.Error("failed to publish batch", zap.Error(err))
			}
		}
	}
}

// PublishBatch publishes one batch of unpublished events and returns how many succeeded.
// Failed events stay unpublished and are retried on the next batch.
func (p *Publisher) PublishBatch(ctx context.Context) (int, error) {
	events, err := p.store.ListUnpublished(ctx, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list unpublished events: %w", err)
	}

	published := 0
	for _, event := range events {
		if err := p.producer.ProduceJSON(ctx, event.Topic, event.Key, json.RawMessage(event.PayloadJSON)); err != nil {
			p.logger.Error("failed to produce event",
				zap.String("event_id", event.EventID),
				zap.String("topic", event.Topic),
				zap.String("key", event.Key),
				zap.Error(err),
			)
			continue
		}

		// worst case a failed mark republishes the event; consumers key on event id
		if err := p.store.MarkPublished(ctx, event.EventID, time.Now().UnixMilli()); err != nil {
			p.logger.Error("failed to mark event as published",
				zap.String("event_id", event.EventID),
				zap.Error(err),
			)
			continue
		}

		published++
		if p.published != nil {
			p.published.Inc()
		}
		p.logger.Debug("published outbox event",
			zap.String("event_id", event.EventID),
			zap.String("topic", event.Topic),
		)
	}

	if published > 0 {
		p.logger.Info("published outbox batch",
			zap.Int("published", published),
			zap.Int("total", len(events)),
		)
	}

	return published, nil
}
