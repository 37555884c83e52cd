// Package events publishes entity change events to Kafka for downstream
// consumers such as search indexing and summarization. Publishing is
// fire-and-forget: a broker outage never fails a sync run.
package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"councilsync/internal/ingest/models"
)

// Publisher produces change events on a single topic, keyed by
// source/external id so per-entity ordering is preserved.
type Publisher struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// NewPublisher connects to the given brokers. Returns an error when the
// client cannot be constructed; broker availability is checked lazily on
// first produce.
func NewPublisher(brokers []string, topic string, logger *slog.Logger) (*Publisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
	)
	if err != nil {
		return nil, err
	}
	return &Publisher{client: client, topic: topic, logger: logger}, nil
}

// EntityChanged publishes one change event asynchronously. Failures are
// logged, never returned: downstream indexers recover by polling
// last_synced_at watermarks.
func (p *Publisher) EntityChanged(ctx context.Context, event models.ChangeEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.ErrorContext(ctx, "marshal change event", "error", err.Error())
		return
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.Source.String() + "|" + event.ExternalID.String()),
		Value: payload,
	}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			p.logger.WarnContext(ctx, "publish change event failed",
				"source", event.Source,
				"kind", event.Kind,
				"error", err.Error(),
			)
		}
	})
}

// Close flushes buffered records and closes the client.
func (p *Publisher) Close() {
	p.client.Close()
}
