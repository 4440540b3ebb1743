// Package kafka publishes audit events to a Kafka topic as JSON records keyed
// by request id, so events of one request land on one partition in order.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/auditcore/auditcore/internal/audit"
	"github.com/auditcore/auditcore/internal/config"
)

func init() {
	audit.RegisterWriter("kafka", func(cfg config.AuditWriterConfig, _ audit.Deps) (audit.Writer, error) {
		if cfg.Kafka == nil {
			return nil, fmt.Errorf("kafka config is required for kafka writer")
		}
		return New(*cfg.Kafka)
	})
}

// producer is the subset of *kgo.Client the writer uses.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Flush(ctx context.Context) error
	Close()
}

// Writer produces one record per event.
type Writer struct {
	client producer
	topic  string
}

// New connects a franz-go client to the configured brokers.
func New(cfg config.AuditKafkaConfig) (*Writer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka writer requires brokers and a topic")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return newWithProducer(client, cfg.Topic), nil
}

func newWithProducer(p producer, topic string) *Writer {
	return &Writer{client: p, topic: topic}
}

// Record converts an event to a Kafka record. Events without a request id are
// keyed by their own id.
func Record(topic string, e audit.Event) (*kgo.Record, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit event: %w", err)
	}
	key := e.RequestID
	if key == "" {
		key = e.ID
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(e.Type)},
			{Key: "outcome", Value: []byte(e.Outcome)},
		},
		Timestamp: e.Timestamp,
	}, nil
}

// Append produces e and waits for the broker acknowledgement.
func (w *Writer) Append(ctx context.Context, e audit.Event) error {
	rec, err := Record(w.topic, e)
	if err != nil {
		return err
	}
	if err := w.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce audit event: %w", err)
	}
	return nil
}

// Flush waits for buffered records to be acknowledged.
func (w *Writer) Flush(ctx context.Context) error {
	return w.client.Flush(ctx)
}

// Close releases the client.
func (w *Writer) Close() error {
	w.client.Close()
	return nil
}
