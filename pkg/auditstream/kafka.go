// Package auditstream fans persisted audit entries out to Kafka for
// ingestion by an external SIEM. Grounded on pkg/statebus/kafka.go,
// inverted from a consumer into a producer: the shape (brokers/topic
// validation, kafka-go config, a narrow interface the Producer depends
// on so tests don't need a live broker) carries over directly.
//
// Per SPEC_FULL.md §4.6, this is best-effort relative to the client
// response: the synchronous Postgres write pkg/audit performs is the
// durability guarantee, Kafka delivery never gates the reply and never
// causes a request to fail.
package auditstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/4ymaneBH/Governed-Data-Analyst-Agent-for-slack/pkg/models"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config mirrors statebus.KafkaConfig's brokers/topic shape.
type Config struct {
	Brokers []string
	Topic   string
}

// Producer publishes AuditEntry rows to a Kafka topic.
type Producer struct {
	writer kafkaWriter
	topic  string
}

// NewProducer validates cfg and opens a kafka-go Writer. Grounded on
// NewKafkaConsumer's brokers/topic validation in pkg/statebus/kafka.go.
func NewProducer(cfg Config) (*Producer, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
	}
	return &Producer{writer: w, topic: topic}, nil
}

// Publish marshals entry and fires it at the audit topic, keyed by
// RequestID so a downstream consumer can order per-request events.
// Errors are returned to the caller (pkg/orchestrator discards them and
// never fails the request on them — see the package doc).
func (p *Producer) Publish(ctx context.Context, entry models.AuditEntry) error {
	if p == nil || p.writer == nil {
		return nil
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(entry.RequestID),
		Value: payload,
		Time:  time.Now().UTC(),
	})
}

func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
