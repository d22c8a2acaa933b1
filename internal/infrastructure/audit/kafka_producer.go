// Package audit exports key lifecycle events to durable sinks.
package audit

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"github.com/turtacn/keyagent/internal/config"
	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/internal/domain/service"
	"github.com/turtacn/keyagent/pkg/logger"
)

// messageWriter is the subset of *kafka.Writer used by the producer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes key events to a Kafka topic, keyed by account.
type KafkaProducer struct {
	writer messageWriter
	logger logger.Logger
}

// NewKafkaProducer creates a new KafkaProducer.
func NewKafkaProducer(cfg config.AuditConfig, log logger.Logger) *KafkaProducer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return newKafkaProducer(writer, log)
}

func newKafkaProducer(writer messageWriter, log logger.Logger) *KafkaProducer {
	return &KafkaProducer{writer: writer, logger: log.WithComponent("KafkaProducer")}
}

// Publish sends a key event to the topic.
func (p *KafkaProducer) Publish(ctx context.Context, event models.KeyEvent) error {
	bytes, err := json.Marshal(event)
	if err != nil {
		p.logger.Error(ctx, "failed to marshal key event", err)
		return err
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Account),
		Value: bytes,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	})
	if err != nil {
		p.logger.Error(ctx, "failed to write message to Kafka", err, logger.String("event_type", string(event.Type)))
	}
	return err
}

// Close closes the underlying Kafka writer.
func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

var _ service.KeyEventSink = (*KafkaProducer)(nil)
