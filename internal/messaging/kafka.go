// Package messaging implements the notification bus the writer stages of
// both pipelines publish to once a record (or a batch of records) has
// been durably persisted, so downstream consumers are never told about a
// record that is not yet in storage.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Producer publishes notification events, one per category, so consumers
// can subscribe to only the categories they care about.
type Producer interface {
	PublishRecorded(ctx context.Context, category string, event RecordedEvent) error
	Close() error
}

// RecordedEvent is the notification payload published after a successful
// insert: enough to let a consumer decide whether to fetch the full
// document, without requiring it to.
type RecordedEvent struct {
	EventID         string `json:"event_id"`
	TransactionHash string `json:"transaction_hash"`
	BlockNumber     uint64 `json:"block_number"`
	Count           int    `json:"count"`
}

type kafkaProducer struct {
	writers     map[string]*kafka.Writer
	brokers     []string
	topicPrefix string
	logger      *zap.SugaredLogger
}

// NewProducer builds a Producer against brokers, prefixing every topic
// name with topicPrefix (e.g. the deployment environment).
func NewProducer(brokers []string, topicPrefix string, logger *zap.SugaredLogger) Producer {
	return &kafkaProducer{
		brokers:     brokers,
		topicPrefix: topicPrefix,
		logger:      logger,
		writers:     make(map[string]*kafka.Writer),
	}
}

func (p *kafkaProducer) topicName(category string) string {
	topic := fmt.Sprintf("recording.%s", category)
	if p.topicPrefix != "" {
		return fmt.Sprintf("%s_%s", p.topicPrefix, topic)
	}
	return topic
}

func (p *kafkaProducer) writerFor(topic string) *kafka.Writer {
	if w, ok := p.writers[topic]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(p.brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
	p.writers[topic] = w
	return w
}

// PublishRecorded publishes one RecordedEvent to the topic for category.
func (p *kafkaProducer) PublishRecorded(ctx context.Context, category string, event RecordedEvent) error {
	topic := p.topicName(category)
	writer := p.writerFor(topic)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("messaging: marshalling recorded event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.TransactionHash),
		Value: data,
		Time:  time.Now().UTC(),
	}
	if err := writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Errorw("failed to publish recorded event", "error", err, "topic", topic)
		return fmt.Errorf("messaging: publishing to %s: %w", topic, err)
	}
	return nil
}

// Close closes every writer opened so far.
func (p *kafkaProducer) Close() error {
	var firstErr error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			p.logger.Errorw("failed to close writer", "error", err, "topic", topic)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	p.writers = make(map[string]*kafka.Writer)
	return firstErr
}

// EnsureTopics creates the notification topics for every configured
// category if they don't already exist. Intended for startup, before the
// writer stages begin publishing.
func EnsureTopics(ctx context.Context, brokers []string, categories []string, topicPrefix string) error {
	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("messaging: connecting to kafka: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("messaging: resolving kafka controller: %w", err)
	}

	controllerConn, err := kafka.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", controller.Host, controller.Port))
	if err != nil {
		return fmt.Errorf("messaging: connecting to kafka controller: %w", err)
	}
	defer controllerConn.Close()

	configs := make([]kafka.TopicConfig, len(categories))
	for i, category := range categories {
		topic := fmt.Sprintf("recording.%s", category)
		if topicPrefix != "" {
			topic = fmt.Sprintf("%s_%s", topicPrefix, topic)
		}
		configs[i] = kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     3,
			ReplicationFactor: 1,
		}
	}

	if err := controllerConn.CreateTopics(configs...); err != nil {
		// Topics may already exist; kafka-go does not distinguish this
		// from other errors, so treat CreateTopics as best-effort.
		return nil
	}
	return nil
}
