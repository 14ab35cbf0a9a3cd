package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/coachpo/execgate/internal/infra/config"
)

const kafkaSinkName = "kafka"

// messageWriter is the subset of *kafka.Writer used by KafkaSink.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes order events with segmentio/kafka-go. Messages are keyed
// by decision id so each order's history lands on one partition in order.
type KafkaSink struct {
	writer       messageWriter
	topic        string
	writeTimeout time.Duration
	logger       *slog.Logger
}

// NewKafkaSink constructs a sink writing to cfg.Brokers.
func NewKafkaSink(cfg config.KafkaConfig, logger *slog.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink: brokers required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		Compression:            kafka.Snappy,
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		Transport:              &kafka.Transport{ClientID: cfg.ClientID},
	}
	logger.Info("kafka sink created", slog.Any("brokers", cfg.Brokers), slog.String("topic", cfg.Topic))
	return newKafkaSink(writer, cfg.Topic, cfg.WriteTimeout, logger), nil
}

func newKafkaSink(writer messageWriter, topic string, writeTimeout time.Duration, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSink{
		writer:       writer,
		topic:        topic,
		writeTimeout: writeTimeout,
		logger:       logger.With(slog.String("component", "kafka_sink")),
	}
}

// Name identifies the sink in logs and metrics.
func (s *KafkaSink) Name() string { return kafkaSinkName }

// Topic reports the default destination topic.
func (s *KafkaSink) Topic() string { return s.topic }

// Publish writes msgs synchronously. Messages without a topic use the sink default.
func (s *KafkaSink) Publish(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]kafka.Message, 0, len(msgs))
	for _, msg := range msgs {
		topic := msg.Topic
		if topic == "" {
			topic = s.topic
		}
		headers := make([]kafka.Header, 0, len(msg.Headers))
		for _, h := range msg.Headers {
			headers = append(headers, kafka.Header{Key: h.Key, Value: []byte(h.Value)})
		}
		out = append(out, kafka.Message{
			Topic:   topic,
			Key:     []byte(msg.Key),
			Value:   msg.Value,
			Headers: headers,
		})
	}
	if s.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.writeTimeout)
		defer cancel()
	}
	if err := s.writer.WriteMessages(ctx, out...); err != nil {
		s.logger.Error("kafka write failed", slog.Int("count", len(out)), slog.Any("error", err))
		return fmt.Errorf("kafka sink: write %d messages: %w", len(out), err)
	}
	s.logger.Debug("kafka messages sent", slog.Int("count", len(out)))
	return nil
}

// Close flushes and closes the underlying writer.
func (s *KafkaSink) Close() error {
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("kafka sink: close: %w", err)
	}
	return nil
}
