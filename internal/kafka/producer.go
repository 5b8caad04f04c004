package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"approval-sentinel/internal/approvals"
)

// messageWriter is the subset of *kafka.Writer used by Producer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes alerts to the alerts topic.
type Producer struct {
	writer  messageWriter
	config  *Config
	logger  *slog.Logger
	metrics *producerMetrics
	closed  atomic.Bool
}

type producerMetrics struct {
	messagesProduced atomic.Int64
	bytesProduced    atomic.Int64
	errors           atomic.Int64
	retries          atomic.Int64
	lastError        atomic.Value // stores error
	lastErrorTime    atomic.Value // stores time.Time
}

// NewProducer creates a new Kafka producer for config.AlertsTopic.
func NewProducer(config *Config, logger *slog.Logger) (*Producer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.AlertsTopic == "" {
		return nil, errors.New("kafka: alerts topic is required for the producer")
	}

	dialer, err := config.GetDialer()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.AlertsTopic,
		Balancer:     &kafka.Hash{}, // same attacker, same partition
		BatchSize:    config.ProducerBatchSize,
		BatchTimeout: config.ProducerBatchTimeout,
		MaxAttempts:  config.ProducerMaxRetries,
		WriteTimeout: config.WriteTimeout,
		ReadTimeout:  config.ReadTimeout,
		RequiredAcks: kafka.RequiredAcks(config.RequiredAcks),
		Compression:  config.GetCompression(),
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	logger.Info("kafka producer initialized",
		"brokers", config.Brokers,
		"topic", config.AlertsTopic,
		"compression", config.CompressionType,
	)

	return newProducer(writer, config, logger), nil
}

func newProducer(w messageWriter, config *Config, logger *slog.Logger) *Producer {
	return &Producer{
		writer:  w,
		config:  config,
		logger:  logger,
		metrics: &producerMetrics{},
	}
}

// PublishAlert sends an alert as JSON, keyed by the attacker address.
func (p *Producer) PublishAlert(ctx context.Context, alert *approvals.Alert) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	value, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal alert: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(alert.Attacker()),
		Value: value,
		Time:  alert.Timestamp,
		Headers: []kafka.Header{
			{Key: "alert_id", Value: []byte(alert.AlertID)},
			{Key: "severity", Value: []byte(alert.Severity)},
		},
	}
	return p.produceMessages(ctx, msg)
}

// produceMessages sends messages with retry logic.
func (p *Producer) produceMessages(ctx context.Context, messages ...kafka.Message) error {
	var lastErr error
	backoff := p.config.ProducerRetryBackoff

	for attempt := 0; attempt <= p.config.ProducerMaxRetries; attempt++ {
		if attempt > 0 {
			p.metrics.retries.Add(1)
			p.logger.Debug("retrying kafka produce",
				"attempt", attempt,
				"backoff", backoff,
			)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2 // Exponential backoff
			}
		}

		err := p.writer.WriteMessages(ctx, messages...)
		if err == nil {
			for _, msg := range messages {
				p.metrics.messagesProduced.Add(1)
				p.metrics.bytesProduced.Add(int64(len(msg.Value) + len(msg.Key)))
			}
			return nil
		}

		lastErr = err
		p.metrics.errors.Add(1)
		p.metrics.lastError.Store(err)
		p.metrics.lastErrorTime.Store(time.Now())

		p.logger.Warn("kafka produce failed",
			"error", err,
			"attempt", attempt+1,
			"max_attempts", p.config.ProducerMaxRetries+1,
		)

		if isNonRetryableError(err) {
			return fmt.Errorf("kafka: non-retryable error: %w", err)
		}
	}

	return fmt.Errorf("kafka: failed after %d attempts: %w", p.config.ProducerMaxRetries+1, lastErr)
}

// GetMetrics returns current producer metrics.
func (p *Producer) GetMetrics() Metrics {
	m := Metrics{
		MessagesProduced: p.metrics.messagesProduced.Load(),
		BytesProduced:    p.metrics.bytesProduced.Load(),
		Errors:           p.metrics.errors.Load(),
		Retries:          p.metrics.retries.Load(),
	}

	if err := p.metrics.lastError.Load(); err != nil {
		m.LastError = err.(error)
	}
	if t := p.metrics.lastErrorTime.Load(); t != nil {
		m.LastErrorTime = t.(time.Time)
	}

	return m
}

// Close closes the producer and flushes any buffered messages.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil // Already closed
	}

	p.logger.Info("closing kafka producer",
		"messages_produced", p.metrics.messagesProduced.Load(),
	)

	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close producer: %w", err)
	}

	return nil
}

// isNonRetryableError checks if an error should not be retried.
func isNonRetryableError(err error) bool {
	switch {
	case errors.Is(err, kafka.MessageSizeTooLarge),
		errors.Is(err, kafka.InvalidTopic),
		errors.Is(err, kafka.TopicAuthorizationFailed),
		errors.Is(err, kafka.ClusterAuthorizationFailed):
		return true
	}
	return false
}

// Common errors
var (
	ErrProducerClosed = errors.New("kafka: producer is closed")
	ErrConsumerClosed = errors.New("kafka: consumer is closed")
	ErrInvalidMessage = errors.New("kafka: invalid message")
)
