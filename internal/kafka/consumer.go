package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"approval-sentinel/internal/blockchain/erc20"
	"approval-sentinel/internal/queue"
)

// MessageHandler processes a consumed message.
// Return nil to commit the message, or an error to leave it uncommitted.
type MessageHandler func(ctx context.Context, msg Message) error

// Message represents a consumed Kafka message.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time
}

// messageReader is the subset of *kafka.Reader used by Consumer.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads messages from the transactions topic.
type Consumer struct {
	reader  messageReader
	config  *Config
	logger  *slog.Logger
	handler MessageHandler
	metrics *consumerMetrics
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
	started atomic.Bool
}

type consumerMetrics struct {
	messagesConsumed atomic.Int64
	bytesConsumed    atomic.Int64
	errors           atomic.Int64
	lastOffset       atomic.Int64
	lastError        atomic.Value
	lastErrorTime    atomic.Value
}

// NewConsumer creates a new Kafka consumer for config.TransactionsTopic.
func NewConsumer(config *Config, handler MessageHandler, logger *slog.Logger) (*Consumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.TransactionsTopic == "" {
		return nil, errors.New("kafka: transactions topic is required for the consumer")
	}
	if handler == nil {
		return nil, errors.New("kafka: message handler is required")
	}

	dialer, err := config.GetDialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           config.Brokers,
		GroupID:           config.ConsumerGroup,
		Topic:             config.TransactionsTopic,
		Dialer:            dialer,
		MinBytes:          config.ConsumerMinBytes,
		MaxBytes:          config.ConsumerMaxBytes,
		MaxWait:           config.ConsumerMaxWait,
		CommitInterval:    config.CommitInterval,
		StartOffset:       config.StartOffset,
		HeartbeatInterval: config.HeartbeatInterval,
		SessionTimeout:    config.SessionTimeout,
		RebalanceTimeout:  config.RebalanceTimeout,
		ReadBackoffMin:    100 * time.Millisecond,
		ReadBackoffMax:    time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	logger.Info("kafka consumer initialized",
		"brokers", config.Brokers,
		"topic", config.TransactionsTopic,
		"group", config.ConsumerGroup,
	)

	return newConsumer(reader, config, handler, logger), nil
}

func newConsumer(r messageReader, config *Config, handler MessageHandler, logger *slog.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		reader:  r,
		config:  config,
		logger:  logger,
		handler: handler,
		metrics: &consumerMetrics{},
		ctx:     ctx,
		cancel:  cancel,
	}
}

// TransactionHandler returns a MessageHandler that decodes JSON raw
// transactions and queues them, waiting for capacity. Undecodable messages
// are logged and committed so they do not block the partition.
func TransactionHandler(q *queue.RingBuffer[*erc20.RawTransaction], logger *slog.Logger) MessageHandler {
	return func(ctx context.Context, msg Message) error {
		var raw erc20.RawTransaction
		if err := json.Unmarshal(msg.Value, &raw); err != nil {
			logger.Warn("dropping malformed transaction message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			return nil
		}
		return q.PushWait(ctx, &raw)
	}
}

// StartAsync begins consuming messages in a goroutine.
func (c *Consumer) StartAsync() error {
	if c.started.Swap(true) {
		return errors.New("kafka: consumer already started")
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.consumeLoop(); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("consumer loop exited with error", "error", err)
		}
	}()

	c.logger.Info("kafka consumer started",
		"topic", c.config.TransactionsTopic,
		"group", c.config.ConsumerGroup,
	)

	return nil
}

// consumeLoop fetches, handles and commits messages one at a time so that
// transactions enter the queue in partition order.
func (c *Consumer) consumeLoop() error {
	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		default:
		}

		kafkaMsg, err := c.reader.FetchMessage(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}

			c.recordError(err)
			c.logger.Error("failed to fetch message",
				"error", err,
				"topic", c.config.TransactionsTopic,
			)

			select {
			case <-c.ctx.Done():
				return c.ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		msg := Message{
			Topic:     kafkaMsg.Topic,
			Partition: kafkaMsg.Partition,
			Offset:    kafkaMsg.Offset,
			Key:       kafkaMsg.Key,
			Value:     kafkaMsg.Value,
			Time:      kafkaMsg.Time,
		}

		if err := c.handler(c.ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrQueueClosed) {
				return err
			}
			c.recordError(err)
			c.logger.Error("failed to handle message",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			continue
		}

		if err := c.reader.CommitMessages(c.ctx, kafkaMsg); err != nil {
			c.recordError(err)
			c.logger.Error("failed to commit offset",
				"error", err,
				"offset", kafkaMsg.Offset,
			)
		}

		c.metrics.messagesConsumed.Add(1)
		c.metrics.bytesConsumed.Add(int64(len(kafkaMsg.Value) + len(kafkaMsg.Key)))
		c.metrics.lastOffset.Store(kafkaMsg.Offset)
	}
}

func (c *Consumer) recordError(err error) {
	c.metrics.errors.Add(1)
	c.metrics.lastError.Store(err)
	c.metrics.lastErrorTime.Store(time.Now())
}

// GetMetrics returns current consumer metrics.
func (c *Consumer) GetMetrics() Metrics {
	m := Metrics{
		MessagesConsumed: c.metrics.messagesConsumed.Load(),
		BytesConsumed:    c.metrics.bytesConsumed.Load(),
		Errors:           c.metrics.errors.Load(),
	}

	if err := c.metrics.lastError.Load(); err != nil {
		m.LastError = err.(error)
	}
	if t := c.metrics.lastErrorTime.Load(); t != nil {
		m.LastErrorTime = t.(time.Time)
	}

	return m
}

// Stop gracefully stops the consumer.
func (c *Consumer) Stop() error {
	if c.closed.Swap(true) {
		return nil // Already closed
	}

	c.logger.Info("stopping kafka consumer",
		"messages_consumed", c.metrics.messagesConsumed.Load(),
		"last_offset", c.metrics.lastOffset.Load(),
	)

	c.cancel()
	c.wg.Wait()

	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close consumer: %w", err)
	}

	return nil
}
