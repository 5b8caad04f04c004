// Package alerting delivers approval phishing alerts to notification
// channels. Every alert goes to every channel; nothing is de-duplicated.
package alerting

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"approval-sentinel/internal/approvals"
)

// Channel is a destination for alerts.
type Channel interface {
	Name() string
	Send(ctx context.Context, alert *approvals.Alert) error
}

// DeliveryStatus represents the delivery state of a notification.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliverySent       DeliveryStatus = "sent"
	DeliveryRetrying   DeliveryStatus = "retrying"
	DeliveryDeadLetter DeliveryStatus = "dead_letter"
)

// DeliveryRecord tracks the delivery of an alert to one channel.
type DeliveryRecord struct {
	ID          uuid.UUID      `json:"id"`
	AlertID     uuid.UUID      `json:"alert_id"`
	ChannelName string         `json:"channel_name"`
	Status      DeliveryStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	LastAttempt time.Time      `json:"last_attempt"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
}

// DeliveryConfig configures retries.
type DeliveryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`     // attempts per channel (default 5)
	InitialBackoff time.Duration `yaml:"initial_backoff"` // first retry delay (default 1s)
	MaxBackoff     time.Duration `yaml:"max_backoff"`     // maximum backoff (default 30s)
	BackoffFactor  float64       `yaml:"backoff_factor"`  // backoff multiplier (default 2.0)
	RetryTimeout   time.Duration `yaml:"retry_timeout"`   // per-attempt timeout (default 10s)
	MaxRecords     int           `yaml:"max_records"`     // delivery and dead-letter records kept
}

// DefaultDeliveryConfig returns sensible delivery defaults.
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		MaxRetries:     5,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		RetryTimeout:   10 * time.Second,
		MaxRecords:     10000,
	}
}

// FailureRecorder is notified when a channel gives up on an alert.
type FailureRecorder interface {
	DeliveryFailed(channel string)
}

// Dispatcher fans alerts out to channels with retries and a dead-letter list.
type Dispatcher struct {
	config     DeliveryConfig
	channels   []Channel
	logger     *slog.Logger
	failures   FailureRecorder
	records    map[uuid.UUID]*DeliveryRecord
	order      []uuid.UUID
	deadLetter []*DeliveryRecord
	mu         sync.RWMutex
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// NewDispatcher creates a dispatcher over channels.
func NewDispatcher(cfg DeliveryConfig, channels []Channel, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		config:   cfg,
		channels: channels,
		logger:   logger,
		records:  make(map[uuid.UUID]*DeliveryRecord),
		stopCh:   make(chan struct{}),
	}
}

// SetFailureRecorder sets the recorder for exhausted deliveries.
func (d *Dispatcher) SetFailureRecorder(r FailureRecorder) {
	d.failures = r
}

// Channels returns the configured channel names.
func (d *Dispatcher) Channels() []string {
	names := make([]string, len(d.channels))
	for i, ch := range d.channels {
		names[i] = ch.Name()
	}
	return names
}

// Dispatch sends each alert to every channel. Delivery is asynchronous.
func (d *Dispatcher) Dispatch(ctx context.Context, alerts []*approvals.Alert) {
	for _, alert := range alerts {
		for _, ch := range d.channels {
			record := &DeliveryRecord{
				ID:          uuid.New(),
				AlertID:     alert.ID,
				ChannelName: ch.Name(),
				Status:      DeliveryPending,
				CreatedAt:   time.Now(),
			}
			d.track(record)

			d.wg.Add(1)
			go d.deliverWithRetry(ctx, ch, alert, record)
		}
	}
}

func (d *Dispatcher) track(record *DeliveryRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.records[record.ID] = record
	d.order = append(d.order, record.ID)
	if d.config.MaxRecords > 0 && len(d.order) > d.config.MaxRecords {
		evict := d.order[0]
		d.order = d.order[1:]
		delete(d.records, evict)
	}
}

// deliverWithRetry attempts delivery with exponential backoff.
func (d *Dispatcher) deliverWithRetry(ctx context.Context, ch Channel, alert *approvals.Alert, record *DeliveryRecord) {
	defer d.wg.Done()

	backoff := d.config.InitialBackoff
	maxRetries := d.config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		d.mu.Lock()
		record.Attempts = attempt
		record.LastAttempt = time.Now()
		if attempt > 1 {
			record.Status = DeliveryRetrying
		}
		d.mu.Unlock()

		attemptCtx, cancel := context.WithTimeout(ctx, d.config.RetryTimeout)
		err := ch.Send(attemptCtx, alert)
		cancel()

		if err == nil {
			now := time.Now()
			d.mu.Lock()
			record.Status = DeliverySent
			record.DeliveredAt = &now
			d.mu.Unlock()

			d.logger.Debug("alert delivered",
				"channel", ch.Name(),
				"alert_id", alert.ID,
				"attempts", attempt,
			)
			return
		}

		d.mu.Lock()
		record.LastError = err.Error()
		d.mu.Unlock()

		d.logger.Warn("alert delivery failed",
			"channel", ch.Name(),
			"alert_id", alert.ID,
			"attempt", attempt,
			"max_retries", maxRetries,
			"error", err,
		)

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				d.moveToDeadLetter(record, "context cancelled")
				return
			case <-d.stopCh:
				d.moveToDeadLetter(record, "dispatcher stopped")
				return
			case <-time.After(backoff):
			}

			backoff = time.Duration(float64(backoff) * d.config.BackoffFactor)
			if backoff > d.config.MaxBackoff {
				backoff = d.config.MaxBackoff
			}
		}
	}

	d.mu.RLock()
	reason := record.LastError
	d.mu.RUnlock()
	d.moveToDeadLetter(record, reason)
}

func (d *Dispatcher) moveToDeadLetter(record *DeliveryRecord, reason string) {
	d.mu.Lock()
	record.Status = DeliveryDeadLetter
	record.LastError = reason
	d.deadLetter = append(d.deadLetter, record)
	if d.config.MaxRecords > 0 && len(d.deadLetter) > d.config.MaxRecords {
		d.deadLetter = d.deadLetter[len(d.deadLetter)-d.config.MaxRecords:]
	}
	d.mu.Unlock()

	if d.failures != nil {
		d.failures.DeliveryFailed(record.ChannelName)
	}

	d.logger.Error("alert moved to dead letter queue",
		"alert_id", record.AlertID,
		"channel", record.ChannelName,
		"attempts", record.Attempts,
		"reason", reason,
	)
}

// DeadLetterQueue returns copies of the most recent failed delivery records,
// oldest first.
func (d *Dispatcher) DeadLetterQueue() []DeliveryRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]DeliveryRecord, len(d.deadLetter))
	for i, rec := range d.deadLetter {
		result[i] = *rec
	}
	return result
}

// Stats returns delivery statistics.
func (d *Dispatcher) Stats() map[string]interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()

	statusCounts := make(map[string]int)
	channelCounts := make(map[string]map[string]int)

	for _, rec := range d.records {
		statusCounts[string(rec.Status)]++

		if _, ok := channelCounts[rec.ChannelName]; !ok {
			channelCounts[rec.ChannelName] = make(map[string]int)
		}
		channelCounts[rec.ChannelName][string(rec.Status)]++
	}

	return map[string]interface{}{
		"total_deliveries":  len(d.records),
		"dead_letter_count": len(d.deadLetter),
		"by_status":         statusCounts,
		"by_channel":        channelCounts,
	}
}

// Stop aborts pending retries and waits for in-flight deliveries.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

// Wait blocks until every dispatched delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
