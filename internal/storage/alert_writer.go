package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"approval-sentinel/internal/approvals"
)

// AlertsTable is the table created by the first migration.
const AlertsTable = "approval_alerts"

// WriterConfig holds configuration for the alert writer.
type WriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultWriterConfig returns the default writer configuration.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     100,
		FlushInterval: 2 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// AlertWriter buffers alerts and inserts them into approval_alerts in batches.
// InsertAlert returns only once the batch holding its alert has been sent or
// has failed, so a nil error means the row is stored.
type AlertWriter struct {
	client *ClickHouseClient
	config WriterConfig
	logger *slog.Logger

	buffer []pendingAlert
	mu     sync.Mutex

	flushTimer *time.Timer
	closed     bool

	totalWritten uint64
	totalFailed  uint64
	batchCount   uint64
}

// pendingAlert is a buffered alert and the channel its batch result goes to.
type pendingAlert struct {
	alert *approvals.Alert
	done  chan error
}

// NewAlertWriter creates a new AlertWriter.
func NewAlertWriter(client *ClickHouseClient, cfg WriterConfig, logger *slog.Logger) *AlertWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &AlertWriter{
		client: client,
		config: cfg,
		logger: logger,
		buffer: make([]pendingAlert, 0, cfg.BatchSize),
	}

	w.flushTimer = time.AfterFunc(cfg.FlushInterval, w.timerFlush)

	return w
}

// InsertAlert buffers an alert and waits for its batch to be written. A full
// batch is flushed by the caller that filled it; otherwise the flush timer or
// Close writes it. If ctx ends first the alert stays buffered and may still
// be written.
func (w *AlertWriter) InsertAlert(ctx context.Context, alert *approvals.Alert) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWriterClosed
	}

	p := pendingAlert{alert: alert, done: make(chan error, 1)}
	w.buffer = append(w.buffer, p)
	if len(w.buffer) >= w.config.BatchSize {
		w.flushLocked(ctx)
	}
	w.mu.Unlock()

	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *AlertWriter) timerFlush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	if len(w.buffer) > 0 {
		if err := w.flushLocked(context.Background()); err != nil {
			w.logger.Error("timer flush failed", "error", err)
		}
	}

	w.flushTimer.Reset(w.config.FlushInterval)
}

// flushLocked writes the buffer and reports the outcome to every waiting
// InsertAlert. Only connection errors are retried. Caller must hold the lock.
func (w *AlertWriter) flushLocked(ctx context.Context) error {
	if len(w.buffer) == 0 {
		return nil
	}

	pending := w.buffer
	w.buffer = make([]pendingAlert, 0, w.config.BatchSize)

	// Rows that cannot be encoded fail on their own.
	rows := make([][]any, 0, len(pending))
	batch := make([]pendingAlert, 0, len(pending))
	for _, p := range pending {
		row, err := alertRow(p.alert)
		if err != nil {
			atomic.AddUint64(&w.totalFailed, 1)
			p.done <- wrapBatchError(AlertsTable, err, 0)
			continue
		}
		rows = append(rows, row)
		batch = append(batch, p)
	}
	if len(batch) == 0 {
		return nil
	}

	err := w.sendWithRetry(ctx, rows)
	if err != nil {
		atomic.AddUint64(&w.totalFailed, uint64(len(batch)))
	} else {
		atomic.AddUint64(&w.totalWritten, uint64(len(batch)))
		atomic.AddUint64(&w.batchCount, 1)
	}
	for _, p := range batch {
		p.done <- err
	}
	return err
}

func (w *AlertWriter) sendWithRetry(ctx context.Context, rows [][]any) error {
	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return wrapBatchError(AlertsTable, ctx.Err(), attempt-1)
			case <-time.After(w.config.RetryDelay * time.Duration(1<<(attempt-1))):
			}
		}

		err := w.insertBatch(ctx, rows)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsConnectionError(err) {
			return wrapBatchError(AlertsTable, err, attempt)
		}
		w.logger.Warn("alert insert failed, retrying",
			"attempt", attempt+1,
			"max_retries", w.config.MaxRetries,
			"error", err,
		)
	}
	return wrapBatchError(AlertsTable, lastErr, w.config.MaxRetries)
}

func (w *AlertWriter) insertBatch(ctx context.Context, rows [][]any) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	batch, err := w.client.PrepareBatch(ctx, `
		INSERT INTO approval_alerts (
			id, alert_id, name, severity, type, protocol,
			asset, spender, starting_block, affected_addresses, affected_count,
			tx_hash, block_number, created_at
		)
	`)
	if err != nil {
		return classifyInsertError("PrepareBatch", err)
	}

	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			return WrapQueryError("Append", AlertsTable, err)
		}
	}

	if err := batch.Send(); err != nil {
		return classifyInsertError("Send", err)
	}

	w.logger.Debug("alert batch inserted", "count", len(rows))
	return nil
}

// classifyInsertError separates server rejections, which fail the same way
// on retry, from transport failures.
func classifyInsertError(op string, err error) error {
	var exception *clickhouse.Exception
	if errors.As(err, &exception) {
		return WrapQueryError(op, AlertsTable, err)
	}
	return WrapConnectionError(op, err)
}

// alertRow flattens an alert into approval_alerts column order.
func alertRow(alert *approvals.Alert) ([]any, error) {
	startingBlock, err := strconv.ParseUint(alert.Metadata[approvals.MetaStartingAtBlock], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("alert %s: invalid starting block: %w", alert.ID, err)
	}
	affected := alert.Metadata[approvals.MetaAffectedAddresses]
	count, err := approvals.CountAffected(affected)
	if err != nil {
		return nil, fmt.Errorf("alert %s: %w", alert.ID, err)
	}

	return []any{
		alert.ID,
		alert.AlertID,
		alert.Name,
		string(alert.Severity),
		string(alert.Type),
		alert.Protocol,
		alert.Asset(),
		alert.Attacker(),
		startingBlock,
		affected,
		uint32(count),
		alert.TxHash,
		alert.BlockNumber,
		alert.Timestamp.UTC(),
	}, nil
}

// Flush forces a flush of the current buffer.
func (w *AlertWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(ctx)
}

// Close stops the flush timer and writes anything still buffered.
func (w *AlertWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	w.flushTimer.Stop()

	return w.Flush(context.Background())
}

// Metrics returns writer statistics.
func (w *AlertWriter) Metrics() WriterMetrics {
	return WriterMetrics{
		Written: atomic.LoadUint64(&w.totalWritten),
		Failed:  atomic.LoadUint64(&w.totalFailed),
		Batches: atomic.LoadUint64(&w.batchCount),
		Pending: w.pendingCount(),
	}
}

func (w *AlertWriter) pendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// WriterMetrics holds alert writer statistics.
type WriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}
