// Package processor runs queued transactions through the detection handler
// and hands the resulting alerts to the alert dispatcher.
package processor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"approval-sentinel/internal/agent"
	"approval-sentinel/internal/approvals"
	"approval-sentinel/internal/blockchain/erc20"
	"approval-sentinel/internal/queue"
)

// Config holds the processor configuration.
type Config struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default processor configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval: 50 * time.Millisecond,
		ShutdownWait: 30 * time.Second,
	}
}

// Sink receives the alerts raised for a transaction.
type Sink interface {
	Dispatch(ctx context.Context, alerts []*approvals.Alert)
}

// Recorder receives per-transaction outcomes.
type Recorder interface {
	TransactionFailed()
	QueueDepth(n int)
}

type nopRecorder struct{}

func (nopRecorder) TransactionFailed() {}
func (nopRecorder) QueueDepth(int)     {}

// Processor pops transactions in arrival order and handles them one at a
// time. Detection state is order dependent, so there is exactly one worker.
type Processor struct {
	queue    *queue.RingBuffer[*erc20.RawTransaction]
	handle   agent.HandleTransaction
	sink     Sink
	config   Config
	logger   *slog.Logger
	recorder Recorder

	wg      sync.WaitGroup
	done    chan struct{}
	stopped atomic.Bool

	processed atomic.Uint64
	failed    atomic.Uint64
	alerts    atomic.Uint64
}

// New creates a Processor.
func New(q *queue.RingBuffer[*erc20.RawTransaction], handle agent.HandleTransaction, sink Sink, cfg Config, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		queue:    q,
		handle:   handle,
		sink:     sink,
		config:   cfg,
		logger:   logger,
		recorder: nopRecorder{},
		done:     make(chan struct{}),
	}
}

// SetRecorder sets the outcome recorder.
func (p *Processor) SetRecorder(r Recorder) {
	p.recorder = r
}

// Start starts the worker.
func (p *Processor) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.worker(ctx)

	p.logger.Info("transaction processor started", "queue_capacity", p.queue.Cap())
}

func (p *Processor) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("processor stopping (context)")
			return
		case <-p.done:
			p.drain(ctx)
			return
		default:
		}

		raw, err := p.queue.PopWithTimeout(p.config.PollInterval)
		if err != nil {
			if errors.Is(err, queue.ErrQueueEmpty) {
				continue
			}
			if errors.Is(err, queue.ErrQueueClosed) {
				p.logger.Debug("processor stopping (queue closed)")
				return
			}
			p.logger.Warn("unexpected queue error", "error", err)
			continue
		}

		p.Process(ctx, raw)
	}
}

func (p *Processor) drain(ctx context.Context) {
	for {
		raw, err := p.queue.Pop()
		if err != nil {
			return
		}
		p.Process(ctx, raw)
	}
}

// Process handles a single transaction synchronously. A failing transaction
// is logged and counted; processing continues with the next one.
func (p *Processor) Process(ctx context.Context, raw *erc20.RawTransaction) []*approvals.Alert {
	p.recorder.QueueDepth(p.queue.Len())

	alerts, err := p.handle(ctx, raw)
	if err != nil {
		p.failed.Add(1)
		p.recorder.TransactionFailed()
		p.logger.Error("failed to process transaction",
			"tx", raw.Hash,
			"block", raw.BlockNumber,
			"error", err,
		)
		return nil
	}

	p.processed.Add(1)
	if len(alerts) > 0 {
		p.alerts.Add(uint64(len(alerts)))
		p.sink.Dispatch(ctx, alerts)
	}
	return alerts
}

// Stop finishes the queued transactions and stops the worker.
func (p *Processor) Stop() {
	if p.stopped.Swap(true) {
		return
	}
	close(p.done)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("transaction processor stopped gracefully")
	case <-time.After(p.config.ShutdownWait):
		p.logger.Warn("transaction processor shutdown timed out")
	}
}

// Metrics returns processor statistics.
func (p *Processor) Metrics() ProcessorMetrics {
	return ProcessorMetrics{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Alerts:    p.alerts.Load(),
	}
}

// ProcessorMetrics holds processor statistics.
type ProcessorMetrics struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Alerts    uint64 `json:"alerts"`
}
