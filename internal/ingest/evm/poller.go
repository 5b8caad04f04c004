// Package evm provides an EVM JSON-RPC poller that feeds block transactions
// into the processing queue.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"approval-sentinel/internal/blockchain/erc20"
	"approval-sentinel/internal/queue"
)

// Config holds EVM poller configuration.
type Config struct {
	Enabled       bool          `yaml:"enabled"`
	Chain         string        `yaml:"chain"`
	RPCURL        string        `yaml:"rpc_url" validate:"required_if=Enabled true,omitempty,url"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	BatchSize     int           `yaml:"batch_size"`    // max blocks per poll
	StartBlock    string        `yaml:"start_block"`   // "latest", "earliest", or block number
	Confirmations uint64        `yaml:"confirmations"` // blocks to lag behind head
	RPCTimeout    time.Duration `yaml:"rpc_timeout"`
}

// DefaultConfig returns the default poller configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		Chain:        "ethereum",
		PollInterval: 12 * time.Second,
		BatchSize:    10,
		StartBlock:   "latest",
		RPCTimeout:   30 * time.Second,
	}
}

// rpcClient is the subset of *rpc.Client the poller uses.
type rpcClient interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
	BatchCallContext(ctx context.Context, b []rpc.BatchElem) error
	Close()
}

// Poller polls an EVM JSON-RPC endpoint for blocks and queues their
// transactions in block order.
type Poller struct {
	config    Config
	queue     *queue.RingBuffer[*erc20.RawTransaction]
	client    rpcClient
	logger    *slog.Logger
	lastBlock atomic.Uint64
	lastPoll  atomic.Int64 // unix nanos of the last successful poll
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	blocks atomic.Uint64
	txs    atomic.Uint64
	errors atomic.Uint64
}

// NewPoller dials cfg.RPCURL and creates a poller over it.
func NewPoller(ctx context.Context, cfg Config, q *queue.RingBuffer[*erc20.RawTransaction], logger *slog.Logger) (*Poller, error) {
	client, err := rpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s node: %w", cfg.Chain, err)
	}
	return newPoller(client, cfg, q, logger), nil
}

func newPoller(client rpcClient, cfg Config, q *queue.RingBuffer[*erc20.RawTransaction], logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 12 * time.Second // ~1 Ethereum block
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &Poller{
		config: cfg,
		queue:  q,
		client: client,
		logger: logger.With("component", "evm-poller", "chain", cfg.Chain),
		stopCh: make(chan struct{}),
	}
}

// Start resolves the start block and begins polling.
func (p *Poller) Start(ctx context.Context) error {
	start, err := p.resolveStartBlock(ctx)
	if err != nil {
		return fmt.Errorf("resolve start block: %w", err)
	}
	p.lastBlock.Store(start)
	p.lastPoll.Store(time.Now().UnixNano())

	p.wg.Add(1)
	go p.pollLoop(ctx)

	p.logger.Info("EVM polling started", "start_block", start)
	return nil
}

// Stop halts polling and closes the RPC client.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	p.client.Close()

	stats := p.Stats()
	p.logger.Info("EVM poller stopped",
		"last_block", stats.LastBlock,
		"blocks", stats.Blocks,
		"transactions", stats.Transactions,
		"errors", stats.Errors,
	)
}

func (p *Poller) pollLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.poll(ctx); err != nil {
				p.errors.Add(1)
				p.logger.Warn("EVM poll failed", "error", err)
				continue
			}
			p.lastPoll.Store(time.Now().UnixNano())
		}
	}
}

func (p *Poller) resolveStartBlock(ctx context.Context) (uint64, error) {
	switch p.config.StartBlock {
	case "", "latest":
		head, err := p.blockNumber(ctx)
		if err != nil {
			return 0, err
		}
		return p.confirmed(head), nil
	case "earliest":
		return 0, nil
	default:
		n, err := strconv.ParseUint(p.config.StartBlock, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid start_block %q: %w", p.config.StartBlock, err)
		}
		// Polling resumes after lastBlock, so step back one to include n.
		if n > 0 {
			n--
		}
		return n, nil
	}
}

func (p *Poller) confirmed(head uint64) uint64 {
	if head < p.config.Confirmations {
		return 0
	}
	return head - p.config.Confirmations
}

// poll fetches up to BatchSize blocks after the last processed one in a
// single batch request. Blocks are queued in order up to the first one that
// failed or is not yet available; the rest are retried on the next tick.
func (p *Poller) poll(ctx context.Context) error {
	head, err := p.blockNumber(ctx)
	if err != nil {
		return fmt.Errorf("get block number: %w", err)
	}
	latest := p.confirmed(head)
	last := p.lastBlock.Load()
	if latest <= last {
		return nil
	}

	from := last + 1
	endBlock := min(last+uint64(p.config.BatchSize), latest)

	blocks, elems := p.blockBatch(from, endBlock)
	callCtx, cancel := context.WithTimeout(ctx, p.config.RPCTimeout)
	err = p.client.BatchCallContext(callCtx, elems)
	cancel()
	if err != nil {
		return fmt.Errorf("get blocks %d-%d: %w", from, endBlock, err)
	}

	queued := 0
	defer func() {
		p.txs.Add(uint64(queued))
	}()

	for i, elem := range elems {
		blockNum := from + uint64(i)
		if elem.Error != nil {
			return fmt.Errorf("get block %d: %w", blockNum, elem.Error)
		}
		if blocks[i] == nil {
			return fmt.Errorf("get block %d: %w", blockNum, errBlockNotFound)
		}

		for _, raw := range p.convertBlock(blockNum, blocks[i]) {
			if err := p.queue.PushWait(ctx, raw); err != nil {
				return fmt.Errorf("queue tx %s: %w", raw.Hash, err)
			}
			queued++
		}

		p.lastBlock.Store(blockNum)
		p.blocks.Add(1)
	}

	p.logger.Debug("EVM poll complete",
		"from_block", from,
		"to_block", endBlock,
		"transactions", queued,
	)
	return nil
}

// Stats holds poller counters.
type Stats struct {
	LastBlock    uint64    `json:"last_block"`
	Blocks       uint64    `json:"blocks"`
	Transactions uint64    `json:"transactions"`
	Errors       uint64    `json:"errors"`
	LastPoll     time.Time `json:"last_poll"`
}

// Stats returns poller statistics.
func (p *Poller) Stats() Stats {
	var lastPoll time.Time
	if ns := p.lastPoll.Load(); ns > 0 {
		lastPoll = time.Unix(0, ns)
	}
	return Stats{
		LastBlock:    p.lastBlock.Load(),
		Blocks:       p.blocks.Load(),
		Transactions: p.txs.Load(),
		Errors:       p.errors.Load(),
		LastPoll:     lastPoll,
	}
}

// stallAfter is the number of poll intervals without a successful poll
// after which the poller reports itself unhealthy.
const stallAfter = 3

// HealthCheck fails when no poll has succeeded for stallAfter intervals.
func (p *Poller) HealthCheck(_ context.Context) error {
	stats := p.Stats()
	if stats.LastPoll.IsZero() {
		return errors.New("evm poller not started")
	}
	if since := time.Since(stats.LastPoll); since > stallAfter*p.config.PollInterval {
		return fmt.Errorf("no successful poll for %s (last block %d, %d errors)",
			since.Round(time.Second), stats.LastBlock, stats.Errors)
	}
	return nil
}

// --- JSON-RPC methods ---

var errBlockNotFound = errors.New("block not found")

func (p *Poller) blockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.RPCTimeout)
	defer cancel()

	var head hexutil.Uint64
	if err := p.client.CallContext(ctx, &head, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return uint64(head), nil
}

// blockResult keeps only the fields the detector needs, so blocks with
// transaction types unknown to go-ethereum still decode.
type blockResult struct {
	Number       hexutil.Uint64 `json:"number"`
	Hash         string         `json:"hash"`
	Transactions []transaction  `json:"transactions"`
}

type transaction struct {
	Hash  string  `json:"hash"`
	From  string  `json:"from"`
	To    *string `json:"to"`
	Input string  `json:"input"`
}

// blockBatch builds eth_getBlockByNumber requests for from..to. A block the
// node does not have yet decodes to a nil entry.
func (p *Poller) blockBatch(from, to uint64) ([]*blockResult, []rpc.BatchElem) {
	n := int(to - from + 1)
	blocks := make([]*blockResult, n)
	elems := make([]rpc.BatchElem, n)
	for i := range elems {
		elems[i] = rpc.BatchElem{
			Method: "eth_getBlockByNumber",
			Args:   []interface{}{hexutil.EncodeUint64(from + uint64(i)), true},
			Result: &blocks[i],
		}
	}
	return blocks, elems
}

// --- Conversion ---

func (p *Poller) convertBlock(blockNum uint64, block *blockResult) []*erc20.RawTransaction {
	out := make([]*erc20.RawTransaction, 0, len(block.Transactions))
	for _, tx := range block.Transactions {
		raw := &erc20.RawTransaction{
			Hash:        tx.Hash,
			From:        strings.ToLower(tx.From),
			Input:       tx.Input,
			BlockNumber: blockNum,
			Chain:       p.config.Chain,
		}
		// Contract creations carry a null or empty recipient.
		if tx.To != nil && *tx.To != "" && *tx.To != "0x" {
			raw.To = strings.ToLower(*tx.To)
		}
		out = append(out, raw)
	}
	return out
}
