package erc20

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// CodeReader reads deployed contract code. *ethclient.Client implements it.
type CodeReader interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// ClassifierConfig configures EOA lookups.
type ClassifierConfig struct {
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries   int           `yaml:"max_retries" json:"max_retries" validate:"gte=0"`
	RetryBackoff time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
}

// DefaultClassifierConfig returns the default lookup settings.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		Timeout:      5 * time.Second,
		MaxRetries:   2,
		RetryBackoff: 250 * time.Millisecond,
	}
}

// Classifier reports whether an address is an externally-owned account by
// checking for deployed code at the latest block.
type Classifier struct {
	reader CodeReader
	config ClassifierConfig
	logger *slog.Logger

	lookups  atomic.Int64
	failures atomic.Int64
	retries  atomic.Int64
}

// NewClassifier creates a Classifier.
func NewClassifier(reader CodeReader, config ClassifierConfig, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{reader: reader, config: config, logger: logger}
}

// IsEOA returns true when address has no code.
func (c *Classifier) IsEOA(ctx context.Context, address string) (bool, error) {
	if !common.IsHexAddress(address) {
		return false, fmt.Errorf("erc20: invalid address %q", address)
	}
	account := common.HexToAddress(address)
	c.lookups.Add(1)

	var lastErr error
	backoff := c.config.RetryBackoff
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.retries.Add(1)
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		code, err := c.codeAt(ctx, account)
		if err == nil {
			return len(code) == 0, nil
		}
		lastErr = err
		c.logger.Warn("code lookup failed",
			"address", address,
			"attempt", attempt+1,
			"error", err)
	}

	c.failures.Add(1)
	return false, fmt.Errorf("erc20: code lookup for %s failed after %d attempts: %w", address, c.config.MaxRetries+1, lastErr)
}

func (c *Classifier) codeAt(ctx context.Context, account common.Address) ([]byte, error) {
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}
	return c.reader.CodeAt(ctx, account, nil)
}

// GetStats returns lookup counters.
func (c *Classifier) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"lookups":  c.lookups.Load(),
		"failures": c.failures.Load(),
		"retries":  c.retries.Load(),
	}
}
