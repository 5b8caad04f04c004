package approvals

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"golang.org/x/sync/errgroup"
)

// Approval function names as reported by the decoder.
const (
	FunctionApprove           = "approve"
	FunctionIncreaseAllowance = "increaseAllowance"
)

// Config holds the detection thresholds.
type Config struct {
	// ObservationPeriodDuration is the window length in blocks.
	ObservationPeriodDuration uint64 `yaml:"observation_period_duration" json:"observation_period_duration" validate:"gt=0"`
	// MinimumNumberOfApprovals is the holder count that must be exceeded to alert.
	MinimumNumberOfApprovals int `yaml:"minimum_number_of_approvals" json:"minimum_number_of_approvals" validate:"gte=0"`
}

// DefaultConfig returns the default thresholds: roughly one day of mainnet
// blocks and ten holders.
func DefaultConfig() Config {
	return Config{
		ObservationPeriodDuration: 6000,
		MinimumNumberOfApprovals:  10,
	}
}

// ClassifyFunc reports whether address is an externally-owned account.
type ClassifyFunc func(ctx context.Context, address string) (bool, error)

// ApprovalCall is one decoded approve or increaseAllowance call.
type ApprovalCall struct {
	Spender  string
	Amount   *big.Int
	Function string
}

// Accumulating reports whether the call adds to the existing allowance.
func (c ApprovalCall) Accumulating() bool {
	return c.Function == FunctionIncreaseAllowance
}

// Transaction is the detector's view of a transaction. To is the token
// contract and is empty for contract creations.
type Transaction struct {
	Hash        string
	From        string
	To          string
	BlockNumber uint64
	Calls       []ApprovalCall
}

// Recorder receives detector activity, typically for metrics.
type Recorder interface {
	TransactionProcessed(calls int)
	EventSkipped(reason string)
	WindowOpened()
	WindowRolledOver()
	AlertRaised()
}

type nopRecorder struct{}

func (nopRecorder) TransactionProcessed(int) {}
func (nopRecorder) EventSkipped(string)      {}
func (nopRecorder) WindowOpened()            {}
func (nopRecorder) WindowRolledOver()        {}
func (nopRecorder) AlertRaised()             {}

// Skip reasons passed to Recorder.EventSkipped.
const (
	SkipContractSpender = "contract_spender"
	SkipZeroAmount      = "zero_amount"
	SkipNoRecipient     = "no_recipient"
)

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithLogger sets the detector's logger.
func WithLogger(logger *slog.Logger) DetectorOption {
	return func(d *Detector) { d.logger = logger }
}

// WithRecorder sets the detector's activity recorder.
func WithRecorder(r Recorder) DetectorOption {
	return func(d *Detector) { d.recorder = r }
}

// WithClock overrides the alert timestamp source.
func WithClock(now func() time.Time) DetectorOption {
	return func(d *Detector) { d.now = now }
}

// Detector folds approval calls into a Store and raises alerts.
type Detector struct {
	store    *Store
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time
}

// NewDetector creates a Detector backed by store.
func NewDetector(store *Store, opts ...DetectorOption) *Detector {
	d := &Detector{
		store:    store,
		logger:   slog.Default(),
		recorder: nopRecorder{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Store returns the detector's store.
func (d *Detector) Store() *Store {
	return d.store
}

// HandleTransaction processes the approval calls of one transaction.
//
// Every spender is classified before the store is touched; a classifier
// error aborts the transaction with no state change. Calls are then applied
// in order and each may raise an alert.
func (d *Detector) HandleTransaction(ctx context.Context, tx *Transaction, classify ClassifyFunc, cfg Config) ([]*Alert, error) {
	if len(tx.Calls) == 0 {
		return nil, nil
	}

	eoa, err := classifyAll(ctx, tx.Calls, classify)
	if err != nil {
		return nil, fmt.Errorf("tx %s: %w", tx.Hash, err)
	}
	d.recorder.TransactionProcessed(len(tx.Calls))

	var alerts []*Alert
	for i, call := range tx.Calls {
		if reason := skipReason(tx, call, eoa[i]); reason != "" {
			d.recorder.EventSkipped(reason)
			d.logger.Debug("approval skipped",
				"tx", tx.Hash,
				"spender", call.Spender,
				"reason", reason)
			continue
		}

		if alert := d.apply(tx, call, cfg); alert != nil {
			alerts = append(alerts, alert)
		}
	}
	return alerts, nil
}

// classifyAll classifies every call's spender concurrently and waits for all
// of them, even after a failure.
func classifyAll(ctx context.Context, calls []ApprovalCall, classify ClassifyFunc) ([]bool, error) {
	eoa := make([]bool, len(calls))
	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			ok, err := classify(ctx, call.Spender)
			if err != nil {
				return fmt.Errorf("classify spender %s: %w", call.Spender, err)
			}
			eoa[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return eoa, nil
}

func skipReason(tx *Transaction, call ApprovalCall, eoa bool) string {
	switch {
	case !eoa:
		return SkipContractSpender
	case call.Amount == nil || call.Amount.Sign() == 0:
		return SkipZeroAmount
	case tx.To == "":
		return SkipNoRecipient
	}
	return ""
}

func (d *Detector) apply(tx *Transaction, call ApprovalCall, cfg Config) *Alert {
	asset, spender, holder := tx.To, call.Spender, tx.From
	amount := NormalizeAmount(call.Amount)

	switch {
	case !d.store.Exists(asset, spender):
		d.store.Initialize(asset, spender, holder, amount, tx.BlockNumber)
		d.recorder.WindowOpened()
		d.logger.Info("approval window opened",
			"asset", asset,
			"spender", spender,
			"block", tx.BlockNumber)
	case elapsed(tx.BlockNumber, d.store.StartingBlock(asset, spender)) < cfg.ObservationPeriodDuration:
		d.store.ExtendCurrentPeriod(asset, spender, holder, amount, call.Accumulating())
	default:
		d.store.RolloverPeriod(asset, spender, holder, amount, tx.BlockNumber)
		d.recorder.WindowRolledOver()
		d.logger.Info("approval window rolled over",
			"asset", asset,
			"spender", spender,
			"block", tx.BlockNumber)
	}

	if d.store.ApprovalCount(asset, spender) <= cfg.MinimumNumberOfApprovals {
		return nil
	}

	w, _ := d.store.Get(asset, spender)
	alert := newAlert(tx, spender, w, cfg, d.now())
	d.recorder.AlertRaised()
	d.logger.Warn("approval phishing detected",
		"asset", asset,
		"spender", spender,
		"holders", len(w.Approvals),
		"starting_block", w.StartingBlock,
		"tx", tx.Hash)
	return alert
}

// elapsed returns the blocks since start. A block older than the window
// start counts as inside it.
func elapsed(block, start uint64) uint64 {
	if block < start {
		return 0
	}
	return block - start
}
