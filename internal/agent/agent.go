// Package agent binds the decoder, the classifier and the detector into the
// per-transaction handler the service runs.
package agent

import (
	"context"

	"approval-sentinel/internal/approvals"
	"approval-sentinel/internal/blockchain/erc20"
)

// Decoder extracts approval calls from a raw transaction.
type Decoder interface {
	Decode(raw *erc20.RawTransaction) (*approvals.Transaction, error)
}

// Engine processes a decoded transaction.
type Engine interface {
	HandleTransaction(ctx context.Context, tx *approvals.Transaction, classify approvals.ClassifyFunc, cfg approvals.Config) ([]*approvals.Alert, error)
}

// HandleTransaction is the per-transaction entry point.
type HandleTransaction func(ctx context.Context, raw *erc20.RawTransaction) ([]*approvals.Alert, error)

// Provide returns a handler that decodes raw transactions and forwards them
// to engine with the given classifier and thresholds. Alerts are returned
// unchanged.
func Provide(decoder Decoder, engine Engine, classify approvals.ClassifyFunc, cfg approvals.Config) HandleTransaction {
	return func(ctx context.Context, raw *erc20.RawTransaction) ([]*approvals.Alert, error) {
		tx, err := decoder.Decode(raw)
		if err != nil {
			return nil, err
		}
		return engine.HandleTransaction(ctx, tx, classify, cfg)
	}
}
