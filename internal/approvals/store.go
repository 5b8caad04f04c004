// Package approvals implements the approval-phishing aggregation engine: a
// per (spender, asset) rolling window of holder approvals and the detector
// that folds decoded approval calls into it.
package approvals

import (
	"fmt"
	"sync"
)

// ApprovalRecord is one holder's latest known approved amount for a pair.
// Amount is a base-10 integer string or Unlimited.
type ApprovalRecord struct {
	Holder string `json:"holder"`
	Amount string `json:"amount"`
}

// Window is the observation window of a (spender, asset) pair.
type Window struct {
	StartingBlock uint64           `json:"starting_block"`
	Approvals     []ApprovalRecord `json:"approvals"`
}

func (w *Window) clone() Window {
	out := Window{StartingBlock: w.StartingBlock}
	out.Approvals = make([]ApprovalRecord, len(w.Approvals))
	copy(out.Approvals, w.Approvals)
	return out
}

// Store keeps one Window per (spender, asset) pair.
//
// The store is in-memory only and is lost on restart. It is safe for
// concurrent use, although the detector relies on a single writer to keep
// the per-pair update order deterministic.
type Store struct {
	mu      sync.RWMutex
	windows map[string]map[string]*Window // spender -> asset -> window
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{windows: make(map[string]map[string]*Window)}
}

func (s *Store) lookup(asset, spender string) *Window {
	assets, ok := s.windows[spender]
	if !ok {
		return nil
	}
	return assets[asset]
}

func (s *Store) mustLookup(op, asset, spender string) *Window {
	w := s.lookup(asset, spender)
	if w == nil {
		panic(fmt.Sprintf("approvals: %s on untracked pair (asset=%s spender=%s)", op, asset, spender))
	}
	return w
}

// Exists reports whether a window exists for the pair.
func (s *Store) Exists(asset, spender string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookup(asset, spender) != nil
}

// Get returns a copy of the pair's window.
func (s *Store) Get(asset, spender string) (Window, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w := s.lookup(asset, spender)
	if w == nil {
		return Window{}, false
	}
	return w.clone(), true
}

// StartingBlock returns the first block of the pair's window, or 0 when the
// pair is not tracked.
func (s *Store) StartingBlock(asset, spender string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if w := s.lookup(asset, spender); w != nil {
		return w.StartingBlock
	}
	return 0
}

// Approvals returns a copy of the pair's records in insertion order. The
// result is empty, never nil, for an untracked pair.
func (s *Store) Approvals(asset, spender string) []ApprovalRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w := s.lookup(asset, spender)
	if w == nil {
		return []ApprovalRecord{}
	}
	return w.clone().Approvals
}

// ApprovalCount returns the number of distinct holders in the pair's window.
func (s *Store) ApprovalCount(asset, spender string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if w := s.lookup(asset, spender); w != nil {
		return len(w.Approvals)
	}
	return 0
}

// IndexOfHolder returns the position of holder in approvals, or -1.
func IndexOfHolder(approvals []ApprovalRecord, holder string) int {
	for i, rec := range approvals {
		if rec.Holder == holder {
			return i
		}
	}
	return -1
}

// Initialize creates the pair's window with a single record. Windows of the
// same spender for other assets are left untouched.
func (s *Store) Initialize(asset, spender, holder, amount string, block uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	assets, ok := s.windows[spender]
	if !ok {
		assets = make(map[string]*Window)
		s.windows[spender] = assets
	}
	assets[asset] = newWindow(holder, amount, block)
}

// ExtendCurrentPeriod records an approval in the pair's current window.
//
// With accumulating set the amount is added to the holder's existing amount,
// unless that amount is Unlimited. Otherwise the existing amount is replaced.
// A holder without a record is appended. The pair must exist.
func (s *Store) ExtendCurrentPeriod(asset, spender, holder, amount string, accumulating bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.mustLookup("extend", asset, spender)

	idx := IndexOfHolder(w.Approvals, holder)
	switch {
	case idx == -1:
		w.Approvals = append(w.Approvals, ApprovalRecord{Holder: holder, Amount: amount})
	case accumulating:
		w.Approvals[idx].Amount = accumulate(w.Approvals[idx].Amount, amount)
	default:
		w.Approvals[idx].Amount = amount
	}
}

// RolloverPeriod discards the pair's window and starts a new one at block
// holding only this approval. The pair must exist.
func (s *Store) RolloverPeriod(asset, spender, holder, amount string, block uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustLookup("rollover", asset, spender)
	s.windows[spender][asset] = newWindow(holder, amount, block)
}

// Len returns the number of tracked pairs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, assets := range s.windows {
		n += len(assets)
	}
	return n
}

// Reset drops every window.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = make(map[string]map[string]*Window)
}

func newWindow(holder, amount string, block uint64) *Window {
	return &Window{
		StartingBlock: block,
		Approvals:     []ApprovalRecord{{Holder: holder, Amount: amount}},
	}
}
