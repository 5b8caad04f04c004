package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/math"
)

const testTo = testAsset

func allEOA(context.Context, string) (bool, error) { return true, nil }

func testConfig(minimum int) Config {
	return Config{ObservationPeriodDuration: 6000, MinimumNumberOfApprovals: minimum}
}

func approveTx(from string, block uint64, calls ...ApprovalCall) *Transaction {
	return &Transaction{
		Hash:        fmt.Sprintf("0xtx-%s-%d", from, block),
		From:        from,
		To:          testTo,
		BlockNumber: block,
		Calls:       calls,
	}
}

func approve(spender string, amount int64) ApprovalCall {
	return ApprovalCall{Spender: spender, Amount: big.NewInt(amount), Function: FunctionApprove}
}

func increase(spender string, amount int64) ApprovalCall {
	return ApprovalCall{Spender: spender, Amount: big.NewInt(amount), Function: FunctionIncreaseAllowance}
}

type countingRecorder struct {
	mu      sync.Mutex
	skipped map[string]int
	opened  int
	rolled  int
	alerts  int
}

func (r *countingRecorder) TransactionProcessed(int) {}
func (r *countingRecorder) EventSkipped(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.skipped == nil {
		r.skipped = make(map[string]int)
	}
	r.skipped[reason]++
}
func (r *countingRecorder) WindowOpened()     { r.opened++ }
func (r *countingRecorder) WindowRolledOver() { r.rolled++ }
func (r *countingRecorder) AlertRaised()      { r.alerts++ }

func TestDetector_NoCallsSkipsClassifier(t *testing.T) {
	d := NewDetector(NewStore())
	called := false
	classify := func(context.Context, string) (bool, error) {
		called = true
		return true, nil
	}

	alerts, err := d.HandleTransaction(context.Background(), approveTx("0xu0", 1), classify, testConfig(0))
	if err != nil {
		t.Fatalf("HandleTransaction() error = %v", err)
	}
	if len(alerts) != 0 {
		t.Errorf("expected no alerts, got %d", len(alerts))
	}
	if called {
		t.Error("classifier invoked for a transaction without approvals")
	}
}

func TestDetector_SingleApprovalAlertsAtZeroThreshold(t *testing.T) {
	d := NewDetector(NewStore(), WithClock(func() time.Time { return time.Unix(0, 0).UTC() }))

	alerts, err := d.HandleTransaction(context.Background(), approveTx("U0", 12301, approve(testSpender, 100)), allEOA, testConfig(0))
	if err != nil {
		t.Fatalf("HandleTransaction() error = %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}

	a := alerts[0]
	if a.Name != AlertName || a.AlertID != AlertID || a.Protocol != AlertProtocol {
		t.Errorf("unexpected identity: %+v", a)
	}
	if a.Severity != SeverityHigh || a.Type != TypeSuspicious {
		t.Errorf("severity/type = %s/%s, want high/suspicious", a.Severity, a.Type)
	}
	wantDesc := "Evidence of Phishing Attack. Suspicious behavior detected: more than 0 users approved token transfers to a same EOA target over one day"
	if a.Description != wantDesc {
		t.Errorf("Description = %q", a.Description)
	}

	want := map[string]string{
		MetaAsset:             testTo,
		MetaAttackerAddress:   testSpender,
		MetaStartingAtBlock:   "12301",
		MetaAffectedAddresses: `[["U0","100"]]`,
	}
	for k, v := range want {
		if a.Metadata[k] != v {
			t.Errorf("Metadata[%s] = %q, want %q", k, a.Metadata[k], v)
		}
	}
	if len(a.Metadata) != len(want) {
		t.Errorf("Metadata has %d keys, want %d", len(a.Metadata), len(want))
	}
}

func TestDetector_ThresholdIsStrict(t *testing.T) {
	const n = 3
	d := NewDetector(NewStore())
	ctx := context.Background()

	for i := 0; i <= n; i++ {
		holder := fmt.Sprintf("0xu%d", i)
		alerts, err := d.HandleTransaction(ctx, approveTx(holder, uint64(100+i), approve(testSpender, 1)), allEOA, testConfig(n))
		if err != nil {
			t.Fatalf("HandleTransaction() error = %v", err)
		}
		count := i + 1
		if count <= n && len(alerts) != 0 {
			t.Errorf("holders=%d: expected no alert at threshold %d, got %d", count, n, len(alerts))
		}
		if count > n && len(alerts) != 1 {
			t.Errorf("holders=%d: expected 1 alert, got %d", count, len(alerts))
		}
	}
}

func TestDetector_TwoHoldersInOrder(t *testing.T) {
	d := NewDetector(NewStore())
	ctx := context.Background()
	cfg := testConfig(1)

	if alerts, _ := d.HandleTransaction(ctx, approveTx("0xu1", 10, approve(testSpender, 5)), allEOA, cfg); len(alerts) != 0 {
		t.Fatalf("expected no alert for first holder, got %d", len(alerts))
	}
	alerts, err := d.HandleTransaction(ctx, approveTx("0xu0", 11, approve(testSpender, 7)), allEOA, cfg)
	if err != nil {
		t.Fatalf("HandleTransaction() error = %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}

	var pairs [][2]string
	if err := json.Unmarshal([]byte(alerts[0].Metadata[MetaAffectedAddresses]), &pairs); err != nil {
		t.Fatalf("affectedAddressesJSON: %v", err)
	}
	want := [][2]string{{"0xu1", "5"}, {"0xu0", "7"}}
	if len(pairs) != 2 || pairs[0] != want[0] || pairs[1] != want[1] {
		t.Errorf("affected = %v, want %v", pairs, want)
	}
}

func TestDetector_RepeatedHolderCountsOnce(t *testing.T) {
	d := NewDetector(NewStore())
	ctx := context.Background()

	for block := uint64(1); block <= 5; block++ {
		if _, err := d.HandleTransaction(ctx, approveTx("0xu0", block, approve(testSpender, 1)), allEOA, testConfig(10)); err != nil {
			t.Fatal(err)
		}
	}
	if n := d.Store().ApprovalCount(testTo, testSpender); n != 1 {
		t.Errorf("ApprovalCount() = %d, want 1", n)
	}
}

func TestDetector_AccumulateThenOverwrite(t *testing.T) {
	d := NewDetector(NewStore())
	ctx := context.Background()
	cfg := testConfig(10)

	steps := []struct {
		call ApprovalCall
		want string
	}{
		{increase(testSpender, 100), "100"},
		{increase(testSpender, 50), "150"},
		{approve(testSpender, 999), "999"},
	}
	for i, step := range steps {
		if _, err := d.HandleTransaction(ctx, approveTx("U0", uint64(10+i), step.call), allEOA, cfg); err != nil {
			t.Fatal(err)
		}
		if got := d.Store().Approvals(testTo, testSpender)[0].Amount; got != step.want {
			t.Errorf("step %d: amount = %s, want %s", i, got, step.want)
		}
	}
}

func TestDetector_MaxUintStoredAsUnlimited(t *testing.T) {
	d := NewDetector(NewStore())
	ctx := context.Background()
	call := ApprovalCall{Spender: testSpender, Amount: new(big.Int).Set(math.MaxBig256), Function: FunctionApprove}

	if _, err := d.HandleTransaction(ctx, approveTx("0xu0", 1, call), allEOA, testConfig(10)); err != nil {
		t.Fatal(err)
	}
	if _, err := d.HandleTransaction(ctx, approveTx("0xu0", 2, increase(testSpender, 5)), allEOA, testConfig(10)); err != nil {
		t.Fatal(err)
	}
	if got := d.Store().Approvals(testTo, testSpender)[0].Amount; got != Unlimited {
		t.Errorf("amount = %s, want %s", got, Unlimited)
	}
}

func TestDetector_Rollover(t *testing.T) {
	rec := &countingRecorder{}
	d := NewDetector(NewStore(), WithRecorder(rec))
	ctx := context.Background()
	cfg := Config{ObservationPeriodDuration: 100, MinimumNumberOfApprovals: 10}

	for i := 0; i < 4; i++ {
		tx := approveTx(fmt.Sprintf("0xu%d", i), uint64(1000+i), approve(testSpender, 1))
		if _, err := d.HandleTransaction(ctx, tx, allEOA, cfg); err != nil {
			t.Fatal(err)
		}
	}

	// 1099 is still inside the window opened at 1000.
	if _, err := d.HandleTransaction(ctx, approveTx("0xu5", 1099, approve(testSpender, 1)), allEOA, cfg); err != nil {
		t.Fatal(err)
	}
	if n := d.Store().ApprovalCount(testTo, testSpender); n != 5 {
		t.Fatalf("ApprovalCount() = %d, want 5", n)
	}

	if _, err := d.HandleTransaction(ctx, approveTx("0xu9", 1100, approve(testSpender, 1)), allEOA, cfg); err != nil {
		t.Fatal(err)
	}
	if n := d.Store().ApprovalCount(testTo, testSpender); n != 1 {
		t.Errorf("ApprovalCount() after rollover = %d, want 1", n)
	}
	if got := d.Store().StartingBlock(testTo, testSpender); got != 1100 {
		t.Errorf("StartingBlock() = %d, want 1100", got)
	}
	if rec.opened != 1 || rec.rolled != 1 {
		t.Errorf("opened=%d rolled=%d, want 1/1", rec.opened, rec.rolled)
	}
}

func TestDetector_OlderBlockExtendsWindow(t *testing.T) {
	tests := []struct {
		name  string
		block uint64
	}{
		{"one block earlier", 999},
		{"more than a period earlier", 850},
		{"genesis", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &countingRecorder{}
			d := NewDetector(NewStore(), WithRecorder(rec))
			ctx := context.Background()
			cfg := Config{ObservationPeriodDuration: 100, MinimumNumberOfApprovals: 10}

			if _, err := d.HandleTransaction(ctx, approveTx("0xu0", 1000, approve(testSpender, 1)), allEOA, cfg); err != nil {
				t.Fatal(err)
			}
			if _, err := d.HandleTransaction(ctx, approveTx("0xu1", tt.block, approve(testSpender, 1)), allEOA, cfg); err != nil {
				t.Fatal(err)
			}

			if n := d.Store().ApprovalCount(testTo, testSpender); n != 2 {
				t.Errorf("ApprovalCount() = %d, want 2", n)
			}
			if got := d.Store().StartingBlock(testTo, testSpender); got != 1000 {
				t.Errorf("StartingBlock() = %d, want 1000", got)
			}
			if rec.opened != 1 || rec.rolled != 0 {
				t.Errorf("opened=%d rolled=%d, want 1/0", rec.opened, rec.rolled)
			}
		})
	}
}

func TestElapsed(t *testing.T) {
	tests := []struct {
		block, start, want uint64
	}{
		{1100, 1000, 100},
		{1000, 1000, 0},
		{999, 1000, 0},
		{0, 1000, 0},
	}
	for _, tt := range tests {
		if got := elapsed(tt.block, tt.start); got != tt.want {
			t.Errorf("elapsed(%d, %d) = %d, want %d", tt.block, tt.start, got, tt.want)
		}
	}
}

func TestDetector_ContractSpenderNeverTracked(t *testing.T) {
	d := NewDetector(NewStore())
	contract := func(context.Context, string) (bool, error) { return false, nil }

	for i := 0; i < 5; i++ {
		alerts, err := d.HandleTransaction(context.Background(),
			approveTx(fmt.Sprintf("0xu%d", i), 1, approve(testSpender, 1_000_000)), contract, testConfig(0))
		if err != nil {
			t.Fatal(err)
		}
		if len(alerts) != 0 {
			t.Errorf("expected no alert for contract spender, got %d", len(alerts))
		}
	}
	if d.Store().Len() != 0 {
		t.Errorf("store has %d pairs, want 0", d.Store().Len())
	}
}

func TestDetector_SkipsZeroAmountAndMissingRecipient(t *testing.T) {
	rec := &countingRecorder{}
	d := NewDetector(NewStore(), WithRecorder(rec))
	ctx := context.Background()

	if _, err := d.HandleTransaction(ctx, approveTx("0xu0", 1, approve(testSpender, 0)), allEOA, testConfig(0)); err != nil {
		t.Fatal(err)
	}
	creation := approveTx("0xu1", 1, approve(testSpender, 10))
	creation.To = ""
	if _, err := d.HandleTransaction(ctx, creation, allEOA, testConfig(0)); err != nil {
		t.Fatal(err)
	}

	if d.Store().Len() != 0 {
		t.Errorf("store has %d pairs, want 0", d.Store().Len())
	}
	if rec.skipped[SkipZeroAmount] != 1 || rec.skipped[SkipNoRecipient] != 1 {
		t.Errorf("skipped = %v", rec.skipped)
	}
}

func TestDetector_MultipleCallsInOneTransaction(t *testing.T) {
	d := NewDetector(NewStore())
	spender2 := "0x5000000000000000000000000000000000000002"
	tx := approveTx("0xu0", 5, approve(testSpender, 1), approve(spender2, 2), increase(testSpender, 3))

	alerts, err := d.HandleTransaction(context.Background(), tx, allEOA, testConfig(0))
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 3 {
		t.Fatalf("expected 3 alerts, got %d", len(alerts))
	}
	if got := alerts[2].Metadata[MetaAffectedAddresses]; got != `[["0xu0","4"]]` {
		t.Errorf("third alert affected = %s", got)
	}
	if alerts[1].Attacker() != spender2 {
		t.Errorf("second alert attacker = %s, want %s", alerts[1].Attacker(), spender2)
	}
}

func TestDetector_ClassifierFailureLeavesStoreUntouched(t *testing.T) {
	d := NewDetector(NewStore())
	errRPC := errors.New("rpc unavailable")
	var calls atomic.Int32
	classify := func(_ context.Context, addr string) (bool, error) {
		calls.Add(1)
		if addr == "0xbad" {
			return false, errRPC
		}
		return true, nil
	}

	tx := approveTx("0xu0", 1, approve(testSpender, 1), approve("0xbad", 1), approve(testSpender, 2))
	alerts, err := d.HandleTransaction(context.Background(), tx, classify, testConfig(0))
	if !errors.Is(err, errRPC) {
		t.Fatalf("error = %v, want %v", err, errRPC)
	}
	if alerts != nil {
		t.Errorf("expected nil alerts on failure, got %d", len(alerts))
	}
	if calls.Load() != 3 {
		t.Errorf("classifier called %d times, want 3", calls.Load())
	}
	if d.Store().Len() != 0 {
		t.Errorf("store mutated on classifier failure: %d pairs", d.Store().Len())
	}
}

func TestDetector_ClassifiesConcurrently(t *testing.T) {
	d := NewDetector(NewStore())
	const n = 4
	var wg sync.WaitGroup
	wg.Add(n)
	classify := func(context.Context, string) (bool, error) {
		wg.Done()
		wg.Wait() // every call must be in flight at once
		return true, nil
	}

	calls := make([]ApprovalCall, n)
	for i := range calls {
		calls[i] = approve(fmt.Sprintf("0xs%d", i), 1)
	}

	done := make(chan error, 1)
	go func() {
		_, err := d.HandleTransaction(context.Background(), approveTx("0xu0", 1, calls...), classify, testConfig(10))
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("classification did not run concurrently")
	}
}

func TestDetector_IndependentStores(t *testing.T) {
	a := NewDetector(NewStore())
	b := NewDetector(NewStore())

	if _, err := a.HandleTransaction(context.Background(), approveTx("0xu0", 1, approve(testSpender, 1)), allEOA, testConfig(10)); err != nil {
		t.Fatal(err)
	}
	if b.Store().Exists(testTo, testSpender) {
		t.Error("detectors share state")
	}
}
