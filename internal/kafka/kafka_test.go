package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"approval-sentinel/internal/approvals"
	"approval-sentinel/internal/blockchain/erc20"
	"approval-sentinel/internal/queue"
)

func getTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if len(cfg.Brokers) == 0 {
		t.Error("expected default brokers")
	}
	if cfg.TransactionsTopic == "" || cfg.AlertsTopic == "" {
		t.Error("expected default topics")
	}
	if cfg.ConsumerGroup == "" {
		t.Error("expected default consumer group")
	}
	if cfg.ProducerBatchSize < 1 {
		t.Error("expected batch size >= 1")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "empty brokers",
			modify:  func(c *Config) { c.Brokers = nil },
			wantErr: true,
		},
		{
			name: "no topics",
			modify: func(c *Config) {
				c.TransactionsTopic = ""
				c.AlertsTopic = ""
			},
			wantErr: true,
		},
		{
			name: "alerts only",
			modify: func(c *Config) {
				c.TransactionsTopic = ""
				c.ConsumerGroup = ""
			},
			wantErr: false,
		},
		{
			name:    "consumer without group",
			modify:  func(c *Config) { c.ConsumerGroup = "" },
			wantErr: true,
		},
		{
			name:    "invalid security protocol",
			modify:  func(c *Config) { c.SecurityProtocol = "INVALID" },
			wantErr: true,
		},
		{
			name: "SASL without credentials",
			modify: func(c *Config) {
				c.SecurityProtocol = "SASL_PLAINTEXT"
				c.SASLMechanism = "PLAIN"
			},
			wantErr: true,
		},
		{
			name: "SASL with bad mechanism",
			modify: func(c *Config) {
				c.SecurityProtocol = "SASL_SSL"
				c.SASLMechanism = "GSSAPI"
				c.SASLUsername = "user"
				c.SASLPassword = "pass"
			},
			wantErr: true,
		},
		{
			name: "valid SCRAM",
			modify: func(c *Config) {
				c.SecurityProtocol = "SASL_PLAINTEXT"
				c.SASLMechanism = "SCRAM-SHA-512"
				c.SASLUsername = "user"
				c.SASLPassword = "pass"
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetCompression(t *testing.T) {
	tests := []struct {
		compression string
		wantNonZero bool
	}{
		{"gzip", true},
		{"snappy", true},
		{"lz4", true},
		{"zstd", true},
		{"none", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.compression, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.CompressionType = tt.compression

			result := cfg.GetCompression()
			if tt.wantNonZero && result == 0 {
				t.Errorf("expected non-zero compression for %s", tt.compression)
			}
			if !tt.wantNonZero && result != 0 {
				t.Errorf("expected zero compression for %s", tt.compression)
			}
		})
	}
}

func TestGetDialer(t *testing.T) {
	cfg := DefaultConfig()

	dialer, err := cfg.GetDialer()
	if err != nil {
		t.Fatalf("GetDialer() error = %v", err)
	}
	if dialer.Timeout != cfg.DialTimeout {
		t.Errorf("expected timeout %v, got %v", cfg.DialTimeout, dialer.Timeout)
	}
	if dialer.TLS != nil || dialer.SASLMechanism != nil {
		t.Error("expected plaintext dialer")
	}

	cfg.SecurityProtocol = "SASL_SSL"
	cfg.SASLMechanism = "PLAIN"
	cfg.SASLUsername = "user"
	cfg.SASLPassword = "pass"
	dialer, err = cfg.GetDialer()
	if err != nil {
		t.Fatalf("GetDialer() error = %v", err)
	}
	if dialer.TLS == nil || dialer.SASLMechanism == nil {
		t.Error("expected TLS and SASL for SASL_SSL")
	}
}

// fakeWriter fails the first failures writes.
type fakeWriter struct {
	mu       sync.Mutex
	failures int
	failWith error
	written  []kafka.Message
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return w.failWith
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func testAlert() *approvals.Alert {
	return &approvals.Alert{
		AlertID:   approvals.AlertID,
		Severity:  approvals.SeverityHigh,
		Metadata:  map[string]string{approvals.MetaAttackerAddress: "0xattacker"},
		Timestamp: time.Unix(1700000000, 0).UTC(),
	}
}

func fastProducerConfig() *Config {
	cfg := DefaultConfig()
	cfg.ProducerRetryBackoff = time.Millisecond
	return cfg
}

func TestProducer_PublishAlert(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, fastProducerConfig(), getTestLogger())

	if err := p.PublishAlert(context.Background(), testAlert()); err != nil {
		t.Fatalf("PublishAlert() error = %v", err)
	}
	if len(w.written) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.written))
	}
	msg := w.written[0]
	if string(msg.Key) != "0xattacker" {
		t.Errorf("key = %s, want 0xattacker", msg.Key)
	}
	var decoded approvals.Alert
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("value is not an alert: %v", err)
	}
	if decoded.AlertID != approvals.AlertID {
		t.Errorf("alert id = %s", decoded.AlertID)
	}
	if m := p.GetMetrics(); m.MessagesProduced != 1 {
		t.Errorf("expected 1 message produced, got %d", m.MessagesProduced)
	}
}

func TestProducer_Retries(t *testing.T) {
	w := &fakeWriter{failures: 2, failWith: errors.New("leader not available")}
	p := newProducer(w, fastProducerConfig(), getTestLogger())

	if err := p.PublishAlert(context.Background(), testAlert()); err != nil {
		t.Fatalf("PublishAlert() error = %v", err)
	}
	if m := p.GetMetrics(); m.Retries != 2 || m.Errors != 2 {
		t.Errorf("retries=%d errors=%d, want 2/2", m.Retries, m.Errors)
	}
}

func TestProducer_NonRetryable(t *testing.T) {
	w := &fakeWriter{failures: 5, failWith: kafka.MessageSizeTooLarge}
	p := newProducer(w, fastProducerConfig(), getTestLogger())

	err := p.PublishAlert(context.Background(), testAlert())
	if !errors.Is(err, kafka.MessageSizeTooLarge) {
		t.Fatalf("error = %v, want MessageSizeTooLarge", err)
	}
	if m := p.GetMetrics(); m.Retries != 0 {
		t.Errorf("expected no retries, got %d", m.Retries)
	}
}

func TestProducerClosed(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, DefaultConfig(), getTestLogger())
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if !w.closed {
		t.Error("writer not closed")
	}
	if err := p.PublishAlert(context.Background(), testAlert()); err != ErrProducerClosed {
		t.Errorf("expected ErrProducerClosed, got %v", err)
	}
}

// fakeReader serves queued messages then blocks until cancelled.
type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func txMessage(t *testing.T, offset int64, raw erc20.RawTransaction) kafka.Message {
	t.Helper()
	value, err := json.Marshal(raw)
	if err != nil {
		t.Fatal(err)
	}
	return kafka.Message{Offset: offset, Value: value}
}

func TestConsumer_QueuesTransactionsInOrder(t *testing.T) {
	q := queue.NewRingBuffer[*erc20.RawTransaction](10)
	reader := &fakeReader{messages: []kafka.Message{
		txMessage(t, 0, erc20.RawTransaction{Hash: "0xa", BlockNumber: 1}),
		{Offset: 1, Value: []byte("not json")},
		txMessage(t, 2, erc20.RawTransaction{Hash: "0xb", BlockNumber: 2}),
	}}
	logger := getTestLogger()
	c := newConsumer(reader, DefaultConfig(), TransactionHandler(q, logger), logger)

	if err := c.StartAsync(); err != nil {
		t.Fatal(err)
	}
	if err := c.StartAsync(); err == nil {
		t.Error("expected error when starting twice")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(reader.commits()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}

	if got := reader.commits(); len(got) != 3 {
		t.Fatalf("committed offsets = %v, want 3 commits", got)
	}
	if q.Len() != 2 {
		t.Fatalf("queued %d transactions, want 2", q.Len())
	}
	first, _ := q.Pop()
	second, _ := q.Pop()
	if first.Hash != "0xa" || second.Hash != "0xb" {
		t.Errorf("order = %s, %s", first.Hash, second.Hash)
	}
	if m := c.GetMetrics(); m.MessagesConsumed != 3 {
		t.Errorf("MessagesConsumed = %d, want 3", m.MessagesConsumed)
	}
}

func TestConsumer_HandlerErrorSkipsCommit(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{{Offset: 7}}}
	handled := make(chan struct{})
	handler := func(context.Context, Message) error {
		defer close(handled)
		return errors.New("downstream unavailable")
	}
	c := newConsumer(reader, DefaultConfig(), handler, getTestLogger())

	if err := c.StartAsync(); err != nil {
		t.Fatal(err)
	}
	<-handled
	c.Stop()

	if got := reader.commits(); len(got) != 0 {
		t.Errorf("committed %v after handler error", got)
	}
	if m := c.GetMetrics(); m.Errors != 1 {
		t.Errorf("Errors = %d, want 1", m.Errors)
	}
}
