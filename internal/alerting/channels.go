package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"approval-sentinel/internal/approvals"
)

// WebhookChannel sends alerts via HTTP webhook.
type WebhookChannel struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookChannel creates a new webhook channel.
func NewWebhookChannel(name, url string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{
		name:    name,
		url:     url,
		headers: headers,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookChannel) Name() string {
	return w.name
}

func (w *WebhookChannel) Send(ctx context.Context, alert *approvals.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	return postJSON(ctx, w.client, w.url, w.headers, payload, "webhook")
}

// SlackChannel posts a formatted alert to a Slack incoming webhook.
type SlackChannel struct {
	webhookURL string
	channel    string
	username   string
	client     *http.Client
}

// NewSlackChannel creates a new Slack channel.
func NewSlackChannel(webhookURL, channel, username string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		channel:    channel,
		username:   username,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func (s *SlackChannel) Send(ctx context.Context, alert *approvals.Alert) error {
	payload := map[string]interface{}{
		"channel":  s.channel,
		"username": s.username,
		"attachments": []map[string]interface{}{
			{
				"color":  severityColor(alert.Severity),
				"title":  fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Name),
				"text":   alert.Description,
				"fields": slackFields(alert),
				"footer": fmt.Sprintf("%s | %s", alert.AlertID, alert.ID.String()[:8]),
				"ts":     alert.Timestamp.Unix(),
			},
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return postJSON(ctx, s.client, s.webhookURL, nil, data, "slack")
}

func severityColor(sev approvals.Severity) string {
	switch sev {
	case approvals.SeverityCritical:
		return "#FF0000"
	case approvals.SeverityHigh:
		return "#FFA500"
	case approvals.SeverityMedium:
		return "#FFFF00"
	case approvals.SeverityLow:
		return "#00FF00"
	default:
		return "#808080"
	}
}

func slackFields(alert *approvals.Alert) []map[string]interface{} {
	fields := []map[string]interface{}{
		{"title": "Asset", "value": alert.Asset(), "short": true},
		{"title": "Spender", "value": alert.Attacker(), "short": true},
		{"title": "Window start", "value": alert.Metadata[approvals.MetaStartingAtBlock], "short": true},
		{"title": "Block", "value": fmt.Sprintf("%d", alert.BlockNumber), "short": true},
	}
	if alert.TxHash != "" {
		fields = append(fields, map[string]interface{}{
			"title": "Transaction", "value": alert.TxHash, "short": false,
		})
	}
	return fields
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload []byte, kind string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned %d: %s", kind, resp.StatusCode, string(body))
	}

	return nil
}

// LogChannel writes alerts to a structured logger.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a new log channel.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Name() string {
	return "log"
}

func (l *LogChannel) Send(ctx context.Context, alert *approvals.Alert) error {
	l.logger.LogAttrs(ctx, slog.LevelWarn, "ALERT "+alert.Name,
		slog.String("alert_id", alert.AlertID),
		slog.String("severity", string(alert.Severity)),
		slog.String("asset", alert.Asset()),
		slog.String("spender", alert.Attacker()),
		slog.String("starting_block", alert.Metadata[approvals.MetaStartingAtBlock]),
		slog.String("affected", alert.Metadata[approvals.MetaAffectedAddresses]),
		slog.String("tx_hash", alert.TxHash),
		slog.Uint64("block", alert.BlockNumber),
	)
	return nil
}

// AlertPublisher is implemented by kafka.Producer.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert *approvals.Alert) error
}

// KafkaChannel publishes alerts to the alerts topic.
type KafkaChannel struct {
	producer AlertPublisher
}

// NewKafkaChannel creates a channel over a Kafka producer.
func NewKafkaChannel(producer AlertPublisher) *KafkaChannel {
	return &KafkaChannel{producer: producer}
}

func (k *KafkaChannel) Name() string {
	return "kafka"
}

func (k *KafkaChannel) Send(ctx context.Context, alert *approvals.Alert) error {
	return k.producer.PublishAlert(ctx, alert)
}

// AlertWriter is implemented by storage.AlertWriter.
type AlertWriter interface {
	InsertAlert(ctx context.Context, alert *approvals.Alert) error
}

// ClickHouseChannel stores alerts in the approval_alerts table.
type ClickHouseChannel struct {
	store AlertWriter
}

// NewClickHouseChannel creates a channel over an alert store.
func NewClickHouseChannel(store AlertWriter) *ClickHouseChannel {
	return &ClickHouseChannel{store: store}
}

func (c *ClickHouseChannel) Name() string {
	return "clickhouse"
}

func (c *ClickHouseChannel) Send(ctx context.Context, alert *approvals.Alert) error {
	return c.store.InsertAlert(ctx, alert)
}

// AlertArchiver is implemented by s3.Archive.
type AlertArchiver interface {
	ArchiveAlert(ctx context.Context, alert *approvals.Alert) (string, error)
}

// S3Channel archives each alert as one JSON object.
type S3Channel struct {
	archive AlertArchiver
}

// NewS3Channel creates a channel over an alert archive.
func NewS3Channel(archive AlertArchiver) *S3Channel {
	return &S3Channel{archive: archive}
}

func (s *S3Channel) Name() string {
	return "s3"
}

func (s *S3Channel) Send(ctx context.Context, alert *approvals.Alert) error {
	_, err := s.archive.ArchiveAlert(ctx, alert)
	return err
}
