package alerting

import (
	"fmt"
	"log/slog"
)

// WebhookConfig configures a generic JSON webhook.
type WebhookConfig struct {
	Name    string            `yaml:"name" validate:"required"`
	URL     string            `yaml:"url" validate:"required,url"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url" validate:"omitempty,url"`
	Channel    string `yaml:"channel,omitempty"`
	Username   string `yaml:"username,omitempty"`
}

// Config selects the channels built from configuration alone. Kafka,
// ClickHouse and S3 channels are added by the caller once their clients exist.
type Config struct {
	Log      bool            `yaml:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" validate:"dive"`
	Slack    SlackConfig     `yaml:"slack"`
	Delivery DeliveryConfig  `yaml:"delivery"`
}

// DefaultConfig logs alerts and nothing else.
func DefaultConfig() Config {
	return Config{
		Log:      true,
		Slack:    SlackConfig{Username: "approval-sentinel"},
		Delivery: DefaultDeliveryConfig(),
	}
}

// Channels builds the log, webhook and Slack channels enabled in cfg.
func (cfg Config) Channels(logger *slog.Logger) []Channel {
	var channels []Channel
	if cfg.Log {
		channels = append(channels, NewLogChannel(logger))
	}
	for i, wh := range cfg.Webhooks {
		name := wh.Name
		if name == "" {
			name = fmt.Sprintf("webhook-%d", i)
		}
		channels = append(channels, NewWebhookChannel(name, wh.URL, wh.Headers))
	}
	if cfg.Slack.WebhookURL != "" {
		channels = append(channels, NewSlackChannel(cfg.Slack.WebhookURL, cfg.Slack.Channel, cfg.Slack.Username))
	}
	return channels
}
