package s3

import (
	"context"
	"encoding/json"
	"fmt"

	"approval-sentinel/internal/approvals"
)

// Archive stores one JSON object per alert.
type Archive struct {
	client *Client
}

// NewArchive creates an alert archive over client.
func NewArchive(client *Client) *Archive {
	return &Archive{client: client}
}

// AlertKey returns the object key, relative to the prefix, for an alert:
// YYYY/MM/DD/<id>.json using the alert's UTC timestamp.
func AlertKey(alert *approvals.Alert) string {
	return fmt.Sprintf("%s/%s.json", alert.Timestamp.UTC().Format("2006/01/02"), alert.ID)
}

// ArchiveAlert uploads the alert and returns its full key.
func (a *Archive) ArchiveAlert(ctx context.Context, alert *approvals.Alert) (string, error) {
	data, err := json.Marshal(alert)
	if err != nil {
		return "", fmt.Errorf("s3: failed to marshal alert: %w", err)
	}

	return a.client.PutObject(ctx, AlertKey(alert), data, "application/json", map[string]string{
		"alert-id": alert.AlertID,
		"spender":  alert.Attacker(),
		"asset":    alert.Asset(),
	})
}
