package approvals

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Severity is the finding severity scale.
type Severity string

const (
	SeverityUnknown  Severity = "unknown"
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// FindingType classifies what kind of behavior an alert reports.
type FindingType string

const (
	TypeUnknown     FindingType = "unknown"
	TypeExploit     FindingType = "exploit"
	TypeSuspicious  FindingType = "suspicious"
	TypeDegraded    FindingType = "degraded"
	TypeInformation FindingType = "information"
)

// Alert identity.
const (
	AlertName     = "ERC20 Phishing Attack via Approvals"
	AlertID       = "ERC20-PHISHING-ATTACK-1"
	AlertProtocol = "ethereum"
)

// Metadata keys.
const (
	MetaAsset             = "asset"
	MetaAttackerAddress   = "attackerAddress"
	MetaStartingAtBlock   = "startingAtBlock"
	MetaAffectedAddresses = "affectedAddressesJSON"
)

// Alert is a phishing finding raised for one (spender, asset) pair.
type Alert struct {
	ID          uuid.UUID         `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	AlertID     string            `json:"alert_id"`
	Protocol    string            `json:"protocol"`
	Severity    Severity          `json:"severity"`
	Type        FindingType       `json:"type"`
	Metadata    map[string]string `json:"metadata"`
	TxHash      string            `json:"tx_hash,omitempty"`
	BlockNumber uint64            `json:"block_number"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Asset returns the token contract the alert refers to.
func (a *Alert) Asset() string { return a.Metadata[MetaAsset] }

// Attacker returns the suspected spender.
func (a *Alert) Attacker() string { return a.Metadata[MetaAttackerAddress] }

func describe(minimumApprovals int) string {
	return fmt.Sprintf("Evidence of Phishing Attack. Suspicious behavior detected: more than %d users approved token transfers to a same EOA target over one day", minimumApprovals)
}

// buildMetadata snapshots the pair's window into alert metadata.
func buildMetadata(asset, spender string, w Window) map[string]string {
	pairs := make([][2]string, 0, len(w.Approvals))
	for _, rec := range w.Approvals {
		pairs = append(pairs, [2]string{rec.Holder, rec.Amount})
	}
	affected, _ := json.Marshal(pairs)

	return map[string]string{
		MetaAsset:             asset,
		MetaAttackerAddress:   spender,
		MetaStartingAtBlock:   strconv.FormatUint(w.StartingBlock, 10),
		MetaAffectedAddresses: string(affected),
	}
}

// AffectedAddresses decodes the affectedAddressesJSON metadata value into
// (holder, amount) pairs.
func AffectedAddresses(raw string) ([][2]string, error) {
	var pairs [][2]string
	if err := json.Unmarshal([]byte(raw), &pairs); err != nil {
		return nil, fmt.Errorf("decode affected addresses: %w", err)
	}
	return pairs, nil
}

// CountAffected returns the number of pairs in an affectedAddressesJSON value.
func CountAffected(raw string) (int, error) {
	pairs, err := AffectedAddresses(raw)
	if err != nil {
		return 0, err
	}
	return len(pairs), nil
}

func newAlert(tx *Transaction, spender string, w Window, cfg Config, now time.Time) *Alert {
	return &Alert{
		ID:          uuid.New(),
		Name:        AlertName,
		Description: describe(cfg.MinimumNumberOfApprovals),
		AlertID:     AlertID,
		Protocol:    AlertProtocol,
		Severity:    SeverityHigh,
		Type:        TypeSuspicious,
		Metadata:    buildMetadata(tx.To, spender, w),
		TxHash:      tx.Hash,
		BlockNumber: tx.BlockNumber,
		Timestamp:   now,
	}
}
