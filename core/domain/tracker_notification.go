package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChangeType values from the mail platform. Only created is processed.
const (
	ChangeTypeCreated = "created"
	ChangeTypeUpdated = "updated"
	ChangeTypeDeleted = "deleted"
)

// ChangeNotification is a single Graph change notification.
type ChangeNotification struct {
	SubscriptionID                 string            `json:"subscriptionId"`
	SubscriptionExpirationDateTime string            `json:"subscriptionExpirationDateTime,omitempty"`
	ChangeType                     string            `json:"changeType"`
	Resource                       string            `json:"resource"`
	ResourceData                   *ResourceData     `json:"resourceData,omitempty"`
	ClientState                    string            `json:"clientState,omitempty"`
	TenantID                       string            `json:"tenantId,omitempty"`
	EncryptedContent               *EncryptedContent `json:"encryptedContent,omitempty"`
}

// ResourceData carries the changed resource's identity.
type ResourceData struct {
	ODataType string `json:"@odata.type,omitempty"`
	ODataID   string `json:"@odata.id,omitempty"`
	ID        string `json:"id,omitempty"`
}

// EncryptedContent is inline resource data for rich notifications.
type EncryptedContent struct {
	Data                            string `json:"data"`
	DataSignature                   string `json:"dataSignature"`
	DataKey                         string `json:"dataKey"`
	EncryptionCertificateID         string `json:"encryptionCertificateId,omitempty"`
	EncryptionCertificateThumbprint string `json:"encryptionCertificateThumbprint,omitempty"`
}

// NotificationBatch is the body of a webhook delivery.
type NotificationBatch struct {
	Value            []ChangeNotification `json:"value"`
	ValidationTokens []string             `json:"validationTokens,omitempty"`

	// RequestTimestamp is taken from the delivery headers when present.
	RequestTimestamp *time.Time `json:"requestTimestamp,omitempty"`
	ReceivedAt       time.Time  `json:"receivedAt"`
}

// ResourceIDs extracts user and message ids from the resource path by
// looking up the literal segments "users" and "messages".
func (n *ChangeNotification) ResourceIDs() (userID, messageID string, ok bool) {
	segments := strings.Split(strings.Trim(n.Resource, "/"), "/")
	for i := 0; i < len(segments)-1; i++ {
		switch strings.ToLower(segments[i]) {
		case "users":
			userID = segments[i+1]
		case "messages":
			messageID = segments[i+1]
		}
	}
	if messageID == "" && n.ResourceData != nil {
		messageID = n.ResourceData.ID
	}
	return userID, messageID, userID != "" && messageID != ""
}

// Outcome of processing a single notification.
type Outcome string

const (
	OutcomeTracked   Outcome = "tracked"
	OutcomeResponse  Outcome = "response"
	OutcomeBounce    Outcome = "bounce"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
)

// NotificationResult is the per-item processing result.
type NotificationResult struct {
	SubscriptionID        string     `json:"subscription_id"`
	MessageID             string     `json:"message_id,omitempty"`
	Outcome               Outcome    `json:"outcome"`
	Reason                string     `json:"reason,omitempty"`
	TrackedConversationID *uuid.UUID `json:"tracked_conversation_id,omitempty"`
	Error                 string     `json:"error,omitempty"`
}

// BatchStats aggregates results once every item has settled.
type BatchStats struct {
	Processed  int                  `json:"processed"`
	Successful int                  `json:"successful"`
	Failed     int                  `json:"failed"`
	Skipped    int                  `json:"skipped"`
	Errors     []string             `json:"errors,omitempty"`
	Results    []NotificationResult `json:"results"`
}

// Aggregate builds stats from settled results.
func Aggregate(results []NotificationResult) BatchStats {
	stats := BatchStats{Processed: len(results), Results: results}
	for _, r := range results {
		switch r.Outcome {
		case OutcomeFailed:
			stats.Failed++
			if r.Error != "" {
				stats.Errors = append(stats.Errors, r.Error)
			}
		case OutcomeSkipped, OutcomeDuplicate:
			stats.Skipped++
			stats.Successful++
		default:
			stats.Successful++
		}
	}
	return stats
}

// SecurityAuditEvent records the outcome of a single security check.
type SecurityAuditEvent struct {
	ID             uuid.UUID `json:"id"`
	Check          string    `json:"check"`
	Passed         bool      `json:"passed"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	Evidence       string    `json:"evidence,omitempty"`
	RemoteIP       string    `json:"remote_ip,omitempty"`
	BatchSize      int       `json:"batch_size"`
	Timestamp      time.Time `json:"timestamp"`
}
