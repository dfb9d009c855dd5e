package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"tracker_server/core/domain"
	"tracker_server/core/port/out"
	"tracker_server/core/service/threading"
	"tracker_server/pkg/apperr"
	"tracker_server/pkg/logger"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/emersion/go-message/mail"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/microsoft"
)

const graphDefaultScope = "https://graph.microsoft.com/.default"

var messageSelect = []string{
	"id", "internetMessageId", "conversationId", "conversationIndex", "subject",
	"from", "sender", "toRecipients", "ccRecipients", "bodyPreview",
	"sentDateTime", "receivedDateTime", "internetMessageHeaders",
}

// =============================================================================
// Graph Gateway
// =============================================================================

// GraphConfig holds app-only Graph credentials.
type GraphConfig struct {
	ClientID     string
	ClientSecret string
	TenantID     string
	Timeout      time.Duration
}

// GraphGateway implements out.MessageGateway with the Graph SDK behind a
// circuit breaker.
type GraphGateway struct {
	client  *msgraphsdk.GraphServiceClient
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

var _ out.MessageGateway = (*GraphGateway)(nil)

// NewGraphGateway creates a gateway using the client credentials flow.
func NewGraphGateway(cfg *GraphConfig) (*GraphGateway, error) {
	tenantID := cfg.TenantID
	if tenantID == "" {
		return nil, apperr.ConfigError("MICROSOFT_TENANT_ID is required for app-only Graph access")
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     microsoft.AzureADEndpoint(tenantID).TokenURL,
		Scopes:       []string{graphDefaultScope},
	}
	cred := &tokenSourceCredential{src: cc.TokenSource(context.Background())}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{graphDefaultScope})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	cbSettings := gobreaker.Settings{
		Name:        "graph-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("[CircuitBreaker] %s: state changed from %s to %s", name, from.String(), to.String())
		},
	}

	return &GraphGateway{
		client:  client,
		cb:      gobreaker.NewCircuitBreaker(cbSettings),
		timeout: timeout,
	}, nil
}

// GetMessage fetches one message with its internet headers.
func (g *GraphGateway) GetMessage(ctx context.Context, userID, messageID string) (*domain.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	result, err := g.cb.Execute(func() (interface{}, error) {
		config := &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
				Select: messageSelect,
			},
		}
		return g.client.Users().ByUserId(userID).Messages().ByMessageId(messageID).Get(ctx, config)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, apperr.UpstreamError("graph", err).WithDetail("circuit", g.cb.State().String())
		}
		return nil, apperr.UpstreamError("graph", err)
	}

	msg, ok := result.(models.Messageable)
	if !ok || msg == nil {
		return nil, apperr.NotFound("message")
	}
	return convertMessage(msg), nil
}

// Open reports whether the breaker is rejecting calls.
func (g *GraphGateway) Open() bool {
	return g.cb.State() == gobreaker.StateOpen
}

// =============================================================================
// Conversion
// =============================================================================

func convertMessage(m models.Messageable) *domain.Message {
	msg := &domain.Message{
		ID:                deref(m.GetId()),
		InternetMessageID: deref(m.GetInternetMessageId()),
		ConversationID:    deref(m.GetConversationId()),
		Subject:           deref(m.GetSubject()),
		BodyPreview:       deref(m.GetBodyPreview()),
		To:                extractAddresses(m.GetToRecipients()),
		Cc:                extractAddresses(m.GetCcRecipients()),
	}

	from := m.GetFrom()
	if from == nil {
		from = m.GetSender()
	}
	if from != nil {
		if addr := from.GetEmailAddress(); addr != nil {
			msg.From = strings.ToLower(deref(addr.GetAddress()))
			msg.FromName = deref(addr.GetName())
		}
	}

	if t := m.GetSentDateTime(); t != nil {
		msg.SentAt = t.UTC()
	}
	if t := m.GetReceivedDateTime(); t != nil {
		msg.ReceivedAt = t.UTC()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = msg.ReceivedAt
	}

	fields := make(map[string][]string)
	for _, h := range m.GetInternetMessageHeaders() {
		name, value := h.GetName(), h.GetValue()
		if name == nil || value == nil {
			continue
		}
		fields[*name] = append(fields[*name], *value)
	}
	msg.Headers = mail.HeaderFromMap(fields)

	if raw := m.GetConversationIndex(); len(raw) > 0 {
		msg.ThreadIndex = threading.EncodeIndex(raw)
	} else if ti := msg.Header("Thread-Index"); ti != "" {
		if raw, err := base64.StdEncoding.DecodeString(ti); err == nil {
			msg.ThreadIndex = threading.EncodeIndex(raw)
		}
	}

	return msg
}

func extractAddresses(recipients []models.Recipientable) []string {
	var addrs []string
	for _, r := range recipients {
		if r == nil {
			continue
		}
		if email := r.GetEmailAddress(); email != nil {
			if addr := deref(email.GetAddress()); addr != "" {
				addrs = append(addrs, strings.ToLower(addr))
			}
		}
	}
	return addrs
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// =============================================================================
// Credential
// =============================================================================

// tokenSourceCredential adapts an oauth2.TokenSource to azcore.TokenCredential.
// The client credentials source caches and refreshes the token.
type tokenSourceCredential struct {
	src oauth2.TokenSource
}

func (c *tokenSourceCredential) GetToken(ctx context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.src.Token()
	if err != nil {
		return azcore.AccessToken{}, err
	}
	return azcore.AccessToken{Token: tok.AccessToken, ExpiresOn: tok.Expiry}, nil
}
