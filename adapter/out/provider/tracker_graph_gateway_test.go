package provider

import (
	"bytes"
	"encoding/base64"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
)

func strPtr(s string) *string { return &s }

func recipient(addr string) models.Recipientable {
	email := models.NewEmailAddress()
	email.SetAddress(strPtr(addr))
	r := models.NewRecipient()
	r.SetEmailAddress(email)
	return r
}

func header(name, value string) models.InternetMessageHeaderable {
	h := models.NewInternetMessageHeader()
	h.SetName(strPtr(name))
	h.SetValue(strPtr(value))
	return h
}

func TestConvertMessage(t *testing.T) {
	sent := time.Date(2024, 5, 14, 10, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	index := append(bytes.Repeat([]byte{0x01}, 22), bytes.Repeat([]byte{0x02}, 5)...)

	m := models.NewMessage()
	m.SetId(strPtr("AAMk-1"))
	m.SetInternetMessageId(strPtr("<abc@contoso.com>"))
	m.SetConversationId(strPtr("conv-1"))
	m.SetSubject(strPtr("RE: Proposal"))
	m.SetBodyPreview(strPtr("Thanks"))
	m.SetSentDateTime(&sent)
	m.SetConversationIndex(index)
	m.SetFrom(recipient("Buyer@Fabrikam.com"))
	m.SetToRecipients([]models.Recipientable{recipient("sales@contoso.com")})
	m.SetInternetMessageHeaders([]models.InternetMessageHeaderable{
		header("In-Reply-To", "<root@contoso.com>"),
		header("references", "<root@contoso.com>"),
	})

	got := convertMessage(m)

	if got.ID != "AAMk-1" || got.ConversationID != "conv-1" || got.Subject != "RE: Proposal" {
		t.Errorf("identity fields = %+v", got)
	}
	if got.From != "buyer@fabrikam.com" {
		t.Errorf("From = %q", got.From)
	}
	if diff := cmp.Diff([]string{"sales@contoso.com"}, got.To); diff != "" {
		t.Errorf("To (-want +got):\n%s", diff)
	}
	if !got.SentAt.Equal(sent) || got.SentAt.Location() != time.UTC {
		t.Errorf("SentAt = %v", got.SentAt)
	}
	if len(got.ThreadIndex) != 54 {
		t.Errorf("ThreadIndex length = %d, want 54", len(got.ThreadIndex))
	}
	if got.InReplyTo() != "root@contoso.com" {
		t.Errorf("InReplyTo = %q", got.InReplyTo())
	}
	if diff := cmp.Diff([]string{"root@contoso.com"}, got.References()); diff != "" {
		t.Errorf("References (-want +got):\n%s", diff)
	}
}

func TestConvertMessage_ThreadIndexHeaderFallback(t *testing.T) {
	raw := bytes.Repeat([]byte{0xAB}, 22)

	m := models.NewMessage()
	m.SetId(strPtr("AAMk-2"))
	m.SetSender(recipient("ops@contoso.com"))
	m.SetInternetMessageHeaders([]models.InternetMessageHeaderable{
		header("Thread-Index", base64.StdEncoding.EncodeToString(raw)),
	})
	received := time.Date(2024, 5, 14, 8, 0, 0, 0, time.UTC)
	m.SetReceivedDateTime(&received)

	got := convertMessage(m)

	if got.From != "ops@contoso.com" {
		t.Errorf("From falls back to sender, got %q", got.From)
	}
	if len(got.ThreadIndex) != 44 {
		t.Errorf("ThreadIndex = %q", got.ThreadIndex)
	}
	if !got.SentAt.Equal(received) {
		t.Errorf("SentAt should fall back to ReceivedAt, got %v", got.SentAt)
	}
}
