package domain

import (
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Message is a fully fetched mail message as seen by the pipeline.
type Message struct {
	ID                string
	InternetMessageID string
	ConversationID    string
	ThreadIndex       string // hex-encoded conversation index
	Subject           string
	From              string
	FromName          string
	To                []string
	Cc                []string
	BodyPreview       string
	SentAt            time.Time
	ReceivedAt        time.Time

	// Headers is case-insensitive. Keys are canonicalized on insert.
	Headers mail.Header
}

// Header returns the first value of the named header.
func (m *Message) Header(name string) string {
	return strings.TrimSpace(m.Headers.Get(name))
}

// HasHeader reports whether the header is present, even with an empty value.
func (m *Message) HasHeader(name string) bool {
	return m.Headers.Has(name)
}

// InReplyTo returns the first In-Reply-To message id without angle brackets.
func (m *Message) InReplyTo() string {
	ids := m.msgIDs("In-Reply-To")
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// References returns the References message ids without angle brackets.
func (m *Message) References() []string {
	return m.msgIDs("References")
}

// ReplyIDs returns In-Reply-To followed by References, most specific first,
// without duplicates.
func (m *Message) ReplyIDs() []string {
	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	for _, id := range m.msgIDs("In-Reply-To") {
		add(id)
	}
	refs := m.References()
	for i := len(refs) - 1; i >= 0; i-- {
		add(refs[i])
	}
	return ids
}

// HasReplyHeaders reports whether In-Reply-To or References is set.
func (m *Message) HasReplyHeaders() bool {
	return m.Header("In-Reply-To") != "" || m.Header("References") != ""
}

// SenderDomain returns the lowercased domain of the From address.
func (m *Message) SenderDomain() string {
	at := strings.LastIndex(m.From, "@")
	if at < 0 || at == len(m.From)-1 {
		return ""
	}
	return strings.ToLower(m.From[at+1:])
}

// msgIDs parses a Message-ID list header. Values that do not parse as
// RFC 5322 ids fall back to whitespace splitting with brackets trimmed.
func (m *Message) msgIDs(name string) []string {
	ids, err := m.Headers.MsgIDList(name)
	if err == nil && len(ids) > 0 {
		return ids
	}
	raw := m.Header(name)
	if raw == "" {
		return nil
	}
	var out []string
	for _, f := range strings.Fields(strings.ReplaceAll(raw, ",", " ")) {
		f = strings.Trim(f, "<>")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// NormalizeMessageID strips angle brackets and whitespace.
func NormalizeMessageID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}
