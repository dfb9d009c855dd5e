// Package classification labels messages relative to the tracked mailbox and
// recognizes system-generated traffic.
package classification

import (
	"strings"

	"tracker_server/core/domain"
	"tracker_server/core/service/threading"
)

// Classify labels msg as outgoing when its sender is the mailbox itself and
// incoming otherwise. Unknown is returned only when either side is missing.
func Classify(msg *domain.Message, mailbox *domain.Mailbox) domain.Direction {
	if msg == nil || mailbox == nil || mailbox.Address == "" {
		return domain.DirectionUnknown
	}
	if strings.TrimSpace(msg.From) == "" {
		return domain.DirectionUnknown
	}
	if mailbox.Owns(msg.From) {
		return domain.DirectionOutgoing
	}
	return domain.DirectionIncoming
}

// ShouldExclude reports whether msg is intra-organization traffic that must
// not be tracked.
func ShouldExclude(msg *domain.Message, tenant domain.TenantConfig) bool {
	if !tenant.ExcludeInternal || tenant.Domain == "" {
		return false
	}
	domainPart := msg.SenderDomain()
	return domainPart != "" && strings.EqualFold(domainPart, strings.TrimPrefix(strings.TrimSpace(tenant.Domain), "@"))
}

// ResponseTypeOf classifies an inbound reply.
func ResponseTypeOf(msg *domain.Message) domain.ResponseType {
	if IsAutoReply(msg) {
		return domain.ResponseTypeAutoReply
	}
	if threading.HasForwardPrefix(msg.Subject) {
		return domain.ResponseTypeForward
	}
	return domain.ResponseTypeDirectReply
}

var autoReplySubjects = []string{
	"automatic reply:",
	"auto reply:",
	"autoreply:",
	"out of office:",
	"abwesenheitsnotiz:",
	"réponse automatique :",
	"respuesta automática:",
}

// IsAutoReply recognizes out-of-office and other automatic replies.
func IsAutoReply(msg *domain.Message) bool {
	if v := strings.ToLower(msg.Header("Auto-Submitted")); v != "" && v != "no" {
		return true
	}
	if msg.HasHeader("X-Autoreply") || msg.HasHeader("X-Autorespond") {
		return true
	}
	if strings.EqualFold(msg.Header("X-Auto-Response-Suppress"), "All") && strings.EqualFold(msg.Header("Precedence"), "auto_reply") {
		return true
	}
	subject := strings.ToLower(strings.TrimSpace(msg.Subject))
	for _, p := range autoReplySubjects {
		if strings.HasPrefix(subject, p) {
			return true
		}
	}
	return false
}
