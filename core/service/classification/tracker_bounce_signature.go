package classification

import (
	"regexp"
	"strings"

	"tracker_server/core/domain"
)

// BounceSignal describes a recognized non-delivery report.
type BounceSignal struct {
	Kind     domain.BounceKind
	Evidence string
}

var (
	bounceSenderPrefixes = []string{
		"mailer-daemon@",
		"postmaster@",
		"microsoftexchange329e71ec88ae4615bbc36ab6ce41109e@",
		"mail-daemon@",
		"mailerdaemon@",
	}

	enhancedStatus = regexp.MustCompile(`\b([245])\.\d{1,3}\.\d{1,3}\b`)

	softWording = []string{
		"delivery has been delayed",
		"delivery delayed",
		"delivery status notification (delay)",
		"will retry",
		"mailbox full",
		"temporarily",
	}
)

// DetectBounce returns a signal when msg is a non-delivery report.
func DetectBounce(msg *domain.Message) (*BounceSignal, bool) {
	evidence := bounceEvidence(msg)
	if evidence == "" {
		return nil, false
	}
	return &BounceSignal{Kind: bounceKind(msg), Evidence: evidence}, true
}

func bounceEvidence(msg *domain.Message) string {
	if msg.HasHeader("X-Failed-Recipients") {
		return "header:x-failed-recipients"
	}
	if msg.HasHeader("X-MS-Exchange-Message-Is-Ndr") {
		return "header:x-ms-exchange-message-is-ndr"
	}
	ct := strings.ToLower(msg.Header("Content-Type"))
	if strings.Contains(ct, "multipart/report") && strings.Contains(ct, "delivery-status") {
		return "header:content-type-delivery-status"
	}
	if msg.HasHeader("X-Delivery-Status") || msg.HasHeader("Original-Recipient") {
		return "header:delivery-status"
	}

	from := strings.ToLower(strings.TrimSpace(msg.From))
	for _, p := range bounceSenderPrefixes {
		if strings.HasPrefix(from, p) {
			return "sender:" + strings.TrimSuffix(p, "@")
		}
	}
	if strings.EqualFold(strings.TrimSpace(msg.FromName), "Mail Delivery Subsystem") ||
		strings.EqualFold(strings.TrimSpace(msg.FromName), "Mail Delivery System") {
		return "sender:mail-delivery-subsystem"
	}
	return ""
}

func bounceKind(msg *domain.Message) domain.BounceKind {
	text := strings.ToLower(msg.Subject + " " + msg.BodyPreview)
	if m := enhancedStatus.FindStringSubmatch(text); m != nil {
		if m[1] == "4" {
			return domain.BounceSoft
		}
		if m[1] == "5" {
			return domain.BounceHard
		}
	}
	for _, w := range softWording {
		if strings.Contains(text, w) {
			return domain.BounceSoft
		}
	}
	return domain.BounceHard
}
