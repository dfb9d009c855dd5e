package classification

import (
	"fmt"
	"strconv"
	"strings"

	"tracker_server/core/domain"
)

// Correlation headers stamped on every followup the system sends.
const (
	HeaderFollowupMarker = "X-Followup-Automated"
	HeaderFollowupSystem = "X-Followup-System"
	HeaderFollowupData   = "X-Followup-Data"

	SystemTag = "tracker-followup"
)

// FollowupData is the parsed compact correlation header.
type FollowupData struct {
	FollowupNumber int
	ConversationID string
	FollowupID     string
}

// IsAutomatedFollowup reports whether msg was sent by this system. Either the
// marker or the system tag suffices; the data header is not consulted.
func IsAutomatedFollowup(msg *domain.Message) bool {
	if strings.EqualFold(msg.Header(HeaderFollowupMarker), "true") {
		return true
	}
	return strings.EqualFold(msg.Header(HeaderFollowupSystem), SystemTag)
}

// ParseFollowupData parses "{followupNumber}:{conversationId}:{followupId}".
// Conversation ids may themselves contain colons, so the number is taken from
// the first field and the followup id from the last.
func ParseFollowupData(value string) (*FollowupData, error) {
	value = strings.TrimSpace(value)
	first := strings.Index(value, ":")
	last := strings.LastIndex(value, ":")
	if first < 0 || first == last {
		return nil, fmt.Errorf("followup data %q: expected 3 fields", value)
	}

	n, err := strconv.Atoi(value[:first])
	if err != nil || n < 1 {
		return nil, fmt.Errorf("followup data %q: bad followup number", value)
	}
	data := &FollowupData{
		FollowupNumber: n,
		ConversationID: value[first+1 : last],
		FollowupID:     value[last+1:],
	}
	if data.ConversationID == "" || data.FollowupID == "" {
		return nil, fmt.Errorf("followup data %q: empty field", value)
	}
	return data, nil
}

// FollowupHeaders returns the correlation headers for an outgoing followup.
func FollowupHeaders(f *domain.Followup, conversationID string) map[string]string {
	return map[string]string{
		HeaderFollowupMarker: "true",
		HeaderFollowupSystem: SystemTag,
		HeaderFollowupData:   fmt.Sprintf("%d:%s:%s", f.FollowupNumber, conversationID, f.ID),
	}
}
