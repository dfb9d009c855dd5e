package messaging

import (
	"testing"
	"time"

	"tracker_server/core/port/out"

	"github.com/google/uuid"
)

func TestMsgID(t *testing.T) {
	conv := uuid.New()
	event := func(typ string) *out.TrackingEvent {
		return &out.TrackingEvent{
			ID:                    uuid.New(),
			Type:                  typ,
			TrackedConversationID: conv,
			InternetMessageID:     "<a@contoso.com>",
			OccurredAt:            time.Now(),
		}
	}

	first, again := event(out.EventConversationTracked), event(out.EventConversationTracked)
	if msgID(first) != msgID(again) {
		t.Errorf("same transition got different ids: %q vs %q", msgID(first), msgID(again))
	}

	if msgID(first) == msgID(event(out.EventConversationResponded)) {
		t.Error("different event types share an id")
	}

	other := event(out.EventConversationTracked)
	other.TrackedConversationID = uuid.New()
	if msgID(first) == msgID(other) {
		t.Error("different conversations share an id")
	}
}
