package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tracker_server/core/port/out"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
)

const (
	trackingStreamName    = "TRACKING_EVENTS"
	trackingSubjectPrefix = "tracking."
)

// EventPublisher publishes tracking events to NATS JetStream. Nats-Msg-Id is
// derived from what the event is about, so a transition published twice
// inside the duplicate window is stored once.
type EventPublisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

var _ out.EventPublisher = (*EventPublisher)(nil)

// NewEventPublisher connects and makes sure the stream exists.
func NewEventPublisher(url string) (*EventPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("tracker_server"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	p := &EventPublisher{nc: nc, js: js}
	if err := p.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

func (p *EventPublisher) ensureStream() error {
	if info, err := p.js.StreamInfo(trackingStreamName); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       trackingStreamName,
		Subjects:   []string{trackingSubjectPrefix + ">"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Publish sends evt on its type as subject.
func (p *EventPublisher) Publish(ctx context.Context, evt *out.TrackingEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if _, err := p.js.Publish(evt.Type, payload, nats.MsgId(msgID(evt)), nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish %s: %w", evt.Type, err)
	}
	return nil
}

// msgID is stable for a given transition of a given conversation.
func msgID(evt *out.TrackingEvent) string {
	return evt.Type + ":" + evt.TrackedConversationID.String() + ":" + evt.InternetMessageID
}

// Close drains the connection.
func (p *EventPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}
