// Package notification turns validated change notifications into tracking
// state.
package notification

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"tracker_server/core/domain"
	"tracker_server/core/port/in"
	"tracker_server/core/port/out"
	"tracker_server/core/service/bounce"
	"tracker_server/core/service/classification"
	"tracker_server/core/service/detection"
	"tracker_server/core/service/tracking"
	"tracker_server/pkg/logger"
	"tracker_server/pkg/metrics"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultConcurrency = 8
	dedupeKeyPrefix    = "notif:"

	// errInternal is reported for recovered panics; the detail is logged only.
	errInternal = "internal error"
)

// ReasonUnsupportedChange marks notifications other than created.
const ReasonUnsupportedChange = "unsupported_change_type"

// BatchValidator authenticates a whole batch.
type BatchValidator interface {
	Validate(ctx context.Context, batch *domain.NotificationBatch, remoteIP string) error
}

// FollowupScheduler schedules the first followup of a new conversation.
type FollowupScheduler interface {
	ScheduleFirst(ctx context.Context, conv *domain.TrackedConversation) (*domain.Followup, error)
}

// Deps holds the processor's collaborators. Deduper, Events, Snapshots and
// Followups are optional.
type Deps struct {
	Validator     BatchValidator
	Mailboxes     out.MailboxRepository
	Conversations out.ConversationRepository
	Responses     out.ResponseRepository
	Logs          out.DetectionLogRepository
	Gateway       out.MessageGateway
	Deduper       out.NotificationDeduper
	Events        out.EventPublisher
	Snapshots     out.MessageSnapshotStore
	Followups     FollowupScheduler

	Detector *detection.Engine
	Bounces  *bounce.Service

	Tenant      domain.TenantConfig
	Concurrency int
}

// Processor fans a batch out and processes every notification
// independently.
type Processor struct {
	deps     Deps
	analyzer *tracking.Analyzer
	decider  *tracking.DecisionEngine
}

var _ in.NotificationUseCase = (*Processor)(nil)

func NewProcessor(deps Deps) *Processor {
	if deps.Concurrency <= 0 {
		deps.Concurrency = DefaultConcurrency
	}
	return &Processor{
		deps:     deps,
		analyzer: tracking.NewAnalyzer(deps.Conversations, deps.Responses),
		decider:  tracking.NewDecisionEngine(deps.Conversations),
	}
}

// Validate authenticates batch. Nothing may be processed when it fails.
func (p *Processor) Validate(ctx context.Context, batch *domain.NotificationBatch, remoteIP string) error {
	return p.deps.Validator.Validate(ctx, batch, remoteIP)
}

// HandleBatch validates and then processes batch.
func (p *Processor) HandleBatch(ctx context.Context, batch *domain.NotificationBatch, remoteIP string) (domain.BatchStats, error) {
	if err := p.Validate(ctx, batch, remoteIP); err != nil {
		return domain.BatchStats{}, err
	}
	return p.ProcessBatch(ctx, batch), nil
}

// ProcessBatch processes every notification concurrently and aggregates the
// results once all have settled. Item failures never abort siblings.
func (p *Processor) ProcessBatch(ctx context.Context, batch *domain.NotificationBatch) domain.BatchStats {
	start := time.Now()
	results := make([]domain.NotificationResult, len(batch.Value))

	var g errgroup.Group
	g.SetLimit(p.deps.Concurrency)
	for i := range batch.Value {
		g.Go(func() error {
			results[i] = p.processSafe(ctx, &batch.Value[i])
			return nil
		})
	}
	_ = g.Wait()

	stats := domain.Aggregate(results)
	metrics.Since(metrics.StageBatchProcess, start)
	logger.WithContext(ctx).WithDuration(time.Since(start)).WithFields(map[string]any{
		"processed":  stats.Processed,
		"successful": stats.Successful,
		"failed":     stats.Failed,
		"skipped":    stats.Skipped,
	}).Info("[NotificationProcessor] batch processed")
	return stats
}

func (p *Processor) processSafe(ctx context.Context, n *domain.ChangeNotification) (res domain.NotificationResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithContext(ctx).WithField("stack", string(debug.Stack())).
				Error("[NotificationProcessor] panic processing notification for %s: %v", n.SubscriptionID, r)
			res = domain.NotificationResult{
				SubscriptionID: n.SubscriptionID,
				Outcome:        domain.OutcomeFailed,
				Error:          errInternal,
			}
		}
	}()
	return p.process(ctx, n)
}

func failed(res domain.NotificationResult, err error) domain.NotificationResult {
	res.Outcome = domain.OutcomeFailed
	res.Error = err.Error()
	return res
}

func (p *Processor) process(ctx context.Context, n *domain.ChangeNotification) domain.NotificationResult {
	res := domain.NotificationResult{SubscriptionID: n.SubscriptionID}

	if n.ChangeType != domain.ChangeTypeCreated {
		res.Outcome = domain.OutcomeSkipped
		res.Reason = ReasonUnsupportedChange
		return res
	}

	userID, messageID, ok := n.ResourceIDs()
	if !ok {
		return failed(res, fmt.Errorf("malformed resource %q", n.Resource))
	}
	res.MessageID = messageID

	mailbox, err := p.deps.Mailboxes.GetBySubscriptionID(ctx, n.SubscriptionID)
	if err != nil {
		if errors.Is(err, out.ErrNotFound) {
			return failed(res, fmt.Errorf("unknown subscription %s", n.SubscriptionID))
		}
		return failed(res, fmt.Errorf("mailbox lookup: %w", err))
	}
	ctx = context.WithValue(ctx, logger.MailboxIDKey, mailbox.ID.String())

	key := dedupeKeyPrefix + n.SubscriptionID + ":" + messageID
	claimed := false
	if p.deps.Deduper != nil {
		first, err := p.deps.Deduper.Claim(ctx, key)
		switch {
		case err != nil:
			logger.WithContext(ctx).WithError(err).Warn("[NotificationProcessor] dedupe unavailable, processing %s", messageID)
		case !first:
			// The message is not fetched again, so the log carries only the
			// platform id.
			p.appendLog(ctx, mailbox.ID, &domain.Message{ID: messageID}, domain.DetectionTypeTracking,
				domain.DirectionUnknown, domain.ReasonAlreadyTracked, time.Now(), func(l *domain.DetectionLog) {
					l.Details = map[string]any{"source": "dedupe"}
				})
			res.Outcome = domain.OutcomeDuplicate
			res.Reason = domain.ReasonAlreadyTracked
			return res
		default:
			claimed = true
		}
	}

	res = p.processMessage(ctx, mailbox, userID, messageID, res)

	if claimed && res.Outcome == domain.OutcomeFailed {
		if err := p.deps.Deduper.Release(ctx, key); err != nil {
			logger.WithContext(ctx).WithError(err).Warn("[NotificationProcessor] failed to release dedupe key %s", key)
		}
	}
	return res
}

func (p *Processor) processMessage(ctx context.Context, mailbox *domain.Mailbox, userID, messageID string, res domain.NotificationResult) domain.NotificationResult {
	if mailbox.GraphUserID != "" {
		userID = mailbox.GraphUserID
	}
	msg, err := p.deps.Gateway.GetMessage(ctx, userID, messageID)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Warn("[NotificationProcessor] failed to fetch message %s", messageID)
		return failed(res, fmt.Errorf("fetch message %s: %w", messageID, err))
	}

	dir := classification.Classify(msg, mailbox)
	res, err = p.route(ctx, mailbox, msg, dir, res)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Error("[NotificationProcessor] failed to process message %s", messageID)
		res = failed(res, err)
	}
	p.snapshot(ctx, mailbox, msg, dir, res)
	return res
}

// route runs bounce detection, exclusion and then the direction-specific
// branch.
func (p *Processor) route(ctx context.Context, mailbox *domain.Mailbox, msg *domain.Message, dir domain.Direction, res domain.NotificationResult) (domain.NotificationResult, error) {
	if sig, ok := classification.DetectBounce(msg); ok && dir != domain.DirectionOutgoing {
		b, err := p.deps.Bounces.Handle(ctx, mailbox.ID, msg, sig)
		if err != nil {
			return res, err
		}
		if !b.Matched {
			res.Outcome = domain.OutcomeSkipped
			res.Reason = domain.ReasonBounceUnmatched
			return res, nil
		}
		id := b.Conversation.ID
		res.Outcome = domain.OutcomeBounce
		res.Reason = domain.ReasonBounceDetected
		res.TrackedConversationID = &id
		return res, nil
	}

	// The mailbox's own mail is never excluded, otherwise a mailbox inside
	// the tenant domain could not track anything.
	if dir != domain.DirectionOutgoing && classification.ShouldExclude(msg, p.deps.Tenant) {
		p.appendLog(ctx, mailbox.ID, msg, domain.DetectionTypeExclusion, dir, domain.ReasonInternalEmail, time.Now(), nil)
		res.Outcome = domain.OutcomeSkipped
		res.Reason = domain.ReasonInternalEmail
		return res, nil
	}

	switch dir {
	case domain.DirectionOutgoing:
		return p.handleOutgoing(ctx, mailbox, msg, res)
	case domain.DirectionIncoming:
		return p.handleIncoming(ctx, mailbox, msg, res)
	default:
		return res, errors.New("cannot classify message direction")
	}
}

// =============================================================================
// Outgoing
// =============================================================================

func (p *Processor) handleOutgoing(ctx context.Context, mailbox *domain.Mailbox, msg *domain.Message, res domain.NotificationResult) (domain.NotificationResult, error) {
	start := time.Now()

	cc, err := p.analyzer.Analyze(ctx, mailbox.ID, msg)
	if err != nil {
		return res, err
	}
	decision, err := p.decider.ShouldCreateNewTrackedEmail(ctx, msg, cc)
	if err != nil {
		return res, err
	}

	if !decision.ShouldCreate {
		p.appendLog(ctx, mailbox.ID, msg, domain.DetectionTypeTracking, domain.DirectionOutgoing, decision.Reason, start, func(l *domain.DetectionLog) {
			l.Method = decision.Signal
			l.TrackedConversationID = decision.ExistingEmailID
			l.Details = map[string]any{"thread_position": cc.ThreadPosition, "existing": len(cc.Existing)}
		})
		res.Outcome = domain.OutcomeSkipped
		if decision.Reason == domain.ReasonAlreadyTracked {
			res.Outcome = domain.OutcomeDuplicate
		}
		res.Reason = decision.Reason
		res.TrackedConversationID = decision.ExistingEmailID
		return res, nil
	}

	conv := domain.NewTrackedConversation(mailbox.ID, msg, cc.ThreadPosition)
	if err := p.deps.Conversations.Create(ctx, conv); err != nil {
		if !errors.Is(err, out.ErrDuplicate) {
			return res, fmt.Errorf("create tracked conversation: %w", err)
		}
		// A concurrent delivery won the insert.
		p.appendLog(ctx, mailbox.ID, msg, domain.DetectionTypeTracking, domain.DirectionOutgoing, domain.ReasonAlreadyTracked, start, nil)
		res.Outcome = domain.OutcomeDuplicate
		res.Reason = domain.ReasonAlreadyTracked
		return res, nil
	}

	id := conv.ID
	p.appendLog(ctx, mailbox.ID, msg, domain.DetectionTypeTracking, domain.DirectionOutgoing, decision.Reason, start, func(l *domain.DetectionLog) {
		l.Matched = true
		l.TrackedConversationID = &id
		l.Details = map[string]any{"thread_position": cc.ThreadPosition}
	})

	if p.deps.Followups != nil {
		if _, err := p.deps.Followups.ScheduleFirst(ctx, conv); err != nil {
			logger.WithContext(ctx).WithError(err).Warn("[NotificationProcessor] failed to schedule first followup for %s", conv.ID)
		}
	}

	p.publish(ctx, out.EventConversationTracked, mailbox.ID, conv.ID, msg.InternetMessageID, decision.Reason)

	res.Outcome = domain.OutcomeTracked
	res.Reason = decision.Reason
	res.TrackedConversationID = &id
	return res, nil
}

// =============================================================================
// Incoming
// =============================================================================

func (p *Processor) handleIncoming(ctx context.Context, mailbox *domain.Mailbox, msg *domain.Message, res domain.NotificationResult) (domain.NotificationResult, error) {
	result, err := p.deps.Detector.Detect(ctx, mailbox.ID, msg)
	if err != nil {
		return res, err
	}
	if !result.IsResponse || result.Original == nil {
		res.Outcome = domain.OutcomeSkipped
		res.Reason = result.Reason()
		return res, nil
	}

	resp := &domain.Response{
		ID:                    uuid.New(),
		TrackedConversationID: result.Original.ID,
		MessageID:             msg.ID,
		InternetMessageID:     msg.InternetMessageID,
		FromAddress:           msg.From,
		Subject:               msg.Subject,
		ResponseType:          classification.ResponseTypeOf(msg),
		DetectionMethod:       result.Method,
		Confidence:            result.Confidence,
		ReceivedAt:            receivedAt(msg),
		CreatedAt:             time.Now().UTC(),
	}
	id := result.Original.ID
	res.TrackedConversationID = &id

	changed, err := p.deps.Responses.Record(ctx, resp)
	if err != nil {
		if errors.Is(err, out.ErrDuplicate) {
			res.Outcome = domain.OutcomeDuplicate
			res.Reason = domain.ReasonAlreadyTracked
			return res, nil
		}
		return res, fmt.Errorf("record response: %w", err)
	}
	if changed {
		p.publish(ctx, out.EventConversationResponded, mailbox.ID, id, msg.InternetMessageID, string(resp.ResponseType))
	}

	res.Outcome = domain.OutcomeResponse
	res.Reason = domain.ReasonResponseDetected
	return res, nil
}

// =============================================================================
// Side outputs
// =============================================================================

func (p *Processor) appendLog(ctx context.Context, mailboxID uuid.UUID, msg *domain.Message, kind domain.DetectionType, dir domain.Direction, reason string, start time.Time, fill func(*domain.DetectionLog)) {
	if p.deps.Logs == nil {
		return
	}
	entry := domain.NewDetectionLog(mailboxID, msg, kind, dir)
	entry.Reason = reason
	if fill != nil {
		fill(entry)
	}
	entry.ElapsedMs = float64(time.Since(start).Microseconds()) / 1000
	if err := p.deps.Logs.Append(ctx, entry); err != nil {
		logger.WithContext(ctx).WithError(err).Warn("[NotificationProcessor] failed to append detection log")
	}
}

func (p *Processor) publish(ctx context.Context, eventType string, mailboxID, conversationID uuid.UUID, internetMessageID, reason string) {
	if p.deps.Events == nil {
		return
	}
	evt := &out.TrackingEvent{
		ID:                    uuid.New(),
		Type:                  eventType,
		MailboxID:             mailboxID,
		TrackedConversationID: conversationID,
		InternetMessageID:     internetMessageID,
		Reason:                reason,
		OccurredAt:            time.Now().UTC(),
	}
	if err := p.deps.Events.Publish(ctx, evt); err != nil {
		logger.WithContext(ctx).WithError(err).Warn("[NotificationProcessor] failed to publish %s", eventType)
	}
}

var snapshotHeaders = []string{
	"In-Reply-To",
	"References",
	"Auto-Submitted",
	"Content-Type",
	"X-Failed-Recipients",
	classification.HeaderFollowupMarker,
	classification.HeaderFollowupSystem,
}

func (p *Processor) snapshot(ctx context.Context, mailbox *domain.Mailbox, msg *domain.Message, dir domain.Direction, res domain.NotificationResult) {
	if p.deps.Snapshots == nil {
		return
	}
	headers := make(map[string]string)
	for _, h := range snapshotHeaders {
		if v := msg.Header(h); v != "" {
			headers[h] = v
		}
	}
	snap := &out.MessageSnapshot{
		MailboxID:         mailbox.ID.String(),
		MessageID:         msg.ID,
		InternetMessageID: msg.InternetMessageID,
		ConversationID:    msg.ConversationID,
		ThreadIndex:       msg.ThreadIndex,
		Subject:           msg.Subject,
		From:              msg.From,
		BodyPreview:       msg.BodyPreview,
		Headers:           headers,
		Direction:         string(dir),
		Outcome:           string(res.Outcome),
		Reason:            res.Reason,
		SentAt:            msg.SentAt,
		CreatedAt:         time.Now().UTC(),
	}
	if err := p.deps.Snapshots.Save(ctx, snap); err != nil {
		logger.WithContext(ctx).WithError(err).Debug("[NotificationProcessor] snapshot not saved")
	}
}

func receivedAt(msg *domain.Message) time.Time {
	if !msg.ReceivedAt.IsZero() {
		return msg.ReceivedAt
	}
	if !msg.SentAt.IsZero() {
		return msg.SentAt
	}
	return time.Now().UTC()
}
