// Package memory is an in-process store implementing the repository ports.
// It enforces the same uniqueness rules as the relational schema and backs
// local runs without a database.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"tracker_server/core/domain"
	"tracker_server/core/port/out"

	"github.com/google/uuid"
)

// Store holds every entity behind one lock.
type Store struct {
	mu            sync.RWMutex
	conversations map[uuid.UUID]*domain.TrackedConversation
	byInternetID  map[string]uuid.UUID
	responses     []*domain.Response
	followups     map[uuid.UUID]*domain.Followup
	logs          []*domain.DetectionLog
	settings      []domain.FollowupSettings
	mailboxes     map[string]*domain.Mailbox
}

func NewStore() *Store {
	return &Store{
		conversations: make(map[uuid.UUID]*domain.TrackedConversation),
		byInternetID:  make(map[string]uuid.UUID),
		followups:     make(map[uuid.UUID]*domain.Followup),
		mailboxes:     make(map[string]*domain.Mailbox),
	}
}

func (s *Store) Conversations() *ConversationRepo { return &ConversationRepo{s} }
func (s *Store) Responses() *ResponseRepo         { return &ResponseRepo{s} }
func (s *Store) Followups() *FollowupRepo         { return &FollowupRepo{s} }
func (s *Store) DetectionLogs() *DetectionLogRepo { return &DetectionLogRepo{s} }
func (s *Store) Settings() *SettingsRepo          { return &SettingsRepo{s} }
func (s *Store) Mailboxes() *MailboxRepo          { return &MailboxRepo{s} }

// AddMailbox registers a mailbox by subscription id.
func (s *Store) AddMailbox(m *domain.Mailbox) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.mailboxes[m.SubscriptionID] = &cp
}

// Logs returns a copy of the detection log.
func (s *Store) Logs() []domain.DetectionLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.DetectionLog, len(s.logs))
	for i, l := range s.logs {
		out[i] = *l
	}
	return out
}

// AllConversations returns a copy of every tracked conversation, oldest first.
func (s *Store) AllConversations() []domain.TrackedConversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.TrackedConversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out
}

// AllResponses returns a copy of every recorded response.
func (s *Store) AllResponses() []domain.Response {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Response, len(s.responses))
	for i, r := range s.responses {
		out[i] = *r
	}
	return out
}

func copyConversation(c *domain.TrackedConversation) *domain.TrackedConversation {
	cp := *c
	return &cp
}

func newestFirst(list []*domain.TrackedConversation) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].SentAt.After(list[j].SentAt) })
}

// cancelScheduledLocked cancels scheduled followups. Caller holds s.mu.
func (s *Store) cancelScheduledLocked(conversationID uuid.UUID, reason string) {
	for _, f := range s.followups {
		if f.TrackedConversationID == conversationID && f.Status == domain.FollowupStatusScheduled {
			_ = f.Cancel(reason)
		}
	}
}

// =============================================================================
// Conversations
// =============================================================================

type ConversationRepo struct{ s *Store }

var _ out.ConversationRepository = (*ConversationRepo)(nil)

func (r *ConversationRepo) Create(_ context.Context, c *domain.TrackedConversation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.byInternetID[c.InternetMessageID]; ok {
		return out.ErrDuplicate
	}
	r.s.conversations[c.ID] = copyConversation(c)
	r.s.byInternetID[c.InternetMessageID] = c.ID
	return nil
}

func (r *ConversationRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.TrackedConversation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	c, ok := r.s.conversations[id]
	if !ok {
		return nil, out.ErrNotFound
	}
	return copyConversation(c), nil
}

func (r *ConversationRepo) GetByInternetMessageID(_ context.Context, internetMessageID string) (*domain.TrackedConversation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	id, ok := r.s.byInternetID[internetMessageID]
	if !ok {
		return nil, out.ErrNotFound
	}
	return copyConversation(r.s.conversations[id]), nil
}

func (r *ConversationRepo) filter(keep func(*domain.TrackedConversation) bool) []*domain.TrackedConversation {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var list []*domain.TrackedConversation
	for _, c := range r.s.conversations {
		if keep(c) {
			list = append(list, copyConversation(c))
		}
	}
	newestFirst(list)
	return list
}

func (r *ConversationRepo) ListByConversationID(_ context.Context, mailboxID uuid.UUID, conversationID string) ([]*domain.TrackedConversation, error) {
	return r.filter(func(c *domain.TrackedConversation) bool {
		return c.MailboxID == mailboxID && c.ConversationID == conversationID
	}), nil
}

func (r *ConversationRepo) FindPendingByInternetMessageIDs(_ context.Context, mailboxID uuid.UUID, ids []string) ([]*domain.TrackedConversation, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[strings.ToLower(id)] = true
	}
	return r.filter(func(c *domain.TrackedConversation) bool {
		return c.MailboxID == mailboxID && c.Status == domain.ConversationStatusPending &&
			want[strings.ToLower(domain.NormalizeMessageID(c.InternetMessageID))]
	}), nil
}

func (r *ConversationRepo) ListPendingByConversationID(_ context.Context, mailboxID uuid.UUID, conversationID string) ([]*domain.TrackedConversation, error) {
	return r.filter(func(c *domain.TrackedConversation) bool {
		return c.MailboxID == mailboxID && c.ConversationID == conversationID && c.Status == domain.ConversationStatusPending
	}), nil
}

func (r *ConversationRepo) ListRecentPending(_ context.Context, mailboxID uuid.UUID, limit int) ([]*domain.TrackedConversation, error) {
	list := r.filter(func(c *domain.TrackedConversation) bool {
		return c.MailboxID == mailboxID && c.Status == domain.ConversationStatusPending
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (r *ConversationRepo) Stop(_ context.Context, id uuid.UUID, reason string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.conversations[id]
	if !ok {
		return false, out.ErrNotFound
	}
	if !c.CanTransitionTo(domain.ConversationStatusStopped) {
		return false, nil
	}
	now := time.Now().UTC()
	c.Status = domain.ConversationStatusStopped
	c.StoppedAt = &now
	c.StopReason = reason
	c.UpdatedAt = now
	r.s.cancelScheduledLocked(id, reason)
	return true, nil
}

// =============================================================================
// Responses
// =============================================================================

type ResponseRepo struct{ s *Store }

var _ out.ResponseRepository = (*ResponseRepo)(nil)

func (r *ResponseRepo) Record(_ context.Context, resp *domain.Response) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.conversations[resp.TrackedConversationID]
	if !ok {
		return false, out.ErrNotFound
	}
	for _, existing := range r.s.responses {
		if existing.TrackedConversationID == resp.TrackedConversationID && existing.InternetMessageID == resp.InternetMessageID {
			return false, out.ErrDuplicate
		}
	}
	cp := *resp
	r.s.responses = append(r.s.responses, &cp)

	next := resp.ConversationStatusAfter()
	if !c.CanTransitionTo(next) {
		return false, nil
	}
	now := time.Now().UTC()
	c.Status = next
	c.UpdatedAt = now
	if next == domain.ConversationStatusResponded {
		at := resp.ReceivedAt
		c.RespondedAt = &at
	} else {
		c.StoppedAt = &now
		c.StopReason = string(next)
	}
	r.s.cancelScheduledLocked(c.ID, string(next))
	return true, nil
}

func (r *ResponseRepo) LatestForConversation(_ context.Context, trackedConversationID uuid.UUID) (*domain.Response, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var latest *domain.Response
	for _, resp := range r.s.responses {
		if resp.TrackedConversationID != trackedConversationID {
			continue
		}
		if latest == nil || resp.ReceivedAt.After(latest.ReceivedAt) {
			latest = resp
		}
	}
	if latest == nil {
		return nil, out.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

// =============================================================================
// Followups
// =============================================================================

type FollowupRepo struct{ s *Store }

var _ out.FollowupRepository = (*FollowupRepo)(nil)

func (r *FollowupRepo) Create(_ context.Context, f *domain.Followup) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.followups {
		if existing.TrackedConversationID == f.TrackedConversationID &&
			existing.FollowupNumber == f.FollowupNumber &&
			existing.Status == domain.FollowupStatusScheduled {
			return out.ErrDuplicate
		}
	}
	cp := *f
	r.s.followups[f.ID] = &cp
	return nil
}

func (r *FollowupRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Followup, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	f, ok := r.s.followups[id]
	if !ok {
		return nil, out.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (r *FollowupRepo) Update(_ context.Context, f *domain.Followup) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.followups[f.ID]; !ok {
		return out.ErrNotFound
	}
	if f.Status == domain.FollowupStatusScheduled {
		for id, existing := range r.s.followups {
			if id != f.ID && existing.TrackedConversationID == f.TrackedConversationID &&
				existing.FollowupNumber == f.FollowupNumber && existing.Status == domain.FollowupStatusScheduled {
				return out.ErrDuplicate
			}
		}
	}
	cp := *f
	r.s.followups[f.ID] = &cp
	return nil
}

func (r *FollowupRepo) ListByConversation(_ context.Context, trackedConversationID uuid.UUID) ([]*domain.Followup, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var list []*domain.Followup
	for _, f := range r.s.followups {
		if f.TrackedConversationID == trackedConversationID {
			cp := *f
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].FollowupNumber < list[j].FollowupNumber })
	return list, nil
}

// =============================================================================
// Detection log, settings, mailboxes
// =============================================================================

type DetectionLogRepo struct{ s *Store }

var _ out.DetectionLogRepository = (*DetectionLogRepo)(nil)

func (r *DetectionLogRepo) Append(_ context.Context, l *domain.DetectionLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *l
	r.s.logs = append(r.s.logs, &cp)
	return nil
}

type SettingsRepo struct{ s *Store }

var _ out.SettingsRepository = (*SettingsRepo)(nil)

func (r *SettingsRepo) Current(_ context.Context) (*domain.FollowupSettings, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if len(r.s.settings) == 0 {
		return nil, out.ErrNotFound
	}
	cp := r.s.settings[len(r.s.settings)-1]
	return &cp, nil
}

func (r *SettingsRepo) Save(_ context.Context, settings *domain.FollowupSettings) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	settings.Version = len(r.s.settings) + 1
	if settings.UpdatedAt.IsZero() {
		settings.UpdatedAt = time.Now().UTC()
	}
	r.s.settings = append(r.s.settings, *settings)
	return nil
}

type MailboxRepo struct{ s *Store }

var _ out.MailboxRegistry = (*MailboxRepo)(nil)

func (r *MailboxRepo) GetBySubscriptionID(_ context.Context, subscriptionID string) (*domain.Mailbox, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	m, ok := r.s.mailboxes[subscriptionID]
	if !ok || !m.Enabled {
		return nil, out.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *MailboxRepo) Upsert(_ context.Context, m *domain.Mailbox) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := r.s.mailboxes[m.SubscriptionID]; ok {
		m.ID = existing.ID
		m.CreatedAt = existing.CreatedAt
	} else {
		m.ID = uuid.New()
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	cp := *m
	r.s.mailboxes[m.SubscriptionID] = &cp
	return nil
}
