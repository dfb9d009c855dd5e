package detection

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"tracker_server/core/domain"
	"tracker_server/core/port/out"
	"tracker_server/core/service/threading"
	"tracker_server/pkg/logger"

	"github.com/google/uuid"
)

const maxConfidence = 100

// =============================================================================
// Result
// =============================================================================

// Result is the outcome of a detection attempt.
type Result struct {
	IsResponse bool
	Confidence int

	// Method is the highest-priority matched check, Methods all of them.
	Method  string
	Methods []string

	// OriginalEmailID is the conversation resolved by the earliest check
	// that resolved one.
	OriginalEmailID *uuid.UUID
	Original        *domain.TrackedConversation
}

// Reason returns the detection log reason code for r.
func (r *Result) Reason() string {
	switch {
	case !r.IsResponse:
		return domain.ReasonNotAReply
	case r.Original == nil:
		return domain.ReasonUnresolvedOriginal
	default:
		return domain.ReasonResponseDetected
	}
}

// =============================================================================
// Check table
// =============================================================================

type input struct {
	mailboxID uuid.UUID
	msg       *domain.Message
}

// match is what a check reports. resolved may be nil on a match that only
// signals presence.
type match struct {
	matched  bool
	resolved *domain.TrackedConversation
}

type check struct {
	name   string
	weight int
	run    func(ctx context.Context, in *input) (match, error)
}

// Engine folds the check table into a confidence score.
type Engine struct {
	conversations out.ConversationRepository
	logs          out.DetectionLogRepository
	policy        Policy
	table         []check
}

// NewEngine creates an Engine. logs may be nil.
func NewEngine(conversations out.ConversationRepository, logs out.DetectionLogRepository, policy Policy) *Engine {
	if policy.SubjectScanLimit <= 0 {
		policy.SubjectScanLimit = DefaultPolicy().SubjectScanLimit
	}
	e := &Engine{
		conversations: conversations,
		logs:          logs,
		policy:        policy,
	}
	e.table = []check{
		{name: MethodHeaders, weight: policy.Weights.Headers, run: e.checkHeaders},
		{name: MethodThread, weight: policy.Weights.Thread, run: e.checkThread},
		{name: MethodSubject, weight: policy.Weights.Subject, run: e.checkSubject},
		{name: MethodBody, weight: policy.Weights.Body, run: checkBody},
	}
	return e
}

// Policy returns the active policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Detect runs every check against msg and logs the attempt.
func (e *Engine) Detect(ctx context.Context, mailboxID uuid.UUID, msg *domain.Message) (*Result, error) {
	start := time.Now()
	in := &input{mailboxID: mailboxID, msg: msg}

	result := &Result{}
	scores := make(map[string]int, len(e.table))
	for _, c := range e.table {
		m, err := c.run(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("%s check: %w", c.name, err)
		}
		if !m.matched {
			continue
		}
		result.Confidence += c.weight
		result.Methods = append(result.Methods, c.name)
		scores[c.name] = c.weight
		if result.Method == "" {
			result.Method = c.name
		}
		if result.Original == nil && m.resolved != nil {
			result.Original = m.resolved
			id := m.resolved.ID
			result.OriginalEmailID = &id
		}
	}
	if result.Confidence > maxConfidence {
		result.Confidence = maxConfidence
	}
	result.IsResponse = result.Confidence >= e.policy.Threshold

	e.writeLog(ctx, in, result, scores, time.Since(start))
	return result, nil
}

func (e *Engine) writeLog(ctx context.Context, in *input, r *Result, scores map[string]int, elapsed time.Duration) {
	if e.logs == nil {
		return
	}
	entry := domain.NewDetectionLog(in.mailboxID, in.msg, domain.DetectionTypeResponse, domain.DirectionIncoming)
	entry.Matched = r.IsResponse
	entry.Method = r.Method
	entry.Confidence = r.Confidence
	entry.TrackedConversationID = r.OriginalEmailID
	entry.Reason = r.Reason()
	entry.ElapsedMs = float64(elapsed.Microseconds()) / 1000
	entry.Details = map[string]any{
		"methods":   r.Methods,
		"scores":    scores,
		"threshold": e.policy.Threshold,
	}
	if err := e.logs.Append(ctx, entry); err != nil {
		logger.WithContext(ctx).WithError(err).Warn("[ResponseDetection] failed to append detection log")
	}
}

// =============================================================================
// Checks
// =============================================================================

func (e *Engine) checkHeaders(ctx context.Context, in *input) (match, error) {
	ids := in.msg.ReplyIDs()
	if len(ids) == 0 {
		return match{}, nil
	}

	pending, err := e.conversations.FindPendingByInternetMessageIDs(ctx, in.mailboxID, ids)
	if err != nil {
		return match{}, err
	}
	byID := make(map[string]*domain.TrackedConversation, len(pending))
	for _, c := range pending {
		byID[strings.ToLower(domain.NormalizeMessageID(c.InternetMessageID))] = c
	}
	// ReplyIDs is ordered nearest parent first.
	for _, id := range ids {
		if c, ok := byID[strings.ToLower(id)]; ok {
			return match{matched: true, resolved: c}, nil
		}
	}
	return match{matched: true}, nil
}

func (e *Engine) checkThread(ctx context.Context, in *input) (match, error) {
	msg := in.msg
	if msg.ConversationID == "" || threading.Depth(msg.ThreadIndex) <= 1 {
		return match{}, nil
	}

	pending, err := e.conversations.ListPendingByConversationID(ctx, in.mailboxID, msg.ConversationID)
	if err != nil {
		return match{}, err
	}
	if len(pending) == 0 {
		return match{}, nil
	}
	for _, c := range pending {
		if threading.SameBranch(c.ThreadIndex, msg.ThreadIndex) {
			return match{matched: true, resolved: c}, nil
		}
	}
	return match{matched: true, resolved: pending[0]}, nil
}

func (e *Engine) checkSubject(ctx context.Context, in *input) (match, error) {
	if !threading.HasReplyPrefix(in.msg.Subject) {
		return match{}, nil
	}
	subject := threading.NormalizeSubject(in.msg.Subject)
	if subject == "" {
		return match{}, nil
	}

	recent, err := e.conversations.ListRecentPending(ctx, in.mailboxID, e.policy.SubjectScanLimit)
	if err != nil {
		return match{}, err
	}

	normalized := make([]string, len(recent))
	for i, c := range recent {
		normalized[i] = threading.NormalizeSubject(c.Subject)
		if normalized[i] == subject {
			return match{matched: true, resolved: c}, nil
		}
	}
	for i, c := range recent {
		s := normalized[i]
		if s != "" && (strings.Contains(subject, s) || strings.Contains(s, subject)) {
			return match{matched: true, resolved: c}, nil
		}
	}
	return match{}, nil
}

var quoteMarkers = []string{
	"wrote:",
	"-----original message-----",
	"________________________________",
	"schrieb:",
	"a écrit :",
	"a écrit:",
	"escribió:",
	"ha scritto:",
	"escreveu:",
	"schreef:",
	"skrev:",
	"napisał:",
	"написал:",
	"原始邮件",
	"写道：",
	"写道:",
}

var quotedLine = regexp.MustCompile(`(?m)^\s*>`)

func checkBody(_ context.Context, in *input) (match, error) {
	body := strings.ToLower(in.msg.BodyPreview)
	if body == "" {
		return match{}, nil
	}
	for _, marker := range quoteMarkers {
		if strings.Contains(body, marker) {
			return match{matched: true}, nil
		}
	}
	return match{matched: quotedLine.MatchString(body)}, nil
}
