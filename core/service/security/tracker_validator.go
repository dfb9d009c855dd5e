// Package security authenticates webhook notification batches.
package security

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"tracker_server/core/domain"
	"tracker_server/core/port/out"
	"tracker_server/pkg/apperr"
	"tracker_server/pkg/logger"

	"github.com/google/uuid"
)

// Check names recorded in the security audit log.
const (
	CheckClientState     = "client_state"
	CheckValidationToken = "validation_token"
	CheckDataSignature   = "data_signature"
	CheckReplay          = "replay"
)

const (
	DefaultReplayWindow = 5 * time.Minute
	maxEvidence         = 96
)

var (
	ErrClientStateMismatch = errors.New("client state mismatch")
	ErrReplay              = errors.New("request timestamp outside replay window")
)

// TokenChecker verifies a single signed validation token.
type TokenChecker interface {
	Verify(ctx context.Context, raw string) error
}

// Config holds the expected webhook credentials.
type Config struct {
	ClientState             string
	RequireValidationTokens bool
	ReplayWindow            time.Duration
}

// Validator authenticates a notification batch. Any failing check rejects
// the whole batch.
type Validator struct {
	cfg      Config
	tokens   TokenChecker
	dataKeys DataKeyDecrypter
	audit    out.SecurityAuditLog
	now      func() time.Time
}

// NewValidator creates a Validator. tokens and dataKeys may be nil; batches
// that need them are then rejected.
func NewValidator(cfg Config, tokens TokenChecker, dataKeys DataKeyDecrypter, audit out.SecurityAuditLog) *Validator {
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = DefaultReplayWindow
	}
	return &Validator{
		cfg:      cfg,
		tokens:   tokens,
		dataKeys: dataKeys,
		audit:    audit,
		now:      time.Now,
	}
}

type checkFailure struct {
	check          string
	subscriptionID string
	evidence       string
	err            error
}

// Validate runs every check in order and records the outcome.
func (v *Validator) Validate(ctx context.Context, batch *domain.NotificationBatch, remoteIP string) error {
	passed, failure := v.run(ctx, batch)

	events := make([]domain.SecurityAuditEvent, 0, len(passed)+1)
	ts := v.now().UTC()
	for _, check := range passed {
		events = append(events, domain.SecurityAuditEvent{
			ID:        uuid.New(),
			Check:     check,
			Passed:    true,
			RemoteIP:  remoteIP,
			BatchSize: len(batch.Value),
			Timestamp: ts,
		})
	}
	if failure != nil {
		events = append(events, domain.SecurityAuditEvent{
			ID:             uuid.New(),
			Check:          failure.check,
			Passed:         false,
			SubscriptionID: failure.subscriptionID,
			Evidence:       truncate(failure.evidence, maxEvidence),
			RemoteIP:       remoteIP,
			BatchSize:      len(batch.Value),
			Timestamp:      ts,
		})
	}

	if v.audit != nil {
		if err := v.audit.Record(ctx, events); err != nil {
			logger.WithContext(ctx).WithError(err).Error("[SecurityValidator] failed to write audit events")
		}
	}

	if failure != nil {
		logger.WithContext(ctx).WithFields(map[string]any{
			"check":           failure.check,
			"subscription_id": failure.subscriptionID,
			"remote_ip":       remoteIP,
		}).Warn("[SecurityValidator] batch rejected: %v", failure.err)
		return apperr.SecurityFailure(failure.check, failure.err)
	}
	return nil
}

func (v *Validator) run(ctx context.Context, batch *domain.NotificationBatch) ([]string, *checkFailure) {
	var passed []string

	if f := v.checkClientState(batch); f != nil {
		return passed, f
	}
	passed = append(passed, CheckClientState)

	if f := v.checkTokens(ctx, batch); f != nil {
		return passed, f
	}
	passed = append(passed, CheckValidationToken)

	if f := v.checkSignatures(batch); f != nil {
		return passed, f
	}
	passed = append(passed, CheckDataSignature)

	if f := v.checkReplay(batch); f != nil {
		return passed, f
	}
	passed = append(passed, CheckReplay)

	return passed, nil
}

func (v *Validator) checkClientState(batch *domain.NotificationBatch) *checkFailure {
	if v.cfg.ClientState == "" {
		return &checkFailure{check: CheckClientState, evidence: "no client state configured", err: ErrClientStateMismatch}
	}
	expected := []byte(v.cfg.ClientState)
	for _, n := range batch.Value {
		if subtle.ConstantTimeCompare([]byte(n.ClientState), expected) != 1 {
			return &checkFailure{
				check:          CheckClientState,
				subscriptionID: n.SubscriptionID,
				evidence:       fmt.Sprintf("received client state of length %d", len(n.ClientState)),
				err:            ErrClientStateMismatch,
			}
		}
	}
	return nil
}

func (v *Validator) checkTokens(ctx context.Context, batch *domain.NotificationBatch) *checkFailure {
	if len(batch.ValidationTokens) == 0 {
		if v.cfg.RequireValidationTokens || hasEncryptedContent(batch) {
			return &checkFailure{check: CheckValidationToken, evidence: "no validation tokens", err: errors.New("validation tokens required")}
		}
		return nil
	}
	if v.tokens == nil {
		return &checkFailure{check: CheckValidationToken, evidence: "no token verifier configured", err: errors.New("token verifier unavailable")}
	}
	for i, tok := range batch.ValidationTokens {
		if err := v.tokens.Verify(ctx, tok); err != nil {
			return &checkFailure{
				check:    CheckValidationToken,
				evidence: fmt.Sprintf("token[%d]: %v", i, err),
				err:      err,
			}
		}
	}
	return nil
}

func (v *Validator) checkSignatures(batch *domain.NotificationBatch) *checkFailure {
	for _, n := range batch.Value {
		if n.EncryptedContent == nil {
			continue
		}
		if err := VerifyDataSignature(n.EncryptedContent, v.dataKeys); err != nil {
			return &checkFailure{
				check:          CheckDataSignature,
				subscriptionID: n.SubscriptionID,
				evidence:       err.Error(),
				err:            err,
			}
		}
	}
	return nil
}

func (v *Validator) checkReplay(batch *domain.NotificationBatch) *checkFailure {
	if batch.RequestTimestamp == nil {
		return nil
	}
	skew := v.now().Sub(*batch.RequestTimestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.cfg.ReplayWindow {
		return &checkFailure{
			check:    CheckReplay,
			evidence: fmt.Sprintf("skew %s", skew.Round(time.Second)),
			err:      ErrReplay,
		}
	}
	return nil
}

func hasEncryptedContent(batch *domain.NotificationBatch) bool {
	for _, n := range batch.Value {
		if n.EncryptedContent != nil {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
