package sca

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/knadh/scagateway/internal/store"
	"github.com/knadh/scagateway/pkg/models"
	"github.com/zerodha/logf"
)

// EngineOpts holds the engine's tunables.
type EngineOpts struct {
	// ChallengeTTL is the validity of a challenge issued without an explicit expiry.
	ChallengeTTL time.Duration

	Clock Clock
}

// Engine validates user-supplied codes against challenges and owns the
// challenge records of operations.
type Engine struct {
	ops        store.OperationStore
	challenges store.ChallengeStore
	rec        Recorder
	lo         logf.Logger
	opts       EngineOpts
}

// NewEngine returns a new validation engine.
func NewEngine(ops store.OperationStore, challenges store.ChallengeStore, rec Recorder, lo logf.Logger, o EngineOpts) *Engine {
	if o.ChallengeTTL <= 0 {
		o.ChallengeTTL = 5 * time.Minute
	}
	if o.Clock == nil {
		o.Clock = systemClock
	}
	if rec == nil {
		rec = NopRecorder{}
	}

	return &Engine{
		ops:        ops,
		challenges: challenges,
		rec:        rec,
		lo:         lo,
		opts:       o,
	}
}

// ValidateChallenge checks a user-supplied code against a challenge of an
// operation. The checks run in a fixed order and the first failing one
// decides the result:
//
//	not found (or owned by another operation), already used, wrong code, expired.
//
// Only a successful validation consumes the challenge, and it does so with a
// conditional update, so any number of concurrent calls with the right code
// produce exactly one success. A wrong code leaves the challenge usable.
//
// Business outcomes are always returned in the result. The error is only set
// on storage faults.
func (e *Engine) ValidateChallenge(ctx context.Context, operationID, challengeID uuid.UUID, code string) (models.ValidationResult, error) {
	now := e.opts.Clock()

	c, err := e.challenges.GetChallenge(ctx, challengeID)
	if err != nil {
		if errors.Is(err, store.ErrNotExist) {
			return resNotFound, nil
		}
		return models.ValidationResult{}, err
	}
	if c.OperationID != operationID {
		return resNotFound, nil
	}

	// A used challenge is reported as such whatever the code, so that a
	// replay reveals nothing about the code's correctness.
	if c.Consumed {
		return resUsed, nil
	}

	if subtle.ConstantTimeCompare([]byte(c.Code), []byte(code)) != 1 {
		e.recordAttempt(ctx, c, code, false, now)
		e.recordAudit(ctx, c, models.EventAttempted, MsgInvalidCode, now)
		return resBadCode, nil
	}

	if !c.ExpiresAt.After(now) {
		e.recordAttempt(ctx, c, code, false, now)
		e.recordAudit(ctx, c, models.EventExpired, MsgChallengeExpired, now)
		return resExpired, nil
	}

	ok, err := e.challenges.ConsumeChallenge(ctx, operationID, challengeID, now)
	if err != nil {
		return models.ValidationResult{}, err
	}
	if !ok {
		// Another validation consumed it first, or it was deleted in between.
		res, err := e.reclassify(ctx, operationID, challengeID, now)
		if err != nil {
			return models.ValidationResult{}, err
		}
		e.recordAttempt(ctx, c, code, false, now)
		e.lo.Debug("challenge consume lost", "challenge_id", challengeID, "result", res.Message)
		return res, nil
	}

	e.recordAttempt(ctx, c, code, true, now)
	e.recordAudit(ctx, c, models.EventAttempted, MsgChallengeValidated, now)
	return resValidated, nil
}

// reclassify re-reads a challenge whose conditional consume failed and
// returns the locked result that explains why.
func (e *Engine) reclassify(ctx context.Context, operationID, challengeID uuid.UUID, now time.Time) (models.ValidationResult, error) {
	c, err := e.challenges.GetChallenge(ctx, challengeID)
	if err != nil {
		if errors.Is(err, store.ErrNotExist) {
			return resNotFound, nil
		}
		return models.ValidationResult{}, err
	}

	switch {
	case c.OperationID != operationID:
		return resNotFound, nil
	case !c.ExpiresAt.After(now) && !c.Consumed:
		return resExpired, nil
	}
	return resUsed, nil
}

// FindActiveChallenge returns the challenge of an operation that is
// unconsumed and expires strictly after now. If more than one matches, the
// newest is returned.
func (e *Engine) FindActiveChallenge(ctx context.Context, operationID uuid.UUID) (models.Challenge, error) {
	c, err := e.challenges.ActiveChallenge(ctx, operationID, e.opts.Clock())
	if err != nil {
		if errors.Is(err, store.ErrNotExist) {
			return c, ErrNoActiveChallenge
		}
		return c, err
	}
	return c, nil
}

// IssueChallenge stores a new challenge for an operation. The code is
// supplied by the caller. If no expiry is given, the default TTL applies.
func (e *Engine) IssueChallenge(ctx context.Context, operationID uuid.UUID, in models.Challenge) (models.Challenge, error) {
	if _, err := e.ops.GetOperation(ctx, operationID); err != nil {
		return in, err
	}

	in.Code = strings.TrimSpace(in.Code)
	if in.Code == "" {
		return in, fmt.Errorf("%w: code is empty", ErrInvalidInput)
	}

	now := e.opts.Clock()
	if in.ExpiresAt.IsZero() {
		in.ExpiresAt = now.Add(e.opts.ChallengeTTL)
	}
	if !in.ExpiresAt.After(now) {
		return in, fmt.Errorf("%w: expires_at is in the past", ErrInvalidInput)
	}

	c, err := e.challenges.CreateChallenge(ctx, models.Challenge{
		ID:          uuid.New(),
		OperationID: operationID,
		Code:        in.Code,
		CreatedAt:   now,
		ExpiresAt:   in.ExpiresAt,
	})
	if err != nil {
		return c, err
	}

	e.recordAudit(ctx, c, models.EventChallengeIssued,
		fmt.Sprintf("expires at %s", c.ExpiresAt.Format(time.RFC3339)), now)
	return c, nil
}

// GetChallenge returns a challenge if it belongs to the operation.
func (e *Engine) GetChallenge(ctx context.Context, operationID, challengeID uuid.UUID) (models.Challenge, error) {
	c, err := e.challenges.GetChallenge(ctx, challengeID)
	if err != nil {
		return c, err
	}
	if c.OperationID != operationID {
		return models.Challenge{}, fmt.Errorf("challenge %s of operation %s: %w", challengeID, operationID, store.ErrNotExist)
	}
	return c, nil
}

// UpdateChallenge changes the code and/or expiry of a challenge. Empty
// fields are left as they are. A consumed challenge stays consumed.
func (e *Engine) UpdateChallenge(ctx context.Context, operationID, challengeID uuid.UUID, in models.Challenge) (models.Challenge, error) {
	c, err := e.GetChallenge(ctx, operationID, challengeID)
	if err != nil {
		return c, err
	}

	if code := strings.TrimSpace(in.Code); code != "" {
		c.Code = code
	}
	if !in.ExpiresAt.IsZero() {
		c.ExpiresAt = in.ExpiresAt
	}
	c.Consumed = c.Consumed || in.Consumed

	return e.challenges.UpdateChallenge(ctx, c)
}

// DeleteChallenge deletes a challenge of an operation.
func (e *Engine) DeleteChallenge(ctx context.Context, operationID, challengeID uuid.UUID) error {
	if _, err := e.GetChallenge(ctx, operationID, challengeID); err != nil {
		return err
	}
	return e.challenges.DeleteChallenge(ctx, challengeID)
}

// ListChallenges returns a page of an operation's challenges.
func (e *Engine) ListChallenges(ctx context.Context, operationID uuid.UUID, p models.PageRequest) (models.Page[models.Challenge], error) {
	if _, err := e.ops.GetOperation(ctx, operationID); err != nil {
		return models.Page[models.Challenge]{}, err
	}
	return e.challenges.ListChallenges(ctx, operationID, normalizePage(p))
}

func (e *Engine) recordAttempt(ctx context.Context, c models.Challenge, value string, success bool, now time.Time) {
	e.rec.RecordAttempt(ctx, models.Attempt{
		ID:          uuid.New(),
		ChallengeID: c.ID,
		Value:       value,
		AttemptedAt: now,
		Success:     success,
		Origin:      CallerFrom(ctx).Origin,
	})
}

func (e *Engine) recordAudit(ctx context.Context, c models.Challenge, typ models.EventType, details string, now time.Time) {
	chID := c.ID
	e.rec.RecordAudit(ctx, models.AuditEntry{
		ID:          uuid.New(),
		OperationID: c.OperationID,
		ChallengeID: &chID,
		PartyID:     CallerFrom(ctx).Party,
		EventType:   typ,
		EventTime:   now,
		Details:     details,
	})
}

const (
	defaultPerPage = 20
	maxPerPage     = 100
)

// normalizePage applies the default and maximum page sizes.
func normalizePage(p models.PageRequest) models.PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PerPage < 1 {
		p.PerPage = defaultPerPage
	}
	if p.PerPage > maxPerPage {
		p.PerPage = maxPerPage
	}
	return p
}
