// Package sca implements the strong customer authentication core: the
// challenge validation engine, the operation lifecycle manager and the
// status transition table that couples them.
package sca

import (
	"context"
	"errors"
	"time"

	"github.com/knadh/scagateway/pkg/models"
)

// Validation messages. These are part of the API contract.
const (
	MsgChallengeNotFound  = "Challenge not found"
	MsgChallengeUsed      = "Challenge already used"
	MsgInvalidCode        = "Invalid challenge code"
	MsgChallengeExpired   = "Challenge has expired"
	MsgChallengeValidated = "Challenge successfully validated"
	MsgInvalidState       = "SCA Operation not in a valid state for validation"
	MsgNoActiveChallenge  = "No active challenge found for this operation"
)

var (
	// ErrNoActiveChallenge is returned when an operation has no unconsumed,
	// unexpired challenge.
	ErrNoActiveChallenge = errors.New("no active challenge found for operation")

	// ErrInvalidState is returned when an operation can't take a transition
	// from its current status.
	ErrInvalidState = errors.New("operation is not in a valid state")

	// ErrInvalidInput is wrapped by input validation errors.
	ErrInvalidInput = errors.New("invalid input")
)

var (
	resNotFound  = models.ValidationResult{Success: false, LockedOrFailed: true, Message: MsgChallengeNotFound}
	resUsed      = models.ValidationResult{Success: false, LockedOrFailed: true, Message: MsgChallengeUsed}
	resBadCode   = models.ValidationResult{Success: false, LockedOrFailed: false, Message: MsgInvalidCode}
	resExpired   = models.ValidationResult{Success: false, LockedOrFailed: true, Message: MsgChallengeExpired}
	resValidated = models.ValidationResult{Success: true, LockedOrFailed: false, Message: MsgChallengeValidated}

	resInvalidState = models.ValidationResult{Success: false, LockedOrFailed: false, Message: MsgInvalidState}
	resNoActive     = models.ValidationResult{Success: false, LockedOrFailed: false, Message: MsgNoActiveChallenge}
)

// Recorder consumes attempts and lifecycle events. Implementations must not
// block the caller for long and never fail it: recording is best effort.
type Recorder interface {
	RecordAttempt(ctx context.Context, a models.Attempt)
	RecordAudit(ctx context.Context, e models.AuditEntry)
	RecordHistory(ctx context.Context, h models.HistoryEntry)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) RecordAttempt(context.Context, models.Attempt)      {}
func (NopRecorder) RecordAudit(context.Context, models.AuditEntry)     {}
func (NopRecorder) RecordHistory(context.Context, models.HistoryEntry) {}

// Caller describes who made a request and from where. It's attached to the
// request context and copied into attempts and audit entries.
type Caller struct {
	// Party is the acting party, eg: the authenticated API namespace.
	Party string

	// Origin is the network address the request came from.
	Origin string
}

type callerKey struct{}

// WithCaller returns a context carrying the caller.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller attached to the context, if any.
func CallerFrom(ctx context.Context) Caller {
	c, _ := ctx.Value(callerKey{}).(Caller)
	return c
}

// Clock returns the current time. Tests replace it.
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now().UTC()
}
