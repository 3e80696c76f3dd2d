package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/knadh/scagateway/pkg/models"
)

var (
	// ErrNotExist is returned when a record (requested by ID, and optionally
	// scoped to its parent) does not exist.
	ErrNotExist = errors.New("the record does not exist")

	// ErrActiveChallenge is returned when a challenge is issued for an
	// operation that already has an unconsumed, unexpired challenge.
	ErrActiveChallenge = errors.New("the operation already has an active challenge")
)

// OperationStore represents a storage backend for SCA operations.
type OperationStore interface {
	GetOperation(ctx context.Context, id uuid.UUID) (models.Operation, error)
	CreateOperation(ctx context.Context, o models.Operation) (models.Operation, error)

	// UpdateOperation updates the mutable attributes of an operation.
	// The status is never changed here.
	UpdateOperation(ctx context.Context, o models.Operation) (models.Operation, error)
	DeleteOperation(ctx context.Context, id uuid.UUID) error
	ListOperations(ctx context.Context, f models.OperationFilter, p models.PageRequest) (models.Page[models.Operation], error)

	// UpdateOperationStatus sets the status of an operation only if its
	// current status is one of from. It returns false if the operation
	// exists but was in none of the from statuses.
	UpdateOperationStatus(ctx context.Context, id uuid.UUID, from []models.Status, to models.Status, at time.Time) (bool, error)
}

// ChallengeStore represents a storage backend for challenges.
type ChallengeStore interface {
	GetChallenge(ctx context.Context, id uuid.UUID) (models.Challenge, error)

	// CreateChallenge stores a new challenge. It fails with ErrActiveChallenge
	// if the operation already has a challenge that is active at c.CreatedAt.
	CreateChallenge(ctx context.Context, c models.Challenge) (models.Challenge, error)

	// UpdateChallenge updates the code and expiry of a challenge. The consumed
	// flag can be set but never cleared.
	UpdateChallenge(ctx context.Context, c models.Challenge) (models.Challenge, error)
	DeleteChallenge(ctx context.Context, id uuid.UUID) error
	ListChallenges(ctx context.Context, operationID uuid.UUID, p models.PageRequest) (models.Page[models.Challenge], error)

	// ActiveChallenge returns the newest unconsumed challenge of an operation
	// that expires strictly after now.
	ActiveChallenge(ctx context.Context, operationID uuid.UUID, now time.Time) (models.Challenge, error)

	// ConsumeChallenge atomically marks a challenge consumed if it belongs to
	// the operation, is unconsumed and expires strictly after now. It returns
	// false when any of those conditions did not hold.
	ConsumeChallenge(ctx context.Context, operationID, challengeID uuid.UUID, now time.Time) (bool, error)

	// Ping checks if the store is reachable.
	Ping(ctx context.Context) error
}

// AttemptStore stores code-entry attempts.
type AttemptStore interface {
	CreateAttempt(ctx context.Context, a models.Attempt) (models.Attempt, error)
	GetAttempt(ctx context.Context, id uuid.UUID) (models.Attempt, error)
	UpdateAttempt(ctx context.Context, a models.Attempt) (models.Attempt, error)
	DeleteAttempt(ctx context.Context, id uuid.UUID) error
	ListAttempts(ctx context.Context, challengeID uuid.UUID, p models.PageRequest) (models.Page[models.Attempt], error)
}

// AuditStore stores append-only audit entries.
type AuditStore interface {
	CreateAudit(ctx context.Context, e models.AuditEntry) (models.AuditEntry, error)
	GetAudit(ctx context.Context, id uuid.UUID) (models.AuditEntry, error)
	ListAudit(ctx context.Context, operationID uuid.UUID, p models.PageRequest) (models.Page[models.AuditEntry], error)
}

// HistoryStore stores operation status history.
type HistoryStore interface {
	CreateHistory(ctx context.Context, h models.HistoryEntry) (models.HistoryEntry, error)
	GetHistory(ctx context.Context, id uuid.UUID) (models.HistoryEntry, error)
	UpdateHistory(ctx context.Context, h models.HistoryEntry) (models.HistoryEntry, error)
	DeleteHistory(ctx context.Context, id uuid.UUID) error
	ListHistory(ctx context.Context, operationID uuid.UUID, p models.PageRequest) (models.Page[models.HistoryEntry], error)
}
