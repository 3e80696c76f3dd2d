package sca

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/knadh/scagateway/internal/store"
	"github.com/knadh/scagateway/pkg/models"
	"github.com/zerodha/logf"
)

// ManagerOpts holds the lifecycle manager's tunables.
type ManagerOpts struct {
	// OperationTTL is the validity of an operation created without an expiry.
	OperationTTL time.Duration

	// AllowRetrigger lets trigger move VERIFIED and FAILED operations back to PENDING.
	AllowRetrigger bool

	Clock Clock
}

// Manager drives operations through their lifecycle. It is the only writer
// of operation statuses.
type Manager struct {
	ops    store.OperationStore
	engine *Engine
	rec    Recorder
	lo     logf.Logger
	opts   ManagerOpts
}

// NewManager returns a new lifecycle manager.
func NewManager(ops store.OperationStore, engine *Engine, rec Recorder, lo logf.Logger, o ManagerOpts) *Manager {
	if o.OperationTTL <= 0 {
		o.OperationTTL = 15 * time.Minute
	}
	if o.Clock == nil {
		o.Clock = systemClock
	}
	if rec == nil {
		rec = NopRecorder{}
	}

	return &Manager{
		ops:    ops,
		engine: engine,
		rec:    rec,
		lo:     lo,
		opts:   o,
	}
}

// Create creates an operation in the CREATED status.
func (m *Manager) Create(ctx context.Context, in models.Operation) (models.Operation, error) {
	if !in.Type.Valid() {
		return in, fmt.Errorf("%w: unknown operation type '%s'", ErrInvalidInput, in.Type)
	}
	if in.PartyID == "" {
		return in, fmt.Errorf("%w: party_id is empty", ErrInvalidInput)
	}

	now := m.opts.Clock()
	if in.ExpiresAt.IsZero() {
		in.ExpiresAt = now.Add(m.opts.OperationTTL)
	}

	op, err := m.ops.CreateOperation(ctx, models.Operation{
		ID:          uuid.New(),
		ReferenceID: in.ReferenceID,
		Type:        in.Type,
		PartyID:     in.PartyID,
		Status:      models.StatusCreated,
		CreatedAt:   now,
		ExpiresAt:   in.ExpiresAt,
		UpdatedAt:   now,
		CancelledAt: in.CancelledAt,
	})
	if err != nil {
		return op, err
	}

	m.recordHistory(ctx, op.ID, "", models.StatusCreated, "created", now)
	m.recordAudit(ctx, op, models.EventCreated, "operation created", now)
	return op, nil
}

// Get returns an operation.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (models.Operation, error) {
	return m.ops.GetOperation(ctx, id)
}

// Update updates the attributes of an operation. Zero fields are left as
// they are. The status can't be changed here; see Trigger and Validate.
func (m *Manager) Update(ctx context.Context, id uuid.UUID, in models.Operation) (models.Operation, error) {
	op, err := m.ops.GetOperation(ctx, id)
	if err != nil {
		return op, err
	}

	if in.Type != "" {
		if !in.Type.Valid() {
			return op, fmt.Errorf("%w: unknown operation type '%s'", ErrInvalidInput, in.Type)
		}
		op.Type = in.Type
	}
	if in.ReferenceID != "" {
		op.ReferenceID = in.ReferenceID
	}
	if in.PartyID != "" {
		op.PartyID = in.PartyID
	}
	if !in.ExpiresAt.IsZero() {
		op.ExpiresAt = in.ExpiresAt
	}
	if in.CancelledAt != nil {
		op.CancelledAt = in.CancelledAt
	}
	op.UpdatedAt = m.opts.Clock()

	return m.ops.UpdateOperation(ctx, op)
}

// Delete deletes an operation.
func (m *Manager) Delete(ctx context.Context, id uuid.UUID) error {
	return m.ops.DeleteOperation(ctx, id)
}

// List returns a page of operations matching the filter.
func (m *Manager) List(ctx context.Context, f models.OperationFilter, p models.PageRequest) (models.Page[models.Operation], error) {
	if f.Type != "" && !f.Type.Valid() {
		return models.Page[models.Operation]{}, fmt.Errorf("%w: unknown operation type '%s'", ErrInvalidInput, f.Type)
	}
	if f.Status != "" && !f.Status.Valid() {
		return models.Page[models.Operation]{}, fmt.Errorf("%w: unknown status '%s'", ErrInvalidInput, f.Status)
	}
	return m.ops.ListOperations(ctx, f, normalizePage(p))
}

// Trigger moves an operation to PENDING so that it can be validated.
func (m *Manager) Trigger(ctx context.Context, id uuid.UUID) error {
	op, err := m.ops.GetOperation(ctx, id)
	if err != nil {
		return err
	}

	to, ok := Transition(op.Status, EvTrigger, m.opts.AllowRetrigger)
	if !ok {
		return fmt.Errorf("%w: can't trigger an operation in status %s", ErrInvalidState, op.Status)
	}

	now := m.opts.Clock()
	ok, err = m.ops.UpdateOperationStatus(ctx, id, Sources(EvTrigger, m.opts.AllowRetrigger), to, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: operation status changed concurrently", ErrInvalidState)
	}

	m.recordHistory(ctx, id, op.Status, to, "triggered", now)
	m.recordAudit(ctx, op, models.EventTriggered, "authentication triggered", now)
	return nil
}

// Validate validates a user-supplied code against the operation's active
// challenge and moves the operation to VERIFIED or FAILED accordingly.
//
// Operations that are not PENDING are rejected without touching any
// challenge. A PENDING operation without an active challenge fails closed and
// keeps its status. Any rejected code fails the operation; there is no retry
// budget, a new operation has to be started.
//
// The status write is conditional on the operation still being PENDING. If a
// concurrent validation got there first, a rejected code gets the state-gate
// result and a right code gets "Challenge already used", so at most one
// caller ever sees a successful validation.
func (m *Manager) Validate(ctx context.Context, id uuid.UUID, code string) (models.ValidationResult, error) {
	op, err := m.ops.GetOperation(ctx, id)
	if err != nil {
		return models.ValidationResult{}, err
	}

	if op.Status != models.StatusPending {
		return resInvalidState, nil
	}

	c, err := m.engine.FindActiveChallenge(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNoActiveChallenge) {
			return resNoActive, nil
		}
		return models.ValidationResult{}, err
	}

	res, err := m.engine.ValidateChallenge(ctx, id, c.ID, code)
	if err != nil {
		return models.ValidationResult{}, err
	}

	// The challenge was unconsumed when it was selected, so it was consumed
	// by a concurrent validation in between. That one concludes the operation.
	if res == resUsed {
		return res, nil
	}

	to, _ := Transition(models.StatusPending, outcomeEvent(res), m.opts.AllowRetrigger)
	now := m.opts.Clock()
	ok, err := m.ops.UpdateOperationStatus(ctx, id, []models.Status{models.StatusPending}, to, now)
	if err != nil {
		return models.ValidationResult{}, err
	}
	if !ok {
		m.lo.Warn("operation concluded by a concurrent validation",
			"operation_id", id, "challenge_id", c.ID, "result", res.Message)

		// The code was right but the challenge is now spent on an operation
		// that has already been concluded.
		if res.Success {
			return resUsed, nil
		}
		return resInvalidState, nil
	}

	typ := models.EventFailed
	if res.Success {
		typ = models.EventVerified
	}
	m.recordHistory(ctx, id, models.StatusPending, to, res.Message, now)
	m.recordAudit(ctx, op, typ, res.Message, now)
	return res, nil
}

func (m *Manager) recordHistory(ctx context.Context, id uuid.UUID, from, to models.Status, reason string, now time.Time) {
	m.rec.RecordHistory(ctx, models.HistoryEntry{
		ID:          uuid.New(),
		OperationID: id,
		FromStatus:  from,
		ToStatus:    to,
		ChangedAt:   now,
		Reason:      reason,
	})
}

func (m *Manager) recordAudit(ctx context.Context, op models.Operation, typ models.EventType, details string, now time.Time) {
	party := CallerFrom(ctx).Party
	if party == "" {
		party = op.PartyID
	}
	m.rec.RecordAudit(ctx, models.AuditEntry{
		ID:          uuid.New(),
		OperationID: op.ID,
		PartyID:     party,
		EventType:   typ,
		EventTime:   now,
		Details:     details,
	})
}
