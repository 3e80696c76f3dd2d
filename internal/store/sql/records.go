package sql

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"github.com/knadh/scagateway/pkg/models"
	"github.com/uptrace/bun"
)

type attempt struct {
	bun.BaseModel `bun:"table:sca_attempts"`

	ID          uuid.UUID `bun:"id,pk,type:varchar(36)"`
	ChallengeID uuid.UUID `bun:"challenge_id,notnull,type:varchar(36)"`
	Value       string    `bun:"attempt_value,notnull"`
	AttemptedAt time.Time `bun:"attempted_at,notnull"`
	Success     bool      `bun:"success,notnull"`
	Origin      string    `bun:"origin,notnull"`
}

type audit struct {
	bun.BaseModel `bun:"table:sca_audit"`

	ID          uuid.UUID        `bun:"id,pk,type:varchar(36)"`
	OperationID uuid.UUID        `bun:"operation_id,notnull,type:varchar(36)"`
	ChallengeID *uuid.UUID       `bun:"challenge_id,type:varchar(36)"`
	PartyID     string           `bun:"party_id,notnull"`
	EventType   models.EventType `bun:"event_type,notnull"`
	EventTime   time.Time        `bun:"event_time,notnull"`
	Details     string           `bun:"details,notnull"`
}

type history struct {
	bun.BaseModel `bun:"table:sca_operation_history"`

	ID          uuid.UUID     `bun:"id,pk,type:varchar(36)"`
	OperationID uuid.UUID     `bun:"operation_id,notnull,type:varchar(36)"`
	FromStatus  models.Status `bun:"from_status,notnull"`
	ToStatus    models.Status `bun:"to_status,notnull"`
	ChangedAt   time.Time     `bun:"changed_at,notnull"`
	Reason      string        `bun:"reason,notnull"`
}

// CreateAttempt appends an attempt.
func (s *SQL) CreateAttempt(ctx context.Context, a models.Attempt) (models.Attempt, error) {
	r := &attempt{}
	copier.Copy(r, &a)
	r.AttemptedAt = utc(r.AttemptedAt)
	if _, err := s.db.NewInsert().Model(r).Exec(ctx); err != nil {
		return a, fmt.Errorf("failed to create attempt: %w", err)
	}
	copier.Copy(&a, r)
	return a, nil
}

// GetAttempt retrieves an attempt by its ID.
func (s *SQL) GetAttempt(ctx context.Context, id uuid.UUID) (models.Attempt, error) {
	var (
		r   = new(attempt)
		out models.Attempt
	)
	if err := s.db.NewSelect().Model(r).Where("id = ?", id).Scan(ctx); err != nil {
		return out, fmt.Errorf("failed to get attempt: %w", notExist(err))
	}
	copier.Copy(&out, r)
	return out, nil
}

// UpdateAttempt corrects a recorded attempt.
func (s *SQL) UpdateAttempt(ctx context.Context, a models.Attempt) (models.Attempt, error) {
	r := &attempt{}
	copier.Copy(r, &a)
	r.AttemptedAt = utc(r.AttemptedAt)
	res, err := s.db.NewUpdate().
		Model(r).
		Column("attempt_value", "attempted_at", "success", "origin").
		WherePK().
		Exec(ctx)
	if err != nil {
		return a, fmt.Errorf("failed to update attempt: %w", err)
	}
	if err := checkAffected(res); err != nil {
		return a, fmt.Errorf("failed to update attempt: %w", err)
	}
	return s.GetAttempt(ctx, a.ID)
}

// DeleteAttempt deletes an attempt.
func (s *SQL) DeleteAttempt(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.NewDelete().Model((*attempt)(nil)).Where("id = ?", id).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete attempt: %w", err)
	}
	if err := checkAffected(res); err != nil {
		return fmt.Errorf("failed to delete attempt: %w", err)
	}
	return nil
}

// ListAttempts returns a page of a challenge's attempts, oldest first.
func (s *SQL) ListAttempts(ctx context.Context, challengeID uuid.UUID, p models.PageRequest) (models.Page[models.Attempt], error) {
	var rows []attempt
	total, err := s.db.NewSelect().
		Model(&rows).
		Where("challenge_id = ?", challengeID).
		Order("attempted_at ASC", "id ASC").
		Limit(p.PerPage).
		Offset(p.Offset()).
		ScanAndCount(ctx)
	if err != nil {
		return models.Page[models.Attempt]{}, fmt.Errorf("failed to list attempts: %w", err)
	}

	out := []models.Attempt{}
	copier.Copy(&out, &rows)
	return newPage(out, total, p), nil
}

// CreateAudit appends an audit entry. Audit entries are never updated.
func (s *SQL) CreateAudit(ctx context.Context, e models.AuditEntry) (models.AuditEntry, error) {
	r := &audit{}
	copier.Copy(r, &e)
	r.EventTime = utc(r.EventTime)
	if _, err := s.db.NewInsert().Model(r).Exec(ctx); err != nil {
		return e, fmt.Errorf("failed to create audit entry: %w", err)
	}
	copier.Copy(&e, r)
	return e, nil
}

// GetAudit retrieves an audit entry by its ID.
func (s *SQL) GetAudit(ctx context.Context, id uuid.UUID) (models.AuditEntry, error) {
	var (
		r   = new(audit)
		out models.AuditEntry
	)
	if err := s.db.NewSelect().Model(r).Where("id = ?", id).Scan(ctx); err != nil {
		return out, fmt.Errorf("failed to get audit entry: %w", notExist(err))
	}
	copier.Copy(&out, r)
	return out, nil
}

// ListAudit returns a page of an operation's audit trail in event order.
func (s *SQL) ListAudit(ctx context.Context, operationID uuid.UUID, p models.PageRequest) (models.Page[models.AuditEntry], error) {
	var rows []audit
	total, err := s.db.NewSelect().
		Model(&rows).
		Where("operation_id = ?", operationID).
		Order("event_time ASC", "id ASC").
		Limit(p.PerPage).
		Offset(p.Offset()).
		ScanAndCount(ctx)
	if err != nil {
		return models.Page[models.AuditEntry]{}, fmt.Errorf("failed to list audit entries: %w", err)
	}

	out := []models.AuditEntry{}
	copier.Copy(&out, &rows)
	return newPage(out, total, p), nil
}

// CreateHistory appends a status history entry.
func (s *SQL) CreateHistory(ctx context.Context, h models.HistoryEntry) (models.HistoryEntry, error) {
	r := &history{}
	copier.Copy(r, &h)
	r.ChangedAt = utc(r.ChangedAt)
	if _, err := s.db.NewInsert().Model(r).Exec(ctx); err != nil {
		return h, fmt.Errorf("failed to create history entry: %w", err)
	}
	copier.Copy(&h, r)
	return h, nil
}

// GetHistory retrieves a history entry by its ID.
func (s *SQL) GetHistory(ctx context.Context, id uuid.UUID) (models.HistoryEntry, error) {
	var (
		r   = new(history)
		out models.HistoryEntry
	)
	if err := s.db.NewSelect().Model(r).Where("id = ?", id).Scan(ctx); err != nil {
		return out, fmt.Errorf("failed to get history entry: %w", notExist(err))
	}
	copier.Copy(&out, r)
	return out, nil
}

// UpdateHistory updates a history entry.
func (s *SQL) UpdateHistory(ctx context.Context, h models.HistoryEntry) (models.HistoryEntry, error) {
	r := &history{}
	copier.Copy(r, &h)
	r.ChangedAt = utc(r.ChangedAt)
	res, err := s.db.NewUpdate().
		Model(r).
		Column("from_status", "to_status", "changed_at", "reason").
		WherePK().
		Exec(ctx)
	if err != nil {
		return h, fmt.Errorf("failed to update history entry: %w", err)
	}
	if err := checkAffected(res); err != nil {
		return h, fmt.Errorf("failed to update history entry: %w", err)
	}
	return s.GetHistory(ctx, h.ID)
}

// DeleteHistory deletes a history entry.
func (s *SQL) DeleteHistory(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.NewDelete().Model((*history)(nil)).Where("id = ?", id).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete history entry: %w", err)
	}
	if err := checkAffected(res); err != nil {
		return fmt.Errorf("failed to delete history entry: %w", err)
	}
	return nil
}

// ListHistory returns a page of an operation's status history, oldest first.
func (s *SQL) ListHistory(ctx context.Context, operationID uuid.UUID, p models.PageRequest) (models.Page[models.HistoryEntry], error) {
	var rows []history
	total, err := s.db.NewSelect().
		Model(&rows).
		Where("operation_id = ?", operationID).
		Order("changed_at ASC", "id ASC").
		Limit(p.PerPage).
		Offset(p.Offset()).
		ScanAndCount(ctx)
	if err != nil {
		return models.Page[models.HistoryEntry]{}, fmt.Errorf("failed to list history: %w", err)
	}

	out := []models.HistoryEntry{}
	copier.Copy(&out, &rows)
	return newPage(out, total, p), nil
}
