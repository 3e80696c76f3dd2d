package sql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"github.com/knadh/scagateway/internal/store"
	"github.com/knadh/scagateway/pkg/models"
	"github.com/uptrace/bun"
)

type operation struct {
	bun.BaseModel `bun:"table:sca_operations"`

	ID          uuid.UUID            `bun:"id,pk,type:varchar(36)"`
	ReferenceID string               `bun:"reference_id,notnull"`
	Type        models.OperationType `bun:"operation_type,notnull"`
	PartyID     string               `bun:"party_id,notnull"`
	Status      models.Status        `bun:"status,notnull"`
	CreatedAt   time.Time            `bun:"created_at,notnull"`
	ExpiresAt   time.Time            `bun:"expires_at,notnull"`
	UpdatedAt   time.Time            `bun:"updated_at,notnull"`
	CancelledAt *time.Time           `bun:"cancelled_at"`
}

func toOperationRow(o models.Operation) *operation {
	r := &operation{}
	copier.Copy(r, &o)
	r.CreatedAt = utc(r.CreatedAt)
	r.ExpiresAt = utc(r.ExpiresAt)
	r.UpdatedAt = utc(r.UpdatedAt)
	r.CancelledAt = utcPtr(r.CancelledAt)
	return r
}

func (r *operation) model() models.Operation {
	var o models.Operation
	copier.Copy(&o, r)
	return o
}

// GetOperation retrieves an operation by its ID.
func (s *SQL) GetOperation(ctx context.Context, id uuid.UUID) (models.Operation, error) {
	r := new(operation)
	if err := s.db.NewSelect().Model(r).Where("id = ?", id).Scan(ctx); err != nil {
		return models.Operation{}, fmt.Errorf("failed to get operation: %w", notExist(err))
	}
	return r.model(), nil
}

// CreateOperation inserts a new operation.
func (s *SQL) CreateOperation(ctx context.Context, o models.Operation) (models.Operation, error) {
	r := toOperationRow(o)
	if _, err := s.db.NewInsert().Model(r).Exec(ctx); err != nil {
		return o, fmt.Errorf("failed to create operation: %w", err)
	}
	return r.model(), nil
}

// UpdateOperation updates the mutable attributes of an operation. Status and
// creation time are left untouched.
func (s *SQL) UpdateOperation(ctx context.Context, o models.Operation) (models.Operation, error) {
	r := toOperationRow(o)
	res, err := s.db.NewUpdate().
		Model(r).
		Column("reference_id", "operation_type", "party_id", "expires_at", "updated_at", "cancelled_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return o, fmt.Errorf("failed to update operation: %w", err)
	}
	if err := checkAffected(res); err != nil {
		return o, fmt.Errorf("failed to update operation: %w", err)
	}
	return s.GetOperation(ctx, o.ID)
}

// DeleteOperation deletes an operation. Its challenges and records are kept.
func (s *SQL) DeleteOperation(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.NewDelete().
		Model((*operation)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete operation: %w", err)
	}
	if err := checkAffected(res); err != nil {
		return fmt.Errorf("failed to delete operation: %w", err)
	}
	return nil
}

// ListOperations returns a page of operations matching the filter, oldest first.
func (s *SQL) ListOperations(ctx context.Context, f models.OperationFilter, p models.PageRequest) (models.Page[models.Operation], error) {
	var rows []operation
	q := s.db.NewSelect().Model(&rows)
	if f.PartyID != "" {
		q = q.Where("party_id = ?", f.PartyID)
	}
	if f.ReferenceID != "" {
		q = q.Where("reference_id = ?", f.ReferenceID)
	}
	if f.Type != "" {
		q = q.Where("operation_type = ?", f.Type)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}

	total, err := q.Order("created_at ASC", "id ASC").
		Limit(p.PerPage).
		Offset(p.Offset()).
		ScanAndCount(ctx)
	if err != nil {
		return models.Page[models.Operation]{}, fmt.Errorf("failed to list operations: %w", err)
	}

	out := make([]models.Operation, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].model())
	}
	return newPage(out, total, p), nil
}

// UpdateOperationStatus sets the status of an operation in a single
// conditional UPDATE so that concurrent writers can't both move it.
func (s *SQL) UpdateOperationStatus(ctx context.Context, id uuid.UUID, from []models.Status, to models.Status, at time.Time) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("no source statuses given")
	}

	res, err := s.db.NewUpdate().
		Model((*operation)(nil)).
		Set("status = ?", to).
		Set("updated_at = ?", utc(at)).
		Where("id = ?", id).
		Where("status IN (?)", bun.In(from)).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to update operation status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to update operation status: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	// Nothing matched. Either the operation is gone or it's in another status.
	ok, err := s.exists(ctx, (*operation)(nil), id)
	if err != nil {
		return false, fmt.Errorf("failed to update operation status: %w", err)
	}
	if !ok {
		return false, fmt.Errorf("failed to update operation status: %w", store.ErrNotExist)
	}
	return false, nil
}
