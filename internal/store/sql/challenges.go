package sql

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"github.com/knadh/scagateway/internal/store"
	"github.com/knadh/scagateway/pkg/models"
	"github.com/uptrace/bun"
)

type challenge struct {
	bun.BaseModel `bun:"table:sca_challenges"`

	ID          uuid.UUID `bun:"id,pk,type:varchar(36)"`
	OperationID uuid.UUID `bun:"operation_id,notnull,type:varchar(36)"`
	Code        string    `bun:"code,notnull"`
	CreatedAt   time.Time `bun:"created_at,notnull"`
	ExpiresAt   time.Time `bun:"expires_at,notnull"`
	Consumed    bool      `bun:"consumed,notnull"`
}

func toChallengeRow(c models.Challenge) *challenge {
	r := &challenge{}
	copier.Copy(r, &c)
	r.CreatedAt = utc(r.CreatedAt)
	r.ExpiresAt = utc(r.ExpiresAt)
	return r
}

func (r *challenge) model() models.Challenge {
	var c models.Challenge
	copier.Copy(&c, r)
	return c
}

// GetChallenge retrieves a challenge by its ID.
func (s *SQL) GetChallenge(ctx context.Context, id uuid.UUID) (models.Challenge, error) {
	r := new(challenge)
	if err := s.db.NewSelect().Model(r).Where("id = ?", id).Scan(ctx); err != nil {
		return models.Challenge{}, fmt.Errorf("failed to get challenge: %w", notExist(err))
	}
	return r.model(), nil
}

// CreateChallenge inserts a challenge unless the operation already has an
// active one. The check and the insert run in one transaction. On postgres
// the parent operation row is locked so that concurrent issuances for the
// same operation are serialised.
func (s *SQL) CreateChallenge(ctx context.Context, c models.Challenge) (models.Challenge, error) {
	r := toChallengeRow(c)

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var opID uuid.UUID
		q := tx.NewSelect().
			Model((*operation)(nil)).
			Column("id").
			Where("id = ?", r.OperationID)
		if s.isPostgres() {
			q = q.For("UPDATE")
		}
		if err := q.Scan(ctx, &opID); err != nil {
			return notExist(err)
		}

		n, err := tx.NewSelect().
			Model((*challenge)(nil)).
			Where("operation_id = ?", r.OperationID).
			Where("consumed = ?", false).
			Where("expires_at > ?", r.CreatedAt).
			Count(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			return store.ErrActiveChallenge
		}

		_, err = tx.NewInsert().Model(r).Exec(ctx)
		return err
	})
	if err != nil {
		return c, fmt.Errorf("failed to create challenge: %w", err)
	}
	return r.model(), nil
}

// UpdateChallenge updates the code and expiry of a challenge. The consumed
// flag is OR-ed so it can never flip back to false.
func (s *SQL) UpdateChallenge(ctx context.Context, c models.Challenge) (models.Challenge, error) {
	res, err := s.db.NewUpdate().
		Model((*challenge)(nil)).
		Set("code = ?", c.Code).
		Set("expires_at = ?", utc(c.ExpiresAt)).
		Set("consumed = (consumed OR ?)", c.Consumed).
		Where("id = ?", c.ID).
		Exec(ctx)
	if err != nil {
		return c, fmt.Errorf("failed to update challenge: %w", err)
	}
	if err := checkAffected(res); err != nil {
		return c, fmt.Errorf("failed to update challenge: %w", err)
	}
	return s.GetChallenge(ctx, c.ID)
}

// DeleteChallenge deletes a challenge.
func (s *SQL) DeleteChallenge(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.NewDelete().
		Model((*challenge)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete challenge: %w", err)
	}
	if err := checkAffected(res); err != nil {
		return fmt.Errorf("failed to delete challenge: %w", err)
	}
	return nil
}

// ListChallenges returns a page of an operation's challenges, oldest first.
func (s *SQL) ListChallenges(ctx context.Context, operationID uuid.UUID, p models.PageRequest) (models.Page[models.Challenge], error) {
	var rows []challenge
	total, err := s.db.NewSelect().
		Model(&rows).
		Where("operation_id = ?", operationID).
		Order("created_at ASC", "id ASC").
		Limit(p.PerPage).
		Offset(p.Offset()).
		ScanAndCount(ctx)
	if err != nil {
		return models.Page[models.Challenge]{}, fmt.Errorf("failed to list challenges: %w", err)
	}

	out := make([]models.Challenge, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].model())
	}
	return newPage(out, total, p), nil
}

// ActiveChallenge returns the newest unconsumed, unexpired challenge of an
// operation. Ties on creation time are broken by the higher ID.
func (s *SQL) ActiveChallenge(ctx context.Context, operationID uuid.UUID, now time.Time) (models.Challenge, error) {
	r := new(challenge)
	err := s.db.NewSelect().
		Model(r).
		Where("operation_id = ?", operationID).
		Where("consumed = ?", false).
		Where("expires_at > ?", utc(now)).
		Order("created_at DESC", "id DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return models.Challenge{}, fmt.Errorf("failed to get active challenge: %w", notExist(err))
	}
	return r.model(), nil
}

// ConsumeChallenge marks a challenge consumed with a single conditional
// UPDATE. Only one of any number of concurrent callers can match the
// consumed = false predicate.
func (s *SQL) ConsumeChallenge(ctx context.Context, operationID, challengeID uuid.UUID, now time.Time) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*challenge)(nil)).
		Set("consumed = ?", true).
		Where("id = ?", challengeID).
		Where("operation_id = ?", operationID).
		Where("consumed = ?", false).
		Where("expires_at > ?", utc(now)).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to consume challenge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to consume challenge: %w", err)
	}
	return n == 1, nil
}
