// Package sql implements the operation, challenge and record stores on a
// relational database through bun. sqlite is used for development and tests,
// postgres (via pgx) in production.
package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/knadh/scagateway/internal/store"
	"github.com/knadh/scagateway/pkg/models"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/schema"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Conf contains the database configuration fields.
type Conf struct {
	Driver       string `json:"driver"`
	DSN          string `json:"dsn"`
	MaxOpenConns int    `json:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns"`
}

// SQL implements the store interfaces on a bun database.
type SQL struct {
	db *bun.DB
}

// New opens the database described by the config. It does not create
// the schema; see Install.
func New(c Conf) (*SQL, error) {
	var (
		sqldb *sql.DB
		dia   schema.Dialect
		err   error
	)
	switch c.Driver {
	case "", DriverSQLite:
		if c.DSN == "" {
			c.DSN = "file:scagateway.db?cache=shared"
		}
		sqldb, err = sql.Open(sqliteshim.ShimName, c.DSN)
		dia = sqlitedialect.New()
	case DriverPostgres:
		sqldb, err = sql.Open("pgx", c.DSN)
		dia = pgdialect.New()
	default:
		return nil, fmt.Errorf("unknown database driver '%s'", c.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if c.MaxOpenConns > 0 {
		sqldb.SetMaxOpenConns(c.MaxOpenConns)
	}
	if c.MaxIdleConns > 0 {
		sqldb.SetMaxIdleConns(c.MaxIdleConns)
	}

	return &SQL{db: bun.NewDB(sqldb, dia)}, nil
}

// Install creates the tables and indexes if they don't exist.
func (s *SQL) Install(ctx context.Context) error {
	for _, m := range []interface{}{
		(*operation)(nil),
		(*challenge)(nil),
		(*attempt)(nil),
		(*audit)(nil),
		(*history)(nil),
	} {
		if _, err := s.db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("error creating table: %w", err)
		}
	}

	idx := []struct {
		model   interface{}
		name    string
		columns []string
	}{
		{(*operation)(nil), "idx_sca_operations_party", []string{"party_id"}},
		{(*operation)(nil), "idx_sca_operations_reference", []string{"reference_id"}},
		{(*challenge)(nil), "idx_sca_challenges_active", []string{"operation_id", "consumed", "expires_at"}},
		{(*attempt)(nil), "idx_sca_attempts_challenge", []string{"challenge_id"}},
		{(*audit)(nil), "idx_sca_audit_operation", []string{"operation_id"}},
		{(*history)(nil), "idx_sca_history_operation", []string{"operation_id"}},
	}
	for _, i := range idx {
		_, err := s.db.NewCreateIndex().
			Model(i.model).
			Index(i.name).
			Column(i.columns...).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("error creating index %s: %w", i.name, err)
		}
	}
	return nil
}

// Ping checks if the database is reachable.
func (s *SQL) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQL) Close() error {
	return s.db.Close()
}

// isPostgres tells if row locks (SELECT ... FOR UPDATE) are available.
func (s *SQL) isPostgres() bool {
	return s.db.Dialect().Name() == dialect.PG
}

// exists checks whether a row with the given ID exists in the model's table.
func (s *SQL) exists(ctx context.Context, model interface{}, id uuid.UUID) (bool, error) {
	return s.db.NewSelect().Model(model).Where("id = ?", id).Exists(ctx)
}

// notExist translates sql.ErrNoRows to store.ErrNotExist.
func notExist(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotExist
	}
	return err
}

// checkAffected returns store.ErrNotExist if the query touched no rows.
func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotExist
	}
	return nil
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func newPage[T any](res []T, total int, p models.PageRequest) models.Page[T] {
	if res == nil {
		res = []T{}
	}
	return models.Page[T]{
		Results: res,
		Total:   total,
		Page:    p.Page,
		PerPage: p.PerPage,
	}
}
