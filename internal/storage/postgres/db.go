// Package postgres provides Postgres-backed implementations of the harvest stores.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
)

// uniqueViolation is the SQLSTATE for duplicate keys.
const uniqueViolation = "23505"

// DB is the subset of pgxpool.Pool used by the stores; pgxmock pools satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Open connects a pool and verifies it with a ping.
func Open(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Stores bundles every store over one pool.
type Stores struct {
	Tasks     *TaskStore
	Sessions  *SessionStore
	Accounts  *AccountStore
	Targets   *TargetStore
	Quality   *QualityStore
	Cooldowns *CooldownStore

	db DB
}

// NewStores builds all stores on db.
func NewStores(db DB) *Stores {
	return &Stores{
		Tasks:     NewTaskStore(db),
		Sessions:  NewSessionStore(db),
		Accounts:  NewAccountStore(db),
		Targets:   NewTargetStore(db),
		Quality:   NewQualityStore(db),
		Cooldowns: NewCooldownStore(db),
		db:        db,
	}
}

// Ping checks that the database is reachable.
func (s *Stores) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close releases the pool.
func (s *Stores) Close() {
	s.db.Close()
}

// notFound maps pgx.ErrNoRows onto harvest.ErrNotFound.
func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, harvest.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// inTx runs fn in a transaction, committing on success.
func inTx(ctx context.Context, db DB, fn func(pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// textArray guarantees a non-NULL array argument so "= ANY($n)" stays boolean.
func textArray(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

var (
	_ harvest.TaskStore     = (*TaskStore)(nil)
	_ harvest.SessionStore  = (*SessionStore)(nil)
	_ harvest.AccountStore  = (*AccountStore)(nil)
	_ harvest.TargetStore   = (*TargetStore)(nil)
	_ harvest.QualityStore  = (*QualityStore)(nil)
	_ harvest.CooldownStore = (*CooldownStore)(nil)
)
