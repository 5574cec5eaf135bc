package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// DBPool abstracts pgxpool.Pool to allow mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var (
	// ErrStateNotFound is returned when no agent state exists for a
	// request. Callers treat this as a non-fatal no-op in the feedback
	// path.
	ErrStateNotFound = errors.New("agent state not found")
	// ErrDuplicateState is returned when a second state is created for
	// the same request.
	ErrDuplicateState = errors.New("agent state already exists for request")
	// ErrCandidateHeld is returned when a reservation loses the
	// compare-and-set race against a live hold.
	ErrCandidateHeld = errors.New("candidate already held")
	// ErrCandidateNotFound is returned when the reservation target does
	// not exist.
	ErrCandidateNotFound = errors.New("candidate not found")
	// ErrRequestNotFound is returned when a request id is unknown.
	ErrRequestNotFound = errors.New("request not found")
)

//go:embed schema.sql
var schemaSQL string

// Store provides the PostgreSQL implementation of the state, candidate
// pool, and request read interfaces.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique
// constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
