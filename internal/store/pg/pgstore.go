package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"shopfront.dev/internal/auth"
	"shopfront.dev/internal/obs"
	"shopfront.dev/internal/users"
)

const (
	pgErrUniqueViolation      = "23505"
	pgErrSerializationFailure = "40001"
	pgErrDeadlockDetected     = "40P01"

	defaultTimeout = 5 * time.Second
	defaultRetries = 3
)

// Store is the PostgreSQL implementation of users.Store.
type Store struct {
	db      *sql.DB
	timeout time.Duration
	retries int
}

var _ users.Store = (*Store)(nil)

// Option configures Store behavior.
type Option func(*Store)

// WithTimeout bounds every storage call, including whole transactions.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithRetries sets how many times a transaction is retried after a
// serialization failure or deadlock.
func WithRetries(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.retries = n
		}
	}
}

// Open connects via the pgx stdlib driver and verifies the connection.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := New(db, opts...)
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, timeout: defaultTimeout, retries: defaultRetries}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return mapError(s.db.PingContext(ctx))
}

// InTx runs fn inside a serializable transaction, retrying on serialization
// failures and deadlocks. Errors returned by fn abort without retry.
func (s *Store) InTx(ctx context.Context, fn func(tx users.Tx) error) error {
	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !retryable(err) {
			break
		}
		obs.Warn(ctx, "transaction retry", map[string]any{"attempt": attempt + 1, "err": err})
	}
	if retryable(err) {
		return fmt.Errorf("%w: %v", auth.ErrTransient, err)
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(tx users.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return mapError(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return mapError(tx.Commit())
}

func retryable(err error) bool {
	pgErr, ok := maybePgError(err)
	if !ok {
		return false
	}
	return pgErr.Code == pgErrSerializationFailure || pgErr.Code == pgErrDeadlockDetected
}

// mapError translates driver errors into the shared sentinels. Serialization
// failures are passed through so InTx can retry them.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return auth.ErrNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", auth.ErrTransient, err)
	}
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return fmt.Errorf("%w: %s", auth.ErrDuplicateResource, pgErr.ConstraintName)
	}
	return err
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
