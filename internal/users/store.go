package users

import (
	"context"
	"time"
)

// Store is the persistence contract for accounts and role-change entries.
// Reads outside a transaction exclude soft-deleted accounts unless noted and
// return auth.ErrNotFound when nothing matches.
type Store interface {
	FindByID(ctx context.Context, id int64) (Account, error)
	FindByEmail(ctx context.Context, email string) (Account, error)
	// FindIncludingDeleted also returns soft-deleted accounts.
	FindIncludingDeleted(ctx context.Context, id int64) (Account, error)
	List(ctx context.Context, sort SortKey) ([]Account, error)
	RoleChanges(ctx context.Context, userID int64) ([]RoleChange, error)

	// InTx runs fn in a serializable transaction. fn's error rolls back and is
	// returned unchanged; storage timeouts and exhausted retries surface as
	// auth.ErrTransient.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}

// Tx is the set of operations available inside InTx. Reads lock the rows they
// return until the transaction ends.
type Tx interface {
	// Get returns a non-deleted account.
	Get(ctx context.Context, id int64) (Account, error)
	// GetByEmail returns the non-deleted account registered under email.
	GetByEmail(ctx context.Context, email string) (Account, error)
	// LockActiveAdmins locks every enabled, non-deleted ADMIN account and
	// returns their ids in ascending order.
	LockActiveAdmins(ctx context.Context) ([]int64, error)
	EmailTaken(ctx context.Context, email string, exceptID int64) (bool, error)
	UsernameTaken(ctx context.Context, username string, exceptID int64) (bool, error)
	// Insert stores a new account and fills its ID and timestamps.
	Insert(ctx context.Context, a *Account) error
	// Update writes every mutable field of a in one step.
	Update(ctx context.Context, a Account, at time.Time) error
	AppendRoleChange(ctx context.Context, c RoleChange) error
}
