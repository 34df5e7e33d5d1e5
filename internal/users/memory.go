package users

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"shopfront.dev/internal/auth"
)

// MemoryStore keeps accounts in process memory. Transactions are serialized
// behind a single lock and roll back by restoring a snapshot.
type MemoryStore struct {
	mu       sync.RWMutex
	txMu     sync.Mutex
	accounts map[int64]Account
	changes  []RoleChange
	nextID   int64
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[int64]Account),
		nextID:   1,
		now:      time.Now,
	}
}

func (s *MemoryStore) FindByID(_ context.Context, id int64) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok || a.DeletedAt != nil {
		return Account{}, fmt.Errorf("%w: user %d", auth.ErrNotFound, id)
	}
	return a.clone(), nil
}

func (s *MemoryStore) FindByEmail(_ context.Context, email string) (Account, error) {
	email = normalizeEmail(email)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if a.DeletedAt == nil && a.Email == email {
			return a.clone(), nil
		}
	}
	return Account{}, fmt.Errorf("%w: user %s", auth.ErrNotFound, email)
}

func (s *MemoryStore) FindIncludingDeleted(_ context.Context, id int64) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return Account{}, fmt.Errorf("%w: user %d", auth.ErrNotFound, id)
	}
	return a.clone(), nil
}

func (s *MemoryStore) List(_ context.Context, sort SortKey) ([]Account, error) {
	s.mu.RLock()
	out := make([]Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		if a.DeletedAt == nil {
			out = append(out, a.clone())
		}
	}
	s.mu.RUnlock()

	key := func(a Account) string {
		switch sort {
		case SortByFirstName:
			return a.FirstName
		case SortByLastName:
			return a.LastName
		case SortByUsername:
			return a.Username
		}
		return a.Email
	}
	slices.SortStableFunc(out, func(a, b Account) int {
		if c := strings.Compare(key(a), key(b)); c != 0 {
			return c
		}
		return int(a.ID - b.ID)
	})
	return out, nil
}

func (s *MemoryStore) RoleChanges(_ context.Context, userID int64) ([]RoleChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RoleChange
	for _, c := range s.changes {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

// AllRoleChanges returns every audit entry in insertion order.
func (s *MemoryStore) AllRoleChanges() []RoleChange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.changes)
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", auth.ErrTransient, err)
	}

	s.mu.RLock()
	tx := &memoryTx{
		store:    s,
		accounts: make(map[int64]Account, len(s.accounts)),
		nextID:   s.nextID,
	}
	for id, a := range s.accounts {
		tx.accounts[id] = a.clone()
	}
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	s.accounts = tx.accounts
	s.nextID = tx.nextID
	s.changes = append(s.changes, tx.changes...)
	s.mu.Unlock()
	return nil
}

// memoryTx works on a private copy of the account map that is swapped in on commit.
type memoryTx struct {
	store    *MemoryStore
	accounts map[int64]Account
	changes  []RoleChange
	nextID   int64
}

func (t *memoryTx) Get(_ context.Context, id int64) (Account, error) {
	a, ok := t.accounts[id]
	if !ok || a.DeletedAt != nil {
		return Account{}, fmt.Errorf("%w: user %d", auth.ErrNotFound, id)
	}
	return a.clone(), nil
}

func (t *memoryTx) GetByEmail(_ context.Context, email string) (Account, error) {
	email = normalizeEmail(email)
	for _, a := range t.accounts {
		if a.DeletedAt == nil && a.Email == email {
			return a.clone(), nil
		}
	}
	return Account{}, fmt.Errorf("%w: user %s", auth.ErrNotFound, email)
}

func (t *memoryTx) LockActiveAdmins(context.Context) ([]int64, error) {
	var ids []int64
	for id, a := range t.accounts {
		if a.IsActiveAdmin() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (t *memoryTx) EmailTaken(_ context.Context, email string, exceptID int64) (bool, error) {
	email = normalizeEmail(email)
	for id, a := range t.accounts {
		if id != exceptID && a.DeletedAt == nil && a.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) UsernameTaken(_ context.Context, username string, exceptID int64) (bool, error) {
	for id, a := range t.accounts {
		if id != exceptID && a.DeletedAt == nil && a.Username != "" && strings.EqualFold(a.Username, username) {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) Insert(_ context.Context, a *Account) error {
	now := t.store.now().UTC()
	a.ID = t.nextID
	t.nextID++
	a.CreatedAt = now
	a.UpdatedAt = now
	t.accounts[a.ID] = a.clone()
	return nil
}

func (t *memoryTx) Update(_ context.Context, a Account, at time.Time) error {
	if _, ok := t.accounts[a.ID]; !ok {
		return fmt.Errorf("%w: user %d", auth.ErrNotFound, a.ID)
	}
	a.UpdatedAt = at.UTC()
	t.accounts[a.ID] = a.clone()
	return nil
}

func (t *memoryTx) AppendRoleChange(_ context.Context, c RoleChange) error {
	t.changes = append(t.changes, c)
	return nil
}
