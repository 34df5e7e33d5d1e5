package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"shopfront.dev/internal/auth"
	"shopfront.dev/internal/users"
)

const accountColumns = `
	u.id, u.email, coalesce(u.username, ''), u.first_name, u.last_name, u.password_hash,
	u.enabled, u.deleted_at, u.created_at, u.updated_at`

const selectAccount = `
	select ` + accountColumns + `,
		coalesce((select string_agg(r.role, ',' order by r.role) from user_roles r where r.user_id = u.id), '')
	from users u`

var sortColumns = map[users.SortKey]string{
	users.SortByEmail:     "u.email",
	users.SortByFirstName: "u.first_name",
	users.SortByLastName:  "u.last_name",
	users.SortByUsername:  "u.username",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner, withRoles bool) (users.Account, error) {
	var (
		a       users.Account
		deleted sql.NullTime
		roles   string
	)
	dest := []any{
		&a.ID, &a.Email, &a.Username, &a.FirstName, &a.LastName, &a.PasswordHash,
		&a.Enabled, &deleted, &a.CreatedAt, &a.UpdatedAt,
	}
	if withRoles {
		dest = append(dest, &roles)
	}
	if err := row.Scan(dest...); err != nil {
		return users.Account{}, mapError(err)
	}
	if deleted.Valid {
		at := deleted.Time.UTC()
		a.DeletedAt = &at
	}
	if withRoles {
		rs, err := parseRoleList(roles)
		if err != nil {
			return users.Account{}, err
		}
		a.Roles = rs
	}
	return a, nil
}

func parseRoleList(s string) (auth.Roles, error) {
	if s == "" {
		return auth.Roles{}, nil
	}
	rs, err := auth.ParseRoles(strings.Split(s, ","))
	if err != nil {
		return nil, fmt.Errorf("stored roles %q: %w", s, err)
	}
	return rs, nil
}

func (s *Store) FindByID(ctx context.Context, id int64) (users.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	row := s.db.QueryRowContext(ctx, selectAccount+` where u.id = $1 and u.deleted_at is null`, id)
	return scanAccount(row, true)
}

func (s *Store) FindByEmail(ctx context.Context, email string) (users.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	row := s.db.QueryRowContext(ctx, selectAccount+` where lower(u.email) = lower($1) and u.deleted_at is null`, strings.TrimSpace(email))
	return scanAccount(row, true)
}

func (s *Store) FindIncludingDeleted(ctx context.Context, id int64) (users.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	row := s.db.QueryRowContext(ctx, selectAccount+` where u.id = $1`, id)
	return scanAccount(row, true)
}

func (s *Store) List(ctx context.Context, sort users.SortKey) ([]users.Account, error) {
	column, ok := sortColumns[sort]
	if !ok {
		column = sortColumns[users.SortByEmail]
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, selectAccount+` where u.deleted_at is null order by `+column+` nulls last, u.id`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []users.Account
	for rows.Next() {
		a, err := scanAccount(rows, true)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, mapError(rows.Err())
}

func (s *Store) RoleChanges(ctx context.Context, userID int64) ([]users.RoleChange, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, changed_by_user_id, role, action, changed_at, user_email, changed_by_email
		from role_change_logs
		where user_id = $1
		order by changed_at, id`, userID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []users.RoleChange
	for rows.Next() {
		var (
			c      users.RoleChange
			role   string
			action string
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.ChangedByUserID, &role, &action, &c.ChangedAt, &c.UserEmail, &c.ChangedByEmail); err != nil {
			return nil, mapError(err)
		}
		if c.Role, err = auth.ParseRole(role); err != nil {
			return nil, err
		}
		c.Action = users.RoleAction(action)
		c.ChangedAt = c.ChangedAt.UTC()
		out = append(out, c)
	}
	return out, mapError(rows.Err())
}

// pgTx implements users.Tx. Every read takes row locks.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Get(ctx context.Context, id int64) (users.Account, error) {
	row := t.tx.QueryRowContext(ctx, `select `+accountColumns+`
		from users u
		where u.id = $1 and u.deleted_at is null
		for update`, id)
	a, err := scanAccount(row, false)
	if err != nil {
		return users.Account{}, err
	}
	if a.Roles, err = t.roles(ctx, id); err != nil {
		return users.Account{}, err
	}
	return a, nil
}

func (t *pgTx) GetByEmail(ctx context.Context, email string) (users.Account, error) {
	row := t.tx.QueryRowContext(ctx, `select `+accountColumns+`
		from users u
		where lower(u.email) = lower($1) and u.deleted_at is null
		for update`, strings.TrimSpace(email))
	a, err := scanAccount(row, false)
	if err != nil {
		return users.Account{}, err
	}
	if a.Roles, err = t.roles(ctx, a.ID); err != nil {
		return users.Account{}, err
	}
	return a, nil
}

func (t *pgTx) roles(ctx context.Context, id int64) (auth.Roles, error) {
	rows, err := t.tx.QueryContext(ctx, `select role from user_roles where user_id = $1 order by role`, id)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, mapError(err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return auth.ParseRoles(names)
}

func (t *pgTx) LockActiveAdmins(ctx context.Context) ([]int64, error) {
	rows, err := t.tx.QueryContext(ctx, `
		select u.id
		from users u
		where u.deleted_at is null
		  and u.enabled
		  and exists (select 1 from user_roles r where r.user_id = u.id and r.role = 'ADMIN')
		order by u.id
		for update of u`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, mapError(err)
		}
		ids = append(ids, id)
	}
	return ids, mapError(rows.Err())
}

func (t *pgTx) EmailTaken(ctx context.Context, email string, exceptID int64) (bool, error) {
	var taken bool
	err := t.tx.QueryRowContext(ctx, `
		select exists (
			select 1 from users
			where lower(email) = lower($1) and deleted_at is null and id <> $2
		)`, email, exceptID).Scan(&taken)
	return taken, mapError(err)
}

func (t *pgTx) UsernameTaken(ctx context.Context, username string, exceptID int64) (bool, error) {
	var taken bool
	err := t.tx.QueryRowContext(ctx, `
		select exists (
			select 1 from users
			where lower(username) = lower($1) and deleted_at is null and id <> $2
		)`, username, exceptID).Scan(&taken)
	return taken, mapError(err)
}

func (t *pgTx) Insert(ctx context.Context, a *users.Account) error {
	err := t.tx.QueryRowContext(ctx, `
		insert into users (email, username, first_name, last_name, password_hash, enabled)
		values ($1, $2, $3, $4, $5, $6)
		returning id, created_at, updated_at`,
		a.Email, nullIfEmpty(a.Username), a.FirstName, a.LastName, a.PasswordHash, a.Enabled,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return mapError(err)
	}
	return t.writeRoles(ctx, a.ID, a.Roles)
}

func (t *pgTx) Update(ctx context.Context, a users.Account, at time.Time) error {
	var deleted any
	if a.DeletedAt != nil {
		deleted = *a.DeletedAt
	}
	res, err := t.tx.ExecContext(ctx, `
		update users
		set email = $2, username = $3, first_name = $4, last_name = $5,
		    password_hash = $6, enabled = $7, deleted_at = $8, updated_at = $9
		where id = $1`,
		a.ID, a.Email, nullIfEmpty(a.Username), a.FirstName, a.LastName,
		a.PasswordHash, a.Enabled, deleted, at,
	)
	if err != nil {
		return mapError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: user %d", auth.ErrNotFound, a.ID)
	}
	if _, err := t.tx.ExecContext(ctx, `delete from user_roles where user_id = $1`, a.ID); err != nil {
		return mapError(err)
	}
	return t.writeRoles(ctx, a.ID, a.Roles)
}

func (t *pgTx) writeRoles(ctx context.Context, id int64, roles auth.Roles) error {
	for _, r := range roles {
		if _, err := t.tx.ExecContext(ctx, `insert into user_roles (user_id, role) values ($1, $2)`, id, r.String()); err != nil {
			return mapError(err)
		}
	}
	return nil
}

func (t *pgTx) AppendRoleChange(ctx context.Context, c users.RoleChange) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into role_change_logs
			(id, user_id, changed_by_user_id, role, action, changed_at, user_email, changed_by_email)
		values ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.UserID, c.ChangedByUserID, c.Role.String(), string(c.Action), c.ChangedAt, c.UserEmail, c.ChangedByEmail,
	)
	return mapError(err)
}
