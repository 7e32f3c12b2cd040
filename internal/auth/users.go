package auth

import (
	"context"
	"errors"
	"sync"

	"github.com/example/appt-scheduler/internal/db"
)

var ErrUserExists = errors.New("user already exists")

type PgUsers struct {
	db *db.DB
}

var _ Users = (*PgUsers)(nil)

func NewPgUsers(d *db.DB) *PgUsers { return &PgUsers{db: d} }

func (u *PgUsers) Create(ctx context.Context, username, passwordHash string) (int64, error) {
	var id int64
	err := u.db.QueryRow(ctx,
		`INSERT INTO users(username, password_bcrypt) VALUES ($1,$2)
		 ON CONFLICT (username) DO NOTHING RETURNING id`, username, passwordHash).Scan(&id)
	if db.IsNotFound(err) {
		return 0, ErrUserExists
	}
	return id, err
}

func (u *PgUsers) Lookup(ctx context.Context, username string) (int64, string, error) {
	var (
		id   int64
		hash string
	)
	err := u.db.QueryRow(ctx, `SELECT id, password_bcrypt FROM users WHERE username=$1`, username).Scan(&id, &hash)
	if err != nil {
		return 0, "", db.WrapNotFound(err)
	}
	return id, hash, nil
}

// MemUsers backs the memory store mode.
type MemUsers struct {
	mu     sync.Mutex
	byName map[string]memUser
	next   int64
}

type memUser struct {
	id   int64
	hash string
}

var _ Users = (*MemUsers)(nil)

func NewMemUsers() *MemUsers { return &MemUsers{byName: map[string]memUser{}} }

func (u *MemUsers) Create(_ context.Context, username, passwordHash string) (int64, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.byName[username]; ok {
		return 0, ErrUserExists
	}
	u.next++
	u.byName[username] = memUser{id: u.next, hash: passwordHash}
	return u.next, nil
}

func (u *MemUsers) Lookup(_ context.Context, username string) (int64, string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	m, ok := u.byName[username]
	if !ok {
		return 0, "", db.ErrNotFound
	}
	return m.id, m.hash, nil
}
