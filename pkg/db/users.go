package db

import (
	"context"
	"time"

	"github.com/gocql/gocql"
	"github.com/pkg/errors"
)

type UserRecord struct {
	ID           string
	Name         string
	Phone        string
	PasswordHash string
	CreatedAt    time.Time
}

// CreateUser registers u. The phone number is claimed first with a
// lightweight transaction, so two registrations cannot share it.
func (s *Session) CreateUser(ctx context.Context, u UserRecord) error {
	applied, err := s.Query(`INSERT INTO users_by_phone (phone, id) VALUES (?, ?) IF NOT EXISTS`, u.Phone, u.ID).
		WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return errors.Wrap(err, "claim phone")
	}
	if !applied {
		return ErrPhoneTaken
	}
	err = s.Query(`INSERT INTO users (id, name, phone, password_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Phone, u.PasswordHash, u.CreatedAt).WithContext(ctx).Exec()
	return errors.Wrap(err, "insert user")
}

func (s *Session) UserByPhone(ctx context.Context, phone string) (UserRecord, error) {
	var id string
	err := s.Query(`SELECT id FROM users_by_phone WHERE phone = ?`, phone).WithContext(ctx).Scan(&id)
	if errors.Is(err, gocql.ErrNotFound) {
		return UserRecord{}, ErrNotFound
	}
	if err != nil {
		return UserRecord{}, errors.Wrap(err, "lookup phone")
	}

	u := UserRecord{ID: id}
	err = s.Query(`SELECT name, phone, password_hash, created_at FROM users WHERE id = ?`, id).
		WithContext(ctx).Scan(&u.Name, &u.Phone, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return UserRecord{}, ErrNotFound
	}
	if err != nil {
		return UserRecord{}, errors.Wrap(err, "load user")
	}
	return u, nil
}

// Users returns every registered user. Fine for a development backend; a
// full scan does not scale.
func (s *Session) Users(ctx context.Context) ([]UserRecord, error) {
	iter := s.Query(`SELECT id, name, phone, created_at FROM users`).WithContext(ctx).Iter()
	var out []UserRecord
	var u UserRecord
	for iter.Scan(&u.ID, &u.Name, &u.Phone, &u.CreatedAt) {
		out = append(out, u)
	}
	if err := iter.Close(); err != nil {
		return nil, errors.Wrap(err, "iterate users")
	}
	return out, nil
}
