// Package session holds the signed-in identity and persists it between runs.
//
// A stored identity is only trusted after validation. Anything malformed is
// deleted and the session starts logged out; corruption is never fatal.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/model"
)

const identityKey = "user"

var ErrLoggedOut = errors.New("not logged in")

type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

type Session struct {
	kv  KV
	log zerolog.Logger
	now func() time.Time

	mu       sync.RWMutex
	identity *model.Identity
}

func New(kv KV, logger zerolog.Logger) *Session {
	return &Session{
		kv:  kv,
		log: logger.With().Str("component", "session").Logger(),
		now: time.Now,
	}
}

// Restore loads the persisted identity. A missing record leaves the session
// logged out; a corrupted one is cleared first. Only storage I/O failures are
// returned.
func (s *Session) Restore(ctx context.Context) error {
	raw, ok, err := s.kv.Get(ctx, identityKey)
	if err != nil {
		return err
	}
	if !ok {
		s.set(nil)
		return nil
	}

	id, err := s.decode(raw)
	if err != nil {
		s.log.Warn().Err(err).Msg("discarding stored identity")
		s.set(nil)
		return s.kv.Delete(ctx, identityKey)
	}
	s.set(&id)
	s.log.Info().Str("user_id", id.ID).Msg("restored session")
	return nil
}

func (s *Session) decode(raw string) (model.Identity, error) {
	var id model.Identity
	if err := json.Unmarshal([]byte(raw), &id); err != nil {
		return model.Identity{}, errors.Wrap(err, "malformed identity")
	}
	if err := s.validate(id); err != nil {
		return model.Identity{}, err
	}
	return id, nil
}

func (s *Session) validate(id model.Identity) error {
	if id.ID == "" {
		return errors.New("identity has no id")
	}
	if id.Token == "" {
		return nil
	}
	claims, err := auth.InspectToken(id.Token, s.now())
	if err != nil {
		return err
	}
	if claims.UserID != "" && claims.UserID != id.ID {
		return errors.Errorf("token issued to %s, not %s", claims.UserID, id.ID)
	}
	return nil
}

// Login validates and persists id as the current identity.
func (s *Session) Login(ctx context.Context, id model.Identity) error {
	if err := s.validate(id); err != nil {
		return err
	}
	raw, err := json.Marshal(id)
	if err != nil {
		return errors.Wrap(err, "marshal identity")
	}
	if err := s.kv.Put(ctx, identityKey, string(raw)); err != nil {
		return err
	}
	s.set(&id)
	return nil
}

func (s *Session) Logout(ctx context.Context) error {
	s.set(nil)
	return s.kv.Delete(ctx, identityKey)
}

// Identity returns the current identity or ErrLoggedOut.
func (s *Session) Identity() (model.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return model.Identity{}, ErrLoggedOut
	}
	return *s.identity, nil
}

func (s *Session) LoggedIn() bool {
	_, err := s.Identity()
	return err == nil
}

func (s *Session) set(id *model.Identity) {
	s.mu.Lock()
	s.identity = id
	s.mu.Unlock()
}
