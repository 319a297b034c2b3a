// Package presence keeps the backend's shared view of who is online, when
// users were last seen, and messages waiting for offline receivers. The
// gateway writes it; the API reads last-seen times from it.
package presence

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	onlineKey     = "presence:online"
	lastSeenKey   = "presence:last_seen"
	pendingPrefix = "pending:"

	// DefaultPendingTTL bounds how long undelivered messages wait.
	DefaultPendingTTL = 7 * 24 * time.Hour
)

type Store struct {
	rdb        *redis.Client
	pendingTTL time.Duration
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, pendingTTL: DefaultPendingTTL}
}

func (s *Store) SetOnline(ctx context.Context, userID string) error {
	return errors.Wrap(s.rdb.SAdd(ctx, onlineKey, userID).Err(), "set online")
}

// SetOffline removes userID from the online set and records at as its
// last-seen time.
func (s *Store) SetOffline(ctx context.Context, userID string, at time.Time) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, onlineKey, userID)
		p.HSet(ctx, lastSeenKey, userID, at.UnixMilli())
		return nil
	})
	return errors.Wrap(err, "set offline")
}

// Online returns the online user ids, sorted.
func (s *Store) Online(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, onlineKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list online")
	}
	sort.Strings(ids)
	return ids, nil
}

// Reset clears the online set, used when a gateway starts with no
// connections.
func (s *Store) Reset(ctx context.Context) error {
	return errors.Wrap(s.rdb.Del(ctx, onlineKey).Err(), "reset online")
}

func (s *Store) LastSeen(ctx context.Context) (map[string]time.Time, error) {
	raw, err := s.rdb.HGetAll(ctx, lastSeenKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read last seen")
	}
	out := make(map[string]time.Time, len(raw))
	for id, v := range raw {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[id] = time.UnixMilli(ms).UTC()
	}
	return out, nil
}

// Push queues an encoded frame for an offline user.
func (s *Store) Push(ctx context.Context, userID string, frame []byte) error {
	key := pendingPrefix + userID
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, frame)
		p.Expire(ctx, key, s.pendingTTL)
		return nil
	})
	return errors.Wrap(err, "queue pending")
}

// Drain returns and removes the frames queued for userID, oldest first.
func (s *Store) Drain(ctx context.Context, userID string) ([][]byte, error) {
	key := pendingPrefix + userID
	var lr *redis.StringSliceCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		lr = p.LRange(ctx, key, 0, -1)
		p.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "drain pending")
	}
	frames := make([][]byte, 0, len(lr.Val()))
	for _, f := range lr.Val() {
		frames = append(frames, []byte(f))
	}
	return frames, nil
}
