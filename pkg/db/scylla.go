// Package db is the ScyllaDB storage of the development backend: users,
// one-to-one message logs and per-user conversation lists.
package db

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrPhoneTaken = errors.New("phone number already registered")
)

type Session struct {
	*gocql.Session
}

func NewSession(hosts []string, keyspace string) (*Session, error) {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 5 * time.Second

	// Retry policy
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, errors.Wrapf(err, "connect to scylla keyspace %s", keyspace)
	}

	log.Info().Strs("hosts", hosts).Str("keyspace", keyspace).Msg("connected to ScyllaDB cluster")
	return &Session{Session: session}, nil
}

var tables = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id text PRIMARY KEY,
		name text,
		phone text,
		password_hash text,
		created_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS users_by_phone (
		phone text PRIMARY KEY,
		id text
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		channel_id text,
		id bigint,
		sender_id text,
		receiver_id text,
		text text,
		created_at timestamp,
		status text,
		PRIMARY KEY (channel_id, id)
	) WITH CLUSTERING ORDER BY (id ASC)`,
	`CREATE TABLE IF NOT EXISTS user_conversations (
		user_id text,
		other_user_id text,
		last_updated timestamp,
		PRIMARY KEY (user_id, other_user_id)
	)`,
}

// Migrate creates the keyspace and every table. With reset set, existing
// tables are dropped first.
func Migrate(hosts []string, keyspace string, reset bool) error {
	// the keyspace may not exist yet, so bootstrap through system
	sys, err := NewSession(hosts, "system")
	if err != nil {
		return err
	}
	err = sys.Query(fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : 1 }`, keyspace)).Exec()
	sys.Close()
	if err != nil {
		return errors.Wrap(err, "create keyspace")
	}

	s, err := NewSession(hosts, keyspace)
	if err != nil {
		return err
	}
	defer s.Close()

	if reset {
		for _, name := range []string{"users", "users_by_phone", "messages", "user_conversations"} {
			log.Info().Str("table", name).Msg("dropping table")
			if err := s.Query("DROP TABLE IF EXISTS " + name).Exec(); err != nil {
				return errors.Wrapf(err, "drop %s", name)
			}
		}
	}
	for _, stmt := range tables {
		if err := s.Query(stmt).Exec(); err != nil {
			return errors.Wrap(err, "create table")
		}
	}
	log.Info().Str("keyspace", keyspace).Msg("schema ready")
	return nil
}
