// Package config loads per-binary settings from the environment.
package config

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sethvargo/go-envconfig"
)

// Client configures the terminal client and the chat core it drives.
type Client struct {
	APIURL     string `env:"CHAT_API_URL,default=http://localhost:8081"`
	GatewayURL string `env:"CHAT_GATEWAY_URL,default=ws://localhost:8080/ws"`
	PollURL    string `env:"CHAT_POLL_URL,default=http://localhost:8080/poll"`
	StatePath  string `env:"CHAT_STATE_PATH,default=chat-client.db"`
	LogLevel   string `env:"LOG_LEVEL,default=info"`

	HTTPTimeout          time.Duration `env:"CHAT_HTTP_TIMEOUT,default=20s"`
	TypingQuiet          time.Duration `env:"CHAT_TYPING_QUIET,default=800ms"`
	TypingRemoteTimeout  time.Duration `env:"CHAT_TYPING_REMOTE_TIMEOUT,default=0s"`
	ReconnectMaxInterval time.Duration `env:"CHAT_RECONNECT_MAX_INTERVAL,default=30s"`
}

type Gateway struct {
	Addr          string `env:"GATEWAY_ADDR,default=:8080"`
	KafkaBrokers  string `env:"KAFKA_BROKERS,default=localhost:19092"`
	ReceiptsTopic string `env:"RECEIPTS_TOPIC,default=chat-receipts"`
	RedisAddr     string `env:"REDIS_ADDR,default=localhost:6379"`
	JWTSecret     string `env:"JWT_SECRET,default=my_secret_key"`
	LogLevel      string `env:"LOG_LEVEL,default=info"`

	PollHold time.Duration `env:"POLL_HOLD,default=25s"`
}

type API struct {
	Addr        string `env:"API_ADDR,default=:8081"`
	ScyllaHosts string `env:"SCYLLA_HOSTS,default=localhost:9042"`
	Keyspace    string `env:"SCYLLA_KEYSPACE,default=chat"`
	RedisAddr   string `env:"REDIS_ADDR,default=localhost:6379"`
	JWTSecret   string `env:"JWT_SECRET,default=my_secret_key"`
	NodeID      int64  `env:"SNOWFLAKE_NODE,default=1"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`
}

type Messaging struct {
	KafkaBrokers  string `env:"KAFKA_BROKERS,default=localhost:19092"`
	ReceiptsTopic string `env:"RECEIPTS_TOPIC,default=chat-receipts"`
	GroupID       string `env:"KAFKA_GROUP_ID,default=messaging-service-group"`
	ScyllaHosts   string `env:"SCYLLA_HOSTS,default=localhost:9042"`
	Keyspace      string `env:"SCYLLA_KEYSPACE,default=chat"`
	LogLevel      string `env:"LOG_LEVEL,default=info"`
}

// Load fills any of the structs above from the process environment.
func Load[T any](ctx context.Context) (T, error) {
	var cfg T
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return cfg, errors.Wrap(err, "parsing env vars")
	}
	return cfg, nil
}

// LoadFrom is Load with an explicit lookuper, for tests.
func LoadFrom[T any](ctx context.Context, l envconfig.Lookuper) (T, error) {
	var cfg T
	if err := envconfig.ProcessWith(ctx, &cfg, l); err != nil {
		return cfg, errors.Wrap(err, "parsing env vars")
	}
	return cfg, nil
}

// SplitList turns "a, b,c" into ["a","b","c"].
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
