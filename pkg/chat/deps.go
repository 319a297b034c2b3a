package chat

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

// API is the subset of the REST client the core consumes.
type API interface {
	Users(ctx context.Context, me string) ([]model.User, error)
	History(ctx context.Context, me, peer string) ([]model.Message, error)
	Send(ctx context.Context, sender, receiver, text string) (model.Message, error)
	ClearConversation(ctx context.Context, me, peer string) error
}

// Scheduler separates blocking work from state mutation: Go runs a blocking
// call off the event loop, Post runs a closure on it.
type Scheduler interface {
	Go(func())
	Post(func())
}

// EmitFunc sends one stream event. Failures are logged by the implementation,
// never returned: the stream is lossy while disconnected.
type EmitFunc func(event string, payload any)

type Stopper interface {
	Stop() bool
}

// AfterFunc starts a timer; production uses time.AfterFunc.
type AfterFunc func(d time.Duration, f func()) Stopper

func realAfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

type UpdateKind string

const (
	UpdateMessages   UpdateKind = "messages"
	UpdatePresence   UpdateKind = "presence"
	UpdateTyping     UpdateKind = "typing"
	UpdateConnection UpdateKind = "connection"
	UpdateUsers      UpdateKind = "users"
)

// Update tells the UI layer which view to refresh.
type Update struct {
	Kind   UpdateKind
	PeerID string
}

type notifyFunc func(Update)

func nopNotify(Update) {}

func componentLogger(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
