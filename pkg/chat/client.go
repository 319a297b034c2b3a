// Package chat is the synchronization core of the one-to-one chat client.
//
// A Client owns the presence tracker, conversation store, delivery state
// machine and typing coordinator of one session. All of their state is
// mutated on a single event-loop goroutine: stream events, completed REST
// calls and timer expiries are posted onto the loop as closures, so none of
// the components lock. Blocking REST calls run on their own goroutines.
package chat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/realtime"
)

var ErrStopped = errors.New("chat: client stopped")

// Channel is the realtime connection the client drives.
type Channel interface {
	Connect(ctx context.Context, id model.Identity) error
	Disconnect() error
	On(event string, h realtime.Handler)
	OnState(h realtime.StateHandler)
	Emit(event string, payload any) error
}

type Option func(*Client)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithTypingQuiet sets the quiet window after the last keystroke.
func WithTypingQuiet(d time.Duration) Option {
	return func(c *Client) { c.typingQuiet = d }
}

// WithRemoteTypingTimeout clears a peer's typing indicator after d without a
// fresh typing signal. Zero keeps indicators until stopTyping.
func WithRemoteTypingTimeout(d time.Duration) Option {
	return func(c *Client) { c.remoteTimeout = d }
}

// WithUpdates delivers view-refresh hints to ch. Sends never block; hints
// are dropped when ch is full.
func WithUpdates(ch chan<- Update) Option {
	return func(c *Client) { c.updates = ch }
}

type Client struct {
	me  model.Identity
	ch  Channel
	api API
	log zerolog.Logger

	typingQuiet   time.Duration
	remoteTimeout time.Duration
	updates       chan<- Update

	presence *PresenceTracker
	store    *ConversationStore
	delivery *DeliveryStateMachine
	typing   *TypingCoordinator
	users    []model.User

	loop    chan func()
	done    chan struct{}
	runCtx  context.Context
	started bool
}

func NewClient(me model.Identity, ch Channel, api API, opts ...Option) *Client {
	c := &Client{
		me:          me,
		ch:          ch,
		api:         api,
		log:         zerolog.Nop(),
		typingQuiet: DefaultTypingQuiet,
		loop:        make(chan func(), 256),
		done:        make(chan struct{}),
		runCtx:      context.Background(),
	}
	for _, o := range opts {
		o(c)
	}

	emit := c.emit
	sched := loopScheduler{c}
	c.presence = NewPresenceTracker()
	c.store = newConversationStore(me.ID, api, sched, emit, componentLogger(c.log, "conversations"))
	c.delivery = &DeliveryStateMachine{me: me.ID, store: c.store, emit: emit, log: componentLogger(c.log, "delivery")}
	c.typing = newTypingCoordinator(me.ID, emit, sched.Post, c.store.Active)
	c.typing.quiet = c.typingQuiet
	c.typing.remoteTimeout = c.remoteTimeout
	c.typing.notify = c.notify
	c.store.delivery = c.delivery
	c.store.typing = c.typing
	c.store.notify = c.notify

	c.subscribe()
	return c
}

func (c *Client) subscribe() {
	c.ch.On(model.EventOnlineUsers, handle(c, model.EventOnlineUsers, func(ids []string) {
		c.presence.ApplySnapshot(ids)
		c.notify(Update{Kind: UpdatePresence})
	}))
	onMessage := func(msg model.Message) { c.store.OnMessageReceived(msg) }
	c.ch.On(model.EventReceiveMessage, handle(c, model.EventReceiveMessage, onMessage))
	c.ch.On(model.EventSendMessage, handle(c, model.EventSendMessage, onMessage))
	c.ch.On(model.EventMessageDelivered, handle(c, model.EventMessageDelivered, c.delivery.OnDelivered))
	c.ch.On(model.EventMessageSeen, handle(c, model.EventMessageSeen, c.delivery.OnSeen))
	c.ch.On(model.EventTyping, handle(c, model.EventTyping, c.typing.OnTyping))
	c.ch.On(model.EventStopTyping, handle(c, model.EventStopTyping, c.typing.OnStopTyping))

	c.ch.OnState(func(st realtime.State) {
		c.post(func() { c.onState(st) })
	})
}

// handle decodes an event payload and runs fn on the loop.
func handle[T any](c *Client, event string, fn func(T)) realtime.Handler {
	return func(data json.RawMessage) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			c.log.Warn().Err(err).Str("event", event).Msg("dropping malformed event")
			return
		}
		c.post(func() { fn(v) })
	}
}

func (c *Client) onState(st realtime.State) {
	switch st {
	case realtime.StateDisconnected, realtime.StateClosed:
		c.presence.Reset()
		c.typing.ResetRemote()
	case realtime.StateConnected:
		c.refreshUsers()
		if tag, ok := c.store.Refetch(c.runCtx); ok {
			c.log.Debug().Str("peer_id", tag.PeerID).Msg("resyncing active conversation")
		}
	}
	c.notify(Update{Kind: UpdateConnection})
}

// Run connects the channel and processes events until ctx is done or the
// first connection fails.
func (c *Client) Run(ctx context.Context) error {
	if c.started {
		return errors.New("chat: client already running")
	}
	c.started = true
	c.runCtx = ctx

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.runLoop(gctx)
		return nil
	})
	g.Go(func() error {
		if err := c.ch.Connect(gctx, c.me); err != nil {
			return err
		}
		<-gctx.Done()
		return c.ch.Disconnect()
	})
	return g.Wait()
}

func (c *Client) runLoop(ctx context.Context) {
	defer close(c.done)
	defer c.typing.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-c.loop:
			f()
		}
	}
}

func (c *Client) post(f func()) bool {
	select {
	case c.loop <- f:
		return true
	case <-c.done:
		return false
	}
}

// do runs f on the loop and waits for it.
func (c *Client) do(ctx context.Context, f func()) error {
	finished := make(chan struct{})
	if !c.post(func() { f(); close(finished) }) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) emit(event string, payload any) {
	if err := c.ch.Emit(event, payload); err != nil {
		c.log.Warn().Err(err).Str("event", event).Msg("emit failed")
	}
}

func (c *Client) notify(u Update) {
	if c.updates == nil {
		return
	}
	select {
	case c.updates <- u:
	default:
	}
}

func (c *Client) refreshUsers() {
	ctx, me := c.runCtx, c.me.ID
	loopScheduler{c}.Go(func() {
		users, err := c.api.Users(ctx, me)
		c.post(func() {
			if err != nil {
				c.log.Warn().Err(err).Msg("user listing failed")
				return
			}
			c.users = users
			c.presence.SeedLastSeen(users)
			c.notify(Update{Kind: UpdateUsers})
		})
	})
}

// Me returns the session identity.
func (c *Client) Me() model.Identity { return c.me }

// SelectPeer opens the conversation with peerID.
func (c *Client) SelectPeer(peerID string) {
	c.post(func() { c.store.SelectPeer(c.runCtx, peerID) })
}

// Send posts text to peerID.
func (c *Client) Send(peerID, text string) {
	c.post(func() { c.store.SendMessage(c.runCtx, peerID, text) })
}

// SendActive posts text to the open conversation.
func (c *Client) SendActive(text string) {
	c.post(func() { c.store.SendMessage(c.runCtx, c.store.Active(), text) })
}

// Resend retries a failed message by its placeholder id.
func (c *Client) Resend(localID string) {
	c.post(func() { c.store.Resend(c.runCtx, localID) })
}

// Keystroke reports local typing in the open conversation.
func (c *Client) Keystroke() {
	c.post(func() { c.typing.Keystroke(c.store.Active()) })
}

// Clear deletes the conversation with peerID.
func (c *Client) Clear(peerID string) {
	c.post(func() { c.store.Clear(c.runCtx, peerID) })
}

// RefreshUsers reloads the user listing.
func (c *Client) RefreshUsers() {
	c.post(c.refreshUsers)
}

// View is a consistent read of the client state.
type View struct {
	Active   string
	Messages []model.Message
	Typing   bool
	Presence string
	Online   []string
	Users    []model.User
}

// View returns the state of peerID's conversation, or of the open one when
// peerID is empty.
func (c *Client) View(ctx context.Context, peerID string) (View, error) {
	var v View
	err := c.do(ctx, func() {
		v.Active = c.store.Active()
		if peerID == "" {
			peerID = v.Active
		}
		v.Messages = c.store.Snapshot(peerID)
		v.Typing = c.typing.IsTyping(peerID)
		v.Presence = c.presence.FormatLastSeen(peerID)
		v.Online = c.presence.Online()
		v.Users = append([]model.User(nil), c.users...)
	})
	return v, err
}

type loopScheduler struct{ c *Client }

func (s loopScheduler) Go(f func()) { go f() }

func (s loopScheduler) Post(f func()) { s.c.post(f) }
