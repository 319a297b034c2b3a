// Package realtime owns the single live event connection of a session.
//
// A Channel dials the first transport that works (websocket, then
// long-polling), announces the identity with user-online, and fans inbound
// envelopes out to handlers registered by event name. When the connection
// drops it reports Disconnected and redials with exponential backoff until
// Disconnect is called; every successful redial announces presence again.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

var (
	ErrNotConnected     = errors.New("realtime: not connected")
	ErrIdentityMismatch = errors.New("realtime: already connected as another identity")
	ErrNoTransport      = errors.New("realtime: no transport configured")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Transport dials one kind of connection to the server.
type Transport interface {
	Name() string
	Dial(ctx context.Context, token string) (Conn, error)
}

// Conn is an established transport connection. Read is only called from the
// channel's reader goroutine; Write calls are serialized by the channel.
type Conn interface {
	Read() (model.Envelope, error)
	Write(model.Envelope) error
	Close() error
}

type Handler func(data json.RawMessage)

type StateHandler func(State)

type Option func(*Channel)

// WithTransports replaces the transport list, in preference order.
func WithTransports(ts ...Transport) Option {
	return func(c *Channel) { c.transports = ts }
}

// WithBackoff sets the reconnect policy factory.
func WithBackoff(f func() backoff.BackOff) Option {
	return func(c *Channel) { c.newBackoff = f }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Channel) { c.log = l.With().Str("component", "realtime").Logger() }
}

// ExponentialBackoff retries forever with intervals capped at max.
func ExponentialBackoff(max time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = 0
		if max > 0 {
			b.MaxInterval = max
		}
		return b
	}
}

type Channel struct {
	transports []Transport
	newBackoff func() backoff.BackOff
	log        zerolog.Logger

	mu            sync.Mutex
	state         State
	identity      model.Identity
	conn          Conn
	transport     string
	cancel        context.CancelFunc
	handlers      map[string][]Handler
	stateHandlers []StateHandler

	writeMu sync.Mutex
}

// New builds a channel that prefers a websocket at wsURL and falls back to
// long-polling at pollURL. Either URL may be empty to disable that transport.
func New(wsURL, pollURL string, opts ...Option) *Channel {
	c := &Channel{
		newBackoff: ExponentialBackoff(30 * time.Second),
		log:        zerolog.Nop(),
		handlers:   map[string][]Handler{},
	}
	if wsURL != "" {
		c.transports = append(c.transports, &WebSocket{URL: wsURL})
	}
	if pollURL != "" {
		c.transports = append(c.transports, &Polling{URL: pollURL})
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// On registers a handler for an inbound event. Handlers run on the reader
// goroutine in arrival order and must not block.
func (c *Channel) On(event string, h Handler) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.mu.Unlock()
}

// OnState registers a handler for state transitions.
func (c *Channel) OnState(h StateHandler) {
	c.mu.Lock()
	c.stateHandlers = append(c.stateHandlers, h)
	c.mu.Unlock()
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transport returns the name of the transport in use, if connected.
func (c *Channel) Transport() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

// Connect dials the server and announces id. Calling it again for the same
// identity while the channel is live is a no-op.
func (c *Channel) Connect(ctx context.Context, id model.Identity) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected, StateDisconnected:
		same := c.identity.ID == id.ID
		c.mu.Unlock()
		if same {
			return nil
		}
		return ErrIdentityMismatch
	}
	// claim the dial before unlocking so a concurrent Connect sees it
	c.identity = id
	c.state = StateConnecting
	hs := append([]StateHandler(nil), c.stateHandlers...)
	c.mu.Unlock()
	for _, h := range hs {
		h(StateConnecting)
	}

	conn, name, err := c.dial(ctx, id.Token)
	if err != nil {
		c.setState(StateIdle)
		return errors.Wrap(err, "connect")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.state != StateConnecting {
		// Disconnect raced the dial
		c.mu.Unlock()
		cancel()
		_ = conn.Close()
		return ErrNotConnected
	}
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.establish(conn, name); err != nil {
		cancel()
		_ = conn.Close()
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
		c.setState(StateIdle)
		return errors.Wrap(err, "announce presence")
	}
	go c.run(runCtx, conn)
	return nil
}

// Disconnect closes the connection for good; no reconnect follows.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateIdle {
		c.mu.Unlock()
		return nil
	}
	cancel, conn := c.cancel, c.conn
	c.cancel, c.conn, c.transport = nil, nil, ""
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.setState(StateClosed)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Emit sends one event. It fails with ErrNotConnected while the channel is
// down; nothing is queued for later.
func (c *Channel) Emit(event string, payload any) error {
	env, err := model.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, env)
}

func (c *Channel) write(conn Conn, env model.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.Write(env); err != nil {
		return errors.Wrapf(err, "emit %s", env.Event)
	}
	return nil
}

func (c *Channel) dial(ctx context.Context, token string) (Conn, string, error) {
	if len(c.transports) == 0 {
		return nil, "", ErrNoTransport
	}
	var lastErr error
	for _, t := range c.transports {
		conn, err := t.Dial(ctx, token)
		if err == nil {
			return conn, t.Name(), nil
		}
		c.log.Debug().Err(err).Str("transport", t.Name()).Msg("transport unavailable")
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, "", lastErr
}

// establish announces presence on a fresh connection, then publishes it.
func (c *Channel) establish(conn Conn, transport string) error {
	c.mu.Lock()
	id := c.identity.ID
	c.mu.Unlock()

	env, err := model.NewEnvelope(model.EventUserOnline, id)
	if err != nil {
		return err
	}
	if err := c.write(conn, env); err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.transport = transport
	c.mu.Unlock()
	c.log.Info().Str("transport", transport).Str("user_id", id).Msg("channel connected")
	c.setState(StateConnected)
	return nil
}

func (c *Channel) run(ctx context.Context, conn Conn) {
	for {
		err := c.readLoop(conn)
		if ctx.Err() != nil {
			return
		}
		c.log.Warn().Err(err).Msg("channel lost, reconnecting")
		_ = conn.Close()
		c.mu.Lock()
		c.conn, c.transport = nil, ""
		c.mu.Unlock()
		c.setState(StateDisconnected)

		conn = c.reconnect(ctx)
		if conn == nil {
			return
		}
	}
}

func (c *Channel) reconnect(ctx context.Context) Conn {
	c.mu.Lock()
	token := c.identity.Token
	c.mu.Unlock()

	var conn Conn
	op := func() error {
		cn, name, err := c.dial(ctx, token)
		if err != nil {
			return err
		}
		if err := c.establish(cn, name); err != nil {
			_ = cn.Close()
			return err
		}
		conn = cn
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.log.Debug().Err(err).Dur("retry_in", wait).Msg("reconnect failed")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(c.newBackoff(), ctx), notify); err != nil {
		return nil
	}
	if ctx.Err() != nil {
		_ = conn.Close()
		return nil
	}
	return conn
}

func (c *Channel) readLoop(conn Conn) error {
	for {
		env, err := conn.Read()
		if err != nil {
			return err
		}
		c.dispatch(env)
	}
}

func (c *Channel) dispatch(env model.Envelope) {
	c.mu.Lock()
	hs := append([]Handler(nil), c.handlers[env.Event]...)
	c.mu.Unlock()
	if len(hs) == 0 {
		c.log.Debug().Str("event", env.Event).Msg("no handler for event")
		return
	}
	for _, h := range hs {
		h(env.Data)
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s || (c.state == StateClosed && s != StateConnecting) {
		c.mu.Unlock()
		return
	}
	c.state = s
	hs := append([]StateHandler(nil), c.stateHandlers...)
	c.mu.Unlock()
	for _, h := range hs {
		h(s)
	}
}
