package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/realtime"
)

var base = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

// manualScheduler queues blocking work until the test runs it and runs
// posted closures inline, which stands in for the single event loop.
type manualScheduler struct {
	jobs []func()
}

func (m *manualScheduler) Go(f func())   { m.jobs = append(m.jobs, f) }
func (m *manualScheduler) Post(f func()) { f() }

func (m *manualScheduler) run(i int) {
	f := m.jobs[i]
	m.jobs[i] = func() {}
	f()
}

func (m *manualScheduler) runAll() {
	for len(m.jobs) > 0 {
		f := m.jobs[0]
		m.jobs = m.jobs[1:]
		f()
	}
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	timers []*fakeTimer
}

func (c *fakeClock) after(d time.Duration, f func()) Stopper {
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) live() []*fakeTimer {
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

type recorder struct {
	mu     sync.Mutex
	events []model.Envelope
}

func (r *recorder) emit(event string, payload any) {
	env, err := model.NewEnvelope(event, payload)
	if err != nil {
		panic(err)
	}
	r.mu.Lock()
	r.events = append(r.events, env)
	r.mu.Unlock()
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Event)
	}
	return out
}

func (r *recorder) of(event string) []json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []json.RawMessage
	for _, e := range r.events {
		if e.Event == event {
			out = append(out, e.Data)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// fakeAPI is an in-memory backend shared by every client of a test.
type fakeAPI struct {
	mu       sync.Mutex
	msgs     []model.Message
	users    []model.User
	seq      int
	clock    func() time.Time
	sendErr  error
	clearErr error
	fetches  int
}

func newFakeAPI() *fakeAPI {
	n := 0
	return &fakeAPI{clock: func() time.Time { n++; return at(n) }}
}

func (a *fakeAPI) add(msgs ...model.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, msgs...)
}

func (a *fakeAPI) Users(_ context.Context, me string) ([]model.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []model.User
	for _, u := range a.users {
		if u.ID != me {
			out = append(out, u)
		}
	}
	return out, nil
}

func (a *fakeAPI) History(_ context.Context, me, peer string) ([]model.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetches++
	var out []model.Message
	for _, m := range a.msgs {
		if m.PeerOf(me) == peer && (m.SenderID == me || m.ReceiverID == me) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (a *fakeAPI) Send(_ context.Context, sender, receiver, text string) (model.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return model.Message{}, a.sendErr
	}
	a.seq++
	m := model.Message{
		ID:         fmt.Sprintf("m%d", a.seq),
		SenderID:   sender,
		ReceiverID: receiver,
		Text:       text,
		CreatedAt:  a.clock(),
		Status:     model.StatusSent,
	}
	a.msgs = append(a.msgs, m)
	return m, nil
}

func (a *fakeAPI) ClearConversation(_ context.Context, me, peer string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.clearErr != nil {
		return a.clearErr
	}
	kept := a.msgs[:0]
	for _, m := range a.msgs {
		if m.PeerOf(me) == peer && (m.SenderID == me || m.ReceiverID == me) {
			continue
		}
		kept = append(kept, m)
	}
	a.msgs = kept
	return nil
}

func (a *fakeAPI) historyCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetches
}

// harness wires the core components by hand around a manual scheduler.
type harness struct {
	me       string
	api      *fakeAPI
	sched    *manualScheduler
	clock    *fakeClock
	out      *recorder
	store    *ConversationStore
	delivery *DeliveryStateMachine
	typing   *TypingCoordinator
}

func newHarness(me string) *harness {
	h := &harness{
		me:    me,
		api:   newFakeAPI(),
		sched: &manualScheduler{},
		clock: &fakeClock{},
		out:   &recorder{},
	}
	n := 0
	h.store = newConversationStore(me, h.api, h.sched, h.out.emit, zerolog.Nop())
	h.store.now = func() time.Time { return at(1000) }
	h.store.newID = func() string { n++; return fmt.Sprintf("%sph%d", model.LocalIDPrefix, n) }
	h.delivery = &DeliveryStateMachine{me: me, store: h.store, emit: h.out.emit, log: zerolog.Nop()}
	h.typing = newTypingCoordinator(me, h.out.emit, h.sched.Post, h.store.Active)
	h.typing.after = h.clock.after
	h.store.delivery = h.delivery
	h.store.typing = h.typing
	return h
}

func (h *harness) ids(peer string) []string {
	var out []string
	for _, m := range h.store.Snapshot(peer) {
		out = append(out, m.ID)
	}
	return out
}

func (h *harness) status(id string) model.Status {
	m, ok := h.store.Lookup(id)
	if !ok {
		return ""
	}
	return m.Status
}

func msg(id, from, to string, sec int, status model.Status) model.Message {
	return model.Message{ID: id, SenderID: from, ReceiverID: to, Text: "text " + id, CreatedAt: at(sec), Status: status}
}

// relay routes emitted events between fake channels the way the gateway
// does, queueing messages for receivers that are offline.
type relay struct {
	mu      sync.Mutex
	chans   map[string]*fakeChannel
	pending map[string][]model.Envelope
}

func newRelay() *relay {
	return &relay{chans: map[string]*fakeChannel{}, pending: map[string][]model.Envelope{}}
}

func (r *relay) channel() *fakeChannel {
	return &fakeChannel{relay: r, handlers: map[string][]realtime.Handler{}}
}

func (r *relay) online(id string, ch *fakeChannel) {
	r.mu.Lock()
	r.chans[id] = ch
	queued := r.pending[id]
	delete(r.pending, id)
	r.mu.Unlock()
	for _, env := range queued {
		ch.deliver(env.Event, env.Data)
	}
}

func (r *relay) offline(id string) {
	r.mu.Lock()
	delete(r.chans, id)
	r.mu.Unlock()
}

func (r *relay) route(from string, env model.Envelope) {
	var to string
	out := env
	switch env.Event {
	case model.EventSendMessage:
		var m model.Message
		_ = json.Unmarshal(env.Data, &m)
		to = m.ReceiverID
		out.Event = model.EventReceiveMessage
	case model.EventMessageDelivered:
		var ack model.DeliveredAck
		_ = json.Unmarshal(env.Data, &ack)
		to = ack.SenderID
	case model.EventMessageSeen:
		var ack model.SeenAck
		_ = json.Unmarshal(env.Data, &ack)
		to = ack.SenderID
	case model.EventTyping, model.EventStopTyping:
		var sig model.TypingSignal
		_ = json.Unmarshal(env.Data, &sig)
		to = sig.ReceiverID
		sig.SenderID = from
		out.Data, _ = json.Marshal(sig)
	default:
		return
	}

	r.mu.Lock()
	ch, ok := r.chans[to]
	if !ok && env.Event == model.EventSendMessage {
		r.pending[to] = append(r.pending[to], out)
	}
	r.mu.Unlock()
	if ok {
		ch.deliver(out.Event, out.Data)
	}
}

// standalone returns a channel that is not routed anywhere; tests push
// events into it directly.
func standalone() *fakeChannel {
	return &fakeChannel{handlers: map[string][]realtime.Handler{}}
}

type fakeChannel struct {
	relay *relay

	mu         sync.Mutex
	id         string
	connected  bool
	connectErr error
	handlers   map[string][]realtime.Handler
	states     []realtime.StateHandler
	sent       recorder
}

func (f *fakeChannel) Connect(_ context.Context, id model.Identity) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.id, f.connected = id.ID, true
	f.mu.Unlock()
	f.setState(realtime.StateConnected)
	if f.relay != nil {
		f.relay.online(id.ID, f)
	}
	return nil
}

func (f *fakeChannel) Disconnect() error {
	f.mu.Lock()
	id := f.id
	f.connected = false
	f.mu.Unlock()
	if f.relay != nil {
		f.relay.offline(id)
	}
	f.setState(realtime.StateClosed)
	return nil
}

func (f *fakeChannel) On(event string, h realtime.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], h)
}

func (f *fakeChannel) OnState(h realtime.StateHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, h)
}

func (f *fakeChannel) Emit(event string, payload any) error {
	f.mu.Lock()
	connected, id := f.connected, f.id
	f.mu.Unlock()
	if !connected {
		return realtime.ErrNotConnected
	}
	env, err := model.NewEnvelope(event, payload)
	if err != nil {
		return errors.WithStack(err)
	}
	f.sent.emit(event, payload)
	if f.relay != nil {
		f.relay.route(id, env)
	}
	return nil
}

func (f *fakeChannel) deliver(event string, data json.RawMessage) {
	f.mu.Lock()
	hs := append([]realtime.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
}

func (f *fakeChannel) deliverJSON(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	f.deliver(event, data)
}

func (f *fakeChannel) setState(st realtime.State) {
	f.mu.Lock()
	hs := append([]realtime.StateHandler(nil), f.states...)
	f.mu.Unlock()
	for _, h := range hs {
		h(st)
	}
}
