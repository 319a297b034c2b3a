package main

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

type fakePresence struct {
	mu      sync.Mutex
	online  map[string]bool
	offline map[string]time.Time
}

func (p *fakePresence) SetOnline(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[id] = true
	return nil
}

func (p *fakePresence) SetOffline(_ context.Context, id string, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.online, id)
	p.offline[id] = at
	return nil
}

func (p *fakePresence) Online(context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := []string{}
	for id := range p.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *fakePresence) lastSeen(id string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.offline[id]
	return t, ok
}

type fakeMailbox struct {
	mu sync.Mutex
	q  map[string][][]byte
}

func (m *fakeMailbox) Push(_ context.Context, id string, frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.q[id] = append(m.q[id], frame)
	return nil
}

func (m *fakeMailbox) Drain(_ context.Context, id string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	frames := m.q[id]
	delete(m.q, id)
	return frames, nil
}

func (m *fakeMailbox) pending(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.q[id])
}

type fakeReceipts struct {
	mu  sync.Mutex
	got []model.Receipt
}

func (r *fakeReceipts) Publish(_ context.Context, rc model.Receipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, rc)
	return nil
}

func (r *fakeReceipts) all() []model.Receipt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Receipt(nil), r.got...)
}

type hubFixture struct {
	hub      *Hub
	presence *fakePresence
	mailbox  *fakeMailbox
	receipts *fakeReceipts
	now      time.Time
}

func startHub(t *testing.T) *hubFixture {
	t.Helper()
	f := &hubFixture{
		presence: &fakePresence{online: map[string]bool{}, offline: map[string]time.Time{}},
		mailbox:  &fakeMailbox{q: map[string][][]byte{}},
		receipts: &fakeReceipts{},
		now:      time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC),
	}
	f.hub = NewHub(f.presence, f.mailbox, f.receipts, zerolog.Nop())
	f.hub.now = func() time.Time { return f.now }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.hub.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return f
}

func (f *hubFixture) connect(t *testing.T, userID string) *Client {
	t.Helper()
	c := newClient(userID)
	require.True(t, f.hub.Register(c))
	return c
}

func (f *hubFixture) announce(t *testing.T, userID string) *Client {
	t.Helper()
	c := f.connect(t, userID)
	f.emit(t, c, model.EventUserOnline, userID)
	return c
}

func (f *hubFixture) emit(t *testing.T, c *Client, event string, payload any) {
	t.Helper()
	env, err := model.NewEnvelope(event, payload)
	require.NoError(t, err)
	f.hub.Dispatch(c, env)
}

// next returns the next frame for c carrying event, skipping others.
func next(t *testing.T, c *Client, event string) json.RawMessage {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case frame, ok := <-c.send:
			require.True(t, ok, "client was dropped")
			var env model.Envelope
			require.NoError(t, json.Unmarshal(frame, &env))
			if env.Event == event {
				return env.Data
			}
		case <-timeout:
			t.Fatalf("no %s frame for %s", event, c.ID)
			return nil
		}
	}
}

func onlineSnapshot(t *testing.T, c *Client) []string {
	t.Helper()
	var ids []string
	require.NoError(t, json.Unmarshal(next(t, c, model.EventOnlineUsers), &ids))
	return ids
}

func TestOnlineSnapshots(t *testing.T) {
	f := startHub(t)
	c1 := f.announce(t, "u1")
	require.Equal(t, []string{"u1"}, onlineSnapshot(t, c1))

	c2 := f.announce(t, "u2")
	require.Equal(t, []string{"u1", "u2"}, onlineSnapshot(t, c1))
	require.Equal(t, []string{"u1", "u2"}, onlineSnapshot(t, c2))

	f.hub.Unregister(c2)
	require.Equal(t, []string{"u1"}, onlineSnapshot(t, c1))
	seen, ok := f.presence.lastSeen("u2")
	require.True(t, ok)
	require.Equal(t, f.now, seen)
}

func TestSecondSessionKeepsUserOnline(t *testing.T) {
	f := startHub(t)
	watcher := f.announce(t, "w")
	onlineSnapshot(t, watcher)

	a := f.announce(t, "u1")
	b := f.announce(t, "u1")
	onlineSnapshot(t, watcher)
	onlineSnapshot(t, watcher)

	f.hub.Unregister(a)
	// closing one of two sessions changes nothing; prove it with a barrier
	f.emit(t, b, model.EventTyping, model.TypingSignal{ReceiverID: "w"})
	next(t, watcher, model.EventTyping)
	_, offline := f.presence.lastSeen("u1")
	require.False(t, offline)

	f.hub.Unregister(b)
	require.Equal(t, []string{"w"}, onlineSnapshot(t, watcher))
}

func TestSlowClientIsRecordedOffline(t *testing.T) {
	f := startHub(t)
	slow := f.announce(t, "u1")
	peer := f.announce(t, "u2")
	require.Equal(t, []string{"u1", "u2"}, onlineSnapshot(t, peer))

	// u1 never reads, so its buffer overflows
	for i := 0; i < cap(slow.send)+10; i++ {
		f.emit(t, peer, model.EventTyping, model.TypingSignal{ReceiverID: "u1"})
	}
	require.Equal(t, []string{"u2"}, onlineSnapshot(t, peer))
	seen, ok := f.presence.lastSeen("u1")
	require.True(t, ok)
	require.Equal(t, f.now, seen)

	require.Eventually(t, func() bool {
		for {
			select {
			case _, open := <-slow.send:
				if !open {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)

	// the read pump unregistering afterwards is harmless
	f.hub.Unregister(slow)
	f.emit(t, peer, model.EventTyping, model.TypingSignal{ReceiverID: "u2"})
	online, err := f.presence.Online(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"u2"}, online)
}

func TestMessageReachesReceiver(t *testing.T) {
	f := startHub(t)
	c1 := f.announce(t, "u1")
	c2 := f.announce(t, "u2")

	msg := model.Message{ID: "101", SenderID: "u1", ReceiverID: "u2", Text: "hi", Status: model.StatusSent}
	f.emit(t, c1, model.EventSendMessage, msg)

	var got model.Message
	require.NoError(t, json.Unmarshal(next(t, c2, model.EventReceiveMessage), &got))
	require.Equal(t, msg.ID, got.ID)
	require.Equal(t, "hi", got.Text)
	require.Zero(t, f.mailbox.pending("u2"))
}

func TestOfflineReceiverGetsQueuedMessages(t *testing.T) {
	f := startHub(t)
	c1 := f.announce(t, "u1")
	onlineSnapshot(t, c1)

	f.emit(t, c1, model.EventSendMessage, model.Message{ID: "101", SenderID: "u1", ReceiverID: "u2", Text: "one"})
	f.emit(t, c1, model.EventSendMessage, model.Message{ID: "102", SenderID: "u1", ReceiverID: "u2", Text: "two"})
	// typing is live only
	f.emit(t, c1, model.EventTyping, model.TypingSignal{ReceiverID: "u2"})
	require.Eventually(t, func() bool { return f.mailbox.pending("u2") == 2 }, time.Second, 5*time.Millisecond)

	// connected but not announced yet: still offline
	c2 := f.connect(t, "u2")
	f.emit(t, c1, model.EventSendMessage, model.Message{ID: "103", SenderID: "u1", ReceiverID: "u2", Text: "three"})
	require.Eventually(t, func() bool { return f.mailbox.pending("u2") == 3 }, time.Second, 5*time.Millisecond)

	f.emit(t, c2, model.EventUserOnline, "u2")
	var texts []string
	for i := 0; i < 3; i++ {
		var m model.Message
		require.NoError(t, json.Unmarshal(next(t, c2, model.EventReceiveMessage), &m))
		texts = append(texts, m.Text)
	}
	require.Equal(t, []string{"one", "two", "three"}, texts)
	require.Zero(t, f.mailbox.pending("u2"))
}

func TestSpoofedEventsAreRejected(t *testing.T) {
	f := startHub(t)
	c1 := f.announce(t, "u1")
	c2 := f.announce(t, "u2")

	f.emit(t, c1, model.EventSendMessage, model.Message{ID: "1", SenderID: "u2", ReceiverID: "u2", Text: "forged"})
	f.emit(t, c1, model.EventUserOnline, "u3")
	f.emit(t, c1, model.EventSendMessage, model.Message{ID: "2", SenderID: "u1", ReceiverID: "u2", Text: "real"})

	var m model.Message
	require.NoError(t, json.Unmarshal(next(t, c2, model.EventReceiveMessage), &m))
	require.Equal(t, "real", m.Text)

	ids, err := f.presence.Online(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"u1", "u2"}, ids)
}

func TestAcksAreRoutedAndPublished(t *testing.T) {
	f := startHub(t)
	c1 := f.announce(t, "u1")
	c2 := f.announce(t, "u2")

	f.emit(t, c2, model.EventMessageDelivered, model.DeliveredAck{MessageID: "101", SenderID: "u1"})
	var d model.DeliveredAck
	require.NoError(t, json.Unmarshal(next(t, c1, model.EventMessageDelivered), &d))
	require.Equal(t, "101", d.MessageID)

	f.emit(t, c2, model.EventMessageSeen, model.SeenAck{SenderID: "u1", MessageIDs: []string{"101", "102"}})
	var s model.SeenAck
	require.NoError(t, json.Unmarshal(next(t, c1, model.EventMessageSeen), &s))
	require.Equal(t, []string{"101", "102"}, s.MessageIDs)

	want := []model.Receipt{
		{ChannelID: "dm:u1:u2", ReaderID: "u2", MessageIDs: []string{"101"}, Status: model.StatusDelivered},
		{ChannelID: "dm:u1:u2", ReaderID: "u2", MessageIDs: []string{"101", "102"}, Status: model.StatusSeen},
	}
	require.Eventually(t, func() bool { return len(f.receipts.all()) == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, want, f.receipts.all())
}

func TestAcksForOwnMessagesAreIgnored(t *testing.T) {
	f := startHub(t)
	c1 := f.announce(t, "u1")
	c2 := f.announce(t, "u2")

	f.emit(t, c1, model.EventMessageSeen, model.SeenAck{SenderID: "u1", MessageIDs: []string{"101"}})
	f.emit(t, c1, model.EventMessageDelivered, model.DeliveredAck{MessageID: "101", SenderID: "u1"})
	// barrier: a later ack from the real reader is the only receipt
	f.emit(t, c2, model.EventMessageSeen, model.SeenAck{SenderID: "u1", MessageIDs: []string{"101"}})
	next(t, c1, model.EventMessageSeen)

	require.Eventually(t, func() bool { return len(f.receipts.all()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "u2", f.receipts.all()[0].ReaderID)
}

func TestTypingCarriesAuthenticatedSender(t *testing.T) {
	f := startHub(t)
	c1 := f.announce(t, "u1")
	c2 := f.announce(t, "u2")

	f.emit(t, c1, model.EventTyping, model.TypingSignal{SenderID: "u9", ReceiverID: "u2"})
	var sig model.TypingSignal
	require.NoError(t, json.Unmarshal(next(t, c2, model.EventTyping), &sig))
	require.Equal(t, model.TypingSignal{SenderID: "u1", ReceiverID: "u2"}, sig)

	f.emit(t, c1, model.EventStopTyping, model.TypingSignal{ReceiverID: "u2"})
	require.NoError(t, json.Unmarshal(next(t, c2, model.EventStopTyping), &sig))
	require.Equal(t, "u1", sig.SenderID)
}

func TestOtherSessionsSeeOwnMessages(t *testing.T) {
	f := startHub(t)
	a := f.announce(t, "u1")
	b := f.announce(t, "u1")
	f.announce(t, "u2")

	f.emit(t, a, model.EventSendMessage, model.Message{ID: "7", SenderID: "u1", ReceiverID: "u2", Text: "hi"})
	var m model.Message
	require.NoError(t, json.Unmarshal(next(t, b, model.EventSendMessage), &m))
	require.Equal(t, "7", m.ID)
}

func TestRegisterFailsAfterStop(t *testing.T) {
	h := NewHub(&fakePresence{online: map[string]bool{}, offline: map[string]time.Time{}},
		&fakeMailbox{q: map[string][][]byte{}}, &fakeReceipts{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.Run(ctx))
	require.False(t, h.Register(newClient("u1")))
	h.Unregister(newClient("u1"))
}
