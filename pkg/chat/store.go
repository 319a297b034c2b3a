package chat

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

// FetchTag identifies one history fetch. Only the latest fetch of the active
// peer may merge its result.
type FetchTag struct {
	PeerID string
	Seq    uint64
}

// ConversationStore keeps one ordered, duplicate-free message log per peer.
//
// History fetches and stream events arrive in any relative order; every
// merge is a union by id that keeps the most advanced status, so applying
// them in any order gives the same log.
type ConversationStore struct {
	me       string
	api      API
	sched    Scheduler
	delivery *DeliveryStateMachine
	typing   *TypingCoordinator
	emit     EmitFunc
	notify   notifyFunc
	log      zerolog.Logger
	now      func() time.Time
	newID    func() string

	convs    map[string][]model.Message
	index    map[string]string
	active   string
	fetchSeq uint64
}

func newConversationStore(me string, api API, sched Scheduler, emit EmitFunc, logger zerolog.Logger) *ConversationStore {
	return &ConversationStore{
		me:     me,
		api:    api,
		sched:  sched,
		emit:   emit,
		notify: nopNotify,
		log:    logger,
		now:    time.Now,
		newID:  func() string { return model.LocalIDPrefix + uuid.NewString() },
		convs:  map[string][]model.Message{},
		index:  map[string]string{},
	}
}

// Active returns the peer whose conversation is open.
func (s *ConversationStore) Active() string {
	return s.active
}

// SelectPeer opens peerID's conversation and fetches its history. Stream
// messages for peerID keep arriving while the fetch is outstanding.
func (s *ConversationStore) SelectPeer(ctx context.Context, peerID string) FetchTag {
	prev := s.active
	s.active = peerID
	if prev != "" && prev != peerID {
		s.typing.ClearPeer(prev)
	}
	s.typing.ClearPeer(peerID)
	if peerID == "" {
		s.fetchSeq++
		return FetchTag{}
	}
	return s.fetch(ctx, peerID)
}

// Refetch reloads the active peer's history, used after a reconnect since
// events missed while disconnected are not replayed.
func (s *ConversationStore) Refetch(ctx context.Context) (FetchTag, bool) {
	if s.active == "" {
		return FetchTag{}, false
	}
	return s.fetch(ctx, s.active), true
}

func (s *ConversationStore) fetch(ctx context.Context, peerID string) FetchTag {
	s.fetchSeq++
	tag := FetchTag{PeerID: peerID, Seq: s.fetchSeq}
	me := s.me
	s.sched.Go(func() {
		msgs, err := s.api.History(ctx, me, peerID)
		s.sched.Post(func() { s.OnHistoryLoaded(tag, msgs, err) })
	})
	return tag
}

// OnHistoryLoaded merges a completed fetch and marks the peer's unseen
// messages read in one batched ack.
func (s *ConversationStore) OnHistoryLoaded(tag FetchTag, msgs []model.Message, err error) {
	if tag.Seq != s.fetchSeq || tag.PeerID != s.active {
		s.log.Debug().Str("peer_id", tag.PeerID).Uint64("seq", tag.Seq).Msg("discarding stale history")
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Str("peer_id", tag.PeerID).Msg("history fetch failed")
		return
	}
	peer := tag.PeerID

	for _, m := range msgs {
		if m.ID == "" || m.PeerOf(s.me) != peer || (m.SenderID != s.me && m.ReceiverID != s.me) {
			s.log.Warn().Str("message_id", m.ID).Str("peer_id", peer).Msg("history entry outside conversation")
			continue
		}
		if m.Status.Rank() == 0 {
			m.Status = model.StatusSent
		}
		s.merge(peer, m)
	}

	var unseen []string
	for _, m := range s.convs[peer] {
		if m.SenderID == peer && m.Status != model.StatusSeen {
			unseen = append(unseen, m.ID)
		}
	}
	s.delivery.AckSeen(peer, unseen)
	s.notify(Update{Kind: UpdateMessages, PeerID: peer})
}

// OnMessageReceived appends a streamed message if it is new. Messages from a
// peer are acked as delivered, and as seen when that peer is active.
func (s *ConversationStore) OnMessageReceived(msg model.Message) {
	if msg.ID == "" || (msg.SenderID != s.me && msg.ReceiverID != s.me) {
		s.log.Warn().Str("message_id", msg.ID).Str("sender_id", msg.SenderID).Msg("message not addressed to us")
		return
	}
	peer := msg.PeerOf(s.me)
	if msg.Status.Rank() == 0 {
		msg.Status = model.StatusSent
	}
	if _, dup := s.index[msg.ID]; dup {
		s.merge(peer, msg)
		return
	}

	if msg.SenderID == peer {
		msg.Status = model.Max(msg.Status, model.StatusDelivered)
	}
	s.merge(peer, msg)

	if msg.SenderID == peer {
		s.delivery.AckDelivered(msg)
		if peer == s.active {
			s.delivery.AckSeen(peer, []string{msg.ID})
		}
	}
	s.notify(Update{Kind: UpdateMessages, PeerID: peer})
}

// SendMessage posts text to peerID. A pending placeholder is shown until the
// server confirms; it becomes failed if the send fails. Blank text or no
// peer is ignored. Returns the placeholder id.
func (s *ConversationStore) SendMessage(ctx context.Context, peerID, text string) string {
	if peerID == "" || strings.TrimSpace(text) == "" {
		s.log.Debug().Str("peer_id", peerID).Msg("ignoring empty send")
		return ""
	}
	ph := model.Message{
		ID:         s.newID(),
		SenderID:   s.me,
		ReceiverID: peerID,
		Text:       text,
		CreatedAt:  s.now(),
		Status:     model.StatusPending,
	}
	s.insert(peerID, ph)
	s.notify(Update{Kind: UpdateMessages, PeerID: peerID})
	s.dispatchSend(ctx, ph)
	return ph.ID
}

// Resend retries a failed placeholder.
func (s *ConversationStore) Resend(ctx context.Context, localID string) bool {
	peer, ok := s.index[localID]
	if !ok {
		return false
	}
	i := s.find(peer, localID)
	if i < 0 || s.convs[peer][i].Status != model.StatusFailed {
		return false
	}
	s.convs[peer][i].Status = model.StatusPending
	s.notify(Update{Kind: UpdateMessages, PeerID: peer})
	s.dispatchSend(ctx, s.convs[peer][i])
	return true
}

func (s *ConversationStore) dispatchSend(ctx context.Context, ph model.Message) {
	s.sched.Go(func() {
		msg, err := s.api.Send(ctx, ph.SenderID, ph.ReceiverID, ph.Text)
		s.sched.Post(func() { s.onSent(ph, msg, err) })
	})
}

func (s *ConversationStore) onSent(ph model.Message, msg model.Message, err error) {
	peer := ph.ReceiverID
	defer s.notify(Update{Kind: UpdateMessages, PeerID: peer})

	if err != nil {
		s.log.Warn().Err(err).Str("peer_id", peer).Msg("send failed")
		if i := s.find(peer, ph.ID); i >= 0 {
			s.convs[peer][i].Status = model.StatusFailed
		}
		s.typing.Stop(peer)
		return
	}

	msg.Status = model.Max(msg.Status, model.StatusSent)
	if i := s.find(peer, ph.ID); i >= 0 {
		s.removeAt(peer, i)
	}
	// the confirmation names its own placeholder; others with the same text
	// belong to separate sends
	if !s.mergeByID(peer, msg) {
		s.insert(peer, msg)
	}

	s.emit(model.EventSendMessage, msg)
	s.typing.Stop(peer)
}

// Clear deletes the conversation with peerID on the server, then locally.
// Nothing is removed if the server refuses.
func (s *ConversationStore) Clear(ctx context.Context, peerID string) {
	if peerID == "" {
		return
	}
	me := s.me
	s.sched.Go(func() {
		err := s.api.ClearConversation(ctx, me, peerID)
		s.sched.Post(func() { s.onCleared(peerID, err) })
	})
}

func (s *ConversationStore) onCleared(peerID string, err error) {
	if err != nil {
		s.log.Warn().Err(err).Str("peer_id", peerID).Msg("clear failed")
		return
	}
	for _, m := range s.convs[peerID] {
		delete(s.index, m.ID)
	}
	delete(s.convs, peerID)
	s.notify(Update{Kind: UpdateMessages, PeerID: peerID})
}

// Snapshot returns a copy of peerID's conversation.
func (s *ConversationStore) Snapshot(peerID string) []model.Message {
	return append([]model.Message(nil), s.convs[peerID]...)
}

// Lookup finds a message by id in any conversation.
func (s *ConversationStore) Lookup(id string) (model.Message, bool) {
	peer, ok := s.index[id]
	if !ok {
		return model.Message{}, false
	}
	i := s.find(peer, id)
	if i < 0 {
		return model.Message{}, false
	}
	return s.convs[peer][i], true
}

// advance moves a message's status forward; it reports whether the message
// exists and whether its status changed.
func (s *ConversationStore) advance(id string, status model.Status) (found, changed bool) {
	peer, ok := s.index[id]
	if !ok {
		return false, false
	}
	i := s.find(peer, id)
	if i < 0 {
		return false, false
	}
	next, ok := s.convs[peer][i].Status.Advance(status)
	if !ok {
		return true, false
	}
	s.convs[peer][i].Status = next
	s.notify(Update{Kind: UpdateMessages, PeerID: peer})
	return true, true
}

// merge inserts m unless its id is present, in which case only the status
// may move forward. A server copy of one of our pending placeholders replaces
// the oldest such placeholder.
func (s *ConversationStore) merge(peer string, m model.Message) {
	if s.mergeByID(peer, m) {
		return
	}
	if m.SenderID == s.me && !m.IsLocal() {
		if i := s.findPlaceholder(peer, m); i >= 0 {
			s.removeAt(peer, i)
		}
	}
	s.insert(peer, m)
}

// mergeByID advances the status of the message with m's id and reports
// whether it was present.
func (s *ConversationStore) mergeByID(peer string, m model.Message) bool {
	i := s.find(peer, m.ID)
	if i < 0 {
		return false
	}
	s.convs[peer][i].Status = model.Max(s.convs[peer][i].Status, m.Status)
	return true
}

// findPlaceholder only matches pending placeholders; a failed one stays until
// it is resent.
func (s *ConversationStore) findPlaceholder(peer string, m model.Message) int {
	for i, c := range s.convs[peer] {
		if c.IsLocal() && c.Status == model.StatusPending && c.SameContent(m) {
			return i
		}
	}
	return -1
}

// insert places m after every message created at or before it, so equal
// timestamps keep arrival order.
func (s *ConversationStore) insert(peer string, m model.Message) {
	conv := s.convs[peer]
	i := sort.Search(len(conv), func(i int) bool { return conv[i].CreatedAt.After(m.CreatedAt) })
	conv = append(conv, model.Message{})
	copy(conv[i+1:], conv[i:])
	conv[i] = m
	s.convs[peer] = conv
	s.index[m.ID] = peer
}

func (s *ConversationStore) removeAt(peer string, i int) {
	conv := s.convs[peer]
	delete(s.index, conv[i].ID)
	s.convs[peer] = append(conv[:i], conv[i+1:]...)
}

func (s *ConversationStore) find(peer, id string) int {
	if s.index[id] != peer {
		return -1
	}
	for i := range s.convs[peer] {
		if s.convs[peer][i].ID == id {
			return i
		}
	}
	return -1
}
