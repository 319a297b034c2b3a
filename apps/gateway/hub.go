package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

// Presence is the shared online set and last-seen record.
type Presence interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string, at time.Time) error
	Online(ctx context.Context) ([]string, error)
}

// Mailbox holds frames for receivers that are offline.
type Mailbox interface {
	Push(ctx context.Context, userID string, frame []byte) error
	Drain(ctx context.Context, userID string) ([][]byte, error)
}

// ReceiptPublisher forwards delivery receipts to the messaging worker.
type ReceiptPublisher interface {
	Publish(ctx context.Context, r model.Receipt) error
}

// Client is one connection of an authenticated user, websocket or long-poll.
// The hub writes encoded envelopes to send and closes it when the client is
// dropped.
type Client struct {
	ID   string
	send chan []byte

	// owned by the hub goroutine
	announced bool
	slow      bool
}

func newClient(userID string) *Client {
	return &Client{ID: userID, send: make(chan []byte, 256)}
}

type inbound struct {
	client *Client
	env    model.Envelope
}

// Hub routes events between the connections of all users. Every map is
// owned by the Run goroutine.
type Hub struct {
	userClients map[string]map[*Client]bool // user_id -> clients
	register    chan *Client
	unregister  chan *Client
	inbound     chan inbound
	done        chan struct{}
	// clients whose buffer overflowed, dropped once the current event is done
	slow []*Client

	presence Presence
	mailbox  Mailbox
	receipts ReceiptPublisher
	log      zerolog.Logger
	now      func() time.Time
}

func NewHub(presence Presence, mailbox Mailbox, receipts ReceiptPublisher, logger zerolog.Logger) *Hub {
	return &Hub{
		userClients: make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		inbound:     make(chan inbound, 256),
		done:        make(chan struct{}),
		presence:    presence,
		mailbox:     mailbox,
		receipts:    receipts,
		log:         logger.With().Str("component", "hub").Logger(),
		now:         time.Now,
	}
}

// Register adds c to the hub. It reports false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Dispatch hands an event received from c to the hub.
func (h *Hub) Dispatch(c *Client, env model.Envelope) {
	select {
	case h.inbound <- inbound{client: c, env: env}:
	case <-h.done:
	}
}

func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return nil

		case client := <-h.register:
			if h.userClients[client.ID] == nil {
				h.userClients[client.ID] = make(map[*Client]bool)
			}
			h.userClients[client.ID][client] = true
			h.log.Debug().Str("user_id", client.ID).Msg("client registered")

		case client := <-h.unregister:
			h.drop(ctx, client)

		case in := <-h.inbound:
			h.handle(ctx, in.client, in.env)
		}
		h.dropSlow(ctx)
	}
}

// dropSlow unregisters clients that fell behind. Dropping one may broadcast
// a new online set, which can overflow further clients.
func (h *Hub) dropSlow(ctx context.Context) {
	for len(h.slow) > 0 {
		c := h.slow[0]
		h.slow = h.slow[1:]
		h.drop(ctx, c)
	}
}

func (h *Hub) drop(ctx context.Context, client *Client) {
	clients, ok := h.userClients[client.ID]
	if !ok || !clients[client] {
		return
	}
	delete(clients, client)
	close(client.send)
	h.log.Debug().Str("user_id", client.ID).Msg("client unregistered")

	if len(clients) == 0 {
		delete(h.userClients, client.ID)
	}
	if !client.announced || h.isOnline(client.ID) {
		return
	}
	if err := h.presence.SetOffline(ctx, client.ID, h.now()); err != nil {
		h.log.Error().Err(err).Str("user_id", client.ID).Msg("failed to record offline")
	}
	h.log.Info().Str("user_id", client.ID).Msg("user offline")
	h.broadcastOnline(ctx)
}

// isOnline reports whether userID has an announced connection left.
func (h *Hub) isOnline(userID string) bool {
	for c := range h.userClients[userID] {
		if c.announced && !c.slow {
			return true
		}
	}
	return false
}

func (h *Hub) handle(ctx context.Context, c *Client, env model.Envelope) {
	if _, ok := h.userClients[c.ID][c]; !ok {
		return
	}
	var err error
	switch env.Event {
	case model.EventUserOnline:
		err = h.onUserOnline(ctx, c, env.Data)
	case model.EventSendMessage:
		err = h.onSendMessage(ctx, c, env.Data)
	case model.EventMessageDelivered:
		err = h.onDelivered(ctx, c, env.Data)
	case model.EventMessageSeen:
		err = h.onSeen(ctx, c, env.Data)
	case model.EventTyping, model.EventStopTyping:
		err = h.onTyping(c, env.Event, env.Data)
	default:
		h.log.Debug().Str("event", env.Event).Str("user_id", c.ID).Msg("ignoring unknown event")
		return
	}
	if err != nil {
		h.log.Warn().Err(err).Str("event", env.Event).Str("user_id", c.ID).Msg("dropping event")
	}
}

func (h *Hub) onUserOnline(ctx context.Context, c *Client, data json.RawMessage) error {
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}
	if id != c.ID {
		h.log.Warn().Str("user_id", c.ID).Str("claimed", id).Msg("user-online for another identity")
		return nil
	}
	first := !h.isOnline(c.ID)
	c.announced = true
	if first {
		if err := h.presence.SetOnline(ctx, c.ID); err != nil {
			h.log.Error().Err(err).Str("user_id", c.ID).Msg("failed to set presence")
		}
		h.log.Info().Str("user_id", c.ID).Msg("user online")
	}

	frames, err := h.mailbox.Drain(ctx, c.ID)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", c.ID).Msg("failed to drain pending messages")
	}
	for _, f := range frames {
		h.sendTo(c, f)
	}
	if len(frames) > 0 {
		h.log.Info().Str("user_id", c.ID).Int("count", len(frames)).Msg("flushed pending messages")
	}

	h.broadcastOnline(ctx)
	return nil
}

func (h *Hub) onSendMessage(ctx context.Context, c *Client, data json.RawMessage) error {
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	if msg.SenderID != c.ID || msg.ReceiverID == "" || msg.ID == "" {
		h.log.Warn().Str("user_id", c.ID).Str("sender_id", msg.SenderID).Msg("rejecting message")
		return nil
	}

	frame, err := encode(model.EventReceiveMessage, msg)
	if err != nil {
		return err
	}
	if !h.deliver(msg.ReceiverID, frame, nil) {
		if err := h.mailbox.Push(ctx, msg.ReceiverID, frame); err != nil {
			return err
		}
		h.log.Debug().Str("receiver_id", msg.ReceiverID).Str("message_id", msg.ID).Msg("receiver offline, queued")
	}

	// the sender's other sessions learn about it too
	if echo, err := encode(model.EventSendMessage, msg); err == nil {
		h.deliver(c.ID, echo, c)
	}
	return nil
}

func (h *Hub) onDelivered(ctx context.Context, c *Client, data json.RawMessage) error {
	var ack model.DeliveredAck
	if err := json.Unmarshal(data, &ack); err != nil {
		return err
	}
	if ack.SenderID == "" || ack.SenderID == c.ID || ack.MessageID == "" {
		return nil
	}
	frame, err := encode(model.EventMessageDelivered, ack)
	if err != nil {
		return err
	}
	h.deliver(ack.SenderID, frame, nil)
	h.publish(ctx, model.Receipt{
		ChannelID:  model.ChannelID(c.ID, ack.SenderID),
		ReaderID:   c.ID,
		MessageIDs: []string{ack.MessageID},
		Status:     model.StatusDelivered,
	})
	return nil
}

func (h *Hub) onSeen(ctx context.Context, c *Client, data json.RawMessage) error {
	var ack model.SeenAck
	if err := json.Unmarshal(data, &ack); err != nil {
		return err
	}
	if ack.SenderID == "" || ack.SenderID == c.ID || len(ack.MessageIDs) == 0 {
		return nil
	}
	frame, err := encode(model.EventMessageSeen, ack)
	if err != nil {
		return err
	}
	h.deliver(ack.SenderID, frame, nil)
	h.publish(ctx, model.Receipt{
		ChannelID:  model.ChannelID(c.ID, ack.SenderID),
		ReaderID:   c.ID,
		MessageIDs: ack.MessageIDs,
		Status:     model.StatusSeen,
	})
	return nil
}

// onTyping forwards typing signals live only; they are never queued.
func (h *Hub) onTyping(c *Client, event string, data json.RawMessage) error {
	var sig model.TypingSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		return err
	}
	if sig.ReceiverID == "" {
		return nil
	}
	sig.SenderID = c.ID
	frame, err := encode(event, sig)
	if err != nil {
		return err
	}
	h.deliver(sig.ReceiverID, frame, nil)
	return nil
}

func (h *Hub) publish(ctx context.Context, r model.Receipt) {
	if err := h.receipts.Publish(ctx, r); err != nil {
		h.log.Error().Err(err).Str("channel_id", r.ChannelID).Msg("failed to publish receipt")
	}
}

func (h *Hub) broadcastOnline(ctx context.Context) {
	ids, err := h.presence.Online(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to read online set, using local view")
		ids = ids[:0]
		for id := range h.userClients {
			if h.isOnline(id) {
				ids = append(ids, id)
			}
		}
	}
	if ids == nil {
		ids = []string{}
	}
	frame, err := encode(model.EventOnlineUsers, ids)
	if err != nil {
		return
	}
	for _, clients := range h.userClients {
		for c := range clients {
			h.sendTo(c, frame)
		}
	}
}

// deliver sends frame to every connection of userID except skip and reports
// whether any connection was announced.
func (h *Hub) deliver(userID string, frame []byte, skip *Client) bool {
	reached := false
	for c := range h.userClients[userID] {
		if c == skip || !c.announced {
			continue
		}
		if h.sendTo(c, frame) {
			reached = true
		}
	}
	return reached
}

// sendTo queues frame for c. A client too slow to keep up is marked and
// dropped by dropSlow, which also records the user offline.
func (h *Hub) sendTo(c *Client, frame []byte) bool {
	if c.slow {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		h.log.Warn().Str("user_id", c.ID).Msg("client send buffer full, dropping client")
		c.slow = true
		h.slow = append(h.slow, c)
		return false
	}
}

func encode(event string, payload any) ([]byte, error) {
	env, err := model.NewEnvelope(event, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
