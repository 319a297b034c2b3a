package model

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Stream event names.
const (
	EventUserOnline       = "user-online"
	EventOnlineUsers      = "online-users"
	EventSendMessage      = "sendMessage"
	EventReceiveMessage   = "receiveMessage"
	EventMessageDelivered = "messageDelivered"
	EventMessageSeen      = "messageSeen"
	EventTyping           = "typing"
	EventStopTyping       = "stopTyping"
)

// Envelope is the frame exchanged on every transport.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.Wrapf(err, "marshal %s payload", event)
	}
	return Envelope{Event: event, Data: data}, nil
}

// DeliveredAck confirms a message reached the receiver. SenderID is the
// author of the message, i.e. the user the ack is routed back to.
type DeliveredAck struct {
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
}

// SeenAck confirms a batch of messages authored by SenderID were viewed.
type SeenAck struct {
	SenderID   string   `json:"senderId"`
	MessageIDs []string `json:"messageIds"`
}

type TypingSignal struct {
	SenderID   string `json:"senderId,omitempty"`
	ReceiverID string `json:"receiverId"`
}

// Receipt is the persisted form of an ack, published by the gateway for the
// messaging worker. ReaderID is the authenticated user who sent the ack; only
// messages addressed to them are advanced.
type Receipt struct {
	ChannelID  string   `json:"channel_id"`
	ReaderID   string   `json:"reader_id"`
	MessageIDs []string `json:"message_ids"`
	Status     Status   `json:"status"`
}
