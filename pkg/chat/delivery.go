package chat

import (
	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

// DeliveryStateMachine applies delivery acks to stored messages and emits
// them for messages we receive. Status only moves forward along
// sent → delivered → seen.
type DeliveryStateMachine struct {
	me    string
	store *ConversationStore
	emit  EmitFunc
	log   zerolog.Logger
}

// OnDelivered handles a messageDelivered ack for a message we authored.
func (d *DeliveryStateMachine) OnDelivered(ack model.DeliveredAck) {
	if ack.SenderID != "" && ack.SenderID != d.me {
		d.log.Warn().Str("message_id", ack.MessageID).Str("sender_id", ack.SenderID).Msg("delivered ack for someone else's message")
		return
	}
	d.apply(ack.MessageID, model.StatusDelivered)
}

// OnSeen handles a batched messageSeen ack for messages we authored.
func (d *DeliveryStateMachine) OnSeen(ack model.SeenAck) {
	if ack.SenderID != "" && ack.SenderID != d.me {
		d.log.Warn().Str("sender_id", ack.SenderID).Int("count", len(ack.MessageIDs)).Msg("seen ack for someone else's messages")
		return
	}
	for _, id := range ack.MessageIDs {
		d.apply(id, model.StatusSeen)
	}
}

func (d *DeliveryStateMachine) apply(id string, status model.Status) {
	found, changed := d.store.advance(id, status)
	if !found {
		// the message may not be loaded yet; the next history fetch carries
		// the server's status
		d.log.Warn().Str("message_id", id).Str("status", string(status)).Msg("ack for unknown message")
		return
	}
	if !changed {
		d.log.Debug().Str("message_id", id).Str("status", string(status)).Msg("ack does not advance message")
	}
}

// AckDelivered tells the author that msg reached us.
func (d *DeliveryStateMachine) AckDelivered(msg model.Message) {
	d.emit(model.EventMessageDelivered, model.DeliveredAck{MessageID: msg.ID, SenderID: msg.SenderID})
}

// AckSeen tells peer that we viewed ids, in one emission, and marks them
// seen locally.
func (d *DeliveryStateMachine) AckSeen(peer string, ids []string) {
	if len(ids) == 0 {
		return
	}
	d.emit(model.EventMessageSeen, model.SeenAck{SenderID: peer, MessageIDs: ids})
	for _, id := range ids {
		d.store.advance(id, model.StatusSeen)
	}
}
