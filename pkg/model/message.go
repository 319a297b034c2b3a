package model

import (
	"strings"
	"time"
)

// LocalIDPrefix marks ids assigned by the client to optimistic placeholders.
// Server ids never carry it.
const LocalIDPrefix = "local-"

type Identity struct {
	ID          string `json:"_id"`
	DisplayName string `json:"name"`
	Phone       string `json:"phone"`
	Token       string `json:"token,omitempty"`
}

// User is one entry of the user listing.
type User struct {
	ID          string     `json:"_id"`
	DisplayName string     `json:"name"`
	Phone       string     `json:"phone"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
}

type Message struct {
	ID         string    `json:"_id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
	Status     Status    `json:"status"`
}

// PeerOf returns the other party of the message as seen by me.
func (m Message) PeerOf(me string) string {
	if m.SenderID == me {
		return m.ReceiverID
	}
	return m.SenderID
}

func (m Message) IsLocal() bool {
	return strings.HasPrefix(m.ID, LocalIDPrefix)
}

// SameContent reports whether two messages carry the same sender, receiver
// and text. Used to match placeholders against server copies.
func (m Message) SameContent(o Message) bool {
	return m.SenderID == o.SenderID && m.ReceiverID == o.ReceiverID && m.Text == o.Text
}

// ChannelID is the DM partition key shared by storage and receipts:
// "dm:<low>:<high>".
func ChannelID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}
