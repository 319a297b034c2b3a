package model

// Status is the delivery state of a message. Only sent, delivered and seen
// travel on the wire; pending and failed exist only on the sender's client
// before the server confirms the send.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusSeen      Status = "seen"
)

// Rank orders statuses along sent → delivered → seen. Unknown values rank
// with pending.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusSeen:
		return 3
	default:
		return 0
	}
}

// Advance returns the status after applying next. It never moves backwards;
// ok is false when next does not move the message forward.
func (s Status) Advance(next Status) (Status, bool) {
	if next.Rank() <= s.Rank() {
		return s, false
	}
	return next, true
}

// Max returns the more advanced of the two statuses.
func Max(a, b Status) Status {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}
