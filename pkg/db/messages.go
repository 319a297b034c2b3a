package db

import (
	"context"
	"strconv"
	"time"

	"github.com/gocql/gocql"
	"github.com/pkg/errors"

	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/snowflake"
)

type Conversation struct {
	UserID      string    `json:"user_id"`
	OtherUserID string    `json:"other_user_id"`
	LastUpdated time.Time `json:"last_updated"`
}

func parseID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "message id %q", id)
	}
	return n, nil
}

// InsertMessage stores m in its DM partition and bumps both participants'
// conversation lists.
func (s *Session) InsertMessage(ctx context.Context, m model.Message) error {
	id, err := parseID(m.ID)
	if err != nil {
		return err
	}
	ch := model.ChannelID(m.SenderID, m.ReceiverID)
	err = s.Query(`INSERT INTO messages (channel_id, id, sender_id, receiver_id, text, created_at, status) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ch, id, m.SenderID, m.ReceiverID, m.Text, m.CreatedAt, string(m.Status)).WithContext(ctx).Exec()
	if err != nil {
		return errors.Wrap(err, "insert message")
	}

	b := s.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	q := `INSERT INTO user_conversations (user_id, other_user_id, last_updated) VALUES (?, ?, ?)`
	b.Query(q, m.SenderID, m.ReceiverID, m.CreatedAt)
	b.Query(q, m.ReceiverID, m.SenderID, m.CreatedAt)
	if err := s.ExecuteBatch(b); err != nil {
		return errors.Wrap(err, "update conversations")
	}
	return nil
}

// Messages returns the conversation between a and b, oldest first.
func (s *Session) Messages(ctx context.Context, a, b string) ([]model.Message, error) {
	iter := s.Query(`SELECT id, sender_id, receiver_id, text, created_at, status FROM messages WHERE channel_id = ?`,
		model.ChannelID(a, b)).WithContext(ctx).Iter()

	var (
		out    []model.Message
		id     int64
		m      model.Message
		status string
	)
	for iter.Scan(&id, &m.SenderID, &m.ReceiverID, &m.Text, &m.CreatedAt, &status) {
		m.ID = strconv.FormatInt(id, 10)
		m.Status = model.Status(status)
		if m.CreatedAt.IsZero() {
			m.CreatedAt = snowflake.Time(id)
		}
		out = append(out, m)
	}
	if err := iter.Close(); err != nil {
		return nil, errors.Wrap(err, "iterate messages")
	}
	return out, nil
}

// DeleteConversation removes every message between a and b.
func (s *Session) DeleteConversation(ctx context.Context, a, b string) error {
	if err := s.Query(`DELETE FROM messages WHERE channel_id = ?`, model.ChannelID(a, b)).WithContext(ctx).Exec(); err != nil {
		return errors.Wrap(err, "delete messages")
	}
	batch := s.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	q := `DELETE FROM user_conversations WHERE user_id = ? AND other_user_id = ?`
	batch.Query(q, a, b)
	batch.Query(q, b, a)
	return errors.Wrap(s.ExecuteBatch(batch), "delete conversations")
}

// AdvanceStatus moves the listed messages of a channel to status, never
// backwards. Only messages whose receiver is readerID are touched. Each row is
// updated with a compare-and-set on its current status so concurrent receipts
// cannot regress it. Returns how many rows changed.
func (s *Session) AdvanceStatus(ctx context.Context, channelID, readerID string, ids []string, status model.Status) (int, error) {
	changed := 0
	for _, raw := range ids {
		id, err := parseID(raw)
		if err != nil {
			return changed, err
		}
		for attempt := 0; attempt < 3; attempt++ {
			var cur, receiver string
			err := s.Query(`SELECT status, receiver_id FROM messages WHERE channel_id = ? AND id = ?`, channelID, id).
				WithContext(ctx).Scan(&cur, &receiver)
			if errors.Is(err, gocql.ErrNotFound) {
				break
			}
			if err != nil {
				return changed, errors.Wrap(err, "read status")
			}
			if receiver != readerID {
				break
			}
			next, ok := model.Status(cur).Advance(status)
			if !ok {
				break
			}
			applied, err := s.Query(`UPDATE messages SET status = ? WHERE channel_id = ? AND id = ? IF status = ?`,
				string(next), channelID, id, cur).WithContext(ctx).MapScanCAS(map[string]interface{}{})
			if err != nil {
				return changed, errors.Wrap(err, "update status")
			}
			if applied {
				changed++
				break
			}
		}
	}
	return changed, nil
}

// Conversations lists the peers user has talked to.
func (s *Session) Conversations(ctx context.Context, user string) ([]Conversation, error) {
	iter := s.Query(`SELECT user_id, other_user_id, last_updated FROM user_conversations WHERE user_id = ?`, user).
		WithContext(ctx).Iter()

	var conversations []Conversation
	var c Conversation
	for iter.Scan(&c.UserID, &c.OtherUserID, &c.LastUpdated) {
		conversations = append(conversations, c)
	}
	if err := iter.Close(); err != nil {
		return nil, errors.Wrap(err, "iterate conversations")
	}
	return conversations, nil
}
