package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

type call struct {
	channelID string
	readerID  string
	ids       []string
	status    model.Status
}

type fakeStore struct {
	failures int
	calls    []call
}

func (s *fakeStore) AdvanceStatus(_ context.Context, channelID, readerID string, ids []string, status model.Status) (int, error) {
	s.calls = append(s.calls, call{channelID, readerID, ids, status})
	if s.failures > 0 {
		s.failures--
		return 0, errors.New("scylla unavailable")
	}
	return len(ids), nil
}

func testConsumer(store StatusStore) *Consumer {
	c := newConsumer(nil, store, zerolog.Nop())
	c.newBackoff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3)
	}
	return c
}

func receipt(t *testing.T, r model.Receipt) []byte {
	t.Helper()
	b, err := json.Marshal(r)
	require.NoError(t, err)
	return b
}

func TestReceiptIsApplied(t *testing.T) {
	store := &fakeStore{}
	c := testConsumer(store)

	err := c.handle(context.Background(), receipt(t, model.Receipt{
		ChannelID: "dm:a:b", ReaderID: "b", MessageIDs: []string{"1", "2"}, Status: model.StatusSeen,
	}))
	require.NoError(t, err)
	require.Equal(t, []call{{"dm:a:b", "b", []string{"1", "2"}, model.StatusSeen}}, store.calls)
}

func TestTransientStoreErrorsAreRetried(t *testing.T) {
	store := &fakeStore{failures: 2}
	c := testConsumer(store)

	err := c.handle(context.Background(), receipt(t, model.Receipt{
		ChannelID: "dm:a:b", ReaderID: "a", MessageIDs: []string{"1"}, Status: model.StatusDelivered,
	}))
	require.NoError(t, err)
	require.Len(t, store.calls, 3)
}

func TestRetriesGiveUp(t *testing.T) {
	store := &fakeStore{failures: 10}
	c := testConsumer(store)

	err := c.handle(context.Background(), receipt(t, model.Receipt{
		ChannelID: "dm:a:b", ReaderID: "a", MessageIDs: []string{"1"}, Status: model.StatusDelivered,
	}))
	require.Error(t, err)
	require.Len(t, store.calls, 4)
}

func TestUnusableReceiptsAreSkipped(t *testing.T) {
	cases := map[string][]byte{
		"malformed":   []byte(`{"channel_id":`),
		"no ids":      receipt(t, model.Receipt{ChannelID: "dm:a:b", ReaderID: "a", Status: model.StatusSeen}),
		"not a dm":    receipt(t, model.Receipt{ChannelID: "general", ReaderID: "a", MessageIDs: []string{"1"}, Status: model.StatusSeen}),
		"sent status": receipt(t, model.Receipt{ChannelID: "dm:a:b", ReaderID: "a", MessageIDs: []string{"1"}, Status: model.StatusSent}),
		"no reader":   receipt(t, model.Receipt{ChannelID: "dm:a:b", MessageIDs: []string{"1"}, Status: model.StatusSeen}),
		"outsider":    receipt(t, model.Receipt{ChannelID: "dm:a:b", ReaderID: "c", MessageIDs: []string{"1"}, Status: model.StatusSeen}),
		"prefix only": receipt(t, model.Receipt{ChannelID: "dm:ab:cd", ReaderID: "b", MessageIDs: []string{"1"}, Status: model.StatusSeen}),
	}
	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			store := &fakeStore{}
			err := testConsumer(store).handle(context.Background(), value)
			require.ErrorIs(t, err, errPoison)
			require.Empty(t, store.calls)
		})
	}
}
