package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/dupahar-chat/pkg/api"
	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/db"
	"github.com/mahaj/dupahar-chat/pkg/model"
)

type memStore struct {
	mu       sync.Mutex
	users    map[string]db.UserRecord
	messages map[string][]model.Message
	convs    map[string]map[string]time.Time
}

func newMemStore() *memStore {
	return &memStore{
		users:    map[string]db.UserRecord{},
		messages: map[string][]model.Message{},
		convs:    map[string]map[string]time.Time{},
	}
}

func (m *memStore) CreateUser(_ context.Context, u db.UserRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.Phone]; ok {
		return db.ErrPhoneTaken
	}
	m.users[u.Phone] = u
	return nil
}

func (m *memStore) UserByPhone(_ context.Context, phone string) (db.UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[phone]
	if !ok {
		return db.UserRecord{}, db.ErrNotFound
	}
	return u, nil
}

func (m *memStore) Users(context.Context) ([]db.UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.UserRecord
	for _, u := range m.users {
		out = append(out, u)
	}
	return out, nil
}

func (m *memStore) InsertMessage(_ context.Context, msg model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := model.ChannelID(msg.SenderID, msg.ReceiverID)
	m.messages[ch] = append(m.messages[ch], msg)
	for _, pair := range [][2]string{{msg.SenderID, msg.ReceiverID}, {msg.ReceiverID, msg.SenderID}} {
		if m.convs[pair[0]] == nil {
			m.convs[pair[0]] = map[string]time.Time{}
		}
		m.convs[pair[0]][pair[1]] = msg.CreatedAt
	}
	return nil
}

func (m *memStore) Messages(_ context.Context, a, b string) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Message(nil), m.messages[model.ChannelID(a, b)]...), nil
}

func (m *memStore) DeleteConversation(_ context.Context, a, b string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, model.ChannelID(a, b))
	delete(m.convs[a], b)
	delete(m.convs[b], a)
	return nil
}

func (m *memStore) Conversations(_ context.Context, user string) ([]db.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.Conversation
	for other, at := range m.convs[user] {
		out = append(out, db.Conversation{UserID: user, OtherUserID: other, LastUpdated: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OtherUserID < out[j].OtherUserID })
	return out, nil
}

type lastSeenStub struct {
	mu   sync.Mutex
	seen map[string]time.Time
	down bool
}

func (s *lastSeenStub) set(seen map[string]time.Time, down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen, s.down = seen, down
}

func (s *lastSeenStub) LastSeen(context.Context) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, errors.New("redis down")
	}
	return s.seen, nil
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NextID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return strconv.Itoa(1000 + s.n)
}

func newTestServer(t *testing.T) (*httptest.Server, *lastSeenStub) {
	t.Helper()
	var (
		mu sync.Mutex
		n  int
	)
	seen := &lastSeenStub{}
	srv := &Server{
		store:    newMemStore(),
		lastSeen: seen,
		signer:   auth.NewSigner("test-secret", time.Hour),
		ids:      &seqIDs{},
		log:      zerolog.Nop(),
		now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			n++
			return time.Date(2026, 3, 4, 10, 0, n, 0, time.UTC)
		},
	}
	ts := httptest.NewServer(CORSMiddleware(srv.Routes()))
	t.Cleanup(ts.Close)
	return ts, seen
}

func register(t *testing.T, c *api.Client, name, phone string) model.Identity {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, c.Register(ctx, name, phone, "pw-"+phone))
	id, err := c.Login(ctx, phone, "pw-"+phone)
	require.NoError(t, err)
	return id
}

func TestRegisterAndLogin(t *testing.T) {
	ts, _ := newTestServer(t)
	c := api.New(ts.URL, time.Second)
	ctx := context.Background()

	id := register(t, c, "Asha", "555-0100")
	require.NotEmpty(t, id.ID)
	require.Equal(t, "Asha", id.DisplayName)
	require.NotEmpty(t, id.Token)

	var authErr *api.AuthError
	err := c.Register(ctx, "Other", "555-0100", "x")
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, "User already exists", authErr.Message)

	_, err = c.Login(ctx, "555-0100", "wrong")
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, invalidCredentials, authErr.Message)

	_, err = c.Login(ctx, "555-0199", "pw")
	require.ErrorAs(t, err, &authErr)
}

func TestSendHistoryAndClear(t *testing.T) {
	ts, _ := newTestServer(t)
	alice := api.New(ts.URL, time.Second)
	bob := api.New(ts.URL, time.Second)
	ctx := context.Background()
	a := register(t, alice, "Alice", "1")
	b := register(t, bob, "Bob", "2")

	m1, err := alice.Send(ctx, a.ID, b.ID, "hi")
	require.NoError(t, err)
	require.Equal(t, model.StatusSent, m1.Status)
	m2, err := bob.Send(ctx, b.ID, a.ID, "hey")
	require.NoError(t, err)

	hist, err := bob.History(ctx, b.ID, a.ID)
	require.NoError(t, err)
	require.Equal(t, []string{m1.ID, m2.ID}, []string{hist[0].ID, hist[1].ID})

	_, err = alice.Send(ctx, b.ID, a.ID, "spoof")
	var se *api.StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusForbidden, se.Code)

	_, err = alice.Send(ctx, a.ID, b.ID, "   ")
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusBadRequest, se.Code)

	_, err = alice.History(ctx, b.ID, a.ID)
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusForbidden, se.Code)

	require.NoError(t, alice.ClearConversation(ctx, a.ID, b.ID))
	hist, err = bob.History(ctx, b.ID, a.ID)
	require.NoError(t, err)
	require.Empty(t, hist)
}

func TestUsersCarryLastSeen(t *testing.T) {
	seen := time.Date(2026, 3, 3, 22, 0, 0, 0, time.UTC)
	ts, lastSeen := newTestServer(t)
	c := api.New(ts.URL, time.Second)
	ctx := context.Background()
	a := register(t, c, "Alice", "1")
	b := register(t, api.New(ts.URL, time.Second), "Bob", "2")
	lastSeen.set(map[string]time.Time{b.ID: seen}, false)

	users, err := c.Users(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, b.ID, users[0].ID)
	require.NotNil(t, users[0].LastSeen)
	require.True(t, seen.Equal(*users[0].LastSeen))

	// without redis the listing still works
	lastSeen.set(nil, true)
	users, err = c.Users(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Nil(t, users[0].LastSeen)
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	ts, _ := newTestServer(t)
	c := api.New(ts.URL, time.Second)

	_, err := c.Users(context.Background(), "me")
	var se *api.StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusUnauthorized, se.Code)

	c.SetToken("garbage")
	_, err = c.History(context.Background(), "me", "you")
	require.ErrorAs(t, err, &se)
	require.Equal(t, "Invalid token", se.Message)
}

func TestConversationsListMostRecentFirst(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx := context.Background()
	alice := api.New(ts.URL, time.Second)
	a := register(t, alice, "Alice", "1")
	b := register(t, api.New(ts.URL, time.Second), "Bob", "2")
	c := register(t, api.New(ts.URL, time.Second), "Cat", "3")

	_, err := alice.Send(ctx, a.ID, b.ID, "first")
	require.NoError(t, err)
	_, err = alice.Send(ctx, a.ID, c.ID, "second")
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/conversations", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+a.Token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var convs []db.Conversation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&convs))
	require.Len(t, convs, 2)
	require.Equal(t, c.ID, convs[0].OtherUserID)
	require.Equal(t, b.ID, convs[1].OtherUserID)
}

func TestPreflightIsAnswered(t *testing.T) {
	ts, _ := newTestServer(t)
	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/send", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
