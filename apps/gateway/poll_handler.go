package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/model"
)

const (
	// DefaultPollHold is how long a GET waits for events. Clients time out
	// their poll requests well after it.
	DefaultPollHold = 25 * time.Second

	// sessions without a poll for this long are dropped
	pollIdle = 60 * time.Second
)

type pollSession struct {
	client *Client

	mu       sync.Mutex
	lastPoll time.Time
}

func (s *pollSession) touch(now time.Time) {
	s.mu.Lock()
	s.lastPoll = now
	s.mu.Unlock()
}

func (s *pollSession) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastPoll)
}

// pollSessions serves the long-polling fallback. Each session is a hub
// client whose send queue is drained by GET requests.
type pollSessions struct {
	hub    *Hub
	signer *auth.Signer
	log    zerolog.Logger
	hold   time.Duration
	idle   time.Duration
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*pollSession
}

func newPollSessions(hub *Hub, signer *auth.Signer, hold time.Duration, logger zerolog.Logger) *pollSessions {
	if hold <= 0 {
		hold = DefaultPollHold
	}
	return &pollSessions{
		hub:      hub,
		signer:   signer,
		log:      logger.With().Str("transport", "polling").Logger(),
		hold:     hold,
		idle:     pollIdle,
		now:      time.Now,
		sessions: map[string]*pollSession{},
	}
}

func (p *pollSessions) Open(w http.ResponseWriter, r *http.Request) {
	userID, ok := authenticate(p.signer, r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	s := &pollSession{client: newClient(userID), lastPoll: p.now()}
	if !p.hub.Register(s.client) {
		http.Error(w, "Shutting down", http.StatusServiceUnavailable)
		return
	}
	sid := uuid.NewString()
	p.mu.Lock()
	p.sessions[sid] = s
	p.mu.Unlock()

	p.log.Debug().Str("user_id", userID).Str("sid", sid).Msg("poll session opened")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"sid": sid})
}

// session resolves the sid path value and checks it belongs to the caller.
func (p *pollSessions) session(w http.ResponseWriter, r *http.Request) (string, *pollSession, bool) {
	userID, ok := authenticate(p.signer, r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", nil, false
	}
	sid := r.PathValue("sid")
	p.mu.Lock()
	s, found := p.sessions[sid]
	p.mu.Unlock()
	if !found {
		http.Error(w, "Unknown session", http.StatusNotFound)
		return "", nil, false
	}
	if s.client.ID != userID {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return "", nil, false
	}
	return sid, s, true
}

// Poll waits for queued events and returns them as a JSON array, possibly
// empty.
func (p *pollSessions) Poll(w http.ResponseWriter, r *http.Request) {
	sid, s, ok := p.session(w, r)
	if !ok {
		return
	}
	s.touch(p.now())

	batch := []json.RawMessage{}
	timer := time.NewTimer(p.hold)
	defer timer.Stop()

	select {
	case frame, open := <-s.client.send:
		if !open {
			p.forget(sid)
			http.Error(w, "Session closed", http.StatusGone)
			return
		}
		batch = append(batch, frame)
	drain:
		for {
			select {
			case frame, open := <-s.client.send:
				if !open {
					break drain
				}
				batch = append(batch, frame)
			default:
				break drain
			}
		}
	case <-timer.C:
	case <-r.Context().Done():
		return
	}
	s.touch(p.now())

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(batch)
}

// Push accepts a JSON array of envelopes from the client.
func (p *pollSessions) Push(w http.ResponseWriter, r *http.Request) {
	_, s, ok := p.session(w, r)
	if !ok {
		return
	}
	var envs []model.Envelope
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageSize)).Decode(&envs); err != nil {
		http.Error(w, "Invalid envelope batch", http.StatusBadRequest)
		return
	}
	for _, env := range envs {
		p.hub.Dispatch(s.client, env)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p *pollSessions) Close(w http.ResponseWriter, r *http.Request) {
	sid, s, ok := p.session(w, r)
	if !ok {
		return
	}
	p.forget(sid)
	p.hub.Unregister(s.client)
	w.WriteHeader(http.StatusNoContent)
}

func (p *pollSessions) forget(sid string) {
	p.mu.Lock()
	delete(p.sessions, sid)
	p.mu.Unlock()
}

// Reap drops sessions whose client stopped polling.
func (p *pollSessions) Reap(ctx context.Context) error {
	ticker := time.NewTicker(p.idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *pollSessions) reapIdle() {
	now := p.now()
	var stale []*pollSession
	p.mu.Lock()
	for sid, s := range p.sessions {
		if s.idleSince(now) > p.idle {
			delete(p.sessions, sid)
			stale = append(stale, s)
		}
	}
	p.mu.Unlock()
	for _, s := range stale {
		p.log.Debug().Str("user_id", s.client.ID).Msg("reaping idle poll session")
		p.hub.Unregister(s.client)
	}
}
