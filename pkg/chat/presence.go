package chat

import (
	"sort"
	"time"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

// PresenceTracker holds who is online and when absent peers were last seen.
// The online set only ever changes by wholesale replacement from an
// online-users snapshot.
type PresenceTracker struct {
	online   map[string]struct{}
	lastSeen map[string]time.Time

	now func() time.Time
	loc *time.Location
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		online:   map[string]struct{}{},
		lastSeen: map[string]time.Time{},
		now:      time.Now,
		loc:      time.Local,
	}
}

// ApplySnapshot replaces the online set. Peers that drop out of it are
// stamped as last seen now.
func (p *PresenceTracker) ApplySnapshot(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}
	now := p.now()
	for id := range p.online {
		if _, still := next[id]; !still {
			p.lastSeen[id] = now
		}
	}
	p.online = next
}

// SeedLastSeen records server-side last-seen values from the user listing,
// keeping whichever of local and server is newer.
func (p *PresenceTracker) SeedLastSeen(users []model.User) {
	for _, u := range users {
		if u.LastSeen == nil || u.LastSeen.IsZero() {
			continue
		}
		if cur, ok := p.lastSeen[u.ID]; ok && !u.LastSeen.After(cur) {
			continue
		}
		p.lastSeen[u.ID] = *u.LastSeen
	}
}

// Reset forgets the online set; it is stale until the next snapshot.
func (p *PresenceTracker) Reset() {
	p.online = map[string]struct{}{}
}

func (p *PresenceTracker) IsOnline(id string) bool {
	_, ok := p.online[id]
	return ok
}

func (p *PresenceTracker) Online() []string {
	ids := make([]string, 0, len(p.online))
	for id := range p.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *PresenceTracker) LastSeen(id string) (time.Time, bool) {
	t, ok := p.lastSeen[id]
	return t, ok
}

// FormatLastSeen renders the presence line shown under a peer's name.
func (p *PresenceTracker) FormatLastSeen(peer string) string {
	if p.IsOnline(peer) {
		return "online"
	}
	seen, ok := p.lastSeen[peer]
	if !ok {
		return ""
	}
	seen = seen.In(p.loc)
	now := p.now().In(p.loc)

	y1, m1, d1 := seen.Date()
	y2, m2, d2 := now.Date()
	if y1 == y2 && m1 == m2 && d1 == d2 {
		return "last seen today at " + seen.Format("15:04")
	}
	return "last seen on " + seen.Format("Jan 2, 2006") + " at " + seen.Format("15:04")
}
