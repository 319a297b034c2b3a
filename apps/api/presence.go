package main

import (
	"net/http"
	"sort"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

// Users lists every registered user with the last-seen time the gateway
// recorded. A Redis outage only drops the last-seen times.
func (s *Server) Users(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.Users(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list users")
		writeError(w, http.StatusInternalServerError, "Failed to list users")
		return
	}

	seen, err := s.lastSeen.LastSeen(r.Context())
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to fetch last seen")
	}

	users := make([]model.User, 0, len(records))
	for _, u := range records {
		user := model.User{ID: u.ID, DisplayName: u.Name, Phone: u.Phone}
		if t, ok := seen[u.ID]; ok {
			user.LastSeen = &t
		}
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].DisplayName < users[j].DisplayName })
	writeJSON(w, http.StatusOK, users)
}
