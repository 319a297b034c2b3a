package main

import (
	"net/http"
	"sort"

	"github.com/mahaj/dupahar-chat/pkg/db"
)

// Conversations lists the caller's peers, most recently active first.
func (s *Server) Conversations(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	conversations, err := s.store.Conversations(r.Context(), claims.UserID)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", claims.UserID).Msg("failed to list conversations")
		writeError(w, http.StatusInternalServerError, "Failed to list conversations")
		return
	}
	if conversations == nil {
		conversations = []db.Conversation{}
	}
	sort.SliceStable(conversations, func(i, j int) bool {
		return conversations[i].LastUpdated.After(conversations[j].LastUpdated)
	})
	writeJSON(w, http.StatusOK, conversations)
}
