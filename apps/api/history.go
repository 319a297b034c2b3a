package main

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

// participant checks that the {me} path segment is the caller.
func participant(w http.ResponseWriter, r *http.Request) (me, peer string, ok bool) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return "", "", false
	}
	me, peer = r.PathValue("me"), r.PathValue("peer")
	if me != claims.UserID {
		writeError(w, http.StatusForbidden, "Not a participant of this conversation")
		return "", "", false
	}
	if peer == "" || peer == me {
		writeError(w, http.StatusBadRequest, "Invalid peer")
		return "", "", false
	}
	return me, peer, true
}

func (s *Server) History(w http.ResponseWriter, r *http.Request) {
	me, peer, ok := participant(w, r)
	if !ok {
		return
	}
	messages, err := s.store.Messages(r.Context(), me, peer)
	if err != nil {
		s.log.Error().Err(err).Str("channel_id", model.ChannelID(me, peer)).Msg("failed to load history")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve history")
		return
	}
	if messages == nil {
		messages = []model.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

type SendRequest struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Text       string `json:"text"`
}

func (s *Server) Send(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.SenderID != claims.UserID {
		writeError(w, http.StatusForbidden, "Cannot send as another user")
		return
	}
	if req.ReceiverID == "" || req.ReceiverID == req.SenderID || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "receiverId and text are required")
		return
	}

	msg := model.Message{
		ID:         s.ids.NextID(),
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Text:       req.Text,
		CreatedAt:  s.now().UTC(),
		Status:     model.StatusSent,
	}
	if err := s.store.InsertMessage(r.Context(), msg); err != nil {
		s.log.Error().Err(err).Str("sender_id", msg.SenderID).Msg("failed to save message")
		writeError(w, http.StatusInternalServerError, "Failed to send message")
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) Clear(w http.ResponseWriter, r *http.Request) {
	me, peer, ok := participant(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteConversation(r.Context(), me, peer); err != nil {
		s.log.Error().Err(err).Str("channel_id", model.ChannelID(me, peer)).Msg("failed to clear conversation")
		writeError(w, http.StatusInternalServerError, "Failed to clear chat")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Chat cleared"})
}
