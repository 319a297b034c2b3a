package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/db"
	"github.com/mahaj/dupahar-chat/pkg/model"
)

// Store is the persistence the handlers need; *db.Session implements it.
type Store interface {
	CreateUser(ctx context.Context, u db.UserRecord) error
	UserByPhone(ctx context.Context, phone string) (db.UserRecord, error)
	Users(ctx context.Context) ([]db.UserRecord, error)
	InsertMessage(ctx context.Context, m model.Message) error
	Messages(ctx context.Context, a, b string) ([]model.Message, error)
	DeleteConversation(ctx context.Context, a, b string) error
	Conversations(ctx context.Context, user string) ([]db.Conversation, error)
}

type LastSeenSource interface {
	LastSeen(ctx context.Context) (map[string]time.Time, error)
}

type IDGenerator interface {
	NextID() string
}

type Server struct {
	store    Store
	lastSeen LastSeenSource
	signer   *auth.Signer
	ids      IDGenerator
	log      zerolog.Logger
	now      func() time.Time
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints
	mux.HandleFunc("POST /api/auth/register", s.Register)
	mux.HandleFunc("POST /api/auth/login", s.Login)

	// Protected endpoints
	mux.Handle("GET /api/users", s.AuthMiddleware(http.HandlerFunc(s.Users)))
	mux.Handle("GET /api/messages/{me}/{peer}", s.AuthMiddleware(http.HandlerFunc(s.History)))
	mux.Handle("POST /api/send", s.AuthMiddleware(http.HandlerFunc(s.Send)))
	mux.Handle("DELETE /api/chat/{me}/{peer}", s.AuthMiddleware(http.HandlerFunc(s.Clear)))
	mux.Handle("GET /api/conversations", s.AuthMiddleware(http.HandlerFunc(s.Conversations)))
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers with the {"message": ...} body the client surfaces.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"message": msg})
}

func claimsFrom(r *http.Request) (*auth.Claims, bool) {
	claims, ok := r.Context().Value(auth.UserKey).(*auth.Claims)
	return claims, ok
}
