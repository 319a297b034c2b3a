package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/db"
	"github.com/mahaj/dupahar-chat/pkg/model"
)

type RegisterRequest struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

type LoginResponse struct {
	User  model.Identity `json:"user"`
	Token string         `json:"token"`
}

const invalidCredentials = "Invalid phone or password"

func (s *Server) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Name, req.Phone = strings.TrimSpace(req.Name), strings.TrimSpace(req.Phone)
	if req.Name == "" || req.Phone == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "name, phone and password are required")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		s.log.Error().Err(err).Msg("hash password")
		writeError(w, http.StatusInternalServerError, "Failed to register")
		return
	}

	u := db.UserRecord{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Phone:        req.Phone,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateUser(r.Context(), u); err != nil {
		if errors.Is(err, db.ErrPhoneTaken) {
			writeError(w, http.StatusConflict, "User already exists")
			return
		}
		s.log.Error().Err(err).Msg("create user")
		writeError(w, http.StatusInternalServerError, "Failed to register")
		return
	}
	s.log.Info().Str("user_id", u.ID).Msg("user registered")
	writeJSON(w, http.StatusCreated, map[string]string{"message": "User registered successfully"})
}

func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Phone == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "phone and password are required")
		return
	}

	u, err := s.store.UserByPhone(r.Context(), strings.TrimSpace(req.Phone))
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, invalidCredentials)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("lookup user")
		writeError(w, http.StatusInternalServerError, "Login failed")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, invalidCredentials)
		return
	}

	token, err := s.signer.GenerateToken(u.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{
		User:  model.Identity{ID: u.ID, DisplayName: u.Name, Phone: u.Phone},
		Token: token,
	})
}

func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := auth.BearerToken(r.Header.Get("Authorization"))
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		claims, err := s.signer.ValidateToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		s.log.Debug().Str("user_id", claims.UserID).Str("path", r.URL.Path).Msg("authenticated request")
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), auth.UserKey, claims)))
	})
}
