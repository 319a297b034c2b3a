// Package api is the REST client for the chat backend: authentication, the
// user listing, history, sending and clearing conversations. Calls are never
// retried here.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

const DefaultTimeout = 20 * time.Second

// StatusError is a non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Code, e.Message)
}

// AuthError is a rejected login or registration. Message is meant for the
// user.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return e.Message
}

type Client struct {
	base string
	http *http.Client

	mu    sync.RWMutex
	token string
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

type credentials struct {
	Name     string `json:"name,omitempty"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

type loginResponse struct {
	User  model.Identity `json:"user"`
	Token string         `json:"token"`
}

func (c *Client) Login(ctx context.Context, phone, password string) (model.Identity, error) {
	var resp loginResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/login", credentials{Phone: phone, Password: password}, &resp)
	if err != nil {
		return model.Identity{}, asAuthError(err)
	}
	id := resp.User
	if id.Token == "" {
		id.Token = resp.Token
	}
	if id.ID == "" {
		return model.Identity{}, &AuthError{Message: "Authentication failed"}
	}
	c.SetToken(id.Token)
	return id, nil
}

func (c *Client) Register(ctx context.Context, name, phone, password string) error {
	err := c.do(ctx, http.MethodPost, "/api/auth/register", credentials{Name: name, Phone: phone, Password: password}, nil)
	return asAuthError(err)
}

// Users lists everyone except me.
func (c *Client) Users(ctx context.Context, me string) ([]model.User, error) {
	var all []model.User
	if err := c.do(ctx, http.MethodGet, "/api/users", nil, &all); err != nil {
		return nil, err
	}
	users := all[:0]
	for _, u := range all {
		if u.ID != me {
			users = append(users, u)
		}
	}
	return users, nil
}

func (c *Client) History(ctx context.Context, me, peer string) ([]model.Message, error) {
	var msgs []model.Message
	p := "/api/messages/" + url.PathEscape(me) + "/" + url.PathEscape(peer)
	if err := c.do(ctx, http.MethodGet, p, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

type sendRequest struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Text       string `json:"text"`
}

func (c *Client) Send(ctx context.Context, sender, receiver, text string) (model.Message, error) {
	var msg model.Message
	err := c.do(ctx, http.MethodPost, "/api/send", sendRequest{SenderID: sender, ReceiverID: receiver, Text: text}, &msg)
	if err != nil {
		return model.Message{}, err
	}
	if msg.ID == "" {
		return model.Message{}, errors.New("api: send returned no message id")
	}
	return msg, nil
}

func (c *Client) ClearConversation(ctx context.Context, me, peer string) error {
	p := "/api/chat/" + url.PathEscape(me) + "/" + url.PathEscape(peer)
	return c.do(ctx, http.MethodDelete, p, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s %s", method, path)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Message string `json:"message"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Message != "" {
		msg = body.Message
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &StatusError{Code: resp.StatusCode, Message: msg}
}

func asAuthError(err error) error {
	if err == nil {
		return nil
	}
	var se *StatusError
	if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 {
		return &AuthError{Message: se.Message}
	}
	return &AuthError{Message: "Authentication failed"}
}
