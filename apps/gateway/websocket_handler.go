package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/model"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	// pings go out before the peer's pong deadline runs out
	wsPingInterval = wsPongTimeout * 9 / 10

	// largest frame accepted from a client, shared with the poll transport
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// clients authenticate with a token, not a cookie
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsClient attaches a hub session to one websocket connection.
type wsClient struct {
	*Client
	hub  *Hub
	conn *websocket.Conn
	log  zerolog.Logger
}

func (c *wsClient) extendReadDeadline() error {
	return c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
}

// readPump decodes inbound frames and hands each envelope to the hub. A frame
// may carry several newline separated envelopes. It unregisters the session
// when the connection drops.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.Unregister(c.Client)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.extendReadDeadline()
	c.conn.SetPongHandler(func(string) error { return c.extendReadDeadline() })

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}
		for _, env := range decodeFrame(frame) {
			c.hub.Dispatch(c.Client, env)
		}
	}
}

// decodeFrame returns the envelopes in frame up to the first one that does not
// parse.
func decodeFrame(frame []byte) []model.Envelope {
	var out []model.Envelope
	dec := json.NewDecoder(bytes.NewReader(frame))
	for {
		var env model.Envelope
		if dec.Decode(&env) != nil {
			return out
		}
		out = append(out, env)
	}
}

// writePump drains the session's send queue onto the connection and keeps it
// alive with pings. It exits when the hub closes the queue or a write fails.
func (c *wsClient) writePump() {
	keepalive := time.NewTicker(wsPingInterval)
	defer func() {
		keepalive.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case first, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.writeBatch(first); err != nil {
				c.log.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-keepalive.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeBatch sends first together with whatever else is already queued as a
// single newline separated text frame.
func (c *wsClient) writeBatch(first []byte) error {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	_, _ = w.Write(first)
	for queued := len(c.send); queued > 0; queued-- {
		_, _ = w.Write([]byte{'\n'})
		_, _ = w.Write(<-c.send)
	}
	return w.Close()
}

// authenticate returns the user id carried by the request's bearer token. The
// token may come from the Authorization header or, for clients that cannot
// set headers, the token query parameter.
func authenticate(signer *auth.Signer, r *http.Request) (string, bool) {
	raw := r.Header.Get("Authorization")
	if raw == "" {
		raw = r.URL.Query().Get("token")
	}
	token := auth.BearerToken(raw)
	if token == "" {
		return "", false
	}
	claims, err := signer.ValidateToken(token)
	if err != nil {
		return "", false
	}
	return claims.UserID, true
}

// serveWs upgrades an authenticated request and starts its pumps.
func serveWs(hub *Hub, signer *auth.Signer, logger zerolog.Logger, w http.ResponseWriter, r *http.Request) {
	userID, ok := authenticate(signer, r)
	if !ok {
		logger.Warn().Str("remote", r.RemoteAddr).Msg("unauthorized websocket request")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{
		Client: newClient(userID),
		hub:    hub,
		conn:   conn,
		log:    logger.With().Str("user_id", userID).Str("transport", "websocket").Logger(),
	}
	if !hub.Register(client.Client) {
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}
