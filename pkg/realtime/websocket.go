package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed between server pings before the connection is presumed dead.
	pongWait = 60 * time.Second

	// Maximum message size allowed from the server.
	maxMessageSize = 64 * 1024
)

// WebSocket is the low-latency transport.
type WebSocket struct {
	URL    string
	Dialer *websocket.Dialer
}

func (t *WebSocket) Name() string { return "websocket" }

func (t *WebSocket) Dial(ctx context.Context, token string) (Conn, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if token != "" {
		header.Add("Authorization", "Bearer "+token)
	}
	conn, resp, err := dialer.DialContext(ctx, t.URL, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial %s: %s", t.URL, resp.Status)
		}
		return nil, errors.Wrapf(err, "dial %s", t.URL)
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn    *websocket.Conn
	pending []model.Envelope
}

// Read returns the next envelope. The server may batch several
// newline-separated envelopes into one frame.
func (c *wsConn) Read() (model.Envelope, error) {
	for len(c.pending) == 0 {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return model.Envelope{}, err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.pending = decodeFrame(data)
	}
	env := c.pending[0]
	c.pending = c.pending[1:]
	return env, nil
}

func (c *wsConn) Write(env model.Envelope) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(env)
}

func (c *wsConn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

func decodeFrame(data []byte) []model.Envelope {
	var out []model.Envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var env model.Envelope
		// anything undecodable ends the frame; earlier envelopes still count
		if err := dec.Decode(&env); err != nil {
			return out
		}
		if env.Event != "" {
			out = append(out, env)
		}
	}
}
