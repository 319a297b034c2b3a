package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

// ErrSessionGone means the server dropped the long-poll session.
var ErrSessionGone = errors.New("poll session gone")

// pollTimeout must outlast the server's long-poll hold.
const pollTimeout = 40 * time.Second

// Polling is the HTTP long-polling fallback transport.
//
//	POST   {URL}        open a session, returns {"sid": "..."}
//	GET    {URL}/{sid}  wait for queued envelopes (may return [])
//	POST   {URL}/{sid}  deliver envelopes to the server
//	DELETE {URL}/{sid}  close the session
type Polling struct {
	URL    string
	Client *http.Client
}

func (t *Polling) Name() string { return "polling" }

func (t *Polling) Dial(ctx context.Context, token string) (Conn, error) {
	client := t.Client
	if client == nil {
		client = &http.Client{Timeout: pollTimeout}
	}
	base := strings.TrimRight(t.URL, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build poll open")
	}
	authorize(req, token)
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "open poll session %s", base)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("open poll session %s: %s", base, resp.Status)
	}
	var open struct {
		SID string `json:"sid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&open); err != nil || open.SID == "" {
		return nil, errors.New("open poll session: missing sid")
	}

	connCtx, cancel := context.WithCancel(context.Background())
	return &pollConn{
		url:    base + "/" + open.SID,
		token:  token,
		client: client,
		ctx:    connCtx,
		cancel: cancel,
	}, nil
}

type pollConn struct {
	url     string
	token   string
	client  *http.Client
	ctx     context.Context
	cancel  context.CancelFunc
	pending []model.Envelope
}

func (c *pollConn) Read() (model.Envelope, error) {
	for len(c.pending) == 0 {
		batch, err := c.poll()
		if err != nil {
			return model.Envelope{}, err
		}
		c.pending = batch
	}
	env := c.pending[0]
	c.pending = c.pending[1:]
	return env, nil
}

func (c *pollConn) poll() ([]model.Envelope, error) {
	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	authorize(req, c.token)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "poll")
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusGone:
		return nil, ErrSessionGone
	default:
		return nil, errors.Errorf("poll: %s", resp.Status)
	}
	var batch []model.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, errors.Wrap(err, "decode poll batch")
	}
	return batch, nil
}

func (c *pollConn) Write(env model.Envelope) error {
	body, err := json.Marshal([]model.Envelope{env})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(c.ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	authorize(req, c.token)
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "poll write")
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return ErrSessionGone
	}
	if resp.StatusCode >= 300 {
		return errors.Errorf("poll write: %s", resp.Status)
	}
	return nil
}

func (c *pollConn) Close() error {
	c.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url, nil)
	if err != nil {
		return err
	}
	authorize(req, c.token)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil
	}
	resp.Body.Close()
	return nil
}

func authorize(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
