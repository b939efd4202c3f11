// Package userapi is the personal-account gateway client: a websocket
// session speaking JSON frames, with end-to-end encrypted secret channels
// layered on top.
package userapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"courier/internal/platform"
	"courier/pkg/logx"
)

type Config struct {
	// URL is the gateway websocket endpoint.
	URL string

	// SessionToken is the agent's opaque session blob, sent verbatim in
	// the auth frame.
	SessionToken string

	APIID   string
	APIHash string

	// DialTimeout bounds the websocket dial plus auth. Defaults to 15s.
	DialTimeout time.Duration

	// CallTimeout bounds each request/response round trip. Defaults to 30s.
	CallTimeout time.Duration
}

func (c *Config) normalize() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("gateway url is empty")
	}
	if strings.TrimSpace(c.SessionToken) == "" {
		return errors.New("session token is empty")
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	return nil
}

// Client implements platform.Client over the gateway websocket.
type Client struct {
	cfg Config
	log logx.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	self platform.Identity

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *frame

	secret *secretManager
}

var _ platform.Client = (*Client)(nil)

func New(cfg Config, log logx.Logger) (*Client, error) {
	if err := cfg.normalize(); err != nil {
		return nil, platform.E(platform.KindConfiguration, "userapi.new", err)
	}
	c := &Client{
		cfg:     cfg,
		log:     log.With(logx.String("component", "userapi")),
		pending: make(map[string]chan *frame),
	}
	c.secret = newSecretManager(c)
	return c, nil
}

// Connect dials the gateway, authenticates, and seeds the secret-session
// cache from the gateway's live list so sessions opened before a restart
// stay reusable.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return platform.E(platform.KindTransient, "userapi.dial", err)
	}
	conn.SetReadLimit(16 << 20) // media frames

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(conn)

	var auth authResult
	err = c.call(dialCtx, methodAuth, authParams{
		SessionToken: c.cfg.SessionToken,
		APIID:        c.cfg.APIID,
		APIHash:      c.cfg.APIHash,
	}, &auth)
	if err != nil {
		_ = c.Disconnect(ctx)
		return err
	}

	c.mu.Lock()
	c.self = platform.Identity{ID: auth.UserID, Handle: auth.Handle, DisplayName: auth.DisplayName}
	c.mu.Unlock()

	var list secretListResult
	if err := c.call(ctx, methodSecretList, nil, &list); err != nil {
		// Not fatal: sessions will be reopened on demand.
		c.log.Warn("secret session list failed", logx.Err(err))
	} else {
		c.secret.seed(list.Sessions)
	}

	c.log.Debug("gateway session ready", logx.Int64("user_id", auth.UserID))
	return nil
}

// Disconnect closes the websocket. Safe to call when the gateway already
// dropped the connection.
func (c *Client) Disconnect(context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.Close(websocket.StatusNormalClosure, "client shutdown")
	c.failPending()
	c.secret.reset()
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, methodPing, nil, nil)
}

func (c *Client) Self() platform.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

func (c *Client) Resolve(ctx context.Context, r platform.Recipient) (platform.Identity, error) {
	var res peerResult
	err := c.call(ctx, methodResolvePeer, resolveParams{PeerID: r.ID, Handle: r.Handle}, &res)
	if err != nil {
		return platform.Identity{}, err
	}
	return platform.Identity{ID: res.PeerID, Handle: res.Handle, DisplayName: res.DisplayName}, nil
}

func (c *Client) SendText(ctx context.Context, peer platform.Identity, text string) error {
	return c.call(ctx, methodSendText, sendTextParams{PeerID: peer.ID, Text: text}, nil)
}

func (c *Client) SendMedia(ctx context.Context, peer platform.Identity, m platform.Media) error {
	return c.call(ctx, methodSendMedia, sendMediaParams{
		PeerID:   peer.ID,
		Kind:     string(m.Kind),
		Data:     m.Data,
		Filename: m.Filename,
		Caption:  m.Caption,
	}, nil)
}

func (c *Client) SupportsSecretSessions() bool    { return true }
func (c *Client) Secret() platform.SecretSessions { return c.secret }

// call performs one request/response round trip.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	op := "userapi." + method

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return platform.E(platform.KindTransient, op, errors.New("not connected"))
	}

	req := frame{ID: uuid.NewString(), Type: frameRequest, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return platform.E(platform.KindTransient, op, err)
		}
		req.Params = raw
	}
	data, err := json.Marshal(req)
	if err != nil {
		return platform.E(platform.KindTransient, op, err)
	}

	ch := make(chan *frame, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	c.writeMu.Lock()
	err = conn.Write(callCtx, websocket.MessageText, data)
	c.writeMu.Unlock()
	if err != nil {
		return platform.E(platform.KindTransient, op, err)
	}

	select {
	case <-callCtx.Done():
		return platform.E(platform.KindTransient, op, callCtx.Err())
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return platform.E(platform.KindTransient, op, errors.New("connection closed"))
		}
		if resp.Error != nil {
			return classify(op, resp.Error)
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return platform.E(platform.KindTransient, op, fmt.Errorf("decode result: %w", err))
			}
		}
		return nil
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			c.mu.Lock()
			stillCurrent := c.conn == conn
			if stillCurrent {
				c.conn = nil
			}
			c.mu.Unlock()
			if stillCurrent {
				c.log.Warn("gateway connection lost", logx.Err(err))
				c.failPending()
				c.secret.reset()
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("malformed gateway frame", logx.Err(err))
			continue
		}

		switch f.Type {
		case frameResponse:
			// Deliver under pendingMu so failPending cannot close the
			// channel mid-send. The buffer of 1 makes the send non-blocking;
			// removing the entry first makes duplicate response ids inert.
			c.pendingMu.Lock()
			if ch, ok := c.pending[f.ID]; ok {
				delete(c.pending, f.ID)
				ch <- &f
			}
			c.pendingMu.Unlock()
		case frameEvent:
			c.handleEvent(&f)
		}
	}
}

func (c *Client) handleEvent(f *frame) {
	switch f.Method {
	case methodSecretTerminated:
		var ev secretTerminatedEvent
		if err := json.Unmarshal(f.Params, &ev); err != nil {
			return
		}
		c.secret.drop(ev.PeerID)
		c.log.Debug("secret session terminated by peer",
			logx.Int64("session_id", ev.SessionID), logx.Int64("peer_id", ev.PeerID))
	}
}

// failPending wakes every in-flight call; a closed channel reads as a
// connection-closed transient error.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// classify maps gateway error codes onto the shared taxonomy.
func classify(op string, fe *frameError) error {
	err := errors.New(fe.Message)
	switch fe.Code {
	case codeFloodWait:
		return platform.Flood(op, time.Duration(fe.RetryAfter)*time.Second, err)
	case codeAuthKeyInvalid:
		return platform.E(platform.KindAuthInvalid, op, err)
	case codePeerNotFound:
		return platform.E(platform.KindNotFound, op, err)
	case codeUnsupported:
		return platform.E(platform.KindUnsupported, op, err)
	default:
		return platform.E(platform.KindTransient, op, fmt.Errorf("%s: %w", fe.Code, err))
	}
}
