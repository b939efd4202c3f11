// Package botapi is the Bot API client variant: standard channel only,
// no secret sessions.
//
// Bot accounts are cheap to provision, so a fleet mixing user and bot
// agents keeps delivering text and standard media even when every
// secret-capable agent is cooling down.
package botapi

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"courier/internal/platform"
	"courier/pkg/logx"
)

type Config struct {
	Token string

	// Timeout bounds each API call. Defaults to 30s.
	Timeout time.Duration
}

// Client implements platform.Client over the Bot API.
type Client struct {
	cfg Config
	log logx.Logger

	mu  sync.Mutex
	bot *tele.Bot
}

var _ platform.Client = (*Client)(nil)

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, platform.E(platform.KindConfiguration, "botapi.new", errors.New("token is empty"))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{cfg: cfg, log: log.With(logx.String("component", "botapi"))}, nil
}

// Connect validates the token against the API. telebot performs the getMe
// probe inside NewBot, so a bad token fails here, not on first send.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bot != nil {
		return nil
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  c.cfg.Token,
		Client: &http.Client{Timeout: c.cfg.Timeout},
	})
	if err != nil {
		return classify("botapi.connect", err)
	}
	c.bot = b
	c.log.Debug("bot session ready", logx.Int64("bot_id", b.Me.ID))
	return nil
}

// Disconnect drops the session. The Bot API is stateless, so there is
// nothing to tear down server-side.
func (c *Client) Disconnect(context.Context) error {
	c.mu.Lock()
	c.bot = nil
	c.mu.Unlock()
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	b, err := c.live()
	if err != nil {
		return err
	}
	if _, err := b.Raw("getMe", nil); err != nil {
		return classify("botapi.ping", err)
	}
	return nil
}

func (c *Client) Self() platform.Identity {
	b, err := c.live()
	if err != nil || b.Me == nil {
		return platform.Identity{}
	}
	return platform.Identity{
		ID:          b.Me.ID,
		Handle:      b.Me.Username,
		DisplayName: strings.TrimSpace(b.Me.FirstName + " " + b.Me.LastName),
	}
}

func (c *Client) Resolve(ctx context.Context, r platform.Recipient) (platform.Identity, error) {
	b, err := c.live()
	if err != nil {
		return platform.Identity{}, err
	}

	var chat *tele.Chat
	if r.Handle != "" {
		chat, err = b.ChatByUsername(r.Handle)
	} else {
		chat, err = b.ChatByID(r.ID)
	}
	if err != nil {
		return platform.Identity{}, classify("botapi.resolve", err)
	}
	return platform.Identity{
		ID:          chat.ID,
		Handle:      chat.Username,
		DisplayName: strings.TrimSpace(chat.FirstName + " " + chat.LastName),
	}, nil
}

func (c *Client) SendText(ctx context.Context, peer platform.Identity, text string) error {
	b, err := c.live()
	if err != nil {
		return err
	}
	if _, err := b.Send(tele.ChatID(peer.ID), text); err != nil {
		return classify("botapi.send_text", err)
	}
	return nil
}

func (c *Client) SendMedia(ctx context.Context, peer platform.Identity, m platform.Media) error {
	b, err := c.live()
	if err != nil {
		return err
	}

	file := tele.FromReader(bytes.NewReader(m.Data))

	var payload interface{}
	switch m.Kind {
	case platform.MediaImage:
		payload = &tele.Photo{File: file, Caption: m.Caption}
	case platform.MediaVideo:
		payload = &tele.Video{File: file, Caption: m.Caption, FileName: m.Filename}
	default:
		payload = &tele.Document{File: file, Caption: m.Caption, FileName: m.Filename}
	}

	if _, err := b.Send(tele.ChatID(peer.ID), payload); err != nil {
		return classify("botapi.send_media", err)
	}
	return nil
}

func (c *Client) SupportsSecretSessions() bool    { return false }
func (c *Client) Secret() platform.SecretSessions { return nil }

func (c *Client) live() (*tele.Bot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bot == nil {
		return nil, platform.E(platform.KindTransient, "botapi", errors.New("not connected"))
	}
	return c.bot, nil
}

// classify maps telebot errors onto the shared error taxonomy.
func classify(op string, err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return platform.Flood(op, time.Duration(flood.RetryAfter)*time.Second, err)
	}
	if errors.Is(err, tele.ErrUnauthorized) {
		return platform.E(platform.KindAuthInvalid, op, err)
	}
	if errors.Is(err, tele.ErrChatNotFound) || errors.Is(err, tele.ErrUserIsDeactivated) {
		return platform.E(platform.KindNotFound, op, err)
	}
	return platform.E(platform.KindTransient, op, err)
}
