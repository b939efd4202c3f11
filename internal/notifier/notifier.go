// Package notifier sends operational messages to the admin chat through a
// dedicated service bot. Delivery agents never talk to admins; this bot
// never talks to buyers.
package notifier

import (
	"context"
	"errors"
	"strings"

	"courier/internal/platform"
	"courier/internal/platform/botapi"
	"courier/pkg/logx"
)

type Config struct {
	BotToken string
	ChatID   int64
}

type Service struct {
	cfg    Config
	client *botapi.Client
	log    logx.Logger
}

// New builds the notifier. Returns (nil, nil) when no token is configured;
// a nil *Service is a safe no-op.
func New(cfg Config, log logx.Logger) (*Service, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, nil
	}
	client, err := botapi.New(botapi.Config{Token: cfg.BotToken}, log)
	if err != nil {
		return nil, err
	}
	return &Service{cfg: cfg, client: client, log: log.With(logx.String("component", "notifier"))}, nil
}

func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.client.Connect(ctx)
}

func (s *Service) Stop(ctx context.Context) {
	if s == nil {
		return
	}
	_ = s.client.Disconnect(ctx)
}

// SendText satisfies logx.Sender so the admin log sink can reuse the bot.
func (s *Service) SendText(ctx context.Context, chatID int64, text string) error {
	if s == nil {
		return errors.New("notifier: not configured")
	}
	return s.client.SendText(ctx, platform.Identity{ID: chatID}, text)
}

// Notify sends to the configured admin chat. Failures are logged, not
// returned; notification must never break the calling flow.
func (s *Service) Notify(ctx context.Context, text string) {
	if s == nil || s.cfg.ChatID == 0 {
		return
	}
	if err := s.SendText(ctx, s.cfg.ChatID, text); err != nil {
		s.log.Warn("admin notification failed", logx.Err(err))
	}
}

// AdminChatID returns the configured admin chat, 0 when unset.
func (s *Service) AdminChatID() int64 {
	if s == nil {
		return 0
	}
	return s.cfg.ChatID
}
