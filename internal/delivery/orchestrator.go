// Package delivery runs the end-to-end order delivery flow: pick an agent,
// prefer the encrypted channel, degrade to standard messaging, and record
// the outcome.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"courier/internal/platform"
	"courier/internal/pool"
	"courier/internal/registry"
	"courier/internal/selector"
	"courier/internal/stats"
	"courier/pkg/logx"
)

// Item is one binary payload of an order.
type Item struct {
	Kind     platform.MediaKind
	Data     []byte
	Filename string
}

// Task is one delivery job.
type Task struct {
	Recipient platform.Recipient
	OrderRef  string
	Product   Product
	Items     []Item
}

// Channel names reported in Result.
const (
	ChannelSecret   = "secret"
	ChannelStandard = "standard"
)

// Result is the outcome of one Deliver call. Fallback signals the caller
// that its own out-of-band fallback (if any) should run.
type Result struct {
	Success   bool
	AgentID   int64
	Channel   string
	ItemsSent int
	Fallback  bool
	Err       error
}

// Registry is the store surface the orchestrator needs.
type Registry interface {
	GlobalSettings(ctx context.Context) (registry.Settings, error)
	SaveSecretSession(ctx context.Context, agentID, peerID, sessionID int64) error
	LookupSecretSession(ctx context.Context, agentID, peerID int64) (int64, bool, error)
}

type Config struct {
	// SettleDelay is the pause after opening a fresh secret session,
	// giving the peer's client time to finish the handshake. Reused
	// sessions skip it.
	SettleDelay time.Duration

	// ItemDelay is the pause between consecutive item sends.
	ItemDelay time.Duration
}

func (c *Config) normalize() {
	if c.SettleDelay <= 0 {
		c.SettleDelay = 3 * time.Second
	}
	if c.ItemDelay < 0 {
		c.ItemDelay = 0
	}
}

type Orchestrator struct {
	cfg   Config
	reg   Registry
	pool  *pool.Pool
	sel   *selector.Selector
	stats *stats.Tracker
	log   logx.Logger

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration)
}

func New(cfg Config, reg Registry, p *pool.Pool, sel *selector.Selector, st *stats.Tracker, log logx.Logger) *Orchestrator {
	cfg.normalize()
	return &Orchestrator{
		cfg:   cfg,
		reg:   reg,
		pool:  p,
		sel:   sel,
		stats: st,
		log:   log.With(logx.String("component", "delivery")),
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Deliver runs the full delivery flow with failover: up to MaxRetries
// agents are tried; a flooded agent goes on cooldown and the next attempt
// picks a different one. Partial item delivery still counts as success.
func (o *Orchestrator) Deliver(ctx context.Context, task Task) Result {
	settings, err := o.reg.GlobalSettings(ctx)
	if err != nil {
		return Result{Fallback: true, Err: fmt.Errorf("load settings: %w", err)}
	}
	if !settings.Enabled {
		return Result{
			Fallback: true,
			Err:      platform.E(platform.KindConfiguration, "deliver", errors.New("delivery system is disabled")),
		}
	}
	maxRetries := settings.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	log := o.log.With(
		logx.String("order_ref", task.OrderRef),
		logx.Int64("user_id", task.Recipient.ID))

	var errs []error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		candidates := o.pool.Available(ctx)
		if len(candidates) == 0 {
			errs = append(errs, errors.New("no agents available"))
			log.Warn("no agents available", logx.Int("attempt", attempt))
			break
		}

		agent, ok := o.sel.Pick(settings.Strategy, candidates, func(id int64) int {
			return o.stats.HourCount(ctx, id)
		})
		if !ok {
			errs = append(errs, errors.New("selection produced no agent"))
			break
		}
		conn, ok := o.pool.Conn(agent.ID)
		if !ok {
			// Lost between Available and here; try again.
			continue
		}

		deliveryID, err := o.stats.Begin(ctx, agent.ID, task.Recipient.ID, task.OrderRef)
		if err != nil {
			log.Warn("delivery record open failed", logx.Err(err))
		}

		start := time.Now()
		res, attemptErr := o.attempt(ctx, conn, task, log)
		dur := time.Since(start)

		errMsg := ""
		if attemptErr != nil {
			errMsg = attemptErr.Error()
		}
		if deliveryID != 0 {
			o.stats.Complete(ctx, deliveryID, agent.ID, attemptErr == nil, dur, errMsg)
		}

		if attemptErr == nil {
			res.Success = true
			res.AgentID = agent.ID
			log.Info("delivery complete",
				logx.Int64("agent_id", agent.ID),
				logx.String("channel", res.Channel),
				logx.Int("items_sent", res.ItemsSent),
				logx.Duration("took", dur))
			return res
		}

		errs = append(errs, fmt.Errorf("agent %d: %w", agent.ID, attemptErr))

		if platform.IsFlood(attemptErr) {
			o.pool.MarkFlooded(agent.ID, platform.RetryAfter(attemptErr))
			log.Warn("agent flooded, failing over",
				logx.Int64("agent_id", agent.ID), logx.Err(attemptErr))
			continue
		}

		// Revoked credentials are fatal for the agent, not the delivery:
		// take it out of rotation and go straight to the next candidate.
		if platform.KindOf(attemptErr) == platform.KindAuthInvalid {
			o.pool.EvictInvalid(ctx, agent.ID, attemptErr)
			continue
		}

		log.Warn("delivery attempt failed",
			logx.Int64("agent_id", agent.ID),
			logx.Int("attempt", attempt), logx.Err(attemptErr))
		if attempt < maxRetries {
			o.sleep(ctx, settings.RetryDelay)
		}
	}

	return Result{Fallback: true, Err: errors.Join(errs...)}
}

// attempt performs one delivery through one agent. Flood errors propagate
// to the caller for failover; everything recoverable degrades in place.
func (o *Orchestrator) attempt(ctx context.Context, conn *pool.Conn, task Task, log logx.Logger) (Result, error) {
	if err := conn.WaitSend(ctx); err != nil {
		return Result{}, platform.E(platform.KindTransient, "deliver.rate", err)
	}

	client := conn.Client
	peer, err := client.Resolve(ctx, task.Recipient)
	if err != nil {
		return Result{}, fmt.Errorf("resolve recipient: %w", err)
	}

	sess, err := o.setupSecret(ctx, conn, peer, log)
	if err != nil {
		return Result{}, err
	}
	channel := ChannelStandard
	if sess != nil {
		channel = ChannelSecret
	}

	// Opening notification. On the standard channel a flood here aborts
	// the attempt; on the secret channel it is tolerated, the items are
	// what matters.
	if sess != nil {
		if err := sess.SendText(ctx, secretNotification(task.OrderRef, task.Product)); err != nil {
			log.Warn("secret notification failed", logx.Err(err))
		}
	} else {
		if err := client.SendText(ctx, peer, standardNotification(task.OrderRef, task.Product)); err != nil {
			if platform.IsFlood(err) {
				return Result{}, err
			}
			log.Warn("standard notification failed", logx.Err(err))
		}
	}

	sent, err := o.sendItems(ctx, client, sess, peer, task, log)
	if err != nil {
		return Result{}, err
	}
	if len(task.Items) > 0 && sent == 0 {
		return Result{}, fmt.Errorf("none of %d items delivered", len(task.Items))
	}

	// Completion message is best-effort.
	if sess != nil {
		if err := sess.SendText(ctx, secretCompletion(task.OrderRef, task.Product)); err != nil {
			log.Warn("secret completion failed", logx.Err(err))
		}
	} else {
		if err := client.SendText(ctx, peer, standardCompletion(task.OrderRef, task.Product)); err != nil {
			log.Warn("standard completion failed", logx.Err(err))
		}
	}

	return Result{Channel: channel, ItemsSent: sent}, nil
}

// setupSecret returns the secret session to use, or nil for standard
// delivery. Existing sessions are reused before opening a new one; session
// creation is what the platform rate-limits hardest. A flood on open
// propagates, any other failure degrades to the standard channel.
func (o *Orchestrator) setupSecret(ctx context.Context, conn *pool.Conn, peer platform.Identity, log logx.Logger) (platform.Session, error) {
	client := conn.Client
	if !client.SupportsSecretSessions() {
		return nil, nil
	}
	secret := client.Secret()
	if secret == nil {
		return nil, nil
	}

	if sess, ok := secret.Existing(peer); ok {
		log.Debug("reusing secret session",
			logx.Int64("session_id", sess.ID()), logx.Int64("peer_id", peer.ID))
		o.saveSession(ctx, conn.Agent.ID, peer.ID, sess.ID(), log)
		return sess, nil
	}
	if prev, ok, err := o.reg.LookupSecretSession(ctx, conn.Agent.ID, peer.ID); err == nil && ok {
		log.Debug("persisted secret session no longer live, opening a new one",
			logx.Int64("previous_session_id", prev), logx.Int64("peer_id", peer.ID))
	}

	sess, err := secret.Open(ctx, peer)
	if err != nil {
		if platform.IsFlood(err) {
			return nil, err
		}
		log.Warn("secret session open failed, using standard channel", logx.Err(err))
		return nil, nil
	}

	// Let the peer's client finish the handshake before the first payload.
	o.sleep(ctx, o.cfg.SettleDelay)
	o.saveSession(ctx, conn.Agent.ID, peer.ID, sess.ID(), log)
	return sess, nil
}

func (o *Orchestrator) saveSession(ctx context.Context, agentID, peerID, sessionID int64, log logx.Logger) {
	if err := o.reg.SaveSecretSession(ctx, agentID, peerID, sessionID); err != nil {
		log.Warn("secret session persist failed", logx.Err(err))
	}
}

// sendItems delivers the order payloads. Images go over the secret channel
// inline; videos go as encrypted file attachments and fall back to a
// standard-channel send (with a notice in the secret chat) when the
// attachment path is unavailable. Each item gets one plain retry before
// being skipped; flood errors abort immediately.
func (o *Orchestrator) sendItems(ctx context.Context, client platform.Client, sess platform.Session, peer platform.Identity, task Task, log logx.Logger) (int, error) {
	total := len(task.Items)
	sent := 0
	for idx, item := range task.Items {
		n := idx + 1
		m := platform.Media{
			Kind:     item.Kind,
			Data:     item.Data,
			Filename: item.Filename,
			Caption:  itemCaption(n, total, string(item.Kind)),
		}

		err := o.sendItem(ctx, client, sess, peer, m, n, task)
		if err != nil && platform.IsFlood(err) {
			return sent, err
		}
		if err != nil {
			log.Warn("item send failed, retrying plain",
				logx.Int("item", n), logx.Err(err))
			m.Caption = itemRetryCaption(n)
			if rerr := client.SendMedia(ctx, peer, m); rerr != nil {
				if platform.IsFlood(rerr) {
					return sent, rerr
				}
				log.Error("item skipped after retry", logx.Int("item", n), logx.Err(rerr))
				continue
			}
		}
		sent++
		o.sleep(ctx, o.cfg.ItemDelay)
	}
	return sent, nil
}

func (o *Orchestrator) sendItem(ctx context.Context, client platform.Client, sess platform.Session, peer platform.Identity, m platform.Media, idx int, task Task) error {
	if sess == nil {
		return client.SendMedia(ctx, peer, m)
	}

	switch m.Kind {
	case platform.MediaImage:
		return sess.SendMedia(ctx, m)
	case platform.MediaVideo:
		err := sess.SendAttachment(ctx, m)
		if err == nil {
			return nil
		}
		if platform.IsFlood(err) {
			return err
		}
		// Inline encrypted transport corrupts video; the attachment path
		// failed, so hand it over on the standard channel and say so in
		// the secret chat.
		fallback := m
		fallback.Caption = videoFallbackCaption(task.OrderRef, task.Product)
		if serr := client.SendMedia(ctx, peer, fallback); serr != nil {
			return serr
		}
		if nerr := sess.SendText(ctx, videoFallbackNotice(idx)); nerr != nil && platform.IsFlood(nerr) {
			return nerr
		}
		return nil
	default:
		return sess.SendAttachment(ctx, m)
	}
}

// TestDelivery sends a probe message through one specific agent. Used by
// admin tooling to verify an agent end to end.
func (o *Orchestrator) TestDelivery(ctx context.Context, agentID int64, recipient platform.Recipient) error {
	conn, ok := o.pool.Conn(agentID)
	if !ok {
		return registry.ErrNotFound
	}
	if err := conn.WaitSend(ctx); err != nil {
		return err
	}
	peer, err := conn.Client.Resolve(ctx, recipient)
	if err != nil {
		return err
	}
	return conn.Client.SendText(ctx, peer,
		fmt.Sprintf("Delivery test from agent #%d. If you can read this, the agent is operational.", agentID))
}
