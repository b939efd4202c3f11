package pool

import (
	"context"
	"time"

	"courier/internal/platform"
	"courier/pkg/logx"
)

// MonitorConfig tunes the background health loop.
type MonitorConfig struct {
	Interval      time.Duration
	AutoReconnect func(ctx context.Context) bool
}

// Monitor pings every live connection on a fixed interval, marks dead ones
// disconnected, and optionally reconnects them. Runs until ctx is done;
// meant to be driven by a supervisor with restart.
func (p *Pool) Monitor(ctx context.Context, cfg MonitorConfig) error {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.sweep(ctx, cfg)
		}
	}
}

func (p *Pool) sweep(ctx context.Context, cfg MonitorConfig) {
	for _, id := range p.ConnectedIDs() {
		c, ok := p.Conn(id)
		if !ok {
			continue
		}

		pingCtx, cancel := context.WithTimeout(ctx, p.cfg.PingTimeout)
		err := c.Client.Ping(pingCtx)
		cancel()
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		p.log.Warn("agent health check failed",
			logx.Int64("agent_id", id), logx.Err(err))

		p.mu.Lock()
		delete(p.conns, id)
		p.mu.Unlock()
		// Best effort: the session may already be gone server-side.
		_ = c.Client.Disconnect(ctx)
		p.writeStatus(ctx, id, false, "health check failed", err)

		// Expired or revoked credentials cannot be fixed by reconnecting.
		if platform.KindOf(err) == platform.KindAuthInvalid {
			p.log.Error("agent session invalid, not reconnecting",
				logx.Int64("agent_id", id))
			continue
		}

		if cfg.AutoReconnect != nil && cfg.AutoReconnect(ctx) {
			if rerr := p.ConnectSingle(ctx, id); rerr != nil {
				p.log.Warn("agent reconnect failed",
					logx.Int64("agent_id", id), logx.Err(rerr))
			}
		}
	}
}
