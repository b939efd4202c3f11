// Package pool owns the live client connections for the agent fleet.
//
// The registry stays the source of truth; the pool is a cache of live
// sessions plus the process-local flood-cooldown table. Every connection
// state transition is written back to the registry before callers see it.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"courier/internal/platform"
	"courier/internal/registry"
	"courier/pkg/logx"
)

// ClientFactory builds a platform client for one agent. The agent's
// Transport field selects the implementation.
type ClientFactory func(a registry.Agent) (platform.Client, error)

// Registry is the store surface the pool needs.
type Registry interface {
	Get(ctx context.Context, id int64) (registry.Agent, error)
	ListEnabledWithSession(ctx context.Context) ([]registry.Agent, error)
	UpdateConnectionStatus(ctx context.Context, id int64, connected bool, statusMsg, lastErr string) error
}

// Quota reports the current hour-window delivery count for an agent.
type Quota interface {
	HourCount(ctx context.Context, agentID int64) int
}

// Conn is one live agent connection.
type Conn struct {
	Agent   registry.Agent
	Client  platform.Client
	limiter *rate.Limiter
}

// WaitSend blocks until the per-agent send limiter admits one send, or the
// context expires.
func (c *Conn) WaitSend(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

type Config struct {
	// SendsPerMinute caps outbound sends per agent. 0 disables the cap.
	SendsPerMinute int

	// PingTimeout bounds each health probe.
	PingTimeout time.Duration

	// DefaultCooldown is applied on flood errors that carry no
	// platform-reported wait.
	DefaultCooldown time.Duration
}

func (c *Config) normalize() {
	if c.PingTimeout <= 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.DefaultCooldown <= 0 {
		c.DefaultCooldown = 30 * time.Minute
	}
}

// Pool is safe for concurrent use.
type Pool struct {
	cfg       Config
	reg       Registry
	quota     Quota
	newClient ClientFactory
	log       logx.Logger

	mu          sync.Mutex
	conns       map[int64]*Conn
	flooded     map[int64]time.Time // agent id -> cooldown expiry
	initialized bool

	now func() time.Time
}

func New(cfg Config, reg Registry, quota Quota, factory ClientFactory, log logx.Logger) *Pool {
	cfg.normalize()
	return &Pool{
		cfg:       cfg,
		reg:       reg,
		quota:     quota,
		newClient: factory,
		log:       log.With(logx.String("component", "pool")),
		conns:     make(map[int64]*Conn),
		flooded:   make(map[int64]time.Time),
		now:       time.Now,
	}
}

// Initialize connects every eligible agent. Idempotent: a second call is a
// no-op. One agent failing to connect never blocks the others; failures are
// written to the registry and logged.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		return nil
	}
	p.initialized = true
	p.mu.Unlock()

	agents, err := p.reg.ListEnabledWithSession(ctx)
	if err != nil {
		return fmt.Errorf("pool: list agents: %w", err)
	}

	var connected int
	for _, a := range agents {
		if err := p.connect(ctx, a); err != nil {
			p.log.Warn("agent connect failed",
				logx.Int64("agent_id", a.ID), logx.String("name", a.Name), logx.Err(err))
			continue
		}
		connected++
	}
	p.log.Info("pool initialized",
		logx.Int("eligible", len(agents)), logx.Int("connected", connected))
	return nil
}

// ConnectSingle connects one agent by id, loading its current record from
// the registry. Connecting an already-connected agent is a no-op.
func (p *Pool) ConnectSingle(ctx context.Context, id int64) error {
	p.mu.Lock()
	_, live := p.conns[id]
	p.mu.Unlock()
	if live {
		return nil
	}

	a, err := p.reg.Get(ctx, id)
	if err != nil {
		return err
	}
	if !a.Enabled {
		return platform.E(platform.KindConfiguration, "pool.connect", errors.New("agent disabled"))
	}
	if a.SessionToken == "" {
		return platform.E(platform.KindConfiguration, "pool.connect", errors.New("agent has no session token"))
	}
	return p.connect(ctx, a)
}

func (p *Pool) connect(ctx context.Context, a registry.Agent) error {
	client, err := p.newClient(a)
	if err != nil {
		p.writeStatus(ctx, a.ID, false, "client build failed", err)
		return err
	}
	if err := client.Connect(ctx); err != nil {
		p.writeStatus(ctx, a.ID, false, "connect failed", err)
		return err
	}

	var limiter *rate.Limiter
	if p.cfg.SendsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(p.cfg.SendsPerMinute)/60.0), p.cfg.SendsPerMinute)
	}

	p.mu.Lock()
	p.conns[a.ID] = &Conn{Agent: a, Client: client, limiter: limiter}
	p.mu.Unlock()

	p.writeStatus(ctx, a.ID, true, "connected", nil)
	p.log.Info("agent connected",
		logx.Int64("agent_id", a.ID), logx.String("name", a.Name),
		logx.String("transport", string(a.Transport)))
	return nil
}

// DisconnectSingle tears down one agent's connection. Disconnect errors
// are logged, not returned: the platform may already have dropped the
// session server-side.
func (p *Pool) DisconnectSingle(ctx context.Context, id int64) {
	p.mu.Lock()
	c, ok := p.conns[id]
	delete(p.conns, id)
	delete(p.flooded, id)
	p.mu.Unlock()
	if !ok {
		return
	}
	if err := c.Client.Disconnect(ctx); err != nil {
		p.log.Warn("agent disconnect", logx.Int64("agent_id", id), logx.Err(err))
	}
	p.writeStatus(ctx, id, false, "disconnected", nil)
}

// DisconnectAll tears down every connection. Used on shutdown.
func (p *Pool) DisconnectAll(ctx context.Context) {
	p.mu.Lock()
	ids := make([]int64, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.DisconnectSingle(ctx, id)
	}
}

// Conn returns the live connection for an agent, if any.
func (p *Pool) Conn(id int64) (*Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[id]
	return c, ok
}

// Available returns the agents currently eligible for selection: enabled,
// connected, not cooling down, under their hourly quota. Enabled state and
// quota limits come from the registry on every call; the connection map
// only says who is live. Expired cooldowns are purged by the call itself.
// Order is priority desc, id asc (map iteration never leaks through).
func (p *Pool) Available(ctx context.Context) []registry.Agent {
	now := p.now()

	records, err := p.reg.ListEnabledWithSession(ctx)
	if err != nil {
		p.log.Error("eligibility list failed", logx.Err(err))
		return nil
	}
	eligible := make(map[int64]registry.Agent, len(records))
	for _, a := range records {
		eligible[a.ID] = a
	}

	p.mu.Lock()
	candidates := make([]registry.Agent, 0, len(p.conns))
	for id := range p.conns {
		a, ok := eligible[id]
		if !ok {
			// Disabled (or session token cleared) since connect.
			continue
		}
		if until, cooling := p.flooded[id]; cooling {
			if now.Before(until) {
				continue
			}
			delete(p.flooded, id)
		}
		candidates = append(candidates, a)
	}
	p.mu.Unlock()

	out := candidates[:0]
	for _, a := range candidates {
		if a.MaxPerHour > 0 && p.quota != nil && p.quota.HourCount(ctx, a.ID) >= a.MaxPerHour {
			continue
		}
		out = append(out, a)
	}

	sortAgents(out)
	return out
}

// EvictInvalid removes an agent whose session the platform rejected.
// Reconnecting cannot fix revoked credentials, so the agent leaves the
// pool until its session token is re-provisioned; the registry status says
// why.
func (p *Pool) EvictInvalid(ctx context.Context, id int64, cause error) {
	p.mu.Lock()
	c, ok := p.conns[id]
	delete(p.conns, id)
	delete(p.flooded, id)
	p.mu.Unlock()
	if ok {
		// Best effort: the session is already dead server-side.
		_ = c.Client.Disconnect(ctx)
	}
	p.writeStatus(ctx, id, false, "session invalid", cause)
	p.log.Error("agent session invalid, evicted from pool",
		logx.Int64("agent_id", id), logx.Err(cause))
}

// MarkFlooded puts an agent on cooldown. d <= 0 applies the default.
func (p *Pool) MarkFlooded(id int64, d time.Duration) {
	if d <= 0 {
		d = p.cfg.DefaultCooldown
	}
	until := p.now().Add(d)
	p.mu.Lock()
	p.flooded[id] = until
	p.mu.Unlock()
	p.log.Warn("agent on flood cooldown",
		logx.Int64("agent_id", id), logx.Duration("cooldown", d))
}

// FloodedUntil reports the cooldown expiry for an agent, if cooling down.
func (p *Pool) FloodedUntil(id int64) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.flooded[id]
	return t, ok
}

// ConnectedIDs returns the ids of all live connections.
func (p *Pool) ConnectedIDs() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]int64, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	return ids
}

func (p *Pool) writeStatus(ctx context.Context, id int64, connected bool, msg string, cause error) {
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	if err := p.reg.UpdateConnectionStatus(ctx, id, connected, msg, errMsg); err != nil {
		p.log.Error("status writeback failed", logx.Int64("agent_id", id), logx.Err(err))
	}
}

func sortAgents(agents []registry.Agent) {
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].Priority != agents[j].Priority {
			return agents[i].Priority > agents[j].Priority
		}
		return agents[i].ID < agents[j].ID
	})
}
