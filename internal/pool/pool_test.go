package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"courier/internal/platform"
	"courier/internal/registry"
	"courier/pkg/logx"
)

// fakeClient implements platform.Client for pool tests.
type fakeClient struct {
	mu           sync.Mutex
	connected    bool
	connectErr   error
	pingErr      error
	disconnects  int
	connectCalls int
}

func (f *fakeClient) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeClient) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
	return nil
}

func (f *fakeClient) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeClient) Self() platform.Identity { return platform.Identity{ID: 1} }

func (f *fakeClient) Resolve(_ context.Context, r platform.Recipient) (platform.Identity, error) {
	return platform.Identity{ID: r.ID, Handle: r.Handle}, nil
}

func (f *fakeClient) SendText(context.Context, platform.Identity, string) error { return nil }
func (f *fakeClient) SendMedia(context.Context, platform.Identity, platform.Media) error {
	return nil
}
func (f *fakeClient) SupportsSecretSessions() bool       { return false }
func (f *fakeClient) Secret() platform.SecretSessions    { return nil }

// fakeRegistry implements Registry in memory.
type fakeRegistry struct {
	mu     sync.Mutex
	agents map[int64]registry.Agent
	status map[int64]bool
}

func newFakeRegistry(agents ...registry.Agent) *fakeRegistry {
	f := &fakeRegistry{agents: make(map[int64]registry.Agent), status: make(map[int64]bool)}
	for _, a := range agents {
		f.agents[a.ID] = a
	}
	return f
}

func (f *fakeRegistry) Get(_ context.Context, id int64) (registry.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok {
		return registry.Agent{}, registry.ErrNotFound
	}
	return a, nil
}

func (f *fakeRegistry) ListEnabledWithSession(context.Context) ([]registry.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []registry.Agent
	for _, a := range f.agents {
		if a.Enabled && a.SessionToken != "" {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeRegistry) UpdateConnectionStatus(_ context.Context, id int64, connected bool, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[id] = connected
	return nil
}

type fixedQuota map[int64]int

func (q fixedQuota) HourCount(_ context.Context, id int64) int { return q[id] }

func testAgent(id int64, prio int) registry.Agent {
	return registry.Agent{
		ID: id, Name: "agent", Transport: registry.TransportUser,
		SessionToken: "tok", Enabled: true, Priority: prio, MaxPerHour: 30,
	}
}

func newTestPool(reg *fakeRegistry, quota Quota, clients map[int64]*fakeClient) *Pool {
	factory := func(a registry.Agent) (platform.Client, error) {
		if c, ok := clients[a.ID]; ok {
			return c, nil
		}
		return &fakeClient{}, nil
	}
	return New(Config{}, reg, quota, factory, logx.Nop())
}

func TestInitializeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := &fakeClient{}
	reg := newFakeRegistry(testAgent(1, 0))
	p := newTestPool(reg, fixedQuota{}, map[int64]*fakeClient{1: c})

	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("second initialize: %v", err)
	}
	if c.connectCalls != 1 {
		t.Fatalf("connect calls = %d, want 1", c.connectCalls)
	}
	if !reg.status[1] {
		t.Fatal("connected status not written back")
	}
}

func TestInitializeIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	bad := &fakeClient{connectErr: errors.New("dial refused")}
	good := &fakeClient{}
	reg := newFakeRegistry(testAgent(1, 0), testAgent(2, 0))
	p := newTestPool(reg, fixedQuota{}, map[int64]*fakeClient{1: bad, 2: good})

	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, ok := p.Conn(1); ok {
		t.Fatal("failed agent present in pool")
	}
	if _, ok := p.Conn(2); !ok {
		t.Fatal("healthy agent missing from pool")
	}
	if reg.status[1] {
		t.Fatal("failed agent marked connected")
	}
}

func TestConnectSingle(t *testing.T) {
	ctx := context.Background()
	c := &fakeClient{}
	reg := newFakeRegistry(testAgent(1, 0))
	p := newTestPool(reg, fixedQuota{}, map[int64]*fakeClient{1: c})

	if err := p.ConnectSingle(ctx, 1); err != nil {
		t.Fatalf("connect: %v", err)
	}
	// Already connected: no second dial.
	if err := p.ConnectSingle(ctx, 1); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if c.connectCalls != 1 {
		t.Fatalf("connect calls = %d, want 1", c.connectCalls)
	}

	if err := p.ConnectSingle(ctx, 99); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("missing agent = %v, want ErrNotFound", err)
	}
}

func TestConnectSingleRejectsIneligible(t *testing.T) {
	ctx := context.Background()
	disabled := testAgent(1, 0)
	disabled.Enabled = false
	tokenless := testAgent(2, 0)
	tokenless.SessionToken = ""
	reg := newFakeRegistry(disabled, tokenless)
	p := newTestPool(reg, fixedQuota{}, nil)

	for _, id := range []int64{1, 2} {
		err := p.ConnectSingle(ctx, id)
		if platform.KindOf(err) != platform.KindConfiguration {
			t.Fatalf("agent %d: err = %v, want configuration kind", id, err)
		}
	}
}

func TestAvailableFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	reg := newFakeRegistry(testAgent(1, 0), testAgent(2, 5), testAgent(3, 5))
	quota := fixedQuota{1: 0, 2: 0, 3: 0}
	p := newTestPool(reg, quota, nil)
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	got := p.Available(ctx)
	if len(got) != 3 {
		t.Fatalf("available = %d agents", len(got))
	}
	// Priority desc, id asc.
	if got[0].ID != 2 || got[1].ID != 3 || got[2].ID != 1 {
		t.Fatalf("order = %d,%d,%d", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestAvailableDropsAgentDisabledAfterConnect(t *testing.T) {
	ctx := context.Background()
	reg := newFakeRegistry(testAgent(1, 0), testAgent(2, 0))
	p := newTestPool(reg, fixedQuota{}, nil)
	_ = p.Initialize(ctx)

	reg.mu.Lock()
	a := reg.agents[1]
	a.Enabled = false
	reg.agents[1] = a
	reg.mu.Unlock()

	got := p.Available(ctx)
	if len(got) != 1 || got[0].ID != 2 {
		t.Fatalf("available = %+v, want only agent 2", got)
	}
	// Only eligibility changes; the connection itself stays up until an
	// admin disconnects it.
	if _, ok := p.Conn(1); !ok {
		t.Fatal("disabled agent connection torn down")
	}
}

func TestEvictInvalid(t *testing.T) {
	ctx := context.Background()
	c := &fakeClient{}
	reg := newFakeRegistry(testAgent(1, 0))
	p := newTestPool(reg, fixedQuota{}, map[int64]*fakeClient{1: c})
	_ = p.Initialize(ctx)

	p.EvictInvalid(ctx, 1, errors.New("session revoked"))

	if _, ok := p.Conn(1); ok {
		t.Fatal("evicted agent still in pool")
	}
	if len(p.Available(ctx)) != 0 {
		t.Fatal("evicted agent still available")
	}
	if c.disconnects != 1 {
		t.Fatalf("disconnects = %d, want 1", c.disconnects)
	}
	if reg.status[1] {
		t.Fatal("evicted agent still marked connected")
	}
}

func TestAvailableExcludesOverQuota(t *testing.T) {
	ctx := context.Background()
	reg := newFakeRegistry(testAgent(1, 0), testAgent(2, 0))
	quota := fixedQuota{1: 30, 2: 29}
	p := newTestPool(reg, quota, nil)
	_ = p.Initialize(ctx)

	got := p.Available(ctx)
	if len(got) != 1 || got[0].ID != 2 {
		t.Fatalf("available = %+v, want only agent 2", got)
	}
}

func TestFloodCooldownLazyExpiry(t *testing.T) {
	ctx := context.Background()
	reg := newFakeRegistry(testAgent(1, 0), testAgent(2, 0))
	p := newTestPool(reg, fixedQuota{}, nil)
	_ = p.Initialize(ctx)

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	p.MarkFlooded(1, 30*time.Minute)
	if got := p.Available(ctx); len(got) != 1 || got[0].ID != 2 {
		t.Fatalf("available during cooldown = %+v", got)
	}
	if _, cooling := p.FloodedUntil(1); !cooling {
		t.Fatal("cooldown not recorded")
	}

	now = now.Add(31 * time.Minute)
	if got := p.Available(ctx); len(got) != 2 {
		t.Fatalf("available after expiry = %+v", got)
	}
	// The read purged the entry.
	if _, cooling := p.FloodedUntil(1); cooling {
		t.Fatal("expired cooldown not purged")
	}
}

func TestMarkFloodedDefaultCooldown(t *testing.T) {
	p := newTestPool(newFakeRegistry(), fixedQuota{}, nil)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	p.MarkFlooded(1, 0)
	until, ok := p.FloodedUntil(1)
	if !ok || !until.Equal(now.Add(30*time.Minute)) {
		t.Fatalf("cooldown until = %v, want now+30m", until)
	}
}

func TestDisconnectAll(t *testing.T) {
	ctx := context.Background()
	c1, c2 := &fakeClient{}, &fakeClient{}
	reg := newFakeRegistry(testAgent(1, 0), testAgent(2, 0))
	p := newTestPool(reg, fixedQuota{}, map[int64]*fakeClient{1: c1, 2: c2})
	_ = p.Initialize(ctx)

	p.DisconnectAll(ctx)
	if len(p.ConnectedIDs()) != 0 {
		t.Fatal("connections remain after DisconnectAll")
	}
	if c1.disconnects != 1 || c2.disconnects != 1 {
		t.Fatalf("disconnects = %d, %d", c1.disconnects, c2.disconnects)
	}
	if reg.status[1] || reg.status[2] {
		t.Fatal("disconnect not written back")
	}
}

func TestSweepMarksDeadAndReconnects(t *testing.T) {
	ctx := context.Background()
	c := &fakeClient{}
	reg := newFakeRegistry(testAgent(1, 0))
	p := newTestPool(reg, fixedQuota{}, map[int64]*fakeClient{1: c})
	_ = p.Initialize(ctx)

	c.mu.Lock()
	c.pingErr = errors.New("connection reset")
	c.mu.Unlock()

	p.sweep(ctx, MonitorConfig{AutoReconnect: func(context.Context) bool { return true }})

	// Dead connection was dropped and redialed.
	if c.connectCalls != 2 {
		t.Fatalf("connect calls = %d, want 2 (initial + reconnect)", c.connectCalls)
	}
	if _, ok := p.Conn(1); !ok {
		t.Fatal("agent not reconnected")
	}
}

func TestSweepSkipsReconnectOnAuthFailure(t *testing.T) {
	ctx := context.Background()
	c := &fakeClient{}
	reg := newFakeRegistry(testAgent(1, 0))
	p := newTestPool(reg, fixedQuota{}, map[int64]*fakeClient{1: c})
	_ = p.Initialize(ctx)

	c.mu.Lock()
	c.pingErr = platform.E(platform.KindAuthInvalid, "ping", errors.New("session revoked"))
	c.mu.Unlock()

	p.sweep(ctx, MonitorConfig{AutoReconnect: func(context.Context) bool { return true }})

	if c.connectCalls != 1 {
		t.Fatalf("connect calls = %d, want 1 (no reconnect)", c.connectCalls)
	}
	if _, ok := p.Conn(1); ok {
		t.Fatal("auth-dead agent still in pool")
	}
	if reg.status[1] {
		t.Fatal("auth-dead agent still marked connected")
	}
}
