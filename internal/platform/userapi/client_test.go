package userapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"courier/internal/platform"
	"courier/pkg/logx"
)

// fakeGateway is an in-process websocket gateway speaking the frame
// protocol. Behavior per method is scripted through handlers.
type fakeGateway struct {
	t        *testing.T
	srv      *httptest.Server
	mu       sync.Mutex
	key      []byte
	sealed   [][]byte // payloads received on secret.send
	openN    int
	handlers map[string]func(params json.RawMessage) (any, *frameError)
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{
		t:        t,
		key:      testKey(),
		handlers: make(map[string]func(json.RawMessage) (any, *frameError)),
	}

	g.handlers[methodAuth] = func(p json.RawMessage) (any, *frameError) {
		var in authParams
		_ = json.Unmarshal(p, &in)
		if in.SessionToken != "good-token" {
			return nil, &frameError{Code: codeAuthKeyInvalid, Message: "session revoked"}
		}
		return authResult{UserID: 42, Handle: "agent42", DisplayName: "Agent"}, nil
	}
	g.handlers[methodPing] = func(json.RawMessage) (any, *frameError) { return nil, nil }
	g.handlers[methodSecretList] = func(json.RawMessage) (any, *frameError) {
		return secretListResult{}, nil
	}
	g.handlers[methodResolvePeer] = func(p json.RawMessage) (any, *frameError) {
		var in resolveParams
		_ = json.Unmarshal(p, &in)
		if in.PeerID == 0 && in.Handle == "" {
			return nil, &frameError{Code: codePeerNotFound, Message: "empty recipient"}
		}
		id := in.PeerID
		if id == 0 {
			id = 777
		}
		return peerResult{PeerID: id, Handle: in.Handle, DisplayName: "Peer"}, nil
	}
	g.handlers[methodSendText] = func(json.RawMessage) (any, *frameError) { return nil, nil }
	g.handlers[methodSecretOpen] = func(p json.RawMessage) (any, *frameError) {
		g.mu.Lock()
		g.openN++
		n := g.openN
		g.mu.Unlock()
		return secretSessionInfo{SessionID: int64(1000 + n), PeerID: 0, Key: g.key}, nil
	}
	g.handlers[methodSecretSend] = func(p json.RawMessage) (any, *frameError) {
		var in secretSendParams
		_ = json.Unmarshal(p, &in)
		g.mu.Lock()
		g.sealed = append(g.sealed, in.Sealed)
		g.mu.Unlock()
		return nil, nil
	}

	g.srv = httptest.NewServer(http.HandlerFunc(g.serve))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *fakeGateway) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req frame
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		resp := frame{ID: req.ID, Type: frameResponse}
		g.mu.Lock()
		h := g.handlers[req.Method]
		g.mu.Unlock()
		if h == nil {
			resp.Error = &frameError{Code: codeUnsupported, Message: "no handler"}
		} else if result, fe := h(req.Params); fe != nil {
			resp.Error = fe
		} else if result != nil {
			resp.Result, _ = json.Marshal(result)
		}
		out, _ := json.Marshal(resp)
		if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
			return
		}
	}
}

func (g *fakeGateway) set(method string, h func(json.RawMessage) (any, *frameError)) {
	g.mu.Lock()
	g.handlers[method] = h
	g.mu.Unlock()
}

func newTestClient(t *testing.T, g *fakeGateway) *Client {
	t.Helper()
	c, err := New(Config{
		URL:          g.url(),
		SessionToken: "good-token",
		APIID:        "1",
		APIHash:      "h",
		DialTimeout:  5 * time.Second,
		CallTimeout:  5 * time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestConnectAuthAndSelf(t *testing.T) {
	g := newFakeGateway(t)
	c := newTestClient(t, g)
	ctx := context.Background()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect(ctx)

	self := c.Self()
	if self.ID != 42 || self.Handle != "agent42" {
		t.Fatalf("self = %+v", self)
	}
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	// Second connect is a no-op.
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
}

func TestConnectRejectsBadToken(t *testing.T) {
	g := newFakeGateway(t)
	c, err := New(Config{URL: g.url(), SessionToken: "bad-token"}, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = c.Connect(context.Background())
	if platform.KindOf(err) != platform.KindAuthInvalid {
		t.Fatalf("connect err = %v, want auth_invalid kind", err)
	}
}

func TestResolveAndSendText(t *testing.T) {
	g := newFakeGateway(t)
	c := newTestClient(t, g)
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect(ctx)

	peer, err := c.Resolve(ctx, platform.Recipient{Handle: "buyer"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if peer.ID != 777 || peer.Handle != "buyer" {
		t.Fatalf("peer = %+v", peer)
	}
	if err := c.SendText(ctx, peer, "hello"); err != nil {
		t.Fatalf("send text: %v", err)
	}
}

func TestResolveNotFound(t *testing.T) {
	g := newFakeGateway(t)
	c := newTestClient(t, g)
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect(ctx)

	_, err := c.Resolve(ctx, platform.Recipient{})
	if platform.KindOf(err) != platform.KindNotFound {
		t.Fatalf("err = %v, want not_found kind", err)
	}
}

func TestFloodErrorCarriesRetryAfter(t *testing.T) {
	g := newFakeGateway(t)
	g.set(methodSendText, func(json.RawMessage) (any, *frameError) {
		return nil, &frameError{Code: codeFloodWait, Message: "slow down", RetryAfter: 120}
	})
	c := newTestClient(t, g)
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect(ctx)

	err := c.SendText(ctx, platform.Identity{ID: 1}, "x")
	if !platform.IsFlood(err) {
		t.Fatalf("err = %v, want flood", err)
	}
	if got := platform.RetryAfter(err); got != 2*time.Minute {
		t.Fatalf("retry after = %s, want 2m", got)
	}
}

func TestSecretSessionOpenReuseAndSealedSend(t *testing.T) {
	g := newFakeGateway(t)
	c := newTestClient(t, g)
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect(ctx)

	peer := platform.Identity{ID: 555}
	sec := c.Secret()
	if !c.SupportsSecretSessions() || sec == nil {
		t.Fatal("secret sessions unsupported")
	}

	if _, ok := sec.Existing(peer); ok {
		t.Fatal("phantom existing session")
	}
	sess, err := sec.Open(ctx, peer)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if sess.ID() != 1001 {
		t.Fatalf("session id = %d", sess.ID())
	}

	// Second lookup reuses the cached session, no second open.
	got, ok := sec.Existing(peer)
	if !ok || got.ID() != sess.ID() {
		t.Fatalf("existing = (%v, %v)", got, ok)
	}
	g.mu.Lock()
	opens := g.openN
	g.mu.Unlock()
	if opens != 1 {
		t.Fatalf("open calls = %d, want 1", opens)
	}

	// The gateway must receive ciphertext it can only open with the key.
	if err := sess.SendText(ctx, "order ready"); err != nil {
		t.Fatalf("secret send: %v", err)
	}
	g.mu.Lock()
	if len(g.sealed) != 1 {
		g.mu.Unlock()
		t.Fatalf("sealed payloads = %d", len(g.sealed))
	}
	sealed := g.sealed[0]
	g.mu.Unlock()

	p, err := openPayload(g.key, sealed)
	if err != nil {
		t.Fatalf("open payload: %v", err)
	}
	if p.Text != "order ready" {
		t.Fatalf("payload text = %q", p.Text)
	}
}

func TestDisconnectDuringInFlightCalls(t *testing.T) {
	g := newFakeGateway(t)
	g.set(methodSendText, func(json.RawMessage) (any, *frameError) {
		time.Sleep(2 * time.Millisecond)
		return nil, nil
	})
	c := newTestClient(t, g)
	ctx := context.Background()

	// Responses race the teardown: each call either completes or fails as
	// transient, and the process must survive every interleaving.
	for i := 0; i < 25; i++ {
		if err := c.Connect(ctx); err != nil {
			t.Fatalf("connect #%d: %v", i, err)
		}
		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := c.SendText(ctx, platform.Identity{ID: 1}, "x"); err != nil {
					if platform.KindOf(err) != platform.KindTransient {
						t.Errorf("send err = %v, want transient", err)
					}
				}
			}()
		}
		time.Sleep(time.Millisecond)
		_ = c.Disconnect(ctx)
		wg.Wait()
	}
}

func TestTerminateEventDropsSession(t *testing.T) {
	g := newFakeGateway(t)
	c := newTestClient(t, g)
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect(ctx)

	peer := platform.Identity{ID: 9}
	if _, err := c.Secret().Open(ctx, peer); err != nil {
		t.Fatalf("open: %v", err)
	}

	c.handleEvent(&frame{
		Type:   frameEvent,
		Method: methodSecretTerminated,
		Params: json.RawMessage(`{"session_id":1001,"peer_id":9}`),
	})

	if _, ok := c.Secret().Existing(peer); ok {
		t.Fatal("terminated session still cached")
	}
}
