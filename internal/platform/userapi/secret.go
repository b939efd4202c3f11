package userapi

import (
	"context"
	"fmt"
	"sync"

	"courier/internal/platform"
)

// secretManager caches live secret sessions per peer. At most one session
// exists per peer; the cache is seeded from the gateway on connect and
// invalidated on terminate events and disconnects.
type secretManager struct {
	c *Client

	mu       sync.Mutex
	sessions map[int64]*secretSession // peer id -> session
}

var _ platform.SecretSessions = (*secretManager)(nil)

func newSecretManager(c *Client) *secretManager {
	return &secretManager{c: c, sessions: make(map[int64]*secretSession)}
}

func (m *secretManager) seed(infos []secretSessionInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, in := range infos {
		if len(in.Key) != keySize {
			continue
		}
		m.sessions[in.PeerID] = &secretSession{
			c:    m.c,
			id:   in.SessionID,
			peer: platform.Identity{ID: in.PeerID},
			key:  in.Key,
		}
	}
}

func (m *secretManager) Existing(peer platform.Identity) (platform.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peer.ID]
	if !ok {
		return nil, false
	}
	// Refresh identity details the seed list did not carry.
	s.peer = peer
	return s, true
}

func (m *secretManager) Open(ctx context.Context, peer platform.Identity) (platform.Session, error) {
	var info secretSessionInfo
	err := m.c.call(ctx, methodSecretOpen, secretOpenParams{PeerID: peer.ID}, &info)
	if err != nil {
		return nil, err
	}
	if len(info.Key) != keySize {
		return nil, platform.E(platform.KindTransient, "userapi.secret.open",
			fmt.Errorf("gateway returned %d-byte payload key, want %d", len(info.Key), keySize))
	}

	s := &secretSession{c: m.c, id: info.SessionID, peer: peer, key: info.Key}
	m.mu.Lock()
	m.sessions[peer.ID] = s
	m.mu.Unlock()
	return s, nil
}

func (m *secretManager) drop(peerID int64) {
	m.mu.Lock()
	delete(m.sessions, peerID)
	m.mu.Unlock()
}

func (m *secretManager) reset() {
	m.mu.Lock()
	m.sessions = make(map[int64]*secretSession)
	m.mu.Unlock()
}

// secretSession is one established encrypted channel. Payloads are sealed
// locally; the gateway only ever relays ciphertext.
type secretSession struct {
	c    *Client
	id   int64
	peer platform.Identity
	key  []byte
}

var _ platform.Session = (*secretSession)(nil)

func (s *secretSession) ID() int64               { return s.id }
func (s *secretSession) Peer() platform.Identity { return s.peer }

func (s *secretSession) SendText(ctx context.Context, text string) error {
	return s.send(ctx, secretPayload{Text: text}, false)
}

func (s *secretSession) SendMedia(ctx context.Context, m platform.Media) error {
	return s.send(ctx, secretPayload{
		Kind:     string(m.Kind),
		Data:     m.Data,
		Filename: m.Filename,
		Caption:  m.Caption,
	}, false)
}

func (s *secretSession) SendAttachment(ctx context.Context, m platform.Media) error {
	return s.send(ctx, secretPayload{
		Kind:     string(m.Kind),
		Data:     m.Data,
		Filename: m.Filename,
		Caption:  m.Caption,
	}, true)
}

func (s *secretSession) send(ctx context.Context, p secretPayload, asFile bool) error {
	sealed, err := sealPayload(s.key, p)
	if err != nil {
		return platform.E(platform.KindTransient, "userapi.secret.seal", err)
	}
	method := methodSecretSend
	if asFile {
		method = methodSecretSendFile
	}
	return s.c.call(ctx, method, secretSendParams{
		SessionID: s.id,
		Sealed:    sealed,
		AsFile:    asFile,
	}, nil)
}
