// Package platform defines the contract between the delivery subsystem and
// a messaging-platform client.
//
// Two client variants exist: the personal-account gateway client
// (secret-session capable, internal/platform/userapi) and the Bot API
// client (standard channel only, internal/platform/botapi). Callers depend
// only on the interfaces here and branch on SupportsSecretSessions, never
// on the concrete type.
package platform

import "context"

// Recipient identifies a delivery target as provided by the fulfillment
// caller: a platform user id plus an optional handle.
type Recipient struct {
	ID     int64
	Handle string
}

// Identity is a resolved peer: the full identity an agent's connection
// knows how to address.
type Identity struct {
	ID          int64
	Handle      string
	DisplayName string
}

type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaOther MediaKind = "other"
)

// Media is one binary payload to send. Data is held only for the duration
// of the send.
type Media struct {
	Kind     MediaKind
	Data     []byte
	Filename string
	Caption  string
}

// Client is one live network session to the messaging platform for one
// agent account.
//
// Connect must be called before any other method; implementations must make
// Disconnect safe to call on a session the platform already tore down
// server-side.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// Ping probes session liveness. Used by the pool health monitor.
	Ping(ctx context.Context) error

	// Self returns the agent's own identity (valid after Connect).
	Self() Identity

	// Resolve looks up the full identity for a recipient, by handle when
	// known, otherwise by numeric id.
	Resolve(ctx context.Context, r Recipient) (Identity, error)

	SendText(ctx context.Context, peer Identity, text string) error
	SendMedia(ctx context.Context, peer Identity, m Media) error

	// SupportsSecretSessions reports whether Secret() returns a usable
	// sub-client. Bot API clients return false.
	SupportsSecretSessions() bool

	// Secret returns the encrypted-session sub-client, or nil when
	// unsupported.
	Secret() SecretSessions
}

// SecretSessions manages per-recipient end-to-end encrypted channels for
// one agent connection.
//
// At most one active session exists per peer; Existing must be consulted
// before Open because session creation is rate-limited by the platform.
type SecretSessions interface {
	// Existing returns the live session for peer, if any.
	Existing(peer Identity) (Session, bool)

	// Open creates a new session with peer and completes the key
	// handshake. Flood-control violations surface as KindFlood errors.
	Open(ctx context.Context, peer Identity) (Session, error)
}

// Session is one established encrypted channel.
type Session interface {
	ID() int64
	Peer() Identity

	SendText(ctx context.Context, text string) error

	// SendMedia sends inline media (images) over the encrypted channel.
	SendMedia(ctx context.Context, m Media) error

	// SendAttachment sends media as an encrypted file attachment (used for
	// videos, which inline encrypted transport corrupts). Returns a
	// KindUnsupported error when the gateway lacks the capability.
	SendAttachment(ctx context.Context, m Media) error
}
