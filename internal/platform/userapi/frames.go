package userapi

import "encoding/json"

// Wire protocol: every websocket message is one JSON frame. Requests carry
// a client-generated id; the gateway echoes it on the response. Frames
// without an id are unsolicited events.
type frame struct {
	ID     string          `json:"id,omitempty"`
	Type   string          `json:"type"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *frameError     `json:"error,omitempty"`
}

const (
	frameRequest  = "request"
	frameResponse = "response"
	frameEvent    = "event"
)

// frameError is the gateway's error envelope. RetryAfter is set only for
// flood-control rejections, in seconds.
type frameError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// Gateway error codes.
const (
	codeFloodWait      = "FLOOD_WAIT"
	codeAuthKeyInvalid = "AUTH_KEY_INVALID"
	codePeerNotFound   = "PEER_NOT_FOUND"
	codeUnsupported    = "UNSUPPORTED"
)

// Methods.
const (
	methodAuth             = "auth"
	methodPing             = "ping"
	methodResolvePeer      = "resolve_peer"
	methodSendText         = "send_text"
	methodSendMedia        = "send_media"
	methodSecretList       = "secret.list"
	methodSecretOpen       = "secret.open"
	methodSecretSend       = "secret.send"
	methodSecretSendFile   = "secret.send_file"
	methodSecretTerminated = "secret.terminated" // event
)

type authParams struct {
	SessionToken string `json:"session_token"`
	APIID        string `json:"api_id"`
	APIHash      string `json:"api_hash"`
}

type authResult struct {
	UserID      int64  `json:"user_id"`
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name"`
}

type resolveParams struct {
	PeerID int64  `json:"peer_id,omitempty"`
	Handle string `json:"handle,omitempty"`
}

type peerResult struct {
	PeerID      int64  `json:"peer_id"`
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name"`
}

type sendTextParams struct {
	PeerID int64  `json:"peer_id"`
	Text   string `json:"text"`
}

type sendMediaParams struct {
	PeerID   int64  `json:"peer_id"`
	Kind     string `json:"kind"`
	Data     []byte `json:"data"` // base64 on the wire
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

type secretOpenParams struct {
	PeerID int64 `json:"peer_id"`
}

type secretSessionInfo struct {
	SessionID int64  `json:"session_id"`
	PeerID    int64  `json:"peer_id"`
	Key       []byte `json:"key"` // AES-256 payload key, base64 on the wire
}

type secretListResult struct {
	Sessions []secretSessionInfo `json:"sessions"`
}

// secretSendParams carries one sealed payload. The gateway relays Sealed
// opaquely; plaintext never crosses the wire.
type secretSendParams struct {
	SessionID int64  `json:"session_id"`
	Sealed    []byte `json:"sealed"`
	AsFile    bool   `json:"as_file,omitempty"`
}

type secretTerminatedEvent struct {
	SessionID int64 `json:"session_id"`
	PeerID    int64 `json:"peer_id"`
}
