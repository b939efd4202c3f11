// Package registry is the durable source of truth for agent configuration,
// delivery history and per-agent statistics.
//
// The pool's in-memory connection map is only a cache; enabled/quota state
// always comes from here, and connection-status transitions are written
// back synchronously so a restart cannot diverge from reality.
package registry

import (
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("registry: not found")

// Transport selects the client implementation used for an agent.
type Transport string

const (
	// TransportUser is a personal account on the gateway; secret-session
	// capable.
	TransportUser Transport = "user"
	// TransportBot is a Bot API account; standard channel only.
	TransportBot Transport = "bot"
)

// ParseTransport validates a transport value at the database boundary.
func ParseTransport(s string) (Transport, error) {
	switch Transport(s) {
	case TransportUser, TransportBot:
		return Transport(s), nil
	default:
		return "", fmt.Errorf("registry: unknown transport %q", s)
	}
}

// Agent is one automated delivery account.
//
// SessionToken is an opaque blob owned by the platform client: it is stored
// and handed over verbatim, never parsed here. An agent without a token can
// never connect.
type Agent struct {
	ID            int64
	Name          string
	Transport     Transport
	APIID         string
	APIHash       string
	Phone         string
	SessionToken  string
	Enabled       bool
	Connected     bool
	StatusMessage string
	Priority      int
	MaxPerHour    int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastConnectedAt time.Time
	LastError     string
}

// Settings is the admin-tunable delivery policy (singleton row).
type Settings struct {
	Enabled          bool
	Strategy         string
	AutoReconnect    bool
	MaxRetries       int
	RetryDelay       time.Duration
	SecretSessionTTL time.Duration
}

// AgentStats are durable per-agent delivery counters. HourCount/HourStart
// form the rolling quota window; the reset is lazy (read-time), performed
// by the stats tracker, never by a background timer.
type AgentStats struct {
	AgentID        int64
	Total          int64
	Succeeded      int64
	Failed         int64
	TotalTime      time.Duration
	LastDeliveryAt time.Time
	HourCount      int
	HourStart      time.Time
}

// DeliveryRecord is one row of delivery history.
type DeliveryRecord struct {
	ID          int64
	AgentID     int64
	UserID      int64
	OrderRef    string
	Status      string // "pending", "delivered", "failed"
	Duration    time.Duration
	Error       string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// OverallStats is the aggregate view consumed by external reporting.
type OverallStats struct {
	Agents          int
	EnabledAgents   int
	ConnectedAgents int
	Total           int64
	Succeeded       int64
	Failed          int64
	AvgDeliveryTime time.Duration
	Last24h         int64
}

// SuccessRate returns succeeded/total in [0,1]; 0 when nothing recorded.
func (o OverallStats) SuccessRate() float64 {
	if o.Total == 0 {
		return 0
	}
	return float64(o.Succeeded) / float64(o.Total)
}
