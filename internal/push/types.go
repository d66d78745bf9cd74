// Package push keeps the single server push connection alive: it detects
// silent failures with a ping/pong exchange and reconnects, refreshing the
// access token first when it has expired.
package push

import (
	"net/url"
	"strings"
	"time"

	"github.com/dkeye/Calling/internal/domain"
)

const (
	DefaultKeepalivePeriod   = 5 * time.Second
	DefaultReconnectInterval = 15 * time.Second

	pingFrame = "ping"
	pongFrame = "pong"
)

type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	}
	return "closed"
}

// Trigger names why a connection was reset.
type Trigger string

const (
	TriggerInit         Trigger = "INIT"
	TriggerClose        Trigger = "CLOSE"
	TriggerError        Trigger = "ERROR"
	TriggerReadyState   Trigger = "READY_STATE"
	TriggerPingInterval Trigger = "PING_INTERVAL"
	TriggerOnline       Trigger = "ONLINE"
	TriggerLogout       Trigger = "LOGOUT"
)

type Status int

const (
	StatusOnline Status = iota
	StatusOffline
	StatusReconnecting
	StatusReconnected
)

func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusOffline:
		return "offline"
	case StatusReconnecting:
		return "reconnecting"
	case StatusReconnected:
		return "reconnected"
	}
	return "unknown"
}

// StatusEvent is delivered to status listeners. Upstream consumers must
// reconcile missed events on StatusReconnected.
type StatusEvent struct {
	Status  Status
	Trigger Trigger
	Attempt int
}

// Snapshot is a read-only view for health endpoints.
type Snapshot struct {
	State       string  `json:"state"`
	Attempts    int     `json:"attempts"`
	LastTrigger Trigger `json:"last_trigger,omitempty"`
	Pending     Trigger `json:"pending_trigger,omitempty"`
}

type Options struct {
	BaseURL           string
	ClientID          domain.ClientID
	KeepalivePeriod   time.Duration
	ReconnectInterval time.Duration
}

func (o *Options) withDefaults() {
	if o.KeepalivePeriod <= 0 {
		o.KeepalivePeriod = DefaultKeepalivePeriod
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = DefaultReconnectInterval
	}
}

// Endpoint builds <base>/await?access_token=<token>[&client=<id>].
func Endpoint(base, token string, client domain.ClientID) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(base, "/"))
	b.WriteString("/await?access_token=")
	b.WriteString(url.QueryEscape(token))
	if client != "" {
		b.WriteString("&client=")
		b.WriteString(url.QueryEscape(string(client)))
	}
	return b.String()
}
