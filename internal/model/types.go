// Package model holds the data types shared across the tunnel engine: the
// persisted ServerRecord/QuickProfile shapes, the in-memory ActiveTunnel
// view, stats samples, log entries, and the typed errors the control API
// and worker state machine branch on.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// AuthType selects how a Worker authenticates to the SSH server.
type AuthType string

const (
	AuthPassword AuthType = "password"
	AuthKey      AuthType = "key"
)

// ServerRecord is a persisted SSH server/tunnel definition. It never carries
// secret material — passwords, private keys and key passphrases live in the
// Secret Store, keyed off ServerRecord.ID.
type ServerRecord struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Host     string   `json:"host"`
	SSHPort  int      `json:"sshPort"`
	Username string   `json:"username"`
	AuthType AuthType `json:"authType"`

	SocksPort int    `json:"socksPort"`
	KeyPath   string `json:"keyPath,omitempty"`

	ProxyUsername string `json:"proxyUsername,omitempty"`
	ProxyPassword string `json:"proxyPassword,omitempty"`

	AutoReconnect        bool `json:"autoReconnect"`
	ConnectOnStartup     bool `json:"connectOnStartup"`
	NotificationsEnabled bool `json:"notificationsEnabled"`
	IsEnabled            bool `json:"isEnabled"`
}

// DedupKey returns the tuple spec §3 uses to identify duplicate records
// during import.
func (s ServerRecord) DedupKey() string {
	return fmt.Sprintf("%s|%s|%d", s.Host, s.Username, s.SSHPort)
}

// RequiresProxyAuth reports whether SOCKS5 clients of this tunnel must
// authenticate via RFC 1929.
func (s ServerRecord) RequiresProxyAuth() bool {
	return s.ProxyUsername != "" && s.ProxyPassword != ""
}

// QuickProfile is a named shortcut to a server's tunnel, carrying an
// optional local SOCKS5 port override. Connecting a profile through the
// Control API starts the server's tunnel on the server's own port;
// SocksPortOverride is stored but not applied there.
type QuickProfile struct {
	ID                string `json:"id"`
	ServerID          string `json:"serverId"`
	DisplayName       string `json:"displayName"`
	SocksPortOverride int    `json:"socksPortOverride,omitempty"`
}

// EffectiveSocksPort returns SocksPortOverride when it is set, else the
// owning server's default.
func (p QuickProfile) EffectiveSocksPort(serverDefault int) int {
	if p.SocksPortOverride > 0 {
		return p.SocksPortOverride
	}
	return serverDefault
}

// ProxyType classifies what a listening local port was found to be serving,
// used both for our own tunnels and for port-scanner findings.
type ProxyType string

const (
	ProxyUnknown ProxyType = "Unknown"
	ProxySOCKS5  ProxyType = "SOCKS5"
	ProxySOCKS4  ProxyType = "SOCKS4"
	ProxyHTTP    ProxyType = "HTTP"
)

// AdvertisedAuth classifies the auth method a scanned SOCKS5 proxy offered.
type AdvertisedAuth string

const (
	AuthNone    AdvertisedAuth = "no-auth"
	AuthUserPass AdvertisedAuth = "user-pass"
	AuthUnknown AdvertisedAuth = "unknown"
)

// ActiveTunnel is the in-memory, live view of one worker's tunnel, or of an
// external (not ours) listener discovered by the port scanner.
type ActiveTunnel struct {
	ServerID    string    `json:"serverId"`
	DisplayName string    `json:"displayName"`
	SocksPort   int       `json:"socksPort"`
	StartedAt   time.Time `json:"startedAt"`

	IsExternal     bool           `json:"isExternal"`
	ProxyType      ProxyType      `json:"proxyType,omitempty"`
	AdvertisedAuth AdvertisedAuth `json:"advertisedAuth,omitempty"`

	BytesIn         int64      `json:"bytesIn"`
	BytesOut        int64      `json:"bytesOut"`
	ReconnectCount  int        `json:"reconnectCount"`
	TotalUptime     int64      `json:"totalUptime"` // seconds, sum of prior sessions
	LatencyMs       *int64     `json:"latencyMs,omitempty"`
	LastKeepaliveAt *time.Time `json:"lastKeepaliveAt,omitempty"`
}

// StatsSample is one append-only time-series row (spec §6 schema).
type StatsSample struct {
	ServerID         string
	Timestamp        time.Time
	UptimeSec        int64
	BytesIn          int64
	BytesOut         int64
	LatencyMs        *int64
	ReconnectCount   int
	DisconnectReason string
}

// StatsPeriod is a query window for the Stats Store.
type StatsPeriod string

const (
	Period1h  StatsPeriod = "1h"
	Period24h StatsPeriod = "24h"
	Period7d  StatsPeriod = "7d"
)

// Duration returns the wall-clock span a period covers.
func (p StatsPeriod) Duration() time.Duration {
	switch p {
	case Period1h:
		return time.Hour
	case Period24h:
		return 24 * time.Hour
	case Period7d:
		return 7 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// StatsSummary is the aggregate result of a Stats Store query.
type StatsSummary struct {
	TotalUptime       int64            `json:"totalUptime"`
	UptimePercent     float64          `json:"uptimePercent"`
	AvgLatencyMs      *float64         `json:"avgLatencyMs,omitempty"`
	ReconnectCount    int              `json:"reconnectCount"`
	DisconnectReasons map[string]int   `json:"disconnectReasons"`
	DataPoints        []StatsSample    `json:"dataPoints"`
}

// LogLevel classifies a LogEntry.
type LogLevel string

const (
	LogInfo         LogLevel = "info"
	LogConnected    LogLevel = "connected"
	LogDisconnected LogLevel = "disconnected"
	LogReconnected  LogLevel = "reconnected"
	LogError        LogLevel = "error"
	LogWarning      LogLevel = "warning"
)

// LogEntry is one row of the bounded 500-entry ring buffer.
type LogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	ServerName string    `json:"serverName"`
	Event      LogLevel  `json:"event"`
	Details    string    `json:"details,omitempty"`
}

// EventType enumerates the tagged records published on the Event Bus and
// streamed over /ws/events.
type EventType string

const (
	EventConnected     EventType = "connected"
	EventDisconnected  EventType = "disconnected"
	EventReconnecting  EventType = "reconnecting"
	EventError         EventType = "error"
	EventStats         EventType = "stats"
	EventPing          EventType = "ping"
	EventServerAdded   EventType = "server_added"
	EventServerDeleted EventType = "server_deleted"
)

// Event is a tagged, timestamped record broadcast on the Event Bus.
type Event struct {
	Type      EventType      `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	ServerID  string         `json:"serverId,omitempty"`
	Fields    map[string]any `json:"-"`
}

// MarshalJSON flattens Fields alongside the tagged envelope, so a frame looks
// like {"event":"connected","timestamp":"...","serverId":"...","socksPort":1080}
// rather than nesting an extra object.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["event"] = e.Type
	out["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	if e.ServerID != "" {
		out["serverId"] = e.ServerID
	}
	return json.Marshal(out)
}

// PasswordRequiredError means auth needs a password not already on file.
type PasswordRequiredError struct {
	ServerID string
}

func (e *PasswordRequiredError) Error() string {
	return fmt.Sprintf("password is required for server %s", e.ServerID)
}

// HostKeyVerificationRequiredError means the server's host key has not been
// seen before and needs explicit trust.
type HostKeyVerificationRequiredError struct {
	ServerID    string
	Fingerprint string
	HostAddress string
}

func (e *HostKeyVerificationRequiredError) Error() string {
	return fmt.Sprintf("host key verification required for server %s (%s)", e.ServerID, e.HostAddress)
}

// AuthenticationFailedError means credentials were presented but rejected.
type AuthenticationFailedError struct {
	ServerID string
}

func (e *AuthenticationFailedError) Error() string {
	return fmt.Sprintf("authentication failed for server %s", e.ServerID)
}
