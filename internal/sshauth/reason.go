package sshauth

import "strings"

// maxReasonDetail is the truncation length spec §7 requires for the
// ":<detail>" suffix on ssh_error/dns_error/unknown tags.
const maxReasonDetail = 100

// ClassifyReason maps err to one of the classified disconnect/failure tags
// spec §7 defines, using the same case-insensitive keyword matching
// ClassifyDialError already uses for auth failures. fallbackTag names the
// tag used (with a truncated detail suffix) when nothing more specific
// matches -- callers pass "ssh_error" for a lost connection and "unknown"
// for a failure that isn't obviously SSH-shaped.
func ClassifyReason(err error, fallbackTag string) string {
	if err == nil {
		return "remote_closed"
	}
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "unable to authenticate", "permission denied", "authentication failed", "invalid password", "publickey denied"):
		return "auth_failed"
	case containsAny(msg, "connection refused"):
		return "connection_refused"
	case containsAny(msg, "no such host", "lookup "):
		return "dns_error:" + truncateDetail(dnsHost(msg))
	case containsAny(msg, "i/o timeout", "timed out", "deadline exceeded"):
		return "socket_timeout"
	case containsAny(msg, "address already in use", "port is busy", "already in use"):
		return "port_busy"
	case containsAny(msg, "network is unreachable", "no route to host"):
		return "network_change"
	case containsAny(msg, "eof", "connection reset", "broken pipe", "use of closed network connection", "disconnected"):
		return "remote_closed"
	default:
		return fallbackTag + ":" + truncateDetail(err.Error())
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func truncateDetail(s string) string {
	if len(s) <= maxReasonDetail {
		return s
	}
	return s[:maxReasonDetail]
}

// dnsHost pulls the hostname out of a net package lookup-failure message
// ("dial tcp: lookup bad.example: no such host" -> "bad.example").
func dnsHost(msg string) string {
	const marker = "lookup "
	idx := strings.Index(msg, marker)
	if idx == -1 {
		return "unknown"
	}
	rest := msg[idx+len(marker):]
	if colon := strings.IndexByte(rest, ':'); colon != -1 {
		rest = rest[:colon]
	}
	if sp := strings.IndexByte(rest, ' '); sp != -1 {
		rest = rest[:sp]
	}
	return rest
}
