// Package portscan implements the Port Scanner (spec C10): a batched sweep
// of local ports to find listening SOCKS5/SOCKS4/HTTP proxies the daemon did
// not itself start, so they can be surfaced alongside our own tunnels as
// external ActiveTunnel entries.
//
// Classifying what a listening port actually speaks means sending it a
// speculative SOCKS5 greeting and reading what comes back -- the same
// byte-level reasoning the socks5 package's server side uses, run here as a
// client probe instead.
package portscan

import (
	"bufio"
	"net"
	"strconv"
	"sync"
	"time"

	"tunnelgate/internal/model"
)

// openCheckTimeout bounds the initial TCP-connect probe that decides whether
// a port is open at all (spec §4.10: "150 ms timeout").
const openCheckTimeout = 150 * time.Millisecond

// classifyReadTimeout bounds the read used to classify what an open port is
// actually speaking (spec §4.10: "300 ms read").
const classifyReadTimeout = 300 * time.Millisecond

// batchSize is how many ports are swept together before a progress update is
// reported (spec §4.10: "in batches of 500 ports").
const batchSize = 500

// concurrency caps how many ports are probed at once within a batch, so a
// sweep of a wide range doesn't exhaust file descriptors.
const concurrency = 32

// Finding is one discovered listening port and its classification.
type Finding struct {
	Port           int
	ProxyType      model.ProxyType
	AdvertisedAuth model.AdvertisedAuth
}

// Scan probes every port in [start, end] on host in batches of batchSize,
// reporting each discovered listener classified by what it appears to
// speak. onProgress, if non-nil, is called after every batch with the
// cumulative ports scanned and the total to scan, so a caller can surface a
// scanned-so-far ratio (spec §4.10: "progress counter/ratio observable").
func Scan(host string, start, end int, onProgress func(scanned, total int)) []Finding {
	total := end - start + 1
	if total <= 0 {
		return []Finding{}
	}

	findings := make([]Finding, 0)
	scanned := 0

	for batchStart := start; batchStart <= end; batchStart += batchSize {
		batchEnd := batchStart + batchSize - 1
		if batchEnd > end {
			batchEnd = end
		}

		for _, port := range scanOpenPorts(host, batchStart, batchEnd) {
			if finding, ok := Probe(host, port); ok {
				findings = append(findings, finding)
			}
		}

		scanned += batchEnd - batchStart + 1
		if onProgress != nil {
			onProgress(scanned, total)
		}
	}

	return findings
}

// scanOpenPorts returns the subset of [start, end] that accept a TCP
// connection within openCheckTimeout.
func scanOpenPorts(host string, start, end int) []int {
	count := end - start + 1
	ports := make(chan int, count)
	for p := start; p <= end; p++ {
		ports <- p
	}
	close(ports)

	workers := concurrency
	if workers > count {
		workers = count
	}
	if workers < 1 {
		workers = 1
	}

	var mu sync.Mutex
	var open []int

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for port := range ports {
				addr := net.JoinHostPort(host, strconv.Itoa(port))
				conn, err := net.DialTimeout("tcp", addr, openCheckTimeout)
				if err != nil {
					continue
				}
				conn.Close()
				mu.Lock()
				open = append(open, port)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return open
}

// Probe dials host:port and classifies what's listening there. It is used
// both by Scan's per-batch classification step and by the Tunnel Worker's
// port-busy protocol (spec §4.6.2) to identify whether a bind collision is a
// foreign listener. ok is false if nothing accepted the connection.
func Probe(host string, port int) (finding Finding, ok bool) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, openCheckTimeout)
	if err != nil {
		return Finding{}, false
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(classifyReadTimeout))
	proxyType, auth := detectProxyInfo(conn)
	return Finding{Port: port, ProxyType: proxyType, AdvertisedAuth: auth}, true
}

// detectProxyInfo sends a SOCKS5 greeting offering both no-auth and
// user/pass methods, and classifies the reply. A server that doesn't speak
// SOCKS5 either closes the connection or replies with bytes that don't match
// the RFC 1928 method-selection format, in which case we fall back to a
// plaintext HTTP CONNECT heuristic.
func detectProxyInfo(conn net.Conn) (model.ProxyType, model.AdvertisedAuth) {
	greeting := []byte{0x05, 0x02, 0x00, 0x02} // VER=5, NMETHODS=2, NOAUTH, USERPASS
	if _, err := conn.Write(greeting); err != nil {
		return model.ProxyUnknown, model.AuthUnknown
	}

	reply := make([]byte, 2)
	if _, err := readFull(conn, reply); err != nil {
		return probeHTTPOrSOCKS4(conn)
	}
	if reply[0] != 0x05 {
		return probeHTTPOrSOCKS4(conn)
	}

	switch reply[1] {
	case 0x00:
		return model.ProxySOCKS5, model.AuthNone
	case 0x02:
		return model.ProxySOCKS5, model.AuthUserPass
	case 0xFF:
		return model.ProxySOCKS5, model.AuthUnknown
	default:
		return model.ProxyUnknown, model.AuthUnknown
	}
}

// probeHTTPOrSOCKS4 runs after a SOCKS5 greeting gets no sensible reply. A
// SOCKS4 server replies to a SOCKS5 greeting with garbage or nothing at all,
// and distinguishing it reliably would need a second round trip with a
// SOCKS4 CONNECT request; as a light heuristic we instead check whether the
// port answers a plaintext HTTP CONNECT request, which is the other proxy
// kind the spec asks us to classify. The read deadline is renewed first,
// since the SOCKS5 reply may have used up the previous one.
func probeHTTPOrSOCKS4(conn net.Conn) (model.ProxyType, model.AdvertisedAuth) {
	conn.SetDeadline(time.Now().Add(classifyReadTimeout))
	if _, err := conn.Write([]byte("CONNECT 127.0.0.1:80 HTTP/1.0\r\n\r\n")); err != nil {
		return model.ProxyUnknown, model.AuthUnknown
	}
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return model.ProxySOCKS4, model.AuthUnknown
	}
	if len(line) >= 5 && line[:5] == "HTTP/" {
		return model.ProxyHTTP, model.AuthNone
	}
	return model.ProxyUnknown, model.AuthUnknown
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
