package socks5

import (
	"encoding/binary"
	"net"
	"testing"
	"time"
)

// pipeConn returns a pair of connected net.Conn using an in-memory pipe so
// tests don't need a real listener.
func pipeConn() (client net.Conn, server net.Conn) {
	return net.Pipe()
}

func TestNegotiateNoAuthConnect(t *testing.T) {
	client, server := pipeConn()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	var gotTarget Target
	var gotErr error

	go func() {
		framer := NewFramer(server, nil)
		gotTarget, gotErr = framer.Negotiate()
		close(done)
	}()

	// Greeting: version 5, 1 method, no-auth.
	client.Write([]byte{0x05, 0x01, 0x00})
	readExact(t, client, 2) // version + chosen method

	// Request: CONNECT example.com:443 via domain ATYP.
	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len("example.com"))}
	req = append(req, []byte("example.com")...)
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, 443)
	req = append(req, portBuf...)
	client.Write(req)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Negotiate")
	}

	if gotErr != nil {
		t.Fatalf("Negotiate returned error: %v", gotErr)
	}
	if gotTarget.Host != "example.com" || gotTarget.Port != 443 {
		t.Fatalf("got target %+v, want example.com:443", gotTarget)
	}
}

func TestNegotiateRequiresAuthWhenCredsSet(t *testing.T) {
	client, server := pipeConn()
	defer client.Close()
	defer server.Close()

	creds := &Credentials{Username: "alice", Password: "s3cr3t"}
	done := make(chan struct{})
	var gotErr error

	go func() {
		framer := NewFramer(server, creds)
		_, gotErr = framer.Negotiate()
		close(done)
	}()

	// Greeting offering only no-auth: server must reject.
	client.Write([]byte{0x05, 0x01, 0x00})
	readExact(t, client, 2)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	if gotErr == nil {
		t.Fatal("expected error when client doesn't offer required auth method")
	}
}

func TestNegotiateWithValidCredentials(t *testing.T) {
	client, server := pipeConn()
	defer client.Close()
	defer server.Close()

	creds := &Credentials{Username: "alice", Password: "s3cr3t"}
	done := make(chan struct{})
	var gotTarget Target
	var gotErr error

	go func() {
		framer := NewFramer(server, creds)
		gotTarget, gotErr = framer.Negotiate()
		close(done)
	}()

	client.Write([]byte{0x05, 0x01, 0x02})
	readExact(t, client, 2)

	authReq := []byte{0x01, byte(len("alice"))}
	authReq = append(authReq, []byte("alice")...)
	authReq = append(authReq, byte(len("s3cr3t")))
	authReq = append(authReq, []byte("s3cr3t")...)
	client.Write(authReq)
	readExact(t, client, 2)

	req := []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x1F, 0x90}
	client.Write(req)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	if gotErr != nil {
		t.Fatalf("Negotiate returned error: %v", gotErr)
	}
	if gotTarget.Host != "127.0.0.1" || gotTarget.Port != 8080 {
		t.Fatalf("got target %+v, want 127.0.0.1:8080", gotTarget)
	}
}

func TestNegotiateWrongCredentialsFails(t *testing.T) {
	client, server := pipeConn()
	defer client.Close()
	defer server.Close()

	creds := &Credentials{Username: "alice", Password: "s3cr3t"}
	done := make(chan struct{})
	var gotErr error

	go func() {
		framer := NewFramer(server, creds)
		_, gotErr = framer.Negotiate()
		close(done)
	}()

	client.Write([]byte{0x05, 0x01, 0x02})
	readExact(t, client, 2)

	authReq := []byte{0x01, byte(len("alice"))}
	authReq = append(authReq, []byte("alice")...)
	authReq = append(authReq, byte(len("wrong")))
	authReq = append(authReq, []byte("wrong")...)
	client.Write(authReq)
	readExact(t, client, 2)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	if gotErr != ErrAuthFailed {
		t.Fatalf("got error %v, want ErrAuthFailed", gotErr)
	}
}

func TestNegotiateRejectsNonConnectCommand(t *testing.T) {
	client, server := pipeConn()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	var gotErr error

	go func() {
		framer := NewFramer(server, nil)
		_, gotErr = framer.Negotiate()
		close(done)
	}()

	client.Write([]byte{0x05, 0x01, 0x00})
	readExact(t, client, 2)

	// CMD=0x02 (BIND), unsupported.
	client.Write([]byte{0x05, 0x02, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50})
	readExact(t, client, 10) // rejection reply

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	if gotErr != ErrUnsupportedCommand {
		t.Fatalf("got error %v, want ErrUnsupportedCommand", gotErr)
	}
}

func TestNegotiateRejectsZeroLengthDomain(t *testing.T) {
	client, server := pipeConn()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	var gotErr error

	go func() {
		framer := NewFramer(server, nil)
		_, gotErr = framer.Negotiate()
		close(done)
	}()

	client.Write([]byte{0x05, 0x01, 0x00})
	readExact(t, client, 2)

	// CONNECT with ATYP=domain and a zero-length name, port 80.
	client.Write([]byte{0x05, 0x01, 0x00, 0x03, 0x00, 0x00, 0x50})
	readExact(t, client, 10) // rejection reply

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	if gotErr == nil {
		t.Fatal("expected error rejecting a zero-length domain name")
	}
}

func readExact(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	total := 0
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for total < n {
		r, err := conn.Read(buf[total:])
		total += r
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	return buf
}
