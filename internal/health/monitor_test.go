package health

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"testing"
	"time"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestDialProbeSucceedsAgainstListeningPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	probe := DialProbe(ln.Addr().String())
	if err := probe("srv-1"); err != nil {
		t.Fatalf("DialProbe against live listener failed: %v", err)
	}
}

func TestDialProbeFailsAgainstClosedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	probe := DialProbe(addr)
	if err := probe("srv-1"); err == nil {
		t.Fatal("expected DialProbe to fail against a closed port")
	}
}

func TestMonitorDoesNotFireOnDeadAfterUnregister(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	m := New(testLogger(), func(serverID string) error {
		return errors.New("probe failed")
	}, func(serverID string, cause error) {
		done <- cause
	})

	// Every probe would fail, but unregistering before the first probe tick
	// stops the server's loop, so onDead never fires.
	m.Register(ctx, "srv-1")
	m.Unregister("srv-1")

	select {
	case <-done:
		t.Fatal("onDead should not fire before the first probe tick")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	m := New(testLogger(), func(string) error { return nil }, nil)
	m.Unregister("never-registered")
}
