package worker

import (
	"errors"
	"net"
	"testing"

	"tunnelgate/internal/model"
	"tunnelgate/internal/sshauth"
)

func testRecord() model.ServerRecord {
	return model.ServerRecord{ID: "srv-1", Host: "example.com", SSHPort: 22, Username: "ops"}
}

func TestClassifyBindErrorAddressInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	_, err = net.Listen("tcp", ln.Addr().String())
	if err == nil {
		t.Fatal("expected second listen on same port to fail")
	}

	classified := classifyBindError(port, err)
	if classified == nil {
		t.Fatal("expected non-nil classified error")
	}
}

func TestSnapshotZeroValueBeforeStart(t *testing.T) {
	w := New(testRecord(), "/tmp/known_hosts", func(string) (sshauth.Credentials, error) { return sshauth.Credentials{}, nil }, nil, nil, nil)
	snap := w.Snapshot()
	if snap.State != StateIdle {
		t.Fatalf("got state %v, want %v", snap.State, StateIdle)
	}
	if snap.LatencyMs != nil {
		t.Fatalf("expected nil latency before first keepalive, got %v", *snap.LatencyMs)
	}
	if snap.LastKeepaliveAt != nil {
		t.Fatal("expected nil last keepalive before connection")
	}
}

func TestBindOrAdoptAdoptsOwnedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	w := New(testRecord(), "/tmp/known_hosts", nil, nil, nil, func(p int) bool { return p == port })
	listener, adopted, foreign, _, err := w.bindOrAdopt(port)
	if err != nil {
		t.Fatalf("bindOrAdopt: %v", err)
	}
	if listener != nil {
		t.Fatal("expected no listener when adopting an owned port")
	}
	if !adopted || foreign {
		t.Fatalf("got adopted=%v foreign=%v, want adopted=true foreign=false", adopted, foreign)
	}
}

func TestBindOrAdoptReportsForeignListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	w := New(testRecord(), "/tmp/known_hosts", nil, nil, nil, func(int) bool { return false })
	listener, adopted, foreign, _, err := w.bindOrAdopt(port)
	if err != nil {
		t.Fatalf("bindOrAdopt: %v", err)
	}
	if listener != nil {
		t.Fatal("expected no listener for a foreign listener")
	}
	if adopted || !foreign {
		t.Fatalf("got adopted=%v foreign=%v, want adopted=false foreign=true", adopted, foreign)
	}
}

func TestFailTransitionsStateAndRecordsError(t *testing.T) {
	w := New(testRecord(), "/tmp/known_hosts", nil, nil, nil, nil)
	w.fail(errors.New("boom"))

	snap := w.Snapshot()
	if snap.State != StateFailed {
		t.Fatalf("got state %v, want %v", snap.State, StateFailed)
	}
	if snap.LastError != "boom" {
		t.Fatalf("got last error %q, want boom", snap.LastError)
	}
}
