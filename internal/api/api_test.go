package api

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"tunnelgate/internal/configstore"
	"tunnelgate/internal/eventbus"
	"tunnelgate/internal/logbuffer"
	"tunnelgate/internal/manager"
	"tunnelgate/internal/secretstore"
	"tunnelgate/internal/statsstore"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	config, err := configstore.Open(filepath.Join(dir, "servers.json"))
	if err != nil {
		t.Fatalf("open config store: %v", err)
	}

	fallback, err := secretstore.NewAEADStore(filepath.Join(dir, "secrets.enc"), []byte("test-passphrase"))
	if err != nil {
		t.Fatalf("open aead store: %v", err)
	}
	secrets := secretstore.NewManager(testLogger(), fallback)

	stats, err := statsstore.Open(filepath.Join(dir, "stats.db"))
	if err != nil {
		t.Fatalf("open stats store: %v", err)
	}
	t.Cleanup(func() { stats.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	bus := eventbus.New(ctx, testLogger())
	logs := logbuffer.New()

	mgr := manager.New(testLogger(), config, secrets, stats, bus, logs, filepath.Join(dir, "known_hosts"))

	return New(Dependencies{
		Logger:  testLogger(),
		Config:  config,
		Stats:   stats,
		Bus:     bus,
		Manager: mgr,
		Logs:    logs,
	})
}

func TestPingIsUnauthenticatedEvenWithAuthEnabled(t *testing.T) {
	srv := newTestServer(t)
	if err := srv.deps.Config.SetAPIAuthEnabled(true); err != nil {
		t.Fatalf("enable auth: %v", err)
	}
	if err := srv.deps.Config.SetAPIToken("secret-token"); err != nil {
		t.Fatalf("set token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", w.Code)
	}
}

func TestAuthMiddlewareRejectsMissingOrWrongToken(t *testing.T) {
	srv := newTestServer(t)
	if err := srv.deps.Config.SetAPIAuthEnabled(true); err != nil {
		t.Fatalf("enable auth: %v", err)
	}
	if err := srv.deps.Config.SetAPIToken("valid-token"); err != nil {
		t.Fatalf("set token: %v", err)
	}

	tests := []struct {
		name       string
		header     string
		query      string
		wantStatus int
	}{
		{name: "valid bearer", header: "Bearer valid-token", wantStatus: http.StatusOK},
		{name: "valid query token", query: "valid-token", wantStatus: http.StatusOK},
		{name: "wrong token", header: "Bearer nope", wantStatus: http.StatusUnauthorized},
		{name: "missing token", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/servers", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.query != "" {
				q := req.URL.Query()
				q.Set("token", tt.query)
				req.URL.RawQuery = q.Encode()
			}
			w := httptest.NewRecorder()
			srv.Router().ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestAuthDisabledAllowsAnyRequest(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/servers", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200 when auth disabled", w.Code)
	}
}

func TestAddServerRejectsMissingFields(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/servers/add", strings.NewReader(`{"name":"no host"}`))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", w.Code)
	}
}

func TestAddServerThenListIncludesIt(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/servers/add", strings.NewReader(`{"name":"box","host":"example.com","username":"u","sshPort":22}`))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("add server: got status %d, want 200, body=%s", w.Code, w.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodGet, "/servers", nil)
	w2 := httptest.NewRecorder()
	srv.Router().ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("list servers: got status %d", w2.Code)
	}
}

func TestDisconnectUnknownServerFails(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/disconnect/does-not-exist", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code == http.StatusOK {
		t.Fatalf("got status %d, want a failure status for an unconnected server", w.Code)
	}
}

