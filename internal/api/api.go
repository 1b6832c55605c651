// Package api implements the Control API (spec C12): an HTTP+WebSocket
// control plane that translates requests into Tunnel Manager calls.
//
// The teacher never exposes its tunnel manager over HTTP -- it binds
// everything to Wails' JS bridge instead. This package is built the way
// gluk-w-claworc/llm-proxy/main.go builds its own HTTP control plane
// instead: chi.NewRouter, chi/middleware.Logger/Recoverer/RealIP, a
// bearer-token auth middleware shaped like llm-proxy's AdminAuth, and
// graceful shutdown on signal.NotifyContext.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"tunnelgate/internal/configstore"
	"tunnelgate/internal/eventbus"
	"tunnelgate/internal/logbuffer"
	"tunnelgate/internal/manager"
	"tunnelgate/internal/model"
	"tunnelgate/internal/portscan"
	"tunnelgate/internal/sshconfigimport"
	"tunnelgate/internal/statsstore"
)

// listen opens a TCP listener bound to all interfaces on port, as spec
// §4.12 requires ("accepts IPv4 on all interfaces").
func listen(port int) (net.Listener, error) {
	return net.Listen("tcp4", fmt.Sprintf("0.0.0.0:%d", port))
}

// Dependencies groups everything a Server needs to answer requests.
type Dependencies struct {
	Logger  *log.Logger
	Config  *configstore.Store
	Stats   *statsstore.Store
	Bus     *eventbus.Bus
	Manager *manager.Manager
	Logs    *logbuffer.Buffer

	BoundPort int
	StartedAt time.Time
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the HTTP+WS control plane.
type Server struct {
	deps Dependencies

	scanMu       sync.Mutex
	scanRunning  bool
	scanScanned  int
	scanTotal    int
	scanFindings []portscan.Finding
}

func New(deps Dependencies) *Server {
	return &Server{deps: deps}
}

// Router builds the chi router serving every endpoint in spec §4.12.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/ping", s.handlePing)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/status", s.handleStatus)
		r.Get("/tunnels", s.handleTunnels)
		r.Get("/servers", s.handleListServers)
		r.Post("/servers/add", s.handleAddServer)
		r.Put("/servers/{id}", s.handleUpdateServer)
		r.Post("/servers/delete/{id}", s.handleDeleteServer)
		r.Delete("/servers/{id}", s.handleDeleteServer)

		r.Post("/connect/{id}", s.handleConnect)
		r.Post("/disconnect/{id}", s.handleDisconnect)
		r.Post("/disconnect-all", s.handleDisconnectAll)

		r.Post("/scan", s.handleScanStart)
		r.Get("/scan/progress", s.handleScanProgress)

		r.Get("/logs", s.handleLogs)

		r.Get("/export", s.handleExport)
		r.Post("/import", s.handleImport)
		r.Post("/import/sshconfig", s.handleImportSSHConfig)

		r.Get("/stats/{id}", s.handleStats)

		r.Get("/profiles", s.handleListProfiles)
		r.Post("/profiles/add", s.handleAddProfile)
		r.Post("/profiles/connect/{id}", s.handleConnectProfile)
		r.Delete("/profiles/{id}", s.handleDeleteProfile)

		r.Get("/help", s.handleHelp)
		r.Get("/ws/events", s.handleWSEvents)
	})

	return r
}

// cors sets the permissive CORS headers spec §4.12 requires on every
// handler, the same blanket-allow llm-proxy's router applies.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate mirrors llm-proxy's AdminAuth: a bearer token (header or
// ?token= query param) checked against the stored token, bypassed entirely
// when auth is disabled. /ping never reaches this middleware.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, enabled := s.deps.Config.APIToken()
		if !enabled {
			next.ServeHTTP(w, r)
			return
		}

		presented := bearerToken(r)
		if presented == "" || presented != token {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
		return auth[7:]
	}
	return r.URL.Query().Get("token")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func statusForError(err error) int {
	var notFound *configstore.NotFoundError
	if errors.As(err, &notFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pong":   true,
		"port":   s.deps.BoundPort,
		"uptime": time.Since(s.deps.StartedAt).Seconds(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"activeTunnels": len(s.deps.Manager.Snapshot()),
		"servers":       len(s.deps.Config.ListServers()),
		"uptime":        time.Since(s.deps.StartedAt).Seconds(),
	})
}

func (s *Server) handleTunnels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Manager.Snapshot())
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Config.ListServers())
}

func (s *Server) handleAddServer(w http.ResponseWriter, r *http.Request) {
	var rec model.ServerRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid server body: "+err.Error())
		return
	}
	if rec.Host == "" || rec.Username == "" {
		writeError(w, http.StatusBadRequest, "host and username are required")
		return
	}
	if dup, ok := s.deps.Config.FindDuplicate(rec); ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("duplicate of existing server %s", dup.ID))
		return
	}
	saved, err := s.deps.Config.SaveServer(rec)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	s.deps.Bus.PublishTunnelEvent(model.EventServerAdded, saved.ID, nil, time.Now())
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, ok := s.deps.Config.GetServer(id)
	if !ok {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}

	var patch model.ServerRecord
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid server body: "+err.Error())
		return
	}
	patch.ID = id
	rebind := patch.SocksPort != 0 && patch.SocksPort != existing.SocksPort

	saved, err := s.deps.Config.SaveServer(patch)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	if rebind && s.deps.Manager.IsConnected(id) {
		if err := s.deps.Manager.Disconnect(id); err != nil {
			s.deps.Logger.Printf("api: rebind disconnect for %s: %v", id, err)
		}
		if err := s.deps.Manager.Connect(r.Context(), id); err != nil {
			s.deps.Logger.Printf("api: rebind reconnect for %s: %v", id, err)
		}
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.deps.Manager.IsConnected(id) {
		if err := s.deps.Manager.Disconnect(id); err != nil {
			s.deps.Logger.Printf("api: disconnect before delete for %s: %v", id, err)
		}
	}
	if err := s.deps.Config.DeleteServer(id); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	s.deps.Bus.PublishTunnelEvent(model.EventServerDeleted, id, nil, time.Now())
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Manager.Connect(r.Context(), id); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"connected": true})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Manager.DisconnectWithReason(id, "api_disconnect"); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"disconnected": true})
}

func (s *Server) handleDisconnectAll(w http.ResponseWriter, r *http.Request) {
	for _, tun := range s.deps.Manager.Snapshot() {
		if tun.IsExternal {
			continue
		}
		if err := s.deps.Manager.DisconnectWithReason(tun.ServerID, "api_disconnect_all"); err != nil {
			s.deps.Logger.Printf("api: disconnect-all for %s: %v", tun.ServerID, err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"disconnected": true})
}

func (s *Server) handleScanStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Host  string `json:"host"`
		Start int    `json:"start"`
		End   int    `json:"end"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid scan body: "+err.Error())
		return
	}
	if body.Host == "" {
		body.Host = "127.0.0.1"
	}
	if body.Start == 0 || body.End == 0 || body.End < body.Start {
		writeError(w, http.StatusBadRequest, "start and end ports are required")
		return
	}

	s.scanMu.Lock()
	if s.scanRunning {
		s.scanMu.Unlock()
		writeError(w, http.StatusBadRequest, "a scan is already running")
		return
	}
	s.scanRunning = true
	s.scanScanned = 0
	s.scanTotal = body.End - body.Start + 1
	s.scanMu.Unlock()

	go func() {
		findings := portscan.Scan(body.Host, body.Start, body.End, func(scanned, total int) {
			s.scanMu.Lock()
			s.scanScanned = scanned
			s.scanTotal = total
			s.scanMu.Unlock()
		})
		s.scanMu.Lock()
		s.scanFindings = findings
		s.scanRunning = false
		s.scanMu.Unlock()
		s.deps.Manager.RegisterExternalFindings(findings, body.Host)
	}()

	writeJSON(w, http.StatusOK, map[string]bool{"started": true})
}

func (s *Server) handleScanProgress(w http.ResponseWriter, r *http.Request) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"running":  s.scanRunning,
		"scanned":  s.scanScanned,
		"total":    s.scanTotal,
		"findings": s.scanFindings,
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.deps.Logs.Recent(limit))
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	includeKeys := r.URL.Query().Get("includeKeys") == "true"
	servers := s.deps.Config.ListServers()
	if !includeKeys {
		for i := range servers {
			servers[i].KeyPath = ""
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": servers})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid import body: "+err.Error())
		return
	}

	var servers []model.ServerRecord
	var wrapped struct {
		Servers []model.ServerRecord `json:"servers"`
	}
	if err := json.Unmarshal(raw, &servers); err != nil {
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			writeError(w, http.StatusBadRequest, "expected an array or {servers:[...]}")
			return
		}
		servers = wrapped.Servers
	}

	imported := make([]model.ServerRecord, 0, len(servers))
	for _, rec := range servers {
		if _, ok := s.deps.Config.FindDuplicate(rec); ok {
			continue
		}
		rec.ID = ""
		saved, err := s.deps.Config.SaveServer(rec)
		if err != nil {
			s.deps.Logger.Printf("api: import server %s: %v", rec.Name, err)
			continue
		}
		imported = append(imported, saved)
	}
	writeJSON(w, http.StatusOK, map[string]any{"imported": len(imported), "servers": imported})
}

// handleImportSSHConfig supplements handleImport with a second source: an
// OpenSSH client config file's Host aliases, adapted via sshconfigimport.
func (s *Server) handleImportSSHConfig(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	records, err := sshconfigimport.ImportFromFile(body.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	imported := make([]model.ServerRecord, 0, len(records))
	for _, rec := range records {
		if _, ok := s.deps.Config.FindDuplicate(rec); ok {
			continue
		}
		saved, err := s.deps.Config.SaveServer(rec)
		if err != nil {
			s.deps.Logger.Printf("api: import ssh_config host %s: %v", rec.Name, err)
			continue
		}
		imported = append(imported, saved)
	}
	writeJSON(w, http.StatusOK, map[string]any{"imported": len(imported), "servers": imported})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	period := model.StatsPeriod(r.URL.Query().Get("period"))
	if period == "" {
		period = model.Period24h
	}
	summary, err := s.deps.Stats.Query(id, period, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Config.ListProfiles())
}

func (s *Server) handleAddProfile(w http.ResponseWriter, r *http.Request) {
	var p model.QuickProfile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid profile body: "+err.Error())
		return
	}
	saved, err := s.deps.Config.SaveProfile(p)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleConnectProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var match *model.QuickProfile
	for _, p := range s.deps.Config.ListProfiles() {
		if p.ID == id {
			found := p
			match = &found
			break
		}
	}
	if match == nil {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}
	if err := s.deps.Manager.Connect(r.Context(), match.ServerID); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"connected": true})
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Config.DeleteProfile(id); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleHelp(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"GET /ping":                     "unauthenticated liveness check",
		"GET /status":                   "daemon status summary",
		"GET /tunnels":                  "active tunnels snapshot",
		"GET /servers":                  "list persisted servers",
		"POST /servers/add":             "add a server",
		"PUT /servers/{id}":             "update a server",
		"DELETE /servers/{id}":          "delete a server",
		"POST /connect/{id}":            "connect a server's tunnel",
		"POST /disconnect/{id}":         "disconnect a server's tunnel",
		"POST /disconnect-all":          "disconnect every tunnel",
		"POST /scan":                    "start a local port scan",
		"GET /scan/progress":            "poll scan progress/results",
		"GET /logs?limit=N":             "recent log entries",
		"GET /export?includeKeys=bool":  "export servers",
		"POST /import":                  "import servers",
		"POST /import/sshconfig":        "import hosts from an OpenSSH client config file",
		"GET /stats/{id}?period=":       "uptime/latency summary",
		"GET /profiles":                 "list quick profiles",
		"POST /profiles/add":            "add a quick profile",
		"POST /profiles/connect/{id}":   "connect via a quick profile",
		"DELETE /profiles/{id}":         "delete a quick profile",
		"GET /ws/events":                "subscribe to the live event stream",
	})
}

// handleWSEvents upgrades to a WebSocket and streams Event Bus records as
// JSON text frames, sending a tunnels snapshot immediately on subscribe --
// the same upgrade-then-pump shape as the teacher's
// service/terminal/terminal.go handleConnection. Clients send nothing
// meaningful on this stream, so its read loop only discards frames to
// notice when the client goes away.
func (s *Server) handleWSEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Logger.Printf("api: ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub, unsubscribe := s.deps.Bus.Subscribe()
	defer unsubscribe()

	snapshot := s.deps.Manager.Snapshot()
	if data, err := json.Marshal(map[string]any{"event": "snapshot", "tunnels": snapshot}); err == nil {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// ListenAndServe binds the Control API, retrying the fallback port and a
// bounded number of times at a fixed spacing if both are busy, per spec
// §4.12. It blocks until ctx is cancelled, then shuts the server down
// gracefully.
func ListenAndServe(ctx context.Context, logger *log.Logger, handler http.Handler, port, fallbackPort, retries int, spacing time.Duration) error {
	ln, bound, err := bindWithFallback(logger, port, fallbackPort, retries, spacing)
	if err != nil {
		return err
	}

	srv := &http.Server{Handler: handler}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	logger.Printf("api: listening on port %d", bound)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func bindWithFallback(logger *log.Logger, port, fallbackPort, retries int, spacing time.Duration) (net.Listener, int, error) {
	candidates := []int{port, fallbackPort}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		for _, p := range candidates {
			ln, err := listen(p)
			if err == nil {
				return ln, p, nil
			}
			lastErr = err
		}
		if attempt < retries {
			logger.Printf("api: ports %d and %d busy, retrying in %s (attempt %d/%d)", port, fallbackPort, spacing, attempt+1, retries)
			time.Sleep(spacing)
		}
	}
	return nil, 0, fmt.Errorf("could not bind port %d or %d after %d retries: %w", port, fallbackPort, retries, lastErr)
}

// GenerateToken returns a cryptographically random 16-byte hex token for the
// Control API's bearer auth, regenerable on demand (spec §4.12).
func GenerateToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
