package controlpanel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tomyedwab/etes/audit"
	"github.com/tomyedwab/etes/config"
	"github.com/tomyedwab/etes/events"
	"github.com/tomyedwab/etes/executables"
	"github.com/tomyedwab/etes/httpsproxy"
	"github.com/tomyedwab/etes/internal/apperr"
	"github.com/tomyedwab/etes/internal/handlers"
	"github.com/tomyedwab/etes/metrics"
	"github.com/tomyedwab/etes/processes"
	"github.com/tomyedwab/etes/sessions"
)

const (
	helperEnv   = "ETES_CONTROLPANEL_HELPER"
	uploadKey   = "upload-key"
	contentHash = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	triggerHash = "cccccccccccccccccccccccccccccccccccccccc"
)

// TestMain doubles as the preview server: when spawned by the supervisor
// the uploaded copy of this binary answers HTTP requests on $PORT.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) != "" {
		l, err := net.Listen("tcp", "127.0.0.1:"+os.Getenv("PORT"))
		if err != nil {
			os.Exit(8)
		}
		http.Serve(l, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, "hello from %s", os.Getenv("ETES_SERVICE_NAME"))
		}))
		return
	}
	os.Exit(m.Run())
}

func setupTestDB(t *testing.T) *sqlx.DB {
	tmpDir := t.TempDir()
	dbPath := path.Join(tmpDir, "test_controlpanel.db")
	db := sqlx.MustConnect("sqlite3", dbPath)
	t.Cleanup(func() {
		db.Close()
		os.Remove(dbPath)
	})
	return db
}

type stack struct {
	panel      *httptest.Server
	proxy      *httpsproxy.Proxy
	supervisor *processes.Supervisor
	audit      *audit.Logger
}

func newStack(t *testing.T) *stack {
	t.Helper()
	db := setupTestDB(t)
	cfg := &config.Config{
		Title:      "Previews",
		Words:      []string{"amber", "brave", "cedar", "delta"},
		BaseDomain: "example.test",
	}
	registry, err := executables.NewRegistry(db, filepath.Join(t.TempDir(), "bin"), uploadKey, nil)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	auditLog, err := audit.NewLogger(db)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	hub := events.NewHub(nil)
	ports, err := processes.NewPortManager(44000, 44049)
	if err != nil {
		t.Fatalf("NewPortManager failed: %v", err)
	}
	sup, err := processes.NewSupervisor(processes.Config{
		CommandArgs:      []string{"{port}"},
		Env:              []string{helperEnv + "=1"},
		ReadinessTimeout: 10 * time.Second,
		ProbeInterval:    50 * time.Millisecond,
		GracePeriod:      2 * time.Second,
		Executables:      registry,
		PortManager:      ports,
		Publisher:        hub,
	})
	if err != nil {
		t.Fatalf("NewSupervisor failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	cookies := sessions.NewCookieCodec("session-key")
	resolver := sessions.NewResolver(cookies, cfg, nil)
	m := metrics.New()
	names := processes.NewNameGenerator(cfg.Words)
	hub.SetHandler(&Commands{
		Supervisor: sup,
		Notifier:   hub,
		Names:      names,
		Audit:      auditLog,
		Metrics:    m,
	})
	h := handlers.New(handlers.Deps{
		Config:     cfg,
		Registry:   registry,
		Supervisor: sup,
		Hub:        hub,
		Resolver:   resolver,
		Audit:      auditLog,
		Metrics:    m,
	})
	server := NewServer(Config{Title: cfg.Title, Handlers: h, Metrics: m})
	panel := httptest.NewServer(server.Handler())

	proxy := httpsproxy.NewProxy(httpsproxy.Config{
		BaseDomain:  cfg.BaseDomain,
		ServiceURL:  cfg.ServiceURL,
		Routes:      sup.Routes(),
		Supervisor:  sup,
		Executables: registry,
		Identities:  resolver,
		Names:       names,
		Metrics:     m,
	})

	t.Cleanup(func() {
		hub.CloseAll()
		panel.Close()
		sup.Shutdown(context.Background())
		cancel()
		<-done
	})
	return &stack{panel: panel, proxy: proxy, supervisor: sup, audit: auditLog}
}

func (s *stack) upload(t *testing.T) {
	t.Helper()
	self, err := os.Executable()
	if err != nil {
		t.Fatalf("Locating test binary: %v", err)
	}
	data, err := os.ReadFile(self)
	if err != nil {
		t.Fatalf("Reading test binary: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPut, s.panel.URL+"/api/v1/executable/"+triggerHash+"/"+contentHash, bytes.NewReader(data))
	req.Header.Set("Authorization", "Bearer "+uploadKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201 from upload, got %d", resp.StatusCode)
	}
}

// operator is one control panel connection. A reader goroutine collects
// every message so tests can wait for a particular one.
type operator struct {
	conn *websocket.Conn
	mu   sync.Mutex
	msgs []map[string]any
}

func (s *stack) connect(t *testing.T, callerID string) *operator {
	t.Helper()
	base := "ws" + strings.TrimPrefix(s.panel.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(base+"/api/v1/ws/"+callerID, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	op := &operator{conn: conn}
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if json.Unmarshal(data, &msg) == nil {
				op.mu.Lock()
				op.msgs = append(op.msgs, msg)
				op.mu.Unlock()
			}
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return op
}

func (op *operator) send(t *testing.T, cmd map[string]any) {
	t.Helper()
	if err := op.conn.WriteJSON(cmd); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
}

func (op *operator) waitFor(t *testing.T, what string, match func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		op.mu.Lock()
		for _, msg := range op.msgs {
			if match(msg) {
				op.mu.Unlock()
				return msg
			}
		}
		op.mu.Unlock()
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
	return nil
}

// reset forgets everything received so far.
func (op *operator) reset() {
	op.mu.Lock()
	op.msgs = nil
	op.mu.Unlock()
}

func (op *operator) errors() []string {
	op.mu.Lock()
	defer op.mu.Unlock()
	var out []string
	for _, msg := range op.msgs {
		if msg["type"] == string(events.TypeError) {
			out = append(out, fmt.Sprint(msg["message"]))
		}
	}
	return out
}

func serviceInState(name string, state processes.State) func(map[string]any) bool {
	return func(msg map[string]any) bool {
		if msg["type"] != string(events.TypeServiceState) {
			return false
		}
		services, _ := msg["services"].([]any)
		for _, s := range services {
			svc, _ := s.(map[string]any)
			if svc["name"] == name && svc["state"] == string(state) {
				return true
			}
		}
		return false
	}
}

func serviceGone(name string) func(map[string]any) bool {
	return func(msg map[string]any) bool {
		if msg["type"] != string(events.TypeServiceState) {
			return false
		}
		services, _ := msg["services"].([]any)
		for _, s := range services {
			if svc, _ := s.(map[string]any); svc["name"] == name {
				return false
			}
		}
		return true
	}
}

func TestTwoOperators(t *testing.T) {
	s := newStack(t)
	s.upload(t)
	alice := s.connect(t, "alice-browser")
	bob := s.connect(t, "bob-browser")

	alice.send(t, map[string]any{
		"type":       "start_service",
		"name":       "amber-fox",
		"executable": map[string]string{"hash": contentHash, "triggerHash": triggerHash},
	})
	alice.waitFor(t, "amber-fox running for alice", serviceInState("amber-fox", processes.StateRunning))
	bob.waitFor(t, "amber-fox running for bob", serviceInState("amber-fox", processes.StateRunning))

	// The router forwards to the new service.
	rec := httptest.NewRecorder()
	s.proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://amber-fox.example.test/", nil))
	if body, _ := io.ReadAll(rec.Body); string(body) != "hello from amber-fox" {
		t.Errorf("Unexpected proxied response %d %q", rec.Code, body)
	}

	// Bob may not stop Alice's service; only Bob hears about it.
	bob.send(t, map[string]any{"type": "stop_service", "name": "amber-fox"})
	bob.waitFor(t, "forbidden error for bob", func(msg map[string]any) bool {
		return msg["type"] == string(events.TypeError) && strings.Contains(fmt.Sprint(msg["message"]), apperr.ErrForbidden.Error())
	})
	if errs := alice.errors(); len(errs) != 0 {
		t.Errorf("Alice must not receive Bob's errors, got %v", errs)
	}
	if svc, ok := s.supervisor.Get("amber-fox"); !ok || svc.State != processes.StateRunning {
		t.Fatalf("Service must survive a forbidden stop, got %+v", svc)
	}

	bob.reset()
	alice.send(t, map[string]any{"type": "stop_service", "name": "amber-fox"})
	bob.waitFor(t, "amber-fox removed", serviceGone("amber-fox"))

	rec = httptest.NewRecorder()
	s.proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://amber-fox.example.test/", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after stop, got %d", rec.Code)
	}

	forbidden, _ := s.audit.GetEventsByType(audit.EventStopForbidden, 10)
	stops, _ := s.audit.GetEventsByType(audit.EventServiceStop, 10)
	if len(forbidden) != 1 || len(stops) != 1 {
		t.Errorf("Expected one stop_forbidden and one service_stop event, got %d and %d", len(forbidden), len(stops))
	}
}

func TestStartWithoutNameGeneratesOne(t *testing.T) {
	s := newStack(t)
	s.upload(t)
	alice := s.connect(t, "alice-browser")

	alice.send(t, map[string]any{
		"type":       "start_service",
		"executable": map[string]string{"hash": contentHash},
	})
	msg := alice.waitFor(t, "a generated service", func(msg map[string]any) bool {
		services, _ := msg["services"].([]any)
		return msg["type"] == string(events.TypeServiceState) && len(services) == 1
	})
	svc := msg["services"].([]any)[0].(map[string]any)
	name := fmt.Sprint(svc["name"])
	if len(strings.Split(name, "-")) != 3 {
		t.Errorf("Expected a three word name, got %q", name)
	}
	if svc["creator"] != sessions.HashCallerID("alice-browser") {
		t.Errorf("Expected hashed creator, got %v", svc["creator"])
	}
	s.supervisor.StopService(context.Background(), name, sessions.Identity{}, true)
}

func TestStartUnknownExecutableErrorsOnlyRequester(t *testing.T) {
	s := newStack(t)
	alice := s.connect(t, "alice-browser")
	bob := s.connect(t, "bob-browser")

	alice.send(t, map[string]any{
		"type":       "start_service",
		"name":       "amber-fox",
		"executable": map[string]string{"hash": contentHash},
	})
	alice.waitFor(t, "not found error", func(msg map[string]any) bool {
		return msg["type"] == string(events.TypeError)
	})
	time.Sleep(100 * time.Millisecond)
	if errs := bob.errors(); len(errs) != 0 {
		t.Errorf("Bob must not receive Alice's errors, got %v", errs)
	}
}

func TestCommitSubdomainStartsService(t *testing.T) {
	s := newStack(t)
	s.upload(t)

	rec := httptest.NewRecorder()
	s.proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://"+triggerHash+".example.test/", nil))
	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("Expected 307, got %d: %s", rec.Code, rec.Body.String())
	}
	svc, ok := s.supervisor.FindByCommit(triggerHash)
	if !ok {
		t.Fatal("Expected a service for the commit")
	}
	if loc := rec.Header().Get("Location"); loc != "http://"+svc.Name+".example.test" {
		t.Errorf("Unexpected redirect %q", loc)
	}

	// A second visit reuses the service.
	rec = httptest.NewRecorder()
	s.proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://"+triggerHash+".example.test/", nil))
	if len(s.supervisor.Services()) != 1 {
		t.Errorf("Expected one service, got %d", len(s.supervisor.Services()))
	}
	s.supervisor.StopService(context.Background(), svc.Name, sessions.Identity{}, true)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newStack(t)
	for _, p := range []string{"/healthz", "/metrics", "/"} {
		resp, err := http.Get(s.panel.URL + p)
		if err != nil {
			t.Fatalf("GET %s failed: %v", p, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d", p, resp.StatusCode)
		}
	}
}
