package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/steveyegge/plugsync/internal/daemon"
	"github.com/steveyegge/plugsync/internal/metrics"
)

type fakeService struct {
	snapshot *daemon.Snapshot
	triggers atomic.Int32
}

func (f *fakeService) Snapshot() *daemon.Snapshot { return f.snapshot }
func (f *fakeService) Trigger()                   { f.triggers.Add(1) }

func newFakeService() *fakeService {
	return &fakeService{snapshot: &daemon.Snapshot{
		State:  "idle",
		Cycles: 3,
		Plugins: []daemon.PluginStatus{
			{Path: "/plugins/jboss-2.0.jar", Name: "jboss", Version: "2.0", MD5: "abc"},
		},
	}}
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func startServer(t *testing.T, svc Service) *Server {
	t.Helper()
	server := NewServer(svc, &Config{
		Addr:     "127.0.0.1:0",
		Gatherer: prometheus.NewRegistry(),
		Logger:   testLogger(),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

// dial connects a client and consumes the snapshot welcome.
func dial(t *testing.T, ctx context.Context, server *Server) (*websocket.Conn, Message) {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read welcome message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return conn, msg
}

func waitForClients(t *testing.T, server *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for server.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients, got %d", n, server.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(newFakeService(), &Config{Addr: "127.0.0.1:0", Logger: testLogger()})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if addr := server.GetAddr(); strings.HasSuffix(addr, ":0") {
		t.Fatalf("Expected a bound port, got %s", addr)
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestHandleHealth(t *testing.T) {
	server := NewServer(newFakeService(), &Config{Logger: testLogger()})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", body["status"])
	}
}

func TestHandleStatus(t *testing.T) {
	svc := newFakeService()
	server := NewServer(svc, &Config{Logger: testLogger()})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}

	var got daemon.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("Failed to decode snapshot: %v", err)
	}
	if diff := cmp.Diff(svc.snapshot, &got); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleScan(t *testing.T) {
	svc := newFakeService()
	server := NewServer(svc, &Config{Logger: testLogger()})
	handler := server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/scan", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", rec.Code)
	}
	if n := svc.triggers.Load(); n != 1 {
		t.Errorf("Expected 1 trigger, got %d", n)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/scan", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for GET /scan, got %d", rec.Code)
	}
	if n := svc.triggers.Load(); n != 1 {
		t.Errorf("GET /scan must not trigger, got %d triggers", n)
	}
}

func TestHandleMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	m.ObserveCycle(metrics.ResultOK, 20*time.Millisecond, 2)

	server := NewServer(newFakeService(), &Config{Gatherer: registry, Logger: testLogger()})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `plugsync_cycles_total{result="ok"} 1`) {
		t.Errorf("Expected cycle counter in output, got:\n%s", rec.Body.String())
	}
}

func TestWebSocketWelcomeSnapshot(t *testing.T) {
	svc := newFakeService()
	server := startServer(t, svc)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, msg := dial(t, ctx, server)
	if msg.Type != MessageTypeSnapshot {
		t.Fatalf("Expected welcome message type %s, got %s", MessageTypeSnapshot, msg.Type)
	}

	var snap daemon.Snapshot
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		t.Fatalf("Failed to unmarshal snapshot: %v", err)
	}
	if snap.Cycles != 3 || len(snap.Plugins) != 1 {
		t.Errorf("Unexpected snapshot: %+v", snap)
	}

	waitForClients(t, server, 1)
}

func TestHandlerCycleEvents(t *testing.T) {
	server := startServer(t, newFakeService())
	handler := NewHandler(server, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _ := dial(t, ctx, server)
	waitForClients(t, server, 1)

	tests := []struct {
		name     string
		result   *daemon.CycleResult
		wantType MessageType
	}{
		{
			name: "complete",
			result: &daemon.CycleResult{
				ID:       "c1",
				Duration: 1500 * time.Millisecond,
				Changed:  []string{"/plugins/jboss-2.0.jar"},
				Pending:  1,
			},
			wantType: MessageTypeCycleComplete,
		},
		{
			name:     "failed",
			result:   &daemon.CycleResult{ID: "c2", Error: "failed to reconcile with database: boom"},
			wantType: MessageTypeCycleFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler.CycleFinished(tt.result)

			_, data, err := conn.Read(ctx)
			if err != nil {
				t.Fatalf("Failed to read broadcast message: %v", err)
			}
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Fatalf("Failed to unmarshal message: %v", err)
			}
			if msg.Type != tt.wantType {
				t.Errorf("Expected message type %s, got %s", tt.wantType, msg.Type)
			}

			var got CycleData
			if err := json.Unmarshal(msg.Data, &got); err != nil {
				t.Fatalf("Failed to unmarshal cycle data: %v", err)
			}
			want := CycleData{
				ID:         tt.result.ID,
				DurationMS: tt.result.Duration.Milliseconds(),
				Changed:    tt.result.Changed,
				Pending:    tt.result.Pending,
				Error:      tt.result.Error,
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("cycle data mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMultipleClients(t *testing.T) {
	server := startServer(t, newFakeService())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const numClients = 3
	conns := make([]*websocket.Conn, numClients)
	for i := range conns {
		conns[i], _ = dial(t, ctx, server)
	}
	waitForClients(t, server, numClients)

	server.Broadcast(Message{Type: MessageTypeCycleComplete})

	for i, conn := range conns {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("client %d: failed to read broadcast: %v", i, err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("client %d: failed to unmarshal: %v", i, err)
		}
		if msg.Type != MessageTypeCycleComplete {
			t.Errorf("client %d: expected %s, got %s", i, MessageTypeCycleComplete, msg.Type)
		}
		if msg.Timestamp.IsZero() {
			t.Errorf("client %d: expected timestamp to be filled in", i)
		}
	}
}

func TestClientDisconnect(t *testing.T) {
	server := startServer(t, newFakeService())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _ := dial(t, ctx, server)
	waitForClients(t, server, 1)

	_ = conn.Close(websocket.StatusNormalClosure, "")
	waitForClients(t, server, 0)
}
