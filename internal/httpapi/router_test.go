package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pairgate/internal/broadcast"
	rtsup "pairgate/internal/runtime/supervisor"
	"pairgate/internal/session"
	"pairgate/internal/settings"
	"pairgate/internal/storage"
	logx "pairgate/pkg/logx"
)

type fakeSessions struct {
	disconnected []string
	broadcastErr error
	cleanupErr   error
}

func (f *fakeSessions) Sessions() []session.Info {
	return []session.Info{{ID: "s1", Phone: "62811", Status: "connected"}}
}
func (f *fakeSessions) Stats() session.Stats { return session.Stats{Active: 1, Connected: 1} }
func (f *fakeSessions) Disconnect(id string) error {
	if id != "s1" {
		return session.ErrNotFound
	}
	f.disconnected = append(f.disconnected, id)
	return nil
}
func (f *fakeSessions) DisconnectAll() int { return 3 }
func (f *fakeSessions) Broadcast(_ context.Context, id string) error {
	if id != "s1" {
		return session.ErrNotFound
	}
	return f.broadcastErr
}
func (f *fakeSessions) BroadcastAll(context.Context) int { return 2 }
func (f *fakeSessions) Cleanup(context.Context) (session.CleanupResult, error) {
	return session.CleanupResult{Removed: 1, OrphansDeleted: 4}, f.cleanupErr
}

type fakeLive struct{ online int }

func (f fakeLive) ServeHTTP(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) }
func (f fakeLive) Online() int                                      { return f.online }

type brokenStore struct{ storage.Store }

func (brokenStore) Ping(context.Context) error { return errors.New("down") }

type env struct {
	h        http.Handler
	sessions *fakeSessions
	settings *settings.Service
	store    storage.Store
}

func newEnv(t *testing.T, mutate func(*Deps)) *env {
	t.Helper()
	store := storage.NewMemory()
	ss := settings.NewService(store, logx.Nop())
	fs := &fakeSessions{}
	deps := Deps{
		Sessions:   fs,
		Settings:   ss,
		Store:      store,
		Live:       fakeLive{online: 5},
		Counters:   func() rtsup.Counters { return rtsup.Counters{Active: 2} },
		AdminToken: "secret",
		Started:    time.Now().Add(-time.Minute),
		Log:        logx.Nop(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	return &env{h: NewRouter(deps), sessions: fs, settings: ss, store: deps.Store}
}

func (e *env) do(t *testing.T, method, path, body string, auth bool) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if auth {
		req.Header.Set("Authorization", "Bearer secret")
	}
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestHealth(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	rec, out := e.do(t, http.MethodGet, "/health", "", false)
	if rec.Code != http.StatusOK || out["status"] != "ok" {
		t.Fatalf("code=%d body=%v", rec.Code, out)
	}
	if out["onlineObservers"].(float64) != 5 {
		t.Fatalf("online = %v", out["onlineObservers"])
	}
	if out["uptimeSeconds"].(float64) < 59 {
		t.Fatalf("uptime = %v", out["uptimeSeconds"])
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing request id")
	}
}

func TestHealthDegradedWhenStoreDown(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(d *Deps) { d.Store = brokenStore{storage.NewMemory()} })
	rec, out := e.do(t, http.MethodGet, "/health", "", false)
	if rec.Code != http.StatusServiceUnavailable || out["status"] != "degraded" {
		t.Fatalf("code=%d body=%v", rec.Code, out)
	}
}

func TestAdminRequiresToken(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	rec, out := e.do(t, http.MethodGet, "/api/admin/sessions", "", false)
	if rec.Code != http.StatusUnauthorized || out["ok"] != false {
		t.Fatalf("code=%d body=%v", rec.Code, out)
	}
	rec, out = e.do(t, http.MethodGet, "/api/admin/sessions", "", true)
	if rec.Code != http.StatusOK || out["ok"] != true {
		t.Fatalf("code=%d body=%v", rec.Code, out)
	}
	if got := out["sessions"].([]any); len(got) != 1 {
		t.Fatalf("sessions = %v", got)
	}
}

func TestAdminRejectsWrongToken(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	for _, h := range []string{"Bearer secreT", "Bearer secret2", "Basic secret", "secret"} {
		req := httptest.NewRequest(http.MethodGet, "/api/admin/sessions", nil)
		req.Header.Set("Authorization", h)
		rec := httptest.NewRecorder()
		e.h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%q: code = %d, want 401", h, rec.Code)
		}
	}
}

func TestAdminNotMountedWithoutToken(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(d *Deps) {
		d.AdminToken = "  "
		d.Pprof = true
	})
	for _, path := range []string{"/api/admin/sessions", "/api/admin/stats", "/debug/pprof/"} {
		rec, _ := e.do(t, http.MethodGet, path, "", false)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: code = %d, want 404", path, rec.Code)
		}
	}
	if rec, _ := e.do(t, http.MethodGet, "/health", "", false); rec.Code != http.StatusOK {
		t.Fatalf("health code = %d", rec.Code)
	}
}

func TestAdminSessionRoutes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		method   string
		path     string
		wantCode int
		wantKey  string
		wantVal  any
	}{
		{"disconnect", http.MethodPost, "/api/admin/sessions/s1/disconnect", http.StatusOK, "id", "s1"},
		{"disconnect missing", http.MethodPost, "/api/admin/sessions/nope/disconnect", http.StatusNotFound, "ok", false},
		{"disconnect all", http.MethodPost, "/api/admin/sessions/disconnect", http.StatusOK, "disconnected", float64(3)},
		{"broadcast", http.MethodPost, "/api/admin/sessions/s1/broadcast", http.StatusOK, "started", true},
		{"broadcast missing", http.MethodPost, "/api/admin/sessions/x/broadcast", http.StatusNotFound, "ok", false},
		{"broadcast all", http.MethodPost, "/api/admin/sessions/broadcast", http.StatusOK, "started", float64(2)},
		{"cleanup", http.MethodPost, "/api/admin/cleanup", http.StatusOK, "orphansDeleted", float64(4)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, nil)
			rec, out := e.do(t, tc.method, tc.path, "", true)
			if rec.Code != tc.wantCode || out[tc.wantKey] != tc.wantVal {
				t.Fatalf("code=%d body=%v", rec.Code, out)
			}
		})
	}
}

func TestAdminBroadcastConflict(t *testing.T) {
	t.Parallel()
	for _, err := range []error{session.ErrAlreadyBroadcast, session.ErrNotConnected, broadcast.ErrNoMessage} {
		e := newEnv(t, nil)
		e.sessions.broadcastErr = err
		rec, _ := e.do(t, http.MethodPost, "/api/admin/sessions/s1/broadcast", "", true)
		if rec.Code != http.StatusConflict {
			t.Fatalf("%v: code = %d", err, rec.Code)
		}
	}
}

func TestAdminConfigRoundTrip(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	rec, out := e.do(t, http.MethodPut, "/api/admin/config", `{"broadcastMessage":"hi {name}","unknownField":1}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d body=%v", rec.Code, out)
	}
	if e.settings.Snapshot().BroadcastMessage != "hi {name}" {
		t.Fatal("settings not applied")
	}
	_, out = e.do(t, http.MethodGet, "/api/admin/config", "", true)
	cfg := out["config"].(map[string]any)
	if cfg["broadcastMessage"] != "hi {name}" || cfg["broadcastLimit"].(float64) != settings.DefaultBroadcastLimit {
		t.Fatalf("config = %v", cfg)
	}

	rec, _ = e.do(t, http.MethodPut, "/api/admin/config", `{"scheduledTime":"99:99"}`, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid patch code = %d", rec.Code)
	}
}

func TestAdminMaintenanceToggle(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	_, out := e.do(t, http.MethodPost, "/api/admin/maintenance", "", true)
	if out["maintenance"] != true {
		t.Fatalf("first toggle = %v", out)
	}
	_, out = e.do(t, http.MethodPost, "/api/admin/maintenance", "", true)
	if out["maintenance"] != false {
		t.Fatalf("second toggle = %v", out)
	}
}

func TestAdminStatsAndLogs(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	ctx := context.Background()
	now := time.Now()
	_ = e.store.InsertConnection(ctx, storage.ConnectionRecord{Phone: "62811", ConnectedAt: now})
	for _, m := range []string{"a", "b", "c"} {
		_ = e.store.AppendLog(ctx, storage.LogRecord{Type: storage.LogSystem, Message: m, CreatedAt: now})
	}

	_, out := e.do(t, http.MethodGet, "/api/admin/stats", "", true)
	st := out["store"].(map[string]any)
	if out["onlineCount"].(float64) != 5 || len(st) == 0 {
		t.Fatalf("stats = %v", out)
	}

	_, out = e.do(t, http.MethodGet, "/api/admin/logs?limit=2", "", true)
	logs := out["logs"].([]any)
	if len(logs) != 2 {
		t.Fatalf("logs = %v", logs)
	}
	rec, _ := e.do(t, http.MethodGet, "/api/admin/logs?limit=x", "", true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit code = %d", rec.Code)
	}
}

func TestAdminBackup(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	rec, _ := e.do(t, http.MethodPost, "/api/admin/backup", "", true)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("code = %d", rec.Code)
	}
	e = newEnv(t, func(d *Deps) {
		d.Backup = func(context.Context) (string, error) { return "/tmp/b.db", nil }
	})
	_, out := e.do(t, http.MethodPost, "/api/admin/backup", "", true)
	if out["path"] != "/tmp/b.db" {
		t.Fatalf("body = %v", out)
	}
}

func TestWebsocketRouteIsPublic(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	rec, _ := e.do(t, http.MethodGet, "/ws", "", false)
	if rec.Code != http.StatusTeapot {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestRecoveryReturns500(t *testing.T) {
	t.Parallel()
	h := Recovery(logx.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestServerStartStop(t *testing.T) {
	t.Parallel()
	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0"}, newEnv(t, nil).h, logx.Nop())
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := srv.Addr()
	if addr == "" {
		t.Fatal("no bound address")
	}
	var resp *http.Response
	var err error
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + addr + "/health")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.Stop(ctx)
}
