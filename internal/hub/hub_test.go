package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"pairgate/internal/admission"
	"pairgate/internal/eventbus"
	"pairgate/internal/session"
	"pairgate/internal/settings"
	logx "pairgate/pkg/logx"
)

type fakeStarter struct {
	mu    sync.Mutex
	calls int
	err   error
	req   session.Requester
}

// StartSessionWith treats every earlier start as still active.
func (f *fakeStarter) StartSessionWith(_ context.Context, phone, address string, req session.Requester, opts session.StartOptions) (session.Pairing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if opts.Admit != nil {
		if err := opts.Admit(f.calls); err != nil {
			return session.Pairing{}, err
		}
	}
	f.calls++
	f.req = req
	if f.err != nil {
		return session.Pairing{}, f.err
	}
	return session.Pairing{SessionID: "s_" + phone, Code: "ABCD-EFGH"}, nil
}

func (f *fakeStarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type gateFunc func(address, ua string) error

func (g gateFunc) Admit(address, ua string, _ time.Time, _ int) error { return g(address, ua) }

type staticSettings struct{ st settings.Settings }

func (s staticSettings) Snapshot() settings.Settings { return s.st }

type env struct {
	hub     *Hub
	starter *fakeStarter
	srv     *httptest.Server
	url     string
}

func newEnv(t *testing.T, deps Deps, opts Options) *env {
	t.Helper()
	st := &fakeStarter{}
	if deps.Sessions == nil {
		deps.Sessions = st
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	h := New(deps, opts)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return &env{hub: h, starter: st, srv: srv, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type message struct {
	Type           string            `json:"type"`
	ActiveSessions *int              `json:"activeSessions"`
	OnlineCount    *int              `json:"onlineCount"`
	NewLog         *eventbus.LogLine `json:"newLog"`
	Code           string            `json:"code"`
	SessionID      string            `json:"sessionId"`
	Message        string            `json:"message"`
}

func read(t *testing.T, c *websocket.Conn) message {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m message
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return m
}

// readUntil skips messages until match returns true.
func readUntil(t *testing.T, c *websocket.Conn, match func(message) bool) message {
	t.Helper()
	for i := 0; i < 20; i++ {
		if m := read(t, c); match(m) {
			return m
		}
	}
	t.Fatal("expected message not received")
	return message{}
}

func isReply(m message) bool { return m.Type != TypeUpdate }

func pair(t *testing.T, c *websocket.Conn, phone string) {
	t.Helper()
	if err := c.WriteJSON(map[string]string{"type": "pair", "phoneNumber": phone}); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestObserverReceivesSnapshotAndOnlineCount(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Deps{}, Options{})

	a := dial(t, e.url)
	first := read(t, a)
	if first.Type != TypeUpdate || first.ActiveSessions == nil || first.OnlineCount == nil || *first.OnlineCount != 1 {
		t.Fatalf("snapshot = %+v", first)
	}

	b := dial(t, e.url)
	readUntil(t, a, func(m message) bool { return m.OnlineCount != nil && *m.OnlineCount == 2 })
	_ = b.Close()
	readUntil(t, a, func(m message) bool { return m.OnlineCount != nil && *m.OnlineCount == 1 })
}

func TestPairingRequestReturnsCode(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Deps{}, Options{})
	c := dial(t, e.url)
	pair(t, c, "62811111111")
	m := readUntil(t, c, isReply)
	if m.Type != TypePairingCode || m.Code != "ABCD-EFGH" || m.SessionID != "s_62811111111" {
		t.Fatalf("reply = %+v", m)
	}
}

func TestPairingDeniedByGate(t *testing.T) {
	t.Parallel()
	deny := gateFunc(func(address, _ string) error {
		return &admission.DeniedError{Reason: admission.ErrAddressCap, Address: address, Active: 2, Limit: 2}
	})
	e := newEnv(t, Deps{Gate: deny}, Options{})
	c := dial(t, e.url)
	pair(t, c, "62811111111")
	m := readUntil(t, c, isReply)
	if m.Type != TypeRateLimited {
		t.Fatalf("reply = %+v", m)
	}
	if e.starter.count() != 0 {
		t.Fatal("session started despite denial")
	}
}

func TestPairingDuringMaintenance(t *testing.T) {
	t.Parallel()
	st := settings.Defaults()
	st.Maintenance = true
	var gated atomic.Bool
	gate := gateFunc(func(string, string) error { gated.Store(true); return nil })
	e := newEnv(t, Deps{Settings: staticSettings{st}, Gate: gate}, Options{})
	c := dial(t, e.url)
	pair(t, c, "62811111111")
	m := readUntil(t, c, isReply)
	if m.Type != TypeError || !strings.Contains(m.Message, "maintenance") {
		t.Fatalf("reply = %+v", m)
	}
	if gated.Load() || e.starter.count() != 0 {
		t.Fatal("maintenance must short-circuit before the gate")
	}
}

func TestPairingErrorReply(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Deps{}, Options{})
	e.starter.mu.Lock()
	e.starter.err = session.ErrInvalidPhone
	e.starter.mu.Unlock()
	c := dial(t, e.url)
	pair(t, c, "12")
	m := readUntil(t, c, isReply)
	if m.Type != TypeError || m.Message != "invalid phone number" {
		t.Fatalf("reply = %+v", m)
	}
}

func TestAdmissionScenarioFourthRequestRateLimited(t *testing.T) {
	t.Parallel()
	limits := func() admission.Limits {
		return admission.Limits{Window: time.Hour, MaxAttempts: 3, MaxPerAddress: 100}
	}
	gate := admission.NewGate(admission.NewLimiter(limits), nil, limits)
	e := newEnv(t, Deps{Gate: gate}, Options{})
	c := dial(t, e.url)

	for i := 1; i <= 4; i++ {
		pair(t, c, fmt.Sprintf("6281100000%03d", i))
		m := readUntil(t, c, isReply)
		want := TypePairingCode
		if i == 4 {
			want = TypeRateLimited
		}
		if m.Type != want {
			t.Fatalf("request %d reply = %+v, want %s", i, m, want)
		}
	}
	if e.starter.count() != 3 {
		t.Fatalf("starts = %d, want 3", e.starter.count())
	}
}

func TestAddressCapEnforcedAtRegistration(t *testing.T) {
	t.Parallel()
	limits := func() admission.Limits { return admission.Limits{MaxAttempts: 100, MaxPerAddress: 2} }
	gate := admission.NewGate(admission.NewLimiter(limits), nil, limits)
	e := newEnv(t, Deps{Gate: gate}, Options{})
	a := dial(t, e.url)
	b := dial(t, e.url)

	pair(t, a, "62811000001")
	pair(t, b, "62811000002")
	readUntil(t, a, isReply)
	readUntil(t, b, isReply)
	pair(t, a, "62811000003")
	if m := readUntil(t, a, isReply); m.Type != TypeRateLimited || !strings.Contains(m.Message, "2/2") {
		t.Fatalf("third reply = %+v", m)
	}
	if e.starter.count() != 2 {
		t.Fatalf("starts = %d, want 2", e.starter.count())
	}
}

func TestRepeatedInvalidRequestsDropObserver(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Deps{}, Options{BadRequestRate: rate.Every(time.Hour), BadRequestBurst: 1})
	c := dial(t, e.url)
	junk := func() {
		t.Helper()
		if err := c.WriteMessage(websocket.TextMessage, []byte("nonsense")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	junk()
	if m := readUntil(t, c, isReply); m.Type != TypeError {
		t.Fatalf("first reply = %+v", m)
	}
	junk()
	for i := 0; i < 20; i++ {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
	t.Fatal("observer still connected")
}

func TestSessionFailedReachesRequester(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Deps{}, Options{})
	c := dial(t, e.url)
	pair(t, c, "62811111111")
	readUntil(t, c, isReply)

	e.starter.mu.Lock()
	req := e.starter.req
	e.starter.mu.Unlock()
	req.SessionFailed("s_62811111111", session.ErrConnectTimeout)

	m := readUntil(t, c, isReply)
	if m.Type != TypeError || m.SessionID != "s_62811111111" {
		t.Fatalf("reply = %+v", m)
	}
}

func TestRunTranslatesBusEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	e := newEnv(t, Deps{Bus: bus}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.hub.Run(ctx)

	c := dial(t, e.url)
	read(t, c)

	// Run subscribes asynchronously; keep publishing until the observer sees it.
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				bus.Publish(eventbus.Event{Type: eventbus.TypeSessionsChanged, Data: eventbus.SessionCounts{Active: 3, Connected: 1}})
				bus.Publish(eventbus.Event{Type: eventbus.TypeLog, Data: eventbus.LogLine{Type: "connect", Message: "hello"}})
			}
		}
	}()

	m := readUntil(t, c, func(m message) bool { return m.ActiveSessions != nil && *m.ActiveSessions == 3 })
	if m.Type != TypeUpdate {
		t.Fatalf("type = %q", m.Type)
	}
	got := readUntil(t, c, func(m message) bool { return m.NewLog != nil })
	if got.NewLog.Message != "hello" {
		t.Fatalf("log = %+v", got.NewLog)
	}
	if e.hub.active.Load() != 3 {
		t.Fatalf("active = %d", e.hub.active.Load())
	}
}

func TestOriginCheck(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Deps{}, Options{AllowedOrigins: []string{"https://ok.example"}})
	h := http.Header{"Origin": []string{"https://evil.example"}}
	if _, _, err := websocket.DefaultDialer.Dial(e.url, h); err == nil {
		t.Fatal("foreign origin accepted")
	}
	h.Set("Origin", "https://ok.example")
	c, _, err := websocket.DefaultDialer.Dial(e.url, h)
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	_ = c.Close()
}

func TestClientAddress(t *testing.T) {
	t.Parallel()
	proxies := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	tests := []struct {
		name    string
		remote  string
		xff     string
		trusted []netip.Prefix
		want    string
	}{
		{"direct", "203.0.113.5:5555", "", nil, "203.0.113.5"},
		{"spoofed header from untrusted peer", "203.0.113.5:5555", "1.1.1.1", nil, "203.0.113.5"},
		{"spoofed header, proxies configured", "203.0.113.5:5555", "1.1.1.1", proxies, "203.0.113.5"},
		{"trusted proxy", "10.1.2.3:5555", "198.51.100.7", proxies, "198.51.100.7"},
		{"client-prepended hop ignored", "10.1.2.3:5555", "1.1.1.1, 198.51.100.7, 10.0.0.9", proxies, "198.51.100.7"},
		{"garbage hop", "10.1.2.3:5555", "not-an-ip", proxies, "10.1.2.3"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.RemoteAddr = tc.remote
			if tc.xff != "" {
				r.Header.Set("X-Forwarded-For", tc.xff)
			}
			if got := ClientAddress(r, tc.trusted); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}
