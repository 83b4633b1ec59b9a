package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pairgate/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestMapServerConfigDefaults(t *testing.T) {
	t.Parallel()
	sc, err := mapServerConfig(&config.Config{})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if sc.Addr != config.DefaultAddr || sc.ReadTimeout != 15*time.Second || sc.WriteTimeout != 0 {
		t.Fatalf("server config = %+v", sc)
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		in       config.StorageConfig
		wantBusy time.Duration
		wantErr  bool
	}{
		{"memory", config.StorageConfig{}, 0, false},
		{"sqlite default busy", config.StorageConfig{Driver: "SQLite", Path: "x.db"}, time.Second, false},
		{"sqlite busy", config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "3s"}, 3 * time.Second, false},
		{"sqlite bad busy", config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "soon"}, 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := mapStorageConfig(&config.Config{Storage: tc.in})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if err == nil && got.BusyTimeout != tc.wantBusy {
				t.Fatalf("busy = %v, want %v", got.BusyTimeout, tc.wantBusy)
			}
		})
	}
}

func TestMapSessionConfigRejectsBadDuration(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Session: config.SessionConfig{ConnectTimeout: "5 minutes"}}
	if _, err := mapSessionConfig(cfg); err == nil {
		t.Fatal("expected error")
	}
}

func TestAppPairsOverWebsocketAndReportsSession(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"addr": "127.0.0.1:0", "admin_token": "t"},
		"logging": {"level": "error"},
		"identity": {"auto_connect": "20ms"},
		"session": {"auto_broadcast_delay": "1h"}
	}`)
	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = a.Stop(sctx, StopSignal)
	})

	c, _, err := websocket.DefaultDialer.Dial("ws://"+a.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if err := c.WriteJSON(map[string]string{"type": "pair", "phoneNumber": "+62 811-0000-0001"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var code string
	for i := 0; i < 20 && code == ""; i++ {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		var m struct {
			Type string `json:"type"`
			Code string `json:"code"`
		}
		if err := c.ReadJSON(&m); err != nil {
			t.Fatalf("read: %v", err)
		}
		if m.Type == "error" || m.Type == "rate_limited" {
			t.Fatalf("pair rejected: %+v", m)
		}
		code = m.Code
	}
	if code == "" {
		t.Fatal("no pairing code")
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		status := sessionStatus(t, a.Addr())
		if status == "connected" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session status = %q, want connected", status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func sessionStatus(t *testing.T, addr string) string {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, "http://"+addr+"/api/admin/sessions", nil)
	req.Header.Set("Authorization", "Bearer t")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET sessions: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Sessions []struct {
			Phone  string `json:"phone"`
			Status string `json:"status"`
		} `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Sessions) != 1 {
		return ""
	}
	if out.Sessions[0].Phone != "6281100000001" {
		t.Fatalf("phone = %q", out.Sessions[0].Phone)
	}
	return out.Sessions[0].Status
}
