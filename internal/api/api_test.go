package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/blockgate-project/blockgate/internal/config"
	"github.com/blockgate-project/blockgate/internal/events"
	"github.com/blockgate-project/blockgate/internal/network"
	"github.com/blockgate-project/blockgate/internal/protocol"
	"github.com/blockgate-project/blockgate/internal/server"
	"github.com/blockgate-project/blockgate/internal/session"
)

type idleHandler struct{}

func (idleHandler) Handle(*network.Connection, protocol.Packet) error { return nil }
func (idleHandler) Disconnected(*network.Connection, string, []any)   {}
func (idleHandler) Closed() bool                                      { return false }

type fixture struct {
	cfg   *config.Config
	conns *network.Manager
	api   *Server
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SetPath(filepath.Join(t.TempDir(), config.DefaultConfigFile))
	cfg.ApplicationData.Logging.Level = "info"
	if mutate != nil {
		mutate(cfg)
	}

	conns := network.NewManager(network.Options{
		Network: cfg.ServerData.Network,
		Factory: func(*network.Connection) network.Handler { return idleHandler{} },
	})
	t.Cleanup(func() { conns.CloseAll("test over", time.Second) })

	eb := events.NewEventBus()
	api := NewServer(cfg, eb, Deps{
		Server: server.New(cfg.ServerData.Tick, conns, eb),
		Conns:  conns,
		Lobby:  session.NewLobby(cfg.ServerData.Login.MaxPlayers),
	})
	return &fixture{cfg: cfg, conns: conns, api: api}
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	f.api.Handler().ServeHTTP(rec, req)

	var out map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestPublicEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	rec, body := f.do(t, http.MethodGet, "/api/public/ping", "", nil)
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("ping = %d %v", rec.Code, body)
	}

	rec, body = f.do(t, http.MethodGet, "/api/public/server_info", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("server_info status = %d", rec.Code)
	}
	if body["version"] != session.VersionName || body["protocol_version"] != float64(protocol.ProtocolVersion) {
		t.Errorf("server_info = %v", body)
	}

	rec, _ = f.do(t, http.MethodGet, "/api/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown endpoint status = %d; want 404", rec.Code)
	}
}

func TestListenersReportPacketTypes(t *testing.T) {
	f := newFixture(t, nil)
	rec, body := f.do(t, http.MethodGet, "/api/monitor/listeners", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["total"] != float64(0) || body["packet_types"] != float64(protocol.DefaultRegistry.Count()) {
		t.Errorf("listeners = %v", body)
	}
}

func TestTokenRequired(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.ApplicationData.API.Token = "s3cret" })

	tests := []struct {
		token string
		want  int
	}{
		{"", http.StatusUnauthorized},
		{"wrong", http.StatusUnauthorized},
		{"s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		rec, _ := f.do(t, http.MethodGet, "/api/monitor/connections", tt.token, nil)
		if rec.Code != tt.want {
			t.Errorf("token %q: status = %d; want %d", tt.token, rec.Code, tt.want)
		}
	}

	_, body := f.do(t, http.MethodGet, "/api/configure/config", "s3cret", nil)
	app := body["application_data"].(map[string]interface{})
	if tok := app["api"].(map[string]interface{})["token"]; tok == "s3cret" {
		t.Error("config endpoint leaked the API token")
	}
}

func TestIPWhitelist(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.ApplicationData.API.IPWhitelist = []string{"10.0.0.0/8"}
	})
	// httptest requests come from 192.0.2.1
	rec, _ := f.do(t, http.MethodGet, "/api/monitor/tick", "", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d; want 403", rec.Code)
	}
}

func TestDisconnectConnection(t *testing.T) {
	f := newFixture(t, nil)

	srv, client := net.Pipe()
	defer client.Close()
	go io.Copy(io.Discard, client)
	conn := f.conns.Accept(context.Background(), srv)

	rec, body := f.do(t, http.MethodGet, "/api/monitor/connections", "", nil)
	if rec.Code != http.StatusOK || body["total"] != float64(1) {
		t.Fatalf("connections = %d %v", rec.Code, body)
	}

	tests := []struct {
		path string
		want int
	}{
		{"/api/control/disconnect/abc", http.StatusBadRequest},
		{"/api/control/disconnect/999", http.StatusNotFound},
	}
	for _, tt := range tests {
		if rec, _ := f.do(t, http.MethodPost, tt.path, "", nil); rec.Code != tt.want {
			t.Errorf("%s: status = %d; want %d", tt.path, rec.Code, tt.want)
		}
	}

	path := "/api/control/disconnect/" + strconv.FormatUint(conn.ID(), 10)
	rec, _ = f.do(t, http.MethodPost, path, "", map[string]string{"reason": "bye"})
	if rec.Code != http.StatusOK {
		t.Fatalf("disconnect status = %d: %s", rec.Code, rec.Body.String())
	}
	reason, args, ok := conn.DisconnectReason()
	if !ok || reason != session.ReasonKicked || len(args) != 1 || args[0] != "bye" {
		t.Errorf("reason = %q %v", reason, args)
	}

	rec, _ = f.do(t, http.MethodPost, path, "", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second disconnect status = %d; want 409", rec.Code)
	}
}

func TestSetLogin(t *testing.T) {
	f := newFixture(t, nil)

	rec, _ := f.do(t, http.MethodPost, "/api/configure/login", "", map[string]interface{}{
		"motd":        "Welcome",
		"max_players": 50,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	login := f.cfg.GetServerData().Login
	if login.MOTD != "Welcome" || login.MaxPlayers != 50 {
		t.Errorf("login = %+v", login)
	}
	if login.TimeoutTicks != config.DefaultConfig().ServerData.Login.TimeoutTicks {
		t.Error("fields missing from the request were reset")
	}
	if _, err := os.Stat(f.cfg.Path()); err != nil {
		t.Errorf("config not saved: %v", err)
	}

	rejected := []map[string]interface{}{
		{"online_mode": true},
		{"key_bits": 2048},
		{"max_players": 0},
	}
	for _, body := range rejected {
		if rec, _ := f.do(t, http.MethodPost, "/api/configure/login", "", body); rec.Code != http.StatusBadRequest {
			t.Errorf("%v: status = %d; want 400", body, rec.Code)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2)
	now := time.Now()
	for i := 0; i < 4; i++ {
		if !rl.allow("1.2.3.4", now) {
			t.Fatalf("request %d rejected within burst", i)
		}
	}
	if rl.allow("1.2.3.4", now) {
		t.Error("request beyond burst allowed")
	}
	if !rl.allow("5.6.7.8", now) {
		t.Error("other client limited")
	}
	if !rl.allow("1.2.3.4", now.Add(time.Second)) {
		t.Error("bucket did not refill")
	}
}

func TestReadRecentLogEntries(t *testing.T) {
	dir := t.TempDir()
	older := `{"level":"info","message":"old"}` + "\n"
	newer := `{"level":"info","time":"t1","message":"one"}` + "\n" +
		"not json\n" +
		`{"level":"warn","time":"t2","message":"two","component":"tick"}` + "\n"
	os.WriteFile(filepath.Join(dir, "blockgate_2024-01-01.log"), []byte(older), 0644)
	os.WriteFile(filepath.Join(dir, "blockgate_2024-01-02.log"), []byte(newer), 0644)

	entries, err := readRecentLogEntries(dir, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries; want 2", len(entries))
	}
	if entries[0].Message != "not json" {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	if entries[1].Message != "two" || entries[1].Fields["component"] != "tick" {
		t.Errorf("entries[1] = %+v", entries[1])
	}
}
