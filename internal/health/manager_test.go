package health

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/blockgate-project/blockgate/internal/config"
	"github.com/blockgate-project/blockgate/internal/events"
	"github.com/blockgate-project/blockgate/internal/network"
	"github.com/blockgate-project/blockgate/internal/protocol"
	"github.com/blockgate-project/blockgate/internal/server"
)

type idleHandler struct{}

func (idleHandler) Handle(*network.Connection, protocol.Packet) error { return nil }
func (idleHandler) Disconnected(*network.Connection, string, []any)   {}
func (idleHandler) Closed() bool                                      { return false }

func newTestManager(t *testing.T) (*Manager, *network.Manager) {
	t.Helper()
	cfg := config.DefaultConfig()
	conns := network.NewManager(network.Options{
		Network: cfg.ServerData.Network,
		Factory: func(*network.Connection) network.Handler { return idleHandler{} },
	})
	t.Cleanup(func() { conns.CloseAll("test over", time.Second) })
	srv := server.New(cfg.ServerData.Tick, conns, nil)
	return NewManager(cfg, events.NewEventBus(), conns, srv), conns
}

func TestDiskLevel(t *testing.T) {
	tests := []struct {
		pct  float64
		want string
	}{
		{50, ""},
		{79.9, ""},
		{80, LevelInfo},
		{91, LevelWarning},
		{97, LevelError},
		{100, LevelCritical},
	}
	for _, tt := range tests {
		if got := diskLevel(tt.pct); got != tt.want {
			t.Errorf("diskLevel(%v) = %q; want %q", tt.pct, got, tt.want)
		}
	}
}

func TestClosedConnectionReportedUntilSwept(t *testing.T) {
	m, conns := newTestManager(t)
	if got := m.connectionProblems(time.Now()); len(got) != 0 {
		t.Fatalf("empty manager reported %v", got)
	}

	server, client := net.Pipe()
	c := conns.Accept(context.Background(), server)
	client.Close()

	deadline := time.Now().Add(5 * time.Second)
	for c.Connected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Connected() {
		t.Fatal("connection still open after peer closed")
	}

	if got := m.connectionProblems(time.Now()); len(got) != 0 {
		t.Errorf("freshly closed connection reported: %v", got)
	}
	problems := m.connectionProblems(time.Now().Add(time.Minute))
	if len(problems) != 1 || !strings.Contains(problems[0], "still registered") {
		t.Errorf("problems = %v; want one stuck connection", problems)
	}

	conns.Pump()
	if got := m.connectionProblems(time.Now().Add(time.Minute)); len(got) != 0 {
		t.Errorf("swept connection still reported: %v", got)
	}
}

func TestHeartbeat(t *testing.T) {
	m, _ := newTestManager(t)
	beat := m.heartbeat()
	if beat["pending"] != 0 || beat["established"] != 0 {
		t.Errorf("heartbeat counts = %v/%v; want 0/0", beat["pending"], beat["established"])
	}
	if beat["type"] != "heartbeat" {
		t.Errorf("type = %v", beat["type"])
	}
	if _, ok := beat["ticks"]; !ok {
		t.Error("heartbeat missing tick count")
	}
}
