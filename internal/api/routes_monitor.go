package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/blockgate-project/blockgate/internal/network"
	"github.com/blockgate-project/blockgate/internal/util"
)

// handleGetConnections lists every live connection.
func (s *Server) handleGetConnections(c *gin.Context) {
	conns := s.deps.Conns.Connections()
	infos := make([]network.Info, 0, len(conns))
	for _, conn := range conns {
		infos = append(infos, conn.Info())
	}
	pending, established := s.deps.Conns.Counts()

	c.JSON(http.StatusOK, gin.H{
		"connections": infos,
		"total":       len(infos),
		"pending":     pending,
		"established": established,
	})
}

func (s *Server) lookupConnection(c *gin.Context) (*network.Connection, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid connection id"})
		return nil, false
	}
	conn, ok := s.deps.Conns.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found", "id": id})
		return nil, false
	}
	return conn, true
}

// handleGetConnection returns one connection.
func (s *Server) handleGetConnection(c *gin.Context) {
	conn, ok := s.lookupConnection(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, conn.Info())
}

type playerInfo struct {
	Username  string    `json:"username"`
	ConnID    uint64    `json:"conn_id"`
	Remote    string    `json:"remote"`
	JoinedAt  time.Time `json:"joined_at"`
	LatencyMs int64     `json:"latency_ms"`
}

// handleGetPlayers lists the players in the lobby.
func (s *Server) handleGetPlayers(c *gin.Context) {
	if s.deps.Lobby == nil {
		c.JSON(http.StatusOK, gin.H{"players": []playerInfo{}, "total": 0})
		return
	}
	players := s.deps.Lobby.Players()
	out := make([]playerInfo, 0, len(players))
	for _, p := range players {
		out = append(out, playerInfo{
			Username:  p.Username(),
			ConnID:    p.Conn().ID(),
			Remote:    p.Conn().RemoteAddr().String(),
			JoinedAt:  p.JoinedAt(),
			LatencyMs: p.Latency().Milliseconds(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"players": out, "total": len(out)})
}

// handleGetListeners lists registered packet listeners in call order, with
// the number of packet types they can see.
func (s *Server) handleGetListeners(c *gin.Context) {
	regs := s.deps.Conns.Chain().Registrations()
	c.JSON(http.StatusOK, gin.H{
		"listeners":    regs,
		"total":        len(regs),
		"packet_types": s.deps.Conns.Registry().Count(),
	})
}

// handleGetTick returns tick loop timing.
func (s *Server) handleGetTick(c *gin.Context) {
	lm := s.deps.Server.LagMonitor()
	c.JSON(http.StatusOK, gin.H{
		"running":    s.deps.Server.Running(),
		"ticks":      s.deps.Server.Ticks(),
		"uptime_sec": int64(s.deps.Server.Uptime().Seconds()),
		"stats":      lm.Stats(),
		"alerts":     lm.CheckThresholds(),
	})
}

// handleGetTickHistory returns the most recent tick samples.
func (s *Server) handleGetTickHistory(c *gin.Context) {
	count := clampQuery(c, "count", 200, 1200)
	samples := s.deps.Server.LagMonitor().Recent(count)
	c.JSON(http.StatusOK, gin.H{
		"samples": samples,
		"count":   len(samples),
	})
}

// handleGetSystem returns host and process resource usage.
func (s *Server) handleGetSystem(c *gin.Context) {
	resp := gin.H{"system": util.GetSystemInfo()}

	if cpu, err := util.GetCPUUsage(); err == nil {
		resp["cpu_percent"] = cpu
	}
	if mem, err := util.GetMemoryUsage(); err == nil {
		resp["memory"] = mem
	}
	proc, err := util.GetProcessUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp["process"] = proc
	c.JSON(http.StatusOK, resp)
}

// handleGetHistory returns recent rows of the connection log.
func (s *Server) handleGetHistory(c *gin.Context) {
	if s.deps.ConnLog == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "connection log disabled"})
		return
	}
	limit := clampQuery(c, "limit", 100, 1000)
	recs, err := s.deps.ConnLog.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connections": recs, "count": len(recs)})
}

// handleGetSummary aggregates the connection log over the last hours.
func (s *Server) handleGetSummary(c *gin.Context) {
	if s.deps.ConnLog == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "connection log disabled"})
		return
	}
	hours := clampQuery(c, "hours", 24, 24*90)
	summary, err := s.deps.ConnLog.Summarize(c.Request.Context(), time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// handleGetLogEntries returns recent log entries.
func (s *Server) handleGetLogEntries(c *gin.Context) {
	count := clampQuery(c, "count", 100, 1000)

	logDir := s.cfg.ApplicationData.Logging.Directory
	entries, err := readRecentLogEntries(logDir, count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// clampQuery reads a positive integer query parameter, falling back to def
// and capping at max.
func clampQuery(c *gin.Context, name string, def, max int) int {
	n, err := strconv.Atoi(c.Query(name))
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

type logEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// readRecentLogEntries parses the last count JSON lines of the newest log
// file.
func readRecentLogEntries(logDir string, count int) ([]logEntry, error) {
	dirEntries, err := os.ReadDir(logDir)
	if err != nil {
		return nil, err
	}

	var logs []string
	for _, e := range dirEntries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".log" {
			logs = append(logs, e.Name())
		}
	}
	if len(logs) == 0 {
		return []logEntry{}, nil
	}
	// Names carry the date, so the lexically last is the newest.
	sort.Strings(logs)

	data, err := os.ReadFile(filepath.Join(logDir, logs[len(logs)-1]))
	if err != nil {
		return nil, err
	}

	lines := strings.Split(string(data), "\n")
	start := len(lines) - count - 1
	if start < 0 {
		start = 0
	}

	knownKeys := map[string]bool{
		"level": true, "time": true, "message": true,
		"caller": true, "app": true,
	}

	result := make([]logEntry, 0, count)
	for _, line := range lines[start:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			result = append(result, logEntry{Message: line})
			continue
		}

		entry := logEntry{
			Level:   stringFromMap(raw, "level"),
			Message: stringFromMap(raw, "message"),
		}
		if t, ok := raw["time"]; ok {
			entry.Timestamp = fmt.Sprintf("%v", t)
		}

		extra := make(map[string]interface{})
		for k, v := range raw {
			if !knownKeys[k] {
				extra[k] = v
			}
		}
		if len(extra) > 0 {
			entry.Fields = extra
		}

		result = append(result, entry)
	}
	if len(result) > count {
		result = result[len(result)-count:]
	}
	return result, nil
}

func stringFromMap(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
