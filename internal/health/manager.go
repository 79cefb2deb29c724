// Package health implements periodic health checks for the transport:
// stuck connections, slow writers, host resources and a heartbeat.
package health

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/blockgate-project/blockgate/internal/config"
	"github.com/blockgate-project/blockgate/internal/events"
	"github.com/blockgate-project/blockgate/internal/network"
	"github.com/blockgate-project/blockgate/internal/server"
	"github.com/blockgate-project/blockgate/internal/util"
)

// Alert levels, in increasing severity.
const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelError    = "error"
	LevelCritical = "critical"
)

// A closed connection still registered after this long has not been swept.
const stuckAfter = 30 * time.Second

// Manager runs periodic health checks.
type Manager struct {
	cfg      *config.Config
	eventBus *events.EventBus
	conns    *network.Manager
	srv      *server.Server
}

// NewManager creates a new health check manager.
func NewManager(cfg *config.Config, eventBus *events.EventBus, conns *network.Manager, srv *server.Server) *Manager {
	return &Manager{
		cfg:      cfg,
		eventBus: eventBus,
		conns:    conns,
		srv:      srv,
	}
}

// Start launches all health check goroutines and blocks until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	timers := m.cfg.ApplicationData.Timers

	checks := []struct {
		name     string
		interval int
		fn       func(context.Context)
	}{
		{"general_health", timers.GeneralHealthInterval, m.checkGeneralHealth},
		{"disk_utilization", timers.StatsPollingInterval, m.checkDiskUtilization},
		{"resources", timers.StatsPollingInterval, m.checkResources},
	}

	for _, check := range checks {
		if check.interval <= 0 {
			continue
		}

		check := check
		go func() {
			ticker := time.NewTicker(time.Duration(check.interval) * time.Second)
			defer ticker.Stop()

			log.Debug().Str("check", check.name).Msg("running initial health check")
			check.fn(ctx)

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					check.fn(ctx)
				}
			}
		}()
	}

	if timers.HeartbeatInterval > 0 {
		go m.heartbeatLoop(ctx, time.Duration(timers.HeartbeatInterval)*time.Second)
	}

	log.Info().Int("checks", len(checks)).Msg("health check manager started")

	<-ctx.Done()
	log.Info().Msg("health check manager stopped")
}

func (m *Manager) alert(ctx context.Context, check, level, message string) {
	log.Warn().Str("check", check).Str("level", level).Msg(message)
	m.eventBus.Emit(ctx, events.Event{
		Type:   events.EventHealthAlert,
		Source: "health_check",
		Payload: events.HealthAlertPayload{
			Check:   check,
			Message: message,
			Level:   level,
		},
	})
}

// checkGeneralHealth looks for connections the tick loop is not keeping up
// with: closed ones that were never swept and writers with a deep backlog.
func (m *Manager) checkGeneralHealth(ctx context.Context) {
	for _, msg := range m.connectionProblems(time.Now()) {
		m.alert(ctx, "connections", LevelWarning, msg)
	}
	if m.srv != nil && !m.srv.Running() {
		m.alert(ctx, "tick_loop", LevelError, "tick loop is not running")
	}
}

func (m *Manager) connectionProblems(now time.Time) []string {
	warn := m.cfg.ServerData.Network.OutboundQueueWarn

	var problems []string
	for _, c := range m.conns.Connections() {
		info := c.Info()
		if !info.Connected && now.Sub(info.LastRead) > stuckAfter {
			problems = append(problems, fmt.Sprintf(
				"connection %d (%s) closed but still registered", info.ID, info.Remote))
		}
		if warn > 0 && info.OutboundLen > warn {
			problems = append(problems, fmt.Sprintf(
				"connection %d (%s) has %d packets waiting to be written", info.ID, info.Remote, info.OutboundLen))
		}
	}
	return problems
}

// checkDiskUtilization watches the volumes holding logs and the connection
// log database.
func (m *Manager) checkDiskUtilization(ctx context.Context) {
	paths := []string{m.cfg.ApplicationData.Logging.Directory}
	if db := m.cfg.ApplicationData.Database; db.Enabled && db.Path != "" {
		paths = append(paths, filepath.Dir(db.Path))
	}

	for _, path := range paths {
		if path == "" {
			path = "."
		}
		usage, err := util.GetDiskUsage(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("disk utilization check failed")
			continue
		}

		log.Debug().
			Str("path", path).
			Float64("used_percent", usage.UsedPercent).
			Uint64("free_gb", usage.Free).
			Msg("disk utilization")

		level := diskLevel(usage.UsedPercent)
		if level == "" {
			continue
		}
		m.alert(ctx, "disk", level, fmt.Sprintf("Disk usage of %s at %.1f%% (%d GB free of %d GB total)",
			path, usage.UsedPercent, usage.Free, usage.Total))
	}
}

// diskLevel maps a usage percentage to an alert level, or "" below 80%.
func diskLevel(usedPercent float64) string {
	switch {
	case usedPercent >= 100:
		return LevelCritical
	case usedPercent >= 95:
		return LevelError
	case usedPercent >= 90:
		return LevelWarning
	case usedPercent >= 80:
		return LevelInfo
	}
	return ""
}

// checkResources logs process usage and alerts on host memory pressure.
func (m *Manager) checkResources(ctx context.Context) {
	if proc, err := util.GetProcessUsage(); err == nil {
		log.Debug().
			Uint64("rss_mb", proc.RSSMB).
			Float64("cpu_percent", proc.CPUPercent).
			Int32("threads", proc.Threads).
			Int("goroutines", proc.Goroutines).
			Msg("process usage")
	} else {
		log.Warn().Err(err).Msg("process usage check failed")
	}

	memory, err := util.GetMemoryUsage()
	if err != nil {
		log.Warn().Err(err).Msg("memory usage check failed")
		return
	}
	if memory.UsedPercent >= 90 {
		m.alert(ctx, "memory", LevelWarning, fmt.Sprintf("Host memory at %.1f%% (%d MB available)",
			memory.UsedPercent, memory.Available))
	}
}

func (m *Manager) heartbeat() map[string]interface{} {
	pending, established := m.conns.Counts()
	beat := map[string]interface{}{
		"type":        "heartbeat",
		"pending":     pending,
		"established": established,
		"listeners":   m.conns.Chain().Len(),
		"timestamp":   time.Now().Unix(),
	}
	if m.srv != nil {
		stats := m.srv.LagMonitor().Stats()
		beat["ticks"] = m.srv.Ticks()
		beat["uptime_sec"] = int64(m.srv.Uptime().Seconds())
		beat["tick_avg_ms"] = stats.AvgMs
		beat["effective_tps"] = stats.EffectiveTPS
	}
	return beat
}

// heartbeatLoop publishes a periodic liveness summary.
func (m *Manager) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.eventBus.Emit(ctx, events.Event{
				Type:    events.EventHeartbeat,
				Source:  "heartbeat",
				Payload: m.heartbeat(),
			})
		}
	}
}
