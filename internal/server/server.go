// Package server runs the tick loop: the single goroutine that drains every
// connection's inbound queue, advances pending logins and runs the game's
// per-tick work.
package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/blockgate-project/blockgate/internal/config"
	"github.com/blockgate-project/blockgate/internal/events"
	"github.com/blockgate-project/blockgate/internal/network"
	"github.com/blockgate-project/blockgate/internal/util"
)

// ShutdownMessage is sent to every player when the server stops.
const ShutdownMessage = "Server closed"

// TickFunc is per-tick work run after the network pump.
type TickFunc func(tick uint64) error

type tickEntry struct {
	name string
	fn   TickFunc
}

// Server owns the tick goroutine.
type Server struct {
	cfg      config.TickConfig
	manager  *network.Manager
	eventBus *events.EventBus
	lag      *LagMonitor
	logger   zerolog.Logger

	mu    sync.Mutex
	funcs []tickEntry

	tick    atomic.Uint64
	running atomic.Bool
	started time.Time
}

// New creates a Server pumping manager at the configured tick rate.
func New(cfg config.TickConfig, manager *network.Manager, eventBus *events.EventBus) *Server {
	return &Server{
		cfg:      cfg,
		manager:  manager,
		eventBus: eventBus,
		lag:      NewLagMonitor(cfg, eventBus),
		logger:   util.ComponentLogger("tick"),
	}
}

// LagMonitor returns the tick timing monitor.
func (s *Server) LagMonitor() *LagMonitor {
	return s.lag
}

// Manager returns the connection manager driven by this server.
func (s *Server) Manager() *network.Manager {
	return s.manager
}

// OnTick registers fn to run every tick, after the network pump, in
// registration order.
func (s *Server) OnTick(name string, fn TickFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funcs = append(s.funcs, tickEntry{name: name, fn: fn})
}

// Running reports whether the tick loop is active.
func (s *Server) Running() bool {
	return s.running.Load()
}

// Ticks returns the number of completed ticks.
func (s *Server) Ticks() uint64 {
	return s.tick.Load()
}

// Uptime returns how long the tick loop has been running.
func (s *Server) Uptime() time.Duration {
	if !s.running.Load() {
		return 0
	}
	return time.Since(s.started)
}

// Run ticks until ctx is cancelled, then disconnects every client and runs
// a final pump so their handlers learn why.
func (s *Server) Run(ctx context.Context) error {
	interval := s.cfg.Interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.started = time.Now()
	s.running.Store(true)
	defer s.running.Store(false)

	s.logger.Info().
		Dur("interval", interval).
		Int("drain_bound", s.manager.DrainBound()).
		Msg("tick loop started")

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick runs one tick. Run calls it from the ticker; tests call it directly.
func (s *Server) Tick() network.PumpStats {
	start := time.Now()
	n := s.tick.Add(1)

	stats := s.manager.Pump()

	s.mu.Lock()
	funcs := make([]tickEntry, len(s.funcs))
	copy(funcs, s.funcs)
	s.mu.Unlock()
	for _, f := range funcs {
		s.runTickFunc(n, f)
	}

	s.lag.Record(n, time.Since(start), stats)
	return stats
}

func (s *Server) runTickFunc(n uint64, f tickEntry) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("func", f.name).
				Interface("panic", r).
				Msg("tick function panicked")
		}
	}()
	if err := f.fn(n); err != nil {
		s.logger.Error().Err(err).Str("func", f.name).Msg("tick function failed")
	}
}

func (s *Server) shutdown() {
	s.logger.Info().Uint64("ticks", s.tick.Load()).Msg("tick loop stopping")
	s.eventBus.Emit(context.Background(), events.Event{
		Type:   events.EventShutdown,
		Source: "tick",
	})

	s.manager.CloseAll(ShutdownMessage, 5*time.Second)
	// Deliver the disconnect reasons and drop the closed connections.
	stats := s.manager.Pump()
	s.logger.Info().Int("removed", stats.Removed).Msg("tick loop stopped")
}
