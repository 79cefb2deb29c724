package network

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/blockgate-project/blockgate/internal/config"
	"github.com/blockgate-project/blockgate/internal/crypt"
	"github.com/blockgate-project/blockgate/internal/events"
	"github.com/blockgate-project/blockgate/internal/intercept"
	"github.com/blockgate-project/blockgate/internal/protocol"
	"github.com/blockgate-project/blockgate/internal/worker"
)

// Options configures a Manager.
type Options struct {
	Network    config.NetworkConfig
	DrainBound int

	Registry *protocol.Registry
	Chain    *intercept.Chain
	Pool     *worker.Pool
	Keys     *crypt.KeyPair
	EventBus *events.EventBus

	// Factory builds the pending-phase handler of each new connection.
	Factory HandlerFactory
}

// Manager owns every live connection. I/O goroutines feed it decoded
// packets; the tick goroutine drains them through Pump.
type Manager struct {
	registry     *protocol.Registry
	chain        *intercept.Chain
	pool         *worker.Pool
	keys         *crypt.KeyPair
	eventBus     *events.EventBus
	factory      HandlerFactory
	decodeSlots  *semaphore.Weighted
	idleTimeout  time.Duration
	writeTimeout time.Duration
	outboundWarn int
	drainBound   int
	logger       zerolog.Logger

	nextID atomic.Uint64

	mu      sync.Mutex
	pending []*Connection
	conns   map[uint64]*Connection
}

// PumpStats summarises one Pump pass.
type PumpStats struct {
	Pending     int `json:"pending"`
	Established int `json:"established"`
	Processed   int `json:"processed"`
	Promoted    int `json:"promoted"`
	Removed     int `json:"removed"`
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	if opts.Registry == nil {
		opts.Registry = protocol.DefaultRegistry
	}
	if opts.Chain == nil {
		opts.Chain = intercept.NewChain()
		opts.Chain.SetEventBus(opts.EventBus)
	}
	if opts.Pool == nil {
		opts.Pool = worker.NewPool("async-packets")
	}
	threads := opts.Network.IOThreads
	if threads < 1 {
		threads = 1
	}
	if opts.DrainBound < 1 {
		opts.DrainBound = 1000
	}

	return &Manager{
		registry:     opts.Registry,
		chain:        opts.Chain,
		pool:         opts.Pool,
		keys:         opts.Keys,
		eventBus:     opts.EventBus,
		factory:      opts.Factory,
		decodeSlots:  semaphore.NewWeighted(int64(threads)),
		idleTimeout:  opts.Network.IdleTimeout(),
		writeTimeout: opts.Network.WriteTimeout(),
		outboundWarn: opts.Network.OutboundQueueWarn,
		drainBound:   opts.DrainBound,
		logger:       log.With().Str("component", "conn_manager").Logger(),
		conns:        make(map[uint64]*Connection),
	}
}

// Chain returns the packet listener chain.
func (m *Manager) Chain() *intercept.Chain {
	return m.chain
}

// Pool returns the async worker pool.
func (m *Manager) Pool() *worker.Pool {
	return m.pool
}

// Keys returns the server key pair.
func (m *Manager) Keys() *crypt.KeyPair {
	return m.keys
}

// Registry returns the packet registry.
func (m *Manager) Registry() *protocol.Registry {
	return m.registry
}

// DrainBound returns the per-tick packet limit per connection.
func (m *Manager) DrainBound() int {
	return m.drainBound
}

// Accept takes ownership of raw, binds the pending handler and starts the
// connection's I/O goroutines.
func (m *Manager) Accept(ctx context.Context, raw net.Conn) *Connection {
	c := newConnection(m, m.nextID.Add(1), raw)
	if m.factory != nil {
		c.setHandler(m.factory(c))
	}

	m.mu.Lock()
	m.pending = append(m.pending, c)
	m.conns[c.id] = c
	m.mu.Unlock()

	c.start(ctx)

	c.logger.Debug().Msg("connection accepted")
	m.emit(events.EventConnectionOpened, events.ConnectionPayload{
		ConnID: c.id,
		Remote: c.remote.String(),
		Phase:  events.PhasePending,
		At:     c.openedAt,
	})
	return c
}

// Promote moves c from the pending phase to established and binds h as
// its session handler. Call from the tick goroutine.
func (m *Manager) Promote(c *Connection, h Handler) error {
	c.mu.Lock()
	if c.phase != events.PhasePending {
		c.mu.Unlock()
		return fmt.Errorf("connection %d is %s, not pending", c.id, c.phase)
	}
	c.phase = events.PhaseEstablished
	c.handler = h
	c.mu.Unlock()

	c.logger.Info().Str("username", c.Username()).Msg("connection established")
	m.emit(events.EventConnectionPromoted, events.ConnectionPayload{
		ConnID:   c.id,
		Remote:   c.remote.String(),
		Username: c.Username(),
		Phase:    events.PhaseEstablished,
		At:       time.Now(),
	})
	return nil
}

// Pump runs one tick of network work: every pending connection gets its
// queue drained and one handshake step, every established connection gets
// its queue drained, and closed connections are dropped.
func (m *Manager) Pump() PumpStats {
	var stats PumpStats

	m.mu.Lock()
	pending := make([]*Connection, len(m.pending))
	copy(pending, m.pending)
	m.mu.Unlock()

	finished := make(map[uint64]bool)
	for _, c := range pending {
		stats.Processed += c.ProcessPackets(m.drainBound)
		m.tickPending(c)

		if c.Phase() != events.PhasePending {
			finished[c.id] = true
			stats.Promoted++
			continue
		}
		if ph, ok := c.Handler().(PendingHandler); (ok && ph.Done()) || (!c.Connected() && c.reasonDelivered()) {
			finished[c.id] = true
		}
	}

	m.mu.Lock()
	if len(finished) > 0 {
		kept := m.pending[:0]
		for _, c := range m.pending {
			if !finished[c.id] {
				kept = append(kept, c)
			}
		}
		for i := len(kept); i < len(m.pending); i++ {
			m.pending[i] = nil
		}
		m.pending = kept
	}
	established := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		// Connections promoted this pump were drained as pending already.
		if c.Phase() == events.PhaseEstablished && !finished[c.id] {
			established = append(established, c)
		}
	}
	m.mu.Unlock()

	for _, c := range established {
		stats.Processed += c.ProcessPackets(m.drainBound)
	}

	stats.Removed = m.sweep()

	m.mu.Lock()
	stats.Pending = len(m.pending)
	stats.Established = len(m.conns) - len(m.pending)
	m.mu.Unlock()
	return stats
}

func (m *Manager) tickPending(c *Connection) {
	ph, ok := c.Handler().(PendingHandler)
	if !ok || !c.Connected() {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn().Interface("panic", r).Msg("failed to handle pending connection")
			c.Disconnect(ReasonInternalError)
		}
	}()
	if err := ph.Tick(c); err != nil {
		c.logger.Warn().Err(err).Msg("failed to handle pending connection")
		c.Disconnect(ReasonInternalError)
	}
}

// sweep delivers outstanding disconnect reasons to connections that have
// left the pending list and removes those whose handler has been told.
func (m *Manager) sweep() int {
	var candidates []*Connection
	m.mu.Lock()
	for _, c := range m.conns {
		if !c.Connected() && !m.isPending(c) {
			candidates = append(candidates, c)
		}
	}
	m.mu.Unlock()

	var closed []*Connection
	for _, c := range candidates {
		c.deliverReason()
		if c.reasonDelivered() {
			closed = append(closed, c)
		}
	}

	m.mu.Lock()
	for _, c := range closed {
		delete(m.conns, c.id)
	}
	m.mu.Unlock()

	for _, c := range closed {
		c.inbound.Clear()
		c.mu.Lock()
		lastPhase := c.phase
		c.phase = events.PhaseClosed
		reason := c.reason
		c.mu.Unlock()

		c.logger.Info().
			Str("reason", reason).
			Str("phase", lastPhase.String()).
			Msg("connection closed")
		m.emit(events.EventConnectionClosed, events.ConnectionPayload{
			ConnID:   c.id,
			Remote:   c.remote.String(),
			Username: c.Username(),
			Phase:    lastPhase,
			Reason:   reason,
			At:       time.Now(),
		})
	}
	return len(closed)
}

// isPending reports whether c is still in the pending list. Caller holds mu.
func (m *Manager) isPending(c *Connection) bool {
	for _, p := range m.pending {
		if p == c {
			return true
		}
	}
	return false
}

// Get returns the live connection with id.
func (m *Manager) Get(id uint64) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	return c, ok
}

// Connections returns every live connection ordered by id.
func (m *Manager) Connections() []*Connection {
	m.mu.Lock()
	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Counts returns the number of pending and established connections.
func (m *Manager) Counts() (pending, established int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending), len(m.conns) - len(m.pending)
}

// Broadcast queues p on every established connection.
func (m *Manager) Broadcast(p protocol.Packet) int {
	sent := 0
	for _, c := range m.Connections() {
		if c.Phase() == events.PhaseEstablished && c.Connected() {
			c.Queue(p)
			sent++
		}
	}
	return sent
}

// CloseAll disconnects every connection and waits up to timeout for their
// goroutines to exit.
func (m *Manager) CloseAll(reason string, timeout time.Duration) {
	conns := m.Connections()
	for _, c := range conns {
		c.Queue(protocol.Kick(reason))
		c.Disconnect(ReasonClosed, reason)
	}

	deadline := time.After(timeout)
	for _, c := range conns {
		select {
		case <-c.Done():
		case <-deadline:
			m.logger.Warn().Msg("timed out waiting for connections to close")
			return
		}
	}
	m.logger.Info().Int("count", len(conns)).Msg("all connections closed")
}

func (m *Manager) emit(t events.EventType, payload interface{}) {
	if m.eventBus == nil {
		return
	}
	m.eventBus.Emit(context.Background(), events.Event{
		Type:    t,
		Source:  "network",
		Payload: payload,
	})
}
