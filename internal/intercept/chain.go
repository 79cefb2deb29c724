// Package intercept implements the process-wide packet listener chain that
// extensions use to observe, rewrite or cancel packets around delivery and
// send.
package intercept

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/blockgate-project/blockgate/internal/events"
	"github.com/blockgate-project/blockgate/internal/protocol"
)

var (
	ErrNilListener       = errors.New("listener cannot be nil")
	ErrNilOwner          = errors.New("owner cannot be empty")
	ErrAlreadyRegistered = errors.New("listener already registered")
	ErrNotComparable     = errors.New("listener type is not comparable")
)

// Conn is the view of a connection handed to listeners.
type Conn interface {
	ID() uint64
	RemoteAddr() net.Addr
	Queue(p protocol.Packet)
	Disconnect(reason string, args ...any)
}

// Listener intercepts packets. Returning a nil packet cancels it; returning
// a different packet replaces it. A returned error is logged and the input
// packet is passed on unchanged.
type Listener interface {
	// OnReceived runs before a received packet reaches its handler.
	OnReceived(conn Conn, p protocol.Packet) (protocol.Packet, error)
	// OnQueued runs before a packet is sent.
	OnQueued(conn Conn, p protocol.Packet) (protocol.Packet, error)
}

// Registration describes one registered listener.
type Registration struct {
	Listener string `json:"listener"`
	Owner    string `json:"owner"`
}

type entry struct {
	listener Listener
	owner    string
}

// Chain is the ordered listener registry. Mutation takes a lock and
// publishes a new immutable snapshot; dispatch reads the snapshot only.
type Chain struct {
	mu       sync.Mutex
	registry map[Listener]string
	order    []entry
	baked    atomic.Pointer[[]entry]
	eventBus *events.EventBus
	logger   zerolog.Logger
}

// NewChain creates an empty chain.
func NewChain() *Chain {
	c := &Chain{
		registry: make(map[Listener]string),
		logger:   log.With().Str("component", "intercept").Logger(),
	}
	empty := []entry{}
	c.baked.Store(&empty)
	return c
}

// SetEventBus makes Register publish EventListenerRegistered on eb.
func (c *Chain) SetEventBus(eb *events.EventBus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventBus = eb
}

// Register adds listener on behalf of owner.
func (c *Chain) Register(listener Listener, owner string) error {
	if listener == nil {
		return ErrNilListener
	}
	if owner == "" {
		return ErrNilOwner
	}
	if !reflect.TypeOf(listener).Comparable() {
		return fmt.Errorf("%w: %T", ErrNotComparable, listener)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.registry[listener]; ok {
		return fmt.Errorf("%w: %T owned by %s", ErrAlreadyRegistered, listener, existing)
	}
	c.registry[listener] = owner
	c.order = append(c.order, entry{listener: listener, owner: owner})
	c.bake()

	name := fmt.Sprintf("%T", listener)
	c.logger.Info().
		Str("listener", name).
		Str("owner", owner).
		Msg("packet listener registered")
	c.eventBus.Emit(context.Background(), events.Event{
		Type:    events.EventListenerRegistered,
		Source:  "intercept",
		Payload: events.ListenerPayload{Listener: name, Owner: owner},
	})
	return nil
}

// Unregister removes listener. It reports whether it was registered.
func (c *Chain) Unregister(listener Listener) bool {
	if listener == nil || !reflect.TypeOf(listener).Comparable() {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.registry[listener]; !ok {
		return false
	}
	delete(c.registry, listener)
	c.removeWhere(func(e entry) bool { return e.listener == listener })
	return true
}

// UnregisterOwner removes every listener registered by owner and returns
// how many were removed.
func (c *Chain) UnregisterOwner(owner string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for l, o := range c.registry {
		if o == owner {
			delete(c.registry, l)
			removed++
		}
	}
	if removed > 0 {
		c.removeWhere(func(e entry) bool { return e.owner == owner })
	}
	return removed
}

// removeWhere drops matching entries and republishes. Caller holds mu.
func (c *Chain) removeWhere(match func(entry) bool) {
	kept := c.order[:0:0]
	for _, e := range c.order {
		if !match(e) {
			kept = append(kept, e)
		}
	}
	c.order = kept
	c.bake()
}

// bake publishes a fresh copy of the registration order. Caller holds mu.
func (c *Chain) bake() {
	snapshot := make([]entry, len(c.order))
	copy(snapshot, c.order)
	if len(snapshot) != len(c.registry) {
		panic(fmt.Sprintf("intercept: baked size %d does not match registry size %d", len(snapshot), len(c.registry)))
	}
	c.baked.Store(&snapshot)
}

// Len returns the number of registered listeners.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.registry)
}

// BakedLen returns the length of the current dispatch snapshot.
func (c *Chain) BakedLen() int {
	return len(*c.baked.Load())
}

// Registrations lists listeners in dispatch order.
func (c *Chain) Registrations() []Registration {
	snapshot := *c.baked.Load()
	out := make([]Registration, len(snapshot))
	for i, e := range snapshot {
		out[i] = Registration{Listener: fmt.Sprintf("%T", e.listener), Owner: e.owner}
	}
	return out
}

// CallReceived runs every OnReceived hook in order. It returns nil when a
// listener cancels the packet.
func (c *Chain) CallReceived(conn Conn, p protocol.Packet) protocol.Packet {
	return c.dispatch("received", conn, p, Listener.OnReceived)
}

// CallQueued runs every OnQueued hook in order. It returns nil when a
// listener cancels the packet.
func (c *Chain) CallQueued(conn Conn, p protocol.Packet) protocol.Packet {
	return c.dispatch("queued", conn, p, Listener.OnQueued)
}

type hook func(Listener, Conn, protocol.Packet) (protocol.Packet, error)

func (c *Chain) dispatch(name string, conn Conn, p protocol.Packet, fn hook) protocol.Packet {
	for _, e := range *c.baked.Load() {
		if p == nil {
			return nil
		}
		p = c.safeCall(name, e, conn, p, fn)
	}
	return p
}

func (c *Chain) safeCall(name string, e entry, conn Conn, in protocol.Packet, fn hook) (out protocol.Packet) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Str("hook", name).
				Str("listener", fmt.Sprintf("%T", e.listener)).
				Str("owner", e.owner).
				Uint64("conn_id", conn.ID()).
				Interface("panic", r).
				Msg("packet listener panicked")
			out = in
		}
	}()

	res, err := fn(e.listener, conn, in)
	if err != nil {
		c.logger.Error().
			Err(err).
			Str("hook", name).
			Str("listener", fmt.Sprintf("%T", e.listener)).
			Str("owner", e.owner).
			Uint64("conn_id", conn.ID()).
			Msg("packet listener returned error")
		return in
	}
	return res
}
