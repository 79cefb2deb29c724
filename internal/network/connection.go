// Package network implements the game listener, per-connection I/O and the
// manager that hands decoded packets to the tick goroutine.
package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/blockgate-project/blockgate/internal/events"
	"github.com/blockgate-project/blockgate/internal/protocol"
	"github.com/blockgate-project/blockgate/internal/queue"
)

// Disconnect reasons
const (
	ReasonEndOfStream   = "disconnect.endOfStream"
	ReasonGeneric       = "disconnect.genericReason"
	ReasonTimeout       = "disconnect.timeout"
	ReasonClosed        = "disconnect.closed"
	ReasonQuitting      = "disconnect.quitting"
	ReasonInternalError = "Internal server error"
)

const readBufferSize = 4096

// Connection is one client socket. It owns a reader goroutine feeding the
// decoder and a writer goroutine draining the outbound queue.
type Connection struct {
	id       uint64
	conn     net.Conn
	remote   net.Addr
	mgr      *Manager
	logger   zerolog.Logger
	openedAt time.Time

	connected atomic.Bool
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu        sync.Mutex
	handler   Handler
	phase     events.Phase
	secret    []byte
	reason    string
	args      []any
	hasReason bool
	delivered bool

	pipeline Pipeline
	// keySent is set before the last byte of the server key response is
	// written. Chunks read while it is unset are plaintext; later chunks
	// wait for cipherOn and are decrypted.
	keySent      atomic.Bool
	cipherOn     chan struct{}
	cipherOnOnce sync.Once
	inbound      *queue.Queue
	outbound *queue.Queue
	decoder  *protocol.Decoder
	encoder  *protocol.Encoder
	wbuf     bytes.Buffer

	lastRead   atomic.Int64
	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64
	packetsIn  atomic.Uint64
	packetsOut atomic.Uint64
}

func newConnection(mgr *Manager, id uint64, raw net.Conn) *Connection {
	c := &Connection{
		id:       id,
		conn:     raw,
		remote:   raw.RemoteAddr(),
		mgr:      mgr,
		openedAt: time.Now(),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		cipherOn: make(chan struct{}),
		phase:    events.PhasePending,
		inbound:  queue.New(),
		outbound: queue.New(),
		decoder:  protocol.NewDecoder(mgr.registry),
		encoder:  protocol.NewEncoder(),
	}
	c.logger = mgr.logger.With().
		Uint64("conn_id", id).
		Str("remote", c.remote.String()).
		Logger()
	c.lastRead.Store(c.openedAt.UnixNano())
	c.connected.Store(true)
	return c
}

func (c *Connection) start(ctx context.Context) {
	c.wg.Add(2)
	go c.readLoop(ctx)
	go c.writeLoop()
	go func() {
		c.wg.Wait()
		close(c.done)
	}()
}

// ID returns the connection id, unique within the process.
func (c *Connection) ID() uint64 {
	return c.id
}

// RemoteAddr returns the peer address. It stays valid after close.
func (c *Connection) RemoteAddr() net.Addr {
	return c.remote
}

// Logger returns the connection-scoped logger.
func (c *Connection) Logger() *zerolog.Logger {
	return &c.logger
}

// Manager returns the manager that owns the connection.
func (c *Connection) Manager() *Manager {
	return c.mgr
}

// OpenedAt returns when the connection was accepted.
func (c *Connection) OpenedAt() time.Time {
	return c.openedAt
}

// Connected reports whether the connection is still open.
func (c *Connection) Connected() bool {
	return c.connected.Load()
}

// Done is closed once both I/O goroutines have exited and the socket is
// closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Handler returns the current packet handler.
func (c *Connection) Handler() Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

func (c *Connection) setHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Phase returns the membership phase.
func (c *Connection) Phase() events.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Secret returns the shared secret negotiated by the key exchange, or nil.
func (c *Connection) Secret() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.secret
}

// CipherState returns the pipeline state.
func (c *Connection) CipherState() CipherState {
	return c.pipeline.State()
}

// Username returns the player name if the handler knows it.
func (c *Connection) Username() string {
	if n, ok := c.Handler().(Named); ok {
		return n.Username()
	}
	return ""
}

// DisconnectReason returns the stored reason once the connection is closed.
func (c *Connection) DisconnectReason() (string, []any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason, c.args, c.hasReason
}

// InboundLen returns the number of synchronous packets awaiting the tick.
func (c *Connection) InboundLen() int {
	return c.inbound.Len()
}

// OutboundLen returns the number of packets awaiting the writer.
func (c *Connection) OutboundLen() int {
	return c.outbound.Len()
}

// Queue sends p. It is a no-op once the connection is closed or when a
// packet listener cancels p.
func (c *Connection) Queue(p protocol.Packet) {
	if !c.connected.Load() {
		return
	}
	p = c.mgr.chain.CallQueued(c, p)
	if p == nil {
		return
	}
	c.outbound.Push(p)

	if warn := c.mgr.outboundWarn; warn > 0 && c.outbound.Len() == warn {
		c.logger.Warn().Int("queued", warn).Msg("outbound queue backing up")
	}
}

// Disconnect closes the connection. The first call stores reason and args
// for delivery to the handler on the next tick; later calls do nothing.
// Packets already queued are flushed before the socket closes.
func (c *Connection) Disconnect(reason string, args ...any) {
	if !c.connected.CompareAndSwap(true, false) {
		return
	}

	c.mu.Lock()
	c.reason = reason
	c.args = args
	c.hasReason = true
	c.mu.Unlock()

	c.logger.Debug().
		Str("reason", reason).
		Interface("args", args).
		Msg("connection closing")

	close(c.closing)
}

// ProcessPackets handles up to bound queued synchronous packets. It must
// only be called from the tick goroutine. Once the connection is closed the
// remaining queue is discarded and the disconnect reason is delivered to the
// handler, exactly once.
func (c *Connection) ProcessPackets(bound int) int {
	processed := 0
	for processed < bound {
		h := c.Handler()
		if !c.connected.Load() || h == nil || h.Closed() {
			if dropped := c.inbound.Clear(); dropped > 0 {
				c.logger.Debug().Int("dropped", dropped).Msg("discarded queued packets of closed connection")
			}
			break
		}

		p, ok := c.inbound.Pop()
		if !ok {
			break
		}
		processed++
		c.handleSync(h, p)
	}

	c.deliverReason()
	return processed
}

func (c *Connection) handleSync(h Handler, p protocol.Packet) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Interface("panic", r).
				Str("packet", c.mgr.registry.Name(p.ID())).
				Msg("packet handler panicked")
			c.Disconnect(ReasonGeneric, fmt.Sprintf("Internal exception: %v", r))
		}
	}()

	p = c.mgr.chain.CallReceived(c, p)
	if p == nil {
		return
	}
	if err := h.Handle(c, p); err != nil {
		c.logger.Error().
			Err(err).
			Str("packet", c.mgr.registry.Name(p.ID())).
			Msg("packet handler failed")
		c.Disconnect(ReasonGeneric, "Internal exception: "+err.Error())
	}
}

func (c *Connection) handleAsync(p protocol.Packet) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Interface("panic", r).
				Str("packet", c.mgr.registry.Name(p.ID())).
				Msg("async packet handler panicked")
			c.Disconnect(ReasonGeneric, fmt.Sprintf("Internal exception: %v", r))
		}
	}()

	p = c.mgr.chain.CallReceived(c, p)
	if p == nil {
		return
	}
	h := c.Handler()
	if h == nil {
		return
	}
	if err := h.Handle(c, p); err != nil {
		c.logger.Error().Err(err).Msg("async packet handler failed")
		c.Disconnect(ReasonGeneric, "Internal exception: "+err.Error())
	}
}

func (c *Connection) deliverReason() {
	if c.connected.Load() {
		return
	}

	c.mu.Lock()
	if !c.hasReason || c.delivered {
		c.mu.Unlock()
		return
	}
	c.delivered = true
	h, reason, args := c.handler, c.reason, c.args
	c.mu.Unlock()

	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("disconnect handler panicked")
		}
	}()
	h.Disconnected(c, reason, args)
}

// reasonDelivered reports whether the connection is closed and its handler
// has been told.
func (c *Connection) reasonDelivered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delivered
}

func (c *Connection) readLoop(ctx context.Context) {
	defer c.wg.Done()
	defer c.decoder.Release()

	buf := make([]byte, readBufferSize)
	for {
		if idle := c.mgr.idleTimeout; idle > 0 {
			c.conn.SetReadDeadline(time.Now().Add(idle))
		}

		n, err := c.conn.Read(buf)
		encrypted := c.keySent.Load()
		if n > 0 {
			c.bytesIn.Add(uint64(n))
			c.lastRead.Store(time.Now().UnixNano())

			chunk := buf[:n]
			if encrypted && !c.decrypt(chunk) {
				return
			}
			if derr := c.decode(ctx, chunk); derr != nil {
				if ctx.Err() != nil {
					c.Disconnect(ReasonClosed)
					return
				}
				c.protocolError(derr)
				return
			}
		}
		if err != nil {
			c.readFailed(err)
			return
		}
	}
}

// decrypt waits for the writer to insert the cipher stage, then decrypts
// chunk. It returns false if the connection closed first.
func (c *Connection) decrypt(chunk []byte) bool {
	select {
	case <-c.cipherOn:
	case <-c.closing:
		return false
	}
	if c.pipeline.State() != StateEncrypted {
		c.Disconnect(ReasonGeneric, "Internal exception: cipher stage unavailable")
		return false
	}
	c.pipeline.Decrypt(chunk)
	return true
}

func (c *Connection) decode(ctx context.Context, chunk []byte) error {
	if err := c.mgr.decodeSlots.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.mgr.decodeSlots.Release(1)

	pkts, err := c.decoder.Decode(chunk)
	for _, p := range pkts {
		c.receive(p)
	}
	return err
}

func (c *Connection) receive(p protocol.Packet) {
	c.packetsIn.Add(1)

	if kr, ok := p.(*protocol.KeyResponse); ok {
		c.deriveSecret(kr)
	}

	if p.Async() {
		if !c.mgr.pool.Submit(func() { c.handleAsync(p) }) {
			c.logger.Debug().Msg("worker pool stopped, dropping async packet")
		}
		return
	}
	c.inbound.Push(p)
}

func (c *Connection) deriveSecret(kr *protocol.KeyResponse) {
	if c.mgr.keys == nil {
		return
	}
	secret, err := c.mgr.keys.DecryptSecret(kr.SharedSecret)
	if err != nil {
		c.logger.Debug().Err(err).Msg("could not derive shared secret")
		return
	}
	c.mu.Lock()
	c.secret = secret
	c.mu.Unlock()
}

func (c *Connection) protocolError(err error) {
	c.logger.Warn().Err(err).Msg("protocol error")
	c.mgr.emit(events.EventProtocolError, events.ProtocolErrorPayload{
		ConnID: c.id,
		Remote: c.remote.String(),
		Error:  err.Error(),
	})
	c.Disconnect(ReasonGeneric, "Internal exception: "+err.Error())
}

func (c *Connection) readFailed(err error) {
	if !c.connected.Load() {
		return
	}

	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		c.Disconnect(ReasonEndOfStream)
	case errors.As(err, &netErr) && netErr.Timeout():
		c.logger.Debug().Dur("idle", c.mgr.idleTimeout).Msg("read timed out")
		c.Disconnect(ReasonTimeout)
	default:
		c.Disconnect(ReasonGeneric, "Internal exception: "+err.Error())
	}
}

func (c *Connection) writeLoop() {
	defer c.wg.Done()
	defer c.encoder.Release()
	defer c.closeSocket()

	for {
		select {
		case <-c.outbound.Ready():
			if err := c.flush(); err != nil {
				c.writeFailed(err)
				return
			}
		case <-c.closing:
			if err := c.flush(); err != nil {
				c.logger.Debug().Err(err).Msg("failed to flush on close")
			}
			return
		}
	}
}

func (c *Connection) flush() error {
	for {
		p, ok := c.outbound.Pop()
		if !ok {
			return nil
		}
		if err := c.write(p); err != nil {
			return err
		}
	}
}

func (c *Connection) write(p protocol.Packet) error {
	c.wbuf.Reset()
	if err := c.encoder.Encode(&c.wbuf, p); err != nil {
		return err
	}

	frame := c.wbuf.Bytes()
	c.pipeline.Encrypt(frame)

	if wt := c.mgr.writeTimeout; wt > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(wt))
	}

	if err := c.writeFrame(p, frame); err != nil {
		return err
	}
	c.packetsOut.Add(1)
	return nil
}

// writeFrame puts frame on the wire. For the server key response it also
// inserts the cipher stage once the frame is fully written.
func (c *Connection) writeFrame(p protocol.Packet, frame []byte) error {
	_, keyResponse := p.(*protocol.KeyResponse)
	if !keyResponse || c.keySent.Load() {
		return c.writeBytes(p, frame)
	}
	defer c.cipherOnOnce.Do(func() { close(c.cipherOn) })

	// The peer switches ciphers only once it holds the whole key response,
	// so anything read before its final byte goes out is plaintext.
	last := len(frame) - 1
	if err := c.writeBytes(p, frame[:last]); err != nil {
		return err
	}
	c.keySent.Store(true)
	if err := c.writeBytes(p, frame[last:]); err != nil {
		return err
	}
	return c.enableEncryption()
}

func (c *Connection) writeBytes(p protocol.Packet, b []byte) error {
	n, err := c.conn.Write(b)
	c.bytesOut.Add(uint64(n))
	if err != nil {
		return fmt.Errorf("write %s: %w", c.mgr.registry.Name(p.ID()), err)
	}
	return nil
}

func (c *Connection) enableEncryption() error {
	if err := c.pipeline.Enable(c.Secret()); err != nil {
		c.logger.Error().Err(err).Msg("failed to insert cipher stage")
		return err
	}
	c.logger.Debug().Msg("cipher stage enabled")
	c.mgr.emit(events.EventEncryptionEnabled, events.ConnectionPayload{
		ConnID: c.id,
		Remote: c.remote.String(),
		Phase:  c.Phase(),
		At:     time.Now(),
	})
	return nil
}

func (c *Connection) writeFailed(err error) {
	if !c.connected.Load() {
		return
	}
	c.logger.Debug().Err(err).Msg("write failed")
	c.Disconnect(ReasonGeneric, "Internal exception: "+err.Error())
}

func (c *Connection) closeSocket() {
	c.closeOnce.Do(func() {
		if err := c.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("error closing socket")
		}
	})
}

// Info is a point-in-time view of a connection.
type Info struct {
	ID          uint64       `json:"id"`
	Remote      string       `json:"remote"`
	Username    string       `json:"username,omitempty"`
	Phase       events.Phase `json:"phase"`
	Connected   bool         `json:"connected"`
	Encrypted   bool         `json:"encrypted"`
	OpenedAt    time.Time    `json:"opened_at"`
	LastRead    time.Time    `json:"last_read"`
	BytesIn     uint64       `json:"bytes_in"`
	BytesOut    uint64       `json:"bytes_out"`
	PacketsIn   uint64       `json:"packets_in"`
	PacketsOut  uint64       `json:"packets_out"`
	InboundLen  int          `json:"inbound_queued"`
	OutboundLen int          `json:"outbound_queued"`
}

// Info returns a snapshot of the connection's state and counters.
func (c *Connection) Info() Info {
	return Info{
		ID:          c.id,
		Remote:      c.remote.String(),
		Username:    c.Username(),
		Phase:       c.Phase(),
		Connected:   c.connected.Load(),
		Encrypted:   c.pipeline.State() == StateEncrypted,
		OpenedAt:    c.openedAt,
		LastRead:    time.Unix(0, c.lastRead.Load()),
		BytesIn:     c.bytesIn.Load(),
		BytesOut:    c.bytesOut.Load(),
		PacketsIn:   c.packetsIn.Load(),
		PacketsOut:  c.packetsOut.Load(),
		InboundLen:  c.inbound.Len(),
		OutboundLen: c.outbound.Len(),
	}
}
