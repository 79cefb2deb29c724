package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blockgate-project/blockgate/internal/config"
	"github.com/blockgate-project/blockgate/internal/crypt"
	"github.com/blockgate-project/blockgate/internal/events"
	"github.com/blockgate-project/blockgate/internal/intercept"
	"github.com/blockgate-project/blockgate/internal/protocol"
)

type testHandler struct {
	mu       sync.Mutex
	handled  []protocol.Packet
	reasons  []string
	args     [][]any
	onHandle func(c *Connection, p protocol.Packet, n int) error
	async    chan protocol.Packet
}

func newTestHandler() *testHandler {
	return &testHandler{async: make(chan protocol.Packet, 16)}
}

func (h *testHandler) Handle(c *Connection, p protocol.Packet) error {
	if p.Async() {
		h.async <- p
		return nil
	}
	h.mu.Lock()
	h.handled = append(h.handled, p)
	n := len(h.handled)
	fn := h.onHandle
	h.mu.Unlock()

	if fn != nil {
		return fn(c, p, n)
	}
	return nil
}

func (h *testHandler) Disconnected(_ *Connection, reason string, args []any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reasons = append(h.reasons, reason)
	h.args = append(h.args, args)
}

func (h *testHandler) Closed() bool { return false }

func (h *testHandler) handledCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled)
}

func (h *testHandler) reasonList() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.reasons...)
}

type countingConn struct {
	net.Conn
	closes atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

func testNetworkConfig() config.NetworkConfig {
	n := config.DefaultConfig().ServerData.Network
	n.IdleTimeoutSec = 30
	return n
}

// newTestManager returns a manager whose every connection uses h.
func newTestManager(t *testing.T, h Handler, keys *crypt.KeyPair) *Manager {
	t.Helper()
	m := NewManager(Options{
		Network:    testNetworkConfig(),
		DrainBound: 1000,
		Keys:       keys,
		Factory:    func(*Connection) Handler { return h },
	})
	t.Cleanup(func() { m.CloseAll("test over", time.Second) })
	return m
}

// accept wires a net.Pipe into m and returns the server connection and the
// client end.
func accept(t *testing.T, m *Manager) (*Connection, *countingConn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	counted := &countingConn{Conn: server}
	c := m.Accept(context.Background(), counted)
	t.Cleanup(func() { client.Close() })
	return c, counted, client
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func writeFrames(t *testing.T, w io.Writer, pkts ...protocol.Packet) {
	t.Helper()
	var buf bytes.Buffer
	enc := protocol.NewEncoder()
	for _, p := range pkts {
		if err := enc.Encode(&buf, p); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		t.Fatalf("client write: %v", err)
	}
}

func flyingFrames(n int) []protocol.Packet {
	pkts := make([]protocol.Packet, n)
	for i := range pkts {
		pkts[i] = &protocol.Flying{OnGround: i%2 == 0}
	}
	return pkts
}

func TestDrainBound(t *testing.T) {
	h := newTestHandler()
	m := newTestManager(t, h, nil)
	c, _, client := accept(t, m)

	writeFrames(t, client, flyingFrames(1500)...)
	waitFor(t, "1500 queued packets", func() bool { return c.InboundLen() == 1500 })

	stats := m.Pump()
	if stats.Processed != 1000 {
		t.Errorf("first pass processed %d; want 1000", stats.Processed)
	}
	if c.InboundLen() != 500 {
		t.Errorf("after first pass %d queued; want 500", c.InboundLen())
	}

	stats = m.Pump()
	if stats.Processed != 500 {
		t.Errorf("second pass processed %d; want 500", stats.Processed)
	}
	if h.handledCount() != 1500 || c.InboundLen() != 0 {
		t.Errorf("handled %d, queued %d; want 1500, 0", h.handledCount(), c.InboundLen())
	}
}

func TestDisconnectMidDrainDiscardsRest(t *testing.T) {
	h := newTestHandler()
	h.onHandle = func(c *Connection, _ protocol.Packet, n int) error {
		if n == 400 {
			c.Disconnect("kicked", "by test")
		}
		return nil
	}
	m := newTestManager(t, h, nil)
	c, _, client := accept(t, m)
	go io.Copy(io.Discard, client)

	writeFrames(t, client, flyingFrames(1500)...)
	waitFor(t, "1500 queued packets", func() bool { return c.InboundLen() == 1500 })

	stats := m.Pump()
	if stats.Processed != 400 {
		t.Errorf("processed %d; want 400", stats.Processed)
	}
	if c.InboundLen() != 0 {
		t.Errorf("%d packets still queued; want 0", c.InboundLen())
	}
	if got := h.reasonList(); len(got) != 1 || got[0] != "kicked" {
		t.Errorf("delivered reasons %v; want [kicked]", got)
	}
}

func TestDoubleDisconnect(t *testing.T) {
	h := newTestHandler()
	m := newTestManager(t, h, nil)
	c, counted, client := accept(t, m)
	go io.Copy(io.Discard, client)

	c.Disconnect("first")
	c.Disconnect("second")
	<-c.Done()

	for i := 0; i < 3; i++ {
		m.Pump()
	}
	if n := counted.closes.Load(); n != 1 {
		t.Errorf("socket closed %d times; want 1", n)
	}
	if got := h.reasonList(); len(got) != 1 || got[0] != "first" {
		t.Errorf("delivered reasons %v; want [first]", got)
	}
	if c.RemoteAddr() == nil {
		t.Error("remote address lost after close")
	}
	if _, ok := m.Get(c.ID()); ok {
		t.Error("closed connection still registered")
	}
}

func TestUnknownPacketTerminates(t *testing.T) {
	h := newTestHandler()
	m := newTestManager(t, h, nil)
	c, _, client := accept(t, m)

	client.Write([]byte{0x99, 0x00, 0x01})
	<-c.Done()
	m.Pump()

	if h.handledCount() != 0 {
		t.Errorf("handled %d packets; want 0", h.handledCount())
	}
	reason, args, ok := c.DisconnectReason()
	if !ok || reason != ReasonGeneric {
		t.Fatalf("reason = %q; want %q", reason, ReasonGeneric)
	}
	if len(args) != 1 || !strings.Contains(fmt.Sprint(args[0]), "bad packet id") {
		t.Errorf("args = %v; want bad packet id message", args)
	}
	if got := h.reasonList(); len(got) != 1 {
		t.Errorf("delivered %d reasons; want 1", len(got))
	}
}

func TestEndOfStream(t *testing.T) {
	h := newTestHandler()
	m := newTestManager(t, h, nil)
	c, _, client := accept(t, m)

	client.Close()
	<-c.Done()
	m.Pump()

	if got := h.reasonList(); len(got) != 1 || got[0] != ReasonEndOfStream {
		t.Errorf("delivered reasons %v; want [%s]", got, ReasonEndOfStream)
	}
}

func TestIdleTimeout(t *testing.T) {
	h := newTestHandler()
	n := testNetworkConfig()
	n.IdleTimeoutSec = 1
	m := NewManager(Options{Network: n, Factory: func(*Connection) Handler { return h }})
	server, client := net.Pipe()
	defer client.Close()
	go io.Copy(io.Discard, client)

	c := m.Accept(context.Background(), server)
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("idle connection not closed")
	}
	if reason, _, _ := c.DisconnectReason(); reason != ReasonTimeout {
		t.Errorf("reason = %q; want %q", reason, ReasonTimeout)
	}
}

func TestAsyncPacketsBypassQueue(t *testing.T) {
	h := newTestHandler()
	m := newTestManager(t, h, nil)
	c, _, client := accept(t, m)

	writeFrames(t, client, &protocol.KeepAlive{KeepAliveID: 9}, &protocol.Chat{Message: "hi"})

	for i := 0; i < 2; i++ {
		select {
		case <-h.async:
		case <-time.After(5 * time.Second):
			t.Fatal("async packet not handled without a tick")
		}
	}
	if c.InboundLen() != 0 {
		t.Errorf("async packets were queued: %d", c.InboundLen())
	}
}

func TestHandlerErrorDisconnectsOnlyThatConnection(t *testing.T) {
	bad := newTestHandler()
	bad.onHandle = func(*Connection, protocol.Packet, int) error { panic("handler bug") }
	good := newTestHandler()

	m := NewManager(Options{
		Network: testNetworkConfig(),
		Factory: func(c *Connection) Handler {
			if c.ID() == 1 {
				return bad
			}
			return good
		},
	})
	defer m.CloseAll("test over", time.Second)

	c1, _, client1 := accept(t, m)
	c2, _, client2 := accept(t, m)
	go io.Copy(io.Discard, client1)
	go io.Copy(io.Discard, client2)

	writeFrames(t, client1, &protocol.Flying{})
	writeFrames(t, client2, &protocol.Flying{})
	waitFor(t, "queued packets", func() bool { return c1.InboundLen() == 1 && c2.InboundLen() == 1 })

	m.Pump()
	if c1.Connected() {
		t.Error("panicking handler did not disconnect its connection")
	}
	if reason, _, _ := c1.DisconnectReason(); reason != ReasonGeneric {
		t.Errorf("reason = %q; want %q", reason, ReasonGeneric)
	}
	if !c2.Connected() || good.handledCount() != 1 {
		t.Errorf("other connection affected: connected=%v handled=%d", c2.Connected(), good.handledCount())
	}
}

type cancelFlying struct{}

func (cancelFlying) OnReceived(_ intercept.Conn, p protocol.Packet) (protocol.Packet, error) {
	if _, ok := p.(*protocol.Flying); ok {
		return nil, nil
	}
	return p, nil
}

func (cancelFlying) OnQueued(_ intercept.Conn, p protocol.Packet) (protocol.Packet, error) {
	if _, ok := p.(*protocol.KeepAlive); ok {
		return nil, nil
	}
	return p, nil
}

func TestListenerChainIntercepts(t *testing.T) {
	h := newTestHandler()
	m := newTestManager(t, h, nil)
	if err := m.Chain().Register(cancelFlying{}, "test"); err != nil {
		t.Fatal(err)
	}
	c, _, client := accept(t, m)

	writeFrames(t, client, &protocol.Flying{}, &protocol.ClientCommand{})
	waitFor(t, "queued packets", func() bool { return c.InboundLen() == 2 })
	m.Pump()
	if h.handledCount() != 1 {
		t.Errorf("handled %d; want 1 (flying cancelled)", h.handledCount())
	}

	c.Queue(&protocol.KeepAlive{KeepAliveID: 1})
	c.Queue(&protocol.KickDisconnect{Reason: "bye"})
	frame := make([]byte, 9)
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(client, frame); err != nil {
		t.Fatal(err)
	}
	if frame[0] != protocol.IDKickDisconnect {
		t.Errorf("first frame id 0x%02X; want kick (keep-alive cancelled)", frame[0])
	}
}

// keyExchangeHandler answers a key response with the server's empty key
// response followed by a keep-alive.
type keyExchangeHandler struct {
	*testHandler
}

func (h keyExchangeHandler) Handle(c *Connection, p protocol.Packet) error {
	if _, ok := p.(*protocol.KeyResponse); ok {
		c.Queue(&protocol.KeyResponse{})
		c.Queue(&protocol.KeepAlive{KeepAliveID: 77})
	}
	return h.testHandler.Handle(c, p)
}

func TestCipherStageInsertedAfterKeyResponse(t *testing.T) {
	keys, err := crypt.GenerateKeyPair(1024)
	if err != nil {
		t.Fatal(err)
	}
	h := keyExchangeHandler{newTestHandler()}
	m := newTestManager(t, h, keys)
	c, _, client := accept(t, m)
	client.SetDeadline(time.Now().Add(10 * time.Second))

	secret := []byte("0123456789abcdef")
	sealed, err := crypt.Seal(keys.PublicDER(), secret)
	if err != nil {
		t.Fatal(err)
	}
	writeFrames(t, client, &protocol.KeyResponse{SharedSecret: sealed, VerifyToken: []byte{1}})

	// Pump from a separate goroutine: the writer blocks on the pipe until
	// the test reads.
	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(5 * time.Second)
		for h.handledCount() == 0 && time.Now().Before(deadline) {
			m.Pump()
			time.Sleep(time.Millisecond)
		}
	}()

	// The key response itself is plaintext.
	want, _ := protocol.Marshal(&protocol.KeyResponse{})
	got := make([]byte, len(want))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("key response on wire %x; want plaintext %x", got, want)
	}
	<-done
	if h.handledCount() != 1 {
		t.Fatalf("handled %d packets; want the key response", h.handledCount())
	}

	// Everything after it is encrypted.
	enc, dec, _ := crypt.NewStreams(secret)
	plainKeepAlive, _ := protocol.Marshal(&protocol.KeepAlive{KeepAliveID: 77})
	sealedKeepAlive := make([]byte, len(plainKeepAlive))
	if _, err := io.ReadFull(client, sealedKeepAlive); err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(sealedKeepAlive, plainKeepAlive) {
		t.Fatal("frame after key response was not encrypted")
	}
	dec.XORKeyStream(sealedKeepAlive, sealedKeepAlive)
	if !bytes.Equal(sealedKeepAlive, plainKeepAlive) {
		t.Errorf("peer decrypted %x; want %x", sealedKeepAlive, plainKeepAlive)
	}
	if c.CipherState() != StateEncrypted {
		t.Errorf("cipher state = %s; want encrypted", c.CipherState())
	}

	// And the inbound direction is decrypted.
	frame, _ := protocol.Marshal(&protocol.ClientCommand{Payload: protocol.ClientCommandLogin})
	enc.XORKeyStream(frame, frame)
	if _, err := client.Write(frame); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "encrypted packet handled", func() bool {
		m.Pump()
		return h.handledCount() == 2
	})
	h.mu.Lock()
	last := h.handled[1]
	h.mu.Unlock()
	if cmd, ok := last.(*protocol.ClientCommand); !ok || cmd.Payload != protocol.ClientCommandLogin {
		t.Errorf("decoded %+v; want login client command", last)
	}
}

func TestPlaintextReadDuringKeyResponseWrite(t *testing.T) {
	keys, err := crypt.GenerateKeyPair(1024)
	if err != nil {
		t.Fatal(err)
	}
	h := keyExchangeHandler{newTestHandler()}
	m := newTestManager(t, h, keys)
	c, _, client := accept(t, m)
	client.SetDeadline(time.Now().Add(10 * time.Second))

	secret := []byte("0123456789abcdef")
	sealed, err := crypt.Seal(keys.PublicDER(), secret)
	if err != nil {
		t.Fatal(err)
	}
	writeFrames(t, client, &protocol.KeyResponse{SharedSecret: sealed, VerifyToken: []byte{1}})
	waitFor(t, "key response handled", func() bool {
		m.Pump()
		return h.handledCount() == 1
	})

	// The writer has popped the key response and is stuck writing it into
	// the pipe, which nobody reads yet.
	waitFor(t, "key response in flight", func() bool { return c.OutboundLen() == 1 })

	writeFrames(t, client, &protocol.Flying{OnGround: true})
	waitFor(t, "plaintext flying handled", func() bool {
		m.Pump()
		return h.handledCount() == 2
	})
	h.mu.Lock()
	second := h.handled[1]
	h.mu.Unlock()
	if f, ok := second.(*protocol.Flying); !ok || !f.OnGround {
		t.Fatalf("decoded %+v; want flying on ground", second)
	}
	if !c.Connected() {
		t.Fatalf("connection closed: %v", h.reasonList())
	}

	want, _ := protocol.Marshal(&protocol.KeyResponse{})
	got := make([]byte, len(want))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("key response on wire %x; want %x", got, want)
	}
	sealedKeepAlive := make([]byte, 5)
	if _, err := io.ReadFull(client, sealedKeepAlive); err != nil {
		t.Fatal(err)
	}

	// Frames sent after the key response arrived are encrypted.
	enc, _, _ := crypt.NewStreams(secret)
	frame, _ := protocol.Marshal(&protocol.ClientCommand{Payload: protocol.ClientCommandLogin})
	enc.XORKeyStream(frame, frame)
	if _, err := client.Write(frame); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "encrypted packet handled", func() bool {
		m.Pump()
		return h.handledCount() == 3
	})
	h.mu.Lock()
	last := h.handled[2]
	h.mu.Unlock()
	if cmd, ok := last.(*protocol.ClientCommand); !ok || cmd.Payload != protocol.ClientCommandLogin {
		t.Errorf("decoded %+v; want login client command", last)
	}
}

func TestPipelineTransitionsOnce(t *testing.T) {
	var p Pipeline
	if err := p.Enable([]byte("short")); err == nil {
		t.Fatal("Enable accepted a bad secret")
	}
	if p.State() != StateHandshake {
		t.Fatalf("state = %s after failed enable; want handshake", p.State())
	}

	plain := []byte("unchanged")
	buf := bytes.Clone(plain)
	p.Encrypt(buf)
	if !bytes.Equal(buf, plain) {
		t.Error("handshake state transformed bytes")
	}

	secret := []byte("0123456789abcdef")
	if err := p.Enable(secret); err != nil {
		t.Fatal(err)
	}
	if err := p.Enable(secret); !errors.Is(err, ErrAlreadyEncrypted) {
		t.Errorf("second Enable = %v; want ErrAlreadyEncrypted", err)
	}
}

// stepHandler promotes its connection after a number of ticks.
type stepHandler struct {
	*testHandler
	ticks   int
	promote int
	done    bool
}

func (h *stepHandler) Tick(c *Connection) error {
	h.ticks++
	if h.ticks == h.promote {
		h.done = true
		return c.Manager().Promote(c, h.testHandler)
	}
	return nil
}

func (h *stepHandler) Done() bool { return h.done }

func TestPendingPromotion(t *testing.T) {
	h := &stepHandler{testHandler: newTestHandler(), promote: 3}
	m := newTestManager(t, h, nil)
	c, _, _ := accept(t, m)

	for i := 1; i <= 2; i++ {
		stats := m.Pump()
		if stats.Pending != 1 || c.Phase() != events.PhasePending {
			t.Fatalf("tick %d: pending=%d phase=%s", i, stats.Pending, c.Phase())
		}
	}
	stats := m.Pump()
	if stats.Promoted != 1 || stats.Pending != 0 || stats.Established != 1 {
		t.Errorf("stats after promotion %+v", stats)
	}
	if c.Phase() != events.PhaseEstablished {
		t.Errorf("phase = %s; want established", c.Phase())
	}
	m.Pump()
	if h.ticks != 3 {
		t.Errorf("pending handler ticked %d times; want 3", h.ticks)
	}
}

func TestPromotionTickDrainsOnce(t *testing.T) {
	h := &stepHandler{testHandler: newTestHandler(), promote: 1}
	m := NewManager(Options{
		Network:    testNetworkConfig(),
		DrainBound: 2,
		Factory:    func(*Connection) Handler { return h },
	})
	t.Cleanup(func() { m.CloseAll("test over", time.Second) })
	c, _, client := accept(t, m)

	writeFrames(t, client, flyingFrames(5)...)
	waitFor(t, "frames queued", func() bool { return c.InboundLen() == 5 })

	tests := []struct {
		processed int
		handled   int
	}{
		{2, 2},
		{2, 4},
		{1, 5},
	}
	for i, tt := range tests {
		stats := m.Pump()
		if stats.Processed != tt.processed || h.handledCount() != tt.handled {
			t.Errorf("pump %d: processed=%d handled=%d; want %d %d",
				i+1, stats.Processed, h.handledCount(), tt.processed, tt.handled)
		}
	}
	if stats := m.Pump(); stats.Promoted != 0 {
		t.Errorf("promoted again: %+v", stats)
	}
}

func TestPendingTickErrorDisconnects(t *testing.T) {
	h := &failingPending{testHandler: newTestHandler()}
	m := newTestManager(t, h, nil)
	c, _, client := accept(t, m)
	go io.Copy(io.Discard, client)

	m.Pump()
	if reason, _, _ := c.DisconnectReason(); reason != ReasonInternalError {
		t.Errorf("reason = %q; want %q", reason, ReasonInternalError)
	}
	m.Pump()
	if p, _ := m.Counts(); p != 0 {
		t.Errorf("pending = %d; want 0", p)
	}
}

type failingPending struct{ *testHandler }

func (failingPending) Tick(*Connection) error { return errors.New("verification failed") }
func (failingPending) Done() bool             { return false }

func TestTCPListenerAccepts(t *testing.T) {
	n := testNetworkConfig()
	n.Host = "127.0.0.1"
	n.Port = 0
	h := newTestHandler()
	m := NewManager(Options{Network: n, Factory: func(*Connection) Handler { return h }})
	defer m.CloseAll("test over", time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewTCPListener(n, m)
	errCh := make(chan error, 1)
	go func() { errCh <- l.Start(ctx) }()

	select {
	case <-l.Ready():
	case err := <-errCh:
		t.Fatalf("listener failed: %v", err)
	}

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	writeFrames(t, conn, &protocol.Flying{OnGround: true})

	waitFor(t, "packet through listener", func() bool {
		m.Pump()
		return h.handledCount() == 1
	})
	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("Start returned %v after cancel", err)
	}
}
