package session

import (
	"sync/atomic"
	"time"

	"github.com/blockgate-project/blockgate/internal/network"
	"github.com/blockgate-project/blockgate/internal/protocol"
)

// Player is the handler of an established connection. It refers to its
// connection but does not own it: once the connection closes, sends are
// no-ops.
type Player struct {
	conn     *network.Connection
	username string
	game     Game
	joinedAt time.Time

	closed    atomic.Bool
	pingID    atomic.Int32
	pingSent  atomic.Int64
	latencyMs atomic.Int64
}

// NewPlayer creates the handler for an established connection.
func NewPlayer(c *network.Connection, username string, game Game) *Player {
	return &Player{
		conn:     c,
		username: username,
		game:     game,
		joinedAt: time.Now(),
	}
}

// Username implements network.Named.
func (p *Player) Username() string {
	return p.username
}

// Conn returns the player's connection.
func (p *Player) Conn() *network.Connection {
	return p.conn
}

// JoinedAt returns when the player finished logging in.
func (p *Player) JoinedAt() time.Time {
	return p.joinedAt
}

// Latency returns the last measured keep-alive round trip.
func (p *Player) Latency() time.Duration {
	return time.Duration(p.latencyMs.Load()) * time.Millisecond
}

// Send queues a packet to the player.
func (p *Player) Send(pkt protocol.Packet) {
	p.conn.Queue(pkt)
}

// SendMessage sends a chat line, cut to what clients accept.
func (p *Player) SendMessage(msg string) {
	p.Send(&protocol.Chat{Message: protocol.TruncateString(msg, protocol.MaxChatLength)})
}

// Kick sends reason to the player and closes the connection.
func (p *Player) Kick(reason string) {
	p.Send(protocol.Kick(reason))
	p.conn.Disconnect(ReasonKicked, reason)
}

// Ping sends a keep-alive whose echo updates Latency.
func (p *Player) Ping(id int32) {
	p.pingID.Store(id)
	p.pingSent.Store(time.Now().UnixNano())
	p.Send(&protocol.KeepAlive{KeepAliveID: id})
}

// Handle implements network.Handler.
func (p *Player) Handle(_ *network.Connection, pkt protocol.Packet) error {
	switch pkt := pkt.(type) {
	case *protocol.KickDisconnect:
		p.conn.Disconnect(network.ReasonQuitting)
		return nil
	case *protocol.KeepAlive:
		if pkt.KeepAliveID == p.pingID.Load() {
			sent := time.Unix(0, p.pingSent.Load())
			p.latencyMs.Store(time.Since(sent).Milliseconds())
		}
	}
	if p.game == nil {
		return nil
	}
	return p.game.Handle(p, pkt)
}

// Disconnected implements network.Handler.
func (p *Player) Disconnected(c *network.Connection, reason string, args []any) {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	c.Logger().Info().
		Str("username", p.username).
		Str("reason", reason).
		Interface("args", args).
		Msg("player lost connection")
	if p.game != nil {
		p.game.Quit(p, reason)
	}
}

// Closed implements network.Handler.
func (p *Player) Closed() bool {
	return p.closed.Load()
}
