package session

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"unicode/utf16"

	"github.com/blockgate-project/blockgate/internal/config"
	"github.com/blockgate-project/blockgate/internal/crypt"
	"github.com/blockgate-project/blockgate/internal/network"
	"github.com/blockgate-project/blockgate/internal/protocol"
)

type loginStage int

const (
	stageHandshake loginStage = iota
	stageKeyExchange
	stageAuthenticating
)

// Pending drives one connection through the login sequence: handshake, key
// exchange, identity check and the client's login request. Handle and Tick
// run on the tick goroutine; only the authenticator runs elsewhere.
type Pending struct {
	cfg  config.LoginConfig
	auth Authenticator
	game Game
	conn *network.Connection

	stage       loginStage
	serverID    string
	verifyToken []byte
	ticks       int
	requested   bool

	mu       sync.Mutex
	username string

	authenticated atomic.Bool
	done          atomic.Bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewFactory returns the handler factory the network manager calls for every
// accepted connection.
func NewFactory(cfg config.LoginConfig, auth Authenticator, game Game) network.HandlerFactory {
	return NewLiveFactory(func() config.LoginConfig { return cfg }, auth, game)
}

// NewLiveFactory is NewFactory with the login settings read again for each
// connection, so changes apply to the next client that connects.
func NewLiveFactory(current func() config.LoginConfig, auth Authenticator, game Game) network.HandlerFactory {
	if auth == nil {
		auth = OfflineAuthenticator{}
	}
	return func(c *network.Connection) network.Handler {
		return NewPending(c, current(), auth, game)
	}
}

// NewPending creates the login handler for c.
func NewPending(c *network.Connection, cfg config.LoginConfig, auth Authenticator, game Game) *Pending {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pending{
		cfg:    cfg,
		auth:   auth,
		game:   game,
		conn:   c,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Username returns the name sent in the handshake.
func (p *Pending) Username() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.username
}

// Done reports whether the login sequence has finished, either way.
func (p *Pending) Done() bool {
	return p.done.Load()
}

// Closed implements network.Handler.
func (p *Pending) Closed() bool {
	return p.done.Load()
}

// Handle implements network.Handler.
func (p *Pending) Handle(c *network.Connection, pkt protocol.Packet) error {
	switch pkt := pkt.(type) {
	case *protocol.Handshake:
		return p.handleHandshake(c, pkt)
	case *protocol.KeyResponse:
		return p.handleKeyResponse(c, pkt)
	case *protocol.ClientCommand:
		if pkt.Payload != protocol.ClientCommandLogin || p.stage != stageAuthenticating {
			p.kick(c, MsgProtocolError)
			return nil
		}
		p.requested = true
	case *protocol.ServerListPing:
		p.handlePing(c)
	case *protocol.KickDisconnect:
		c.Disconnect(network.ReasonQuitting)
		p.finish()
	default:
		p.kick(c, MsgProtocolError)
	}
	return nil
}

func (p *Pending) handleHandshake(c *network.Connection, hs *protocol.Handshake) error {
	if p.stage != stageHandshake {
		p.kick(c, MsgProtocolError)
		return nil
	}

	p.mu.Lock()
	p.username = hs.Username
	p.mu.Unlock()

	if hs.ProtocolVersion != protocol.ProtocolVersion {
		if hs.ProtocolVersion > protocol.ProtocolVersion {
			p.kick(c, MsgOutdatedServer)
		} else {
			p.kick(c, MsgOutdatedClient)
		}
		return nil
	}

	keys := c.Manager().Keys()
	if keys == nil {
		return fmt.Errorf("no server key pair configured")
	}

	p.serverID = "-"
	if p.cfg.OnlineMode {
		id, err := randomBytes(8)
		if err != nil {
			return err
		}
		p.serverID = hex.EncodeToString(id)
	}
	token, err := randomBytes(4)
	if err != nil {
		return err
	}
	p.verifyToken = token
	p.stage = stageKeyExchange

	c.Queue(&protocol.KeyRequest{
		ServerID:    p.serverID,
		PublicKey:   keys.PublicDER(),
		VerifyToken: token,
	})
	return nil
}

func (p *Pending) handleKeyResponse(c *network.Connection, kr *protocol.KeyResponse) error {
	if p.stage != stageKeyExchange {
		p.kick(c, MsgProtocolError)
		return nil
	}

	keys := c.Manager().Keys()
	token, err := keys.Decrypt(kr.VerifyToken)
	if err != nil || !bytes.Equal(token, p.verifyToken) {
		p.kick(c, MsgInvalidReply)
		return nil
	}
	secret := c.Secret()
	if secret == nil {
		p.kick(c, MsgInvalidReply)
		return nil
	}

	// Answering switches both directions to the cipher once written.
	c.Queue(&protocol.KeyResponse{})
	p.stage = stageAuthenticating

	login := Login{
		Username:   p.Username(),
		ServerHash: crypt.ServerHash(p.serverID, secret, keys.PublicDER()),
		Remote:     c.RemoteAddr(),
	}
	if !c.Manager().Pool().Submit(func() { p.authenticate(c, login) }) {
		p.kick(c, MsgInternalError)
	}
	return nil
}

func (p *Pending) authenticate(c *network.Connection, login Login) {
	if err := p.auth.Authenticate(p.ctx, login); err != nil {
		if p.ctx.Err() != nil {
			return
		}
		c.Logger().Info().Err(err).Str("username", login.Username).Msg("login rejected")
		p.kick(c, kickMessage(err))
		return
	}
	p.authenticated.Store(true)
}

func (p *Pending) handlePing(c *network.Connection) {
	online := 0
	if p.game != nil {
		online = p.game.PlayerCount()
	}
	c.Queue(protocol.Kick(PingResponse(p.cfg.MOTD, online, p.cfg.MaxPlayers)))
	c.Disconnect(network.ReasonClosed)
	p.finish()
}

// PingResponse formats the server list entry sent in reply to a ping. The
// motd is shortened so that the entry fits in a kick reason.
func PingResponse(motd string, online, max int) string {
	head := fmt.Sprintf("§1\x00%d\x00%s\x00", protocol.ProtocolVersion, VersionName)
	tail := fmt.Sprintf("\x00%d\x00%d", online, max)
	room := protocol.MaxReasonLength - utf16Len(head) - utf16Len(tail)
	return head + protocol.TruncateString(motd, room) + tail
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += len(utf16.Encode([]rune{r}))
	}
	return n
}

// Tick implements network.PendingHandler: it enforces the login timeout and
// promotes the connection once it is authenticated and has asked to log in.
func (p *Pending) Tick(c *network.Connection) error {
	if p.done.Load() {
		return nil
	}

	p.ticks++
	if p.cfg.TimeoutTicks > 0 && p.ticks >= p.cfg.TimeoutTicks {
		p.kick(c, MsgLoginTimeout)
		return nil
	}
	if !p.requested || !p.authenticated.Load() {
		return nil
	}
	return p.promote(c)
}

func (p *Pending) promote(c *network.Connection) error {
	player := NewPlayer(c, p.Username(), p.game)
	if err := c.Manager().Promote(c, player); err != nil {
		return err
	}
	p.finish()

	maxPlayers := p.cfg.MaxPlayers
	if maxPlayers > 255 {
		maxPlayers = 255
	}
	c.Queue(&protocol.Login{
		EntityID:   int32(c.ID()),
		LevelType:  p.cfg.LevelType,
		GameMode:   byte(p.cfg.GameMode),
		Difficulty: 1,
		MaxPlayers: byte(maxPlayers),
	})

	if p.game == nil {
		return nil
	}
	if err := p.game.Join(player); err != nil {
		player.Kick(err.Error())
	}
	return nil
}

// Disconnected implements network.Handler.
func (p *Pending) Disconnected(c *network.Connection, reason string, args []any) {
	p.cancel()
	p.finish()
	c.Logger().Info().
		Str("username", p.Username()).
		Str("reason", reason).
		Interface("args", args).
		Msg("lost connection during login")
}

// kick sends reason to the client and closes the connection after it is
// written. Safe from any goroutine.
func (p *Pending) kick(c *network.Connection, reason string) {
	c.Logger().Info().Str("username", p.Username()).Str("reason", reason).Msg("disconnecting pending connection")
	c.Queue(protocol.Kick(reason))
	c.Disconnect(ReasonKicked, reason)
	p.finish()
}

func (p *Pending) finish() {
	if p.done.CompareAndSwap(false, true) {
		p.cancel()
	}
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}
