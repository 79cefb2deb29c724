// Package session implements the connection handlers: the login sequence
// of a pending connection and the player handler that takes over once it is
// established.
package session

import (
	"context"
	"errors"
	"net"

	"github.com/blockgate-project/blockgate/internal/protocol"
)

// Kick messages sent to clients.
const (
	MsgOutdatedClient   = "Outdated client!"
	MsgOutdatedServer   = "Outdated server!"
	MsgInvalidReply     = "Invalid client reply"
	MsgProtocolError    = "Protocol error"
	MsgLoginTimeout     = "Took too long to log in"
	MsgVerifyFailed     = "Failed to verify username!"
	MsgSessionDown      = "Failed to verify username, session authentication server unavailable!"
	MsgServerFull       = "The server is full!"
	MsgDuplicateLogin   = "You logged in from another location"
	MsgInternalError    = "Internal server error"
	MsgUnknownCommand   = "Unknown command. Type \"/help\" for help."
	VersionName         = "1.5.2"
	ReasonKicked        = "disconnect.kicked"
	ReasonLoginComplete = "login complete"
)

var (
	// ErrVerifyFailed is returned when the session service rejects a login.
	ErrVerifyFailed = errors.New("username verification failed")
	// ErrSessionUnavailable is returned when the session service cannot be
	// reached.
	ErrSessionUnavailable = errors.New("session service unavailable")
)

// Login is what an Authenticator is asked to approve.
type Login struct {
	Username   string
	ServerHash string
	Remote     net.Addr
}

// Authenticator verifies a player's identity. It is called off the tick
// goroutine and may block.
type Authenticator interface {
	Authenticate(ctx context.Context, login Login) error
}

// OfflineAuthenticator approves every login.
type OfflineAuthenticator struct{}

// Authenticate implements Authenticator.
func (OfflineAuthenticator) Authenticate(context.Context, Login) error {
	return nil
}

// Game is the game-session side of an established connection. Join, Quit
// and the handling of synchronous packets happen on the tick goroutine;
// asynchronous packets (chat, keep-alive) arrive on worker goroutines.
type Game interface {
	Join(p *Player) error
	Handle(p *Player, pkt protocol.Packet) error
	Quit(p *Player, reason string)
	PlayerCount() int
}

func kickMessage(err error) string {
	if errors.Is(err, ErrSessionUnavailable) {
		return MsgSessionDown
	}
	return MsgVerifyFailed
}
