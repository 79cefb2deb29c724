package network

import "github.com/blockgate-project/blockgate/internal/protocol"

// Handler consumes the packets of one connection. A connection is bound to
// a pending-phase handler on accept and to a session handler once promoted.
//
// Handle runs on the tick goroutine for synchronous packets and on a worker
// goroutine for asynchronous ones.
type Handler interface {
	Handle(c *Connection, p protocol.Packet) error

	// Disconnected delivers the stored disconnect reason. It is called
	// exactly once per connection, on the tick goroutine.
	Disconnected(c *Connection, reason string, args []any)

	// Closed reports that the handler has ended the session and no further
	// queued packets should be handled.
	Closed() bool
}

// PendingHandler is a handler that needs a step every tick until it has
// either promoted the connection or given up on it.
type PendingHandler interface {
	Handler
	Tick(c *Connection) error
	Done() bool
}

// Named is implemented by handlers that know the player's name.
type Named interface {
	Username() string
}

// HandlerFactory builds the pending-phase handler for a new connection.
type HandlerFactory func(c *Connection) Handler
