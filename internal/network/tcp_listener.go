package network

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog/log"

	"github.com/blockgate-project/blockgate/internal/config"
)

// TCPListener accepts game client connections and hands them to the
// Manager.
type TCPListener struct {
	cfg      config.NetworkConfig
	manager  *Manager
	listener net.Listener
	ready    chan struct{}
}

// NewTCPListener creates a new TCP listener.
func NewTCPListener(cfg config.NetworkConfig, manager *Manager) *TCPListener {
	return &TCPListener{
		cfg:     cfg,
		manager: manager,
		ready:   make(chan struct{}),
	}
}

// Start listens and accepts until ctx is cancelled, which also closes the
// listening socket.
func (l *TCPListener) Start(ctx context.Context) error {
	addr := l.cfg.Addr()

	// Use SO_REUSEADDR to allow immediate rebinding after restart
	lc := ReuseAddrListenConfig()
	var err error
	l.listener, err = lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start TCP listener on %s: %w", addr, err)
	}
	close(l.ready)

	log.Info().
		Str("addr", l.listener.Addr().String()).
		Int("io_threads", l.cfg.IOThreads).
		Msg("game listener started")

	go func() {
		<-ctx.Done()
		l.listener.Close()
	}()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Info().Msg("game listener stopping")
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Error().Err(err).Msg("failed to accept connection")
			continue
		}

		l.configure(conn)
		l.manager.Accept(ctx, conn)
	}
}

// configure applies per-socket options. Failures are logged, not fatal.
func (l *TCPListener) configure(conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tcp.SetNoDelay(l.cfg.NoDelay); err != nil {
		log.Debug().Err(err).Msg("failed to set TCP_NODELAY")
	}
	if l.cfg.IPTOS > 0 {
		if err := SetTypeOfService(tcp, l.cfg.IPTOS); err != nil {
			log.Debug().Err(err).Int("tos", l.cfg.IPTOS).Msg("failed to set IP_TOS")
		}
	}
}

// Addr returns the bound address once Start has begun listening.
func (l *TCPListener) Addr() net.Addr {
	<-l.ready
	return l.listener.Addr()
}

// Ready is closed once the listener is bound.
func (l *TCPListener) Ready() <-chan struct{} {
	return l.ready
}
