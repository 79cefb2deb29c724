package session

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/blockgate-project/blockgate/internal/protocol"
	"github.com/blockgate-project/blockgate/internal/util"
)

// keepAliveTicks is how often the lobby pings every player, one second at
// the default tick rate.
const keepAliveTicks = 20

// Lobby is a minimal Game: it keeps the list of online players, relays chat
// and answers a few commands. Chat arrives on worker goroutines, so all
// state is guarded.
type Lobby struct {
	mu         sync.RWMutex
	players    map[string]*Player
	maxPlayers int
	logger     zerolog.Logger
}

// NewLobby creates a lobby admitting up to maxPlayers.
func NewLobby(maxPlayers int) *Lobby {
	return &Lobby{
		players:    make(map[string]*Player),
		maxPlayers: maxPlayers,
		logger:     util.ComponentLogger("lobby"),
	}
}

// Join implements Game.
func (l *Lobby) Join(p *Player) error {
	l.mu.Lock()
	old, replacing := l.players[p.Username()]
	if !replacing && l.maxPlayers > 0 && len(l.players) >= l.maxPlayers {
		l.mu.Unlock()
		return errors.New(MsgServerFull)
	}
	l.players[p.Username()] = p
	l.mu.Unlock()

	if replacing {
		old.Kick(MsgDuplicateLogin)
	}
	l.logger.Info().
		Str("username", p.Username()).
		Stringer("remote", p.Conn().RemoteAddr()).
		Msg("player joined")
	l.Broadcast(fmt.Sprintf("§e%s joined the game.", p.Username()))
	return nil
}

// Quit implements Game.
func (l *Lobby) Quit(p *Player, reason string) {
	l.mu.Lock()
	current, ok := l.players[p.Username()]
	if !ok || current != p {
		l.mu.Unlock()
		return
	}
	delete(l.players, p.Username())
	l.mu.Unlock()

	l.logger.Info().Str("username", p.Username()).Str("reason", reason).Msg("player left")
	l.Broadcast(fmt.Sprintf("§e%s left the game.", p.Username()))
}

// Handle implements Game.
func (l *Lobby) Handle(p *Player, pkt protocol.Packet) error {
	chat, ok := pkt.(*protocol.Chat)
	if !ok {
		return nil
	}
	msg := strings.TrimSpace(chat.Message)
	if msg == "" {
		return nil
	}
	if strings.HasPrefix(msg, "/") {
		l.command(p, msg[1:])
		return nil
	}

	l.logger.Info().Str("username", p.Username()).Str("message", msg).Msg("chat")
	l.Broadcast(fmt.Sprintf("<%s> %s", p.Username(), msg))
	return nil
}

func (l *Lobby) command(p *Player, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		p.SendMessage(MsgUnknownCommand)
		return
	}

	switch strings.ToLower(fields[0]) {
	case "list":
		names := l.Names()
		p.SendMessage(fmt.Sprintf("There are %d/%d players online: %s",
			len(names), l.maxPlayers, strings.Join(names, ", ")))
	case "ping":
		p.SendMessage(fmt.Sprintf("Latency: %dms", p.Latency().Milliseconds()))
	case "help":
		p.SendMessage("Commands: /list, /ping, /help")
	default:
		p.SendMessage(MsgUnknownCommand)
	}
}

// PlayerCount implements Game.
func (l *Lobby) PlayerCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.players)
}

// Players returns the online players ordered by name.
func (l *Lobby) Players() []*Player {
	l.mu.RLock()
	out := make([]*Player, 0, len(l.players))
	for _, p := range l.players {
		out = append(out, p)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Username() < out[j].Username() })
	return out
}

// Names returns the online player names, sorted.
func (l *Lobby) Names() []string {
	players := l.Players()
	names := make([]string, len(players))
	for i, p := range players {
		names[i] = p.Username()
	}
	return names
}

// Broadcast sends a chat line to every player and returns how many got it.
func (l *Lobby) Broadcast(msg string) int {
	players := l.Players()
	for _, p := range players {
		p.SendMessage(msg)
	}
	return len(players)
}

// Tick pings every player once a second. Register it with the tick loop.
func (l *Lobby) Tick(n uint64) error {
	if n%keepAliveTicks != 0 {
		return nil
	}
	for _, p := range l.Players() {
		p.Ping(int32(n))
	}
	return nil
}
