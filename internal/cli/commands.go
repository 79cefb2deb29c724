// Package cli implements the interactive operator console.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/blockgate-project/blockgate/internal/db"
	"github.com/blockgate-project/blockgate/internal/events"
	"github.com/blockgate-project/blockgate/internal/network"
	"github.com/blockgate-project/blockgate/internal/protocol"
	"github.com/blockgate-project/blockgate/internal/server"
	"github.com/blockgate-project/blockgate/internal/session"
)

// CLI provides an interactive command-line interface.
type CLI struct {
	eventBus *events.EventBus
	srv      *server.Server
	conns    *network.Manager
	lobby    *session.Lobby
	connLog  *db.ConnectionLog

	in  io.Reader
	out io.Writer
}

// NewCLI creates a console reading commands from in and writing to out.
func NewCLI(eventBus *events.EventBus, srv *server.Server, lobby *session.Lobby, connLog *db.ConnectionLog, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		eventBus: eventBus,
		srv:      srv,
		conns:    srv.Manager(),
		lobby:    lobby,
		connLog:  connLog,
		in:       in,
		out:      out,
	}
}

// Start reads commands until input ends or ctx is cancelled.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nblockgate console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "blockgate> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			if err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:]); err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "conns", "connections":
		c.printConnections()
	case "players", "list":
		c.printPlayers()
	case "listeners":
		c.printListeners()
	case "history":
		return c.printHistory(ctx, args)
	case "kick":
		return c.cmdKick(args)
	case "say":
		return c.cmdSay(ctx, args)
	case "quit", "exit", "stop", "q":
		fmt.Fprintln(c.out, "Shutting down blockgate...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, `
  status              Tick loop and connection summary
  conns               List live connections
  players             List players in the lobby
  listeners           List registered packet listeners
  history [n]         Show the last n logged connections
  kick <id|name> [msg]  Disconnect a connection or player
  say <message>       Broadcast a chat message
  quit                Shut down the server
  help                Show this help message`)
}

func (c *CLI) newTable(header []string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func (c *CLI) printStatus() {
	stats := c.srv.LagMonitor().Stats()
	pending, established := c.conns.Counts()

	tw := c.newTable([]string{"Metric", "Value"})
	tw.AppendBulk([][]string{
		{"Running", strconv.FormatBool(c.srv.Running())},
		{"Uptime", c.srv.Uptime().Truncate(time.Second).String()},
		{"Ticks", strconv.FormatUint(c.srv.Ticks(), 10)},
		{"Avg tick", fmt.Sprintf("%.2f ms", stats.AvgMs)},
		{"Max tick", fmt.Sprintf("%.2f ms", stats.MaxMs)},
		{"TPS", fmt.Sprintf("%.1f", stats.EffectiveTPS)},
		{"Lag events", strconv.Itoa(stats.LagEvents)},
		{"Pending", strconv.Itoa(pending)},
		{"Established", strconv.Itoa(established)},
		{"Listeners", strconv.Itoa(c.conns.Chain().Len())},
	})
	tw.Render()
}

func (c *CLI) printConnections() {
	tw := c.newTable([]string{"ID", "Remote", "Username", "Phase", "Encrypted", "In", "Out", "Queued"})
	for _, conn := range c.conns.Connections() {
		info := conn.Info()
		tw.Append([]string{
			strconv.FormatUint(info.ID, 10),
			info.Remote,
			orDash(info.Username),
			info.Phase.String(),
			strconv.FormatBool(info.Encrypted),
			strconv.FormatUint(info.PacketsIn, 10),
			strconv.FormatUint(info.PacketsOut, 10),
			fmt.Sprintf("%d/%d", info.InboundLen, info.OutboundLen),
		})
	}
	tw.Render()
}

func (c *CLI) printPlayers() {
	tw := c.newTable([]string{"Username", "Conn", "Remote", "Online", "Ping"})
	for _, p := range c.lobby.Players() {
		tw.Append([]string{
			p.Username(),
			strconv.FormatUint(p.Conn().ID(), 10),
			p.Conn().RemoteAddr().String(),
			time.Since(p.JoinedAt()).Truncate(time.Second).String(),
			fmt.Sprintf("%d ms", p.Latency().Milliseconds()),
		})
	}
	tw.Render()
}

func (c *CLI) printListeners() {
	tw := c.newTable([]string{"#", "Listener", "Owner"})
	for i, r := range c.conns.Chain().Registrations() {
		tw.Append([]string{strconv.Itoa(i + 1), r.Listener, r.Owner})
	}
	tw.Render()
}

func (c *CLI) printHistory(ctx context.Context, args []string) error {
	if c.connLog == nil {
		return fmt.Errorf("connection log is disabled")
	}
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		limit = n
	}

	recs, err := c.connLog.Recent(ctx, limit)
	if err != nil {
		return err
	}
	tw := c.newTable([]string{"Conn", "Remote", "Username", "Opened", "Closed", "Reason"})
	for _, r := range recs {
		closed := "-"
		if r.ClosedAt != nil {
			closed = r.ClosedAt.Format(time.TimeOnly)
		}
		tw.Append([]string{
			strconv.FormatUint(r.ConnID, 10),
			r.Remote,
			orDash(r.Username),
			r.OpenedAt.Format(time.DateTime),
			closed,
			orDash(r.Reason),
		})
	}
	tw.Render()
	return nil
}

// cmdKick disconnects by connection id or player name.
func (c *CLI) cmdKick(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: kick <id|name> [message]")
	}
	reason := "Kicked by an operator"
	if len(args) > 1 {
		reason = strings.Join(args[1:], " ")
	}

	if id, err := strconv.ParseUint(args[0], 10, 64); err == nil {
		conn, ok := c.conns.Get(id)
		if !ok {
			return fmt.Errorf("no connection with id %d", id)
		}
		if p, ok := conn.Handler().(*session.Player); ok {
			p.Kick(reason)
		} else {
			conn.Queue(protocol.Kick(reason))
			conn.Disconnect(session.ReasonKicked, reason)
		}
		fmt.Fprintf(c.out, "Kicked connection %d\n", id)
		return nil
	}

	for _, p := range c.lobby.Players() {
		if strings.EqualFold(p.Username(), args[0]) {
			p.Kick(reason)
			fmt.Fprintf(c.out, "Kicked %s\n", p.Username())
			return nil
		}
	}
	return fmt.Errorf("no player named %s", args[0])
}

func (c *CLI) cmdSay(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: say <message>")
	}
	message := strings.Join(args, " ")
	sent := c.lobby.Broadcast("§d[Server] " + message)

	c.eventBus.Emit(ctx, events.Event{
		Type:    events.EventBroadcast,
		Source:  "cli",
		Payload: events.BroadcastPayload{Message: message},
	})
	fmt.Fprintf(c.out, "Message sent to %d players\n", sent)
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
