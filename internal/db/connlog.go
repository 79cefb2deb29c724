package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/blockgate-project/blockgate/internal/events"
)

// ConnectionLog records the lifecycle of every client connection.
type ConnectionLog struct {
	db *Database
}

// ConnectionRecord is one row of the connection history.
type ConnectionRecord struct {
	ConnID     uint64     `json:"conn_id"`
	Remote     string     `json:"remote"`
	Username   string     `json:"username,omitempty"`
	OpenedAt   time.Time  `json:"opened_at"`
	PromotedAt *time.Time `json:"promoted_at,omitempty"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Errors     int        `json:"protocol_errors"`
}

// Summary aggregates the history since a point in time.
type Summary struct {
	Since          time.Time `json:"since"`
	Opened         int       `json:"opened"`
	Promoted       int       `json:"promoted"`
	ProtocolErrors int       `json:"protocol_errors"`
	UniquePlayers  int       `json:"unique_players"`
}

// NewConnectionLog opens the database at path and migrates its schema.
func NewConnectionLog(path string) (*ConnectionLog, error) {
	database, err := NewDatabase(path)
	if err != nil {
		return nil, err
	}

	cl := &ConnectionLog{db: database}
	if err := cl.migrate(context.Background()); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate connection log: %w", err)
	}
	return cl, nil
}

func (cl *ConnectionLog) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS connections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session TEXT NOT NULL,
			conn_id INTEGER NOT NULL,
			remote TEXT NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			opened_at INTEGER NOT NULL,
			promoted_at INTEGER,
			closed_at INTEGER,
			reason TEXT NOT NULL DEFAULT '',
			protocol_errors INTEGER NOT NULL DEFAULT 0,
			UNIQUE (session, conn_id)
		);

		CREATE INDEX IF NOT EXISTS idx_connections_opened ON connections(opened_at);
		CREATE INDEX IF NOT EXISTS idx_connections_username ON connections(username);
	`

	if _, err := cl.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	log.Debug().Msg("connection log schema migrated")
	return nil
}

// Close closes the underlying database.
func (cl *ConnectionLog) Close() error {
	return cl.db.Close()
}

// session distinguishes connection ids across process restarts; ids restart
// at 1 each run.
var session = time.Now().UTC().Format("20060102T150405.000000000")

// Opened records a newly accepted connection.
func (cl *ConnectionLog) Opened(ctx context.Context, p events.ConnectionPayload) error {
	_, err := cl.db.Exec(ctx,
		`INSERT OR IGNORE INTO connections (session, conn_id, remote, opened_at) VALUES (?, ?, ?, ?)`,
		session, int64(p.ConnID), p.Remote, p.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record connection %d: %w", p.ConnID, err)
	}
	return nil
}

// Promoted records a successful login.
func (cl *ConnectionLog) Promoted(ctx context.Context, p events.ConnectionPayload) error {
	_, err := cl.db.Exec(ctx,
		`UPDATE connections SET promoted_at = ?, username = ? WHERE session = ? AND conn_id = ?`,
		p.At.UnixMilli(), p.Username, session, int64(p.ConnID))
	if err != nil {
		return fmt.Errorf("failed to record promotion of %d: %w", p.ConnID, err)
	}
	return nil
}

// Closed records the disconnect reason.
func (cl *ConnectionLog) Closed(ctx context.Context, p events.ConnectionPayload) error {
	_, err := cl.db.Exec(ctx,
		`UPDATE connections SET closed_at = ?, reason = ?,
			username = CASE WHEN ? <> '' THEN ? ELSE username END
		 WHERE session = ? AND conn_id = ?`,
		p.At.UnixMilli(), p.Reason, p.Username, p.Username, session, int64(p.ConnID))
	if err != nil {
		return fmt.Errorf("failed to record close of %d: %w", p.ConnID, err)
	}
	return nil
}

// ProtocolError counts a framing error against the connection.
func (cl *ConnectionLog) ProtocolError(ctx context.Context, p events.ProtocolErrorPayload) error {
	_, err := cl.db.Exec(ctx,
		`UPDATE connections SET protocol_errors = protocol_errors + 1 WHERE session = ? AND conn_id = ?`,
		session, int64(p.ConnID))
	return err
}

// Recent returns the newest connections, newest first.
func (cl *ConnectionLog) Recent(ctx context.Context, limit int) ([]ConnectionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := cl.db.Query(ctx, `
		SELECT conn_id, remote, username, opened_at, promoted_at, closed_at, reason, protocol_errors
		FROM connections
		ORDER BY opened_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query connection log: %w", err)
	}
	defer rows.Close()

	var out []ConnectionRecord
	for rows.Next() {
		var (
			r                  ConnectionRecord
			connID, opened     int64
			promoted, closedAt sql.NullInt64
		)
		if err := rows.Scan(&connID, &r.Remote, &r.Username, &opened, &promoted, &closedAt, &r.Reason, &r.Errors); err != nil {
			return nil, fmt.Errorf("failed to scan connection record: %w", err)
		}
		r.ConnID = uint64(connID)
		r.OpenedAt = time.UnixMilli(opened)
		r.PromotedAt = nullTime(promoted)
		r.ClosedAt = nullTime(closedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Summarize aggregates connections opened since the given time.
func (cl *ConnectionLog) Summarize(ctx context.Context, since time.Time) (Summary, error) {
	s := Summary{Since: since}
	err := cl.db.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(promoted_at),
			COALESCE(SUM(protocol_errors), 0),
			COUNT(DISTINCT NULLIF(username, ''))
		FROM connections WHERE opened_at >= ?`, since.UnixMilli()).
		Scan(&s.Opened, &s.Promoted, &s.ProtocolErrors, &s.UniquePlayers)
	if err != nil {
		return s, fmt.Errorf("failed to summarize connection log: %w", err)
	}
	return s, nil
}

// Prune deletes closed connections opened before cutoff.
func (cl *ConnectionLog) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := cl.db.Exec(ctx,
		`DELETE FROM connections WHERE opened_at < ? AND closed_at IS NOT NULL`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune connection log: %w", err)
	}
	return res.RowsAffected()
}

// Attach subscribes the log to connection lifecycle events.
func (cl *ConnectionLog) Attach(eb *events.EventBus) {
	eb.SubscribeMany([]events.EventType{
		events.EventConnectionOpened,
		events.EventConnectionPromoted,
		events.EventConnectionClosed,
		events.EventProtocolError,
	}, "connection_log", cl.handleEvent)
}

func (cl *ConnectionLog) handleEvent(ctx context.Context, event events.Event) error {
	if p, ok := event.Payload.(events.ProtocolErrorPayload); ok {
		return cl.ProtocolError(ctx, p)
	}
	p, ok := event.Payload.(events.ConnectionPayload)
	if !ok {
		return nil
	}

	switch event.Type {
	case events.EventConnectionOpened:
		return cl.Opened(ctx, p)
	case events.EventConnectionPromoted:
		return cl.Promoted(ctx, p)
	case events.EventConnectionClosed:
		return cl.Closed(ctx, p)
	}
	return nil
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
