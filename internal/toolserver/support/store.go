// Package support hosts the Support domain tools over a SQLite ticket
// store with an FTS5 relevance index.
package support

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/atriumhq/atrium/internal/config"
)

// ErrNotFound reports a ticket id with no matching row.
var ErrNotFound = errors.New("support: ticket not found")

// Ticket is one support case in its wire form. Timestamps are RFC 3339
// strings, which keeps their lexicographic order chronological for the
// keyset comparison. RequesterEmail is subject to field redaction.
type Ticket struct {
	ID             string `json:"id"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
	Status         string `json:"status"`
	Priority       string `json:"priority"`
	RequesterEmail string `json:"requester_email"`
	AssignedTo     string `json:"assigned_to"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// ScoredTicket is a search hit with its bm25 relevance. Smaller scores are
// better; pages advance by ascending (score, id).
type ScoredTicket struct {
	Ticket
	Score float64 `json:"score"`
}

const ticketColumns = "id, subject, body, status, priority, requester_email, assigned_to, created_at, updated_at"

// Store runs Support queries against SQLite. Roles are checked upstream;
// SQLite has no session-variable equivalent, so no identity is threaded
// into queries.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the ticket database and ensures its schema. An
// empty path opens an in-memory database.
func Open(cfg config.SqliteConfig) (*Store, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("support: open database: %w", err)
	}
	// One connection: SQLite is single-writer, and a pooled second
	// connection to :memory: would see a different database.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// init creates the ticket table, the external-content FTS5 index, and the
// triggers that keep them in sync.
func (s *Store) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tickets (
			id              TEXT PRIMARY KEY,
			subject         TEXT NOT NULL,
			body            TEXT NOT NULL,
			status          TEXT NOT NULL,
			priority        TEXT NOT NULL,
			requester_email TEXT NOT NULL,
			assigned_to     TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS tickets_updated_order ON tickets (updated_at DESC, id)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS tickets_fts USING fts5(
			subject, body, content='tickets', content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS tickets_ai AFTER INSERT ON tickets BEGIN
			INSERT INTO tickets_fts(rowid, subject, body) VALUES (new.rowid, new.subject, new.body);
		END`,
		`CREATE TRIGGER IF NOT EXISTS tickets_ad AFTER DELETE ON tickets BEGIN
			INSERT INTO tickets_fts(tickets_fts, rowid, subject, body) VALUES ('delete', old.rowid, old.subject, old.body);
		END`,
		`CREATE TRIGGER IF NOT EXISTS tickets_au AFTER UPDATE ON tickets BEGIN
			INSERT INTO tickets_fts(tickets_fts, rowid, subject, body) VALUES ('delete', old.rowid, old.subject, old.body);
			INSERT INTO tickets_fts(rowid, subject, body) VALUES (new.rowid, new.subject, new.body);
		END`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("support: create schema: %w", err)
		}
	}
	return nil
}

// ftsQuery quotes each term of raw user text so it cannot carry FTS5
// operator syntax into the MATCH expression. Terms are AND-ed.
// Punctuation-only terms tokenize to nothing and are dropped.
func ftsQuery(q string) string {
	var terms []string
	for _, t := range strings.Fields(q) {
		if !strings.ContainsFunc(t, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) {
			continue
		}
		terms = append(terms, `"`+strings.ReplaceAll(t, `"`, `""`)+`"`)
	}
	return strings.Join(terms, " ")
}

// SearchTickets runs a ranked full-text query and returns up to limit+1
// hits. after, when non-nil, is the (score, id) pair of the last hit
// already delivered.
func (s *Store) SearchTickets(ctx context.Context, query, status, priority string, limit int, after *SearchPosition) ([]ScoredTicket, error) {
	match := ftsQuery(query)
	if match == "" {
		return []ScoredTicket{}, nil
	}

	inner := `SELECT t.id AS id, t.subject AS subject, t.body AS body, t.status AS status,
		t.priority AS priority, t.requester_email AS requester_email, t.assigned_to AS assigned_to,
		t.created_at AS created_at, t.updated_at AS updated_at, bm25(tickets_fts) AS score
		FROM tickets_fts JOIN tickets t ON t.rowid = tickets_fts.rowid
		WHERE tickets_fts MATCH ?`
	args := []any{match}
	if status != "" {
		inner += " AND t.status = ?"
		args = append(args, status)
	}
	if priority != "" {
		inner += " AND t.priority = ?"
		args = append(args, priority)
	}

	sqlText := "SELECT " + ticketColumns + ", score FROM (" + inner + ")"
	if after != nil {
		sqlText += " WHERE score > ? OR (score = ? AND id > ?)"
		args = append(args, after.Score, after.Score, after.ID)
	}
	sqlText += " ORDER BY score, id LIMIT ?"
	args = append(args, limit+1)

	rs, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("support: search tickets: %w", err)
	}
	defer rs.Close()

	rows := make([]ScoredTicket, 0, limit+1)
	for rs.Next() {
		var t ScoredTicket
		if err := rs.Scan(&t.ID, &t.Subject, &t.Body, &t.Status, &t.Priority,
			&t.RequesterEmail, &t.AssignedTo, &t.CreatedAt, &t.UpdatedAt, &t.Score); err != nil {
			return nil, fmt.Errorf("support: scan search hit: %w", err)
		}
		rows = append(rows, t)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("support: search tickets: %w", err)
	}
	return rows, nil
}

// SearchPosition is the resume point of a ranked search: the bm25 score
// and id of the last delivered hit.
type SearchPosition struct {
	Score float64
	ID    string
}

// ListPosition is the resume point of a recency listing: the updated_at
// and id of the last delivered row.
type ListPosition struct {
	UpdatedAt string
	ID        string
}

// ListTickets returns up to limit+1 rows ordered by most recent update.
func (s *Store) ListTickets(ctx context.Context, status string, limit int, after *ListPosition) ([]Ticket, error) {
	sqlText := "SELECT " + ticketColumns + " FROM tickets"
	var (
		where []string
		args  []any
	)
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, status)
	}
	if after != nil {
		where = append(where, "(updated_at < ? OR (updated_at = ? AND id > ?))")
		args = append(args, after.UpdatedAt, after.UpdatedAt, after.ID)
	}
	if len(where) > 0 {
		sqlText += " WHERE " + strings.Join(where, " AND ")
	}
	sqlText += " ORDER BY updated_at DESC, id ASC LIMIT ?"
	args = append(args, limit+1)

	rs, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("support: list tickets: %w", err)
	}
	defer rs.Close()

	rows := make([]Ticket, 0, limit+1)
	for rs.Next() {
		var t Ticket
		if err := rs.Scan(&t.ID, &t.Subject, &t.Body, &t.Status, &t.Priority,
			&t.RequesterEmail, &t.AssignedTo, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("support: scan ticket: %w", err)
		}
		rows = append(rows, t)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("support: list tickets: %w", err)
	}
	return rows, nil
}

// GetTicket fetches one row by id.
func (s *Store) GetTicket(ctx context.Context, id string) (*Ticket, error) {
	var t Ticket
	err := s.db.QueryRowContext(ctx, "SELECT "+ticketColumns+" FROM tickets WHERE id = ?", id).
		Scan(&t.ID, &t.Subject, &t.Body, &t.Status, &t.Priority,
			&t.RequesterEmail, &t.AssignedTo, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("support: get ticket %s: %w", id, err)
	}
	return &t, nil
}

// DeleteTicket removes one row by id; the delete trigger drops its index
// entry with it.
func (s *Store) DeleteTicket(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tickets WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("support: delete ticket %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("support: delete ticket %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Insert adds one ticket. Seed and tests use it; tickets otherwise arrive
// through the helpdesk pipeline, not this API.
func (s *Store) Insert(ctx context.Context, t Ticket) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO tickets ("+ticketColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		t.ID, t.Subject, t.Body, t.Status, t.Priority, t.RequesterEmail, t.AssignedTo, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("support: insert ticket %s: %w", t.ID, err)
	}
	return nil
}

// Seed loads a small queue of tickets. Dev setups only.
func (s *Store) Seed(ctx context.Context) error {
	rows := []Ticket{
		{ID: "TKT-1041", Subject: "Printer offline on floor 3", Body: "The shared printer shows offline for everyone on floor 3 since this morning.", Status: "open", Priority: "high", RequesterEmail: "jonas.berg@example.com", AssignedTo: "sam.okafor@example.com", CreatedAt: "2026-08-20T08:05:00Z", UpdatedAt: "2026-08-21T09:30:00Z"},
		{ID: "TKT-1042", Subject: "VPN drops every hour", Body: "My VPN session disconnects roughly every hour and I have to re-authenticate.", Status: "pending", Priority: "normal", RequesterEmail: "priya.chandran@example.com", AssignedTo: "sam.okafor@example.com", CreatedAt: "2026-08-19T15:12:00Z", UpdatedAt: "2026-08-22T11:02:00Z"},
		{ID: "TKT-1043", Subject: "Laptop battery swelling", Body: "The battery in my laptop looks swollen and the case no longer closes flat.", Status: "open", Priority: "urgent", RequesterEmail: "maya.alvarez@example.com", AssignedTo: "", CreatedAt: "2026-08-23T10:44:00Z", UpdatedAt: "2026-08-23T10:44:00Z"},
	}
	for _, t := range rows {
		if err := s.Insert(ctx, t); err != nil {
			return err
		}
	}
	return nil
}
