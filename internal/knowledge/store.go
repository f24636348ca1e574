// Package knowledge is the durable shared memory of the fabric: free-text
// entries written by agents, attributed and searchable by every runtime.
package knowledge

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const (
	defaultSearchLimit = 5
	maxSearchLimit     = 20
)

// Entry is one remembered fact. AgentID records who wrote it.
type Entry struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Category  string    `json:"category"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists entries in SQLite.
type Store struct {
	db *sql.DB
}

// Open creates or opens the knowledge database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open knowledge db: %w", err)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing handle. Schema setup is the caller's problem.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT 'general',
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create entries table: %w", err)
	}
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_entries_agent ON entries(agent_id)",
		"CREATE INDEX IF NOT EXISTS idx_entries_created ON entries(created_at)",
	}
	for _, idx := range indexes {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores one entry and returns its id.
func (s *Store) Save(ctx context.Context, agentID, category, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("content is required")
	}
	if category == "" {
		category = "general"
	}
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO entries (id, agent_id, category, content, created_at) VALUES (?, ?, ?, ?, ?)",
		id, agentID, category, content, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("store entry: %w", err)
	}
	return id, nil
}

// Search returns the most recent entries whose content or category contain
// query, newest first. An empty query returns the most recent entries.
// agentID narrows results to one writer; empty searches the whole team.
func (s *Store) Search(ctx context.Context, agentID, query string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	pattern := "%" + escapeLike(query) + "%"
	q := `SELECT id, agent_id, category, content, created_at FROM entries
		WHERE (content LIKE ? ESCAPE '\' OR category LIKE ? ESCAPE '\')`
	args := []any{pattern, pattern}
	if agentID != "" {
		q += " AND agent_id = ?"
		args = append(args, agentID)
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Category, &e.Content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search entries: %w", err)
	}
	return out, nil
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// escapeLike neutralizes LIKE wildcards in user queries.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
