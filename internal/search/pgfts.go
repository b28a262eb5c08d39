package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search queries the notes table with plainto_tsquery and ts_rank, limited to
// notes the user owns or has a share on, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := `n.fts @@ plainto_tsquery('english', $1)
		AND (n.user_id = $2 OR EXISTS (
			SELECT 1 FROM note_shares ns WHERE ns.note_id = n.id AND ns.user_id = $2
		))`
	args := []any{q.Text, q.UserID}
	if q.FolderID != "" {
		where += fmt.Sprintf(" AND n.folder_id = $%d", len(args)+1)
		args = append(args, q.FolderID)
	}

	var total int
	countSQL := "SELECT count(*) FROM notes n WHERE " + where
	ctx := context.Background()
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT n.id, n.title,
			ts_headline('english', coalesce(n.content, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			n.user_id, n.folder_id,
			(n.user_id <> $2) AS shared
		FROM notes n
		WHERE %s
		ORDER BY ts_rank(n.fts, plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.OwnerID, &r.FolderID, &r.Shared); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all notes with their share lists for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]NoteRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT n.id, n.title, n.content, n.user_id, coalesce(n.folder_id, ''),
			coalesce(array_agg(ns.user_id) FILTER (WHERE ns.user_id IS NOT NULL), '{}')
		FROM notes n
		LEFT JOIN note_shares ns ON ns.note_id = n.id
		GROUP BY n.id
	`)
	if err != nil {
		return nil, fmt.Errorf("load notes: %w", err)
	}
	defer rows.Close()

	notes := make([]NoteRecord, 0)
	for rows.Next() {
		var n NoteRecord
		var shared []byte
		if err := rows.Scan(&n.ID, &n.Title, &n.Content, &n.OwnerID, &n.FolderID, &shared); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		n.SharedWith = parseTextArray(string(shared))
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	return notes, nil
}

// parseTextArray decodes a Postgres text[] literal like {usr_a,usr_b}. IDs are
// hex so no quoting or escaping ever appears.
func parseTextArray(s string) []string {
	s = strings.Trim(s, "{}")
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
