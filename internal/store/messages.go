package store

import (
	"context"
	"fmt"
)

const messageColumns = `
	m.id, m.kind, m.content, m.sender_id, m.conversation_id, m.note_id,
	m.selection_start, m.selection_end, m.sent_at, u.username
`

const messageJoins = `
	FROM messages m
	JOIN users u ON u.id = m.sender_id
`

func (s *PostgresStore) InsertMessage(ctx context.Context, item Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, kind, content, sender_id, conversation_id, note_id, selection_start, selection_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, item.ID, item.Kind, item.Content, item.SenderID, item.ConversationID, item.NoteID, item.SelectionStart, item.SelectionEnd)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	return s.scanMessage(s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+messageJoins+`
		WHERE m.id=$1
	`, messageID))
}

// ListConversationMessages returns messages in chronological order. A
// positive limit keeps only the most recent messages: the tail is taken
// descending, then flipped back to ascending.
func (s *PostgresStore) ListConversationMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit > 0 {
		return s.queryMessages(ctx, `
			SELECT * FROM (
				SELECT `+messageColumns+messageJoins+`
				WHERE m.conversation_id=$1
				ORDER BY m.sent_at DESC
				LIMIT $2
			) tail
			ORDER BY tail.sent_at
		`, conversationID, limit)
	}
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+messageJoins+`
		WHERE m.conversation_id=$1
		ORDER BY m.sent_at
	`, conversationID)
}

// ListNoteComments returns every message attached to the note, share notices
// included.
func (s *PostgresStore) ListNoteComments(ctx context.Context, noteID string) ([]Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+messageJoins+`
		WHERE m.note_id=$1
		ORDER BY m.sent_at
	`, noteID)
}

func (s *PostgresStore) scanMessage(row rowScanner) (Message, error) {
	var item Message
	err := row.Scan(
		&item.ID,
		&item.Kind,
		&item.Content,
		&item.SenderID,
		&item.ConversationID,
		&item.NoteID,
		&item.SelectionStart,
		&item.SelectionEnd,
		&item.SentAt,
		&item.SenderUsername,
	)
	if err != nil {
		return Message{}, err
	}
	return item, nil
}

func (s *PostgresStore) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		item, err := s.scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}
