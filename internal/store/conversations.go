package store

import (
	"context"
	"fmt"
	"time"
)

const conversationColumns = `
	c.id, c.user1_id, c.user2_id, c.created_at, c.updated_at,
	u1.username, u2.username
`

const conversationJoins = `
	FROM conversations c
	JOIN users u1 ON u1.id = c.user1_id
	JOIN users u2 ON u2.id = c.user2_id
`

const lastMessageColumns = `
	lm.id, lm.content, lm.sent_at
`

// lastMessageJoin attaches each conversation's most recent message, if any.
const lastMessageJoin = `
	LEFT JOIN LATERAL (
		SELECT m.id, m.content, m.sent_at
		FROM messages m
		WHERE m.conversation_id = c.id
		ORDER BY m.sent_at DESC
		LIMIT 1
	) lm ON TRUE
`

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	var item Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+conversationJoins+`
		WHERE c.id=$1
	`, conversationID).Scan(
		&item.ID, &item.User1ID, &item.User2ID, &item.CreatedAt, &item.UpdatedAt,
		&item.User1Username, &item.User2Username,
	)
	if err != nil {
		return Conversation{}, err
	}
	return item, nil
}

// FindConversationByPair expects the pair in canonical order (user1 < user2).
func (s *PostgresStore) FindConversationByPair(ctx context.Context, user1ID, user2ID string) (Conversation, error) {
	var item Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+conversationJoins+`
		WHERE c.user1_id=$1 AND c.user2_id=$2
	`, user1ID, user2ID).Scan(
		&item.ID, &item.User1ID, &item.User2ID, &item.CreatedAt, &item.UpdatedAt,
		&item.User1Username, &item.User2Username,
	)
	if err != nil {
		return Conversation{}, err
	}
	return item, nil
}

// InsertConversation returns ErrConversationExists when a concurrent call
// created the row for the same pair first; callers re-fetch on that error.
func (s *PostgresStore) InsertConversation(ctx context.Context, item Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user1_id, user2_id)
		VALUES ($1, $2, $3)
	`, item.ID, item.User1ID, item.User2ID)
	if isUniqueViolation(err, "conversations_pair_key") {
		return ErrConversationExists
	}
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

var ErrConversationExists = fmt.Errorf("conversation already exists")

func (s *PostgresStore) TouchConversation(ctx context.Context, conversationID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET updated_at=$2 WHERE id=$1`, conversationID, at)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListConversationSummaries(ctx context.Context, userID string) ([]ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`, `+lastMessageColumns+conversationJoins+lastMessageJoin+`
		WHERE c.user1_id=$1 OR c.user2_id=$1
		ORDER BY c.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	items := make([]ConversationSummary, 0)
	for rows.Next() {
		var item ConversationSummary
		if err := rows.Scan(
			&item.ID, &item.User1ID, &item.User2ID, &item.CreatedAt, &item.UpdatedAt,
			&item.User1Username, &item.User2Username,
			&item.LastMessageID, &item.LastMessageContent, &item.LastMessageSentAt,
		); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetConversationSummary(ctx context.Context, conversationID string) (ConversationSummary, error) {
	var item ConversationSummary
	err := s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`, `+lastMessageColumns+conversationJoins+lastMessageJoin+`
		WHERE c.id=$1
	`, conversationID).Scan(
		&item.ID, &item.User1ID, &item.User2ID, &item.CreatedAt, &item.UpdatedAt,
		&item.User1Username, &item.User2Username,
		&item.LastMessageID, &item.LastMessageContent, &item.LastMessageSentAt,
	)
	if err != nil {
		return ConversationSummary{}, err
	}
	return item, nil
}
