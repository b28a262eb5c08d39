package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrFriendshipExists is returned when an insert loses the race against a
// concurrent request for the same unordered pair.
var ErrFriendshipExists = errors.New("friendship already exists")

const friendshipColumns = `
	f.id, f.requester_id, f.addressee_id, f.status, f.created_at, f.updated_at,
	ru.username, au.username
`

const friendshipJoins = `
	FROM friendships f
	JOIN users ru ON ru.id = f.requester_id
	JOIN users au ON au.id = f.addressee_id
`

func (s *PostgresStore) GetFriendship(ctx context.Context, friendshipID string) (Friendship, error) {
	return s.scanFriendship(s.db.QueryRowContext(ctx, `
		SELECT `+friendshipColumns+friendshipJoins+`
		WHERE f.id=$1
	`, friendshipID))
}

// FindFriendshipBetween looks the pair up in both directions; at most one row
// can exist thanks to the unordered-pair unique index.
func (s *PostgresStore) FindFriendshipBetween(ctx context.Context, userA, userB string) (Friendship, error) {
	return s.scanFriendship(s.db.QueryRowContext(ctx, `
		SELECT `+friendshipColumns+friendshipJoins+`
		WHERE (f.requester_id=$1 AND f.addressee_id=$2)
			OR (f.requester_id=$2 AND f.addressee_id=$1)
	`, userA, userB))
}

func (s *PostgresStore) ListFriendships(ctx context.Context, userID string) ([]Friendship, error) {
	return s.queryFriendships(ctx, `
		SELECT `+friendshipColumns+friendshipJoins+`
		WHERE f.requester_id=$1 OR f.addressee_id=$1
		ORDER BY f.created_at DESC
	`, userID)
}

func (s *PostgresStore) ListPendingFriendships(ctx context.Context, userID string) ([]Friendship, error) {
	return s.queryFriendships(ctx, `
		SELECT `+friendshipColumns+friendshipJoins+`
		WHERE f.addressee_id=$1 AND f.status='pending'
		ORDER BY f.created_at DESC
	`, userID)
}

// ListFriends returns the other side of every accepted friendship.
func (s *PostgresStore) ListFriends(ctx context.Context, userID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.username, u.email, u.password_hash, u.created_at, u.last_login_at
		FROM friendships f
		JOIN users u ON u.id = CASE WHEN f.requester_id=$1 THEN f.addressee_id ELSE f.requester_id END
		WHERE f.status='accepted' AND (f.requester_id=$1 OR f.addressee_id=$1)
		ORDER BY u.username
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list friends: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		item, err := s.scanUser(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate friends: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) AreFriends(ctx context.Context, userA, userB string) (bool, error) {
	var accepted bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM friendships
			WHERE status='accepted'
				AND ((requester_id=$1 AND addressee_id=$2) OR (requester_id=$2 AND addressee_id=$1))
		)
	`, userA, userB).Scan(&accepted)
	if err != nil {
		return false, fmt.Errorf("check friendship: %w", err)
	}
	return accepted, nil
}

func (s *PostgresStore) InsertFriendship(ctx context.Context, item Friendship) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO friendships (id, requester_id, addressee_id, status)
		VALUES ($1, $2, $3, $4)
	`, item.ID, item.RequesterID, item.AddresseeID, item.Status)
	if isUniqueViolation(err, "friendships_pair_key") {
		return ErrFriendshipExists
	}
	if err != nil {
		return fmt.Errorf("insert friendship: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateFriendshipStatus(ctx context.Context, friendshipID, status string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE friendships SET status=$2, updated_at=$3 WHERE id=$1
	`, friendshipID, status, at)
	if err != nil {
		return fmt.Errorf("update friendship status: %w", err)
	}
	return nil
}

// ResetFriendship turns a previously rejected row back into a pending request,
// possibly flipping which side is the requester.
func (s *PostgresStore) ResetFriendship(ctx context.Context, friendshipID, requesterID, addresseeID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE friendships
		SET requester_id=$2, addressee_id=$3, status='pending', updated_at=$4
		WHERE id=$1
	`, friendshipID, requesterID, addresseeID, at)
	if err != nil {
		return fmt.Errorf("reset friendship: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteFriendship(ctx context.Context, friendshipID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM friendships WHERE id=$1`, friendshipID)
	if err != nil {
		return fmt.Errorf("delete friendship: %w", err)
	}
	return nil
}

func (s *PostgresStore) scanFriendship(row rowScanner) (Friendship, error) {
	var item Friendship
	err := row.Scan(
		&item.ID,
		&item.RequesterID,
		&item.AddresseeID,
		&item.Status,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.RequesterUsername,
		&item.AddresseeUsername,
	)
	if err != nil {
		return Friendship{}, err
	}
	return item, nil
}

func (s *PostgresStore) queryFriendships(ctx context.Context, query string, args ...any) ([]Friendship, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list friendships: %w", err)
	}
	defer rows.Close()

	items := make([]Friendship, 0)
	for rows.Next() {
		item, err := s.scanFriendship(rows)
		if err != nil {
			return nil, fmt.Errorf("scan friendship: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate friendships: %w", err)
	}
	return items, nil
}
