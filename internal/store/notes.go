package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *PostgresStore) ListNotes(ctx context.Context, userID string) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, content, user_id, folder_id, created_at, updated_at
		FROM notes
		WHERE user_id=$1
		ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	items := make([]Note, 0)
	for rows.Next() {
		var item Note
		if err := rows.Scan(&item.ID, &item.Title, &item.Content, &item.UserID, &item.FolderID, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetNote(ctx context.Context, noteID string) (Note, error) {
	var item Note
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, content, user_id, folder_id, created_at, updated_at
		FROM notes
		WHERE id=$1
	`, noteID).Scan(&item.ID, &item.Title, &item.Content, &item.UserID, &item.FolderID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Note{}, err
	}
	return item, nil
}

// GetOwnedNote is owner-scoped: another user's note scans as sql.ErrNoRows so
// existence never leaks through the notes API.
func (s *PostgresStore) GetOwnedNote(ctx context.Context, noteID, userID string) (Note, error) {
	var item Note
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, content, user_id, folder_id, created_at, updated_at
		FROM notes
		WHERE id=$1 AND user_id=$2
	`, noteID, userID).Scan(&item.ID, &item.Title, &item.Content, &item.UserID, &item.FolderID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Note{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertNote(ctx context.Context, item Note) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (id, title, content, user_id, folder_id)
		VALUES ($1, $2, $3, $4, $5)
	`, item.ID, item.Title, item.Content, item.UserID, item.FolderID)
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateNote(ctx context.Context, noteID, title, content string, folderID *string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notes SET title=$2, content=$3, folder_id=$4, updated_at=$5 WHERE id=$1
	`, noteID, title, content, folderID, at)
	if err != nil {
		return fmt.Errorf("update note: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteNote(ctx context.Context, noteID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE id=$1`, noteID)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	return nil
}

// NoteAccess describes how a user may use a note.
type NoteAccess struct {
	Note    Note
	IsOwner bool
	Shared  bool
}

// GetNoteAccess loads a note together with the caller's relationship to it.
// sql.ErrNoRows means the note does not exist at all.
func (s *PostgresStore) GetNoteAccess(ctx context.Context, noteID, userID string) (NoteAccess, error) {
	note, err := s.GetNote(ctx, noteID)
	if err != nil {
		return NoteAccess{}, err
	}
	access := NoteAccess{Note: note, IsOwner: note.UserID == userID}
	if access.IsOwner {
		return access, nil
	}
	_, err = s.GetNoteShare(ctx, noteID, userID)
	if err == nil {
		access.Shared = true
		return access, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return access, nil
	}
	return NoteAccess{}, err
}

func (s *PostgresStore) GetNoteShare(ctx context.Context, noteID, userID string) (NoteShare, error) {
	var item NoteShare
	err := s.db.QueryRowContext(ctx, `
		SELECT ns.id, ns.note_id, ns.user_id, ns.permission, ns.shared_at, u.username
		FROM note_shares ns
		JOIN users u ON u.id = ns.user_id
		WHERE ns.note_id=$1 AND ns.user_id=$2
	`, noteID, userID).Scan(&item.ID, &item.NoteID, &item.UserID, &item.Permission, &item.SharedAt, &item.Username)
	if err != nil {
		return NoteShare{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListNoteShares(ctx context.Context, noteID string) ([]NoteShare, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ns.id, ns.note_id, ns.user_id, ns.permission, ns.shared_at, u.username
		FROM note_shares ns
		JOIN users u ON u.id = ns.user_id
		WHERE ns.note_id=$1
		ORDER BY ns.shared_at
	`, noteID)
	if err != nil {
		return nil, fmt.Errorf("list note shares: %w", err)
	}
	defer rows.Close()

	items := make([]NoteShare, 0)
	for rows.Next() {
		var item NoteShare
		if err := rows.Scan(&item.ID, &item.NoteID, &item.UserID, &item.Permission, &item.SharedAt, &item.Username); err != nil {
			return nil, fmt.Errorf("scan note share: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate note shares: %w", err)
	}
	return items, nil
}

// ListSharedNotes returns notes other users shared with this user.
func (s *PostgresStore) ListSharedNotes(ctx context.Context, userID string) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.id, n.title, n.content, n.user_id, n.folder_id, n.created_at, n.updated_at
		FROM notes n
		JOIN note_shares ns ON ns.note_id = n.id
		WHERE ns.user_id=$1
		ORDER BY n.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list shared notes: %w", err)
	}
	defer rows.Close()

	items := make([]Note, 0)
	for rows.Next() {
		var item Note
		if err := rows.Scan(&item.ID, &item.Title, &item.Content, &item.UserID, &item.FolderID, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan shared note: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shared notes: %w", err)
	}
	return items, nil
}

// InsertNoteShare grants access once per (note, user); a second grant for the
// same pair is a no-op, matching the unique constraint.
func (s *PostgresStore) InsertNoteShare(ctx context.Context, item NoteShare) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO note_shares (id, note_id, user_id, permission)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (note_id, user_id) DO NOTHING
	`, item.ID, item.NoteID, item.UserID, item.Permission)
	if err != nil {
		return fmt.Errorf("insert note share: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteNoteShare(ctx context.Context, noteID, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM note_shares WHERE note_id=$1 AND user_id=$2`, noteID, userID)
	if err != nil {
		return fmt.Errorf("delete note share: %w", err)
	}
	return nil
}
