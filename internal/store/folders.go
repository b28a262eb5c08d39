package store

import (
	"context"
	"fmt"
)

func (s *PostgresStore) ListFolders(ctx context.Context, userID string) ([]Folder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, parent_id, user_id, created_at
		FROM folders
		WHERE user_id=$1
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	defer rows.Close()

	items := make([]Folder, 0)
	for rows.Next() {
		var item Folder
		if err := rows.Scan(&item.ID, &item.Name, &item.ParentID, &item.UserID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate folders: %w", err)
	}
	return items, nil
}

// GetFolder is owner-scoped: a folder belonging to another user scans as
// sql.ErrNoRows, which the API surfaces as 404 rather than 403.
func (s *PostgresStore) GetFolder(ctx context.Context, folderID, userID string) (Folder, error) {
	var item Folder
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, parent_id, user_id, created_at
		FROM folders
		WHERE id=$1 AND user_id=$2
	`, folderID, userID).Scan(&item.ID, &item.Name, &item.ParentID, &item.UserID, &item.CreatedAt)
	if err != nil {
		return Folder{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertFolder(ctx context.Context, item Folder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folders (id, name, parent_id, user_id)
		VALUES ($1, $2, $3, $4)
	`, item.ID, item.Name, item.ParentID, item.UserID)
	if err != nil {
		return fmt.Errorf("insert folder: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateFolder(ctx context.Context, folderID, name string, parentID *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE folders SET name=$2, parent_id=$3 WHERE id=$1
	`, folderID, name, parentID)
	if err != nil {
		return fmt.Errorf("update folder: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteFolder(ctx context.Context, folderID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM folders WHERE id=$1`, folderID)
	if err != nil {
		return fmt.Errorf("delete folder: %w", err)
	}
	return nil
}

// FolderAncestorIDs walks the parent chain of a folder from its immediate
// parent upward. Used to reject reparenting that would create a cycle.
func (s *PostgresStore) FolderAncestorIDs(ctx context.Context, userID, folderID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE ancestors AS (
			SELECT id, parent_id FROM folders WHERE id=$1 AND user_id=$2
			UNION ALL
			SELECT f.id, f.parent_id
			FROM folders f
			JOIN ancestors a ON f.id = a.parent_id
		)
		SELECT id FROM ancestors WHERE id <> $1
	`, folderID, userID)
	if err != nil {
		return nil, fmt.Errorf("folder ancestors: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan ancestor id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ancestors: %w", err)
	}
	return ids, nil
}
