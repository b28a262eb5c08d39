package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"quill/api/internal/export"
	"quill/api/internal/gitrepo"
	"quill/api/internal/perm"
	"quill/api/internal/search"
	"quill/api/internal/store"
	"quill/api/internal/util"
)

func (s *Service) ListNotes(ctx context.Context, session Session, folderID string) ([]map[string]any, error) {
	notes, err := s.store.ListNotes(ctx, session.UserID)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(notes))
	for _, note := range notes {
		if folderID != "" && (note.FolderID == nil || *note.FolderID != folderID) {
			continue
		}
		items = append(items, notePayload(note))
	}
	return items, nil
}

func (s *Service) ListSharedNotes(ctx context.Context, session Session) ([]map[string]any, error) {
	notes, err := s.store.ListSharedNotes(ctx, session.UserID)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(notes))
	for _, note := range notes {
		payload := notePayload(note)
		if share, err := s.store.GetNoteShare(ctx, note.ID, session.UserID); err == nil {
			payload["permission"] = share.Permission
		}
		if owner, err := s.store.GetUserByID(ctx, note.UserID); err == nil {
			payload["ownerUsername"] = owner.Username
		}
		items = append(items, payload)
	}
	return items, nil
}

func (s *Service) GetNote(ctx context.Context, session Session, noteID string) (map[string]any, error) {
	access, err := s.store.GetNoteAccess(ctx, noteID, session.UserID)
	if err != nil {
		return nil, err
	}
	if !access.IsOwner && !access.Shared {
		return nil, sql.ErrNoRows
	}

	payload := notePayload(access.Note)
	payload["isOwner"] = access.IsOwner
	if !access.IsOwner {
		if share, err := s.store.GetNoteShare(ctx, noteID, session.UserID); err == nil {
			payload["permission"] = share.Permission
		}
	}
	return payload, nil
}

func (s *Service) CreateNote(ctx context.Context, session Session, input NoteInput) (map[string]any, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	if input.FolderID != nil {
		if _, err := s.store.GetFolder(ctx, *input.FolderID, session.UserID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, domainError(http.StatusBadRequest, "BAD_REQUEST", "folder not found", nil)
			}
			return nil, err
		}
	}

	now := time.Now().UTC()
	note := store.Note{
		ID:        util.NewID("note"),
		Title:     title,
		Content:   input.Content,
		UserID:    session.UserID,
		FolderID:  input.FolderID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.InsertNote(ctx, note); err != nil {
		return nil, err
	}

	if s.git != nil {
		if err := s.git.EnsureNoteRepo(note.ID, gitrepo.Content{Title: note.Title, Body: note.Content}, session.Username); err != nil {
			return nil, err
		}
	}
	s.indexNote(ctx, note)

	return notePayload(note), nil
}

func (s *Service) UpdateNote(ctx context.Context, session Session, noteID string, input NoteInput) error {
	access, err := s.store.GetNoteAccess(ctx, noteID, session.UserID)
	if err != nil {
		return err
	}
	if !access.IsOwner {
		if !access.Shared {
			return sql.ErrNoRows
		}
		share, err := s.store.GetNoteShare(ctx, noteID, session.UserID)
		if err != nil {
			return err
		}
		if !perm.Can(perm.Grant(share.Permission), perm.ActionWrite) {
			return domainError(http.StatusForbidden, "FORBIDDEN", "the share on this note is read-only", nil)
		}
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}

	// Only the owner can move a note between folders.
	folderID := access.Note.FolderID
	if access.IsOwner {
		folderID = input.FolderID
		if folderID != nil {
			if _, err := s.store.GetFolder(ctx, *folderID, access.Note.UserID); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return domainError(http.StatusBadRequest, "BAD_REQUEST", "folder not found", nil)
				}
				return err
			}
		}
	}

	now := time.Now().UTC()
	if err := s.store.UpdateNote(ctx, noteID, title, input.Content, folderID, now); err != nil {
		return err
	}

	if s.git != nil {
		if _, err := s.git.CommitContent(noteID, gitrepo.Content{Title: title, Body: input.Content}, session.Username, "Update note"); err != nil {
			return err
		}
	}

	note := access.Note
	note.Title = title
	note.Content = input.Content
	note.FolderID = folderID
	note.UpdatedAt = now
	s.indexNote(ctx, note)
	return nil
}

func (s *Service) DeleteNote(ctx context.Context, session Session, noteID string) error {
	note, err := s.store.GetOwnedNote(ctx, noteID, session.UserID)
	if err != nil {
		return err
	}

	attachments, err := s.store.ListNoteAttachments(ctx, noteID)
	if err != nil {
		return err
	}

	if err := s.store.DeleteNote(ctx, note.ID); err != nil {
		return err
	}
	s.cleanupNote(ctx, note.ID, attachments)
	return nil
}

// cleanupNote removes non-database artifacts after the row is gone. Failures
// here are not reported; the note itself is already deleted.
func (s *Service) cleanupNote(ctx context.Context, noteID string, attachments []store.Attachment) {
	if s.git != nil {
		_ = s.git.DeleteNoteRepo(noteID)
	}
	if s.search != nil {
		s.search.DeleteNote(noteID)
	}
	if s.blobs != nil {
		for _, att := range attachments {
			_ = s.blobs.Delete(ctx, att.ObjectKey)
		}
	}
}

func (s *Service) indexNote(ctx context.Context, note store.Note) {
	if s.search == nil {
		return
	}

	sharedWith := make([]string, 0)
	if shares, err := s.store.ListNoteShares(ctx, note.ID); err == nil {
		for _, share := range shares {
			sharedWith = append(sharedWith, share.UserID)
		}
	}

	record := search.NoteRecord{
		ID:         note.ID,
		Title:      note.Title,
		Content:    note.Content,
		OwnerID:    note.UserID,
		SharedWith: sharedWith,
	}
	if note.FolderID != nil {
		record.FolderID = *note.FolderID
	}
	s.search.IndexNote(record)
}

func (s *Service) ListFolders(ctx context.Context, session Session) ([]map[string]any, error) {
	folders, err := s.store.ListFolders(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(folders))
	for _, folder := range folders {
		items = append(items, folderPayload(folder))
	}
	return items, nil
}

func (s *Service) GetFolder(ctx context.Context, session Session, folderID string) (map[string]any, error) {
	folder, err := s.store.GetFolder(ctx, folderID, session.UserID)
	if err != nil {
		return nil, err
	}
	return folderPayload(folder), nil
}

func (s *Service) CreateFolder(ctx context.Context, session Session, input FolderInput) (map[string]any, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if input.ParentID != nil {
		if _, err := s.store.GetFolder(ctx, *input.ParentID, session.UserID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, domainError(http.StatusBadRequest, "BAD_REQUEST", "parent folder not found", nil)
			}
			return nil, err
		}
	}

	folder := store.Folder{
		ID:        util.NewID("fld"),
		Name:      name,
		ParentID:  input.ParentID,
		UserID:    session.UserID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertFolder(ctx, folder); err != nil {
		return nil, err
	}
	return folderPayload(folder), nil
}

func (s *Service) UpdateFolder(ctx context.Context, session Session, folderID string, input FolderInput) error {
	if _, err := s.store.GetFolder(ctx, folderID, session.UserID); err != nil {
		return err
	}

	name := strings.TrimSpace(input.Name)
	if name == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}

	if input.ParentID != nil {
		parentID := *input.ParentID
		if parentID == folderID {
			return domainError(http.StatusBadRequest, "BAD_REQUEST", "folder cannot be its own parent", nil)
		}
		if _, err := s.store.GetFolder(ctx, parentID, session.UserID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domainError(http.StatusBadRequest, "BAD_REQUEST", "parent folder not found", nil)
			}
			return err
		}
		ancestors, err := s.store.FolderAncestorIDs(ctx, session.UserID, parentID)
		if err != nil {
			return err
		}
		for _, id := range ancestors {
			if id == folderID {
				return domainError(http.StatusBadRequest, "BAD_REQUEST", "folder cannot be moved under one of its descendants", nil)
			}
		}
	}

	return s.store.UpdateFolder(ctx, folderID, name, input.ParentID)
}

func (s *Service) DeleteFolder(ctx context.Context, session Session, folderID string) error {
	if _, err := s.store.GetFolder(ctx, folderID, session.UserID); err != nil {
		return err
	}

	// Deleting a folder cascades to its subtree and the notes in it, so the
	// affected note ids are collected up front.
	doomed, err := s.folderSubtreeNotes(ctx, session.UserID, folderID)
	if err != nil {
		return err
	}

	if err := s.store.DeleteFolder(ctx, folderID); err != nil {
		return err
	}
	for _, note := range doomed {
		attachments, _ := s.store.ListNoteAttachments(ctx, note.ID)
		s.cleanupNote(ctx, note.ID, attachments)
	}
	return nil
}

func (s *Service) folderSubtreeNotes(ctx context.Context, userID, folderID string) ([]store.Note, error) {
	folders, err := s.store.ListFolders(ctx, userID)
	if err != nil {
		return nil, err
	}

	children := make(map[string][]string)
	for _, folder := range folders {
		if folder.ParentID != nil {
			children[*folder.ParentID] = append(children[*folder.ParentID], folder.ID)
		}
	}

	subtree := map[string]bool{folderID: true}
	queue := []string{folderID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, child := range children[current] {
			if !subtree[child] {
				subtree[child] = true
				queue = append(queue, child)
			}
		}
	}

	notes, err := s.store.ListNotes(ctx, userID)
	if err != nil {
		return nil, err
	}
	doomed := make([]store.Note, 0)
	for _, note := range notes {
		if note.FolderID != nil && subtree[*note.FolderID] {
			doomed = append(doomed, note)
		}
	}
	return doomed, nil
}

func (s *Service) ListNoteShares(ctx context.Context, session Session, noteID string) ([]map[string]any, error) {
	if _, err := s.store.GetOwnedNote(ctx, noteID, session.UserID); err != nil {
		return nil, err
	}
	shares, err := s.store.ListNoteShares(ctx, noteID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(shares))
	for _, share := range shares {
		items = append(items, sharePayload(share))
	}
	return items, nil
}

func (s *Service) ShareNote(ctx context.Context, session Session, noteID string, input ShareNoteInput) (map[string]any, error) {
	note, err := s.store.GetOwnedNote(ctx, noteID, session.UserID)
	if err != nil {
		return nil, err
	}

	permission := input.Permission
	if permission == "" {
		permission = string(perm.GrantRead)
	}
	if !perm.Valid(permission) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "permission must be read or write", nil)
	}

	target, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(input.Username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "user not found", nil)
		}
		return nil, err
	}
	if target.ID == session.UserID {
		return nil, domainError(http.StatusBadRequest, "BAD_REQUEST", "you cannot share a note with yourself", nil)
	}

	friends, err := s.store.AreFriends(ctx, session.UserID, target.ID)
	if err != nil {
		return nil, err
	}
	if !friends {
		return nil, domainError(http.StatusBadRequest, "BAD_REQUEST", "notes can only be shared with friends", nil)
	}

	share := store.NoteShare{
		ID:         util.NewID("shr"),
		NoteID:     note.ID,
		UserID:     target.ID,
		Permission: permission,
		SharedAt:   time.Now().UTC(),
		Username:   target.Username,
	}
	if err := s.store.InsertNoteShare(ctx, share); err != nil {
		return nil, err
	}

	s.postShareMessage(ctx, session, note, target.ID)
	s.notifyNoteShared(target, session.Username, note.Title)
	s.indexNote(ctx, note)

	return sharePayload(share), nil
}

func (s *Service) UnshareNote(ctx context.Context, session Session, noteID, targetUserID string) error {
	note, err := s.store.GetOwnedNote(ctx, noteID, session.UserID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteNoteShare(ctx, note.ID, targetUserID); err != nil {
		return err
	}
	s.indexNote(ctx, note)
	return nil
}

// postShareMessage drops a share notice into the existing conversation
// between the two users, if one exists.
func (s *Service) postShareMessage(ctx context.Context, session Session, note store.Note, targetUserID string) {
	user1, user2 := canonicalPair(session.UserID, targetUserID)
	conversation, err := s.store.FindConversationByPair(ctx, user1, user2)
	if err != nil {
		return
	}

	now := time.Now().UTC()
	noteID := note.ID
	conversationID := conversation.ID
	_ = s.store.InsertMessage(ctx, store.Message{
		ID:             util.NewID("msg"),
		Kind:           store.MessageKindShare,
		Content:        "Shared a note: " + note.Title,
		SenderID:       session.UserID,
		ConversationID: &conversationID,
		NoteID:         &noteID,
		SentAt:         now,
	})
	s.touchConversation(ctx, conversation.ID, now)
}

func (s *Service) notifyNoteShared(target store.User, ownerName, noteTitle string) {
	if s.email == nil || !s.email.IsConfigured() || target.Email == "" {
		return
	}
	go func() {
		_ = s.email.SendNoteShareEmail(target.Email, target.Username, ownerName, noteTitle)
	}()
}

func (s *Service) ExportNote(ctx context.Context, session Session, noteID, format string, includeComments bool) (*export.Result, error) {
	access, err := s.store.GetNoteAccess(ctx, noteID, session.UserID)
	if err != nil {
		return nil, err
	}
	if !access.IsOwner && !access.Shared {
		return nil, sql.ErrNoRows
	}

	author := session.Username
	if !access.IsOwner {
		if owner, err := s.store.GetUserByID(ctx, access.Note.UserID); err == nil {
			author = owner.Username
		}
	}

	req := export.Request{
		Note: export.Note{
			ID:        access.Note.ID,
			Title:     access.Note.Title,
			Content:   access.Note.Content,
			Author:    author,
			UpdatedAt: access.Note.UpdatedAt,
		},
		Format:          export.Format(format),
		IncludeComments: includeComments,
	}

	if includeComments {
		comments, err := s.store.ListNoteComments(ctx, noteID)
		if err != nil {
			return nil, err
		}
		for _, comment := range comments {
			req.Comments = append(req.Comments, export.Comment{
				Author:         comment.SenderUsername,
				Body:           comment.Content,
				SelectionStart: comment.SelectionStart,
				SelectionEnd:   comment.SelectionEnd,
				SentAt:         comment.SentAt,
			})
		}
	}

	result, err := s.exporter.Export(req)
	switch {
	case errors.Is(err, export.ErrUnsupportedFormat):
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be md, html, or pdf", nil)
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return nil, domainError(http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "pdf rendering is not available on this server", nil)
	case err != nil:
		return nil, err
	}
	return result, nil
}

func (s *Service) NoteHistory(ctx context.Context, session Session, noteID string, limit int) ([]map[string]any, error) {
	access, err := s.store.GetNoteAccess(ctx, noteID, session.UserID)
	if err != nil {
		return nil, err
	}
	if !access.IsOwner && !access.Shared {
		return nil, sql.ErrNoRows
	}
	if s.git == nil {
		return []map[string]any{}, nil
	}

	revisions, err := s.git.History(noteID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(revisions))
	for _, rev := range revisions {
		items = append(items, map[string]any{
			"hash":      rev.Hash,
			"message":   rev.Message,
			"author":    rev.Author,
			"createdAt": rev.CreatedAt,
		})
	}
	return items, nil
}

func (s *Service) NoteRevision(ctx context.Context, session Session, noteID, hash string) (map[string]any, error) {
	access, err := s.store.GetNoteAccess(ctx, noteID, session.UserID)
	if err != nil {
		return nil, err
	}
	if !access.IsOwner && !access.Shared {
		return nil, sql.ErrNoRows
	}
	if s.git == nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "revision not found", nil)
	}

	content, err := s.git.GetContentByHash(noteID, hash)
	if err != nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "revision not found", nil)
	}
	return map[string]any{
		"hash":    hash,
		"title":   content.Title,
		"content": content.Body,
	}, nil
}

func (s *Service) ListAttachments(ctx context.Context, session Session, noteID string) ([]map[string]any, error) {
	access, err := s.store.GetNoteAccess(ctx, noteID, session.UserID)
	if err != nil {
		return nil, err
	}
	if !access.IsOwner && !access.Shared {
		return nil, sql.ErrNoRows
	}

	attachments, err := s.store.ListNoteAttachments(ctx, noteID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(attachments))
	for _, att := range attachments {
		items = append(items, attachmentPayload(att))
	}
	return items, nil
}

func (s *Service) UploadAttachment(ctx context.Context, session Session, noteID, filename, contentType string, size int64, r io.Reader) (map[string]any, error) {
	if err := s.requireWriteAccess(ctx, session, noteID); err != nil {
		return nil, err
	}
	if s.blobs == nil {
		return nil, domainError(http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "attachment storage is not configured", nil)
	}

	filename = path.Base(strings.TrimSpace(filename))
	if filename == "" || filename == "." || filename == "/" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "filename is required", nil)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	att := store.Attachment{
		ID:          util.NewID("att"),
		NoteID:      noteID,
		UserID:      session.UserID,
		Filename:    filename,
		ContentType: contentType,
		Size:        size,
		CreatedAt:   time.Now().UTC(),
	}
	att.ObjectKey = noteID + "/" + att.ID + "/" + filename

	if err := s.blobs.Upload(ctx, att.ObjectKey, r, size, contentType); err != nil {
		return nil, err
	}
	if err := s.store.InsertAttachment(ctx, att); err != nil {
		_ = s.blobs.Delete(ctx, att.ObjectKey)
		return nil, err
	}
	return attachmentPayload(att), nil
}

func (s *Service) DownloadAttachment(ctx context.Context, session Session, noteID, attachmentID string) (store.Attachment, io.ReadCloser, error) {
	access, err := s.store.GetNoteAccess(ctx, noteID, session.UserID)
	if err != nil {
		return store.Attachment{}, nil, err
	}
	if !access.IsOwner && !access.Shared {
		return store.Attachment{}, nil, sql.ErrNoRows
	}

	att, err := s.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		return store.Attachment{}, nil, err
	}
	if att.NoteID != noteID {
		return store.Attachment{}, nil, sql.ErrNoRows
	}
	if s.blobs == nil {
		return store.Attachment{}, nil, domainError(http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "attachment storage is not configured", nil)
	}

	body, err := s.blobs.Download(ctx, att.ObjectKey)
	if err != nil {
		return store.Attachment{}, nil, err
	}
	return att, body, nil
}

func (s *Service) DeleteAttachment(ctx context.Context, session Session, noteID, attachmentID string) error {
	access, err := s.store.GetNoteAccess(ctx, noteID, session.UserID)
	if err != nil {
		return err
	}
	if !access.IsOwner && !access.Shared {
		return sql.ErrNoRows
	}

	att, err := s.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		return err
	}
	if att.NoteID != noteID {
		return sql.ErrNoRows
	}
	if !access.IsOwner && att.UserID != session.UserID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "only the note owner or the uploader can delete an attachment", nil)
	}

	if err := s.store.DeleteAttachment(ctx, att.ID); err != nil {
		return err
	}
	if s.blobs != nil {
		_ = s.blobs.Delete(ctx, att.ObjectKey)
	}
	return nil
}

func (s *Service) requireWriteAccess(ctx context.Context, session Session, noteID string) error {
	access, err := s.store.GetNoteAccess(ctx, noteID, session.UserID)
	if err != nil {
		return err
	}
	if access.IsOwner {
		return nil
	}
	if !access.Shared {
		return sql.ErrNoRows
	}
	share, err := s.store.GetNoteShare(ctx, noteID, session.UserID)
	if err != nil {
		return err
	}
	if !perm.Can(perm.Grant(share.Permission), perm.ActionWrite) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "the share on this note is read-only", nil)
	}
	return nil
}

func (s *Service) SearchNotes(ctx context.Context, session Session, text, folderID string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "search is not configured", nil)
	}
	return s.search.Search(search.Query{
		Text:     text,
		UserID:   session.UserID,
		FolderID: folderID,
		Limit:    limit,
		Offset:   offset,
	}), nil
}

func notePayload(note store.Note) map[string]any {
	return map[string]any{
		"id":        note.ID,
		"title":     note.Title,
		"content":   note.Content,
		"userId":    note.UserID,
		"folderId":  note.FolderID,
		"createdAt": note.CreatedAt,
		"updatedAt": note.UpdatedAt,
	}
}

func folderPayload(folder store.Folder) map[string]any {
	return map[string]any{
		"id":        folder.ID,
		"name":      folder.Name,
		"parentId":  folder.ParentID,
		"userId":    folder.UserID,
		"createdAt": folder.CreatedAt,
	}
}

func sharePayload(share store.NoteShare) map[string]any {
	return map[string]any{
		"id":         share.ID,
		"noteId":     share.NoteID,
		"userId":     share.UserID,
		"username":   share.Username,
		"permission": share.Permission,
		"sharedAt":   share.SharedAt,
	}
}

func attachmentPayload(att store.Attachment) map[string]any {
	return map[string]any{
		"id":          att.ID,
		"noteId":      att.NoteID,
		"userId":      att.UserID,
		"filename":    att.Filename,
		"contentType": att.ContentType,
		"size":        att.Size,
		"createdAt":   att.CreatedAt,
	}
}
