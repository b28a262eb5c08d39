package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"quill/api/internal/perm"
	"quill/api/internal/store"
	"quill/api/internal/util"
)

func canonicalPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

// touchConversation bumps updated_at so conversation lists keep their
// most-recent-first order. The message is already stored at this point, so a
// failure is logged rather than returned.
func (s *Service) touchConversation(ctx context.Context, conversationID string, at time.Time) {
	if err := s.store.TouchConversation(ctx, conversationID, at); err != nil {
		log.Printf("conversation %s: bump updated_at: %v", conversationID, err)
	}
}

func (s *Service) ListFriendships(ctx context.Context, session Session) ([]map[string]any, error) {
	friendships, err := s.store.ListFriendships(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(friendships))
	for _, friendship := range friendships {
		items = append(items, friendshipPayload(friendship))
	}
	return items, nil
}

func (s *Service) ListPendingFriendships(ctx context.Context, session Session) ([]map[string]any, error) {
	friendships, err := s.store.ListPendingFriendships(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(friendships))
	for _, friendship := range friendships {
		items = append(items, friendshipPayload(friendship))
	}
	return items, nil
}

func (s *Service) ListFriends(ctx context.Context, session Session) ([]map[string]any, error) {
	friends, err := s.store.ListFriends(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(friends))
	for _, friend := range friends {
		items = append(items, userPayload(friend))
	}
	return items, nil
}

// SendFriendRequest creates a pending friendship addressed to the named user.
// A pending request in the opposite direction is accepted instead, and a
// previously rejected pair can be re-requested.
func (s *Service) SendFriendRequest(ctx context.Context, session Session, username string) (map[string]any, error) {
	target, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "user not found", nil)
		}
		return nil, err
	}
	if target.ID == session.UserID {
		return nil, domainError(http.StatusBadRequest, "BAD_REQUEST", "you cannot send a friend request to yourself", nil)
	}

	now := time.Now().UTC()
	existing, err := s.store.FindFriendshipBetween(ctx, session.UserID, target.ID)
	if err == nil {
		switch {
		case existing.Status == "accepted":
			return nil, domainError(http.StatusConflict, "FRIENDSHIP_EXISTS", "you are already friends", nil)
		case existing.Status == "pending" && existing.RequesterID == session.UserID:
			return nil, domainError(http.StatusConflict, "FRIENDSHIP_EXISTS", "friend request already sent", nil)
		case existing.Status == "pending":
			// The other user already asked; treat this as an acceptance.
			if err := s.store.UpdateFriendshipStatus(ctx, existing.ID, "accepted", now); err != nil {
				return nil, err
			}
		default:
			if err := s.store.ResetFriendship(ctx, existing.ID, session.UserID, target.ID, now); err != nil {
				return nil, err
			}
		}
		updated, err := s.store.GetFriendship(ctx, existing.ID)
		if err != nil {
			return nil, err
		}
		return friendshipPayload(updated), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	friendship := store.Friendship{
		ID:                util.NewID("frq"),
		RequesterID:       session.UserID,
		AddresseeID:       target.ID,
		Status:            "pending",
		CreatedAt:         now,
		RequesterUsername: session.Username,
		AddresseeUsername: target.Username,
	}
	if err := s.store.InsertFriendship(ctx, friendship); err != nil {
		if errors.Is(err, store.ErrFriendshipExists) {
			return nil, domainError(http.StatusConflict, "FRIENDSHIP_EXISTS", "friend request already sent", nil)
		}
		return nil, err
	}

	s.notifyFriendRequest(target, session.Username)
	return friendshipPayload(friendship), nil
}

func (s *Service) AcceptFriendship(ctx context.Context, session Session, friendshipID string) (map[string]any, error) {
	return s.answerFriendship(ctx, session, friendshipID, "accepted")
}

func (s *Service) RejectFriendship(ctx context.Context, session Session, friendshipID string) (map[string]any, error) {
	return s.answerFriendship(ctx, session, friendshipID, "rejected")
}

func (s *Service) answerFriendship(ctx context.Context, session Session, friendshipID, status string) (map[string]any, error) {
	friendship, err := s.store.GetFriendship(ctx, friendshipID)
	if err != nil {
		return nil, err
	}
	if friendship.AddresseeID != session.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "only the addressee can answer a friend request", nil)
	}
	if friendship.Status != "pending" {
		return nil, domainError(http.StatusBadRequest, "BAD_REQUEST", "friend request has already been answered", nil)
	}

	now := time.Now().UTC()
	if err := s.store.UpdateFriendshipStatus(ctx, friendshipID, status, now); err != nil {
		return nil, err
	}
	friendship.Status = status
	friendship.UpdatedAt = &now
	return friendshipPayload(friendship), nil
}

func (s *Service) DeleteFriendship(ctx context.Context, session Session, friendshipID string) error {
	friendship, err := s.store.GetFriendship(ctx, friendshipID)
	if err != nil {
		return err
	}
	if friendship.RequesterID != session.UserID && friendship.AddresseeID != session.UserID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "you are not part of this friendship", nil)
	}
	return s.store.DeleteFriendship(ctx, friendshipID)
}

func (s *Service) notifyFriendRequest(target store.User, requesterName string) {
	if s.email == nil || !s.email.IsConfigured() || target.Email == "" {
		return
	}
	go func() {
		_ = s.email.SendFriendRequestEmail(target.Email, target.Username, requesterName)
	}()
}

func (s *Service) ListConversations(ctx context.Context, session Session) ([]map[string]any, error) {
	summaries, err := s.store.ListConversationSummaries(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(summaries))
	for _, summary := range summaries {
		items = append(items, conversationPayload(summary))
	}
	return items, nil
}

func (s *Service) GetConversation(ctx context.Context, session Session, conversationID string) (map[string]any, error) {
	summary, err := s.store.GetConversationSummary(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if summary.User1ID != session.UserID && summary.User2ID != session.UserID {
		return nil, sql.ErrNoRows
	}
	return conversationPayload(summary), nil
}

// CreateOrGetConversation returns the existing conversation with the other
// user or starts a new one. Conversations only exist between friends.
func (s *Service) CreateOrGetConversation(ctx context.Context, session Session, otherUserID string) (map[string]any, error) {
	if otherUserID == session.UserID {
		return nil, domainError(http.StatusBadRequest, "BAD_REQUEST", "you cannot start a conversation with yourself", nil)
	}
	if _, err := s.store.GetUserByID(ctx, otherUserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "user not found", nil)
		}
		return nil, err
	}

	user1, user2 := canonicalPair(session.UserID, otherUserID)
	existing, err := s.store.FindConversationByPair(ctx, user1, user2)
	if err == nil {
		summary, err := s.store.GetConversationSummary(ctx, existing.ID)
		if err != nil {
			return nil, err
		}
		return conversationPayload(summary), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	friends, err := s.store.AreFriends(ctx, session.UserID, otherUserID)
	if err != nil {
		return nil, err
	}
	if !friends {
		return nil, domainError(http.StatusBadRequest, "BAD_REQUEST", "conversations are only available between friends", nil)
	}

	conversation := store.Conversation{
		ID:      util.NewID("cnv"),
		User1ID: user1,
		User2ID: user2,
	}
	err = s.store.InsertConversation(ctx, conversation)
	if errors.Is(err, store.ErrConversationExists) {
		// Lost the race; the winner's row is the one to return.
		conversation, err = s.store.FindConversationByPair(ctx, user1, user2)
	}
	if err != nil {
		return nil, err
	}

	summary, err := s.store.GetConversationSummary(ctx, conversation.ID)
	if err != nil {
		return nil, err
	}
	return conversationPayload(summary), nil
}

func (s *Service) ConversationMessages(ctx context.Context, session Session, conversationID string, limit int) ([]map[string]any, error) {
	conversation, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conversation.User1ID != session.UserID && conversation.User2ID != session.UserID {
		return nil, sql.ErrNoRows
	}

	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	messages, err := s.store.ListConversationMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		items = append(items, messagePayload(message))
	}
	return items, nil
}

func (s *Service) NoteComments(ctx context.Context, session Session, noteID string) ([]map[string]any, error) {
	access, err := s.store.GetNoteAccess(ctx, noteID, session.UserID)
	if err != nil {
		return nil, err
	}
	if !access.IsOwner && !access.Shared {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "you do not have access to this note", nil)
	}

	comments, err := s.store.ListNoteComments(ctx, noteID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(comments))
	for _, comment := range comments {
		items = append(items, messagePayload(comment))
	}
	return items, nil
}

// GetMessage returns a single message if the caller may see it: conversation
// messages require participancy, note comments require note access.
func (s *Service) GetMessage(ctx context.Context, session Session, messageID string) (map[string]any, error) {
	message, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}

	if message.ConversationID != nil {
		conversation, err := s.store.GetConversation(ctx, *message.ConversationID)
		if err != nil {
			return nil, err
		}
		if conversation.User1ID != session.UserID && conversation.User2ID != session.UserID {
			return nil, sql.ErrNoRows
		}
		return messagePayload(message), nil
	}

	access, err := s.store.GetNoteAccess(ctx, *message.NoteID, session.UserID)
	if err != nil {
		return nil, err
	}
	if !access.IsOwner && !access.Shared {
		return nil, sql.ErrNoRows
	}
	return messagePayload(message), nil
}

// SendMessage posts a chat message into a conversation or a comment onto a
// note, depending on which id is set. Exactly one must be.
func (s *Service) SendMessage(ctx context.Context, session Session, input SendMessageInput) (map[string]any, error) {
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	hasConversation := input.ConversationID != nil && *input.ConversationID != ""
	hasNote := input.NoteID != nil && *input.NoteID != ""
	if hasConversation == hasNote {
		return nil, domainError(http.StatusBadRequest, "BAD_REQUEST", "exactly one of conversationId or noteId is required", nil)
	}

	now := time.Now().UTC()
	message := store.Message{
		ID:             util.NewID("msg"),
		Content:        content,
		SenderID:       session.UserID,
		SentAt:         now,
		SenderUsername: session.Username,
	}

	if hasConversation {
		conversation, err := s.store.GetConversation(ctx, *input.ConversationID)
		if err != nil {
			return nil, err
		}
		if conversation.User1ID != session.UserID && conversation.User2ID != session.UserID {
			return nil, sql.ErrNoRows
		}

		message.Kind = store.MessageKindChat
		message.ConversationID = input.ConversationID
		if err := s.store.InsertMessage(ctx, message); err != nil {
			return nil, err
		}
		s.touchConversation(ctx, conversation.ID, now)
		return messagePayload(message), nil
	}

	access, err := s.store.GetNoteAccess(ctx, *input.NoteID, session.UserID)
	if err != nil {
		return nil, err
	}
	if !access.IsOwner && !access.Shared {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "you do not have access to this note", nil)
	}
	if err := validateSelection(access.Note.Content, input.SelectionStart, input.SelectionEnd); err != nil {
		return nil, err
	}

	message.Kind = store.MessageKindComment
	message.NoteID = input.NoteID
	message.SelectionStart = input.SelectionStart
	message.SelectionEnd = input.SelectionEnd
	if err := s.store.InsertMessage(ctx, message); err != nil {
		return nil, err
	}
	return messagePayload(message), nil
}

// validateSelection checks an optional anchored range against the note text.
// Both ends must be given together and fall inside the content.
func validateSelection(content string, start, end *int) error {
	if start == nil && end == nil {
		return nil
	}
	if start == nil || end == nil {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "selectionStart and selectionEnd must be provided together", nil)
	}
	if *start < 0 || *end < *start || *end > len(content) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "selection range is out of bounds", nil)
	}
	return nil
}

// ShareNoteMessage shares one of the sender's notes into a conversation. The
// other participant gets a read share if they do not already have one.
func (s *Service) ShareNoteMessage(ctx context.Context, session Session, input ShareNoteMessageInput) (map[string]any, error) {
	note, err := s.store.GetNote(ctx, input.NoteID)
	if err != nil {
		return nil, err
	}
	if note.UserID != session.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "only the owner can share a note", nil)
	}

	conversation, err := s.store.GetConversation(ctx, input.ConversationID)
	if err != nil {
		return nil, err
	}
	if conversation.User1ID != session.UserID && conversation.User2ID != session.UserID {
		return nil, sql.ErrNoRows
	}

	otherID := conversation.User1ID
	if otherID == session.UserID {
		otherID = conversation.User2ID
	}

	now := time.Now().UTC()
	if _, err := s.store.GetNoteShare(ctx, note.ID, otherID); errors.Is(err, sql.ErrNoRows) {
		share := store.NoteShare{
			ID:         util.NewID("shr"),
			NoteID:     note.ID,
			UserID:     otherID,
			Permission: string(perm.GrantRead),
			SharedAt:   now,
		}
		if err := s.store.InsertNoteShare(ctx, share); err != nil {
			return nil, err
		}
		s.indexNote(ctx, note)
	} else if err != nil {
		return nil, err
	}

	noteID := note.ID
	conversationID := conversation.ID
	message := store.Message{
		ID:             util.NewID("msg"),
		Kind:           store.MessageKindShare,
		Content:        "Shared a note: " + note.Title,
		SenderID:       session.UserID,
		ConversationID: &conversationID,
		NoteID:         &noteID,
		SentAt:         now,
		SenderUsername: session.Username,
	}
	if err := s.store.InsertMessage(ctx, message); err != nil {
		return nil, err
	}
	s.touchConversation(ctx, conversation.ID, now)

	if other, err := s.store.GetUserByID(ctx, otherID); err == nil {
		s.notifyNoteShared(other, session.Username, note.Title)
	}
	return messagePayload(message), nil
}

func friendshipPayload(friendship store.Friendship) map[string]any {
	payload := map[string]any{
		"id":                friendship.ID,
		"requesterId":       friendship.RequesterID,
		"addresseeId":       friendship.AddresseeID,
		"requesterUsername": friendship.RequesterUsername,
		"addresseeUsername": friendship.AddresseeUsername,
		"status":            friendship.Status,
		"createdAt":         friendship.CreatedAt,
	}
	if friendship.UpdatedAt != nil {
		payload["updatedAt"] = *friendship.UpdatedAt
	}
	return payload
}

func conversationPayload(summary store.ConversationSummary) map[string]any {
	payload := map[string]any{
		"id":            summary.ID,
		"user1Id":       summary.User1ID,
		"user2Id":       summary.User2ID,
		"user1Username": summary.User1Username,
		"user2Username": summary.User2Username,
		"createdAt":     summary.CreatedAt,
		"updatedAt":     summary.UpdatedAt,
	}
	if summary.LastMessageID != nil {
		payload["lastMessage"] = map[string]any{
			"id":      *summary.LastMessageID,
			"content": *summary.LastMessageContent,
			"sentAt":  *summary.LastMessageSentAt,
		}
	}
	return payload
}

func messagePayload(message store.Message) map[string]any {
	payload := map[string]any{
		"id":             message.ID,
		"kind":           message.Kind,
		"content":        message.Content,
		"senderId":       message.SenderID,
		"senderUsername": message.SenderUsername,
		"sentAt":         message.SentAt,
	}
	if message.ConversationID != nil {
		payload["conversationId"] = *message.ConversationID
	}
	if message.NoteID != nil {
		payload["noteId"] = *message.NoteID
	}
	if message.SelectionStart != nil {
		payload["selectionStart"] = *message.SelectionStart
	}
	if message.SelectionEnd != nil {
		payload["selectionEnd"] = *message.SelectionEnd
	}
	return payload
}
