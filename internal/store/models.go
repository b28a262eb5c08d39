package store

import "time"

type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	LastLoginAt  *time.Time
}

type Folder struct {
	ID        string
	Name      string
	ParentID  *string
	UserID    string
	CreatedAt time.Time
}

type Note struct {
	ID        string
	Title     string
	Content   string
	UserID    string
	FolderID  *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type NoteShare struct {
	ID         string
	NoteID     string
	UserID     string
	Permission string
	SharedAt   time.Time
	// Joined for API responses
	Username string
}

type Friendship struct {
	ID          string
	RequesterID string
	AddresseeID string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   *time.Time
	// Joined for API responses
	RequesterUsername string
	AddresseeUsername string
}

// Conversation is a one-to-one chat session. User1ID < User2ID always holds;
// the pair is canonicalized before insert so the unique constraint works.
type Conversation struct {
	ID        string
	User1ID   string
	User2ID   string
	CreatedAt time.Time
	UpdatedAt time.Time
	// Joined for API responses
	User1Username string
	User2Username string
}

// ConversationSummary decorates a conversation with its most recent message.
type ConversationSummary struct {
	Conversation
	LastMessageID      *string
	LastMessageContent *string
	LastMessageSentAt  *time.Time
}

// Message kinds. A chat message belongs to a conversation, a comment to a
// note, and a share references both (the system message posted into a
// conversation when a note is shared).
const (
	MessageKindChat    = "chat"
	MessageKindComment = "comment"
	MessageKindShare   = "share"
)

type Message struct {
	ID             string
	Kind           string
	Content        string
	SenderID       string
	ConversationID *string
	NoteID         *string
	SelectionStart *int
	SelectionEnd   *int
	SentAt         time.Time
	// Joined for API responses
	SenderUsername string
}

type Attachment struct {
	ID          string
	NoteID      string
	UserID      string
	Filename    string
	ContentType string
	Size        int64
	ObjectKey   string
	CreatedAt   time.Time
}

// NoteRevision is one commit in a note's revision history.
type NoteRevision struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}
