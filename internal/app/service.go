package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"quill/api/internal/auth"
	"quill/api/internal/authpw"
	"quill/api/internal/config"
	"quill/api/internal/export"
	"quill/api/internal/gitrepo"
	"quill/api/internal/search"
	"quill/api/internal/store"
	"quill/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Username     string
	JTI          string
	ExpiresAt    time.Time
}

type RegisterInput struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginInput struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type UpdateUserInput struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type ChangePasswordInput struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type NoteInput struct {
	Title    string  `json:"title"`
	Content  string  `json:"content"`
	FolderID *string `json:"folderId"`
}

type FolderInput struct {
	Name     string  `json:"name"`
	ParentID *string `json:"parentId"`
}

type ShareNoteInput struct {
	Username   string `json:"username"`
	Permission string `json:"permission"`
}

type SendMessageInput struct {
	Content        string  `json:"content"`
	ConversationID *string `json:"conversationId"`
	NoteID         *string `json:"noteId"`
	SelectionStart *int    `json:"selectionStart"`
	SelectionEnd   *int    `json:"selectionEnd"`
}

type ShareNoteMessageInput struct {
	ConversationID string `json:"conversationId"`
	NoteID         string `json:"noteId"`
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByUsername(context.Context, string) (store.User, error)
	ListUsers(context.Context) ([]store.User, error)
	UpdateUser(context.Context, string, string, string) error
	UpdateUserPassword(context.Context, string, string) error
	TouchLastLogin(context.Context, string, time.Time) error
	DeleteUser(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	ListFolders(context.Context, string) ([]store.Folder, error)
	GetFolder(context.Context, string, string) (store.Folder, error)
	InsertFolder(context.Context, store.Folder) error
	UpdateFolder(context.Context, string, string, *string) error
	DeleteFolder(context.Context, string) error
	FolderAncestorIDs(context.Context, string, string) ([]string, error)
	ListNotes(context.Context, string) ([]store.Note, error)
	GetNote(context.Context, string) (store.Note, error)
	GetOwnedNote(context.Context, string, string) (store.Note, error)
	InsertNote(context.Context, store.Note) error
	UpdateNote(context.Context, string, string, string, *string, time.Time) error
	DeleteNote(context.Context, string) error
	GetNoteAccess(context.Context, string, string) (store.NoteAccess, error)
	GetNoteShare(context.Context, string, string) (store.NoteShare, error)
	ListNoteShares(context.Context, string) ([]store.NoteShare, error)
	ListSharedNotes(context.Context, string) ([]store.Note, error)
	InsertNoteShare(context.Context, store.NoteShare) error
	DeleteNoteShare(context.Context, string, string) error
	GetFriendship(context.Context, string) (store.Friendship, error)
	FindFriendshipBetween(context.Context, string, string) (store.Friendship, error)
	ListFriendships(context.Context, string) ([]store.Friendship, error)
	ListPendingFriendships(context.Context, string) ([]store.Friendship, error)
	ListFriends(context.Context, string) ([]store.User, error)
	AreFriends(context.Context, string, string) (bool, error)
	InsertFriendship(context.Context, store.Friendship) error
	UpdateFriendshipStatus(context.Context, string, string, time.Time) error
	ResetFriendship(context.Context, string, string, string, time.Time) error
	DeleteFriendship(context.Context, string) error
	GetConversation(context.Context, string) (store.Conversation, error)
	FindConversationByPair(context.Context, string, string) (store.Conversation, error)
	InsertConversation(context.Context, store.Conversation) error
	TouchConversation(context.Context, string, time.Time) error
	ListConversationSummaries(context.Context, string) ([]store.ConversationSummary, error)
	GetConversationSummary(context.Context, string) (store.ConversationSummary, error)
	InsertMessage(context.Context, store.Message) error
	GetMessage(context.Context, string) (store.Message, error)
	ListConversationMessages(context.Context, string, int) ([]store.Message, error)
	ListNoteComments(context.Context, string) ([]store.Message, error)
	InsertAttachment(context.Context, store.Attachment) error
	GetAttachment(context.Context, string) (store.Attachment, error)
	ListNoteAttachments(context.Context, string) ([]store.Attachment, error)
	DeleteAttachment(context.Context, string) error
	Ping(ctx context.Context) error
}

// sessionStore holds refresh tokens. Postgres backs it by default; Redis can
// take over via SetSessionStore. Lookup may return only the user id, so
// callers re-read the user row before issuing a new session.
type sessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

type gitService interface {
	EnsureNoteRepo(string, gitrepo.Content, string) error
	CommitContent(string, gitrepo.Content, string, string) (store.NoteRevision, error)
	GetContentByHash(string, string) (gitrepo.Content, error)
	History(string, int) ([]store.NoteRevision, error)
	DeleteNoteRepo(string) error
}

type searchIndex interface {
	Search(search.Query) search.Response
	IndexNote(search.NoteRecord)
	DeleteNote(string)
}

type blobStore interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

type notifier interface {
	IsConfigured() bool
	SendFriendRequestEmail(to, userName, requesterName string) error
	SendNoteShareEmail(to, userName, ownerName, noteTitle string) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	passwords *authpw.Service
	git       gitService
	search    searchIndex
	exporter  *export.Service
	blobs     blobStore
	email     notifier
}

func New(cfg config.Config, dataStore *store.PostgresStore, gitService *gitrepo.Service) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  dataStore,
		passwords: authpw.NewService(dataStore),
		git:       gitService,
		exporter:  export.NewService(),
	}
}

// SetSessionStore swaps refresh-token storage, typically for Redis.
func (s *Service) SetSessionStore(sessions sessionStore) {
	s.sessions = sessions
}

func (s *Service) SetSearch(idx searchIndex) {
	s.search = idx
}

func (s *Service) SetBlobStore(blobs blobStore) {
	s.blobs = blobs
}

func (s *Service) SetNotifier(n notifier) {
	s.email = n
}

func (s *Service) Register(ctx context.Context, input RegisterInput) (Session, map[string]any, error) {
	user, err := s.passwords.Register(ctx, authpw.RegisterRequest{
		Username: input.Username,
		Email:    input.Email,
		Password: input.Password,
	})
	if err != nil {
		return Session{}, nil, mapAuthError(err)
	}

	session, err := s.issueSession(ctx, user)
	if err != nil {
		return Session{}, nil, err
	}
	return session, userPayload(user), nil
}

func (s *Service) Login(ctx context.Context, input LoginInput) (Session, map[string]any, error) {
	login := input.Username
	if login == "" {
		login = input.Email
	}

	user, err := s.passwords.Login(ctx, login, input.Password)
	if err != nil {
		return Session{}, nil, mapAuthError(err)
	}

	session, err := s.issueSession(ctx, user)
	if err != nil {
		return Session{}, nil, err
	}
	return session, userPayload(user), nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	stub, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_REFRESH_TOKEN", "refresh token is invalid or expired", nil)
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}

	// The session store may only carry the user id.
	user, err := s.store.GetUserByID(ctx, stub.ID)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_REFRESH_TOKEN", "refresh token is invalid or expired", nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:      user.ID,
		Username: user.Username,
		JTI:      jti,
		Exp:      expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Username:     user.Username,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Username:  user.Username,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) ListUsers(ctx context.Context) ([]map[string]any, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(users))
	for _, user := range users {
		items = append(items, userPayload(user))
	}
	return items, nil
}

func (s *Service) GetUser(ctx context.Context, userID string) (map[string]any, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return userPayload(user), nil
}

func (s *Service) UpdateUser(ctx context.Context, session Session, userID string, input UpdateUserInput) (map[string]any, error) {
	if session.UserID != userID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "you can only update your own account", nil)
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	username := strings.TrimSpace(input.Username)
	if username == "" {
		username = user.Username
	} else if !authpw.ValidUsername(username) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "username must be 3-32 characters of letters, digits, '_', '.', or '-'", nil)
	}

	email := strings.TrimSpace(strings.ToLower(input.Email))
	if email == "" {
		email = user.Email
	} else if !authpw.ValidEmail(email) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid email address", nil)
	}

	if err := s.store.UpdateUser(ctx, userID, username, email); err != nil {
		return nil, mapAuthError(err)
	}
	if input.Password != "" {
		if err := s.passwords.SetPassword(ctx, userID, input.Password); err != nil {
			return nil, mapAuthError(err)
		}
	}

	user.Username = username
	user.Email = email
	return userPayload(user), nil
}

// ChangePassword replaces the caller's password after verifying the current
// one, unlike the profile update which trusts the session alone.
func (s *Service) ChangePassword(ctx context.Context, session Session, userID string, input ChangePasswordInput) error {
	if session.UserID != userID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "you can only change your own password", nil)
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.passwords.ChangePassword(ctx, user, input.CurrentPassword, input.NewPassword); err != nil {
		return mapAuthError(err)
	}
	return nil
}

func (s *Service) DeleteUser(ctx context.Context, session Session, userID string) error {
	if session.UserID != userID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "you can only delete your own account", nil)
	}

	notes, err := s.store.ListNotes(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteUser(ctx, userID); err != nil {
		return err
	}

	// DB rows cascade; revision repos and index entries are cleaned up here.
	for _, note := range notes {
		if s.git != nil {
			_ = s.git.DeleteNoteRepo(note.ID)
		}
		if s.search != nil {
			s.search.DeleteNote(note.ID)
		}
	}
	return nil
}

func mapAuthError(err error) error {
	var validation authpw.ValidationError
	switch {
	case errors.As(err, &validation):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", validation.Error(), nil)
	case errors.Is(err, store.ErrUsernameTaken):
		return domainError(http.StatusConflict, "USERNAME_TAKEN", "username is already taken", nil)
	case errors.Is(err, store.ErrEmailTaken):
		return domainError(http.StatusConflict, "EMAIL_TAKEN", "email is already registered", nil)
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials", nil)
	default:
		return err
	}
}

func userPayload(user store.User) map[string]any {
	payload := map[string]any{
		"id":        user.ID,
		"username":  user.Username,
		"email":     user.Email,
		"createdAt": user.CreatedAt,
	}
	if user.LastLoginAt != nil {
		payload["lastLoginAt"] = *user.LastLoginAt
	}
	return payload
}
