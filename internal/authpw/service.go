// Package authpw provides username/password authentication.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"quill/api/internal/store"
	"quill/api/internal/util"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")

	usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_.-]{3,32}$`)
	emailRe    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// ValidationError marks rejected input so callers can tell it apart from
// storage failures.
type ValidationError string

func (e ValidationError) Error() string { return string(e) }

func ValidUsername(username string) bool { return usernameRe.MatchString(username) }

func ValidEmail(email string) bool { return emailRe.MatchString(email) }

// Service handles registration and credential checks.
type Service struct {
	store UserStore
}

// UserStore is the subset of storage auth needs.
type UserStore interface {
	CreateUser(ctx context.Context, user store.User) error
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error
	TouchLastLogin(ctx context.Context, userID string, at time.Time) error
}

func NewService(st UserStore) *Service {
	return &Service{store: st}
}

// RegisterRequest contains registration parameters.
type RegisterRequest struct {
	Username string
	Email    string
	Password string
}

// Register validates the request, hashes the password and creates the user.
// Username and email uniqueness errors from the store pass through unchanged
// so callers can map them to conflicts.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.User, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))

	if req.Username == "" || req.Email == "" || req.Password == "" {
		return store.User{}, ValidationError("username, email, and password are required")
	}
	if !usernameRe.MatchString(req.Username) {
		return store.User{}, ValidationError("username must be 3-32 characters of letters, digits, '_', '.', or '-'")
	}
	if !emailRe.MatchString(req.Email) {
		return store.User{}, ValidationError("invalid email address")
	}
	if len(req.Password) < 8 {
		return store.User{}, ValidationError("password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID("usr"),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		return store.User{}, err
	}
	return user, nil
}

// Login checks the credentials. The login value may be a username or an email
// address. Unknown users and wrong passwords return the same error.
func (s *Service) Login(ctx context.Context, login, password string) (store.User, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	var user store.User
	var err error
	if strings.Contains(login, "@") {
		user, err = s.store.GetUserByEmail(ctx, strings.ToLower(login))
	} else {
		user, err = s.store.GetUserByUsername(ctx, login)
	}
	if err != nil {
		return store.User{}, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}

	now := time.Now().UTC()
	if err := s.store.TouchLastLogin(ctx, user.ID, now); err == nil {
		user.LastLoginAt = &now
	}

	return user, nil
}

// ChangePassword verifies the current password before setting a new one.
func (s *Service) ChangePassword(ctx context.Context, user store.User, current, next string) error {
	if len(next) < 8 {
		return ValidationError("password must be at least 8 characters")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)); err != nil {
		return ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(next), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.store.UpdateUserPassword(ctx, user.ID, string(hash))
}

// SetPassword replaces a user's password without checking the old one. Used
// by profile updates where the caller is already authenticated as the user.
func (s *Service) SetPassword(ctx context.Context, userID, password string) error {
	if len(password) < 8 {
		return ValidationError("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.store.UpdateUserPassword(ctx, userID, string(hash))
}
